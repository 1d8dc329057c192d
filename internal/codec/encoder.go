package codec

import (
	"encoding/binary"
	"fmt"
	"math"
	"reflect"
)

// Encoder appends little-endian values to a growing buffer. Records receive
// an Encoder in EncodeRecord and use it for both primitives and nested
// registered values.
type Encoder struct {
	buf []byte
	reg *Registry
}

// NewEncoder creates an Encoder bound to a registry.
func NewEncoder(reg *Registry) *Encoder {
	return &Encoder{
		buf: make([]byte, 0, 64),
		reg: reg,
	}
}

// Bytes returns the encoded bytes.
func (e *Encoder) Bytes() []byte {
	return e.buf
}

// Len returns the number of bytes written so far.
func (e *Encoder) Len() int {
	return len(e.buf)
}

// Reset clears the encoder for reuse.
func (e *Encoder) Reset() {
	e.buf = e.buf[:0]
}

// WriteBool writes a bool as a single byte.
func (e *Encoder) WriteBool(v bool) {
	if v {
		e.buf = append(e.buf, 1)
		return
	}
	e.buf = append(e.buf, 0)
}

// WriteUint8 writes a single byte.
func (e *Encoder) WriteUint8(v uint8) {
	e.buf = append(e.buf, v)
}

// WriteInt8 writes a signed byte.
func (e *Encoder) WriteInt8(v int8) {
	e.buf = append(e.buf, byte(v))
}

// WriteUint16 writes a uint16.
func (e *Encoder) WriteUint16(v uint16) {
	e.buf = binary.LittleEndian.AppendUint16(e.buf, v)
}

// WriteInt16 writes an int16.
func (e *Encoder) WriteInt16(v int16) {
	e.buf = binary.LittleEndian.AppendUint16(e.buf, uint16(v))
}

// WriteUint32 writes a uint32.
func (e *Encoder) WriteUint32(v uint32) {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, v)
}

// WriteInt32 writes an int32.
func (e *Encoder) WriteInt32(v int32) {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, uint32(v))
}

// WriteUint64 writes a uint64.
func (e *Encoder) WriteUint64(v uint64) {
	e.buf = binary.LittleEndian.AppendUint64(e.buf, v)
}

// WriteInt64 writes an int64.
func (e *Encoder) WriteInt64(v int64) {
	e.buf = binary.LittleEndian.AppendUint64(e.buf, uint64(v))
}

// WriteFloat32 writes a float32 as its IEEE 754 bits.
func (e *Encoder) WriteFloat32(v float32) {
	e.WriteUint32(math.Float32bits(v))
}

// WriteFloat64 writes a float64 as its IEEE 754 bits.
func (e *Encoder) WriteFloat64(v float64) {
	e.WriteUint64(math.Float64bits(v))
}

// WriteLength writes a 2-byte element or byte count.
func (e *Encoder) WriteLength(n int) error {
	if n > MaxLength {
		return fmt.Errorf("%w: %d", ErrTooLong, n)
	}
	e.WriteUint16(uint16(n))
	return nil
}

// WriteNull writes the nullability prefix: 1 when the value is absent.
func (e *Encoder) WriteNull(isNil bool) {
	e.WriteBool(isNil)
}

// WriteString writes a length-prefixed UTF-8 string.
// Format: [length:2][bytes...]
func (e *Encoder) WriteString(s string) error {
	if err := e.WriteLength(len(s)); err != nil {
		return err
	}
	e.buf = append(e.buf, s...)
	return nil
}

// WriteBytes writes a nullable, length-prefixed byte slice.
// Format: [null:1]([length:2][bytes...])
func (e *Encoder) WriteBytes(b []byte) error {
	if b == nil {
		e.WriteNull(true)
		return nil
	}
	if len(b) > MaxLength {
		return fmt.Errorf("%w: %d", ErrTooLong, len(b))
	}
	e.WriteNull(false)
	e.WriteUint16(uint16(len(b)))
	e.buf = append(e.buf, b...)
	return nil
}

// WriteRaw appends bytes without any prefix.
func (e *Encoder) WriteRaw(b []byte) {
	e.buf = append(e.buf, b...)
}

// Encode writes v using the handler resolved for its static type. No type
// code is written.
func (e *Encoder) Encode(v any) error {
	if v == nil {
		return ErrNilValue
	}
	rv := reflect.ValueOf(v)
	return e.encodeValue(rv)
}

// EncodeAny writes v as a nullable, self-describing value:
// [null:1]([code:2][value...]). The dynamic type must be registered.
func (e *Encoder) EncodeAny(v any) error {
	if v == nil {
		e.WriteNull(true)
		return nil
	}
	return e.encodeTagged(reflect.ValueOf(v), true)
}

func (e *Encoder) encodeValue(v reflect.Value) error {
	h, err := e.reg.handlerFor(v.Type())
	if err != nil {
		return err
	}
	return h.encode(e, v)
}

// encodeTagged writes the type code followed by the value. Values whose type
// only resolves through an inheritable registration are converted to the
// registered type first so that the decoder sees the layout it expects.
func (e *Encoder) encodeTagged(v reflect.Value, nullable bool) error {
	code, base, err := e.reg.codeFor(v.Type())
	if err != nil {
		return err
	}
	if base != v.Type() {
		v = v.Convert(base)
	}
	if nullable {
		e.WriteNull(false)
	}
	e.WriteUint16(code)
	return e.encodeValue(v)
}
