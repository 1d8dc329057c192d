package codec

import (
	"encoding/binary"
	"fmt"
	"math"
	"reflect"
)

// Decoder reads little-endian values from a byte slice.
type Decoder struct {
	buf []byte
	pos int
	reg *Registry
}

// NewDecoder creates a Decoder over data.
func NewDecoder(reg *Registry, data []byte) *Decoder {
	return &Decoder{
		buf: data,
		reg: reg,
	}
}

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int {
	return len(d.buf) - d.pos
}

func (d *Decoder) take(n int) ([]byte, error) {
	if n < 0 || d.pos+n > len(d.buf) {
		return nil, fmt.Errorf("%w: need %d bytes at offset %d, have %d",
			ErrBufferTooShort, n, d.pos, len(d.buf)-d.pos)
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

// ReadBool reads a single-byte bool.
func (d *Decoder) ReadBool() (bool, error) {
	b, err := d.take(1)
	if err != nil {
		return false, err
	}
	return b[0] != 0, nil
}

// ReadUint8 reads a single byte.
func (d *Decoder) ReadUint8() (uint8, error) {
	b, err := d.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadInt8 reads a signed byte.
func (d *Decoder) ReadInt8() (int8, error) {
	v, err := d.ReadUint8()
	return int8(v), err
}

// ReadUint16 reads a uint16.
func (d *Decoder) ReadUint16() (uint16, error) {
	b, err := d.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// ReadInt16 reads an int16.
func (d *Decoder) ReadInt16() (int16, error) {
	v, err := d.ReadUint16()
	return int16(v), err
}

// ReadUint32 reads a uint32.
func (d *Decoder) ReadUint32() (uint32, error) {
	b, err := d.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// ReadInt32 reads an int32.
func (d *Decoder) ReadInt32() (int32, error) {
	v, err := d.ReadUint32()
	return int32(v), err
}

// ReadUint64 reads a uint64.
func (d *Decoder) ReadUint64() (uint64, error) {
	b, err := d.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// ReadInt64 reads an int64.
func (d *Decoder) ReadInt64() (int64, error) {
	v, err := d.ReadUint64()
	return int64(v), err
}

// ReadFloat32 reads a float32.
func (d *Decoder) ReadFloat32() (float32, error) {
	v, err := d.ReadUint32()
	return math.Float32frombits(v), err
}

// ReadFloat64 reads a float64.
func (d *Decoder) ReadFloat64() (float64, error) {
	v, err := d.ReadUint64()
	return math.Float64frombits(v), err
}

// ReadLength reads a 2-byte count.
func (d *Decoder) ReadLength() (int, error) {
	n, err := d.ReadUint16()
	return int(n), err
}

// ReadNull reads the nullability prefix and reports whether the value is absent.
func (d *Decoder) ReadNull() (bool, error) {
	b, err := d.ReadUint8()
	if err != nil {
		return false, err
	}
	switch b {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf("%w: 0x%02x", ErrInvalidNullFlag, b)
	}
}

// ReadString reads a length-prefixed string.
func (d *Decoder) ReadString() (string, error) {
	n, err := d.ReadLength()
	if err != nil {
		return "", err
	}
	b, err := d.take(n)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadBytes reads a nullable, length-prefixed byte slice. The result is a
// copy and does not alias the input buffer.
func (d *Decoder) ReadBytes() ([]byte, error) {
	isNil, err := d.ReadNull()
	if err != nil || isNil {
		return nil, err
	}
	n, err := d.ReadLength()
	if err != nil {
		return nil, err
	}
	b, err := d.take(n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

// Decode reads a value into the element pointed to by ptr, using the handler
// resolved for that element's type.
func (d *Decoder) Decode(ptr any) error {
	rv := reflect.ValueOf(ptr)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("codec: decode target must be a non-nil pointer, got %T", ptr)
	}
	return d.decodeValue(rv.Elem())
}

// DecodeAny reads a nullable, self-describing value written by EncodeAny.
func (d *Decoder) DecodeAny() (any, error) {
	isNil, err := d.ReadNull()
	if err != nil || isNil {
		return nil, err
	}
	v, err := d.decodeTagged()
	if err != nil {
		return nil, err
	}
	return v.Interface(), nil
}

func (d *Decoder) decodeValue(v reflect.Value) error {
	h, err := d.reg.handlerFor(v.Type())
	if err != nil {
		return err
	}
	return h.decode(d, v)
}

func (d *Decoder) decodeTagged() (reflect.Value, error) {
	code, err := d.ReadUint16()
	if err != nil {
		return reflect.Value{}, err
	}
	t, err := d.reg.typeFor(code)
	if err != nil {
		return reflect.Value{}, err
	}
	v := reflect.New(t).Elem()
	if err := d.decodeValue(v); err != nil {
		return reflect.Value{}, err
	}
	return v, nil
}
