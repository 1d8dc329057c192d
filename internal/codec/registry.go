// Package codec implements the binary serialization layer shared by the
// websocket transport and the room engine. Values are written little-endian;
// variable-length payloads carry a 2-byte length prefix and reference-like
// values (pointers, slices, maps, byte slices, interfaces) carry a 1-byte
// null flag. Self-describing values are prefixed with a 2-byte type code
// bound through a Registry.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"reflect"
	"sync"
)

// MaxLength is the hard ceiling for any length prefix.
const MaxLength = 65535

// MinApplicationCode is the first type code available to application
// messages. Codes below it are reserved for primitives.
const MinApplicationCode uint16 = 400

// Reserved primitive type codes.
const (
	CodeBool uint16 = iota + 1
	CodeInt8
	CodeUint8
	CodeInt16
	CodeUint16
	CodeInt32
	CodeUint32
	CodeInt64
	CodeUint64
	CodeFloat32
	CodeFloat64
	CodeString
	CodeBytes
	CodeInt
	CodeUint
	CodeAnyList
	CodeStringMap
)

var (
	ErrDuplicateCode   = errors.New("codec: duplicate type code")
	ErrDuplicateType   = errors.New("codec: duplicate type registration")
	ErrUnregistered    = errors.New("codec: type not registered")
	ErrUnknownCode     = errors.New("codec: unknown type code")
	ErrUnresolvable    = errors.New("codec: no handler resolves type")
	ErrTooLong         = errors.New("codec: length exceeds 65535")
	ErrBufferTooShort  = errors.New("codec: buffer too short")
	ErrInvalidNullFlag = errors.New("codec: invalid null flag")
	ErrLengthMismatch  = errors.New("codec: fixed array length mismatch")
	ErrTrailingData    = errors.New("codec: trailing bytes after value")
	ErrNilValue        = errors.New("codec: cannot encode untyped nil")
)

// Record is implemented by self-describing message types that write and read
// their own fields. DecodeRecord must have a pointer receiver.
type Record interface {
	EncodeRecord(e *Encoder) error
	DecodeRecord(d *Decoder) error
}

type registration struct {
	code        uint16
	typ         reflect.Type
	inheritable bool
}

type codeEntry struct {
	code uint16
	base reflect.Type
}

// Registry binds type codes to Go types and caches the handler resolved for
// each type. A Registry is safe for concurrent use once registration is done;
// registration itself may also run concurrently with encoding.
type Registry struct {
	mu          sync.RWMutex
	byCode      map[uint16]registration
	byType      map[reflect.Type]registration
	inheritable []registration
	explicit    map[reflect.Type]*handler

	handlers sync.Map // reflect.Type -> *handler
	codes    sync.Map // reflect.Type -> codeEntry
}

// NewRegistry creates a registry with the primitive handlers and reserved
// primitive codes installed.
func NewRegistry() *Registry {
	r := &Registry{
		byCode:   make(map[uint16]registration),
		byType:   make(map[reflect.Type]registration),
		explicit: make(map[reflect.Type]*handler),
	}
	installPrimitives(r)

	primitives := []struct {
		code uint16
		typ  reflect.Type
	}{
		{CodeBool, reflect.TypeFor[bool]()},
		{CodeInt8, reflect.TypeFor[int8]()},
		{CodeUint8, reflect.TypeFor[uint8]()},
		{CodeInt16, reflect.TypeFor[int16]()},
		{CodeUint16, reflect.TypeFor[uint16]()},
		{CodeInt32, reflect.TypeFor[int32]()},
		{CodeUint32, reflect.TypeFor[uint32]()},
		{CodeInt64, reflect.TypeFor[int64]()},
		{CodeUint64, reflect.TypeFor[uint64]()},
		{CodeFloat32, reflect.TypeFor[float32]()},
		{CodeFloat64, reflect.TypeFor[float64]()},
		{CodeString, reflect.TypeFor[string]()},
		{CodeBytes, reflect.TypeFor[[]byte]()},
		{CodeInt, reflect.TypeFor[int]()},
		{CodeUint, reflect.TypeFor[uint]()},
		{CodeAnyList, reflect.TypeFor[[]any]()},
		{CodeStringMap, reflect.TypeFor[map[string]string]()},
	}
	for _, p := range primitives {
		r.MustRegister(p.code, p.typ, false)
	}
	return r
}

// RegisterType binds code to t. When inheritable is set, types without their
// own registration that convert to t (same kind) resolve to code as well.
func (r *Registry) RegisterType(code uint16, t reflect.Type, inheritable bool) error {
	if t == nil {
		return fmt.Errorf("codec: register code %d: nil type", code)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byCode[code]; ok {
		return fmt.Errorf("%w: %d already bound to %s", ErrDuplicateCode, code, existing.typ)
	}
	if existing, ok := r.byType[t]; ok {
		return fmt.Errorf("%w: %s already bound to %d", ErrDuplicateType, t, existing.code)
	}

	reg := registration{code: code, typ: t, inheritable: inheritable}
	r.byCode[code] = reg
	r.byType[t] = reg
	r.codes.Delete(t)
	if inheritable {
		r.inheritable = append(r.inheritable, reg)
		// Derived types may have resolved before this registration existed.
		r.codes.Range(func(k, _ any) bool {
			r.codes.Delete(k)
			return true
		})
	}
	return nil
}

// MustRegister is RegisterType for startup code; it panics on error.
func (r *Registry) MustRegister(code uint16, t reflect.Type, inheritable bool) {
	if err := r.RegisterType(code, t, inheritable); err != nil {
		panic(err)
	}
}

// Register binds code to the type of T.
func Register[T any](r *Registry, code uint16) error {
	return r.RegisterType(code, reflect.TypeFor[T](), false)
}

// RegisterHandler installs an explicit encode/decode pair for T. Explicit
// handlers take precedence over every structural handler.
func RegisterHandler[T any](r *Registry, enc func(*Encoder, T) error, dec func(*Decoder) (T, error)) {
	t := reflect.TypeFor[T]()
	h := &handler{
		encode: func(e *Encoder, v reflect.Value) error {
			return enc(e, v.Interface().(T))
		},
		decode: func(d *Decoder, v reflect.Value) error {
			out, err := dec(d)
			if err != nil {
				return err
			}
			v.Set(reflect.ValueOf(&out).Elem())
			return nil
		},
	}

	r.mu.Lock()
	r.explicit[t] = h
	r.mu.Unlock()
	r.handlers.Delete(t)
}

// CodeOf returns the type code used for values of type t.
func (r *Registry) CodeOf(t reflect.Type) (uint16, error) {
	code, _, err := r.codeFor(t)
	return code, err
}

func (r *Registry) codeFor(t reflect.Type) (uint16, reflect.Type, error) {
	if cached, ok := r.codes.Load(t); ok {
		entry := cached.(codeEntry)
		return entry.code, entry.base, nil
	}

	r.mu.RLock()
	reg, ok := r.byType[t]
	if !ok {
		for _, candidate := range r.inheritable {
			if t.Kind() == candidate.typ.Kind() && t.ConvertibleTo(candidate.typ) {
				reg, ok = candidate, true
				break
			}
		}
	}
	r.mu.RUnlock()

	if !ok {
		return 0, nil, fmt.Errorf("%w: %s", ErrUnregistered, t)
	}
	r.codes.Store(t, codeEntry{code: reg.code, base: reg.typ})
	return reg.code, reg.typ, nil
}

func (r *Registry) typeFor(code uint16) (reflect.Type, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.byCode[code]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownCode, code)
	}
	return reg.typ, nil
}

// Encode serializes v by its static type, without a type code. A failed
// encode returns no bytes.
func (r *Registry) Encode(v any) ([]byte, error) {
	e := NewEncoder(r)
	if err := e.Encode(v); err != nil {
		return nil, err
	}
	return e.Bytes(), nil
}

// NetworkMessage is the envelope Marshal produces: a type code followed by
// the encoded value.
type NetworkMessage struct {
	Code    uint16
	Payload []byte
}

// ParseMessage splits an envelope into its code and payload without
// decoding the payload.
func ParseMessage(data []byte) (NetworkMessage, error) {
	if len(data) < 2 {
		return NetworkMessage{}, fmt.Errorf("%w: envelope needs 2 bytes, have %d", ErrBufferTooShort, len(data))
	}
	return NetworkMessage{Code: binary.LittleEndian.Uint16(data), Payload: data[2:]}, nil
}

// Bytes reassembles the envelope.
func (m NetworkMessage) Bytes() []byte {
	out := make([]byte, 2, 2+len(m.Payload))
	binary.LittleEndian.PutUint16(out, m.Code)
	return append(out, m.Payload...)
}

// Marshal serializes v as a self-describing envelope: [code:2][value...].
func (r *Registry) Marshal(v any) ([]byte, error) {
	if v == nil {
		return nil, ErrNilValue
	}
	e := NewEncoder(r)
	if err := e.encodeTagged(reflect.ValueOf(v), false); err != nil {
		return nil, err
	}
	return e.Bytes(), nil
}

// Unmarshal decodes a self-describing envelope written by Marshal.
func (r *Registry) Unmarshal(data []byte) (any, error) {
	return r.Decode(data, nil)
}

// Decode reads a value of type hint from data. With a nil hint the data must
// begin with a type code, as written by Marshal.
func (r *Registry) Decode(data []byte, hint reflect.Type) (any, error) {
	d := NewDecoder(r, data)

	var (
		v   reflect.Value
		err error
	)
	if hint == nil {
		v, err = d.decodeTagged()
	} else {
		v = reflect.New(hint).Elem()
		err = d.decodeValue(v)
	}
	if err != nil {
		return nil, err
	}
	if d.Remaining() != 0 {
		return nil, fmt.Errorf("%w: %d", ErrTrailingData, d.Remaining())
	}
	return v.Interface(), nil
}

// DecodeAs decodes data into a T. Interface types are decoded from a
// self-describing envelope.
func DecodeAs[T any](r *Registry, data []byte) (T, error) {
	var zero T
	t := reflect.TypeFor[T]()

	var (
		v   any
		err error
	)
	if t.Kind() == reflect.Interface {
		v, err = r.Unmarshal(data)
	} else {
		v, err = r.Decode(data, t)
	}
	if err != nil {
		return zero, err
	}
	out, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("codec: decoded %T, want %s", v, t)
	}
	return out, nil
}
