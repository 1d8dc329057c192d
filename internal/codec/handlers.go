package codec

import (
	"bytes"
	"fmt"
	"reflect"
	"sort"
)

type handler struct {
	encode func(e *Encoder, v reflect.Value) error
	decode func(d *Decoder, v reflect.Value) error // v is settable
}

// structural is one entry of the implicit resolver chain.
type structural struct {
	name    string
	matches func(t reflect.Type) bool
	build   func(r *Registry, t reflect.Type) *handler
}

var recordType = reflect.TypeFor[Record]()

// resolverChain is tried in order when a type has no explicit handler.
var resolverChain []structural

func init() {
	resolverChain = []structural{
		{"tuple", isTuple, tupleHandler},
		{"nullable", isNullable, nullableHandler},
		{"record", isRecord, recordHandler},
		{"array", isArray, arrayHandler},
		{"list", isList, listHandler},
		{"dictionary", isDictionary, dictionaryHandler},
		{"enum", isEnum, enumHandler},
	}
}

// handlerFor resolves and caches the handler for t.
func (r *Registry) handlerFor(t reflect.Type) (*handler, error) {
	if cached, ok := r.handlers.Load(t); ok {
		return cached.(*handler), nil
	}

	r.mu.RLock()
	h, ok := r.explicit[t]
	r.mu.RUnlock()

	if !ok {
		for _, s := range resolverChain {
			if s.matches(t) {
				h = s.build(r, t)
				break
			}
		}
	}
	if h == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnresolvable, t)
	}

	actual, _ := r.handlers.LoadOrStore(t, h)
	return actual.(*handler), nil
}

// Resolves reports whether a handler exists for t.
func (r *Registry) Resolves(t reflect.Type) bool {
	_, err := r.handlerFor(t)
	return err == nil
}

func isRecord(t reflect.Type) bool {
	return t.Kind() != reflect.Pointer && t.Kind() != reflect.Interface &&
		reflect.PointerTo(t).Implements(recordType)
}

func isTuple(t reflect.Type) bool {
	if t.Kind() != reflect.Struct || isRecord(t) {
		return false
	}
	for i := 0; i < t.NumField(); i++ {
		if !t.Field(i).IsExported() {
			return false
		}
	}
	return true
}

func isNullable(t reflect.Type) bool {
	return t.Kind() == reflect.Pointer
}

func isArray(t reflect.Type) bool {
	return t.Kind() == reflect.Array
}

func isList(t reflect.Type) bool {
	return t.Kind() == reflect.Slice
}

func isDictionary(t reflect.Type) bool {
	return t.Kind() == reflect.Map
}

func isEnum(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return t.Name() != ""
	}
	return false
}

// tupleHandler writes exported struct fields positionally.
func tupleHandler(r *Registry, t reflect.Type) *handler {
	return &handler{
		encode: func(e *Encoder, v reflect.Value) error {
			for i := 0; i < t.NumField(); i++ {
				if err := e.encodeValue(v.Field(i)); err != nil {
					return fmt.Errorf("%s.%s: %w", t.Name(), t.Field(i).Name, err)
				}
			}
			return nil
		},
		decode: func(d *Decoder, v reflect.Value) error {
			for i := 0; i < t.NumField(); i++ {
				if err := d.decodeValue(v.Field(i)); err != nil {
					return fmt.Errorf("%s.%s: %w", t.Name(), t.Field(i).Name, err)
				}
			}
			return nil
		},
	}
}

func nullableHandler(r *Registry, t reflect.Type) *handler {
	elem := t.Elem()
	return &handler{
		encode: func(e *Encoder, v reflect.Value) error {
			if v.IsNil() {
				e.WriteNull(true)
				return nil
			}
			e.WriteNull(false)
			return e.encodeValue(v.Elem())
		},
		decode: func(d *Decoder, v reflect.Value) error {
			isNil, err := d.ReadNull()
			if err != nil {
				return err
			}
			if isNil {
				v.Set(reflect.Zero(t))
				return nil
			}
			p := reflect.New(elem)
			if err := d.decodeValue(p.Elem()); err != nil {
				return err
			}
			v.Set(p)
			return nil
		},
	}
}

func recordHandler(r *Registry, t reflect.Type) *handler {
	return &handler{
		encode: func(e *Encoder, v reflect.Value) error {
			if !v.CanAddr() {
				p := reflect.New(t)
				p.Elem().Set(v)
				v = p.Elem()
			}
			return v.Addr().Interface().(Record).EncodeRecord(e)
		},
		decode: func(d *Decoder, v reflect.Value) error {
			return v.Addr().Interface().(Record).DecodeRecord(d)
		},
	}
}

// arrayHandler writes fixed-size arrays with a count so that a reader with a
// different array length fails instead of misaligning.
func arrayHandler(r *Registry, t reflect.Type) *handler {
	n := t.Len()
	return &handler{
		encode: func(e *Encoder, v reflect.Value) error {
			if err := e.WriteLength(n); err != nil {
				return err
			}
			for i := 0; i < n; i++ {
				if err := e.encodeValue(v.Index(i)); err != nil {
					return err
				}
			}
			return nil
		},
		decode: func(d *Decoder, v reflect.Value) error {
			count, err := d.ReadLength()
			if err != nil {
				return err
			}
			if count != n {
				return fmt.Errorf("%w: %s has %d elements, wire has %d", ErrLengthMismatch, t, n, count)
			}
			for i := 0; i < n; i++ {
				if err := d.decodeValue(v.Index(i)); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func listHandler(r *Registry, t reflect.Type) *handler {
	return &handler{
		encode: func(e *Encoder, v reflect.Value) error {
			if v.IsNil() {
				e.WriteNull(true)
				return nil
			}
			if v.Len() > MaxLength {
				return fmt.Errorf("%w: %s with %d elements", ErrTooLong, t, v.Len())
			}
			e.WriteNull(false)
			e.WriteUint16(uint16(v.Len()))
			for i := 0; i < v.Len(); i++ {
				if err := e.encodeValue(v.Index(i)); err != nil {
					return err
				}
			}
			return nil
		},
		decode: func(d *Decoder, v reflect.Value) error {
			isNil, err := d.ReadNull()
			if err != nil {
				return err
			}
			if isNil {
				v.Set(reflect.Zero(t))
				return nil
			}
			n, err := d.ReadLength()
			if err != nil {
				return err
			}
			s := reflect.MakeSlice(t, n, n)
			for i := 0; i < n; i++ {
				if err := d.decodeValue(s.Index(i)); err != nil {
					return err
				}
			}
			v.Set(s)
			return nil
		},
	}
}

type mapEntry struct {
	key   []byte
	value []byte
}

// dictionaryHandler sorts entries by their encoded key so that equal maps
// always produce equal bytes.
func dictionaryHandler(r *Registry, t reflect.Type) *handler {
	return &handler{
		encode: func(e *Encoder, v reflect.Value) error {
			if v.IsNil() {
				e.WriteNull(true)
				return nil
			}
			if v.Len() > MaxLength {
				return fmt.Errorf("%w: %s with %d entries", ErrTooLong, t, v.Len())
			}

			entries := make([]mapEntry, 0, v.Len())
			scratch := NewEncoder(e.reg)
			iter := v.MapRange()
			for iter.Next() {
				scratch.Reset()
				if err := scratch.encodeValue(iter.Key()); err != nil {
					return err
				}
				key := append([]byte(nil), scratch.Bytes()...)

				scratch.Reset()
				if err := scratch.encodeValue(iter.Value()); err != nil {
					return err
				}
				entries = append(entries, mapEntry{key: key, value: append([]byte(nil), scratch.Bytes()...)})
			}
			sort.Slice(entries, func(i, j int) bool {
				return bytes.Compare(entries[i].key, entries[j].key) < 0
			})

			e.WriteNull(false)
			e.WriteUint16(uint16(len(entries)))
			for _, entry := range entries {
				e.WriteRaw(entry.key)
				e.WriteRaw(entry.value)
			}
			return nil
		},
		decode: func(d *Decoder, v reflect.Value) error {
			isNil, err := d.ReadNull()
			if err != nil {
				return err
			}
			if isNil {
				v.Set(reflect.Zero(t))
				return nil
			}
			n, err := d.ReadLength()
			if err != nil {
				return err
			}
			m := reflect.MakeMapWithSize(t, n)
			for i := 0; i < n; i++ {
				key := reflect.New(t.Key()).Elem()
				if err := d.decodeValue(key); err != nil {
					return err
				}
				val := reflect.New(t.Elem()).Elem()
				if err := d.decodeValue(val); err != nil {
					return err
				}
				m.SetMapIndex(key, val)
			}
			v.Set(m)
			return nil
		},
	}
}

// enumHandler writes named integer types by the width of their underlying kind.
func enumHandler(r *Registry, t reflect.Type) *handler {
	size := int(t.Size())
	signed := t.Kind() >= reflect.Int && t.Kind() <= reflect.Int64

	return &handler{
		encode: func(e *Encoder, v reflect.Value) error {
			var u uint64
			if signed {
				u = uint64(v.Int())
			} else {
				u = v.Uint()
			}
			switch size {
			case 1:
				e.WriteUint8(uint8(u))
			case 2:
				e.WriteUint16(uint16(u))
			case 4:
				e.WriteUint32(uint32(u))
			default:
				e.WriteUint64(u)
			}
			return nil
		},
		decode: func(d *Decoder, v reflect.Value) error {
			var (
				u   uint64
				err error
			)
			switch size {
			case 1:
				var b uint8
				b, err = d.ReadUint8()
				u = uint64(b)
				if signed {
					u = uint64(int64(int8(b)))
				}
			case 2:
				var w uint16
				w, err = d.ReadUint16()
				u = uint64(w)
				if signed {
					u = uint64(int64(int16(w)))
				}
			case 4:
				var w uint32
				w, err = d.ReadUint32()
				u = uint64(w)
				if signed {
					u = uint64(int64(int32(w)))
				}
			default:
				u, err = d.ReadUint64()
			}
			if err != nil {
				return err
			}
			if signed {
				v.SetInt(int64(u))
			} else {
				v.SetUint(u)
			}
			return nil
		},
	}
}
