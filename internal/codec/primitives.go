package codec

import "reflect"

// installPrimitives registers the exact-match handlers every registry starts with.
func installPrimitives(r *Registry) {
	RegisterHandler(r,
		func(e *Encoder, v bool) error { e.WriteBool(v); return nil },
		(*Decoder).ReadBool)
	RegisterHandler(r,
		func(e *Encoder, v int8) error { e.WriteInt8(v); return nil },
		(*Decoder).ReadInt8)
	RegisterHandler(r,
		func(e *Encoder, v uint8) error { e.WriteUint8(v); return nil },
		(*Decoder).ReadUint8)
	RegisterHandler(r,
		func(e *Encoder, v int16) error { e.WriteInt16(v); return nil },
		(*Decoder).ReadInt16)
	RegisterHandler(r,
		func(e *Encoder, v uint16) error { e.WriteUint16(v); return nil },
		(*Decoder).ReadUint16)
	RegisterHandler(r,
		func(e *Encoder, v int32) error { e.WriteInt32(v); return nil },
		(*Decoder).ReadInt32)
	RegisterHandler(r,
		func(e *Encoder, v uint32) error { e.WriteUint32(v); return nil },
		(*Decoder).ReadUint32)
	RegisterHandler(r,
		func(e *Encoder, v int64) error { e.WriteInt64(v); return nil },
		(*Decoder).ReadInt64)
	RegisterHandler(r,
		func(e *Encoder, v uint64) error { e.WriteUint64(v); return nil },
		(*Decoder).ReadUint64)
	RegisterHandler(r,
		func(e *Encoder, v float32) error { e.WriteFloat32(v); return nil },
		(*Decoder).ReadFloat32)
	RegisterHandler(r,
		func(e *Encoder, v float64) error { e.WriteFloat64(v); return nil },
		(*Decoder).ReadFloat64)
	RegisterHandler(r,
		func(e *Encoder, v int) error { e.WriteInt64(int64(v)); return nil },
		func(d *Decoder) (int, error) {
			v, err := d.ReadInt64()
			return int(v), err
		})
	RegisterHandler(r,
		func(e *Encoder, v uint) error { e.WriteUint64(uint64(v)); return nil },
		func(d *Decoder) (uint, error) {
			v, err := d.ReadUint64()
			return uint(v), err
		})
	RegisterHandler(r, (*Encoder).WriteString, (*Decoder).ReadString)
	RegisterHandler(r, (*Encoder).WriteBytes, (*Decoder).ReadBytes)

	// Interface values carry their dynamic type code.
	anyType := reflect.TypeFor[any]()
	r.explicit[anyType] = &handler{
		encode: func(e *Encoder, v reflect.Value) error {
			return e.EncodeAny(v.Interface())
		},
		decode: func(d *Decoder, v reflect.Value) error {
			val, err := d.DecodeAny()
			if err != nil {
				return err
			}
			if val == nil {
				v.Set(reflect.Zero(anyType))
				return nil
			}
			v.Set(reflect.ValueOf(val))
			return nil
		},
	}
}
