package protocol

import (
	"github.com/energizer-project/relay/internal/codec"
)

// Room messages write their own layout. Decoding mirrors encoding field by
// field; nested shapes and optional values go through the registry.

// RegisterClientRequest is the first message a routed connection sends.
type RegisterClientRequest struct {
	Profile []byte
}

func (m *RegisterClientRequest) EncodeRecord(e *codec.Encoder) error {
	return e.WriteBytes(m.Profile)
}

func (m *RegisterClientRequest) DecodeRecord(d *codec.Decoder) (err error) {
	m.Profile, err = d.ReadBytes()
	return err
}

// ReadyClientRequest asks the room for its world snapshot.
type ReadyClientRequest struct{}

func (m *ReadyClientRequest) EncodeRecord(e *codec.Encoder) error { return nil }

func (m *ReadyClientRequest) DecodeRecord(d *codec.Decoder) error { return nil }

// RpcRequest invokes a method on an entity's behaviour on other clients.
// Target is required for RpcTarget and RpcReturn; Exception excludes one
// client from an RpcBroadcast.
type RpcRequest struct {
	Entity     EntityID
	Behaviour  uint8
	Method     string
	Args       []byte
	Kind       RpcKind
	Buffer     BufferMode
	Target     *ClientID
	Exception  *ClientID
	CallbackID uint16
}

func (m *RpcRequest) EncodeRecord(e *codec.Encoder) error {
	e.WriteUint16(uint16(m.Entity))
	e.WriteUint8(m.Behaviour)
	if err := e.WriteString(m.Method); err != nil {
		return err
	}
	if err := e.WriteBytes(m.Args); err != nil {
		return err
	}
	e.WriteUint8(uint8(m.Kind))
	e.WriteUint8(uint8(m.Buffer))
	if err := e.Encode(m.Target); err != nil {
		return err
	}
	if err := e.Encode(m.Exception); err != nil {
		return err
	}
	e.WriteUint16(m.CallbackID)
	return nil
}

func (m *RpcRequest) DecodeRecord(d *codec.Decoder) error {
	r := reader{d: d}
	m.Entity = EntityID(r.uint16())
	m.Behaviour = r.uint8()
	m.Method = r.string()
	m.Args = r.bytes()
	m.Kind = RpcKind(r.uint8())
	m.Buffer = BufferMode(r.uint8())
	r.decode(&m.Target)
	r.decode(&m.Exception)
	m.CallbackID = r.uint16()
	return r.err
}

// RprRequest is the reply to a Return RPC. Target is the client that issued
// the call.
type RprRequest struct {
	Entity      EntityID
	Target      ClientID
	CallbackID  uint16
	Result      RprResult
	ReturnValue []byte
}

func (m *RprRequest) EncodeRecord(e *codec.Encoder) error {
	e.WriteUint16(uint16(m.Entity))
	e.WriteUint16(uint16(m.Target))
	e.WriteUint16(m.CallbackID)
	e.WriteUint8(uint8(m.Result))
	return e.WriteBytes(m.ReturnValue)
}

func (m *RprRequest) DecodeRecord(d *codec.Decoder) error {
	r := reader{d: d}
	m.Entity = EntityID(r.uint16())
	m.Target = ClientID(r.uint16())
	m.CallbackID = r.uint16()
	m.Result = RprResult(r.uint8())
	m.ReturnValue = r.bytes()
	return r.err
}

// SyncVarRequest replicates one field of an entity's behaviour.
type SyncVarRequest struct {
	Entity    EntityID
	Behaviour uint8
	Field     string
	Value     []byte
	Buffer    BufferMode
}

func (m *SyncVarRequest) EncodeRecord(e *codec.Encoder) error {
	e.WriteUint16(uint16(m.Entity))
	e.WriteUint8(m.Behaviour)
	if err := e.WriteString(m.Field); err != nil {
		return err
	}
	if err := e.WriteBytes(m.Value); err != nil {
		return err
	}
	e.WriteUint8(uint8(m.Buffer))
	return nil
}

func (m *SyncVarRequest) DecodeRecord(d *codec.Decoder) error {
	r := reader{d: d}
	m.Entity = EntityID(r.uint16())
	m.Behaviour = r.uint8()
	m.Field = r.string()
	m.Value = r.bytes()
	m.Buffer = BufferMode(r.uint8())
	return r.err
}

// SpawnEntityRequest creates an entity from a resource path or, for scene
// objects, a scene index.
type SpawnEntityRequest struct {
	Kind       EntityKind
	Resource   string
	SceneIndex *uint16
	Attributes map[string]string
	Owner      *ClientID
}

func (m *SpawnEntityRequest) EncodeRecord(e *codec.Encoder) error {
	e.WriteUint8(uint8(m.Kind))
	if err := e.WriteString(m.Resource); err != nil {
		return err
	}
	if err := e.Encode(m.SceneIndex); err != nil {
		return err
	}
	if err := e.Encode(m.Attributes); err != nil {
		return err
	}
	return e.Encode(m.Owner)
}

func (m *SpawnEntityRequest) DecodeRecord(d *codec.Decoder) error {
	r := reader{d: d}
	m.Kind = EntityKind(r.uint8())
	m.Resource = r.string()
	r.decode(&m.SceneIndex)
	r.decode(&m.Attributes)
	r.decode(&m.Owner)
	return r.err
}

// DestroyEntityRequest asks the room to destroy an entity.
type DestroyEntityRequest struct {
	Entity EntityID
}

func (m *DestroyEntityRequest) EncodeRecord(e *codec.Encoder) error {
	e.WriteUint16(uint16(m.Entity))
	return nil
}

func (m *DestroyEntityRequest) DecodeRecord(d *codec.Decoder) error {
	id, err := d.ReadUint16()
	m.Entity = EntityID(id)
	return err
}

// RegisterClientResponse tells a client its ID and the room it joined.
type RegisterClientResponse struct {
	Client ClientID
	Room   RoomInfo
}

func (m *RegisterClientResponse) EncodeRecord(e *codec.Encoder) error {
	e.WriteUint16(uint16(m.Client))
	return e.Encode(m.Room)
}

func (m *RegisterClientResponse) DecodeRecord(d *codec.Decoder) error {
	r := reader{d: d}
	m.Client = ClientID(r.uint16())
	r.decode(&m.Room)
	return r.err
}

// ReadyClientResponse carries the snapshot a ready client replays: every
// client, the master and the buffered commands in broadcast order.
type ReadyClientResponse struct {
	Clients  []ClientInfo
	Master   ClientID
	Buffered []any
}

func (m *ReadyClientResponse) EncodeRecord(e *codec.Encoder) error {
	if err := e.Encode(m.Clients); err != nil {
		return err
	}
	e.WriteUint16(uint16(m.Master))
	return e.Encode(m.Buffered)
}

func (m *ReadyClientResponse) DecodeRecord(d *codec.Decoder) error {
	r := reader{d: d}
	r.decode(&m.Clients)
	m.Master = ClientID(r.uint16())
	r.decode(&m.Buffered)
	return r.err
}

// RpcCommand is an RPC relayed to its receivers.
type RpcCommand struct {
	Sender     ClientID
	Entity     EntityID
	Behaviour  uint8
	Method     string
	Args       []byte
	Kind       RpcKind
	CallbackID uint16
}

func (m *RpcCommand) EncodeRecord(e *codec.Encoder) error {
	e.WriteUint16(uint16(m.Sender))
	e.WriteUint16(uint16(m.Entity))
	e.WriteUint8(m.Behaviour)
	if err := e.WriteString(m.Method); err != nil {
		return err
	}
	if err := e.WriteBytes(m.Args); err != nil {
		return err
	}
	e.WriteUint8(uint8(m.Kind))
	e.WriteUint16(m.CallbackID)
	return nil
}

func (m *RpcCommand) DecodeRecord(d *codec.Decoder) error {
	r := reader{d: d}
	m.Sender = ClientID(r.uint16())
	m.Entity = EntityID(r.uint16())
	m.Behaviour = r.uint8()
	m.Method = r.string()
	m.Args = r.bytes()
	m.Kind = RpcKind(r.uint8())
	m.CallbackID = r.uint16()
	return r.err
}

// RprCommand delivers the outcome of a Return RPC to its caller.
type RprCommand struct {
	Entity      EntityID
	CallbackID  uint16
	Result      RprResult
	ReturnValue []byte
}

func (m *RprCommand) EncodeRecord(e *codec.Encoder) error {
	e.WriteUint16(uint16(m.Entity))
	e.WriteUint16(m.CallbackID)
	e.WriteUint8(uint8(m.Result))
	return e.WriteBytes(m.ReturnValue)
}

func (m *RprCommand) DecodeRecord(d *codec.Decoder) error {
	r := reader{d: d}
	m.Entity = EntityID(r.uint16())
	m.CallbackID = r.uint16()
	m.Result = RprResult(r.uint8())
	m.ReturnValue = r.bytes()
	return r.err
}

// SyncVarCommand is a field update relayed to ready clients.
type SyncVarCommand struct {
	Sender    ClientID
	Entity    EntityID
	Behaviour uint8
	Field     string
	Value     []byte
}

func (m *SyncVarCommand) EncodeRecord(e *codec.Encoder) error {
	e.WriteUint16(uint16(m.Sender))
	e.WriteUint16(uint16(m.Entity))
	e.WriteUint8(m.Behaviour)
	if err := e.WriteString(m.Field); err != nil {
		return err
	}
	return e.WriteBytes(m.Value)
}

func (m *SyncVarCommand) DecodeRecord(d *codec.Decoder) error {
	r := reader{d: d}
	m.Sender = ClientID(r.uint16())
	m.Entity = EntityID(r.uint16())
	m.Behaviour = r.uint8()
	m.Field = r.string()
	m.Value = r.bytes()
	return r.err
}

// SpawnEntityCommand announces a new entity. Owner is nil for orphans.
type SpawnEntityCommand struct {
	Owner      *ClientID
	Entity     EntityID
	Kind       EntityKind
	Resource   string
	SceneIndex *uint16
	Attributes map[string]string
}

// WithOwner returns a copy of the command owned by id.
func (m SpawnEntityCommand) WithOwner(id ClientID) SpawnEntityCommand {
	m.Owner = &id
	return m
}

func (m *SpawnEntityCommand) EncodeRecord(e *codec.Encoder) error {
	if err := e.Encode(m.Owner); err != nil {
		return err
	}
	e.WriteUint16(uint16(m.Entity))
	e.WriteUint8(uint8(m.Kind))
	if err := e.WriteString(m.Resource); err != nil {
		return err
	}
	if err := e.Encode(m.SceneIndex); err != nil {
		return err
	}
	return e.Encode(m.Attributes)
}

func (m *SpawnEntityCommand) DecodeRecord(d *codec.Decoder) error {
	r := reader{d: d}
	r.decode(&m.Owner)
	m.Entity = EntityID(r.uint16())
	m.Kind = EntityKind(r.uint8())
	m.Resource = r.string()
	r.decode(&m.SceneIndex)
	r.decode(&m.Attributes)
	return r.err
}

// DestroyEntityCommand announces that an entity is gone.
type DestroyEntityCommand struct {
	Entity EntityID
}

func (m *DestroyEntityCommand) EncodeRecord(e *codec.Encoder) error {
	e.WriteUint16(uint16(m.Entity))
	return nil
}

func (m *DestroyEntityCommand) DecodeRecord(d *codec.Decoder) error {
	id, err := d.ReadUint16()
	m.Entity = EntityID(id)
	return err
}

// ClientConnectedPayload announces a newly registered client.
type ClientConnectedPayload struct {
	Client ClientInfo
}

func (m *ClientConnectedPayload) EncodeRecord(e *codec.Encoder) error {
	return e.Encode(m.Client)
}

func (m *ClientConnectedPayload) DecodeRecord(d *codec.Decoder) error {
	return d.Decode(&m.Client)
}

// ClientDisconnectPayload announces a departed client.
type ClientDisconnectPayload struct {
	Client ClientID
}

func (m *ClientDisconnectPayload) EncodeRecord(e *codec.Encoder) error {
	e.WriteUint16(uint16(m.Client))
	return nil
}

func (m *ClientDisconnectPayload) DecodeRecord(d *codec.Decoder) error {
	id, err := d.ReadUint16()
	m.Client = ClientID(id)
	return err
}

// ChangeMasterCommand announces the new master client.
type ChangeMasterCommand struct {
	Client ClientID
}

func (m *ChangeMasterCommand) EncodeRecord(e *codec.Encoder) error {
	e.WriteUint16(uint16(m.Client))
	return nil
}

func (m *ChangeMasterCommand) DecodeRecord(d *codec.Decoder) error {
	id, err := d.ReadUint16()
	m.Client = ClientID(id)
	return err
}

// reader keeps the first decode error so record layouts read top to bottom.
type reader struct {
	d   *codec.Decoder
	err error
}

func (r *reader) uint8() uint8 {
	if r.err != nil {
		return 0
	}
	var v uint8
	v, r.err = r.d.ReadUint8()
	return v
}

func (r *reader) uint16() uint16 {
	if r.err != nil {
		return 0
	}
	var v uint16
	v, r.err = r.d.ReadUint16()
	return v
}

func (r *reader) string() string {
	if r.err != nil {
		return ""
	}
	var v string
	v, r.err = r.d.ReadString()
	return v
}

func (r *reader) bytes() []byte {
	if r.err != nil {
		return nil
	}
	var v []byte
	v, r.err = r.d.ReadBytes()
	return v
}

func (r *reader) decode(ptr any) {
	if r.err != nil {
		return
	}
	r.err = r.d.Decode(ptr)
}
