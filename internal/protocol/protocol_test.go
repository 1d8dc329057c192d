package protocol

import (
	"bytes"
	"errors"
	"reflect"
	"testing"

	"github.com/energizer-project/relay/internal/codec"
)

func clientPtr(id ClientID) *ClientID { return &id }

func u16Ptr(v uint16) *uint16 { return &v }

func TestMessageRoundTrip(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	room := RoomInfo{ID: 7, Name: "arena", Version: "1.2", Capacity: 8, Occupancy: 1, TickIntervalMS: 50, Attributes: map[string]string{"map": "dust"}}

	tests := []struct {
		name string
		msg  any
	}{
		{"register request", RegisterClientRequest{Profile: []byte(`{"nick":"a"}`)}},
		{"register request nil profile", RegisterClientRequest{}},
		{"ready request", ReadyClientRequest{}},
		{"rpc broadcast", RpcRequest{Entity: 3, Behaviour: 1, Method: "Fire", Args: []byte{1, 2}, Kind: RpcBroadcast, Buffer: BufferLast, Exception: clientPtr(2)}},
		{"rpc return", RpcRequest{Entity: 3, Method: "Ask", Kind: RpcReturn, Target: clientPtr(4), CallbackID: 11}},
		{"rpr request", RprRequest{Entity: 3, Target: 2, CallbackID: 11, Result: RprSuccess, ReturnValue: []byte{9}}},
		{"syncvar request", SyncVarRequest{Entity: 5, Behaviour: 2, Field: "hp", Value: []byte{100}, Buffer: BufferAll}},
		{"spawn request", SpawnEntityRequest{Kind: EntitySceneObject, SceneIndex: u16Ptr(4), Attributes: map[string]string{"team": "red"}}},
		{"spawn request owned", SpawnEntityRequest{Kind: EntityDynamic, Resource: "Prefabs/Player", Owner: clientPtr(1)}},
		{"destroy request", DestroyEntityRequest{Entity: 12}},
		{"register response", RegisterClientResponse{Client: 1, Room: room}},
		{"ready response", ReadyClientResponse{
			Clients: []ClientInfo{{ID: 1, Profile: []byte("a")}, {ID: 2}},
			Master:  1,
			Buffered: []any{
				SpawnEntityCommand{Owner: clientPtr(1), Entity: 1, Kind: EntityDynamic, Resource: "P"},
				RpcCommand{Sender: 1, Entity: 1, Method: "Jump", Kind: RpcBroadcast},
				SyncVarCommand{Sender: 1, Entity: 1, Field: "hp", Value: []byte{3}},
			},
		}},
		{"rpc command", RpcCommand{Sender: 2, Entity: 3, Behaviour: 1, Method: "Fire", Args: []byte{}, Kind: RpcTarget, CallbackID: 4}},
		{"rpr command", RprCommand{Entity: 3, CallbackID: 11, Result: RprDisconnected}},
		{"syncvar command", SyncVarCommand{Sender: 1, Entity: 5, Behaviour: 2, Field: "hp", Value: []byte{50}}},
		{"spawn command orphan", SpawnEntityCommand{Entity: 9, Kind: EntityOrphan, Resource: "Crate"}},
		{"destroy command", DestroyEntityCommand{Entity: 9}},
		{"client connected", ClientConnectedPayload{Client: ClientInfo{ID: 3, Profile: []byte("c")}}},
		{"client disconnect", ClientDisconnectPayload{Client: 3}},
		{"change master", ChangeMasterCommand{Client: 2}},
		{"lobby info", LobbyInfo{
			Server: ServerInfo{Name: "eu-1", Region: "eu", Version: "dev", Platform: "linux", CPUCores: 8, MemoryMB: 16384},
			Rooms:  []RoomBasicInfo{{ID: 7, Name: "arena", Version: "1.2", Capacity: 8, Occupancy: 1}},
		}},
		{"create room", CreateRoomRequest{Name: "arena", Version: "1.2", Capacity: 4, Attributes: map[string]string{"mode": "ffa"}}},
		{"get lobby info", GetLobbyInfoRequest{Version: "1.2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := reg.Marshal(tt.msg)
			if err != nil {
				t.Fatalf("Marshal() error = %v", err)
			}
			got, err := reg.Unmarshal(data)
			if err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.msg) {
				t.Errorf("round trip = %#v, want %#v", got, tt.msg)
			}
		})
	}
}

func TestMessageCodes(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	for _, m := range messageTypes {
		if m.code < codec.MinApplicationCode {
			t.Errorf("%s uses reserved code %d", m.typ, m.code)
		}
		code, err := reg.CodeOf(m.typ)
		if err != nil {
			t.Fatalf("CodeOf(%s) error = %v", m.typ, err)
		}
		if code != m.code {
			t.Errorf("CodeOf(%s) = %d, want %d", m.typ, code, m.code)
		}
		if !reg.Resolves(m.typ) {
			t.Errorf("%s has no handler", m.typ)
		}
	}
}

func TestWireLayout(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()

	tests := []struct {
		name string
		msg  any
		want []byte
	}{
		{"destroy command", DestroyEntityCommand{Entity: 7}, []byte{0xAA, 0x01, 0x07, 0x00}},
		{"change master", ChangeMasterCommand{Client: 258}, []byte{0xAD, 0x01, 0x02, 0x01}},
		{"ready request", ReadyClientRequest{}, []byte{0x91, 0x01}},
		{"register request", RegisterClientRequest{Profile: []byte{0xFF}}, []byte{0x90, 0x01, 0x00, 0x01, 0x00, 0xFF}},
		{"rpr command nil value", RprCommand{Entity: 1, CallbackID: 2, Result: RprInvalidEntity}, []byte{0xA7, 0x01, 1, 0, 2, 0, 3, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := reg.Marshal(tt.msg)
			if err != nil {
				t.Fatalf("Marshal() error = %v", err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("Marshal() = % x, want % x", got, tt.want)
			}
		})
	}
}

func TestTruncatedMessage(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	data, err := reg.Marshal(RpcRequest{Entity: 1, Method: "Fire", Args: []byte{1, 2, 3}})
	if err != nil {
		t.Fatal(err)
	}
	for n := 2; n < len(data); n++ {
		if _, err := reg.Unmarshal(data[:n]); !errors.Is(err, codec.ErrBufferTooShort) {
			t.Fatalf("Unmarshal(%d bytes) error = %v, want ErrBufferTooShort", n, err)
		}
	}
}

func TestRegisterTwiceFails(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	if err := Register(reg); !errors.Is(err, codec.ErrDuplicateCode) {
		t.Errorf("Register() twice error = %v, want ErrDuplicateCode", err)
	}
}

func TestEnumStrings(t *testing.T) {
	t.Parallel()

	tests := []struct {
		got  string
		want string
	}{
		{RpcReturn.String(), "return"},
		{BufferLast.String(), "last"},
		{RprInvalidClient.String(), "invalid_client"},
		{EntitySceneObject.String(), "scene_object"},
		{RpcKind(9).String(), "unknown"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("String() = %q, want %q", tt.got, tt.want)
		}
	}
}
