package room

import (
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/energizer-project/relay/internal/protocol"
)

func TestMessageBuffer(t *testing.T) {
	t.Parallel()

	b := NewMessageBuffer()
	a := b.Add("a")
	mid := b.Add("b")
	b.Add("c")

	if !b.Replace(mid, "B") {
		t.Fatal("Replace() = false")
	}
	if !b.Remove(a) {
		t.Fatal("Remove() = false")
	}
	if b.Remove(a) {
		t.Error("second Remove() = true")
	}
	if b.Replace(a, "x") {
		t.Error("Replace() of removed entry = true")
	}

	if got := b.Messages(); !reflect.DeepEqual(got, []any{"B", "c"}) {
		t.Errorf("Messages() = %v, want [B c]", got)
	}
	if b.Len() != 2 {
		t.Errorf("Len() = %d, want 2", b.Len())
	}
}

func TestRpcBufferModes(t *testing.T) {
	t.Parallel()

	call := func(arg byte) protocol.RpcCommand {
		return protocol.RpcCommand{Entity: 1, Behaviour: 2, Method: "Fire", Args: []byte{arg}, Kind: protocol.RpcBroadcast}
	}

	tests := []struct {
		name string
		mode protocol.BufferMode
		want []byte
	}{
		{"none keeps nothing", protocol.BufferNone, nil},
		{"last keeps newest", protocol.BufferLast, []byte{3}},
		{"all keeps history", protocol.BufferAll, []byte{1, 2, 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			room := NewMessageBuffer()
			rpcs := NewRpcBuffer(room)
			for i := byte(1); i <= 3; i++ {
				if err := rpcs.Set(call(i), tt.mode); err != nil {
					t.Fatalf("Set() error = %v", err)
				}
			}

			var got []byte
			for _, m := range room.Messages() {
				got = append(got, m.(protocol.RpcCommand).Args[0])
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("buffered args = %v, want %v", got, tt.want)
			}
			if n := rpcs.Count(2, "Fire"); n != len(tt.want) {
				t.Errorf("Count() = %d, want %d", n, len(tt.want))
			}

			rpcs.Clear()
			if room.Len() != 0 {
				t.Errorf("room buffer holds %d entries after Clear", room.Len())
			}
		})
	}
}

func TestRpcBufferRejects(t *testing.T) {
	t.Parallel()

	rpcs := NewRpcBuffer(NewMessageBuffer())
	err := rpcs.Set(protocol.RpcCommand{Kind: protocol.RpcTarget}, protocol.BufferAll)
	if !errors.Is(err, ErrNotBroadcast) {
		t.Errorf("Set(target) error = %v, want ErrNotBroadcast", err)
	}
	err = rpcs.Set(protocol.RpcCommand{Kind: protocol.RpcBroadcast}, protocol.BufferMode(9))
	if !errors.Is(err, ErrUnknownBufferMode) {
		t.Errorf("Set(mode 9) error = %v, want ErrUnknownBufferMode", err)
	}
}

func TestSyncVarBufferKeysByField(t *testing.T) {
	t.Parallel()

	room := NewMessageBuffer()
	vars := NewSyncVarBuffer(room)
	set := func(field string, v byte) {
		t.Helper()
		if err := vars.Set(protocol.SyncVarCommand{Behaviour: 1, Field: field, Value: []byte{v}}, protocol.BufferLast); err != nil {
			t.Fatal(err)
		}
	}
	set("hp", 1)
	set("ammo", 2)
	set("hp", 3)

	var got []string
	for _, m := range room.Messages() {
		cmd := m.(protocol.SyncVarCommand)
		got = append(got, fmt.Sprintf("%s=%d", cmd.Field, cmd.Value[0]))
	}
	if !reflect.DeepEqual(got, []string{"ammo=2", "hp=3"}) {
		t.Errorf("buffered = %v, want [ammo=2 hp=3]", got)
	}
}
