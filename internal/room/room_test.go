package room

import (
	"context"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/energizer-project/relay/internal/codec"
	"github.com/energizer-project/relay/internal/events"
	"github.com/energizer-project/relay/internal/protocol"
	"github.com/energizer-project/relay/internal/transport"
	"github.com/energizer-project/relay/internal/websocket"
)

// fakeChannel is an in-memory Channel. Sent messages are decoded into
// per-client inboxes.
type fakeChannel struct {
	reg *codec.Registry

	mu          sync.Mutex
	queue       []transport.Event
	inbox       map[protocol.ClientID][]any
	disconnects map[protocol.ClientID]websocket.CloseCode
	closed      bool
}

func newFakeChannel(reg *codec.Registry) *fakeChannel {
	return &fakeChannel{
		reg:         reg,
		inbox:       make(map[protocol.ClientID][]any),
		disconnects: make(map[protocol.ClientID]websocket.CloseCode),
	}
}

func (f *fakeChannel) push(ev transport.Event) {
	f.mu.Lock()
	f.queue = append(f.queue, ev)
	f.mu.Unlock()
}

func (f *fakeChannel) Poll(h transport.Handler) int {
	f.mu.Lock()
	queue := f.queue
	f.queue = nil
	f.mu.Unlock()

	for _, ev := range queue {
		switch ev.Kind {
		case transport.EventConnect:
			h.OnConnect(ev.Client)
		case transport.EventMessage:
			h.OnMessage(ev.Client, ev.Data)
		case transport.EventDisconnect:
			h.OnDisconnect(ev.Client, ev.Code)
		}
	}
	return len(queue)
}

func (f *fakeChannel) Send(id protocol.ClientID, data []byte) error {
	if len(data) > websocket.MaxFramePayloadSize {
		return &websocket.FrameError{Err: websocket.ErrFrameTooLarge, Opcode: websocket.OpcodeBinary}
	}
	v, err := f.reg.Unmarshal(data)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.inbox[id] = append(f.inbox[id], v)
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) BroadcastTo(ids []protocol.ClientID, data []byte) {
	for _, id := range ids {
		_ = f.Send(id, data)
	}
}

func (f *fakeChannel) Disconnect(id protocol.ClientID, code websocket.CloseCode) {
	f.mu.Lock()
	f.disconnects[id] = code
	f.mu.Unlock()
	f.push(transport.Event{Kind: transport.EventDisconnect, Client: id, Code: code})
}

func (f *fakeChannel) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeChannel) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// take returns and clears a client's inbox.
func (f *fakeChannel) take(id protocol.ClientID) []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.inbox[id]
	delete(f.inbox, id)
	return msgs
}

type harness struct {
	t   *testing.T
	reg *codec.Registry
	ch  *fakeChannel
	r   *Room
}

func newHarness(t *testing.T, capacity uint8) *harness {
	t.Helper()
	reg := protocol.NewRegistry()
	ch := newFakeChannel(reg)
	r := New(Options{ID: 9, Name: "arena", Version: "1.0", Capacity: capacity}, ch, reg, nil)
	return &harness{t: t, reg: reg, ch: ch, r: r}
}

func (h *harness) send(id protocol.ClientID, msg any) {
	h.t.Helper()
	data, err := h.reg.Marshal(msg)
	if err != nil {
		h.t.Fatalf("Marshal(%T) error = %v", msg, err)
	}
	h.ch.push(transport.Event{Kind: transport.EventMessage, Client: id, Data: data})
	h.r.tick()
}

// join connects, registers and readies a client, then clears every inbox.
func (h *harness) join(ids ...protocol.ClientID) {
	h.t.Helper()
	for _, id := range ids {
		h.ch.push(transport.Event{Kind: transport.EventConnect, Client: id})
		h.send(id, protocol.RegisterClientRequest{Profile: []byte{byte(id)}})
		h.send(id, protocol.ReadyClientRequest{})
	}
	h.drain()
}

func (h *harness) leave(id protocol.ClientID) {
	h.ch.push(transport.Event{Kind: transport.EventDisconnect, Client: id, Code: websocket.CloseNormal})
	h.r.tick()
}

func (h *harness) drain() {
	h.ch.mu.Lock()
	clear(h.ch.inbox)
	h.ch.mu.Unlock()
}

func (h *harness) spawn(by protocol.ClientID, kind protocol.EntityKind) protocol.EntityID {
	h.t.Helper()
	before := len(h.r.entities)
	h.send(by, protocol.SpawnEntityRequest{Kind: kind, Resource: "crate"})
	if len(h.r.entities) != before+1 {
		h.t.Fatalf("spawn of %s by %d was rejected", kind, by)
	}
	var id protocol.EntityID
	for _, m := range h.ch.take(by) {
		if cmd, ok := m.(protocol.SpawnEntityCommand); ok {
			id = cmd.Entity
		}
	}
	h.drain()
	return id
}

// readySnapshot joins a new client and returns its ReadyClientResponse.
func (h *harness) readySnapshot(id protocol.ClientID) protocol.ReadyClientResponse {
	h.t.Helper()
	h.ch.push(transport.Event{Kind: transport.EventConnect, Client: id})
	h.send(id, protocol.RegisterClientRequest{})
	h.ch.take(id)
	h.send(id, protocol.ReadyClientRequest{})
	msgs := h.ch.take(id)
	h.drain()
	for _, m := range msgs {
		if resp, ok := m.(protocol.ReadyClientResponse); ok {
			return resp
		}
	}
	h.t.Fatalf("client %d got no ReadyClientResponse, inbox %v", id, msgs)
	return protocol.ReadyClientResponse{}
}

func of[T any](msgs []any) []T {
	var out []T
	for _, m := range msgs {
		if v, ok := m.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

func ptr[T any](v T) *T { return &v }

func TestRegisterAndReady(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 4)
	h.ch.push(transport.Event{Kind: transport.EventConnect, Client: 1})
	h.send(1, protocol.RegisterClientRequest{Profile: []byte("a")})

	resp := of[protocol.RegisterClientResponse](h.ch.take(1))
	if len(resp) != 1 {
		t.Fatalf("client 1 got %d register responses, want 1", len(resp))
	}
	if resp[0].Client != 1 || resp[0].Room.ID != 9 || resp[0].Room.Occupancy != 1 || resp[0].Room.TickIntervalMS != 50 {
		t.Errorf("RegisterClientResponse = %+v", resp[0])
	}

	h.ch.push(transport.Event{Kind: transport.EventConnect, Client: 2})
	h.send(2, protocol.RegisterClientRequest{Profile: []byte("b")})

	joined := of[protocol.ClientConnectedPayload](h.ch.take(1))
	if len(joined) != 1 || joined[0].Client.ID != 2 || string(joined[0].Client.Profile) != "b" {
		t.Errorf("client 1 join notices = %+v", joined)
	}
	if got := of[protocol.ClientConnectedPayload](h.ch.take(2)); len(got) != 0 {
		t.Errorf("new client was told about itself: %+v", got)
	}

	h.send(2, protocol.ReadyClientRequest{})
	ready := of[protocol.ReadyClientResponse](h.ch.take(2))
	if len(ready) != 1 {
		t.Fatalf("client 2 got %d ready responses, want 1", len(ready))
	}
	if ready[0].Master != 1 || len(ready[0].Clients) != 2 || ready[0].Clients[0].ID != 1 || len(ready[0].Buffered) != 0 {
		t.Errorf("ReadyClientResponse = %+v", ready[0])
	}

	st := h.r.Status()
	if st.Master == nil || *st.Master != 1 || !reflect.DeepEqual(st.Clients, []protocol.ClientID{1, 2}) || st.Info.Occupancy != 2 {
		t.Errorf("Status() = %+v", st)
	}
}

func TestUnregisteredSenderIgnored(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 4)
	h.ch.push(transport.Event{Kind: transport.EventConnect, Client: 1})
	h.send(1, protocol.ReadyClientRequest{})
	h.send(1, protocol.SpawnEntityRequest{Kind: protocol.EntityDynamic})

	if msgs := h.ch.take(1); len(msgs) != 0 {
		t.Errorf("unregistered client got %v", msgs)
	}
	if len(h.r.entities) != 0 || len(h.r.clients) != 0 {
		t.Errorf("room state changed: %d entities, %d clients", len(h.r.entities), len(h.r.clients))
	}
}

func TestCapacityEnforced(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1)
	h.join(1)

	h.ch.push(transport.Event{Kind: transport.EventConnect, Client: 2})
	h.send(2, protocol.RegisterClientRequest{})
	h.r.tick()

	if code, ok := h.ch.disconnects[2]; !ok || code != websocket.CloseFullCapacity {
		t.Errorf("client 2 disconnect = %v, %v, want FullCapacity", code, ok)
	}
	if len(h.r.clients) != 1 {
		t.Errorf("client table has %d entries, want 1", len(h.r.clients))
	}
	if got := of[protocol.RegisterClientResponse](h.ch.take(2)); len(got) != 0 {
		t.Error("rejected client received a RegisterClientResponse")
	}
	if got := of[protocol.ClientConnectedPayload](h.ch.take(1)); len(got) != 0 {
		t.Error("existing client was told about a rejected client")
	}
	if h.r.stopped {
		t.Error("room stopped after rejecting a client")
	}
}

func TestDuplicateRegisterInFullRoom(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 2)
	h.join(1, 2)

	h.send(1, protocol.RegisterClientRequest{Profile: []byte("again")})
	if _, ok := h.ch.disconnects[1]; ok {
		t.Error("registered client was disconnected for a repeated register request")
	}
	if got := of[protocol.RegisterClientResponse](h.ch.take(1)); len(got) != 0 {
		t.Error("repeated register request was answered")
	}
	if string(h.r.clients[1].profile) != string([]byte{1}) {
		t.Errorf("profile = %q, want the original", h.r.clients[1].profile)
	}

	h.ch.push(transport.Event{Kind: transport.EventConnect, Client: 3})
	h.send(3, protocol.RegisterClientRequest{})
	if code := h.ch.disconnects[3]; code != websocket.CloseFullCapacity {
		t.Errorf("client 3 disconnect = %v, want FullCapacity", code)
	}
}

func TestLastModeKeepsNewestCall(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 4)
	h.join(1)
	e := h.spawn(1, protocol.EntityDynamic)

	for i := byte(1); i <= 3; i++ {
		h.send(1, protocol.RpcRequest{Entity: e, Behaviour: 1, Method: "SetColor", Args: []byte{i}, Kind: protocol.RpcBroadcast, Buffer: protocol.BufferLast})
	}

	snap := h.readySnapshot(2)
	rpcs := of[protocol.RpcCommand](snap.Buffered)
	if len(rpcs) != 1 {
		t.Fatalf("buffered %d rpcs, want 1", len(rpcs))
	}
	if rpcs[0].Args[0] != 3 || rpcs[0].Method != "SetColor" {
		t.Errorf("buffered rpc = %+v, want the third call", rpcs[0])
	}
	if _, ok := snap.Buffered[0].(protocol.SpawnEntityCommand); !ok {
		t.Errorf("first buffered message = %T, want SpawnEntityCommand", snap.Buffered[0])
	}
}

func TestAllModeReplaysInOrder(t *testing.T) {
	t.Parallel()

	const n = 4
	h := newHarness(t, 4)
	h.join(1)
	e := h.spawn(1, protocol.EntityDynamic)

	for i := byte(0); i < n; i++ {
		h.send(1, protocol.RpcRequest{Entity: e, Behaviour: 1, Method: "Shoot", Args: []byte{i}, Kind: protocol.RpcBroadcast, Buffer: protocol.BufferAll})
	}
	// Unbuffered calls never reach the replay.
	h.send(1, protocol.RpcRequest{Entity: e, Behaviour: 1, Method: "Shoot", Args: []byte{99}, Kind: protocol.RpcBroadcast})

	snap := h.readySnapshot(2)
	rpcs := of[protocol.RpcCommand](snap.Buffered)
	if len(rpcs) != n {
		t.Fatalf("buffered %d rpcs, want %d", len(rpcs), n)
	}
	for i, cmd := range rpcs {
		if cmd.Args[0] != byte(i) {
			t.Errorf("buffered[%d] args = %v, want [%d]", i, cmd.Args, i)
		}
	}
}

func TestReadySnapshotSplitsAcrossFrames(t *testing.T) {
	t.Parallel()

	const n = 1000
	h := newHarness(t, 4)
	h.join(1)
	e := h.spawn(1, protocol.EntityDynamic)

	args := make([]byte, 64)
	for i := 0; i < n; i++ {
		h.send(1, protocol.RpcRequest{Entity: e, Behaviour: 1, Method: "Shoot", Args: args, Kind: protocol.RpcBroadcast, Buffer: protocol.BufferAll, CallbackID: uint16(i)})
	}
	h.drain()
	if got := h.r.buffer.Len(); got != n+1 {
		t.Fatalf("room buffer holds %d messages, want %d", got, n+1)
	}

	h.ch.push(transport.Event{Kind: transport.EventConnect, Client: 2})
	h.send(2, protocol.RegisterClientRequest{})
	h.ch.take(2)
	h.send(2, protocol.ReadyClientRequest{})

	if code, ok := h.ch.disconnects[2]; ok {
		t.Fatalf("client 2 disconnected with %v", code)
	}
	msgs := h.ch.take(2)
	if len(msgs) == 0 {
		t.Fatal("client 2 received nothing")
	}
	snap, ok := msgs[0].(protocol.ReadyClientResponse)
	if !ok {
		t.Fatalf("first message = %T, want ReadyClientResponse", msgs[0])
	}
	if len(snap.Buffered) == n+1 {
		t.Fatal("whole buffer fit in one frame, nothing was split")
	}
	if !h.r.clients[2].ready {
		t.Error("client 2 not marked ready")
	}

	replay := append(snap.Buffered, msgs[1:]...)
	if len(replay) != n+1 {
		t.Fatalf("replayed %d messages, want %d", len(replay), n+1)
	}
	if _, ok := replay[0].(protocol.SpawnEntityCommand); !ok {
		t.Errorf("first replayed message = %T, want SpawnEntityCommand", replay[0])
	}
	for i, m := range replay[1:] {
		cmd, ok := m.(protocol.RpcCommand)
		if !ok || cmd.CallbackID != uint16(i) {
			t.Fatalf("replay[%d] = %#v, want rpc with callback %d", i+1, m, i)
		}
	}
}

func TestOversizedBufferedMessageDisconnects(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 4)
	h.join(1)
	e := h.spawn(1, protocol.EntityDynamic)

	// The request itself is only bounded by the codec; the relayed command
	// adds a sender header and no longer fits in a frame.
	h.send(1, protocol.RpcRequest{Entity: e, Behaviour: 1, Method: "Load", Args: make([]byte, 65535), Kind: protocol.RpcBroadcast, Buffer: protocol.BufferLast})
	h.drain()

	h.ch.push(transport.Event{Kind: transport.EventConnect, Client: 2})
	h.send(2, protocol.RegisterClientRequest{})
	h.ch.take(2)
	h.send(2, protocol.ReadyClientRequest{})

	if code := h.ch.disconnects[2]; code != websocket.CloseMessageTooBig {
		t.Errorf("client 2 disconnect = %v, want MessageTooBig", code)
	}
	if got := of[protocol.ReadyClientResponse](h.ch.take(2)); len(got) != 0 {
		t.Error("client 2 received a partial snapshot")
	}
	if _, ok := h.ch.disconnects[1]; ok {
		t.Error("sender was disconnected")
	}
}

func TestBroadcastRpcSkipsException(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 4)
	h.join(1, 2, 3)
	e := h.spawn(1, protocol.EntityDynamic)

	h.send(1, protocol.RpcRequest{Entity: e, Method: "Jump", Kind: protocol.RpcBroadcast, Exception: ptr[protocol.ClientID](1)})

	if got := of[protocol.RpcCommand](h.ch.take(1)); len(got) != 0 {
		t.Error("exception client received its own rpc")
	}
	for _, id := range []protocol.ClientID{2, 3} {
		got := of[protocol.RpcCommand](h.ch.take(id))
		if len(got) != 1 || got[0].Sender != 1 || got[0].Method != "Jump" {
			t.Errorf("client %d rpcs = %+v", id, got)
		}
	}
}

func TestReturnRpcRouting(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 4)
	h.join(1, 2, 3)
	e := h.spawn(1, protocol.EntityDynamic)

	h.send(2, protocol.RpcRequest{Entity: e, Method: "Query", Kind: protocol.RpcReturn, Target: ptr[protocol.ClientID](1), CallbackID: 7})
	calls := of[protocol.RpcCommand](h.ch.take(1))
	if len(calls) != 1 || calls[0].Sender != 2 || calls[0].CallbackID != 7 || calls[0].Kind != protocol.RpcReturn {
		t.Fatalf("target got %+v", calls)
	}

	// Only the addressed client may answer.
	h.send(3, protocol.RprRequest{Entity: e, Target: 2, CallbackID: 7, Result: protocol.RprSuccess})
	if got := of[protocol.RprCommand](h.ch.take(2)); len(got) != 0 {
		t.Fatalf("spoofed reply was relayed: %+v", got)
	}

	h.send(1, protocol.RprRequest{Entity: e, Target: 2, CallbackID: 7, Result: protocol.RprSuccess, ReturnValue: []byte("ok")})
	replies := of[protocol.RprCommand](h.ch.take(2))
	want := protocol.RprCommand{Entity: e, CallbackID: 7, Result: protocol.RprSuccess, ReturnValue: []byte("ok")}
	if len(replies) != 1 || !reflect.DeepEqual(replies[0], want) {
		t.Fatalf("caller got %+v, want %+v", replies, want)
	}

	h.send(1, protocol.RprRequest{Entity: e, Target: 2, CallbackID: 7})
	if got := h.ch.take(2); len(got) != 0 {
		t.Errorf("second reply was relayed: %+v", got)
	}
}

func TestReturnRpcFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		req  func(e protocol.EntityID) protocol.RpcRequest
		want protocol.RprResult
	}{
		{
			name: "unknown entity",
			req: func(e protocol.EntityID) protocol.RpcRequest {
				return protocol.RpcRequest{Entity: e + 100, Kind: protocol.RpcReturn, Target: ptr[protocol.ClientID](1), CallbackID: 3}
			},
			want: protocol.RprInvalidEntity,
		},
		{
			name: "unknown target",
			req: func(e protocol.EntityID) protocol.RpcRequest {
				return protocol.RpcRequest{Entity: e, Kind: protocol.RpcReturn, Target: ptr[protocol.ClientID](42), CallbackID: 3}
			},
			want: protocol.RprInvalidClient,
		},
		{
			name: "missing target",
			req: func(e protocol.EntityID) protocol.RpcRequest {
				return protocol.RpcRequest{Entity: e, Kind: protocol.RpcReturn, CallbackID: 3}
			},
			want: protocol.RprInvalidClient,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, 4)
			h.join(1, 2)
			e := h.spawn(1, protocol.EntityDynamic)

			h.send(2, tt.req(e))
			replies := of[protocol.RprCommand](h.ch.take(2))
			if len(replies) != 1 || replies[0].Result != tt.want || replies[0].CallbackID != 3 {
				t.Errorf("replies = %+v, want one %s", replies, tt.want)
			}
		})
	}
}

func TestRpcToUnreadyTarget(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 4)
	h.join(1, 2)
	e := h.spawn(1, protocol.EntityDynamic)

	// Client 3 is registered but has not received the world yet.
	h.ch.push(transport.Event{Kind: transport.EventConnect, Client: 3})
	h.send(3, protocol.RegisterClientRequest{})
	h.drain()

	h.send(2, protocol.RpcRequest{Entity: e, Method: "Ping", Kind: protocol.RpcTarget, Target: ptr[protocol.ClientID](3)})
	h.send(2, protocol.RpcRequest{Entity: e, Method: "Ask", Kind: protocol.RpcReturn, Target: ptr[protocol.ClientID](3), CallbackID: 8})

	if got := of[protocol.RpcCommand](h.ch.take(3)); len(got) != 0 {
		t.Errorf("unready client got %d calls, want 0", len(got))
	}
	replies := of[protocol.RprCommand](h.ch.take(2))
	if len(replies) != 1 || replies[0].Result != protocol.RprInvalidClient || replies[0].CallbackID != 8 {
		t.Errorf("replies = %+v, want one InvalidClient for callback 8", replies)
	}
}

func TestDuplicateCallbackRejected(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 4)
	h.join(1, 2)
	e := h.spawn(1, protocol.EntityDynamic)

	req := protocol.RpcRequest{Entity: e, Kind: protocol.RpcReturn, Target: ptr[protocol.ClientID](1), CallbackID: 5}
	h.send(2, req)
	h.send(2, req)

	if got := of[protocol.RpcCommand](h.ch.take(1)); len(got) != 1 {
		t.Errorf("target got %d calls, want 1", len(got))
	}
	replies := of[protocol.RprCommand](h.ch.take(2))
	if len(replies) != 1 || replies[0].Result != protocol.RprException {
		t.Errorf("caller replies = %+v, want one exception", replies)
	}
}

func TestSyncVarRelayAndBuffer(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 4)
	h.join(1, 2)
	e := h.spawn(1, protocol.EntityDynamic)

	h.send(1, protocol.SyncVarRequest{Entity: e, Behaviour: 2, Field: "hp", Value: []byte{90}, Buffer: protocol.BufferLast})
	h.send(1, protocol.SyncVarRequest{Entity: e, Behaviour: 2, Field: "hp", Value: []byte{80}, Buffer: protocol.BufferLast})

	if got := of[protocol.SyncVarCommand](h.ch.take(1)); len(got) != 0 {
		t.Error("sender received its own syncvar")
	}
	if got := of[protocol.SyncVarCommand](h.ch.take(2)); len(got) != 2 || got[1].Value[0] != 80 || got[1].Sender != 1 {
		t.Errorf("peer syncvars = %+v", got)
	}

	snap := h.readySnapshot(3)
	vars := of[protocol.SyncVarCommand](snap.Buffered)
	if len(vars) != 1 || vars[0].Value[0] != 80 {
		t.Errorf("buffered syncvars = %+v, want only the latest", vars)
	}
}

func TestSpawnAuthority(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 4)
	h.join(1, 2)

	h.send(2, protocol.SpawnEntityRequest{Kind: protocol.EntitySceneObject})
	h.send(2, protocol.SpawnEntityRequest{Kind: protocol.EntityOrphan})
	h.send(2, protocol.SpawnEntityRequest{Kind: protocol.EntityDynamic, Owner: ptr[protocol.ClientID](1)})
	if len(h.r.entities) != 0 {
		t.Fatalf("non-master spawns accepted: %d entities", len(h.r.entities))
	}

	h.send(1, protocol.SpawnEntityRequest{Kind: protocol.EntityDynamic, Owner: ptr[protocol.ClientID](2)})
	spawns := of[protocol.SpawnEntityCommand](h.ch.take(2))
	if len(spawns) != 1 || spawns[0].Owner == nil || *spawns[0].Owner != 2 {
		t.Fatalf("spawn for client 2 = %+v", spawns)
	}
	if ents := h.r.clients[2].entities; len(ents) != 1 || ents[0] != spawns[0].Entity {
		t.Errorf("client 2 entities = %v", ents)
	}

	h.send(1, protocol.SpawnEntityRequest{Kind: protocol.EntityOrphan})
	orphans := of[protocol.SpawnEntityCommand](h.ch.take(2))
	if len(orphans) != 1 || orphans[0].Owner != nil {
		t.Errorf("orphan spawn = %+v, want no owner", orphans)
	}
}

func TestDestroyAuthority(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 4)
	h.join(1, 2, 3)
	mine := h.spawn(2, protocol.EntityDynamic)

	h.send(3, protocol.DestroyEntityRequest{Entity: mine})
	if _, ok := h.r.entities[mine]; !ok {
		t.Fatal("entity destroyed by a client with no authority")
	}

	h.send(1, protocol.DestroyEntityRequest{Entity: mine})
	if _, ok := h.r.entities[mine]; ok {
		t.Error("master could not destroy another client's entity")
	}
}

func TestDestroyCascade(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 8)
	h.join(1, 2, 3)
	e := h.spawn(1, protocol.EntityDynamic)

	h.send(1, protocol.RpcRequest{Entity: e, Method: "Paint", Kind: protocol.RpcBroadcast, Buffer: protocol.BufferAll})
	h.send(1, protocol.SyncVarRequest{Entity: e, Field: "hp", Value: []byte{1}, Buffer: protocol.BufferAll})
	h.send(2, protocol.RpcRequest{Entity: e, Kind: protocol.RpcReturn, Target: ptr[protocol.ClientID](1), CallbackID: 11})
	h.send(3, protocol.RpcRequest{Entity: e, Kind: protocol.RpcReturn, Target: ptr[protocol.ClientID](1), CallbackID: 12})
	if n := h.r.entities[e].pending.len(); n != 2 {
		t.Fatalf("pending callbacks = %d, want 2", n)
	}
	h.drain()

	h.send(1, protocol.DestroyEntityRequest{Entity: e})

	for id, cb := range map[protocol.ClientID]uint16{2: 11, 3: 12} {
		msgs := h.ch.take(id)
		replies := of[protocol.RprCommand](msgs)
		if len(replies) != 1 || replies[0].CallbackID != cb || replies[0].Result != protocol.RprDisconnected {
			t.Errorf("client %d replies = %+v, want callback %d disconnected", id, replies, cb)
		}
		if d := of[protocol.DestroyEntityCommand](msgs); len(d) != 1 || d[0].Entity != e {
			t.Errorf("client %d destroy notices = %+v", id, d)
		}
	}

	if _, ok := h.r.entities[e]; ok {
		t.Error("entity still in room table")
	}
	if ents := h.r.clients[1].entities; len(ents) != 0 {
		t.Errorf("owner still lists entities %v", ents)
	}
	if n := h.r.buffer.Len(); n != 0 {
		t.Errorf("room buffer holds %d messages", n)
	}

	if snap := h.readySnapshot(4); len(snap.Buffered) != 0 {
		t.Errorf("late joiner replayed %+v", snap.Buffered)
	}
}

func TestMasterMigration(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 8)
	h.join(1, 2, 3)
	scene := h.spawn(1, protocol.EntitySceneObject)
	dynamic := h.spawn(1, protocol.EntityDynamic)

	h.leave(1)

	for _, id := range []protocol.ClientID{2, 3} {
		msgs := h.ch.take(id)
		want := []any{
			protocol.DestroyEntityCommand{Entity: dynamic},
			protocol.ChangeMasterCommand{Client: 2},
			protocol.ClientDisconnectPayload{Client: 1},
		}
		if !reflect.DeepEqual(msgs, want) {
			t.Errorf("client %d got %+v, want %+v", id, msgs, want)
		}
	}

	if !h.r.isMaster(2) {
		t.Fatalf("master = %d, want 2", h.r.master)
	}
	se := h.r.entities[scene]
	if se == nil || !se.ownedBy(2) {
		t.Fatal("scene object not re-owned by the new master")
	}
	if ents := h.r.clients[2].entities; len(ents) != 1 || ents[0] != scene {
		t.Errorf("new master entities = %v, want [%d]", ents, scene)
	}

	snap := h.readySnapshot(4)
	if snap.Master != 2 {
		t.Errorf("snapshot master = %d, want 2", snap.Master)
	}
	spawns := of[protocol.SpawnEntityCommand](snap.Buffered)
	if len(spawns) != 1 || spawns[0].Entity != scene || spawns[0].Owner == nil || *spawns[0].Owner != 2 {
		t.Errorf("buffered spawns = %+v, want scene object owned by 2", spawns)
	}
}

func TestPendingCallsFailWhenTargetLeaves(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 8)
	h.join(1, 2, 3)
	scene := h.spawn(1, protocol.EntitySceneObject)

	h.send(2, protocol.RpcRequest{Entity: scene, Kind: protocol.RpcReturn, Target: ptr[protocol.ClientID](3), CallbackID: 4})
	h.send(3, protocol.RpcRequest{Entity: scene, Kind: protocol.RpcReturn, Target: ptr[protocol.ClientID](2), CallbackID: 5})
	h.drain()

	h.leave(3)

	replies := of[protocol.RprCommand](h.ch.take(2))
	if len(replies) != 1 || replies[0].CallbackID != 4 || replies[0].Result != protocol.RprDisconnected {
		t.Errorf("caller replies = %+v, want callback 4 disconnected", replies)
	}
	if n := h.r.entities[scene].pending.len(); n != 0 {
		t.Errorf("%d calls still pending", n)
	}
}

func TestRoomStopsWhenEmpty(t *testing.T) {
	t.Parallel()

	reg := protocol.NewRegistry()
	ch := newFakeChannel(reg)
	bus := events.NewEventBus()

	stopped := make(chan events.RoomStoppedPayload, 1)
	bus.Subscribe(events.EventRoomStopped, "test", func(ctx context.Context, e events.Event) error {
		stopped <- e.Payload.(events.RoomStoppedPayload)
		return nil
	})

	r := New(Options{ID: 3, Capacity: 2, TickInterval: 5 * time.Millisecond}, ch, reg, bus)
	go r.Run(context.Background())

	data, err := reg.Marshal(protocol.RegisterClientRequest{})
	if err != nil {
		t.Fatal(err)
	}
	ch.push(transport.Event{Kind: transport.EventConnect, Client: 1})
	ch.push(transport.Event{Kind: transport.EventMessage, Client: 1, Data: data})
	ch.push(transport.Event{Kind: transport.EventDisconnect, Client: 1, Code: websocket.CloseNormal})

	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("room did not stop after its last client left")
	}
	if !ch.isClosed() {
		t.Error("channel not closed")
	}

	select {
	case p := <-stopped:
		if p.Reason != events.StopReasonEmpty || p.TotalJoins != 1 || p.PeakOccupancy != 1 {
			t.Errorf("stop event = %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no room_stopped event")
	}
}

func TestRoomStopReasons(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		onTick func()
		stop   func(r *Room, cancel context.CancelFunc)
		want   events.StopReason
	}{
		{
			name: "closed",
			stop: func(r *Room, cancel context.CancelFunc) { r.Close() },
			want: events.StopReasonClosed,
		},
		{
			name: "shutdown",
			stop: func(r *Room, cancel context.CancelFunc) { cancel() },
			want: events.StopReasonShutdown,
		},
		{
			name:   "panic",
			onTick: func() { panic("tick failure") },
			stop:   func(r *Room, cancel context.CancelFunc) {},
			want:   events.StopReasonPanic,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			reg := protocol.NewRegistry()
			ch := newFakeChannel(reg)
			r := New(Options{ID: 4, Capacity: 2, TickInterval: 5 * time.Millisecond, OnTick: tt.onTick}, ch, reg, nil)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go r.Run(ctx)
			tt.stop(r, cancel)

			select {
			case <-r.Done():
			case <-time.After(2 * time.Second):
				t.Fatal("room did not stop")
			}
			if r.stopReason != tt.want {
				t.Errorf("stop reason = %s, want %s", r.stopReason, tt.want)
			}
			if !ch.isClosed() {
				t.Error("channel not closed")
			}
		})
	}
}
