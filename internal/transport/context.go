package transport

import (
	"math"
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"github.com/energizer-project/relay/internal/protocol"
	"github.com/energizer-project/relay/internal/util"
	"github.com/energizer-project/relay/internal/websocket"
)

// EventKind identifies a queued connection event.
type EventKind uint8

const (
	EventConnect EventKind = iota
	EventMessage
	EventDisconnect
)

// Event is one entry in a room's inbound queue.
type Event struct {
	Kind   EventKind
	Client protocol.ClientID
	Data   []byte
	Code   websocket.CloseCode
}

// Handler receives the events drained by Poll.
type Handler interface {
	OnConnect(id protocol.ClientID)
	OnMessage(id protocol.ClientID, data []byte)
	OnDisconnect(id protocol.ClientID, code websocket.CloseCode)
}

// Context is a room's view of the transport: its clients and its inbound
// event queue.
type Context struct {
	code      uint32
	transport *Transport
	ids       *util.IDPool[protocol.ClientID]
	logger    zerolog.Logger

	mu      sync.Mutex
	events  []Event
	clients map[protocol.ClientID]*websocket.Conn
	closed  bool
}

func newContext(code uint32, t *Transport) *Context {
	return &Context{
		code:      code,
		transport: t,
		ids:       util.NewIDPool[protocol.ClientID](1, math.MaxUint16),
		logger:    util.ComponentLogger("transport").With().Uint32("room", code).Logger(),
		clients:   make(map[protocol.ClientID]*websocket.Conn),
	}
}

// Code returns the room code this context was registered under.
func (x *Context) Code() uint32 { return x.code }

// Poll drains the queued events in arrival order and dispatches them to h on
// the calling goroutine. A client ID is released only after its disconnect
// has been dispatched. It returns the number of events handled.
func (x *Context) Poll(h Handler) int {
	x.mu.Lock()
	events := x.events
	x.events = nil
	x.mu.Unlock()

	for _, ev := range events {
		switch ev.Kind {
		case EventConnect:
			h.OnConnect(ev.Client)
		case EventMessage:
			h.OnMessage(ev.Client, ev.Data)
		case EventDisconnect:
			h.OnDisconnect(ev.Client, ev.Code)
			x.release(ev.Client)
		}
	}
	return len(events)
}

// Send queues data for one client.
func (x *Context) Send(id protocol.ClientID, data []byte) error {
	x.mu.Lock()
	c, ok := x.clients[id]
	x.mu.Unlock()

	if !ok {
		return ErrUnknownClient
	}
	return c.Send(data)
}

// Broadcast queues data for every client of the room.
func (x *Context) Broadcast(data []byte) {
	x.BroadcastTo(x.Clients(), data)
}

// BroadcastTo queues data for the listed clients. Failures are per client and
// only logged; a failed connection surfaces later as a disconnect.
func (x *Context) BroadcastTo(ids []protocol.ClientID, data []byte) {
	for _, id := range ids {
		if err := x.Send(id, data); err != nil {
			x.logger.Debug().Err(err).Uint16("client", uint16(id)).Msg("broadcast skipped client")
		}
	}
}

// Disconnect asks the transport to close a client's connection with code.
// The disconnect event follows through Poll.
func (x *Context) Disconnect(id protocol.ClientID, code websocket.CloseCode) {
	x.mu.Lock()
	c, ok := x.clients[id]
	x.mu.Unlock()

	if ok {
		c.Close(code, code.String())
	}
}

// Close unregisters the context from its transport.
func (x *Context) Close() {
	x.transport.Unregister(x.code)
}

// Clients returns the IDs of the attached clients in ascending order.
func (x *Context) Clients() []protocol.ClientID {
	x.mu.Lock()
	ids := make([]protocol.ClientID, 0, len(x.clients))
	for id := range x.clients {
		ids = append(ids, id)
	}
	x.mu.Unlock()

	slices.Sort(ids)
	return ids
}

// Closed reports whether the context was unregistered.
func (x *Context) Closed() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.closed
}

func (x *Context) push(ev Event) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return
	}
	x.events = append(x.events, ev)
}

func (x *Context) attach(c *websocket.Conn) (protocol.ClientID, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.closed {
		return 0, ErrContextClosed
	}
	id, err := x.ids.Reserve()
	if err != nil {
		return 0, err
	}
	x.clients[id] = c
	x.events = append(x.events, Event{Kind: EventConnect, Client: id})
	return id, nil
}

func (x *Context) detach(id protocol.ClientID, code websocket.CloseCode) {
	x.push(Event{Kind: EventDisconnect, Client: id, Code: code})
}

func (x *Context) release(id protocol.ClientID) {
	x.mu.Lock()
	delete(x.clients, id)
	x.mu.Unlock()
	x.ids.Free(id)
}

// shutdown stops queueing and closes every attached connection.
func (x *Context) shutdown() {
	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return
	}
	x.closed = true
	x.events = nil
	conns := make([]*websocket.Conn, 0, len(x.clients))
	for _, c := range x.clients {
		conns = append(conns, c)
	}
	x.mu.Unlock()

	for _, c := range conns {
		c.Close(websocket.CloseRoomClosed, "room closed")
	}
}
