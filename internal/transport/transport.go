// Package transport multiplexes rooms over the shared WebSocket listener.
// Each registered room gets a Context whose event queue is drained only by
// that room's Poll, so room logic stays single-threaded while connection I/O
// runs on per-connection goroutines.
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/energizer-project/relay/internal/protocol"
	"github.com/energizer-project/relay/internal/util"
	"github.com/energizer-project/relay/internal/websocket"
)

var (
	// ErrRoomRegistered is returned when a room code already has a context.
	ErrRoomRegistered = errors.New("room code already registered")
	// ErrUnknownClient is returned when sending to a client the context does not hold.
	ErrUnknownClient = errors.New("unknown client")
	// ErrContextClosed is returned by operations on an unregistered context.
	ErrContextClosed = errors.New("transport context closed")
)

// route binds a connection to the room it joined. A connection with no route
// has not sent its room code yet.
type route struct {
	ctx    *Context
	client protocol.ClientID
}

// Transport routes WebSocket connections into room contexts. It is the
// websocket.Handler of the relay listener.
type Transport struct {
	mu       sync.RWMutex
	contexts map[uint32]*Context
	routes   map[*websocket.Conn]*route
	logger   zerolog.Logger
}

// New creates an empty transport.
func New() *Transport {
	return &Transport{
		contexts: make(map[uint32]*Context),
		routes:   make(map[*websocket.Conn]*route),
		logger:   util.ComponentLogger("transport"),
	}
}

// Register creates the context for a room code.
func (t *Transport) Register(code uint32) (*Context, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.contexts[code]; exists {
		return nil, fmt.Errorf("room %d: %w", code, ErrRoomRegistered)
	}
	ctx := newContext(code, t)
	t.contexts[code] = ctx
	t.logger.Debug().Uint32("room", code).Msg("room context registered")
	return ctx, nil
}

// Unregister removes the context for code and closes its connections with
// RoomClosed. Connections that later name this code are rejected.
func (t *Transport) Unregister(code uint32) {
	t.mu.Lock()
	ctx, ok := t.contexts[code]
	delete(t.contexts, code)
	t.mu.Unlock()

	if !ok {
		return
	}
	ctx.shutdown()
	t.logger.Debug().Uint32("room", code).Msg("room context unregistered")
}

// Rooms returns how many contexts are registered.
func (t *Transport) Rooms() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.contexts)
}

// OnOpen tracks a freshly upgraded connection as unrouted.
func (t *Transport) OnOpen(c *websocket.Conn) {
	t.mu.Lock()
	t.routes[c] = nil
	t.mu.Unlock()
}

// OnMessage routes the first message as a room code and every later message
// into the joined room's queue.
func (t *Transport) OnMessage(c *websocket.Conn, data []byte) {
	t.mu.RLock()
	r, known := t.routes[c]
	t.mu.RUnlock()

	if !known {
		return
	}
	if r != nil {
		r.ctx.push(Event{Kind: EventMessage, Client: r.client, Data: data})
		return
	}
	t.join(c, data)
}

// OnClose turns the end of a routed connection into a disconnect event.
func (t *Transport) OnClose(c *websocket.Conn, code websocket.CloseCode, reason string) {
	t.mu.Lock()
	r := t.routes[c]
	delete(t.routes, c)
	t.mu.Unlock()

	if r == nil {
		t.logger.Debug().Str("conn", c.ID()).Stringer("code", code).Msg("unrouted connection closed")
		return
	}
	r.ctx.detach(r.client, code)
}

// join handles the routing handshake: exactly four bytes holding the
// little-endian room code.
func (t *Transport) join(c *websocket.Conn, data []byte) {
	logger := t.logger.With().Str("conn", c.ID()).Logger()

	if len(data) != protocol.RoomCodeSize {
		logger.Warn().Int("size", len(data)).Msg("invalid room code message")
		c.Close(websocket.CloseInvalidRoom, "invalid room code")
		return
	}
	code := binary.LittleEndian.Uint32(data)

	t.mu.RLock()
	ctx := t.contexts[code]
	t.mu.RUnlock()

	if ctx == nil {
		logger.Warn().Uint32("room", code).Msg("connection named an unknown room")
		c.Close(websocket.CloseInvalidRoom, "unknown room")
		return
	}

	id, err := ctx.attach(c)
	if err != nil {
		logger.Warn().Err(err).Uint32("room", code).Msg("failed to attach connection")
		if errors.Is(err, util.ErrPoolExhausted) {
			c.Close(websocket.CloseFullCapacity, "room full")
		} else {
			c.Close(websocket.CloseInvalidRoom, "room closed")
		}
		return
	}

	// OnClose runs only after the receive loop exits, so the entry is
	// still present here.
	t.mu.Lock()
	t.routes[c] = &route{ctx: ctx, client: id}
	t.mu.Unlock()

	logger.Debug().Uint32("room", code).Uint16("client", uint16(id)).Msg("connection joined room")
}
