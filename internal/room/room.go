// Package room runs the per-room game state machine: client registration and
// readiness, entity ownership, master migration, and the buffered relay of
// RPC, RPR and SyncVar traffic.
//
// All room state is owned by the room's tick goroutine. It is touched only
// from handlers dispatched by Channel.Poll; other goroutines read the
// published Status snapshot.
package room

import (
	"context"
	"maps"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/energizer-project/relay/internal/codec"
	"github.com/energizer-project/relay/internal/events"
	"github.com/energizer-project/relay/internal/metrics"
	"github.com/energizer-project/relay/internal/protocol"
	"github.com/energizer-project/relay/internal/transport"
	"github.com/energizer-project/relay/internal/util"
	"github.com/energizer-project/relay/internal/websocket"
)

// DefaultTickInterval is used when Options.TickInterval is zero.
const DefaultTickInterval = 50 * time.Millisecond

// Channel is the room's connection to its clients. *transport.Context
// implements it.
type Channel interface {
	Poll(h transport.Handler) int
	Send(id protocol.ClientID, data []byte) error
	BroadcastTo(ids []protocol.ClientID, data []byte)
	Disconnect(id protocol.ClientID, code websocket.CloseCode)
	Close()
}

// Options describes a room.
type Options struct {
	ID           protocol.RoomID
	Name         string
	Version      string
	Capacity     uint8
	Attributes   map[string]string
	TickInterval time.Duration

	// LongTick is the tick duration above which a long tick is reported.
	// Zero means the tick interval.
	LongTick time.Duration

	// OnTick runs on the room goroutine after every poll.
	OnTick func()
}

// Status is a read-only snapshot of a room.
type Status struct {
	Info      protocol.RoomBasicInfo `json:"info"`
	Master    *protocol.ClientID     `json:"master"`
	Clients   []protocol.ClientID    `json:"clients"`
	Entities  int                    `json:"entities"`
	Buffered  int                    `json:"buffered"`
	CreatedAt time.Time              `json:"created_at"`
	LastTick  time.Duration          `json:"last_tick"`
}

// Room is one isolated game session.
type Room struct {
	opts   Options
	ch     Channel
	reg    *codec.Registry
	bus    *events.EventBus
	logger zerolog.Logger

	// Owned by the tick goroutine.
	clients      map[protocol.ClientID]*client
	order        []protocol.ClientID
	master       protocol.ClientID
	hasMaster    bool
	entities     map[protocol.EntityID]*entity
	sceneObjects []protocol.EntityID
	entityIDs    *util.IDPool[protocol.EntityID]
	buffer       *MessageBuffer
	hadClients   bool
	stopped      bool
	stopReason   events.StopReason
	peak         int
	joins        int
	lastTick     time.Duration

	createdAt time.Time
	status    atomic.Pointer[Status]
	closeReq  chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

// New creates a room bound to ch. bus may be nil.
func New(opts Options, ch Channel, reg *codec.Registry, bus *events.EventBus) *Room {
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.LongTick <= 0 {
		opts.LongTick = opts.TickInterval
	}
	if opts.Attributes == nil {
		opts.Attributes = map[string]string{}
	}

	r := &Room{
		opts:      opts,
		ch:        ch,
		reg:       reg,
		bus:       bus,
		logger:    util.ComponentLogger("room").With().Uint32("room", uint32(opts.ID)).Logger(),
		clients:   make(map[protocol.ClientID]*client),
		entities:  make(map[protocol.EntityID]*entity),
		entityIDs: util.NewIDPool[protocol.EntityID](1, math.MaxUint16),
		buffer:    NewMessageBuffer(),
		createdAt: time.Now(),
		closeReq:  make(chan struct{}),
		done:      make(chan struct{}),
	}
	r.publish()
	return r
}

// ID returns the room ID.
func (r *Room) ID() protocol.RoomID { return r.opts.ID }

// Version returns the game version the room was created for.
func (r *Room) Version() string { return r.opts.Version }

// Done is closed after the room stopped and released its channel.
func (r *Room) Done() <-chan struct{} { return r.done }

// Info returns the latest lobby listing entry.
func (r *Room) Info() protocol.RoomBasicInfo {
	return r.status.Load().Info
}

// Status returns the latest published snapshot.
func (r *Room) Status() Status {
	return *r.status.Load()
}

// Close asks the room to stop at its next tick.
func (r *Room) Close() {
	r.closeOnce.Do(func() { close(r.closeReq) })
}

// Run ticks the room until it stops itself, Close is called or ctx ends.
// A panic inside a tick stops only this room.
func (r *Room) Run(ctx context.Context) {
	defer r.finish()

	metrics.RoomStarted()
	r.bus.Emit(ctx, events.Event{
		Type:    events.EventRoomCreated,
		Source:  "room",
		Payload: events.RoomCreatedPayload{Room: r.Info(), CreatedAt: r.createdAt},
	})
	r.logger.Info().Str("name", r.opts.Name).Str("version", r.opts.Version).
		Uint8("capacity", r.opts.Capacity).Msg("room started")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			r.stop(events.StopReasonShutdown)
			return
		case <-r.closeReq:
			r.stop(events.StopReasonClosed)
			return
		case <-timer.C:
		}

		start := time.Now()
		r.tick()
		elapsed := time.Since(start)
		r.afterTick(ctx, elapsed)

		if r.stopped {
			return
		}
		timer.Reset(max(r.opts.TickInterval-elapsed, 0))
	}
}

// tick drains the channel and runs the post-poll hook.
func (r *Room) tick() {
	if r.stopped {
		return
	}
	r.ch.Poll(dispatcher{r})
	if r.opts.OnTick != nil {
		r.opts.OnTick()
	}
	r.publish()
}

func (r *Room) afterTick(ctx context.Context, elapsed time.Duration) {
	r.lastTick = elapsed
	metrics.ObserveTick(elapsed)
	if elapsed <= r.opts.LongTick {
		return
	}
	r.logger.Warn().Dur("elapsed", elapsed).Dur("interval", r.opts.TickInterval).Msg("long tick")
	r.bus.Emit(ctx, events.Event{
		Type:    events.EventLongTick,
		Source:  "room",
		Payload: events.LongTickPayload{Room: r.opts.ID, Duration: elapsed, Interval: r.opts.TickInterval},
	})
}

func (r *Room) stop(reason events.StopReason) {
	if r.stopped {
		return
	}
	r.stopped = true
	r.stopReason = reason
}

// finish releases the channel and signals Done. It runs exactly once, at
// the end of Run.
func (r *Room) finish() {
	if p := recover(); p != nil {
		r.logger.Error().Interface("panic", p).Msg("room tick panicked, stopping room")
		r.stopped = true
		r.stopReason = events.StopReasonPanic
	}

	r.ch.Close()
	metrics.RoomStopped()
	r.publish()

	info := r.Info()
	r.bus.Emit(context.Background(), events.Event{
		Type:   events.EventRoomStopped,
		Source: "room",
		Payload: events.RoomStoppedPayload{
			Room:          info,
			Reason:        r.stopReason,
			CreatedAt:     r.createdAt,
			StoppedAt:     time.Now(),
			PeakOccupancy: r.peak,
			TotalJoins:    r.joins,
		},
	})
	r.logger.Info().Str("reason", r.stopReason.String()).Int("joins", r.joins).Msg("room stopped")
	close(r.done)
}

// publish stores a fresh Status for readers outside the room goroutine.
func (r *Room) publish() {
	st := &Status{
		Info: protocol.RoomBasicInfo{
			ID:         r.opts.ID,
			Name:       r.opts.Name,
			Version:    r.opts.Version,
			Capacity:   r.opts.Capacity,
			Occupancy:  uint8(len(r.clients)),
			Attributes: maps.Clone(r.opts.Attributes),
		},
		Clients:   append([]protocol.ClientID(nil), r.order...),
		Entities:  len(r.entities),
		Buffered:  r.buffer.Len(),
		CreatedAt: r.createdAt,
		LastTick:  r.lastTick,
	}
	if r.hasMaster {
		m := r.master
		st.Master = &m
	}
	r.status.Store(st)
}

// roomInfo is the metadata sent to a newly registered client.
func (r *Room) roomInfo() protocol.RoomInfo {
	return protocol.RoomInfo{
		ID:             r.opts.ID,
		Name:           r.opts.Name,
		Version:        r.opts.Version,
		Capacity:       r.opts.Capacity,
		Occupancy:      uint8(len(r.clients)),
		TickIntervalMS: uint16(min(r.opts.TickInterval.Milliseconds(), math.MaxUint16)),
		Attributes:     maps.Clone(r.opts.Attributes),
	}
}
