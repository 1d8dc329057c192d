// Package lobby is the directory of running rooms: it allocates room IDs,
// starts rooms on request and indexes them by game version for listing.
package lobby

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/energizer-project/relay/internal/codec"
	"github.com/energizer-project/relay/internal/events"
	"github.com/energizer-project/relay/internal/protocol"
	"github.com/energizer-project/relay/internal/room"
	"github.com/energizer-project/relay/internal/transport"
	"github.com/energizer-project/relay/internal/util"
)

var (
	// ErrLobbyFull is returned when every room ID is in use.
	ErrLobbyFull = errors.New("lobby is full")
	// ErrVersionRejected is returned for a game version the server does not host.
	ErrVersionRejected = errors.New("game version not accepted")
	// ErrRoomNotFound is returned when no running room has the requested ID.
	ErrRoomNotFound = errors.New("room not found")
	// ErrShuttingDown is returned by CreateRoom after Shutdown.
	ErrShuttingDown = errors.New("lobby is shutting down")
)

// Config sizes the lobby and describes the server in listings.
type Config struct {
	MaxRooms         int
	DefaultCapacity  uint8
	MaxCapacity      uint8
	TickInterval     time.Duration
	LongTick         time.Duration
	AcceptedVersions []string

	ServerName    string
	ServerRegion  string
	ServerVersion string
}

// Lobby owns every running room.
type Lobby struct {
	cfg       Config
	transport *transport.Transport
	reg       *codec.Registry
	bus       *events.EventBus
	ids       *util.IDPool[protocol.RoomID]
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.RWMutex
	closing   bool
	rooms     map[protocol.RoomID]*room.Room
	byVersion map[string]map[protocol.RoomID]*room.Room

	serverOnce sync.Once
	server     protocol.ServerInfo
}

// New creates a lobby that starts rooms on tr.
func New(cfg Config, tr *transport.Transport, reg *codec.Registry, bus *events.EventBus) *Lobby {
	if cfg.MaxRooms <= 0 {
		cfg.MaxRooms = 100
	}
	if cfg.MaxCapacity == 0 {
		cfg.MaxCapacity = 16
	}
	if cfg.DefaultCapacity == 0 || cfg.DefaultCapacity > cfg.MaxCapacity {
		cfg.DefaultCapacity = cfg.MaxCapacity
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Lobby{
		cfg:       cfg,
		transport: tr,
		reg:       reg,
		bus:       bus,
		ids:       util.NewIDPool[protocol.RoomID](1, protocol.RoomID(cfg.MaxRooms)),
		logger:    util.ComponentLogger("lobby"),
		ctx:       ctx,
		cancel:    cancel,
		rooms:     make(map[protocol.RoomID]*room.Room),
		byVersion: make(map[string]map[protocol.RoomID]*room.Room),
	}
}

// Reserve allocates a room ID.
func (l *Lobby) Reserve() (protocol.RoomID, error) {
	id, err := l.ids.Reserve()
	if errors.Is(err, util.ErrPoolExhausted) {
		return 0, ErrLobbyFull
	}
	return id, err
}

// Free releases a room ID.
func (l *Lobby) Free(id protocol.RoomID) {
	l.ids.Free(id)
}

// Add indexes a room by ID and version.
func (l *Lobby) Add(r *room.Room) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.add(r)
}

func (l *Lobby) add(r *room.Room) {
	l.rooms[r.ID()] = r
	versioned := l.byVersion[r.Version()]
	if versioned == nil {
		versioned = make(map[protocol.RoomID]*room.Room)
		l.byVersion[r.Version()] = versioned
	}
	versioned[r.ID()] = r
}

// Remove drops a room from the index.
func (l *Lobby) Remove(r *room.Room) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.rooms[r.ID()] != r {
		return
	}
	delete(l.rooms, r.ID())
	if versioned := l.byVersion[r.Version()]; versioned != nil {
		delete(versioned, r.ID())
		if len(versioned) == 0 {
			delete(l.byVersion, r.Version())
		}
	}
}

// Get returns the running room with the given ID.
func (l *Lobby) Get(id protocol.RoomID) (*room.Room, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.rooms[id]
	return r, ok
}

// Query returns the rooms running a game version, ordered by ID. An empty
// version matches every room.
func (l *Lobby) Query(version string) []*room.Room {
	if version == "" {
		return l.All()
	}
	l.mu.RLock()
	rooms := slices.Collect(maps.Values(l.byVersion[version]))
	l.mu.RUnlock()
	return sortRooms(rooms)
}

// All returns every running room ordered by ID.
func (l *Lobby) All() []*room.Room {
	l.mu.RLock()
	rooms := slices.Collect(maps.Values(l.rooms))
	l.mu.RUnlock()
	return sortRooms(rooms)
}

func sortRooms(rooms []*room.Room) []*room.Room {
	slices.SortFunc(rooms, func(a, b *room.Room) int { return cmp.Compare(a.ID(), b.ID()) })
	return rooms
}

// Accepts reports whether version may be hosted. An empty accept list
// allows every version.
func (l *Lobby) Accepts(version string) bool {
	return len(l.cfg.AcceptedVersions) == 0 || slices.Contains(l.cfg.AcceptedVersions, version)
}

// CreateRoom reserves an ID, registers a transport context, and runs a new
// room until it stops, after which the room is removed and its ID freed.
func (l *Lobby) CreateRoom(ctx context.Context, req protocol.CreateRoomRequest) (protocol.RoomBasicInfo, error) {
	if err := ctx.Err(); err != nil {
		return protocol.RoomBasicInfo{}, err
	}
	if !l.Accepts(req.Version) {
		return protocol.RoomBasicInfo{}, fmt.Errorf("%w: %q", ErrVersionRejected, req.Version)
	}

	capacity := req.Capacity
	if capacity == 0 {
		capacity = l.cfg.DefaultCapacity
	}
	capacity = min(capacity, l.cfg.MaxCapacity)

	id, err := l.Reserve()
	if err != nil {
		return protocol.RoomBasicInfo{}, err
	}
	ch, err := l.transport.Register(uint32(id))
	if err != nil {
		l.Free(id)
		return protocol.RoomBasicInfo{}, fmt.Errorf("failed to register room %d: %w", id, err)
	}

	r := room.New(room.Options{
		ID:           id,
		Name:         req.Name,
		Version:      req.Version,
		Capacity:     capacity,
		Attributes:   req.Attributes,
		TickInterval: l.cfg.TickInterval,
		LongTick:     l.cfg.LongTick,
	}, ch, l.reg, l.bus)

	l.mu.Lock()
	if l.closing {
		l.mu.Unlock()
		ch.Close()
		l.Free(id)
		return protocol.RoomBasicInfo{}, ErrShuttingDown
	}
	l.add(r)
	l.wg.Add(2)
	l.mu.Unlock()

	go func() {
		defer l.wg.Done()
		r.Run(l.ctx)
	}()
	go func() {
		defer l.wg.Done()
		<-r.Done()
		l.Remove(r)
		l.Free(id)
		l.logger.Debug().Uint32("room", uint32(id)).Msg("room removed from lobby")
	}()

	l.logger.Info().Uint32("room", uint32(id)).Str("name", req.Name).Str("version", req.Version).
		Uint8("capacity", capacity).Msg("room created")
	return r.Info(), nil
}

// CloseRoom asks a room to stop. It is removed once its loop exits.
func (l *Lobby) CloseRoom(id protocol.RoomID) error {
	r, ok := l.Get(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrRoomNotFound, id)
	}
	r.Close()
	return nil
}

// CloseIdle closes rooms that nobody has registered in within maxAge of
// their creation and returns their IDs.
func (l *Lobby) CloseIdle(maxAge time.Duration) []protocol.RoomID {
	var closed []protocol.RoomID
	for _, r := range l.All() {
		st := r.Status()
		if len(st.Clients) > 0 || time.Since(st.CreatedAt) < maxAge {
			continue
		}
		r.Close()
		closed = append(closed, r.ID())
		l.logger.Info().Uint32("room", uint32(r.ID())).Dur("age", time.Since(st.CreatedAt)).Msg("closing idle room")
	}
	return closed
}

// Info builds the lobby listing for a game version.
func (l *Lobby) Info(version string) protocol.LobbyInfo {
	rooms := l.Query(version)
	infos := make([]protocol.RoomBasicInfo, 0, len(rooms))
	for _, r := range rooms {
		infos = append(infos, r.Info())
	}
	return protocol.LobbyInfo{Server: l.ServerInfo(), Rooms: infos}
}

// ServerInfo describes this host. Host facts are gathered once.
func (l *Lobby) ServerInfo() protocol.ServerInfo {
	l.serverOnce.Do(func() {
		sys := util.GetSystemInfo()
		l.server = protocol.ServerInfo{
			Name:     l.cfg.ServerName,
			Region:   l.cfg.ServerRegion,
			Version:  l.cfg.ServerVersion,
			Hostname: sys.Hostname,
			Platform: string(sys.Platform),
			CPUCores: uint16(min(sys.CPUCores, 1<<16-1)),
			MemoryMB: sys.TotalMemory,
		}
	})
	return l.server
}

// Counts returns the number of rooms and registered clients.
func (l *Lobby) Counts() (rooms, clients int) {
	for _, r := range l.All() {
		rooms++
		clients += int(r.Info().Occupancy)
	}
	return rooms, clients
}

// Shutdown stops every room and waits for them to release their channels.
func (l *Lobby) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	l.closing = true
	l.mu.Unlock()
	l.cancel()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		l.logger.Info().Msg("all rooms stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("rooms still running at shutdown: %w", ctx.Err())
	}
}
