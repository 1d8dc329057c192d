// Package events carries room lifecycle notifications from the relay core to
// the history store, telemetry and logging.
package events

import (
	"time"

	"github.com/energizer-project/relay/internal/protocol"
)

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Room lifecycle
	EventRoomCreated   EventType = "room_created"
	EventRoomStopped   EventType = "room_stopped"
	EventClientJoined  EventType = "client_joined"
	EventClientLeft    EventType = "client_left"
	EventMasterChanged EventType = "master_changed"
	EventLongTick      EventType = "long_tick"

	// System
	EventHeartbeat     EventType = "heartbeat"
	EventConfigChanged EventType = "config_changed"
	EventShutdown      EventType = "shutdown"
)

// StopReason records why a room stopped.
type StopReason int

const (
	StopReasonEmpty StopReason = iota
	StopReasonClosed
	StopReasonShutdown
	StopReasonPanic
)

var stopReasonStrings = map[StopReason]string{
	StopReasonEmpty:    "empty",
	StopReasonClosed:   "closed",
	StopReasonShutdown: "shutdown",
	StopReasonPanic:    "panic",
}

// String returns the string representation of StopReason.
func (r StopReason) String() string {
	if s, ok := stopReasonStrings[r]; ok {
		return s
	}
	return "unknown"
}

// MarshalJSON serializes StopReason as a JSON string (e.g. "empty").
func (r StopReason) MarshalJSON() ([]byte, error) {
	return []byte(`"` + r.String() + `"`), nil
}

// Event represents a single event in the system.
type Event struct {
	Type    EventType
	Source  string
	Payload interface{}
}

// RoomCreatedPayload is emitted once a room starts ticking.
type RoomCreatedPayload struct {
	Room      protocol.RoomBasicInfo `json:"room"`
	CreatedAt time.Time              `json:"created_at"`
}

// RoomStoppedPayload is emitted when a room's tick loop has exited.
type RoomStoppedPayload struct {
	Room          protocol.RoomBasicInfo `json:"room"`
	Reason        StopReason             `json:"reason"`
	CreatedAt     time.Time              `json:"created_at"`
	StoppedAt     time.Time              `json:"stopped_at"`
	PeakOccupancy int                    `json:"peak_occupancy"`
	TotalJoins    int                    `json:"total_joins"`
}

// ClientPayload is emitted when a client registers in or leaves a room.
type ClientPayload struct {
	Room      protocol.RoomID   `json:"room"`
	Client    protocol.ClientID `json:"client"`
	Occupancy int               `json:"occupancy"`
}

// MasterChangedPayload is emitted after master migration.
type MasterChangedPayload struct {
	Room   protocol.RoomID   `json:"room"`
	Master protocol.ClientID `json:"master"`
}

// LongTickPayload is emitted when a tick overruns its interval.
type LongTickPayload struct {
	Room     protocol.RoomID `json:"room"`
	Duration time.Duration   `json:"duration"`
	Interval time.Duration   `json:"interval"`
}

// HeartbeatPayload summarizes server load.
type HeartbeatPayload struct {
	Rooms      int           `json:"rooms"`
	Clients    int           `json:"clients"`
	CPUPercent float64       `json:"cpu_percent"`
	MemPercent float64       `json:"mem_percent"`
	Uptime     time.Duration `json:"uptime"`
}

// ConfigChangedPayload is emitted when configuration changes occur.
type ConfigChangedPayload struct {
	Section string      `json:"section"`
	Key     string      `json:"key"`
	Value   interface{} `json:"value"`
}
