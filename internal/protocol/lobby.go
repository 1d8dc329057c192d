package protocol

// The shapes below are plain structs encoded field by field. They are shared
// with the HTTP API, hence the JSON tags.

// ClientInfo describes a room participant.
type ClientInfo struct {
	ID      ClientID `json:"id"`
	Profile []byte   `json:"profile"`
}

// RoomBasicInfo is the lobby listing entry for a room.
type RoomBasicInfo struct {
	ID         RoomID            `json:"id"`
	Name       string            `json:"name"`
	Version    string            `json:"version"`
	Capacity   uint8             `json:"capacity"`
	Occupancy  uint8             `json:"occupancy"`
	Attributes map[string]string `json:"attributes"`
}

// RoomInfo is sent to a client once it is registered in a room.
type RoomInfo struct {
	ID             RoomID            `json:"id"`
	Name           string            `json:"name"`
	Version        string            `json:"version"`
	Capacity       uint8             `json:"capacity"`
	Occupancy      uint8             `json:"occupancy"`
	TickIntervalMS uint16            `json:"tick_interval_ms"`
	Attributes     map[string]string `json:"attributes"`
}

// ServerInfo describes the relay host.
type ServerInfo struct {
	Name     string `json:"name"`
	Region   string `json:"region"`
	Version  string `json:"version"`
	Hostname string `json:"hostname"`
	Platform string `json:"platform"`
	CPUCores uint16 `json:"cpu_cores"`
	MemoryMB uint64 `json:"memory_mb"`
}

// GetLobbyInfoRequest asks for the rooms running a game version.
type GetLobbyInfoRequest struct {
	Version string `json:"version" form:"version"`
}

// LobbyInfo answers GetLobbyInfoRequest.
type LobbyInfo struct {
	Server ServerInfo      `json:"server"`
	Rooms  []RoomBasicInfo `json:"rooms"`
}

// CreateRoomRequest asks the lobby to open a new room.
type CreateRoomRequest struct {
	Name       string            `json:"name" binding:"required"`
	Version    string            `json:"version"`
	Capacity   uint8             `json:"capacity"`
	Attributes map[string]string `json:"attributes"`
}
