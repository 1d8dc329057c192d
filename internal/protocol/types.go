package protocol

// ClientID identifies a client within one room. IDs are reused after the
// client disconnects.
type ClientID uint16

// EntityID identifies a network entity within one room.
type EntityID uint16

// RoomID identifies a room on this server. It doubles as the 4-byte room
// code a connection sends to be routed.
type RoomID uint32

// RpcKind selects how an RPC is relayed.
type RpcKind uint8

const (
	RpcBroadcast RpcKind = iota
	RpcTarget
	RpcReturn
)

var rpcKindStrings = map[RpcKind]string{
	RpcBroadcast: "broadcast",
	RpcTarget:    "target",
	RpcReturn:    "return",
}

// String returns the string representation of RpcKind.
func (k RpcKind) String() string {
	if s, ok := rpcKindStrings[k]; ok {
		return s
	}
	return "unknown"
}

// BufferMode controls how many past messages per key are kept for clients
// that become ready later.
type BufferMode uint8

const (
	BufferNone BufferMode = iota
	BufferLast
	BufferAll
)

var bufferModeStrings = map[BufferMode]string{
	BufferNone: "none",
	BufferLast: "last",
	BufferAll:  "all",
}

// String returns the string representation of BufferMode.
func (m BufferMode) String() string {
	if s, ok := bufferModeStrings[m]; ok {
		return s
	}
	return "unknown"
}

// RprResult is the outcome delivered with a reply to a Return RPC.
type RprResult uint8

const (
	RprSuccess RprResult = iota
	RprDisconnected
	RprInvalidClient
	RprInvalidEntity
	RprException
)

var rprResultStrings = map[RprResult]string{
	RprSuccess:       "success",
	RprDisconnected:  "disconnected",
	RprInvalidClient: "invalid_client",
	RprInvalidEntity: "invalid_entity",
	RprException:     "exception",
}

// String returns the string representation of RprResult.
func (r RprResult) String() string {
	if s, ok := rprResultStrings[r]; ok {
		return s
	}
	return "unknown"
}

// EntityKind describes an entity's ownership rules.
type EntityKind uint8

const (
	// EntityDynamic is owned by a client and destroyed with it.
	EntityDynamic EntityKind = iota
	// EntitySceneObject is owned by whichever client is master.
	EntitySceneObject
	// EntityOrphan has no owner and lives until destroyed by the master.
	EntityOrphan
)

var entityKindStrings = map[EntityKind]string{
	EntityDynamic:     "dynamic",
	EntitySceneObject: "scene_object",
	EntityOrphan:      "orphan",
}

// String returns the string representation of EntityKind.
func (k EntityKind) String() string {
	if s, ok := entityKindStrings[k]; ok {
		return s
	}
	return "unknown"
}

// MarshalJSON serializes EntityKind as a JSON string.
func (k EntityKind) MarshalJSON() ([]byte, error) {
	return []byte(`"` + k.String() + `"`), nil
}
