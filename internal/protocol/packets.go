// Package protocol defines the application messages exchanged between relay
// clients and rooms, and binds each to its wire type code. All messages are
// carried as self-describing codec envelopes: [code:2][payload...] with
// little-endian fields.
package protocol

import (
	"reflect"

	"github.com/energizer-project/relay/internal/codec"
)

// Client -> room message codes.
const (
	CodeRegisterClientRequest uint16 = 400
	CodeReadyClientRequest    uint16 = 401
	CodeRpcRequest            uint16 = 402
	CodeRprRequest            uint16 = 403
	CodeSyncVarRequest        uint16 = 404
	CodeSpawnEntityRequest    uint16 = 405
	CodeDestroyEntityRequest  uint16 = 406
)

// Room -> client message codes.
const (
	CodeRegisterClientResponse  uint16 = 420
	CodeReadyClientResponse     uint16 = 421
	CodeRpcCommand              uint16 = 422
	CodeRprCommand              uint16 = 423
	CodeSyncVarCommand          uint16 = 424
	CodeSpawnEntityCommand      uint16 = 425
	CodeDestroyEntityCommand    uint16 = 426
	CodeClientConnectedPayload  uint16 = 427
	CodeClientDisconnectPayload uint16 = 428
	CodeChangeMasterCommand     uint16 = 429
)

// Lobby and shared shape codes.
const (
	CodeGetLobbyInfoRequest uint16 = 440
	CodeLobbyInfo           uint16 = 441
	CodeCreateRoomRequest   uint16 = 442
	CodeRoomBasicInfo       uint16 = 443
	CodeRoomInfo            uint16 = 444
	CodeClientInfo          uint16 = 445
	CodeServerInfo          uint16 = 446
	CodeClientID            uint16 = 447
	CodeEntityID            uint16 = 448
)

// RoomCodeSize is the size of the routing frame a connection sends before
// any message: the little-endian room ID.
const RoomCodeSize = 4

var messageTypes = []struct {
	code uint16
	typ  reflect.Type
}{
	{CodeRegisterClientRequest, reflect.TypeFor[RegisterClientRequest]()},
	{CodeReadyClientRequest, reflect.TypeFor[ReadyClientRequest]()},
	{CodeRpcRequest, reflect.TypeFor[RpcRequest]()},
	{CodeRprRequest, reflect.TypeFor[RprRequest]()},
	{CodeSyncVarRequest, reflect.TypeFor[SyncVarRequest]()},
	{CodeSpawnEntityRequest, reflect.TypeFor[SpawnEntityRequest]()},
	{CodeDestroyEntityRequest, reflect.TypeFor[DestroyEntityRequest]()},

	{CodeRegisterClientResponse, reflect.TypeFor[RegisterClientResponse]()},
	{CodeReadyClientResponse, reflect.TypeFor[ReadyClientResponse]()},
	{CodeRpcCommand, reflect.TypeFor[RpcCommand]()},
	{CodeRprCommand, reflect.TypeFor[RprCommand]()},
	{CodeSyncVarCommand, reflect.TypeFor[SyncVarCommand]()},
	{CodeSpawnEntityCommand, reflect.TypeFor[SpawnEntityCommand]()},
	{CodeDestroyEntityCommand, reflect.TypeFor[DestroyEntityCommand]()},
	{CodeClientConnectedPayload, reflect.TypeFor[ClientConnectedPayload]()},
	{CodeClientDisconnectPayload, reflect.TypeFor[ClientDisconnectPayload]()},
	{CodeChangeMasterCommand, reflect.TypeFor[ChangeMasterCommand]()},

	{CodeGetLobbyInfoRequest, reflect.TypeFor[GetLobbyInfoRequest]()},
	{CodeLobbyInfo, reflect.TypeFor[LobbyInfo]()},
	{CodeCreateRoomRequest, reflect.TypeFor[CreateRoomRequest]()},
	{CodeRoomBasicInfo, reflect.TypeFor[RoomBasicInfo]()},
	{CodeRoomInfo, reflect.TypeFor[RoomInfo]()},
	{CodeClientInfo, reflect.TypeFor[ClientInfo]()},
	{CodeServerInfo, reflect.TypeFor[ServerInfo]()},
	{CodeClientID, reflect.TypeFor[ClientID]()},
	{CodeEntityID, reflect.TypeFor[EntityID]()},
}

// Register binds every message type to its code.
func Register(reg *codec.Registry) error {
	for _, m := range messageTypes {
		if err := reg.RegisterType(m.code, m.typ, false); err != nil {
			return err
		}
	}
	return nil
}

// NewRegistry returns a codec registry with all relay messages registered.
func NewRegistry() *codec.Registry {
	reg := codec.NewRegistry()
	if err := Register(reg); err != nil {
		panic(err)
	}
	return reg
}
