package room

import (
	"errors"
	"fmt"

	"github.com/energizer-project/relay/internal/codec"
	"github.com/energizer-project/relay/internal/metrics"
	"github.com/energizer-project/relay/internal/protocol"
	"github.com/energizer-project/relay/internal/websocket"
)

// dispatcher adapts the room to transport.Handler without exporting the
// handler methods on Room.
type dispatcher struct {
	r *Room
}

func (d dispatcher) OnConnect(id protocol.ClientID) {
	d.r.logger.Debug().Uint16("client", uint16(id)).Msg("connection routed to room")
}

func (d dispatcher) OnMessage(id protocol.ClientID, data []byte) {
	d.r.handleMessage(id, data)
}

func (d dispatcher) OnDisconnect(id protocol.ClientID, code websocket.CloseCode) {
	d.r.disconnectClient(id, code)
}

// handleMessage decodes one envelope and routes it by message type.
func (r *Room) handleMessage(id protocol.ClientID, data []byte) {
	v, err := r.reg.Unmarshal(data)
	if err != nil {
		ev := r.logger.Error().Err(err).Uint16("client", uint16(id)).Int("size", len(data))
		if m, perr := codec.ParseMessage(data); perr == nil {
			ev = ev.Uint16("code", m.Code)
		}
		ev.Msg("failed to decode message")
		return
	}

	if req, ok := v.(protocol.RegisterClientRequest); ok {
		metrics.RoomMessage("register_client")
		r.registerClient(id, req)
		return
	}

	sender, ok := r.clients[id]
	if !ok {
		r.logger.Debug().Uint16("client", uint16(id)).Str("type", fmt.Sprintf("%T", v)).Msg("ignoring message from unregistered client")
		return
	}

	switch m := v.(type) {
	case protocol.ReadyClientRequest:
		metrics.RoomMessage("ready_client")
		r.readyClient(sender)
	case protocol.RpcRequest:
		metrics.RoomMessage("rpc")
		r.invokeRPC(sender, m)
	case protocol.RprRequest:
		metrics.RoomMessage("rpr")
		r.invokeRPR(sender, m)
	case protocol.SyncVarRequest:
		metrics.RoomMessage("sync_var")
		r.invokeSyncVar(sender, m)
	case protocol.SpawnEntityRequest:
		metrics.RoomMessage("spawn_entity")
		r.spawnEntity(sender, m)
	case protocol.DestroyEntityRequest:
		metrics.RoomMessage("destroy_entity")
		r.requestDestroy(sender, m)
	default:
		r.logger.Warn().Uint16("client", uint16(id)).Str("type", fmt.Sprintf("%T", v)).Msg("unexpected message type")
	}
}

// send marshals msg for one client. A marshal failure is a programming error
// and is logged at Error.
func (r *Room) send(id protocol.ClientID, msg any) {
	data, err := r.reg.Marshal(msg)
	if err != nil {
		r.logger.Error().Err(err).Str("type", fmt.Sprintf("%T", msg)).Msg("failed to encode message")
		return
	}
	r.deliver(id, data)
}

// deliver writes one encoded message. A message over the frame limit
// disconnects the client with MessageTooBig.
func (r *Room) deliver(id protocol.ClientID, data []byte) bool {
	err := websocket.ErrFrameTooLarge
	if len(data) <= websocket.MaxFramePayloadSize {
		err = r.ch.Send(id, data)
	}
	switch {
	case err == nil:
		return true
	case errors.Is(err, websocket.ErrFrameTooLarge):
		r.logger.Error().Uint16("client", uint16(id)).Int("size", len(data)).Msg("message exceeds frame limit, disconnecting client")
		r.ch.Disconnect(id, websocket.CloseMessageTooBig)
	default:
		r.logger.Debug().Err(err).Uint16("client", uint16(id)).Msg("send failed")
	}
	return false
}

// broadcast marshals msg once for every listed client. Messages over the frame
// limit are dropped.
func (r *Room) broadcast(ids []protocol.ClientID, msg any) {
	if len(ids) == 0 {
		return
	}
	data, err := r.reg.Marshal(msg)
	if err != nil {
		r.logger.Error().Err(err).Str("type", fmt.Sprintf("%T", msg)).Msg("failed to encode message")
		return
	}
	if len(data) > websocket.MaxFramePayloadSize {
		r.logger.Error().Str("type", fmt.Sprintf("%T", msg)).Int("size", len(data)).Msg("broadcast exceeds frame limit, dropped")
		return
	}
	r.ch.BroadcastTo(ids, data)
}

// registered lists registered clients in registration order, minus except.
func (r *Room) registered(except ...protocol.ClientID) []protocol.ClientID {
	return r.filter(func(c *client) bool { return true }, except)
}

// ready lists ready clients in registration order, minus except.
func (r *Room) ready(except ...protocol.ClientID) []protocol.ClientID {
	return r.filter(func(c *client) bool { return c.ready }, except)
}

func (r *Room) filter(keep func(*client) bool, except []protocol.ClientID) []protocol.ClientID {
	ids := make([]protocol.ClientID, 0, len(r.order))
next:
	for _, id := range r.order {
		for _, x := range except {
			if id == x {
				continue next
			}
		}
		if keep(r.clients[id]) {
			ids = append(ids, id)
		}
	}
	return ids
}
