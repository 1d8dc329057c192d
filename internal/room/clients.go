package room

import (
	"context"
	"fmt"
	"slices"

	"github.com/energizer-project/relay/internal/events"
	"github.com/energizer-project/relay/internal/protocol"
	"github.com/energizer-project/relay/internal/websocket"
)

type client struct {
	id       protocol.ClientID
	profile  []byte
	ready    bool
	entities []protocol.EntityID
}

func (c *client) info() protocol.ClientInfo {
	return protocol.ClientInfo{ID: c.id, Profile: c.profile}
}

func (c *client) removeEntity(id protocol.EntityID) {
	c.entities = slices.DeleteFunc(c.entities, func(e protocol.EntityID) bool { return e == id })
}

func (r *Room) registerClient(id protocol.ClientID, req protocol.RegisterClientRequest) {
	logger := r.logger.With().Uint16("client", uint16(id)).Logger()

	// Duplicates are checked first so a repeated request from a registered
	// client in a full room is ignored rather than rejected.
	if _, exists := r.clients[id]; exists {
		logger.Debug().Msg("duplicate register request ignored")
		return
	}
	if len(r.clients) >= int(r.opts.Capacity) {
		logger.Info().Int("occupancy", len(r.clients)).Msg("room full, rejecting client")
		r.ch.Disconnect(id, websocket.CloseFullCapacity)
		return
	}

	c := &client{id: id, profile: req.Profile}
	r.clients[id] = c
	r.order = append(r.order, id)
	if !r.hasMaster {
		r.master, r.hasMaster = id, true
	}
	r.hadClients = true
	r.joins++
	r.peak = max(r.peak, len(r.clients))

	r.send(id, protocol.RegisterClientResponse{Client: id, Room: r.roomInfo()})
	r.broadcast(r.registered(id), protocol.ClientConnectedPayload{Client: c.info()})

	logger.Info().Bool("master", r.master == id).Int("occupancy", len(r.clients)).Msg("client registered")
	r.bus.Emit(context.Background(), events.Event{
		Type:    events.EventClientJoined,
		Source:  "room",
		Payload: events.ClientPayload{Room: r.opts.ID, Client: id, Occupancy: len(r.clients)},
	})
}

// readyClient sends the snapshot a late joiner rebuilds the world from.
// Buffered messages that do not fit in the response frame follow it as
// standalone frames, still in buffer order and ahead of any live traffic.
func (r *Room) readyClient(c *client) {
	if c.ready {
		r.logger.Debug().Uint16("client", uint16(c.id)).Msg("client already ready")
		return
	}
	logger := r.logger.With().Uint16("client", uint16(c.id)).Logger()

	infos := make([]protocol.ClientInfo, 0, len(r.order))
	for _, id := range r.order {
		infos = append(infos, r.clients[id].info())
	}
	resp := protocol.ReadyClientResponse{Clients: infos, Master: r.master, Buffered: []any{}}
	head, err := r.reg.Marshal(resp)
	if err != nil {
		logger.Error().Err(err).Msg("failed to encode ready snapshot")
		return
	}

	size := len(head)
	var overflow [][]byte
	for _, msg := range r.buffer.Messages() {
		data, err := r.reg.Marshal(msg)
		if err != nil {
			logger.Error().Err(err).Str("type", fmt.Sprintf("%T", msg)).Msg("failed to encode buffered message")
			continue
		}
		if len(data) > websocket.MaxFramePayloadSize {
			logger.Error().Str("type", fmt.Sprintf("%T", msg)).Int("size", len(data)).Msg("buffered message exceeds frame limit, disconnecting client")
			r.ch.Disconnect(c.id, websocket.CloseMessageTooBig)
			return
		}
		// Inside the response each message carries a null flag before its envelope.
		if len(overflow) == 0 && size+1+len(data) <= websocket.MaxFramePayloadSize {
			resp.Buffered = append(resp.Buffered, msg)
			size += 1 + len(data)
			continue
		}
		overflow = append(overflow, data)
	}

	if size > websocket.MaxFramePayloadSize {
		logger.Error().Int("size", size).Msg("client list exceeds frame limit, disconnecting client")
		r.ch.Disconnect(c.id, websocket.CloseMessageTooBig)
		return
	}

	c.ready = true
	r.send(c.id, resp)
	for _, data := range overflow {
		if !r.deliver(c.id, data) {
			break
		}
	}
	logger.Debug().Int("buffered", len(resp.Buffered)+len(overflow)).Int("frames", 1+len(overflow)).Msg("client ready")
}

// disconnectClient tears down a client: its entities, its pending replies
// and, when it was master, its authority.
func (r *Room) disconnectClient(id protocol.ClientID, code websocket.CloseCode) {
	c, ok := r.clients[id]
	if !ok {
		r.logger.Debug().Uint16("client", uint16(id)).Stringer("code", code).Msg("unregistered connection left")
		return
	}
	logger := r.logger.With().Uint16("client", uint16(id)).Logger()

	for _, eid := range slices.Clone(c.entities) {
		e := r.entities[eid]
		if e == nil || e.kind == protocol.EntitySceneObject {
			continue
		}
		r.destroyEntity(e)
	}
	r.failPendingFor(id)

	delete(r.clients, id)
	r.order = slices.DeleteFunc(r.order, func(x protocol.ClientID) bool { return x == id })

	if r.hasMaster && r.master == id {
		r.migrateMaster()
	}
	r.broadcast(r.registered(), protocol.ClientDisconnectPayload{Client: id})

	logger.Info().Stringer("code", code).Int("occupancy", len(r.clients)).Msg("client disconnected")
	r.bus.Emit(context.Background(), events.Event{
		Type:    events.EventClientLeft,
		Source:  "room",
		Payload: events.ClientPayload{Room: r.opts.ID, Client: id, Occupancy: len(r.clients)},
	})

	if len(r.clients) == 0 && r.hadClients {
		logger.Info().Msg("room empty, stopping")
		r.stop(events.StopReasonEmpty)
	}
}

// migrateMaster hands authority to the earliest registered client and
// re-owns every scene object to it.
func (r *Room) migrateMaster() {
	r.hasMaster = false
	if len(r.order) == 0 {
		return
	}
	next := r.order[0]
	r.master, r.hasMaster = next, true

	r.broadcast(r.registered(), protocol.ChangeMasterCommand{Client: next})

	for _, eid := range r.sceneObjects {
		e := r.entities[eid]
		if e == nil {
			continue
		}
		r.reown(e, next)
	}

	r.logger.Info().Uint16("master", uint16(next)).Int("scene_objects", len(r.sceneObjects)).Msg("master migrated")
	r.bus.Emit(context.Background(), events.Event{
		Type:    events.EventMasterChanged,
		Source:  "room",
		Payload: events.MasterChangedPayload{Room: r.opts.ID, Master: next},
	})
}
