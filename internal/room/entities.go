package room

import (
	"slices"

	"github.com/energizer-project/relay/internal/protocol"
)

type entity struct {
	id    protocol.EntityID
	kind  protocol.EntityKind
	owner *protocol.ClientID

	spawnCmd protocol.SpawnEntityCommand
	spawn    *Handle
	rpcs     *RpcBuffer
	syncVars *SyncVarBuffer
	pending  *rprCache
}

func (e *entity) ownedBy(id protocol.ClientID) bool {
	return e.owner != nil && *e.owner == id
}

func (r *Room) isMaster(id protocol.ClientID) bool {
	return r.hasMaster && r.master == id
}

func (r *Room) spawnEntity(sender *client, req protocol.SpawnEntityRequest) {
	logger := r.logger.With().Uint16("client", uint16(sender.id)).Str("kind", req.Kind.String()).Logger()
	master := r.isMaster(sender.id)

	switch req.Kind {
	case protocol.EntitySceneObject, protocol.EntityOrphan:
		if !master {
			logger.Warn().Msg("non-master tried to spawn a master-only entity")
			return
		}
	case protocol.EntityDynamic:
	default:
		logger.Warn().Msg("unknown entity kind")
		return
	}
	if req.Owner != nil && *req.Owner != sender.id && !master {
		logger.Warn().Uint16("owner", uint16(*req.Owner)).Msg("non-master tried to spawn for another client")
		return
	}

	var owner *protocol.ClientID
	switch req.Kind {
	case protocol.EntitySceneObject:
		m := r.master
		owner = &m
	case protocol.EntityDynamic:
		o := sender.id
		if req.Owner != nil {
			o = *req.Owner
		}
		if _, ok := r.clients[o]; !ok {
			logger.Warn().Uint16("owner", uint16(o)).Msg("spawn owner is not in the room")
			return
		}
		owner = &o
	}

	id, err := r.entityIDs.Reserve()
	if err != nil {
		logger.Error().Err(err).Msg("no entity id available")
		return
	}

	cmd := protocol.SpawnEntityCommand{
		Owner:      owner,
		Entity:     id,
		Kind:       req.Kind,
		Resource:   req.Resource,
		SceneIndex: req.SceneIndex,
		Attributes: req.Attributes,
	}
	e := &entity{
		id:       id,
		kind:     req.Kind,
		owner:    owner,
		spawnCmd: cmd,
		rpcs:     NewRpcBuffer(r.buffer),
		syncVars: NewSyncVarBuffer(r.buffer),
		pending:  newRprCache(),
	}
	r.entities[id] = e
	if owner != nil {
		r.clients[*owner].entities = append(r.clients[*owner].entities, id)
	}
	if req.Kind == protocol.EntitySceneObject {
		r.sceneObjects = append(r.sceneObjects, id)
	}

	r.broadcast(r.ready(), cmd)
	e.spawn = r.buffer.Add(cmd)

	logger.Debug().Uint16("entity", uint16(id)).Str("resource", req.Resource).Msg("entity spawned")
}

func (r *Room) requestDestroy(sender *client, req protocol.DestroyEntityRequest) {
	e, ok := r.entities[req.Entity]
	if !ok {
		r.logger.Warn().Uint16("client", uint16(sender.id)).Uint16("entity", uint16(req.Entity)).Msg("destroy of unknown entity")
		return
	}
	if !e.ownedBy(sender.id) && !r.isMaster(sender.id) {
		r.logger.Warn().Uint16("client", uint16(sender.id)).Uint16("entity", uint16(req.Entity)).Msg("destroy without authority")
		return
	}
	r.destroyEntity(e)
}

// destroyEntity removes every trace of e: its buffered spawn, RPCs and
// SyncVars, its pending replies and its table entries.
func (r *Room) destroyEntity(e *entity) {
	r.buffer.Remove(e.spawn)
	e.rpcs.Clear()
	e.syncVars.Clear()
	for _, p := range e.pending.drain() {
		r.resolve(p, e.id, protocol.RprDisconnected)
	}

	delete(r.entities, e.id)
	if e.owner != nil {
		if c, ok := r.clients[*e.owner]; ok {
			c.removeEntity(e.id)
		}
	}
	if e.kind == protocol.EntitySceneObject {
		r.sceneObjects = slices.DeleteFunc(r.sceneObjects, func(x protocol.EntityID) bool { return x == e.id })
	}
	r.entityIDs.Free(e.id)

	r.broadcast(r.ready(), protocol.DestroyEntityCommand{Entity: e.id})
	r.logger.Debug().Uint16("entity", uint16(e.id)).Msg("entity destroyed")
}

// reown moves a scene object to a new owner and rewrites its buffered spawn
// so later joiners see the current owner.
func (r *Room) reown(e *entity, to protocol.ClientID) {
	if e.owner != nil {
		if c, ok := r.clients[*e.owner]; ok {
			c.removeEntity(e.id)
		}
	}
	owner := to
	e.owner = &owner
	r.clients[to].entities = append(r.clients[to].entities, e.id)

	e.spawnCmd = e.spawnCmd.WithOwner(to)
	r.buffer.Replace(e.spawn, e.spawnCmd)
}
