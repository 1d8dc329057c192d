package room

import (
	"cmp"
	"slices"

	"github.com/energizer-project/relay/internal/protocol"
)

// pendingRpr binds a Return RPC to the client expected to answer it.
type pendingRpr struct {
	caller   protocol.ClientID
	target   protocol.ClientID
	callback uint16
}

type rprKey struct {
	caller   protocol.ClientID
	callback uint16
}

// rprCache holds one entity's unanswered Return RPCs.
type rprCache struct {
	entries map[rprKey]pendingRpr
}

func newRprCache() *rprCache {
	return &rprCache{entries: make(map[rprKey]pendingRpr)}
}

func (c *rprCache) add(p pendingRpr) bool {
	k := rprKey{p.caller, p.callback}
	if _, dup := c.entries[k]; dup {
		return false
	}
	c.entries[k] = p
	return true
}

func (c *rprCache) take(caller protocol.ClientID, callback uint16) (pendingRpr, bool) {
	k := rprKey{caller, callback}
	p, ok := c.entries[k]
	if ok {
		delete(c.entries, k)
	}
	return p, ok
}

// removeIf deletes and returns the matching entries in a stable order.
func (c *rprCache) removeIf(match func(pendingRpr) bool) []pendingRpr {
	var out []pendingRpr
	for k, p := range c.entries {
		if match(p) {
			out = append(out, p)
			delete(c.entries, k)
		}
	}
	slices.SortFunc(out, func(a, b pendingRpr) int {
		if n := cmp.Compare(a.caller, b.caller); n != 0 {
			return n
		}
		return cmp.Compare(a.callback, b.callback)
	})
	return out
}

func (c *rprCache) drain() []pendingRpr {
	return c.removeIf(func(pendingRpr) bool { return true })
}

func (c *rprCache) len() int { return len(c.entries) }

// resolve answers a pending call on the replier's behalf.
func (r *Room) resolve(p pendingRpr, entity protocol.EntityID, result protocol.RprResult) {
	r.reply(p.caller, entity, p.callback, result)
}

func (r *Room) reply(to protocol.ClientID, entity protocol.EntityID, callback uint16, result protocol.RprResult) {
	if _, ok := r.clients[to]; !ok {
		return
	}
	r.send(to, protocol.RprCommand{Entity: entity, CallbackID: callback, Result: result})
}

func (r *Room) invokeRPC(sender *client, req protocol.RpcRequest) {
	logger := r.logger.With().
		Uint16("client", uint16(sender.id)).
		Uint16("entity", uint16(req.Entity)).
		Str("method", req.Method).
		Str("kind", req.Kind.String()).
		Logger()

	e, ok := r.entities[req.Entity]
	if !ok {
		logger.Warn().Msg("rpc on unknown entity")
		if req.Kind == protocol.RpcReturn {
			r.reply(sender.id, req.Entity, req.CallbackID, protocol.RprInvalidEntity)
		}
		return
	}

	cmd := protocol.RpcCommand{
		Sender:     sender.id,
		Entity:     req.Entity,
		Behaviour:  req.Behaviour,
		Method:     req.Method,
		Args:       req.Args,
		Kind:       req.Kind,
		CallbackID: req.CallbackID,
	}

	switch req.Kind {
	case protocol.RpcBroadcast:
		var except []protocol.ClientID
		if req.Exception != nil {
			except = append(except, *req.Exception)
		}
		r.broadcast(r.ready(except...), cmd)
		if req.Buffer != protocol.BufferNone {
			if err := e.rpcs.Set(cmd, req.Buffer); err != nil {
				logger.Warn().Err(err).Msg("rpc not buffered")
			}
		}

	case protocol.RpcTarget, protocol.RpcReturn:
		if req.Buffer != protocol.BufferNone {
			if err := e.rpcs.Set(cmd, req.Buffer); err != nil {
				logger.Warn().Err(err).Msg("rpc not buffered")
			}
		}
		target, ok := r.targetOf(req)
		if !ok {
			logger.Warn().Msg("rpc target not in room")
			if req.Kind == protocol.RpcReturn {
				r.reply(sender.id, req.Entity, req.CallbackID, protocol.RprInvalidClient)
			}
			return
		}
		if req.Kind == protocol.RpcReturn {
			p := pendingRpr{caller: sender.id, target: target, callback: req.CallbackID}
			if !e.pending.add(p) {
				logger.Warn().Uint16("callback", req.CallbackID).Msg("callback id already pending")
				r.reply(sender.id, req.Entity, req.CallbackID, protocol.RprException)
				return
			}
		}
		r.send(target, cmd)

	default:
		logger.Warn().Msg("unknown rpc kind")
	}
}

// targetOf returns the ready client a targeted RPC addresses.
func (r *Room) targetOf(req protocol.RpcRequest) (protocol.ClientID, bool) {
	if req.Target == nil {
		return 0, false
	}
	c, ok := r.clients[*req.Target]
	if !ok || !c.ready {
		return 0, false
	}
	return c.id, true
}

// invokeRPR routes a reply back to the client that made the call. Only the
// client the call was sent to may answer it.
func (r *Room) invokeRPR(sender *client, req protocol.RprRequest) {
	logger := r.logger.With().
		Uint16("client", uint16(sender.id)).
		Uint16("entity", uint16(req.Entity)).
		Uint16("callback", req.CallbackID).
		Logger()

	e, ok := r.entities[req.Entity]
	if !ok {
		logger.Warn().Msg("reply for unknown entity")
		return
	}
	p, ok := e.pending.take(req.Target, req.CallbackID)
	if !ok {
		logger.Warn().Uint16("caller", uint16(req.Target)).Msg("reply without pending call")
		return
	}
	if p.target != sender.id {
		logger.Warn().Uint16("expected", uint16(p.target)).Msg("reply from a client the call was not sent to")
		e.pending.add(p)
		return
	}

	if _, ok := r.clients[p.caller]; !ok {
		return
	}
	r.send(p.caller, protocol.RprCommand{
		Entity:      req.Entity,
		CallbackID:  req.CallbackID,
		Result:      req.Result,
		ReturnValue: req.ReturnValue,
	})
}

func (r *Room) invokeSyncVar(sender *client, req protocol.SyncVarRequest) {
	e, ok := r.entities[req.Entity]
	if !ok {
		r.logger.Warn().Uint16("client", uint16(sender.id)).Uint16("entity", uint16(req.Entity)).Msg("syncvar on unknown entity")
		return
	}

	cmd := protocol.SyncVarCommand{
		Sender:    sender.id,
		Entity:    req.Entity,
		Behaviour: req.Behaviour,
		Field:     req.Field,
		Value:     req.Value,
	}
	r.broadcast(r.ready(sender.id), cmd)
	if err := e.syncVars.Set(cmd, req.Buffer); err != nil {
		r.logger.Warn().Err(err).Str("field", req.Field).Msg("syncvar not buffered")
	}
}

// failPendingFor settles every call waiting on a departing client and drops
// the calls it made.
func (r *Room) failPendingFor(id protocol.ClientID) {
	ids := make([]protocol.EntityID, 0, len(r.entities))
	for eid := range r.entities {
		ids = append(ids, eid)
	}
	slices.Sort(ids)

	for _, eid := range ids {
		e := r.entities[eid]
		e.pending.removeIf(func(p pendingRpr) bool { return p.caller == id })
		for _, p := range e.pending.removeIf(func(p pendingRpr) bool { return p.target == id }) {
			r.resolve(p, eid, protocol.RprDisconnected)
		}
	}
}
