package room

import (
	"container/list"
	"errors"
	"fmt"

	"github.com/energizer-project/relay/internal/protocol"
)

var (
	// ErrNotBroadcast is returned when a non-broadcast RPC is offered to an RpcBuffer.
	ErrNotBroadcast = errors.New("only broadcast rpcs can be buffered")
	// ErrUnknownBufferMode is returned for a buffer mode outside None, Last and All.
	ErrUnknownBufferMode = errors.New("unknown buffer mode")
)

// Handle points at one message in a MessageBuffer.
type Handle struct {
	elem *list.Element
}

// MessageBuffer is the ordered set of messages replayed to a client when it
// becomes ready. Entries are removed or replaced in O(1) through their Handle.
type MessageBuffer struct {
	l *list.List
}

// NewMessageBuffer creates an empty buffer.
func NewMessageBuffer() *MessageBuffer {
	return &MessageBuffer{l: list.New()}
}

// Add appends msg and returns its handle.
func (b *MessageBuffer) Add(msg any) *Handle {
	return &Handle{elem: b.l.PushBack(msg)}
}

// Remove drops the message behind h. Removing twice is a no-op.
func (b *MessageBuffer) Remove(h *Handle) bool {
	if h == nil || h.elem == nil {
		return false
	}
	b.l.Remove(h.elem)
	h.elem = nil
	return true
}

// Replace swaps the message behind h in place, keeping its position.
func (b *MessageBuffer) Replace(h *Handle, msg any) bool {
	if h == nil || h.elem == nil {
		return false
	}
	h.elem.Value = msg
	return true
}

// Messages returns the buffered messages in insertion order.
func (b *MessageBuffer) Messages() []any {
	out := make([]any, 0, b.l.Len())
	for e := b.l.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value)
	}
	return out
}

// Len returns the number of buffered messages.
func (b *MessageBuffer) Len() int {
	return b.l.Len()
}

// keyedBuffer tracks which room buffer entries belong to each key of one
// entity.
type keyedBuffer[K comparable] struct {
	room  *MessageBuffer
	slots map[K][]*Handle
}

func newKeyedBuffer[K comparable](room *MessageBuffer) keyedBuffer[K] {
	return keyedBuffer[K]{room: room, slots: make(map[K][]*Handle)}
}

func (k *keyedBuffer[K]) set(key K, mode protocol.BufferMode, msg any) error {
	switch mode {
	case protocol.BufferNone:
		return nil
	case protocol.BufferLast:
		for _, h := range k.slots[key] {
			k.room.Remove(h)
		}
		k.slots[key] = []*Handle{k.room.Add(msg)}
		return nil
	case protocol.BufferAll:
		k.slots[key] = append(k.slots[key], k.room.Add(msg))
		return nil
	default:
		return fmt.Errorf("%w: %d", ErrUnknownBufferMode, mode)
	}
}

func (k *keyedBuffer[K]) clear() {
	for key, handles := range k.slots {
		for _, h := range handles {
			k.room.Remove(h)
		}
		delete(k.slots, key)
	}
}

func (k *keyedBuffer[K]) count(key K) int {
	return len(k.slots[key])
}

type rpcKey struct {
	behaviour uint8
	method    string
}

// RpcBuffer holds an entity's buffered broadcast RPCs keyed by behaviour and
// method.
type RpcBuffer struct {
	keyedBuffer[rpcKey]
}

// NewRpcBuffer creates an RpcBuffer backed by the room buffer.
func NewRpcBuffer(room *MessageBuffer) *RpcBuffer {
	return &RpcBuffer{newKeyedBuffer[rpcKey](room)}
}

// Set buffers cmd under mode. Last keeps only the newest call per method.
func (b *RpcBuffer) Set(cmd protocol.RpcCommand, mode protocol.BufferMode) error {
	if cmd.Kind != protocol.RpcBroadcast {
		return fmt.Errorf("%w: got %s", ErrNotBroadcast, cmd.Kind)
	}
	return b.set(rpcKey{cmd.Behaviour, cmd.Method}, mode, cmd)
}

// Count returns how many calls are buffered for a behaviour method.
func (b *RpcBuffer) Count(behaviour uint8, method string) int {
	return b.count(rpcKey{behaviour, method})
}

// Clear unbuffers every call.
func (b *RpcBuffer) Clear() { b.clear() }

type fieldKey struct {
	behaviour uint8
	field     string
}

// SyncVarBuffer holds an entity's buffered field updates keyed by behaviour
// and field.
type SyncVarBuffer struct {
	keyedBuffer[fieldKey]
}

// NewSyncVarBuffer creates a SyncVarBuffer backed by the room buffer.
func NewSyncVarBuffer(room *MessageBuffer) *SyncVarBuffer {
	return &SyncVarBuffer{newKeyedBuffer[fieldKey](room)}
}

// Set buffers cmd under mode.
func (b *SyncVarBuffer) Set(cmd protocol.SyncVarCommand, mode protocol.BufferMode) error {
	return b.set(fieldKey{cmd.Behaviour, cmd.Field}, mode, cmd)
}

// Count returns how many updates are buffered for a field.
func (b *SyncVarBuffer) Count(behaviour uint8, field string) int {
	return b.count(fieldKey{behaviour, field})
}

// Clear unbuffers every update.
func (b *SyncVarBuffer) Clear() { b.clear() }
