package util

import (
	"errors"
	"sync"
)

// ErrPoolExhausted is returned by Reserve when every ID in the range is taken.
var ErrPoolExhausted = errors.New("id pool exhausted")

// ID is any unsigned integer type used as a room, client or entity identifier.
type ID interface {
	~uint16 | ~uint32
}

// IDPool allocates IDs in [first, last] and reuses released ones through a
// free-list. It is safe for concurrent use.
type IDPool[T ID] struct {
	mu    sync.Mutex
	next  uint64
	last  uint64
	free  []T
	inUse map[T]struct{}
}

// NewIDPool creates a pool covering first through last inclusive.
func NewIDPool[T ID](first, last T) *IDPool[T] {
	return &IDPool[T]{
		next:  uint64(first),
		last:  uint64(last),
		inUse: make(map[T]struct{}),
	}
}

// Reserve returns a free ID, preferring the most recently released one.
func (p *IDPool[T]) Reserve() (T, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := len(p.free); n > 0 {
		id := p.free[n-1]
		p.free = p.free[:n-1]
		p.inUse[id] = struct{}{}
		return id, nil
	}
	if p.next > p.last {
		return 0, ErrPoolExhausted
	}
	id := T(p.next)
	p.next++
	p.inUse[id] = struct{}{}
	return id, nil
}

// Free returns id to the pool. Releasing an ID that is not reserved is a
// no-op and reports false.
func (p *IDPool[T]) Free(id T) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.inUse[id]; !ok {
		return false
	}
	delete(p.inUse, id)
	p.free = append(p.free, id)
	return true
}

// InUse returns how many IDs are currently reserved.
func (p *IDPool[T]) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inUse)
}
