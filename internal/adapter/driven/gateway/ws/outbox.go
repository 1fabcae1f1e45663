package ws

import (
	"sync"
	"sync/atomic"

	"github.com/Wyydra/yacall/internal/core/domain"
)

// outbox is the bounded outbound queue of one connection. When it is full
// the oldest pending envelope is dropped so routing never blocks.
type outbox struct {
	mu     sync.Mutex
	items  []domain.Envelope
	limit  int
	closed bool
	ready  chan struct{}

	drops atomic.Uint64
}

func newOutbox(limit int) *outbox {
	if limit <= 0 {
		limit = 1
	}
	return &outbox{
		items: make([]domain.Envelope, 0, limit),
		limit: limit,
		ready: make(chan struct{}, 1),
	}
}

// Push never blocks. It reports false once the outbox is closed.
func (o *outbox) Push(env domain.Envelope) bool {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false
	}
	if len(o.items) >= o.limit {
		copy(o.items, o.items[1:])
		o.items = o.items[:len(o.items)-1]
		o.drops.Add(1)
	}
	o.items = append(o.items, env)
	o.mu.Unlock()

	select {
	case o.ready <- struct{}{}:
	default:
	}
	return true
}

// Pop removes the oldest envelope without waiting.
func (o *outbox) Pop() (domain.Envelope, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.items) == 0 {
		return domain.Envelope{}, false
	}
	env := o.items[0]
	copy(o.items, o.items[1:])
	o.items[len(o.items)-1] = domain.Envelope{}
	o.items = o.items[:len(o.items)-1]
	return env, true
}

// Ready is signalled after every Push.
func (o *outbox) Ready() <-chan struct{} {
	return o.ready
}

func (o *outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}

func (o *outbox) DropCount() uint64 {
	return o.drops.Load()
}

func (o *outbox) Close() {
	o.mu.Lock()
	o.closed = true
	o.items = nil
	o.mu.Unlock()
}
