package session

import (
	"context"
	"errors"
	"sync"

	"github.com/crystal-mush/tworld/pkg/events"
	"github.com/crystal-mush/tworld/pkg/worlddb"
)

// ErrOutboxFull is returned when a session falls too far behind.
var ErrOutboxFull = errors.New("session: outbox full")

// ErrOutboxClosed is returned once the session has detached.
var ErrOutboxClosed = errors.New("session: outbox closed")

// DefaultOutboxLimit bounds the number of undelivered envelopes.
const DefaultOutboxLimit = 1024

type outItem struct {
	env     events.Envelope
	guard   worlddb.Place
	guarded bool
}

// Outbox is a FIFO of envelopes waiting for delivery. An entry may carry a
// guard: the binding it was computed for. Guarded entries are dropped at
// dequeue when the session has moved since.
type Outbox struct {
	mu     sync.Mutex
	items  []outItem
	ready  chan struct{}
	closed bool
	limit  int
}

func newOutbox(limit int) *Outbox {
	if limit <= 0 {
		limit = DefaultOutboxLimit
	}
	return &Outbox{ready: make(chan struct{}, 1), limit: limit}
}

func (o *Outbox) push(it outItem) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrOutboxClosed
	}
	if len(o.items) >= o.limit {
		return ErrOutboxFull
	}
	o.items = append(o.items, it)
	select {
	case o.ready <- struct{}{}:
	default:
	}
	return nil
}

// take removes and returns the oldest entry without blocking.
func (o *Outbox) take() (outItem, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.items) == 0 {
		return outItem{}, false
	}
	it := o.items[0]
	o.items[0] = outItem{}
	o.items = o.items[1:]
	return it, true
}

// next blocks until an entry is available, the outbox closes or ctx ends.
func (o *Outbox) next(ctx context.Context) (outItem, error) {
	for {
		if it, ok := o.take(); ok {
			return it, nil
		}
		o.mu.Lock()
		closed := o.closed
		o.mu.Unlock()
		if closed {
			return outItem{}, ErrOutboxClosed
		}
		select {
		case <-ctx.Done():
			return outItem{}, ctx.Err()
		case <-o.ready:
		}
	}
}

// close drops everything still queued. Undelivered entries are never
// redelivered.
func (o *Outbox) close() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	dropped := len(o.items)
	o.items = nil
	if !o.closed {
		o.closed = true
		close(o.ready)
	}
	return dropped
}

// Len returns the number of queued envelopes.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}
