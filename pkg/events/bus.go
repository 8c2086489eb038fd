package events

import "sync"

// Subscriber receives events from the bus.
type Subscriber interface {
	Receive(ev Event)
	Closed() bool
}

// Bus is a per-session pub/sub event bus with support for global
// subscribers. Feed code emits events addressed to sessions; global
// subscribers (the scrollback writer) see every broadcast exactly once.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]Subscriber
	global      []Subscriber
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string][]Subscriber),
	}
}

// Subscribe registers a subscriber for events addressed to target.
func (b *Bus) Subscribe(target string, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[target] = append(b.subscribers[target], sub)
}

// Unsubscribe removes a subscriber for target.
func (b *Bus) Unsubscribe(target string, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	// EmitTo iterates snapshots outside the lock, so never shift in place.
	subs := b.subscribers[target]
	kept := make([]Subscriber, 0, len(subs))
	for _, s := range subs {
		if s != sub {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		delete(b.subscribers, target)
	} else {
		b.subscribers[target] = kept
	}
}

// SubscribeGlobal registers a subscriber that receives all broadcasts.
func (b *Bus) SubscribeGlobal(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.global = append(b.global, sub)
}

// Emit sends an event to ev.Target's subscribers and all global subscribers.
func (b *Bus) Emit(ev Event) {
	b.EmitTo([]string{ev.Target}, nil, ev)
}

// EmitTo sends ev to the subscribers of every target except those listed in
// except, then once to each global subscriber with Target cleared. The
// target list is a snapshot taken by the caller; subscribers that join
// later do not see the event.
func (b *Bus) EmitTo(targets []string, except []string, ev Event) {
	skip := make(map[string]bool, len(except))
	for _, e := range except {
		skip[e] = true
	}

	b.mu.RLock()
	globals := b.global
	b.mu.RUnlock()

	for _, target := range targets {
		if target == "" || skip[target] {
			continue
		}
		b.mu.RLock()
		subs := b.subscribers[target]
		b.mu.RUnlock()

		targeted := ev
		targeted.Target = target
		for _, s := range subs {
			if !s.Closed() {
				s.Receive(targeted)
			}
		}
	}

	ev.Target = ""
	for _, s := range globals {
		if !s.Closed() {
			s.Receive(ev)
		}
	}
}

// Subscribers returns the number of subscribers for target.
func (b *Bus) Subscribers(target string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[target])
}

// Cleanup removes closed subscribers from all lists.
func (b *Bus) Cleanup() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for target, subs := range b.subscribers {
		var active []Subscriber
		for _, s := range subs {
			if !s.Closed() {
				active = append(active, s)
			}
		}
		if len(active) == 0 {
			delete(b.subscribers, target)
		} else {
			b.subscribers[target] = active
		}
	}

	var activeGlobal []Subscriber
	for _, s := range b.global {
		if !s.Closed() {
			activeGlobal = append(activeGlobal, s)
		}
	}
	b.global = activeGlobal
}
