// Package session holds the per-connection state of a player: what the
// client is looking at, its preferences and the queue of messages waiting
// to be written to it.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/crystal-mush/tworld/pkg/events"
	"github.com/crystal-mush/tworld/pkg/markup"
	"github.com/crystal-mush/tworld/pkg/worlddb"
	"go.uber.org/zap"
)

// ID identifies a session.
type ID string

// FocusKind tags the content of the focus pane.
type FocusKind int

const (
	FocusNone     FocusKind = iota
	FocusDesc               // plain description
	FocusSelfDesc           // self description editor
	FocusEditStr            // editable string property
	FocusPortal             // one portal's details
	FocusPortList           // a portal list
)

func (k FocusKind) String() string {
	switch k {
	case FocusNone:
		return "none"
	case FocusDesc:
		return "desc"
	case FocusSelfDesc:
		return "selfdesc"
	case FocusEditStr:
		return "editstr"
	case FocusPortal:
		return "portal"
	case FocusPortList:
		return "portlist"
	default:
		return "unknown"
	}
}

// Focus is what the focus pane shows. Target names the focused thing for
// the special kinds (a portal id, a property key, a player id).
type Focus struct {
	Kind   FocusKind
	Target string
	Desc   markup.Description
}

// Special reports whether the focus is one of the interactive panes.
func (f Focus) Special() bool {
	return f.Kind != FocusNone && f.Kind != FocusDesc
}

// Conn is the transport side of a session. The registry owns it; the
// session only closes it when it can no longer keep up.
type Conn interface {
	Close() error
}

// Hooks observe deliveries. All fields are optional.
type Hooks struct {
	Delivered func(env events.Envelope)
	Stale     func(env events.Envelope)
	Dropped   func(n int)
}

// Session is one client's logical endpoint.
type Session struct {
	ID     ID
	Player worlddb.PlayerID

	log   *zap.Logger
	hooks Hooks

	mu         sync.Mutex
	name       string
	conn       Conn
	binding    worlddb.Place
	cursor     worlddb.Place
	lastMoved  time.Time
	focus      Focus
	plists     map[worlddb.PortalListID]bool
	tables     map[string]bool
	prefs      worlddb.Prefs
	outbox     *Outbox
	debounce   *Debouncer
	persist    func(worlddb.Prefs)
	detachedAt time.Time
	closed     bool
}

// Name returns the player's display name.
func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// SetName updates the cached display name.
func (s *Session) SetName(name string) {
	s.mu.Lock()
	s.name = name
	s.mu.Unlock()
}

// Binding returns the place the session is authoritatively bound to. It is
// the zero Place when unbound.
func (s *Session) Binding() worlddb.Place {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.binding
}

// Cursor returns the binding of the last guarded delta actually written to
// the client.
func (s *Session) Cursor() worlddb.Place {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// LastMoved returns when the session last changed location.
func (s *Session) LastMoved() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastMoved
}

// SetBinding is called by the presence resolver only.
func (s *Session) SetBinding(p worlddb.Place, at time.Time) {
	s.mu.Lock()
	s.binding = p
	if !p.IsZero() {
		s.lastMoved = at
	}
	s.mu.Unlock()
}

// Focus returns the current focus.
func (s *Session) Focus() Focus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.focus
}

// SetFocus replaces the focus pane and enqueues the matching update.
func (s *Session) SetFocus(f Focus) {
	if f.Kind == FocusNone {
		s.ClearFocus()
		return
	}
	s.mu.Lock()
	s.focus = f
	guard := s.binding
	s.mu.Unlock()

	special := f.Special()
	desc := events.Some(f.Desc)
	u := events.NewUpdate()
	u.Focus = &desc
	u.FocusSpecial = &special
	s.EnqueueGuarded(u, guard)
}

// ClearFocus empties the focus pane.
func (s *Session) ClearFocus() {
	s.mu.Lock()
	s.focus = Focus{}
	s.mu.Unlock()
	s.Enqueue(events.NewClearFocus())
}

// RecordFocus stores f without enqueuing anything. The caller sends the
// matching update itself.
func (s *Session) RecordFocus(f Focus) {
	s.mu.Lock()
	s.focus = f
	s.mu.Unlock()
}

// ResetFocus forgets the focus without telling the client. Used when a
// full view refresh follows.
func (s *Session) ResetFocus() {
	s.mu.Lock()
	s.focus = Focus{}
	s.mu.Unlock()
}

// Prefs returns a copy of the session's preferences.
func (s *Session) Prefs() worlddb.Prefs {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make(worlddb.Prefs, len(s.prefs))
	cp.Merge(s.prefs)
	return cp
}

// UpdateUIPrefs applies patch locally at once and schedules one debounced
// write. The write and its uiprefs echo happen after the quiet period.
func (s *Session) UpdateUIPrefs(patch worlddb.Prefs) {
	if len(patch) == 0 {
		return
	}
	s.mu.Lock()
	s.prefs.Merge(patch)
	d := s.debounce
	s.mu.Unlock()
	if d != nil {
		d.Add(patch)
	}
}

// flushPrefs runs when the debouncer fires.
func (s *Session) flushPrefs(worlddb.Prefs) {
	prefs := s.Prefs()
	if s.persist != nil {
		s.persist(prefs)
	}
	s.Enqueue(events.NewUIPrefs(prefs))
}

// SubscribePortList marks a portal list as shown by this client.
func (s *Session) SubscribePortList(id worlddb.PortalListID) {
	s.mu.Lock()
	s.plists[id] = true
	s.mu.Unlock()
}

// UnsubscribePortList forgets a portal list.
func (s *Session) UnsubscribePortList(id worlddb.PortalListID) {
	s.mu.Lock()
	delete(s.plists, id)
	s.mu.Unlock()
}

// PortLists returns the subscribed portal lists.
func (s *Session) PortLists() []worlddb.PortalListID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]worlddb.PortalListID, 0, len(s.plists))
	for id := range s.plists {
		out = append(out, id)
	}
	return out
}

// OpenTable records that the client has a property table open for editing.
func (s *Session) OpenTable(table worlddb.TableKey) {
	s.mu.Lock()
	s.tables[table.String()] = true
	s.mu.Unlock()
}

// CloseTable forgets an open property table.
func (s *Session) CloseTable(table worlddb.TableKey) {
	s.mu.Lock()
	delete(s.tables, table.String())
	s.mu.Unlock()
}

// Tables returns the open property tables.
func (s *Session) Tables() []worlddb.TableKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]worlddb.TableKey, 0, len(s.tables))
	for k := range s.tables {
		if tk, err := worlddb.ParseTableKey(k); err == nil {
			out = append(out, tk)
		}
	}
	return out
}

// Enqueue queues an envelope that is delivered regardless of later moves.
func (s *Session) Enqueue(env events.Envelope) {
	s.push(outItem{env: env})
}

// EnqueueGuarded queues an envelope computed for binding guard. It is
// dropped at delivery if the session is no longer bound there.
func (s *Session) EnqueueGuarded(env events.Envelope, guard worlddb.Place) {
	s.push(outItem{env: env, guard: guard, guarded: true})
}

func (s *Session) push(it outItem) {
	s.mu.Lock()
	ob := s.outbox
	conn := s.conn
	s.mu.Unlock()
	if ob == nil {
		return
	}
	switch err := ob.push(it); err {
	case nil:
	case ErrOutboxFull:
		s.log.Warn("outbox full, closing connection", zap.String("session", string(s.ID)))
		if conn != nil {
			conn.Close()
		}
	}
}

// Receive implements events.Subscriber. Feed events are never guarded.
func (s *Session) Receive(ev events.Event) {
	s.Enqueue(events.NewEvent(ev.Text))
}

// Closed implements events.Subscriber.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Attached reports whether the session currently has a connection.
func (s *Session) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// deliver writes one dequeued entry, dropping it if its guard is stale.
func (s *Session) deliver(it outItem, write func(events.Envelope) error) error {
	if it.guarded {
		s.mu.Lock()
		stale := it.guard != s.binding
		s.mu.Unlock()
		if stale {
			if s.hooks.Stale != nil {
				s.hooks.Stale(it.env)
			}
			return nil
		}
	}
	if err := write(it.env); err != nil {
		return err
	}
	if it.guarded {
		s.mu.Lock()
		s.cursor = it.guard
		s.mu.Unlock()
	}
	if s.hooks.Delivered != nil {
		s.hooks.Delivered(it.env)
	}
	return nil
}

// Run writes queued envelopes in order until ctx ends, the session detaches
// or write fails. A write error is returned so the caller can detach.
func (s *Session) Run(ctx context.Context, write func(events.Envelope) error) error {
	s.mu.Lock()
	ob := s.outbox
	s.mu.Unlock()
	if ob == nil {
		return ErrOutboxClosed
	}
	for {
		it, err := ob.next(ctx)
		if err != nil {
			return err
		}
		if err := s.deliver(it, write); err != nil {
			return err
		}
	}
}

// Flush writes every envelope queued right now without blocking.
func (s *Session) Flush(write func(events.Envelope) error) error {
	s.mu.Lock()
	ob := s.outbox
	s.mu.Unlock()
	if ob == nil {
		return ErrOutboxClosed
	}
	for {
		it, ok := ob.take()
		if !ok {
			return nil
		}
		if err := s.deliver(it, write); err != nil {
			return err
		}
	}
}

// Pending returns the number of queued envelopes.
func (s *Session) Pending() int {
	s.mu.Lock()
	ob := s.outbox
	s.mu.Unlock()
	if ob == nil {
		return 0
	}
	return ob.Len()
}
