package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/crystal-mush/tworld/pkg/worlddb"
	"go.uber.org/zap"
)

// AttachPolicy decides what happens when a player who already has an
// attached session connects again.
type AttachPolicy int

const (
	// Supersede detaches the existing connection in favour of the new one.
	Supersede AttachPolicy = iota
	// Reject refuses the new connection.
	Reject
)

// ParseAttachPolicy maps a config string onto a policy.
func ParseAttachPolicy(s string) (AttachPolicy, error) {
	switch s {
	case "", "supersede":
		return Supersede, nil
	case "reject":
		return Reject, nil
	}
	return Supersede, fmt.Errorf("session: unknown attach policy %q", s)
}

func (p AttachPolicy) String() string {
	if p == Reject {
		return "reject"
	}
	return "supersede"
}

// DefaultGrace is how long a detached session may be resumed.
const DefaultGrace = 60 * time.Second

var (
	ErrAlreadyAttached = errors.New("session: player already attached")
	ErrNoSession       = errors.New("session: no such session")
	ErrGraceExpired    = errors.New("session: reconnect grace expired")
)

// PrefsStore loads and saves player preferences.
type PrefsStore interface {
	GetPrefs(ctx context.Context, id worlddb.PlayerID) (worlddb.Prefs, error)
	PutPrefs(ctx context.Context, id worlddb.PlayerID, prefs worlddb.Prefs) error
}

// Options configure a Registry.
type Options struct {
	Policy      AttachPolicy
	Grace       time.Duration
	PrefsDelay  time.Duration
	OutboxLimit int
	Prefs       PrefsStore
	Hooks       Hooks
	// OnDetach runs after a session loses its connection, outside the
	// registry lock. It must remove the session from every fanout index.
	OnDetach func(s *Session)
	Log      *zap.Logger
	Now      func() time.Time
}

// Registry tracks live connections and the sessions they drive. Each
// session has at most one connection.
type Registry struct {
	opts Options
	log  *zap.Logger

	mu       sync.Mutex
	sessions map[ID]*Session
	byConn   map[Conn]*Session
	byPlayer map[worlddb.PlayerID]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	if opts.Grace <= 0 {
		opts.Grace = DefaultGrace
	}
	if opts.PrefsDelay <= 0 {
		opts.PrefsDelay = DefaultPrefsDelay
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		opts:     opts,
		log:      opts.Log,
		sessions: make(map[ID]*Session),
		byConn:   make(map[Conn]*Session),
		byPlayer: make(map[worlddb.PlayerID]*Session),
	}
}

// SetOnDetach installs the detach hook. It must be called before the
// first Attach.
func (r *Registry) SetOnDetach(fn func(*Session)) {
	r.opts.OnDetach = fn
}

// Attach creates a new session for player on conn.
func (r *Registry) Attach(ctx context.Context, conn Conn, player worlddb.Player) (*Session, error) {
	prefs := worlddb.Prefs{}
	if r.opts.Prefs != nil {
		loaded, err := worlddb.RetryRead(ctx, func(ctx context.Context) (worlddb.Prefs, error) {
			return r.opts.Prefs.GetPrefs(ctx, player.ID)
		})
		if err != nil {
			return nil, fmt.Errorf("session: load prefs: %w", err)
		}
		prefs.Merge(loaded)
	}

	s := &Session{
		ID:     ID(worlddb.NewID()),
		Player: player.ID,
		log:    r.log,
		hooks:  r.opts.Hooks,
		name:   player.Name,
		plists: make(map[worlddb.PortalListID]bool),
		tables: make(map[string]bool),
		prefs:  prefs,
	}

	superseded, err := r.claim(conn, s)
	if err != nil {
		return nil, err
	}
	if superseded != nil {
		r.log.Info("connection superseded",
			zap.String("player", string(player.ID)),
			zap.String("old_session", string(superseded.ID)),
			zap.String("session", string(s.ID)))
	}
	return s, nil
}

// Resume reattaches a detached session within the grace period. Focus,
// preferences and portal list subscriptions survive; queued messages from
// before the detach do not.
func (r *Registry) Resume(conn Conn, player worlddb.PlayerID, id ID) (*Session, error) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok || s.Player != player {
		return nil, ErrNoSession
	}
	s.mu.Lock()
	attached := s.conn != nil
	expired := !attached && r.opts.Now().Sub(s.detachedAt) > r.opts.Grace
	s.mu.Unlock()
	if attached {
		return nil, ErrAlreadyAttached
	}
	if expired {
		r.discard(s)
		return nil, ErrGraceExpired
	}
	if _, err := r.claim(conn, s); err != nil {
		return nil, err
	}
	return s, nil
}

// claim binds conn to s, applying the attach policy. The policy check and
// the install happen under one hold of r.mu so concurrent connects for the
// same player serialize. It returns the session whose connection was
// superseded, if any.
func (r *Registry) claim(conn Conn, s *Session) (*Session, error) {
	r.mu.Lock()
	prev := r.byPlayer[s.Player]
	if prev == s {
		prev = nil
	}
	if prev != nil && r.opts.Policy == Reject {
		r.mu.Unlock()
		return nil, ErrAlreadyAttached
	}
	var prevConn Conn
	if prev != nil {
		prev.mu.Lock()
		prevConn = prev.conn
		prev.mu.Unlock()
	}

	s.mu.Lock()
	if s.conn != nil {
		s.mu.Unlock()
		r.mu.Unlock()
		return nil, ErrAlreadyAttached
	}
	s.conn = conn
	s.closed = false
	s.detachedAt = time.Time{}
	s.outbox = newOutbox(r.opts.OutboxLimit)
	s.persist = r.persister(s)
	s.debounce = NewDebouncer(r.opts.PrefsDelay, s.flushPrefs)
	s.mu.Unlock()

	r.sessions[s.ID] = s
	r.byConn[conn] = s
	r.byPlayer[s.Player] = s
	r.mu.Unlock()

	// byPlayer already points at s, so Detach leaves it alone.
	if prevConn != nil {
		r.Detach(prevConn)
		prevConn.Close()
	}
	return prev, nil
}

func (r *Registry) persister(s *Session) func(worlddb.Prefs) {
	return func(prefs worlddb.Prefs) {
		if r.opts.Prefs == nil {
			return
		}
		// The connection may already be gone; the write must still land.
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.opts.Prefs.PutPrefs(ctx, s.Player, prefs); err != nil {
			s.log.Error("uiprefs write failed",
				zap.String("session", string(s.ID)), zap.Error(err))
		}
	}
}

// Detach removes conn. Its session stays resumable for the grace period.
// Pending preference writes are flushed and undelivered messages dropped.
func (r *Registry) Detach(conn Conn) {
	r.mu.Lock()
	s, ok := r.byConn[conn]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byConn, conn)
	if r.byPlayer[s.Player] == s {
		delete(r.byPlayer, s.Player)
	}
	r.mu.Unlock()

	s.mu.Lock()
	s.conn = nil
	s.closed = true
	s.detachedAt = r.opts.Now()
	d := s.debounce
	ob := s.outbox
	s.mu.Unlock()

	if d != nil {
		d.Flush(true)
	}
	if ob != nil {
		if n := ob.close(); n > 0 && s.hooks.Dropped != nil {
			s.hooks.Dropped(n)
		}
	}
	if r.opts.OnDetach != nil {
		r.opts.OnDetach(s)
	}
	r.log.Debug("session detached", zap.String("session", string(s.ID)), zap.String("player", string(s.Player)))
}

// ForceDetach drops a session that is in an inconsistent state. It is not
// resumable.
func (r *Registry) ForceDetach(s *Session, reason error) {
	r.log.Error("forcing session detach",
		zap.String("session", string(s.ID)),
		zap.String("player", string(s.Player)),
		zap.Error(reason))
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		r.Detach(conn)
		conn.Close()
	}
	r.discard(s)
}

func (r *Registry) discard(s *Session) {
	r.mu.Lock()
	if r.sessions[s.ID] == s {
		delete(r.sessions, s.ID)
	}
	r.mu.Unlock()
}

// Lookup returns the connection currently attached to a session.
func (r *Registry) Lookup(id ID) (Conn, bool) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn, s.conn != nil
}

// Get returns a session by id, attached or within its grace period.
func (r *Registry) Get(id ID) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// ForConn returns the session attached to conn.
func (r *Registry) ForConn(conn Conn) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byConn[conn]
	return s, ok
}

// ForPlayer returns the attached session of a player.
func (r *Registry) ForPlayer(id worlddb.PlayerID) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byPlayer[id]
	return s, ok
}

// Attached returns every session with a live connection.
func (r *Registry) Attached() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.byConn))
	for _, s := range r.byConn {
		out = append(out, s)
	}
	return out
}

// Count returns the number of attached sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byConn)
}

// Reap discards detached sessions whose grace period has passed and
// returns how many were removed.
func (r *Registry) Reap() int {
	now := r.opts.Now()
	var expired []*Session
	r.mu.Lock()
	for _, s := range r.sessions {
		s.mu.Lock()
		if s.conn == nil && !s.detachedAt.IsZero() && now.Sub(s.detachedAt) > r.opts.Grace {
			expired = append(expired, s)
		}
		s.mu.Unlock()
	}
	for _, s := range expired {
		delete(r.sessions, s.ID)
	}
	r.mu.Unlock()
	return len(expired)
}

// RunReaper calls Reap every interval until ctx ends.
func (r *Registry) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Reap(); n > 0 {
				r.log.Debug("reaped detached sessions", zap.Int("count", n))
			}
		}
	}
}
