// Package presence resolves which instance of a world a player enters and
// tracks which sessions are where.
package presence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/crystal-mush/tworld/pkg/session"
	"github.com/crystal-mush/tworld/pkg/worlddb"
	"go.uber.org/zap"
)

var (
	// ErrInvariant marks a binding transition that should never happen. The
	// session involved must be force-detached.
	ErrInvariant = errors.New("presence: binding invariant violated")
	// ErrScopeDenied is returned when a player asks for a scope they may
	// not enter.
	ErrScopeDenied = errors.New("presence: scope not available")
)

// Store is the part of the world store the resolver reads.
type Store interface {
	GetWorld(ctx context.Context, id worlddb.WorldID) (worlddb.World, error)
	GetScope(ctx context.Context, id worlddb.ScopeID) (worlddb.Scope, error)
	PutScope(ctx context.Context, s worlddb.Scope) error
	GlobalScope(ctx context.Context) (worlddb.Scope, error)
	GetPlayer(ctx context.Context, id worlddb.PlayerID) (worlddb.Player, error)
	PutPlayer(ctx context.Context, p worlddb.Player) error
	GetPlayState(ctx context.Context, id worlddb.PlayerID) (worlddb.PlayState, error)
}

type instanceKey struct {
	world worlddb.WorldID
	scope worlddb.ScopeID
}

type sessionSet map[session.ID]*session.Session

// Resolver owns every presence index. Nothing here is process global; the
// hub creates one resolver and passes it around.
type Resolver struct {
	store Store
	log   *zap.Logger
	now   func() time.Time

	scopeMu sync.Mutex

	mu         sync.RWMutex
	bound      map[session.ID]worlddb.Place
	byPlace    map[worlddb.Place]sessionSet
	byInstance map[instanceKey]sessionSet
	plists     map[worlddb.PortalListID]sessionSet
	tables     map[string]sessionSet
}

// New creates a resolver reading from store.
func New(store Store, log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{
		store:      store,
		log:        log,
		now:        time.Now,
		bound:      make(map[session.ID]worlddb.Place),
		byPlace:    make(map[worlddb.Place]sessionSet),
		byInstance: make(map[instanceKey]sessionSet),
		plists:     make(map[worlddb.PortalListID]sessionSet),
		tables:     make(map[string]sessionSet),
	}
}

// ResolveScope picks the scope a player enters in world. requested is a
// scope reference: "global", "personal", "same", a scope id, or empty.
// Solo worlds always use the player's personal scope and shared worlds the
// global scope, whatever was requested.
func (r *Resolver) ResolveScope(ctx context.Context, player worlddb.PlayerID, world worlddb.WorldID, requested string) (worlddb.ScopeID, error) {
	w, err := worlddb.RetryRead(ctx, func(ctx context.Context) (worlddb.World, error) {
		return r.store.GetWorld(ctx, world)
	})
	if err != nil {
		return "", fmt.Errorf("presence: world %s: %w", world, err)
	}

	switch w.Instancing {
	case worlddb.InstancingSolo:
		return r.personalScope(ctx, player)
	case worlddb.InstancingShared:
		return r.globalScope(ctx)
	}

	switch requested {
	case "", worlddb.ScopeRefGlobal:
		return r.globalScope(ctx)
	case worlddb.ScopeRefPersonal:
		return r.personalScope(ctx, player)
	case worlddb.ScopeRefSame:
		st, err := r.store.GetPlayState(ctx, player)
		if err == nil && st.Place.Scope != "" {
			return st.Place.Scope, nil
		}
		if err != nil && !errors.Is(err, worlddb.ErrNotFound) {
			return "", fmt.Errorf("presence: playstate: %w", err)
		}
		return r.globalScope(ctx)
	}

	sc, err := worlddb.RetryRead(ctx, func(ctx context.Context) (worlddb.Scope, error) {
		return r.store.GetScope(ctx, worlddb.ScopeID(requested))
	})
	if errors.Is(err, worlddb.ErrNotFound) {
		return "", fmt.Errorf("%w: %s", ErrScopeDenied, requested)
	}
	if err != nil {
		return "", fmt.Errorf("presence: scope %s: %w", requested, err)
	}
	if sc.Type == worlddb.ScopePersonal && sc.Owner != player {
		return "", fmt.Errorf("%w: personal scope of another player", ErrScopeDenied)
	}
	return sc.ID, nil
}

func (r *Resolver) globalScope(ctx context.Context) (worlddb.ScopeID, error) {
	sc, err := worlddb.RetryRead(ctx, r.store.GlobalScope)
	if err != nil {
		return "", fmt.Errorf("presence: global scope: %w", err)
	}
	return sc.ID, nil
}

// personalScope returns the player's personal scope, creating it on first
// use.
func (r *Resolver) personalScope(ctx context.Context, player worlddb.PlayerID) (worlddb.ScopeID, error) {
	r.scopeMu.Lock()
	defer r.scopeMu.Unlock()

	p, err := worlddb.RetryRead(ctx, func(ctx context.Context) (worlddb.Player, error) {
		return r.store.GetPlayer(ctx, player)
	})
	if err != nil {
		return "", fmt.Errorf("presence: player %s: %w", player, err)
	}
	if p.Scope != "" {
		return p.Scope, nil
	}
	sc := worlddb.Scope{ID: worlddb.ScopeID(worlddb.NewID()), Type: worlddb.ScopePersonal, Owner: player, SortKey: "1"}
	if err := r.store.PutScope(ctx, sc); err != nil {
		return "", fmt.Errorf("presence: create personal scope: %w", err)
	}
	p.Scope = sc.ID
	if err := r.store.PutPlayer(ctx, p); err != nil {
		return "", fmt.Errorf("presence: save personal scope: %w", err)
	}
	r.log.Info("created personal scope", zap.String("player", string(player)), zap.String("scope", string(sc.ID)))
	return sc.ID, nil
}

// Bind moves an unbound session into place. Binding a session that is
// already bound is an invariant violation.
func (r *Resolver) Bind(s *session.Session, place worlddb.Place) error {
	if place.IsZero() || place.Location == "" {
		return fmt.Errorf("presence: bind to incomplete place %+v", place)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.bound[s.ID]; ok {
		return fmt.Errorf("%w: session %s already bound to %+v", ErrInvariant, s.ID, cur)
	}
	if !s.Binding().IsZero() {
		return fmt.Errorf("%w: session %s carries stale binding", ErrInvariant, s.ID)
	}
	r.add(s, place)
	return nil
}

// Rebind moves a bound session to a new place and returns the old one.
func (r *Resolver) Rebind(s *session.Session, place worlddb.Place) (worlddb.Place, error) {
	if place.IsZero() || place.Location == "" {
		return worlddb.Place{}, fmt.Errorf("presence: bind to incomplete place %+v", place)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	old, ok := r.bound[s.ID]
	if !ok {
		return worlddb.Place{}, fmt.Errorf("%w: session %s is not bound", ErrInvariant, s.ID)
	}
	r.remove(s, old)
	r.add(s, place)
	return old, nil
}

// Unbind removes a session's binding, returning where it was.
func (r *Resolver) Unbind(s *session.Session) (worlddb.Place, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	old, ok := r.bound[s.ID]
	if ok {
		r.remove(s, old)
		s.SetBinding(worlddb.Place{}, r.now())
	}
	return old, ok
}

// Forget drops every index entry of a detached session and returns the
// place it was bound to, if any.
func (r *Resolver) Forget(s *session.Session) (worlddb.Place, bool) {
	old, ok := r.Unbind(s)
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, set := range r.plists {
		delete(set, s.ID)
		if len(set) == 0 {
			delete(r.plists, id)
		}
	}
	for key, set := range r.tables {
		delete(set, s.ID)
		if len(set) == 0 {
			delete(r.tables, key)
		}
	}
	return old, ok
}

func (r *Resolver) add(s *session.Session, place worlddb.Place) {
	r.bound[s.ID] = place
	addTo(r.byPlace, place, s)
	addTo(r.byInstance, instanceKey{place.World, place.Scope}, s)
	s.SetBinding(place, r.now())
}

func (r *Resolver) remove(s *session.Session, place worlddb.Place) {
	delete(r.bound, s.ID)
	removeFrom(r.byPlace, place, s.ID)
	removeFrom(r.byInstance, instanceKey{place.World, place.Scope}, s.ID)
}

func addTo[K comparable](idx map[K]sessionSet, key K, s *session.Session) {
	set, ok := idx[key]
	if !ok {
		set = make(sessionSet)
		idx[key] = set
	}
	set[s.ID] = s
}

func removeFrom[K comparable](idx map[K]sessionSet, key K, id session.ID) {
	set := idx[key]
	delete(set, id)
	if len(set) == 0 {
		delete(idx, key)
	}
}

// BindingOf returns the indexed binding of a session.
func (r *Resolver) BindingOf(id session.ID) (worlddb.Place, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.bound[id]
	return p, ok
}

// MembersOf returns a snapshot of the sessions bound at (scope, location).
// world qualifies the location key.
func (r *Resolver) MembersOf(place worlddb.Place) []session.ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.byPlace[place]
	out := make([]session.ID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SessionsAt returns the sessions bound at place, ordered by arrival.
func (r *Resolver) SessionsAt(place worlddb.Place) []*session.Session {
	r.mu.RLock()
	out := setSlice(r.byPlace[place])
	r.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].LastMoved().Before(out[j].LastMoved()) })
	return out
}

// SessionsInInstance returns every session bound anywhere in (world, scope).
func (r *Resolver) SessionsInInstance(world worlddb.WorldID, scope worlddb.ScopeID) []*session.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return setSlice(r.byInstance[instanceKey{world, scope}])
}

// SessionsInWorld returns every session bound anywhere in world, in any
// scope.
func (r *Resolver) SessionsInWorld(world worlddb.WorldID) []*session.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := make(sessionSet)
	for key, set := range r.byInstance {
		if key.world != world {
			continue
		}
		for id, s := range set {
			all[id] = s
		}
	}
	return setSlice(all)
}

// Instances returns the (world, scope) pairs that have at least one session.
func (r *Resolver) Instances() []worlddb.Place {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]worlddb.Place, 0, len(r.byInstance))
	for key := range r.byInstance {
		out = append(out, worlddb.Place{World: key.world, Scope: key.scope})
	}
	return out
}

// InstanceCount returns how many sessions are in (world, scope).
func (r *Resolver) InstanceCount(world worlddb.WorldID, scope worlddb.ScopeID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byInstance[instanceKey{world, scope}])
}

// SubscribePortList registers s for changes to a portal list.
func (r *Resolver) SubscribePortList(s *session.Session, id worlddb.PortalListID) {
	r.mu.Lock()
	addTo(r.plists, id, s)
	r.mu.Unlock()
	s.SubscribePortList(id)
}

// UnsubscribePortList removes s from a portal list's subscribers.
func (r *Resolver) UnsubscribePortList(s *session.Session, id worlddb.PortalListID) {
	r.mu.Lock()
	removeFrom(r.plists, id, s.ID)
	r.mu.Unlock()
	s.UnsubscribePortList(id)
}

// PortListSubscribers returns the sessions showing a portal list.
func (r *Resolver) PortListSubscribers(id worlddb.PortalListID) []*session.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return setSlice(r.plists[id])
}

// WatchTable registers s as an editor of a property table.
func (r *Resolver) WatchTable(s *session.Session, table worlddb.TableKey) {
	r.mu.Lock()
	addTo(r.tables, table.String(), s)
	r.mu.Unlock()
	s.OpenTable(table)
}

// UnwatchTable removes s from a property table's editors.
func (r *Resolver) UnwatchTable(s *session.Session, table worlddb.TableKey) {
	r.mu.Lock()
	removeFrom(r.tables, table.String(), s.ID)
	r.mu.Unlock()
	s.CloseTable(table)
}

// TableWatchers returns the sessions editing a property table.
func (r *Resolver) TableWatchers(table worlddb.TableKey) []*session.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return setSlice(r.tables[table.String()])
}

// Restore re-registers the portal list and table subscriptions a resumed
// session carried across its detach.
func (r *Resolver) Restore(s *session.Session) {
	for _, id := range s.PortLists() {
		r.SubscribePortList(s, id)
	}
	for _, t := range s.Tables() {
		r.WatchTable(s, t)
	}
}

func setSlice(set sessionSet) []*session.Session {
	out := make([]*session.Session, 0, len(set))
	for _, s := range set {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
