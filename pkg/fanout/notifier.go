// Package fanout turns committed world mutations into per-session view
// deltas and feed broadcasts.
package fanout

import (
	"context"

	"github.com/crystal-mush/tworld/pkg/events"
	"github.com/crystal-mush/tworld/pkg/markup"
	"github.com/crystal-mush/tworld/pkg/presence"
	"github.com/crystal-mush/tworld/pkg/session"
	"github.com/crystal-mush/tworld/pkg/worlddb"
	"go.uber.org/zap"
)

// Dirty marks which panes of a view need re-rendering.
type Dirty uint8

const (
	DirtyWorld Dirty = 1 << iota
	DirtyLocale
	DirtyPopulace
	DirtyFocus
	DirtyInstTool

	DirtyAll = DirtyWorld | DirtyLocale | DirtyPopulace | DirtyFocus | DirtyInstTool
)

// Hooks observe the notifier for metrics. All fields are optional.
type Hooks struct {
	Delta     func(cmd string)
	Broadcast func(ev events.Event, recipients int)
}

// Notifier is the change fanout engine.
type Notifier struct {
	store worlddb.Store
	res   *presence.Resolver
	reg   *session.Registry
	bus   *events.Bus
	desc  *Describer
	log   *zap.Logger
	hooks Hooks
}

// New creates a notifier. bus carries feed events to sessions subscribed
// under their session id.
func New(store worlddb.Store, res *presence.Resolver, reg *session.Registry, bus *events.Bus, log *zap.Logger) *Notifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &Notifier{
		store: store,
		res:   res,
		reg:   reg,
		bus:   bus,
		desc:  NewDescriber(store, res),
		log:   log,
	}
}

// SetHooks installs observation hooks. Call before serving.
func (n *Notifier) SetHooks(h Hooks) { n.hooks = h }

// Describer returns the view renderer used by the notifier.
func (n *Notifier) Describer() *Describer { return n.desc }

func (n *Notifier) enqueue(s *session.Session, env events.Envelope) {
	s.Enqueue(env)
	if n.hooks.Delta != nil {
		n.hooks.Delta(env.Command())
	}
}

func (n *Notifier) enqueueGuarded(s *session.Session, env events.Envelope, guard worlddb.Place) {
	s.EnqueueGuarded(env, guard)
	if n.hooks.Delta != nil {
		n.hooks.Delta(env.Command())
	}
}

// Notify fans one committed mutation out to the sessions it affects.
// Render failures are logged per session; one bad view never blocks the
// rest.
func (n *Notifier) Notify(ctx context.Context, m events.Mutation) {
	switch m.Kind {
	case events.MutWorld:
		n.refreshAll(ctx, n.res.SessionsInWorld(m.Place.World), DirtyWorld|DirtyInstTool)

	case events.MutLocation:
		for _, s := range n.matching(m.Place) {
			n.Refresh(ctx, s, DirtyLocale|n.focusDirty(s))
		}

	case events.MutPopulace:
		for _, s := range n.matching(m.Place) {
			n.Refresh(ctx, s, DirtyPopulace|n.focusDirty(s))
		}

	case events.MutProperty:
		n.notifyProperty(ctx, m)

	case events.MutPortList:
		n.notifyPortList(ctx, m)

	case events.MutScope:
		if s, ok := n.reg.ForPlayer(m.Player); ok {
			n.SendScopes(ctx, s)
		}

	case events.MutFocus:
		if s, ok := n.reg.Get(session.ID(m.Session)); ok {
			n.Refresh(ctx, s, DirtyFocus)
		}

	case events.MutSelfDesc:
		n.notifySelfDesc(ctx, m.Player)

	case events.MutMove, events.MutFeed:
		// Travel and feed text need the acting session; the dispatcher
		// handles them before they get here.
		n.log.Debug("ignoring session mutation", zap.Stringer("kind", m.Kind))

	default:
		n.log.Warn("unknown mutation", zap.Stringer("kind", m.Kind))
	}
}

func (n *Notifier) refreshAll(ctx context.Context, sessions []*session.Session, dirty Dirty) {
	for _, s := range sessions {
		n.Refresh(ctx, s, dirty)
	}
}

// focusDirty marks the focus pane dirty when it shows something that lives
// in the location.
func (n *Notifier) focusDirty(s *session.Session) Dirty {
	if s.Focus().Kind == session.FocusDesc {
		return DirtyFocus
	}
	return 0
}

// matching returns the sessions bound at place, treating an empty Scope or
// Location as a wildcard.
func (n *Notifier) matching(place worlddb.Place) []*session.Session {
	if place.Scope != "" && place.Location != "" {
		return n.res.SessionsAt(place)
	}
	var out []*session.Session
	for _, s := range n.res.SessionsInWorld(place.World) {
		b := s.Binding()
		if place.Scope != "" && b.Scope != place.Scope {
			continue
		}
		if place.Location != "" && b.Location != place.Location {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Refresh renders the dirty panes of s for its current binding and queues
// them as one update guarded by that binding. If the session moves before
// the update is written, the update is dropped.
func (n *Notifier) Refresh(ctx context.Context, s *session.Session, dirty Dirty) {
	place := s.Binding()
	if place.IsZero() || dirty == 0 {
		return
	}
	u := events.NewUpdate()
	log := n.log.With(zap.String("session", string(s.ID)), zap.String("world", string(place.World)))

	if dirty&DirtyWorld != 0 {
		w, err := n.desc.World(ctx, place)
		if err != nil {
			log.Warn("render world", zap.Error(err))
		} else {
			u.World = w
		}
	}
	if dirty&DirtyLocale != 0 {
		loc, err := n.desc.Locale(ctx, place)
		if err != nil {
			log.Warn("render locale", zap.Error(err))
		} else {
			u.Locale = loc
		}
	}
	if dirty&DirtyPopulace != 0 {
		pop := n.desc.Populace(s, place)
		u.Populace = &pop
	}
	if dirty&DirtyInstTool != 0 {
		tool, err := n.desc.InstTool(ctx, place)
		if err != nil {
			log.Warn("render insttool", zap.Error(err))
		} else {
			u.InstTool = &tool
		}
	}
	if dirty&DirtyFocus != 0 {
		n.renderFocus(ctx, s, place, u, log)
	}

	if u.Empty() {
		return
	}
	n.enqueueGuarded(s, u, place)
}

func (n *Notifier) renderFocus(ctx context.Context, s *session.Session, place worlddb.Place, u *events.Update, log *zap.Logger) {
	cur := s.Focus()
	if cur.Kind == session.FocusNone {
		return
	}
	f, ok, err := n.desc.Focus(ctx, s, place, cur)
	if err != nil {
		log.Warn("render focus", zap.Error(err))
		return
	}
	if !ok {
		s.RecordFocus(session.Focus{})
		clear := events.None[markup.Description]()
		u.Focus = &clear
		return
	}
	s.RecordFocus(f)
	entry := events.Some(f.Desc)
	special := f.Special()
	u.Focus = &entry
	u.FocusSpecial = &special
}

// FullView sends every pane of the session's current view.
func (n *Notifier) FullView(ctx context.Context, s *session.Session) {
	n.Refresh(ctx, s, DirtyAll)
}

func (n *Notifier) notifyProperty(ctx context.Context, m events.Mutation) {
	if m.Property == nil {
		return
	}
	var row *worlddb.Property
	if !m.Property.Deleted {
		p := *m.Property
		row = &p
	}
	for _, s := range n.res.TableWatchers(m.Table) {
		n.enqueue(s, events.NewUpdateProp(m.Table, m.Property.ID, row))
	}

	var place worlddb.Place
	switch m.Table.Kind {
	case worlddb.TableInstance:
		place = worlddb.Place{World: m.Table.World, Scope: m.Table.Scope, Location: m.Table.Location}
	case worlddb.TableLocation:
		place = worlddb.Place{World: m.Table.World, Location: m.Table.Location}
	case worlddb.TableWorld:
		place = worlddb.Place{World: m.Table.World}
	default:
		return
	}
	for _, s := range n.matching(place) {
		n.Refresh(ctx, s, DirtyLocale|n.focusDirty(s))
	}
}

func (n *Notifier) notifyPortList(ctx context.Context, m events.Mutation) {
	subs := n.res.PortListSubscribers(m.PortList)
	if len(subs) == 0 {
		return
	}
	if m.Portal == nil {
		for _, s := range subs {
			n.SendPortList(ctx, s, m.PortList)
		}
		return
	}

	var preferred worlddb.PortalID
	if list, err := n.store.GetPortalList(ctx, m.PortList); err == nil {
		preferred = list.Preferred
	}
	u := events.NewUpdatePlist(false)
	if m.Portal.Deleted {
		u.Map[m.Portal.ID] = events.None[events.PortalView]()
	} else {
		u.Map[m.Portal.ID] = events.Some(n.desc.PortalView(ctx, *m.Portal, preferred))
	}
	for _, s := range subs {
		n.enqueue(s, u)
	}
}

// SendPortList sends the whole portal list, replacing what the client has.
func (n *Notifier) SendPortList(ctx context.Context, s *session.Session, id worlddb.PortalListID) {
	list, err := n.store.GetPortalList(ctx, id)
	if err != nil {
		n.log.Warn("load portal list", zap.String("plist", string(id)), zap.Error(err))
		return
	}
	portals, err := worlddb.RetryRead(ctx, func(ctx context.Context) ([]worlddb.Portal, error) {
		return n.store.ListPortals(ctx, id)
	})
	if err != nil {
		n.log.Warn("list portals", zap.String("plist", string(id)), zap.Error(err))
		return
	}
	u := events.NewUpdatePlist(true)
	for _, p := range portals {
		u.Map[p.ID] = events.Some(n.desc.PortalView(ctx, p, list.Preferred))
	}
	n.enqueue(s, u)
}

// SendScopes sends the scopes s may choose from.
func (n *Notifier) SendScopes(ctx context.Context, s *session.Session) {
	views, err := n.desc.Scopes(ctx, s.Player, s.Binding().Scope)
	if err != nil {
		n.log.Warn("render scopes", zap.String("session", string(s.ID)), zap.Error(err))
		return
	}
	u := events.NewUpdateScopes(true)
	for _, v := range views {
		u.Map[v.ID] = events.Some(v)
	}
	n.enqueue(s, u)
}

func (n *Notifier) notifySelfDesc(ctx context.Context, player worlddb.PlayerID) {
	if s, ok := n.reg.ForPlayer(player); ok && s.Focus().Kind == session.FocusSelfDesc {
		n.Refresh(ctx, s, DirtyFocus)
	}
	target := PlayerTarget + string(player)
	for _, s := range n.reg.Attached() {
		if f := s.Focus(); f.Kind == session.FocusDesc && f.Target == target {
			n.Refresh(ctx, s, DirtyFocus)
		}
	}
}

// Broadcast sends a feed event to every session bound at place, except the
// listed ones. The recipients are fixed when Broadcast is called; a session
// that leaves afterwards still gets the line, one that arrives does not.
func (n *Notifier) Broadcast(place worlddb.Place, ev events.Event, except ...session.ID) {
	skip := make(map[session.ID]bool, len(except))
	for _, id := range except {
		skip[id] = true
	}
	var targets []string
	for _, id := range n.res.MembersOf(place) {
		if !skip[id] {
			targets = append(targets, string(id))
		}
	}
	ev.Place = place
	n.bus.EmitTo(targets, nil, ev)
	if n.hooks.Broadcast != nil {
		n.hooks.Broadcast(ev, len(targets))
	}
}

// Tell sends a feed line to one session only. It bypasses the bus, so it
// never reaches the scrollback.
func (n *Notifier) Tell(s *session.Session, text string) {
	n.enqueue(s, events.NewEvent(text))
}

// Shout sends a feed event to every attached session.
func (n *Notifier) Shout(ev events.Event) {
	var targets []string
	for _, s := range n.reg.Attached() {
		targets = append(targets, string(s.ID))
	}
	n.bus.EmitTo(targets, nil, ev)
}
