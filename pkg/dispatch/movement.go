package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/crystal-mush/tworld/pkg/collab"
	"github.com/crystal-mush/tworld/pkg/events"
	"github.com/crystal-mush/tworld/pkg/session"
	"github.com/crystal-mush/tworld/pkg/worlddb"
	"go.uber.org/zap"
)

// Arrive puts a freshly attached or resumed session into the world: at its
// last place if that still exists, otherwise at the start world. It sends
// the full view, portal list, scopes and preferences.
func (d *Dispatcher) Arrive(ctx context.Context, s *session.Session) error {
	p, err := d.player(ctx, s.Player)
	if err != nil {
		return err
	}
	if p.PortList == "" {
		if p, err = d.ensurePortList(ctx, p); err != nil {
			return err
		}
	}

	place, err := d.lastPlace(ctx, p.ID)
	if err != nil {
		return err
	}
	if place.IsZero() {
		if place, err = d.startPlace(ctx, p.ID); err != nil {
			return err
		}
	}

	unlock := d.scopeLock(place.World, place.Scope)
	if err := d.res.Bind(s, place); err != nil {
		unlock()
		return err
	}
	d.arrived(place)
	d.savePlace(ctx, s)
	d.notifier.Notify(ctx, events.Mutation{Kind: events.MutPopulace, Place: place})
	d.notifier.Broadcast(place, events.Event{Type: events.EvConnect, Source: s.Player, Text: s.Name() + " has connected."}, s.ID)
	d.notifier.FullView(ctx, s)
	unlock()

	d.res.SubscribePortList(s, p.PortList)
	d.notifier.SendPortList(ctx, s, p.PortList)
	d.notifier.SendScopes(ctx, s)
	s.Enqueue(events.NewUIPrefs(s.Prefs()))
	if d.texts != nil {
		if motd, ok := d.texts.Text("motd"); ok {
			s.Enqueue(events.NewMessage(motd))
		}
	}
	d.log.Info("player arrived",
		zap.String("session", string(s.ID)),
		zap.String("player", string(s.Player)),
		zap.String("world", string(place.World)),
		zap.String("scope", string(place.Scope)),
		zap.String("location", string(place.Location)))
	return nil
}

// Depart removes a detached session from every presence index and tells
// whoever was with it.
func (d *Dispatcher) Depart(ctx context.Context, s *session.Session) {
	unlockPlayer := d.players.Lock(string(s.Player))
	defer unlockPlayer()

	place, ok := d.res.BindingOf(s.ID)
	if !ok {
		d.res.Forget(s)
		return
	}
	unlock := d.scopeLock(place.World, place.Scope)
	defer unlock()
	d.res.Forget(s)
	d.notifier.Notify(ctx, events.Mutation{Kind: events.MutPopulace, Place: place})
	d.notifier.Broadcast(place, events.Event{Type: events.EvDisconnect, Source: s.Player, Text: s.Name() + " has disconnected."}, s.ID)
}

func (d *Dispatcher) arrived(place worlddb.Place) {
	if d.hooks.Arrived != nil {
		d.hooks.Arrived(place.World, place.Scope)
	}
}

// lastPlace returns the persisted place of a player if the location still
// exists, or the zero place.
func (d *Dispatcher) lastPlace(ctx context.Context, player worlddb.PlayerID) (worlddb.Place, error) {
	st, err := worlddb.RetryRead(ctx, func(ctx context.Context) (worlddb.PlayState, error) {
		return d.store.GetPlayState(ctx, player)
	})
	if errors.Is(err, worlddb.ErrNotFound) {
		return worlddb.Place{}, nil
	}
	if err != nil {
		return worlddb.Place{}, fmt.Errorf("dispatch: playstate: %w", err)
	}
	place := st.Place
	if place.World == "" || place.Scope == "" || place.Location == "" {
		return worlddb.Place{}, nil
	}
	if _, err := d.store.GetLocation(ctx, place.World, place.Location); err != nil {
		return worlddb.Place{}, nil
	}
	if _, err := d.store.GetScope(ctx, place.Scope); err != nil {
		return worlddb.Place{}, nil
	}
	return place, nil
}

// startPlace is the start location of the start world in the scope the
// player would get there by default.
func (d *Dispatcher) startPlace(ctx context.Context, player worlddb.PlayerID) (worlddb.Place, error) {
	if d.start == "" {
		return worlddb.Place{}, errors.New("dispatch: no start world configured")
	}
	w, err := d.store.GetWorld(ctx, d.start)
	if err != nil {
		return worlddb.Place{}, fmt.Errorf("dispatch: start world: %w", err)
	}
	scope, err := d.res.ResolveScope(ctx, player, w.ID, "")
	if err != nil {
		return worlddb.Place{}, err
	}
	return worlddb.Place{World: w.ID, Scope: scope, Location: w.StartLocation}, nil
}

// ensurePortList gives a new player a portal list with one portal to the
// start world.
func (d *Dispatcher) ensurePortList(ctx context.Context, p worlddb.Player) (worlddb.Player, error) {
	unlock := d.players.Lock(string(p.ID))
	defer unlock()

	cur, err := d.store.GetPlayer(ctx, p.ID)
	if err != nil {
		return p, fmt.Errorf("dispatch: player %s: %w", p.ID, err)
	}
	if cur.PortList != "" {
		return cur, nil
	}
	list := worlddb.PortalList{ID: worlddb.PortalListID(worlddb.NewID()), Owner: p.ID, Version: 1}
	if err := d.store.PutPortalList(ctx, list); err != nil {
		return p, fmt.Errorf("dispatch: create portal list: %w", err)
	}
	cur.PortList = list.ID
	if err := d.store.PutPlayer(ctx, cur); err != nil {
		return p, fmt.Errorf("dispatch: save portal list: %w", err)
	}
	if d.start != "" {
		if w, err := d.store.GetWorld(ctx, d.start); err == nil {
			home := worlddb.Portal{List: list.ID, World: w.ID, Location: w.StartLocation, ScopeRef: worlddb.ScopeRefGlobal, Creator: w.Creator, Instancing: w.Instancing}
			if _, err := d.coord.AddPortal(ctx, home, collab.Placement{}); err != nil {
				d.log.Warn("seed portal list", zap.String("player", string(p.ID)), zap.Error(err))
			}
		}
	}
	return cur, nil
}

func (d *Dispatcher) savePlace(ctx context.Context, s *session.Session) {
	st := worlddb.PlayState{Player: s.Player, Place: s.Binding(), LastMoved: s.LastMoved()}
	if err := d.store.PutPlayState(ctx, st); err != nil {
		d.log.Warn("save playstate", zap.String("player", string(s.Player)), zap.Error(err))
	}
}

// travel moves s to dest. Inside one instance this is a walk; across
// instances the old scope is released before the new one is locked, so two
// players crossing in opposite directions cannot deadlock.
func (d *Dispatcher) travel(ctx context.Context, s *session.Session, dest worlddb.Place, text, otherText string) error {
	unlockPlayer := d.players.Lock(string(s.Player))
	defer unlockPlayer()

	if _, err := d.store.GetLocation(ctx, dest.World, dest.Location); err != nil {
		if errors.Is(err, worlddb.ErrNotFound) {
			return clientErrorf("That leads nowhere.")
		}
		return fmt.Errorf("dispatch: destination: %w", err)
	}
	old, err := bound(s)
	if err != nil {
		return err
	}
	name := s.Name()
	if otherText == "" {
		otherText = name + " disappears."
	}
	if old.InScope(dest) {
		return d.walk(ctx, s, old, dest, text, d.feedText(s, otherText))
	}

	unlock := d.scopeLock(old.World, old.Scope)
	d.notifier.Broadcast(old, events.Event{Type: events.EvDepart, Source: s.Player, Text: d.feedText(s, otherText)}, s.ID)
	if _, err := d.res.Rebind(s, dest); err != nil {
		unlock()
		return err
	}
	d.notifier.Notify(ctx, events.Mutation{Kind: events.MutPopulace, Place: old})
	unlock()

	if text == "" {
		text = "The world fades away."
	}
	d.notifier.Tell(s, d.feedText(s, text))

	unlock = d.scopeLock(dest.World, dest.Scope)
	defer unlock()
	d.arrived(dest)
	d.savePlace(ctx, s)
	d.notifier.Notify(ctx, events.Mutation{Kind: events.MutPopulace, Place: dest})
	d.notifier.Broadcast(dest, events.Event{Type: events.EvArrive, Source: s.Player, Text: name + " appears."}, s.ID)
	s.ClearFocus()
	d.notifier.Tell(s, "You are somewhere new.")
	d.notifier.FullView(ctx, s)
	d.notifier.SendScopes(ctx, s)
	return nil
}

func (d *Dispatcher) walk(ctx context.Context, s *session.Session, old, dest worlddb.Place, text, otherText string) error {
	unlock := d.scopeLock(old.World, old.Scope)
	defer unlock()

	d.notifier.Broadcast(old, events.Event{Type: events.EvDepart, Source: s.Player, Text: otherText}, s.ID)
	if _, err := d.res.Rebind(s, dest); err != nil {
		return err
	}
	d.savePlace(ctx, s)
	d.notifier.Notify(ctx, events.Mutation{Kind: events.MutPopulace, Place: old})
	d.notifier.Notify(ctx, events.Mutation{Kind: events.MutPopulace, Place: dest})
	d.notifier.Broadcast(dest, events.Event{Type: events.EvArrive, Source: s.Player, Text: s.Name() + " arrives."}, s.ID)
	s.ClearFocus()
	if text != "" {
		d.notifier.Tell(s, d.feedText(s, text))
	}
	d.notifier.FullView(ctx, s)
	return nil
}

// portalDest resolves where a portal leads for player.
func (d *Dispatcher) portalDest(ctx context.Context, player worlddb.PlayerID, p worlddb.Portal) (worlddb.Place, error) {
	w, err := d.store.GetWorld(ctx, p.World)
	if errors.Is(err, worlddb.ErrNotFound) {
		return worlddb.Place{}, clientErrorf("Destination world not found.")
	}
	if err != nil {
		return worlddb.Place{}, fmt.Errorf("dispatch: portal world: %w", err)
	}
	if _, err := d.store.GetLocation(ctx, w.ID, p.Location); err != nil {
		if errors.Is(err, worlddb.ErrNotFound) {
			return worlddb.Place{}, clientErrorf("Destination location not found.")
		}
		return worlddb.Place{}, fmt.Errorf("dispatch: portal location: %w", err)
	}
	scope, err := d.res.ResolveScope(ctx, player, w.ID, p.ScopeRef)
	if err != nil {
		return worlddb.Place{}, clientErrorf("You cannot reach that instance.")
	}
	return worlddb.Place{World: w.ID, Scope: scope, Location: p.Location}, nil
}
