package fanout

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/crystal-mush/tworld/pkg/events"
	"github.com/crystal-mush/tworld/pkg/markup"
	"github.com/crystal-mush/tworld/pkg/presence"
	"github.com/crystal-mush/tworld/pkg/session"
	"github.com/crystal-mush/tworld/pkg/worlddb"
)

// PlayerTarget is the link target prefix for a player in the populace line.
const PlayerTarget = "player:"

// Describer renders the panes of a client's view from world state.
type Describer struct {
	store worlddb.Store
	res   *presence.Resolver
}

// NewDescriber creates a describer reading from store.
func NewDescriber(store worlddb.Store, res *presence.Resolver) *Describer {
	return &Describer{store: store, res: res}
}

func (d *Describer) world(ctx context.Context, id worlddb.WorldID) (worlddb.World, error) {
	return worlddb.RetryRead(ctx, func(ctx context.Context) (worlddb.World, error) {
		return d.store.GetWorld(ctx, id)
	})
}

func (d *Describer) playerName(ctx context.Context, id worlddb.PlayerID) string {
	if id == "" {
		return ""
	}
	p, err := worlddb.RetryRead(ctx, func(ctx context.Context) (worlddb.Player, error) {
		return d.store.GetPlayer(ctx, id)
	})
	if err != nil {
		return string(id)
	}
	return p.Name
}

// World renders the world pane header.
func (d *Describer) World(ctx context.Context, place worlddb.Place) (*events.WorldInfo, error) {
	w, err := d.world(ctx, place.World)
	if err != nil {
		return nil, fmt.Errorf("fanout: world %s: %w", place.World, err)
	}
	label, err := d.scopeLabel(ctx, place.Scope)
	if err != nil {
		return nil, err
	}
	return &events.WorldInfo{World: w.Name, Scope: label, Creator: d.playerName(ctx, w.Creator)}, nil
}

func (d *Describer) scopeLabel(ctx context.Context, id worlddb.ScopeID) (string, error) {
	sc, err := worlddb.RetryRead(ctx, func(ctx context.Context) (worlddb.Scope, error) {
		return d.store.GetScope(ctx, id)
	})
	if err != nil {
		return "", fmt.Errorf("fanout: scope %s: %w", id, err)
	}
	return sc.Label(d.playerName(ctx, sc.Owner)), nil
}

// Locale renders the location name and description, with [[name]]
// interpolations taken from the instance, location and world tables in
// that order.
func (d *Describer) Locale(ctx context.Context, place worlddb.Place) (*events.Locale, error) {
	loc, err := worlddb.RetryRead(ctx, func(ctx context.Context) (worlddb.Location, error) {
		return d.store.GetLocation(ctx, place.World, place.Location)
	})
	if err != nil {
		return nil, fmt.Errorf("fanout: location %s/%s: %w", place.World, place.Location, err)
	}
	lookup, err := d.lookup(ctx, place)
	if err != nil {
		return nil, err
	}
	desc, _ := markup.Parse(loc.Desc)
	return &events.Locale{Name: loc.Name, Desc: markup.Render(desc, lookup)}, nil
}

// properties returns the visible properties at place by key.
func (d *Describer) properties(ctx context.Context, place worlddb.Place) (map[string]worlddb.Property, error) {
	props := make(map[string]worlddb.Property)
	for _, t := range worlddb.VisibleTables(place) {
		list, err := worlddb.RetryRead(ctx, func(ctx context.Context) ([]worlddb.Property, error) {
			return d.store.ListProperties(ctx, t)
		})
		if err != nil {
			return nil, fmt.Errorf("fanout: properties %s: %w", t, err)
		}
		for _, p := range list {
			if _, ok := props[p.Key]; !ok {
				props[p.Key] = p
			}
		}
	}
	return props, nil
}

func (d *Describer) lookup(ctx context.Context, place worlddb.Place) (markup.Lookup, error) {
	props, err := d.properties(ctx, place)
	if err != nil {
		return nil, err
	}
	return func(name string) (string, bool) {
		p, ok := props[name]
		if !ok {
			return "", false
		}
		switch p.Value.Kind {
		case worlddb.KindText:
			return markup.PlainText(mustParse(p.Value.Text)), true
		case worlddb.KindPlain:
			return strings.Trim(string(p.Value.Plain), `"`), true
		}
		return "", false
	}, nil
}

func mustParse(src string) markup.Description {
	desc, _ := markup.Parse(src)
	return desc
}

// Populace renders "You see A, B, and C here." for the other players bound
// at place, in arrival order. It is empty when s is alone.
func (d *Describer) Populace(s *session.Session, place worlddb.Place) markup.Description {
	seen := map[worlddb.PlayerID]bool{s.Player: true}
	var names []markup.Node
	for _, other := range d.res.SessionsAt(place) {
		if seen[other.Player] {
			continue
		}
		seen[other.Player] = true
		names = append(names, markup.LinkTo(PlayerTarget+string(other.Player), other.Name()))
	}
	if len(names) == 0 {
		return markup.Description{}
	}
	out := markup.Description{markup.Text{Text: "You see "}}
	out = append(out, markup.List(names)...)
	return append(out, markup.Text{Text: " here."})
}

// InstTool renders the instance selector line. Only standard worlds let
// the player pick a scope, so the line is empty elsewhere.
func (d *Describer) InstTool(ctx context.Context, place worlddb.Place) (markup.Description, error) {
	w, err := d.world(ctx, place.World)
	if err != nil {
		return nil, fmt.Errorf("fanout: world %s: %w", place.World, err)
	}
	if w.Instancing != worlddb.InstancingStandard && w.Instancing != "" {
		return markup.Description{}, nil
	}
	label, err := d.scopeLabel(ctx, place.Scope)
	if err != nil {
		return nil, err
	}
	return markup.Description{markup.Text{Text: "You are in "}, markup.LinkTo("$instances", label), markup.Text{Text: "."}}, nil
}

// Focus recomputes a plain description focus for s at place. ok is false
// when the focused thing is no longer visible and the pane must be
// cleared. Special foci are returned unchanged.
func (d *Describer) Focus(ctx context.Context, s *session.Session, place worlddb.Place, f session.Focus) (session.Focus, bool, error) {
	switch f.Kind {
	case session.FocusNone:
		return f, false, nil
	case session.FocusSelfDesc:
		p, err := d.store.GetPlayer(ctx, s.Player)
		if err != nil {
			return f, false, fmt.Errorf("fanout: player %s: %w", s.Player, err)
		}
		f.Desc = markup.Plain(p.Desc)
		return f, true, nil
	case session.FocusDesc:
	default:
		return f, true, nil
	}

	if id, ok := strings.CutPrefix(f.Target, PlayerTarget); ok {
		pid := worlddb.PlayerID(id)
		present := pid == s.Player
		for _, other := range d.res.SessionsAt(place) {
			if other.Player == pid {
				present = true
				break
			}
		}
		if !present {
			return session.Focus{}, false, nil
		}
		p, err := d.store.GetPlayer(ctx, pid)
		if errors.Is(err, worlddb.ErrNotFound) {
			return session.Focus{}, false, nil
		}
		if err != nil {
			return f, false, fmt.Errorf("fanout: player %s: %w", pid, err)
		}
		f.Desc = d.playerDesc(p)
		return f, true, nil
	}

	props, err := d.properties(ctx, place)
	if err != nil {
		return f, false, err
	}
	p, ok := props[f.Target]
	if !ok || p.Value.Kind != worlddb.KindText {
		return session.Focus{}, false, nil
	}
	lookup, err := d.lookup(ctx, place)
	if err != nil {
		return f, false, err
	}
	f.Desc = markup.Render(mustParse(p.Value.Text), lookup)
	return f, true, nil
}

func (d *Describer) playerDesc(p worlddb.Player) markup.Description {
	if p.Desc == "" {
		return markup.Plain(p.Name + " is here.")
	}
	return mustParse(p.Desc)
}

// PlayerDesc renders what another player sees when focusing on p.
func (d *Describer) PlayerDesc(ctx context.Context, id worlddb.PlayerID) (markup.Description, error) {
	p, err := d.store.GetPlayer(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("fanout: player %s: %w", id, err)
	}
	return d.playerDesc(p), nil
}

// PortalView renders one portal list entry.
func (d *Describer) PortalView(ctx context.Context, p worlddb.Portal, preferred worlddb.PortalID) events.PortalView {
	view := events.PortalView{
		ID:         p.ID,
		ListPos:    p.Position,
		World:      string(p.World),
		Location:   string(p.Location),
		Scope:      p.ScopeRef,
		Creator:    d.playerName(ctx, p.Creator),
		Instancing: p.Instancing,
		Preferred:  p.ID == preferred,
		Version:    p.Version,
	}
	if w, err := d.world(ctx, p.World); err == nil {
		view.World = w.Name
	}
	if loc, err := d.store.GetLocation(ctx, p.World, p.Location); err == nil {
		view.Location = loc.Name
	}
	switch p.ScopeRef {
	case worlddb.ScopeRefPersonal:
		view.Scope = "(Personal instance)"
	case worlddb.ScopeRefGlobal:
		view.Scope = "(Global instance)"
	case worlddb.ScopeRefSame:
		view.Scope = "(Same instance)"
	default:
		if label, err := d.scopeLabel(ctx, worlddb.ScopeID(p.ScopeRef)); err == nil {
			view.Scope = label
		}
	}
	return view
}

// Scopes lists the scopes available to player: the global scope, their
// personal scope if they have one, and any group scope they are in.
func (d *Describer) Scopes(ctx context.Context, player worlddb.PlayerID, current worlddb.ScopeID) ([]events.ScopeView, error) {
	glob, err := worlddb.RetryRead(ctx, d.store.GlobalScope)
	if err != nil {
		return nil, fmt.Errorf("fanout: global scope: %w", err)
	}
	p, err := d.store.GetPlayer(ctx, player)
	if err != nil {
		return nil, fmt.Errorf("fanout: player %s: %w", player, err)
	}
	ids := []worlddb.ScopeID{glob.ID}
	if p.Scope != "" {
		ids = append(ids, p.Scope)
	}
	if current != "" && current != glob.ID && current != p.Scope {
		ids = append(ids, current)
	}
	out := make([]events.ScopeView, 0, len(ids))
	for _, id := range ids {
		sc, err := d.store.GetScope(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, events.ScopeView{ID: sc.ID, Type: sc.Type, Label: sc.Label(d.playerName(ctx, sc.Owner)), SortKey: sc.SortKey})
	}
	return out, nil
}
