package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/crystal-mush/tworld/pkg/action"
	"github.com/crystal-mush/tworld/pkg/collab"
	"github.com/crystal-mush/tworld/pkg/events"
	"github.com/crystal-mush/tworld/pkg/markup"
	"github.com/crystal-mush/tworld/pkg/session"
	"github.com/crystal-mush/tworld/pkg/worlddb"
	"go.uber.org/zap"
)

// Action targets handled by the dispatcher itself rather than the engine.
const (
	SelfDescTarget  = "$selfdesc"
	InstancesTarget = "$instances"
)

func cmdAction(ctx context.Context, d *Dispatcher, s *session.Session, p ActionCmd) error {
	place, err := bound(s)
	if err != nil {
		return err
	}
	switch p.Action {
	case SelfDescTarget:
		return d.focusOn(ctx, s, p.Action)
	case InstancesTarget:
		d.notifier.SendScopes(ctx, s)
		return nil
	}
	muts, err := d.engine.InvokeAction(ctx, s.Player, p.Action, action.Context{
		Session: string(s.ID),
		Place:   place,
		Val:     p.Val,
	})
	if err != nil {
		return err
	}
	return d.apply(ctx, s, muts)
}

// apply carries out the mutations an action returned. Moves, feed text and
// focus changes of the acting session are handled here; everything else is
// a committed change that only needs fanning out.
func (d *Dispatcher) apply(ctx context.Context, s *session.Session, muts []events.Mutation) error {
	for _, m := range muts {
		switch m.Kind {
		case events.MutFocus:
			if m.Session != "" && m.Session != string(s.ID) {
				d.notifier.Notify(ctx, m)
				continue
			}
			if err := d.focusOn(ctx, s, m.Target); err != nil {
				return err
			}
		case events.MutMove:
			if err := d.travel(ctx, s, m.Place, m.Text, m.OtherText); err != nil {
				return err
			}
		case events.MutFeed:
			if m.Text != "" {
				d.notifier.Tell(s, d.feedText(s, m.Text))
			}
			if m.OtherText != "" {
				place := m.Place
				if place.IsZero() {
					place = s.Binding()
				}
				d.notifier.Broadcast(place, events.Event{Type: events.EvAction, Source: s.Player, Text: d.feedText(s, m.OtherText)}, s.ID)
			}
		default:
			d.notifier.Notify(ctx, m)
		}
	}
	return nil
}

// focusOn points the focus pane of s at target.
func (d *Dispatcher) focusOn(ctx context.Context, s *session.Session, target string) error {
	place, err := bound(s)
	if err != nil {
		return err
	}
	d.releaseFocus(ctx, s)

	switch {
	case target == SelfDescTarget:
		pl, err := d.player(ctx, s.Player)
		if err != nil {
			return err
		}
		s.SetFocus(session.Focus{Kind: session.FocusSelfDesc, Target: string(pl.ID), Desc: markup.Plain(pl.Desc)})
		return nil

	case strings.HasPrefix(target, action.PortListPrefix):
		id := worlddb.PortalListID(strings.TrimPrefix(target, action.PortListPrefix))
		list, err := d.store.GetPortalList(ctx, id)
		if errors.Is(err, worlddb.ErrNotFound) {
			return action.ErrNotUnderstood
		}
		if err != nil {
			return fmt.Errorf("dispatch: portal list %s: %w", id, err)
		}
		d.res.SubscribePortList(s, id)
		d.notifier.SendPortList(ctx, s, id)
		desc := markup.Plain("A collection of portals.")
		if list.Owner == s.Player {
			desc = markup.Plain("Your collection of portals.")
		}
		s.SetFocus(session.Focus{Kind: session.FocusPortList, Target: string(id), Desc: desc})
		return nil

	case strings.HasPrefix(target, action.EditStrPrefix):
		return d.editStrFocus(ctx, s, place, strings.TrimPrefix(target, action.EditStrPrefix))
	}

	f, ok, err := d.notifier.Describer().Focus(ctx, s, place, session.Focus{Kind: session.FocusDesc, Target: target})
	if err != nil {
		return err
	}
	if !ok {
		return action.ErrNotUnderstood
	}
	s.SetFocus(f)
	return nil
}

// releaseFocus drops the subscription a focused foreign portal list holds.
func (d *Dispatcher) releaseFocus(ctx context.Context, s *session.Session) {
	f := s.Focus()
	if f.Kind != session.FocusPortList {
		return
	}
	id := worlddb.PortalListID(f.Target)
	if list, err := d.store.GetPortalList(ctx, id); err == nil && list.Owner == s.Player {
		return
	}
	d.res.UnsubscribePortList(s, id)
}

// editStrFocus shows the editable string named by key with its current
// value from the instance table.
func (d *Dispatcher) editStrFocus(ctx context.Context, s *session.Session, place worlddb.Place, key string) error {
	var def *worlddb.Property
	var current string
	for _, t := range worlddb.VisibleTables(place) {
		props, err := worlddb.RetryRead(ctx, func(ctx context.Context) ([]worlddb.Property, error) {
			return d.store.ListProperties(ctx, t)
		})
		if err != nil {
			return fmt.Errorf("dispatch: %s: %w", t, err)
		}
		for i := range props {
			if def == nil && props[i].Key == key {
				def = &props[i]
			}
		}
		if def != nil {
			break
		}
	}
	if def == nil || def.Value.Kind != worlddb.KindEditStr {
		return action.ErrNotUnderstood
	}

	inst := worlddb.VisibleTables(place)[0]
	props, err := d.store.ListProperties(ctx, inst)
	if err != nil {
		return fmt.Errorf("dispatch: %s: %w", inst, err)
	}
	for _, p := range props {
		if p.Key != def.Value.Key || p.Value.Kind != worlddb.KindPlain {
			continue
		}
		if err := json.Unmarshal(p.Value.Plain, &current); err != nil {
			d.log.Debug("editstr value is not a string",
				zap.String("key", p.Key), zap.Stringer("table", inst), zap.Error(err))
			current = string(p.Value.Plain)
		}
	}

	label := def.Value.Text
	if label == "" {
		label = key
	}
	desc := markup.Description{markup.Text{Text: label}, markup.ParaBreak{}, markup.Text{Text: current}}
	s.SetFocus(session.Focus{Kind: session.FocusEditStr, Target: key, Desc: desc})
	return nil
}

func cmdSelfDesc(ctx context.Context, d *Dispatcher, s *session.Session, p SelfDescCmd) error {
	unlock := d.players.Lock(string(s.Player))
	defer unlock()

	pl, err := d.player(ctx, s.Player)
	if err != nil {
		return err
	}
	if p.Pronoun != nil {
		pl.Pronoun = *p.Pronoun
	}
	if p.Desc != nil {
		desc := strings.TrimSpace(*p.Desc)
		for utf8.RuneCountInString(desc) > worlddb.MaxDescLength {
			_, size := utf8.DecodeLastRuneInString(desc)
			desc = desc[:len(desc)-size]
		}
		pl.Desc = desc
	}
	if err := d.store.PutPlayer(ctx, pl); err != nil {
		return fmt.Errorf("dispatch: save player %s: %w", pl.ID, err)
	}
	d.notifier.Notify(ctx, events.Mutation{Kind: events.MutSelfDesc, Player: pl.ID})
	return nil
}

func cmdUIPrefs(_ context.Context, _ *Dispatcher, s *session.Session, p UIPrefsCmd) error {
	s.UpdateUIPrefs(p.Map)
	return nil
}

func cmdDropFocus(ctx context.Context, d *Dispatcher, s *session.Session, _ DropFocusCmd) error {
	d.releaseFocus(ctx, s)
	s.ClearFocus()
	return nil
}

// ownList returns the id of the player's own portal list.
func (d *Dispatcher) ownList(ctx context.Context, s *session.Session) (worlddb.PortalListID, error) {
	pl, err := d.player(ctx, s.Player)
	if err != nil {
		return "", err
	}
	if pl.PortList == "" {
		return "", clientErrorf("You have no portal collection.")
	}
	return pl.PortList, nil
}

// listFor resolves the list a portal command refers to. Other players'
// lists are only reachable while this session shows them.
func (d *Dispatcher) listFor(ctx context.Context, s *session.Session, id worlddb.PortalListID) (worlddb.PortalListID, bool, error) {
	own, err := d.ownList(ctx, s)
	if err != nil {
		return "", false, err
	}
	if id == "" || id == own {
		return own, true, nil
	}
	for _, sub := range s.PortLists() {
		if sub == id {
			return id, false, nil
		}
	}
	return "", false, clientErrorf("That portal collection is not open.")
}

func (d *Dispatcher) portal(ctx context.Context, list worlddb.PortalListID, id worlddb.PortalID, own bool) (worlddb.Portal, error) {
	p, err := d.store.GetPortal(ctx, list, id)
	if errors.Is(err, worlddb.ErrNotFound) {
		if own {
			return p, clientErrorf("No such portal in your collection.")
		}
		return p, clientErrorf("No such portal.")
	}
	if err != nil {
		return p, fmt.Errorf("dispatch: portal %s: %w", id, err)
	}
	return p, nil
}

func cmdPlistSelect(ctx context.Context, d *Dispatcher, s *session.Session, p PlistSelectCmd) error {
	if _, err := bound(s); err != nil {
		return err
	}
	listID, own, err := d.listFor(ctx, s, p.PortList)
	if err != nil {
		return err
	}
	portal, err := d.portal(ctx, listID, p.PortID, own)
	if err != nil {
		return err
	}
	var preferred worlddb.PortalID
	if list, err := d.store.GetPortalList(ctx, listID); err == nil {
		preferred = list.Preferred
	}
	view := d.notifier.Describer().PortalView(ctx, portal, preferred)

	desc := markup.Description{markup.Text{Text: fmt.Sprintf("This portal leads to %s, in %s. %s", view.Location, view.World, view.Scope)}}
	if !own {
		if w, err := d.store.GetWorld(ctx, portal.World); err == nil && w.Copyable {
			ref := action.CopyPortalPrefix + string(listID) + "/" + string(portal.ID)
			desc = append(desc, markup.ParaBreak{}, markup.LinkTo(ref, "Copy this portal to your collection."))
		}
	}
	s.SetFocus(session.Focus{Kind: session.FocusPortal, Target: string(listID) + "/" + string(portal.ID), Desc: desc})
	return nil
}

func cmdPortStart(ctx context.Context, d *Dispatcher, s *session.Session, p PortStartCmd) error {
	if _, err := bound(s); err != nil {
		return err
	}
	listID, own, err := d.listFor(ctx, s, p.PortList)
	if err != nil {
		return err
	}
	portal, err := d.portal(ctx, listID, p.PortID, own)
	if err != nil {
		return err
	}
	dest, err := d.portalDest(ctx, s.Player, portal)
	if err != nil {
		return err
	}
	return d.travel(ctx, s, dest, "", "")
}

func cmdDeleteOwnPortal(ctx context.Context, d *Dispatcher, s *session.Session, p DeleteOwnPortalCmd) error {
	listID, err := d.ownList(ctx, s)
	if err != nil {
		return err
	}
	portal, err := d.portal(ctx, listID, p.PortID, true)
	if err != nil {
		return err
	}
	res, err := d.coord.DeletePortal(ctx, listID, portal.ID, portal.Version)
	if err != nil {
		return err
	}
	if !res.Committed() {
		d.notifier.SendPortList(ctx, s, listID)
		return clientErrorf("That portal changed before it could be removed.")
	}
	if f := s.Focus(); f.Kind == session.FocusPortal && f.Target == string(listID)+"/"+string(portal.ID) {
		s.ClearFocus()
	}
	d.notifier.Tell(s, "You remove the portal from your collection.")
	return nil
}

func cmdSetPreferredPortal(ctx context.Context, d *Dispatcher, s *session.Session, p SetPreferredPortalCmd) error {
	listID, err := d.ownList(ctx, s)
	if err != nil {
		return err
	}
	if p.PortID == "" {
		if err := d.coord.SetPreferred(ctx, listID, ""); err != nil {
			return err
		}
		d.notifier.Tell(s, "Panic portal cleared.")
		return nil
	}
	portal, err := d.portal(ctx, listID, p.PortID, true)
	if err != nil {
		return err
	}
	if err := d.coord.SetPreferred(ctx, listID, portal.ID); err != nil {
		return err
	}
	view := d.notifier.Describer().PortalView(ctx, portal, portal.ID)
	d.notifier.Tell(s, fmt.Sprintf("Panic portal set to %s, %s.", view.World, view.Location))
	return nil
}

func cmdPortalMove(ctx context.Context, d *Dispatcher, s *session.Session, p PortalMoveCmd) error {
	listID, err := d.ownList(ctx, s)
	if err != nil {
		return err
	}
	res, err := d.coord.MovePortal(ctx, listID, p.PortID, p.Version, collab.Placement{Before: p.Before, After: p.After})
	if errors.Is(err, collab.ErrNoSuchPortal) || errors.Is(err, worlddb.ErrNotFound) {
		return clientErrorf("No such portal in your collection.")
	}
	if err != nil {
		return err
	}
	if !res.Committed() {
		// The client reorders optimistically; put it back in step.
		d.notifier.SendPortList(ctx, s, listID)
	}
	return nil
}
