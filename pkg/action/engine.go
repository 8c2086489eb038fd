// Package action runs world actions: the links a player clicks in a
// description. An action never touches sessions; it returns the mutations
// the dispatcher applies.
package action

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/crystal-mush/tworld/pkg/collab"
	"github.com/crystal-mush/tworld/pkg/events"
	"github.com/crystal-mush/tworld/pkg/worlddb"
)

// Action target prefixes. Anything else names a property visible at the
// player's location.
const (
	PlayerPrefix     = "player:"
	CopyPortalPrefix = "copyportal:"
	EditStrPrefix    = "editstr:"
	PortListPrefix   = "portlist:"
)

// MaxEditStr bounds a string typed into an editstr field.
const MaxEditStr = 256

// Refusal is an error whose text is shown to the player as is.
type Refusal string

func (r Refusal) Error() string { return string(r) }

var (
	// ErrBetweenWorlds is returned when the player is not bound anywhere.
	ErrBetweenWorlds = Refusal("You are between worlds.")
	// ErrNotUnderstood is returned for targets that resolve to nothing.
	ErrNotUnderstood = Refusal("Action not understood.")
	// ErrUnsupported is returned for code properties. Scripts are run by
	// an external engine when one is configured.
	ErrUnsupported = Refusal("That does nothing here.")
	// ErrAlreadyCopied is returned when a portal is already in the list.
	ErrAlreadyCopied = Refusal("This portal is already in your collection.")
	// ErrEditConflict is returned when an editstr write lost a race.
	ErrEditConflict = Refusal("Someone else changed that first.")
)

// Context is what the engine knows about the caller.
type Context struct {
	Session string
	Place   worlddb.Place
	// Val is the typed value for editstr actions.
	Val *string
}

// Engine invokes one action for a player.
type Engine interface {
	InvokeAction(ctx context.Context, player worlddb.PlayerID, actionID string, actx Context) ([]events.Mutation, error)
}

// Editor is the part of the edit coordinator actions write through.
type Editor interface {
	AddProperty(ctx context.Context, table worlddb.TableKey, key string, val worlddb.Value) (worlddb.Property, error)
	CommitEdit(ctx context.Context, table worlddb.TableKey, id worlddb.PropID, expected uint64, val worlddb.Value) (collab.Result[worlddb.Property], error)
	AddPortal(ctx context.Context, p worlddb.Portal, pl collab.Placement) (worlddb.Portal, error)
}

// Basic resolves actions against the property tables visible at the
// player's location.
type Basic struct {
	store  worlddb.Store
	editor Editor
}

// NewBasic creates the built-in engine.
func NewBasic(store worlddb.Store, editor Editor) *Basic {
	return &Basic{store: store, editor: editor}
}

// InvokeAction implements Engine.
func (b *Basic) InvokeAction(ctx context.Context, player worlddb.PlayerID, actionID string, actx Context) ([]events.Mutation, error) {
	if actx.Place.IsZero() {
		return nil, ErrBetweenWorlds
	}
	focus := func(target string) []events.Mutation {
		return []events.Mutation{{Kind: events.MutFocus, Session: actx.Session, Player: player, Target: target}}
	}

	switch {
	case strings.HasPrefix(actionID, PlayerPrefix):
		return focus(actionID), nil
	case strings.HasPrefix(actionID, CopyPortalPrefix):
		return b.copyPortal(ctx, player, strings.TrimPrefix(actionID, CopyPortalPrefix))
	case strings.HasPrefix(actionID, EditStrPrefix):
		return b.editStr(ctx, player, strings.TrimPrefix(actionID, EditStrPrefix), actx)
	}

	prop, err := b.visible(ctx, actx.Place, actionID)
	if err != nil {
		return nil, err
	}
	v := prop.Value
	switch v.Kind {
	case worlddb.KindText:
		return focus(prop.Key), nil
	case worlddb.KindEditStr:
		return focus(EditStrPrefix + prop.Key), nil
	case worlddb.KindPortList:
		return focus(PortListPrefix + string(v.PortList)), nil
	case worlddb.KindMove:
		dest := worlddb.Place{World: actx.Place.World, Scope: actx.Place.Scope, Location: v.Loc}
		return []events.Mutation{{Kind: events.MutMove, Player: player, Session: actx.Session, Place: dest, Text: v.Text, OtherText: v.OtherText}}, nil
	case worlddb.KindEvent:
		return []events.Mutation{{Kind: events.MutFeed, Player: player, Session: actx.Session, Place: actx.Place, Text: v.Text, OtherText: v.OtherText}}, nil
	case worlddb.KindCode:
		return nil, ErrUnsupported
	}
	return nil, ErrNotUnderstood
}

// visible finds key in the innermost table at place that has it.
func (b *Basic) visible(ctx context.Context, place worlddb.Place, key string) (worlddb.Property, error) {
	for _, t := range worlddb.VisibleTables(place) {
		props, err := worlddb.RetryRead(ctx, func(ctx context.Context) ([]worlddb.Property, error) {
			return b.store.ListProperties(ctx, t)
		})
		if err != nil {
			return worlddb.Property{}, fmt.Errorf("action: %s: %w", t, err)
		}
		for _, p := range props {
			if p.Key == key {
				return p, nil
			}
		}
	}
	return worlddb.Property{}, ErrNotUnderstood
}

// editStr stores a typed string in the instance table under the key the
// editstr property names.
func (b *Basic) editStr(ctx context.Context, player worlddb.PlayerID, key string, actx Context) ([]events.Mutation, error) {
	if actx.Val == nil {
		return nil, Refusal("No value given for editstr.")
	}
	def, err := b.visible(ctx, actx.Place, key)
	if err != nil {
		return nil, err
	}
	if def.Value.Kind != worlddb.KindEditStr {
		return nil, ErrNotUnderstood
	}
	val := *actx.Val
	for utf8.RuneCountInString(val) > MaxEditStr {
		_, size := utf8.DecodeLastRuneInString(val)
		val = val[:len(val)-size]
	}
	raw, err := json.Marshal(val)
	if err != nil {
		return nil, err
	}
	newVal := worlddb.Value{Kind: worlddb.KindPlain, Plain: raw}

	table := worlddb.TableKey{Kind: worlddb.TableInstance, World: actx.Place.World, Scope: actx.Place.Scope, Location: actx.Place.Location}
	props, err := b.store.ListProperties(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("action: %s: %w", table, err)
	}
	var cur *worlddb.Property
	for i := range props {
		if props[i].Key == def.Value.Key {
			cur = &props[i]
		}
	}
	if cur == nil {
		if _, err := b.editor.AddProperty(ctx, table, def.Value.Key, newVal); err != nil {
			return nil, err
		}
	} else {
		res, err := b.editor.CommitEdit(ctx, table, cur.ID, cur.Version, newVal)
		if err != nil {
			return nil, err
		}
		if !res.Committed() {
			return nil, ErrEditConflict
		}
	}
	if def.Value.OtherText == "" {
		return nil, nil
	}
	return []events.Mutation{{Kind: events.MutFeed, Player: player, Session: actx.Session, Place: actx.Place, OtherText: def.Value.OtherText}}, nil
}

// copyPortal adds a copy of a portal to the player's own list. ref is
// "list/portal".
func (b *Basic) copyPortal(ctx context.Context, player worlddb.PlayerID, ref string) ([]events.Mutation, error) {
	listID, portID, ok := strings.Cut(ref, "/")
	if !ok {
		return nil, ErrNotUnderstood
	}
	src, err := b.store.GetPortal(ctx, worlddb.PortalListID(listID), worlddb.PortalID(portID))
	if errors.Is(err, worlddb.ErrNotFound) {
		return nil, Refusal("Portal not found.")
	}
	if err != nil {
		return nil, fmt.Errorf("action: portal %s: %w", ref, err)
	}
	p, err := b.store.GetPlayer(ctx, player)
	if err != nil {
		return nil, fmt.Errorf("action: player %s: %w", player, err)
	}
	if p.PortList == "" {
		return nil, Refusal("You have no portal collection.")
	}
	mine, err := b.store.ListPortals(ctx, p.PortList)
	if err != nil {
		return nil, fmt.Errorf("action: portal list: %w", err)
	}
	for _, q := range mine {
		if q.World == src.World && q.Location == src.Location && q.ScopeRef == src.ScopeRef {
			return nil, ErrAlreadyCopied
		}
	}

	copied := worlddb.Portal{
		List:       p.PortList,
		World:      src.World,
		Location:   src.Location,
		ScopeRef:   src.ScopeRef,
		Creator:    player,
		Instancing: src.Instancing,
	}
	if _, err := b.editor.AddPortal(ctx, copied, collab.Placement{}); err != nil {
		return nil, err
	}
	return []events.Mutation{{Kind: events.MutFeed, Player: player, Text: "You copy the portal to your collection."}}, nil
}
