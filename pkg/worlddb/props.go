package worlddb

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ValueKind tags the variant held by a Value.
type ValueKind string

const (
	KindText     ValueKind = "text"
	KindCode     ValueKind = "code"
	KindMove     ValueKind = "move"
	KindEvent    ValueKind = "event"
	KindEditStr  ValueKind = "editstr"
	KindPortList ValueKind = "portlist"
	KindPlain    ValueKind = "value"
	KindDatetime ValueKind = "datetime"
)

// Value is the tagged payload of a property. Which fields are meaningful
// depends on Kind:
//
//	text, code   Text
//	move         Loc, Text (message to the mover), OtherText
//	event        Text (to the actor), OtherText (to everyone else)
//	editstr      Text (label), Key (instance property holding the string)
//	portlist     PortList
//	value        Plain (any JSON value)
//	datetime     Time
type Value struct {
	Kind      ValueKind       `json:"type" yaml:"type"`
	Text      string          `json:"text,omitempty" yaml:"text,omitempty"`
	OtherText string          `json:"otext,omitempty" yaml:"otext,omitempty"`
	Loc       LocationKey     `json:"loc,omitempty" yaml:"loc,omitempty"`
	Key       string          `json:"key,omitempty" yaml:"key,omitempty"`
	PortList  PortalListID    `json:"plist,omitempty" yaml:"plist,omitempty"`
	Plain     json.RawMessage `json:"value,omitempty" yaml:"-"`
	Time      time.Time       `json:"at,omitzero" yaml:"at,omitempty"`
}

// ErrInvalidValue is wrapped by Validate failures.
var ErrInvalidValue = errors.New("invalid property value")

// Validate checks that the fields required by Kind are present.
func (v Value) Validate() error {
	switch v.Kind {
	case KindText, KindCode, KindEvent:
	case KindMove:
		if v.Loc == "" {
			return fmt.Errorf("%w: move needs loc", ErrInvalidValue)
		}
	case KindEditStr:
		if v.Key == "" {
			return fmt.Errorf("%w: editstr needs key", ErrInvalidValue)
		}
	case KindPortList:
		if v.PortList == "" {
			return fmt.Errorf("%w: portlist needs plist", ErrInvalidValue)
		}
	case KindPlain:
		if len(v.Plain) == 0 || !json.Valid(v.Plain) {
			return fmt.Errorf("%w: value is not JSON", ErrInvalidValue)
		}
	case KindDatetime:
		if v.Time.IsZero() {
			return fmt.Errorf("%w: datetime needs at", ErrInvalidValue)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidValue, v.Kind)
	}
	return nil
}

// TableKind names the owner of a property table.
type TableKind string

const (
	TableWorld    TableKind = "world"
	TableLocation TableKind = "loc"
	TableInstance TableKind = "inst"
	TablePlayer   TableKind = "player"
)

// TableKey identifies one property table. Only the fields relevant to Kind
// are set.
type TableKey struct {
	Kind     TableKind
	World    WorldID
	Scope    ScopeID
	Location LocationKey
	Player   PlayerID
}

// String encodes the key as used on the wire and as a store key prefix,
// e.g. "loc/w1/start" or "inst/w1/s1/start".
func (k TableKey) String() string {
	switch k.Kind {
	case TableWorld:
		return "world/" + string(k.World)
	case TableLocation:
		return "loc/" + string(k.World) + "/" + string(k.Location)
	case TableInstance:
		return "inst/" + string(k.World) + "/" + string(k.Scope) + "/" + string(k.Location)
	case TablePlayer:
		return "player/" + string(k.World) + "/" + string(k.Player)
	}
	return ""
}

// VisibleTables lists the property tables an occupant of place can see,
// innermost first. A key in an inner table hides the same key further out.
func VisibleTables(place Place) []TableKey {
	return []TableKey{
		{Kind: TableInstance, World: place.World, Scope: place.Scope, Location: place.Location},
		{Kind: TableLocation, World: place.World, Location: place.Location},
		{Kind: TableWorld, World: place.World},
	}
}

// ParseTableKey is the inverse of TableKey.String.
func ParseTableKey(s string) (TableKey, error) {
	parts := strings.Split(s, "/")
	bad := fmt.Errorf("worlddb: bad table key %q", s)
	for _, p := range parts {
		if p == "" {
			return TableKey{}, bad
		}
	}
	switch TableKind(parts[0]) {
	case TableWorld:
		if len(parts) == 2 {
			return TableKey{Kind: TableWorld, World: WorldID(parts[1])}, nil
		}
	case TableLocation:
		if len(parts) == 3 {
			return TableKey{Kind: TableLocation, World: WorldID(parts[1]), Location: LocationKey(parts[2])}, nil
		}
	case TableInstance:
		if len(parts) == 4 {
			return TableKey{Kind: TableInstance, World: WorldID(parts[1]), Scope: ScopeID(parts[2]), Location: LocationKey(parts[3])}, nil
		}
	case TablePlayer:
		if len(parts) == 3 {
			return TableKey{Kind: TablePlayer, World: WorldID(parts[1]), Player: PlayerID(parts[2])}, nil
		}
	}
	return TableKey{}, bad
}

// Property is a versioned entry of a property table.
type Property struct {
	ID       PropID    `json:"id"`
	Key      string    `json:"key"`
	Value    Value     `json:"val"`
	Version  uint64    `json:"version"`
	Deleted  bool      `json:"-"`
	Modified time.Time `json:"-"`
}

// Portal is one entry of a portal list: a link to a world location in a
// particular scope.
type Portal struct {
	ID             PortalID     `json:"id"`
	List           PortalListID `json:"-"`
	World          WorldID      `json:"world"`
	Location       LocationKey  `json:"loc"`
	ScopeRef       string       `json:"scope"`
	Creator        PlayerID     `json:"creator"`
	Instancing     Instancing   `json:"instancing"`
	CopyableAction string       `json:"copyable,omitempty"`
	Position       float64      `json:"listpos"`
	Version        uint64       `json:"version"`
	Deleted        bool         `json:"-"`
}

// Portal scope references besides an explicit scope id.
const (
	ScopeRefPersonal = "personal"
	ScopeRefGlobal   = "global"
	ScopeRefSame     = "same"
)

// PortalList is the ordered collection of portals owned by a player.
type PortalList struct {
	ID        PortalListID `json:"id"`
	Owner     PlayerID     `json:"owner"`
	Preferred PortalID     `json:"preferred,omitempty"`
	Version   uint64       `json:"version"`
}

// Prefs holds a player's UI preferences, keyed by preference name.
type Prefs map[string]json.RawMessage

// Merge copies every key of patch into p, later values winning.
func (p Prefs) Merge(patch Prefs) {
	for k, v := range patch {
		p[k] = v
	}
}
