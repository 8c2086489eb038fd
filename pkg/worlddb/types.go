package worlddb

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
)

// Identifier types. All of them are opaque strings; new values come from NewID.
type (
	PlayerID     string
	WorldID      string
	ScopeID      string
	LocationKey  string
	PropID       string
	PortalID     string
	PortalListID string
)

// NewID returns a fresh random identifier.
func NewID() string {
	return uuid.NewString()
}

// NameKey folds a player name for case-insensitive lookup.
func NameKey(name string) string {
	return cases.Fold().String(strings.TrimSpace(name))
}

// ScopeType is the instancing category of a scope.
type ScopeType string

const (
	ScopeGlobal   ScopeType = "glob"
	ScopePersonal ScopeType = "pers"
	ScopeGroup    ScopeType = "grp"
)

// Scope is one instance of every world. Which players are in it is derived
// from session bindings, never stored here.
type Scope struct {
	ID      ScopeID   `json:"id" yaml:"id"`
	Type    ScopeType `json:"type" yaml:"type"`
	Owner   PlayerID  `json:"owner,omitempty" yaml:"owner,omitempty"`
	Group   string    `json:"group,omitempty" yaml:"group,omitempty"`
	SortKey string    `json:"sortkey,omitempty" yaml:"sortkey,omitempty"`
}

// Label is the human-readable instance name shown in the world pane.
// ownerName is only consulted for personal scopes.
func (s Scope) Label(ownerName string) string {
	switch s.Type {
	case ScopeGlobal:
		return "(Global instance)"
	case ScopePersonal:
		if ownerName == "" {
			return "(Personal instance)"
		}
		return "(Personal instance: " + ownerName + ")"
	case ScopeGroup:
		return "(Group: " + s.Group + ")"
	default:
		return "(Unknown instance)"
	}
}

// Instancing controls how a world chooses a scope on arrival.
type Instancing string

const (
	InstancingStandard Instancing = "standard"
	InstancingSolo     Instancing = "solo"
	InstancingShared   Instancing = "shared"
)

// Valid reports whether i is a known instancing mode. The empty value is
// treated as standard.
func (i Instancing) Valid() bool {
	switch i {
	case "", InstancingStandard, InstancingSolo, InstancingShared:
		return true
	}
	return false
}

// World is a named collection of locations.
type World struct {
	ID            WorldID     `json:"id" yaml:"id"`
	Name          string      `json:"name" yaml:"name"`
	Creator       PlayerID    `json:"creator" yaml:"creator"`
	Instancing    Instancing  `json:"instancing" yaml:"instancing"`
	Copyable      bool        `json:"copyable" yaml:"copyable"`
	StartLocation LocationKey `json:"start" yaml:"start"`
}

// Location is a place inside a world. Desc holds description markup.
type Location struct {
	World WorldID     `json:"world" yaml:"world"`
	Key   LocationKey `json:"key" yaml:"key"`
	Name  string      `json:"name" yaml:"name"`
	Desc  string      `json:"desc" yaml:"desc"`
}

// Pronoun values accepted for a player's self description.
const (
	PronounHe   = "he"
	PronounShe  = "she"
	PronounIt   = "it"
	PronounThey = "they"
	PronounName = "name"
)

// ValidPronoun reports whether p is one of the supported pronouns.
func ValidPronoun(p string) bool {
	switch p {
	case PronounHe, PronounShe, PronounIt, PronounThey, PronounName:
		return true
	}
	return false
}

// MaxDescLength is the limit, in runes, of a player's self description.
const MaxDescLength = 256

// Player is a registered account with its in-world presentation.
type Player struct {
	ID           PlayerID     `json:"id" yaml:"id"`
	Name         string       `json:"name" yaml:"name"`
	Pronoun      string       `json:"pronoun" yaml:"pronoun"`
	Desc         string       `json:"desc" yaml:"desc"`
	Scope        ScopeID      `json:"scope" yaml:"scope"`
	PortList     PortalListID `json:"portlist" yaml:"portlist"`
	Admin        bool         `json:"admin,omitempty" yaml:"admin,omitempty"`
	Build        bool         `json:"build,omitempty" yaml:"build,omitempty"`
	PasswordHash []byte       `json:"-" yaml:"-"`
	Created      time.Time    `json:"created" yaml:"created"`
}

// Place is a fully resolved position: a location inside one scope of a world.
type Place struct {
	World    WorldID     `json:"world"`
	Scope    ScopeID     `json:"scope"`
	Location LocationKey `json:"loc"`
}

// IsZero reports whether the place is unset.
func (p Place) IsZero() bool {
	return p == Place{}
}

// InScope reports whether p is inside the same (world, scope) instance as o.
func (p Place) InScope(o Place) bool {
	return p.World == o.World && p.Scope == o.Scope
}

// PlayState is the persisted position of a player between sessions.
type PlayState struct {
	Player    PlayerID  `json:"player"`
	Place     Place     `json:"place"`
	LastMoved time.Time `json:"lastmoved"`
}
