package events

import "github.com/crystal-mush/tworld/pkg/worlddb"

// MutationKind names the part of the world a Mutation changed.
type MutationKind int

const (
	MutLocation MutationKind = iota // location description or properties shown in it
	MutWorld                        // world name or creator
	MutPopulace                     // someone arrived, left or changed their description
	MutProperty                     // one property table row
	MutPortList                     // one portal list entry
	MutScope                        // the set of scopes available to a player
	MutFocus                        // one session's focus pane
	MutSelfDesc                     // a player's own description
	MutMove                         // a player should travel to Place
	MutFeed                         // feed text produced by an action
)

func (k MutationKind) String() string {
	switch k {
	case MutLocation:
		return "location"
	case MutWorld:
		return "world"
	case MutPopulace:
		return "populace"
	case MutProperty:
		return "property"
	case MutPortList:
		return "portlist"
	case MutScope:
		return "scope"
	case MutFocus:
		return "focus"
	case MutSelfDesc:
		return "selfdesc"
	case MutMove:
		return "move"
	case MutFeed:
		return "feed"
	default:
		return "unknown"
	}
}

// Mutation describes one committed change to world state. Which fields are
// set depends on Kind:
//
//	location, populace  Place (an empty Scope or Location matches any)
//	world               Place.World
//	property            Table, Property (Deleted set for removals)
//	portlist            PortList, Portal (Deleted set for removals)
//	scope               Player
//	focus, selfdesc     Session or Player; Target names the new focus
//	move                Player, Place (destination), Text, OtherText
//	feed                Place, Player, Text to the player, OtherText to the rest
type Mutation struct {
	Kind      MutationKind
	Place     worlddb.Place
	Table     worlddb.TableKey
	Property  *worlddb.Property
	PortList  worlddb.PortalListID
	Portal    *worlddb.Portal
	Player    worlddb.PlayerID
	Session   string
	Target    string
	Text      string
	OtherText string
	// Origin is the session whose command caused the change, if any.
	Origin string
}
