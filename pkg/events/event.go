package events

import "github.com/crystal-mush/tworld/pkg/worlddb"

// EventType classifies feed events.
type EventType int

const (
	EvText       EventType = iota // Plain feed text
	EvSay                         // Speech
	EvPose                        // Pose/emote
	EvArrive                      // Someone entered the location
	EvDepart                      // Someone left the location
	EvConnect                     // Player connected
	EvDisconnect                  // Player disconnected
	EvHoller                      // Admin broadcast
	EvAction                      // Text produced by a world action
)

// String returns a human-readable name for the event type.
func (t EventType) String() string {
	switch t {
	case EvText:
		return "text"
	case EvSay:
		return "say"
	case EvPose:
		return "pose"
	case EvArrive:
		return "arrive"
	case EvDepart:
		return "depart"
	case EvConnect:
		return "connect"
	case EvDisconnect:
		return "disconnect"
	case EvHoller:
		return "holler"
	case EvAction:
		return "action"
	default:
		return "unknown"
	}
}

// Event is a line of feed text flowing through the bus. Target is the
// session the event is addressed to; global subscribers see it once with
// Target empty.
type Event struct {
	Type   EventType
	Target string
	Source worlddb.PlayerID
	Place  worlddb.Place
	Text   string
}
