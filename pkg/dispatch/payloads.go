package dispatch

import (
	"encoding/json"

	"github.com/crystal-mush/tworld/pkg/worlddb"
)

// SayCmd speaks to everyone present.
type SayCmd struct {
	Cmd  string `json:"cmd" jsonschema:"const=say"`
	Text string `json:"text"`
}

func (SayCmd) validate() error { return nil }

// PoseCmd acts out text.
type PoseCmd struct {
	Cmd  string `json:"cmd" jsonschema:"const=pose"`
	Text string `json:"text"`
}

func (PoseCmd) validate() error { return nil }

// MetaCmd is a slash command such as "/who".
type MetaCmd struct {
	Cmd  string `json:"cmd" jsonschema:"const=meta"`
	Text string `json:"text"`
}

func (p MetaCmd) validate() error {
	if p.Text == "" {
		return clientErrorf("Empty meta command.")
	}
	return nil
}

// ActionCmd follows a link in a description.
type ActionCmd struct {
	Cmd    string  `json:"cmd" jsonschema:"const=action"`
	Action string  `json:"action"`
	Val    *string `json:"val,omitempty"`
}

func (p ActionCmd) validate() error {
	if p.Action == "" {
		return clientErrorf("Action has no target.")
	}
	return nil
}

// SelfDescCmd changes the player's pronoun and description.
type SelfDescCmd struct {
	Cmd     string  `json:"cmd" jsonschema:"const=selfdesc"`
	Pronoun *string `json:"pronoun,omitempty" jsonschema:"enum=he,enum=she,enum=it,enum=they,enum=name"`
	Desc    *string `json:"desc,omitempty"`
}

func (p SelfDescCmd) validate() error {
	if p.Pronoun == nil && p.Desc == nil {
		return clientErrorf("Nothing to change.")
	}
	if p.Pronoun != nil && !worlddb.ValidPronoun(*p.Pronoun) {
		return clientErrorf("Unknown pronoun %q.", *p.Pronoun)
	}
	return nil
}

// UIPrefsCmd patches client preferences.
type UIPrefsCmd struct {
	Cmd string        `json:"cmd" jsonschema:"const=uiprefs"`
	Map worlddb.Prefs `json:"map"`
}

func (p UIPrefsCmd) validate() error {
	if len(p.Map) == 0 {
		return clientErrorf("No preferences given.")
	}
	for k, v := range p.Map {
		if k == "" || !json.Valid(v) {
			return clientErrorf("Bad preference %q.", k)
		}
	}
	return nil
}

// DropFocusCmd closes the focus pane.
type DropFocusCmd struct {
	Cmd string `json:"cmd" jsonschema:"const=dropfocus"`
}

func (DropFocusCmd) validate() error { return nil }

// PlistSelectCmd focuses a portal. PortList defaults to the player's own.
type PlistSelectCmd struct {
	Cmd      string               `json:"cmd" jsonschema:"const=plistselect"`
	PortID   worlddb.PortalID     `json:"portid"`
	PortList worlddb.PortalListID `json:"plist,omitempty"`
}

func (p PlistSelectCmd) validate() error { return requirePortal(p.PortID) }

// PortStartCmd travels through a portal.
type PortStartCmd struct {
	Cmd      string               `json:"cmd" jsonschema:"const=portstart"`
	PortID   worlddb.PortalID     `json:"portid"`
	PortList worlddb.PortalListID `json:"plist,omitempty"`
}

func (p PortStartCmd) validate() error { return requirePortal(p.PortID) }

// DeleteOwnPortalCmd removes a portal from the player's list.
type DeleteOwnPortalCmd struct {
	Cmd    string           `json:"cmd" jsonschema:"const=deleteownportal"`
	PortID worlddb.PortalID `json:"portid"`
}

func (p DeleteOwnPortalCmd) validate() error { return requirePortal(p.PortID) }

// SetPreferredPortalCmd picks the portal /panic uses. An empty id clears it.
type SetPreferredPortalCmd struct {
	Cmd    string           `json:"cmd" jsonschema:"const=setpreferredportal"`
	PortID worlddb.PortalID `json:"portid"`
}

func (SetPreferredPortalCmd) validate() error { return nil }

// PortalMoveCmd reorders the player's list.
type PortalMoveCmd struct {
	Cmd     string           `json:"cmd" jsonschema:"const=portalmove"`
	PortID  worlddb.PortalID `json:"portid"`
	Version uint64           `json:"version"`
	Before  worlddb.PortalID `json:"before,omitempty"`
	After   worlddb.PortalID `json:"after,omitempty"`
}

func (p PortalMoveCmd) validate() error { return requirePortal(p.PortID) }

func requirePortal(id worlddb.PortalID) error {
	if id == "" {
		return clientErrorf("No portal given.")
	}
	return nil
}

// PropOpenCmd opens a property table for editing.
type PropOpenCmd struct {
	Cmd   string `json:"cmd" jsonschema:"const=propopen"`
	Table string `json:"table"`
}

func (p PropOpenCmd) validate() error { return validTable(p.Table) }

// PropCloseCmd stops receiving updates for a table.
type PropCloseCmd struct {
	Cmd   string `json:"cmd" jsonschema:"const=propclose"`
	Table string `json:"table"`
}

func (p PropCloseCmd) validate() error { return validTable(p.Table) }

// PropSaveCmd saves one row against the version the editor saw.
type PropSaveCmd struct {
	Cmd     string         `json:"cmd" jsonschema:"const=propsave"`
	Table   string         `json:"table"`
	ID      worlddb.PropID `json:"id"`
	Version uint64         `json:"version"`
	Value   worlddb.Value  `json:"value"`
}

func (p PropSaveCmd) validate() error {
	if p.ID == "" {
		return clientErrorf("No property given.")
	}
	return validTable(p.Table)
}

// PropAddCmd adds a row.
type PropAddCmd struct {
	Cmd   string        `json:"cmd" jsonschema:"const=propadd"`
	Table string        `json:"table"`
	Key   string        `json:"key"`
	Value worlddb.Value `json:"value"`
}

func (p PropAddCmd) validate() error {
	if p.Key == "" {
		return clientErrorf("No key given.")
	}
	return validTable(p.Table)
}

// PropDeleteCmd deletes a row.
type PropDeleteCmd struct {
	Cmd     string         `json:"cmd" jsonschema:"const=propdelete"`
	Table   string         `json:"table"`
	ID      worlddb.PropID `json:"id"`
	Version uint64         `json:"version"`
}

func (p PropDeleteCmd) validate() error {
	if p.ID == "" {
		return clientErrorf("No property given.")
	}
	return validTable(p.Table)
}

func validTable(s string) error {
	if _, err := worlddb.ParseTableKey(s); err != nil {
		return clientErrorf("Bad table %q.", s)
	}
	return nil
}
