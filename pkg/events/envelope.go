package events

import (
	"encoding/json"

	"github.com/crystal-mush/tworld/pkg/markup"
	"github.com/crystal-mush/tworld/pkg/worlddb"
)

// Envelope is one outbound message. Every envelope marshals to a JSON
// object with a "cmd" field naming it.
type Envelope interface {
	Command() string
}

// Entry is a value that may be absent. On the wire an absent entry is
// encoded as false, which the client reads as "remove".
type Entry[T any] struct {
	Value *T
}

// Some wraps v as a present entry.
func Some[T any](v T) Entry[T] {
	return Entry[T]{Value: &v}
}

// None returns an absent entry.
func None[T any]() Entry[T] {
	return Entry[T]{}
}

func (e Entry[T]) MarshalJSON() ([]byte, error) {
	if e.Value == nil {
		return []byte("false"), nil
	}
	return json.Marshal(e.Value)
}

// WorldInfo is the world pane header.
type WorldInfo struct {
	World   string `json:"world"`
	Scope   string `json:"scope"`
	Creator string `json:"creator"`
}

// Locale is the location pane header and body.
type Locale struct {
	Name string             `json:"name"`
	Desc markup.Description `json:"desc"`
}

// Update carries a view delta. Every field is optional and an absent field
// means unchanged. Focus set to an absent Entry clears the focus pane.
type Update struct {
	Cmd          string                     `json:"cmd"`
	World        *WorldInfo                 `json:"world,omitempty"`
	Locale       *Locale                    `json:"locale,omitempty"`
	Populace     *markup.Description        `json:"populace,omitempty"`
	Focus        *Entry[markup.Description] `json:"focus,omitempty"`
	FocusSpecial *bool                      `json:"focusspecial,omitempty"`
	InstTool     *markup.Description        `json:"insttool,omitempty"`
}

// NewUpdate returns an empty update.
func NewUpdate() *Update {
	return &Update{Cmd: "update"}
}

func (u *Update) Command() string { return u.Cmd }

// Empty reports whether the update carries no fields.
func (u *Update) Empty() bool {
	return u.World == nil && u.Locale == nil && u.Populace == nil &&
		u.Focus == nil && u.FocusSpecial == nil && u.InstTool == nil
}

// ClearFocus explicitly empties the focus pane.
type ClearFocus struct {
	Cmd string `json:"cmd"`
}

func NewClearFocus() *ClearFocus { return &ClearFocus{Cmd: "clearfocus"} }

func (c *ClearFocus) Command() string { return c.Cmd }

// Message is a line of feed text. Cmd is "event", "message" or "error".
type Message struct {
	Cmd  string `json:"cmd"`
	Text string `json:"text"`
}

// NewEvent returns a feed line caused by something in the world.
func NewEvent(text string) *Message { return &Message{Cmd: "event", Text: text} }

// NewMessage returns a feed line from the system.
func NewMessage(text string) *Message { return &Message{Cmd: "message", Text: text} }

// NewError returns an error line addressed to one session.
func NewError(text string) *Message { return &Message{Cmd: "error", Text: text} }

func (m *Message) Command() string { return m.Cmd }

// SessionInfo tells a client the id it can resume with after a dropped
// connection.
type SessionInfo struct {
	Cmd string `json:"cmd"`
	ID  string `json:"id"`
}

func NewSessionInfo(id string) *SessionInfo { return &SessionInfo{Cmd: "session", ID: id} }

func (s *SessionInfo) Command() string { return s.Cmd }

// PortalView is a portal as shown in a portal list.
type PortalView struct {
	ID         worlddb.PortalID   `json:"portid"`
	ListPos    float64            `json:"listpos"`
	World      string             `json:"world"`
	Location   string             `json:"location"`
	Scope      string             `json:"scope"`
	Creator    string             `json:"creator"`
	Instancing worlddb.Instancing `json:"instancing"`
	Preferred  bool               `json:"preferred,omitempty"`
	Version    uint64             `json:"version"`
}

// UpdatePlist adds, replaces or removes portal list entries.
type UpdatePlist struct {
	Cmd   string                                 `json:"cmd"`
	Clear bool                                   `json:"clear,omitempty"`
	Map   map[worlddb.PortalID]Entry[PortalView] `json:"map"`
}

func NewUpdatePlist(clear bool) *UpdatePlist {
	return &UpdatePlist{Cmd: "updateplist", Clear: clear, Map: make(map[worlddb.PortalID]Entry[PortalView])}
}

func (u *UpdatePlist) Command() string { return u.Cmd }

// ScopeView is one available scope as shown in the instance selector.
type ScopeView struct {
	ID      worlddb.ScopeID   `json:"id"`
	Type    worlddb.ScopeType `json:"type"`
	Label   string            `json:"label"`
	SortKey string            `json:"sortkey,omitempty"`
}

// UpdateScopes adds, replaces or removes available scopes.
type UpdateScopes struct {
	Cmd   string                               `json:"cmd"`
	Clear bool                                 `json:"clear,omitempty"`
	Map   map[worlddb.ScopeID]Entry[ScopeView] `json:"map"`
}

func NewUpdateScopes(clear bool) *UpdateScopes {
	return &UpdateScopes{Cmd: "updatescopes", Clear: clear, Map: make(map[worlddb.ScopeID]Entry[ScopeView])}
}

func (u *UpdateScopes) Command() string { return u.Cmd }

// UIPrefs echoes the stored preferences after a debounced write.
type UIPrefs struct {
	Cmd string        `json:"cmd"`
	Map worlddb.Prefs `json:"map"`
}

func NewUIPrefs(prefs worlddb.Prefs) *UIPrefs { return &UIPrefs{Cmd: "uiprefs", Map: prefs} }

func (u *UIPrefs) Command() string { return u.Cmd }

// PropTable is the full contents of a property table sent when a session
// opens it for editing.
type PropTable struct {
	Cmd   string             `json:"cmd"`
	Table string             `json:"table"`
	Props []worlddb.Property `json:"props"`
}

func NewPropTable(table worlddb.TableKey, props []worlddb.Property) *PropTable {
	if props == nil {
		props = []worlddb.Property{}
	}
	return &PropTable{Cmd: "proptable", Table: table.String(), Props: props}
}

func (p *PropTable) Command() string { return p.Cmd }

// UpdateProp replaces or removes one row of an open property table.
// Cmd "propconflict" is sent to an editor whose save lost the race; Prop
// then holds the current server value.
type UpdateProp struct {
	Cmd   string                  `json:"cmd"`
	Table string                  `json:"table"`
	ID    worlddb.PropID          `json:"id"`
	Prop  Entry[worlddb.Property] `json:"prop"`
}

func NewUpdateProp(table worlddb.TableKey, id worlddb.PropID, prop *worlddb.Property) *UpdateProp {
	return &UpdateProp{Cmd: "updateprop", Table: table.String(), ID: id, Prop: Entry[worlddb.Property]{Value: prop}}
}

func NewPropConflict(table worlddb.TableKey, current worlddb.Property) *UpdateProp {
	return &UpdateProp{Cmd: "propconflict", Table: table.String(), ID: current.ID, Prop: Some(current)}
}

func (u *UpdateProp) Command() string { return u.Cmd }
