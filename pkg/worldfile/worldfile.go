// Package worldfile reads YAML world definitions and loads them into a
// world store. It is used offline by `tworld import`; the server must not
// be running, since imported properties bypass the edit coordinator.
package worldfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/crystal-mush/tworld/pkg/worlddb"
	"gopkg.in/yaml.v3"
)

// File is the top level of a world file.
type File struct {
	Scopes  []Scope  `yaml:"scopes"`
	Worlds  []World  `yaml:"worlds"`
	Players []Player `yaml:"players"`
}

// Scope declares a group scope. Global and personal scopes are created by
// the server.
type Scope struct {
	ID      worlddb.ScopeID `yaml:"id"`
	Group   string          `yaml:"group"`
	SortKey string          `yaml:"sortkey"`
}

type World struct {
	ID         worlddb.WorldID     `yaml:"id"`
	Name       string              `yaml:"name"`
	Creator    worlddb.PlayerID    `yaml:"creator"`
	Instancing worlddb.Instancing  `yaml:"instancing"`
	Copyable   bool                `yaml:"copyable"`
	Start      worlddb.LocationKey `yaml:"start"`
	Props      []Prop              `yaml:"props"`
	Locations  []Location          `yaml:"locations"`
}

type Location struct {
	Key   worlddb.LocationKey `yaml:"key"`
	Name  string              `yaml:"name"`
	Desc  string              `yaml:"desc"`
	Props []Prop              `yaml:"props"`
}

// Prop is one property. Type defaults to text. Field names the instance
// property an editstr edits; Value holds any YAML value for type "value".
type Prop struct {
	Key   string               `yaml:"key"`
	Type  worlddb.ValueKind    `yaml:"type"`
	Text  string               `yaml:"text"`
	OText string               `yaml:"otext"`
	Loc   worlddb.LocationKey  `yaml:"loc"`
	Field string               `yaml:"field"`
	PList worlddb.PortalListID `yaml:"plist"`
	Value any                  `yaml:"value"`
	At    time.Time            `yaml:"at"`
}

// Player creates or updates an account. An existing player is matched by
// name; Password, when set, replaces the stored hash.
type Player struct {
	ID       worlddb.PlayerID `yaml:"id"`
	Name     string           `yaml:"name"`
	Password string           `yaml:"password"`
	Pronoun  string           `yaml:"pronoun"`
	Desc     string           `yaml:"desc"`
	Admin    bool             `yaml:"admin"`
	Build    bool             `yaml:"build"`
	Portals  []Portal         `yaml:"portals"`
}

// Portal is an entry for the player's portal list. Scope is "global"
// (the default), "personal", "same" or a scope id.
type Portal struct {
	World worlddb.WorldID     `yaml:"world"`
	Loc   worlddb.LocationKey `yaml:"loc"`
	Scope string              `yaml:"scope"`
}

// Load reads and validates a world file.
func Load(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	wf, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return wf, nil
}

// Parse decodes and validates a world file. Unknown keys are errors.
func Parse(r io.Reader) (*File, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var wf File
	if err := dec.Decode(&wf); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("worldfile: %w", err)
	}
	if err := wf.Validate(); err != nil {
		return nil, err
	}
	return &wf, nil
}

// Validate checks references within the file.
func (wf *File) Validate() error {
	var errs []error
	scopes := map[worlddb.ScopeID]bool{}
	for i, sc := range wf.Scopes {
		if sc.ID == "" || sc.Group == "" {
			errs = append(errs, fmt.Errorf("scopes[%d]: id and group are required", i))
		}
		if scopes[sc.ID] {
			errs = append(errs, fmt.Errorf("scope %s: duplicate", sc.ID))
		}
		scopes[sc.ID] = true
	}

	worlds := map[worlddb.WorldID]map[worlddb.LocationKey]bool{}
	for i, w := range wf.Worlds {
		if w.ID == "" || w.Name == "" {
			errs = append(errs, fmt.Errorf("worlds[%d]: id and name are required", i))
			continue
		}
		if _, dup := worlds[w.ID]; dup {
			errs = append(errs, fmt.Errorf("world %s: duplicate", w.ID))
			continue
		}
		if !w.Instancing.Valid() {
			errs = append(errs, fmt.Errorf("world %s: bad instancing %q", w.ID, w.Instancing))
		}
		locs := map[worlddb.LocationKey]bool{}
		for _, loc := range w.Locations {
			if loc.Key == "" {
				errs = append(errs, fmt.Errorf("world %s: location without key", w.ID))
				continue
			}
			if locs[loc.Key] {
				errs = append(errs, fmt.Errorf("world %s: duplicate location %s", w.ID, loc.Key))
			}
			locs[loc.Key] = true
		}
		worlds[w.ID] = locs
		if !locs[w.Start] {
			errs = append(errs, fmt.Errorf("world %s: start location %q not defined", w.ID, w.Start))
		}
		errs = append(errs, checkProps(fmt.Sprintf("world %s", w.ID), w.Props, locs)...)
		for _, loc := range w.Locations {
			errs = append(errs, checkProps(fmt.Sprintf("world %s location %s", w.ID, loc.Key), loc.Props, locs)...)
		}
	}

	names := map[string]bool{}
	for i, p := range wf.Players {
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("players[%d]: name is required", i))
			continue
		}
		key := worlddb.NameKey(p.Name)
		if names[key] {
			errs = append(errs, fmt.Errorf("player %s: duplicate name", p.Name))
		}
		names[key] = true
		if p.Pronoun != "" && !worlddb.ValidPronoun(p.Pronoun) {
			errs = append(errs, fmt.Errorf("player %s: bad pronoun %q", p.Name, p.Pronoun))
		}
		if n := len([]rune(p.Desc)); n > worlddb.MaxDescLength {
			errs = append(errs, fmt.Errorf("player %s: description is %d characters, limit %d", p.Name, n, worlddb.MaxDescLength))
		}
		for _, pt := range p.Portals {
			if locs, ok := worlds[pt.World]; ok && !locs[pt.Loc] {
				errs = append(errs, fmt.Errorf("player %s: portal to unknown location %s/%s", p.Name, pt.World, pt.Loc))
			}
			if pt.World == "" || pt.Loc == "" {
				errs = append(errs, fmt.Errorf("player %s: portal needs world and loc", p.Name))
			}
		}
	}
	return errors.Join(errs...)
}

func checkProps(where string, props []Prop, locs map[worlddb.LocationKey]bool) []error {
	var errs []error
	seen := map[string]bool{}
	for _, p := range props {
		if p.Key == "" {
			errs = append(errs, fmt.Errorf("%s: property without key", where))
			continue
		}
		if seen[p.Key] {
			errs = append(errs, fmt.Errorf("%s: duplicate property %s", where, p.Key))
		}
		seen[p.Key] = true
		v, err := p.value()
		if err == nil {
			err = v.Validate()
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: property %s: %w", where, p.Key, err))
			continue
		}
		if v.Kind == worlddb.KindMove && !locs[v.Loc] {
			errs = append(errs, fmt.Errorf("%s: property %s moves to unknown location %s", where, p.Key, v.Loc))
		}
	}
	return errs
}

// value converts p to a stored property value.
func (p Prop) value() (worlddb.Value, error) {
	kind := p.Type
	if kind == "" {
		kind = worlddb.KindText
	}
	v := worlddb.Value{
		Kind:      kind,
		Text:      p.Text,
		OtherText: p.OText,
		Loc:       p.Loc,
		Key:       p.Field,
		PortList:  p.PList,
		Time:      p.At,
	}
	if kind == worlddb.KindPlain && p.Value != nil {
		raw, err := json.Marshal(p.Value)
		if err != nil {
			return v, fmt.Errorf("%w: %v", worlddb.ErrInvalidValue, err)
		}
		v.Plain = raw
	}
	return v, nil
}
