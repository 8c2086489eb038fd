package worldfile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/crystal-mush/tworld/pkg/worlddb"
	"go.uber.org/zap"
)

// Summary counts what an import wrote.
type Summary struct {
	Scopes    int
	Worlds    int
	Locations int
	Props     int
	Players   int
	Portals   int
}

// Importer loads world files into a store. Hash turns a plaintext password
// into the stored hash.
type Importer struct {
	Store worlddb.Store
	Hash  func(password string) ([]byte, error)
	Log   *zap.Logger
	now   func() time.Time
}

// Import writes wf into the store. Worlds, locations and players are
// replaced; properties are matched by key and overwritten in place, so
// importing the same file twice is harmless.
func (im *Importer) Import(ctx context.Context, wf *File) (Summary, error) {
	var sum Summary
	log := im.Log
	if log == nil {
		log = zap.NewNop()
	}
	now := time.Now
	if im.now != nil {
		now = im.now
	}

	for _, sc := range wf.Scopes {
		scope := worlddb.Scope{ID: sc.ID, Type: worlddb.ScopeGroup, Group: sc.Group, SortKey: sc.SortKey}
		if scope.SortKey == "" {
			scope.SortKey = "2"
		}
		if err := im.Store.PutScope(ctx, scope); err != nil {
			return sum, fmt.Errorf("import scope %s: %w", sc.ID, err)
		}
		sum.Scopes++
	}

	for _, w := range wf.Worlds {
		world := worlddb.World{
			ID:            w.ID,
			Name:          w.Name,
			Creator:       w.Creator,
			Instancing:    w.Instancing,
			Copyable:      w.Copyable,
			StartLocation: w.Start,
		}
		if world.Instancing == "" {
			world.Instancing = worlddb.InstancingStandard
		}
		if err := im.Store.PutWorld(ctx, world); err != nil {
			return sum, fmt.Errorf("import world %s: %w", w.ID, err)
		}
		sum.Worlds++
		n, err := im.putProps(ctx, worlddb.TableKey{Kind: worlddb.TableWorld, World: w.ID}, w.Props)
		sum.Props += n
		if err != nil {
			return sum, fmt.Errorf("import world %s: %w", w.ID, err)
		}

		for _, loc := range w.Locations {
			if err := im.Store.PutLocation(ctx, worlddb.Location{World: w.ID, Key: loc.Key, Name: loc.Name, Desc: loc.Desc}); err != nil {
				return sum, fmt.Errorf("import location %s/%s: %w", w.ID, loc.Key, err)
			}
			sum.Locations++
			table := worlddb.TableKey{Kind: worlddb.TableLocation, World: w.ID, Location: loc.Key}
			n, err := im.putProps(ctx, table, loc.Props)
			sum.Props += n
			if err != nil {
				return sum, fmt.Errorf("import location %s/%s: %w", w.ID, loc.Key, err)
			}
		}
		log.Info("imported world", zap.String("world", string(w.ID)), zap.Int("locations", len(w.Locations)))
	}

	for _, p := range wf.Players {
		player, err := im.putPlayer(ctx, p, now())
		if err != nil {
			return sum, err
		}
		sum.Players++
		n, err := im.putPortals(ctx, player, p.Portals)
		sum.Portals += n
		if err != nil {
			return sum, fmt.Errorf("import player %s: %w", p.Name, err)
		}
	}
	return sum, nil
}

// putProps upserts props by key into table.
func (im *Importer) putProps(ctx context.Context, table worlddb.TableKey, props []Prop) (int, error) {
	if len(props) == 0 {
		return 0, nil
	}
	existing, err := im.Store.ListProperties(ctx, table)
	if err != nil {
		return 0, err
	}
	byKey := make(map[string]worlddb.Property, len(existing))
	for _, prop := range existing {
		byKey[prop.Key] = prop
	}

	n := 0
	for _, p := range props {
		val, err := p.value()
		if err != nil {
			return n, err
		}
		if cur, ok := byKey[p.Key]; ok {
			res, err := im.Store.WriteProperty(ctx, table, cur.ID, cur.Version, val)
			if err != nil {
				return n, fmt.Errorf("property %s: %w", p.Key, err)
			}
			if !res.Committed {
				return n, fmt.Errorf("property %s changed during import", p.Key)
			}
		} else if _, err := im.Store.AddProperty(ctx, table, p.Key, val); err != nil {
			return n, fmt.Errorf("property %s: %w", p.Key, err)
		}
		n++
	}
	return n, nil
}

func (im *Importer) putPlayer(ctx context.Context, p Player, now time.Time) (worlddb.Player, error) {
	player, err := im.Store.FindPlayer(ctx, p.Name)
	switch {
	case errors.Is(err, worlddb.ErrNotFound):
		player = worlddb.Player{ID: p.ID, Created: now}
		if player.ID == "" {
			player.ID = worlddb.PlayerID(worlddb.NewID())
		}
	case err != nil:
		return player, fmt.Errorf("import player %s: %w", p.Name, err)
	}

	player.Name = p.Name
	player.Pronoun = p.Pronoun
	if player.Pronoun == "" {
		player.Pronoun = worlddb.PronounThey
	}
	player.Desc = p.Desc
	player.Admin = p.Admin
	player.Build = p.Build
	if p.Password != "" {
		if im.Hash == nil {
			return player, fmt.Errorf("import player %s: no password hasher", p.Name)
		}
		hash, err := im.Hash(p.Password)
		if err != nil {
			return player, fmt.Errorf("import player %s: %w", p.Name, err)
		}
		player.PasswordHash = hash
	}
	if err := im.Store.PutPlayer(ctx, player); err != nil {
		return player, fmt.Errorf("import player %s: %w", p.Name, err)
	}
	return player, nil
}

// putPortals adds the portals the player does not already have, after the
// existing entries.
func (im *Importer) putPortals(ctx context.Context, player worlddb.Player, portals []Portal) (int, error) {
	if len(portals) == 0 {
		return 0, nil
	}
	if player.PortList == "" {
		list := worlddb.PortalList{ID: worlddb.PortalListID(worlddb.NewID()), Owner: player.ID, Version: 1}
		if err := im.Store.PutPortalList(ctx, list); err != nil {
			return 0, err
		}
		player.PortList = list.ID
		if err := im.Store.PutPlayer(ctx, player); err != nil {
			return 0, err
		}
	}

	existing, err := im.Store.ListPortals(ctx, player.PortList)
	if err != nil {
		return 0, err
	}
	type target struct {
		world worlddb.WorldID
		loc   worlddb.LocationKey
		scope string
	}
	have := map[target]bool{}
	pos := 0.0
	for _, pt := range existing {
		have[target{pt.World, pt.Location, pt.ScopeRef}] = true
		pos = max(pos, pt.Position)
	}

	n := 0
	for _, pt := range portals {
		scope := pt.Scope
		if scope == "" {
			scope = worlddb.ScopeRefGlobal
		}
		if have[target{pt.World, pt.Loc, scope}] {
			continue
		}
		w, err := im.Store.GetWorld(ctx, pt.World)
		if err != nil {
			return n, fmt.Errorf("portal to %s: %w", pt.World, err)
		}
		pos++
		_, err = im.Store.AddPortal(ctx, worlddb.Portal{
			List:       player.PortList,
			World:      w.ID,
			Location:   pt.Loc,
			ScopeRef:   scope,
			Creator:    w.Creator,
			Instancing: w.Instancing,
			Position:   pos,
		})
		if err != nil {
			return n, err
		}
		have[target{pt.World, pt.Loc, scope}] = true
		n++
	}
	return n, nil
}
