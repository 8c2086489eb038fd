package boltstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/crystal-mush/tworld/pkg/worlddb"
	bbolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// Store implements worlddb.Store on top of a bbolt database. Every versioned
// write is a compare-and-swap inside a single bbolt transaction.
type Store struct {
	bolt *bbolt.DB
	log  *zap.Logger
	now  func() time.Time
}

var _ worlddb.Store = (*Store)(nil)

// Open opens or creates a bbolt database file, ensures all buckets exist and
// makes sure the global scope record is present.
func Open(path string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("boltstore: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		meta := tx.Bucket(bucketMeta)
		if meta.Get(keyGlobalScope) != nil {
			return nil
		}
		glob := worlddb.Scope{ID: worlddb.ScopeID(worlddb.NewID()), Type: worlddb.ScopeGlobal, SortKey: "0"}
		data, err := encode(&glob)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketScopes).Put([]byte(glob.ID), data); err != nil {
			return err
		}
		return meta.Put(keyGlobalScope, []byte(glob.ID))
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("boltstore: create buckets: %w", err)
	}

	return &Store{bolt: db, log: log, now: time.Now}, nil
}

// Close closes the underlying bbolt database.
func (s *Store) Close() error {
	if s.bolt != nil {
		return s.bolt.Close()
	}
	return nil
}

// Path returns the filesystem path of the underlying bbolt database.
func (s *Store) Path() string {
	if s.bolt != nil {
		return s.bolt.Path()
	}
	return ""
}

// Backup creates a hot snapshot of the bbolt database using tx.WriteTo().
func (s *Store) Backup(path string) error {
	return s.bolt.View(func(tx *bbolt.Tx) error {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("boltstore: create backup %s: %w", path, err)
		}
		defer f.Close()
		if _, err := tx.WriteTo(f); err != nil {
			return fmt.Errorf("boltstore: write backup: %w", err)
		}
		s.log.Info("backup written", zap.String("path", path))
		return nil
	})
}

// HasData reports whether any world has been loaded.
func (s *Store) HasData() bool {
	has := false
	s.bolt.View(func(tx *bbolt.Tx) error {
		has = tx.Bucket(bucketWorlds).Stats().KeyN > 0
		return nil
	})
	return has
}

// getRecord loads and decodes one record from a top-level bucket.
func getRecord[T any](ctx context.Context, s *Store, bucket, key []byte) (T, error) {
	var v T
	if err := ctx.Err(); err != nil {
		return v, err
	}
	err := s.bolt.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucket).Get(key)
		if data == nil {
			return worlddb.ErrNotFound
		}
		var err error
		v, err = decode[T](data)
		return err
	})
	if err != nil && !errors.Is(err, worlddb.ErrNotFound) {
		err = fmt.Errorf("boltstore: get %s/%s: %w", bucket, key, err)
	}
	return v, err
}

// putRecord encodes and stores one record in a top-level bucket.
func putRecord[T any](ctx context.Context, s *Store, bucket, key []byte, v *T) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encode(v)
	if err != nil {
		return fmt.Errorf("boltstore: encode %s/%s: %w", bucket, key, err)
	}
	return s.bolt.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).Put(key, data)
	})
}

// --- Worlds, locations and scopes ---

func (s *Store) GetWorld(ctx context.Context, id worlddb.WorldID) (worlddb.World, error) {
	return getRecord[worlddb.World](ctx, s, bucketWorlds, []byte(id))
}

func (s *Store) PutWorld(ctx context.Context, w worlddb.World) error {
	if w.ID == "" {
		return errors.New("boltstore: world without id")
	}
	return putRecord(ctx, s, bucketWorlds, []byte(w.ID), &w)
}

func (s *Store) GetLocation(ctx context.Context, world worlddb.WorldID, key worlddb.LocationKey) (worlddb.Location, error) {
	return getRecord[worlddb.Location](ctx, s, bucketLocations, locationKey(world, key))
}

func (s *Store) PutLocation(ctx context.Context, loc worlddb.Location) error {
	if loc.World == "" || loc.Key == "" {
		return errors.New("boltstore: location without world or key")
	}
	return putRecord(ctx, s, bucketLocations, locationKey(loc.World, loc.Key), &loc)
}

func (s *Store) GetScope(ctx context.Context, id worlddb.ScopeID) (worlddb.Scope, error) {
	return getRecord[worlddb.Scope](ctx, s, bucketScopes, []byte(id))
}

func (s *Store) PutScope(ctx context.Context, sc worlddb.Scope) error {
	if sc.ID == "" {
		return errors.New("boltstore: scope without id")
	}
	return putRecord(ctx, s, bucketScopes, []byte(sc.ID), &sc)
}

// GlobalScope returns the single global scope created by Open.
func (s *Store) GlobalScope(ctx context.Context) (worlddb.Scope, error) {
	var id []byte
	s.bolt.View(func(tx *bbolt.Tx) error {
		id = append(id, tx.Bucket(bucketMeta).Get(keyGlobalScope)...)
		return nil
	})
	if len(id) == 0 {
		return worlddb.Scope{}, worlddb.ErrNotFound
	}
	return s.GetScope(ctx, worlddb.ScopeID(id))
}

// GetScopeMembers lists the players whose last persisted position is in
// the given scope.
func (s *Store) GetScopeMembers(ctx context.Context, id worlddb.ScopeID) ([]worlddb.PlayerID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var members []worlddb.PlayerID
	err := s.bolt.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPlayState).ForEach(func(k, v []byte) error {
			st, err := decode[worlddb.PlayState](v)
			if err != nil {
				return fmt.Errorf("decode playstate %q: %w", string(k), err)
			}
			if st.Place.Scope == id {
				members = append(members, st.Player)
			}
			return nil
		})
	})
	return members, err
}

// --- Players ---

func (s *Store) GetPlayer(ctx context.Context, id worlddb.PlayerID) (worlddb.Player, error) {
	return getRecord[worlddb.Player](ctx, s, bucketPlayers, []byte(id))
}

// FindPlayer looks a player up by case-folded name.
func (s *Store) FindPlayer(ctx context.Context, name string) (worlddb.Player, error) {
	var id []byte
	s.bolt.View(func(tx *bbolt.Tx) error {
		id = append(id, tx.Bucket(bucketPlayerNames).Get([]byte(worlddb.NameKey(name)))...)
		return nil
	})
	if len(id) == 0 {
		return worlddb.Player{}, worlddb.ErrNotFound
	}
	return s.GetPlayer(ctx, worlddb.PlayerID(id))
}

// PutPlayer stores a player and keeps the name index in step. A name
// already held by a different player is rejected with ErrDuplicateKey.
func (s *Store) PutPlayer(ctx context.Context, p worlddb.Player) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.ID == "" || p.Name == "" {
		return errors.New("boltstore: player without id or name")
	}
	data, err := encode(&p)
	if err != nil {
		return fmt.Errorf("boltstore: encode player %s: %w", p.ID, err)
	}
	return s.bolt.Update(func(tx *bbolt.Tx) error {
		names := tx.Bucket(bucketPlayerNames)
		players := tx.Bucket(bucketPlayers)
		nameKey := []byte(worlddb.NameKey(p.Name))
		if owner := names.Get(nameKey); owner != nil && string(owner) != string(p.ID) {
			return fmt.Errorf("boltstore: player name %q: %w", p.Name, worlddb.ErrDuplicateKey)
		}
		if old := players.Get([]byte(p.ID)); old != nil {
			prev, err := decode[worlddb.Player](old)
			if err != nil {
				return err
			}
			if prevKey := worlddb.NameKey(prev.Name); prevKey != string(nameKey) {
				if err := names.Delete([]byte(prevKey)); err != nil {
					return err
				}
			}
		}
		if err := names.Put(nameKey, []byte(p.ID)); err != nil {
			return err
		}
		return players.Put([]byte(p.ID), data)
	})
}

func (s *Store) GetPlayState(ctx context.Context, id worlddb.PlayerID) (worlddb.PlayState, error) {
	return getRecord[worlddb.PlayState](ctx, s, bucketPlayState, []byte(id))
}

func (s *Store) PutPlayState(ctx context.Context, st worlddb.PlayState) error {
	return putRecord(ctx, s, bucketPlayState, []byte(st.Player), &st)
}

// GetPrefs returns the stored preferences, or an empty map for a player
// who never saved any.
func (s *Store) GetPrefs(ctx context.Context, id worlddb.PlayerID) (worlddb.Prefs, error) {
	prefs, err := getRecord[worlddb.Prefs](ctx, s, bucketPrefs, []byte(id))
	if errors.Is(err, worlddb.ErrNotFound) {
		return worlddb.Prefs{}, nil
	}
	if prefs == nil {
		prefs = worlddb.Prefs{}
	}
	return prefs, err
}

func (s *Store) PutPrefs(ctx context.Context, id worlddb.PlayerID, prefs worlddb.Prefs) error {
	return putRecord(ctx, s, bucketPrefs, []byte(id), &prefs)
}
