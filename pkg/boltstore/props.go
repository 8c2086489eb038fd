package boltstore

import (
	"context"
	"fmt"
	"sort"

	"github.com/crystal-mush/tworld/pkg/worlddb"
	bbolt "go.etcd.io/bbolt"
)

// --- Property tables ---
//
// Each table is a nested bucket of bucketProps named by TableKey.String().
// Deleted properties move to a nested bucket of bucketTrash.

func (s *Store) GetProperty(ctx context.Context, table worlddb.TableKey, id worlddb.PropID) (worlddb.Property, error) {
	var prop worlddb.Property
	if err := ctx.Err(); err != nil {
		return prop, err
	}
	err := s.bolt.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketProps).Bucket(tableBucketName(table))
		if b == nil {
			return worlddb.ErrNotFound
		}
		data := b.Get([]byte(id))
		if data == nil {
			return worlddb.ErrNotFound
		}
		var err error
		prop, err = decode[worlddb.Property](data)
		return err
	})
	return prop, err
}

// ListProperties returns the live properties of a table sorted by key.
func (s *Store) ListProperties(ctx context.Context, table worlddb.TableKey) ([]worlddb.Property, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var props []worlddb.Property
	err := s.bolt.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketProps).Bucket(tableBucketName(table))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			prop, err := decode[worlddb.Property](v)
			if err != nil {
				return fmt.Errorf("decode property %q: %w", string(k), err)
			}
			props = append(props, prop)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("boltstore: list %s: %w", table, err)
	}
	sort.Slice(props, func(i, j int) bool { return props[i].Key < props[j].Key })
	return props, nil
}

// AddProperty creates a property at version 1. Keys are unique per table.
func (s *Store) AddProperty(ctx context.Context, table worlddb.TableKey, key string, val worlddb.Value) (worlddb.Property, error) {
	if err := ctx.Err(); err != nil {
		return worlddb.Property{}, err
	}
	if key == "" {
		return worlddb.Property{}, fmt.Errorf("boltstore: empty property key: %w", worlddb.ErrInvalidValue)
	}
	if err := val.Validate(); err != nil {
		return worlddb.Property{}, err
	}
	prop := worlddb.Property{
		ID:       worlddb.PropID(worlddb.NewID()),
		Key:      key,
		Value:    val,
		Version:  1,
		Modified: s.now(),
	}
	err := s.bolt.Update(func(tx *bbolt.Tx) error {
		b, err := tx.Bucket(bucketProps).CreateBucketIfNotExists(tableBucketName(table))
		if err != nil {
			return err
		}
		if err := checkKeyUnique(b, key, ""); err != nil {
			return err
		}
		data, err := encode(&prop)
		if err != nil {
			return err
		}
		return b.Put([]byte(prop.ID), data)
	})
	if err != nil {
		return worlddb.Property{}, fmt.Errorf("boltstore: add %s %q: %w", table, key, err)
	}
	return prop, nil
}

// WriteProperty replaces the value of a property if expected matches the
// stored version.
func (s *Store) WriteProperty(ctx context.Context, table worlddb.TableKey, id worlddb.PropID, expected uint64, val worlddb.Value) (worlddb.WriteResult[worlddb.Property], error) {
	var res worlddb.WriteResult[worlddb.Property]
	if err := ctx.Err(); err != nil {
		return res, err
	}
	if err := val.Validate(); err != nil {
		return res, err
	}
	err := s.bolt.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketProps).Bucket(tableBucketName(table))
		cur, err := loadProp(b, id)
		if err != nil {
			return err
		}
		if cur.Version != expected {
			res = worlddb.WriteResult[worlddb.Property]{Version: cur.Version, Current: cur}
			return nil
		}
		cur.Value = val
		cur.Version++
		cur.Modified = s.now()
		data, err := encode(&cur)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(id), data); err != nil {
			return err
		}
		res = worlddb.WriteResult[worlddb.Property]{Committed: true, Version: cur.Version, Current: cur}
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("boltstore: write %s %s: %w", table, id, err)
	}
	return res, nil
}

// DeleteProperty tombstones a property into the trash table.
func (s *Store) DeleteProperty(ctx context.Context, table worlddb.TableKey, id worlddb.PropID, expected uint64) (worlddb.WriteResult[worlddb.Property], error) {
	var res worlddb.WriteResult[worlddb.Property]
	if err := ctx.Err(); err != nil {
		return res, err
	}
	err := s.bolt.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketProps).Bucket(tableBucketName(table))
		cur, err := loadProp(b, id)
		if err != nil {
			return err
		}
		if cur.Version != expected {
			res = worlddb.WriteResult[worlddb.Property]{Version: cur.Version, Current: cur}
			return nil
		}
		cur.Deleted = true
		cur.Version++
		cur.Modified = s.now()
		data, err := encode(&cur)
		if err != nil {
			return err
		}
		trash, err := tx.Bucket(bucketTrash).CreateBucketIfNotExists(trashPropsName(table))
		if err != nil {
			return err
		}
		if err := trash.Put([]byte(id), data); err != nil {
			return err
		}
		if err := b.Delete([]byte(id)); err != nil {
			return err
		}
		res = worlddb.WriteResult[worlddb.Property]{Committed: true, Version: cur.Version, Current: cur}
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("boltstore: delete %s %s: %w", table, id, err)
	}
	return res, nil
}

// Trash returns the tombstoned properties of a table.
func (s *Store) Trash(ctx context.Context, table worlddb.TableKey) ([]worlddb.Property, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var props []worlddb.Property
	err := s.bolt.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTrash).Bucket(trashPropsName(table))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			prop, err := decode[worlddb.Property](v)
			if err != nil {
				return err
			}
			props = append(props, prop)
			return nil
		})
	})
	return props, err
}

func loadProp(b *bbolt.Bucket, id worlddb.PropID) (worlddb.Property, error) {
	if b == nil {
		return worlddb.Property{}, worlddb.ErrNotFound
	}
	data := b.Get([]byte(id))
	if data == nil {
		return worlddb.Property{}, worlddb.ErrNotFound
	}
	return decode[worlddb.Property](data)
}

// checkKeyUnique scans a table for another property using key.
func checkKeyUnique(b *bbolt.Bucket, key string, self worlddb.PropID) error {
	return b.ForEach(func(k, v []byte) error {
		if worlddb.PropID(k) == self {
			return nil
		}
		prop, err := decode[worlddb.Property](v)
		if err != nil {
			return err
		}
		if prop.Key == key {
			return worlddb.ErrDuplicateKey
		}
		return nil
	})
}
