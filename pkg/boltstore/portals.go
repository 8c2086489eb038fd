package boltstore

import (
	"context"
	"fmt"
	"sort"

	"github.com/crystal-mush/tworld/pkg/worlddb"
	bbolt "go.etcd.io/bbolt"
)

// --- Portal lists ---
//
// Portal entries live in a nested bucket of bucketPortals per list. Positions
// are unique within a list; the store rejects a write that would duplicate
// one, so ordering can never silently collapse.

func (s *Store) GetPortalList(ctx context.Context, id worlddb.PortalListID) (worlddb.PortalList, error) {
	return getRecord[worlddb.PortalList](ctx, s, bucketPortLists, []byte(id))
}

func (s *Store) PutPortalList(ctx context.Context, list worlddb.PortalList) error {
	if list.ID == "" {
		return fmt.Errorf("boltstore: portal list without id")
	}
	return putRecord(ctx, s, bucketPortLists, []byte(list.ID), &list)
}

func (s *Store) GetPortal(ctx context.Context, list worlddb.PortalListID, id worlddb.PortalID) (worlddb.Portal, error) {
	var p worlddb.Portal
	if err := ctx.Err(); err != nil {
		return p, err
	}
	err := s.bolt.View(func(tx *bbolt.Tx) error {
		var err error
		p, err = loadPortal(tx.Bucket(bucketPortals).Bucket([]byte(list)), id)
		return err
	})
	return p, err
}

// ListPortals returns the entries of a list in increasing Position order.
func (s *Store) ListPortals(ctx context.Context, list worlddb.PortalListID) ([]worlddb.Portal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var portals []worlddb.Portal
	err := s.bolt.View(func(tx *bbolt.Tx) error {
		var err error
		portals, err = listPortals(tx.Bucket(bucketPortals).Bucket([]byte(list)))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("boltstore: list portals %s: %w", list, err)
	}
	return portals, nil
}

// AddPortal stores a new entry at version 1. The caller picks Position.
func (s *Store) AddPortal(ctx context.Context, p worlddb.Portal) (worlddb.Portal, error) {
	if err := ctx.Err(); err != nil {
		return p, err
	}
	if p.List == "" {
		return p, fmt.Errorf("boltstore: portal without list")
	}
	if p.ID == "" {
		p.ID = worlddb.PortalID(worlddb.NewID())
	}
	p.Version = 1
	p.Deleted = false
	err := s.bolt.Update(func(tx *bbolt.Tx) error {
		b, err := tx.Bucket(bucketPortals).CreateBucketIfNotExists([]byte(p.List))
		if err != nil {
			return err
		}
		if b.Get([]byte(p.ID)) != nil {
			return worlddb.ErrDuplicateKey
		}
		if err := checkPositionFree(b, p.Position, p.ID); err != nil {
			return err
		}
		return putPortal(b, &p)
	})
	if err != nil {
		return p, fmt.Errorf("boltstore: add portal to %s: %w", p.List, err)
	}
	return p, nil
}

// WritePortal replaces an entry if expected matches its stored version.
func (s *Store) WritePortal(ctx context.Context, p worlddb.Portal, expected uint64) (worlddb.WriteResult[worlddb.Portal], error) {
	var res worlddb.WriteResult[worlddb.Portal]
	if err := ctx.Err(); err != nil {
		return res, err
	}
	err := s.bolt.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPortals).Bucket([]byte(p.List))
		cur, err := loadPortal(b, p.ID)
		if err != nil {
			return err
		}
		if cur.Version != expected {
			res = worlddb.WriteResult[worlddb.Portal]{Version: cur.Version, Current: cur}
			return nil
		}
		if err := checkPositionFree(b, p.Position, p.ID); err != nil {
			return err
		}
		p.Version = cur.Version + 1
		p.Deleted = false
		if err := putPortal(b, &p); err != nil {
			return err
		}
		res = worlddb.WriteResult[worlddb.Portal]{Committed: true, Version: p.Version, Current: p}
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("boltstore: write portal %s: %w", p.ID, err)
	}
	return res, nil
}

// DeletePortal tombstones an entry into the trash bucket.
func (s *Store) DeletePortal(ctx context.Context, list worlddb.PortalListID, id worlddb.PortalID, expected uint64) (worlddb.WriteResult[worlddb.Portal], error) {
	var res worlddb.WriteResult[worlddb.Portal]
	if err := ctx.Err(); err != nil {
		return res, err
	}
	err := s.bolt.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPortals).Bucket([]byte(list))
		cur, err := loadPortal(b, id)
		if err != nil {
			return err
		}
		if cur.Version != expected {
			res = worlddb.WriteResult[worlddb.Portal]{Version: cur.Version, Current: cur}
			return nil
		}
		cur.Deleted = true
		cur.Version++
		trash, err := tx.Bucket(bucketTrash).CreateBucketIfNotExists(trashPortalsName(list))
		if err != nil {
			return err
		}
		if err := putPortal(trash, &cur); err != nil {
			return err
		}
		if err := b.Delete([]byte(id)); err != nil {
			return err
		}
		res = worlddb.WriteResult[worlddb.Portal]{Committed: true, Version: cur.Version, Current: cur}
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("boltstore: delete portal %s: %w", id, err)
	}
	return res, nil
}

// RenumberPortals rewrites the positions of every entry in a list to 1, 2,
// 3... in their current order, bumping each entry's version. It runs in one
// transaction.
func (s *Store) RenumberPortals(ctx context.Context, list worlddb.PortalListID) ([]worlddb.Portal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var portals []worlddb.Portal
	err := s.bolt.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPortals).Bucket([]byte(list))
		var err error
		portals, err = listPortals(b)
		if err != nil {
			return err
		}
		for i := range portals {
			portals[i].Position = float64(i + 1)
			portals[i].Version++
			if err := putPortal(b, &portals[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("boltstore: renumber %s: %w", list, err)
	}
	return portals, nil
}

func loadPortal(b *bbolt.Bucket, id worlddb.PortalID) (worlddb.Portal, error) {
	if b == nil {
		return worlddb.Portal{}, worlddb.ErrNotFound
	}
	data := b.Get([]byte(id))
	if data == nil {
		return worlddb.Portal{}, worlddb.ErrNotFound
	}
	return decode[worlddb.Portal](data)
}

func putPortal(b *bbolt.Bucket, p *worlddb.Portal) error {
	data, err := encode(p)
	if err != nil {
		return err
	}
	return b.Put([]byte(p.ID), data)
}

func listPortals(b *bbolt.Bucket) ([]worlddb.Portal, error) {
	if b == nil {
		return nil, nil
	}
	var portals []worlddb.Portal
	err := b.ForEach(func(k, v []byte) error {
		p, err := decode[worlddb.Portal](v)
		if err != nil {
			return fmt.Errorf("decode portal %q: %w", string(k), err)
		}
		portals = append(portals, p)
		return nil
	})
	sort.Slice(portals, func(i, j int) bool { return portals[i].Position < portals[j].Position })
	return portals, err
}

func checkPositionFree(b *bbolt.Bucket, pos float64, self worlddb.PortalID) error {
	return b.ForEach(func(k, v []byte) error {
		if worlddb.PortalID(k) == self {
			return nil
		}
		p, err := decode[worlddb.Portal](v)
		if err != nil {
			return err
		}
		if p.Position == pos {
			return fmt.Errorf("position %v: %w", pos, worlddb.ErrDuplicateKey)
		}
		return nil
	})
}
