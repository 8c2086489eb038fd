// Package collab serializes edits to shared property tables and portal
// lists with optimistic versioning. A commit against a stale version is
// rejected and the caller gets the current row back.
package collab

import (
	"context"
	"errors"
	"fmt"

	"github.com/crystal-mush/tworld/pkg/events"
	"github.com/crystal-mush/tworld/pkg/keylock"
	"github.com/crystal-mush/tworld/pkg/worlddb"
	"go.uber.org/zap"
)

// ErrNoSuchPortal is returned when a move names a neighbour not in the list.
var ErrNoSuchPortal = errors.New("collab: no such portal")

// Notifier receives every committed change.
type Notifier interface {
	Notify(ctx context.Context, m events.Mutation)
}

// Hooks observe commits for metrics. All fields are optional.
type Hooks struct {
	Commit   func(kind string)
	Conflict func(kind string)
}

// Coordinator is the collaborative edit coordinator.
type Coordinator struct {
	store  worlddb.Store
	notify Notifier
	locks  keylock.Map
	log    *zap.Logger
	hooks  Hooks
}

// New creates a coordinator writing to store and reporting to notify.
func New(store worlddb.Store, notify Notifier, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{store: store, notify: notify, log: log}
}

// SetHooks installs observation hooks. Call before serving.
func (c *Coordinator) SetHooks(h Hooks) { c.hooks = h }

func (c *Coordinator) committed(kind string) {
	if c.hooks.Commit != nil {
		c.hooks.Commit(kind)
	}
}

func (c *Coordinator) conflicted(kind string) {
	if c.hooks.Conflict != nil {
		c.hooks.Conflict(kind)
	}
}

func propLock(table worlddb.TableKey, id worlddb.PropID) string {
	return "prop:" + table.String() + "#" + string(id)
}

func tableLock(table worlddb.TableKey) string {
	return "table:" + table.String()
}

func listLock(list worlddb.PortalListID) string {
	return "plist:" + string(list)
}

// BeginEdit reads the row an editor is about to change. Reads take no lock;
// the version returned is what the editor must present at commit.
func (c *Coordinator) BeginEdit(ctx context.Context, table worlddb.TableKey, id worlddb.PropID) (worlddb.Property, error) {
	p, err := worlddb.RetryRead(ctx, func(ctx context.Context) (worlddb.Property, error) {
		return c.store.GetProperty(ctx, table, id)
	})
	if err != nil {
		return p, fmt.Errorf("collab: begin edit %s %s: %w", table, id, err)
	}
	return p, nil
}

// OpenTable returns every row of a table for an editor.
func (c *Coordinator) OpenTable(ctx context.Context, table worlddb.TableKey) ([]worlddb.Property, error) {
	props, err := worlddb.RetryRead(ctx, func(ctx context.Context) ([]worlddb.Property, error) {
		return c.store.ListProperties(ctx, table)
	})
	if err != nil {
		return nil, fmt.Errorf("collab: open table %s: %w", table, err)
	}
	return props, nil
}

// CommitEdit replaces a property value if expected is still its version.
// Nothing is notified unless the store accepted the write.
func (c *Coordinator) CommitEdit(ctx context.Context, table worlddb.TableKey, id worlddb.PropID, expected uint64, val worlddb.Value) (Result[worlddb.Property], error) {
	if err := val.Validate(); err != nil {
		return Result[worlddb.Property]{}, err
	}
	unlock := c.locks.Lock(propLock(table, id))
	defer unlock()

	res, err := c.store.WriteProperty(ctx, table, id, expected, val)
	if err != nil {
		return Result[worlddb.Property]{}, fmt.Errorf("collab: commit %s %s: %w", table, id, err)
	}
	if !res.Committed {
		c.conflicted("property")
		c.log.Debug("edit conflict",
			zap.String("table", table.String()),
			zap.String("prop", string(id)),
			zap.Uint64("expected", expected),
			zap.Uint64("current", res.Current.Version))
		return Conflict(res.Current), nil
	}

	prop := res.Current
	c.committed("property")
	c.notify.Notify(ctx, events.Mutation{Kind: events.MutProperty, Table: table, Property: &prop})
	return Ok(res.Version, prop), nil
}

// AddProperty creates a new row. Keys are unique per table, so adds to one
// table serialize.
func (c *Coordinator) AddProperty(ctx context.Context, table worlddb.TableKey, key string, val worlddb.Value) (worlddb.Property, error) {
	if key == "" {
		return worlddb.Property{}, fmt.Errorf("%w: empty key", worlddb.ErrInvalidValue)
	}
	if err := val.Validate(); err != nil {
		return worlddb.Property{}, err
	}
	unlock := c.locks.Lock(tableLock(table))
	defer unlock()

	prop, err := c.store.AddProperty(ctx, table, key, val)
	if err != nil {
		return prop, fmt.Errorf("collab: add %s %q: %w", table, key, err)
	}
	c.committed("property")
	c.notify.Notify(ctx, events.Mutation{Kind: events.MutProperty, Table: table, Property: &prop})
	return prop, nil
}

// DeleteProperty moves a row to the trash. It is a versioned write like any
// other; a stale version is a conflict.
func (c *Coordinator) DeleteProperty(ctx context.Context, table worlddb.TableKey, id worlddb.PropID, expected uint64) (Result[worlddb.Property], error) {
	unlock := c.locks.Lock(propLock(table, id))
	defer unlock()

	res, err := c.store.DeleteProperty(ctx, table, id, expected)
	if err != nil {
		return Result[worlddb.Property]{}, fmt.Errorf("collab: delete %s %s: %w", table, id, err)
	}
	if !res.Committed {
		c.conflicted("property")
		return Conflict(res.Current), nil
	}
	prop := res.Current
	prop.Deleted = true
	c.committed("property")
	c.notify.Notify(ctx, events.Mutation{Kind: events.MutProperty, Table: table, Property: &prop})
	return Ok(res.Version, prop), nil
}
