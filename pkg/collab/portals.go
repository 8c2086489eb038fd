package collab

import (
	"context"
	"fmt"

	"github.com/crystal-mush/tworld/pkg/events"
	"github.com/crystal-mush/tworld/pkg/worlddb"
	"go.uber.org/zap"
)

// MinGap is the smallest position gap a midpoint insert may split. Below
// it the list is renumbered first.
const MinGap = 1e-9

// Placement says where a portal goes in its list. After wins over Before;
// neither means the end of the list.
type Placement struct {
	Before worlddb.PortalID
	After  worlddb.PortalID
}

// position picks a free position for a portal inserted at pl among sorted,
// which must not contain the portal itself. ok is false when the gap at the
// insert point is too small to split.
func position(sorted []worlddb.Portal, pl Placement) (pos float64, ok bool, err error) {
	idx := len(sorted)
	switch {
	case pl.After != "":
		i := indexOf(sorted, pl.After)
		if i < 0 {
			return 0, false, fmt.Errorf("%w: %s", ErrNoSuchPortal, pl.After)
		}
		idx = i + 1
	case pl.Before != "":
		i := indexOf(sorted, pl.Before)
		if i < 0 {
			return 0, false, fmt.Errorf("%w: %s", ErrNoSuchPortal, pl.Before)
		}
		idx = i
	}

	switch {
	case len(sorted) == 0:
		return 1, true, nil
	case idx == 0:
		first := sorted[0].Position
		pos = first - 1
		return pos, pos < first, nil
	case idx == len(sorted):
		last := sorted[len(sorted)-1].Position
		pos = last + 1
		return pos, pos > last, nil
	}
	lo, hi := sorted[idx-1].Position, sorted[idx].Position
	if hi-lo < MinGap {
		return 0, false, nil
	}
	// Large positions have coarse float spacing; the midpoint may round
	// onto a neighbour.
	pos = lo + (hi-lo)/2
	if pos <= lo || pos >= hi {
		return 0, false, nil
	}
	return pos, true, nil
}

func indexOf(portals []worlddb.Portal, id worlddb.PortalID) int {
	for i, p := range portals {
		if p.ID == id {
			return i
		}
	}
	return -1
}

func without(portals []worlddb.Portal, id worlddb.PortalID) []worlddb.Portal {
	out := make([]worlddb.Portal, 0, len(portals))
	for _, p := range portals {
		if p.ID != id {
			out = append(out, p)
		}
	}
	return out
}

func (c *Coordinator) listPortals(ctx context.Context, list worlddb.PortalListID) ([]worlddb.Portal, error) {
	return worlddb.RetryRead(ctx, func(ctx context.Context) ([]worlddb.Portal, error) {
		return c.store.ListPortals(ctx, list)
	})
}

// AddPortal inserts p into its list at pl. Every change to one list
// serializes, since positions depend on the neighbours.
func (c *Coordinator) AddPortal(ctx context.Context, p worlddb.Portal, pl Placement) (worlddb.Portal, error) {
	unlock := c.locks.Lock(listLock(p.List))
	defer unlock()

	portals, err := c.listPortals(ctx, p.List)
	if err != nil {
		return p, fmt.Errorf("collab: add portal: %w", err)
	}
	pos, ok, err := position(portals, pl)
	if err != nil {
		return p, err
	}
	renumbered := false
	if !ok {
		if portals, err = c.renumber(ctx, p.List); err != nil {
			return p, err
		}
		renumbered = true
		if pos, _, err = position(portals, pl); err != nil {
			return p, err
		}
	}
	p.Position = pos
	added, err := c.store.AddPortal(ctx, p)
	if err != nil {
		return added, fmt.Errorf("collab: add portal: %w", err)
	}
	c.committed("portal")
	c.notifyPortal(ctx, added, renumbered)
	return added, nil
}

// MovePortal repositions a portal. expected is the version the editor saw.
func (c *Coordinator) MovePortal(ctx context.Context, list worlddb.PortalListID, id worlddb.PortalID, expected uint64, pl Placement) (Result[worlddb.Portal], error) {
	if pl.After == id || pl.Before == id {
		return Result[worlddb.Portal]{}, fmt.Errorf("%w: cannot place a portal next to itself", ErrNoSuchPortal)
	}
	unlock := c.locks.Lock(listLock(list))
	defer unlock()

	cur, err := c.store.GetPortal(ctx, list, id)
	if err != nil {
		return Result[worlddb.Portal]{}, fmt.Errorf("collab: move portal %s: %w", id, err)
	}
	if cur.Version != expected {
		c.conflicted("portal")
		return Conflict(cur), nil
	}

	portals, err := c.listPortals(ctx, list)
	if err != nil {
		return Result[worlddb.Portal]{}, fmt.Errorf("collab: move portal %s: %w", id, err)
	}
	pos, ok, err := position(without(portals, id), pl)
	if err != nil {
		return Result[worlddb.Portal]{}, err
	}
	renumbered := false
	if !ok {
		if portals, err = c.renumber(ctx, list); err != nil {
			return Result[worlddb.Portal]{}, err
		}
		renumbered = true
		if pos, _, err = position(without(portals, id), pl); err != nil {
			return Result[worlddb.Portal]{}, err
		}
		// Renumbering bumped every version, including ours; the editor's
		// version was checked above.
		cur = portals[indexOf(portals, id)]
	}

	moved := cur
	moved.Position = pos
	res, err := c.store.WritePortal(ctx, moved, cur.Version)
	if err != nil {
		return Result[worlddb.Portal]{}, fmt.Errorf("collab: move portal %s: %w", id, err)
	}
	if !res.Committed {
		c.conflicted("portal")
		return Conflict(res.Current), nil
	}
	c.committed("portal")
	c.notifyPortal(ctx, res.Current, renumbered)
	return Ok(res.Version, res.Current), nil
}

// DeletePortal tombstones a portal into the trash.
func (c *Coordinator) DeletePortal(ctx context.Context, list worlddb.PortalListID, id worlddb.PortalID, expected uint64) (Result[worlddb.Portal], error) {
	unlock := c.locks.Lock(listLock(list))
	defer unlock()

	res, err := c.store.DeletePortal(ctx, list, id, expected)
	if err != nil {
		return Result[worlddb.Portal]{}, fmt.Errorf("collab: delete portal %s: %w", id, err)
	}
	if !res.Committed {
		c.conflicted("portal")
		return Conflict(res.Current), nil
	}

	pl, err := c.store.GetPortalList(ctx, list)
	if err == nil && pl.Preferred == id {
		pl.Preferred = ""
		pl.Version++
		if err := c.store.PutPortalList(ctx, pl); err != nil {
			c.log.Warn("clear preferred portal", zap.String("plist", string(list)), zap.Error(err))
		}
	}

	gone := res.Current
	gone.List = list
	gone.Deleted = true
	c.committed("portal")
	c.notifyPortal(ctx, gone, false)
	return Ok(res.Version, gone), nil
}

// SetPreferred marks the portal /panic leads to. An empty id clears it.
func (c *Coordinator) SetPreferred(ctx context.Context, list worlddb.PortalListID, id worlddb.PortalID) error {
	unlock := c.locks.Lock(listLock(list))
	defer unlock()

	pl, err := c.store.GetPortalList(ctx, list)
	if err != nil {
		return fmt.Errorf("collab: portal list %s: %w", list, err)
	}
	if id != "" {
		if _, err := c.store.GetPortal(ctx, list, id); err != nil {
			return fmt.Errorf("collab: preferred portal %s: %w", id, err)
		}
	}
	if pl.Preferred == id {
		return nil
	}
	pl.Preferred = id
	pl.Version++
	if err := c.store.PutPortalList(ctx, pl); err != nil {
		return fmt.Errorf("collab: portal list %s: %w", list, err)
	}
	c.committed("portlist")
	c.notify.Notify(ctx, events.Mutation{Kind: events.MutPortList, PortList: list})
	return nil
}

func (c *Coordinator) renumber(ctx context.Context, list worlddb.PortalListID) ([]worlddb.Portal, error) {
	portals, err := c.store.RenumberPortals(ctx, list)
	if err != nil {
		return nil, fmt.Errorf("collab: renumber %s: %w", list, err)
	}
	c.log.Info("renumbered portal list", zap.String("plist", string(list)), zap.Int("portals", len(portals)))
	return portals, nil
}

// notifyPortal reports one changed entry, or the whole list after a
// renumber since every position moved.
func (c *Coordinator) notifyPortal(ctx context.Context, p worlddb.Portal, renumbered bool) {
	m := events.Mutation{Kind: events.MutPortList, PortList: p.List}
	if !renumbered {
		m.Portal = &p
	}
	c.notify.Notify(ctx, m)
}
