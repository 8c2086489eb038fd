package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/crystal-mush/tworld/pkg/events"
	"github.com/crystal-mush/tworld/pkg/session"
	"github.com/crystal-mush/tworld/pkg/worlddb"
	"go.uber.org/zap"
)

// editable parses table and checks that the player may edit it: only the
// world's creator and admins can.
func (d *Dispatcher) editable(ctx context.Context, s *session.Session, table string) (worlddb.TableKey, error) {
	key, err := worlddb.ParseTableKey(table)
	if err != nil {
		return key, clientErrorf("Bad table %q.", table)
	}
	w, err := d.store.GetWorld(ctx, key.World)
	if errors.Is(err, worlddb.ErrNotFound) {
		return key, clientErrorf("No such world.")
	}
	if err != nil {
		return key, fmt.Errorf("dispatch: world %s: %w", key.World, err)
	}
	if w.Creator == s.Player {
		return key, nil
	}
	pl, err := d.player(ctx, s.Player)
	if err != nil {
		return key, err
	}
	if !pl.Admin {
		d.log.Info("edit refused",
			zap.String("player", string(s.Player)),
			zap.String("table", table))
		return key, clientErrorf("You do not have permission to edit this world.")
	}
	return key, nil
}

func cmdPropOpen(ctx context.Context, d *Dispatcher, s *session.Session, p PropOpenCmd) error {
	table, err := d.editable(ctx, s, p.Table)
	if err != nil {
		return err
	}
	d.res.WatchTable(s, table)
	props, err := d.coord.OpenTable(ctx, table)
	if err != nil {
		d.res.UnwatchTable(s, table)
		return err
	}
	s.Enqueue(events.NewPropTable(table, props))
	return nil
}

func cmdPropClose(_ context.Context, d *Dispatcher, s *session.Session, p PropCloseCmd) error {
	table, err := worlddb.ParseTableKey(p.Table)
	if err != nil {
		return clientErrorf("Bad table %q.", p.Table)
	}
	d.res.UnwatchTable(s, table)
	return nil
}

func cmdPropSave(ctx context.Context, d *Dispatcher, s *session.Session, p PropSaveCmd) error {
	table, err := d.editable(ctx, s, p.Table)
	if err != nil {
		return err
	}
	res, err := d.coord.CommitEdit(ctx, table, p.ID, p.Version, p.Value)
	if errors.Is(err, worlddb.ErrNotFound) {
		return clientErrorf("No such property.")
	}
	if err != nil {
		return err
	}
	if !res.Committed() {
		s.Enqueue(events.NewPropConflict(table, res.Current()))
	}
	return nil
}

func cmdPropAdd(ctx context.Context, d *Dispatcher, s *session.Session, p PropAddCmd) error {
	table, err := d.editable(ctx, s, p.Table)
	if err != nil {
		return err
	}
	_, err = d.coord.AddProperty(ctx, table, p.Key, p.Value)
	if errors.Is(err, worlddb.ErrDuplicateKey) {
		return clientErrorf("The key %q is already in use.", p.Key)
	}
	return err
}

func cmdPropDelete(ctx context.Context, d *Dispatcher, s *session.Session, p PropDeleteCmd) error {
	table, err := d.editable(ctx, s, p.Table)
	if err != nil {
		return err
	}
	res, err := d.coord.DeleteProperty(ctx, table, p.ID, p.Version)
	if errors.Is(err, worlddb.ErrNotFound) {
		return clientErrorf("No such property.")
	}
	if err != nil {
		return err
	}
	if !res.Committed() {
		s.Enqueue(events.NewPropConflict(table, res.Current()))
	}
	return nil
}
