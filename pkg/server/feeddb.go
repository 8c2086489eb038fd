package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/crystal-mush/tworld/pkg/events"
	"github.com/crystal-mush/tworld/pkg/worlddb"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const feedSchema = `
CREATE TABLE IF NOT EXISTS feed (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	world    TEXT NOT NULL,
	scope    TEXT NOT NULL,
	location TEXT NOT NULL,
	type     TEXT NOT NULL,
	source   TEXT NOT NULL,
	text     TEXT NOT NULL,
	created  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS feed_place ON feed (world, scope, location, id);
CREATE INDEX IF NOT EXISTS feed_created ON feed (created);
`

// FeedDB keeps the feed lines broadcast at each place in SQLite so /history
// can replay them. It subscribes to the event bus as a global subscriber.
type FeedDB struct {
	db   *sql.DB
	path string
	log  *zap.Logger
	now  func() time.Time

	mu     sync.Mutex
	closed bool
}

// OpenFeedDB opens a SQLite database, sets WAL mode and busy timeout and
// creates the feed table.
func OpenFeedDB(path string, log *zap.Logger) (*FeedDB, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite %s: %w", path, err)
	}
	// One writer; WAL lets readers run alongside it.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(feedSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating feed table: %w", err)
	}
	return &FeedDB{db: db, path: path, log: log, now: time.Now}, nil
}

// Path returns the filesystem path of the database.
func (f *FeedDB) Path() string { return f.path }

// stored reports whether an event type belongs in the history.
func stored(t events.EventType) bool {
	switch t {
	case events.EvSay, events.EvPose, events.EvAction, events.EvArrive,
		events.EvDepart, events.EvConnect, events.EvDisconnect:
		return true
	}
	return false
}

// Receive implements events.Subscriber. Events without a place (hollers)
// are not stored.
func (f *FeedDB) Receive(ev events.Event) {
	if !stored(ev.Type) || ev.Place.IsZero() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.Insert(ctx, ev); err != nil {
		f.log.Error("feed insert failed", zap.String("type", ev.Type.String()), zap.Error(err))
	}
}

// Closed implements events.Subscriber.
func (f *FeedDB) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Insert stores one feed line.
func (f *FeedDB) Insert(ctx context.Context, ev events.Event) error {
	_, err := f.db.ExecContext(ctx,
		`INSERT INTO feed (world, scope, location, type, source, text, created) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(ev.Place.World), string(ev.Place.Scope), string(ev.Place.Location),
		ev.Type.String(), string(ev.Source), ev.Text, f.now().Unix())
	return err
}

// Recent returns up to n of the latest lines at place, oldest first.
func (f *FeedDB) Recent(ctx context.Context, place worlddb.Place, n int) ([]string, error) {
	rows, err := f.db.QueryContext(ctx,
		`SELECT text FROM (
			SELECT id, text FROM feed
			WHERE world = ? AND scope = ? AND location = ?
			ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`,
		string(place.World), string(place.Scope), string(place.Location), n)
	if err != nil {
		return nil, fmt.Errorf("feed history: %w", err)
	}
	defer rows.Close()

	var lines []string
	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			return nil, fmt.Errorf("feed history: %w", err)
		}
		lines = append(lines, text)
	}
	return lines, rows.Err()
}

// Purge deletes lines older than retention and returns how many went.
func (f *FeedDB) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := f.now().Add(-retention).Unix()
	res, err := f.db.ExecContext(ctx, `DELETE FROM feed WHERE created < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RunRetention purges old lines every hour until ctx ends. A retention of
// zero keeps everything.
func (f *FeedDB) RunRetention(ctx context.Context, retention time.Duration) {
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		purged, err := f.Purge(ctx, retention)
		if err != nil {
			f.log.Error("feed cleanup failed", zap.Error(err))
			continue
		}
		if purged > 0 {
			f.log.Info("feed cleanup", zap.Int64("purged", purged))
		}
	}
}

// Checkpoint forces a WAL checkpoint to flush all writes to the main database file.
func (f *FeedDB) Checkpoint() error {
	if f.Closed() {
		return errors.New("feed db closed")
	}
	_, err := f.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

// Close stops event delivery and closes the database.
func (f *FeedDB) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()
	return f.db.Close()
}
