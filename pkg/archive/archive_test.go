package archive

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/crystal-mush/tworld/pkg/boltstore"
	"github.com/crystal-mush/tworld/pkg/worlddb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	dir   string
	store *boltstore.Store
	feed  string
	text  string
	conf  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := boltstore.Open(filepath.Join(dir, "world.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.PutWorld(context.Background(), worlddb.World{ID: "start", Name: "Beginning", Instancing: worlddb.InstancingStandard, StartLocation: "hall"}))

	f := &fixture{
		dir:   dir,
		store: store,
		feed:  filepath.Join(dir, "feed.db"),
		text:  filepath.Join(dir, "text"),
		conf:  filepath.Join(dir, "tworld.yaml"),
	}
	require.NoError(t, os.WriteFile(f.feed, []byte("feed bytes"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(f.text, "extra"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(f.text, "motd.txt"), []byte("Welcome."), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(f.text, "extra", "news.txt"), []byte("News."), 0644))
	require.NoError(t, os.WriteFile(f.conf, []byte("listen: \":4000\"\n"), 0644))
	return f
}

func (f *fixture) create(t *testing.T, now time.Time) string {
	t.Helper()
	checkpoints := 0
	path, err := Create(Params{
		Snapshot:       f.store.Backup,
		FeedPath:       f.feed,
		FeedCheckpoint: func() error { checkpoints++; return nil },
		TextDir:        f.text,
		ConfPath:       f.conf,
		Dir:            filepath.Join(f.dir, "backups"),
		Server:         "Tworld 0.1.0",
		Now:            func() time.Time { return now },
	})
	require.NoError(t, err)
	assert.Equal(t, 1, checkpoints)
	return path
}

func TestCreateWritesManifest(t *testing.T) {
	f := newFixture(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	path := f.create(t, now)
	assert.Equal(t, "tworld-20260301-120000.tar.gz", filepath.Base(path))

	m, err := ReadManifest(path)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Version)
	assert.Equal(t, "Tworld 0.1.0", m.Server)
	assert.Equal(t, "2026-03-01T12:00:00Z", m.Timestamp)

	types := map[string]string{}
	for name, e := range m.Files {
		types[name] = e.Type
		assert.Len(t, e.SHA256, 64, name)
	}
	assert.Equal(t, map[string]string{
		WorldName:             "world",
		FeedName:              "feed",
		"text/motd.txt":       "text",
		"text/extra/news.txt": "text",
		"conf/tworld.yaml":    "conf",
	}, types)
	assert.EqualValues(t, len("feed bytes"), m.Files[FeedName].Size)
}

func TestListNewestFirst(t *testing.T) {
	f := newFixture(t)
	day := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.create(t, day)
	f.create(t, day.Add(24*time.Hour))

	list, err := List(filepath.Join(f.dir, "backups"))
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "tworld-20260302-120000.tar.gz", list[0].Filename)
	assert.Equal(t, 5, list[0].Files)
	assert.Equal(t, "Tworld 0.1.0", list[1].Server)
}

func TestRestoreRoundTrip(t *testing.T) {
	f := newFixture(t)
	path := f.create(t, time.Now())

	out := t.TempDir()
	conf := filepath.Join(out, "tworld.yaml")
	require.NoError(t, os.WriteFile(conf, []byte("listen: \":5000\"\n"), 0644))

	res, err := Restore(RestoreParams{
		ArchivePath: path,
		WorldDest:   filepath.Join(out, "data", "world.db"),
		FeedDest:    filepath.Join(out, "data", "feed.db"),
		TextDest:    filepath.Join(out, "text"),
		ConfDest:    conf,
	})
	require.NoError(t, err)
	assert.Equal(t, 5, res.FilesRestored)
	require.Len(t, res.Warnings, 1)

	// The live config is left alone; the archived copy lands beside it.
	data, err := os.ReadFile(conf)
	require.NoError(t, err)
	assert.Equal(t, "listen: \":5000\"\n", string(data))
	data, err = os.ReadFile(conf + ".restored")
	require.NoError(t, err)
	assert.Equal(t, "listen: \":4000\"\n", string(data))

	data, err = os.ReadFile(filepath.Join(out, "text", "extra", "news.txt"))
	require.NoError(t, err)
	assert.Equal(t, "News.", string(data))

	restored, err := boltstore.Open(filepath.Join(out, "data", "world.db"), nil)
	require.NoError(t, err)
	defer restored.Close()
	w, err := restored.GetWorld(context.Background(), "start")
	require.NoError(t, err)
	assert.Equal(t, "Beginning", w.Name)
}

func TestRestoreRejectsCorruptArchive(t *testing.T) {
	f := newFixture(t)
	path := f.create(t, time.Now())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data[:len(data)/2], 0644))

	_, err = Restore(RestoreParams{ArchivePath: path, WorldDest: filepath.Join(t.TempDir(), "w.db")})
	assert.Error(t, err)
}
