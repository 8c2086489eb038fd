package boltstore

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/crystal-mush/tworld/pkg/worlddb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "world.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

var testTable = worlddb.TableKey{Kind: worlddb.TableLocation, World: "w1", Location: "start"}

func TestGlobalScopeCreatedOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "world.db")
	s, err := Open(path, nil)
	require.NoError(t, err)
	ctx := context.Background()
	first, err := s.GlobalScope(ctx)
	require.NoError(t, err)
	assert.Equal(t, worlddb.ScopeGlobal, first.Type)
	require.NoError(t, s.Close())

	s, err = Open(path, nil)
	require.NoError(t, err)
	defer s.Close()
	second, err := s.GlobalScope(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestPropertyVersioning(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	prop, err := s.AddProperty(ctx, testTable, "lamp", worlddb.Value{Kind: worlddb.KindText, Text: "A lamp."})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), prop.Version)

	res, err := s.WriteProperty(ctx, testTable, prop.ID, 1, worlddb.Value{Kind: worlddb.KindText, Text: "A brass lamp."})
	require.NoError(t, err)
	assert.True(t, res.Committed)
	assert.Equal(t, uint64(2), res.Version)

	// A second writer still holding version 1 is refused.
	res, err = s.WriteProperty(ctx, testTable, prop.ID, 1, worlddb.Value{Kind: worlddb.KindText, Text: "stale"})
	require.NoError(t, err)
	assert.False(t, res.Committed)
	assert.Equal(t, uint64(2), res.Version)
	assert.Equal(t, "A brass lamp.", res.Current.Value.Text)

	got, err := s.GetProperty(ctx, testTable, prop.ID)
	require.NoError(t, err)
	assert.Equal(t, "A brass lamp.", got.Value.Text)
}

func TestPropertyDuplicateKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.AddProperty(ctx, testTable, "lamp", worlddb.Value{Kind: worlddb.KindText})
	require.NoError(t, err)
	_, err = s.AddProperty(ctx, testTable, "lamp", worlddb.Value{Kind: worlddb.KindText})
	assert.ErrorIs(t, err, worlddb.ErrDuplicateKey)
}

func TestPropertyDeleteMovesToTrash(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	prop, err := s.AddProperty(ctx, testTable, "lamp", worlddb.Value{Kind: worlddb.KindText})
	require.NoError(t, err)

	res, err := s.DeleteProperty(ctx, testTable, prop.ID, 7)
	require.NoError(t, err)
	assert.False(t, res.Committed, "stale delete must not apply")

	res, err = s.DeleteProperty(ctx, testTable, prop.ID, 1)
	require.NoError(t, err)
	assert.True(t, res.Committed)
	assert.True(t, res.Current.Deleted)

	_, err = s.GetProperty(ctx, testTable, prop.ID)
	assert.ErrorIs(t, err, worlddb.ErrNotFound)
	trash, err := s.Trash(ctx, testTable)
	require.NoError(t, err)
	require.Len(t, trash, 1)
	assert.Equal(t, "lamp", trash[0].Key)

	// The key is free again.
	_, err = s.AddProperty(ctx, testTable, "lamp", worlddb.Value{Kind: worlddb.KindText})
	assert.NoError(t, err)
}

func TestWriteMissingProperty(t *testing.T) {
	s := newTestStore(t)
	_, err := s.WriteProperty(context.Background(), testTable, "nope", 1, worlddb.Value{Kind: worlddb.KindText})
	assert.ErrorIs(t, err, worlddb.ErrNotFound)
}

func TestPlayerNameIndex(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutPlayer(ctx, worlddb.Player{ID: "p1", Name: "Ada"}))

	got, err := s.FindPlayer(ctx, "ADA")
	require.NoError(t, err)
	assert.Equal(t, worlddb.PlayerID("p1"), got.ID)

	err = s.PutPlayer(ctx, worlddb.Player{ID: "p2", Name: "ada"})
	assert.ErrorIs(t, err, worlddb.ErrDuplicateKey)

	require.NoError(t, s.PutPlayer(ctx, worlddb.Player{ID: "p1", Name: "Grace"}))
	_, err = s.FindPlayer(ctx, "Ada")
	assert.ErrorIs(t, err, worlddb.ErrNotFound)
}

func TestPortalOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(1))

	var ids []worlddb.PortalID
	for i := 0; i < 20; i++ {
		p, err := s.AddPortal(ctx, worlddb.Portal{List: "pl", World: "w1", Location: "start", Position: rng.Float64() * 100})
		require.NoError(t, err)
		ids = append(ids, p.ID)
	}
	for i := 0; i < 20; i += 3 {
		res, err := s.DeletePortal(ctx, "pl", ids[i], 1)
		require.NoError(t, err)
		require.True(t, res.Committed)
	}

	portals, err := s.ListPortals(ctx, "pl")
	require.NoError(t, err)
	for i := 1; i < len(portals); i++ {
		assert.Less(t, portals[i-1].Position, portals[i].Position)
	}
}

func TestPortalDuplicatePositionRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.AddPortal(ctx, worlddb.Portal{List: "pl", Position: 1})
	require.NoError(t, err)
	_, err = s.AddPortal(ctx, worlddb.Portal{List: "pl", Position: 1})
	assert.ErrorIs(t, err, worlddb.ErrDuplicateKey)
}

func TestRenumberPortals(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, pos := range []float64{0.5, 0.75, 0.875} {
		_, err := s.AddPortal(ctx, worlddb.Portal{List: "pl", Position: pos})
		require.NoError(t, err)
	}
	portals, err := s.RenumberPortals(ctx, "pl")
	require.NoError(t, err)
	require.Len(t, portals, 3)
	for i, p := range portals {
		assert.Equal(t, float64(i+1), p.Position)
		assert.Equal(t, uint64(2), p.Version)
	}
}

func TestPrefsDefaultEmpty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	prefs, err := s.GetPrefs(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, prefs)

	require.NoError(t, s.PutPrefs(ctx, "p1", worlddb.Prefs{"font": []byte("115")}))
	prefs, err = s.GetPrefs(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "115", string(prefs["font"]))
}

func TestScopeMembers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutPlayState(ctx, worlddb.PlayState{Player: "p1", Place: worlddb.Place{World: "w1", Scope: "s1", Location: "start"}}))
	require.NoError(t, s.PutPlayState(ctx, worlddb.PlayState{Player: "p2", Place: worlddb.Place{World: "w1", Scope: "s2", Location: "start"}}))
	members, err := s.GetScopeMembers(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []worlddb.PlayerID{"p1"}, members)
}

func TestBackup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutWorld(ctx, worlddb.World{ID: "w1", Name: "Test"}))
	out := filepath.Join(t.TempDir(), "backup.db")
	require.NoError(t, s.Backup(out))

	info, err := os.Stat(out)
	require.NoError(t, err)
	assert.Positive(t, info.Size())

	copyStore, err := Open(out, nil)
	require.NoError(t, err)
	defer copyStore.Close()
	w, err := copyStore.GetWorld(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "Test", w.Name)
}
