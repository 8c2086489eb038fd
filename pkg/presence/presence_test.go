package presence

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/crystal-mush/tworld/pkg/boltstore"
	"github.com/crystal-mush/tworld/pkg/session"
	"github.com/crystal-mush/tworld/pkg/worlddb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopConn struct{}

func (nopConn) Close() error { return nil }

type testEnv struct {
	store *boltstore.Store
	res   *Resolver
	reg   *session.Registry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := boltstore.Open(filepath.Join(t.TempDir(), "world.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	for _, w := range []worlddb.World{
		{ID: "std", Name: "Standard", Instancing: worlddb.InstancingStandard, StartLocation: "start"},
		{ID: "solo", Name: "Solo", Instancing: worlddb.InstancingSolo, StartLocation: "start"},
		{ID: "shared", Name: "Shared", Instancing: worlddb.InstancingShared, StartLocation: "start"},
	} {
		require.NoError(t, store.PutWorld(ctx, w))
	}
	require.NoError(t, store.PutPlayer(ctx, worlddb.Player{ID: "p1", Name: "Ada"}))
	require.NoError(t, store.PutPlayer(ctx, worlddb.Player{ID: "p2", Name: "Grace"}))

	return &testEnv{store: store, res: New(store, nil), reg: session.NewRegistry(session.Options{})}
}

func (e *testEnv) attach(t *testing.T, player worlddb.PlayerID) *session.Session {
	t.Helper()
	s, err := e.reg.Attach(context.Background(), &nopConn{}, worlddb.Player{ID: player})
	require.NoError(t, err)
	return s
}

func TestResolveScopeByInstancing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	glob, err := env.store.GlobalScope(ctx)
	require.NoError(t, err)

	shared, err := env.res.ResolveScope(ctx, "p1", "shared", worlddb.ScopeRefPersonal)
	require.NoError(t, err)
	assert.Equal(t, glob.ID, shared, "shared worlds ignore the request")

	solo, err := env.res.ResolveScope(ctx, "p1", "solo", worlddb.ScopeRefGlobal)
	require.NoError(t, err)
	assert.NotEqual(t, glob.ID, solo)
	sc, err := env.store.GetScope(ctx, solo)
	require.NoError(t, err)
	assert.Equal(t, worlddb.ScopePersonal, sc.Type)
	assert.Equal(t, worlddb.PlayerID("p1"), sc.Owner)

	again, err := env.res.ResolveScope(ctx, "p1", "solo", "")
	require.NoError(t, err)
	assert.Equal(t, solo, again, "personal scope is created once")

	other, err := env.res.ResolveScope(ctx, "p2", "solo", "")
	require.NoError(t, err)
	assert.NotEqual(t, solo, other)

	std, err := env.res.ResolveScope(ctx, "p1", "std", "")
	require.NoError(t, err)
	assert.Equal(t, glob.ID, std)

	pers, err := env.res.ResolveScope(ctx, "p1", "std", worlddb.ScopeRefPersonal)
	require.NoError(t, err)
	assert.Equal(t, solo, pers)
}

func TestResolveScopeExplicit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.store.PutScope(ctx, worlddb.Scope{ID: "crew", Type: worlddb.ScopeGroup, Group: "crew"}))

	got, err := env.res.ResolveScope(ctx, "p1", "std", "crew")
	require.NoError(t, err)
	assert.Equal(t, worlddb.ScopeID("crew"), got)

	_, err = env.res.ResolveScope(ctx, "p1", "std", "nowhere")
	assert.ErrorIs(t, err, ErrScopeDenied)

	adaScope, err := env.res.ResolveScope(ctx, "p1", "solo", "")
	require.NoError(t, err)
	_, err = env.res.ResolveScope(ctx, "p2", "std", string(adaScope))
	assert.ErrorIs(t, err, ErrScopeDenied, "personal scopes are private")
}

func TestResolveScopeSame(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.store.PutPlayState(ctx, worlddb.PlayState{Player: "p1", Place: worlddb.Place{World: "std", Scope: "crew", Location: "start"}}))
	got, err := env.res.ResolveScope(ctx, "p1", "std", worlddb.ScopeRefSame)
	require.NoError(t, err)
	assert.Equal(t, worlddb.ScopeID("crew"), got)
}

func TestBindingStateMachine(t *testing.T) {
	env := newTestEnv(t)
	s := env.attach(t, "p1")
	hall := worlddb.Place{World: "std", Scope: "g", Location: "hall"}
	yard := worlddb.Place{World: "std", Scope: "g", Location: "yard"}

	_, err := env.res.Rebind(s, yard)
	assert.ErrorIs(t, err, ErrInvariant, "cannot move an unbound session")

	require.NoError(t, env.res.Bind(s, hall))
	assert.Equal(t, hall, s.Binding())
	assert.ErrorIs(t, env.res.Bind(s, yard), ErrInvariant, "cannot be bound twice")

	old, err := env.res.Rebind(s, yard)
	require.NoError(t, err)
	assert.Equal(t, hall, old)
	assert.Empty(t, env.res.MembersOf(hall))
	assert.Equal(t, []session.ID{s.ID}, env.res.MembersOf(yard))

	old, ok := env.res.Unbind(s)
	assert.True(t, ok)
	assert.Equal(t, yard, old)
	assert.True(t, s.Binding().IsZero())
	assert.Empty(t, env.res.MembersOf(yard))
}

func TestMembersOfIsSnapshot(t *testing.T) {
	env := newTestEnv(t)
	a := env.attach(t, "p1")
	b := env.attach(t, "p2")
	hall := worlddb.Place{World: "std", Scope: "g", Location: "hall"}
	other := worlddb.Place{World: "std", Scope: "h", Location: "hall"}

	require.NoError(t, env.res.Bind(a, hall))
	require.NoError(t, env.res.Bind(b, other))

	members := env.res.MembersOf(hall)
	assert.Equal(t, []session.ID{a.ID}, members)

	_, err := env.res.Rebind(b, hall)
	require.NoError(t, err)
	assert.Len(t, members, 1, "earlier snapshot is unaffected")
	assert.Len(t, env.res.MembersOf(hall), 2)
	assert.Equal(t, 2, env.res.InstanceCount("std", "g"))
}

func TestForgetDropsSubscriptions(t *testing.T) {
	env := newTestEnv(t)
	s := env.attach(t, "p1")
	table := worlddb.TableKey{Kind: worlddb.TableLocation, World: "std", Location: "hall"}
	require.NoError(t, env.res.Bind(s, worlddb.Place{World: "std", Scope: "g", Location: "hall"}))
	env.res.SubscribePortList(s, "pl1")
	env.res.WatchTable(s, table)

	_, ok := env.res.Forget(s)
	assert.True(t, ok)
	assert.Empty(t, env.res.PortListSubscribers("pl1"))
	assert.Empty(t, env.res.TableWatchers(table))

	env.res.Restore(s)
	assert.Len(t, env.res.PortListSubscribers("pl1"), 1)
	assert.Len(t, env.res.TableWatchers(table), 1)
}
