package fanout

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/crystal-mush/tworld/pkg/boltstore"
	"github.com/crystal-mush/tworld/pkg/events"
	"github.com/crystal-mush/tworld/pkg/markup"
	"github.com/crystal-mush/tworld/pkg/presence"
	"github.com/crystal-mush/tworld/pkg/session"
	"github.com/crystal-mush/tworld/pkg/worlddb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopConn struct{}

func (nopConn) Close() error { return nil }

var (
	hall1 = worlddb.Place{World: "w", Scope: "s1", Location: "hall"}
	yard1 = worlddb.Place{World: "w", Scope: "s1", Location: "yard"}
	hall2 = worlddb.Place{World: "w", Scope: "s2", Location: "hall"}
)

type fixture struct {
	store *boltstore.Store
	res   *presence.Resolver
	reg   *session.Registry
	bus   *events.Bus
	n     *Notifier
	stale int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := boltstore.Open(filepath.Join(t.TempDir(), "world.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	require.NoError(t, store.PutWorld(ctx, worlddb.World{ID: "w", Name: "Wonder", Creator: "p1", Instancing: worlddb.InstancingStandard, StartLocation: "hall"}))
	require.NoError(t, store.PutLocation(ctx, worlddb.Location{World: "w", Key: "hall", Name: "Great Hall", Desc: "A [[mood]] hall."}))
	require.NoError(t, store.PutLocation(ctx, worlddb.Location{World: "w", Key: "yard", Name: "Yard", Desc: "Grass."}))
	require.NoError(t, store.PutScope(ctx, worlddb.Scope{ID: "s1", Type: worlddb.ScopeGroup, Group: "one"}))
	require.NoError(t, store.PutScope(ctx, worlddb.Scope{ID: "s2", Type: worlddb.ScopeGroup, Group: "two"}))
	for _, p := range []worlddb.Player{{ID: "p1", Name: "Ada"}, {ID: "p2", Name: "Grace"}, {ID: "p3", Name: "Linus"}, {ID: "p4", Name: "Ken"}} {
		require.NoError(t, store.PutPlayer(ctx, p))
	}

	f := &fixture{store: store, bus: events.NewBus()}
	f.reg = session.NewRegistry(session.Options{Hooks: session.Hooks{
		Stale: func(events.Envelope) { f.stale++ },
	}})
	f.res = presence.New(store, nil)
	f.n = New(store, f.res, f.reg, f.bus, nil)
	return f
}

func (f *fixture) join(t *testing.T, player worlddb.PlayerID, name string, place worlddb.Place) *session.Session {
	t.Helper()
	s, err := f.reg.Attach(context.Background(), &nopConn{}, worlddb.Player{ID: player, Name: name})
	require.NoError(t, err)
	f.bus.Subscribe(string(s.ID), s)
	require.NoError(t, f.res.Bind(s, place))
	return s
}

func drain(t *testing.T, s *session.Session) []events.Envelope {
	t.Helper()
	var out []events.Envelope
	require.NoError(t, s.Flush(func(env events.Envelope) error {
		out = append(out, env)
		return nil
	}))
	return out
}

func updates(envs []events.Envelope) []*events.Update {
	var out []*events.Update
	for _, e := range envs {
		if u, ok := e.(*events.Update); ok {
			out = append(out, u)
		}
	}
	return out
}

func TestNotifyReachesExactlyTheBoundSessions(t *testing.T) {
	f := newFixture(t)
	a := f.join(t, "p1", "Ada", hall1)
	b := f.join(t, "p2", "Grace", hall1)
	c := f.join(t, "p3", "Linus", hall2)
	d := f.join(t, "p4", "Ken", yard1)

	f.n.Notify(context.Background(), events.Mutation{Kind: events.MutLocation, Place: hall1})

	for _, s := range []*session.Session{a, b} {
		ups := updates(drain(t, s))
		require.Len(t, ups, 1)
		require.NotNil(t, ups[0].Locale)
		assert.Equal(t, "Great Hall", ups[0].Locale.Name)
		assert.Nil(t, ups[0].World, "only the dirty pane is sent")
		assert.Nil(t, ups[0].Populace)
		assert.Equal(t, hall1, s.Cursor())
	}
	assert.Empty(t, drain(t, c))
	assert.Empty(t, drain(t, d))
}

func TestNotifyWildcardScope(t *testing.T) {
	f := newFixture(t)
	a := f.join(t, "p1", "Ada", hall1)
	c := f.join(t, "p3", "Linus", hall2)
	d := f.join(t, "p4", "Ken", yard1)

	f.n.Notify(context.Background(), events.Mutation{Kind: events.MutLocation, Place: worlddb.Place{World: "w", Location: "hall"}})

	assert.Len(t, updates(drain(t, a)), 1)
	assert.Len(t, updates(drain(t, c)), 1)
	assert.Empty(t, drain(t, d))
}

func TestStaleDeltaIsDropped(t *testing.T) {
	f := newFixture(t)
	a := f.join(t, "p1", "Ada", hall1)

	f.n.Notify(context.Background(), events.Mutation{Kind: events.MutLocation, Place: hall1})
	require.Equal(t, 1, a.Pending())

	_, err := f.res.Rebind(a, hall2)
	require.NoError(t, err)

	assert.Empty(t, drain(t, a), "delta computed for the old scope must not arrive")
	assert.Equal(t, 1, f.stale)
	assert.True(t, a.Cursor().IsZero())

	f.n.FullView(context.Background(), a)
	ups := updates(drain(t, a))
	require.Len(t, ups, 1)
	assert.Equal(t, hall2, a.Cursor())
}

func TestFullViewRendersEveryPane(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.store.AddProperty(ctx, worlddb.TableKey{Kind: worlddb.TableLocation, World: "w", Location: "hall"}, "mood", worlddb.Value{Kind: worlddb.KindText, Text: "gloomy"})
	require.NoError(t, err)

	a := f.join(t, "p1", "Ada", hall1)
	f.join(t, "p2", "Grace", hall1)
	f.join(t, "p3", "Linus", hall1)

	f.n.FullView(ctx, a)
	ups := updates(drain(t, a))
	require.Len(t, ups, 1)
	u := ups[0]
	require.NotNil(t, u.World)
	assert.Equal(t, "Wonder", u.World.World)
	assert.Equal(t, "Ada", u.World.Creator)
	assert.Equal(t, "(Group: one)", u.World.Scope)
	require.NotNil(t, u.Locale)
	assert.Equal(t, "A gloomy hall.", markup.PlainText(u.Locale.Desc))
	require.NotNil(t, u.Populace)
	assert.Equal(t, "You see Grace and Linus here.", markup.PlainText(*u.Populace))
	require.NotNil(t, u.InstTool)
	assert.Nil(t, u.Focus, "no focus, nothing to say")
}

func TestPropertyChangeReachesWatchersAndViewers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	table := worlddb.TableKey{Kind: worlddb.TableLocation, World: "w", Location: "hall"}
	prop, err := f.store.AddProperty(ctx, table, "mood", worlddb.Value{Kind: worlddb.KindText, Text: "bright"})
	require.NoError(t, err)

	viewer := f.join(t, "p2", "Grace", hall1)
	editor := f.join(t, "p1", "Ada", yard1)
	f.res.WatchTable(editor, table)

	f.n.Notify(ctx, events.Mutation{Kind: events.MutProperty, Table: table, Property: &prop})

	envs := drain(t, editor)
	require.Len(t, envs, 1)
	up, ok := envs[0].(*events.UpdateProp)
	require.True(t, ok)
	assert.Equal(t, "updateprop", up.Cmd)
	assert.Equal(t, prop.ID, up.ID)

	ups := updates(drain(t, viewer))
	require.Len(t, ups, 1)
	assert.Equal(t, "A bright hall.", markup.PlainText(ups[0].Locale.Desc))

	deleted := prop
	deleted.Deleted = true
	f.n.Notify(ctx, events.Mutation{Kind: events.MutProperty, Table: table, Property: &deleted})
	envs = drain(t, editor)
	require.Len(t, envs, 1)
	assert.Nil(t, envs[0].(*events.UpdateProp).Prop.Value)
}

func TestPopulaceFocusClearsWhenTargetLeaves(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.join(t, "p1", "Ada", hall1)
	b := f.join(t, "p2", "Grace", hall1)

	a.RecordFocus(session.Focus{Kind: session.FocusDesc, Target: PlayerTarget + "p2"})
	_, err := f.res.Rebind(b, yard1)
	require.NoError(t, err)

	f.n.Notify(ctx, events.Mutation{Kind: events.MutPopulace, Place: hall1})
	ups := updates(drain(t, a))
	require.Len(t, ups, 1)
	require.NotNil(t, ups[0].Populace)
	assert.Empty(t, *ups[0].Populace)
	require.NotNil(t, ups[0].Focus)
	assert.Nil(t, ups[0].Focus.Value, "focus on a departed player is cleared")
	assert.Equal(t, session.FocusNone, a.Focus().Kind)
}

func TestBroadcastUsesPopulaceSnapshot(t *testing.T) {
	f := newFixture(t)
	a := f.join(t, "p1", "Ada", hall1)
	b := f.join(t, "p2", "Grace", hall1)
	c := f.join(t, "p3", "Linus", hall2)

	f.n.Broadcast(hall1, events.Event{Type: events.EvSay, Source: "p1", Text: "Ada says, “hi”"}, a.ID)
	_, err := f.res.Rebind(b, hall2)
	require.NoError(t, err)

	envs := drain(t, b)
	require.Len(t, envs, 1)
	assert.Equal(t, "event", envs[0].Command())
	assert.Equal(t, "Ada says, “hi”", envs[0].(*events.Message).Text)
	assert.Empty(t, drain(t, a), "excluded sender")
	assert.Empty(t, drain(t, c))
}

func TestPortListChangeReachesSubscribers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.PutPortalList(ctx, worlddb.PortalList{ID: "pl", Owner: "p1"}))
	p, err := f.store.AddPortal(ctx, worlddb.Portal{List: "pl", World: "w", Location: "yard", ScopeRef: worlddb.ScopeRefGlobal, Creator: "p1", Position: 1})
	require.NoError(t, err)

	a := f.join(t, "p1", "Ada", hall1)
	f.res.SubscribePortList(a, "pl")

	f.n.Notify(ctx, events.Mutation{Kind: events.MutPortList, PortList: "pl", Portal: &p})
	envs := drain(t, a)
	require.Len(t, envs, 1)
	up := envs[0].(*events.UpdatePlist)
	require.NotNil(t, up.Map[p.ID].Value)
	assert.Equal(t, "Yard", up.Map[p.ID].Value.Location)
	assert.Equal(t, "Wonder", up.Map[p.ID].Value.World)

	f.n.Notify(ctx, events.Mutation{Kind: events.MutPortList, PortList: "pl"})
	envs = drain(t, a)
	require.Len(t, envs, 1)
	assert.True(t, envs[0].(*events.UpdatePlist).Clear)
}
