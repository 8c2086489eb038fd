package session

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/crystal-mush/tworld/pkg/events"
	"github.com/crystal-mush/tworld/pkg/markup"
	"github.com/crystal-mush/tworld/pkg/worlddb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	closed atomic.Bool
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

type prefsWrite struct {
	player worlddb.PlayerID
	prefs  worlddb.Prefs
	at     time.Time
}

type fakePrefs struct {
	mu     sync.Mutex
	stored map[worlddb.PlayerID]worlddb.Prefs
	writes []prefsWrite
}

func (f *fakePrefs) GetPrefs(_ context.Context, id worlddb.PlayerID) (worlddb.Prefs, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stored[id], nil
}

func (f *fakePrefs) PutPrefs(_ context.Context, id worlddb.PlayerID, prefs worlddb.Prefs) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stored == nil {
		f.stored = make(map[worlddb.PlayerID]worlddb.Prefs)
	}
	f.stored[id] = prefs
	f.writes = append(f.writes, prefsWrite{player: id, prefs: prefs, at: time.Now()})
	return nil
}

func (f *fakePrefs) Writes() []prefsWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]prefsWrite(nil), f.writes...)
}

func collect(t *testing.T, s *Session) []events.Envelope {
	t.Helper()
	var out []events.Envelope
	require.NoError(t, s.Flush(func(env events.Envelope) error {
		out = append(out, env)
		return nil
	}))
	return out
}

var (
	placeA = worlddb.Place{World: "w1", Scope: "s1", Location: "hall"}
	placeB = worlddb.Place{World: "w1", Scope: "s2", Location: "hall"}
)

func newTestSession(t *testing.T, reg *Registry) (*Session, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	s, err := reg.Attach(context.Background(), conn, worlddb.Player{ID: "p1", Name: "Ada"})
	require.NoError(t, err)
	return s, conn
}

func TestStaleGuardedDeltaDropped(t *testing.T) {
	var stale atomic.Int32
	reg := NewRegistry(Options{Hooks: Hooks{Stale: func(events.Envelope) { stale.Add(1) }}})
	s, _ := newTestSession(t, reg)
	s.SetBinding(placeA, time.Now())

	u := events.NewUpdate()
	pop := markup.Plain("You see Grace here.")
	u.Populace = &pop
	s.EnqueueGuarded(u, placeA)

	// The session moves before the writer gets to the delta.
	s.SetBinding(placeB, time.Now())
	s.Enqueue(events.NewEvent("Grace says, “hi”"))

	out := collect(t, s)
	require.Len(t, out, 1)
	assert.Equal(t, "event", out[0].Command())
	assert.Equal(t, int32(1), stale.Load())
	assert.True(t, s.Cursor().IsZero(), "cursor must not advance for a dropped delta")
}

func TestCursorFollowsDelivery(t *testing.T) {
	reg := NewRegistry(Options{})
	s, _ := newTestSession(t, reg)
	s.SetBinding(placeA, time.Now())
	s.EnqueueGuarded(events.NewUpdate(), placeA)

	assert.True(t, s.Cursor().IsZero(), "cursor moves only on delivery")
	collect(t, s)
	assert.Equal(t, placeA, s.Cursor())
}

func TestOutboxFIFO(t *testing.T) {
	reg := NewRegistry(Options{})
	s, _ := newTestSession(t, reg)
	for _, text := range []string{"one", "two", "three"} {
		s.Enqueue(events.NewMessage(text))
	}
	out := collect(t, s)
	require.Len(t, out, 3)
	for i, text := range []string{"one", "two", "three"} {
		assert.Equal(t, text, out[i].(*events.Message).Text)
	}
}

func TestSetFocusAndClear(t *testing.T) {
	reg := NewRegistry(Options{})
	s, _ := newTestSession(t, reg)
	s.SetBinding(placeA, time.Now())

	s.SetFocus(Focus{Kind: FocusPortal, Target: "port1", Desc: markup.Plain("A portal.")})
	s.ClearFocus()

	out := collect(t, s)
	require.Len(t, out, 2)
	u := out[0].(*events.Update)
	require.NotNil(t, u.FocusSpecial)
	assert.True(t, *u.FocusSpecial)
	assert.Equal(t, "clearfocus", out[1].Command())
	assert.Equal(t, FocusNone, s.Focus().Kind)
}

func TestUIPrefsDebounced(t *testing.T) {
	prefs := &fakePrefs{}
	delay := 80 * time.Millisecond
	reg := NewRegistry(Options{Prefs: prefs, PrefsDelay: delay})
	s, _ := newTestSession(t, reg)

	start := time.Now()
	s.UpdateUIPrefs(worlddb.Prefs{"font_size": json.RawMessage(`110`)})
	time.Sleep(delay / 2)
	last := time.Now()
	s.UpdateUIPrefs(worlddb.Prefs{"font_size": json.RawMessage(`115`)})
	s.UpdateUIPrefs(worlddb.Prefs{"theme": json.RawMessage(`"dark"`)})

	assert.Eventually(t, func() bool { return len(prefs.Writes()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(2 * delay)

	writes := prefs.Writes()
	require.Len(t, writes, 1)
	assert.JSONEq(t, `115`, string(writes[0].prefs["font_size"]))
	assert.JSONEq(t, `"dark"`, string(writes[0].prefs["theme"]))
	assert.GreaterOrEqual(t, writes[0].at.Sub(last), delay-5*time.Millisecond)
	assert.Greater(t, writes[0].at.Sub(start), delay)

	out := collect(t, s)
	require.Len(t, out, 1)
	assert.Equal(t, "uiprefs", out[0].Command())
}

func TestDetachFlushesPrefs(t *testing.T) {
	prefs := &fakePrefs{}
	reg := NewRegistry(Options{Prefs: prefs, PrefsDelay: time.Hour})
	s, conn := newTestSession(t, reg)

	s.UpdateUIPrefs(worlddb.Prefs{"font_size": json.RawMessage(`120`)})
	assert.Empty(t, prefs.Writes())

	reg.Detach(conn)
	writes := prefs.Writes()
	require.Len(t, writes, 1)
	assert.JSONEq(t, `120`, string(writes[0].prefs["font_size"]))
}

func TestPrefsLoadedOnAttach(t *testing.T) {
	prefs := &fakePrefs{stored: map[worlddb.PlayerID]worlddb.Prefs{"p1": {"font_size": json.RawMessage(`99`)}}}
	reg := NewRegistry(Options{Prefs: prefs})
	s, _ := newTestSession(t, reg)
	assert.JSONEq(t, `99`, string(s.Prefs()["font_size"]))
}

func TestFeedEventsIgnoreBinding(t *testing.T) {
	reg := NewRegistry(Options{})
	s, _ := newTestSession(t, reg)
	s.SetBinding(placeA, time.Now())
	s.Receive(events.Event{Type: events.EvSay, Text: "hi"})
	s.SetBinding(placeB, time.Now())

	out := collect(t, s)
	require.Len(t, out, 1)
	assert.Equal(t, "hi", out[0].(*events.Message).Text)
}

func TestOutboxOverflowClosesConn(t *testing.T) {
	reg := NewRegistry(Options{OutboxLimit: 2})
	s, conn := newTestSession(t, reg)
	s.Enqueue(events.NewMessage("1"))
	s.Enqueue(events.NewMessage("2"))
	assert.False(t, conn.closed.Load())
	s.Enqueue(events.NewMessage("3"))
	assert.True(t, conn.closed.Load())
}

func TestRunStopsOnDetach(t *testing.T) {
	reg := NewRegistry(Options{})
	s, conn := newTestSession(t, reg)

	got := make(chan string, 4)
	done := make(chan error, 1)
	go func() {
		done <- s.Run(context.Background(), func(env events.Envelope) error {
			got <- env.(*events.Message).Text
			return nil
		})
	}()
	s.Enqueue(events.NewMessage("hello"))
	assert.Equal(t, "hello", <-got)

	reg.Detach(conn)
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrOutboxClosed)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after detach")
	}
}
