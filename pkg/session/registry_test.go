package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/crystal-mush/tworld/pkg/worlddb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var ada = worlddb.Player{ID: "p1", Name: "Ada"}

func TestAttachLookupDetach(t *testing.T) {
	var detached []ID
	reg := NewRegistry(Options{OnDetach: func(s *Session) { detached = append(detached, s.ID) }})
	conn := &fakeConn{}
	s, err := reg.Attach(context.Background(), conn, ada)
	require.NoError(t, err)

	got, ok := reg.Lookup(s.ID)
	require.True(t, ok)
	assert.Same(t, conn, got)
	assert.Equal(t, 1, reg.Count())

	reg.Detach(conn)
	_, ok = reg.Lookup(s.ID)
	assert.False(t, ok)
	assert.Equal(t, []ID{s.ID}, detached)
	assert.True(t, s.Closed())

	// Detaching twice is harmless.
	reg.Detach(conn)
	assert.Len(t, detached, 1)
}

func TestAttachSupersedes(t *testing.T) {
	reg := NewRegistry(Options{Policy: Supersede})
	first := &fakeConn{}
	s1, err := reg.Attach(context.Background(), first, ada)
	require.NoError(t, err)

	second := &fakeConn{}
	s2, err := reg.Attach(context.Background(), second, ada)
	require.NoError(t, err)

	assert.True(t, first.closed.Load(), "superseded connection must be closed")
	assert.False(t, s1.Attached())
	assert.True(t, s2.Attached())
	cur, ok := reg.ForPlayer("p1")
	require.True(t, ok)
	assert.Equal(t, s2.ID, cur.ID)
	assert.Equal(t, 1, reg.Count())
}

func TestAttachRejects(t *testing.T) {
	reg := NewRegistry(Options{Policy: Reject})
	first := &fakeConn{}
	_, err := reg.Attach(context.Background(), first, ada)
	require.NoError(t, err)

	_, err = reg.Attach(context.Background(), &fakeConn{}, ada)
	assert.ErrorIs(t, err, ErrAlreadyAttached)
	assert.False(t, first.closed.Load())
}

func TestConcurrentAttachKeepsOneConnection(t *testing.T) {
	for _, policy := range []AttachPolicy{Supersede, Reject} {
		t.Run(policy.String(), func(t *testing.T) {
			for round := 0; round < 200; round++ {
				reg := NewRegistry(Options{Policy: policy})
				const n = 8
				conns := make([]*fakeConn, n)
				errs := make([]error, n)
				var start, wg sync.WaitGroup
				start.Add(1)
				for i := range conns {
					conns[i] = &fakeConn{}
					wg.Add(1)
					go func(i int) {
						defer wg.Done()
						start.Wait()
						_, errs[i] = reg.Attach(context.Background(), conns[i], ada)
					}(i)
				}
				start.Done()
				wg.Wait()

				require.Equal(t, 1, reg.Count(), "round %d", round)
				admitted, open := 0, 0
				for i, c := range conns {
					if errs[i] == nil {
						admitted++
					} else {
						require.ErrorIs(t, errs[i], ErrAlreadyAttached)
					}
					if !c.closed.Load() && errs[i] == nil {
						open++
					}
				}
				assert.Equal(t, 1, open, "round %d", round)
				if policy == Reject {
					assert.Equal(t, 1, admitted, "round %d", round)
				} else {
					assert.Equal(t, n, admitted, "round %d", round)
				}
			}
		})
	}
}

func TestResumeTwiceRejectsSecond(t *testing.T) {
	reg := NewRegistry(Options{})
	conn := &fakeConn{}
	s, err := reg.Attach(context.Background(), conn, ada)
	require.NoError(t, err)
	reg.Detach(conn)

	_, err = reg.claim(&fakeConn{}, s)
	require.NoError(t, err)
	_, err = reg.claim(&fakeConn{}, s)
	assert.ErrorIs(t, err, ErrAlreadyAttached)
	assert.Equal(t, 1, reg.Count())
}

func TestResumeWithinGrace(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	reg := NewRegistry(Options{Grace: time.Minute, Now: clock.Now})
	conn := &fakeConn{}
	s, err := reg.Attach(context.Background(), conn, ada)
	require.NoError(t, err)
	s.SubscribePortList("pl1")
	reg.Detach(conn)

	clock.Advance(30 * time.Second)
	again := &fakeConn{}
	resumed, err := reg.Resume(again, "p1", s.ID)
	require.NoError(t, err)
	assert.Same(t, s, resumed)
	assert.Equal(t, []worlddb.PortalListID{"pl1"}, resumed.PortLists())
	assert.False(t, resumed.Closed())
}

func TestResumeAfterGrace(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	reg := NewRegistry(Options{Grace: time.Minute, Now: clock.Now})
	conn := &fakeConn{}
	s, err := reg.Attach(context.Background(), conn, ada)
	require.NoError(t, err)
	reg.Detach(conn)

	clock.Advance(2 * time.Minute)
	_, err = reg.Resume(&fakeConn{}, "p1", s.ID)
	assert.ErrorIs(t, err, ErrGraceExpired)
	_, ok := reg.Get(s.ID)
	assert.False(t, ok)
}

func TestResumeWrongPlayer(t *testing.T) {
	reg := NewRegistry(Options{})
	conn := &fakeConn{}
	s, err := reg.Attach(context.Background(), conn, ada)
	require.NoError(t, err)
	reg.Detach(conn)
	_, err = reg.Resume(&fakeConn{}, "p2", s.ID)
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestReap(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	reg := NewRegistry(Options{Grace: time.Minute, Now: clock.Now})
	conn := &fakeConn{}
	s, err := reg.Attach(context.Background(), conn, ada)
	require.NoError(t, err)
	_, err = reg.Attach(context.Background(), &fakeConn{}, worlddb.Player{ID: "p2", Name: "Grace"})
	require.NoError(t, err)

	reg.Detach(conn)
	assert.Equal(t, 0, reg.Reap())
	clock.Advance(61 * time.Second)
	assert.Equal(t, 1, reg.Reap())
	_, ok := reg.Get(s.ID)
	assert.False(t, ok)
	assert.Equal(t, 1, reg.Count())
}

func TestForceDetach(t *testing.T) {
	reg := NewRegistry(Options{})
	conn := &fakeConn{}
	s, err := reg.Attach(context.Background(), conn, ada)
	require.NoError(t, err)

	reg.ForceDetach(s, errors.New("bound twice"))
	assert.True(t, conn.closed.Load())
	_, ok := reg.Get(s.ID)
	assert.False(t, ok, "force-detached sessions are not resumable")
}

func TestParseAttachPolicy(t *testing.T) {
	p, err := ParseAttachPolicy("reject")
	require.NoError(t, err)
	assert.Equal(t, Reject, p)
	p, err = ParseAttachPolicy("")
	require.NoError(t, err)
	assert.Equal(t, Supersede, p)
	_, err = ParseAttachPolicy("bogus")
	assert.Error(t, err)
}
