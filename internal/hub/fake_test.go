package hub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mossy-p/guest-match/internal/cache"
	"github.com/mossy-p/guest-match/internal/models"
	"github.com/mossy-p/guest-match/internal/registry"
	"github.com/mossy-p/guest-match/internal/session"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	id string

	mu     sync.Mutex
	sent   []models.Outbound
	closed []registry.CloseReason
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(ev models.Outbound) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, ev)
	return nil
}

func (c *fakeConn) Close(reason registry.CloseReason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = append(c.closed, reason)
}

func (c *fakeConn) events(typ models.EventType) []models.Outbound {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.Outbound
	for _, ev := range c.sent {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (c *fakeConn) last(t *testing.T, typ models.EventType) models.Outbound {
	t.Helper()
	evs := c.events(typ)
	require.NotEmpty(t, evs, "conn %s got no %s", c.id, typ)
	return evs[len(evs)-1]
}

func (c *fakeConn) closeReasons() []registry.CloseReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]registry.CloseReason(nil), c.closed...)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testHub struct {
	*Hub
	t     *testing.T
	clock *clock
}

func newTestHub(t *testing.T, cfg Config) *testHub {
	return newTestHubWithStore(t, cfg, cache.NewMemory(), time.Hour)
}

func newTestHubWithStore(t *testing.T, cfg Config, kv cache.Store, ttl time.Duration) *testHub {
	t.Helper()
	if cfg.SweepInterval == 0 {
		// sweeps are driven by the tests
		cfg.SweepInterval = time.Hour
	}
	sessions := session.NewStore(kv, session.NewTokenIssuer("test-secret"), ttl)
	h := New(cfg, sessions)
	c := &clock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	h.now = c.Now

	ctx, cancel := context.WithCancel(context.Background())
	go sessions.Run(ctx)
	go h.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-h.done
	})
	return &testHub{Hub: h, t: t, clock: c}
}

func (th *testHub) connect(id string) (*fakeConn, string) {
	th.t.Helper()
	conn := &fakeConn{id: id}
	guestID, err := th.OnConnect(context.Background(), conn, "")
	require.NoError(th.t, err)
	require.NotEmpty(th.t, guestID)
	return conn, guestID
}

// settle waits until every event posted so far has been applied
func (th *testHub) settle() {
	th.t.Helper()
	_, err := th.Stats(context.Background())
	require.NoError(th.t, err)
}

// inspect runs fn on the hub goroutine
func (th *testHub) inspect(fn func()) {
	th.t.Helper()
	require.NoError(th.t, th.do(context.Background(), fn))
}

func (th *testHub) state(guestID string) models.SessionState {
	var state models.SessionState
	th.inspect(func() { state, _ = th.sessions.State(guestID) })
	return state
}

// checkInvariants verifies that pool membership, session state and room
// membership agree with each other
func (th *testHub) checkInvariants() {
	th.t.Helper()
	var (
		queue    []string
		sessions []models.GuestSession
		rooms    []models.Room
		roomOf   = make(map[string]string)
	)
	th.inspect(func() {
		queue = th.pool.GuestIDs()
		sessions = th.sessions.Snapshot()
		rooms = th.rooms.Rooms()
		for _, sess := range sessions {
			if r, ok := th.rooms.RoomOf(sess.ID); ok {
				roomOf[sess.ID] = r.ID
			}
		}
	})

	req := require.New(th.t)
	pooled := make(map[string]bool)
	for _, id := range queue {
		req.False(pooled[id], "guest %s queued twice", id)
		pooled[id] = true
	}
	byID := make(map[string]models.GuestSession)
	for _, sess := range sessions {
		byID[sess.ID] = sess
		roomID, inRoom := roomOf[sess.ID]
		switch sess.State {
		case models.StateIdle:
			req.False(pooled[sess.ID], "idle guest %s in pool", sess.ID)
			req.False(inRoom, "idle guest %s in room", sess.ID)
		case models.StateSearching:
			req.True(pooled[sess.ID], "searching guest %s not in pool", sess.ID)
			req.False(inRoom, "searching guest %s in room", sess.ID)
		case models.StatePaired:
			req.False(pooled[sess.ID], "paired guest %s in pool", sess.ID)
			req.True(inRoom, "paired guest %s has no room", sess.ID)
			req.Equal(roomID, sess.RoomID)
		}
	}
	for _, r := range rooms {
		req.NotEqual(r.MemberA, r.MemberB)
		for _, id := range []string{r.MemberA, r.MemberB} {
			sess, ok := byID[id]
			req.True(ok, "room %s member %s has no session", r.ID, id)
			req.Equal(models.StatePaired, sess.State)
			req.Equal(r.ID, sess.RoomID)
		}
	}
}
