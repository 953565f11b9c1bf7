package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mossy-p/guest-match/internal/mocks"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

var errConnRefused = errors.New("dial tcp 127.0.0.1:6379: connect: connection refused")

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func newTestFallback(t *testing.T, primary Store) (*Fallback, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	f := NewFallback(primary, 20*time.Millisecond, 5*time.Second)
	f.now = clock.Now
	f.memory.now = clock.Now
	return f, clock
}

func TestFallback_UsesPrimaryWhenHealthy(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	primary := mocks.NewMockStore(ctrl)
	f, _ := newTestFallback(t, primary)
	ctx := context.Background()

	primary.EXPECT().Set(gomock.Any(), "guest:1", []byte("v1"), time.Minute).Return(nil)
	primary.EXPECT().Get(gomock.Any(), "guest:1").Return([]byte("v1"), nil)
	primary.EXPECT().Get(gomock.Any(), "guest:2").Return(nil, ErrNotFound)

	req.NoError(f.Set(ctx, "guest:1", []byte("v1"), time.Minute))
	value, err := f.Get(ctx, "guest:1")
	req.NoError(err)
	req.Equal([]byte("v1"), value)

	// A miss is not an outage
	_, err = f.Get(ctx, "guest:2")
	req.ErrorIs(err, ErrNotFound)
	req.False(f.Degraded())
}

func TestFallback_DegradesOnFailureAndServesFromMemory(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	primary := mocks.NewMockStore(ctrl)
	f, _ := newTestFallback(t, primary)
	ctx := context.Background()

	// Given the primary refuses connections
	primary.EXPECT().Set(gomock.Any(), "guest:1", gomock.Any(), gomock.Any()).Return(errConnRefused).Times(1)

	// When a value is written
	req.NoError(f.Set(ctx, "guest:1", []byte("v1"), time.Minute))

	// Then the store is degraded and reads are served in-process
	// without touching the primary again inside the probe interval
	req.True(f.Degraded())
	value, err := f.Get(ctx, "guest:1")
	req.NoError(err)
	req.Equal([]byte("v1"), value)

	req.NoError(f.Delete(ctx, "guest:1"))
	_, err = f.Get(ctx, "guest:1")
	req.ErrorIs(err, ErrNotFound)
}

func TestFallback_TimeoutTriggersFallback(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	primary := mocks.NewMockStore(ctrl)
	f, _ := newTestFallback(t, primary)

	// Given a primary that hangs until the deadline
	primary.EXPECT().Get(gomock.Any(), "guest:1").DoAndReturn(
		func(ctx context.Context, _ string) ([]byte, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})

	start := time.Now()
	_, err := f.Get(context.Background(), "guest:1")

	// Then the call returns after the bounded timeout, not indefinitely
	req.ErrorIs(err, ErrNotFound)
	req.Less(time.Since(start), time.Second)
	req.True(f.Degraded())
}

func TestFallback_CallerCancellationIsNotAnOutage(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	primary := mocks.NewMockStore(ctrl)
	f, _ := newTestFallback(t, primary)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	primary.EXPECT().Get(gomock.Any(), "guest:1").Return(nil, context.Canceled)

	_, err := f.Get(ctx, "guest:1")
	req.ErrorIs(err, context.Canceled)
	req.False(f.Degraded())
}

func TestFallback_ReplaysOutageWritesOnRecovery(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	primary := mocks.NewMockStore(ctrl)
	f, clock := newTestFallback(t, primary)
	ctx := context.Background()

	// Given an outage during which one key is written and another deleted
	primary.EXPECT().Set(gomock.Any(), "guest:1", []byte("v1"), time.Minute).Return(errConnRefused)
	req.NoError(f.Set(ctx, "guest:1", []byte("v1"), time.Minute))
	req.NoError(f.Delete(ctx, "guest:2"))
	req.True(f.Degraded())

	// When the probe interval elapses and the primary is back
	clock.now = clock.now.Add(10 * time.Second)
	primary.EXPECT().Set(gomock.Any(), "guest:1", []byte("v1"), 50*time.Second).Return(nil)
	primary.EXPECT().Delete(gomock.Any(), "guest:2").Return(nil)
	primary.EXPECT().Get(gomock.Any(), "guest:1").Return([]byte("v1"), nil)

	value, err := f.Get(ctx, "guest:1")

	// Then outage writes were replayed with their remaining ttl
	// and the primary serves again
	req.NoError(err)
	req.Equal([]byte("v1"), value)
	req.False(f.Degraded())
	req.Equal(0, f.memory.Len())
}

func TestFallback_StaysDegradedWhilePingFails(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	pinger := mocks.NewMockPinger(ctrl)
	primary := struct {
		*mocks.MockStore
		*mocks.MockPinger
	}{store, pinger}
	f, clock := newTestFallback(t, primary)
	ctx := context.Background()

	store.EXPECT().Set(gomock.Any(), "guest:1", gomock.Any(), gomock.Any()).Return(errConnRefused)
	req.NoError(f.Set(ctx, "guest:1", []byte("v1"), 0))

	// When the probe runs but the primary still does not answer
	clock.now = clock.now.Add(10 * time.Second)
	pinger.EXPECT().Ping(gomock.Any()).Return(errConnRefused)

	value, err := f.Get(ctx, "guest:1")

	// Then the fallback keeps serving
	req.NoError(err)
	req.Equal([]byte("v1"), value)
	req.True(f.Degraded())
}
