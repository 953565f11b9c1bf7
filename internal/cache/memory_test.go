package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemory_SetGetDelete(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	m := NewMemory()

	req.NoError(m.Set(ctx, "guest:1", []byte("alice"), 0))

	value, err := m.Get(ctx, "guest:1")
	req.NoError(err)
	req.Equal([]byte("alice"), value)

	req.NoError(m.Delete(ctx, "guest:1"))
	_, err = m.Get(ctx, "guest:1")
	req.ErrorIs(err, ErrNotFound)
}

func TestMemory_EntriesExpire(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	now := time.Now()
	m := NewMemory()
	m.now = func() time.Time { return now }

	// Given an entry written with a one minute ttl
	req.NoError(m.Set(ctx, "guest:1", []byte("alice"), time.Minute))
	req.Equal(1, m.Len())

	// When the clock moves past the ttl
	now = now.Add(time.Minute)

	// Then the entry is gone
	_, err := m.Get(ctx, "guest:1")
	req.ErrorIs(err, ErrNotFound)
	req.Equal(0, m.Len())
}

func TestMemory_ReturnsCopies(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	m := NewMemory()

	value := []byte("alice")
	req.NoError(m.Set(ctx, "k", value, 0))
	value[0] = 'X'

	got, err := m.Get(ctx, "k")
	req.NoError(err)
	req.Equal("alice", string(got))
}
