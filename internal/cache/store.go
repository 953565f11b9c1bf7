//go:generate go run go.uber.org/mock/mockgen -source=store.go -destination=../mocks/mock_cache_store.go -package=mocks

// Package cache abstracts the external key-value store used to persist guest
// sessions, with an in-process fallback when that store is unreachable.
package cache

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Get when the key is absent or expired
	ErrNotFound = errors.New("cache: key not found")
	// ErrStoreUnavailable wraps connectivity failures of an external store
	ErrStoreUnavailable = errors.New("cache: store unavailable")
)

// Store is the minimal key-value contract. Implementations must honour the
// context deadline; a zero ttl means no expiry.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Pinger is implemented by stores that can report reachability
type Pinger interface {
	Ping(ctx context.Context) error
}
