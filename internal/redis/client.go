package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mossy-p/guest-match/config"
	"github.com/mossy-p/guest-match/internal/cache"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Store is the Redis-backed cache.Store
type Store struct {
	client *redis.Client
	prefix string
}

// Connect builds the Redis client. An unreachable server is not fatal: the
// caller wraps the store in a cache.Fallback which takes over until Redis
// answers again.
func Connect(ctx context.Context, cfg config.RedisConfig) *Store {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
		MaxRetries:   -1,
	})
	s := &Store{client: client, prefix: "matchmaker:"}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := s.Ping(pingCtx); err != nil {
		log.Warn().Err(err).Str("module", "redis").Str("addr", cfg.Addr()).Msg("redis not reachable at startup")
	} else {
		log.Info().Str("module", "redis").Str("addr", cfg.Addr()).Msg("redis connection established")
	}
	return s
}

// NewStore wraps an existing client, mostly for tests
func NewStore(client *redis.Client) *Store {
	return &Store{client: client, prefix: "matchmaker:"}
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, cache.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %v", cache.ErrStoreUnavailable, key, err)
	}
	return value, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.prefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("%w: set %s: %v", cache.ErrStoreUnavailable, key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("%w: del %s: %v", cache.ErrStoreUnavailable, key, err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: ping: %v", cache.ErrStoreUnavailable, err)
	}
	return nil
}

// Close closes the Redis connection
func (s *Store) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}
