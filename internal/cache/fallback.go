package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// pending is a write applied to the fallback while the primary was down
type pending struct {
	value     []byte
	expiresAt time.Time
	deleted   bool
}

// Fallback fronts a primary Store with a bounded timeout on every call.
// When the primary fails it transparently serves from an in-process Memory
// store and retries the primary at most once per probe interval.
//
// Reconciliation is last-writer-wins: every write taken while degraded is
// newer than anything the primary holds, so on recovery those writes (and
// deletes) are replayed onto the primary before it serves again.
type Fallback struct {
	primary       Store
	memory        *Memory
	timeout       time.Duration
	probeInterval time.Duration
	now           func() time.Time

	mu        sync.Mutex
	degraded  bool
	lastProbe time.Time
	dirty     map[string]pending
}

func NewFallback(primary Store, timeout, probeInterval time.Duration) *Fallback {
	return &Fallback{
		primary:       primary,
		memory:        NewMemory(),
		timeout:       timeout,
		probeInterval: probeInterval,
		now:           time.Now,
		dirty:         make(map[string]pending),
	}
}

// Degraded reports whether calls are currently served by the fallback
func (f *Fallback) Degraded() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.degraded
}

func (f *Fallback) Get(ctx context.Context, key string) ([]byte, error) {
	if f.primaryAvailable(ctx) {
		var value []byte
		err := f.call(ctx, func(ctx context.Context) error {
			var err error
			value, err = f.primary.Get(ctx, key)
			return err
		})
		switch {
		case err == nil:
			return value, nil
		case errors.Is(err, ErrNotFound):
			return nil, ErrNotFound
		case ctx.Err() != nil:
			return nil, ctx.Err()
		}
		f.degrade(err)
	}
	return f.memory.Get(ctx, key)
}

func (f *Fallback) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if f.primaryAvailable(ctx) {
		err := f.call(ctx, func(ctx context.Context) error {
			return f.primary.Set(ctx, key, value, ttl)
		})
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.degrade(err)
	}

	p := pending{value: append([]byte(nil), value...)}
	if ttl > 0 {
		p.expiresAt = f.now().Add(ttl)
	}
	f.mu.Lock()
	f.dirty[key] = p
	f.mu.Unlock()
	return f.memory.Set(ctx, key, value, ttl)
}

func (f *Fallback) Delete(ctx context.Context, key string) error {
	if f.primaryAvailable(ctx) {
		err := f.call(ctx, func(ctx context.Context) error {
			return f.primary.Delete(ctx, key)
		})
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.degrade(err)
	}

	f.mu.Lock()
	f.dirty[key] = pending{deleted: true}
	f.mu.Unlock()
	return f.memory.Delete(ctx, key)
}

func (f *Fallback) call(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	return fn(ctx)
}

func (f *Fallback) degrade(err error) {
	f.mu.Lock()
	wasDegraded := f.degraded
	f.degraded = true
	f.lastProbe = f.now()
	f.mu.Unlock()

	if !wasDegraded {
		log.Warn().Err(err).Str("module", "cache").Msg("external store unavailable, serving from in-memory fallback")
	}
}

// primaryAvailable decides whether the primary should be tried. While
// degraded, a probe is attempted once per interval by replaying the writes
// taken during the outage.
func (f *Fallback) primaryAvailable(ctx context.Context) bool {
	f.mu.Lock()
	if !f.degraded {
		f.mu.Unlock()
		return true
	}
	if f.now().Sub(f.lastProbe) < f.probeInterval {
		f.mu.Unlock()
		return false
	}
	f.lastProbe = f.now()
	f.mu.Unlock()

	if err := f.reconcile(ctx); err != nil {
		log.Debug().Err(err).Str("module", "cache").Msg("external store still unavailable")
		return false
	}
	return true
}

func (f *Fallback) reconcile(ctx context.Context) error {
	if p, ok := f.primary.(Pinger); ok {
		if err := f.call(ctx, p.Ping); err != nil {
			return err
		}
	}

	f.mu.Lock()
	batch := make(map[string]pending, len(f.dirty))
	for k, v := range f.dirty {
		batch[k] = v
	}
	f.mu.Unlock()

	for key, p := range batch {
		if err := f.replay(ctx, key, p); err != nil {
			return fmt.Errorf("replay %s: %w", key, err)
		}
		f.mu.Lock()
		// a newer outage write may have replaced the one just replayed
		if cur, ok := f.dirty[key]; ok && sameWrite(cur, p) {
			delete(f.dirty, key)
			_ = f.memory.Delete(ctx, key)
		}
		f.mu.Unlock()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.dirty) > 0 {
		// writes raced the replay; stay degraded and retry on the next call
		f.lastProbe = time.Time{}
		return fmt.Errorf("%d writes pending replay", len(f.dirty))
	}
	f.degraded = false
	log.Info().Str("module", "cache").Int("replayed", len(batch)).Msg("external store recovered")
	return nil
}

func (f *Fallback) replay(ctx context.Context, key string, p pending) error {
	if p.deleted {
		return f.call(ctx, func(ctx context.Context) error { return f.primary.Delete(ctx, key) })
	}
	ttl := time.Duration(0)
	if !p.expiresAt.IsZero() {
		ttl = p.expiresAt.Sub(f.now())
		if ttl <= 0 {
			// expired during the outage; the primary copy is older still
			return f.call(ctx, func(ctx context.Context) error { return f.primary.Delete(ctx, key) })
		}
	}
	return f.call(ctx, func(ctx context.Context) error { return f.primary.Set(ctx, key, p.value, ttl) })
}

func sameWrite(a, b pending) bool {
	return a.deleted == b.deleted && a.expiresAt.Equal(b.expiresAt) && string(a.value) == string(b.value)
}
