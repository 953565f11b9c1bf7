// Package session holds the ephemeral identity and presence state of guests.
//
// The live session table is owned by the hub goroutine and is not safe for
// concurrent use. Resolve, IssueToken and Run only touch the external cache
// and may be called from any goroutine; that is where all blocking I/O lives.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mossy-p/guest-match/internal/cache"
	"github.com/mossy-p/guest-match/internal/models"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

var (
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrUnknownSession         = errors.New("unknown session")
)

const persistQueueSize = 1024

// Resolved is the outcome of the I/O half of GetOrCreate
type Resolved struct {
	// ID is set when the presented token verified
	ID string
	// Cached is the persisted session for ID, if the cache still had it
	Cached *models.GuestSession
	// Expired is set when the token itself is past its expiry; it then only
	// resumes a session seen within the TTL
	Expired bool
}

type write struct {
	key    string
	value  []byte
	delete bool
}

type Store struct {
	kv     cache.Store
	tokens *TokenIssuer
	ttl    time.Duration
	now    func() time.Time

	sessions    map[string]*models.GuestSession
	persistedAt map[string]time.Time
	writes      chan write
}

func NewStore(kv cache.Store, tokens *TokenIssuer, ttl time.Duration) *Store {
	return &Store{
		kv:          kv,
		tokens:      tokens,
		ttl:         ttl,
		now:         time.Now,
		sessions:    make(map[string]*models.GuestSession),
		persistedAt: make(map[string]time.Time),
		writes:      make(chan write, persistQueueSize),
	}
}

// Resolve verifies token and loads the persisted session it refers to.
// A missing, forged or malformed token yields an empty Resolved: the caller
// gets a brand new guest, never a guessed one. A correctly signed token past
// its expiry still resolves, flagged Expired, because the session TTL runs
// from lastSeenAt and not from when the token was signed.
func (s *Store) Resolve(ctx context.Context, token string) Resolved {
	if token == "" {
		return Resolved{}
	}
	id, err := s.tokens.Identify(token)
	if err != nil {
		log.Debug().Err(err).Str("module", "session").Msg("discarding guest token")
		return Resolved{}
	}

	r := Resolved{ID: id}
	if _, err := s.tokens.Verify(token); err != nil {
		r.Expired = true
	}

	raw, err := s.kv.Get(ctx, cacheKey(id))
	switch {
	case err == nil:
		cached, err := decode(raw)
		if err != nil {
			log.Warn().Err(err).Str("module", "session").Str("guest", id).Msg("corrupt cached session")
			return r
		}
		if s.fresh(cached.LastSeenAt) {
			r.Cached = cached
		}
	case !errors.Is(err, cache.ErrNotFound):
		log.Warn().Err(err).Str("module", "session").Str("guest", id).Msg("session lookup failed")
	}
	return r
}

func (s *Store) fresh(lastSeen time.Time) bool {
	return s.now().Sub(lastSeen) < s.ttl
}

// GetOrCreate returns the session a resolved token refers to, or mints a new
// Idle one. It always hands back a freshly signed token and refreshes
// lastSeenAt.
func (s *Store) GetOrCreate(r Resolved) (models.GuestSession, string, bool, error) {
	now := s.now()
	resumed := false

	var sess *models.GuestSession
	if r.ID != "" {
		if live, ok := s.sessions[r.ID]; ok && (!r.Expired || s.fresh(live.LastSeenAt)) {
			sess, resumed = live, true
		} else if r.Cached != nil && r.Cached.ID == r.ID {
			sess, resumed = r.Cached, true
			sess.State = models.StateIdle
			sess.RoomID = ""
			s.sessions[sess.ID] = sess
		}
	}
	if sess == nil {
		sess = &models.GuestSession{
			ID:        uuid.NewString(),
			State:     models.StateIdle,
			CreatedAt: now,
		}
		s.sessions[sess.ID] = sess
	}
	sess.LastSeenAt = now

	token, err := s.tokens.Issue(sess.ID, s.ttl)
	if err != nil {
		return models.GuestSession{}, "", false, err
	}
	s.persist(sess)

	log.Info().Str("module", "session").Str("guest", sess.ID).Bool("resumed", resumed).Msg("session ready")
	return *sess, token, resumed, nil
}

// Get returns a copy of the live session
func (s *Store) Get(id string) (models.GuestSession, bool) {
	sess, ok := s.sessions[id]
	if !ok {
		return models.GuestSession{}, false
	}
	return *sess, true
}

func (s *Store) State(id string) (models.SessionState, bool) {
	sess, ok := s.sessions[id]
	if !ok {
		return "", false
	}
	return sess.State, true
}

// Touch refreshes the TTL of a session
func (s *Store) Touch(id string) {
	sess, ok := s.sessions[id]
	if !ok {
		return
	}
	sess.LastSeenAt = s.now()
	// cache writes are throttled; the live table is authoritative
	if sess.LastSeenAt.Sub(s.persistedAt[id]) >= s.ttl/10 {
		s.persist(sess)
	}
}

// SetState applies a lifecycle transition:
//
//	Idle -> Searching -> Idle
//	Searching -> Paired (roomID required) -> Idle
func (s *Store) SetState(id string, next models.SessionState, roomID string) error {
	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	if !validTransition(sess.State, next, roomID) {
		log.Warn().Str("module", "session").Str("guest", id).
			Str("from", string(sess.State)).Str("to", string(next)).Msg("rejected state transition")
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, sess.State, next)
	}
	sess.State = next
	sess.RoomID = ""
	if next == models.StatePaired {
		sess.RoomID = roomID
	}
	return nil
}

func validTransition(from, to models.SessionState, roomID string) bool {
	switch {
	case from == models.StateIdle && to == models.StateSearching:
		return roomID == ""
	case from == models.StateSearching && to == models.StateIdle:
		return true
	case from == models.StateSearching && to == models.StatePaired:
		return roomID != ""
	case from == models.StatePaired && to == models.StateIdle:
		return true
	}
	return false
}

func (s *Store) SetDisplayName(id, name string) error {
	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	sess.DisplayName = name
	s.persist(sess)
	return nil
}

// Expire removes sessions whose lastSeenAt is older than the TTL and that
// have no live connection. evict runs before removal so a Paired or
// Searching session can be unwound first.
func (s *Store) Expire(live func(id string) bool, evict func(models.GuestSession)) int {
	cutoff := s.now().Add(-s.ttl)

	var stale []models.GuestSession
	for id, sess := range s.sessions {
		if sess.LastSeenAt.After(cutoff) || live(id) {
			continue
		}
		stale = append(stale, *sess)
	}

	for _, sess := range stale {
		if evict != nil {
			evict(sess)
		}
		s.Remove(sess.ID)
		log.Info().Str("module", "session").Str("guest", sess.ID).Msg("session expired")
	}
	return len(stale)
}

func (s *Store) Remove(id string) {
	if _, ok := s.sessions[id]; !ok {
		return
	}
	delete(s.sessions, id)
	delete(s.persistedAt, id)
	s.enqueue(write{key: cacheKey(id), delete: true})
}

// Len counts live sessions
func (s *Store) Len() int {
	return len(s.sessions)
}

// Snapshot copies the live session table
func (s *Store) Snapshot() []models.GuestSession {
	return lo.MapToSlice(s.sessions, func(_ string, sess *models.GuestSession) models.GuestSession {
		return *sess
	})
}

// IssueToken renews a still-valid token or mints a new guest identity,
// persisting it so a later Resolve finds it. Safe for concurrent use.
func (s *Store) IssueToken(ctx context.Context, existing string) (string, string, error) {
	r := s.Resolve(ctx, existing)
	// the cached copy lags the live table; an expired token is renewed only
	// while the cache still has a fresh session
	sess := r.Cached
	if sess == nil {
		now := s.now()
		sess = &models.GuestSession{ID: uuid.NewString(), CreatedAt: now, LastSeenAt: now}
		raw, err := encode(sess)
		if err != nil {
			return "", "", err
		}
		if err := s.kv.Set(ctx, cacheKey(sess.ID), raw, s.ttl); err != nil {
			return "", "", fmt.Errorf("store guest %s: %w", sess.ID, err)
		}
	}
	token, err := s.tokens.Issue(sess.ID, s.ttl)
	if err != nil {
		return "", "", err
	}
	return sess.ID, token, nil
}

func (s *Store) persist(sess *models.GuestSession) {
	raw, err := encode(sess)
	if err != nil {
		log.Error().Err(err).Str("module", "session").Msg("persist session")
		return
	}
	s.persistedAt[sess.ID] = sess.LastSeenAt
	s.enqueue(write{key: cacheKey(sess.ID), value: raw})
}

func (s *Store) enqueue(w write) {
	select {
	case s.writes <- w:
	default:
		log.Warn().Str("module", "session").Str("key", w.key).Msg("persist queue full, dropping write")
	}
}

// Run applies queued cache writes until ctx is done
func (s *Store) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case w := <-s.writes:
			var err error
			if w.delete {
				err = s.kv.Delete(ctx, w.key)
			} else {
				err = s.kv.Set(ctx, w.key, w.value, s.ttl)
			}
			if err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Str("module", "session").Str("key", w.key).Msg("persist session")
			}
		}
	}
}
