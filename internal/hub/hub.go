// Package hub is the matchmaking orchestrator. A single goroutine owns the
// connection registry, the matching pool, the rooms and the live session
// table; every transport event becomes a closure queued to that goroutine,
// so pairing, relaying and teardown never race each other.
package hub

import (
	"context"
	"errors"
	"time"

	"github.com/mossy-p/guest-match/internal/matching"
	"github.com/mossy-p/guest-match/internal/models"
	"github.com/mossy-p/guest-match/internal/registry"
	"github.com/mossy-p/guest-match/internal/room"
	"github.com/mossy-p/guest-match/internal/session"
	"github.com/rs/zerolog/log"
)

// ErrStopped is returned by blocking calls once the hub has shut down
var ErrStopped = errors.New("hub stopped")

type Config struct {
	HeartbeatTimeout time.Duration
	SweepInterval    time.Duration
	// SearchTimeout auto-cancels a search after this long; zero disables it
	SearchTimeout time.Duration
	QueueSize     int
}

type Hub struct {
	cfg      Config
	sessions *session.Store
	conns    *registry.Registry
	pool     *matching.Pool
	rooms    *room.Manager
	now      func() time.Time

	events chan func()
	done   chan struct{}
}

func New(cfg Config, sessions *session.Store) *Hub {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Second
	}
	conns := registry.New()
	return &Hub{
		cfg:      cfg,
		sessions: sessions,
		conns:    conns,
		pool:     matching.NewPool(),
		rooms:    room.NewManager(sessions, conns),
		now:      time.Now,
		events:   make(chan func(), cfg.QueueSize),
		done:     make(chan struct{}),
	}
}

// Run processes events until ctx is done, then closes every connection.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.SweepInterval)
	defer ticker.Stop()
	defer close(h.done)

	log.Info().Str("module", "hub").Msg("hub started")
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case fn := <-h.events:
			fn()
		case <-ticker.C:
			h.sweep()
		}
	}
}

func (h *Hub) shutdown() {
	for _, conn := range h.conns.All() {
		conn.Close(registry.CloseShutdown)
	}
	log.Info().Str("module", "hub").Int("connections", h.conns.Len()).Msg("hub stopped")
}

// post queues fn for the hub goroutine; false once the hub is gone
func (h *Hub) post(fn func()) bool {
	select {
	case h.events <- fn:
		return true
	case <-h.done:
		return false
	}
}

// do runs fn on the hub goroutine and waits for it
func (h *Hub) do(ctx context.Context, fn func()) error {
	applied := make(chan struct{})
	if !h.post(func() { fn(); close(applied) }) {
		return ErrStopped
	}
	select {
	case <-applied:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return ErrStopped
	}
}

// Stats returns presence counters
func (h *Hub) Stats(ctx context.Context) (models.Stats, error) {
	var stats models.Stats
	err := h.do(ctx, func() {
		stats = models.Stats{
			ConnectedCount:  h.conns.Len(),
			SearchingCount:  h.pool.Len(),
			ActiveRoomCount: h.rooms.Len(),
		}
	})
	return stats, err
}

// Room returns the public view of an open room
func (h *Hub) Room(ctx context.Context, roomID string) (models.RoomInfo, bool, error) {
	var (
		info models.RoomInfo
		ok   bool
	)
	err := h.do(ctx, func() {
		var r models.Room
		if r, ok = h.rooms.Get(roomID); ok {
			info = r.Info()
		}
	})
	return info, ok, err
}

func (h *Hub) send(conn registry.Conn, ev models.Outbound) {
	if err := conn.Send(ev); err != nil {
		log.Debug().Err(err).Str("module", "hub").Str("conn", conn.ID()).Str("event", string(ev.Type)).Msg("send dropped")
	}
}

// guest resolves the guest bound to conn and records activity
func (h *Hub) guest(conn registry.Conn) (string, bool) {
	id, ok := h.conns.LookupGuest(conn)
	if !ok {
		return "", false
	}
	h.conns.Touch(conn)
	h.sessions.Touch(id)
	return id, true
}
