// Package registry binds live transport connections to guest identities.
package registry

import (
	"errors"
	"fmt"
	"time"

	"github.com/mossy-p/guest-match/internal/models"
	"github.com/rs/zerolog/log"
)

// ErrPeerUnreachable is returned by Send when the guest has no usable connection
var ErrPeerUnreachable = errors.New("peer unreachable")

// CloseReason tells the transport why the server is closing a connection
type CloseReason string

const (
	CloseSuperseded CloseReason = "superseded"
	CloseHeartbeat  CloseReason = "heartbeat timeout"
	CloseShutdown   CloseReason = "server shutdown"
)

// Conn is a live transport channel. Send must not block; Close must be
// idempotent.
type Conn interface {
	ID() string
	Send(models.Outbound) error
	Close(reason CloseReason)
}

type binding struct {
	conn         Conn
	guestID      string
	lastActivity time.Time
}

// Registry keeps at most one live connection per guest. It is owned by the
// hub goroutine and not safe for concurrent use.
type Registry struct {
	byConn  map[string]*binding
	byGuest map[string]*binding
	now     func() time.Time
}

func New() *Registry {
	return &Registry{
		byConn:  make(map[string]*binding),
		byGuest: make(map[string]*binding),
		now:     time.Now,
	}
}

// Register binds conn to guestID. A connection already bound to the guest
// is closed with CloseSuperseded and returned.
func (r *Registry) Register(conn Conn, guestID string) Conn {
	var superseded Conn
	if old, ok := r.byGuest[guestID]; ok && old.conn.ID() != conn.ID() {
		delete(r.byConn, old.conn.ID())
		superseded = old.conn
		old.conn.Close(CloseSuperseded)
		log.Info().Str("module", "registry").Str("guest", guestID).
			Str("conn", old.conn.ID()).Msg("connection superseded")
	}

	b := &binding{conn: conn, guestID: guestID, lastActivity: r.now()}
	r.byConn[conn.ID()] = b
	r.byGuest[guestID] = b
	return superseded
}

// Unregister removes the binding of conn and returns the guest it belonged
// to. Unknown or already superseded connections report false.
func (r *Registry) Unregister(conn Conn) (string, bool) {
	b, ok := r.byConn[conn.ID()]
	if !ok {
		return "", false
	}
	delete(r.byConn, conn.ID())
	if cur, ok := r.byGuest[b.guestID]; ok && cur == b {
		delete(r.byGuest, b.guestID)
	}
	return b.guestID, true
}

func (r *Registry) Lookup(guestID string) (Conn, bool) {
	b, ok := r.byGuest[guestID]
	if !ok {
		return nil, false
	}
	return b.conn, true
}

func (r *Registry) LookupGuest(conn Conn) (string, bool) {
	b, ok := r.byConn[conn.ID()]
	if !ok {
		return "", false
	}
	return b.guestID, true
}

// Send delivers ev to the guest's live connection, best effort
func (r *Registry) Send(guestID string, ev models.Outbound) error {
	b, ok := r.byGuest[guestID]
	if !ok {
		log.Debug().Str("module", "registry").Str("guest", guestID).Str("event", string(ev.Type)).Msg("no live connection")
		return fmt.Errorf("%w: %s", ErrPeerUnreachable, guestID)
	}
	if err := b.conn.Send(ev); err != nil {
		log.Debug().Err(err).Str("module", "registry").Str("guest", guestID).Str("event", string(ev.Type)).Msg("send failed")
		return fmt.Errorf("%w: %s: %v", ErrPeerUnreachable, guestID, err)
	}
	return nil
}

// Touch records activity on conn
func (r *Registry) Touch(conn Conn) {
	if b, ok := r.byConn[conn.ID()]; ok {
		b.lastActivity = r.now()
	}
}

// Silent lists connections without activity for longer than timeout
func (r *Registry) Silent(timeout time.Duration) []Conn {
	cutoff := r.now().Add(-timeout)
	var out []Conn
	for _, b := range r.byConn {
		if b.lastActivity.Before(cutoff) {
			out = append(out, b.conn)
		}
	}
	return out
}

func (r *Registry) Connected(guestID string) bool {
	_, ok := r.byGuest[guestID]
	return ok
}

func (r *Registry) Len() int {
	return len(r.byConn)
}

// All returns every live connection
func (r *Registry) All() []Conn {
	out := make([]Conn, 0, len(r.byConn))
	for _, b := range r.byConn {
		out = append(out, b.conn)
	}
	return out
}
