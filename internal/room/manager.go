// Package room owns the active two-party rooms and routes events between
// their members.
package room

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mossy-p/guest-match/internal/models"
	"github.com/rs/zerolog/log"
)

var (
	ErrPairingConflict = errors.New("pairing conflict")
	ErrNotInRoom       = errors.New("not in room")
)

// Sessions is the slice of the guest session store rooms depend on
type Sessions interface {
	Get(id string) (models.GuestSession, bool)
	SetState(id string, next models.SessionState, roomID string) error
}

// Sender delivers an event to a guest's live connection
type Sender interface {
	Send(guestID string, ev models.Outbound) error
}

// Manager is owned by the hub goroutine and not safe for concurrent use.
type Manager struct {
	sessions Sessions
	sender   Sender
	now      func() time.Time
	newID    func() string

	rooms   map[string]*models.Room
	byGuest map[string]string
}

func NewManager(sessions Sessions, sender Sender) *Manager {
	return &Manager{
		sessions: sessions,
		sender:   sender,
		now:      time.Now,
		newID:    uuid.NewString,
		rooms:    make(map[string]*models.Room),
		byGuest:  make(map[string]string),
	}
}

// Create pairs two Searching guests into a new Active room and tells both.
// It fails with ErrPairingConflict, changing nothing, when either guest is
// no longer Searching.
func (m *Manager) Create(guestA, guestB string) (models.Room, error) {
	if guestA == guestB {
		return models.Room{}, fmt.Errorf("%w: cannot pair %s with itself", ErrPairingConflict, guestA)
	}
	a, err := m.searching(guestA)
	if err != nil {
		return models.Room{}, err
	}
	b, err := m.searching(guestB)
	if err != nil {
		return models.Room{}, err
	}

	r := &models.Room{
		ID:        m.newID(),
		MemberA:   guestA,
		MemberB:   guestB,
		CreatedAt: m.now(),
		Status:    models.RoomActive,
	}
	if err := m.sessions.SetState(guestA, models.StatePaired, r.ID); err != nil {
		return models.Room{}, fmt.Errorf("%w: %v", ErrPairingConflict, err)
	}
	if err := m.sessions.SetState(guestB, models.StatePaired, r.ID); err != nil {
		_ = m.sessions.SetState(guestA, models.StateIdle, "")
		_ = m.sessions.SetState(guestA, models.StateSearching, "")
		return models.Room{}, fmt.Errorf("%w: %v", ErrPairingConflict, err)
	}

	m.rooms[r.ID] = r
	m.byGuest[guestA] = r.ID
	m.byGuest[guestB] = r.ID

	log.Info().Str("module", "room").Str("room", r.ID).Str("a", guestA).Str("b", guestB).Msg("room created")

	m.notify(guestA, models.Outbound{
		Type:    models.EventMatchFound,
		Payload: models.MatchFoundPayload{RoomID: r.ID, PeerMeta: b.Meta()},
	})
	m.notify(guestB, models.Outbound{
		Type:    models.EventMatchFound,
		Payload: models.MatchFoundPayload{RoomID: r.ID, PeerMeta: a.Meta()},
	})
	return *r, nil
}

func (m *Manager) searching(id string) (models.GuestSession, error) {
	sess, ok := m.sessions.Get(id)
	if !ok {
		return models.GuestSession{}, fmt.Errorf("%w: guest %s is gone", ErrPairingConflict, id)
	}
	if sess.State != models.StateSearching {
		return models.GuestSession{}, fmt.Errorf("%w: guest %s is %s", ErrPairingConflict, id, sess.State)
	}
	if _, busy := m.byGuest[id]; busy {
		return models.GuestSession{}, fmt.Errorf("%w: guest %s already has a room", ErrPairingConflict, id)
	}
	return sess, nil
}

// Relay forwards ev to the other member of from's room. roomID, when set,
// must match the sender's room. Delivery is best effort: an unreachable
// peer yields an error wrapping the sender's error, never a retry.
func (m *Manager) Relay(from, roomID string, ev models.Outbound) error {
	r, ok := m.active(from)
	if !ok || (roomID != "" && r.ID != roomID) {
		return fmt.Errorf("%w: %s", ErrNotInRoom, from)
	}
	peer, _ := r.Peer(from)
	return m.sender.Send(peer, ev)
}

// Leave closes guestID's room, tells the remaining member why and returns
// both members to Idle. Calling it for a guest without an active room is a
// no-op that reports false.
func (m *Manager) Leave(guestID string, reason models.LeaveReason) bool {
	r, ok := m.active(guestID)
	if !ok {
		return false
	}
	r.Status = models.RoomClosing
	peer, _ := r.Peer(guestID)

	m.notify(peer, models.Outbound{
		Type:    models.EventPeerLeft,
		Payload: models.PeerLeftPayload{Reason: reason},
	})

	for _, id := range []string{guestID, peer} {
		if err := m.sessions.SetState(id, models.StateIdle, ""); err != nil {
			log.Warn().Err(err).Str("module", "room").Str("guest", id).Msg("reset session after leave")
		}
		delete(m.byGuest, id)
	}
	delete(m.rooms, r.ID)

	log.Info().Str("module", "room").Str("room", r.ID).Str("guest", guestID).
		Str("reason", string(reason)).Dur("lifetime", m.now().Sub(r.CreatedAt)).Msg("room closed")
	return true
}

func (m *Manager) active(guestID string) (*models.Room, bool) {
	id, ok := m.byGuest[guestID]
	if !ok {
		return nil, false
	}
	r, ok := m.rooms[id]
	if !ok || r.Status != models.RoomActive {
		return nil, false
	}
	return r, true
}

func (m *Manager) notify(guestID string, ev models.Outbound) {
	if err := m.sender.Send(guestID, ev); err != nil {
		log.Debug().Err(err).Str("module", "room").Str("guest", guestID).Str("event", string(ev.Type)).Msg("notification dropped")
	}
}

// RoomOf returns the room guestID belongs to
func (m *Manager) RoomOf(guestID string) (models.Room, bool) {
	r, ok := m.active(guestID)
	if !ok {
		return models.Room{}, false
	}
	return *r, true
}

func (m *Manager) Get(roomID string) (models.Room, bool) {
	r, ok := m.rooms[roomID]
	if !ok {
		return models.Room{}, false
	}
	return *r, true
}

func (m *Manager) Len() int {
	return len(m.rooms)
}

// Rooms lists every open room
func (m *Manager) Rooms() []models.Room {
	out := make([]models.Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		out = append(out, *r)
	}
	return out
}
