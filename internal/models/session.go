package models

import "time"

// SessionState is the lifecycle state of a guest
type SessionState string

const (
	StateIdle      SessionState = "idle"
	StateSearching SessionState = "searching"
	StatePaired    SessionState = "paired"
)

// GuestSession is the ephemeral identity and presence of an anonymous guest.
// State and RoomID are never persisted: the cache is not the authority for
// pool or room membership.
type GuestSession struct {
	ID          string       `msgpack:"id"`
	DisplayName string       `msgpack:"name,omitempty"`
	State       SessionState `msgpack:"-"`
	RoomID      string       `msgpack:"-"`
	CreatedAt   time.Time    `msgpack:"created"`
	LastSeenAt  time.Time    `msgpack:"seen"`
}

// Meta returns what a peer is allowed to learn about this guest
func (s *GuestSession) Meta() PeerMeta {
	return PeerMeta{ID: s.ID, DisplayName: s.DisplayName}
}

// Stats is the presence snapshot consumed by the stats endpoint
type Stats struct {
	ConnectedCount  int `json:"connectedCount"`
	SearchingCount  int `json:"searchingCount"`
	ActiveRoomCount int `json:"activeRoomCount"`
}
