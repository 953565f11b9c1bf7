package models

import "time"

// RoomStatus tracks a room through Active -> Closing -> removed
type RoomStatus string

const (
	RoomActive  RoomStatus = "active"
	RoomClosing RoomStatus = "closing"
)

// LeaveReason is reported to the member left behind when a room closes
type LeaveReason string

const (
	ReasonPeerLeft         LeaveReason = "PeerLeft"
	ReasonPeerDisconnected LeaveReason = "PeerDisconnected"
	ReasonTimeout          LeaveReason = "Timeout"
)

// Room is a two-party context
type Room struct {
	ID        string
	MemberA   string
	MemberB   string
	CreatedAt time.Time
	Status    RoomStatus
}

// Peer returns the other member of the room
func (r *Room) Peer(guestID string) (string, bool) {
	switch guestID {
	case r.MemberA:
		return r.MemberB, true
	case r.MemberB:
		return r.MemberA, true
	}
	return "", false
}

func (r *Room) Has(guestID string) bool {
	return guestID == r.MemberA || guestID == r.MemberB
}

// RoomInfo is the public view of a room
type RoomInfo struct {
	ID          string     `json:"id"`
	Status      RoomStatus `json:"status"`
	CreatedAt   time.Time  `json:"createdAt"`
	MemberCount int        `json:"memberCount"`
}

func (r *Room) Info() RoomInfo {
	return RoomInfo{ID: r.ID, Status: r.Status, CreatedAt: r.CreatedAt, MemberCount: 2}
}
