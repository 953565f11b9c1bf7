package models

import (
	"encoding/json"
	"time"
)

// EventType names a frame exchanged over the real-time channel
type EventType string

// Inbound events (client -> server)
const (
	EventFindMatch   EventType = "find_match"
	EventCancelMatch EventType = "cancel_match"
	EventChatMessage EventType = "chat_message"
	EventSignal      EventType = "signal"
	EventLeaveRoom   EventType = "leave_room"
	EventSetName     EventType = "set_name"
	EventPing        EventType = "ping"
)

// Outbound events (server -> client)
const (
	EventSessionReady   EventType = "session_ready"
	EventMatchFound     EventType = "match_found"
	EventPeerLeft       EventType = "peer_left"
	EventMatchCancelled EventType = "match_cancelled"
	EventError          EventType = "error"
	EventPong           EventType = "pong"
)

// Message is the envelope of every inbound frame
type Message struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Outbound is a frame queued for delivery to a connection
type Outbound struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload,omitempty"`
}

// FindMatchPayload optionally narrows pairing to guests with compatible filters
type FindMatchPayload struct {
	Filters map[string]string `json:"filters,omitempty" validate:"omitempty,max=8,dive,keys,required,max=32,endkeys,max=64"`
}

type ChatMessagePayload struct {
	RoomID string `json:"roomId" validate:"required,max=64"`
	Text   string `json:"text" validate:"required,max=2000"`
}

// SignalPayload carries an opaque WebRTC negotiation frame
type SignalPayload struct {
	RoomID string          `json:"roomId" validate:"required,max=64"`
	Kind   string          `json:"kind" validate:"required,max=32"`
	Data   json.RawMessage `json:"data" validate:"required"`
}

type LeaveRoomPayload struct {
	RoomID string `json:"roomId" validate:"required,max=64"`
}

type SetNamePayload struct {
	Name string `json:"name" validate:"required,max=36"`
}

type SessionReadyPayload struct {
	GuestID string `json:"guestId"`
	Token   string `json:"token"`
	Resumed bool   `json:"resumed"`
}

// PeerMeta is the minimal peer description shared on a match
type PeerMeta struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
}

type MatchFoundPayload struct {
	RoomID   string   `json:"roomId"`
	PeerMeta PeerMeta `json:"peerMeta"`
}

type ChatPayload struct {
	From string    `json:"from"`
	Text string    `json:"text"`
	TS   time.Time `json:"ts"`
}

type SignalRelayPayload struct {
	From string          `json:"from"`
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

type PeerLeftPayload struct {
	Reason LeaveReason `json:"reason"`
}

type MatchCancelledPayload struct {
	Reason string `json:"reason,omitempty"`
}

type ErrorPayload struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// ErrorCode is the machine readable part of an error event
type ErrorCode string

const (
	ErrCodeBadPayload       ErrorCode = "bad_payload"
	ErrCodeUnknownEvent     ErrorCode = "unknown_event"
	ErrCodeAlreadySearching ErrorCode = "already_searching"
	ErrCodeAlreadyPaired    ErrorCode = "already_paired"
	ErrCodeNotInRoom        ErrorCode = "not_in_room"
	ErrCodeNoMatch          ErrorCode = "no_match_available"
	ErrCodeInternal         ErrorCode = "internal"
)

// NewError builds an error frame
func NewError(code ErrorCode, message string) Outbound {
	return Outbound{
		Type:    EventError,
		Payload: ErrorPayload{Code: code, Message: message},
	}
}
