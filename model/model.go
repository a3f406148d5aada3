package model

import (
	"strings"
	"time"
)

// Role of an authenticated party.
const (
	RoleProvider  = "provider"
	RoleRequester = "requester"
)

type Identity struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}

// Provider availability states.
type Status string

const (
	StatusAvailable   Status = "available"
	StatusBusy        Status = "busy"
	StatusUnavailable Status = "unavailable"
)

func (s Status) Valid() bool {
	switch s {
	case StatusAvailable, StatusBusy, StatusUnavailable:
		return true
	}
	return false
}

// Negotiation lifecycle states. PENDING is initial; REJECTED, EXPIRED
// and COMPLETED are terminal.
type NegotiationState string

const (
	NegotiationPending   NegotiationState = "PENDING"
	NegotiationAccepted  NegotiationState = "ACCEPTED"
	NegotiationRejected  NegotiationState = "REJECTED"
	NegotiationExpired   NegotiationState = "EXPIRED"
	NegotiationCompleted NegotiationState = "COMPLETED"
)

func (s NegotiationState) Terminal() bool {
	switch s {
	case NegotiationRejected, NegotiationExpired, NegotiationCompleted:
		return true
	}
	return false
}

// Negotiation is a snapshot of one call attempt between a requester
// and a provider.
type Negotiation struct {
	ID            string           `json:"negotiationId"`
	RequesterID   string           `json:"requesterId"`
	RequesterName string           `json:"requesterName"`
	ProviderID    string           `json:"providerId"`
	State         NegotiationState `json:"state"`
	RoomAddress   string           `json:"roomAddress,omitempty"`
	CreatedAt     time.Time        `json:"createdAt"`
}

// Rooms the relay manages by convention. Every authenticated connection
// joins PresenceRoom and its own user room; call rooms are joined
// explicitly for signaling.
const (
	PresenceRoom   = "presence"
	userRoomPrefix = "user:"
	callRoomPrefix = "call:"
)

func UserRoom(userID string) string        { return userRoomPrefix + userID }
func CallRoom(negotiationID string) string { return callRoomPrefix + negotiationID }

// IsUserRoom reports whether room is a per-user room, which only its
// owner may join.
func IsUserRoom(room string) bool { return strings.HasPrefix(room, userRoomPrefix) }
