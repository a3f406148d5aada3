package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Event types sent by clients.
const (
	EventJoin           = "join"
	EventLeave          = "leave"
	EventPresenceUpdate = "presence.update"
	EventCallRequest    = "call.request"
	EventCallRespond    = "call.respond"
	EventCallEnd        = "call.end"
	EventSignal         = "signal"
)

// Event types sent by server.
const (
	EventPresenceChanged = "presence.changed"
	EventCallIncoming    = "call.incoming"
	EventCallAccepted    = "call.accepted"
	EventCallRejected    = "call.rejected"
	EventCallExpired     = "call.expired"
	EventCallEnded       = "call.ended"
	EventError           = "error"
)

// Signal payload kinds. The blob is never inspected by the relay.
const (
	SignalOffer     = "OFFER"
	SignalAnswer    = "ANSWER"
	SignalCandidate = "CANDIDATE"
)

// Event is the framed unit of the wire protocol. Payload shape is
// determined by Type; unknown types are rejected at the boundary.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type RoomPayload struct {
	Room string `json:"room"`
}

type PresenceUpdatePayload struct {
	Status Status `json:"status"`
}

type PresenceChangedPayload struct {
	ProviderID string `json:"providerId"`
	Status     Status `json:"status"`
}

type CallRequestPayload struct {
	ProviderID string `json:"providerId"`
}

type CallRespondPayload struct {
	NegotiationID string `json:"negotiationId"`
	Accept        bool   `json:"accept"`
}

type CallEndPayload struct {
	NegotiationID string `json:"negotiationId"`
}

type CallIncomingPayload struct {
	NegotiationID string `json:"negotiationId"`
	RequesterID   string `json:"requesterId"`
	RequesterName string `json:"requesterName"`
}

type CallAcceptedPayload struct {
	NegotiationID string `json:"negotiationId"`
	RoomAddress   string `json:"roomAddress"`
}

type CallResolvedPayload struct {
	NegotiationID string `json:"negotiationId"`
	Reason        string `json:"reason,omitempty"`
}

type SignalPayload struct {
	Room string          `json:"roomId"`
	Kind string          `json:"kind"`
	Blob json.RawMessage `json:"blob"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

var ErrBadPayload = errors.New("malformed event payload")

// DecodePayload unmarshals ev.Payload into dst, distinguishing payload
// malformation from transport errors.
func DecodePayload(ev Event, dst any) error {
	if len(ev.Payload) == 0 {
		return ErrBadPayload
	}
	if err := json.Unmarshal(ev.Payload, dst); err != nil {
		return errors.Join(ErrBadPayload, err)
	}
	return nil
}

// NewEvent frames a typed payload. Marshalling of the payload structs
// above cannot fail, so errors indicate a programming mistake.
func NewEvent(eventType string, payload any) Event {
	b, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("unmarshallable payload for %s: %v", eventType, err))
	}
	return Event{Type: eventType, Payload: b}
}
