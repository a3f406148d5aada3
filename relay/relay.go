package relay

import (
	"github.com/rs/zerolog"

	"github.com/patronus-health/consult-relay/model"
)

// Broadcaster is the room fan-out the relay forwards through.
type Broadcaster interface {
	Broadcast(room string, ev model.Event, excludeConnID string) int
	InRoom(connID, room string) bool
}

// Relay forwards opaque signaling payloads between the members of a
// call room, excluding the sender. It never inspects the blob: pairing
// of offers and answers is the media layer's problem. FIFO per sender
// holds because forwarding enqueues synchronously into each
// recipient's ordered outbound queue.
type Relay struct {
	logger zerolog.Logger
	fwd    Broadcaster
}

func New(logger *zerolog.Logger, fwd Broadcaster) *Relay {
	return &Relay{
		logger: logger.With().Str("component", "relay").Logger(),
		fwd:    fwd,
	}
}

// Forward validates the signal kind and the sender's room membership,
// then passes the payload through unchanged. An unknown kind or a
// sender outside the room is a validation failure; an empty room is a
// legitimate transient and only logged.
func (rl *Relay) Forward(room, fromConnID string, payload model.SignalPayload) error {
	switch payload.Kind {
	case model.SignalOffer, model.SignalAnswer, model.SignalCandidate:
	default:
		return model.NewRelayError(model.CodeBadEvent, "unknown signal kind")
	}
	if !rl.fwd.InRoom(fromConnID, room) {
		return model.NewRelayError(model.CodeBadEvent, "sender is not a member of this room")
	}

	delivered := rl.fwd.Broadcast(room, model.NewEvent(model.EventSignal, payload), fromConnID)
	if delivered == 0 {
		rl.logger.Debug().
			Str("room", room).
			Str("kind", payload.Kind).
			Msg("signal did not reach anyone")
	}
	return nil
}
