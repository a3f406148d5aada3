package websocket

import (
	"context"
	"errors"

	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"

	"github.com/patronus-health/consult-relay/model"
	"github.com/patronus-health/consult-relay/registry"
)

// dispatch routes one decoded event to the owning component. Guard and
// validation failures are reported back to the sender only; nothing
// here may take the process down.
func (srv *Server) dispatch(ctx context.Context, conn *registry.Conn, ev model.Event, logger *zerolog.Logger) {
	if logger.GetLevel() <= zerolog.TraceLevel {
		logger.Trace().Str("event", spew.Sdump(ev)).Msg("dispatching")
	}

	var err error
	switch ev.Type {
	case model.EventJoin:
		var p model.RoomPayload
		if err = model.DecodePayload(ev, &p); err == nil {
			if model.IsUserRoom(p.Room) && p.Room != model.UserRoom(conn.Identity.ID) {
				err = model.NewRelayError(model.CodeBadEvent, "cannot join another user's room")
			} else {
				srv.registry.Join(conn.ID, p.Room)
			}
		}

	case model.EventLeave:
		var p model.RoomPayload
		if err = model.DecodePayload(ev, &p); err == nil {
			if model.IsUserRoom(p.Room) {
				// User rooms double as the per-identity liveness count,
				// membership lasts for the life of the connection.
				err = model.NewRelayError(model.CodeBadEvent, "cannot leave a user room")
			} else {
				srv.registry.Leave(conn.ID, p.Room)
			}
		}

	case model.EventPresenceUpdate:
		var p model.PresenceUpdatePayload
		if err = model.DecodePayload(ev, &p); err == nil {
			switch {
			case conn.Identity.Role != model.RoleProvider:
				err = model.NewRelayError(model.CodeBadEvent, "only providers report presence")
			case !p.Status.Valid():
				err = model.NewRelayError(model.CodeBadEvent, "unknown presence status")
			default:
				srv.presence.Set(conn.Identity.ID, p.Status)
			}
		}

	case model.EventCallRequest:
		var p model.CallRequestPayload
		if err = model.DecodePayload(ev, &p); err == nil {
			if p.ProviderID == "" {
				err = model.NewRelayError(model.CodeBadEvent, "providerId is required")
			} else {
				_, err = srv.engine.Request(conn.Identity, p.ProviderID)
			}
		}

	case model.EventCallRespond:
		var p model.CallRespondPayload
		if err = model.DecodePayload(ev, &p); err == nil {
			// Accepting provisions a room, which can take longer than the
			// pong window. Run it off the read loop so the responder's
			// connection keeps reading; the engine serializes concurrent
			// responds itself.
			go func() {
				if _, respErr := srv.engine.Respond(ctx, conn.Identity.ID, p.NegotiationID, p.Accept); respErr != nil {
					logger.Debug().Err(respErr).Str("type", ev.Type).Msg("event rejected")
					srv.sendError(conn, respErr)
				}
			}()
		}

	case model.EventCallEnd:
		var p model.CallEndPayload
		if err = model.DecodePayload(ev, &p); err == nil {
			_, err = srv.engine.End(conn.Identity.ID, p.NegotiationID)
		}

	case model.EventSignal:
		var p model.SignalPayload
		if err = model.DecodePayload(ev, &p); err == nil {
			err = srv.relay.Forward(p.Room, conn.ID, p)
		}

	default:
		err = model.NewRelayError(model.CodeBadEvent, "unknown event type: "+ev.Type)
	}

	if err != nil {
		logger.Debug().Err(err).Str("type", ev.Type).Msg("event rejected")
		srv.sendError(conn, err)
	}
}

func (srv *Server) sendError(conn *registry.Conn, err error) {
	payload := model.ErrorPayload{
		Code:    model.CodeBadEvent,
		Message: "malformed event",
	}
	var relayErr *model.RelayError
	if errors.As(err, &relayErr) {
		payload.Code = relayErr.Code
		payload.Message = relayErr.Message
	}
	_ = conn.Send(model.NewEvent(model.EventError, payload))
}
