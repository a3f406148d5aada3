package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/patronus-health/consult-relay/auth"
	"github.com/patronus-health/consult-relay/model"
	"github.com/patronus-health/consult-relay/registry"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultWebsocketReadBufferSize     = 10000
	defaultWebsocketWriteBufferSize    = 10000
	defaultWebSocketMaxMessageSize     = 9000
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second

	// defaultPongWait - defaultPingInterval == is how long we give client to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second
)

var ErrUnexpected = errors.New("unexpected server error")

type (
	// CallEngine is the negotiation state machine the dispatcher feeds.
	CallEngine interface {
		Request(requester model.Identity, providerID string) (model.Negotiation, error)
		Respond(ctx context.Context, responderID, negID string, accept bool) (model.Negotiation, error)
		End(partyID, negID string) (model.Negotiation, error)
		HandleDisconnect(identity model.Identity)
	}

	Presence interface {
		Set(providerID string, status model.Status) model.Status
	}

	Signaling interface {
		Forward(room, fromConnID string, payload model.SignalPayload) error
	}

	Config struct {
		Logger     *zerolog.Logger
		ListenAddr string
		Verifier   auth.Verifier
		Registry   *registry.Registry
		Presence   Presence
		Engine     CallEngine
		Relay      Signaling
	}

	// Server accepts client connections, decodes framed events and
	// dispatches them. It holds no business state of its own.
	Server struct {
		registry *registry.Registry
		presence Presence
		engine   CallEngine
		relay    Signaling
		verifier auth.Verifier
		ws       *websocket.Upgrader
		*http.Server

		logger zerolog.Logger
	}
)

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger:   cfg.Logger.With().Str("component", "relay-server").Logger(),
		registry: cfg.Registry,
		presence: cfg.Presence,
		engine:   cfg.Engine,
		relay:    cfg.Relay,
		verifier: cfg.Verifier,
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/rtc", srv.connect)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}

func (srv *Server) connect(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = bearerToken(r)
	}
	identity, err := srv.verifier.Verify(token)
	if err != nil {
		srv.logger.Debug().Err(err).Msg("identity verification failed")
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	wsConn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	conn := registry.NewConn(identity)
	srv.registry.Register(conn)
	srv.registry.Join(conn.ID, model.UserRoom(identity.ID))
	srv.registry.Join(conn.ID, model.PresenceRoom)

	srv.logger.Debug().
		Str("connID", conn.ID).
		Str("userID", identity.ID).
		Str("role", identity.Role).
		Msg("client connected")

	ctx, cancel := context.WithCancel(context.Background())
	go srv.handleConn(ctx, cancel, wsConn, conn)
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

func (srv *Server) handleConn(
	ctx context.Context,
	cancel context.CancelFunc,
	wsConn *websocket.Conn,
	conn *registry.Conn,
) {
	wg := &sync.WaitGroup{}

	logger := srv.logger.With().
		Str("connID", conn.ID).
		Str("userID", conn.Identity.ID).
		Logger()

	wg.Add(2)
	go func() {
		srv.receiver(ctx, wg, wsConn, conn, &logger)
		cancel()
	}()
	go func() {
		sender(ctx, wg, wsConn, conn, &logger)
		cancel()
	}()

	wg.Wait()
	closeWebSocket(wsConn, &logger)
	srv.cleanup(conn, &logger)
}

// cleanup applies the implicit-leave and disconnection rules: drop all
// room memberships, and once the last connection of the identity is
// gone, resolve its negotiations and clear presence if it was a
// provider. Liveness is counted via the user room, which every
// connection joins and cannot leave explicitly.
func (srv *Server) cleanup(conn *registry.Conn, logger *zerolog.Logger) {
	rooms := srv.registry.Deregister(conn.ID)
	if srv.registry.RoomSize(model.UserRoom(conn.Identity.ID)) > 0 {
		logger.Debug().Int("rooms", len(rooms)).Msg("connection closed, identity still connected")
		return
	}
	srv.engine.HandleDisconnect(conn.Identity)
	if conn.Identity.Role == model.RoleProvider {
		srv.presence.Set(conn.Identity.ID, model.StatusUnavailable)
	}
	logger.Debug().Int("rooms", len(rooms)).Msg("client disconnected")
}

func (srv *Server) receiver(
	ctx context.Context,
	wg *sync.WaitGroup,
	wsConn *websocket.Conn,
	conn *registry.Conn,
	logger *zerolog.Logger,
) {
	defer wg.Done()

	wsConn.SetReadLimit(defaultWebSocketMaxMessageSize)
	readDeadLineFunc := func(deadline time.Duration) error {
		return wsConn.SetReadDeadline(time.Now().Add(deadline))
	}
	wsConn.SetPongHandler(func(string) error {
		logger.Trace().Msg("got pong")
		return readDeadLineFunc(defaultPongWait)
	})
	if err := readDeadLineFunc(defaultPongWait); err != nil {
		logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

RecvLoop:
	for {
		select {
		case <-ctx.Done():
			break RecvLoop
		default:
			_, msg, wsErr := wsConn.ReadMessage()
			if wsErr != nil {
				if websocket.IsCloseError(wsErr,
					websocket.CloseNormalClosure,
					websocket.CloseGoingAway) {
					logger.Debug().Err(wsErr).Msg("connection closed")
				} else {
					logger.Error().Err(wsErr).Msg("unexpected error during receive")
				}
				break RecvLoop
			}

			var ev model.Event
			if wsErr = json.Unmarshal(msg, &ev); wsErr != nil {
				logger.Debug().Err(wsErr).Msg("failed to unmarshal incoming event")
				srv.sendError(conn, model.NewRelayError(model.CodeBadEvent, "malformed event"))
				continue
			}
			srv.dispatch(ctx, conn, ev, logger)
		}
	}
}

func sender(
	ctx context.Context,
	wg *sync.WaitGroup,
	wsConn *websocket.Conn,
	conn *registry.Conn,
	logger *zerolog.Logger,
) {
	pingTicker := time.NewTicker(defaultPingInterval)
	defer func() {
		pingTicker.Stop()
		wg.Done()
	}()
SendLoop:
	for {
		select {
		case <-ctx.Done():
			break SendLoop
		case <-conn.Done():
			break SendLoop
		case <-pingTicker.C:
			wsErr := wsConn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			wsErr = wsConn.WriteMessage(websocket.PingMessage, []byte{})
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to send ping")
				break SendLoop
			}
			logger.Trace().Msg("ping sent")

		case ev := <-conn.Out():
			b, wsErr := json.Marshal(&ev)
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to marshal outgoing event")
				break SendLoop
			}
			wsErr = wsConn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			if wsErr = wsConn.WriteMessage(websocket.TextMessage, b); wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to write outgoing event")
				break SendLoop
			}
		}
	}
}

func closeWebSocket(wsConn *websocket.Conn, logger *zerolog.Logger) {
	wsErr := wsConn.SetWriteDeadline(time.Now().Add(defaultWebSocketCloseWriteDeadline))
	if wsErr != nil {
		logger.Error().Err(wsErr).Msg("failed to set websocket write deadline during closing")
	} else {
		wsErr = wsConn.WriteMessage(websocket.CloseMessage, []byte{})
		if wsErr != nil {
			logger.Error().Err(wsErr).Msg("failed to send websocket close message")
		}
	}
	wsErr = wsConn.Close()
	if wsErr != nil {
		logger.Error().Err(wsErr).Msg("failed to close websocket connection")
	}
}
