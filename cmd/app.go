package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/patronus-health/consult-relay/auth"
	"github.com/patronus-health/consult-relay/model"
	"github.com/patronus-health/consult-relay/negotiation"
	"github.com/patronus-health/consult-relay/persist"
	"github.com/patronus-health/consult-relay/presence"
	"github.com/patronus-health/consult-relay/provision"
	"github.com/patronus-health/consult-relay/registry"
	"github.com/patronus-health/consult-relay/relay"
	apiServer "github.com/patronus-health/consult-relay/server/http"
	relayServer "github.com/patronus-health/consult-relay/server/websocket"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	var (
		apiListenAddr = fs.StringP("api-listen-addr", "a", ":8080", "api listen address")
		wsListenAddr  = fs.StringP("ws-listen-addr", "w", ":8888", "websocket relay listen address")
		logLevel      = fs.StringP("log-level", "l", "debug", "log level")
		jwtSecret     = fs.String("jwt-secret", "", "hs256 secret for identity tokens")
		callTimeout   = fs.Duration("call-timeout", 30*time.Second, "how long a call request waits for a response")
		roomsEndpoint = fs.String("rooms-endpoint", "https://api.daily.co/v1/rooms", "room provisioning endpoint")
		roomsAPIKey   = fs.String("rooms-api-key", "", "room provisioning api key")
		sessionsURL   = fs.String("sessions-endpoint", "", "sessions service endpoint for lifecycle records (optional)")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	if *jwtSecret == "" {
		logger.Fatal().Msg("--jwt-secret is required")
	}
	if *roomsAPIKey == "" {
		logger.Fatal().Msg("--rooms-api-key is required")
	}

	reg := registry.New(&logger)
	dir := presence.NewDirectory(&logger)
	dir.OnChange(func(providerID string, status model.Status) {
		reg.Broadcast(model.PresenceRoom, model.NewEvent(model.EventPresenceChanged,
			model.PresenceChangedPayload{ProviderID: providerID, Status: status}), "")
	})

	var recorder negotiation.Recorder
	if *sessionsURL != "" {
		recorder = persist.NewNotifier(persist.Config{
			Logger:   &logger,
			Endpoint: *sessionsURL,
		})
	}

	engine := negotiation.NewEngine(negotiation.Config{
		Logger:    &logger,
		Announcer: reg,
		Presence:  dir,
		Provisioner: provision.NewClient(provision.Config{
			Logger:   &logger,
			Endpoint: *roomsEndpoint,
			APIKey:   *roomsAPIKey,
		}),
		Recorder: recorder,
		Timeout:  *callTimeout,
	})

	apiSrv := apiServer.NewServer(apiServer.Config{
		Logger:     &logger,
		Presence:   dir,
		ListenAddr: *apiListenAddr,
	})
	wsSrv := relayServer.NewServer(relayServer.Config{
		Logger:     &logger,
		ListenAddr: *wsListenAddr,
		Verifier:   auth.NewJWTVerifier(*jwtSecret),
		Registry:   reg,
		Presence:   dir,
		Engine:     engine,
		Relay:      relay.New(&logger, reg),
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(2)
	go apiSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}
