package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/patronus-health/consult-relay/model"
)

const defaultPostWait = 5 * time.Second

// Notifier forwards negotiation lifecycle snapshots to the sessions
// service for audit and history. Delivery is fire-and-forget: failures
// are logged and never propagate back into the state machine.
type Notifier struct {
	logger   zerolog.Logger
	endpoint string
	http     *http.Client
}

type Config struct {
	Logger   *zerolog.Logger
	Endpoint string
	Client   *http.Client
}

func NewNotifier(cfg Config) *Notifier {
	n := &Notifier{
		logger:   cfg.Logger.With().Str("component", "persist").Logger(),
		endpoint: cfg.Endpoint,
		http:     cfg.Client,
	}
	if n.http == nil {
		n.http = &http.Client{Timeout: defaultPostWait}
	}
	return n
}

type record struct {
	model.Negotiation
	At time.Time `json:"at"`
}

func (n *Notifier) Record(neg model.Negotiation) {
	go n.post(record{Negotiation: neg, At: time.Now().UTC()})
}

func (n *Notifier) post(rec record) {
	body, err := json.Marshal(&rec)
	if err != nil {
		n.logger.Error().Err(err).Msg("failed to marshal lifecycle record")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultPostWait)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(body))
	if err != nil {
		n.logger.Error().Err(err).Msg("failed to build lifecycle request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.http.Do(req)
	if err != nil {
		n.logger.Error().Err(err).
			Str("negotiationID", rec.ID).
			Msg("failed to deliver lifecycle record")
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	if resp.StatusCode >= 300 {
		n.logger.Error().
			Int("status", resp.StatusCode).
			Str("negotiationID", rec.ID).
			Msg("sessions service refused lifecycle record")
		return
	}
	n.logger.Trace().
		Str("negotiationID", rec.ID).
		Str("state", string(rec.State)).
		Msg("lifecycle record delivered")
}
