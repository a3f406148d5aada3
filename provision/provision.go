package provision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
)

const (
	defaultRoomTTL  = time.Hour
	defaultMaxTries = 3
	defaultHTTPWait = 10 * time.Second
)

var (
	ErrProvision = errors.New("room provisioning failed")
	ErrNoURL     = errors.New("provisioning response carries no room url")
)

type (
	Config struct {
		Logger   *zerolog.Logger
		Endpoint string
		APIKey   string
		RoomTTL  time.Duration
		MaxTries uint
		Client   *http.Client
	}

	// Client provisions joinable video rooms from a Daily-style rooms
	// API. Transient failures are retried with exponential backoff a
	// small fixed number of times; a returned error is final.
	Client struct {
		logger   zerolog.Logger
		endpoint string
		apiKey   string
		roomTTL  time.Duration
		maxTries uint
		http     *http.Client
	}

	roomRequest struct {
		Properties roomProperties `json:"properties"`
	}
	roomProperties struct {
		Exp int64 `json:"exp"`
	}
	roomResponse struct {
		URL  string `json:"url"`
		Name string `json:"name"`
	}
)

func NewClient(cfg Config) *Client {
	c := &Client{
		logger:   cfg.Logger.With().Str("component", "provision").Logger(),
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		roomTTL:  cfg.RoomTTL,
		maxTries: cfg.MaxTries,
		http:     cfg.Client,
	}
	if c.roomTTL <= 0 {
		c.roomTTL = defaultRoomTTL
	}
	if c.maxTries == 0 {
		c.maxTries = defaultMaxTries
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: defaultHTTPWait}
	}
	return c
}

// CreateRoom allocates a room and returns its joinable address.
func (c *Client) CreateRoom(ctx context.Context) (string, error) {
	addr, err := backoff.Retry(ctx, func() (string, error) {
		return c.createOnce(ctx)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(c.maxTries))
	if err != nil {
		return "", errors.Join(ErrProvision, err)
	}
	c.logger.Debug().Str("roomAddress", addr).Msg("room provisioned")
	return addr, nil
}

func (c *Client) createOnce(ctx context.Context) (string, error) {
	body, err := json.Marshal(roomRequest{
		Properties: roomProperties{
			Exp: time.Now().Add(c.roomTTL).Unix(),
		},
	})
	if err != nil {
		return "", backoff.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", backoff.Permanent(err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 500:
		return "", fmt.Errorf("rooms api responded %d", resp.StatusCode)
	case resp.StatusCode >= 300:
		return "", backoff.Permanent(fmt.Errorf("rooms api responded %d", resp.StatusCode))
	}

	var room roomResponse
	if err = json.NewDecoder(resp.Body).Decode(&room); err != nil {
		return "", backoff.Permanent(err)
	}
	if room.URL == "" {
		return "", backoff.Permanent(ErrNoURL)
	}
	return room.URL, nil
}
