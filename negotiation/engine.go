package negotiation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/patronus-health/consult-relay/model"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultRetention = 5 * time.Minute
)

type (
	// Announcer pushes server events into logical rooms.
	Announcer interface {
		Broadcast(room string, ev model.Event, excludeConnID string) int
		DropRoom(room string)
	}

	// Presence gates call requests and mirrors the ACCEPTED/BUSY pairing.
	Presence interface {
		Get(providerID string) model.Status
		Set(providerID string, status model.Status) model.Status
	}

	// RoomProvisioner allocates a joinable media room. Implementations
	// retry transient failures internally; a returned error is final.
	RoomProvisioner interface {
		CreateRoom(ctx context.Context) (string, error)
	}

	// Recorder receives negotiation lifecycle snapshots. It must never
	// block; its availability must not affect the state machine.
	Recorder interface {
		Record(neg model.Negotiation)
	}

	Config struct {
		Logger      *zerolog.Logger
		Announcer   Announcer
		Presence    Presence
		Provisioner RoomProvisioner
		Recorder    Recorder
		Timeout     time.Duration
		Retention   time.Duration
	}

	// Engine runs the request -> accept/reject -> active -> ended state
	// machine. The lock guards only the in-memory table; provisioning
	// I/O happens outside it with the negotiation claimed via the
	// resolving flag.
	Engine struct {
		logger      zerolog.Logger
		announcer   Announcer
		presence    Presence
		provisioner RoomProvisioner
		recorder    Recorder
		timeout     time.Duration
		retention   time.Duration

		mu                 sync.Mutex
		byID               map[string]*negotiation
		pendingByPair      map[pairKey]string
		pendingByProvider  map[string]string
		acceptedByProvider map[string]string
	}

	negotiation struct {
		model.Negotiation
		resolving     bool
		requesterGone bool
		providerGone  bool
		timer         *time.Timer
	}

	pairKey struct {
		requesterID string
		providerID  string
	}
)

func NewEngine(cfg Config) *Engine {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = defaultRetention
	}
	return &Engine{
		logger:             cfg.Logger.With().Str("component", "negotiation").Logger(),
		announcer:          cfg.Announcer,
		presence:           cfg.Presence,
		provisioner:        cfg.Provisioner,
		recorder:           cfg.Recorder,
		timeout:            timeout,
		retention:          retention,
		byID:               make(map[string]*negotiation),
		pendingByPair:      make(map[pairKey]string),
		pendingByProvider:  make(map[string]string),
		acceptedByProvider: make(map[string]string),
	}
}

// Request opens a PENDING negotiation from requester to providerID and
// notifies the provider. A repeated request for the same pair while one
// is PENDING returns the existing negotiation unchanged, so double
// clicks cannot create duplicates.
func (e *Engine) Request(requester model.Identity, providerID string) (model.Negotiation, error) {
	e.mu.Lock()
	if id, ok := e.pendingByPair[pairKey{requester.ID, providerID}]; ok {
		snap := e.byID[id].Negotiation
		e.mu.Unlock()
		return snap, nil
	}
	if e.presence.Get(providerID) != model.StatusAvailable {
		e.mu.Unlock()
		return model.Negotiation{}, model.NewRelayError(model.CodeProviderUnavailable,
			"provider is not available")
	}
	if _, ok := e.pendingByProvider[providerID]; ok {
		e.mu.Unlock()
		return model.Negotiation{}, model.NewRelayError(model.CodeProviderUnavailable,
			"provider already has a pending call")
	}
	if _, ok := e.acceptedByProvider[providerID]; ok {
		e.mu.Unlock()
		return model.Negotiation{}, model.NewRelayError(model.CodeProviderUnavailable,
			"provider is in a call")
	}

	n := &negotiation{
		Negotiation: model.Negotiation{
			ID:            uuid.NewString(),
			RequesterID:   requester.ID,
			RequesterName: requester.Name,
			ProviderID:    providerID,
			State:         model.NegotiationPending,
			CreatedAt:     time.Now().UTC(),
		},
	}
	e.byID[n.ID] = n
	e.pendingByPair[pairKey{requester.ID, providerID}] = n.ID
	e.pendingByProvider[providerID] = n.ID
	negID := n.ID
	n.timer = time.AfterFunc(e.timeout, func() { e.expire(negID) })
	snap := n.Negotiation
	e.mu.Unlock()

	e.logger.Debug().
		Str("negotiationID", snap.ID).
		Str("requesterID", snap.RequesterID).
		Str("providerID", snap.ProviderID).
		Msg("negotiation created")
	e.record(snap)
	e.announcer.Broadcast(model.UserRoom(providerID), model.NewEvent(model.EventCallIncoming,
		model.CallIncomingPayload{
			NegotiationID: snap.ID,
			RequesterID:   snap.RequesterID,
			RequesterName: snap.RequesterName,
		}), "")
	return snap, nil
}

// Respond resolves a PENDING negotiation. Only the targeted provider
// may respond. Accepting provisions a media room first; if provisioning
// fails after retries the negotiation is rejected with a distinct
// reason so it can never sit ACCEPTED without a room.
func (e *Engine) Respond(ctx context.Context, responderID, negID string, accept bool) (model.Negotiation, error) {
	e.mu.Lock()
	n, ok := e.byID[negID]
	if !ok {
		e.mu.Unlock()
		return model.Negotiation{}, model.NewRelayError(model.CodeNegotiationNotFound,
			"unknown negotiation")
	}
	if n.State != model.NegotiationPending || n.resolving {
		e.mu.Unlock()
		return model.Negotiation{}, model.NewRelayError(model.CodeAlreadyResolved,
			"negotiation is already resolved")
	}
	if responderID != n.ProviderID {
		e.mu.Unlock()
		return model.Negotiation{}, model.NewRelayError(model.CodeNotAuthorizedResponder,
			"only the targeted provider may respond")
	}

	if !accept {
		e.resolveLocked(n, model.NegotiationRejected)
		snap := n.Negotiation
		e.mu.Unlock()

		e.record(snap)
		e.announceResolved(snap, model.EventCallRejected, "")
		return snap, nil
	}

	// Claim the negotiation so concurrent responds and the expiry timer
	// back off while the room is provisioned outside the lock.
	n.resolving = true
	n.timer.Stop()
	e.mu.Unlock()

	addr, provErr := e.provisioner.CreateRoom(ctx)

	e.mu.Lock()
	n.resolving = false
	if provErr != nil {
		e.resolveLocked(n, model.NegotiationRejected)
		snap := n.Negotiation
		e.mu.Unlock()

		e.logger.Error().Err(provErr).
			Str("negotiationID", snap.ID).
			Msg("room provisioning failed")
		e.record(snap)
		e.announceResolved(snap, model.EventCallRejected, model.CodeProvisioningFailed)
		return snap, model.NewRelayError(model.CodeProvisioningFailed,
			"could not provision a room")
	}
	n.State = model.NegotiationAccepted
	n.RoomAddress = addr
	delete(e.pendingByPair, pairKey{n.RequesterID, n.ProviderID})
	delete(e.pendingByProvider, n.ProviderID)
	e.acceptedByProvider[n.ProviderID] = n.ID
	if n.requesterGone || n.providerGone {
		// A party disconnected while the room was being provisioned.
		// Complete straight away instead of leaving the provider BUSY
		// in a call nobody can join.
		e.resolveLocked(n, model.NegotiationCompleted)
		snap := n.Negotiation
		e.mu.Unlock()

		e.logger.Debug().Str("negotiationID", snap.ID).
			Msg("party disconnected during provisioning, completing")
		e.record(snap)
		e.announceResolved(snap, model.EventCallEnded, "")
		e.announcer.DropRoom(model.CallRoom(snap.ID))
		return snap, nil
	}
	snap := n.Negotiation
	e.mu.Unlock()

	e.presence.Set(snap.ProviderID, model.StatusBusy)
	e.record(snap)
	accepted := model.NewEvent(model.EventCallAccepted, model.CallAcceptedPayload{
		NegotiationID: snap.ID,
		RoomAddress:   snap.RoomAddress,
	})
	e.announcer.Broadcast(model.UserRoom(snap.RequesterID), accepted, "")
	e.announcer.Broadcast(model.UserRoom(snap.ProviderID), accepted, "")
	return snap, nil
}

// End completes an ACCEPTED negotiation on behalf of either party,
// returns the provider to AVAILABLE and tears down the signaling room.
func (e *Engine) End(partyID, negID string) (model.Negotiation, error) {
	e.mu.Lock()
	n, ok := e.byID[negID]
	if !ok {
		e.mu.Unlock()
		return model.Negotiation{}, model.NewRelayError(model.CodeNegotiationNotFound,
			"unknown negotiation")
	}
	if partyID != n.RequesterID && partyID != n.ProviderID {
		e.mu.Unlock()
		return model.Negotiation{}, model.NewRelayError(model.CodeNotAuthorizedResponder,
			"not a party of this negotiation")
	}
	if n.State != model.NegotiationAccepted {
		e.mu.Unlock()
		return model.Negotiation{}, model.NewRelayError(model.CodeAlreadyResolved,
			"negotiation is not active")
	}
	e.resolveLocked(n, model.NegotiationCompleted)
	snap := n.Negotiation
	e.mu.Unlock()

	e.presence.Set(snap.ProviderID, model.StatusAvailable)
	e.record(snap)
	e.announceResolved(snap, model.EventCallEnded, "")
	e.announcer.DropRoom(model.CallRoom(snap.ID))
	return snap, nil
}

// HandleDisconnect applies the disconnection rules for one identity:
// a provider dropping mid-PENDING expires the negotiation immediately,
// a requester dropping abandons theirs, and either party dropping an
// ACCEPTED call completes it.
func (e *Engine) HandleDisconnect(identity model.Identity) {
	e.mu.Lock()
	var pendingAsProvider, pendingAsRequester, active []*negotiation
	for _, n := range e.byID {
		if n.resolving {
			// Provisioning is in flight outside the lock. Flag the
			// departure; Respond picks it up when it commits.
			if n.RequesterID == identity.ID {
				n.requesterGone = true
			}
			if n.ProviderID == identity.ID {
				n.providerGone = true
			}
			continue
		}
		switch {
		case n.State == model.NegotiationPending && n.ProviderID == identity.ID:
			pendingAsProvider = append(pendingAsProvider, n)
		case n.State == model.NegotiationPending && n.RequesterID == identity.ID:
			pendingAsRequester = append(pendingAsRequester, n)
		case n.State == model.NegotiationAccepted &&
			(n.ProviderID == identity.ID || n.RequesterID == identity.ID):
			active = append(active, n)
		}
	}

	var expired, completed []model.Negotiation
	for _, n := range append(pendingAsProvider, pendingAsRequester...) {
		e.resolveLocked(n, model.NegotiationExpired)
		expired = append(expired, n.Negotiation)
	}
	for _, n := range active {
		e.resolveLocked(n, model.NegotiationCompleted)
		completed = append(completed, n.Negotiation)
	}
	e.mu.Unlock()

	for _, snap := range expired {
		e.record(snap)
		// Notify whichever side is still connected.
		peer := snap.RequesterID
		if snap.RequesterID == identity.ID {
			peer = snap.ProviderID
		}
		e.announcer.Broadcast(model.UserRoom(peer), model.NewEvent(model.EventCallExpired,
			model.CallResolvedPayload{NegotiationID: snap.ID}), "")
	}
	for _, snap := range completed {
		e.presence.Set(snap.ProviderID, model.StatusAvailable)
		e.record(snap)
		e.announceResolved(snap, model.EventCallEnded, "")
		e.announcer.DropRoom(model.CallRoom(snap.ID))
	}
}

// Snapshot returns the current state of a negotiation if it is still
// retained.
func (e *Engine) Snapshot(negID string) (model.Negotiation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	n, ok := e.byID[negID]
	if !ok {
		return model.Negotiation{}, false
	}
	return n.Negotiation, true
}

func (e *Engine) expire(negID string) {
	e.mu.Lock()
	n, ok := e.byID[negID]
	if !ok || n.State != model.NegotiationPending || n.resolving {
		e.mu.Unlock()
		return
	}
	e.resolveLocked(n, model.NegotiationExpired)
	snap := n.Negotiation
	e.mu.Unlock()

	e.logger.Debug().Str("negotiationID", snap.ID).Msg("negotiation expired")
	e.record(snap)
	e.announcer.Broadcast(model.UserRoom(snap.RequesterID), model.NewEvent(model.EventCallExpired,
		model.CallResolvedPayload{NegotiationID: snap.ID}), "")
}

// resolveLocked moves n to a terminal state, cancels its expiry timer,
// drops it from the live indexes and schedules removal after the
// retention window. Caller holds e.mu.
func (e *Engine) resolveLocked(n *negotiation, state model.NegotiationState) {
	if n.timer != nil {
		n.timer.Stop()
	}
	n.State = state
	delete(e.pendingByPair, pairKey{n.RequesterID, n.ProviderID})
	if e.pendingByProvider[n.ProviderID] == n.ID {
		delete(e.pendingByProvider, n.ProviderID)
	}
	if e.acceptedByProvider[n.ProviderID] == n.ID {
		delete(e.acceptedByProvider, n.ProviderID)
	}
	negID := n.ID
	time.AfterFunc(e.retention, func() {
		e.mu.Lock()
		delete(e.byID, negID)
		e.mu.Unlock()
	})
}

func (e *Engine) announceResolved(snap model.Negotiation, eventType, reason string) {
	ev := model.NewEvent(eventType, model.CallResolvedPayload{
		NegotiationID: snap.ID,
		Reason:        reason,
	})
	e.announcer.Broadcast(model.UserRoom(snap.RequesterID), ev, "")
	e.announcer.Broadcast(model.UserRoom(snap.ProviderID), ev, "")
}

func (e *Engine) record(snap model.Negotiation) {
	if e.recorder != nil {
		e.recorder.Record(snap)
	}
}
