package negotiation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/patronus-health/consult-relay/model"
)

type fakeAnnouncer struct {
	mu      sync.Mutex
	events  map[string][]model.Event
	dropped []string
}

func newFakeAnnouncer() *fakeAnnouncer {
	return &fakeAnnouncer{events: make(map[string][]model.Event)}
}

func (f *fakeAnnouncer) Broadcast(room string, ev model.Event, _ string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[room] = append(f.events[room], ev)
	return 1
}

func (f *fakeAnnouncer) DropRoom(room string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropped = append(f.dropped, room)
}

func (f *fakeAnnouncer) roomEvents(room string) []model.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Event, len(f.events[room]))
	copy(out, f.events[room])
	return out
}

func (f *fakeAnnouncer) countByType(room, eventType string) int {
	var n int
	for _, ev := range f.roomEvents(room) {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

type fakePresence struct {
	mu sync.Mutex
	db map[string]model.Status
}

func newFakePresence() *fakePresence {
	return &fakePresence{db: make(map[string]model.Status)}
}

func (f *fakePresence) Get(providerID string) model.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.db[providerID]; ok {
		return s
	}
	return model.StatusUnavailable
}

func (f *fakePresence) Set(providerID string, status model.Status) model.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev := f.db[providerID]
	f.db[providerID] = status
	return prev
}

type fakeProvisioner struct {
	addr string
	err  error
}

func (f *fakeProvisioner) CreateRoom(context.Context) (string, error) {
	return f.addr, f.err
}

// blockingProvisioner parks CreateRoom until released, signalling entry
// so tests can interleave other engine calls with provisioning.
type blockingProvisioner struct {
	entered chan struct{}
	release chan struct{}
	addr    string
}

func (b *blockingProvisioner) CreateRoom(context.Context) (string, error) {
	close(b.entered)
	<-b.release
	return b.addr, nil
}

type fakeRecorder struct {
	mu     sync.Mutex
	states []model.NegotiationState
}

func (f *fakeRecorder) Record(neg model.Negotiation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, neg.State)
}

type fixture struct {
	engine    *Engine
	announcer *fakeAnnouncer
	presence  *fakePresence
	recorder  *fakeRecorder
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	logger := zerolog.Nop()
	f := &fixture{
		announcer: newFakeAnnouncer(),
		presence:  newFakePresence(),
		recorder:  &fakeRecorder{},
	}
	cfg := Config{
		Logger:      &logger,
		Announcer:   f.announcer,
		Presence:    f.presence,
		Provisioner: &fakeProvisioner{addr: "https://rooms.example/abc"},
		Recorder:    f.recorder,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f.engine = NewEngine(cfg)
	return f
}

var (
	patient = model.Identity{ID: "pat-1", Name: "Ann", Role: model.RoleRequester}
	doctor  = "dr-1"
)

func errCode(t *testing.T, err error) string {
	t.Helper()
	var relayErr *model.RelayError
	if !errors.As(err, &relayErr) {
		t.Fatalf("err=%v, want *model.RelayError", err)
	}
	return relayErr.Code
}

func TestEngine_RequestCreatesPendingAndNotifiesProvider(t *testing.T) {
	f := newFixture(t, nil)
	f.presence.Set(doctor, model.StatusAvailable)

	neg, err := f.engine.Request(patient, doctor)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if neg.State != model.NegotiationPending {
		t.Fatalf("state=%s, want %s", neg.State, model.NegotiationPending)
	}
	if neg.ID == "" || neg.ID == doctor {
		t.Fatalf("negotiation id %q must be generated, never the provider id", neg.ID)
	}

	evs := f.announcer.roomEvents(model.UserRoom(doctor))
	if len(evs) != 1 || evs[0].Type != model.EventCallIncoming {
		t.Fatalf("provider events=%v, want one call.incoming", evs)
	}
	var p model.CallIncomingPayload
	if err = model.DecodePayload(evs[0], &p); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if p.NegotiationID != neg.ID || p.RequesterID != patient.ID || p.RequesterName != patient.Name {
		t.Fatalf("incoming payload=%+v, want negotiation %s from %s", p, neg.ID, patient.ID)
	}
}

func TestEngine_RequestIsIdempotentPerPair(t *testing.T) {
	f := newFixture(t, nil)
	f.presence.Set(doctor, model.StatusAvailable)

	first, err := f.engine.Request(patient, doctor)
	if err != nil {
		t.Fatalf("first Request: %v", err)
	}
	second, err := f.engine.Request(patient, doctor)
	if err != nil {
		t.Fatalf("second Request: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("ids differ: %s vs %s", first.ID, second.ID)
	}
	if got := f.announcer.countByType(model.UserRoom(doctor), model.EventCallIncoming); got != 1 {
		t.Fatalf("provider notified %d times, want 1", got)
	}
}

func TestEngine_RequestToUnavailableProviderFails(t *testing.T) {
	f := newFixture(t, nil)
	f.presence.Set(doctor, model.StatusBusy)

	_, err := f.engine.Request(patient, doctor)
	if got := errCode(t, err); got != model.CodeProviderUnavailable {
		t.Fatalf("code=%s, want %s", got, model.CodeProviderUnavailable)
	}
	if evs := f.announcer.roomEvents(model.UserRoom(doctor)); len(evs) != 0 {
		t.Fatalf("provider received %d events, want 0", len(evs))
	}
}

func TestEngine_RequestWhileOtherRequesterPendingFails(t *testing.T) {
	f := newFixture(t, nil)
	f.presence.Set(doctor, model.StatusAvailable)

	if _, err := f.engine.Request(patient, doctor); err != nil {
		t.Fatalf("Request: %v", err)
	}
	other := model.Identity{ID: "pat-2", Role: model.RoleRequester}
	_, err := f.engine.Request(other, doctor)
	if got := errCode(t, err); got != model.CodeProviderUnavailable {
		t.Fatalf("code=%s, want %s", got, model.CodeProviderUnavailable)
	}
}

func TestEngine_AcceptMarksBusyAndSharesRoomAddress(t *testing.T) {
	f := newFixture(t, nil)
	f.presence.Set(doctor, model.StatusAvailable)

	neg, err := f.engine.Request(patient, doctor)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	accepted, err := f.engine.Respond(context.Background(), doctor, neg.ID, true)
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if accepted.State != model.NegotiationAccepted {
		t.Fatalf("state=%s, want %s", accepted.State, model.NegotiationAccepted)
	}
	if accepted.RoomAddress != "https://rooms.example/abc" {
		t.Fatalf("roomAddress=%q", accepted.RoomAddress)
	}
	if got := f.presence.Get(doctor); got != model.StatusBusy {
		t.Fatalf("provider status=%s, want %s", got, model.StatusBusy)
	}

	evs := f.announcer.roomEvents(model.UserRoom(patient.ID))
	if len(evs) != 1 || evs[0].Type != model.EventCallAccepted {
		t.Fatalf("requester events=%v, want one call.accepted", evs)
	}
	var p model.CallAcceptedPayload
	if err = model.DecodePayload(evs[0], &p); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if p.RoomAddress != accepted.RoomAddress {
		t.Fatalf("payload address=%q, want %q", p.RoomAddress, accepted.RoomAddress)
	}
}

func TestEngine_RejectNotifiesRequester(t *testing.T) {
	f := newFixture(t, nil)
	f.presence.Set(doctor, model.StatusAvailable)

	neg, _ := f.engine.Request(patient, doctor)
	rejected, err := f.engine.Respond(context.Background(), doctor, neg.ID, false)
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if rejected.State != model.NegotiationRejected {
		t.Fatalf("state=%s, want %s", rejected.State, model.NegotiationRejected)
	}
	if got := f.presence.Get(doctor); got != model.StatusAvailable {
		t.Fatalf("provider status=%s, want untouched %s", got, model.StatusAvailable)
	}
	if got := f.announcer.countByType(model.UserRoom(patient.ID), model.EventCallRejected); got != 1 {
		t.Fatalf("requester got %d call.rejected, want 1", got)
	}
}

func TestEngine_RespondGuards(t *testing.T) {
	f := newFixture(t, nil)
	f.presence.Set(doctor, model.StatusAvailable)
	neg, _ := f.engine.Request(patient, doctor)

	_, err := f.engine.Respond(context.Background(), "dr-impostor", neg.ID, true)
	if got := errCode(t, err); got != model.CodeNotAuthorizedResponder {
		t.Fatalf("impostor code=%s, want %s", got, model.CodeNotAuthorizedResponder)
	}

	_, err = f.engine.Respond(context.Background(), doctor, "no-such-negotiation", true)
	if got := errCode(t, err); got != model.CodeNegotiationNotFound {
		t.Fatalf("unknown id code=%s, want %s", got, model.CodeNegotiationNotFound)
	}

	if _, err = f.engine.Respond(context.Background(), doctor, neg.ID, false); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	_, err = f.engine.Respond(context.Background(), doctor, neg.ID, true)
	if got := errCode(t, err); got != model.CodeAlreadyResolved {
		t.Fatalf("resolved code=%s, want %s", got, model.CodeAlreadyResolved)
	}
}

func TestEngine_ProvisioningFailureRejectsWithReason(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.Provisioner = &fakeProvisioner{err: errors.New("rooms api is down")}
	})
	f.presence.Set(doctor, model.StatusAvailable)
	neg, _ := f.engine.Request(patient, doctor)

	_, err := f.engine.Respond(context.Background(), doctor, neg.ID, true)
	if got := errCode(t, err); got != model.CodeProvisioningFailed {
		t.Fatalf("code=%s, want %s", got, model.CodeProvisioningFailed)
	}
	snap, ok := f.engine.Snapshot(neg.ID)
	if !ok || snap.State != model.NegotiationRejected {
		t.Fatalf("state=%s ok=%v, want %s", snap.State, ok, model.NegotiationRejected)
	}
	if got := f.presence.Get(doctor); got != model.StatusAvailable {
		t.Fatalf("provider status=%s, want %s", got, model.StatusAvailable)
	}

	for _, room := range []string{model.UserRoom(patient.ID), model.UserRoom(doctor)} {
		evs := f.announcer.roomEvents(room)
		var found bool
		for _, ev := range evs {
			if ev.Type != model.EventCallRejected {
				continue
			}
			var p model.CallResolvedPayload
			if err := model.DecodePayload(ev, &p); err != nil {
				t.Fatalf("DecodePayload: %v", err)
			}
			if p.Reason == model.CodeProvisioningFailed {
				found = true
			}
		}
		if !found {
			t.Fatalf("room %s missing call.rejected with reason %s", room, model.CodeProvisioningFailed)
		}
	}
}

func TestEngine_ExpiryFiresOnceAndBlocksLateResponse(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.Timeout = 20 * time.Millisecond
	})
	f.presence.Set(doctor, model.StatusAvailable)
	neg, _ := f.engine.Request(patient, doctor)

	time.Sleep(100 * time.Millisecond)

	snap, ok := f.engine.Snapshot(neg.ID)
	if !ok || snap.State != model.NegotiationExpired {
		t.Fatalf("state=%s ok=%v, want %s", snap.State, ok, model.NegotiationExpired)
	}
	if got := f.announcer.countByType(model.UserRoom(patient.ID), model.EventCallExpired); got != 1 {
		t.Fatalf("requester got %d call.expired, want exactly 1", got)
	}
	if got := f.presence.Get(doctor); got != model.StatusAvailable {
		t.Fatalf("provider status=%s, want unaffected %s", got, model.StatusAvailable)
	}

	_, err := f.engine.Respond(context.Background(), doctor, neg.ID, true)
	if got := errCode(t, err); got != model.CodeAlreadyResolved {
		t.Fatalf("late respond code=%s, want %s", got, model.CodeAlreadyResolved)
	}
}

func TestEngine_TimerCanceledOnResolve(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.Timeout = 20 * time.Millisecond
	})
	f.presence.Set(doctor, model.StatusAvailable)
	neg, _ := f.engine.Request(patient, doctor)

	if _, err := f.engine.Respond(context.Background(), doctor, neg.ID, false); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	snap, _ := f.engine.Snapshot(neg.ID)
	if snap.State != model.NegotiationRejected {
		t.Fatalf("state=%s, want %s (stale expiry must not fire)", snap.State, model.NegotiationRejected)
	}
	if got := f.announcer.countByType(model.UserRoom(patient.ID), model.EventCallExpired); got != 0 {
		t.Fatalf("requester got %d call.expired after rejection, want 0", got)
	}
}

func TestEngine_EndCompletesAndFreesProvider(t *testing.T) {
	f := newFixture(t, nil)
	f.presence.Set(doctor, model.StatusAvailable)
	neg, _ := f.engine.Request(patient, doctor)
	if _, err := f.engine.Respond(context.Background(), doctor, neg.ID, true); err != nil {
		t.Fatalf("Respond: %v", err)
	}

	done, err := f.engine.End(patient.ID, neg.ID)
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if done.State != model.NegotiationCompleted {
		t.Fatalf("state=%s, want %s", done.State, model.NegotiationCompleted)
	}
	if got := f.presence.Get(doctor); got != model.StatusAvailable {
		t.Fatalf("provider status=%s, want %s", got, model.StatusAvailable)
	}
	for _, room := range []string{model.UserRoom(patient.ID), model.UserRoom(doctor)} {
		if got := f.announcer.countByType(room, model.EventCallEnded); got != 1 {
			t.Fatalf("room %s got %d call.ended, want 1", room, got)
		}
	}
	if len(f.announcer.dropped) != 1 || f.announcer.dropped[0] != model.CallRoom(neg.ID) {
		t.Fatalf("dropped rooms=%v, want [%s]", f.announcer.dropped, model.CallRoom(neg.ID))
	}

	_, err = f.engine.End(patient.ID, neg.ID)
	if got := errCode(t, err); got != model.CodeAlreadyResolved {
		t.Fatalf("second End code=%s, want %s", got, model.CodeAlreadyResolved)
	}
}

func TestEngine_EndGuards(t *testing.T) {
	f := newFixture(t, nil)
	f.presence.Set(doctor, model.StatusAvailable)
	neg, _ := f.engine.Request(patient, doctor)

	_, err := f.engine.End("someone-else", neg.ID)
	if got := errCode(t, err); got != model.CodeNotAuthorizedResponder {
		t.Fatalf("outsider code=%s, want %s", got, model.CodeNotAuthorizedResponder)
	}
	_, err = f.engine.End(patient.ID, neg.ID)
	if got := errCode(t, err); got != model.CodeAlreadyResolved {
		t.Fatalf("end of pending code=%s, want %s", got, model.CodeAlreadyResolved)
	}
	_, err = f.engine.End(patient.ID, "no-such-negotiation")
	if got := errCode(t, err); got != model.CodeNegotiationNotFound {
		t.Fatalf("unknown id code=%s, want %s", got, model.CodeNegotiationNotFound)
	}
}

func TestEngine_ProviderDisconnectExpiresPending(t *testing.T) {
	f := newFixture(t, nil)
	f.presence.Set(doctor, model.StatusAvailable)
	neg, _ := f.engine.Request(patient, doctor)

	f.engine.HandleDisconnect(model.Identity{ID: doctor, Role: model.RoleProvider})

	snap, _ := f.engine.Snapshot(neg.ID)
	if snap.State != model.NegotiationExpired {
		t.Fatalf("state=%s, want %s", snap.State, model.NegotiationExpired)
	}
	if got := f.announcer.countByType(model.UserRoom(patient.ID), model.EventCallExpired); got != 1 {
		t.Fatalf("requester got %d call.expired, want 1", got)
	}
}

func TestEngine_RequesterDisconnectAbandonsPending(t *testing.T) {
	f := newFixture(t, nil)
	f.presence.Set(doctor, model.StatusAvailable)
	neg, _ := f.engine.Request(patient, doctor)

	f.engine.HandleDisconnect(patient)

	snap, _ := f.engine.Snapshot(neg.ID)
	if snap.State != model.NegotiationExpired {
		t.Fatalf("state=%s, want %s", snap.State, model.NegotiationExpired)
	}
	if got := f.presence.Get(doctor); got != model.StatusAvailable {
		t.Fatalf("provider status=%s, want unaffected %s", got, model.StatusAvailable)
	}
	if got := f.announcer.countByType(model.UserRoom(doctor), model.EventCallExpired); got != 1 {
		t.Fatalf("provider got %d call.expired, want 1", got)
	}
}

func TestEngine_DisconnectDuringActiveCallCompletes(t *testing.T) {
	f := newFixture(t, nil)
	f.presence.Set(doctor, model.StatusAvailable)
	neg, _ := f.engine.Request(patient, doctor)
	if _, err := f.engine.Respond(context.Background(), doctor, neg.ID, true); err != nil {
		t.Fatalf("Respond: %v", err)
	}

	f.engine.HandleDisconnect(patient)

	snap, _ := f.engine.Snapshot(neg.ID)
	if snap.State != model.NegotiationCompleted {
		t.Fatalf("state=%s, want %s", snap.State, model.NegotiationCompleted)
	}
	if got := f.presence.Get(doctor); got != model.StatusAvailable {
		t.Fatalf("provider status=%s, want %s", got, model.StatusAvailable)
	}
}

func TestEngine_DisconnectDuringProvisioningCompletes(t *testing.T) {
	prov := &blockingProvisioner{
		entered: make(chan struct{}),
		release: make(chan struct{}),
		addr:    "https://rooms.example/abc",
	}
	f := newFixture(t, func(cfg *Config) {
		cfg.Provisioner = prov
	})
	f.presence.Set(doctor, model.StatusAvailable)
	neg, _ := f.engine.Request(patient, doctor)

	done := make(chan model.Negotiation, 1)
	go func() {
		snap, err := f.engine.Respond(context.Background(), doctor, neg.ID, true)
		if err != nil {
			t.Errorf("Respond: %v", err)
		}
		done <- snap
	}()

	<-prov.entered
	f.engine.HandleDisconnect(patient)
	close(prov.release)

	snap := <-done
	if snap.State != model.NegotiationCompleted {
		t.Fatalf("state=%s, want %s", snap.State, model.NegotiationCompleted)
	}
	if got := f.presence.Get(doctor); got != model.StatusAvailable {
		t.Fatalf("provider status=%s, want %s (never left busy)", got, model.StatusAvailable)
	}
	for _, room := range []string{model.UserRoom(patient.ID), model.UserRoom(doctor)} {
		if got := f.announcer.countByType(room, model.EventCallAccepted); got != 0 {
			t.Fatalf("room %s got %d call.accepted, want 0", room, got)
		}
		if got := f.announcer.countByType(room, model.EventCallEnded); got != 1 {
			t.Fatalf("room %s got %d call.ended, want 1", room, got)
		}
	}
	if len(f.announcer.dropped) != 1 || f.announcer.dropped[0] != model.CallRoom(neg.ID) {
		t.Fatalf("dropped rooms=%v, want [%s]", f.announcer.dropped, model.CallRoom(neg.ID))
	}
}

func TestEngine_ConcurrentRequestsKeepSinglePending(t *testing.T) {
	f := newFixture(t, nil)
	f.presence.Set(doctor, model.StatusAvailable)

	const requesters = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded []model.Negotiation
	)
	wg.Add(requesters)
	for i := 0; i < requesters; i++ {
		go func(i int) {
			defer wg.Done()
			id := model.Identity{ID: "pat-" + string(rune('a'+i)), Role: model.RoleRequester}
			if neg, err := f.engine.Request(id, doctor); err == nil {
				mu.Lock()
				succeeded = append(succeeded, neg)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if len(succeeded) != 1 {
		t.Fatalf("%d requests created negotiations, want exactly 1", len(succeeded))
	}
	if got := f.announcer.countByType(model.UserRoom(doctor), model.EventCallIncoming); got != 1 {
		t.Fatalf("provider notified %d times, want 1", got)
	}
}

func TestEngine_LifecycleRecorded(t *testing.T) {
	f := newFixture(t, nil)
	f.presence.Set(doctor, model.StatusAvailable)
	neg, _ := f.engine.Request(patient, doctor)
	if _, err := f.engine.Respond(context.Background(), doctor, neg.ID, true); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if _, err := f.engine.End(doctor, neg.ID); err != nil {
		t.Fatalf("End: %v", err)
	}

	f.recorder.mu.Lock()
	defer f.recorder.mu.Unlock()
	want := []model.NegotiationState{
		model.NegotiationPending,
		model.NegotiationAccepted,
		model.NegotiationCompleted,
	}
	if len(f.recorder.states) != len(want) {
		t.Fatalf("recorded states=%v, want %v", f.recorder.states, want)
	}
	for i := range want {
		if f.recorder.states[i] != want[i] {
			t.Fatalf("recorded[%d]=%s, want %s", i, f.recorder.states[i], want[i])
		}
	}
}
