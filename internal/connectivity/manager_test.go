package connectivity

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		Identity:            DeviceIdentity{DeviceID: "dev-1", DerivedKey: "a2V5", ModelID: "dtmi:Sample:Failover;1"},
		ProvisioningPayload: []byte(`{"modelId":"dtmi:Sample:Failover;1"}`),
		PollInterval:        2 * time.Second,
		MaxPollAttempts:     5,
		RetryDelay:          time.Second,
		Subscriptions: Subscriptions{
			DesiredProperties: true,
			DirectMethods:     true,
			Messages:          true,
		},
	}
}

type harness struct {
	m       *Manager
	prov    *fakeProvisioner
	factory *fakeFactory
	rec     *recorder
	clock   *instantAfter
}

func newHarness(cfg Config, prov *fakeProvisioner, factory *fakeFactory) *harness {
	h := &harness{
		prov:    prov,
		factory: factory,
		rec:     newRecorder(),
		clock:   &instantAfter{},
	}
	h.m = NewManager(cfg, prov, factory)
	h.m.after = h.clock.after
	h.m.OnTransition(h.rec.observe)
	return h
}

func (h *harness) stop(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.m.Terminate(ctx); err != nil {
		t.Fatalf("Terminate() error = %v", err)
	}
	h.rec.assertLegal(t)
}

// =============================================================================
// Provisioning
// =============================================================================

func TestManager_WaitingThenAssigned(t *testing.T) {
	prov := newFakeProvisioner(
		[]step{waiting()},
		[]step{waiting(), waiting(), assigned("hub-a.example.net")},
	)
	h := newHarness(testConfig(), prov, &fakeFactory{})

	if err := h.m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer h.stop(t)

	if got := h.m.State(); got != StateConnected {
		t.Fatalf("State() = %s, want connected", got)
	}
	if n := h.rec.entered(StateConnected); n != 1 {
		t.Errorf("entered connected %d times, want 1", n)
	}

	register, poll := prov.counts()
	if register != 1 || poll != 3 {
		t.Errorf("register/poll calls = %d/%d, want 1/3", register, poll)
	}

	waits := h.clock.recorded()
	if len(waits) != 3 {
		t.Fatalf("waits = %v, want 3 poll waits", waits)
	}
	for i, w := range waits {
		if w != 2*time.Second {
			t.Errorf("wait[%d] = %v, want poll interval 2s", i, w)
		}
	}

	if got := h.m.Stats().Endpoint; got != "hub-a.example.net" {
		t.Errorf("Stats().Endpoint = %q, want hub-a.example.net", got)
	}
}

func TestManager_RetryAfterHintExtendsPollWait(t *testing.T) {
	slow := waiting()
	slow.res.RetryAfter = 5 * time.Second
	prov := newFakeProvisioner([]step{slow}, []step{assigned("hub")})
	h := newHarness(testConfig(), prov, &fakeFactory{})

	if err := h.m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer h.stop(t)

	if waits := h.clock.recorded(); len(waits) != 1 || waits[0] != 5*time.Second {
		t.Errorf("waits = %v, want [5s]", waits)
	}
}

func TestManager_IdentityRejectedIsFatal(t *testing.T) {
	tests := []struct {
		name string
		step step
	}{
		{name: "disabled", step: step{res: RegistrationResult{Status: RegistrationDisabled}}},
		{name: "failed", step: step{res: RegistrationResult{Status: RegistrationFailed, Message: "enrollment not found"}}},
		{name: "credentials refused", step: step{err: &RegistrationError{Status: RegistrationFailed, Message: "401"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prov := newFakeProvisioner([]step{tt.step}, nil)
			h := newHarness(testConfig(), prov, &fakeFactory{})

			err := h.m.Start(context.Background())
			if !errors.Is(err, ErrIdentityRejected) {
				t.Fatalf("Start() error = %v, want ErrIdentityRejected", err)
			}
			if !IsFatal(err) {
				t.Errorf("IsFatal(%v) = false, want true", err)
			}

			<-h.m.Done()
			if got := h.m.State(); got != StateTerminated {
				t.Errorf("State() = %s, want terminated", got)
			}
			if !errors.Is(h.m.Err(), ErrIdentityRejected) {
				t.Errorf("Err() = %v, want ErrIdentityRejected", h.m.Err())
			}
			if register, _ := prov.counts(); register != 1 {
				t.Errorf("register calls = %d, want exactly 1 (no retry)", register)
			}
			if h.factory.count() != 0 {
				t.Errorf("sessions created = %d, want 0", h.factory.count())
			}
			h.rec.assertLegal(t)
		})
	}
}

func TestManager_ProvisioningTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPollAttempts = 2
	prov := newFakeProvisioner([]step{waiting()}, []step{waiting()})
	h := newHarness(cfg, prov, &fakeFactory{})

	err := h.m.Start(context.Background())
	if !errors.Is(err, ErrProvisioningTimeout) {
		t.Fatalf("Start() error = %v, want ErrProvisioningTimeout", err)
	}
	if _, poll := prov.counts(); poll != 2 {
		t.Errorf("poll calls = %d, want 2", poll)
	}
	if got := h.m.State(); got != StateTerminated {
		t.Errorf("State() = %s, want terminated", got)
	}
}

func TestManager_ProvisioningDeadline(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPollAttempts = 0
	cfg.ProvisioningTimeout = 50 * time.Millisecond
	prov := newFakeProvisioner([]step{waiting()}, []step{waiting()})
	h := newHarness(cfg, prov, &fakeFactory{})
	// real clock so the deadline can expire between polls
	h.m.after = func(time.Duration) <-chan time.Time { return time.After(10 * time.Millisecond) }

	err := h.m.Start(context.Background())
	if !errors.Is(err, ErrProvisioningTimeout) {
		t.Fatalf("Start() error = %v, want ErrProvisioningTimeout", err)
	}
}

func TestManager_TransientProvisioningErrorRetries(t *testing.T) {
	prov := newFakeProvisioner(
		[]step{{err: errors.New("dial tcp: i/o timeout")}, {res: RegistrationResult{Status: RegistrationTransient, Message: "throttled"}}, assigned("hub")},
		nil,
	)
	h := newHarness(testConfig(), prov, &fakeFactory{})

	if err := h.m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer h.stop(t)

	if register, _ := prov.counts(); register != 3 {
		t.Errorf("register calls = %d, want 3", register)
	}
	if n := h.rec.entered(StateDisconnected); n != 2 {
		t.Errorf("entered disconnected %d times, want 2", n)
	}
	if waits := h.clock.recorded(); len(waits) != 2 || waits[0] != time.Second {
		t.Errorf("retry waits = %v, want two 1s waits", waits)
	}
}

// =============================================================================
// Session lifecycle
// =============================================================================

func TestManager_ReconnectAfterDisconnect(t *testing.T) {
	prov := newFakeProvisioner([]step{assigned("hub-a"), assigned("hub-b")}, nil)
	h := newHarness(testConfig(), prov, &fakeFactory{})

	if err := h.m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer h.stop(t)

	first := h.factory.get(0)
	first.emit(StatusEvent{Status: StatusDisconnected, Reason: "CONNECTION_LOST", Cause: errors.New("EOF")})

	h.rec.waitEntered(t, StateConnected, 2)

	if n := h.factory.count(); n != 2 {
		t.Fatalf("sessions created = %d, want 2", n)
	}
	if opened, closed := first.stats(); opened != 1 || closed != 1 {
		t.Errorf("old session opened/closed = %d/%d, want 1/1", opened, closed)
	}
	if opened, closed := h.factory.get(1).stats(); opened != 1 || closed != 0 {
		t.Errorf("new session opened/closed = %d/%d, want 1/0", opened, closed)
	}
	if register, _ := prov.counts(); register != 2 {
		t.Errorf("register calls = %d, want 2 (re-provisioned)", register)
	}

	stats := h.m.Stats()
	if stats.Endpoint != "hub-b" {
		t.Errorf("Stats().Endpoint = %q, want hub-b", stats.Endpoint)
	}
	if stats.Reconnects != 1 {
		t.Errorf("Stats().Reconnects = %d, want 1", stats.Reconnects)
	}

	// The loss goes straight back to provisioning with no retry delay.
	if waits := h.clock.recorded(); len(waits) != 0 {
		t.Errorf("waits = %v, want none", waits)
	}
}

func TestManager_DisconnectedRetryingKeepsSession(t *testing.T) {
	prov := newFakeProvisioner([]step{assigned("hub")}, nil)
	h := newHarness(testConfig(), prov, &fakeFactory{})

	if err := h.m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer h.stop(t)

	before := len(h.rec.all())
	sess := h.factory.get(0)
	sess.emit(StatusEvent{Status: StatusDisconnectedRetrying, Reason: "NO_NETWORK"})
	sess.emit(StatusEvent{Status: StatusConnected, Reason: "CONNECTION_OK"})

	if got := h.m.State(); got != StateConnected {
		t.Errorf("State() = %s, want connected", got)
	}
	if after := len(h.rec.all()); after != before {
		t.Errorf("transitions grew from %d to %d, want none", before, after)
	}
	if _, closed := sess.stats(); closed != 0 {
		t.Errorf("session closed %d times, want 0", closed)
	}
	if register, _ := prov.counts(); register != 1 {
		t.Errorf("register calls = %d, want 1", register)
	}
}

func TestManager_StaleSessionEventsIgnored(t *testing.T) {
	prov := newFakeProvisioner([]step{assigned("hub")}, nil)
	h := newHarness(testConfig(), prov, &fakeFactory{})

	if err := h.m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer h.stop(t)

	first := h.factory.get(0)
	first.emit(StatusEvent{Status: StatusDisconnected})
	h.rec.waitEntered(t, StateConnected, 2)

	first.emit(StatusEvent{Status: StatusDisconnected})

	if got := h.m.State(); got != StateConnected {
		t.Errorf("State() = %s, want connected", got)
	}
	if n := h.factory.count(); n != 2 {
		t.Errorf("sessions created = %d, want 2", n)
	}
}

func TestManager_OpenFailureRetriesViaProvisioning(t *testing.T) {
	factory := &fakeFactory{prepare: func(n int, s *fakeSession) {
		if n == 0 {
			s.openErr = errors.New("tls handshake timeout")
		}
	}}
	prov := newFakeProvisioner([]step{assigned("hub")}, nil)
	h := newHarness(testConfig(), prov, factory)

	if err := h.m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer h.stop(t)

	if n := factory.count(); n != 2 {
		t.Fatalf("sessions created = %d, want 2", n)
	}
	if _, closed := factory.get(0).stats(); closed != 1 {
		t.Errorf("failed session closed %d times, want 1", closed)
	}
	if register, _ := prov.counts(); register != 2 {
		t.Errorf("register calls = %d, want 2", register)
	}

	var sawOpenFailure bool
	for _, tr := range h.rec.all() {
		if tr.From == StateSessionOpening && tr.To == StateDisconnected {
			sawOpenFailure = true
		}
	}
	if !sawOpenFailure {
		t.Error("missing session_opening → disconnected transition")
	}
}

func TestManager_SubscriptionFailureRetries(t *testing.T) {
	factory := &fakeFactory{prepare: func(n int, s *fakeSession) {
		if n == 0 {
			s.subErr = errors.New("suback refused")
		}
	}}
	h := newHarness(testConfig(), newFakeProvisioner([]step{assigned("hub")}, nil), factory)

	if err := h.m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer h.stop(t)

	if _, closed := factory.get(0).stats(); closed != 1 {
		t.Errorf("first session closed %d times, want 1", closed)
	}
	if n := h.rec.entered(StateConnected); n != 1 {
		t.Errorf("entered connected %d times, want 1", n)
	}
}

func TestManager_LossDuringSetupIsNotPromoted(t *testing.T) {
	factory := &fakeFactory{}
	factory.prepare = func(n int, s *fakeSession) {
		if n == 0 {
			s.onSub = func() {
				s.emit(StatusEvent{Status: StatusDisconnected, Reason: "CONNECTION_LOST"})
			}
		}
	}
	h := newHarness(testConfig(), newFakeProvisioner([]step{assigned("hub")}, nil), factory)

	if err := h.m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer h.stop(t)

	if n := factory.count(); n != 2 {
		t.Fatalf("sessions created = %d, want 2", n)
	}
	if n := h.rec.entered(StateConnected); n != 1 {
		t.Errorf("entered connected %d times, want 1", n)
	}
	sess, err := h.m.Session()
	if err != nil {
		t.Fatalf("Session() error = %v", err)
	}
	if sess != factory.get(1) {
		t.Error("Session() returned the lost session")
	}
}

func TestManager_MaxConsecutiveFailures(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConsecutiveFailures = 3
	factory := &fakeFactory{prepare: func(_ int, s *fakeSession) {
		s.openErr = errors.New("connection refused")
	}}
	h := newHarness(cfg, newFakeProvisioner([]step{assigned("hub")}, nil), factory)

	err := h.m.Start(context.Background())
	if !errors.Is(err, ErrReconnectExhausted) {
		t.Fatalf("Start() error = %v, want ErrReconnectExhausted", err)
	}
	if n := factory.count(); n != 3 {
		t.Errorf("sessions created = %d, want 3", n)
	}
}

func TestManager_SessionAccessor(t *testing.T) {
	h := newHarness(testConfig(), newFakeProvisioner([]step{assigned("hub")}, nil), &fakeFactory{})

	if _, err := h.m.Session(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Session() before start error = %v, want ErrNotConnected", err)
	}

	if err := h.m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	sess, err := h.m.Session()
	if err != nil {
		t.Fatalf("Session() error = %v", err)
	}
	if sess != h.factory.get(0) {
		t.Error("Session() did not return the live session")
	}

	// Blocked second connection keeps the manager out of Connected.
	h.prov.mu.Lock()
	h.prov.register = []step{{err: errors.New("network down")}}
	h.prov.mu.Unlock()
	h.m.after = func(time.Duration) <-chan time.Time { return make(chan time.Time) }

	h.factory.get(0).emit(StatusEvent{Status: StatusDisconnected})
	if _, err := h.m.Session(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Session() after disconnect error = %v, want ErrNotConnected", err)
	}

	h.stop(t)

	if _, err := h.m.Session(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Session() after terminate error = %v, want ErrNotConnected", err)
	}
}

func TestManager_SubscriptionsFollowConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Subscriptions = Subscriptions{DirectMethods: true}
	h := newHarness(cfg, newFakeProvisioner([]step{assigned("hub")}, nil), &fakeFactory{})

	if err := h.m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer h.stop(t)

	sess := h.factory.get(0)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.methods == nil {
		t.Error("direct methods not subscribed")
	}
	if sess.desired != nil || sess.messages != nil {
		t.Error("disabled subscriptions were installed")
	}
}

// =============================================================================
// Termination
// =============================================================================

func TestManager_TerminateClosesSession(t *testing.T) {
	h := newHarness(testConfig(), newFakeProvisioner([]step{assigned("hub")}, nil), &fakeFactory{})

	if err := h.m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	h.stop(t)

	if got := h.m.State(); got != StateTerminated {
		t.Errorf("State() = %s, want terminated", got)
	}
	if _, closed := h.factory.get(0).stats(); closed != 1 {
		t.Errorf("session closed %d times, want 1", closed)
	}
	if err := h.m.Err(); err != nil {
		t.Errorf("Err() = %v, want nil after requested termination", err)
	}

	// Late events from the closed session change nothing.
	h.factory.get(0).emit(StatusEvent{Status: StatusDisconnected})
	if register, _ := h.prov.counts(); register != 1 {
		t.Errorf("register calls = %d, want 1", register)
	}

	// Idempotent.
	if err := h.m.Terminate(context.Background()); err != nil {
		t.Errorf("second Terminate() error = %v", err)
	}
}

func TestManager_TerminateDuringPolling(t *testing.T) {
	prov := newFakeProvisioner([]step{waiting()}, []step{assigned("hub")})
	h := newHarness(testConfig(), prov, &fakeFactory{})
	h.m.after = func(time.Duration) <-chan time.Time { return make(chan time.Time) }

	startErr := make(chan error, 1)
	go func() { startErr <- h.m.Start(context.Background()) }()

	<-prov.registered
	h.stop(t)

	if err := <-startErr; !errors.Is(err, ErrTerminated) {
		t.Errorf("Start() error = %v, want ErrTerminated", err)
	}
	if _, poll := prov.counts(); poll != 0 {
		t.Errorf("poll calls = %d, want 0 after termination", poll)
	}
	if h.rec.entered(StateSessionOpening) != 0 {
		t.Error("session opening started after termination")
	}
}

func TestManager_TerminateWinsInFlightOpen(t *testing.T) {
	gate := make(chan struct{})
	factory := &fakeFactory{prepare: func(_ int, s *fakeSession) { s.openGate = gate }}
	h := newHarness(testConfig(), newFakeProvisioner([]step{assigned("hub")}, nil), factory)

	startErr := make(chan error, 1)
	go func() { startErr <- h.m.Start(context.Background()) }()
	h.rec.waitEntered(t, StateSessionOpening, 1)

	terminated := make(chan error, 1)
	go func() { terminated <- h.m.Terminate(context.Background()) }()
	h.rec.waitEntered(t, StateTerminated, 1)

	// The open now succeeds, but its result must be discarded.
	close(gate)

	if err := <-terminated; err != nil {
		t.Fatalf("Terminate() error = %v", err)
	}
	if err := <-startErr; !errors.Is(err, ErrTerminated) {
		t.Errorf("Start() error = %v, want ErrTerminated", err)
	}
	if n := h.rec.entered(StateConnected); n != 0 {
		t.Errorf("entered connected %d times, want 0", n)
	}
	if _, closed := factory.get(0).stats(); closed != 1 {
		t.Errorf("in-flight session closed %d times, want 1", closed)
	}
	if register, _ := h.prov.counts(); register != 1 {
		t.Errorf("register calls = %d, want 1", register)
	}
	h.rec.assertLegal(t)
}

func TestManager_StartCancelledContext(t *testing.T) {
	prov := newFakeProvisioner([]step{waiting()}, []step{waiting()})
	h := newHarness(testConfig(), prov, &fakeFactory{})
	h.m.after = func(time.Duration) <-chan time.Time { return make(chan time.Time) }

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-prov.registered
		cancel()
	}()

	if err := h.m.Start(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Start() error = %v, want context.Canceled", err)
	}

	select {
	case <-h.m.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("control goroutine did not exit after cancellation")
	}
	if got := h.m.State(); got != StateTerminated {
		t.Errorf("State() = %s, want terminated", got)
	}
}

func TestManager_TerminateBeforeStart(t *testing.T) {
	h := newHarness(testConfig(), newFakeProvisioner(nil, nil), &fakeFactory{})

	if err := h.m.Terminate(context.Background()); err != nil {
		t.Fatalf("Terminate() error = %v", err)
	}
	select {
	case <-h.m.Done():
	default:
		t.Error("Done() not closed after Terminate without Start")
	}
	if err := h.m.Start(context.Background()); !errors.Is(err, ErrTerminated) {
		t.Errorf("Start() error = %v, want ErrTerminated", err)
	}
}

func TestManager_StartTwice(t *testing.T) {
	h := newHarness(testConfig(), newFakeProvisioner([]step{assigned("hub")}, nil), &fakeFactory{})

	if err := h.m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer h.stop(t)

	if err := h.m.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() error = %v, want ErrAlreadyStarted", err)
	}
}

func TestManager_InvalidIdentity(t *testing.T) {
	cfg := testConfig()
	cfg.Identity.DerivedKey = ""
	h := newHarness(cfg, newFakeProvisioner(nil, nil), &fakeFactory{})

	if err := h.m.Start(context.Background()); err == nil {
		t.Fatal("Start() expected error for identity without key")
	}
}

// =============================================================================
// Types
// =============================================================================

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateIdle, StateProvisioning, true},
		{StateProvisioning, StateSessionOpening, true},
		{StateProvisioning, StateTerminated, true},
		{StateSessionOpening, StateSubscriptionSetup, true},
		{StateSessionOpening, StateDisconnected, true},
		{StateSubscriptionSetup, StateConnected, true},
		{StateConnected, StateDisconnected, true},
		{StateDisconnected, StateProvisioning, true},
		{StateIdle, StateConnected, false},
		{StateProvisioning, StateConnected, false},
		{StateConnected, StateProvisioning, false},
		{StateTerminated, StateProvisioning, false},
		{StateDisconnected, StateConnected, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}

	for _, s := range States() {
		if CanTransition(StateTerminated, s) {
			t.Errorf("CanTransition(terminated, %s) = true, want false", s)
		}
		if s != StateTerminated && s != StateIdle && !CanTransition(s, StateTerminated) {
			t.Errorf("CanTransition(%s, terminated) = false, want true", s)
		}
	}
}

func TestPropertyAck_Patch(t *testing.T) {
	ack := PropertyAck{Key: "fanSpeed", Value: []byte("42"), AckCode: 200, AckDescription: "completed", Version: 7}
	patch := ack.Patch()

	inner, ok := patch["fanSpeed"].(map[string]any)
	if !ok {
		t.Fatalf("Patch() = %v, want fanSpeed entry", patch)
	}
	if inner["ac"] != 200 || inner["ad"] != "completed" || inner["av"] != int64(7) {
		t.Errorf("Patch() fanSpeed = %v", inner)
	}
}
