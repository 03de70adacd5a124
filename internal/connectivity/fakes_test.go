package connectivity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// step is one scripted provisioning response.
type step struct {
	res RegistrationResult
	err error
}

func assigned(endpoint string) step {
	return step{res: RegistrationResult{Status: RegistrationAssigned, Endpoint: endpoint, DeviceID: "dev-1"}}
}

func waiting() step {
	return step{res: RegistrationResult{Status: RegistrationWaiting, OperationID: "op-1"}}
}

// fakeProvisioner replays scripted responses; the last step repeats.
type fakeProvisioner struct {
	mu            sync.Mutex
	register      []step
	poll          []step
	registerCalls int
	pollCalls     int
	registered    chan struct{}
}

func newFakeProvisioner(register []step, poll []step) *fakeProvisioner {
	return &fakeProvisioner{register: register, poll: poll, registered: make(chan struct{}, 16)}
}

func (p *fakeProvisioner) Register(_ context.Context, _ DeviceIdentity, _ []byte) (RegistrationResult, error) {
	p.mu.Lock()
	s := pick(p.register, p.registerCalls)
	p.registerCalls++
	p.mu.Unlock()

	select {
	case p.registered <- struct{}{}:
	default:
	}
	return s.res, s.err
}

func (p *fakeProvisioner) PollStatus(_ context.Context, _ DeviceIdentity, _ string) (RegistrationResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := pick(p.poll, p.pollCalls)
	p.pollCalls++
	return s.res, s.err
}

func (p *fakeProvisioner) counts() (register, poll int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.registerCalls, p.pollCalls
}

func pick(steps []step, i int) step {
	if len(steps) == 0 {
		return step{err: errors.New("no scripted response")}
	}
	if i >= len(steps) {
		return steps[len(steps)-1]
	}
	return steps[i]
}

// fakeSession records lifecycle calls and lets tests emit status events.
type fakeSession struct {
	mu       sync.Mutex
	endpoint string
	openErr  error
	subErr   error
	openGate chan struct{}
	onSub    func()

	opened int
	closed int
	sent   int
	status func(StatusEvent)

	desired  func(DesiredUpdate)
	methods  func(MethodCall) MethodResult
	messages func(Message) Disposition
}

func (s *fakeSession) Open(_ context.Context) error {
	if s.openGate != nil {
		<-s.openGate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openErr != nil {
		return s.openErr
	}
	s.opened++
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *fakeSession) SendEvent(_ context.Context, _ OutboundMessage, done func(error)) {
	s.mu.Lock()
	s.sent++
	s.mu.Unlock()
	if done != nil {
		done(nil)
	}
}

func (s *fakeSession) UpdateReported(_ context.Context, _ map[string]any, done func(error)) {
	if done != nil {
		done(nil)
	}
}

func (s *fakeSession) SubscribeTwin(_ context.Context, handler func(DesiredUpdate)) error {
	if s.onSub != nil {
		s.onSub()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subErr != nil {
		return s.subErr
	}
	s.desired = handler
	return nil
}

func (s *fakeSession) SubscribeDirectMethods(_ context.Context, handler func(MethodCall) MethodResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.methods = handler
	return nil
}

func (s *fakeSession) SetMessageHandler(_ context.Context, handler func(Message) Disposition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = handler
	return nil
}

func (s *fakeSession) OnConnectionStatusChange(callback func(StatusEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = callback
}

func (s *fakeSession) emit(ev StatusEvent) {
	s.mu.Lock()
	cb := s.status
	s.mu.Unlock()
	cb(ev)
}

func (s *fakeSession) stats() (opened, closed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened, s.closed
}

// fakeFactory hands out sessions; prepare customises the n-th one.
type fakeFactory struct {
	mu       sync.Mutex
	sessions []*fakeSession
	prepare  func(n int, s *fakeSession)
}

func (f *fakeFactory) NewSession(_ DeviceIdentity, assignment RegistrationResult) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &fakeSession{endpoint: assignment.Endpoint}
	if f.prepare != nil {
		f.prepare(len(f.sessions), s)
	}
	f.sessions = append(f.sessions, s)
	return s, nil
}

func (f *fakeFactory) get(i int) *fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[i]
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

// recorder collects transitions and wakes waiters.
type recorder struct {
	mu          sync.Mutex
	transitions []Transition
	changed     chan struct{}
}

func newRecorder() *recorder {
	return &recorder{changed: make(chan struct{}, 64)}
}

func (r *recorder) observe(tr Transition) {
	r.mu.Lock()
	r.transitions = append(r.transitions, tr)
	r.mu.Unlock()
	select {
	case r.changed <- struct{}{}:
	default:
	}
}

func (r *recorder) all() []Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Transition, len(r.transitions))
	copy(out, r.transitions)
	return out
}

func (r *recorder) entered(s State) int {
	n := 0
	for _, tr := range r.all() {
		if tr.To == s {
			n++
		}
	}
	return n
}

// waitEntered blocks until state s has been entered n times.
func (r *recorder) waitEntered(t *testing.T, s State, n int) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for r.entered(s) < n {
		select {
		case <-r.changed:
		case <-deadline:
			t.Fatalf("timed out waiting for %s x%d, transitions = %v", s, n, r.all())
		}
	}
}

// assertLegal checks every recorded transition against the lifecycle table.
func (r *recorder) assertLegal(t *testing.T) {
	t.Helper()
	for _, tr := range r.all() {
		if !CanTransition(tr.From, tr.To) {
			t.Errorf("illegal transition %s → %s (%s)", tr.From, tr.To, tr.Reason)
		}
	}
}

// instantAfter replaces time.After and records requested waits.
type instantAfter struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (a *instantAfter) after(d time.Duration) <-chan time.Time {
	a.mu.Lock()
	a.waits = append(a.waits, d)
	a.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

func (a *instantAfter) recorded() []time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]time.Duration, len(a.waits))
	copy(out, a.waits)
	return out
}
