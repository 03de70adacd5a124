package agent

import (
	"context"
	"sync"

	"github.com/nerrad567/failover-agent/internal/connectivity"
)

// fakeSession is an in-memory hub session.
type fakeSession struct {
	mu       sync.Mutex
	opened   bool
	closed   bool
	events   []connectivity.OutboundMessage
	patches  []map[string]any
	status   func(connectivity.StatusEvent)
	methods  func(connectivity.MethodCall) connectivity.MethodResult
	desired  func(connectivity.DesiredUpdate)
	messages func(connectivity.Message) connectivity.Disposition

	// initial is delivered from SubscribeTwin, as the hub does with the
	// full twin document.
	initial *connectivity.DesiredUpdate
}

func (s *fakeSession) Open(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = true
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) SendEvent(_ context.Context, msg connectivity.OutboundMessage, done func(error)) {
	s.mu.Lock()
	s.events = append(s.events, msg)
	s.mu.Unlock()
	done(nil)
}

func (s *fakeSession) UpdateReported(_ context.Context, patch map[string]any, done func(error)) {
	s.mu.Lock()
	s.patches = append(s.patches, patch)
	s.mu.Unlock()
	done(nil)
}

func (s *fakeSession) SubscribeTwin(_ context.Context, h func(connectivity.DesiredUpdate)) error {
	s.mu.Lock()
	s.desired = h
	initial := s.initial
	s.mu.Unlock()

	if initial != nil {
		h(*initial)
	}
	return nil
}

func (s *fakeSession) SubscribeDirectMethods(_ context.Context, h func(connectivity.MethodCall) connectivity.MethodResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.methods = h
	return nil
}

func (s *fakeSession) SetMessageHandler(_ context.Context, h func(connectivity.Message) connectivity.Disposition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = h
	return nil
}

func (s *fakeSession) OnConnectionStatusChange(cb func(connectivity.StatusEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = cb
}

func (s *fakeSession) counts() (events, patches int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events), len(s.patches)
}

func (s *fakeSession) reported() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]any(nil), s.patches...)
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// assigningService assigns every registration immediately, or rejects
// when reject is set.
type assigningService struct {
	reject bool
}

func (a assigningService) Register(context.Context, connectivity.DeviceIdentity, []byte) (connectivity.RegistrationResult, error) {
	if a.reject {
		return connectivity.RegistrationResult{Status: connectivity.RegistrationDisabled, Message: "disabled"}, nil
	}
	return connectivity.RegistrationResult{
		Status:   connectivity.RegistrationAssigned,
		Endpoint: "hub.example.net",
		DeviceID: "dev-1",
	}, nil
}

func (a assigningService) PollStatus(ctx context.Context, id connectivity.DeviceIdentity, _ string) (connectivity.RegistrationResult, error) {
	return a.Register(ctx, id, nil)
}

// sessionLog hands out fresh fake sessions and remembers them.
type sessionLog struct {
	mu       sync.Mutex
	sessions []*fakeSession
	initial  *connectivity.DesiredUpdate
}

func (l *sessionLog) NewSession(connectivity.DeviceIdentity, connectivity.RegistrationResult) (connectivity.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := &fakeSession{initial: l.initial}
	l.sessions = append(l.sessions, s)
	return s, nil
}

func (l *sessionLog) all() []*fakeSession {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*fakeSession(nil), l.sessions...)
}
