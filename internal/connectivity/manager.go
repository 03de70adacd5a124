package connectivity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// defaultPollInterval is used when Config.PollInterval is zero.
const defaultPollInterval = 3 * time.Second

// Config holds the Manager configuration.
type Config struct {
	Identity DeviceIdentity

	// ProvisioningPayload is sent with every registration.
	ProvisioningPayload []byte

	// PollInterval is the wait between status polls while registration is pending.
	PollInterval time.Duration

	// MaxPollAttempts bounds status polls per registration. 0 means unlimited.
	MaxPollAttempts int

	// ProvisioningTimeout bounds one registration including polls. 0 means unlimited.
	ProvisioningTimeout time.Duration

	// RetryDelay is the wait after a failed attempt. A loss of an
	// established connection is retried immediately.
	RetryDelay time.Duration

	// MaxConsecutiveFailures makes the manager give up after that many
	// failed attempts in a row. 0 means retry forever.
	MaxConsecutiveFailures int

	Subscriptions Subscriptions
}

// Subscriptions selects the inbound channels installed before Connected.
type Subscriptions struct {
	DesiredProperties bool
	DirectMethods     bool
	Messages          bool
}

// Logger defines the logging interface for the manager.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Stats is a point-in-time view of the manager.
type Stats struct {
	State                State
	DeviceID             string
	Endpoint             string
	Reconnects           int
	ProvisioningAttempts int
	ConsecutiveFailures  int
	ConnectedSince       time.Time
	LastError            string
}

// legalTransitions is the lifecycle table. Provisioning → Disconnected
// covers transient provisioning faults.
var legalTransitions = map[State][]State{
	StateIdle:              {StateProvisioning, StateTerminated},
	StateProvisioning:      {StateSessionOpening, StateDisconnected, StateTerminated},
	StateSessionOpening:    {StateSubscriptionSetup, StateDisconnected, StateTerminated},
	StateSubscriptionSetup: {StateConnected, StateDisconnected, StateTerminated},
	StateConnected:         {StateDisconnected, StateTerminated},
	StateDisconnected:      {StateProvisioning, StateTerminated},
}

// CanTransition reports whether from → to is part of the lifecycle.
func CanTransition(from, to State) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Manager drives the connection lifecycle: provision, open a session,
// install subscriptions, then watch for loss and start over.
//
// One control goroutine performs the blocking steps. Session status events
// arrive on other goroutines; every state change happens under mu, and
// termination wins any race with an attempt in flight.
type Manager struct {
	cfg         Config
	provisioner ProvisioningService
	sessions    SessionFactory
	logger      Logger

	mu         sync.RWMutex
	state      State
	session    Session
	generation uint64
	// attemptLost marks the current attempt's session as lost before promotion.
	attemptLost bool
	started     bool
	terminated  bool
	inbound     InboundHandler
	observers   []func(Transition)

	endpoint             string
	lastErr              error
	fatalErr             error
	reconnects           int
	provisioningAttempts int
	failures             int
	connectedSince       time.Time

	firstConnected chan struct{}
	firstOnce      sync.Once
	lost           chan Session
	cancel         context.CancelFunc
	done           chan struct{}

	after func(time.Duration) <-chan time.Time
	now   func() time.Time
}

// NewManager creates a manager in the Idle state.
func NewManager(cfg Config, provisioner ProvisioningService, sessions SessionFactory) *Manager {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}

	return &Manager{
		cfg:            cfg,
		provisioner:    provisioner,
		sessions:       sessions,
		logger:         noopLogger{},
		state:          StateIdle,
		inbound:        nopInbound{},
		firstConnected: make(chan struct{}),
		lost:           make(chan Session, 1),
		done:           make(chan struct{}),
		after:          time.After,
		now:            time.Now,
	}
}

// SetLogger sets the logger for the manager.
func (m *Manager) SetLogger(logger Logger) {
	m.logger = logger
}

// SetInboundHandler sets the receiver of inbound traffic. It applies to
// sessions opened afterwards, so call it before Start.
func (m *Manager) SetInboundHandler(h InboundHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inbound = h
}

// OnTransition registers an observer for state changes. Observers run with
// the manager lock held: they must be quick and must not call the Manager.
func (m *Manager) OnTransition(fn func(Transition)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Session returns the live session, or ErrNotConnected outside Connected.
// Callers must fetch it per operation and never keep it across calls.
func (m *Manager) Session() (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != StateConnected || m.session == nil {
		return nil, ErrNotConnected
	}
	return m.session, nil
}

// Stats returns current counters.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Stats{
		State:                m.state,
		DeviceID:             m.cfg.Identity.DeviceID,
		Endpoint:             m.endpoint,
		Reconnects:           m.reconnects,
		ProvisioningAttempts: m.provisioningAttempts,
		ConsecutiveFailures:  m.failures,
	}
	if m.state == StateConnected {
		s.ConnectedSince = m.connectedSince
	}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}
	return s
}

// Done is closed once the manager has reached Terminated and its control
// goroutine has exited.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Err returns the fatal error that terminated the manager, or nil after a
// requested termination.
func (m *Manager) Err() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fatalErr
}

// Start launches the control goroutine and blocks until the first
// Connected state, a fatal error, or ctx cancellation. Cancelling ctx also
// stops the control goroutine.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.cfg.Identity.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	if m.terminated {
		m.mu.Unlock()
		return ErrTerminated
	}
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	m.logger.Info("starting connection manager", "device_id", m.cfg.Identity.DeviceID)
	go m.run(loopCtx)

	select {
	case <-m.firstConnected:
		return nil
	case <-m.done:
		if err := m.Err(); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrTerminated
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Terminate moves the manager to Terminated, closes the live session and
// waits for the control goroutine to exit or ctx to expire. It is safe to
// call more than once.
func (m *Manager) Terminate(ctx context.Context) error {
	var sess Session

	m.mu.Lock()
	first := !m.terminated
	if first {
		m.terminated = true
		sess = m.session
		m.session = nil
		m.generation++
		m.setStateLocked(StateTerminated, "termination requested")
	}
	started := m.started
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sess != nil {
		m.closeSession(sess, "terminating")
	}

	if !started {
		if first {
			close(m.done)
		}
		return nil
	}

	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for connection manager: %w", ctx.Err())
	}
}

// run is the control goroutine.
func (m *Manager) run(ctx context.Context) {
	defer close(m.done)

	for {
		err := m.connect(ctx)
		if err == nil {
			select {
			case <-ctx.Done():
				m.finish(nil)
				return
			case stale := <-m.lost:
				m.closeSession(stale, "connection lost")
				m.logger.Info("re-provisioning after connection loss")
				continue
			}
		}

		if ctx.Err() != nil || errors.Is(err, ErrTerminated) {
			m.finish(nil)
			return
		}
		if IsFatal(err) {
			m.finish(err)
			return
		}

		failures, ok := m.recordFailure(err)
		if !ok {
			m.finish(nil)
			return
		}
		if m.cfg.MaxConsecutiveFailures > 0 && failures >= m.cfg.MaxConsecutiveFailures {
			m.finish(fmt.Errorf("%w: %d consecutive failures, last: %w", ErrReconnectExhausted, failures, err))
			return
		}

		m.logger.Warn("connection attempt failed, retrying",
			"error", err,
			"consecutive_failures", failures,
			"retry_in", m.cfg.RetryDelay,
		)

		if m.cfg.RetryDelay > 0 {
			select {
			case <-ctx.Done():
				m.finish(nil)
				return
			case <-m.after(m.cfg.RetryDelay):
			}
		}
	}
}

// connect runs one provision → open → subscribe attempt.
func (m *Manager) connect(ctx context.Context) error {
	if err := m.enter(StateProvisioning, "provisioning identity"); err != nil {
		return err
	}

	assignment, err := m.provision(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.endpoint = assignment.Endpoint
	m.mu.Unlock()

	if err := m.enter(StateSessionOpening, "assigned to "+assignment.Endpoint); err != nil {
		return err
	}

	sess, err := m.sessions.NewSession(m.cfg.Identity, assignment)
	if err != nil {
		return fmt.Errorf("%w: creating session: %w", ErrSessionFailed, err)
	}

	gen := m.beginAttempt()
	sess.OnConnectionStatusChange(func(ev StatusEvent) {
		m.handleStatus(gen, ev)
	})

	if err := sess.Open(ctx); err != nil {
		m.closeSession(sess, "open failed")
		return fmt.Errorf("%w: opening session: %w", ErrSessionFailed, err)
	}

	if err := m.enter(StateSubscriptionSetup, "session open"); err != nil {
		m.closeSession(sess, "terminated during setup")
		return err
	}

	if err := m.subscribe(ctx, sess); err != nil {
		m.closeSession(sess, "subscription failed")
		return fmt.Errorf("%w: %w", ErrSessionFailed, err)
	}

	if err := m.promote(gen, sess); err != nil {
		m.closeSession(sess, "discarded")
		return err
	}

	return nil
}

// provision registers and polls until Assigned, a fatal outcome, or the ceiling.
func (m *Manager) provision(parent context.Context) (RegistrationResult, error) {
	m.mu.Lock()
	m.provisioningAttempts++
	m.mu.Unlock()

	ctx := parent
	if m.cfg.ProvisioningTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, m.cfg.ProvisioningTimeout)
		defer cancel()
	}

	identity := m.cfg.Identity
	res, err := m.provisioner.Register(ctx, identity, m.cfg.ProvisioningPayload)
	polls := 0

	for {
		if err != nil {
			return res, m.classifyProvisioningError(parent, ctx, err)
		}

		switch res.Status {
		case RegistrationAssigned:
			if res.Endpoint == "" {
				return res, fmt.Errorf("%w: assignment without endpoint", ErrProvisioningFailed)
			}
			m.logger.Info("device assigned",
				"endpoint", res.Endpoint,
				"device_id", res.DeviceID,
				"polls", polls,
			)
			return res, nil

		case RegistrationDisabled, RegistrationFailed:
			return res, &RegistrationError{Status: res.Status, Message: res.Message}

		case RegistrationWaiting:
			polls++
			if m.cfg.MaxPollAttempts > 0 && polls > m.cfg.MaxPollAttempts {
				return res, fmt.Errorf("%w: still pending after %d polls", ErrProvisioningTimeout, m.cfg.MaxPollAttempts)
			}

			wait := m.cfg.PollInterval
			if res.RetryAfter > wait {
				wait = res.RetryAfter
			}
			m.logger.Debug("registration pending", "operation_id", res.OperationID, "poll", polls, "wait", wait)

			select {
			case <-ctx.Done():
				return res, m.classifyProvisioningError(parent, ctx, ctx.Err())
			case <-m.after(wait):
			}

			if m.isTerminated() {
				return res, ErrTerminated
			}

			res, err = m.provisioner.PollStatus(ctx, identity, res.OperationID)

		default:
			return res, fmt.Errorf("%w: registration %s: %s", ErrProvisioningFailed, res.Status, res.Message)
		}
	}
}

func (m *Manager) classifyProvisioningError(parent, ctx context.Context, err error) error {
	switch {
	case errors.Is(err, ErrIdentityRejected):
		return err
	case parent.Err() != nil:
		return ErrTerminated
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: no assignment within %v", ErrProvisioningTimeout, m.cfg.ProvisioningTimeout)
	default:
		return fmt.Errorf("%w: %w", ErrProvisioningFailed, err)
	}
}

func (m *Manager) subscribe(ctx context.Context, sess Session) error {
	m.mu.RLock()
	h := m.inbound
	m.mu.RUnlock()

	subs := m.cfg.Subscriptions
	if subs.DesiredProperties {
		if err := sess.SubscribeTwin(ctx, h.HandleDesiredUpdate); err != nil {
			return fmt.Errorf("subscribing to desired properties: %w", err)
		}
	}
	if subs.DirectMethods {
		if err := sess.SubscribeDirectMethods(ctx, h.HandleDirectMethod); err != nil {
			return fmt.Errorf("subscribing to direct methods: %w", err)
		}
	}
	if subs.Messages {
		if err := sess.SetMessageHandler(ctx, h.HandleMessage); err != nil {
			return fmt.Errorf("subscribing to messages: %w", err)
		}
	}
	return nil
}

// handleStatus applies a session status event. gen ties the event to the
// session it came from; events from discarded sessions are dropped.
func (m *Manager) handleStatus(gen uint64, ev StatusEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.generation || m.terminated {
		m.logger.Debug("ignoring status from discarded session", "status", ev.Status, "reason", ev.Reason)
		return
	}

	switch ev.Status {
	case StatusConnected:
		m.logger.Debug("session reports connected", "reason", ev.Reason)

	case StatusDisconnectedRetrying:
		m.logger.Warn("transport retrying, keeping session", "reason", ev.Reason, "error", ev.Cause)

	case StatusDisconnected:
		if m.state != StateConnected {
			m.attemptLost = true
			m.logger.Warn("session lost during setup", "state", m.state, "reason", ev.Reason, "error", ev.Cause)
			return
		}

		stale := m.session
		m.session = nil
		m.generation++
		m.reconnects++
		m.lastErr = ev.Cause
		if m.lastErr == nil {
			m.lastErr = fmt.Errorf("disconnected: %s", ev.Reason)
		}

		reason := ev.Reason
		if reason == "" {
			reason = ev.Status.String()
		}
		m.setStateLocked(StateDisconnected, reason)

		select {
		case m.lost <- stale:
		default:
		}
	}
}

func (m *Manager) enter(to State, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.terminated {
		return ErrTerminated
	}
	m.setStateLocked(to, reason)
	return nil
}

func (m *Manager) beginAttempt() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generation++
	m.attemptLost = false
	return m.generation
}

// promote publishes sess as the live session unless termination or a
// loss during setup got there first.
func (m *Manager) promote(gen uint64, sess Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.terminated {
		return ErrTerminated
	}
	if gen != m.generation || m.attemptLost {
		return fmt.Errorf("%w: connection lost during setup", ErrSessionFailed)
	}

	m.session = sess
	m.failures = 0
	m.lastErr = nil
	m.connectedSince = m.now()
	m.setStateLocked(StateConnected, "subscriptions installed")
	m.firstOnce.Do(func() { close(m.firstConnected) })
	return nil
}

// recordFailure moves to Disconnected after a failed attempt. ok is false
// when termination was requested meanwhile.
func (m *Manager) recordFailure(err error) (failures int, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.terminated {
		return m.failures, false
	}
	m.failures++
	m.lastErr = err
	m.setStateLocked(StateDisconnected, err.Error())
	return m.failures, true
}

// finish ends the lifecycle from the control goroutine.
func (m *Manager) finish(err error) {
	var sess Session

	m.mu.Lock()
	if !m.terminated {
		m.terminated = true
		m.fatalErr = err
		sess = m.session
		m.session = nil
		m.generation++
		reason := "stopped"
		if err != nil {
			m.lastErr = err
			reason = err.Error()
		}
		m.setStateLocked(StateTerminated, reason)
	}
	m.mu.Unlock()

	if sess != nil {
		m.closeSession(sess, "terminating")
	}
	if err != nil {
		m.logger.Error("connection manager stopped on fatal error", "error", err)
	}
}

func (m *Manager) isTerminated() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.terminated
}

// setStateLocked records a transition and notifies observers. mu must be held.
func (m *Manager) setStateLocked(to State, reason string) {
	from := m.state
	if from == to {
		return
	}
	if !CanTransition(from, to) {
		m.logger.Error("illegal state transition refused", "from", from, "to", to, "reason", reason)
		return
	}

	m.state = to
	tr := Transition{
		From:     from,
		To:       to,
		Reason:   reason,
		DeviceID: m.cfg.Identity.DeviceID,
		Endpoint: m.endpoint,
		At:       m.now(),
	}

	m.logger.Info("connection state changed", "from", from, "to", to, "reason", reason)
	for _, fn := range m.observers {
		fn(tr)
	}
}

func (m *Manager) closeSession(sess Session, why string) {
	if err := sess.Close(); err != nil {
		m.logger.Debug("closing session", "why", why, "error", err)
	}
}

// nopInbound answers everything as unhandled.
type nopInbound struct{}

func (nopInbound) HandleDirectMethod(MethodCall) MethodResult {
	return MethodResult{Status: 404, Body: []byte("Error unknown command")}
}
func (nopInbound) HandleDesiredUpdate(DesiredUpdate)   {}
func (nopInbound) HandleMessage(Message) Disposition { return DispositionReject }
