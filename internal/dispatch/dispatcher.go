package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/nerrad567/failover-agent/internal/connectivity"
)

// Status codes and bodies returned for direct methods.
const (
	StatusOK             = 200
	StatusUnknownCommand = 404
	StatusHandlerFailed  = 500

	unknownCommandBody = "Error unknown command"
	handlerFailedBody  = "Error handling command"

	// MethodNameProperty selects the handler for one-way messages.
	MethodNameProperty = "method-name"

	ackDescriptionCompleted = "completed"

	// maxPendingAcks bounds acks held while no session is connected.
	maxPendingAcks = 64
)

// Kind tags an inbound Event.
type Kind int

const (
	KindDirectMethod Kind = iota
	KindDesiredProperty
	KindMessage
)

func (k Kind) String() string {
	switch k {
	case KindDirectMethod:
		return "direct_method"
	case KindDesiredProperty:
		return "desired_property"
	case KindMessage:
		return "message"
	default:
		return "unknown"
	}
}

// Event is one inbound delivery. Only the field matching Kind is set.
type Event struct {
	Kind    Kind
	Method  connectivity.MethodCall
	Desired connectivity.DesiredUpdate
	Message connectivity.Message
}

// Reply is the synchronous answer to an Event. Method is meaningful for
// direct methods, Disposition for messages.
type Reply struct {
	Method      connectivity.MethodResult
	Disposition connectivity.Disposition
}

// Outcome labels used for observations.
const (
	OutcomeHandled   = "handled"
	OutcomeUnknown   = "unknown"
	OutcomeIgnored   = "ignored"
	OutcomeFailed    = "failed"
	OutcomeRejected  = "rejected"
	OutcomeCompleted = "completed"
)

// MethodHandler answers a direct method.
type MethodHandler func(ctx context.Context, call connectivity.MethodCall) connectivity.MethodResult

// DesiredHandler applies one desired property value.
type DesiredHandler func(ctx context.Context, value json.RawMessage)

// MessageHandler consumes a one-way message.
type MessageHandler func(ctx context.Context, msg connectivity.Message)

// Observer is told about every routed event.
type Observer func(kind Kind, name, outcome string)

// Logger defines the logging interface for the dispatcher.
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

// Config holds dispatcher options.
type Config struct {
	// AckUnhandled acknowledges desired properties without a handler
	// instead of only logging them.
	AckUnhandled bool
}

type route func(ctx context.Context, ev Event) Reply

// Dispatcher routes inbound events to registered handlers. It implements
// connectivity.InboundHandler.
type Dispatcher struct {
	cfg      Config
	sessions connectivity.SessionSource
	logger   Logger
	routes   map[Kind]route

	mu       sync.RWMutex
	methods  map[string]MethodHandler
	desired  map[string]DesiredHandler
	messages map[string]MessageHandler
	observer Observer

	ackMu   sync.Mutex
	pending []connectivity.PropertyAck
}

// New creates a dispatcher. sessions supplies the live session used to
// send property acknowledgments.
func New(cfg Config, sessions connectivity.SessionSource) *Dispatcher {
	d := &Dispatcher{
		cfg:      cfg,
		sessions: sessions,
		logger:   noopLogger{},
		methods:  make(map[string]MethodHandler),
		desired:  make(map[string]DesiredHandler),
		messages: make(map[string]MessageHandler),
	}
	d.routes = map[Kind]route{
		KindDirectMethod:    d.routeMethod,
		KindDesiredProperty: d.routeDesired,
		KindMessage:         d.routeMessage,
	}
	return d
}

// SetLogger sets the logger for the dispatcher.
func (d *Dispatcher) SetLogger(logger Logger) {
	d.logger = logger
}

// SetObserver sets a callback invoked for every routed event.
func (d *Dispatcher) SetObserver(fn Observer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observer = fn
}

// HandleMethod registers a direct method handler by name.
func (d *Dispatcher) HandleMethod(name string, h MethodHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.methods[name] = h
}

// HandleDesired registers a desired property handler by key.
func (d *Dispatcher) HandleDesired(key string, h DesiredHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.desired[key] = h
}

// OnMessage registers a one-way message handler by method-name.
func (d *Dispatcher) OnMessage(method string, h MessageHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.messages[method] = h
}

// Dispatch routes ev by its Kind.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) Reply {
	r, ok := d.routes[ev.Kind]
	if !ok {
		d.logger.Warn("dropping event of unknown kind", "kind", ev.Kind)
		return Reply{
			Method:      connectivity.MethodResult{Status: StatusUnknownCommand, Body: []byte(unknownCommandBody)},
			Disposition: connectivity.DispositionReject,
		}
	}
	return r(ctx, ev)
}

// HandleDirectMethod implements connectivity.InboundHandler.
func (d *Dispatcher) HandleDirectMethod(call connectivity.MethodCall) connectivity.MethodResult {
	return d.Dispatch(context.Background(), Event{Kind: KindDirectMethod, Method: call}).Method
}

// HandleDesiredUpdate implements connectivity.InboundHandler.
func (d *Dispatcher) HandleDesiredUpdate(update connectivity.DesiredUpdate) {
	d.Dispatch(context.Background(), Event{Kind: KindDesiredProperty, Desired: update})
}

// HandleMessage implements connectivity.InboundHandler.
func (d *Dispatcher) HandleMessage(msg connectivity.Message) connectivity.Disposition {
	return d.Dispatch(context.Background(), Event{Kind: KindMessage, Message: msg}).Disposition
}

func (d *Dispatcher) routeMethod(ctx context.Context, ev Event) (reply Reply) {
	call := ev.Method

	d.mu.RLock()
	h, ok := d.methods[call.Name]
	d.mu.RUnlock()

	if !ok {
		d.logger.Warn("unknown direct method", "method", call.Name)
		d.observe(KindDirectMethod, call.Name, OutcomeUnknown)
		return Reply{Method: connectivity.MethodResult{Status: StatusUnknownCommand, Body: []byte(unknownCommandBody)}}
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("direct method handler panic recovered", "method", call.Name, "panic", r)
			d.observe(KindDirectMethod, call.Name, OutcomeFailed)
			reply = Reply{Method: connectivity.MethodResult{Status: StatusHandlerFailed, Body: []byte(handlerFailedBody)}}
		}
	}()

	result := h(ctx, call)
	d.logger.Info("direct method handled", "method", call.Name, "status", result.Status)
	d.observe(KindDirectMethod, call.Name, OutcomeHandled)
	return Reply{Method: result}
}

func (d *Dispatcher) routeDesired(ctx context.Context, ev Event) Reply {
	update := ev.Desired

	keys := make([]string, 0, len(update.Properties))
	for key := range update.Properties {
		// $version and friends are metadata, not properties
		if strings.HasPrefix(key, "$") {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := update.Properties[key]

		d.mu.RLock()
		h, ok := d.desired[key]
		d.mu.RUnlock()

		if !ok {
			if !d.cfg.AckUnhandled {
				d.logger.Info("desired property not handled", "key", key, "version", update.Version)
				d.observe(KindDesiredProperty, key, OutcomeIgnored)
				continue
			}
		} else if err := d.applyDesired(ctx, key, value, h); err != nil {
			d.logger.Error("desired property handler failed", "key", key, "error", err)
			d.observe(KindDesiredProperty, key, OutcomeFailed)
			continue
		}

		d.acknowledge(ctx, connectivity.PropertyAck{
			Key:            key,
			Value:          value,
			AckCode:        StatusOK,
			AckDescription: ackDescriptionCompleted,
			Version:        update.Version,
		})
		d.observe(KindDesiredProperty, key, OutcomeHandled)
	}

	return Reply{}
}

func (d *Dispatcher) applyDesired(ctx context.Context, key string, value json.RawMessage, h DesiredHandler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	h(ctx, value)
	d.logger.Info("desired property applied", "key", key, "value", string(value))
	return nil
}

// acknowledge sends ack through the current session. Without one the ack
// is held until the next Connected transition. The service delivers the
// full desired state while subscriptions are being set up, before the
// session is published.
func (d *Dispatcher) acknowledge(ctx context.Context, ack connectivity.PropertyAck) {
	d.ackMu.Lock()
	defer d.ackMu.Unlock()

	sess, err := d.sessions.Session()
	if err != nil {
		d.holdLocked(ack, err)
		return
	}
	d.sendAck(ctx, sess, ack)
}

func (d *Dispatcher) holdLocked(ack connectivity.PropertyAck, cause error) {
	if len(d.pending) >= maxPendingAcks {
		dropped := d.pending[0]
		d.pending = d.pending[1:]
		d.logger.Warn("dropping held property ack", "key", dropped.Key, "version", dropped.Version)
	}
	d.pending = append(d.pending, ack)
	d.logger.Debug("holding property ack until connected", "key", ack.Key, "version", ack.Version, "reason", cause)
}

func (d *Dispatcher) sendAck(ctx context.Context, sess connectivity.Session, ack connectivity.PropertyAck) {
	sess.UpdateReported(ctx, ack.Patch(), func(err error) {
		if err != nil {
			d.logger.Warn("property ack failed", "key", ack.Key, "version", ack.Version, "error", err)
			return
		}
		d.logger.Debug("property ack sent", "key", ack.Key, "version", ack.Version)
	})
}

// ObserveTransition flushes held acks when the manager reaches Connected.
// Register it with Manager.OnTransition. The flush runs on its own
// goroutine because observers must not call back into the manager.
func (d *Dispatcher) ObserveTransition(tr connectivity.Transition) {
	if tr.To != connectivity.StateConnected {
		return
	}
	go d.FlushPending(context.Background())
}

// FlushPending sends held acks in arrival order through the current
// session and returns how many were sent. Acks stay held when there is
// still no session.
func (d *Dispatcher) FlushPending(ctx context.Context) int {
	d.ackMu.Lock()
	defer d.ackMu.Unlock()

	if len(d.pending) == 0 {
		return 0
	}
	sess, err := d.sessions.Session()
	if err != nil {
		return 0
	}

	acks := d.pending
	d.pending = nil
	for _, ack := range acks {
		d.sendAck(ctx, sess, ack)
	}
	d.logger.Info("sent held property acks", "count", len(acks))
	return len(acks)
}

// Pending returns the number of held acks.
func (d *Dispatcher) Pending() int {
	d.ackMu.Lock()
	defer d.ackMu.Unlock()
	return len(d.pending)
}

func (d *Dispatcher) routeMessage(ctx context.Context, ev Event) (reply Reply) {
	msg := ev.Message
	method := msg.Property(MethodNameProperty)

	d.mu.RLock()
	h, ok := d.messages[method]
	d.mu.RUnlock()

	if !ok {
		d.logger.Warn("rejecting message with unknown method", "method", method, "message_id", msg.ID)
		d.observe(KindMessage, method, OutcomeRejected)
		return Reply{Disposition: connectivity.DispositionReject}
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("message handler panic recovered", "method", method, "panic", r)
			d.observe(KindMessage, method, OutcomeFailed)
			reply = Reply{Disposition: connectivity.DispositionReject}
		}
	}()

	h(ctx, msg)
	d.observe(KindMessage, method, OutcomeCompleted)
	return Reply{Disposition: connectivity.DispositionComplete}
}

func (d *Dispatcher) observe(kind Kind, name, outcome string) {
	d.mu.RLock()
	fn := d.observer
	d.mu.RUnlock()
	if fn != nil {
		fn(kind, name, outcome)
	}
}
