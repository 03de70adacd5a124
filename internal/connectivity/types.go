package connectivity

import (
	"encoding/json"
	"errors"
	"time"
)

// DeviceIdentity is the device's credential set. It is built once at
// startup and never mutated.
type DeviceIdentity struct {
	DeviceID   string
	DerivedKey string
	ModelID    string
}

// Validate checks that the identity can be presented to the provisioning service.
func (d DeviceIdentity) Validate() error {
	if d.DeviceID == "" {
		return errors.New("connectivity: device ID is required")
	}
	if d.DerivedKey == "" {
		return errors.New("connectivity: derived key is required")
	}
	return nil
}

// RegistrationStatus is the outcome reported by the provisioning service.
type RegistrationStatus int

const (
	RegistrationUnknown RegistrationStatus = iota
	RegistrationAssigned
	RegistrationWaiting
	RegistrationTransient
	RegistrationDisabled
	RegistrationFailed
)

func (s RegistrationStatus) String() string {
	switch s {
	case RegistrationAssigned:
		return "assigned"
	case RegistrationWaiting:
		return "waiting"
	case RegistrationTransient:
		return "error"
	case RegistrationDisabled:
		return "disabled"
	case RegistrationFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// RegistrationResult is produced once per register or poll call.
type RegistrationResult struct {
	Status RegistrationStatus

	// Endpoint is the assigned hub host name (Assigned only).
	Endpoint string
	DeviceID string

	// OperationID identifies a pending registration for PollStatus.
	OperationID string

	// RetryAfter is the service's polling hint, zero if none was given.
	RetryAfter time.Duration

	// Message carries the service's error description, if any.
	Message string
}

// State is the Connection Manager lifecycle state.
//
// Provisioning, SessionOpening and SubscriptionSetup together form the
// coarse "connecting" phase.
type State int32

const (
	StateIdle State = iota
	StateProvisioning
	StateSessionOpening
	StateSubscriptionSetup
	StateConnected
	StateDisconnected
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProvisioning:
		return "provisioning"
	case StateSessionOpening:
		return "session_opening"
	case StateSubscriptionSetup:
		return "subscription_setup"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// IsConnected reports whether sessions may be used in this state.
func (s State) IsConnected() bool {
	return s == StateConnected
}

// IsConnecting reports whether a connection attempt is in progress.
func (s State) IsConnecting() bool {
	return s == StateProvisioning || s == StateSessionOpening || s == StateSubscriptionSetup
}

// States lists every state, in lifecycle order.
func States() []State {
	return []State{
		StateIdle,
		StateProvisioning,
		StateSessionOpening,
		StateSubscriptionSetup,
		StateConnected,
		StateDisconnected,
		StateTerminated,
	}
}

// Transition records one state change.
type Transition struct {
	From     State
	To       State
	Reason   string
	DeviceID string
	Endpoint string
	At       time.Time
}

// ConnectionStatus is the kind of a session status event.
type ConnectionStatus int

const (
	StatusConnected ConnectionStatus = iota
	StatusDisconnected
	// StatusDisconnectedRetrying means the transport is retrying on its own;
	// the manager does not tear the session down for it.
	StatusDisconnectedRetrying
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusConnected:
		return "CONNECTED"
	case StatusDisconnected:
		return "DISCONNECTED"
	case StatusDisconnectedRetrying:
		return "DISCONNECTED_RETRYING"
	default:
		return "UNKNOWN"
	}
}

// StatusEvent is delivered by a Session when its connection changes.
type StatusEvent struct {
	Status ConnectionStatus
	Reason string
	Cause  error
}

// MethodCall is a direct method invocation from the service.
type MethodCall struct {
	RequestID string
	Name      string
	Payload   []byte
}

// MethodResult answers a MethodCall.
type MethodResult struct {
	Status int
	Body   []byte
}

// DesiredUpdate is a desired-properties patch.
type DesiredUpdate struct {
	Version    int64
	Properties map[string]json.RawMessage
}

// Message is a one-way service-to-device message.
type Message struct {
	ID         string
	Properties map[string]string
	Body       []byte
}

// Property returns an application property, or "" when absent.
func (m Message) Property(key string) string {
	return m.Properties[key]
}

// Disposition settles a Message.
type Disposition int

const (
	// DispositionComplete marks the message consumed.
	DispositionComplete Disposition = iota
	// DispositionReject hands the message back to the transport's
	// redelivery and dead-letter policy.
	DispositionReject
)

func (d Disposition) String() string {
	if d == DispositionComplete {
		return "complete"
	}
	return "reject"
}

// OutboundMessage is a device-to-cloud telemetry message.
type OutboundMessage struct {
	Body            []byte
	ContentType     string
	ContentEncoding string
	Properties      map[string]string
}

// PropertyAck acknowledges a desired property through the reported side
// of the twin.
type PropertyAck struct {
	Key            string
	Value          json.RawMessage
	AckCode        int
	AckDescription string
	Version        int64
}

// Patch renders the ack as a reported-properties patch.
func (a PropertyAck) Patch() map[string]any {
	return map[string]any{
		a.Key: map[string]any{
			"value": a.Value,
			"ac":    a.AckCode,
			"ad":    a.AckDescription,
			"av":    a.Version,
		},
	}
}
