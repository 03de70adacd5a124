package connectivity

import "context"

// ProvisioningService resolves a device identity to an assigned endpoint.
//
// Implementations return an error wrapping ErrIdentityRejected when the
// service refuses the credentials; every other error is treated as transient.
type ProvisioningService interface {
	// Register starts (or repeats) a registration.
	Register(ctx context.Context, identity DeviceIdentity, payload []byte) (RegistrationResult, error)

	// PollStatus queries a registration that returned Waiting.
	PollStatus(ctx context.Context, identity DeviceIdentity, operationID string) (RegistrationResult, error)
}

// Session is one live connection to an assigned endpoint.
//
// A Session is owned by the Manager; other components only borrow it while
// the Manager reports Connected.
type Session interface {
	Open(ctx context.Context) error
	Close() error

	// SendEvent publishes telemetry; done receives the outcome asynchronously.
	SendEvent(ctx context.Context, msg OutboundMessage, done func(error))

	// UpdateReported patches reported properties; done receives the outcome asynchronously.
	UpdateReported(ctx context.Context, patch map[string]any, done func(error))

	SubscribeTwin(ctx context.Context, handler func(DesiredUpdate)) error
	SubscribeDirectMethods(ctx context.Context, handler func(MethodCall) MethodResult) error
	SetMessageHandler(ctx context.Context, handler func(Message) Disposition) error

	// OnConnectionStatusChange installs the status callback. It is called
	// before Open so no event is missed.
	OnConnectionStatusChange(callback func(StatusEvent))
}

// SessionFactory builds a Session for an assignment.
type SessionFactory interface {
	NewSession(identity DeviceIdentity, assignment RegistrationResult) (Session, error)
}

// SessionFactoryFunc adapts a function to SessionFactory.
type SessionFactoryFunc func(identity DeviceIdentity, assignment RegistrationResult) (Session, error)

// NewSession calls f.
func (f SessionFactoryFunc) NewSession(identity DeviceIdentity, assignment RegistrationResult) (Session, error) {
	return f(identity, assignment)
}

// InboundHandler receives inbound traffic from the live session. Methods run
// on session delivery goroutines and must not block for long.
type InboundHandler interface {
	HandleDirectMethod(call MethodCall) MethodResult
	HandleDesiredUpdate(update DesiredUpdate)
	HandleMessage(msg Message) Disposition
}

// SessionSource hands out the live session. The Manager implements it.
type SessionSource interface {
	Session() (Session, error)
}
