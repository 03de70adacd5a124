package connectivity

import (
	"errors"
	"fmt"
)

// Domain-specific errors for the connection lifecycle.
var (
	// ErrIdentityRejected is fatal: the provisioning service disabled or
	// failed the registration, or refused the credentials.
	ErrIdentityRejected = errors.New("connectivity: identity rejected")

	// ErrProvisioningTimeout is fatal: registration stayed pending past the
	// configured poll ceiling.
	ErrProvisioningTimeout = errors.New("connectivity: provisioning timed out")

	// ErrReconnectExhausted is fatal: MaxConsecutiveFailures attempts failed in a row.
	ErrReconnectExhausted = errors.New("connectivity: reconnect attempts exhausted")

	// ErrProvisioningFailed is a transient provisioning fault.
	ErrProvisioningFailed = errors.New("connectivity: provisioning failed")

	// ErrSessionFailed is a transient fault opening or subscribing a session.
	ErrSessionFailed = errors.New("connectivity: session failed")

	// ErrNotConnected is returned by Session() outside the Connected state.
	ErrNotConnected = errors.New("connectivity: not connected")

	// ErrTerminated is returned once termination has been requested.
	ErrTerminated = errors.New("connectivity: terminated")

	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("connectivity: manager already started")
)

// RegistrationError describes a registration the service will not honour.
type RegistrationError struct {
	Status  RegistrationStatus
	Message string
}

func (e *RegistrationError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("registration %s", e.Status)
	}
	return fmt.Sprintf("registration %s: %s", e.Status, e.Message)
}

// Unwrap makes errors.Is(err, ErrIdentityRejected) hold.
func (e *RegistrationError) Unwrap() error {
	return ErrIdentityRejected
}

// IsFatal reports whether err ends the agent rather than triggering a retry.
func IsFatal(err error) bool {
	return errors.Is(err, ErrIdentityRejected) ||
		errors.Is(err, ErrProvisioningTimeout) ||
		errors.Is(err, ErrReconnectExhausted)
}
