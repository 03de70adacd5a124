package provisioning

import "errors"

// Domain-specific errors for the provisioning client.
var (
	// ErrInvalidConfig is returned when the client cannot be built.
	ErrInvalidConfig = errors.New("provisioning: invalid config")

	// ErrNoResponse is returned when the service does not answer a request
	// within the request timeout.
	ErrNoResponse = errors.New("provisioning: no response")

	// ErrMalformedResponse is returned when a response cannot be decoded.
	ErrMalformedResponse = errors.New("provisioning: malformed response")
)
