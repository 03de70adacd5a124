package influxdb

import "errors"

var (
	// ErrDisabled is returned by Connect when influxdb.enabled is false.
	ErrDisabled = errors.New("influxdb: mirror disabled")

	// ErrConnectionFailed means the server could not be reached at startup.
	ErrConnectionFailed = errors.New("influxdb: connection failed")

	// ErrNotConnected is returned after Close.
	ErrNotConnected = errors.New("influxdb: not connected")

	// ErrWriteFailed wraps every error passed to the SetOnError callback.
	ErrWriteFailed = errors.New("influxdb: write failed")
)
