package mqtt

import (
	"crypto/tls"
	"fmt"
	"net/url"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// Connection constants.
const (
	// defaultConnectTimeout is the maximum time to wait for initial connection.
	defaultConnectTimeout = 10 * time.Second

	// defaultOperationTimeout is the maximum time to wait for publish or subscribe acknowledgment.
	defaultOperationTimeout = 5 * time.Second

	// defaultDisconnectQuiesce is the time to wait for pending operations on disconnect.
	defaultDisconnectQuiesce = 250 // milliseconds

	// defaultKeepAlive is the keepalive interval for the connection.
	defaultKeepAlive = 60 * time.Second

	// maxQoS is the maximum QoS level supported.
	maxQoS = 2

	// tlsMinVersion is the minimum TLS version for secure connections.
	tlsMinVersion = tls.VersionTLS12
)

// Options describes a single broker connection.
type Options struct {
	// BrokerURL is the full broker address, e.g. "ssl://host:8883" or
	// "wss://host:443/$iothub/websocket".
	BrokerURL string
	ClientID  string
	Username  string
	Password  string

	// TLSConfig overrides the default TLS settings for ssl:// and wss:// brokers.
	TLSConfig *tls.Config

	KeepAlive        time.Duration
	ConnectTimeout   time.Duration
	OperationTimeout time.Duration

	// AutoReconnect enables paho's own reconnect loop. When false a lost
	// connection stays lost and is reported once through OnDisconnect.
	AutoReconnect bool

	// ManualAck disables automatic acknowledgment; handlers returning
	// ErrReject leave the message unacknowledged.
	ManualAck bool
}

// Validate checks that the options can build a connection.
func (o Options) Validate() error {
	if o.BrokerURL == "" {
		return fmt.Errorf("%w: broker URL is required", ErrInvalidOptions)
	}
	u, err := url.Parse(o.BrokerURL)
	if err != nil {
		return fmt.Errorf("%w: broker URL: %w", ErrInvalidOptions, err)
	}
	switch u.Scheme {
	case "tcp", "ssl", "tls", "ws", "wss":
	default:
		return fmt.Errorf("%w: unsupported broker scheme %q", ErrInvalidOptions, u.Scheme)
	}
	if o.ClientID == "" {
		return fmt.Errorf("%w: client ID is required", ErrInvalidOptions)
	}
	return nil
}

// secure reports whether the broker URL needs TLS.
func (o Options) secure() bool {
	u, err := url.Parse(o.BrokerURL)
	if err != nil {
		return false
	}
	return u.Scheme == "ssl" || u.Scheme == "tls" || u.Scheme == "wss"
}

func (o Options) connectTimeout() time.Duration {
	if o.ConnectTimeout > 0 {
		return o.ConnectTimeout
	}
	return defaultConnectTimeout
}

func (o Options) operationTimeout() time.Duration {
	if o.OperationTimeout > 0 {
		return o.OperationTimeout
	}
	return defaultOperationTimeout
}

// buildClientOptions creates paho MQTT options.
//
// This configures:
//   - Broker URL and client identification
//   - Authentication credentials (if provided)
//   - Clean session, keepalive and connect timeout
//   - Reconnect policy (paho's loop only when AutoReconnect is set)
//   - TLS for ssl:// and wss:// brokers
//   - Concurrent handler dispatch, so handlers may publish and wait
func buildClientOptions(o Options) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()

	opts.AddBroker(o.BrokerURL)
	opts.SetClientID(o.ClientID)

	if o.Username != "" {
		opts.SetUsername(o.Username)
		opts.SetPassword(o.Password)
	}

	opts.SetCleanSession(true)
	opts.SetOrderMatters(false)

	opts.SetAutoReconnect(o.AutoReconnect)
	opts.SetConnectRetry(false)

	opts.SetConnectTimeout(o.connectTimeout())

	keepAlive := o.KeepAlive
	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}
	opts.SetKeepAlive(keepAlive)

	if o.ManualAck {
		opts.SetAutoAckDisabled(true)
	}

	if o.secure() {
		tlsConfig := o.TLSConfig
		if tlsConfig == nil {
			tlsConfig = &tls.Config{
				MinVersion: tlsMinVersion,
			}
		}
		opts.SetTLSConfig(tlsConfig)
	}

	return opts
}
