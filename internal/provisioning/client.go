package provisioning

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/failover-agent/internal/connectivity"
	"github.com/nerrad567/failover-agent/internal/credentials"
	"github.com/nerrad567/failover-agent/internal/infrastructure/mqtt"
)

const (
	apiVersion = "2019-03-31"

	// DefaultHost is the global provisioning endpoint.
	DefaultHost = "global.azure-devices-provisioning.net"

	// DefaultModelKey is the payload key carrying the device model ID.
	DefaultModelKey = "modelId"

	defaultPort           = 8883
	defaultRequestTimeout = 30 * time.Second

	policyName = "registration"

	responseFilter = "$dps/registrations/res/#"
	responsePrefix = "$dps/registrations/res/"
	registerTopic  = "$dps/registrations/PUT/iotdps-register/?$rid="
	statusTopic    = "$dps/registrations/GET/iotdps-get-operationstatus/?$rid="
)

// Transport is the MQTT connection used for one exchange. *mqtt.Client
// implements it.
type Transport interface {
	Connect(ctx context.Context) error
	Close() error
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retained bool) error
	Subscribe(ctx context.Context, topic string, qos byte, handler mqtt.MessageHandler) error
	SetLogger(logger mqtt.Logger)
}

// Dialer builds a Transport without connecting.
type Dialer func(o mqtt.Options) (Transport, error)

func dialMQTT(o mqtt.Options) (Transport, error) {
	return mqtt.NewClient(o)
}

// Logger defines the logging interface for the provisioning client.
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

// Config holds provisioning client settings.
type Config struct {
	Host    string
	Port    int
	IDScope string

	TokenTTL       time.Duration
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	TLSConfig      *tls.Config
}

// Validate checks that the config can build a client.
func (c Config) Validate() error {
	if c.IDScope == "" {
		return fmt.Errorf("%w: ID scope is required", ErrInvalidConfig)
	}
	return nil
}

func (c Config) brokerURL() string {
	host := c.Host
	if host == "" {
		host = DefaultHost
	}
	port := c.Port
	if port == 0 {
		port = defaultPort
	}
	return fmt.Sprintf("ssl://%s:%d", host, port)
}

func (c Config) requestTimeout() time.Duration {
	if c.RequestTimeout > 0 {
		return c.RequestTimeout
	}
	return defaultRequestTimeout
}

// Client talks to the provisioning service. It implements
// connectivity.ProvisioningService.
type Client struct {
	cfg    Config
	dial   Dialer
	logger Logger
	now    func() time.Time
}

var _ connectivity.ProvisioningService = (*Client)(nil)

// NewClient creates a provisioning client.
func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{cfg: cfg, dial: dialMQTT, logger: noopLogger{}, now: time.Now}, nil
}

// SetLogger sets the logger for the client.
func (c *Client) SetLogger(logger Logger) {
	c.logger = logger
}

// SetDialer replaces the transport constructor.
func (c *Client) SetDialer(d Dialer) {
	c.dial = d
}

// Register starts a registration for identity. payload, when not empty,
// is sent as the registration's custom payload.
func (c *Client) Register(ctx context.Context, identity connectivity.DeviceIdentity, payload []byte) (connectivity.RegistrationResult, error) {
	req := struct {
		RegistrationID string          `json:"registrationId"`
		Payload        json.RawMessage `json:"payload,omitempty"`
	}{
		RegistrationID: identity.DeviceID,
		Payload:        payload,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return connectivity.RegistrationResult{}, fmt.Errorf("provisioning: encode request: %w", err)
	}

	c.logger.Debug("registering device", "registration_id", identity.DeviceID, "scope", c.cfg.IDScope)
	return c.exchange(ctx, identity, func(rid string) string {
		return registerTopic + rid
	}, body)
}

// PollStatus queries a pending registration.
func (c *Client) PollStatus(ctx context.Context, identity connectivity.DeviceIdentity, operationID string) (connectivity.RegistrationResult, error) {
	if operationID == "" {
		return connectivity.RegistrationResult{}, fmt.Errorf("%w: empty operation ID", ErrMalformedResponse)
	}
	return c.exchange(ctx, identity, func(rid string) string {
		return statusTopic + rid + "&operationId=" + url.QueryEscape(operationID)
	}, []byte{})
}

type response struct {
	status     int
	retryAfter time.Duration
	body       []byte
}

// exchange connects, sends one request and waits for the matching response.
func (c *Client) exchange(ctx context.Context, identity connectivity.DeviceIdentity, topic func(rid string) string, body []byte) (connectivity.RegistrationResult, error) {
	t, err := c.connect(ctx, identity)
	if err != nil {
		return connectivity.RegistrationResult{}, err
	}
	defer t.Close()

	rid := uuid.NewString()
	responses := make(chan response, 1)

	err = t.Subscribe(ctx, responseFilter, 1, func(topic string, payload []byte) error {
		status, gotRID, retryAfter, err := parseResponseTopic(topic)
		if err != nil {
			return err
		}
		if gotRID != rid {
			return nil
		}
		select {
		case responses <- response{status: status, retryAfter: retryAfter, body: payload}:
		default:
		}
		return nil
	})
	if err != nil {
		return connectivity.RegistrationResult{}, fmt.Errorf("provisioning: %w", err)
	}

	if err := t.Publish(ctx, topic(rid), body, 1, false); err != nil {
		return connectivity.RegistrationResult{}, fmt.Errorf("provisioning: %w", err)
	}

	timer := time.NewTimer(c.cfg.requestTimeout())
	defer timer.Stop()

	select {
	case resp := <-responses:
		return interpret(resp)
	case <-timer.C:
		return connectivity.RegistrationResult{}, fmt.Errorf("%w after %v", ErrNoResponse, c.cfg.requestTimeout())
	case <-ctx.Done():
		return connectivity.RegistrationResult{}, ctx.Err()
	}
}

func (c *Client) connect(ctx context.Context, identity connectivity.DeviceIdentity) (Transport, error) {
	resource := c.cfg.IDScope + "/registrations/" + identity.DeviceID
	token, err := credentials.SASToken(resource, identity.DerivedKey, policyName, c.now().Add(c.tokenTTL()))
	if err != nil {
		return nil, fmt.Errorf("provisioning: sign token: %w", err)
	}

	t, err := c.dial(mqtt.Options{
		BrokerURL:      c.cfg.brokerURL(),
		ClientID:       identity.DeviceID,
		Username:       resource + "/api-version=" + apiVersion,
		Password:       token,
		TLSConfig:      c.cfg.TLSConfig,
		ConnectTimeout: c.cfg.ConnectTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("provisioning: build transport: %w", err)
	}
	t.SetLogger(c.logger)

	if err := t.Connect(ctx); err != nil {
		return nil, fmt.Errorf("provisioning: connect: %w", err)
	}
	return t, nil
}

func (c *Client) tokenTTL() time.Duration {
	if c.cfg.TokenTTL > 0 {
		return c.cfg.TokenTTL
	}
	return time.Hour
}

// ModelPayload builds the registration payload announcing modelID under key.
func ModelPayload(key, modelID string) ([]byte, error) {
	if modelID == "" {
		return nil, nil
	}
	if key == "" {
		key = DefaultModelKey
	}
	return json.Marshal(map[string]string{key: modelID})
}

// parseResponseTopic splits "$dps/registrations/res/{status}/?$rid={rid}&retry-after={s}".
func parseResponseTopic(topic string) (status int, rid string, retryAfter time.Duration, err error) {
	rest, ok := strings.CutPrefix(topic, responsePrefix)
	if !ok {
		return 0, "", 0, fmt.Errorf("%w: topic %s", ErrMalformedResponse, topic)
	}
	code, query, _ := strings.Cut(rest, "/?")
	status, err = strconv.Atoi(strings.TrimSuffix(code, "/"))
	if err != nil {
		return 0, "", 0, fmt.Errorf("%w: status in %s", ErrMalformedResponse, topic)
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		return 0, "", 0, fmt.Errorf("%w: %s: %w", ErrMalformedResponse, topic, err)
	}
	if s, err := strconv.Atoi(values.Get("retry-after")); err == nil && s > 0 {
		retryAfter = time.Duration(s) * time.Second
	}
	return status, values.Get("$rid"), retryAfter, nil
}
