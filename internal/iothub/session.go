package iothub

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/failover-agent/internal/connectivity"
	"github.com/nerrad567/failover-agent/internal/credentials"
	"github.com/nerrad567/failover-agent/internal/infrastructure/mqtt"
)

const (
	apiVersion = "2021-04-12"

	TransportMQTT       = "mqtt"
	TransportWebSockets = "websockets"

	defaultMQTTPort      = 8883
	defaultWebSocketPort = 443
	websocketPath        = "/$iothub/websocket"

	defaultOperationTimeout = 30 * time.Second
)

// Transport is the MQTT connection a Session drives. *mqtt.Client
// implements it.
type Transport interface {
	Connect(ctx context.Context) error
	Close() error
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retained bool) error
	PublishAsync(ctx context.Context, topic string, payload []byte, qos byte, done func(error))
	Subscribe(ctx context.Context, topic string, qos byte, handler mqtt.MessageHandler) error
	SetOnConnect(callback func())
	SetOnDisconnect(callback func(err error))
	SetOnReconnecting(callback func())
	SetLogger(logger mqtt.Logger)
}

// Dialer builds a Transport for the given options without connecting.
type Dialer func(o mqtt.Options) (Transport, error)

func dialMQTT(o mqtt.Options) (Transport, error) {
	return mqtt.NewClient(o)
}

// Logger defines the logging interface for hub sessions.
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

// Config describes one hub connection.
type Config struct {
	Host     string
	DeviceID string
	ModelID  string

	// Key is the base64 device key used to sign SAS tokens.
	Key      string
	TokenTTL time.Duration

	Transport string
	Port      int
	QoS       byte

	KeepAlive        time.Duration
	ConnectTimeout   time.Duration
	OperationTimeout time.Duration
	AutoReconnect    bool

	TLSConfig *tls.Config
}

// Validate checks that the config can build a session.
func (c Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: host is required", ErrInvalidConfig)
	}
	if c.DeviceID == "" {
		return fmt.Errorf("%w: device ID is required", ErrInvalidConfig)
	}
	if c.Key == "" {
		return fmt.Errorf("%w: key is required", ErrInvalidConfig)
	}
	switch c.Transport {
	case "", TransportMQTT, TransportWebSockets:
	default:
		return fmt.Errorf("%w: unknown transport %q", ErrInvalidConfig, c.Transport)
	}
	if c.QoS > 1 {
		return fmt.Errorf("%w: qos must be 0 or 1", ErrInvalidConfig)
	}
	return nil
}

// BrokerURL returns the MQTT broker address for the configured transport.
func (c Config) BrokerURL() string {
	if c.Transport == TransportWebSockets {
		port := c.Port
		if port == 0 {
			port = defaultWebSocketPort
		}
		return fmt.Sprintf("wss://%s:%d%s", c.Host, port, websocketPath)
	}
	port := c.Port
	if port == 0 {
		port = defaultMQTTPort
	}
	return fmt.Sprintf("ssl://%s:%d", c.Host, port)
}

// Username returns the MQTT username the hub expects.
func (c Config) Username() string {
	u := c.Host + "/" + c.DeviceID + "/?api-version=" + apiVersion
	if c.ModelID != "" {
		u += "&model-id=" + url.QueryEscape(c.ModelID)
	}
	return u
}

// ResourceURI is the SAS token audience for the device.
func (c Config) ResourceURI() string {
	return c.Host + "/devices/" + c.DeviceID
}

func (c Config) operationTimeout() time.Duration {
	if c.OperationTimeout > 0 {
		return c.OperationTimeout
	}
	return defaultOperationTimeout
}

type twinResponse struct {
	status int
	body   []byte
}

// Session is a connectivity.Session backed by one MQTT connection.
type Session struct {
	cfg    Config
	signer *credentials.Signer
	dial   Dialer
	logger Logger

	mu        sync.Mutex
	transport Transport
	status    func(connectivity.StatusEvent)
	closed    bool
	done      chan struct{}

	pendingMu sync.Mutex
	pending   map[string]chan twinResponse
}

var _ connectivity.Session = (*Session)(nil)

// NewSession creates a session. It does not connect.
func NewSession(cfg Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Session{
		cfg:     cfg,
		signer:  credentials.NewSigner(cfg.Key, "", cfg.TokenTTL),
		dial:    dialMQTT,
		logger:  noopLogger{},
		done:    make(chan struct{}),
		pending: make(map[string]chan twinResponse),
	}, nil
}

// SetLogger sets the logger for the session and its transport.
func (s *Session) SetLogger(logger Logger) {
	s.logger = logger
}

// SetDialer replaces the transport constructor.
func (s *Session) SetDialer(d Dialer) {
	s.dial = d
}

// OnConnectionStatusChange installs the status callback.
func (s *Session) OnConnectionStatusChange(callback func(connectivity.StatusEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = callback
}

// Open signs a token, connects and subscribes to twin responses.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.mu.Unlock()

	token, err := s.signer.Token(s.cfg.ResourceURI())
	if err != nil {
		return fmt.Errorf("iothub: sign token: %w", err)
	}

	t, err := s.dial(mqtt.Options{
		BrokerURL:        s.cfg.BrokerURL(),
		ClientID:         s.cfg.DeviceID,
		Username:         s.cfg.Username(),
		Password:         token,
		TLSConfig:        s.cfg.TLSConfig,
		KeepAlive:        s.cfg.KeepAlive,
		ConnectTimeout:   s.cfg.ConnectTimeout,
		OperationTimeout: s.cfg.OperationTimeout,
		AutoReconnect:    s.cfg.AutoReconnect,
		ManualAck:        true,
	})
	if err != nil {
		return fmt.Errorf("iothub: build transport: %w", err)
	}
	t.SetLogger(s.logger)
	t.SetOnDisconnect(s.handleConnectionLost)
	if s.cfg.AutoReconnect {
		t.SetOnConnect(func() {
			s.emit(connectivity.StatusEvent{Status: connectivity.StatusConnected, Reason: "connected"})
		})
		t.SetOnReconnecting(func() {
			s.logger.Debug("hub transport reconnecting", "host", s.cfg.Host)
		})
	}

	if err := t.Connect(ctx); err != nil {
		return fmt.Errorf("iothub: connect %s: %w", s.cfg.Host, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = t.Close()
		return ErrSessionClosed
	}
	s.transport = t
	s.mu.Unlock()

	if err := t.Subscribe(ctx, twinResponseFilter, s.cfg.QoS, s.handleTwinResponse); err != nil {
		return fmt.Errorf("iothub: %w", err)
	}

	s.logger.Info("hub session opened",
		"host", s.cfg.Host,
		"device_id", s.cfg.DeviceID,
		"transport", s.transportName(),
	)
	return nil
}

// Close disconnects and fails pending twin requests. It is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	t := s.transport
	s.transport = nil
	s.status = nil
	close(s.done)
	s.mu.Unlock()

	if t == nil {
		return nil
	}
	s.logger.Debug("hub session closing", "host", s.cfg.Host)
	return t.Close()
}

// SendEvent publishes telemetry without waiting; done receives the outcome.
func (s *Session) SendEvent(ctx context.Context, msg connectivity.OutboundMessage, done func(error)) {
	if done == nil {
		done = func(error) {}
	}
	t, err := s.live()
	if err != nil {
		go done(err)
		return
	}
	t.PublishAsync(ctx, telemetryTopic(s.cfg.DeviceID, msg), msg.Body, s.cfg.QoS, done)
}

// UpdateReported patches reported properties. done receives nil once the
// hub acknowledges the patch.
func (s *Session) UpdateReported(ctx context.Context, patch map[string]any, done func(error)) {
	if done == nil {
		done = func(error) {}
	}
	body, err := json.Marshal(patch)
	if err != nil {
		go done(fmt.Errorf("iothub: encode reported patch: %w", err))
		return
	}

	go func() {
		_, err := s.request(ctx, twinReportedPrefix, body)
		done(err)
	}()
}

// SubscribeTwin delivers desired patches to handler. After subscribing it
// reads the full twin and delivers the current desired section once.
func (s *Session) SubscribeTwin(ctx context.Context, handler func(connectivity.DesiredUpdate)) error {
	t, err := s.live()
	if err != nil {
		return err
	}

	err = t.Subscribe(ctx, twinDesiredFilter, s.cfg.QoS, func(topic string, payload []byte) error {
		update, err := decodeDesired(payload, parseDesiredVersion(topic))
		if err != nil {
			return err
		}
		handler(update)
		return nil
	})
	if err != nil {
		return fmt.Errorf("iothub: %w", err)
	}

	resp, err := s.request(ctx, twinGetPrefix, nil)
	if err != nil {
		return fmt.Errorf("iothub: read twin: %w", err)
	}

	var twin struct {
		Desired json.RawMessage `json:"desired"`
	}
	if err := json.Unmarshal(resp.body, &twin); err != nil {
		return fmt.Errorf("iothub: decode twin: %w", err)
	}
	if len(twin.Desired) == 0 {
		return nil
	}
	update, err := decodeDesired(twin.Desired, -1)
	if err != nil {
		return fmt.Errorf("iothub: decode twin: %w", err)
	}
	if len(update.Properties) > 0 {
		handler(update)
	}
	return nil
}

// SubscribeDirectMethods answers direct methods with handler's result.
func (s *Session) SubscribeDirectMethods(ctx context.Context, handler func(connectivity.MethodCall) connectivity.MethodResult) error {
	t, err := s.live()
	if err != nil {
		return err
	}

	err = t.Subscribe(ctx, methodRequestFilter, s.cfg.QoS, func(topic string, payload []byte) error {
		name, rid, err := parseMethodTopic(topic)
		if err != nil {
			return err
		}

		result := handler(connectivity.MethodCall{RequestID: rid, Name: name, Payload: payload})

		t.PublishAsync(context.Background(), methodResponseTopic(result.Status, rid), methodBody(result.Body), s.cfg.QoS, func(err error) {
			if err != nil {
				s.logger.Warn("direct method response failed", "method", name, "rid", rid, "error", err)
			}
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("iothub: %w", err)
	}
	return nil
}

// SetMessageHandler delivers one-way messages. Rejected messages are left
// unacknowledged.
func (s *Session) SetMessageHandler(ctx context.Context, handler func(connectivity.Message) connectivity.Disposition) error {
	t, err := s.live()
	if err != nil {
		return err
	}

	err = t.Subscribe(ctx, c2dFilter(s.cfg.DeviceID), s.cfg.QoS, func(topic string, payload []byte) error {
		msg, err := parseC2D(s.cfg.DeviceID, topic, payload)
		if err != nil {
			return err
		}
		if handler(msg) == connectivity.DispositionReject {
			return mqtt.ErrReject
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("iothub: %w", err)
	}
	return nil
}

// request publishes a correlated twin request and waits for its response.
func (s *Session) request(ctx context.Context, topicPrefix string, body []byte) (twinResponse, error) {
	t, err := s.live()
	if err != nil {
		return twinResponse{}, err
	}

	rid := uuid.NewString()
	ch := s.createRequest(rid)
	defer s.closeRequest(rid)

	if body == nil {
		body = []byte{}
	}
	if err := t.Publish(ctx, topicPrefix+rid, body, s.cfg.QoS, false); err != nil {
		return twinResponse{}, err
	}

	timer := time.NewTimer(s.cfg.operationTimeout())
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.status < 200 || resp.status >= 300 {
			return resp, fmt.Errorf("%w: status %d", ErrTwinRejected, resp.status)
		}
		return resp, nil
	case <-timer.C:
		return twinResponse{}, ErrTwinTimeout
	case <-s.done:
		return twinResponse{}, ErrSessionClosed
	case <-ctx.Done():
		return twinResponse{}, ctx.Err()
	}
}

func (s *Session) createRequest(rid string) <-chan twinResponse {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	ch := make(chan twinResponse, 1)
	s.pending[rid] = ch
	return ch
}

func (s *Session) closeRequest(rid string) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	delete(s.pending, rid)
}

func (s *Session) handleTwinResponse(topic string, payload []byte) error {
	status, rid, err := parseTwinResponse(topic)
	if err != nil {
		return err
	}

	s.pendingMu.Lock()
	ch, ok := s.pending[rid]
	s.pendingMu.Unlock()
	if !ok {
		s.logger.Debug("twin response for unknown request", "rid", rid, "status", status)
		return nil
	}

	select {
	case ch <- twinResponse{status: status, body: payload}:
	default:
		s.logger.Warn("duplicate twin response dropped", "rid", rid)
	}
	return nil
}

func (s *Session) handleConnectionLost(err error) {
	if s.cfg.AutoReconnect {
		s.emit(connectivity.StatusEvent{Status: connectivity.StatusDisconnectedRetrying, Reason: "connection lost", Cause: err})
		return
	}
	s.emit(connectivity.StatusEvent{Status: connectivity.StatusDisconnected, Reason: "connection lost", Cause: err})
}

func (s *Session) emit(ev connectivity.StatusEvent) {
	s.mu.Lock()
	cb := s.status
	s.mu.Unlock()
	if cb != nil {
		cb(ev)
	}
}

func (s *Session) live() (Transport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	if s.transport == nil {
		return nil, ErrNotOpen
	}
	return s.transport, nil
}

func (s *Session) transportName() string {
	if s.cfg.Transport == "" {
		return TransportMQTT
	}
	return s.cfg.Transport
}

// decodeDesired splits a desired document into properties and version.
// topicVersion wins over the document's $version when it is set.
func decodeDesired(payload []byte, topicVersion int64) (connectivity.DesiredUpdate, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(payload, &doc); err != nil {
		return connectivity.DesiredUpdate{}, fmt.Errorf("iothub: decode desired: %w", err)
	}

	update := connectivity.DesiredUpdate{
		Version:    topicVersion,
		Properties: make(map[string]json.RawMessage, len(doc)),
	}
	for k, v := range doc {
		if k == "$version" {
			if update.Version < 0 {
				if err := json.Unmarshal(v, &update.Version); err != nil {
					return connectivity.DesiredUpdate{}, fmt.Errorf("iothub: decode $version: %w", err)
				}
			}
			continue
		}
		if strings.HasPrefix(k, "$") {
			continue
		}
		update.Properties[k] = v
	}
	if update.Version < 0 {
		update.Version = 0
	}
	return update, nil
}

// methodBody returns body when it is JSON and encodes it as a JSON string
// otherwise. An empty body becomes null.
func methodBody(body []byte) []byte {
	if len(body) == 0 {
		return []byte("null")
	}
	if json.Valid(body) {
		return body
	}
	encoded, err := json.Marshal(string(body))
	if err != nil {
		return []byte("null")
	}
	return encoded
}
