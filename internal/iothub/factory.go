package iothub

import (
	"crypto/tls"
	"time"

	"github.com/nerrad567/failover-agent/internal/connectivity"
)

// FactoryConfig holds the settings shared by every session the factory builds.
type FactoryConfig struct {
	Transport        string
	Port             int
	QoS              byte
	KeepAlive        time.Duration
	ConnectTimeout   time.Duration
	OperationTimeout time.Duration
	AutoReconnect    bool
	TokenTTL         time.Duration
	TLSConfig        *tls.Config
}

// Factory builds hub sessions for provisioning assignments. It implements
// connectivity.SessionFactory.
type Factory struct {
	cfg    FactoryConfig
	dial   Dialer
	logger Logger
}

var _ connectivity.SessionFactory = (*Factory)(nil)

// NewFactory creates a session factory.
func NewFactory(cfg FactoryConfig) *Factory {
	return &Factory{cfg: cfg, dial: dialMQTT, logger: noopLogger{}}
}

// SetLogger sets the logger handed to each session.
func (f *Factory) SetLogger(logger Logger) {
	f.logger = logger
}

// SetDialer replaces the transport constructor for new sessions.
func (f *Factory) SetDialer(d Dialer) {
	f.dial = d
}

// NewSession builds an unopened session for assignment. The assigned
// device ID wins over the identity's when the service returns one.
func (f *Factory) NewSession(identity connectivity.DeviceIdentity, assignment connectivity.RegistrationResult) (connectivity.Session, error) {
	deviceID := assignment.DeviceID
	if deviceID == "" {
		deviceID = identity.DeviceID
	}

	s, err := NewSession(Config{
		Host:             assignment.Endpoint,
		DeviceID:         deviceID,
		ModelID:          identity.ModelID,
		Key:              identity.DerivedKey,
		TokenTTL:         f.cfg.TokenTTL,
		Transport:        f.cfg.Transport,
		Port:             f.cfg.Port,
		QoS:              f.cfg.QoS,
		KeepAlive:        f.cfg.KeepAlive,
		ConnectTimeout:   f.cfg.ConnectTimeout,
		OperationTimeout: f.cfg.OperationTimeout,
		AutoReconnect:    f.cfg.AutoReconnect,
		TLSConfig:        f.cfg.TLSConfig,
	})
	if err != nil {
		return nil, err
	}
	s.SetLogger(f.logger)
	s.SetDialer(f.dial)
	return s, nil
}
