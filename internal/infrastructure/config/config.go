package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the failover agent.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Device             DeviceConfig       `yaml:"device"`
	Provisioning       ProvisioningConfig `yaml:"provisioning"`
	Session            SessionConfig      `yaml:"session"`
	Failover           FailoverConfig     `yaml:"failover"`
	Features           FeaturesConfig     `yaml:"features"`
	Telemetry          ScheduleConfig     `yaml:"telemetry"`
	ReportedProperties ScheduleConfig     `yaml:"reported_properties"`
	Database           DatabaseConfig     `yaml:"database"`
	API                APIConfig          `yaml:"api"`
	InfluxDB           InfluxDBConfig     `yaml:"influxdb"`
	Logging            LoggingConfig      `yaml:"logging"`
}

// DeviceConfig identifies the device to the cloud.
//
// Either GroupKey (enrollment group key, the device key is derived from it)
// or DeviceKey (an already derived key) must be set.
type DeviceConfig struct {
	ID        string `yaml:"id"`
	IDScope   string `yaml:"id_scope"`
	GroupKey  string `yaml:"group_key"`
	DeviceKey string `yaml:"device_key"`
	ModelID   string `yaml:"model_id"`
}

// ProvisioningConfig contains device provisioning service settings.
type ProvisioningConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// PayloadModelKey is the JSON key carrying the model id in the
	// registration payload ("modelId" or the legacy "iotcModelId").
	PayloadModelKey string `yaml:"payload_model_key"`

	// PollInterval is the wait between operation status polls (seconds).
	PollInterval int `yaml:"poll_interval"`

	// MaxPollAttempts bounds the status polls per registration. 0 means unlimited.
	MaxPollAttempts int `yaml:"max_poll_attempts"`

	// Timeout bounds a single registration including polling (seconds). 0 means unlimited.
	Timeout int `yaml:"timeout"`

	// RequestTimeout bounds each register/poll round trip (seconds).
	RequestTimeout int `yaml:"request_timeout"`
}

// SessionConfig contains hub session settings.
type SessionConfig struct {
	// Transport is "mqtt" (TLS, 8883) or "websockets" (WSS, 443).
	Transport      string `yaml:"transport"`
	Port           int    `yaml:"port"`
	QoS            int    `yaml:"qos"`
	KeepAlive      int    `yaml:"keep_alive"`
	ConnectTimeout int    `yaml:"connect_timeout"`

	// AutoReconnect lets the transport retry on its own. Leave false so the
	// agent re-provisions on every loss.
	AutoReconnect bool `yaml:"auto_reconnect"`

	// TokenTTL is the lifetime of the SAS token used as password (seconds).
	TokenTTL int `yaml:"token_ttl"`

	// OperationTimeout bounds publish, subscribe and twin round trips (seconds).
	OperationTimeout int `yaml:"operation_timeout"`
}

// FailoverConfig controls how connection losses are retried.
type FailoverConfig struct {
	// RetryDelay is the wait after a failed connection attempt (seconds).
	RetryDelay int `yaml:"retry_delay"`

	// MaxConsecutiveFailures ends the agent after that many failed attempts
	// in a row. 0 means retry forever.
	MaxConsecutiveFailures int `yaml:"max_consecutive_failures"`
}

// FeaturesConfig toggles agent capabilities.
type FeaturesConfig struct {
	Telemetry          bool `yaml:"telemetry"`
	ReportedProperties bool `yaml:"reported_properties"`
	DesiredProperties  bool `yaml:"desired_properties"`
	DirectMethods      bool `yaml:"direct_methods"`
	C2DMessages        bool `yaml:"c2d_messages"`

	// AckUnhandledDesired acknowledges desired properties nobody handles.
	AckUnhandledDesired bool `yaml:"ack_unhandled_desired"`
}

// ScheduleConfig describes a periodic publication (seconds).
type ScheduleConfig struct {
	Interval     int `yaml:"interval"`
	InitialDelay int `yaml:"initial_delay"`
}

// DatabaseConfig contains SQLite journal settings.
type DatabaseConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// APIConfig contains local status HTTP server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: FAILOVER_SECTION_KEY
// For example: FAILOVER_DEVICE_ID, FAILOVER_GROUP_KEY
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			ID:      "failover-go",
			ModelID: "dtmi:Sample:Failover;1",
		},
		Provisioning: ProvisioningConfig{
			Host:            "global.azure-devices-provisioning.net",
			Port:            8883,
			PayloadModelKey: "modelId",
			PollInterval:    3,
			MaxPollAttempts: 20,
			Timeout:         120,
			RequestTimeout:  30,
		},
		Session: SessionConfig{
			Transport:        "mqtt",
			QoS:              1,
			KeepAlive:        60,
			ConnectTimeout:   30,
			TokenTTL:         3600,
			OperationTimeout: 30,
		},
		Failover: FailoverConfig{
			RetryDelay: 5,
		},
		Features: FeaturesConfig{
			Telemetry:          true,
			ReportedProperties: true,
			DesiredProperties:  true,
			DirectMethods:      true,
			C2DMessages:        true,
		},
		Telemetry: ScheduleConfig{
			Interval: 5,
		},
		ReportedProperties: ScheduleConfig{
			Interval:     15,
			InitialDelay: 10,
		},
		Database: DatabaseConfig{
			Path:        "./data/failover.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8090,
			Timeouts: APITimeoutConfig{
				Read:  10,
				Write: 10,
				Idle:  60,
			},
		},
		InfluxDB: InfluxDBConfig{
			Bucket:        "failover",
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Credentials should always come from here rather than the file.
func applyEnvOverrides(cfg *Config) {
	// Device
	if v := os.Getenv("FAILOVER_DEVICE_ID"); v != "" {
		cfg.Device.ID = v
	}
	if v := os.Getenv("FAILOVER_ID_SCOPE"); v != "" {
		cfg.Device.IDScope = v
	}
	if v := os.Getenv("FAILOVER_GROUP_KEY"); v != "" {
		cfg.Device.GroupKey = v
	}
	if v := os.Getenv("FAILOVER_DEVICE_KEY"); v != "" {
		cfg.Device.DeviceKey = v
	}
	if v := os.Getenv("FAILOVER_MODEL_ID"); v != "" {
		cfg.Device.ModelID = v
	}

	// Provisioning
	if v := os.Getenv("FAILOVER_PROVISIONING_HOST"); v != "" {
		cfg.Provisioning.Host = v
	}

	// Session
	if v := os.Getenv("FAILOVER_SESSION_TRANSPORT"); v != "" {
		cfg.Session.Transport = v
	}

	// Database
	if v := os.Getenv("FAILOVER_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// API
	if v := os.Getenv("FAILOVER_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	// InfluxDB
	if v := os.Getenv("FAILOVER_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Logging
	if v := os.Getenv("FAILOVER_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	// Device validation
	if c.Device.ID == "" {
		errs = append(errs, "device.id is required")
	}
	if c.Device.IDScope == "" {
		errs = append(errs, "device.id_scope is required (set FAILOVER_ID_SCOPE environment variable)")
	}
	if c.Device.GroupKey == "" && c.Device.DeviceKey == "" {
		errs = append(errs, "device.group_key or device.device_key is required (set FAILOVER_GROUP_KEY environment variable)")
	}

	// Provisioning validation
	if c.Provisioning.Host == "" {
		errs = append(errs, "provisioning.host is required")
	}
	if c.Provisioning.Port < 1 || c.Provisioning.Port > 65535 {
		errs = append(errs, "provisioning.port must be between 1 and 65535")
	}
	if c.Provisioning.PollInterval < 1 {
		errs = append(errs, "provisioning.poll_interval must be at least 1")
	}
	if c.Provisioning.MaxPollAttempts < 0 {
		errs = append(errs, "provisioning.max_poll_attempts must not be negative")
	}
	if c.Provisioning.MaxPollAttempts == 0 && c.Provisioning.Timeout <= 0 {
		errs = append(errs, "provisioning needs max_poll_attempts or timeout so polling is bounded")
	}

	// Session validation
	switch c.Session.Transport {
	case "mqtt", "websockets":
	default:
		errs = append(errs, "session.transport must be mqtt or websockets")
	}
	if c.Session.QoS < 0 || c.Session.QoS > 1 {
		errs = append(errs, "session.qos must be 0 or 1")
	}
	if c.Session.TokenTTL < 60 {
		errs = append(errs, "session.token_ttl must be at least 60")
	}

	// Failover validation
	if c.Failover.RetryDelay < 0 {
		errs = append(errs, "failover.retry_delay must not be negative")
	}
	if c.Failover.MaxConsecutiveFailures < 0 {
		errs = append(errs, "failover.max_consecutive_failures must not be negative")
	}

	// Schedule validation
	if c.Features.Telemetry && c.Telemetry.Interval < 1 {
		errs = append(errs, "telemetry.interval must be at least 1")
	}
	if c.Features.ReportedProperties && c.ReportedProperties.Interval < 1 {
		errs = append(errs, "reported_properties.interval must be at least 1")
	}

	// Optional components
	if c.Database.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required when the journal is enabled")
	}
	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}
	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetPollInterval returns the provisioning poll interval as a Duration.
func (c *Config) GetPollInterval() time.Duration {
	return seconds(c.Provisioning.PollInterval)
}

// GetProvisioningTimeout returns the provisioning ceiling as a Duration.
func (c *Config) GetProvisioningTimeout() time.Duration {
	return seconds(c.Provisioning.Timeout)
}

// GetRetryDelay returns the failover retry delay as a Duration.
func (c *Config) GetRetryDelay() time.Duration {
	return seconds(c.Failover.RetryDelay)
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return seconds(c.API.Timeouts.Read)
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return seconds(c.API.Timeouts.Write)
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return seconds(c.API.Timeouts.Idle)
}

// Every returns the schedule interval as a Duration.
func (s ScheduleConfig) Every() time.Duration {
	return seconds(s.Interval)
}

// Delay returns the schedule initial delay as a Duration.
func (s ScheduleConfig) Delay() time.Duration {
	return seconds(s.InitialDelay)
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
