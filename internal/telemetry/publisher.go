package telemetry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nerrad567/failover-agent/internal/connectivity"
)

const (
	contentTypeJSON = "application/json"
	encodingUTF8    = "utf-8"
)

// Publication kinds passed to the result callback.
const (
	KindTelemetry = "telemetry"
	KindReported  = "reported"
)

// Recorder mirrors published samples. *influxdb.Client implements it.
type Recorder interface {
	WriteTelemetry(deviceID string, fields map[string]any)
	WriteReported(deviceID string, fields map[string]any)
}

// Logger defines the logging interface for publishers.
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

// Publisher sends samples over the live session.
type Publisher struct {
	deviceID string
	source   Source
	recorder Recorder
	logger   Logger
	onResult func(kind string, err error)
}

// NewPublisher creates a publisher for deviceID.
func NewPublisher(deviceID string, source Source) *Publisher {
	return &Publisher{deviceID: deviceID, source: source, logger: noopLogger{}}
}

// SetLogger sets the logger for the publisher.
func (p *Publisher) SetLogger(logger Logger) {
	p.logger = logger
}

// SetRecorder mirrors every published sample to r.
func (p *Publisher) SetRecorder(r Recorder) {
	p.recorder = r
}

// SetOnResult sets a callback invoked with the asynchronous outcome of
// each publication.
func (p *Publisher) SetOnResult(fn func(kind string, err error)) {
	p.onResult = fn
}

// SendTelemetry publishes one reading as a device-to-cloud event.
func (p *Publisher) SendTelemetry(ctx context.Context, sess connectivity.Session) error {
	reading := p.source.Reading()
	body, err := json.Marshal(reading)
	if err != nil {
		return fmt.Errorf("telemetry: encode reading: %w", err)
	}

	sess.SendEvent(ctx, connectivity.OutboundMessage{
		Body:            body,
		ContentType:     contentTypeJSON,
		ContentEncoding: encodingUTF8,
	}, func(err error) {
		p.complete(KindTelemetry, string(body), err)
	})

	if p.recorder != nil {
		p.recorder.WriteTelemetry(p.deviceID, reading.Fields())
	}
	return nil
}

// ReportStatus publishes the device status as reported properties.
func (p *Publisher) ReportStatus(ctx context.Context, sess connectivity.Session) error {
	status := p.source.Status()
	fields := status.Fields()

	sess.UpdateReported(ctx, fields, func(err error) {
		p.complete(KindReported, fmt.Sprintf("%v", fields), err)
	})

	if p.recorder != nil {
		p.recorder.WriteReported(p.deviceID, fields)
	}
	return nil
}

func (p *Publisher) complete(kind, payload string, err error) {
	if err != nil {
		p.logger.Warn("publication failed", "kind", kind, "error", err)
	} else {
		p.logger.Info("publication sent", "kind", kind, "payload", payload)
	}
	if p.onResult != nil {
		p.onResult(kind, err)
	}
}
