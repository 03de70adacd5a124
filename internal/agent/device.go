package agent

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nerrad567/failover-agent/internal/connectivity"
	"github.com/nerrad567/failover-agent/internal/dispatch"
	"github.com/nerrad567/failover-agent/internal/infrastructure/config"
	"github.com/nerrad567/failover-agent/internal/scheduler"
	"github.com/nerrad567/failover-agent/internal/telemetry"
)

// Names the device answers to.
const (
	MethodEcho       = "echo"
	PropertyFanSpeed = "fanSpeed"
	MessageSetAlarm  = "setAlarm"

	TaskTelemetry = "telemetry"
	TaskReported  = "reported_properties"
)

// Device is the application behaviour behind the connection: the echo
// command, the fanSpeed setting, the setAlarm message and the periodic
// telemetry and battery reports.
type Device struct {
	features  config.FeaturesConfig
	publisher *telemetry.Publisher
	logger    Logger

	mu          sync.RWMutex
	fanSpeed    json.RawMessage
	fanSpeedAt  time.Time
	alarms      int
	lastAlarm   string
	lastAlarmAt time.Time
	now         func() time.Time
}

// NewDevice creates the device. publisher may be nil when neither
// telemetry nor reported properties are enabled.
func NewDevice(features config.FeaturesConfig, publisher *telemetry.Publisher) *Device {
	return &Device{
		features:  features,
		publisher: publisher,
		logger:    noopLogger{},
		now:       time.Now,
	}
}

// SetLogger sets the logger for the device.
func (d *Device) SetLogger(logger Logger) {
	d.logger = logger
}

// Register installs the enabled inbound handlers on disp.
func (d *Device) Register(disp *dispatch.Dispatcher) {
	if d.features.DirectMethods {
		disp.HandleMethod(MethodEcho, d.echo)
	}
	if d.features.DesiredProperties {
		disp.HandleDesired(PropertyFanSpeed, d.setFanSpeed)
	}
	if d.features.C2DMessages {
		disp.OnMessage(MessageSetAlarm, d.setAlarm)
	}
}

// Tasks returns the enabled periodic publications.
func (d *Device) Tasks(telemetryCfg, reportedCfg config.ScheduleConfig) []scheduler.Task {
	if d.publisher == nil {
		return nil
	}

	var tasks []scheduler.Task
	if d.features.Telemetry {
		tasks = append(tasks, scheduler.Task{
			Name:         TaskTelemetry,
			Interval:     telemetryCfg.Every(),
			InitialDelay: telemetryCfg.Delay(),
			Action:       d.publisher.SendTelemetry,
		})
	}
	if d.features.ReportedProperties {
		tasks = append(tasks, scheduler.Task{
			Name:         TaskReported,
			Interval:     reportedCfg.Every(),
			InitialDelay: reportedCfg.Delay(),
			Action:       d.publisher.ReportStatus,
		})
	}
	return tasks
}

// FanSpeed returns the last applied fanSpeed value, if any.
func (d *Device) FanSpeed() (json.RawMessage, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.fanSpeed, d.fanSpeed != nil
}

// Snapshot reports device state for the status API.
func (d *Device) Snapshot() map[string]any {
	d.mu.RLock()
	defer d.mu.RUnlock()

	snap := map[string]any{"alarms_received": d.alarms}
	if d.fanSpeed != nil {
		snap["fan_speed"] = d.fanSpeed
		snap["fan_speed_updated_at"] = d.fanSpeedAt.UTC()
	}
	if d.lastAlarm != "" {
		snap["last_alarm"] = d.lastAlarm
		snap["last_alarm_at"] = d.lastAlarmAt.UTC()
	}
	return snap
}

// echo returns the payload unchanged.
func (d *Device) echo(_ context.Context, call connectivity.MethodCall) connectivity.MethodResult {
	d.logger.Info("echo command", "request_id", call.RequestID, "payload", string(call.Payload))
	return connectivity.MethodResult{Status: dispatch.StatusOK, Body: call.Payload}
}

func (d *Device) setFanSpeed(_ context.Context, value json.RawMessage) {
	d.mu.Lock()
	d.fanSpeed = append(json.RawMessage(nil), value...)
	d.fanSpeedAt = d.now()
	d.mu.Unlock()

	d.logger.Info("fan speed set", "value", string(value))
}

func (d *Device) setAlarm(_ context.Context, msg connectivity.Message) {
	d.mu.Lock()
	d.alarms++
	d.lastAlarm = string(msg.Body)
	d.lastAlarmAt = d.now()
	d.mu.Unlock()

	d.logger.Info("alarm received", "message_id", msg.ID, "body", string(msg.Body))
}
