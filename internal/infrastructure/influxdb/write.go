package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names written by the agent.
const (
	MeasurementTelemetry   = "telemetry"
	MeasurementReported    = "reported_properties"
	MeasurementTransitions = "connection_transitions"
)

// WriteTelemetry mirrors one telemetry message. Non-numeric fields are dropped.
func (c *Client) WriteTelemetry(deviceID string, fields map[string]any) {
	c.write(telemetryPoint(deviceID, fields, time.Now()))
}

// WriteReported mirrors one reported-properties patch.
func (c *Client) WriteReported(deviceID string, fields map[string]any) {
	c.write(reportedPoint(deviceID, fields, time.Now()))
}

// WriteTransition records a connection state change.
func (c *Client) WriteTransition(deviceID, from, to, reason string, at time.Time) {
	c.write(transitionPoint(deviceID, from, to, reason, at))
}

func (c *Client) write(p *write.Point) {
	if p == nil || !c.IsConnected() {
		return
	}
	c.points.Add(1)
	c.writeAPI.WritePoint(p)
}

func telemetryPoint(deviceID string, fields map[string]any, at time.Time) *write.Point {
	numeric := numericFields(fields)
	if len(numeric) == 0 {
		return nil
	}
	return write.NewPoint(MeasurementTelemetry, map[string]string{"device_id": deviceID}, numeric, at)
}

func reportedPoint(deviceID string, fields map[string]any, at time.Time) *write.Point {
	numeric := numericFields(fields)
	if len(numeric) == 0 {
		return nil
	}
	return write.NewPoint(MeasurementReported, map[string]string{"device_id": deviceID}, numeric, at)
}

func transitionPoint(deviceID, from, to, reason string, at time.Time) *write.Point {
	return write.NewPoint(
		MeasurementTransitions,
		map[string]string{
			"device_id": deviceID,
			"to":        to,
		},
		map[string]any{
			"from":   from,
			"reason": reason,
		},
		at,
	)
}

// numericFields keeps the values InfluxDB can aggregate.
func numericFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		switch n := v.(type) {
		case float64, float32, int, int32, int64, uint, uint32, uint64:
			out[k] = n
		}
	}
	return out
}
