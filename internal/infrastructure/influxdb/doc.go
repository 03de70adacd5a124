// Package influxdb mirrors agent measurements into InfluxDB.
//
// It wraps influxdb-client-go v2 with the agent's measurements:
//
//   - telemetry: numeric fields of every telemetry message
//   - reported_properties: numeric fields of reported patches
//   - connection_transitions: one point per connection state change
//
// Writes are non-blocking and batched (batch_size, flush_interval). The
// mirror is optional; Connect returns ErrDisabled when it is turned off.
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteTelemetry("failover-go", map[string]any{"temp": 21.5})
package influxdb
