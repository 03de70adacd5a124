package influxdb

import (
	"strings"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/failover-agent/internal/infrastructure/config"
)

func TestTelemetryPoint(t *testing.T) {
	at := time.Unix(1700000000, 0)
	p := telemetryPoint("dev-1", map[string]any{"temp": 21.5, "label": "x", "humidity": 40}, at)
	if p == nil {
		t.Fatal("telemetryPoint() = nil")
	}

	line := write.PointToLineProtocol(p, time.Second)
	if !strings.HasPrefix(line, "telemetry,device_id=dev-1 ") {
		t.Errorf("line = %q", line)
	}
	if !strings.Contains(line, "temp=21.5") || !strings.Contains(line, "humidity=40i") {
		t.Errorf("line = %q, want numeric fields", line)
	}
	if strings.Contains(line, "label") {
		t.Errorf("line = %q, want non-numeric fields dropped", line)
	}
	if !strings.HasSuffix(strings.TrimSpace(line), "1700000000") {
		t.Errorf("line = %q, want timestamp", line)
	}
}

func TestTelemetryPoint_NoNumericFields(t *testing.T) {
	if p := telemetryPoint("dev-1", map[string]any{"label": "x"}, time.Now()); p != nil {
		t.Errorf("telemetryPoint() = %v, want nil", p)
	}
	if p := reportedPoint("dev-1", nil, time.Now()); p != nil {
		t.Errorf("reportedPoint() = %v, want nil", p)
	}
}

func TestTransitionPoint(t *testing.T) {
	p := transitionPoint("dev-1", "connected", "disconnected", "connection lost", time.Unix(1, 0))
	line := write.PointToLineProtocol(p, time.Second)

	if !strings.HasPrefix(line, "connection_transitions,device_id=dev-1,to=disconnected ") {
		t.Errorf("line = %q", line)
	}
	if !strings.Contains(line, `from="connected"`) || !strings.Contains(line, `reason="connection lost"`) {
		t.Errorf("line = %q", line)
	}
}

func TestOptions(t *testing.T) {
	tests := []struct {
		name      string
		cfg       config.InfluxDBConfig
		wantBatch uint
		wantFlush uint
	}{
		{"defaults", config.InfluxDBConfig{}, 100, 10000},
		{"configured", config.InfluxDBConfig{BatchSize: 20, FlushInterval: 2}, 20, 2000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := options(tt.cfg)
			if o.BatchSize() != tt.wantBatch {
				t.Errorf("BatchSize() = %d, want %d", o.BatchSize(), tt.wantBatch)
			}
			if o.FlushInterval() != tt.wantFlush {
				t.Errorf("FlushInterval() = %d, want %d", o.FlushInterval(), tt.wantFlush)
			}
		})
	}
}
