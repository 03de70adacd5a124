package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/failover-agent/internal/connectivity"
)

// value returns the value of the series name{labels}, or -1 if missing.
func value(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	metrics:
		for _, m := range f.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue metrics
				}
			}
			switch {
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			}
		}
	}
	return -1
}

func TestCollector_InitialState(t *testing.T) {
	c := NewCollector()
	reg := prometheus.NewRegistry()
	reg.MustRegister(c)

	if got := value(t, reg, "failover_agent_connection_state", map[string]string{"state": "idle"}); got != 1 {
		t.Errorf("idle = %v, want 1", got)
	}
	if got := value(t, reg, "failover_agent_connection_state", map[string]string{"state": "connected"}); got != 0 {
		t.Errorf("connected = %v, want 0", got)
	}
}

func TestCollector_ObserveTransition(t *testing.T) {
	c := NewCollector()
	reg := prometheus.NewRegistry()
	reg.MustRegister(c)

	at := time.Unix(1700000000, 0)
	c.ObserveTransition(connectivity.Transition{From: connectivity.StateSubscriptionSetup, To: connectivity.StateConnected, At: at})

	if got := value(t, reg, "failover_agent_connection_state", map[string]string{"state": "connected"}); got != 1 {
		t.Errorf("connected = %v, want 1", got)
	}
	if got := value(t, reg, "failover_agent_connected_since_timestamp_seconds", nil); got != 1700000000 {
		t.Errorf("connected_since = %v, want 1700000000", got)
	}

	c.ObserveTransition(connectivity.Transition{From: connectivity.StateConnected, To: connectivity.StateDisconnected, At: at.Add(time.Minute)})

	if got := value(t, reg, "failover_agent_connection_state", map[string]string{"state": "connected"}); got != 0 {
		t.Errorf("connected = %v, want 0 after loss", got)
	}
	if got := value(t, reg, "failover_agent_connected_since_timestamp_seconds", nil); got != 0 {
		t.Errorf("connected_since = %v, want 0 after loss", got)
	}
	if got := value(t, reg, "failover_agent_connection_transitions_total", map[string]string{"from": "connected", "to": "disconnected"}); got != 1 {
		t.Errorf("transitions connected→disconnected = %v, want 1", got)
	}
}

func TestCollector_Counters(t *testing.T) {
	c := NewCollector()
	reg := prometheus.NewRegistry()
	reg.MustRegister(c)

	c.ObservePublication("telemetry", "sent")
	c.ObservePublication("telemetry", "sent")
	c.ObservePublication("telemetry", "skipped")
	c.ObserveInbound("direct_method", "echo", "handled")
	c.ObserveDelivery("telemetry", nil)
	c.ObserveDelivery("reported", errors.New("timeout"))
	c.JournalDropped()

	tests := []struct {
		name   string
		labels map[string]string
		want   float64
	}{
		{"failover_agent_publications_total", map[string]string{"task": "telemetry", "outcome": "sent"}, 2},
		{"failover_agent_publications_total", map[string]string{"task": "telemetry", "outcome": "skipped"}, 1},
		{"failover_agent_inbound_total", map[string]string{"kind": "direct_method", "outcome": "handled"}, 1},
		{"failover_agent_deliveries_total", map[string]string{"kind": "telemetry", "result": "ok"}, 1},
		{"failover_agent_deliveries_total", map[string]string{"kind": "reported", "result": "error"}, 1},
		{"failover_agent_journal_dropped_total", nil, 1},
	}
	for _, tt := range tests {
		if got := value(t, reg, tt.name, tt.labels); got != tt.want {
			t.Errorf("%s%v = %v, want %v", tt.name, tt.labels, got, tt.want)
		}
	}
}

func TestHandler(t *testing.T) {
	c := NewCollector()
	reg := NewRegistry(c)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	for _, want := range []string{"failover_agent_connection_state", "go_goroutines"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("body missing %s", want)
		}
	}
}
