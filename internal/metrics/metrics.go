package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerrad567/failover-agent/internal/connectivity"
)

const namespace = "failover_agent"

// Collector holds the agent's lifecycle, publication and inbound metrics.
type Collector struct {
	state          *prometheus.GaugeVec
	transitions    *prometheus.CounterVec
	connectedSince prometheus.Gauge
	publications   *prometheus.CounterVec
	deliveries     *prometheus.CounterVec
	inbound        *prometheus.CounterVec
	journalDropped prometheus.Counter
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector creates the collector with every state series at zero.
func NewCollector() *Collector {
	c := &Collector{
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Current connection manager state (1 for the active state)",
		}, []string{"state"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_transitions_total",
			Help:      "Connection manager state transitions",
		}, []string{"from", "to"}),
		connectedSince: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_since_timestamp_seconds",
			Help:      "Time the current session reached connected (epoch seconds, 0 when not connected)",
		}),
		publications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publications_total",
			Help:      "Scheduled publications by task and outcome",
		}, []string{"task", "outcome"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Asynchronous send completions by kind and result",
		}, []string{"kind", "result"}),
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_total",
			Help:      "Inbound cloud requests by kind and outcome",
		}, []string{"kind", "outcome"}),
		journalDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "journal_dropped_total",
			Help:      "Connection events dropped because the journal queue was full",
		}),
	}

	for _, s := range connectivity.States() {
		c.state.WithLabelValues(s.String()).Set(0)
	}
	c.state.WithLabelValues(connectivity.StateIdle.String()).Set(1)
	return c
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.state.Describe(ch)
	c.transitions.Describe(ch)
	c.connectedSince.Describe(ch)
	c.publications.Describe(ch)
	c.deliveries.Describe(ch)
	c.inbound.Describe(ch)
	c.journalDropped.Describe(ch)
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.state.Collect(ch)
	c.transitions.Collect(ch)
	c.connectedSince.Collect(ch)
	c.publications.Collect(ch)
	c.deliveries.Collect(ch)
	c.inbound.Collect(ch)
	c.journalDropped.Collect(ch)
}

// ObserveTransition records a state change.
func (c *Collector) ObserveTransition(tr connectivity.Transition) {
	c.state.WithLabelValues(tr.From.String()).Set(0)
	c.state.WithLabelValues(tr.To.String()).Set(1)
	c.transitions.WithLabelValues(tr.From.String(), tr.To.String()).Inc()

	switch {
	case tr.To == connectivity.StateConnected:
		c.connectedSince.Set(float64(tr.At.Unix()))
	case tr.From == connectivity.StateConnected:
		c.connectedSince.Set(0)
	}
}

// ObservePublication records one scheduler tick.
func (c *Collector) ObservePublication(task, outcome string) {
	c.publications.WithLabelValues(task, outcome).Inc()
}

// ObserveDelivery records the completion of an asynchronous send.
func (c *Collector) ObserveDelivery(kind string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.deliveries.WithLabelValues(kind, result).Inc()
}

// ObserveInbound records one routed inbound request. name is not used as
// a label to keep cardinality bounded.
func (c *Collector) ObserveInbound(kind, _ string, outcome string) {
	c.inbound.WithLabelValues(kind, outcome).Inc()
}

// JournalDropped counts an event the journal could not queue.
func (c *Collector) JournalDropped() {
	c.journalDropped.Inc()
}

// NewRegistry builds a registry with the Go runtime and process collectors
// plus the given collectors.
func NewRegistry(cs ...prometheus.Collector) *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	for _, c := range cs {
		registry.MustRegister(c)
	}
	return registry
}

// Handler serves registry in the Prometheus exposition format.
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
