package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/nerrad567/failover-agent/internal/journal"
)

const healthCheckTimeout = 2 * time.Second

type healthResponse struct {
	Status  string            `json:"status"`
	State   string            `json:"state"`
	Version string            `json:"version,omitempty"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// handleHealth answers 200 only while a session is connected and every
// configured dependency responds.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := s.deps.Status.Stats().State
	resp := healthResponse{Status: "ok", State: state.String(), Version: s.deps.Version}
	healthy := state.IsConnected()

	if len(s.deps.Checks) > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()

		resp.Checks = make(map[string]string, len(s.deps.Checks))
		for name, c := range s.deps.Checks {
			if err := c.HealthCheck(ctx); err != nil {
				resp.Checks[name] = err.Error()
				healthy = false
				continue
			}
			resp.Checks[name] = "ok"
		}
	}

	code := http.StatusOK
	if !healthy {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

type connectionStatus struct {
	State                string     `json:"state"`
	DeviceID             string     `json:"device_id"`
	Endpoint             string     `json:"endpoint,omitempty"`
	ConnectedSince       *time.Time `json:"connected_since,omitempty"`
	Reconnects           int        `json:"reconnects"`
	ProvisioningAttempts int        `json:"provisioning_attempts"`
	ConsecutiveFailures  int        `json:"consecutive_failures"`
	LastError            string     `json:"last_error,omitempty"`
}

type statusResponse struct {
	Version       string           `json:"version,omitempty"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Connection    connectionStatus `json:"connection"`
	Features      map[string]bool  `json:"features"`
	Device        map[string]any   `json:"device,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st := s.deps.Status.Stats()
	f := s.deps.Features

	resp := statusResponse{
		Version:       s.deps.Version,
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Connection: connectionStatus{
			State:                st.State.String(),
			DeviceID:             st.DeviceID,
			Endpoint:             st.Endpoint,
			Reconnects:           st.Reconnects,
			ProvisioningAttempts: st.ProvisioningAttempts,
			ConsecutiveFailures:  st.ConsecutiveFailures,
			LastError:            st.LastError,
		},
		Features: map[string]bool{
			"telemetry":           f.Telemetry,
			"reported_properties": f.ReportedProperties,
			"desired_properties":  f.DesiredProperties,
			"direct_methods":      f.DirectMethods,
			"c2d_messages":        f.C2DMessages,
		},
	}
	if !st.ConnectedSince.IsZero() {
		since := st.ConnectedSince.UTC()
		resp.Connection.ConnectedSince = &since
	}
	if s.deps.Device != nil {
		resp.Device = s.deps.Device.Snapshot()
	}

	writeJSON(w, http.StatusOK, resp)
}

type transitionsResponse struct {
	Events []journal.Event `json:"events"`
	Limit  int             `json:"limit"`
}

func (s *Server) handleTransitions(w http.ResponseWriter, r *http.Request) {
	if s.deps.Journal == nil {
		writeError(w, http.StatusNotFound, ErrCodeJournalDisabled, "connection journal is disabled")
		return
	}

	filter := journal.Filter{To: r.URL.Query().Get("to")}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}
	filter.Limit = journal.ClampLimit(filter.Limit)

	events, err := s.deps.Journal.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing connection events", "error", err)
		writeInternalError(w, "failed to read journal")
		return
	}

	writeJSON(w, http.StatusOK, transitionsResponse{Events: events, Limit: filter.Limit})
}
