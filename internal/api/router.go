package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/failover-agent/internal/metrics"
)

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.withRequestID)
	r.Use(s.withAccessLog)
	r.Use(s.withRecovery)
	r.Use(s.withNoStore)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "no such route")
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/status", s.handleStatus)
		r.Get("/transitions", s.handleTransitions)
	})

	if s.deps.Metrics != nil {
		r.Handle("/metrics", metrics.Handler(s.deps.Metrics))
	}

	return r
}
