// Package api serves the agent's local status surface over HTTP.
//
// Routes:
//
//	GET /api/v1/health       connection health (200 when connected, 503 otherwise)
//	GET /api/v1/status       manager counters, feature toggles and device state
//	GET /api/v1/transitions  recent connection events from the journal
//	GET /metrics             Prometheus exposition
//
// The server is read-only and meant for localhost. It follows the same
// lifecycle as the other components:
//
//	srv, err := api.New(deps)
//	srv.Start(ctx)
//	defer srv.Close()
package api
