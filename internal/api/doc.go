// Package api serves the HTTP status API of a standalone shared memory server.
//
// It is read-only: operators and dashboards use it to see what the server
// hosts, which workers left a failure behind, and (when run history is
// enabled) the recorded runs. Prometheus scrapes /metrics on the same
// listener.
//
//	GET /api/v1/health
//	GET /api/v1/stats
//	GET /api/v1/exceptions/{pid}
//	GET /api/v1/runs?limit=N
//	GET /api/v1/runs/{id}
//	GET /metrics
//
// The server follows the same lifecycle as the other infrastructure
// components:
//
//	server, err := api.New(deps)
//	if err := server.Start(ctx); err != nil { ... }
//	defer server.Close()
package api
