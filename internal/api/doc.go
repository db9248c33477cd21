// Package api hosts the operator HTTP server. Routes:
//   - GET /healthz and /readyz for liveness and readiness checks.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/status for the harvester snapshot.
//   - POST /v1/cycles to force one harvest cycle.
//   - GET /v1/codes and /v1/codes/recent for persisted identifiers.
package api
