// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /api/stats for corpus counters and total model spend.
//   - GET /api/runs and /api/runs/{run_id} for batch run history.
package api
