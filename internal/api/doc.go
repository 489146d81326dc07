// Package api hosts the operator HTTP surface:
//   - GET /healthz and /readyz for probes; readiness runs the registered
//     dependency checks (database, broker, cache).
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/scans to run a listing scan on demand.
package api
