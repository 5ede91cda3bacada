// Package api hosts the operator HTTP surface of a harvesting run. Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/run for a JSON snapshot of the live run.
package api
