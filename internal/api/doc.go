// Package api hosts the HTTP server, middleware, and REST handlers for the
// ingestion service. Notable routes:
//   - POST /v1/sources/{sourceID}/crawl to enqueue URLs for a source.
//   - GET /v1/sources/{sourceID}/metrics and /content for progress and the
//     reconstructed chunks.
//   - GET /v1/dedup/stats for deduplication totals.
//   - GET /healthz, /readyz for Kubernetes probes and /metrics for Prometheus.
package api
