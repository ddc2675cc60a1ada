// Package api hosts the HTTP server, middleware, and REST handlers. Notable routes:
//   - GET /healthz and /readyz for liveness and readiness checks.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/sources lists registered county sources.
//   - POST /v1/ingest runs one ingestion synchronously.
//   - POST /v1/ingest/batch queues requests for the worker pool.
//   - GET /v1/runs/{id} and /v1/parcels/... read back runs and canonical parcels.
package api
