// Package api hosts the HTTP server, middleware, and REST handlers for batch
// submission and inspection. Notable routes:
//   - POST /v1/batches to submit a batch, optionally waiting for its summary.
//   - GET /v1/batches/{batch_id} and /v1/batches/{batch_id}/results, served
//     from the dispatcher while the batch is live and from the repositories after.
//   - POST /v1/batches/{batch_id}/cancel and GET /v1/pool.
//   - GET /healthz / readyz for Kubernetes probes, /metrics for Prometheus.
package api
