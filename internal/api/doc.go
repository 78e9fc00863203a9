// Package api hosts the HTTP server, middleware, and REST handlers of the
// scrape tier. Notable routes:
//   - POST /scrape submits a URL and returns a task ID.
//   - GET /status/{task_id} and /result/{task_id} poll a task.
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
package api
