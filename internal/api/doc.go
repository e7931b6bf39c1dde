// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz and /readyz for Kubernetes liveness and readiness checks (readyz fails while draining).
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/jobs for manual scheduling; GET /v1/jobs[/{id}] for the job registry.
//   - GET /v1/deadletters[/stats|/{id}] and POST /v1/deadletters/{id}/resolve.
//   - GET /v1/alerts and POST /v1/alerts/{id}/ack.
//   - GET/POST /v1/identities and POST /v1/identities/{id}/ban|reset.
//   - GET /v1/stream, a websocket bound to the broadcast hub.
package api
