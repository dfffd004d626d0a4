// Package api hosts the HTTP server, middleware, and handlers for digwatch.
// Notable routes:
//   - GET /healthz for liveness checks.
//   - GET /metrics for Prometheus scraping.
//   - POST /api/construction/ingest and /api/construction/backfill for
//     operator-triggered runs (admin timeout, optional API key).
//   - GET /api/users/{user_id}/alerts for an on-demand proximity match.
//   - POST /api/notifications/sweep to push alerts to every connected client.
//   - GET /ws/notifications?external_id=... for the alert WebSocket.
package api
