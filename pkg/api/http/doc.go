// Package http provides the HTTP REST API implementation.
//
// The HTTP server exposes endpoints for:
//   - Workflow listing and execution, streamed or synchronous
//   - Run records, event replay and cancellation
//   - Tool client reconciliation
//   - Health checks and Prometheus metrics
//
// Streamed executions write one JSON event per line with the
// application/octet-stream content type until WORKFLOW_END.
package http
