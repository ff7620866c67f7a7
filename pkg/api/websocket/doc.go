// Package websocket provides workflow execution and run watching over
// WebSocket.
//
// Clients connect to /api/v1/workflows/:id/ws and send the execute request
// as the first message. Lifecycle events are sent back one per message and
// the connection is closed after WORKFLOW_END. Sending {"action":"exit"} or
// disconnecting stops the run. /api/v1/runs/:id/ws replays and follows the
// mirrored events of a recorded run.
package websocket
