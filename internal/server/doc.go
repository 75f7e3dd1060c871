// Package server exposes the engine to a UI or terminal layer over HTTP.
//
// # API Endpoints
//
//   - GET /permission: pending permission requests, oldest first
//   - POST /permission/{requestID}: answer a request
//     ({"decision": "allow-once|allow-always|deny", "pattern": "..."})
//   - GET /toolcall, GET /toolcall/{id}: tool call snapshots
//   - POST /toolcall: submit a tool call; ?wait=true blocks until it ends
//   - POST /interrupt: cancel every unfinished tool call
//   - GET /job, GET /job/{id}: background jobs; ?tail=N limits output lines
//   - DELETE /job/{id}: kill a job; POST /job/{id}/reap: forget an exited job
//   - GET /policy: the effective policy list
//   - POST /policy/check: evaluate a call without running it
//   - GET /service: service container statuses
//   - GET /tool: tool descriptions and parameter schemas for the model
//   - GET /event: Server-Sent Events stream of bus events, optionally
//     restricted with repeated ?type= parameters
//
// Errors use a JSON envelope: {"error": {"code": "...", "message": "..."}}.
package server
