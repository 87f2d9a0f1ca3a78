// Package api implements the HTTP and WebSocket front door for the
// enrollment service.
//
// This package provides:
//   - The public auth surface (two-stage login, registration, refresh)
//   - The admission funnel (/select, /deselect) feeding the dispatcher
//   - Task polling, cancellation and queue stats
//   - The internal course-mutation surface guarded by a shared token
//   - WebSocket hub broadcasting terminal task transitions
//   - Middleware stack (request ID, logging, recovery, CORS, body limit,
//     bearer auth, IP/user rate limiting)
//
// # Architecture
//
// The server never mutates course state directly on the request path.
// Selection intents become tasks submitted to the dispatcher; the handler
// returns a task handle and the client polls GET /task/{id} or subscribes
// to the WebSocket task channel. Catalog writes arrive only through the
// internal surface.
//
// # Error envelope
//
// Every failed request returns {error_kind, message}. Kinds are the same
// taxonomy used for task failure kinds, so a client can handle "CourseFull"
// identically whether it arrives synchronously or via polling.
package api
