// Package api implements the HTTP REST API and WebSocket server for wavemeterd.
//
// This package provides:
//   - REST endpoints for channel reads, bin history, and instrument control
//   - Long-polling reads that block until a value arrives or the window expires
//   - WebSocket hub broadcasting every routed sample to subscribed clients
//   - Middleware stack (request ID, logging, recovery, CORS, body size limit)
//
// # Architecture
//
// The API server sits between consumers (lab dashboards, experiment scripts,
// monitoring) and the measurement engine. Samples flow one way, from the
// instrument driver through the engine to readers; the server itself only
// ever reads. The single mutating endpoint triggers a driver calibration
// cycle.
//
// # Long Polling
//
// Latest and Next reads block server-side until a value is available,
// bounded by the configured long-poll window. An expired window returns
// 204 No Content rather than an error, so thin clients simply retry.
//
// # Graceful Degradation
//
// The server operates without the optional backends. Bin history returns
// 503 when no repository is configured; health and metrics report each
// missing component rather than failing the whole endpoint.
package api
