// Package api implements the HTTP REST API and WebSocket server for the
// AquaFeed gateway.
//
// This package provides:
//   - Read endpoints over the device state façade
//   - Command endpoints that call the dispatcher and map its outcome to HTTP
//   - Login and token verification backed by the user directory
//   - A WebSocket hub that pushes every applied reading to subscribers
//   - Admin endpoints for users and the audit trail
//
// # Security
//
// Protected routes require a bearer token issued by POST /api/v1/auth/login.
// WebSocket connections use single-use tickets so the token never appears
// in a URL.
//
// # Graceful Degradation
//
// The server runs while the broker is unreachable. Reads and WebSocket
// connections keep working; commands report a transport failure.
package api
