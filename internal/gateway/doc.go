// Package gateway is the coven-workbench server: one HTTP server carrying the
// dashboard WebSocket and the health checks.
//
// # Endpoints
//
//   - GET /ws - WebSocket; token in ?token= or Authorization: Bearer
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness, with active session and connection counts
//
// # Connections
//
// Each connection is authenticated once at upgrade time. A failed check gets
// an unauthorized error event and a 1008 close. Accepted connections are
// subscribed to "global" and receive a connected event.
//
// Every connection has one reader and one writer goroutine. The reader
// routes frames by channel prefix:
//
//	session:<id>         conversation.Service
//	shell:<projectId>    shell.Manager
//	project:<projectId>  subscribe/unsubscribe (owner only)
//	global               subscribe/unsubscribe
//
// Handler failures become error events and the connection stays open.
//
// # Disconnects
//
// Nothing happens to a user's sessions while they still have another
// connection open. When the last one goes away cleanly (close frame 1000
// or 1001) each active session is handed to the reconnection grace timer. On
// a transport failure idle sessions are cleaned up at once and only the ones
// still running wait for the timer. A grace timer that fires while the agent
// is still working is re-armed.
//
// # Shutdown
//
// Shutdown cancels grace timers and announces server-shutdown, terminates
// running agents and waits for their passes to report, stops the HTTP
// server, closes connections with 1001, stops shells, releases scratch
// directories, and finally closes the store, the instance lock, and tsnet.
package gateway
