// Package session holds the runtime side of agent sessions.
//
// Table maps a session id to its live Record: owner, working directory,
// the running agent process, the scratch directory, and the cancel and
// running flags. Records are created lazily on first use and destroyed by
// Cleanup, which also removes the scratch directory.
//
// Grace defers Cleanup after a client disconnects. If the same user
// reconnects, or touches the session, within the grace period the pending
// cleanup is cancelled and the running agent keeps streaming to the new
// connection.
package session
