// Package store provides persistent storage for coven-workbench using SQLite.
//
// The runtime only needs a narrow slice of the product's data: users to
// authenticate connections, projects for their working directories, and
// sessions to authorize, resume, and record the outcome of agent runs.
//
//   - User: local account with a bcrypt password hash
//   - Project: owner plus a directory on disk
//   - Session: agent conversation inside a project, with runtime status
//     (idle, running, error), last error, and the CLI continuation id
//   - SessionUsage: token counts reported by one run
//
// SQLiteStore uses modernc.org/sqlite (pure Go) in WAL mode with foreign keys
// enabled. Schema creation and column migrations run on open and are
// idempotent. MockStore is an in-memory implementation for tests.
//
// GetSessionForOwner is the authorization primitive: a session owned by
// somebody else is indistinguishable from a missing one.
package store
