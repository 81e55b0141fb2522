// Package conversation is the session execution handler.
//
// # Overview
//
// Service handles every message addressed to a "session:<id>" channel:
//
//   - subscribe / unsubscribe: join or leave the session's event stream
//   - send: run the agent CLI once with the user's prompt
//   - cancel: flag the current run as cancelled and terminate the agent
//   - status: report persisted status plus whether a run is in flight
//
// # Execution pass
//
// A send runs on its own goroutine:
//
//  1. Authorize: the session must belong to the caller and its project must exist.
//  2. Prepare: cancel any pending grace cleanup, activate the session record,
//     reserve it with Table.Begin, and write image attachments to its scratch dir.
//  3. Dispatch: start the agent. The process handle is recorded before output
//     is read, so a cancel arriving at any point can reach it.
//  4. Stream: broadcast session-started, then each output line as agent-event.
//  5. Reconcile: persist status, continuation id, and token usage, then
//     broadcast session-complete. A cancelled run is reported as a success
//     with cancelled=true.
//
// Table.Finish runs on every exit path. Message ids are deduplicated per user
// so a client that resends after reconnecting does not start a second run.
package conversation
