// Package agent runs external agent CLIs and streams their output.
//
// # Overview
//
// An Executor turns a Request into a Run. The Run is returned only after the
// child process exists, so callers can record its Process handle before any
// output arrives:
//
//	run, err := executor.Start(ctx, agent.Request{
//	    TrackingID:     sessionID,
//	    ContinuationID: continuation,
//	    Resume:         resume,
//	    Prompt:         prompt,
//	    WorkingDir:     project.Path,
//	})
//	for ev := range run.Events() {
//	    // forward ev.Raw
//	}
//	res := run.Wait()
//
// # CLI profiles
//
// CLIExecutor builds argv from a config.AgentProfile. Profile args are split
// with shlex. The first message of a session passes the continuation id with
// the profile's session flag; later messages pass it with the resume flag.
//
// # Output
//
// Stdout is read line by line. JSON objects with a "type" field are emitted
// as-is; any other line is wrapped as {"type":"output","text":...}. The last
// session_id seen becomes Result.ContinuationID. A final result event with
// is_error set fails the run even when the process exits 0.
//
// # Termination
//
// Processes run in their own process group. Cancelling the Start context
// sends SIGTERM to the group, and Kill escalates from SIGTERM to SIGKILL
// within a caller-supplied budget.
package agent
