// ABOUTME: Request, Result, and Run types shared by every agent executor
// ABOUTME: A Run is only handed out once its process exists

package agent

import (
	"context"
	"errors"
	"sync"
)

// Request errors
var (
	ErrMissingTrackingID     = errors.New("tracking id is required")
	ErrMissingContinuationID = errors.New("continuation id is required")
	ErrEmptyPrompt           = errors.New("prompt is empty")
	ErrMissingWorkingDir     = errors.New("working directory is required")
	ErrUnknownAgent          = errors.New("unknown agent")
)

// Request describes one agent invocation.
//
// TrackingID is the persisted session id the runtime keys its state by.
// ContinuationID is the token handed to the CLI to continue a conversation.
// They are often equal on a session's first message but are never derived
// from each other here.
type Request struct {
	TrackingID     string
	ContinuationID string
	Resume         bool // continue an existing CLI conversation
	Agent          string
	Model          string
	PermissionMode string
	Prompt         string
	WorkingDir     string
}

// Validate checks required fields.
func (r Request) Validate() error {
	switch {
	case r.TrackingID == "":
		return ErrMissingTrackingID
	case r.ContinuationID == "":
		return ErrMissingContinuationID
	case r.Prompt == "":
		return ErrEmptyPrompt
	case r.WorkingDir == "":
		return ErrMissingWorkingDir
	}
	return nil
}

// Result is the outcome of a finished run.
type Result struct {
	Success        bool
	ExitCode       int
	ContinuationID string // the CLI's conversation id, for the next Resume
	Err            error
}

// Executor starts agent runs.
type Executor interface {
	// Start launches the agent and returns once the process is running.
	// The process is bound to ctx: cancelling it terminates the agent.
	Start(ctx context.Context, req Request) (*Run, error)
}

// Run is a live agent invocation.
type Run struct {
	proc   Process
	events <-chan Event
	wait   func() Result

	once   sync.Once
	result Result
}

// NewRun wraps a started process. events must be closed by the producer once
// output is drained; wait blocks until the process has exited.
func NewRun(proc Process, events <-chan Event, wait func() Result) *Run {
	return &Run{proc: proc, events: events, wait: wait}
}

// Process returns the handle used to signal the agent.
func (r *Run) Process() Process { return r.proc }

// Events streams output in emission order and is closed when output ends.
func (r *Run) Events() <-chan Event { return r.events }

// Wait drains any unread events and blocks until the run finishes. Every
// call returns the same Result.
func (r *Run) Wait() Result {
	r.once.Do(func() {
		for range r.events {
		}
		r.result = r.wait()
	})
	return r.result
}
