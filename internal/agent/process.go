// ABOUTME: Handle on a running agent process and bounded termination
// ABOUTME: Kill sends SIGTERM, waits, then escalates to SIGKILL, never outliving ctx

package agent

import (
	"context"
	"os"
	"syscall"
	"time"
)

// killGrace is how long Kill waits for the process to disappear after SIGKILL.
var killGrace = 2 * time.Second

// Process is the minimal handle the runtime needs to stop an agent.
type Process interface {
	PID() int
	Signal(sig os.Signal) error
	// Done is closed once the process has exited and been reaped.
	Done() <-chan struct{}
}

// KillResult reports how a Kill attempt ended.
type KillResult struct {
	// Exited is true when the process was observed gone before Kill returned.
	Exited bool
	// Signal is the last signal sent, empty when the process had already exited.
	Signal string
}

// Kill asks p to terminate with SIGTERM and waits up to timeout for it to
// exit, then sends SIGKILL. The whole call returns early when ctx is done.
func Kill(ctx context.Context, p Process, timeout time.Duration) KillResult {
	select {
	case <-p.Done():
		return KillResult{Exited: true}
	default:
	}

	if err := p.Signal(syscall.SIGTERM); err != nil {
		if isDone(p) {
			return KillResult{Exited: true}
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.Done():
		return KillResult{Exited: true, Signal: "SIGTERM"}
	case <-ctx.Done():
	case <-timer.C:
	}

	_ = p.Signal(syscall.SIGKILL)

	grace := time.NewTimer(killGrace)
	defer grace.Stop()

	select {
	case <-p.Done():
		return KillResult{Exited: true, Signal: "SIGKILL"}
	case <-ctx.Done():
	case <-grace.C:
	}
	return KillResult{Exited: isDone(p), Signal: "SIGKILL"}
}

func isDone(p Process) bool {
	select {
	case <-p.Done():
		return true
	default:
		return false
	}
}

// osProcess adapts an *os.Process started in its own process group. Signals
// go to the whole group so helper processes the CLI spawned die with it.
type osProcess struct {
	proc *os.Process
	done chan struct{}
}

func (p *osProcess) PID() int { return p.proc.Pid }

func (p *osProcess) Done() <-chan struct{} { return p.done }

func (p *osProcess) Signal(sig os.Signal) error {
	if s, ok := sig.(syscall.Signal); ok {
		if err := syscall.Kill(-p.proc.Pid, s); err == nil {
			return nil
		}
	}
	return p.proc.Signal(sig)
}
