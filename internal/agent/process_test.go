// ABOUTME: Tests for Kill escalation using a scripted fake process
// ABOUTME: Verifies SIGTERM-only exits, SIGKILL escalation, and ctx bounding

package agent

import (
	"context"
	"errors"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProcess exits when it receives one of the signals in dieOn.
type fakeProcess struct {
	mu     sync.Mutex
	dieOn  map[syscall.Signal]bool
	sent   []os.Signal
	done   chan struct{}
	closed bool
}

func newFakeProcess(dieOn ...syscall.Signal) *fakeProcess {
	p := &fakeProcess{dieOn: make(map[syscall.Signal]bool), done: make(chan struct{})}
	for _, s := range dieOn {
		p.dieOn[s] = true
	}
	return p
}

func (p *fakeProcess) PID() int              { return 4242 }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) Signal(sig os.Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("process already finished")
	}
	p.sent = append(p.sent, sig)
	if s, ok := sig.(syscall.Signal); ok && p.dieOn[s] {
		p.closed = true
		close(p.done)
	}
	return nil
}

func (p *fakeProcess) signals() []os.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]os.Signal(nil), p.sent...)
}

func TestKill_AlreadyExited(t *testing.T) {
	p := newFakeProcess()
	p.closed = true
	close(p.done)

	res := Kill(t.Context(), p, time.Second)
	assert.Equal(t, KillResult{Exited: true}, res)
	assert.Empty(t, p.signals())
}

func TestKill_TermSuffices(t *testing.T) {
	p := newFakeProcess(syscall.SIGTERM)

	res := Kill(t.Context(), p, time.Second)
	assert.Equal(t, KillResult{Exited: true, Signal: "SIGTERM"}, res)
	assert.Equal(t, []os.Signal{syscall.SIGTERM}, p.signals())
}

func TestKill_EscalatesToSIGKILL(t *testing.T) {
	p := newFakeProcess(syscall.SIGKILL)

	start := time.Now()
	res := Kill(t.Context(), p, 50*time.Millisecond)

	assert.Equal(t, KillResult{Exited: true, Signal: "SIGKILL"}, res)
	assert.Equal(t, []os.Signal{syscall.SIGTERM, syscall.SIGKILL}, p.signals())
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestKill_BoundedByContext(t *testing.T) {
	p := newFakeProcess() // ignores everything

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	res := Kill(ctx, p, time.Hour)

	assert.False(t, res.Exited)
	assert.Equal(t, "SIGKILL", res.Signal)
	assert.Less(t, time.Since(start), time.Second)
}

func TestKill_RealProcess(t *testing.T) {
	// The init line is printed only once the TERM trap is installed.
	script := writeScript(t, "trap '' TERM\necho '{\"type\":\"system\",\"subtype\":\"init\"}'\nwhile :; do sleep 0.1; done\n")
	e := testExecutor(script)

	run, err := e.Start(t.Context(), testRequest(t.TempDir()))
	require.NoError(t, err)

	select {
	case ev, ok := <-run.Events():
		require.True(t, ok, "agent exited before printing")
		require.Equal(t, "system", ev.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("agent never printed its init line")
	}

	go func() {
		for range run.Events() {
		}
	}()

	res := Kill(t.Context(), run.Process(), 200*time.Millisecond)
	assert.True(t, res.Exited)
	assert.Equal(t, "SIGKILL", res.Signal)
}
