// ABOUTME: Interactive terminals for shell:<projectId> channels, one pty per connection and project
// ABOUTME: A pty's output goes only to the connection that started it; shells end with it or on shutdown

package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/creack/pty"
	"github.com/google/shlex"

	"github.com/2389/coven-workbench/internal/auth"
	"github.com/2389/coven-workbench/internal/channel"
	"github.com/2389/coven-workbench/internal/protocol"
	"github.com/2389/coven-workbench/internal/store"
)

const (
	defaultCols = 80
	defaultRows = 24
	readSize    = 4096
	// hangupGrace is how long a shell gets after SIGHUP before SIGKILL.
	hangupGrace = 2 * time.Second
)

// ProjectStore is what the manager needs from storage.
type ProjectStore interface {
	GetProject(ctx context.Context, id string) (*store.Project, error)
}

// SizeData is the payload of start and resize.
type SizeData struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// InputData is the payload of input.
type InputData struct {
	Data string `json:"data"`
}

// OutputData is the payload of an output event.
type OutputData struct {
	Data string `json:"data"`
}

// StartedData answers a start.
type StartedData struct {
	PID     int  `json:"pid"`
	Running bool `json:"running"` // true when an existing shell was reused
}

// ExitData is the payload of an exit event.
type ExitData struct {
	Code int `json:"code"`
}

type key struct {
	connID    string
	projectID string
}

type term struct {
	// conn is the only receiver of this terminal's events. Two tabs on the
	// same project each get their own pty and never see each other's output.
	conn channel.Subscriber
	cmd  *exec.Cmd
	ptmx *os.File
	done chan struct{}
	stop sync.Once
}

// Manager owns every running terminal.
type Manager struct {
	store   ProjectStore
	command string
	logger  *slog.Logger

	mu     sync.Mutex
	shells map[key]*term
	wg     sync.WaitGroup
}

// NewManager creates a manager. command is split with shell quoting rules;
// empty means $SHELL, then /bin/sh.
func NewManager(st ProjectStore, command string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:   st,
		command: command,
		logger:  logger.With("component", "shell"),
		shells:  make(map[key]*term),
	}
}

// Handle processes one message addressed to a shell channel.
func (m *Manager) Handle(ctx context.Context, conn channel.Subscriber, env protocol.Envelope) error {
	id := auth.FromContext(ctx)
	if id == nil {
		return protocol.Errorf(protocol.CodeUnauthorized, "not authenticated")
	}
	kind, projectID, ok := protocol.SplitChannel(env.Channel)
	if !ok || kind+":" != protocol.PrefixShell {
		return protocol.Errorf(protocol.CodeUnknownChannel, "not a shell channel: %s", env.Channel)
	}
	k := key{connID: conn.ID(), projectID: projectID}

	switch env.Type {
	case protocol.TypeStart:
		var size SizeData
		if err := env.DecodeData(&size); err != nil {
			return protocol.Errorf(protocol.CodeInvalidMessage, "%v", err)
		}
		return m.start(ctx, conn, id.UserID, k, size)
	case protocol.TypeInput:
		var in InputData
		if err := env.DecodeData(&in); err != nil {
			return protocol.Errorf(protocol.CodeInvalidMessage, "%v", err)
		}
		t, err := m.lookup(k)
		if err != nil {
			return err
		}
		if _, err := io.WriteString(t.ptmx, in.Data); err != nil {
			return fmt.Errorf("writing to shell: %w", err)
		}
		return nil
	case protocol.TypeResize:
		var size SizeData
		if err := env.DecodeData(&size); err != nil {
			return protocol.Errorf(protocol.CodeInvalidMessage, "%v", err)
		}
		t, err := m.lookup(k)
		if err != nil {
			return err
		}
		if err := pty.Setsize(t.ptmx, winsize(size)); err != nil {
			return fmt.Errorf("resizing shell: %w", err)
		}
		return nil
	case protocol.TypeStop:
		t, err := m.lookup(k)
		if err != nil {
			return err
		}
		m.terminate(t)
		return nil
	default:
		return protocol.Errorf(protocol.CodeUnknownType, "unknown shell message type: %s", env.Type)
	}
}

func (m *Manager) lookup(k key) (*term, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.shells[k]
	if !ok {
		return nil, protocol.Errorf(protocol.CodeNotFound, "no shell running")
	}
	return t, nil
}

func (m *Manager) start(ctx context.Context, conn channel.Subscriber, userID string, k key, size SizeData) error {
	project, err := m.store.GetProject(ctx, k.projectID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && project.OwnerID != userID) {
		return protocol.Errorf(protocol.CodeNotFound, "project not found")
	}
	if err != nil {
		return fmt.Errorf("loading project: %w", err)
	}

	name := protocol.ShellChannel(k.projectID)

	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.shells[k]; ok {
		return conn.Send(protocol.MustNew(name, protocol.EventShellStarted, StartedData{PID: t.cmd.Process.Pid, Running: true}))
	}

	argv, err := m.argv()
	if err != nil {
		return protocol.Errorf(protocol.CodeInvalidRequest, "shell command: %v", err)
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = project.Path
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.StartWithSize(cmd, winsize(size))
	if err != nil {
		return fmt.Errorf("starting shell: %w", err)
	}

	t := &term{conn: conn, cmd: cmd, ptmx: ptmx, done: make(chan struct{})}
	m.shells[k] = t
	m.wg.Add(1)
	go m.pump(k, t)

	m.logger.Info("shell started", "project_id", k.projectID, "conn_id", k.connID, "pid", cmd.Process.Pid, "command", argv[0])
	return conn.Send(protocol.MustNew(name, protocol.EventShellStarted, StartedData{PID: cmd.Process.Pid}))
}

func (m *Manager) argv() ([]string, error) {
	command := m.command
	if command == "" {
		command = os.Getenv("SHELL")
	}
	if command == "" {
		command = "/bin/sh"
	}
	argv, err := shlex.Split(command)
	if err != nil {
		return nil, err
	}
	if len(argv) == 0 {
		return nil, errors.New("empty command")
	}
	return argv, nil
}

// pump forwards pty output until the shell exits, then reaps it.
func (m *Manager) pump(k key, t *term) {
	defer m.wg.Done()
	name := protocol.ShellChannel(k.projectID)

	buf := make([]byte, readSize)
	var carry []byte
	for {
		n, err := t.ptmx.Read(buf)
		if n > 0 {
			chunk := append(carry, buf[:n]...)
			cut := validPrefix(chunk)
			carry = append([]byte(nil), chunk[cut:]...)
			if cut > 0 {
				m.deliver(k, t, protocol.MustNew(name, protocol.EventShellOutput, OutputData{Data: string(chunk[:cut])}))
			}
		}
		if err != nil {
			break
		}
	}

	code := 0
	if err := t.cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}
	close(t.done)
	_ = t.ptmx.Close()

	m.mu.Lock()
	if m.shells[k] == t {
		delete(m.shells, k)
	}
	m.mu.Unlock()

	m.logger.Info("shell exited", "project_id", k.projectID, "conn_id", k.connID, "code", code)
	m.deliver(k, t, protocol.MustNew(name, protocol.EventShellExit, ExitData{Code: code}))
}

// deliver sends env to the terminal's connection. A closed connection is
// not an error; its shell is being released.
func (m *Manager) deliver(k key, t *term, env protocol.Envelope) {
	if !t.conn.IsOpen() {
		return
	}
	if err := t.conn.Send(env); err != nil {
		m.logger.Debug("dropping shell event", "project_id", k.projectID, "conn_id", k.connID, "type", env.Type, "error", err)
	}
}

// validPrefix returns the length of the longest prefix of b that does not
// end inside a multi-byte rune.
func validPrefix(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if utf8.FullRune(b[i:]) {
				return len(b)
			}
			return i
		}
	}
	return len(b)
}

// terminate hangs up the shell and kills it if it lingers.
func (m *Manager) terminate(t *term) {
	t.stop.Do(func() {
		proc := t.cmd.Process
		// pty.Start makes the shell a session leader; signal its group.
		if err := syscall.Kill(-proc.Pid, syscall.SIGHUP); err != nil {
			_ = proc.Signal(syscall.SIGHUP)
		}
		go func() {
			select {
			case <-t.done:
			case <-time.After(hangupGrace):
				_ = syscall.Kill(-proc.Pid, syscall.SIGKILL)
				_ = proc.Kill()
			}
		}()
	})
}

// ReleaseConnection stops every shell the connection started.
func (m *Manager) ReleaseConnection(connID string) int {
	m.mu.Lock()
	var ts []*term
	for k, t := range m.shells {
		if k.connID == connID {
			ts = append(ts, t)
		}
	}
	m.mu.Unlock()

	for _, t := range ts {
		m.terminate(t)
	}
	return len(ts)
}

// StopAll stops every shell and waits for them to be reaped or ctx to end.
func (m *Manager) StopAll(ctx context.Context) int {
	m.mu.Lock()
	ts := make([]*term, 0, len(m.shells))
	for _, t := range m.shells {
		ts = append(ts, t)
	}
	m.mu.Unlock()

	for _, t := range ts {
		m.terminate(t)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("shells still running at shutdown deadline")
	}
	return len(ts)
}

// Len returns the number of running shells.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.shells)
}

func winsize(s SizeData) *pty.Winsize {
	if s.Cols == 0 {
		s.Cols = defaultCols
	}
	if s.Rows == 0 {
		s.Rows = defaultRows
	}
	return &pty.Winsize{Cols: s.Cols, Rows: s.Rows}
}
