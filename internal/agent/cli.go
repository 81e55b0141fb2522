// ABOUTME: Executor that runs agent CLIs (claude, codex, ...) as child processes
// ABOUTME: Builds argv from a config profile and streams stdout as stream-json events

package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/shlex"

	"github.com/2389/coven-workbench/internal/config"
)

const (
	// eventBuffer decouples the stdout reader from a briefly slow consumer.
	eventBuffer = 256
	// maxLineSize bounds a single stream-json line (tool results can be large).
	maxLineSize = 16 << 20
	// stderrTail is how much trailing stderr is kept for error messages.
	stderrTail = 8 << 10
)

// CLIExecutor starts agent CLIs described by config profiles.
type CLIExecutor struct {
	profiles     map[string]config.AgentProfile
	defaultAgent string
	waitDelay    time.Duration
	logger       *slog.Logger
}

// NewCLIExecutor creates an executor. waitDelay bounds how long a cancelled
// process may keep its output pipes open before it is killed outright.
func NewCLIExecutor(cfg config.AgentsConfig, waitDelay time.Duration, logger *slog.Logger) *CLIExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &CLIExecutor{
		profiles:     cfg.Profiles,
		defaultAgent: cfg.Default,
		waitDelay:    waitDelay,
		logger:       logger.With("component", "agent"),
	}
}

// Command returns the binary and arguments for req.
func (e *CLIExecutor) Command(req Request) (string, []string, error) {
	name := req.Agent
	if name == "" {
		name = e.defaultAgent
	}
	profile, ok := e.profiles[name]
	if !ok {
		return "", nil, fmt.Errorf("%w: %q", ErrUnknownAgent, name)
	}

	args, err := shlex.Split(profile.Args)
	if err != nil {
		return "", nil, fmt.Errorf("parsing args for agent %q: %w", name, err)
	}

	if req.Model != "" && profile.ModelFlag != "" {
		args = append(args, profile.ModelFlag, req.Model)
	}
	if req.PermissionMode != "" && profile.PermissionFlag != "" {
		args = append(args, profile.PermissionFlag, req.PermissionMode)
	}

	if req.Resume {
		if profile.ResumeFlag != "" {
			args = append(args, profile.ResumeFlag, req.ContinuationID)
		}
	} else if profile.SessionFlag != "" {
		args = append(args, profile.SessionFlag, req.ContinuationID)
	}

	if profile.PromptFlag != "" {
		args = append(args, profile.PromptFlag, req.Prompt)
	} else {
		args = append(args, req.Prompt)
	}

	return profile.Binary, args, nil
}

// Start launches the agent CLI for req in req.WorkingDir.
func (e *CLIExecutor) Start(ctx context.Context, req Request) (*Run, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	binary, args, err := e.Command(req)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Dir = req.WorkingDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = e.waitDelay

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr := &tailBuffer{max: stderrTail}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", binary, err)
	}

	logger := e.logger.With("session_id", req.TrackingID, "pid", cmd.Process.Pid)
	logger.Info("agent started", "binary", binary, "resume", req.Resume, "dir", req.WorkingDir)

	proc := &osProcess{proc: cmd.Process, done: make(chan struct{})}
	events := make(chan Event, eventBuffer)
	scanned := make(chan struct{})

	var (
		continuationID string
		lastResult     *Event
	)

	go func() {
		defer close(scanned)
		defer close(events)

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64<<10), maxLineSize)
		for scanner.Scan() {
			ev, ok := ParseEvent(scanner.Bytes())
			if !ok {
				continue
			}
			if ev.SessionID != "" {
				continuationID = ev.SessionID
			}
			if ev.Type == "result" {
				last := ev
				lastResult = &last
			}
			events <- ev
		}
		if err := scanner.Err(); err != nil {
			logger.Warn("reading agent output", "error", err)
			_, _ = io.Copy(io.Discard, stdout)
		}
	}()

	var (
		once   sync.Once
		result Result
	)
	wait := func() Result {
		once.Do(func() {
			<-scanned
			waitErr := cmd.Wait()
			close(proc.done)

			result = Result{
				ExitCode:       cmd.ProcessState.ExitCode(),
				ContinuationID: continuationID,
			}
			if result.ContinuationID == "" {
				result.ContinuationID = req.ContinuationID
			}

			switch {
			case waitErr != nil && ctx.Err() != nil:
				result.Err = fmt.Errorf("agent terminated: %w", context.Cause(ctx))
			case waitErr != nil:
				result.Err = describeExit(waitErr, stderr.String())
			case lastResult != nil && lastResult.IsError:
				msg := resultText(*lastResult)
				if msg == "" {
					msg = "agent reported an error"
				}
				result.Err = errors.New(msg)
			default:
				result.Success = true
			}

			logger.Info("agent exited",
				"exit_code", result.ExitCode,
				"success", result.Success,
				"error", result.Err)
		})
		return result
	}

	// Reap promptly even if nobody calls Wait, so Done fires for Kill.
	go wait()

	return NewRun(proc, events, wait), nil
}

func describeExit(err error, stderr string) error {
	stderr = strings.TrimSpace(stderr)
	if stderr == "" {
		return err
	}
	if i := strings.LastIndexByte(stderr, '\n'); i >= 0 && len(stderr)-i < 512 {
		stderr = stderr[i+1:]
	}
	return fmt.Errorf("%w: %s", err, stderr)
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
