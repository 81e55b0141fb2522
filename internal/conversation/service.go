// ABOUTME: Session execution handler for messages on session:<id> channels
// ABOUTME: Authorizes, reserves the session, runs the agent, streams events, and reconciles state

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-workbench/internal/agent"
	"github.com/2389/coven-workbench/internal/auth"
	"github.com/2389/coven-workbench/internal/channel"
	"github.com/2389/coven-workbench/internal/dedupe"
	"github.com/2389/coven-workbench/internal/protocol"
	"github.com/2389/coven-workbench/internal/session"
	"github.com/2389/coven-workbench/internal/store"
)

// ErrMessageTimeout is the cancellation cause when a run exceeds the message timeout.
var ErrMessageTimeout = errors.New("message timed out")

const (
	// persistTimeout bounds store writes made after the run context is gone.
	persistTimeout = 5 * time.Second
	// dedupeTTL is how long a client message id is remembered.
	dedupeTTL = 5 * time.Minute
	// dedupeSize caps remembered message ids.
	dedupeSize = 10000
)

// SessionStore defines what the service needs from storage
type SessionStore interface {
	GetSession(ctx context.Context, id string) (*store.Session, error)
	GetSessionForOwner(ctx context.Context, id, ownerID string) (*store.Session, error)
	GetProject(ctx context.Context, id string) (*store.Project, error)
	UpdateSessionState(ctx context.Context, id string, state store.SessionState) error
	UpdateSessionName(ctx context.Context, id, name string) error
	SaveUsage(ctx context.Context, usage *store.SessionUsage) error
}

// Channels is the subset of the channel registry the service uses.
type Channels interface {
	Subscribe(sub channel.Subscriber, name string)
	Unsubscribe(sub channel.Subscriber, name string)
	IsSubscribed(sub channel.Subscriber, name string) bool
	Broadcast(name string, env protocol.Envelope) int
}

// Options tune the service.
type Options struct {
	MessageTimeout time.Duration
	KillTimeout    time.Duration
	DefaultAgent   string
	AutoName       bool
}

// Service handles session:<id> messages.
type Service struct {
	store    SessionStore
	executor agent.Executor
	table    *session.Table
	grace    *session.Grace
	channels Channels
	seen     *dedupe.Cache
	opts     Options
	logger   *slog.Logger

	// runCtx parents every agent run; cancelling it terminates them all.
	runCtx    context.Context
	cancelRun context.CancelFunc

	// mu orders passes.Add against Stop so Wait never races a new pass.
	mu      sync.Mutex
	stopped bool
	passes  sync.WaitGroup
}

// New creates the execution handler.
func New(st SessionStore, executor agent.Executor, table *session.Table, grace *session.Grace, channels Channels, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	runCtx, cancel := context.WithCancel(context.Background())
	return &Service{
		store:     st,
		executor:  executor,
		table:     table,
		grace:     grace,
		channels:  channels,
		seen:      dedupe.New(dedupeTTL, dedupeSize),
		opts:      opts,
		logger:    logger.With("component", "conversation"),
		runCtx:    runCtx,
		cancelRun: cancel,
	}
}

// Handle processes one message addressed to a session channel. Errors that
// should reach the client are *protocol.Error values.
func (s *Service) Handle(ctx context.Context, conn channel.Subscriber, env protocol.Envelope) error {
	id := auth.FromContext(ctx)
	if id == nil {
		return protocol.Errorf(protocol.CodeUnauthorized, "not authenticated")
	}
	kind, sessionID, ok := protocol.SplitChannel(env.Channel)
	if !ok || kind+":" != protocol.PrefixSession {
		return protocol.Errorf(protocol.CodeUnknownChannel, "not a session channel: %s", env.Channel)
	}

	switch env.Type {
	case protocol.TypeSubscribe:
		return s.subscribe(ctx, conn, id.UserID, sessionID)
	case protocol.TypeUnsubscribe:
		s.channels.Unsubscribe(conn, env.Channel)
		return reply(conn, protocol.MustNew(env.Channel, protocol.EventUnsubscribed, map[string]string{"sessionId": sessionID}))
	case protocol.TypeSend:
		var p SendPayload
		if err := env.DecodeData(&p); err != nil {
			return protocol.Errorf(protocol.CodeInvalidMessage, "%v", err)
		}
		return s.send(conn, id.UserID, sessionID, p)
	case protocol.TypeCancel:
		return s.cancel(ctx, conn, id.UserID, sessionID)
	case protocol.TypeStatus:
		return s.status(ctx, conn, id.UserID, sessionID)
	default:
		return protocol.Errorf(protocol.CodeUnknownType, "unknown session message type: %s", env.Type)
	}
}

// authorize loads the session, failing closed when the caller does not own it.
func (s *Service) authorize(ctx context.Context, userID, sessionID string) (*store.Session, error) {
	sess, err := s.store.GetSessionForOwner(ctx, sessionID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, protocol.Errorf(protocol.CodeNotFound, "session not found")
	}
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	return sess, nil
}

func (s *Service) subscribe(ctx context.Context, conn channel.Subscriber, userID, sessionID string) error {
	sess, err := s.authorize(ctx, userID, sessionID)
	if err != nil {
		return err
	}

	s.grace.Cancel(sessionID)
	name := protocol.SessionChannel(sessionID)
	s.channels.Subscribe(conn, name)

	rec, active := s.table.Get(sessionID)
	return reply(conn, protocol.MustNew(name, protocol.EventSubscribed, SubscribedData{
		SessionID: sessionID,
		Running:   active && rec.Running,
		Status:    sess.Status,
	}))
}

func (s *Service) status(ctx context.Context, conn channel.Subscriber, userID, sessionID string) error {
	sess, err := s.authorize(ctx, userID, sessionID)
	if err != nil {
		return err
	}

	rec, active := s.table.Get(sessionID)
	return reply(conn, protocol.MustNew(protocol.SessionChannel(sessionID), protocol.EventSessionStatus, StatusData{
		SessionID: sessionID,
		Status:    sess.Status,
		Running:   active && rec.Running,
		Active:    active,
		Error:     sess.ErrorMessage,
	}))
}

func (s *Service) cancel(ctx context.Context, conn channel.Subscriber, userID, sessionID string) error {
	if _, err := s.authorize(ctx, userID, sessionID); err != nil {
		return err
	}

	var (
		proc    agent.Process
		running bool
	)
	s.table.Update(sessionID, func(r *session.Record) {
		if r.Running {
			r.Cancelled = true
			running = true
			proc = r.Process
		}
	})

	if proc != nil {
		s.killAsync(sessionID, proc)
	}

	s.logger.Info("cancel requested", "session_id", sessionID, "running", running)

	name := protocol.SessionChannel(sessionID)
	env := protocol.MustNew(name, protocol.EventCancelRequested, CancelData{SessionID: sessionID, Running: running})
	s.broadcastAndReply(conn, name, env)
	return nil
}

func (s *Service) killAsync(sessionID string, proc agent.Process) {
	go func() {
		res := agent.Kill(context.Background(), proc, s.opts.KillTimeout)
		s.logger.Info("agent kill finished",
			"session_id", sessionID,
			"pid", proc.PID(),
			"exited", res.Exited,
			"signal", res.Signal)
	}()
}

// send claims the client message id and starts the execution pass.
func (s *Service) send(conn channel.Subscriber, userID, sessionID string, p SendPayload) error {
	if p.Content == "" && len(p.Images) == 0 {
		return protocol.Errorf(protocol.CodeInvalidRequest, "message is empty").WithMessageID(p.MessageID)
	}

	var key string
	if p.MessageID != "" {
		key = dedupe.Key(userID, p.MessageID)
		if !s.seen.Claim(key) {
			return protocol.Errorf(protocol.CodeDuplicateMessage, "message already received").WithMessageID(p.MessageID)
		}
	}

	if !s.startPass() {
		if key != "" {
			s.seen.Release(key)
		}
		return protocol.Errorf(protocol.CodeInternal, "server is shutting down").WithMessageID(p.MessageID)
	}

	go func() {
		defer s.passes.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("execution pass panicked", "session_id", sessionID, "panic", r)
				_ = conn.Send(protocol.ErrorEvent(protocol.SessionChannel(sessionID), protocol.CodeInternal, "internal error"))
			}
		}()

		if err := s.execute(conn, userID, sessionID, p); err != nil {
			var pe *protocol.Error
			if errors.As(err, &pe) && key != "" {
				// Rejected before any work ran; let the client retry the same id.
				s.seen.Release(key)
			}
			if pe == nil {
				s.logger.Error("execution pass failed", "session_id", sessionID, "error", err)
			}
			if werr := conn.Send(protocol.ErrorEnvelope(protocol.SessionChannel(sessionID), withMessageID(err, p.MessageID))); werr != nil {
				s.logger.Debug("could not report pass error", "session_id", sessionID, "error", werr)
			}
		}
	}()
	return nil
}

// startPass registers a new execution pass unless the service is stopped.
func (s *Service) startPass() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.passes.Add(1)
	return true
}

func withMessageID(err error, messageID string) error {
	var pe *protocol.Error
	if errors.As(err, &pe) && pe.MessageID == "" {
		return pe.WithMessageID(messageID)
	}
	return err
}

// execute is one execution pass. A non-nil error means nothing was started
// and no completion event was sent.
func (s *Service) execute(conn channel.Subscriber, userID, sessionID string, p SendPayload) error {
	ctx, cancel := context.WithTimeoutCause(s.runCtx, s.messageTimeout(), ErrMessageTimeout)
	defer cancel()

	sess, err := s.authorize(ctx, userID, sessionID)
	if err != nil {
		return err
	}
	project, err := s.store.GetProject(ctx, sess.ProjectID)
	if errors.Is(err, store.ErrNotFound) {
		return protocol.Errorf(protocol.CodeNotFound, "project not found")
	}
	if err != nil {
		return fmt.Errorf("loading project: %w", err)
	}

	s.grace.Cancel(sessionID)
	s.table.GetOrCreate(sessionID, session.Record{OwnerID: userID, WorkingDir: project.Path})
	if !s.table.Begin(sessionID) {
		return protocol.Errorf(protocol.CodeSessionBusy, "session is already running")
	}
	// release runs before session-complete goes out so a client can send
	// its next message as soon as it sees the completion.
	release := sync.OnceFunc(func() { s.table.Finish(sessionID) })
	defer release()

	prompt, err := s.attachImages(sessionID, p.Content, p.Images)
	if err != nil {
		return err
	}

	req := agent.Request{
		TrackingID:     sessionID,
		ContinuationID: sess.ContinuationID,
		Resume:         sess.ContinuationID != "",
		Agent:          firstNonEmpty(p.Agent, sess.Agent, s.opts.DefaultAgent),
		Model:          firstNonEmpty(p.Model, sess.Model),
		PermissionMode: firstNonEmpty(p.PermissionMode, sess.PermissionMode),
		Prompt:         prompt,
		WorkingDir:     project.Path,
	}
	if req.ContinuationID == "" {
		req.ContinuationID = sessionID
	}

	logger := s.logger.With("session_id", sessionID, "agent", req.Agent)
	sessChan := protocol.SessionChannel(sessionID)
	projChan := protocol.ProjectChannel(project.ID)

	run, err := s.executor.Start(ctx, req)
	if err != nil {
		logger.Warn("agent failed to start", "error", err)
		s.finishRun(sess, project, p, CompleteData{ExitCode: -1, Error: err.Error()}, "", agent.Usage{}, release)
		return nil
	}

	var cancelled bool
	s.table.Update(sessionID, func(r *session.Record) {
		r.Process = run.Process()
		cancelled = r.Cancelled
	})
	if cancelled {
		s.killAsync(sessionID, run.Process())
	}

	s.persistState(ctx, sessionID, store.SessionState{Status: store.StatusRunning})
	s.channels.Broadcast(sessChan, protocol.MustNew(sessChan, protocol.EventSessionStarted, StartedData{
		SessionID: sessionID,
		MessageID: p.MessageID,
		Agent:     req.Agent,
		Model:     req.Model,
		Resume:    req.Resume,
	}))
	s.channels.Broadcast(projChan, protocol.MustNew(projChan, protocol.EventSessionStatus, StatusData{
		SessionID: sessionID,
		Status:    store.StatusRunning,
		Running:   true,
		Active:    true,
	}))

	var results []agent.Event
	for ev := range run.Events() {
		if ev.Type == "result" {
			results = append(results, ev)
		}
		s.channels.Broadcast(sessChan, protocol.Envelope{
			Channel: sessChan,
			Type:    protocol.EventAgentEvent,
			Data:    ev.Raw,
		})
	}
	res := run.Wait()

	rec, _ := s.table.Get(sessionID)
	done := CompleteData{
		Success:   res.Success,
		ExitCode:  res.ExitCode,
		Cancelled: rec.Cancelled,
	}
	continuation := ""
	switch {
	case done.Cancelled:
		done.Success = true
		continuation = res.ContinuationID
	case res.Success:
		continuation = res.ContinuationID
	case errors.Is(context.Cause(ctx), ErrMessageTimeout):
		done.Error = fmt.Sprintf("timed out after %s", s.messageTimeout())
	case res.Err != nil:
		done.Error = res.Err.Error()
	default:
		done.Error = "agent failed"
	}

	logger.Info("run finished",
		"success", done.Success,
		"cancelled", done.Cancelled,
		"exit_code", done.ExitCode,
		"error", done.Error)

	s.finishRun(sess, project, p, done, continuation, agent.ParseUsage(results), release)
	return nil
}

// finishRun persists the outcome, releases the session reservation, and then
// publishes completion events.
func (s *Service) finishRun(sess *store.Session, project *store.Project, p SendPayload, done CompleteData, continuation string, usage agent.Usage, release func()) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	status := store.StatusIdle
	if !done.Success {
		status = store.StatusError
	}
	s.persistState(ctx, sess.ID, store.SessionState{
		Status:         status,
		ErrorMessage:   done.Error,
		ContinuationID: continuation,
	})

	if !usage.IsZero() {
		err := s.store.SaveUsage(ctx, &store.SessionUsage{
			ID:               uuid.New().String(),
			SessionID:        sess.ID,
			InputTokens:      usage.InputTokens,
			OutputTokens:     usage.OutputTokens,
			CacheReadTokens:  usage.CacheReadTokens,
			CacheWriteTokens: usage.CacheWriteTokens,
			CreatedAt:        time.Now(),
		})
		if err != nil {
			s.logger.Warn("saving usage", "session_id", sess.ID, "error", err)
		}
	}

	release()

	done.SessionID = sess.ID
	done.MessageID = p.MessageID
	done.Usage = usage
	done.ContinuationID = continuation

	sessChan := protocol.SessionChannel(sess.ID)
	projChan := protocol.ProjectChannel(project.ID)
	s.channels.Broadcast(sessChan, protocol.MustNew(sessChan, protocol.EventSessionComplete, done))
	s.channels.Broadcast(projChan, protocol.MustNew(projChan, protocol.EventSessionStatus, StatusData{
		SessionID: sess.ID,
		Status:    status,
		Active:    true,
		Error:     done.Error,
	}))

	if sess.Name == "" && s.opts.AutoName && p.Content != "" {
		s.passes.Add(1)
		go func() {
			defer s.passes.Done()
			s.autoName(sess.ID, project.ID, p.Content)
		}()
	}
}

func (s *Service) persistState(ctx context.Context, sessionID string, state store.SessionState) {
	if err := s.store.UpdateSessionState(ctx, sessionID, state); err != nil {
		s.logger.Warn("persisting session state",
			"session_id", sessionID,
			"status", state.Status,
			"error", err)
	}
}

func (s *Service) broadcastAndReply(conn channel.Subscriber, name string, env protocol.Envelope) {
	s.channels.Broadcast(name, env)
	if !s.channels.IsSubscribed(conn, name) {
		_ = reply(conn, env)
	}
}

func (s *Service) messageTimeout() time.Duration {
	if s.opts.MessageTimeout <= 0 {
		return 30 * time.Minute
	}
	return s.opts.MessageTimeout
}

// Stop cancels every in-flight run. Agents receive SIGTERM through their
// command context.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.cancelRun()
	s.mu.Unlock()
	s.seen.Close()
}

// Wait blocks until all execution passes have returned or ctx is done.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.passes.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func reply(conn channel.Subscriber, env protocol.Envelope) error {
	if err := conn.Send(env); err != nil {
		return fmt.Errorf("sending %s: %w", env.Type, err)
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
