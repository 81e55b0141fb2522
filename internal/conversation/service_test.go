// ABOUTME: Tests for the session execution handler
// ABOUTME: Uses a scripted executor, the mock store, and a real channel registry

package conversation

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-workbench/internal/agent"
	"github.com/2389/coven-workbench/internal/auth"
	"github.com/2389/coven-workbench/internal/channel"
	"github.com/2389/coven-workbench/internal/protocol"
	"github.com/2389/coven-workbench/internal/session"
	"github.com/2389/coven-workbench/internal/store"
)

const testSession = "sess-1"

// fakeConn records every envelope sent to it.
type fakeConn struct {
	id string

	mu  sync.Mutex
	got []protocol.Envelope
}

func (c *fakeConn) ID() string   { return c.id }
func (c *fakeConn) IsOpen() bool { return true }

func (c *fakeConn) Send(env protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, env)
	return nil
}

func (c *fakeConn) envelopes() []protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Envelope(nil), c.got...)
}

func (c *fakeConn) types() []string {
	var out []string
	for _, env := range c.envelopes() {
		out = append(out, env.Type)
	}
	return out
}

func (c *fakeConn) find(typ string) (protocol.Envelope, bool) {
	for _, env := range c.envelopes() {
		if env.Type == typ {
			return env, true
		}
	}
	return protocol.Envelope{}, false
}

func (c *fakeConn) waitFor(t *testing.T, typ string) protocol.Envelope {
	t.Helper()
	var env protocol.Envelope
	require.Eventually(t, func() bool {
		var ok bool
		env, ok = c.find(typ)
		return ok
	}, 5*time.Second, 5*time.Millisecond, "no %s event; got %v", typ, c.types())
	return env
}

// fakeProc is a process handle whose SIGTERM unblocks the running script.
type fakeProc struct {
	killOnce sync.Once
	killed   chan struct{}
	doneOnce sync.Once
	done     chan struct{}

	mu      sync.Mutex
	signals []os.Signal
}

func newFakeProc() *fakeProc {
	return &fakeProc{killed: make(chan struct{}), done: make(chan struct{})}
}

func (p *fakeProc) PID() int              { return 4242 }
func (p *fakeProc) Done() <-chan struct{} { return p.done }

func (p *fakeProc) Signal(sig os.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	p.mu.Unlock()
	p.killOnce.Do(func() { close(p.killed) })
	return nil
}

func (p *fakeProc) exit() { p.doneOnce.Do(func() { close(p.done) }) }

type script func(ctx context.Context, req agent.Request, proc *fakeProc, events chan<- agent.Event) agent.Result

// fakeExecutor runs a script in place of an agent CLI.
type fakeExecutor struct {
	script   script
	startErr error

	mu    sync.Mutex
	reqs  []agent.Request
	procs []*fakeProc
}

func (f *fakeExecutor) Start(ctx context.Context, req agent.Request) (*agent.Run, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}

	proc := newFakeProc()
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.procs = append(f.procs, proc)
	f.mu.Unlock()

	events := make(chan agent.Event, 16)
	result := make(chan agent.Result, 1)
	go func() {
		defer close(events)
		result <- f.script(ctx, req, proc, events)
	}()

	return agent.NewRun(proc, events, func() agent.Result {
		res := <-result
		proc.exit()
		return res
	}), nil
}

func (f *fakeExecutor) lastRequest(t *testing.T) agent.Request {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.reqs)
	return f.reqs[len(f.reqs)-1]
}

func (f *fakeExecutor) lastProc(t *testing.T) *fakeProc {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.procs)
	return f.procs[len(f.procs)-1]
}

func parse(t *testing.T, line string) agent.Event {
	t.Helper()
	ev, ok := agent.ParseEvent([]byte(line))
	require.True(t, ok)
	return ev
}

// echoScript behaves like a CLI that answers once and exits cleanly.
func echoScript(t *testing.T) script {
	return func(ctx context.Context, req agent.Request, proc *fakeProc, events chan<- agent.Event) agent.Result {
		events <- parse(t, `{"type":"system","subtype":"init","session_id":"cli-1"}`)
		events <- parse(t, `{"type":"assistant","message":{"content":[{"type":"text","text":"hi"}]}}`)
		events <- parse(t, `{"type":"result","subtype":"success","session_id":"cli-1","result":"hi","usage":{"input_tokens":10,"output_tokens":5,"cache_read_input_tokens":2}}`)
		return agent.Result{Success: true, ContinuationID: "cli-1"}
	}
}

// blockingScript runs until the process is signalled or ctx ends.
func blockingScript(ctx context.Context, req agent.Request, proc *fakeProc, events chan<- agent.Event) agent.Result {
	events <- agent.Event{Type: "system", Raw: json.RawMessage(`{"type":"system"}`)}
	select {
	case <-proc.killed:
		return agent.Result{ExitCode: -1, Err: errors.New("agent exited: signal: terminated")}
	case <-ctx.Done():
		return agent.Result{ExitCode: -1, Err: fmt.Errorf("agent terminated: %w", context.Cause(ctx))}
	}
}

type harness struct {
	svc      *Service
	store    *store.MockStore
	registry *channel.Registry
	table    *session.Table
	grace    *session.Grace
	exec     *fakeExecutor
	conn     *fakeConn
	ctx      context.Context
	project  *store.Project
}

func newHarness(t *testing.T, s script, opts Options) *harness {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	st := store.NewMockStore()
	require.NoError(t, st.CreateUser(ctx, &store.User{ID: "user-1", Username: "ada", CreatedAt: now}))
	require.NoError(t, st.CreateUser(ctx, &store.User{ID: "user-2", Username: "bob", CreatedAt: now}))
	project := &store.Project{ID: "proj-1", OwnerID: "user-1", Name: "demo", Path: t.TempDir(), CreatedAt: now}
	require.NoError(t, st.CreateProject(ctx, project))
	require.NoError(t, st.CreateSession(ctx, &store.Session{
		ID:        testSession,
		ProjectID: project.ID,
		OwnerID:   "user-1",
		Agent:     "claude",
		Status:    store.StatusIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}))

	if opts.KillTimeout == 0 {
		opts.KillTimeout = time.Second
	}
	if opts.DefaultAgent == "" {
		opts.DefaultAgent = "claude"
	}

	h := &harness{
		store:    st,
		registry: channel.NewRegistry(nil),
		table:    session.NewTable(t.TempDir(), nil),
		grace:    session.NewGrace(time.Minute, nil),
		exec:     &fakeExecutor{script: s},
		conn:     &fakeConn{id: "conn-1"},
		ctx:      auth.WithIdentity(ctx, &auth.Identity{UserID: "user-1", Username: "ada"}),
		project:  project,
	}
	h.svc = New(st, h.exec, h.table, h.grace, h.registry, opts, nil)

	t.Cleanup(func() {
		h.svc.Stop()
		waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, h.svc.Wait(waitCtx))
		h.grace.CancelAll()
	})
	return h
}

func (h *harness) handle(typ string, data any) error {
	ch := protocol.SessionChannel(testSession)
	env := protocol.Envelope{Channel: ch, Type: typ}
	if data != nil {
		env = protocol.MustNew(ch, typ, data)
	}
	return h.svc.Handle(h.ctx, h.conn, env)
}

func (h *harness) subscribe(t *testing.T) {
	t.Helper()
	require.NoError(t, h.handle(protocol.TypeSubscribe, nil))
}

func (h *harness) session(t *testing.T) *store.Session {
	t.Helper()
	sess, err := h.store.GetSession(context.Background(), testSession)
	require.NoError(t, err)
	return sess
}

func decodeComplete(t *testing.T, env protocol.Envelope) CompleteData {
	t.Helper()
	var done CompleteData
	require.NoError(t, env.DecodeData(&done))
	return done
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	var pe *protocol.Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, code, pe.Code)
}

func TestHandle_RejectsNonSessionChannel(t *testing.T) {
	h := newHarness(t, echoScript(t), Options{})

	err := h.svc.Handle(h.ctx, h.conn, protocol.Envelope{Channel: "project:proj-1", Type: protocol.TypeSubscribe})
	requireCode(t, err, protocol.CodeUnknownChannel)

	err = h.svc.Handle(context.Background(), h.conn, protocol.Envelope{Channel: "session:sess-1", Type: protocol.TypeSubscribe})
	requireCode(t, err, protocol.CodeUnauthorized)

	err = h.handle("teleport", nil)
	requireCode(t, err, protocol.CodeUnknownType)
}

func TestSubscribe_RequiresOwnership(t *testing.T) {
	h := newHarness(t, echoScript(t), Options{})
	h.ctx = auth.WithIdentity(context.Background(), &auth.Identity{UserID: "user-2", Username: "bob"})

	err := h.handle(protocol.TypeSubscribe, nil)
	requireCode(t, err, protocol.CodeNotFound)
	assert.False(t, h.registry.IsSubscribed(h.conn, protocol.SessionChannel(testSession)))
}

func TestSubscribe_CancelsPendingGrace(t *testing.T) {
	h := newHarness(t, echoScript(t), Options{})
	h.grace.Schedule(testSession, func() { t.Error("grace callback should not run") })

	h.subscribe(t)

	assert.False(t, h.grace.IsPending(testSession))
	assert.True(t, h.registry.IsSubscribed(h.conn, protocol.SessionChannel(testSession)))

	env := h.conn.waitFor(t, protocol.EventSubscribed)
	var data SubscribedData
	require.NoError(t, env.DecodeData(&data))
	assert.Equal(t, testSession, data.SessionID)
	assert.False(t, data.Running)
	assert.Equal(t, store.StatusIdle, data.Status)
}

func TestSend_StreamsEventsInOrder(t *testing.T) {
	h := newHarness(t, echoScript(t), Options{})
	h.subscribe(t)

	require.NoError(t, h.handle(protocol.TypeSend, SendPayload{Content: "hello", MessageID: "m1"}))
	done := decodeComplete(t, h.conn.waitFor(t, protocol.EventSessionComplete))

	assert.Equal(t, []string{
		protocol.EventSubscribed,
		protocol.EventSessionStarted,
		protocol.EventAgentEvent,
		protocol.EventAgentEvent,
		protocol.EventAgentEvent,
		protocol.EventSessionComplete,
	}, h.conn.types())

	assert.True(t, done.Success)
	assert.False(t, done.Cancelled)
	assert.Equal(t, "m1", done.MessageID)
	assert.Equal(t, "cli-1", done.ContinuationID)
	assert.Equal(t, int64(10), done.Usage.InputTokens)
	assert.Equal(t, int64(5), done.Usage.OutputTokens)
	assert.Equal(t, int64(2), done.Usage.CacheReadTokens)

	// Raw agent output is forwarded unchanged.
	ev, _ := h.conn.find(protocol.EventAgentEvent)
	assert.JSONEq(t, `{"type":"system","subtype":"init","session_id":"cli-1"}`, string(ev.Data))

	req := h.exec.lastRequest(t)
	assert.Equal(t, testSession, req.TrackingID)
	assert.Equal(t, testSession, req.ContinuationID)
	assert.False(t, req.Resume)
	assert.Equal(t, "claude", req.Agent)
	assert.Equal(t, h.project.Path, req.WorkingDir)
	assert.Equal(t, "hello", req.Prompt)

	sess := h.session(t)
	assert.Equal(t, store.StatusIdle, sess.Status)
	assert.Equal(t, "cli-1", sess.ContinuationID)

	totals, err := h.store.GetSessionUsage(context.Background(), testSession)
	require.NoError(t, err)
	assert.Equal(t, int64(1), totals.Runs)
	assert.Equal(t, int64(10), totals.InputTokens)

	require.Eventually(t, func() bool {
		rec, ok := h.table.Get(testSession)
		return ok && !rec.Running && rec.Process == nil
	}, time.Second, 5*time.Millisecond)
}

func TestSend_ResumesStoredContinuation(t *testing.T) {
	h := newHarness(t, echoScript(t), Options{})
	require.NoError(t, h.store.UpdateSessionState(context.Background(), testSession, store.SessionState{
		Status:         store.StatusIdle,
		ContinuationID: "cli-0",
	}))
	h.subscribe(t)

	require.NoError(t, h.handle(protocol.TypeSend, SendPayload{Content: "again", Model: "opus"}))
	h.conn.waitFor(t, protocol.EventSessionComplete)

	req := h.exec.lastRequest(t)
	assert.True(t, req.Resume)
	assert.Equal(t, "cli-0", req.ContinuationID)
	assert.Equal(t, "opus", req.Model)
}

func TestSend_RejectsEmptyMessage(t *testing.T) {
	h := newHarness(t, echoScript(t), Options{})

	err := h.handle(protocol.TypeSend, SendPayload{MessageID: "m1"})
	requireCode(t, err, protocol.CodeInvalidRequest)

	var pe *protocol.Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "m1", pe.MessageID)
}

func TestSend_DuplicateMessageID(t *testing.T) {
	h := newHarness(t, echoScript(t), Options{})
	h.subscribe(t)

	require.NoError(t, h.handle(protocol.TypeSend, SendPayload{Content: "hello", MessageID: "m1"}))
	err := h.handle(protocol.TypeSend, SendPayload{Content: "hello", MessageID: "m1"})
	requireCode(t, err, protocol.CodeDuplicateMessage)

	h.conn.waitFor(t, protocol.EventSessionComplete)
	h.exec.mu.Lock()
	defer h.exec.mu.Unlock()
	assert.Len(t, h.exec.reqs, 1)
}

func TestSend_BusySessionReportsError(t *testing.T) {
	h := newHarness(t, blockingScript, Options{})
	h.subscribe(t)

	require.NoError(t, h.handle(protocol.TypeSend, SendPayload{Content: "first", MessageID: "m1"}))
	h.conn.waitFor(t, protocol.EventSessionStarted)

	require.NoError(t, h.handle(protocol.TypeSend, SendPayload{Content: "second", MessageID: "m2"}))
	env := h.conn.waitFor(t, protocol.EventError)

	var data protocol.ErrorData
	require.NoError(t, env.DecodeData(&data))
	assert.Equal(t, protocol.CodeSessionBusy, data.Code)
	assert.Equal(t, "m2", data.MessageID)

	// The rejected id can be retried once the session is free.
	require.NoError(t, h.handle(protocol.TypeCancel, nil))
	h.conn.waitFor(t, protocol.EventSessionComplete)
	assert.NoError(t, h.handle(protocol.TypeSend, SendPayload{Content: "second", MessageID: "m2"}))
}

// chainConn sends the next message from inside the session-complete delivery.
type chainConn struct {
	fakeConn
	onComplete func()
	once       sync.Once
}

func (c *chainConn) Send(env protocol.Envelope) error {
	if err := c.fakeConn.Send(env); err != nil {
		return err
	}
	if env.Type == protocol.EventSessionComplete && c.onComplete != nil {
		c.once.Do(c.onComplete)
	}
	return nil
}

func TestSend_SessionFreeWhenCompleteArrives(t *testing.T) {
	h := newHarness(t, echoScript(t), Options{})
	conn := &chainConn{fakeConn: fakeConn{id: "conn-chain"}}
	h.registry.Subscribe(conn, protocol.SessionChannel(testSession))

	var runningAtComplete bool
	conn.onComplete = func() {
		rec, _ := h.table.Get(testSession)
		runningAtComplete = rec.Running
		assert.NoError(t, h.svc.Handle(h.ctx, conn, protocol.MustNew(protocol.SessionChannel(testSession), protocol.TypeSend, SendPayload{Content: "next", MessageID: "m2"})))
	}

	require.NoError(t, h.handle(protocol.TypeSend, SendPayload{Content: "first", MessageID: "m1"}))

	require.Eventually(t, func() bool {
		n := 0
		for _, typ := range conn.types() {
			if typ == protocol.EventSessionComplete {
				n++
			}
		}
		return n == 2
	}, 5*time.Second, 5*time.Millisecond, "got %v", conn.types())

	assert.False(t, runningAtComplete)
	_, gotErr := conn.find(protocol.EventError)
	assert.False(t, gotErr, "follow-up send was rejected: %v", conn.types())
	assert.Equal(t, store.StatusIdle, h.session(t).Status)
}

func TestCancel_RunningSession(t *testing.T) {
	h := newHarness(t, blockingScript, Options{})
	h.subscribe(t)

	require.NoError(t, h.handle(protocol.TypeSend, SendPayload{Content: "long task", MessageID: "m1"}))
	h.conn.waitFor(t, protocol.EventSessionStarted)
	assert.Equal(t, store.StatusRunning, h.session(t).Status)

	require.NoError(t, h.handle(protocol.TypeCancel, nil))

	var cancel CancelData
	require.NoError(t, h.conn.waitFor(t, protocol.EventCancelRequested).DecodeData(&cancel))
	assert.True(t, cancel.Running)

	done := decodeComplete(t, h.conn.waitFor(t, protocol.EventSessionComplete))
	assert.True(t, done.Cancelled)
	assert.True(t, done.Success)
	assert.Empty(t, done.Error)

	assert.Equal(t, store.StatusIdle, h.session(t).Status)

	proc := h.exec.lastProc(t)
	proc.mu.Lock()
	defer proc.mu.Unlock()
	require.NotEmpty(t, proc.signals)
	assert.Equal(t, syscall.SIGTERM, proc.signals[0])
}

func TestCancel_IdleSession(t *testing.T) {
	h := newHarness(t, echoScript(t), Options{})

	// Not subscribed: the event is still returned to the caller.
	require.NoError(t, h.handle(protocol.TypeCancel, nil))

	var cancel CancelData
	require.NoError(t, h.conn.waitFor(t, protocol.EventCancelRequested).DecodeData(&cancel))
	assert.False(t, cancel.Running)
}

func TestSend_FailureMarksSessionError(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, req agent.Request, proc *fakeProc, events chan<- agent.Event) agent.Result {
		return agent.Result{ExitCode: 2, Err: errors.New("agent exited with code 2: boom")}
	}, Options{})
	h.subscribe(t)

	require.NoError(t, h.handle(protocol.TypeSend, SendPayload{Content: "hello"}))
	done := decodeComplete(t, h.conn.waitFor(t, protocol.EventSessionComplete))

	assert.False(t, done.Success)
	assert.Equal(t, 2, done.ExitCode)
	assert.Contains(t, done.Error, "boom")
	assert.Empty(t, done.ContinuationID)

	sess := h.session(t)
	assert.Equal(t, store.StatusError, sess.Status)
	assert.Contains(t, sess.ErrorMessage, "boom")
}

func TestSend_StartFailure(t *testing.T) {
	h := newHarness(t, echoScript(t), Options{})
	h.exec.startErr = fmt.Errorf("%w: codex", agent.ErrUnknownAgent)
	h.subscribe(t)

	require.NoError(t, h.handle(protocol.TypeSend, SendPayload{Content: "hello"}))
	done := decodeComplete(t, h.conn.waitFor(t, protocol.EventSessionComplete))

	assert.False(t, done.Success)
	assert.Equal(t, -1, done.ExitCode)
	assert.Contains(t, done.Error, "unknown agent")
	assert.Equal(t, store.StatusError, h.session(t).Status)
	assert.NotContains(t, h.conn.types(), protocol.EventSessionStarted)
}

func TestSend_Timeout(t *testing.T) {
	h := newHarness(t, blockingScript, Options{MessageTimeout: 50 * time.Millisecond})
	h.subscribe(t)

	require.NoError(t, h.handle(protocol.TypeSend, SendPayload{Content: "slow"}))
	done := decodeComplete(t, h.conn.waitFor(t, protocol.EventSessionComplete))

	assert.False(t, done.Success)
	assert.False(t, done.Cancelled)
	assert.Contains(t, done.Error, "timed out")
	assert.Equal(t, store.StatusError, h.session(t).Status)
}

func TestSend_AttachesImages(t *testing.T) {
	h := newHarness(t, echoScript(t), Options{})
	h.subscribe(t)

	png := base64.StdEncoding.EncodeToString([]byte("\x89PNG fake"))
	require.NoError(t, h.handle(protocol.TypeSend, SendPayload{
		Content: "what is this",
		Images:  []Image{{Name: "shot.png", MediaType: "image/png", Data: png}},
	}))
	h.conn.waitFor(t, protocol.EventSessionComplete)

	prompt := h.exec.lastRequest(t).Prompt
	require.True(t, strings.HasPrefix(prompt, "what is this\n\n[Attached image: "), prompt)

	path := strings.TrimSuffix(strings.TrimPrefix(prompt, "what is this\n\n[Attached image: "), "]")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "\x89PNG fake", string(data))

	rec, ok := h.table.Get(testSession)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(path, rec.TempDir))
}

func TestSend_RejectsUnsupportedImage(t *testing.T) {
	h := newHarness(t, echoScript(t), Options{})
	h.subscribe(t)

	require.NoError(t, h.handle(protocol.TypeSend, SendPayload{
		Content:   "look",
		MessageID: "m1",
		Images:    []Image{{MediaType: "image/tiff", Data: "AAAA"}},
	}))

	var data protocol.ErrorData
	require.NoError(t, h.conn.waitFor(t, protocol.EventError).DecodeData(&data))
	assert.Equal(t, protocol.CodeInvalidRequest, data.Code)
	assert.Equal(t, "m1", data.MessageID)

	h.exec.mu.Lock()
	defer h.exec.mu.Unlock()
	assert.Empty(t, h.exec.reqs)
}

func TestSend_AutoNamesUnnamedSession(t *testing.T) {
	h := newHarness(t, echoScript(t), Options{AutoName: true})
	projectConn := &fakeConn{id: "conn-2"}
	h.registry.Subscribe(projectConn, protocol.ProjectChannel(h.project.ID))
	h.subscribe(t)

	require.NoError(t, h.handle(protocol.TypeSend, SendPayload{Content: "\n  Fix the   flaky login test\nplease"}))

	var renamed RenamedData
	require.NoError(t, projectConn.waitFor(t, protocol.EventSessionRenamed).DecodeData(&renamed))
	assert.Equal(t, testSession, renamed.SessionID)
	assert.Equal(t, "Fix the flaky login test", renamed.Name)
	assert.Equal(t, "Fix the flaky login test", h.session(t).Name)

	// Project subscribers also see status transitions.
	assert.Contains(t, projectConn.types(), protocol.EventSessionStatus)
}

func TestSend_AutoNameKeepsExistingName(t *testing.T) {
	h := newHarness(t, echoScript(t), Options{AutoName: true})
	require.NoError(t, h.store.UpdateSessionName(context.Background(), testSession, "mine"))
	h.subscribe(t)

	require.NoError(t, h.handle(protocol.TypeSend, SendPayload{Content: "something else"}))
	h.conn.waitFor(t, protocol.EventSessionComplete)

	waitCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.svc.Wait(waitCtx))
	assert.Equal(t, "mine", h.session(t).Name)
}

func TestStatus(t *testing.T) {
	h := newHarness(t, echoScript(t), Options{})

	require.NoError(t, h.handle(protocol.TypeStatus, nil))

	var data StatusData
	require.NoError(t, h.conn.waitFor(t, protocol.EventSessionStatus).DecodeData(&data))
	assert.Equal(t, testSession, data.SessionID)
	assert.Equal(t, store.StatusIdle, data.Status)
	assert.False(t, data.Running)
	assert.False(t, data.Active)
}

func TestStop_RejectsNewSends(t *testing.T) {
	h := newHarness(t, blockingScript, Options{})
	h.subscribe(t)

	require.NoError(t, h.handle(protocol.TypeSend, SendPayload{Content: "work"}))
	h.conn.waitFor(t, protocol.EventSessionStarted)

	h.svc.Stop()
	done := decodeComplete(t, h.conn.waitFor(t, protocol.EventSessionComplete))
	assert.False(t, done.Success)

	err := h.handle(protocol.TypeSend, SendPayload{Content: "more"})
	requireCode(t, err, protocol.CodeInternal)
}

func TestStop_ConcurrentSendsAndWait(t *testing.T) {
	h := newHarness(t, echoScript(t), Options{})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := h.handle(protocol.TypeSend, SendPayload{Content: "hi", MessageID: fmt.Sprintf("m%d", i)})
			if err != nil {
				var pe *protocol.Error
				if assert.ErrorAs(t, err, &pe) {
					assert.Equal(t, protocol.CodeInternal, pe.Code)
				}
			}
		}(i)
	}

	h.svc.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, h.svc.Wait(ctx))
	wg.Wait()

	err := h.handle(protocol.TypeSend, SendPayload{Content: "late", MessageID: "late"})
	requireCode(t, err, protocol.CodeInternal)
}

func TestDeriveName(t *testing.T) {
	long := strings.Repeat("word ", 30)

	tests := []struct {
		name   string
		prompt string
		want   string
	}{
		{"first line", "Refactor the parser\nwith details", "Refactor the parser"},
		{"skips blank lines", "\n\n   \nHello there", "Hello there"},
		{"collapses whitespace", "a \t b    c", "a b c"},
		{"empty", "  \n ", ""},
		{"truncates at word", long, strings.TrimSpace(strings.Repeat("word ", 12)) + "…"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveName(tt.prompt))
		})
	}
}
