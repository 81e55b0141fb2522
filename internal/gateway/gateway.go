// ABOUTME: Gateway orchestrator that wires the session runtime behind one HTTP server
// ABOUTME: Owns the store, instance lock, listeners, WebSocket endpoint, and health checks

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/gorilla/websocket"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/coven-workbench/internal/agent"
	"github.com/2389/coven-workbench/internal/auth"
	"github.com/2389/coven-workbench/internal/channel"
	"github.com/2389/coven-workbench/internal/config"
	"github.com/2389/coven-workbench/internal/conversation"
	"github.com/2389/coven-workbench/internal/session"
	"github.com/2389/coven-workbench/internal/shell"
	"github.com/2389/coven-workbench/internal/store"
)

// ErrAlreadyRunning is returned when another instance holds the database lock.
var ErrAlreadyRunning = errors.New("another coven-workbench instance is using this database")

// Gateway is the coven-workbench server.
type Gateway struct {
	config       *config.Config
	store        store.Store
	verifier     *auth.JWTVerifier
	registry     *channel.Registry
	table        *session.Table
	grace        *session.Grace
	conversation *conversation.Service
	shells       *shell.Manager
	upgrader     websocket.Upgrader
	httpServer   *http.Server
	tsnetServer  *tsnet.Server
	lock         *flock.Flock
	logger       *slog.Logger

	mu     sync.Mutex
	conns  map[string]*Conn
	byUser map[string]map[string]*Conn

	shuttingDown atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  error
}

// acquireLock takes an exclusive lock beside the database so two servers
// never share one session store.
func acquireLock(dbPath string) (*flock.Flock, error) {
	if dbPath == ":memory:" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating database dir: %w", err)
	}
	lock := flock.New(dbPath + ".lock")
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking database: %w", err)
	}
	if !ok {
		return nil, ErrAlreadyRunning
	}
	return lock, nil
}

// databasePath returns the configured database path, letting COVEN_DB_PATH override it.
func databasePath(cfg *config.Config) string {
	if envPath := os.Getenv("COVEN_DB_PATH"); envPath != "" {
		return envPath
	}
	return cfg.Database.Path
}

// initStore opens the SQLite store.
func initStore(dbPath string) (store.Store, error) {
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a Gateway backed by SQLite and the configured agent CLIs.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	dbPath := databasePath(cfg)
	lock, err := acquireLock(dbPath)
	if err != nil {
		return nil, err
	}

	s, err := initStore(dbPath)
	if err != nil {
		unlock(lock)
		return nil, err
	}

	executor := agent.NewCLIExecutor(cfg.Agents, cfg.Shutdown.KillTimeout, logger)
	gw, err := NewWithStore(cfg, s, executor, logger)
	if err != nil {
		_ = s.Close()
		unlock(lock)
		return nil, err
	}
	gw.lock = lock
	return gw, nil
}

// NewWithStore creates a Gateway around an existing store and executor.
func NewWithStore(cfg *config.Config, s store.Store, executor agent.Executor, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("creating JWT verifier: %w", err)
	}

	registry := channel.NewRegistry(logger)
	table := session.NewTable(cfg.Sessions.TempDir, logger)
	grace := session.NewGrace(cfg.Sessions.ReconnectGracePeriod, logger)
	convService := conversation.New(s, executor, table, grace, registry, conversation.Options{
		MessageTimeout: cfg.Sessions.MessageTimeout,
		KillTimeout:    cfg.Shutdown.KillTimeout,
		DefaultAgent:   cfg.Agents.Default,
		AutoName:       cfg.Sessions.AutoNameEnabled(),
	}, logger)

	gw := &Gateway{
		config:       cfg,
		store:        s,
		verifier:     verifier,
		registry:     registry,
		table:        table,
		grace:        grace,
		conversation: convService,
		shells:       shell.NewManager(s, cfg.Shell.Command, logger),
		upgrader:     makeUpgrader(cfg.Server.AllowedOrigins),
		logger:       logger.With("component", "gateway"),
		conns:        make(map[string]*Conn),
		byUser:       make(map[string]map[string]*Conn),
	}

	gw.recoverState()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", gw.handleHealth)
	mux.HandleFunc("/health/ready", gw.handleReady)
	mux.HandleFunc("/ws", gw.handleWebSocket)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// recoverState repairs what a crashed predecessor left behind.
func (g *Gateway) recoverState() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	n, err := g.store.ResetRunningSessions(ctx)
	if err != nil {
		g.logger.Warn("resetting interrupted sessions", "error", err)
	} else if n > 0 {
		g.logger.Info("marked interrupted sessions as failed", "count", n)
	}
	g.table.SweepTempRoot()
}

// Handler returns the HTTP handler serving /ws and the health endpoints.
func (g *Gateway) Handler() http.Handler { return g.httpServer.Handler }

// ActiveSessions returns the number of sessions in the active table.
func (g *Gateway) ActiveSessions() int { return g.table.Len() }

// Connections returns the number of open client connections.
func (g *Gateway) Connections() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// setupListener creates the HTTP listener (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}

	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// Run serves until ctx is canceled or the server fails, then shuts down.
// Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), g.config.Shutdown.Timeout)
		defer cancel()
		_ = g.Shutdown(shutdownCtx)
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	// The run context is already canceled; shutdown gets its own deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), g.config.Shutdown.Timeout)
	defer cancel()
	shutdownErr := g.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "coven-workbench", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener joins the tailnet and listens on :80, or :443 with
// Tailscale-provisioned certificates when https is enabled.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	if !tsCfg.HTTPS {
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}

	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 with the active session count, or 503 while shutting down.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if g.shuttingDown.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("shutting down"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d active sessions, %d connections)", g.table.Len(), g.Connections())
}

func unlock(lock *flock.Flock) {
	if lock != nil {
		_ = lock.Unlock()
	}
}
