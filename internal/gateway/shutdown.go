// ABOUTME: Shutdown coordinator tearing the runtime down in a fixed order
// ABOUTME: Every step logs its failure and the next one still runs

package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/2389/coven-workbench/internal/agent"
	"github.com/2389/coven-workbench/internal/protocol"
)

// ShutdownData is the payload of the server-shutdown event.
type ShutdownData struct {
	Reason string `json:"reason"`
}

// Shutdown stops the server. It is safe to call more than once; later calls
// return the first result.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.shutdownErr = g.shutdown(ctx)
	})
	return g.shutdownErr
}

func (g *Gateway) shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")
	g.shuttingDown.Store(true)

	var errs []error

	// 1. No more grace cleanups; tell clients.
	if n := g.grace.CancelAll(); n > 0 {
		g.logger.Debug("cancelled pending cleanups", "count", n)
	}
	g.registry.Broadcast(protocol.Global, protocol.MustNew(protocol.Global, protocol.EventServerShutdown, ShutdownData{Reason: "server shutting down"}))

	// 2. Terminate agents, then let the execution passes record their outcome.
	g.killAgents(ctx)
	g.conversation.Stop()
	if err := g.conversation.Wait(ctx); err != nil {
		g.logger.Warn("execution passes still running at shutdown deadline", "error", err)
	}

	// 3. Stop accepting, close connections, stop shells.
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	g.closeConnections()
	if n := g.shells.StopAll(ctx); n > 0 {
		g.logger.Info("stopped shells", "count", n)
	}

	// 4. Release scratch space.
	for _, e := range g.table.Entries() {
		g.table.Cleanup(e.ID)
	}

	// 5. Store, instance lock, tailnet.
	errs = appendCloseError(errs, "store close", g.store.Close())
	if g.lock != nil {
		errs = appendCloseError(errs, "lock release", g.lock.Unlock())
	}
	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}

	for _, err := range errs {
		g.logger.Warn("shutdown step failed", "error", err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	g.logger.Info("gateway stopped")
	return nil
}

// killAgents terminates every running agent concurrently, bounded by ctx.
func (g *Gateway) killAgents(ctx context.Context) {
	var wg sync.WaitGroup
	for _, e := range g.table.Entries() {
		proc := e.Record.Process
		if proc == nil {
			continue
		}
		wg.Add(1)
		go func(id string, p agent.Process) {
			defer wg.Done()
			res := agent.Kill(ctx, p, g.config.Shutdown.KillTimeout)
			g.logger.Info("agent stopped", "session_id", id, "pid", p.PID(), "exited", res.Exited, "signal", res.Signal)
		}(e.ID, proc)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		g.logger.Warn("agents still running at shutdown deadline")
	}
}

func (g *Gateway) closeConnections() {
	g.mu.Lock()
	conns := make([]*Conn, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	for _, c := range conns {
		c.Close(websocket.CloseGoingAway, "server shutting down")
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}
