// ABOUTME: WebSocket endpoint: upgrade, authenticate, register, and disconnect handling
// ABOUTME: Connection loss starts the reconnection grace period for the user's sessions

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/coven-workbench/internal/auth"
	"github.com/2389/coven-workbench/internal/protocol"
)

// ConnectedData is the payload of the connected event.
type ConnectedData struct {
	UserID       string `json:"userId"`
	Username     string `json:"username"`
	ConnectionID string `json:"connectionId"`
}

// makeUpgrader creates a WebSocket upgrader with origin checking. An empty
// allowlist or "*" allows any origin; requests without Origin are non-browser
// clients and always allowed.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return originSet[origin]
		},
	}
}

// authenticate resolves the request's token to a known user.
func (g *Gateway) authenticate(r *http.Request) (*auth.Identity, error) {
	token, err := auth.TokenFromRequest(r)
	if err != nil {
		return nil, err
	}
	userID, err := g.verifier.Verify(token)
	if err != nil {
		return nil, err
	}
	user, err := g.store.GetUser(r.Context(), userID)
	if err != nil {
		return nil, fmt.Errorf("loading user %s: %w", userID, err)
	}
	return &auth.Identity{UserID: user.ID, Username: user.Username}, nil
}

// rejectConn reports an authentication failure and closes with 1008.
func rejectConn(ws *websocket.Conn, reason string) {
	deadline := time.Now().Add(writeWait)
	_ = ws.SetWriteDeadline(deadline)
	if raw, err := json.Marshal(protocol.ErrorEvent(protocol.Global, protocol.CodeUnauthorized, reason)); err == nil {
		_ = ws.WriteMessage(websocket.TextMessage, raw)
	}
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), deadline)
	_ = ws.Close()
}

func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if g.shuttingDown.Load() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	identity, err := g.authenticate(r)
	if err != nil {
		g.logger.Info("websocket authentication failed", "remote_addr", r.RemoteAddr, "error", err)
		rejectConn(ws, "authentication failed")
		return
	}

	conn := newConn(uuid.New().String(), ws, identity, g.logger)
	g.register(conn)
	go conn.writePump()

	if g.shuttingDown.Load() {
		conn.Close(websocket.CloseGoingAway, "server shutting down")
	}

	// A returning user keeps the sessions they left behind.
	for _, id := range g.table.OwnedBy(identity.UserID) {
		g.grace.Cancel(id)
	}

	g.registry.Subscribe(conn, protocol.Global)
	_ = conn.Send(protocol.MustNew(protocol.Global, protocol.EventConnected, ConnectedData{
		UserID:       identity.UserID,
		Username:     identity.Username,
		ConnectionID: conn.ID(),
	}))
	conn.logger.Info("client connected", "remote_addr", r.RemoteAddr)

	ctx := auth.WithIdentity(context.WithoutCancel(r.Context()), identity)
	readErr := conn.readPump(func(raw []byte) {
		g.route(ctx, conn, raw)
	})
	g.disconnect(conn, readErr)
}

func (g *Gateway) register(conn *Conn) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.conns[conn.ID()] = conn
	userID := conn.identity.UserID
	if g.byUser[userID] == nil {
		g.byUser[userID] = make(map[string]*Conn)
	}
	g.byUser[userID][conn.ID()] = conn
}

// unregister removes conn and reports whether it was the user's last one.
func (g *Gateway) unregister(conn *Conn) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.conns, conn.ID())
	userID := conn.identity.UserID
	delete(g.byUser[userID], conn.ID())
	if len(g.byUser[userID]) == 0 {
		delete(g.byUser, userID)
		return true
	}
	return false
}

func (g *Gateway) userConnected(userID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.byUser[userID]) > 0
}

// disconnect releases everything tied to conn. Only the user's last
// connection affects their sessions: a deliberate close starts the grace
// period, a transport failure cleans idle sessions at once.
func (g *Gateway) disconnect(conn *Conn, readErr error) {
	clean := conn.cleanClose(readErr)
	conn.markClosed()

	g.registry.UnsubscribeAll(conn)
	g.shells.ReleaseConnection(conn.ID())
	last := g.unregister(conn)

	conn.logger.Info("client disconnected", "clean", clean, "last", last)
	if !clean {
		conn.logger.Debug("read error", "error", readErr)
	}

	if !last || g.shuttingDown.Load() {
		return
	}

	userID := conn.identity.UserID
	if clean {
		for _, id := range g.table.OwnedBy(userID) {
			g.scheduleCleanup(id)
		}
		return
	}

	_, running := g.table.CleanupByUser(userID)
	for _, id := range running {
		g.scheduleCleanup(id)
	}
}

func (g *Gateway) scheduleCleanup(id string) {
	g.grace.Schedule(id, func() { g.expire(id) })
}

// expire runs when a session's grace period ends. A session whose agent is
// still working is given another period rather than being torn down.
func (g *Gateway) expire(id string) {
	if g.shuttingDown.Load() {
		return
	}
	rec, ok := g.table.Get(id)
	if !ok {
		return
	}
	if g.userConnected(rec.OwnerID) {
		return
	}
	if rec.Running {
		g.logger.Debug("session still running, extending grace", "session_id", id)
		g.scheduleCleanup(id)
		return
	}
	g.table.Cleanup(id)
}
