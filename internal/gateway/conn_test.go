// ABOUTME: Tests for the per-connection send queue and close classification
// ABOUTME: Exercised without a socket; only the writer goroutine touches ws

package gateway

import (
	"errors"
	"log/slog"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-workbench/internal/auth"
	"github.com/2389/coven-workbench/internal/protocol"
)

func newTestConn() *Conn {
	return newConn("c1", nil, &auth.Identity{UserID: "u1", Username: "alice"}, slog.Default())
}

func TestConnSend_SlowClientIsClosed(t *testing.T) {
	c := newTestConn()
	env := protocol.Envelope{Channel: protocol.Global, Type: protocol.EventPong}

	for i := 0; i < sendQueueSize; i++ {
		require.NoError(t, c.Send(env))
	}
	assert.True(t, c.IsOpen())

	err := c.Send(env)
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.False(t, c.IsOpen())
	assert.Equal(t, websocket.CloseTryAgainLater, c.closeCode)

	assert.ErrorIs(t, c.Send(env), ErrConnClosed)
}

func TestConnClose_FirstCallWins(t *testing.T) {
	c := newTestConn()
	c.Close(websocket.CloseGoingAway, "server shutting down")
	c.Close(websocket.CloseTryAgainLater, "later")
	c.markClosed()

	assert.Equal(t, websocket.CloseGoingAway, c.closeCode)
	assert.Equal(t, "server shutting down", c.closeText)
	assert.False(t, c.IsOpen())
}

func TestConnCleanClose(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"normal closure", &websocket.CloseError{Code: websocket.CloseNormalClosure}, true},
		{"going away", &websocket.CloseError{Code: websocket.CloseGoingAway}, true},
		{"abnormal closure", &websocket.CloseError{Code: websocket.CloseAbnormalClosure}, false},
		{"read failure", errors.New("connection reset by peer"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, newTestConn().cleanClose(tt.err))
		})
	}

	t.Run("server initiated", func(t *testing.T) {
		c := newTestConn()
		c.Close(websocket.CloseGoingAway, "bye")
		assert.True(t, c.cleanClose(errors.New("use of closed network connection")))
	})
}
