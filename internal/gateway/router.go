// ABOUTME: Routes inbound envelopes to a handler by channel prefix
// ABOUTME: Handler failures and panics become error events; the connection stays open

package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/2389/coven-workbench/internal/auth"
	"github.com/2389/coven-workbench/internal/protocol"
	"github.com/2389/coven-workbench/internal/store"
)

// route handles one raw frame from conn.
func (g *Gateway) route(ctx context.Context, conn *Conn, raw []byte) {
	channel := protocol.Global
	defer func() {
		if r := recover(); r != nil {
			conn.logger.Error("panic handling message", "channel", channel, "panic", r)
			_ = conn.Send(protocol.ErrorEvent(channel, protocol.CodeInternal, "internal error"))
		}
	}()

	env, err := protocol.Decode(raw)
	if err != nil {
		_ = conn.Send(protocol.ErrorEvent(protocol.Global, protocol.CodeInvalidMessage, err.Error()))
		return
	}
	channel = env.Channel

	if err := g.dispatch(ctx, conn, env); err != nil {
		var pe *protocol.Error
		if !errors.As(err, &pe) {
			conn.logger.Error("handling message", "channel", env.Channel, "type", env.Type, "error", err)
		}
		_ = conn.Send(protocol.ErrorEnvelope(env.Channel, err))
	}
}

func (g *Gateway) dispatch(ctx context.Context, conn *Conn, env protocol.Envelope) error {
	if env.Type == protocol.TypePing {
		return conn.Send(protocol.Envelope{Channel: env.Channel, Type: protocol.EventPong, Data: env.Data})
	}

	switch {
	case strings.HasPrefix(env.Channel, protocol.PrefixSession):
		return g.conversation.Handle(ctx, conn, env)
	case strings.HasPrefix(env.Channel, protocol.PrefixShell):
		return g.shells.Handle(ctx, conn, env)
	case strings.HasPrefix(env.Channel, protocol.PrefixProject):
		return g.handleProject(ctx, conn, env)
	case env.Channel == protocol.Global:
		return g.handleSubscription(conn, env)
	default:
		return protocol.Errorf(protocol.CodeUnknownChannel, "unknown channel: %s", env.Channel)
	}
}

// handleProject lets the project's owner follow its session status events.
func (g *Gateway) handleProject(ctx context.Context, conn *Conn, env protocol.Envelope) error {
	_, projectID, _ := protocol.SplitChannel(env.Channel)
	if env.Type == protocol.TypeSubscribe {
		project, err := g.store.GetProject(ctx, projectID)
		if errors.Is(err, store.ErrNotFound) || (err == nil && project.OwnerID != auth.FromContext(ctx).UserID) {
			return protocol.Errorf(protocol.CodeNotFound, "project not found")
		}
		if err != nil {
			return fmt.Errorf("loading project: %w", err)
		}
	}
	return g.handleSubscription(conn, env)
}

// handleSubscription implements subscribe/unsubscribe for channels with no
// other operations.
func (g *Gateway) handleSubscription(conn *Conn, env protocol.Envelope) error {
	switch env.Type {
	case protocol.TypeSubscribe:
		g.registry.Subscribe(conn, env.Channel)
		return conn.Send(protocol.Envelope{Channel: env.Channel, Type: protocol.EventSubscribed})
	case protocol.TypeUnsubscribe:
		g.registry.Unsubscribe(conn, env.Channel)
		return conn.Send(protocol.Envelope{Channel: env.Channel, Type: protocol.EventUnsubscribed})
	default:
		return protocol.Errorf(protocol.CodeUnknownType, "unknown message type for %s: %s", env.Channel, env.Type)
	}
}
