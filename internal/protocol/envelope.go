// ABOUTME: Wire envelope exchanged with dashboard clients over WebSocket
// ABOUTME: Every frame in either direction is {channel, type, data}

package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Envelope is one WebSocket frame. Data is kept raw on the way in so each
// handler can decode its own payload shape.
type Envelope struct {
	Channel string          `json:"channel"`
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Channel name prefixes and the singleton global channel.
const (
	PrefixSession = "session:"
	PrefixProject = "project:"
	PrefixShell   = "shell:"
	Global        = "global"
)

// Inbound message types.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeSend        = "send"
	TypeCancel      = "cancel"
	TypeStatus      = "status"
	TypeStart       = "start"
	TypeInput       = "input"
	TypeResize      = "resize"
	TypeStop        = "stop"
	TypePing        = "ping"
)

// Outbound event types.
const (
	EventConnected       = "connected"
	EventError           = "error"
	EventPong            = "pong"
	EventSubscribed      = "subscribed"
	EventUnsubscribed    = "unsubscribed"
	EventSessionStarted  = "session-started"
	EventAgentEvent      = "agent-event"
	EventSessionComplete = "session-complete"
	EventSessionStatus   = "session-status"
	EventSessionRenamed  = "session-renamed"
	EventCancelRequested = "cancel-requested"
	EventServerShutdown  = "server-shutdown"
	EventShellStarted    = "started"
	EventShellOutput     = "output"
	EventShellExit       = "exit"
)

// Error codes carried in error events.
const (
	CodeUnauthorized     = "unauthorized"
	CodeInvalidMessage   = "invalid_message"
	CodeUnknownChannel   = "unknown_channel"
	CodeUnknownType      = "unknown_type"
	CodeNotFound         = "not_found"
	CodeSessionBusy      = "session_busy"
	CodeDuplicateMessage = "duplicate_message"
	CodeInvalidRequest   = "invalid_request"
	CodeInternal         = "internal"
)

// ErrorData is the payload of an error event.
type ErrorData struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	MessageID string `json:"messageId,omitempty"`
}

// New builds an envelope, marshalling data. A nil data yields no data field.
func New(channel, typ string, data any) (Envelope, error) {
	env := Envelope{Channel: channel, Type: typ}
	if data == nil {
		return env, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshalling %s data: %w", typ, err)
	}
	env.Data = raw
	return env, nil
}

// MustNew is New for payloads that cannot fail to marshal (plain structs and maps).
func MustNew(channel, typ string, data any) Envelope {
	env, err := New(channel, typ, data)
	if err != nil {
		panic(err)
	}
	return env
}

// ErrorEvent builds an error event on the given channel.
func ErrorEvent(channel, code, message string) Envelope {
	return MustNew(channel, EventError, ErrorData{Code: code, Message: message})
}

// Decode parses a raw frame. A frame without a channel or type is rejected.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("decoding envelope: %w", err)
	}
	if env.Channel == "" || env.Type == "" {
		return Envelope{}, fmt.Errorf("envelope missing channel or type")
	}
	return env, nil
}

// DecodeData unmarshals the envelope payload into v. An absent payload leaves v untouched.
func (e Envelope) DecodeData(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decoding %s data: %w", e.Type, err)
	}
	return nil
}

// SessionChannel returns the channel name for a session.
func SessionChannel(id string) string { return PrefixSession + id }

// ProjectChannel returns the channel name for a project.
func ProjectChannel(id string) string { return PrefixProject + id }

// ShellChannel returns the channel name for a project's terminal.
func ShellChannel(projectID string) string { return PrefixShell + projectID }

// SplitChannel returns the prefix (without the colon) and id of a channel
// name. The global channel returns ("global", "").
func SplitChannel(name string) (kind, id string, ok bool) {
	if name == Global {
		return Global, "", true
	}
	kind, id, found := strings.Cut(name, ":")
	if !found || kind == "" || id == "" {
		return "", "", false
	}
	switch kind + ":" {
	case PrefixSession, PrefixProject, PrefixShell:
		return kind, id, true
	}
	return "", "", false
}
