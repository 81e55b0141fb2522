// ABOUTME: Error type carrying a wire error code back to the client
// ABOUTME: Handlers return *Error; the gateway turns it into an error event

package protocol

import (
	"errors"
	"fmt"
)

// Error is a handler failure the client should see. Anything else that
// reaches the gateway is reported as CodeInternal with a generic message.
type Error struct {
	Code      string
	Message   string
	MessageID string // client message id the failure refers to, if any
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// Errorf builds an *Error with a formatted message.
func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithMessageID returns a copy of e tagged with a client message id.
func (e *Error) WithMessageID(id string) *Error {
	c := *e
	c.MessageID = id
	return &c
}

// ErrorEnvelope converts err into an error event on channel.
func ErrorEnvelope(channel string, err error) Envelope {
	var pe *Error
	if errors.As(err, &pe) {
		return MustNew(channel, EventError, ErrorData{Code: pe.Code, Message: pe.Message, MessageID: pe.MessageID})
	}
	return ErrorEvent(channel, CodeInternal, "internal error")
}
