// ABOUTME: JSON payloads of session channel messages and events
// ABOUTME: Field names follow the dashboard's camelCase wire format

package conversation

import "github.com/2389/coven-workbench/internal/agent"

// Image is an inline attachment sent with a message.
type Image struct {
	Name      string `json:"name,omitempty"`
	MediaType string `json:"mediaType"`
	Data      string `json:"data"` // base64, standard encoding
}

// SendPayload is the data of a send message.
type SendPayload struct {
	Content        string  `json:"content"`
	Images         []Image `json:"images,omitempty"`
	Agent          string  `json:"agent,omitempty"`
	Model          string  `json:"model,omitempty"`
	PermissionMode string  `json:"permissionMode,omitempty"`
	MessageID      string  `json:"messageId,omitempty"`
}

// SubscribedData answers a subscribe.
type SubscribedData struct {
	SessionID string `json:"sessionId"`
	Running   bool   `json:"running"`
	Status    string `json:"status"`
}

// StatusData is a session-status event.
type StatusData struct {
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
	Running   bool   `json:"running"`
	Active    bool   `json:"active"`
	Error     string `json:"error,omitempty"`
}

// StartedData is a session-started event.
type StartedData struct {
	SessionID string `json:"sessionId"`
	MessageID string `json:"messageId,omitempty"`
	Agent     string `json:"agent"`
	Model     string `json:"model,omitempty"`
	Resume    bool   `json:"resume"`
}

// CancelData is a cancel-requested event.
type CancelData struct {
	SessionID string `json:"sessionId"`
	Running   bool   `json:"running"`
}

// RenamedData is a session-renamed event.
type RenamedData struct {
	SessionID string `json:"sessionId"`
	Name      string `json:"name"`
}

// CompleteData is a session-complete event.
type CompleteData struct {
	SessionID      string      `json:"sessionId"`
	MessageID      string      `json:"messageId,omitempty"`
	Success        bool        `json:"success"`
	ExitCode       int         `json:"exitCode"`
	Error          string      `json:"error,omitempty"`
	Cancelled      bool        `json:"cancelled"`
	Usage          agent.Usage `json:"usage"`
	ContinuationID string      `json:"continuationId,omitempty"`
}
