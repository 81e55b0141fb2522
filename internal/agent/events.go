// ABOUTME: Parsing of the stream-json lines agent CLIs write to stdout
// ABOUTME: Extracts event type, continuation id, result status, and token usage

package agent

import (
	"bytes"
	"encoding/json"
)

// Event is one line of agent output. Raw holds the line as emitted so it can
// be forwarded to clients unchanged; the other fields are what the runtime
// itself inspects.
type Event struct {
	Type      string
	Subtype   string
	SessionID string
	IsError   bool
	Raw       json.RawMessage
}

// Usage is token consumption summed over a run.
type Usage struct {
	InputTokens      int64 `json:"inputTokens"`
	OutputTokens     int64 `json:"outputTokens"`
	CacheReadTokens  int64 `json:"cacheReadTokens"`
	CacheWriteTokens int64 `json:"cacheWriteTokens"`
}

// IsZero reports whether no tokens were recorded.
func (u Usage) IsZero() bool {
	return u == Usage{}
}

type streamEnvelope struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
	IsError   bool   `json:"is_error"`
}

type resultEvent struct {
	Result string `json:"result"`
	Usage  struct {
		InputTokens              int64 `json:"input_tokens"`
		OutputTokens             int64 `json:"output_tokens"`
		CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
		CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
	} `json:"usage"`
}

// ParseEvent decodes one stdout line. Lines that are not JSON objects are
// wrapped as {"type":"output","text":...} so nothing the CLI prints is lost.
// Blank lines return ok=false.
func ParseEvent(line []byte) (Event, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Event{}, false
	}

	if line[0] == '{' {
		var env streamEnvelope
		if err := json.Unmarshal(line, &env); err == nil && env.Type != "" {
			raw := make(json.RawMessage, len(line))
			copy(raw, line)
			return Event{
				Type:      env.Type,
				Subtype:   env.Subtype,
				SessionID: env.SessionID,
				IsError:   env.IsError,
				Raw:       raw,
			}, true
		}
	}

	raw, _ := json.Marshal(map[string]string{"type": "output", "text": string(line)})
	return Event{Type: "output", Raw: raw}, true
}

// ParseUsage sums the usage blocks of every result event.
func ParseUsage(events []Event) Usage {
	var u Usage
	for _, ev := range events {
		u = u.add(ev)
	}
	return u
}

func (u Usage) add(ev Event) Usage {
	if ev.Type != "result" {
		return u
	}
	var r resultEvent
	if err := json.Unmarshal(ev.Raw, &r); err != nil {
		return u
	}
	u.InputTokens += r.Usage.InputTokens
	u.OutputTokens += r.Usage.OutputTokens
	u.CacheReadTokens += r.Usage.CacheReadInputTokens
	u.CacheWriteTokens += r.Usage.CacheCreationInputTokens
	return u
}

// resultText returns the "result" string of a result event.
func resultText(ev Event) string {
	var r resultEvent
	if err := json.Unmarshal(ev.Raw, &r); err != nil {
		return ""
	}
	return r.Result
}
