// ABOUTME: Tests for envelope construction, decoding, and channel name parsing
// ABOUTME: Uses testify for assertions

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	env, err := Decode([]byte(`{"channel":"session:abc","type":"send","data":{"content":"hi"}}`))
	require.NoError(t, err)
	assert.Equal(t, "session:abc", env.Channel)
	assert.Equal(t, TypeSend, env.Type)

	var payload struct {
		Content string `json:"content"`
	}
	require.NoError(t, env.DecodeData(&payload))
	assert.Equal(t, "hi", payload.Content)
}

func TestDecode_Rejects(t *testing.T) {
	for name, raw := range map[string]string{
		"not json":        `{nope`,
		"missing type":    `{"channel":"global"}`,
		"missing channel": `{"type":"ping"}`,
		"array":           `[1,2]`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(raw))
			assert.Error(t, err)
		})
	}
}

func TestDecodeData_Absent(t *testing.T) {
	env := Envelope{Channel: Global, Type: TypePing}
	payload := struct{ N int }{N: 7}
	require.NoError(t, env.DecodeData(&payload))
	assert.Equal(t, 7, payload.N)
}

func TestNew_OmitsNilData(t *testing.T) {
	raw, err := json.Marshal(MustNew(Global, EventPong, nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"channel":"global","type":"pong"}`, string(raw))
}

func TestError(t *testing.T) {
	raw, err := json.Marshal(ErrorEvent(Global, CodeUnauthorized, "bad token"))
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"channel":"global","type":"error","data":{"code":"unauthorized","message":"bad token"}}`,
		string(raw))
}

func TestSplitChannel(t *testing.T) {
	tests := []struct {
		name     string
		wantKind string
		wantID   string
		wantOK   bool
	}{
		{"global", "global", "", true},
		{SessionChannel("s1"), "session", "s1", true},
		{ProjectChannel("p1"), "project", "p1", true},
		{ShellChannel("p1"), "shell", "p1", true},
		{"session:", "", "", false},
		{"bogus:x", "", "", false},
		{"nochannel", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, id, ok := SplitChannel(tt.name)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantKind, kind)
			assert.Equal(t, tt.wantID, id)
		})
	}
}

func TestErrorEnvelope(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", Errorf(CodeNotFound, "session %s not found", "s1").WithMessageID("m1"))

	env := ErrorEnvelope("session:s1", err)
	var data ErrorData
	require.NoError(t, env.DecodeData(&data))
	assert.Equal(t, ErrorData{Code: CodeNotFound, Message: "session s1 not found", MessageID: "m1"}, data)

	env = ErrorEnvelope("global", errors.New("db exploded"))
	require.NoError(t, env.DecodeData(&data))
	assert.Equal(t, CodeInternal, data.Code)
	assert.NotContains(t, data.Message, "db exploded")
}
