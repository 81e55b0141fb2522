// ABOUTME: Minimal fake agent CLI for manual end-to-end runs; echoes the prompt as stream-json
// ABOUTME: Usage: fake-agent -p PROMPT [--resume ID] [--session-id ID] [--model M] [--delay 2s]

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer cancel()

	code, err := run(ctx, os.Args[1:], os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fake-agent: %v\n", err)
	}
	os.Exit(code)
}

type options struct {
	prompt    string
	resume    string
	sessionID string
	model     string
	delay     time.Duration
}

func parseOptions(args []string) (options, error) {
	var o options
	fs := flag.NewFlagSet("fake-agent", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&o.prompt, "p", "", "prompt")
	fs.StringVar(&o.resume, "resume", "", "continuation id to resume")
	fs.StringVar(&o.sessionID, "session-id", "", "session id for a new conversation")
	fs.StringVar(&o.model, "model", "fake-echo", "model name reported in init")
	fs.DurationVar(&o.delay, "delay", 50*time.Millisecond, "pause between events")
	fs.String("permission-mode", "", "ignored")
	fs.String("output-format", "stream-json", "ignored")
	fs.Bool("verbose", false, "ignored")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if o.prompt == "" {
		return o, fmt.Errorf("-p is required")
	}
	return o, nil
}

// run writes init, assistant and result events for one prompt and returns
// the process exit code. A prompt containing "fail" ends with an error
// result and exit code 1; a signal during the delay exits 130.
func run(ctx context.Context, args []string, out io.Writer) (int, error) {
	o, err := parseOptions(args)
	if err != nil {
		return 2, err
	}

	id := o.resume
	if id == "" {
		id = o.sessionID
	}
	if id == "" {
		id = uuid.New().String()
	}

	enc := json.NewEncoder(out)
	emit := func(v any) error {
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("writing event: %w", err)
		}
		return nil
	}

	if err := emit(map[string]any{"type": "system", "subtype": "init", "session_id": id, "model": o.model}); err != nil {
		return 1, err
	}

	select {
	case <-ctx.Done():
		return 130, nil
	case <-time.After(o.delay):
	}

	reply := echoReply(o.prompt)
	if err := emit(map[string]any{
		"type":       "assistant",
		"session_id": id,
		"message": map[string]any{
			"role":    "assistant",
			"content": []map[string]string{{"type": "text", "text": reply}},
		},
	}); err != nil {
		return 1, err
	}

	failed := strings.Contains(strings.ToLower(o.prompt), "fail")
	subtype := "success"
	if failed {
		subtype = "error_during_execution"
	}
	if err := emit(map[string]any{
		"type":       "result",
		"subtype":    subtype,
		"session_id": id,
		"is_error":   failed,
		"result":     reply,
		"usage": map[string]int{
			"input_tokens":  len(strings.Fields(o.prompt)),
			"output_tokens": len(strings.Fields(reply)),
		},
	}); err != nil {
		return 1, err
	}

	if failed {
		return 1, nil
	}
	return 0, nil
}

func echoReply(input string) string {
	lower := strings.ToLower(input)
	if strings.Contains(lower, "markdown") || strings.Contains(lower, "bullet") || strings.Contains(lower, "list") {
		return "Here is a **markdown** response:\n\n- First item\n- Second item with `code`\n- Third item\n\n> This is a blockquote.\n"
	}
	return fmt.Sprintf("Echo: **%s**\n\nI received your message and am responding with some *formatted* text.", input)
}
