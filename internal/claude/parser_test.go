package claude_test

import (
	"testing"
	"time"

	"threadkeeper/internal/claude"
)

func TestParseEvents_Init(t *testing.T) {
	line := `{"type":"system","subtype":"init","session_id":"sess-123","tools":["Bash","Read"],"model":"claude-sonnet"}`

	events, err := claude.ParseEvents([]byte(line))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.Kind != claude.EventInit {
		t.Errorf("expected EventInit, got %v", ev.Kind)
	}
	if ev.SessionID != "sess-123" {
		t.Errorf("expected session id sess-123, got %q", ev.SessionID)
	}
	if len(ev.Tools) != 2 || ev.Tools[0] != "Bash" {
		t.Errorf("unexpected tools: %v", ev.Tools)
	}
}

func TestParseEvents_AssistantTextAndToolUse(t *testing.T) {
	line := `{"type":"assistant","message":{"content":[` +
		`{"type":"text","text":"Let me check."},` +
		`{"type":"tool_use","id":"tu_1","name":"Bash","input":{"command":"ls"}}]}}`

	events, err := claude.ParseEvents([]byte(line))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Kind != claude.EventText || events[0].Text != "Let me check." {
		t.Errorf("unexpected first event: %+v", events[0])
	}
	if events[1].Kind != claude.EventToolUse || events[1].ToolName != "Bash" {
		t.Errorf("unexpected second event: %+v", events[1])
	}
	if string(events[1].ToolInput) != `{"command":"ls"}` {
		t.Errorf("unexpected tool input: %s", events[1].ToolInput)
	}
}

func TestParseEvents_Result(t *testing.T) {
	line := `{"type":"result","subtype":"success","is_error":false,` +
		`"duration_ms":2500,"num_turns":3,"result":"All done.",` +
		`"session_id":"sess-123","total_cost_usd":0.0042,` +
		`"usage":{"input_tokens":120,"output_tokens":45,"cache_read_input_tokens":900}}`

	events, err := claude.ParseEvents([]byte(line))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	res := events[0].Result
	if res == nil {
		t.Fatal("expected result payload")
	}
	if res.Text != "All done." {
		t.Errorf("unexpected result text: %q", res.Text)
	}
	if res.Duration != 2500*time.Millisecond {
		t.Errorf("unexpected duration: %v", res.Duration)
	}
	if res.Usage.TotalTokens() != 165 {
		t.Errorf("unexpected total tokens: %d", res.Usage.TotalTokens())
	}
	if res.SessionID != "sess-123" {
		t.Errorf("unexpected session id: %q", res.SessionID)
	}
}

func TestParseEvents_IgnoresUninterestingLines(t *testing.T) {
	lines := []string{
		`{"type":"user","message":{"role":"user","content":[{"type":"tool_result"}]}}`,
		`{"type":"system","subtype":"compact_boundary"}`,
		`{"type":"stream_event","event":{}}`,
	}
	for _, line := range lines {
		events, err := claude.ParseEvents([]byte(line))
		if err != nil {
			t.Errorf("unexpected error for %s: %v", line, err)
		}
		if len(events) != 0 {
			t.Errorf("expected no events for %s, got %d", line, len(events))
		}
	}
}

func TestParseEvents_InvalidJSON(t *testing.T) {
	if _, err := claude.ParseEvents([]byte("not json")); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestResultError(t *testing.T) {
	if err := claude.ResultError(&claude.Result{Text: "fine"}); err != nil {
		t.Errorf("expected nil error for success result, got %v", err)
	}

	err := claude.ResultError(&claude.Result{IsError: true, Text: "Invalid API key"})
	if !claude.IsAuthenticationError(err) {
		t.Errorf("expected authentication error, got %v", err)
	}

	err = claude.ResultError(&claude.Result{IsError: true, Text: "something broke"})
	if err == nil || claude.IsAuthenticationError(err) {
		t.Errorf("expected generic error, got %v", err)
	}
}
