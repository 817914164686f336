package claude

import (
	"encoding/json"
	"time"
)

const (
	// DefaultCommand is the Claude Code CLI binary name, resolved via PATH.
	DefaultCommand = "claude"

	// DefaultModel is passed to the CLI when no model is configured.
	DefaultModel = "sonnet"
)

// Config holds configuration for Claude CLI sessions.
type Config struct {
	Command        string        // CLI binary path
	WorkingDir     string        // working directory for tool execution
	Model          string        // model alias or full name
	MCPConfigPath  string        // optional MCP server config
	SystemPrompt   string        // appended system prompt
	PermissionMode string        // e.g. "acceptEdits", "bypassPermissions"
	Timeout        time.Duration // per-turn result deadline, enforced by callers
}

// EventKind discriminates stream events.
type EventKind int

const (
	// EventInit is the backend's first acknowledgement; carries the session
	// id and the tool list.
	EventInit EventKind = iota
	// EventText is an incremental assistant text block.
	EventText
	// EventToolUse reports a tool invocation mid-stream.
	EventToolUse
	// EventResult terminates the stream for one turn.
	EventResult
)

// Event is one typed message from the backend's reply stream.
type Event struct {
	Kind      EventKind
	SessionID string          // EventInit
	Tools     []string        // EventInit
	Text      string          // EventText
	ToolName  string          // EventToolUse
	ToolInput json.RawMessage // EventToolUse
	Result    *Result         // EventResult
}

// Result carries the final text and usage metadata for one turn.
type Result struct {
	Text      string
	IsError   bool
	Duration  time.Duration
	NumTurns  int
	CostUSD   float64
	Usage     Usage
	SessionID string
}

// Usage is the token accounting reported with a result.
type Usage struct {
	InputTokens     int `json:"input_tokens"`
	OutputTokens    int `json:"output_tokens"`
	CacheReadTokens int `json:"cache_read_input_tokens"`
}

// TotalTokens sums input and output tokens.
func (u Usage) TotalTokens() int {
	return u.InputTokens + u.OutputTokens
}
