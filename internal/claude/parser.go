package claude

import (
	"encoding/json"
	"fmt"
	"time"
)

// streamLine is the superset of fields across stream-json output lines.
type streamLine struct {
	Type      string        `json:"type"`
	Subtype   string        `json:"subtype"`
	SessionID string        `json:"session_id"`
	Tools     []string      `json:"tools"`
	Message   *assistantMsg `json:"message"`

	// result lines
	Result     string  `json:"result"`
	IsError    bool    `json:"is_error"`
	DurationMs int64   `json:"duration_ms"`
	NumTurns   int     `json:"num_turns"`
	TotalCost  float64 `json:"total_cost_usd"`
	Usage      Usage   `json:"usage"`
}

type assistantMsg struct {
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ParseEvents converts one stream-json line into zero or more events. Lines
// the bridge does not act on (user echoes, partial deltas, unknown types)
// produce no events and no error.
func ParseEvents(line []byte) ([]Event, error) {
	var sl streamLine
	if err := json.Unmarshal(line, &sl); err != nil {
		return nil, fmt.Errorf("invalid stream line: %w", err)
	}

	switch sl.Type {
	case "system":
		if sl.Subtype != "init" {
			return nil, nil
		}
		return []Event{{
			Kind:      EventInit,
			SessionID: sl.SessionID,
			Tools:     sl.Tools,
		}}, nil

	case "assistant":
		if sl.Message == nil {
			return nil, nil
		}
		var events []Event
		for _, block := range sl.Message.Content {
			switch block.Type {
			case "text":
				if block.Text != "" {
					events = append(events, Event{Kind: EventText, Text: block.Text})
				}
			case "tool_use":
				events = append(events, Event{
					Kind:      EventToolUse,
					ToolName:  block.Name,
					ToolInput: block.Input,
				})
			}
		}
		return events, nil

	case "result":
		return []Event{{
			Kind: EventResult,
			Result: &Result{
				Text:      sl.Result,
				IsError:   sl.IsError,
				Duration:  time.Duration(sl.DurationMs) * time.Millisecond,
				NumTurns:  sl.NumTurns,
				CostUSD:   sl.TotalCost,
				Usage:     sl.Usage,
				SessionID: sl.SessionID,
			},
		}}, nil

	default:
		return nil, nil
	}
}
