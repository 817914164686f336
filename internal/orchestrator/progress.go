package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"threadkeeper/internal/surface"
)

// DefaultProgressInterval is the minimum spacing between progress messages
// posted to a thread while the backend runs tools.
const DefaultProgressInterval = time.Second

// toolReporter posts throttled "working on it" notes to the thread as the
// backend invokes tools. Every invocation is recorded; only some are posted.
type toolReporter struct {
	messenger surface.Messenger
	handle    string
	limiter   *rate.Limiter
	logger    *slog.Logger

	mu    sync.Mutex
	tools []string
}

func newToolReporter(
	messenger surface.Messenger,
	handle string,
	interval time.Duration,
	logger *slog.Logger,
) *toolReporter {
	if interval <= 0 {
		interval = DefaultProgressInterval
	}
	return &toolReporter{
		messenger: messenger,
		handle:    handle,
		limiter:   rate.NewLimiter(rate.Every(interval), 1),
		logger:    logger,
	}
}

// record notes a tool invocation and posts a progress message unless the
// rate limiter suppresses it. Posting is best-effort.
func (p *toolReporter) record(ctx context.Context, toolName string) {
	p.mu.Lock()
	p.tools = append(p.tools, toolName)
	p.mu.Unlock()

	p.logger.DebugContext(ctx, "backend tool invocation",
		slog.String("tool", toolName))

	if !p.limiter.Allow() {
		return
	}
	note := fmt.Sprintf("⚙️ Using %s…", toolName)
	if err := p.messenger.Send(ctx, p.handle, note); err != nil {
		p.logger.DebugContext(ctx, "failed to post progress message",
			slog.String("tool", toolName),
			slog.String("error", err.Error()))
	}
}

// summary renders a compact account of the tools used, for the turn log.
func (p *toolReporter) summary() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.tools) == 0 {
		return ""
	}
	seen := make(map[string]bool)
	names := make([]string, 0, len(p.tools))
	for _, t := range p.tools {
		if !seen[t] {
			seen[t] = true
			names = append(names, t)
		}
	}
	return fmt.Sprintf("%d tool calls: %s", len(p.tools), strings.Join(names, ", "))
}
