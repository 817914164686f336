package surface

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultTypingInterval refreshes the indicator before Discord's ~10s expiry.
const DefaultTypingInterval = 8 * time.Second

// TypingRefresher keeps typing indicators alive in multiple channels while
// turns are running.
type TypingRefresher struct {
	messenger Messenger
	interval  time.Duration
	logger    *slog.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// NewTypingRefresher creates a typing refresher with the default interval.
func NewTypingRefresher(messenger Messenger, logger *slog.Logger) *TypingRefresher {
	return NewTypingRefresherWithInterval(messenger, logger, DefaultTypingInterval)
}

// NewTypingRefresherWithInterval creates a typing refresher with a custom
// refresh interval.
func NewTypingRefresherWithInterval(
	messenger Messenger,
	logger *slog.Logger,
	interval time.Duration,
) *TypingRefresher {
	if logger == nil {
		logger = slog.Default()
	}
	return &TypingRefresher{
		messenger: messenger,
		interval:  interval,
		logger:    logger.With(slog.String("component", "typing")),
		active:    make(map[string]context.CancelFunc),
	}
}

// Start begins refreshing the typing indicator for a channel until Stop.
func (t *TypingRefresher) Start(ctx context.Context, channelID string) error {
	if channelID == "" {
		return fmt.Errorf("channel ID cannot be empty")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.active[channelID]; exists {
		return nil // already refreshing
	}

	runCtx, cancel := context.WithCancel(ctx)
	t.active[channelID] = cancel
	go t.run(runCtx, channelID)
	return nil
}

// Stop ends the typing indicator for a channel.
func (t *TypingRefresher) Stop(channelID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cancel, exists := t.active[channelID]; exists {
		cancel()
		delete(t.active, channelID)
	}
}

// StopAll ends every active typing indicator.
func (t *TypingRefresher) StopAll() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for channelID, cancel := range t.active {
		cancel()
		delete(t.active, channelID)
	}
}

func (t *TypingRefresher) run(ctx context.Context, channelID string) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.send(ctx, channelID)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.send(ctx, channelID)
		}
	}
}

// send is best-effort; a failed typing indicator never affects the turn.
func (t *TypingRefresher) send(ctx context.Context, channelID string) {
	if err := t.messenger.Typing(ctx, channelID); err != nil && ctx.Err() == nil {
		t.logger.DebugContext(ctx, "failed to send typing indicator",
			slog.String("channel_id", channelID),
			slog.String("error", err.Error()))
	}
}
