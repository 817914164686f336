// Package orchestrator runs one conversation turn end to end: resolve the
// backend session, stream the reply, persist the exchange, and deliver the
// chunked response to the thread.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"threadkeeper/internal/chunker"
	"threadkeeper/internal/claude"
	"threadkeeper/internal/session"
	"threadkeeper/internal/store"
	"threadkeeper/internal/surface"
)

const (
	// DefaultMaxAttempts bounds whole-turn retries for transient failures.
	DefaultMaxAttempts = 3

	// DefaultBaseRetryDelay seeds the exponential backoff between attempts.
	DefaultBaseRetryDelay = time.Second

	// DefaultPartDelay paces multi-part replies so parts arrive in order
	// without tripping surface rate limits.
	DefaultPartDelay = 750 * time.Millisecond

	// DefaultContextWindow is how many stored messages are replayed into a
	// fresh backend session that could not be resumed natively.
	DefaultContextWindow = 10

	// DefaultResultTimeout bounds the wait for the next backend event.
	DefaultResultTimeout = 5 * time.Minute
)

// turnState names the phases of a turn for log correlation.
type turnState string

const (
	stateResolving  turnState = "resolving_session"
	stateStreaming  turnState = "streaming_reply"
	statePersisting turnState = "persisting"
	stateDone       turnState = "done"
)

// SessionResolver is the slice of the session registry a turn needs.
// Satisfied by *session.Registry.
type SessionResolver interface {
	Resolve(ctx context.Context, handle string) (*session.Entry, error)
	RecordSessionID(ctx context.Context, handle, sessionID string)
	Evict(ctx context.Context, handle string)
}

// ConversationStore is the slice of the durable store a turn needs.
// Satisfied by *store.Store.
type ConversationStore interface {
	History(ctx context.Context, handle string) []store.Message
	Append(ctx context.Context, handle string, role store.Role, content string)
}

// TurnMetrics receives turn-level counters. All methods must be cheap and
// non-blocking. Satisfied by *metrics.Metrics.
type TurnMetrics interface {
	TurnFinished(outcome string, duration time.Duration)
	RetryScheduled()
	PartsSent(count int)
}

// Options configures an Orchestrator. Zero values take defaults.
type Options struct {
	ChunkLimit       int
	MaxAttempts      int
	BaseRetryDelay   time.Duration
	PartDelay        time.Duration
	ContextWindow    int
	ResultTimeout    time.Duration
	ProgressInterval time.Duration
	Typing           *surface.TypingRefresher
	Metrics          TurnMetrics
	Logger           *slog.Logger
}

// Orchestrator coordinates turns. Turns for different handles run
// concurrently; turns for the same handle are serialized.
type Orchestrator struct {
	sessions  SessionResolver
	conv      ConversationStore
	messenger surface.Messenger
	typing    *surface.TypingRefresher
	metrics   TurnMetrics
	logger    *slog.Logger

	chunkLimit       int
	maxAttempts      int
	baseRetryDelay   time.Duration
	partDelay        time.Duration
	contextWindow    int
	resultTimeout    time.Duration
	progressInterval time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a turn orchestrator.
func New(
	sessions SessionResolver,
	conv ConversationStore,
	messenger surface.Messenger,
	opts Options,
) (*Orchestrator, error) {
	if sessions == nil {
		return nil, fmt.Errorf("session resolver is required")
	}
	if conv == nil {
		return nil, fmt.Errorf("conversation store is required")
	}
	if messenger == nil {
		return nil, fmt.Errorf("messenger is required")
	}
	if opts.ChunkLimit <= 0 {
		opts.ChunkLimit = chunker.DefaultLimit
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.BaseRetryDelay <= 0 {
		opts.BaseRetryDelay = DefaultBaseRetryDelay
	}
	if opts.PartDelay <= 0 {
		opts.PartDelay = DefaultPartDelay
	}
	if opts.ContextWindow <= 0 {
		opts.ContextWindow = DefaultContextWindow
	}
	if opts.ResultTimeout <= 0 {
		opts.ResultTimeout = DefaultResultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Orchestrator{
		sessions:         sessions,
		conv:             conv,
		messenger:        messenger,
		typing:           opts.Typing,
		metrics:          opts.Metrics,
		logger:           opts.Logger.With(slog.String("component", "orchestrator")),
		chunkLimit:       opts.ChunkLimit,
		maxAttempts:      opts.MaxAttempts,
		baseRetryDelay:   opts.BaseRetryDelay,
		partDelay:        opts.PartDelay,
		contextWindow:    opts.ContextWindow,
		resultTimeout:    opts.ResultTimeout,
		progressInterval: opts.ProgressInterval,
		locks:            make(map[string]*sync.Mutex),
	}, nil
}

// HandleTurn processes one inbound user message: resolve the session, stream
// the reply with retries, persist both sides of the exchange, then deliver
// the chunked response. Failed turns produce exactly one labeled error
// report in the thread.
func (o *Orchestrator) HandleTurn(ctx context.Context, handle, content string) error {
	if handle == "" {
		return fmt.Errorf("handle cannot be empty")
	}
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("message content cannot be empty")
	}

	lock := o.turnLock(handle)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	logger := o.logger.With(
		slog.String("turn_id", uuid.NewString()),
		slog.String("handle", handle))

	if o.typing != nil {
		if err := o.typing.Start(ctx, handle); err == nil {
			defer o.typing.Stop(handle)
		}
	}

	reply, res, err := o.runWithRetries(ctx, handle, content, logger)
	if err != nil {
		o.reportFailure(ctx, handle, err, logger)
		o.turnFinished("error", time.Since(start))
		return err
	}
	reply = normalizeReply(reply)

	logger.DebugContext(ctx, "turn state", slog.String("state", string(statePersisting)))
	o.conv.Append(ctx, handle, store.RoleUser, content)
	o.conv.Append(ctx, handle, store.RoleAssistant, reply)

	if err := o.deliver(ctx, handle, reply, logger); err != nil {
		o.turnFinished("send_error", time.Since(start))
		return err
	}

	attrs := []any{
		slog.String("state", string(stateDone)),
		slog.Duration("elapsed", time.Since(start)),
	}
	if res != nil {
		attrs = append(attrs,
			slog.String("session_id", res.SessionID),
			slog.Duration("backend_duration", res.Duration),
			slog.Float64("cost_usd", res.CostUSD))
	}
	logger.InfoContext(ctx, "turn complete", attrs...)
	o.turnFinished("ok", time.Since(start))
	return nil
}

// runWithRetries runs attempts until one succeeds, the error is fatal, or
// attempts are exhausted.
func (o *Orchestrator) runWithRetries(
	ctx context.Context,
	handle, content string,
	logger *slog.Logger,
) (string, *claude.Result, error) {
	var lastErr error
	for attempt := 1; attempt <= o.maxAttempts; attempt++ {
		if attempt > 1 {
			delay := RetryDelay(attempt-1, o.baseRetryDelay)
			logger.InfoContext(ctx, "retrying turn",
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay))
			o.retryScheduled()
			select {
			case <-ctx.Done():
				return "", nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		reply, res, err := o.runAttempt(ctx, handle, content, logger)
		if err == nil {
			return reply, res, nil
		}
		lastErr = err
		logger.WarnContext(ctx, "turn attempt failed",
			slog.Int("attempt", attempt),
			slog.String("category", Classify(err).label()),
			slog.String("error", err.Error()))
		if !IsRetryable(err) {
			break
		}
	}
	return "", nil, lastErr
}

// runAttempt executes one resolve → send → stream pass.
func (o *Orchestrator) runAttempt(
	ctx context.Context,
	handle, content string,
	logger *slog.Logger,
) (string, *claude.Result, error) {
	logger.DebugContext(ctx, "turn state", slog.String("state", string(stateResolving)))

	entry, err := o.sessions.Resolve(ctx, handle)
	if err != nil {
		// Session creation failures get one evict-and-retry before the
		// attempt itself is counted as failed.
		logger.WarnContext(ctx, "session resolve failed, evicting and retrying",
			slog.String("error", err.Error()))
		o.sessions.Evict(ctx, handle)
		entry, err = o.sessions.Resolve(ctx, handle)
		if err != nil {
			return "", nil, fmt.Errorf("failed to resolve session: %w", err)
		}
	}

	prompt := content
	if entry.MessageCount == 1 && !entry.Resumed {
		// A fresh session has no backend-native history; replay the tail of
		// the stored transcript so the agent keeps its context.
		prompt = o.withHistory(ctx, handle, content)
	}

	logger.DebugContext(ctx, "turn state", slog.String("state", string(stateStreaming)))
	if err := entry.Stream.Send(ctx, prompt); err != nil {
		o.sessions.Evict(ctx, handle)
		return "", nil, fmt.Errorf("failed to send prompt: %w", err)
	}
	return o.consume(ctx, handle, entry, logger)
}

// withHistory prepends the last contextWindow stored messages to the prompt.
func (o *Orchestrator) withHistory(ctx context.Context, handle, content string) string {
	history := o.conv.History(ctx, handle)
	if len(history) == 0 {
		return content
	}
	if len(history) > o.contextWindow {
		history = history[len(history)-o.contextWindow:]
	}

	var b strings.Builder
	b.WriteString("Earlier in this conversation:\n\n")
	for _, m := range history {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	b.WriteString("\nCurrent message:\n")
	b.WriteString(content)
	return b.String()
}

// consume drains stream events until a result arrives. The inactivity timer
// resets on every event so long tool runs do not trip it.
func (o *Orchestrator) consume(
	ctx context.Context,
	handle string,
	entry *session.Entry,
	logger *slog.Logger,
) (string, *claude.Result, error) {
	reporter := newToolReporter(o.messenger, handle, o.progressInterval, logger)
	timer := time.NewTimer(o.resultTimeout)
	defer timer.Stop()

	var textParts []string
	for {
		select {
		case <-ctx.Done():
			return "", nil, ctx.Err()
		case <-timer.C:
			o.sessions.Evict(ctx, handle)
			return "", nil, fmt.Errorf("timed out waiting for backend result: %w",
				context.DeadlineExceeded)
		case ev, ok := <-entry.Stream.Events():
			if !ok {
				o.sessions.Evict(ctx, handle)
				return "", nil, ErrStreamClosed
			}
			timer.Reset(o.resultTimeout)

			switch ev.Kind {
			case claude.EventInit:
				o.sessions.RecordSessionID(ctx, handle, ev.SessionID)
				logger.DebugContext(ctx, "backend session acknowledged",
					slog.String("session_id", ev.SessionID),
					slog.Int("tools", len(ev.Tools)))
			case claude.EventText:
				textParts = append(textParts, ev.Text)
			case claude.EventToolUse:
				reporter.record(ctx, ev.ToolName)
			case claude.EventResult:
				res := ev.Result
				if err := claude.ResultError(res); err != nil {
					return "", nil, err
				}
				if res != nil && res.SessionID != "" {
					o.sessions.RecordSessionID(ctx, handle, res.SessionID)
				}
				if s := reporter.summary(); s != "" {
					logger.InfoContext(ctx, "backend used tools", slog.String("tools", s))
				}
				text := ""
				if res != nil {
					text = res.Text
				}
				if text == "" {
					text = strings.Join(textParts, "\n")
				}
				return text, res, nil
			}
		}
	}
}

// deliver chunks the reply and sends the parts in order with a fixed
// inter-part delay. A failed part aborts the remainder and reports the
// failure to the thread.
func (o *Orchestrator) deliver(ctx context.Context, handle, reply string, logger *slog.Logger) error {
	parts := chunker.ChunkWithLimit(reply, o.chunkLimit)
	for i, part := range parts {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(o.partDelay):
			}
		}
		if err := o.messenger.Send(ctx, handle, part); err != nil {
			logger.ErrorContext(ctx, "failed to deliver reply part",
				slog.Int("part", i+1),
				slog.Int("parts", len(parts)),
				slog.String("error", err.Error()))
			o.reportFailure(ctx, handle, err, logger)
			return fmt.Errorf("failed to deliver part %d/%d: %w", i+1, len(parts), err)
		}
	}
	o.partsSent(len(parts))
	return nil
}

// reportFailure posts one labeled error report to the thread. If even that
// fails, the user saw nothing for this turn, which is the one outcome worth
// a critical log.
func (o *Orchestrator) reportFailure(ctx context.Context, handle string, turnErr error, logger *slog.Logger) {
	msg := UserMessage(turnErr)
	if err := o.messenger.Send(ctx, handle, msg); err != nil {
		logger.ErrorContext(ctx, "failed to deliver error report, user saw no response",
			slog.String("turn_error", turnErr.Error()),
			slog.String("send_error", err.Error()))
	}
}

func normalizeReply(reply string) string {
	if strings.TrimSpace(reply) == "" {
		return "I don't have a response for that."
	}
	return reply
}

// turnLock returns the serialization mutex for a handle. Locks are never
// pruned; the handle population is bounded by thread expiry.
func (o *Orchestrator) turnLock(handle string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()

	lock, ok := o.locks[handle]
	if !ok {
		lock = &sync.Mutex{}
		o.locks[handle] = lock
	}
	return lock
}

func (o *Orchestrator) turnFinished(outcome string, d time.Duration) {
	if o.metrics != nil {
		o.metrics.TurnFinished(outcome, d)
	}
}

func (o *Orchestrator) retryScheduled() {
	if o.metrics != nil {
		o.metrics.RetryScheduled()
	}
}

func (o *Orchestrator) partsSent(n int) {
	if o.metrics != nil {
		o.metrics.PartsSent(n)
	}
}
