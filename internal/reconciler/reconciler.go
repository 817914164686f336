// Package reconciler enforces the conversation retention policy: it reacts
// to store expiry events, sweeps surviving threads at startup, and runs a
// coarse daily sweep when the store is unavailable.
package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"threadkeeper/internal/surface"
)

const (
	// DefaultRetention is how long a conversation lives without activity.
	DefaultRetention = 48 * time.Hour

	// DefaultExpirySlack widens the startup sweep: threads whose liveness
	// key has less than this left are treated as already expired, covering
	// expiries that would fire moments after startup.
	DefaultExpirySlack = time.Hour

	// DefaultFallbackInterval is the sweep cadence while the store is down.
	DefaultFallbackInterval = 24 * time.Hour

	// DefaultFallbackDelay is how long after startup the first fallback
	// sweep runs.
	DefaultFallbackDelay = time.Hour

	// DefaultResubscribeInterval is how often Run retries the expiry-event
	// subscription while it has none, covering stores that start degraded
	// and pubsub channels that drop mid-life.
	DefaultResubscribeInterval = time.Minute
)

// ExpiryStore is the slice of the durable store the reconciler needs.
// Satisfied by *store.Store.
type ExpiryStore interface {
	ExpiryEvents(ctx context.Context) (<-chan string, error)
	LivenessTTL(ctx context.Context, handle string) (time.Duration, bool)
	Delete(ctx context.Context, handle string) error
	ExpiredFallback(maxAge time.Duration) []string
	Connected() bool
}

// SessionEvictor releases the live backend session for an expired handle.
// Satisfied by *session.Registry.
type SessionEvictor interface {
	Evict(ctx context.Context, handle string)
}

// Options configures a Reconciler.
type Options struct {
	ParentChannelID     string
	Retention           time.Duration
	ExpirySlack         time.Duration
	FallbackDelay       time.Duration
	FallbackInterval    time.Duration
	ResubscribeInterval time.Duration
	Logger              *slog.Logger
}

// Reconciler keeps the surface, the store, and the session registry agreed
// on which conversations still exist.
type Reconciler struct {
	store     ExpiryStore
	messenger surface.Messenger
	sessions  SessionEvictor
	logger    *slog.Logger

	parentChannelID     string
	retention           time.Duration
	expirySlack         time.Duration
	fallbackDelay       time.Duration
	fallbackInterval    time.Duration
	resubscribeInterval time.Duration
}

// New creates a reconciler. sessions may be nil.
func New(store ExpiryStore, messenger surface.Messenger, sessions SessionEvictor, opts Options) (*Reconciler, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if messenger == nil {
		return nil, fmt.Errorf("messenger is required")
	}
	if opts.ParentChannelID == "" {
		return nil, fmt.Errorf("parent channel ID is required")
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.ExpirySlack <= 0 {
		opts.ExpirySlack = DefaultExpirySlack
	}
	if opts.FallbackDelay <= 0 {
		opts.FallbackDelay = DefaultFallbackDelay
	}
	if opts.FallbackInterval <= 0 {
		opts.FallbackInterval = DefaultFallbackInterval
	}
	if opts.ResubscribeInterval <= 0 {
		opts.ResubscribeInterval = DefaultResubscribeInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Reconciler{
		store:               store,
		messenger:           messenger,
		sessions:            sessions,
		logger:              opts.Logger.With(slog.String("component", "reconciler")),
		parentChannelID:     opts.ParentChannelID,
		retention:           opts.Retention,
		expirySlack:         opts.ExpirySlack,
		fallbackDelay:       opts.FallbackDelay,
		fallbackInterval:    opts.FallbackInterval,
		resubscribeInterval: opts.ResubscribeInterval,
	}, nil
}

// Run consumes expiry events until ctx is canceled. A lost or never-made
// subscription is retried while the store is reachable, so a degraded start
// or a dropped pubsub channel does not disable expiry handling for the
// process lifetime. The fallback sweep ticks regardless but only acts while
// the store is down.
func (r *Reconciler) Run(ctx context.Context) {
	events := r.subscribe(ctx)

	fallback := time.NewTimer(r.fallbackDelay)
	defer fallback.Stop()
	resubscribe := time.NewTicker(r.resubscribeInterval)
	defer resubscribe.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case handle, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			r.logger.InfoContext(ctx, "conversation expired",
				slog.String("handle", handle))
			r.remove(ctx, handle)
		case <-resubscribe.C:
			if events == nil && r.store.Connected() {
				events = r.subscribe(ctx)
			}
		case <-fallback.C:
			r.fallbackSweep(ctx)
			fallback.Reset(r.fallbackInterval)
		}
	}
}

// subscribe attempts the expiry-event subscription; nil means try again
// later.
func (r *Reconciler) subscribe(ctx context.Context) <-chan string {
	events, err := r.store.ExpiryEvents(ctx)
	if err != nil {
		r.logger.WarnContext(ctx, "expiry events unavailable, relying on sweeps",
			slog.String("error", err.Error()))
		return nil
	}
	return events
}

// StartupSweep reconciles threads that expired while the process was down.
// It needs both the surface and the store; callers run it once after both
// connect.
func (r *Reconciler) StartupSweep(ctx context.Context) error {
	threads, err := r.messenger.ActiveThreads(ctx, r.parentChannelID)
	if err != nil {
		return fmt.Errorf("failed to list active threads: %w", err)
	}

	now := time.Now()
	swept := 0
	for _, t := range threads {
		last := t.CreatedAt
		if msg, err := r.messenger.LatestMessage(ctx, t.ID); err == nil && msg != nil {
			last = msg.Timestamp
		}

		stale := now.Sub(last) > r.retention
		if !stale {
			if ttl, ok := r.store.LivenessTTL(ctx, t.ID); ok && ttl < r.expirySlack {
				stale = true
			}
		}
		if !stale {
			continue
		}

		r.logger.InfoContext(ctx, "sweeping stale thread",
			slog.String("handle", t.ID),
			slog.Time("last_activity", last))
		r.remove(ctx, t.ID)
		swept++
	}

	r.logger.InfoContext(ctx, "startup sweep complete",
		slog.Int("threads", len(threads)),
		slog.Int("swept", swept))
	return nil
}

// fallbackSweep covers retention while the store cannot emit expiry events.
// It uses the in-process last-access times the degraded store kept.
func (r *Reconciler) fallbackSweep(ctx context.Context) {
	if r.store.Connected() {
		return
	}
	handles := r.store.ExpiredFallback(r.retention)
	if len(handles) == 0 {
		return
	}
	r.logger.InfoContext(ctx, "fallback sweep",
		slog.Int("expired", len(handles)))
	for _, handle := range handles {
		r.remove(ctx, handle)
	}
}

// remove tears down every trace of a conversation: live session, durable
// rows, and the surface thread. Failures are logged and swallowed; a
// missing thread is already the desired end state.
func (r *Reconciler) remove(ctx context.Context, handle string) {
	if r.sessions != nil {
		r.sessions.Evict(ctx, handle)
	}
	if err := r.store.Delete(ctx, handle); err != nil {
		r.logger.WarnContext(ctx, "failed to delete conversation rows",
			slog.String("handle", handle),
			slog.String("error", err.Error()))
	}
	if err := r.messenger.DeleteThread(ctx, handle); err != nil {
		r.logger.WarnContext(ctx, "failed to delete thread",
			slog.String("handle", handle),
			slog.String("error", err.Error()))
	}
}
