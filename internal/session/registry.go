// Package session maintains the in-process registry of live backend
// sessions, one per conversation handle, with capacity-bounded LRU eviction
// and cross-restart resumption through the durable session mapping.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"threadkeeper/internal/claude"
)

const (
	// DefaultMaxSessions caps concurrently live backend sessions.
	DefaultMaxSessions = 10

	// DefaultIdleTimeout evicts sessions unused for this long. Matches the
	// durable mapping TTL so both expire together.
	DefaultIdleTimeout = 30 * time.Minute

	// DefaultSweepInterval is how often the idle sweep runs.
	DefaultSweepInterval = 5 * time.Minute
)

// MappingStore is the durable handle → backend-session-id mapping the
// registry persists for cross-restart resumption. Satisfied by *store.Store.
type MappingStore interface {
	SessionID(ctx context.Context, handle string) string
	SetSessionID(ctx context.Context, handle, id string)
	TouchSessionID(ctx context.Context, handle string)
	DeleteSessionID(ctx context.Context, handle string)
}

// Entry is one live session. The registry owns all entries exclusively;
// callers must not retain them across turns.
type Entry struct {
	Handle       string
	SessionID    string // empty until the backend's first acknowledgement
	Stream       claude.Stream
	LastUsed     time.Time
	MessageCount int
	Resumed      bool
}

// Options configures a Registry.
type Options struct {
	MaxSessions   int
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	Logger        *slog.Logger

	// OnEvict, when set, is called with the eviction reason ("capacity",
	// "idle", "explicit") each time an entry is removed. Must not block.
	OnEvict func(reason string)
}

// Registry implements the session lifecycle: reuse, resume, capacity
// eviction, idle sweep, and graceful shutdown.
type Registry struct {
	launcher claude.Launcher
	mappings MappingStore
	logger   *slog.Logger

	maxSessions   int
	idleTimeout   time.Duration
	sweepInterval time.Duration
	onEvict       func(reason string)

	mu      sync.Mutex
	entries map[string]*Entry
}

// NewRegistry creates a session registry.
func NewRegistry(launcher claude.Launcher, mappings MappingStore, opts Options) (*Registry, error) {
	if launcher == nil {
		return nil, fmt.Errorf("launcher is required")
	}
	if mappings == nil {
		return nil, fmt.Errorf("mapping store is required")
	}
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = DefaultMaxSessions
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Registry{
		launcher:      launcher,
		mappings:      mappings,
		logger:        opts.Logger.With(slog.String("component", "session")),
		maxSessions:   opts.MaxSessions,
		idleTimeout:   opts.IdleTimeout,
		sweepInterval: opts.SweepInterval,
		onEvict:       opts.OnEvict,
		entries:       make(map[string]*Entry),
	}, nil
}

// Resolve returns the live session for handle, creating or resuming one as
// needed. The reuse path is the fast path; resume and create both count the
// first message. Launching a process is slow, so it happens outside the
// registry lock and must not stall reuse for other handles.
func (r *Registry) Resolve(ctx context.Context, handle string) (*Entry, error) {
	if handle == "" {
		return nil, fmt.Errorf("handle cannot be empty")
	}

	// 1. Reuse.
	if entry := r.reuse(handle); entry != nil {
		r.mappings.TouchSessionID(ctx, handle)
		return entry, nil
	}

	var entry *Entry

	// 2. Resume from the durable mapping.
	if id := r.mappings.SessionID(ctx, handle); id != "" {
		stream, err := r.launcher.Resume(ctx, id)
		if err == nil {
			entry = &Entry{
				Handle:       handle,
				SessionID:    id,
				Stream:       stream,
				LastUsed:     time.Now(),
				MessageCount: 1,
				Resumed:      true,
			}
			r.mappings.TouchSessionID(ctx, handle)
			r.logger.InfoContext(ctx, "resumed backend session",
				slog.String("handle", handle),
				slog.String("session_id", id))
		} else {
			// Resume failure falls through to a fresh session; the stale
			// mapping is removed so the next restart does not retry it.
			r.logger.WarnContext(ctx, "session resume failed, starting fresh",
				slog.String("handle", handle),
				slog.String("session_id", id),
				slog.String("error", err.Error()))
			r.mappings.DeleteSessionID(ctx, handle)
		}
	}

	// 3 + 4. Fresh session, capacity enforced by insertLocked. The session
	// id stays pending until the backend acknowledges.
	if entry == nil {
		stream, err := r.launcher.Start(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to start backend session: %w", err)
		}
		entry = &Entry{
			Handle:       handle,
			Stream:       stream,
			LastUsed:     time.Now(),
			MessageCount: 1,
		}
		r.logger.InfoContext(ctx, "started backend session",
			slog.String("handle", handle))
	}

	r.mu.Lock()
	// The orchestrator serializes turns per handle, but nothing stops other
	// callers from racing here; an entry that appeared while we were
	// launching wins and the duplicate is discarded.
	if existing, ok := r.entries[handle]; ok {
		existing.LastUsed = time.Now()
		existing.MessageCount++
		r.mu.Unlock()
		go r.interrupt(entry)
		return existing, nil
	}
	r.insertLocked(ctx, entry)
	r.mu.Unlock()
	return entry, nil
}

// reuse bumps and returns the live entry for handle, or nil.
func (r *Registry) reuse(handle string) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[handle]
	if !ok {
		return nil
	}
	entry.LastUsed = time.Now()
	entry.MessageCount++
	return entry
}

// insertLocked adds an entry, evicting the least-recently-used one first if
// the registry is at capacity. Caller holds r.mu.
func (r *Registry) insertLocked(ctx context.Context, entry *Entry) {
	for len(r.entries) >= r.maxSessions {
		oldest := r.oldestLocked()
		if oldest == nil {
			break
		}
		r.removeLocked(ctx, oldest, "capacity")
	}
	r.entries[entry.Handle] = entry
}

func (r *Registry) oldestLocked() *Entry {
	var oldest *Entry
	for _, e := range r.entries {
		if oldest == nil || e.LastUsed.Before(oldest.LastUsed) {
			oldest = e
		}
	}
	return oldest
}

// removeLocked drops an entry from memory, deletes its durable mapping, and
// interrupts its stream in the background. Caller holds r.mu.
func (r *Registry) removeLocked(ctx context.Context, entry *Entry, reason string) {
	delete(r.entries, entry.Handle)
	r.mappings.DeleteSessionID(ctx, entry.Handle)
	r.logger.InfoContext(ctx, "evicting session",
		slog.String("handle", entry.Handle),
		slog.String("reason", reason))
	if r.onEvict != nil {
		r.onEvict(reason)
	}
	go r.interrupt(entry)
}

// interrupt is best-effort; failures are logged, never propagated.
func (r *Registry) interrupt(entry *Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := entry.Stream.Interrupt(ctx); err != nil {
		r.logger.Warn("failed to interrupt session",
			slog.String("handle", entry.Handle),
			slog.String("error", err.Error()))
	}
}

// RecordSessionID fills in a pending session id once the backend's first
// acknowledgement arrives and persists the durable mapping.
func (r *Registry) RecordSessionID(ctx context.Context, handle, sessionID string) {
	if sessionID == "" {
		return
	}

	r.mu.Lock()
	entry, ok := r.entries[handle]
	if ok {
		entry.SessionID = sessionID
	}
	r.mu.Unlock()

	if !ok {
		// The entry was evicted between acknowledgement and recording;
		// do not persist a mapping for a dead session.
		return
	}
	r.mappings.SetSessionID(ctx, handle, sessionID)
}

// Evict removes the session for handle, interrupting it and deleting the
// durable mapping. Used for error recovery and explicit cleanup.
func (r *Registry) Evict(ctx context.Context, handle string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.entries[handle]; ok {
		r.removeLocked(ctx, entry, "explicit")
	}
}

// ActiveSessions returns the number of live entries.
func (r *Registry) ActiveSessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Run executes the periodic idle sweep until ctx is canceled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepIdle(ctx)
		}
	}
}

// sweepIdle evicts entries unused for longer than the idle timeout.
func (r *Registry) sweepIdle(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-r.idleTimeout)
	for _, entry := range r.entries {
		if entry.LastUsed.Before(cutoff) {
			r.removeLocked(ctx, entry, "idle")
		}
	}
}

// Shutdown interrupts all live sessions concurrently, best-effort, then
// clears memory state. One slow or failing interrupt does not block the
// rest.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	entries := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.entries = make(map[string]*Entry)
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, entry := range entries {
		g.Go(func() error {
			if err := entry.Stream.Interrupt(gctx); err != nil {
				r.logger.Warn("failed to interrupt session during shutdown",
					slog.String("handle", entry.Handle),
					slog.String("error", err.Error()))
			}
			return nil
		})
	}
	_ = g.Wait()

	r.logger.InfoContext(ctx, "session registry shut down",
		slog.Int("interrupted", len(entries)))
}
