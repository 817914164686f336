// Package store persists conversation transcripts and backend-session
// mappings in Redis with TTL-based expiry, degrading to an in-process map
// when Redis is unreachable. Callers never see transport failures on the
// conversation path; degradation is logged and retried in the background.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultConversationTTL is how long a conversation survives without
	// activity before its keys expire.
	DefaultConversationTTL = 48 * time.Hour

	// DefaultSessionTTL is the idle timeout for backend-session mappings.
	DefaultSessionTTL = 30 * time.Minute

	// DefaultMaxMessages caps the stored transcript length per conversation.
	DefaultMaxMessages = 50

	// DefaultMaxReconnects bounds reconnection probes before the store
	// stays in fallback mode for the rest of the process lifetime.
	DefaultMaxReconnects = 20

	// DefaultReconnectDelay is the pause between reconnection probes.
	DefaultReconnectDelay = 30 * time.Second
)

// ErrDegraded indicates the store is running on the in-process fallback and
// cannot serve operations that require a live Redis connection.
var ErrDegraded = errors.New("store degraded to in-process fallback")

// Role identifies which side of the conversation produced a message.
type Role string

const (
	// RoleUser marks messages from the human side of the conversation.
	RoleUser Role = "user"
	// RoleAssistant marks messages from the agent backend.
	RoleAssistant Role = "assistant"
)

// Message is one entry in a conversation transcript.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Options configures a Store.
type Options struct {
	Addr            string
	Password        string
	DB              int
	ConversationTTL time.Duration
	SessionTTL      time.Duration
	MaxMessages     int
	MaxReconnects   int
	ReconnectDelay  time.Duration
	Logger          *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.ConversationTTL <= 0 {
		o.ConversationTTL = DefaultConversationTTL
	}
	if o.SessionTTL <= 0 {
		o.SessionTTL = DefaultSessionTTL
	}
	if o.MaxMessages <= 0 {
		o.MaxMessages = DefaultMaxMessages
	}
	if o.MaxReconnects <= 0 {
		o.MaxReconnects = DefaultMaxReconnects
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = DefaultReconnectDelay
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Store is the durable conversation store. All methods are safe for
// concurrent use across conversation handles.
type Store struct {
	client *redis.Client
	opts   Options
	logger *slog.Logger

	fallback *memoryStore

	mu           sync.RWMutex
	degraded     bool
	reconnecting bool
	exhausted    bool

	done chan struct{}
}

// New connects to Redis at opts.Addr. A failed initial connection is
// non-fatal: the store starts in fallback mode and probes for reconnection
// in the background.
func New(ctx context.Context, opts Options) *Store {
	opts.applyDefaults()
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	s := NewWithClient(client, opts)

	if err := client.Ping(ctx).Err(); err != nil {
		s.markDegraded(err)
	}
	return s
}

// NewWithClient wraps an existing Redis client. Used by tests and by callers
// that manage client construction themselves.
func NewWithClient(client *redis.Client, opts Options) *Store {
	opts.applyDefaults()
	return &Store{
		client:   client,
		opts:     opts,
		logger:   opts.Logger.With(slog.String("component", "store")),
		fallback: newMemoryStore(opts.SessionTTL),
		done:     make(chan struct{}),
	}
}

// Close stops background reconnection probes and closes the Redis client.
func (s *Store) Close() error {
	close(s.done)
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("failed to close redis client: %w", err)
	}
	return nil
}

// Connected reports whether the store is currently serving from Redis.
func (s *Store) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.degraded
}

// History returns the transcript for handle, creating an empty record with a
// full TTL when none exists. It never fails the caller: transport errors
// degrade the store and the fallback copy is served instead.
func (s *Store) History(ctx context.Context, handle string) []Message {
	if s.Connected() {
		msgs, err := s.redisHistory(ctx, handle)
		if err == nil {
			s.fallback.mirror(handle, msgs)
			return msgs
		}
		s.markDegraded(err)
	}
	return s.fallback.history(handle)
}

func (s *Store) redisHistory(ctx context.Context, handle string) ([]Message, error) {
	data, err := s.client.Get(ctx, messagesKey(handle)).Bytes()
	if errors.Is(err, redis.Nil) {
		// First contact: write an empty record so the liveness key exists
		// and expiry reconciliation covers this conversation.
		if err := s.writeRecord(ctx, handle, []Message{}); err != nil {
			return nil, err
		}
		return []Message{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var msgs []Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal transcript: %w", err)
	}
	return msgs, nil
}

// Append adds a message to the transcript, enforcing the length cap (oldest
// dropped first) and refreshing the record and liveness TTLs. Transport
// errors degrade the store; the fallback copy is always updated.
func (s *Store) Append(ctx context.Context, handle string, role Role, content string) {
	msg := Message{Role: role, Content: content, CreatedAt: time.Now().UTC()}

	if s.Connected() {
		if err := s.redisAppend(ctx, handle, msg); err != nil {
			s.markDegraded(err)
		}
	}
	s.fallback.append(handle, msg, s.opts.MaxMessages, !s.Connected())
}

func (s *Store) redisAppend(ctx context.Context, handle string, msg Message) error {
	msgs, err := s.redisHistory(ctx, handle)
	if err != nil {
		return err
	}
	msgs = append(msgs, msg)
	if over := len(msgs) - s.opts.MaxMessages; over > 0 {
		msgs = msgs[over:]
	}
	return s.writeRecord(ctx, handle, msgs)
}

// writeRecord rewrites the full transcript and refreshes the liveness key in
// a single round-trip.
func (s *Store) writeRecord(ctx context.Context, handle string, msgs []Message) error {
	data, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("failed to marshal transcript: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	pipe := s.client.Pipeline()
	pipe.Set(ctx, messagesKey(handle), data, s.opts.ConversationTTL)
	pipe.Set(ctx, livenessKey(handle), now, s.opts.ConversationTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}
	return nil
}

// Delete removes all durable rows for handle.
func (s *Store) Delete(ctx context.Context, handle string) error {
	s.fallback.delete(handle)
	if !s.Connected() {
		return nil
	}
	err := s.client.Del(ctx,
		messagesKey(handle),
		livenessKey(handle),
		sessionKey(handle),
	).Err()
	if err != nil {
		s.markDegraded(err)
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

// SessionID returns the backend session id mapped to handle, or "" when no
// mapping exists.
func (s *Store) SessionID(ctx context.Context, handle string) string {
	if s.Connected() {
		id, err := s.client.Get(ctx, sessionKey(handle)).Result()
		if err == nil {
			return id
		}
		if errors.Is(err, redis.Nil) {
			return ""
		}
		s.markDegraded(err)
	}
	return s.fallback.sessionID(handle)
}

// SetSessionID records the handle → backend session id mapping with the idle
// TTL, overwriting any previous mapping.
func (s *Store) SetSessionID(ctx context.Context, handle, id string) {
	s.fallback.setSessionID(handle, id, !s.Connected())
	if !s.Connected() {
		return
	}
	if err := s.client.Set(ctx, sessionKey(handle), id, s.opts.SessionTTL).Err(); err != nil {
		s.markDegraded(err)
	}
}

// TouchSessionID renews the idle TTL on the session mapping.
func (s *Store) TouchSessionID(ctx context.Context, handle string) {
	s.fallback.touchSession(handle)
	if !s.Connected() {
		return
	}
	if err := s.client.Expire(ctx, sessionKey(handle), s.opts.SessionTTL).Err(); err != nil {
		s.markDegraded(err)
	}
}

// DeleteSessionID removes the session mapping for handle.
func (s *Store) DeleteSessionID(ctx context.Context, handle string) {
	s.fallback.deleteSession(handle)
	if !s.Connected() {
		return
	}
	if err := s.client.Del(ctx, sessionKey(handle)).Err(); err != nil {
		s.markDegraded(err)
	}
}

// LivenessTTL returns the remaining TTL on the liveness key for handle. The
// second return is false when the key does not exist or the store is
// degraded.
func (s *Store) LivenessTTL(ctx context.Context, handle string) (time.Duration, bool) {
	if !s.Connected() {
		return 0, false
	}
	ttl, err := s.client.TTL(ctx, livenessKey(handle)).Result()
	if err != nil {
		s.markDegraded(err)
		return 0, false
	}
	if ttl < 0 {
		// -2 key missing, -1 no expiry set.
		return 0, false
	}
	return ttl, true
}

// ActiveConversations counts conversations with a stored transcript.
func (s *Store) ActiveConversations(ctx context.Context) int {
	if s.Connected() {
		count := 0
		iter := s.client.Scan(ctx, 0, messagesKey("*"), 0).Iterator()
		for iter.Next(ctx) {
			count++
		}
		if err := iter.Err(); err != nil {
			s.markDegraded(err)
		} else {
			return count
		}
	}
	return s.fallback.count()
}

// ExpiredFallback returns handles whose in-process last activity is older
// than maxAge. Used by the reconciler's degraded-mode sweep.
func (s *Store) ExpiredFallback(maxAge time.Duration) []string {
	return s.fallback.expired(maxAge)
}

// ExpiryEvents enables keyspace expiry notifications and returns a channel of
// conversation handles whose liveness key expired. The channel closes when
// ctx is canceled. Returns ErrDegraded when Redis is unavailable.
func (s *Store) ExpiryEvents(ctx context.Context) (<-chan string, error) {
	if !s.Connected() {
		return nil, ErrDegraded
	}

	// Managed Redis deployments often reject CONFIG SET; the subscription
	// still works when notifications were enabled server-side.
	if err := s.client.ConfigSet(ctx, "notify-keyspace-events", "Ex").Err(); err != nil {
		s.logger.WarnContext(ctx, "could not enable keyspace notifications",
			slog.String("error", err.Error()))
	}

	pubsub := s.client.PSubscribe(ctx, "__keyevent@*__:expired")
	out := make(chan string)

	go func() {
		defer close(out)
		defer func() { _ = pubsub.Close() }()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handle, ok := handleFromLivenessKey(msg.Payload)
				if !ok {
					continue
				}
				select {
				case out <- handle:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// markDegraded transitions the store into fallback mode (logged once) and
// starts the bounded reconnection probe loop.
func (s *Store) markDegraded(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.degraded {
		s.degraded = true
		s.logger.Warn("redis unavailable, degrading to in-process fallback",
			slog.String("error", err.Error()))
	}
	if s.reconnecting || s.exhausted {
		return
	}
	s.reconnecting = true
	go s.reconnectLoop()
}

func (s *Store) reconnectLoop() {
	defer func() {
		s.mu.Lock()
		s.reconnecting = false
		s.mu.Unlock()
	}()

	for attempt := 1; attempt <= s.opts.MaxReconnects; attempt++ {
		select {
		case <-s.done:
			return
		case <-time.After(s.opts.ReconnectDelay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := s.client.Ping(ctx).Err()
		cancel()
		if err != nil {
			s.logger.Debug("redis reconnect probe failed",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()))
			continue
		}

		s.recover()
		return
	}

	s.mu.Lock()
	s.exhausted = true
	s.mu.Unlock()
	s.logger.Error("redis reconnect attempts exhausted, staying in fallback mode",
		slog.Int("attempts", s.opts.MaxReconnects))
}

// recover transitions back to durable mode and flushes conversations that
// were mutated while degraded so they are not lost to independent expiry.
func (s *Store) recover() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	flushed := 0
	for _, rec := range s.fallback.dirtyRecords() {
		if err := s.writeRecord(ctx, rec.handle, rec.messages); err != nil {
			s.logger.Warn("failed to flush fallback conversation",
				slog.String("handle", rec.handle),
				slog.String("error", err.Error()))
			continue
		}
		if rec.sessionID != "" {
			if err := s.client.Set(ctx, sessionKey(rec.handle), rec.sessionID, s.opts.SessionTTL).Err(); err != nil {
				s.logger.Warn("failed to flush fallback session mapping",
					slog.String("handle", rec.handle),
					slog.String("error", err.Error()))
			}
		}
		s.fallback.clearDirty(rec.handle)
		flushed++
	}

	s.mu.Lock()
	s.degraded = false
	s.mu.Unlock()
	s.logger.Info("redis connection restored",
		slog.Int("flushed_conversations", flushed))
}
