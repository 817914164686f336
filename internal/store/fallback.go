package store

import (
	"sync"
	"time"
)

// memoryStore is the in-process fallback behind Store. It mirrors writes at
// all times so that a mid-life degradation serves recent history, and marks
// records dirty while degraded so reconnection can flush exactly the rows
// Redis missed.
type memoryStore struct {
	mu         sync.Mutex
	records    map[string]*memoryRecord
	sessionTTL time.Duration
}

type memoryRecord struct {
	messages   []Message
	lastAccess time.Time
	sessionID  string
	sessionAt  time.Time
	dirty      bool
}

// dirtyRecord is a snapshot of a record pending flush to Redis.
type dirtyRecord struct {
	handle    string
	messages  []Message
	sessionID string
}

func newMemoryStore(sessionTTL time.Duration) *memoryStore {
	return &memoryStore{
		records:    make(map[string]*memoryRecord),
		sessionTTL: sessionTTL,
	}
}

func (m *memoryStore) record(handle string) *memoryRecord {
	rec, ok := m.records[handle]
	if !ok {
		rec = &memoryRecord{lastAccess: time.Now()}
		m.records[handle] = rec
	}
	return rec
}

func (m *memoryStore) history(handle string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.record(handle)
	out := make([]Message, len(rec.messages))
	copy(out, rec.messages)
	return out
}

// mirror replaces the cached transcript with the authoritative Redis copy.
func (m *memoryStore) mirror(handle string, msgs []Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.record(handle)
	if rec.dirty {
		// A flush is pending; do not clobber the newer local copy.
		return
	}
	rec.messages = append(rec.messages[:0], msgs...)
	rec.lastAccess = time.Now()
}

func (m *memoryStore) append(handle string, msg Message, maxMessages int, degraded bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.record(handle)
	rec.messages = append(rec.messages, msg)
	if over := len(rec.messages) - maxMessages; over > 0 {
		rec.messages = rec.messages[over:]
	}
	rec.lastAccess = time.Now()
	if degraded {
		rec.dirty = true
	}
}

func (m *memoryStore) delete(handle string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, handle)
}

func (m *memoryStore) sessionID(handle string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[handle]
	if !ok || rec.sessionID == "" {
		return ""
	}
	if time.Since(rec.sessionAt) > m.sessionTTL {
		rec.sessionID = ""
		return ""
	}
	return rec.sessionID
}

func (m *memoryStore) setSessionID(handle, id string, degraded bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.record(handle)
	rec.sessionID = id
	rec.sessionAt = time.Now()
	if degraded {
		rec.dirty = true
	}
}

func (m *memoryStore) touchSession(handle string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.records[handle]; ok && rec.sessionID != "" {
		rec.sessionAt = time.Now()
	}
}

func (m *memoryStore) deleteSession(handle string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.records[handle]; ok {
		rec.sessionID = ""
	}
}

func (m *memoryStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func (m *memoryStore) expired(maxAge time.Duration) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []string
	cutoff := time.Now().Add(-maxAge)
	for handle, rec := range m.records {
		if rec.lastAccess.Before(cutoff) {
			out = append(out, handle)
		}
	}
	return out
}

func (m *memoryStore) dirtyRecords() []dirtyRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []dirtyRecord
	for handle, rec := range m.records {
		if !rec.dirty {
			continue
		}
		msgs := make([]Message, len(rec.messages))
		copy(msgs, rec.messages)
		sessionID := ""
		if rec.sessionID != "" && time.Since(rec.sessionAt) <= m.sessionTTL {
			sessionID = rec.sessionID
		}
		out = append(out, dirtyRecord{handle: handle, messages: msgs, sessionID: sessionID})
	}
	return out
}

func (m *memoryStore) clearDirty(handle string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.records[handle]; ok {
		rec.dirty = false
	}
}
