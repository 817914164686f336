// Package mocks provides shared fakes for the backend launcher, the
// messaging surface, and the durable store, used across package tests.
package mocks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"threadkeeper/internal/claude"
	"threadkeeper/internal/store"
	"threadkeeper/internal/surface"
)

// FakeStream is a scripted backend session stream.
type FakeStream struct {
	ID string

	// Script runs synchronously on every Send; emit events through s.Emit.
	// When nil, Send emits an init event (first send only), one text event,
	// and a successful result echoing the prompt.
	Script func(s *FakeStream, prompt string)

	SendErr      error
	InterruptErr error

	mu          sync.Mutex
	sent        []string
	interrupted bool
	events      chan claude.Event
	closeOnce   sync.Once
}

// NewFakeStream creates a stream whose init event reports the given id.
func NewFakeStream(id string) *FakeStream {
	return &FakeStream{
		ID:     id,
		events: make(chan claude.Event, 256),
	}
}

// Send records the prompt and runs the script.
func (f *FakeStream) Send(_ context.Context, prompt string) error {
	f.mu.Lock()
	f.sent = append(f.sent, prompt)
	first := len(f.sent) == 1
	f.mu.Unlock()

	if f.SendErr != nil {
		return f.SendErr
	}
	if f.Script != nil {
		f.Script(f, prompt)
		return nil
	}
	if first {
		f.Emit(claude.Event{Kind: claude.EventInit, SessionID: f.ID})
	}
	f.Emit(claude.Event{Kind: claude.EventText, Text: "reply to: " + prompt})
	f.Emit(claude.Event{Kind: claude.EventResult, Result: &claude.Result{
		Text:      "reply to: " + prompt,
		SessionID: f.ID,
		Duration:  time.Second,
	}})
	return nil
}

// Events returns the stream's event channel.
func (f *FakeStream) Events() <-chan claude.Event {
	return f.events
}

// Emit pushes an event to consumers.
func (f *FakeStream) Emit(ev claude.Event) {
	f.events <- ev
}

// Close closes the event channel, simulating process exit.
func (f *FakeStream) Close() {
	f.closeOnce.Do(func() { close(f.events) })
}

// Interrupt marks the stream interrupted and closes it.
func (f *FakeStream) Interrupt(_ context.Context) error {
	f.mu.Lock()
	f.interrupted = true
	f.mu.Unlock()
	f.Close()
	return f.InterruptErr
}

// Interrupted reports whether Interrupt was called.
func (f *FakeStream) Interrupted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.interrupted
}

// Sent returns a copy of all prompts submitted to the stream.
func (f *FakeStream) Sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	copy(out, f.sent)
	return out
}

// FakeLauncher fabricates FakeStreams and records create/resume calls.
type FakeLauncher struct {
	StartErr  error
	ResumeErr error

	// Factory builds the stream for each launch; resumeID is "" for fresh
	// starts. When nil, streams are named sess-1, sess-2, ...
	Factory func(resumeID string) *FakeStream

	mu      sync.Mutex
	starts  int
	resumes []string
	created []*FakeStream
}

// Start launches a fresh fake stream.
func (f *FakeLauncher) Start(_ context.Context) (claude.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.starts++
	if f.StartErr != nil {
		return nil, f.StartErr
	}
	s := f.build("")
	f.created = append(f.created, s)
	return s, nil
}

// Resume launches a fake stream for an existing session id.
func (f *FakeLauncher) Resume(_ context.Context, sessionID string) (claude.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.resumes = append(f.resumes, sessionID)
	if f.ResumeErr != nil {
		return nil, f.ResumeErr
	}
	s := f.build(sessionID)
	f.created = append(f.created, s)
	return s, nil
}

func (f *FakeLauncher) build(resumeID string) *FakeStream {
	if f.Factory != nil {
		return f.Factory(resumeID)
	}
	if resumeID != "" {
		return NewFakeStream(resumeID)
	}
	return NewFakeStream(fmt.Sprintf("sess-%d", f.starts))
}

// StartCount returns how many fresh sessions were requested.
func (f *FakeLauncher) StartCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

// ResumeCalls returns the session ids passed to Resume.
func (f *FakeLauncher) ResumeCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.resumes))
	copy(out, f.resumes)
	return out
}

// Created returns every stream the launcher built.
func (f *FakeLauncher) Created() []*FakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*FakeStream, len(f.created))
	copy(out, f.created)
	return out
}

// SentMessage records one Send call on the fake messenger.
type SentMessage struct {
	ChannelID string
	Content   string
}

// FakeMessenger implements surface.Messenger with canned data.
type FakeMessenger struct {
	SendErr      error
	SendErrAfter int // fail after this many successful sends; 0 disables
	DeleteErr    error
	RenameErr    error
	ThreadsErr   error
	LatestErr    error
	CreateErr    error

	ThreadID   string // returned by CreateThread
	Threads    []surface.ThreadInfo
	Latest     map[string]*surface.MessageInfo
	CanSendVal bool

	mu      sync.Mutex
	sent    []SentMessage
	deleted []string
	renamed map[string]string
	typing  map[string]int
	threads []string // created thread names
}

// NewFakeMessenger creates a fake messenger that permits sending.
func NewFakeMessenger() *FakeMessenger {
	return &FakeMessenger{
		ThreadID:   "thread-1",
		CanSendVal: true,
		Latest:     make(map[string]*surface.MessageInfo),
		renamed:    make(map[string]string),
		typing:     make(map[string]int),
	}
}

// Send records the outgoing message.
func (f *FakeMessenger) Send(_ context.Context, channelID, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.SendErr != nil {
		return f.SendErr
	}
	if f.SendErrAfter > 0 && len(f.sent) >= f.SendErrAfter {
		return fmt.Errorf("send failed after %d parts", f.SendErrAfter)
	}
	f.sent = append(f.sent, SentMessage{ChannelID: channelID, Content: content})
	return nil
}

// CreateThread records the request and returns the canned thread id.
func (f *FakeMessenger) CreateThread(_ context.Context, _, _, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.CreateErr != nil {
		return "", f.CreateErr
	}
	f.threads = append(f.threads, name)
	return f.ThreadID, nil
}

// RenameThread records the rename.
func (f *FakeMessenger) RenameThread(_ context.Context, threadID, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.RenameErr != nil {
		return f.RenameErr
	}
	f.renamed[threadID] = name
	return nil
}

// DeleteThread records the deletion.
func (f *FakeMessenger) DeleteThread(_ context.Context, threadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.deleted = append(f.deleted, threadID)
	return f.DeleteErr
}

// Typing counts indicator calls per channel.
func (f *FakeMessenger) Typing(_ context.Context, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing[channelID]++
	return nil
}

// LatestMessage returns the canned latest message for a thread.
func (f *FakeMessenger) LatestMessage(_ context.Context, threadID string) (*surface.MessageInfo, error) {
	if f.LatestErr != nil {
		return nil, f.LatestErr
	}
	return f.Latest[threadID], nil
}

// ActiveThreads returns the canned thread list.
func (f *FakeMessenger) ActiveThreads(_ context.Context, _ string) ([]surface.ThreadInfo, error) {
	if f.ThreadsErr != nil {
		return nil, f.ThreadsErr
	}
	return f.Threads, nil
}

// CanSend returns the canned permission flag.
func (f *FakeMessenger) CanSend(_ context.Context, _ string) (bool, error) {
	return f.CanSendVal, nil
}

// SentMessages returns a copy of all recorded sends.
func (f *FakeMessenger) SentMessages() []SentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]SentMessage, len(f.sent))
	copy(out, f.sent)
	return out
}

// DeletedThreads returns a copy of all thread ids passed to DeleteThread.
func (f *FakeMessenger) DeletedThreads() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.deleted))
	copy(out, f.deleted)
	return out
}

// RenamedThreads returns the recorded renames.
func (f *FakeMessenger) RenamedThreads() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.renamed))
	for k, v := range f.renamed {
		out[k] = v
	}
	return out
}

// TypingCount returns the number of typing calls for a channel.
func (f *FakeMessenger) TypingCount(channelID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.typing[channelID]
}

// CreatedThreadNames returns the names passed to CreateThread.
func (f *FakeMessenger) CreatedThreadNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.threads))
	copy(out, f.threads)
	return out
}

// FakeStore is an in-memory durable store for tests.
type FakeStore struct {
	mu       sync.Mutex
	messages map[string][]store.Message
	sessions map[string]string
	touched  []string
	deleted  []string
}

// NewFakeStore creates an empty fake store.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		messages: make(map[string][]store.Message),
		sessions: make(map[string]string),
	}
}

// History returns the stored transcript for handle.
func (f *FakeStore) History(_ context.Context, handle string) []store.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.Message, len(f.messages[handle]))
	copy(out, f.messages[handle])
	return out
}

// Append stores a message.
func (f *FakeStore) Append(_ context.Context, handle string, role store.Role, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[handle] = append(f.messages[handle], store.Message{
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	})
}

// Delete removes all rows for handle.
func (f *FakeStore) Delete(_ context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.messages, handle)
	delete(f.sessions, handle)
	f.deleted = append(f.deleted, handle)
	return nil
}

// SessionID returns the mapped backend session id, or "".
func (f *FakeStore) SessionID(_ context.Context, handle string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[handle]
}

// SetSessionID stores a mapping.
func (f *FakeStore) SetSessionID(_ context.Context, handle, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[handle] = id
}

// TouchSessionID records the renewal.
func (f *FakeStore) TouchSessionID(_ context.Context, handle string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, handle)
}

// DeleteSessionID removes a mapping.
func (f *FakeStore) DeleteSessionID(_ context.Context, handle string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, handle)
}

// Sessions returns a copy of the mapping table.
func (f *FakeStore) Sessions() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.sessions))
	for k, v := range f.sessions {
		out[k] = v
	}
	return out
}

// DeletedHandles returns handles passed to Delete.
func (f *FakeStore) DeletedHandles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.deleted))
	copy(out, f.deleted)
	return out
}
