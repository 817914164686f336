package orchestrator_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"threadkeeper/internal/claude"
	"threadkeeper/internal/mocks"
	"threadkeeper/internal/orchestrator"
	"threadkeeper/internal/session"
	"threadkeeper/internal/store"
)

func setup(
	t *testing.T,
	launcher *mocks.FakeLauncher,
	opts orchestrator.Options,
) (*orchestrator.Orchestrator, *mocks.FakeStore, *mocks.FakeMessenger) {
	t.Helper()

	st := mocks.NewFakeStore()
	reg, err := session.NewRegistry(launcher, st, session.Options{})
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}

	messenger := mocks.NewFakeMessenger()
	if opts.PartDelay == 0 {
		opts.PartDelay = time.Millisecond
	}
	if opts.BaseRetryDelay == 0 {
		opts.BaseRetryDelay = time.Millisecond
	}
	o, err := orchestrator.New(reg, st, messenger, opts)
	if err != nil {
		t.Fatalf("failed to create orchestrator: %v", err)
	}
	return o, st, messenger
}

func TestHandleTurn_PersistsExactlyOneExchange(t *testing.T) {
	launcher := &mocks.FakeLauncher{}
	o, st, messenger := setup(t, launcher, orchestrator.Options{})
	ctx := context.Background()

	if err := o.HandleTurn(ctx, "thread-1", "hello"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	history := st.History(ctx, "thread-1")
	if len(history) != 2 {
		t.Fatalf("expected exactly 2 persisted messages, got %d", len(history))
	}
	if history[0].Role != store.RoleUser || history[0].Content != "hello" {
		t.Errorf("expected user message first, got %+v", history[0])
	}
	if history[1].Role != store.RoleAssistant || history[1].Content != "reply to: hello" {
		t.Errorf("expected assistant reply second, got %+v", history[1])
	}

	sent := messenger.SentMessages()
	if len(sent) != 1 {
		t.Fatalf("expected 1 delivered message, got %d", len(sent))
	}
	if sent[0].Content != "reply to: hello" {
		t.Errorf("unexpected delivered content %q", sent[0].Content)
	}

	// The backend's acknowledged session id became durable.
	if got := st.Sessions()["thread-1"]; got != "sess-1" {
		t.Errorf("expected durable mapping sess-1, got %q", got)
	}
}

func TestHandleTurn_LongReplyChunkedInOrder(t *testing.T) {
	var sentences []string
	for i := 0; i < 40; i++ {
		sentences = append(sentences, fmt.Sprintf("Sentence number %02d has padding words. ", i))
	}
	reply := strings.Join(sentences, "")

	launcher := &mocks.FakeLauncher{
		Factory: func(string) *mocks.FakeStream {
			s := mocks.NewFakeStream("sess-long")
			s.Script = func(s *mocks.FakeStream, _ string) {
				s.Emit(claude.Event{Kind: claude.EventInit, SessionID: s.ID})
				s.Emit(claude.Event{Kind: claude.EventResult, Result: &claude.Result{
					Text: reply, SessionID: s.ID,
				}})
			}
			return s
		},
	}
	o, _, messenger := setup(t, launcher, orchestrator.Options{ChunkLimit: 200})
	ctx := context.Background()

	if err := o.HandleTurn(ctx, "thread-1", "go long"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sent := messenger.SentMessages()
	if len(sent) < 2 {
		t.Fatalf("expected multiple parts, got %d", len(sent))
	}
	for i, m := range sent {
		if len(m.Content) > 200 {
			t.Errorf("part %d exceeds limit: %d bytes", i, len(m.Content))
		}
	}
	// Parts arrive in original order.
	if !strings.HasPrefix(sent[0].Content, "Sentence number 00") {
		t.Errorf("first part out of order: %q", sent[0].Content[:40])
	}
	joined := ""
	for _, m := range sent {
		joined += m.Content
	}
	if !strings.Contains(joined, "Sentence number 39") {
		t.Error("expected final sentence delivered")
	}
}

func TestHandleTurn_RetriesTransientSendFailure(t *testing.T) {
	var built int
	launcher := &mocks.FakeLauncher{
		Factory: func(string) *mocks.FakeStream {
			built++
			s := mocks.NewFakeStream(fmt.Sprintf("sess-%d", built))
			if built == 1 {
				s.SendErr = errors.New("write: connection refused")
			}
			return s
		},
	}
	o, st, messenger := setup(t, launcher, orchestrator.Options{})
	ctx := context.Background()

	if err := o.HandleTurn(ctx, "thread-1", "hello"); err != nil {
		t.Fatalf("expected retry to recover, got %v", err)
	}
	if launcher.StartCount() != 2 {
		t.Errorf("expected 2 session starts (failed + retry), got %d", launcher.StartCount())
	}
	if len(messenger.SentMessages()) != 1 {
		t.Errorf("expected exactly one delivered reply, got %d", len(messenger.SentMessages()))
	}
	if len(st.History(ctx, "thread-1")) != 2 {
		t.Errorf("expected one persisted exchange despite retry")
	}
}

func TestHandleTurn_FatalBackendErrorNotRetried(t *testing.T) {
	launcher := &mocks.FakeLauncher{
		Factory: func(string) *mocks.FakeStream {
			s := mocks.NewFakeStream("sess-auth")
			s.Script = func(s *mocks.FakeStream, _ string) {
				s.Emit(claude.Event{Kind: claude.EventResult, Result: &claude.Result{
					Text:    "Invalid API key · Please run /login",
					IsError: true,
				}})
			}
			return s
		},
	}
	o, st, messenger := setup(t, launcher, orchestrator.Options{})
	ctx := context.Background()

	err := o.HandleTurn(ctx, "thread-1", "hello")
	if err == nil {
		t.Fatal("expected error")
	}
	if launcher.StartCount() != 1 {
		t.Errorf("fatal error must not be retried, got %d starts", launcher.StartCount())
	}

	// Exactly one labeled error report, nothing persisted.
	sent := messenger.SentMessages()
	if len(sent) != 1 {
		t.Fatalf("expected 1 error report, got %d messages", len(sent))
	}
	if !strings.Contains(sent[0].Content, "`auth`") {
		t.Errorf("expected auth category in report, got %q", sent[0].Content)
	}
	if len(st.History(ctx, "thread-1")) != 0 {
		t.Error("failed turn must not persist messages")
	}
}

func TestHandleTurn_ExhaustedRetriesReportOnce(t *testing.T) {
	launcher := &mocks.FakeLauncher{
		Factory: func(string) *mocks.FakeStream {
			s := mocks.NewFakeStream("sess")
			s.SendErr = errors.New("write: connection reset")
			return s
		},
	}
	o, _, messenger := setup(t, launcher, orchestrator.Options{MaxAttempts: 3})
	ctx := context.Background()

	err := o.HandleTurn(ctx, "thread-1", "hello")
	if err == nil {
		t.Fatal("expected error after exhausted retries")
	}
	if launcher.StartCount() != 3 {
		t.Errorf("expected 3 attempts, got %d starts", launcher.StartCount())
	}

	sent := messenger.SentMessages()
	if len(sent) != 1 {
		t.Fatalf("expected exactly 1 error report, got %d", len(sent))
	}
	if !strings.Contains(sent[0].Content, "try again shortly") {
		t.Errorf("retryable failure report must suggest retrying, got %q", sent[0].Content)
	}
}

func TestHandleTurn_CreateFailureEvictsAndRetriesResolveOnce(t *testing.T) {
	launcher := &mocks.FakeLauncher{StartErr: errors.New("spawn failed")}
	o, _, messenger := setup(t, launcher, orchestrator.Options{MaxAttempts: 1})
	ctx := context.Background()

	err := o.HandleTurn(ctx, "thread-1", "hello")
	if err == nil {
		t.Fatal("expected error")
	}
	// One attempt resolves twice: the initial try plus the single
	// evict-and-retry.
	if launcher.StartCount() != 2 {
		t.Errorf("expected 2 resolve attempts, got %d", launcher.StartCount())
	}
	if len(messenger.SentMessages()) != 1 {
		t.Errorf("expected 1 error report, got %d", len(messenger.SentMessages()))
	}
}

func TestHandleTurn_FreshSessionReplaysStoredContext(t *testing.T) {
	launcher := &mocks.FakeLauncher{}
	o, st, _ := setup(t, launcher, orchestrator.Options{})
	ctx := context.Background()

	for i := 1; i <= 12; i++ {
		st.Append(ctx, "thread-1", store.RoleUser, fmt.Sprintf("m%02d", i))
	}

	if err := o.HandleTurn(ctx, "thread-1", "current question"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	prompt := launcher.Created()[0].Sent()[0]
	if !strings.Contains(prompt, "Earlier in this conversation") {
		t.Error("expected history preamble on fresh session")
	}
	if !strings.Contains(prompt, "m12") || !strings.Contains(prompt, "m03") {
		t.Error("expected last 10 messages included")
	}
	if strings.Contains(prompt, "m02") {
		t.Error("expected messages beyond the window excluded")
	}
	if !strings.HasSuffix(prompt, "current question") {
		t.Error("expected current message appended last")
	}
}

func TestHandleTurn_ResumedSessionSkipsContextReplay(t *testing.T) {
	launcher := &mocks.FakeLauncher{}
	o, st, _ := setup(t, launcher, orchestrator.Options{})
	ctx := context.Background()

	st.Append(ctx, "thread-1", store.RoleUser, "old message")
	st.SetSessionID(ctx, "thread-1", "sess-old")

	if err := o.HandleTurn(ctx, "thread-1", "current question"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	prompt := launcher.Created()[0].Sent()[0]
	if prompt != "current question" {
		t.Errorf("resumed session must receive the bare prompt, got %q", prompt)
	}
}

func TestHandleTurn_SerializesSameHandle(t *testing.T) {
	launcher := &mocks.FakeLauncher{}
	o, st, _ := setup(t, launcher, orchestrator.Options{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if err := o.HandleTurn(ctx, "thread-1", fmt.Sprintf("msg-%d", n)); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	history := st.History(ctx, "thread-1")
	if len(history) != 4 {
		t.Fatalf("expected 4 persisted messages, got %d", len(history))
	}
	// Turns never interleave: user and assistant strictly alternate.
	for i, m := range history {
		want := store.RoleUser
		if i%2 == 1 {
			want = store.RoleAssistant
		}
		if m.Role != want {
			t.Errorf("message %d: expected role %s, got %s", i, want, m.Role)
		}
	}
}

func TestHandleTurn_ToolProgressThrottled(t *testing.T) {
	launcher := &mocks.FakeLauncher{
		Factory: func(string) *mocks.FakeStream {
			s := mocks.NewFakeStream("sess-tools")
			s.Script = func(s *mocks.FakeStream, _ string) {
				s.Emit(claude.Event{Kind: claude.EventInit, SessionID: s.ID})
				for i := 0; i < 5; i++ {
					s.Emit(claude.Event{Kind: claude.EventToolUse, ToolName: "Bash"})
				}
				s.Emit(claude.Event{Kind: claude.EventResult, Result: &claude.Result{
					Text: "done", SessionID: s.ID,
				}})
			}
			return s
		},
	}
	o, _, messenger := setup(t, launcher, orchestrator.Options{
		ProgressInterval: time.Hour,
	})
	ctx := context.Background()

	if err := o.HandleTurn(ctx, "thread-1", "run tools"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// One throttled progress note plus the reply; five tool events never
	// produce five messages.
	sent := messenger.SentMessages()
	if len(sent) != 2 {
		t.Fatalf("expected 2 messages (progress + reply), got %d", len(sent))
	}
	if !strings.Contains(sent[0].Content, "Bash") {
		t.Errorf("expected progress note first, got %q", sent[0].Content)
	}
	if sent[1].Content != "done" {
		t.Errorf("expected reply last, got %q", sent[1].Content)
	}
}

func TestHandleTurn_SendFailureAbortsRemainingParts(t *testing.T) {
	var sentences []string
	for i := 0; i < 40; i++ {
		sentences = append(sentences, fmt.Sprintf("Sentence number %02d has padding words. ", i))
	}
	reply := strings.Join(sentences, "")

	launcher := &mocks.FakeLauncher{
		Factory: func(string) *mocks.FakeStream {
			s := mocks.NewFakeStream("sess")
			s.Script = func(s *mocks.FakeStream, _ string) {
				s.Emit(claude.Event{Kind: claude.EventResult, Result: &claude.Result{
					Text: reply, SessionID: s.ID,
				}})
			}
			return s
		},
	}
	o, st, messenger := setup(t, launcher, orchestrator.Options{ChunkLimit: 200})
	messenger.SendErrAfter = 1
	ctx := context.Background()

	err := o.HandleTurn(ctx, "thread-1", "go long")
	if err == nil {
		t.Fatal("expected delivery error")
	}
	if len(messenger.SentMessages()) != 1 {
		t.Errorf("expected delivery aborted after first failure, got %d sends",
			len(messenger.SentMessages()))
	}
	// Persistence happened before delivery; the transcript keeps the turn.
	if len(st.History(ctx, "thread-1")) != 2 {
		t.Error("expected exchange persisted before delivery")
	}
}

func TestHandleTurn_StreamClosedEvictsAndRetries(t *testing.T) {
	var built int
	launcher := &mocks.FakeLauncher{
		Factory: func(string) *mocks.FakeStream {
			built++
			s := mocks.NewFakeStream(fmt.Sprintf("sess-%d", built))
			if built == 1 {
				s.Script = func(s *mocks.FakeStream, _ string) { s.Close() }
			}
			return s
		},
	}
	o, _, messenger := setup(t, launcher, orchestrator.Options{})
	ctx := context.Background()

	if err := o.HandleTurn(ctx, "thread-1", "hello"); err != nil {
		t.Fatalf("expected recovery from closed stream, got %v", err)
	}
	if launcher.StartCount() != 2 {
		t.Errorf("expected fresh session after closed stream, got %d starts", launcher.StartCount())
	}
	if len(messenger.SentMessages()) != 1 {
		t.Errorf("expected one delivered reply, got %d", len(messenger.SentMessages()))
	}
}
