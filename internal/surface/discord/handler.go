package discord

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"

	"threadkeeper/internal/surface"
)

const (
	// maxThreadTitle is Discord's thread name ceiling, minus headroom for
	// the truncation marker.
	maxThreadTitle = 80

	// DefaultTurnTimeout bounds one inbound message's processing.
	DefaultTurnTimeout = 10 * time.Minute
)

// TurnRunner processes one user message addressed to a thread. Satisfied by
// *orchestrator.Orchestrator.
type TurnRunner interface {
	HandleTurn(ctx context.Context, handle, content string) error
}

// Handler routes inbound Discord messages: messages in the parent channel
// spawn a thread, messages inside threads under it run turns.
type Handler struct {
	messenger       surface.Messenger
	runner          TurnRunner
	parentChannelID string
	turnTimeout     time.Duration
	logger          *slog.Logger

	mu            sync.Mutex
	pendingRename map[string]bool // threads awaiting their first-reply rename
}

// HandlerOptions configures a Handler.
type HandlerOptions struct {
	TurnTimeout time.Duration
	Logger      *slog.Logger
}

// NewHandler creates the inbound message handler.
func NewHandler(messenger surface.Messenger, runner TurnRunner, parentChannelID string, opts HandlerOptions) *Handler {
	if opts.TurnTimeout <= 0 {
		opts.TurnTimeout = DefaultTurnTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Handler{
		messenger:       messenger,
		runner:          runner,
		parentChannelID: parentChannelID,
		turnTimeout:     opts.TurnTimeout,
		logger:          opts.Logger.With(slog.String("component", "handler")),
		pendingRename:   make(map[string]bool),
	}
}

// Attach registers the handler on a discordgo session.
func (h *Handler) Attach(s *discordgo.Session) {
	s.AddHandler(h.onMessageCreate)
}

func (h *Handler) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	if s.State != nil && s.State.User != nil && m.Author.ID == s.State.User.ID {
		return
	}
	if strings.TrimSpace(m.Content) == "" {
		return
	}

	msg := surface.InboundMessage{
		ID:         m.ID,
		AuthorID:   m.Author.ID,
		AuthorName: m.Author.Username,
		Content:    m.Content,
		ChannelID:  m.ChannelID,
		Timestamp:  m.Timestamp,
	}
	for _, att := range m.Attachments {
		msg.Attachments = append(msg.Attachments, surface.Attachment{
			Filename:    att.Filename,
			URL:         att.URL,
			ContentType: att.ContentType,
		})
	}
	if ch, err := channel(s, m.ChannelID); err == nil && ch.IsThread() {
		msg.IsThread = true
		msg.ParentChannelID = ch.ParentID
	}

	// Each message is handled off the gateway goroutine; a panicking turn
	// must not take the websocket reader down with it.
	go func() {
		defer func() {
			if r := recover(); r != nil {
				h.logger.Error("panic while handling message",
					slog.String("channel_id", msg.ChannelID),
					slog.Any("panic", r))
			}
		}()
		h.HandleInbound(context.Background(), msg)
	}()
}

func channel(s *discordgo.Session, id string) (*discordgo.Channel, error) {
	if s.State != nil {
		if ch, err := s.State.Channel(id); err == nil {
			return ch, nil
		}
	}
	return s.Channel(id)
}

// HandleInbound routes one message. Exposed for tests.
func (h *Handler) HandleInbound(ctx context.Context, msg surface.InboundMessage) {
	switch {
	case !msg.IsThread && msg.ChannelID == h.parentChannelID:
		h.startConversation(ctx, msg)
	case msg.IsThread && msg.ParentChannelID == h.parentChannelID:
		h.runTurn(ctx, msg.ChannelID, msg.Content)
	}
}

// startConversation spawns a thread from a parent-channel message and runs
// the first turn inside it.
func (h *Handler) startConversation(ctx context.Context, msg surface.InboundMessage) {
	title := threadTitle(msg.Content)
	threadID, err := h.messenger.CreateThread(ctx, msg.ChannelID, msg.ID, title)
	if err != nil {
		h.logger.Error("failed to create thread",
			slog.String("channel_id", msg.ChannelID),
			slog.String("error", err.Error()))
		return
	}
	h.logger.Info("conversation started",
		slog.String("handle", threadID),
		slog.String("author", msg.AuthorName))

	h.mu.Lock()
	h.pendingRename[threadID] = true
	h.mu.Unlock()

	h.runTurn(ctx, threadID, msg.Content)
}

func (h *Handler) runTurn(ctx context.Context, threadID, content string) {
	ctx, cancel := context.WithTimeout(ctx, h.turnTimeout)
	defer cancel()

	if err := h.runner.HandleTurn(ctx, threadID, content); err != nil {
		// The orchestrator already reported to the thread.
		h.logger.Error("turn failed",
			slog.String("handle", threadID),
			slog.String("error", err.Error()))
		return
	}
	h.maybeRename(ctx, threadID)
}

// maybeRename retitles a freshly created thread after its first reply, using
// the reply's opening line as the topic. Best-effort.
func (h *Handler) maybeRename(ctx context.Context, threadID string) {
	h.mu.Lock()
	pending := h.pendingRename[threadID]
	delete(h.pendingRename, threadID)
	h.mu.Unlock()
	if !pending {
		return
	}

	latest, err := h.messenger.LatestMessage(ctx, threadID)
	if err != nil || latest == nil {
		return
	}
	title := threadTitle(latest.Content)
	if title == "" {
		return
	}
	if err := h.messenger.RenameThread(ctx, threadID, title); err != nil {
		h.logger.Warn("failed to rename thread",
			slog.String("handle", threadID),
			slog.String("error", err.Error()))
	}
}

// threadTitle derives a thread name from the first non-empty line of text.
func threadTitle(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.Trim(line, "#*`>- "))
		if line == "" {
			continue
		}
		if utf8.RuneCountInString(line) > maxThreadTitle {
			runes := []rune(line)
			line = strings.TrimSpace(string(runes[:maxThreadTitle])) + "…"
		}
		return line
	}
	return "Conversation"
}
