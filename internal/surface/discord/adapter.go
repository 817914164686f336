// Package discord implements the messaging surface on top of discordgo.
package discord

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"threadkeeper/internal/surface"
)

// threadAutoArchiveMinutes asks Discord for its longest auto-archive window;
// actual retention is enforced by the reconciler.
const threadAutoArchiveMinutes = 1440

// Adapter implements surface.Messenger against the Discord REST API.
type Adapter struct {
	session *discordgo.Session
	logger  *slog.Logger
}

// NewAdapter wraps an open discordgo session.
func NewAdapter(session *discordgo.Session, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		session: session,
		logger:  logger.With(slog.String("component", "discord")),
	}
}

// Send posts content to a channel or thread.
func (a *Adapter) Send(ctx context.Context, channelID, content string) error {
	if _, err := a.session.ChannelMessageSend(channelID, content, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// CreateThread starts a public thread from a message.
func (a *Adapter) CreateThread(ctx context.Context, channelID, messageID, name string) (string, error) {
	thread, err := a.session.MessageThreadStartComplex(channelID, messageID, &discordgo.ThreadStart{
		Name:                name,
		AutoArchiveDuration: threadAutoArchiveMinutes,
		Invitable:           false,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("failed to create thread: %w", err)
	}
	return thread.ID, nil
}

// RenameThread changes a thread's title.
func (a *Adapter) RenameThread(ctx context.Context, threadID, name string) error {
	if _, err := a.session.ChannelEditComplex(threadID, &discordgo.ChannelEdit{
		Name: name,
	}, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("failed to rename thread: %w", err)
	}
	return nil
}

// DeleteThread removes a thread.
func (a *Adapter) DeleteThread(ctx context.Context, threadID string) error {
	if _, err := a.session.ChannelDelete(threadID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("failed to delete thread: %w", err)
	}
	return nil
}

// Typing shows the typing indicator; Discord expires it after ~10 seconds.
func (a *Adapter) Typing(ctx context.Context, channelID string) error {
	if err := a.session.ChannelTyping(channelID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("failed to send typing indicator: %w", err)
	}
	return nil
}

// LatestMessage returns the most recent message in a thread, nil when empty.
func (a *Adapter) LatestMessage(ctx context.Context, threadID string) (*surface.MessageInfo, error) {
	msgs, err := a.session.ChannelMessages(threadID, 1, "", "", "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch latest message: %w", err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return &surface.MessageInfo{
		Content:   msgs[0].Content,
		Timestamp: msgs[0].Timestamp,
	}, nil
}

// ActiveThreads lists the open threads whose parent is the given channel.
// Discord only exposes active threads per guild, so the guild is resolved
// from the channel and the list filtered.
func (a *Adapter) ActiveThreads(ctx context.Context, parentChannelID string) ([]surface.ThreadInfo, error) {
	parent, err := a.session.Channel(parentChannelID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve parent channel: %w", err)
	}
	list, err := a.session.GuildThreadsActive(parent.GuildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to list active threads: %w", err)
	}

	var threads []surface.ThreadInfo
	for _, t := range list.Threads {
		if t.ParentID != parentChannelID {
			continue
		}
		info := surface.ThreadInfo{ID: t.ID, Name: t.Name}
		if created, err := discordgo.SnowflakeTimestamp(t.ID); err == nil {
			info.CreatedAt = created
		}
		threads = append(threads, info)
	}
	return threads, nil
}

// CanSend reports whether the bot holds send permission in a channel.
func (a *Adapter) CanSend(_ context.Context, channelID string) (bool, error) {
	if a.session.State == nil || a.session.State.User == nil {
		return false, fmt.Errorf("session state unavailable")
	}
	perms, err := a.session.UserChannelPermissions(a.session.State.User.ID, channelID)
	if err != nil {
		return false, fmt.Errorf("failed to check permissions: %w", err)
	}
	return perms&discordgo.PermissionSendMessages != 0, nil
}
