// Package surface defines the messaging-surface contract the bridge consumes.
// The Discord implementation lives in the discord subpackage; tests use fakes.
package surface

import (
	"context"
	"time"
)

// InboundMessage is one message event from the surface.
type InboundMessage struct {
	ID              string
	AuthorID        string
	AuthorName      string
	Content         string
	ChannelID       string // channel or thread the message arrived in
	ParentChannelID string // parent channel when ChannelID is a thread
	IsThread        bool
	Attachments     []Attachment
	Timestamp       time.Time
}

// Attachment is a file attached to an inbound message. Content extraction is
// out of scope; only the reference is carried.
type Attachment struct {
	Filename    string
	URL         string
	ContentType string
}

// ThreadInfo describes one open thread under a channel.
type ThreadInfo struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// MessageInfo is the subset of a surface message the reconciler needs.
type MessageInfo struct {
	Content   string
	Timestamp time.Time
}

// Messenger is every operation the bridge performs against the surface.
type Messenger interface {
	// Send posts content to a channel or thread.
	Send(ctx context.Context, channelID, content string) error

	// CreateThread starts a thread from a message and returns its id.
	CreateThread(ctx context.Context, channelID, messageID, name string) (string, error)

	// RenameThread changes a thread's title. Best-effort by callers.
	RenameThread(ctx context.Context, threadID, name string) error

	// DeleteThread removes a thread.
	DeleteThread(ctx context.Context, threadID string) error

	// Typing shows a typing indicator in a channel. The surface expires it
	// after a few seconds; callers refresh as needed.
	Typing(ctx context.Context, channelID string) error

	// LatestMessage returns the most recent message in a thread, or nil
	// when the thread is empty.
	LatestMessage(ctx context.Context, threadID string) (*MessageInfo, error)

	// ActiveThreads lists open threads under a parent channel.
	ActiveThreads(ctx context.Context, parentChannelID string) ([]ThreadInfo, error)

	// CanSend reports whether the bot holds send permission in a channel.
	CanSend(ctx context.Context, channelID string) (bool, error)
}
