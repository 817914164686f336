// Package claude runs conversations against the Claude Code CLI using its
// stream-json protocol. One Session wraps one long-lived CLI process whose
// stdin accepts user turns and whose stdout yields typed events.
package claude

import "context"

// Launcher starts backend sessions. Implemented by Client; faked in tests.
type Launcher interface {
	// Start launches a fresh session with no prior context.
	Start(ctx context.Context) (Stream, error)

	// Resume reattaches to an existing backend session by id. Fails when
	// the backend no longer knows the id.
	Resume(ctx context.Context, sessionID string) (Stream, error)
}

// Stream is a live backend session: a cancellable, asynchronous event
// sequence plus a way to submit turns.
type Stream interface {
	// Send submits one user turn to the session.
	Send(ctx context.Context, prompt string) error

	// Events returns the session's event channel. The channel closes when
	// the underlying process exits.
	Events() <-chan Event

	// Interrupt terminates the session. Safe to call more than once.
	Interrupt(ctx context.Context) error
}
