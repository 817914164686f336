package claude

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

const (
	// interruptGrace is how long a session gets to exit after SIGINT before
	// it is killed.
	interruptGrace = 2 * time.Second

	// maxLineSize bounds a single stream-json line. Tool results can be
	// large.
	maxLineSize = 4 * 1024 * 1024
)

// Client launches Claude CLI sessions. It implements Launcher.
type Client struct {
	config Config
	logger *slog.Logger
}

// NewClient creates a Claude CLI client.
func NewClient(config Config, logger *slog.Logger) (*Client, error) {
	if config.Command == "" {
		config.Command = DefaultCommand
	}
	if config.Model == "" {
		config.Model = DefaultModel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		config: config,
		logger: logger.With(slog.String("component", "claude")),
	}, nil
}

// Start launches a fresh session.
func (c *Client) Start(ctx context.Context) (Stream, error) {
	return c.launch(ctx, "")
}

// Resume reattaches to an existing backend session by id.
func (c *Client) Resume(ctx context.Context, sessionID string) (Stream, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session ID cannot be empty")
	}
	return c.launch(ctx, sessionID)
}

func (c *Client) launch(ctx context.Context, resumeID string) (Stream, error) {
	args := []string{
		"--print",
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
		"--model", c.config.Model,
	}
	if c.config.MCPConfigPath != "" {
		args = append(args, "--mcp-config", c.config.MCPConfigPath)
	}
	if c.config.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", c.config.SystemPrompt)
	}
	if c.config.PermissionMode != "" {
		args = append(args, "--permission-mode", c.config.PermissionMode)
	}
	if resumeID != "" {
		args = append(args, "--resume", resumeID)
	}

	cmd := exec.Command(c.config.Command, args...)
	cmd.Dir = c.config.WorkingDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start claude CLI: %w", err)
	}

	// Detect cancellation between pipe setup and first use.
	if ctx.Err() != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, fmt.Errorf("session start canceled: %w", ctx.Err())
	}

	sess := &Session{
		cmd:    cmd,
		stdin:  stdin,
		events: make(chan Event),
		done:   make(chan struct{}),
		quit:   make(chan struct{}),
		logger: c.logger,
	}
	go sess.readLoop(stdout)
	return sess, nil
}

// Session is one live CLI process. It implements Stream.
type Session struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	events chan Event
	done   chan struct{}
	quit   chan struct{} // closed by Interrupt; releases a blocked readLoop
	logger *slog.Logger

	mu          sync.Mutex
	interrupted bool
}

// userTurn is the stream-json stdin frame for one user message.
type userTurn struct {
	Type    string          `json:"type"`
	Message userTurnMessage `json:"message"`
}

type userTurnMessage struct {
	Role    string          `json:"role"`
	Content []userTurnBlock `json:"content"`
}

type userTurnBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Send submits one user turn to the session's stdin.
func (s *Session) Send(ctx context.Context, prompt string) error {
	if prompt == "" {
		return fmt.Errorf("prompt cannot be empty")
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("send canceled: %w", err)
	}

	frame := userTurn{
		Type: "user",
		Message: userTurnMessage{
			Role:    "user",
			Content: []userTurnBlock{{Type: "text", Text: prompt}},
		},
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to marshal user turn: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.interrupted {
		return fmt.Errorf("session already interrupted")
	}
	if _, err := s.stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write to claude CLI: %w", err)
	}
	return nil
}

// Events returns the session's event channel.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Interrupt terminates the CLI process: SIGINT first, kill after a grace
// period. Consumers may have stopped draining Events; closing quit releases
// the read loop so done always closes. Idempotent, and never waits past ctx.
func (s *Session) Interrupt(ctx context.Context) error {
	s.mu.Lock()
	if s.interrupted {
		s.mu.Unlock()
		return nil
	}
	s.interrupted = true
	close(s.quit)
	s.mu.Unlock()

	_ = s.stdin.Close()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Signal(os.Interrupt)
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		return fmt.Errorf("interrupt canceled: %w", ctx.Err())
	case <-time.After(interruptGrace):
	}

	if s.cmd.Process != nil {
		if err := s.cmd.Process.Kill(); err != nil {
			return fmt.Errorf("failed to kill claude CLI: %w", err)
		}
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("interrupt canceled: %w", ctx.Err())
	}
}

// readLoop parses stdout lines into events until the process exits.
func (s *Session) readLoop(stdout io.Reader) {
	defer close(s.events)
	defer close(s.done)
	defer func() { _ = s.cmd.Wait() }()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		events, err := ParseEvents(line)
		if err != nil {
			s.logger.Warn("skipping unparseable stream line",
				slog.String("error", err.Error()))
			continue
		}
		for _, ev := range events {
			select {
			case s.events <- ev:
			case <-s.quit:
				return
			}
		}
	}
	if err := scanner.Err(); err != nil {
		s.logger.Debug("claude stdout closed",
			slog.String("error", err.Error()))
	}
}
