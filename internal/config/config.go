// Package config loads the bridge configuration from the environment, with
// an optional .env file for development.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full bridge configuration.
type Config struct {
	// Discord
	DiscordToken string // DISCORD_BOT_TOKEN
	ChannelID    string // DISCORD_CHANNEL_ID

	// Redis
	RedisAddr     string // REDIS_ADDR
	RedisPassword string // REDIS_PASSWORD
	RedisDB       int    // REDIS_DB

	// Agent backend
	ClaudeCommand  string        // CLAUDE_COMMAND
	ClaudeWorkDir  string        // CLAUDE_WORKING_DIR
	ClaudeModel    string        // CLAUDE_MODEL
	MCPConfigPath  string        // CLAUDE_MCP_CONFIG
	SystemPrompt   string        // CLAUDE_SYSTEM_PROMPT
	PermissionMode string        // CLAUDE_PERMISSION_MODE
	TurnTimeout    time.Duration // TURN_TIMEOUT

	// Lifecycle
	ConversationTTL time.Duration // CONVERSATION_TTL
	SessionTTL      time.Duration // SESSION_TTL
	MaxSessions     int           // MAX_SESSIONS
	MaxMessages     int           // MAX_MESSAGES

	// Operational
	HealthAddr string     // HEALTH_ADDR
	LogLevel   slog.Level // LOG_LEVEL
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first when present; real environment variables win.
func Load() (*Config, error) {
	// Missing .env is the normal production case.
	_ = godotenv.Load()

	cfg := &Config{
		DiscordToken:   os.Getenv("DISCORD_BOT_TOKEN"),
		ChannelID:      os.Getenv("DISCORD_CHANNEL_ID"),
		RedisAddr:      envOr("REDIS_ADDR", "localhost:6379"),
		RedisPassword:  os.Getenv("REDIS_PASSWORD"),
		ClaudeCommand:  envOr("CLAUDE_COMMAND", "claude"),
		ClaudeWorkDir:  os.Getenv("CLAUDE_WORKING_DIR"),
		ClaudeModel:    os.Getenv("CLAUDE_MODEL"),
		MCPConfigPath:  os.Getenv("CLAUDE_MCP_CONFIG"),
		SystemPrompt:   os.Getenv("CLAUDE_SYSTEM_PROMPT"),
		PermissionMode: os.Getenv("CLAUDE_PERMISSION_MODE"),
		HealthAddr:     envOr("HEALTH_ADDR", ":8080"),
	}

	var err error
	if cfg.RedisDB, err = envInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.TurnTimeout, err = envDuration("TURN_TIMEOUT", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.ConversationTTL, err = envDuration("CONVERSATION_TTL", 48*time.Hour); err != nil {
		return nil, err
	}
	if cfg.SessionTTL, err = envDuration("SESSION_TTL", 30*time.Minute); err != nil {
		return nil, err
	}
	if cfg.MaxSessions, err = envInt("MAX_SESSIONS", 10); err != nil {
		return nil, err
	}
	if cfg.MaxMessages, err = envInt("MAX_MESSAGES", 50); err != nil {
		return nil, err
	}
	if cfg.LogLevel, err = envLevel("LOG_LEVEL", slog.LevelInfo); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings the bridge cannot run without.
func (c *Config) Validate() error {
	if c.DiscordToken == "" {
		return fmt.Errorf("DISCORD_BOT_TOKEN is required")
	}
	if c.ChannelID == "" {
		return fmt.Errorf("DISCORD_CHANNEL_ID is required")
	}
	if c.ClaudeCommand == "" {
		return fmt.Errorf("CLAUDE_COMMAND cannot be empty")
	}
	if c.MaxSessions <= 0 {
		return fmt.Errorf("MAX_SESSIONS must be positive, got %d", c.MaxSessions)
	}
	if c.MaxMessages <= 0 {
		return fmt.Errorf("MAX_MESSAGES must be positive, got %d", c.MaxMessages)
	}
	if c.ConversationTTL <= 0 {
		return fmt.Errorf("CONVERSATION_TTL must be positive, got %s", c.ConversationTTL)
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be positive, got %s", c.SessionTTL)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return d, nil
}

func envLevel(key string, fallback slog.Level) (slog.Level, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	switch strings.ToLower(v) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("invalid %s %q: expected debug, info, warn, or error", key, v)
}
