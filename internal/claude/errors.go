package claude

import (
	"errors"
	"strings"
)

// AuthenticationError indicates the CLI rejected the request because no valid
// credentials are available. Never retried.
type AuthenticationError struct {
	Message string
}

// Error implements the error interface.
func (e *AuthenticationError) Error() string {
	return e.Message
}

// IsAuthenticationError checks whether err is an authentication failure.
func IsAuthenticationError(err error) bool {
	if err == nil {
		return false
	}
	var authErr *AuthenticationError
	if errors.As(err, &authErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "invalid api key") ||
		strings.Contains(msg, "please run /login")
}

// ResultError converts an is_error result into an error, detecting
// authentication failures reported in-band.
func ResultError(res *Result) error {
	if res == nil || !res.IsError {
		return nil
	}
	if strings.Contains(res.Text, "Invalid API key") ||
		strings.Contains(res.Text, "Please run /login") {
		return &AuthenticationError{Message: "Claude Code authentication required"}
	}
	return errors.New(res.Text)
}
