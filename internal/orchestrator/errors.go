package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"threadkeeper/internal/claude"
)

// ErrStreamClosed indicates the backend stream ended before delivering a
// result. Treated as transient: the next attempt starts a fresh session.
var ErrStreamClosed = errors.New("backend stream closed before result")

// ErrorType categorizes a turn failure for retry policy and user messaging.
type ErrorType int

const (
	// ErrorTypeUnknown is any unclassified failure.
	ErrorTypeUnknown ErrorType = iota
	// ErrorTypeCancelled is a canceled turn.
	ErrorTypeCancelled
	// ErrorTypeTimeout is a deadline expiry waiting on the backend.
	ErrorTypeTimeout
	// ErrorTypeNetwork is a transport failure to the backend or surface.
	ErrorTypeNetwork
	// ErrorTypeRateLimit is a rate-limit rejection.
	ErrorTypeRateLimit
	// ErrorTypeAuthentication means the backend rejected our credentials.
	ErrorTypeAuthentication
	// ErrorTypePermission means the bot lacks a required surface scope.
	ErrorTypePermission
	// ErrorTypeConfiguration is a malformed or missing required setting.
	ErrorTypeConfiguration
)

// label is the short machine-readable category included in user-facing
// error reports.
func (t ErrorType) label() string {
	switch t {
	case ErrorTypeCancelled:
		return "cancelled"
	case ErrorTypeTimeout:
		return "timeout"
	case ErrorTypeNetwork:
		return "network"
	case ErrorTypeRateLimit:
		return "rate-limit"
	case ErrorTypeAuthentication:
		return "auth"
	case ErrorTypePermission:
		return "permission"
	case ErrorTypeConfiguration:
		return "config"
	case ErrorTypeUnknown:
		return "error"
	}
	return "error"
}

// Classify determines the error type for retry policy and user messaging.
func Classify(err error) ErrorType {
	if err == nil {
		return ErrorTypeUnknown
	}
	if errors.Is(err, context.Canceled) {
		return ErrorTypeCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTypeTimeout
	}
	if claude.IsAuthenticationError(err) {
		return ErrorTypeAuthentication
	}
	if errors.Is(err, ErrStreamClosed) {
		return ErrorTypeNetwork
	}

	msg := strings.ToLower(err.Error())
	switch {
	case isRateLimitMessage(msg):
		return ErrorTypeRateLimit
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out"):
		return ErrorTypeTimeout
	case strings.Contains(msg, "permission") || strings.Contains(msg, "missing access"):
		return ErrorTypePermission
	case strings.Contains(msg, "network") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "no such host"):
		return ErrorTypeNetwork
	case strings.Contains(msg, "config") ||
		strings.Contains(msg, "working directory"):
		return ErrorTypeConfiguration
	default:
		return ErrorTypeUnknown
	}
}

// IsRetryable reports whether the turn should be retried with backoff.
// Authentication, permission, and configuration failures never are.
func IsRetryable(err error) bool {
	switch Classify(err) {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeRateLimit:
		return true
	case ErrorTypeCancelled, ErrorTypeAuthentication, ErrorTypePermission,
		ErrorTypeConfiguration, ErrorTypeUnknown:
		return false
	}
	return false
}

func isRateLimitMessage(msg string) bool {
	indicators := []string{
		"rate limit",
		"rate-limit",
		"too many requests",
		"429",
		"quota exceeded",
		"throttled",
	}
	for _, ind := range indicators {
		if strings.Contains(msg, ind) {
			return true
		}
	}
	return false
}

// UserMessage renders one labeled, user-facing error report for a failed
// turn: a machine-readable category plus a suggested action.
func UserMessage(err error) string {
	t := Classify(err)

	var explanation string
	switch t {
	case ErrorTypeCancelled:
		explanation = "The request was canceled."
	case ErrorTypeTimeout:
		explanation = "The request took too long to process."
	case ErrorTypeNetwork:
		explanation = "I had trouble reaching my backend."
	case ErrorTypeRateLimit:
		explanation = "I'm currently handling too many requests."
	case ErrorTypeAuthentication:
		explanation = "My backend credentials are not valid. Please ask the administrator to re-authenticate the agent."
	case ErrorTypePermission:
		explanation = "I don't have the permissions I need in this channel. Please ask the administrator to check my role."
	case ErrorTypeConfiguration:
		explanation = "I'm misconfigured and can't process requests. Please ask the administrator to check my settings."
	case ErrorTypeUnknown:
		explanation = "Something went wrong while processing your request."
	}

	msg := fmt.Sprintf("⚠️ `%s`: %s", t.label(), explanation)
	if IsRetryable(err) || t == ErrorTypeCancelled {
		msg += " Please try again shortly."
	}
	return msg
}
