package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorType
	}{
		{"nil", nil, ErrorTypeUnknown},
		{"canceled", context.Canceled, ErrorTypeCancelled},
		{"deadline", context.DeadlineExceeded, ErrorTypeTimeout},
		{"wrapped deadline", errors.Join(errors.New("turn"), context.DeadlineExceeded), ErrorTypeTimeout},
		{"stream closed", ErrStreamClosed, ErrorTypeNetwork},
		{"connection refused", errors.New("dial tcp: connection refused"), ErrorTypeNetwork},
		{"broken pipe", errors.New("write: broken pipe"), ErrorTypeNetwork},
		{"rate limit", errors.New("429 too many requests"), ErrorTypeRateLimit},
		{"timeout text", errors.New("request timed out"), ErrorTypeTimeout},
		{"permission", errors.New("missing access to channel"), ErrorTypePermission},
		{"config", errors.New("invalid config: bad working directory"), ErrorTypeConfiguration},
		{"unknown", errors.New("something odd"), ErrorTypeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	retryable := []error{
		ErrStreamClosed,
		errors.New("connection reset by peer"),
		errors.New("rate limit exceeded"),
		context.DeadlineExceeded,
	}
	for _, err := range retryable {
		if !IsRetryable(err) {
			t.Errorf("expected %v retryable", err)
		}
	}

	fatal := []error{
		context.Canceled,
		errors.New("invalid api key"),
		errors.New("missing access to channel"),
		errors.New("something odd"),
	}
	for _, err := range fatal {
		if IsRetryable(err) {
			t.Errorf("expected %v not retryable", err)
		}
	}
}

func TestUserMessage(t *testing.T) {
	msg := UserMessage(errors.New("connection refused"))
	if !strings.Contains(msg, "`network`") {
		t.Errorf("expected machine-readable category, got %q", msg)
	}
	if !strings.Contains(msg, "try again shortly") {
		t.Errorf("retryable errors must suggest retrying, got %q", msg)
	}

	msg = UserMessage(errors.New("invalid api key"))
	if !strings.Contains(msg, "`auth`") {
		t.Errorf("expected auth category, got %q", msg)
	}
	if strings.Contains(msg, "try again shortly") {
		t.Errorf("fatal errors must not suggest retrying, got %q", msg)
	}
}

func TestRetryDelay_DoublesWithJitter(t *testing.T) {
	base := time.Second
	for attempt := 1; attempt <= 4; attempt++ {
		expected := base * time.Duration(1<<(attempt-1))
		jitter := expected / jitterDivisor

		delay := RetryDelay(attempt, base)
		if delay < expected-jitter/2 || delay > expected+jitter/2 {
			t.Errorf("attempt %d: delay %v outside [%v, %v]",
				attempt, delay, expected-jitter/2, expected+jitter/2)
		}
	}
}

func TestRetryDelay_Capped(t *testing.T) {
	delay := RetryDelay(30, time.Second)
	ceiling := maxRetryDelay + maxRetryDelay/jitterDivisor
	if delay > ceiling {
		t.Errorf("delay %v exceeds cap %v", delay, ceiling)
	}
}
