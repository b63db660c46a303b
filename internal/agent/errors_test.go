package agent

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestClassifyByStatus(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorKind
	}{
		{429, KindRateLimited},
		{401, KindAuthInvalid},
		{403, KindAuthInvalid},
		{500, KindTransient},
		{503, KindTransient},
	}
	for _, tt := range tests {
		pe := Classify(errors.New("boom"), "anthropic", "m", tt.status)
		if pe.Kind != tt.want {
			t.Errorf("status %d: kind = %s, want %s", tt.status, pe.Kind, tt.want)
		}
	}
}

func TestClassifyByMessage(t *testing.T) {
	tests := []struct {
		msg  string
		want ErrorKind
	}{
		{"rate limit exceeded, retry later", KindRateLimited},
		{"invalid api key provided", KindAuthInvalid},
		{"prompt is too long: maximum context exceeded", KindContextLimit},
		{"request blocked by content filter", KindContentFiltered},
		{"dial tcp: connection refused", KindTransient},
		{"read: connection reset by peer", KindTransient},
		{"something completely novel", KindUnavailable},
	}
	for _, tt := range tests {
		pe := Classify(errors.New(tt.msg), "openai", "m", 0)
		if pe.Kind != tt.want {
			t.Errorf("%q: kind = %s, want %s", tt.msg, pe.Kind, tt.want)
		}
	}
}

func TestClassifyDeadline(t *testing.T) {
	pe := Classify(context.DeadlineExceeded, "anthropic", "m", 0)
	if pe.Kind != KindTransient {
		t.Fatalf("kind = %s, want transient", pe.Kind)
	}
}

func TestRetryable(t *testing.T) {
	if !KindTransient.Retryable() || !KindRateLimited.Retryable() {
		t.Fatal("transient and rate_limited should be retryable")
	}
	if KindAuthInvalid.Retryable() || KindContextLimit.Retryable() || KindContentFiltered.Retryable() {
		t.Fatal("terminal kinds must not be retryable")
	}
}

func TestProviderErrorString(t *testing.T) {
	pe := &ProviderError{
		Kind:     KindRateLimited,
		Provider: "anthropic",
		Model:    "claude-sonnet-4-20250514",
		Status:   429,
		Message:  "slow down",
	}
	s := pe.Error()
	for _, want := range []string{"[rate_limited]", "anthropic", "model=claude-sonnet-4-20250514", "status=429", "slow down"} {
		if !strings.Contains(s, want) {
			t.Errorf("error string %q missing %q", s, want)
		}
	}
}

func TestProviderErrorUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	pe := Classify(cause, "openai", "", 500)
	if !errors.Is(pe, cause) {
		t.Fatal("Unwrap should expose the cause")
	}
}
