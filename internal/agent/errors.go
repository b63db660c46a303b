package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorKind categorizes a provider failure for retry and credential
// rotation decisions.
type ErrorKind string

const (
	// KindTransient covers timeouts, connection resets, and 5xx replies.
	KindTransient ErrorKind = "transient"

	// KindRateLimited is an HTTP 429 or equivalent.
	KindRateLimited ErrorKind = "rate_limited"

	// KindAuthInvalid is a rejected key (401/403).
	KindAuthInvalid ErrorKind = "auth_invalid"

	// KindContextLimit means the prompt exceeded the model's window.
	KindContextLimit ErrorKind = "context_limit"

	// KindContentFiltered means a safety system blocked the request.
	KindContentFiltered ErrorKind = "content_filtered"

	// KindUnavailable is everything else that makes the provider unusable.
	KindUnavailable ErrorKind = "unavailable"
)

// Retryable reports whether the same request may succeed if repeated,
// possibly with a different credential.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindTransient, KindRateLimited:
		return true
	default:
		return false
	}
}

// ProviderError is a classified failure from an LLM backend.
type ProviderError struct {
	Kind     ErrorKind
	Provider string
	Model    string
	Status   int
	Message  string
	Cause    error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Kind, e.Provider)
	if e.Model != "" {
		fmt.Fprintf(&b, " model=%s", e.Model)
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " status=%d", e.Status)
	}
	if e.Message != "" {
		b.WriteString(" ")
		b.WriteString(e.Message)
	} else if e.Cause != nil {
		b.WriteString(" ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// Classify builds a ProviderError from a raw backend error, using the HTTP
// status when known and message sniffing otherwise.
func Classify(err error, provider, model string, status int) *ProviderError {
	pe := &ProviderError{
		Kind:     KindUnavailable,
		Provider: provider,
		Model:    model,
		Status:   status,
		Cause:    err,
	}

	switch {
	case status == 429:
		pe.Kind = KindRateLimited
	case status == 401 || status == 403:
		pe.Kind = KindAuthInvalid
	case status >= 500:
		pe.Kind = KindTransient
	case err != nil:
		pe.Kind = classifyMessage(err)
	}
	return pe
}

func classifyMessage(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "too many requests"), strings.Contains(msg, "429"):
		return KindRateLimited
	case strings.Contains(msg, "unauthorized"), strings.Contains(msg, "invalid api key"),
		strings.Contains(msg, "authentication"), strings.Contains(msg, "401"), strings.Contains(msg, "403"):
		return KindAuthInvalid
	case strings.Contains(msg, "context length"), strings.Contains(msg, "context window"),
		strings.Contains(msg, "prompt is too long"), strings.Contains(msg, "maximum context"):
		return KindContextLimit
	case strings.Contains(msg, "content filter"), strings.Contains(msg, "content policy"),
		strings.Contains(msg, "blocked by safety"):
		return KindContentFiltered
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"),
		strings.Contains(msg, "connection reset"), strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "no such host"), strings.Contains(msg, "overloaded"),
		strings.Contains(msg, "500"), strings.Contains(msg, "502"),
		strings.Contains(msg, "503"), strings.Contains(msg, "504"):
		return KindTransient
	}
	return KindUnavailable
}
