package qx

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrLLM is a provider-level failure that is not an HTTP status error
// (marshal failures, malformed responses, transport setup).
type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// ErrHTTP is a non-200 response from the provider. RetryAfter is parsed
// from the Retry-After header when present (429/503 responses).
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// Stream anomaly reasons for ErrStream.
const (
	StreamDuplicateChunks = "duplicate-chunks"
	StreamEmptyDeltas     = "empty-deltas"
	StreamMalformedChunks = "malformed-chunks"
	StreamInactivity      = "inactivity-timeout"
)

// ErrStream is a stream pathology detected by the protocol engine:
// a duplicate-chunk flood, an empty-delta flood, repeated unparseable
// chunks, or inactivity beyond the stream timeout. Content received
// before the abort is preserved in the accompanying ChatResponse.
type ErrStream struct {
	Reason string
}

func (e *ErrStream) Error() string {
	return "stream aborted: " + e.Reason
}

// ErrCircuitOpen is returned by the circuit breaker while it is
// short-circuiting provider calls.
type ErrCircuitOpen struct {
	Until time.Time
}

func (e *ErrCircuitOpen) Error() string {
	return "provider circuit open until " + e.Until.Format(time.RFC3339)
}

// ErrConfig is a fatal configuration error surfaced before the run loop
// is entered (missing model name, missing credentials).
type ErrConfig struct {
	Field  string
	Reason string
}

func (e *ErrConfig) Error() string {
	return "config: " + e.Field + ": " + e.Reason
}

// IsTimeout reports whether err represents a provider or stream timeout:
// a context deadline, a stream inactivity abort, or HTTP 408/504.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var se *ErrStream
	if errors.As(err, &se) && se.Reason == StreamInactivity {
		return true
	}
	var he *ErrHTTP
	if errors.As(err, &he) && (he.Status == 408 || he.Status == 504) {
		return true
	}
	return false
}

// IsContextWindowExceeded reports whether err looks like a context-window
// overflow, used to route to a larger-window fallback model.
func IsContextWindowExceeded(err error) bool {
	var he *ErrHTTP
	if !errors.As(err, &he) {
		return false
	}
	if he.Status != 400 && he.Status != 413 {
		return false
	}
	body := strings.ToLower(he.Body)
	return strings.Contains(body, "context_length_exceeded") ||
		strings.Contains(body, "maximum context length") ||
		strings.Contains(body, "context window")
}

// ParseRetryAfter parses a Retry-After header value: either delta-seconds
// or an HTTP-date. Returns 0 when the value is empty or unparseable.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := time.Parse(time.RFC1123, v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
