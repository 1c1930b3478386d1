package qx

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestIsTimeout(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"wrapped deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), true},
		{"stream inactivity", &ErrStream{Reason: StreamInactivity}, true},
		{"stream duplicates", &ErrStream{Reason: StreamDuplicateChunks}, false},
		{"http 408", &ErrHTTP{Status: 408}, true},
		{"http 504", &ErrHTTP{Status: 504}, true},
		{"http 500", &ErrHTTP{Status: 500}, false},
		{"cancelled", context.Canceled, false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTimeout(tt.err); got != tt.want {
				t.Errorf("IsTimeout(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsContextWindowExceeded(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"400 with marker", &ErrHTTP{Status: 400, Body: `{"error":{"code":"context_length_exceeded"}}`}, true},
		{"400 prose", &ErrHTTP{Status: 400, Body: "This model's maximum context length is 8192 tokens"}, true},
		{"413 window", &ErrHTTP{Status: 413, Body: "request exceeds the context window"}, true},
		{"400 unrelated", &ErrHTTP{Status: 400, Body: "invalid tool_choice"}, false},
		{"500 with marker", &ErrHTTP{Status: 500, Body: "context window"}, false},
		{"not http", errors.New("context window"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsContextWindowExceeded(tt.err); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseRetryAfter(t *testing.T) {
	if got := ParseRetryAfter("7"); got != 7*time.Second {
		t.Errorf("seconds form = %v", got)
	}
	if got := ParseRetryAfter(""); got != 0 {
		t.Errorf("empty = %v", got)
	}
	if got := ParseRetryAfter("soon"); got != 0 {
		t.Errorf("garbage = %v", got)
	}
	if got := ParseRetryAfter("-5"); got != 0 {
		t.Errorf("negative = %v", got)
	}

	future := time.Now().Add(30 * time.Second).UTC().Format(time.RFC1123)
	if got := ParseRetryAfter(future); got <= 0 || got > 30*time.Second {
		t.Errorf("http-date = %v", got)
	}
	past := time.Now().Add(-time.Hour).UTC().Format(time.RFC1123)
	if got := ParseRetryAfter(past); got != 0 {
		t.Errorf("past date = %v", got)
	}
}

func TestErrorStrings(t *testing.T) {
	if got := (&ErrHTTP{Status: 429, Body: "slow down"}).Error(); got != "http 429: slow down" {
		t.Errorf("ErrHTTP = %q", got)
	}
	if got := (&ErrLLM{Provider: "openai", Message: "bad json"}).Error(); got != "openai: bad json" {
		t.Errorf("ErrLLM = %q", got)
	}
	if got := (&ErrStream{Reason: StreamEmptyDeltas}).Error(); got != "stream aborted: empty-deltas" {
		t.Errorf("ErrStream = %q", got)
	}
	if got := (&ErrConfig{Field: "QX_MODEL_NAME", Reason: "required"}).Error(); got != "config: QX_MODEL_NAME: required" {
		t.Errorf("ErrConfig = %q", got)
	}
}
