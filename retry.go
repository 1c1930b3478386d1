package qx

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"
)

// retryProvider wraps a Provider and automatically retries transient HTTP
// errors (429 Too Many Requests, 503 Service Unavailable) with
// exponential backoff.
type retryProvider struct {
	inner       Provider
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration // per-retry backoff cap; 0 = uncapped
	factor      float64       // backoff multiplier per attempt; <=1 defaults to 2
	timeout     time.Duration // per-call request timeout; 0 = no limit
	logger      *slog.Logger
}

// RetryOption configures a retryProvider.
type RetryOption func(*retryProvider)

// RetryMaxAttempts sets the maximum number of attempts (default: 3).
func RetryMaxAttempts(n int) RetryOption {
	return func(r *retryProvider) { r.maxAttempts = n }
}

// RetryBaseDelay sets the initial backoff delay before the second attempt
// (default: 1s).
func RetryBaseDelay(d time.Duration) RetryOption {
	return func(r *retryProvider) { r.baseDelay = d }
}

// RetryMaxDelay caps a single backoff delay. Zero (default) leaves the
// exponential growth uncapped.
func RetryMaxDelay(d time.Duration) RetryOption {
	return func(r *retryProvider) { r.maxDelay = d }
}

// RetryBackoffFactor sets the backoff multiplier between attempts
// (default: 2).
func RetryBackoffFactor(f float64) RetryOption {
	return func(r *retryProvider) { r.factor = f }
}

// RetryTimeout bounds each provider call (all attempts included). The
// zero value (default) disables the timeout.
func RetryTimeout(d time.Duration) RetryOption {
	return func(r *retryProvider) { r.timeout = d }
}

// RetryLogger sets the structured logger for retry events. Retries log
// at WARN; final failures after exhausting attempts log at ERROR.
func RetryLogger(l *slog.Logger) RetryOption {
	return func(r *retryProvider) { r.logger = l }
}

// WithRetry wraps p with automatic retry on transient HTTP errors
// (429, 503). Retries use exponential backoff with jitter; when the
// error carries a Retry-After duration the delay is at least that long.
// Compose with any Provider:
//
//	llm := qx.WithRetry(openaicompat.NewProvider(key, model, base))
//	llm := qx.WithRetry(p, qx.RetryMaxAttempts(5), qx.RetryTimeout(120*time.Second))
func WithRetry(p Provider, opts ...RetryOption) Provider {
	r := &retryProvider{
		inner:       p,
		maxAttempts: 3,
		baseDelay:   time.Second,
		factor:      2,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = nopLogger
	}
	if r.factor <= 1 {
		r.factor = 2
	}
	return r
}

// Name delegates to the inner provider.
func (r *retryProvider) Name() string { return r.inner.Name() }

// Chat implements Provider with retry.
func (r *retryProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return r.call(ctx, func() (ChatResponse, error) {
		return r.inner.Chat(ctx, req)
	})
}

// ChatStream implements Provider with retry. Retries happen only while
// no events have been forwarded to ch; once streaming has started,
// errors pass through immediately to avoid duplicate content.
// ch is always closed before returning.
func (r *retryProvider) ChatStream(ctx context.Context, req ChatRequest, ch chan<- StreamEvent) (ChatResponse, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var lastErr error
	for i := 0; i < r.maxAttempts; i++ {
		mid := make(chan StreamEvent, 64)
		var (
			resp      ChatResponse
			streamErr error
		)
		done := make(chan struct{})
		go func() {
			defer close(done)
			resp, streamErr = r.inner.ChatStream(ctx, req, mid)
		}()

		var eventsSent bool
		for ev := range mid {
			eventsSent = true
			ch <- ev
		}
		<-done

		if streamErr == nil || !isTransient(streamErr) || eventsSent {
			close(ch)
			return resp, streamErr
		}

		lastErr = streamErr
		r.logger.Warn("retrying transient error",
			"provider", r.inner.Name(),
			"status", statusOf(streamErr),
			"attempt", i+1,
			"max_attempts", r.maxAttempts)
		if i < r.maxAttempts-1 {
			if err := r.sleep(ctx, i, streamErr); err != nil {
				close(ch)
				return ChatResponse{}, err
			}
		}
	}
	r.logger.Error("all retry attempts exhausted (stream)",
		"provider", r.inner.Name(),
		"attempts", r.maxAttempts,
		"error", lastErr)
	close(ch)
	return ChatResponse{}, lastErr
}

// call runs fn up to maxAttempts times, sleeping between transient failures.
func (r *retryProvider) call(ctx context.Context, fn func() (ChatResponse, error)) (ChatResponse, error) {
	var last error
	for i := 0; i < r.maxAttempts; i++ {
		resp, err := fn()
		if err == nil || !isTransient(err) {
			return resp, err
		}
		last = err
		r.logger.Warn("retrying transient error",
			"provider", r.inner.Name(),
			"status", statusOf(err),
			"attempt", i+1,
			"max_attempts", r.maxAttempts)
		if i < r.maxAttempts-1 {
			if serr := r.sleep(ctx, i, err); serr != nil {
				return ChatResponse{}, serr
			}
		}
	}
	r.logger.Error("all retry attempts exhausted",
		"provider", r.inner.Name(),
		"attempts", r.maxAttempts,
		"error", last)
	return ChatResponse{}, last
}

// sleep waits out the backoff delay for retry i, honoring context
// cancellation.
func (r *retryProvider) sleep(ctx context.Context, i int, err error) error {
	timer := time.NewTimer(r.delay(i, err))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// delay computes the backoff before retry attempt i: exponential with
// jitter as the floor, the server's Retry-After (if present) as a
// minimum, maxDelay as a cap.
func (r *retryProvider) delay(i int, err error) time.Duration {
	d := float64(r.baseDelay)
	for range i {
		d *= r.factor
	}
	backoff := time.Duration(d)
	// Up to 50% random jitter.
	backoff += time.Duration(rand.Int63n(int64(backoff)/2 + 1))
	if ra := retryAfterOf(err); ra > backoff {
		backoff = ra
	}
	if r.maxDelay > 0 && backoff > r.maxDelay {
		backoff = r.maxDelay
	}
	return backoff
}

// withTimeout returns a child context with a deadline if r.timeout is
// set and ctx does not already carry an earlier one.
func (r *retryProvider) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return ctx, func() {}
	}
	deadline := time.Now().Add(r.timeout)
	if existing, ok := ctx.Deadline(); ok && existing.Before(deadline) {
		return ctx, func() {}
	}
	return context.WithDeadline(ctx, deadline)
}

// isTransient reports whether err is a retryable HTTP error (429 or 503).
func isTransient(err error) bool {
	var e *ErrHTTP
	return errors.As(err, &e) && (e.Status == 429 || e.Status == 503)
}

// statusOf extracts the HTTP status code from an ErrHTTP, or 0.
func statusOf(err error) int {
	var e *ErrHTTP
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

// retryAfterOf extracts the Retry-After duration from an ErrHTTP, or 0.
func retryAfterOf(err error) time.Duration {
	var e *ErrHTTP
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

var _ Provider = (*retryProvider)(nil)
