package qx

import (
	"context"
	"log/slog"
	"time"
)

// defaultFallbackTimeout bounds each fallback-model attempt.
const defaultFallbackTimeout = 45 * time.Second

// fallbackProvider routes around a failing primary model. Two policies
// compose, in order:
//
//  1. Context-window rerouting: when the primary fails with a
//     context-window-exceeded error and the reroute map names a
//     larger-context model for it, that model is tried once with the
//     unchanged messages.
//  2. Fallback chain: any other primary failure walks the configured
//     model chain in order until one succeeds.
//
// The wrapped provider must implement ModelSwitcher so alternates can be
// derived without re-reading credentials.
type fallbackProvider struct {
	inner    ModelSwitcher
	chain    []string
	reroutes map[string]string // model -> larger-context model
	timeout  time.Duration
	logger   *slog.Logger
}

// FallbackOption configures a fallbackProvider.
type FallbackOption func(*fallbackProvider)

// FallbackModels sets the ordered chain of models tried after the
// primary fails.
func FallbackModels(models ...string) FallbackOption {
	return func(f *fallbackProvider) { f.chain = models }
}

// FallbackReroutes maps models to larger-context alternates used when a
// request exceeds the model's context window.
func FallbackReroutes(m map[string]string) FallbackOption {
	return func(f *fallbackProvider) { f.reroutes = m }
}

// FallbackTimeout bounds each fallback attempt (default: 45s).
func FallbackTimeout(d time.Duration) FallbackOption {
	return func(f *fallbackProvider) { f.timeout = d }
}

// FallbackLogger sets the structured logger for reroute and chain events.
func FallbackLogger(l *slog.Logger) FallbackOption {
	return func(f *fallbackProvider) { f.logger = l }
}

// WithFallback wraps p with model-level failover. With no options it is
// a transparent passthrough.
func WithFallback(p ModelSwitcher, opts ...FallbackOption) Provider {
	f := &fallbackProvider{inner: p, timeout: defaultFallbackTimeout}
	for _, opt := range opts {
		opt(f)
	}
	if f.logger == nil {
		f.logger = nopLogger
	}
	return f
}

// Name delegates to the inner provider.
func (f *fallbackProvider) Name() string { return f.inner.Name() }

// Chat implements Provider with failover.
func (f *fallbackProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	resp, err := f.inner.Chat(ctx, req)
	if err == nil || ctx.Err() != nil {
		return resp, err
	}
	return f.recover(ctx, req, err)
}

// ChatStream implements Provider with failover. Fallback attempts run
// non-streaming; their full content is emitted as a single text delta so
// downstream rendering stays uniform. ch is always closed.
func (f *fallbackProvider) ChatStream(ctx context.Context, req ChatRequest, ch chan<- StreamEvent) (ChatResponse, error) {
	mid := make(chan StreamEvent, 64)
	var (
		resp ChatResponse
		err  error
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		resp, err = f.inner.ChatStream(ctx, req, mid)
	}()

	var eventsSent bool
	for ev := range mid {
		eventsSent = true
		ch <- ev
	}
	<-done

	if err == nil || eventsSent || ctx.Err() != nil {
		close(ch)
		return resp, err
	}

	resp, err = f.recover(ctx, req, err)
	if err == nil && resp.Content != "" {
		ch <- StreamEvent{Type: EventTextDelta, Content: resp.Content}
	}
	close(ch)
	return resp, err
}

// recover applies the reroute map and then the fallback chain to a
// failed request. The original error is returned when every alternate
// fails, so callers see the primary's failure mode.
func (f *fallbackProvider) recover(ctx context.Context, req ChatRequest, cause error) (ChatResponse, error) {
	if IsContextWindowExceeded(cause) {
		if alt, ok := f.reroutes[f.inner.Model()]; ok {
			f.logger.Warn("context window exceeded, rerouting",
				"from", f.inner.Model(), "to", alt)
			resp, err := f.attempt(ctx, alt, req)
			if err == nil {
				return resp, nil
			}
			f.logger.Warn("reroute attempt failed", "model", alt, "error", err)
		}
	}

	for _, model := range f.chain {
		if model == f.inner.Model() {
			continue
		}
		f.logger.Warn("trying fallback model", "model", model, "cause", cause)
		resp, err := f.attempt(ctx, model, req)
		if err == nil {
			f.logger.Info("fallback model succeeded", "model", model)
			return resp, nil
		}
		f.logger.Warn("fallback model failed", "model", model, "error", err)
		if ctx.Err() != nil {
			break
		}
	}
	return ChatResponse{}, cause
}

// attempt runs one non-streaming call against an alternate model under
// the fallback timeout.
func (f *fallbackProvider) attempt(ctx context.Context, model string, req ChatRequest) (ChatResponse, error) {
	actx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	return f.inner.WithModel(model).Chat(actx, req)
}

var _ Provider = (*fallbackProvider)(nil)
