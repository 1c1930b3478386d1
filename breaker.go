package qx

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// breakerThreshold is the default consecutive-failure count that
	// opens the circuit.
	breakerThreshold = 5
	// breakerCooldown is the default time an open circuit rejects calls
	// before allowing a probe.
	breakerCooldown = 60 * time.Second
)

// breakerProvider wraps a Provider with a circuit breaker. After
// threshold consecutive failures the circuit opens and calls fail
// fast with ErrCircuitOpen until the cooldown elapses; the next call
// after that is the probe, and its outcome closes or re-opens the
// circuit. Context cancellation does not count as a failure.
type breakerProvider struct {
	inner     Provider
	logger    *slog.Logger
	threshold int
	cooldown  time.Duration

	mu       sync.Mutex
	failures int
	openedAt time.Time
	now      func() time.Time // injectable for tests
}

// BreakerOption configures a circuit breaker.
type BreakerOption func(*breakerProvider)

// BreakerThreshold sets the consecutive-failure count that opens the
// circuit (default: 5).
func BreakerThreshold(n int) BreakerOption {
	return func(b *breakerProvider) {
		if n > 0 {
			b.threshold = n
		}
	}
}

// BreakerCooldown sets how long an open circuit rejects calls before
// allowing a probe (default: 60s).
func BreakerCooldown(d time.Duration) BreakerOption {
	return func(b *breakerProvider) {
		if d > 0 {
			b.cooldown = d
		}
	}
}

// BreakerLogger sets the structured logger for open/close transitions.
func BreakerLogger(l *slog.Logger) BreakerOption {
	return func(b *breakerProvider) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithBreaker wraps p with a circuit breaker: threshold consecutive
// failures open the circuit for the cooldown. While open, Chat and
// ChatStream return *ErrCircuitOpen without contacting the provider.
//
//	llm := qx.WithBreaker(p, qx.BreakerCooldown(30*time.Second))
func WithBreaker(p Provider, opts ...BreakerOption) Provider {
	b := &breakerProvider{
		inner:     p,
		logger:    nopLogger,
		threshold: breakerThreshold,
		cooldown:  breakerCooldown,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name delegates to the inner provider.
func (b *breakerProvider) Name() string { return b.inner.Name() }

// Chat implements Provider behind the breaker.
func (b *breakerProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	if err := b.allow(); err != nil {
		return ChatResponse{}, err
	}
	resp, err := b.inner.Chat(ctx, req)
	b.record(ctx, err)
	return resp, err
}

// ChatStream implements Provider behind the breaker. When the circuit is
// open, ch is closed immediately and no events are produced.
func (b *breakerProvider) ChatStream(ctx context.Context, req ChatRequest, ch chan<- StreamEvent) (ChatResponse, error) {
	if err := b.allow(); err != nil {
		close(ch)
		return ChatResponse{}, err
	}
	resp, err := b.inner.ChatStream(ctx, req, ch)
	b.record(ctx, err)
	return resp, err
}

// allow returns ErrCircuitOpen while the circuit is open and inside the
// cooldown window. After the cooldown the call proceeds as a probe.
func (b *breakerProvider) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures < b.threshold {
		return nil
	}
	until := b.openedAt.Add(b.cooldown)
	if b.now().Before(until) {
		return &ErrCircuitOpen{Until: until}
	}
	// Cooldown elapsed: let one probe through. The probe's failure
	// re-opens the circuit with a fresh cooldown via record().
	return nil
}

// record updates the failure count after a call. Success resets the
// count; cancellation is neutral.
func (b *breakerProvider) record(ctx context.Context, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case err == nil:
		if b.failures >= b.threshold {
			b.logger.Info("circuit closed", "provider", b.inner.Name())
		}
		b.failures = 0
	case ctx.Err() != nil:
		// User cancellation says nothing about provider health.
	default:
		b.failures++
		if b.failures == b.threshold {
			b.openedAt = b.now()
			b.logger.Warn("circuit opened",
				"provider", b.inner.Name(),
				"failures", b.failures,
				"cooldown", b.cooldown)
		} else if b.failures > b.threshold {
			// Failed probe: restart the cooldown.
			b.openedAt = b.now()
			b.failures = b.threshold
		}
	}
}

var _ Provider = (*breakerProvider)(nil)
