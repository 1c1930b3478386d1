package qx

import (
	"context"
	"log/slog"
	"time"
)

const (
	// defaultSoftDepth is the re-entry depth at which the loop warns and
	// injects a "produce a final response" instruction.
	defaultSoftDepth = 8
	// defaultMaxDepth is the absolute re-entry ceiling; reaching it ends
	// the turn with an error result instead of another provider call.
	defaultMaxDepth = 50
	// tryAgainTimeout bounds the non-streaming "try again" request issued
	// after the primary call times out.
	tryAgainTimeout = 240 * time.Second
)

// Renderer displays released Markdown. The release boundaries are chosen
// by the stream buffer so each call renders cleanly on its own; the
// renderer re-parses, it never sees half a construct.
type Renderer interface {
	Render(markdown string)
}

// Spinner is the "Processing" indicator shown between issuing a provider
// call and the first streamed content.
type Spinner interface {
	Start(label string)
	Stop()
}

// TurnRecord is the transcript of one completed turn, handed to an
// optional TurnSink after the loop exits.
type TurnRecord struct {
	ID         string
	Input      string
	Output     string
	Messages   []ChatMessage
	Usage      Usage
	StartedAt  int64
	FinishedAt int64
}

// TurnSink persists completed turns. Failures are logged, never fatal.
type TurnSink interface {
	RecordTurn(ctx context.Context, rec TurnRecord) error
}

type nopRenderer struct{}

func (nopRenderer) Render(string) {}

type nopSpinner struct{}

func (nopSpinner) Start(string) {}
func (nopSpinner) Stop()        {}

// Agent drives user turns against one provider and one tool registry.
type Agent struct {
	provider     Provider
	registry     *Registry
	dispatcher   *Dispatcher
	systemPrompt string
	renderer     Renderer
	spinner      Spinner
	sink         Sink
	logger       *slog.Logger
	tracer       Tracer
	turnSink     TurnSink
	toolEvents   func(StreamEvent)

	temperature  *float64
	maxTokens    int
	streaming    bool
	showThinking bool
	softDepth    int
	maxDepth     int
	toolTimeout  time.Duration
}

// AgentOption configures an Agent.
type AgentOption func(*Agent)

// WithSystemPrompt sets the system prompt ensured at history index 0.
func WithSystemPrompt(p string) AgentOption {
	return func(a *Agent) { a.systemPrompt = p }
}

// WithRenderer sets the Markdown render sink.
func WithRenderer(r Renderer) AgentOption {
	return func(a *Agent) { a.renderer = r }
}

// WithSpinner sets the processing indicator.
func WithSpinner(s Spinner) AgentOption {
	return func(a *Agent) { a.spinner = s }
}

// WithSink sets the console sink passed to tool handlers.
func WithSink(s Sink) AgentOption {
	return func(a *Agent) { a.sink = s }
}

// WithLogger sets the structured logger. Defaults to a no-op logger.
func WithLogger(l *slog.Logger) AgentOption {
	return func(a *Agent) { a.logger = l }
}

// WithTracer enables span emission for turns, provider calls, and tools.
func WithTracer(t Tracer) AgentOption {
	return func(a *Agent) { a.tracer = t }
}

// WithTurnSink records completed turns (e.g. to the sqlite transcript store).
func WithTurnSink(s TurnSink) AgentOption {
	return func(a *Agent) { a.turnSink = s }
}

// WithToolEvents receives tool-call start and result events so the
// console can show tool activity as it happens. fn is called from the
// dispatching goroutine only.
func WithToolEvents(fn func(StreamEvent)) AgentOption {
	return func(a *Agent) { a.toolEvents = fn }
}

// WithTemperature sets the sampling temperature sent to the provider.
func WithTemperature(t float64) AgentOption {
	return func(a *Agent) { a.temperature = &t }
}

// WithMaxTokens caps completion length.
func WithMaxTokens(n int) AgentOption {
	return func(a *Agent) { a.maxTokens = n }
}

// WithStreaming toggles streaming mode (default on).
func WithStreaming(v bool) AgentOption {
	return func(a *Agent) { a.streaming = v }
}

// WithShowThinking renders the provider's reasoning stream when present.
// Reasoning text is displayed only; it never joins assistant content.
func WithShowThinking(v bool) AgentOption {
	return func(a *Agent) { a.showThinking = v }
}

// WithDepthLimits overrides the soft warning depth and the hard ceiling.
func WithDepthLimits(soft, hard int) AgentOption {
	return func(a *Agent) {
		if soft > 0 {
			a.softDepth = soft
		}
		if hard > 0 {
			a.maxDepth = hard
		}
	}
}

// WithToolTimeout overrides the per-tool-call timeout (default 120 s).
func WithToolTimeout(d time.Duration) AgentOption {
	return func(a *Agent) { a.toolTimeout = d }
}

// NewAgent creates an agent over the given provider and tool registry.
func NewAgent(provider Provider, registry *Registry, opts ...AgentOption) *Agent {
	a := &Agent{
		provider:  provider,
		registry:  registry,
		renderer:  nopRenderer{},
		spinner:   nopSpinner{},
		sink:      NopSink,
		logger:    nopLogger,
		streaming: true,
		softDepth: defaultSoftDepth,
		maxDepth:  defaultMaxDepth,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.dispatcher = NewDispatcher(registry, a.toolTimeout, a.sink, a.logger)
	a.dispatcher.tracer = a.tracer
	a.dispatcher.OnEvent = a.toolEvents
	return a
}

// nopLogger discards all output. Used when WithLogger is not set.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
