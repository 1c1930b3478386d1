package qx

import "context"

// Provider abstracts the chat-completions backend.
type Provider interface {
	// Chat sends a request and returns a complete response.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// ChatStream streams deltas into ch, then returns the final assembled
	// response. Implementations close ch before returning on every path.
	ChatStream(ctx context.Context, req ChatRequest, ch chan<- StreamEvent) (ChatResponse, error)
	// Name returns the provider name (e.g. "openai").
	Name() string
}

// ModelSwitcher is implemented by providers whose model can be redirected,
// enabling the fallback chain and context-window rerouting in fallback.go.
type ModelSwitcher interface {
	Provider
	// WithModel returns a provider identical to the receiver but targeting
	// the given model. The receiver is not mutated.
	WithModel(model string) Provider
	// Model returns the currently targeted model identifier.
	Model() string
}
