// Package qx is the agent execution core of the QX terminal assistant.
//
// It drives one user turn at a time: assemble the message history, call an
// OpenAI-compatible chat-completions endpoint with streaming tool calling,
// render the streamed response as Markdown without breaking constructs across
// chunk boundaries, validate and dispatch tool calls concurrently, mediate
// per-call user approval with a session-wide "approve all" gate, and loop
// until the model produces a terminal assistant message.
//
// # Quick Start
//
//	provider := openaicompat.NewProvider(apiKey, model, baseURL)
//	gate := qx.NewGate(term)
//	registry := qx.NewRegistry()
//	registry.Register(file.Tools(workspace, gate)...)
//	registry.Register(shell.New(workspace, gate, shell.Options{}))
//
//	agent := qx.NewAgent(provider, registry,
//		qx.WithSystemPrompt(prompt),
//		qx.WithRenderer(console.NewRenderer(os.Stdout)),
//	)
//
//	history := qx.NewHistory()
//	result, err := agent.Run(ctx, "list the files here", history)
//
// # Core Interfaces
//
// Provider abstracts the chat-completions backend. Tool is a named local
// capability with a JSON-schema input model. Prompter supplies the y/n/a/c
// approval surface. Renderer and Spinner are the terminal collaborators;
// the core never touches the terminal directly.
//
// Provider wrappers compose: WithRetry adds transient-error backoff,
// WithBreaker adds a circuit breaker, WithFallback adds a fallback model
// chain and context-window rerouting.
package qx
