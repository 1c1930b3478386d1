package qx

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// mockProvider returns scripted responses in order, repeating the last
// one when the script runs out. Errors at index i are returned alongside
// the response at the same index.
type mockProvider struct {
	mu        sync.Mutex
	name      string
	responses []ChatResponse
	errs      []error
	requests  []ChatRequest
	calls     int

	// streamFn, when set, replaces the default ChatStream behavior. It
	// owns ch and must close it.
	streamFn func(ctx context.Context, req ChatRequest, ch chan<- StreamEvent) (ChatResponse, error)
}

func (m *mockProvider) Name() string {
	if m.name == "" {
		return "mock"
	}
	return m.name
}

func (m *mockProvider) next(req ChatRequest) (ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	i := m.calls
	m.calls++
	var err error
	if i < len(m.errs) {
		err = m.errs[i]
	}
	if len(m.responses) == 0 {
		return ChatResponse{}, err
	}
	if i >= len(m.responses) {
		i = len(m.responses) - 1
	}
	return m.responses[i], err
}

func (m *mockProvider) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *mockProvider) Chat(_ context.Context, req ChatRequest) (ChatResponse, error) {
	return m.next(req)
}

// ChatStream replays the scripted response as a sequence of small text
// deltas, the way a live provider would chunk it.
func (m *mockProvider) ChatStream(ctx context.Context, req ChatRequest, ch chan<- StreamEvent) (ChatResponse, error) {
	if m.streamFn != nil {
		return m.streamFn(ctx, req, ch)
	}
	defer close(ch)
	resp, err := m.next(req)
	if err != nil {
		return resp, err
	}
	if resp.Reasoning != "" {
		ch <- StreamEvent{Type: EventReasoningDelta, Content: resp.Reasoning}
	}
	for content := resp.Content; content != ""; {
		n := 7
		if n > len(content) {
			n = len(content)
		}
		ch <- StreamEvent{Type: EventTextDelta, Content: content[:n]}
		content = content[n:]
	}
	return resp, err
}

var _ Provider = (*mockProvider)(nil)

// switchableProvider adds ModelSwitcher on top of mockProvider so the
// fallback wrapper can derive alternates. perModel routes calls for a
// rerouted or chained model to its own script.
type switchableProvider struct {
	*mockProvider
	model    string
	perModel map[string]*mockProvider
}

func (s *switchableProvider) Model() string { return s.model }

func (s *switchableProvider) WithModel(model string) Provider {
	if alt, ok := s.perModel[model]; ok {
		return &switchableProvider{mockProvider: alt, model: model, perModel: s.perModel}
	}
	return &switchableProvider{mockProvider: s.mockProvider, model: model, perModel: s.perModel}
}

var _ ModelSwitcher = (*switchableProvider)(nil)

func textResponse(content string) ChatResponse {
	return ChatResponse{Content: content, FinishReason: "stop"}
}

func toolCallResponse(id, name, args string) ChatResponse {
	return ChatResponse{
		ToolCalls:    []ToolCall{{ID: id, Name: name, Args: json.RawMessage(args)}},
		FinishReason: "tool_calls",
	}
}

// recordRenderer collects every Render call.
type recordRenderer struct {
	mu    sync.Mutex
	parts []string
}

func (r *recordRenderer) Render(markdown string) {
	r.mu.Lock()
	r.parts = append(r.parts, markdown)
	r.mu.Unlock()
}

func (r *recordRenderer) output() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.parts, "")
}

// recordSink collects tool and reasoning output.
type recordSink struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (s *recordSink) Printf(format string, args ...any) {
	s.mu.Lock()
	fmt.Fprintf(&s.buf, format, args...)
	s.mu.Unlock()
}

func (s *recordSink) output() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

// memorySink captures recorded turns.
type memorySink struct {
	mu      sync.Mutex
	records []TurnRecord
}

func (m *memorySink) RecordTurn(_ context.Context, rec TurnRecord) error {
	m.mu.Lock()
	m.records = append(m.records, rec)
	m.mu.Unlock()
	return nil
}

type echoArgs struct {
	Text string `json:"text" jsonschema:"required,description=Text to echo back"`
}

// newEchoTool returns a tool that echoes its argument.
func newEchoTool() Tool {
	return NewTool("echo", "Echo the given text.",
		func(_ context.Context, in echoArgs, _ Sink) (string, error) {
			return "echo: " + in.Text, nil
		})
}

type failArgs struct {
	Reason string `json:"reason,omitempty"`
}

func newFailTool() Tool {
	return NewTool("fail", "Always fails.",
		func(_ context.Context, in failArgs, _ Sink) (string, error) {
			return "", fmt.Errorf("deliberate failure: %s", in.Reason)
		})
}

func newPanicTool() Tool {
	return NewTool("explode", "Always panics.",
		func(_ context.Context, _ struct{}, _ Sink) (string, error) {
			panic("kaboom")
		})
}

type sleepArgs struct {
	Millis int `json:"millis"`
}

// newSleepTool sleeps for the requested duration, honoring cancellation.
func newSleepTool() Tool {
	return NewTool("sleep", "Sleep for a number of milliseconds.",
		func(ctx context.Context, in sleepArgs, _ Sink) (string, error) {
			select {
			case <-time.After(time.Duration(in.Millis) * time.Millisecond):
				return fmt.Sprintf("slept %dms", in.Millis), nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		})
}

type pauseArgs struct {
	ID string `json:"id" jsonschema:"required"`
}

// newPauseTool blocks every invocation on release after announcing
// itself on started. Used to prove calls run concurrently: with n calls
// in flight, all n must appear on started before release is closed.
func newPauseTool(started chan<- string, release <-chan struct{}) Tool {
	return NewTool("pause", "Block until released.",
		func(ctx context.Context, in pauseArgs, _ Sink) (string, error) {
			started <- in.ID
			select {
			case <-release:
				return "resumed " + in.ID, nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		})
}

func newTestRegistry(tools ...Tool) *Registry {
	r := NewRegistry()
	if err := r.Register(tools...); err != nil {
		panic(err)
	}
	return r
}

// findMessage returns the index of the first message matching pred, or -1.
func findMessage(h *History, pred func(ChatMessage) bool) int {
	for i, m := range h.Messages() {
		if pred(m) {
			return i
		}
	}
	return -1
}
