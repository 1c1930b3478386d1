package qx

import (
	"context"
	"strings"
	"testing"
	"time"
)

func dispatchOne(t *testing.T, d *Dispatcher, call ToolCall) string {
	t.Helper()
	h := NewHistory()
	d.Dispatch(context.Background(), []ToolCall{call}, h)
	if h.Len() != 1 {
		t.Fatalf("messages = %d, want 1", h.Len())
	}
	m := h.At(0)
	if m.Role != "tool" || m.ToolCallID != call.ID {
		t.Fatalf("message = %+v", m)
	}
	return m.Content
}

func TestDispatchUnknownTool(t *testing.T) {
	d := NewDispatcher(newTestRegistry(newEchoTool()), 0, nil, nil)
	got := dispatchOne(t, d, ToolCall{ID: "c1", Name: "nope", Args: []byte(`{}`)})
	if got != "Error: Unknown tool 'nope'" {
		t.Errorf("result = %q", got)
	}
}

func TestDispatchInvalidJSONArgs(t *testing.T) {
	d := NewDispatcher(newTestRegistry(newEchoTool()), 0, nil, nil)
	got := dispatchOne(t, d, ToolCall{ID: "c1", Name: "echo", Args: []byte(`{"text": oops`)})
	if !strings.Contains(got, "Error: Invalid JSON arguments for tool 'echo'") {
		t.Errorf("result = %q", got)
	}
	// The raw text is echoed back so the model can correct itself.
	if !strings.Contains(got, `{"text": oops`) {
		t.Errorf("result %q does not include raw arguments", got)
	}
}

func TestDispatchSchemaValidation(t *testing.T) {
	d := NewDispatcher(newTestRegistry(newEchoTool()), 0, nil, nil)
	got := dispatchOne(t, d, ToolCall{ID: "c1", Name: "echo", Args: []byte(`{}`)})
	if !strings.Contains(got, "Error: Invalid arguments for tool 'echo'") {
		t.Errorf("result = %q", got)
	}
	if !strings.Contains(got, "Required fields: text") {
		t.Errorf("result %q missing required-fields line", got)
	}
}

func TestDispatchToolFailure(t *testing.T) {
	d := NewDispatcher(newTestRegistry(newFailTool()), 0, nil, nil)
	got := dispatchOne(t, d, ToolCall{ID: "c1", Name: "fail", Args: []byte(`{"reason":"x"}`)})
	if got != "Error: Tool execution failed: deliberate failure: x" {
		t.Errorf("result = %q", got)
	}
}

func TestDispatchPanicRecovered(t *testing.T) {
	d := NewDispatcher(newTestRegistry(newPanicTool()), 0, nil, nil)
	got := dispatchOne(t, d, ToolCall{ID: "c1", Name: "explode", Args: []byte(`{}`)})
	if !strings.Contains(got, "panic in") || !strings.Contains(got, "kaboom") {
		t.Errorf("result = %q", got)
	}
}

func TestDispatchTimeout(t *testing.T) {
	d := NewDispatcher(newTestRegistry(newSleepTool()), 30*time.Millisecond, nil, nil)
	got := dispatchOne(t, d, ToolCall{ID: "c1", Name: "sleep", Args: []byte(`{"millis": 5000}`)})
	if !strings.Contains(got, "Error: Tool execution timed out after") {
		t.Errorf("result = %q", got)
	}
}

func TestDispatchTimeoutIsolatedPerCall(t *testing.T) {
	d := NewDispatcher(newTestRegistry(newSleepTool()), 50*time.Millisecond, nil, nil)
	h := NewHistory()
	d.Dispatch(context.Background(), []ToolCall{
		{ID: "slow", Name: "sleep", Args: []byte(`{"millis": 5000}`)},
		{ID: "fast", Name: "sleep", Args: []byte(`{"millis": 1}`)},
	}, h)

	if h.Len() != 2 {
		t.Fatalf("messages = %d", h.Len())
	}
	if got := h.At(0).Content; !strings.Contains(got, "timed out") {
		t.Errorf("slow result = %q", got)
	}
	if got := h.At(1).Content; got != "slept 1ms" {
		t.Errorf("fast result = %q, neighbor timeout must not affect it", got)
	}
}

func TestDispatchResultsInCallOrder(t *testing.T) {
	d := NewDispatcher(newTestRegistry(newSleepTool()), 0, nil, nil)
	h := NewHistory()
	// The first call finishes last; results must still land in call order.
	d.Dispatch(context.Background(), []ToolCall{
		{ID: "a", Name: "sleep", Args: []byte(`{"millis": 60}`)},
		{ID: "b", Name: "sleep", Args: []byte(`{"millis": 1}`)},
		{ID: "c", Name: "sleep", Args: []byte(`{"millis": 20}`)},
	}, h)

	want := []string{"a", "b", "c"}
	for i, id := range want {
		if h.At(i).ToolCallID != id {
			t.Errorf("message %d answers %q, want %q", i, h.At(i).ToolCallID, id)
		}
	}
}

func TestDispatchRunsCallsConcurrently(t *testing.T) {
	started := make(chan string, 2)
	release := make(chan struct{})
	d := NewDispatcher(newTestRegistry(newPauseTool(started, release)), 0, nil, nil)

	go func() {
		for range 2 {
			select {
			case <-started:
			case <-time.After(5 * time.Second):
				close(release)
				return
			}
		}
		close(release)
	}()

	h := NewHistory()
	d.Dispatch(context.Background(), []ToolCall{
		{ID: "p1", Name: "pause", Args: []byte(`{"id":"x"}`)},
		{ID: "p2", Name: "pause", Args: []byte(`{"id":"y"}`)},
	}, h)

	if h.At(0).Content != "resumed x" || h.At(1).Content != "resumed y" {
		t.Errorf("results = %q, %q", h.At(0).Content, h.At(1).Content)
	}
}

func TestDispatchMixedValidAndInvalid(t *testing.T) {
	d := NewDispatcher(newTestRegistry(newEchoTool()), 0, nil, nil)
	h := NewHistory()
	d.Dispatch(context.Background(), []ToolCall{
		{ID: "c1", Name: "echo", Args: []byte(`{"text":"ok"}`)},
		{ID: "c2", Name: "ghost", Args: []byte(`{}`)},
		{ID: "c3", Name: "echo", Args: []byte(`{"text":"also"}`)},
	}, h)

	if h.Len() != 3 {
		t.Fatalf("messages = %d, want one per call", h.Len())
	}
	if h.At(0).Content != "echo: ok" {
		t.Errorf("c1 = %q", h.At(0).Content)
	}
	if !strings.Contains(h.At(1).Content, "Unknown tool") {
		t.Errorf("c2 = %q", h.At(1).Content)
	}
	if h.At(2).Content != "echo: also" {
		t.Errorf("c3 = %q", h.At(2).Content)
	}
}

func TestDispatchCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := NewDispatcher(newTestRegistry(newEchoTool()), 0, nil, nil)
	h := NewHistory()
	d.Dispatch(ctx, []ToolCall{
		{ID: "c1", Name: "echo", Args: []byte(`{"text":"x"}`)},
		{ID: "c2", Name: "echo", Args: []byte(`{"text":"y"}`)},
	}, h)

	if h.Len() != 2 {
		t.Fatalf("messages = %d", h.Len())
	}
	for i := range 2 {
		if !strings.Contains(h.At(i).Content, "Error: Tool execution cancelled") {
			t.Errorf("result %d = %q", i, h.At(i).Content)
		}
	}
}

func TestDispatchEmitsConsoleEvents(t *testing.T) {
	d := NewDispatcher(newTestRegistry(newEchoTool()), 0, nil, nil)
	var events []StreamEvent
	d.OnEvent = func(ev StreamEvent) { events = append(events, ev) }

	h := NewHistory()
	d.Dispatch(context.Background(), []ToolCall{
		{ID: "c1", Name: "echo", Args: []byte(`{"text":"hi"}`)},
		{ID: "c2", Name: "ghost", Args: []byte(`{}`)},
	}, h)

	// Start event for the valid call only; result events for both.
	var starts, results int
	for _, ev := range events {
		switch ev.Type {
		case EventToolCallStart:
			starts++
			if ev.Name != "echo" || ev.ID != "c1" {
				t.Errorf("start event = %+v", ev)
			}
		case EventToolCallResult:
			results++
		}
	}
	if starts != 1 || results != 2 {
		t.Errorf("starts = %d, results = %d", starts, results)
	}
}

func TestDispatchToolSeesSink(t *testing.T) {
	sink := &recordSink{}
	noisy := NewTool("noisy", "Writes progress to the sink.",
		func(_ context.Context, _ struct{}, s Sink) (string, error) {
			s.Printf("working on it\n")
			return "done", nil
		})
	d := NewDispatcher(newTestRegistry(noisy), 0, sink, nil)
	got := dispatchOne(t, d, ToolCall{ID: "c1", Name: "noisy", Args: []byte(`{}`)})
	if got != "done" {
		t.Errorf("result = %q", got)
	}
	if sink.output() != "working on it\n" {
		t.Errorf("sink = %q", sink.output())
	}
}
