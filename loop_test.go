package qx

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestRunSimpleTurn(t *testing.T) {
	llm := &mockProvider{responses: []ChatResponse{textResponse("hello there.")}}
	rend := &recordRenderer{}
	agent := NewAgent(llm, newTestRegistry(),
		WithSystemPrompt("be brief"),
		WithRenderer(rend),
		WithStreaming(false))

	result, err := agent.Run(context.Background(), "hi", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Output != "hello there." {
		t.Errorf("output = %q", result.Output)
	}
	if rend.output() != "hello there." {
		t.Errorf("rendered = %q", rend.output())
	}

	msgs := result.History.Messages()
	if len(msgs) != 3 {
		t.Fatalf("history len = %d, want 3", len(msgs))
	}
	if msgs[0].Role != "system" || msgs[0].Content != "be brief" {
		t.Errorf("msgs[0] = %+v", msgs[0])
	}
	if msgs[1].Role != "user" || msgs[1].Content != "hi" {
		t.Errorf("msgs[1] = %+v", msgs[1])
	}
	if msgs[2].Role != "assistant" {
		t.Errorf("msgs[2] = %+v", msgs[2])
	}
	if err := result.History.CheckInvariants(); err != nil {
		t.Errorf("invariants: %v", err)
	}
}

func TestRunStreamingRendersAllContent(t *testing.T) {
	content := "First paragraph of the answer.\n\nSecond paragraph with `code` in it.\n"
	llm := &mockProvider{responses: []ChatResponse{textResponse(content)}}
	rend := &recordRenderer{}
	agent := NewAgent(llm, newTestRegistry(), WithRenderer(rend))

	result, err := agent.Run(context.Background(), "go", NewHistory())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Output != content {
		t.Errorf("output = %q", result.Output)
	}
	// Released chunks concatenate back to the full content, losslessly.
	if rend.output() != content {
		t.Errorf("rendered = %q, want %q", rend.output(), content)
	}
}

func TestRunToolRoundTrip(t *testing.T) {
	llm := &mockProvider{responses: []ChatResponse{
		toolCallResponse("call-1", "echo", `{"text":"ping"}`),
		textResponse("done."),
	}}
	agent := NewAgent(llm, newTestRegistry(newEchoTool()), WithStreaming(false))

	result, err := agent.Run(context.Background(), "echo ping", NewHistory())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Output != "done." {
		t.Errorf("output = %q", result.Output)
	}
	if llm.callCount() != 2 {
		t.Errorf("provider calls = %d, want 2", llm.callCount())
	}

	msgs := result.History.Messages()
	// system, user, assistant(tool call), tool result, assistant
	if len(msgs) != 5 {
		t.Fatalf("history len = %d: %+v", len(msgs), msgs)
	}
	if len(msgs[2].ToolCalls) != 1 || msgs[2].ToolCalls[0].ID != "call-1" {
		t.Errorf("assistant tool calls = %+v", msgs[2].ToolCalls)
	}
	if msgs[3].Role != "tool" || msgs[3].ToolCallID != "call-1" {
		t.Errorf("tool message = %+v", msgs[3])
	}
	if msgs[3].Content != "echo: ping" {
		t.Errorf("tool result = %q", msgs[3].Content)
	}
	if err := result.History.CheckInvariants(); err != nil {
		t.Errorf("invariants: %v", err)
	}
}

func TestRunToolEventsReachCallback(t *testing.T) {
	llm := &mockProvider{responses: []ChatResponse{
		toolCallResponse("call-1", "echo", `{"text":"ping"}`),
		textResponse("done."),
	}}
	var events []StreamEvent
	agent := NewAgent(llm, newTestRegistry(newEchoTool()),
		WithStreaming(false),
		WithToolEvents(func(ev StreamEvent) { events = append(events, ev) }))

	if _, err := agent.Run(context.Background(), "echo ping", NewHistory()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d: %+v", len(events), events)
	}
	if events[0].Type != EventToolCallStart || events[0].Name != "echo" {
		t.Errorf("start event = %+v", events[0])
	}
	if events[1].Type != EventToolCallResult || events[1].Content != "echo: ping" {
		t.Errorf("result event = %+v", events[1])
	}
}

func TestRunParallelToolsPreserveCallOrder(t *testing.T) {
	started := make(chan string, 3)
	release := make(chan struct{})
	llm := &mockProvider{responses: []ChatResponse{
		{ToolCalls: []ToolCall{
			{ID: "p1", Name: "pause", Args: []byte(`{"id":"a"}`)},
			{ID: "p2", Name: "pause", Args: []byte(`{"id":"b"}`)},
			{ID: "p3", Name: "pause", Args: []byte(`{"id":"c"}`)},
		}},
		textResponse("all resumed."),
	}}
	agent := NewAgent(llm, newTestRegistry(newPauseTool(started, release)), WithStreaming(false))

	// Release the tools only after every call has started. If dispatch
	// ran them sequentially this would deadlock; the timeout converts
	// the deadlock into a failure.
	go func() {
		for range 3 {
			select {
			case <-started:
			case <-time.After(5 * time.Second):
				close(release)
				return
			}
		}
		close(release)
	}()

	result, err := agent.Run(context.Background(), "pause all", NewHistory())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Output != "all resumed." {
		t.Errorf("output = %q", result.Output)
	}

	msgs := result.History.Messages()
	var toolMsgs []ChatMessage
	for _, m := range msgs {
		if m.Role == "tool" {
			toolMsgs = append(toolMsgs, m)
		}
	}
	if len(toolMsgs) != 3 {
		t.Fatalf("tool messages = %d", len(toolMsgs))
	}
	for i, want := range []struct{ id, content string }{
		{"p1", "resumed a"}, {"p2", "resumed b"}, {"p3", "resumed c"},
	} {
		if toolMsgs[i].ToolCallID != want.id || toolMsgs[i].Content != want.content {
			t.Errorf("toolMsgs[%d] = %+v, want %+v", i, toolMsgs[i], want)
		}
	}
}

func TestRunSoftDepthInjectsInstruction(t *testing.T) {
	llm := &mockProvider{responses: []ChatResponse{
		toolCallResponse("c1", "echo", `{"text":"one"}`),
		toolCallResponse("c2", "echo", `{"text":"two"}`),
		textResponse("final."),
	}}
	agent := NewAgent(llm, newTestRegistry(newEchoTool()),
		WithStreaming(false),
		WithDepthLimits(2, 10))

	result, err := agent.Run(context.Background(), "work", NewHistory())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Output != "final." {
		t.Errorf("output = %q", result.Output)
	}

	count := 0
	for _, m := range result.History.Messages() {
		if m.Role == "user" && m.Content == depthLimitInstruction {
			count++
		}
	}
	if count != 1 {
		t.Errorf("instruction injected %d times, want 1", count)
	}
	if err := result.History.CheckInvariants(); err != nil {
		t.Errorf("invariants: %v", err)
	}
}

func TestRunHardDepthCeiling(t *testing.T) {
	// The model never stops calling tools.
	llm := &mockProvider{responses: []ChatResponse{
		toolCallResponse("c1", "echo", `{"text":"1"}`),
		toolCallResponse("c2", "echo", `{"text":"2"}`),
		toolCallResponse("c3", "echo", `{"text":"3"}`),
	}}
	agent := NewAgent(llm, newTestRegistry(newEchoTool()),
		WithStreaming(false),
		WithDepthLimits(2, 3))

	result, err := agent.Run(context.Background(), "loop forever", NewHistory())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := "Error: maximum tool recursion depth (3) reached; stopping this turn."
	if result.Output != want {
		t.Errorf("output = %q, want %q", result.Output, want)
	}
	if llm.callCount() != 3 {
		t.Errorf("provider calls = %d, want 3", llm.callCount())
	}
}

func TestRunStreamFailureFallsBackToBlocking(t *testing.T) {
	llm := &mockProvider{
		responses: []ChatResponse{textResponse("recovered.")},
		streamFn: func(_ context.Context, _ ChatRequest, ch chan<- StreamEvent) (ChatResponse, error) {
			close(ch)
			return ChatResponse{}, &ErrLLM{Provider: "mock", Message: "stream setup failed"}
		},
	}
	rend := &recordRenderer{}
	agent := NewAgent(llm, newTestRegistry(), WithRenderer(rend))

	result, err := agent.Run(context.Background(), "hi", NewHistory())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Output != "recovered." {
		t.Errorf("output = %q", result.Output)
	}
	if rend.output() != "recovered." {
		t.Errorf("rendered = %q", rend.output())
	}
	// One failed stream, one successful blocking call.
	if llm.callCount() != 1 {
		t.Errorf("blocking calls = %d, want 1", llm.callCount())
	}
}

func TestRunStreamAbortWithPartialContentEndsTurn(t *testing.T) {
	llm := &mockProvider{
		streamFn: func(_ context.Context, _ ChatRequest, ch chan<- StreamEvent) (ChatResponse, error) {
			ch <- StreamEvent{Type: EventTextDelta, Content: "partial answer"}
			close(ch)
			return ChatResponse{Content: "partial answer"}, &ErrStream{Reason: StreamDuplicateChunks}
		},
	}
	agent := NewAgent(llm, newTestRegistry())

	result, err := agent.Run(context.Background(), "hi", NewHistory())
	if err != nil {
		t.Fatalf("partial content should end the turn cleanly, got %v", err)
	}
	if result.Output != "partial answer" {
		t.Errorf("output = %q", result.Output)
	}
	last := result.History.At(result.History.Len() - 1)
	if last.Role != "assistant" || last.Content != "partial answer" {
		t.Errorf("last message = %+v", last)
	}
}

func TestRunTryAgainAfterTotalFailure(t *testing.T) {
	llm := &mockProvider{
		responses: []ChatResponse{{}, textResponse("eventually.")},
		errs:      []error{&ErrHTTP{Status: 500, Body: "boom"}, nil},
	}
	agent := NewAgent(llm, newTestRegistry(), WithStreaming(false))

	result, err := agent.Run(context.Background(), "hi", NewHistory())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Output != "eventually." {
		t.Errorf("output = %q", result.Output)
	}
	if llm.callCount() != 2 {
		t.Errorf("provider calls = %d, want 2", llm.callCount())
	}
	if findMessage(result.History, func(m ChatMessage) bool {
		return m.Role == "user" && m.Content == "try again"
	}) < 0 {
		t.Error("no try-again user message in history")
	}
}

func TestRunTryAgainFailureIsTerminal(t *testing.T) {
	cause := &ErrHTTP{Status: 500, Body: "down"}
	llm := &mockProvider{
		responses: []ChatResponse{{}, {}},
		errs:      []error{cause, cause},
	}
	agent := NewAgent(llm, newTestRegistry(), WithStreaming(false))

	result, err := agent.Run(context.Background(), "hi", NewHistory())
	if err == nil {
		t.Fatal("expected terminal error")
	}
	var he *ErrHTTP
	if !errors.As(err, &he) || he.Status != 500 {
		t.Errorf("err = %v", err)
	}
	if result.Output != "" {
		t.Errorf("output = %q, want empty", result.Output)
	}
	if llm.callCount() != 2 {
		t.Errorf("provider calls = %d, want 2", llm.callCount())
	}
}

func TestRunCancellationKeepsPartialContent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	llm := &mockProvider{
		streamFn: func(sctx context.Context, _ ChatRequest, ch chan<- StreamEvent) (ChatResponse, error) {
			ch <- StreamEvent{Type: EventTextDelta, Content: "partial "}
			cancel()
			<-sctx.Done()
			close(ch)
			return ChatResponse{Content: "partial "}, sctx.Err()
		},
	}
	agent := NewAgent(llm, newTestRegistry())

	result, err := agent.Run(ctx, "hi", NewHistory())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if result.Output != "partial " {
		t.Errorf("output = %q", result.Output)
	}
	last := result.History.At(result.History.Len() - 1)
	if last.Role != "assistant" || last.Content != "partial " {
		t.Errorf("last message = %+v", last)
	}
}

func TestRunReasoningIsDisplayOnly(t *testing.T) {
	llm := &mockProvider{responses: []ChatResponse{{
		Reasoning: "let me think",
		Content:   "the answer.",
	}}}
	rend := &recordRenderer{}
	sink := &recordSink{}
	agent := NewAgent(llm, newTestRegistry(),
		WithRenderer(rend),
		WithSink(sink),
		WithShowThinking(true))

	result, err := agent.Run(context.Background(), "why", NewHistory())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(sink.output(), "let me think") {
		t.Errorf("sink = %q, reasoning not shown", sink.output())
	}
	if strings.Contains(rend.output(), "let me think") {
		t.Errorf("rendered = %q, reasoning leaked into content", rend.output())
	}
	if result.Output != "the answer." {
		t.Errorf("output = %q", result.Output)
	}
	last := result.History.At(result.History.Len() - 1)
	if last.Content != "the answer." {
		t.Errorf("assistant content = %q, reasoning must never join it", last.Content)
	}
}

func TestRunThinkingHiddenByDefault(t *testing.T) {
	llm := &mockProvider{responses: []ChatResponse{{
		Reasoning: "secret chain",
		Content:   "answer.",
	}}}
	sink := &recordSink{}
	agent := NewAgent(llm, newTestRegistry(), WithSink(sink))

	if _, err := agent.Run(context.Background(), "q", NewHistory()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strings.Contains(sink.output(), "secret chain") {
		t.Errorf("sink = %q, reasoning shown without opt-in", sink.output())
	}
}

func TestRunRecordsTurn(t *testing.T) {
	llm := &mockProvider{responses: []ChatResponse{
		{
			ToolCalls: []ToolCall{{ID: "c1", Name: "echo", Args: []byte(`{"text":"x"}`)}},
			Usage:     Usage{InputTokens: 10, OutputTokens: 4},
		},
		{Content: "done.", Usage: Usage{InputTokens: 20, OutputTokens: 6}},
	}}
	store := &memorySink{}
	agent := NewAgent(llm, newTestRegistry(newEchoTool()),
		WithStreaming(false),
		WithTurnSink(store))

	result, err := agent.Run(context.Background(), "echo x", NewHistory())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(store.records) != 1 {
		t.Fatalf("records = %d", len(store.records))
	}
	rec := store.records[0]
	if rec.Input != "echo x" || rec.Output != "done." {
		t.Errorf("record = %+v", rec)
	}
	if rec.ID == "" {
		t.Error("record has no turn id")
	}
	if rec.Usage.InputTokens != 30 || rec.Usage.OutputTokens != 10 {
		t.Errorf("usage = %+v, want summed across calls", rec.Usage)
	}
	if len(rec.Messages) != result.History.Len() {
		t.Errorf("record messages = %d, history = %d", len(rec.Messages), result.History.Len())
	}
	if result.Usage != rec.Usage {
		t.Errorf("result usage %+v != record usage %+v", result.Usage, rec.Usage)
	}
}

func TestRunNilHistoryCreatesOne(t *testing.T) {
	llm := &mockProvider{responses: []ChatResponse{textResponse("ok")}}
	agent := NewAgent(llm, newTestRegistry(), WithStreaming(false))

	result, err := agent.Run(context.Background(), "hi", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.History == nil || result.History.Len() != 2 {
		t.Errorf("history = %+v", result.History)
	}
}

func TestRunHistoryCarriesAcrossTurns(t *testing.T) {
	llm := &mockProvider{responses: []ChatResponse{
		textResponse("first."),
		textResponse("second."),
	}}
	agent := NewAgent(llm, newTestRegistry(),
		WithSystemPrompt("sys"),
		WithStreaming(false))

	r1, err := agent.Run(context.Background(), "one", NewHistory())
	if err != nil {
		t.Fatal(err)
	}
	r2, err := agent.Run(context.Background(), "two", r1.History)
	if err != nil {
		t.Fatal(err)
	}
	msgs := r2.History.Messages()
	// system, user, assistant, user, assistant; no second system message.
	if len(msgs) != 5 {
		t.Fatalf("history len = %d: %+v", len(msgs), msgs)
	}
	for i, m := range msgs[1:] {
		if m.Role == "system" {
			t.Errorf("duplicate system message at %d", i+1)
		}
	}
	if err := r2.History.CheckInvariants(); err != nil {
		t.Errorf("invariants: %v", err)
	}
}

func TestRunToolErrorFedBackToModel(t *testing.T) {
	llm := &mockProvider{responses: []ChatResponse{
		toolCallResponse("c1", "fail", `{"reason":"disk full"}`),
		textResponse("I hit an error."),
	}}
	agent := NewAgent(llm, newTestRegistry(newFailTool()), WithStreaming(false))

	result, err := agent.Run(context.Background(), "try it", NewHistory())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	i := findMessage(result.History, func(m ChatMessage) bool { return m.Role == "tool" })
	if i < 0 {
		t.Fatal("no tool message")
	}
	got := result.History.At(i).Content
	want := "Error: Tool execution failed: deliberate failure: disk full"
	if got != want {
		t.Errorf("tool result = %q, want %q", got, want)
	}
	if result.Output != "I hit an error." {
		t.Errorf("output = %q", result.Output)
	}
}

func TestRunManifestSentToProvider(t *testing.T) {
	llm := &mockProvider{responses: []ChatResponse{textResponse("ok")}}
	agent := NewAgent(llm, newTestRegistry(newEchoTool(), newFailTool()), WithStreaming(false))

	if _, err := agent.Run(context.Background(), "hi", NewHistory()); err != nil {
		t.Fatal(err)
	}
	req := llm.requests[0]
	if len(req.Tools) != 2 || req.Tools[0].Name != "echo" || req.Tools[1].Name != "fail" {
		t.Errorf("tools = %+v", req.Tools)
	}
	if len(req.Messages) != 2 {
		t.Errorf("wire messages = %d, want 2", len(req.Messages))
	}
	for _, raw := range req.Messages {
		if !strings.HasPrefix(string(raw), `{"role":`) {
			t.Errorf("wire message not pre-serialized: %s", raw)
		}
	}
}

func TestRunSamplingOptionsForwarded(t *testing.T) {
	llm := &mockProvider{responses: []ChatResponse{textResponse("ok")}}
	agent := NewAgent(llm, newTestRegistry(),
		WithStreaming(false),
		WithTemperature(0.2),
		WithMaxTokens(512))

	if _, err := agent.Run(context.Background(), "hi", NewHistory()); err != nil {
		t.Fatal(err)
	}
	req := llm.requests[0]
	if req.Temperature == nil || *req.Temperature != 0.2 {
		t.Errorf("temperature = %v", req.Temperature)
	}
	if req.MaxTokens != 512 {
		t.Errorf("max tokens = %d", req.MaxTokens)
	}
}

func TestRunManyToolCallsInOneBatch(t *testing.T) {
	calls := make([]ToolCall, 12)
	for i := range calls {
		calls[i] = ToolCall{
			ID:   fmt.Sprintf("c%d", i),
			Name: "echo",
			Args: []byte(fmt.Sprintf(`{"text":"%d"}`, i)),
		}
	}
	llm := &mockProvider{responses: []ChatResponse{
		{ToolCalls: calls},
		textResponse("done."),
	}}
	agent := NewAgent(llm, newTestRegistry(newEchoTool()), WithStreaming(false))

	result, err := agent.Run(context.Background(), "fan out", NewHistory())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	var got []string
	for _, m := range result.History.Messages() {
		if m.Role == "tool" {
			got = append(got, m.ToolCallID)
		}
	}
	if len(got) != 12 {
		t.Fatalf("tool messages = %d", len(got))
	}
	for i, id := range got {
		if id != fmt.Sprintf("c%d", i) {
			t.Errorf("result %d answered %s, order broken", i, id)
		}
	}
	if err := result.History.CheckInvariants(); err != nil {
		t.Errorf("invariants: %v", err)
	}
}
