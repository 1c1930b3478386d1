package qx

import (
	"context"
	"fmt"
)

// depthLimitInstruction is injected as a user message when the soft
// depth limit trips, steering the model toward a terminal response.
const depthLimitInstruction = "You have made many tool calls in a row. " +
	"Do not call any more tools. Produce your final response to the user now, " +
	"using the information you already have."

// Run drives one user turn to a terminal assistant message: provider
// call, streamed rendering, tool dispatch, and re-entry until the model
// answers without tool calls or a policy limit ends the turn.
//
// The loop is explicit rather than recursive so the depth ceiling check
// sits next to the re-entry and stack depth stays constant.
func (a *Agent) Run(ctx context.Context, input string, h *History) (RunResult, error) {
	if h == nil {
		h = NewHistory()
	}
	h.Append(UserMessage(input))
	h.EnsureSystem(a.systemPrompt)

	turnID := NewID()
	started := NowUnix()
	var total Usage

	var turnSpan Span
	if a.tracer != nil {
		ctx, turnSpan = a.tracer.Start(ctx, "turn.run",
			StringAttr("turn.id", turnID),
			IntAttr("history.len", h.Len()))
		defer turnSpan.End()
	}

	manifest := a.registry.Manifest()
	triedFallback := false

	for depth := 0; ; depth++ {
		if depth >= a.maxDepth {
			a.logger.Error("hard depth ceiling reached", "turn", turnID, "depth", depth)
			out := fmt.Sprintf("Error: maximum tool recursion depth (%d) reached; stopping this turn.", a.maxDepth)
			return a.finish(ctx, turnID, input, out, h, total, started, turnSpan), nil
		}

		iterCtx := ctx
		var iterSpan Span
		if a.tracer != nil {
			iterCtx, iterSpan = a.tracer.Start(ctx, "turn.iteration", IntAttr("depth", depth))
		}

		req := ChatRequest{
			Messages:    h.MarshalWire(),
			Tools:       manifest,
			Temperature: a.temperature,
			MaxTokens:   a.maxTokens,
		}

		resp, err := a.complete(iterCtx, req)
		total.InputTokens += resp.Usage.InputTokens
		total.OutputTokens += resp.Usage.OutputTokens

		if err != nil {
			if iterSpan != nil {
				iterSpan.Error(err)
				iterSpan.End()
			}
			// Cancellation: keep whatever was rendered, leave the store
			// consistent, and surface the cancellation to the caller.
			if ctx.Err() != nil {
				if resp.Content != "" {
					h.Append(AssistantMessage(resp.Content))
				}
				return a.finish(ctx, turnID, input, resp.Content, h, total, started, turnSpan), ctx.Err()
			}
			// Stream anomaly after content: recovered locally, the turn
			// ends with the partial assistant message.
			if resp.Content != "" {
				a.logger.Warn("stream aborted with partial content", "turn", turnID, "error", err)
				h.Append(AssistantMessage(resp.Content))
				return a.finish(ctx, turnID, input, resp.Content, h, total, started, turnSpan), nil
			}
			// No content at all: one "try again" pass, then terminal.
			if !triedFallback {
				triedFallback = true
				a.logger.Warn("provider call failed, issuing try-again fallback", "turn", turnID, "error", err)
				resp, err = a.tryAgain(ctx, h, manifest)
				total.InputTokens += resp.Usage.InputTokens
				total.OutputTokens += resp.Usage.OutputTokens
			}
			if err != nil {
				return a.finish(ctx, turnID, input, "", h, total, started, turnSpan), err
			}
		}

		h.Append(ChatMessage{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls})

		if len(resp.ToolCalls) == 0 {
			if iterSpan != nil {
				iterSpan.End()
			}
			return a.finish(ctx, turnID, input, resp.Content, h, total, started, turnSpan), nil
		}

		if iterSpan != nil {
			iterSpan.SetAttr(IntAttr("tool_count", len(resp.ToolCalls)))
		}
		a.dispatcher.Dispatch(iterCtx, resp.ToolCalls, h)
		if iterSpan != nil {
			iterSpan.End()
		}

		// Soft limit: warn and steer the model toward a final answer.
		// The loop keeps dispatching until the hard ceiling if the model
		// insists on more tool calls.
		if depth+1 >= a.softDepth {
			a.logger.Warn("soft depth limit reached, injecting terminating instruction",
				"turn", turnID, "depth", depth+1)
			h.Append(UserMessage(depthLimitInstruction))
		}
	}
}

// complete issues one provider call, streaming when enabled. A stream
// failure before any content falls back to a non-streaming request with
// the same messages; a failure after content propagates with the partial
// response attached.
func (a *Agent) complete(ctx context.Context, req ChatRequest) (resp ChatResponse, err error) {
	if a.tracer != nil {
		var span Span
		ctx, span = a.tracer.Start(ctx, "provider.chat",
			StringAttr("provider", a.provider.Name()),
			BoolAttr("streaming", a.streaming))
		defer func() {
			span.SetAttr(
				IntAttr("tokens.input", resp.Usage.InputTokens),
				IntAttr("tokens.output", resp.Usage.OutputTokens))
			if err != nil {
				span.Error(err)
			}
			span.End()
		}()
	}

	if !a.streaming {
		return a.completeBlocking(ctx, req)
	}

	resp, err = a.streamTurn(ctx, req)
	if err == nil || resp.Content != "" || ctx.Err() != nil || IsTimeout(err) {
		return resp, err
	}

	a.logger.Warn("stream failed before first content, retrying non-streaming", "error", err)
	return a.completeBlocking(ctx, req)
}

// completeBlocking is the non-streaming path: spinner while waiting,
// then a single render of the full content.
func (a *Agent) completeBlocking(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	a.spinner.Start("Processing")
	resp, err := a.provider.Chat(ctx, req)
	a.spinner.Stop()
	if err != nil {
		return resp, err
	}
	if resp.Content != "" {
		a.renderer.Render(resp.Content)
	}
	return resp, nil
}

// tryAgain re-asks the model with a literal "try again" user message in
// non-streaming mode under its own generous timeout. A second failure is
// terminal; the loop never recurses past this point.
func (a *Agent) tryAgain(ctx context.Context, h *History, manifest []ToolDefinition) (ChatResponse, error) {
	h.Append(UserMessage("try again"))

	fctx, cancel := context.WithTimeout(ctx, tryAgainTimeout)
	defer cancel()

	return a.completeBlocking(fctx, ChatRequest{
		Messages:    h.MarshalWire(),
		Tools:       manifest,
		Temperature: a.temperature,
		MaxTokens:   a.maxTokens,
	})
}

// finish assembles the RunResult and hands the transcript to the
// configured TurnSink. Sink failures are logged, never fatal.
func (a *Agent) finish(ctx context.Context, turnID, input, output string, h *History, usage Usage, started int64, span Span) RunResult {
	if span != nil {
		span.SetAttr(
			IntAttr("tokens.input", usage.InputTokens),
			IntAttr("tokens.output", usage.OutputTokens))
	}
	if a.turnSink != nil {
		rec := TurnRecord{
			ID:         turnID,
			Input:      input,
			Output:     output,
			Messages:   h.Messages(),
			Usage:      usage,
			StartedAt:  started,
			FinishedAt: NowUnix(),
		}
		if err := a.turnSink.RecordTurn(ctx, rec); err != nil {
			a.logger.Warn("transcript record failed", "turn", turnID, "error", err)
		}
	}
	return RunResult{Output: output, History: h, Usage: usage}
}
