package openaicompat

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/qx-sh/qx"
)

const (
	// defaultInactivity is how long the engine waits between SSE lines
	// before declaring the stream dead.
	defaultInactivity = 5 * time.Minute
	// maxDuplicateChunks aborts the stream when the same data payload
	// arrives this many times in a row. Occurrences below the threshold
	// are processed normally; identical deltas are legitimate content
	// until the run becomes a flood.
	maxDuplicateChunks = 5
	// maxMalformedChunks aborts the stream after this many data payloads
	// that fail to parse as JSON.
	maxMalformedChunks = 5
	// maxEmptyDeltas aborts the stream after this many deltas carrying
	// nothing, once content has been seen.
	maxEmptyDeltas = 5
)

// streamEngine consumes one SSE response body and accumulates the full
// assistant message. The inactivity window is a field so tests can
// shrink it.
type streamEngine struct {
	inactivity time.Duration
}

// streamSSE reads an SSE chat completions stream from body, forwards
// text and reasoning deltas to ch, and returns the fully accumulated
// response. ch is always closed before returning.
//
// On error the response accumulated so far is returned alongside the
// error so callers can keep partial content.
//
// Expected format:
//
//	data: {"id":"...","choices":[...]}\n
//	data: [DONE]\n
func streamSSE(ctx context.Context, body io.Reader, ch chan<- qx.StreamEvent) (qx.ChatResponse, error) {
	e := &streamEngine{inactivity: defaultInactivity}
	return e.run(ctx, body, ch)
}

// partialToolCall is one slot of the sparse index-addressed accumulator.
// id and name arrive once; arguments concatenate verbatim across deltas
// and are not required to be valid JSON until the stream ends.
type partialToolCall struct {
	ID   string
	Name string
	Args strings.Builder
}

func (e *streamEngine) run(ctx context.Context, body io.Reader, ch chan<- qx.StreamEvent) (qx.ChatResponse, error) {
	defer close(ch)

	// The scanner runs in its own goroutine so the main loop can race
	// line arrival against cancellation and the inactivity window.
	lines := make(chan string, 16)
	errc := make(chan error, 1)
	quit := make(chan struct{})
	defer close(quit)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(body)
		// Large SSE payloads: tool arguments can be a single long line.
		scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-quit:
				return
			}
		}
		if err := scanner.Err(); err != nil {
			errc <- err
		}
	}()

	var (
		content   strings.Builder
		reasoning strings.Builder
		calls     []*partialToolCall
		usg       qx.Usage
		finish    string

		lastData    string
		duplicates  int
		emptyDeltas int
		malformed   int
	)

	result := func() qx.ChatResponse {
		return qx.ChatResponse{
			Content:      content.String(),
			Reasoning:    reasoning.String(),
			ToolCalls:    compact(calls),
			FinishReason: finish,
			Usage:        usg,
		}
	}

	timer := time.NewTimer(e.inactivity)
	defer timer.Stop()

loop:
	for {
		var line string
		select {
		case <-ctx.Done():
			return result(), ctx.Err()
		case <-timer.C:
			return result(), &qx.ErrStream{Reason: qx.StreamInactivity}
		case l, ok := <-lines:
			if !ok {
				break loop
			}
			line = l
		}
		timer.Reset(e.inactivity)

		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		if data == lastData {
			duplicates++
			if duplicates >= maxDuplicateChunks {
				return result(), &qx.ErrStream{Reason: qx.StreamDuplicateChunks}
			}
		} else {
			lastData = data
			duplicates = 1
		}

		var chunk chatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			malformed++
			if malformed >= maxMalformedChunks {
				return result(), &qx.ErrStream{Reason: qx.StreamMalformedChunks}
			}
			continue
		}

		if chunk.Usage != nil {
			usg.InputTokens = chunk.Usage.PromptTokens
			usg.OutputTokens = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 {
			// Usage-only chunk.
			continue
		}

		c := chunk.Choices[0]
		delta := c.Delta
		if delta == nil {
			if c.FinishReason != "" {
				finish = c.FinishReason
				break
			}
			continue
		}

		r := delta.reasoning()
		if delta.Content == "" && r == "" && len(delta.ToolCalls) == 0 && c.FinishReason == "" {
			if content.Len() > 0 {
				emptyDeltas++
				if emptyDeltas >= maxEmptyDeltas {
					return result(), &qx.ErrStream{Reason: qx.StreamEmptyDeltas}
				}
			}
			continue
		}

		if r != "" {
			reasoning.WriteString(r)
			select {
			case ch <- qx.StreamEvent{Type: qx.EventReasoningDelta, Content: r}:
			case <-ctx.Done():
				return result(), ctx.Err()
			}
		}

		if delta.Content != "" {
			content.WriteString(delta.Content)
			select {
			case ch <- qx.StreamEvent{Type: qx.EventTextDelta, Content: delta.Content}:
			case <-ctx.Done():
				return result(), ctx.Err()
			}
		}

		for _, tc := range delta.ToolCalls {
			for len(calls) <= tc.Index {
				calls = append(calls, &partialToolCall{})
			}
			slot := calls[tc.Index]
			if tc.ID != "" {
				slot.ID = tc.ID
			}
			if tc.Function.Name != "" {
				slot.Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				slot.Args.WriteString(tc.Function.Arguments)
			}
		}

		if c.FinishReason != "" {
			finish = c.FinishReason
			break
		}
	}

	select {
	case err := <-errc:
		return result(), err
	default:
	}
	return result(), nil
}

// compact turns the sparse accumulator into the final tool call list,
// discarding slots that never received an id or a name (the provider
// produced a malformed call). Arguments pass through verbatim; the
// dispatcher owns JSON validation.
func compact(calls []*partialToolCall) []qx.ToolCall {
	var out []qx.ToolCall
	for _, pc := range calls {
		if pc.ID == "" && pc.Name == "" {
			continue
		}
		out = append(out, qx.ToolCall{
			ID:   pc.ID,
			Name: pc.Name,
			Args: json.RawMessage(pc.Args.String()),
		})
	}
	return out
}
