package openaicompat

import (
	"encoding/json"

	"github.com/qx-sh/qx"
)

// parseResponse converts a full (non-streaming) chat completions body to
// a qx.ChatResponse, reading content, reasoning, tool calls, and usage
// from choices[0].
func parseResponse(resp chatResponse) (qx.ChatResponse, error) {
	var out qx.ChatResponse

	if len(resp.Choices) == 0 {
		return out, nil
	}

	c := resp.Choices[0]
	out.FinishReason = c.FinishReason
	if c.Message != nil {
		out.Content = c.Message.Content
		out.Reasoning = c.Message.reasoning()
		out.ToolCalls = parseToolCalls(c.Message.ToolCalls)
	}

	if resp.Usage != nil {
		out.Usage = qx.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}

	return out, nil
}

// parseToolCalls converts wire tool calls to qx.ToolCalls. Entries with
// neither an id nor a name are malformed and dropped. Arguments pass
// through verbatim, valid JSON or not; argument validation belongs to
// the dispatcher, which reports failures back to the model as tool
// results.
func parseToolCalls(tcs []toolCallDelta) []qx.ToolCall {
	if len(tcs) == 0 {
		return nil
	}
	out := make([]qx.ToolCall, 0, len(tcs))
	for _, tc := range tcs {
		if tc.ID == "" && tc.Function.Name == "" {
			continue
		}
		out = append(out, qx.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: json.RawMessage(tc.Function.Arguments),
		})
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
