package openaicompat

import (
	"encoding/json"

	"github.com/qx-sh/qx"
)

// buildBody assembles the chat completions request. The history has
// already serialized each message to OpenAI wire form, so messages are
// spliced in as raw JSON without another marshal pass.
func buildBody(req qx.ChatRequest, model string, stream bool) chatBody {
	body := chatBody{
		Model:       model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
	}
	if len(req.Tools) > 0 {
		body.Tools = buildToolDefs(req.Tools)
		body.ToolChoice = "auto"
	}
	if stream {
		body.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	return body
}

// buildToolDefs converts registry tool definitions to the OpenAI tool
// format.
func buildToolDefs(tools []qx.ToolDefinition) []Tool {
	out := make([]Tool, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object"}`)
		}
		out = append(out, Tool{
			Type: "function",
			Function: Function{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}
