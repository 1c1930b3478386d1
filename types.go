package qx

import "encoding/json"

// --- Chat protocol types ---

// ChatMessage is one entry in a conversation. Role is one of "system",
// "user", "assistant", "tool". Assistant messages may carry ToolCalls,
// tool messages carry the ToolCallID they answer.
type ChatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a model-emitted request to invoke a named local tool.
// Args is the raw JSON argument text as streamed by the provider; it is
// not guaranteed to be valid JSON until the dispatcher parses it.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ChatRequest is a provider-agnostic chat completion request. Messages are
// pre-serialized into the OpenAI-compatible wire shape by History.MarshalWire,
// so providers splice them into the request body without recomputing.
type ChatRequest struct {
	Messages    []json.RawMessage `json:"messages"`
	Tools       []ToolDefinition  `json:"tools,omitempty"`
	Temperature *float64          `json:"temperature,omitempty"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
}

// ChatResponse is the assembled result of one provider call.
type ChatResponse struct {
	Content      string     `json:"content"`
	Reasoning    string     `json:"reasoning,omitempty"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason,omitempty"`
	Usage        Usage      `json:"usage"`
}

// Usage contains token accounting for a provider call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ToolDefinition is the manifest entry exported to the provider for one tool.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: "user", Content: text}
}

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: "system", Content: text}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: text}
}

func ToolResultMessage(callID, content string) ChatMessage {
	return ChatMessage{Role: "tool", Content: content, ToolCallID: callID}
}

// RunResult is the terminal outcome of one user turn.
type RunResult struct {
	// Output is the final assistant text (possibly partial after a
	// cancelled or aborted stream).
	Output string
	// History is the message store after the turn, including every
	// assistant and tool message the turn produced.
	History *History
	// Usage is the summed token usage across all provider calls in the turn.
	Usage Usage
}
