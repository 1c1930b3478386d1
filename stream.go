package qx

import "encoding/json"

// StreamEventType identifies the kind of streaming event.
type StreamEventType string

const (
	// EventProcessingStart signals the provider call has been issued and
	// no content has arrived yet (drives the spinner).
	EventProcessingStart StreamEventType = "processing-start"
	// EventTextDelta carries an incremental assistant-content chunk.
	EventTextDelta StreamEventType = "text-delta"
	// EventReasoningDelta carries an incremental chain-of-thought chunk.
	// Reasoning text is never merged into assistant content.
	EventReasoningDelta StreamEventType = "reasoning-delta"
	// EventToolCallStart signals a tool is about to be invoked.
	EventToolCallStart StreamEventType = "tool-call-start"
	// EventToolCallResult carries the result of a completed tool call.
	EventToolCallResult StreamEventType = "tool-call-result"
)

// StreamEvent is a typed event emitted while a turn is in flight.
// Providers emit text and reasoning deltas; the dispatcher emits tool
// call start/result events.
type StreamEvent struct {
	Type StreamEventType `json:"type"`
	// Name is the tool name (tool events only).
	Name string `json:"name,omitempty"`
	// ID is the tool call id (tool events only).
	ID string `json:"id,omitempty"`
	// Content carries the delta text or tool result.
	Content string `json:"content,omitempty"`
	// Args carries the tool call arguments (tool-call-start only).
	Args json.RawMessage `json:"args,omitempty"`
}
