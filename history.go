package qx

import (
	"encoding/json"
	"fmt"
	"sync"
)

// wireCacheLimit is the serialization-cache entry count at which the
// cache evicts down to half size. The cache only avoids re-marshaling
// large histories on every provider call; it carries no semantics.
const wireCacheLimit = 1000

// History is the ordered message store for a conversation. The run loop
// exclusively owns a History for the duration of a turn; tool handlers
// never mutate it directly (the dispatcher writes results).
//
// Invariants:
//   - the system message, if present, is the single message at index 0
//   - every tool message's ToolCallID matches a tool call id on a
//     preceding assistant message
//   - an assistant message with tool calls is followed by exactly one
//     tool message per call id before the next user/assistant message
type History struct {
	mu       sync.Mutex
	messages []*ChatMessage
	wire     map[*ChatMessage]json.RawMessage
}

// NewHistory creates an empty message store.
func NewHistory(messages ...ChatMessage) *History {
	h := &History{wire: make(map[*ChatMessage]json.RawMessage)}
	for _, m := range messages {
		h.Append(m)
	}
	return h
}

// Append adds a message to the end of the store.
func (h *History) Append(m ChatMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cp := m
	h.messages = append(h.messages, &cp)
}

// Len returns the number of stored messages.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.messages)
}

// At returns a copy of the message at index i.
func (h *History) At(i int) ChatMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return *h.messages[i]
}

// Messages returns a copy of all messages in order.
func (h *History) Messages() []ChatMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]ChatMessage, len(h.messages))
	for i, m := range h.messages {
		out[i] = *m
	}
	return out
}

// EnsureSystem guarantees the store begins with a single system message,
// prepending prompt when none is present. Returns true if a message was
// prepended.
func (h *History) EnsureSystem(prompt string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.messages) > 0 && h.messages[0].Role == "system" {
		return false
	}
	sys := SystemMessage(prompt)
	h.messages = append([]*ChatMessage{&sys}, h.messages...)
	return true
}

// wireMessage is the OpenAI-compatible message shape sent to providers.
type wireMessage struct {
	Role       string         `json:"role"`
	Content    *string        `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// MarshalWire serializes every message into the OpenAI-compatible wire
// shape, memoizing per message so unchanged history prefixes are not
// re-marshaled on each provider call. The cache evicts to half size when
// it reaches wireCacheLimit entries.
func (h *History) MarshalWire() []json.RawMessage {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]json.RawMessage, len(h.messages))
	for i, m := range h.messages {
		if raw, ok := h.wire[m]; ok {
			out[i] = raw
			continue
		}
		raw := marshalWireMessage(m)
		if len(h.wire) >= wireCacheLimit {
			h.evictLocked()
		}
		h.wire[m] = raw
		out[i] = raw
	}
	return out
}

// evictLocked drops cache entries down to half the limit. Entries for
// messages no longer in the store go first; remaining evictions are
// arbitrary, which is fine for a pure memoization cache.
func (h *History) evictLocked() {
	live := make(map[*ChatMessage]bool, len(h.messages))
	for _, m := range h.messages {
		live[m] = true
	}
	for k := range h.wire {
		if !live[k] {
			delete(h.wire, k)
		}
	}
	for k := range h.wire {
		if len(h.wire) <= wireCacheLimit/2 {
			break
		}
		delete(h.wire, k)
	}
}

func marshalWireMessage(m *ChatMessage) json.RawMessage {
	w := wireMessage{
		Role:       m.Role,
		ToolCallID: m.ToolCallID,
	}
	// Assistant messages may legitimately have null content when they
	// carry only tool calls; every other role always has content.
	if m.Content != "" || m.Role != "assistant" || len(m.ToolCalls) == 0 {
		c := m.Content
		w.Content = &c
	}
	for _, tc := range m.ToolCalls {
		w.ToolCalls = append(w.ToolCalls, wireToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: wireFunction{
				Name:      tc.Name,
				Arguments: string(tc.Args),
			},
		})
	}
	raw, err := json.Marshal(w)
	if err != nil {
		// ChatMessage contains only marshalable fields; this is unreachable
		// short of memory corruption, but degrade to an empty message.
		raw = []byte(`{"role":"` + m.Role + `","content":""}`)
	}
	return raw
}

// CheckInvariants verifies the structural invariants of the store.
// Intended for tests and debug assertions.
func (h *History) CheckInvariants() error {
	msgs := h.Messages()
	pending := map[string]bool{} // tool_call ids awaiting a tool message
	known := map[string]bool{}   // all tool_call ids seen so far
	for i, m := range msgs {
		if m.Role == "system" && i != 0 {
			return fmt.Errorf("system message at index %d", i)
		}
		switch m.Role {
		case "assistant":
			if len(pending) > 0 {
				return fmt.Errorf("assistant message at %d before tool results for %d pending calls", i, len(pending))
			}
			for _, tc := range m.ToolCalls {
				pending[tc.ID] = true
				known[tc.ID] = true
			}
		case "user":
			if len(pending) > 0 {
				return fmt.Errorf("user message at %d before tool results for %d pending calls", i, len(pending))
			}
		case "tool":
			if !known[m.ToolCallID] {
				return fmt.Errorf("tool message at %d references unknown call id %q", i, m.ToolCallID)
			}
			if !pending[m.ToolCallID] {
				return fmt.Errorf("tool message at %d duplicates call id %q", i, m.ToolCallID)
			}
			delete(pending, m.ToolCallID)
		}
	}
	if len(pending) > 0 {
		return fmt.Errorf("history ends with %d unanswered tool calls", len(pending))
	}
	return nil
}
