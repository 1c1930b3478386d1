package openaicompat

import (
	"encoding/json"
	"testing"

	"github.com/qx-sh/qx"
)

func TestBuildBody_SplicesSerializedMessages(t *testing.T) {
	raw := json.RawMessage(`{"role":"user","content":"hi"}`)
	temp := 0.3
	body := buildBody(qx.ChatRequest{
		Messages:    []json.RawMessage{raw},
		Temperature: &temp,
		MaxTokens:   256,
	}, "gpt-4o", false)

	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}

	var decoded struct {
		Model       string            `json:"model"`
		Messages    []json.RawMessage `json:"messages"`
		Temperature float64           `json:"temperature"`
		MaxTokens   int               `json:"max_tokens"`
	}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Model != "gpt-4o" || decoded.Temperature != 0.3 || decoded.MaxTokens != 256 {
		t.Errorf("decoded = %+v", decoded)
	}
	// The cached serialization must appear verbatim, not re-marshaled.
	if string(decoded.Messages[0]) != string(raw) {
		t.Errorf("message = %s, want %s", decoded.Messages[0], raw)
	}
}

func TestBuildBody_Tools(t *testing.T) {
	body := buildBody(qx.ChatRequest{
		Tools: []qx.ToolDefinition{
			{Name: "read", Description: "read a file", Parameters: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}}}`)},
			{Name: "bare", Description: "no params"},
		},
	}, "m", true)

	if body.ToolChoice != "auto" {
		t.Errorf("tool_choice = %q", body.ToolChoice)
	}
	if !body.Stream || body.StreamOptions == nil || !body.StreamOptions.IncludeUsage {
		t.Error("streaming flags not set")
	}
	if len(body.Tools) != 2 {
		t.Fatalf("tools = %d", len(body.Tools))
	}
	if body.Tools[0].Type != "function" || body.Tools[0].Function.Name != "read" {
		t.Errorf("tool 0 = %+v", body.Tools[0])
	}
	// Empty parameter schemas get a minimal object schema.
	if string(body.Tools[1].Function.Parameters) != `{"type":"object"}` {
		t.Errorf("default params = %s", body.Tools[1].Function.Parameters)
	}
}

func TestBuildBody_NoToolsOmitsToolChoice(t *testing.T) {
	body := buildBody(qx.ChatRequest{}, "m", false)
	if body.ToolChoice != "" || body.Tools != nil {
		t.Errorf("body = %+v", body)
	}
	if body.StreamOptions != nil {
		t.Error("stream options set on non-streaming request")
	}
}
