package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/qx-sh/qx"
)

// sharedClient is the process-wide HTTP client. Keep-alive and HTTP/2
// come from the default transport; every Provider shares the pool.
var sharedClient = &http.Client{}

// Provider implements qx.Provider for any OpenAI-compatible chat
// completions API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	name    string
	headers map[string]string
	logger  *slog.Logger
}

// Option configures a Provider.
type Option func(*Provider)

// WithName overrides the provider name reported in errors and logs
// (default "openai").
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// WithHTTPClient replaces the shared HTTP client, e.g. for tests or a
// custom transport.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// WithHeader adds a header to every request (e.g. OpenRouter's
// HTTP-Referer attribution headers).
func WithHeader(key, value string) Option {
	return func(p *Provider) {
		if p.headers == nil {
			p.headers = map[string]string{}
		}
		p.headers[key] = value
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

// NewProvider creates an OpenAI-compatible chat provider.
//
// baseURL is the API base (e.g. "https://api.openai.com/v1",
// "https://openrouter.ai/api/v1", "http://localhost:11434/v1"). The
// /chat/completions path is appended automatically.
func NewProvider(apiKey, model, baseURL string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		client:  sharedClient,
		name:    "openai",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider name.
func (p *Provider) Name() string { return p.name }

// Model returns the model currently in use.
func (p *Provider) Model() string { return p.model }

// WithModel returns a copy of the provider targeting a different model.
// Credentials, base URL, and transport are shared with the original.
func (p *Provider) WithModel(model string) qx.Provider {
	clone := *p
	clone.model = model
	return &clone
}

// Chat sends a non-streaming chat request and returns the complete
// response. When req.Tools is non-empty, the response may contain
// tool calls.
func (p *Provider) Chat(ctx context.Context, req qx.ChatRequest) (qx.ChatResponse, error) {
	resp, err := p.send(ctx, buildBody(req, p.model, false))
	if err != nil {
		return qx.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return qx.ChatResponse{}, p.httpErr(resp)
	}

	var body chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return qx.ChatResponse{}, &qx.ErrLLM{Provider: p.name, Message: fmt.Sprintf("decode response: %v", err)}
	}
	return parseResponse(body)
}

// ChatStream streams deltas into ch and returns the final accumulated
// response. ch is closed when streaming completes or on error; callers
// read from ch in a separate goroutine.
func (p *Provider) ChatStream(ctx context.Context, req qx.ChatRequest, ch chan<- qx.StreamEvent) (qx.ChatResponse, error) {
	resp, err := p.send(ctx, buildBody(req, p.model, true))
	if err != nil {
		close(ch)
		return qx.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		close(ch)
		return qx.ChatResponse{}, p.httpErr(resp)
	}

	// streamSSE closes ch when done.
	return streamSSE(ctx, resp.Body, ch)
}

// send marshals the body and posts it to the chat completions endpoint.
func (p *Provider) send(ctx context.Context, body chatBody) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &qx.ErrLLM{Provider: p.name, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	url := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &qx.ErrLLM{Provider: p.name, Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	for k, v := range p.headers {
		httpReq.Header.Set(k, v)
	}

	return p.client.Do(httpReq)
}

// httpErr reads the response body and returns an ErrHTTP for the retry
// and fallback middleware. Parses the Retry-After header when present.
func (p *Provider) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return &qx.ErrHTTP{
		Status:     resp.StatusCode,
		Body:       string(body),
		RetryAfter: qx.ParseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

var _ qx.ModelSwitcher = (*Provider)(nil)
