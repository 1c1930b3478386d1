// Package resolve creates a chat provider from provider-agnostic
// configuration. Every supported backend speaks the OpenAI-compatible
// wire protocol; resolution picks the base URL and provider name.
package resolve

import (
	"fmt"
	"log/slog"

	"github.com/qx-sh/qx"
	"github.com/qx-sh/qx/provider/openaicompat"
)

// Config names a backend and carries its credentials.
type Config struct {
	// Name selects the backend: "openai", "groq", "deepseek", "together",
	// "mistral", or "ollama". Any other name requires BaseURL.
	Name    string
	APIKey  string
	Model   string
	// BaseURL overrides the backend's default endpoint. Required when
	// Name is not a known backend.
	BaseURL string
	Logger  *slog.Logger
}

// Provider creates a model-switchable provider for the named backend.
func Provider(cfg Config) (qx.ModelSwitcher, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL(cfg.Name)
	}
	if baseURL == "" {
		return nil, fmt.Errorf("resolve: unknown provider %q and no base URL configured", cfg.Name)
	}
	opts := []openaicompat.Option{openaicompat.WithName(cfg.Name)}
	if cfg.Logger != nil {
		opts = append(opts, openaicompat.WithLogger(cfg.Logger))
	}
	return openaicompat.NewProvider(cfg.APIKey, cfg.Model, baseURL, opts...), nil
}

// DefaultBaseURL returns the well-known endpoint for a named backend,
// or "" when the name is not recognized.
func DefaultBaseURL(name string) string {
	switch name {
	case "openai":
		return "https://api.openai.com/v1"
	case "groq":
		return "https://api.groq.com/openai/v1"
	case "deepseek":
		return "https://api.deepseek.com/v1"
	case "together":
		return "https://api.together.xyz/v1"
	case "mistral":
		return "https://api.mistral.ai/v1"
	case "ollama":
		return "http://localhost:11434/v1"
	default:
		return ""
	}
}
