// Package config loads application configuration: defaults, then a TOML
// file, then QX_* environment variables (env wins).
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/qx-sh/qx"
)

type Config struct {
	Provider ProviderConfig `toml:"provider"`
	Retry    RetryConfig    `toml:"retry"`
	Fallback FallbackConfig `toml:"fallback"`
	Display  DisplayConfig  `toml:"display"`
	Prompt   PromptConfig   `toml:"prompt"`
	Store    StoreConfig    `toml:"store"`
	Observer ObserverConfig `toml:"observer"`
	Log      LogConfig      `toml:"log"`

	WorkspacePath string `toml:"workspace_path"`
}

type ProviderConfig struct {
	// Name selects the backend ("openai", "groq", "deepseek", "together",
	// "mistral", "ollama", or a custom name with an explicit base URL).
	Name            string `toml:"name"`
	APIKey          string `toml:"api_key"`
	Model           string `toml:"model"`
	BaseURL         string `toml:"base_url"`
	EnableStreaming bool   `toml:"enable_streaming"`
	RequestTimeout  int    `toml:"request_timeout"` // seconds
}

type RetryConfig struct {
	NumRetries    int     `toml:"num_retries"`
	RetryDelay    float64 `toml:"retry_delay"`     // seconds
	MaxRetryDelay float64 `toml:"max_retry_delay"` // seconds
	BackoffFactor float64 `toml:"backoff_factor"`
}

type FallbackConfig struct {
	Models []string `toml:"models"`
	// ContextWindowFallbacks maps a model to a larger-context alternate
	// used when a request overflows its window.
	ContextWindowFallbacks map[string]string `toml:"context_window_fallbacks"`
	Timeout                int               `toml:"timeout"`  // seconds
	Cooldown               int               `toml:"cooldown"` // seconds
}

type DisplayConfig struct {
	ShowThinking bool `toml:"show_thinking"`
	ShowStdout   bool `toml:"show_stdout"`
	ShowStderr   bool `toml:"show_stderr"`
}

// PromptConfig feeds the system-prompt template slots.
type PromptConfig struct {
	UserContext    string `toml:"user_context"`
	ProjectContext string `toml:"project_context"`
	ProjectFiles   string `toml:"project_files"`
}

type StoreConfig struct {
	Path string `toml:"path"`
}

type ObserverConfig struct {
	Enabled  bool   `toml:"enabled"`
	Endpoint string `toml:"endpoint"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}
	return Config{
		Provider: ProviderConfig{
			Name:            "openai",
			Model:           "",
			EnableStreaming: true,
			RequestTimeout:  120,
		},
		Retry: RetryConfig{
			NumRetries:    3,
			RetryDelay:    1,
			BackoffFactor: 2,
		},
		Fallback: FallbackConfig{
			Timeout:  45,
			Cooldown: 60,
		},
		Store:         StoreConfig{Path: "qx.db"},
		Log:           LogConfig{Level: "warn"},
		WorkspacePath: filepath.Join(home, "qx-workspace"),
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "qx.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("QX_PROVIDER"); v != "" {
		cfg.Provider.Name = v
	}
	if v := os.Getenv("QX_API_KEY"); v != "" {
		cfg.Provider.APIKey = v
	}
	if v := os.Getenv("QX_MODEL_NAME"); v != "" {
		cfg.Provider.Model = v
	}
	if v := os.Getenv("QX_BASE_URL"); v != "" {
		cfg.Provider.BaseURL = v
	}
	if v, ok := envBool("QX_ENABLE_STREAMING"); ok {
		cfg.Provider.EnableStreaming = v
	}
	if v, ok := envInt("QX_REQUEST_TIMEOUT"); ok {
		cfg.Provider.RequestTimeout = v
	}
	if v, ok := envInt("QX_NUM_RETRIES"); ok {
		cfg.Retry.NumRetries = v
	}
	if v, ok := envFloat("QX_RETRY_DELAY"); ok {
		cfg.Retry.RetryDelay = v
	}
	if v, ok := envFloat("QX_MAX_RETRY_DELAY"); ok {
		cfg.Retry.MaxRetryDelay = v
	}
	if v, ok := envFloat("QX_BACKOFF_FACTOR"); ok {
		cfg.Retry.BackoffFactor = v
	}
	if v := os.Getenv("QX_FALLBACK_MODELS"); v != "" {
		cfg.Fallback.Models = splitList(v)
	}
	if v := os.Getenv("QX_CONTEXT_WINDOW_FALLBACKS"); v != "" {
		var m map[string]string
		if err := json.Unmarshal([]byte(v), &m); err == nil {
			cfg.Fallback.ContextWindowFallbacks = m
		}
	}
	if v, ok := envInt("QX_FALLBACK_TIMEOUT"); ok {
		cfg.Fallback.Timeout = v
	}
	if v, ok := envInt("QX_FALLBACK_COOLDOWN"); ok {
		cfg.Fallback.Cooldown = v
	}
	if v, ok := envBool("QX_SHOW_THINKING"); ok {
		cfg.Display.ShowThinking = v
	}
	if v, ok := envBool("QX_SHOW_STDOUT"); ok {
		cfg.Display.ShowStdout = v
	}
	if v, ok := envBool("QX_SHOW_STDERR"); ok {
		cfg.Display.ShowStderr = v
	}
	if v := os.Getenv("QX_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("QX_USER_CONTEXT"); v != "" {
		cfg.Prompt.UserContext = v
	}
	if v := os.Getenv("QX_PROJECT_CONTEXT"); v != "" {
		cfg.Prompt.ProjectContext = v
	}
	if v := os.Getenv("QX_PROJECT_FILES"); v != "" {
		cfg.Prompt.ProjectFiles = v
	}
	if v := os.Getenv("QX_WORKSPACE"); v != "" {
		cfg.WorkspacePath = v
	}
	if v := os.Getenv("QX_DB_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("QX_OTLP_ENDPOINT"); v != "" {
		cfg.Observer.Endpoint = v
		cfg.Observer.Enabled = true
	}

	return cfg
}

// Validate reports fatal configuration errors. These surface before the
// run loop ever starts.
func (c Config) Validate() error {
	if c.Provider.Model == "" {
		return &qx.ErrConfig{Field: "QX_MODEL_NAME", Reason: "model name is required"}
	}
	if c.Provider.Name == "" {
		return &qx.ErrConfig{Field: "QX_PROVIDER", Reason: "provider name is required"}
	}
	return nil
}

func envBool(name string) (bool, bool) {
	v := strings.ToLower(os.Getenv(name))
	switch v {
	case "true", "1", "yes":
		return true, true
	case "false", "0", "no":
		return false, true
	}
	return false, false
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envFloat(name string) (float64, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
