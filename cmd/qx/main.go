package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/qx-sh/qx"
	"github.com/qx-sh/qx/internal/config"
	"github.com/qx-sh/qx/internal/console"
	"github.com/qx-sh/qx/observer"
	"github.com/qx-sh/qx/provider/resolve"
	"github.com/qx-sh/qx/store/sqlite"
	"github.com/qx-sh/qx/tools/delegate"
	"github.com/qx-sh/qx/tools/fetch"
	"github.com/qx-sh/qx/tools/file"
	"github.com/qx-sh/qx/tools/shell"
)

const systemPromptTemplate = `You are qx, a coding assistant running in the user's terminal.
Use the available tools to read files, run commands, and fetch documentation when needed.
Be concise. When a task is done, summarize what changed.

User context: %s
Project context: %s
Project files: %s`

func main() {
	// 1. Load and validate config
	cfg := config.Load(os.Getenv("QX_CONFIG"))
	if err := cfg.Validate(); err != nil {
		log.Fatalf("qx: %v", err)
	}

	logger := newLogger(cfg.Log.Level)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// 2. Observability (off unless configured)
	tracer := qx.Tracer(nil)
	if cfg.Observer.Enabled {
		shutdown, err := observer.Init(ctx, cfg.Observer.Endpoint)
		if err != nil {
			logger.Warn("tracing disabled", "error", err)
		} else {
			tracer = observer.NewTracer()
			defer shutdown(context.Background())
		}
	}

	// 3. Provider stack: named backend wrapped in retry, breaker, fallback
	base, err := resolve.Provider(resolve.Config{
		Name:    cfg.Provider.Name,
		APIKey:  cfg.Provider.APIKey,
		Model:   cfg.Provider.Model,
		BaseURL: cfg.Provider.BaseURL,
		Logger:  logger,
	})
	if err != nil {
		log.Fatalf("qx: %v", err)
	}
	var llm qx.Provider = qx.WithFallback(base,
		qx.FallbackModels(cfg.Fallback.Models...),
		qx.FallbackReroutes(cfg.Fallback.ContextWindowFallbacks),
		qx.FallbackTimeout(time.Duration(cfg.Fallback.Timeout)*time.Second),
		qx.FallbackLogger(logger))
	llm = qx.WithBreaker(llm,
		qx.BreakerCooldown(time.Duration(cfg.Fallback.Cooldown)*time.Second),
		qx.BreakerLogger(logger))
	llm = qx.WithRetry(llm,
		qx.RetryMaxAttempts(cfg.Retry.NumRetries),
		qx.RetryBaseDelay(time.Duration(cfg.Retry.RetryDelay*float64(time.Second))),
		qx.RetryMaxDelay(time.Duration(cfg.Retry.MaxRetryDelay*float64(time.Second))),
		qx.RetryBackoffFactor(cfg.Retry.BackoffFactor),
		qx.RetryTimeout(time.Duration(cfg.Provider.RequestTimeout)*time.Second),
		qx.RetryLogger(logger))

	// 4. Console surfaces and approval gate
	term := console.New()
	gate := qx.NewGate(term)

	// 5. Tools
	registry := qx.NewRegistry()
	must(registry.Register(file.Tools(cfg.WorkspacePath, gate)...))
	must(registry.Register(shell.New(cfg.WorkspacePath, gate, shell.Options{
		ShowStdout: cfg.Display.ShowStdout,
		ShowStderr: cfg.Display.ShowStderr,
	})))
	must(registry.Register(fetch.New()))

	// The delegate gets read-only tools and no delegate of its own.
	subRegistry := qx.NewRegistry()
	must(subRegistry.Register(file.ReadTool(cfg.WorkspacePath, gate), fetch.New()))
	must(registry.Register(delegate.New(delegate.Config{
		Provider: llm,
		Registry: subRegistry,
		Logger:   logger,
	})))

	// 6. Transcript store
	store := sqlite.New(cfg.Store.Path, sqlite.WithLogger(logger))
	defer store.Close()
	if err := store.Init(ctx); err != nil {
		log.Fatalf("qx: %v", err)
	}

	// 7. Agent
	agent := qx.NewAgent(llm, registry,
		qx.WithSystemPrompt(fmt.Sprintf(systemPromptTemplate,
			orNone(cfg.Prompt.UserContext),
			orNone(cfg.Prompt.ProjectContext),
			orNone(cfg.Prompt.ProjectFiles))),
		qx.WithRenderer(term),
		qx.WithSpinner(term.NewSpinner()),
		qx.WithSink(term),
		qx.WithLogger(logger),
		qx.WithTracer(tracer),
		qx.WithTurnSink(store),
		qx.WithStreaming(cfg.Provider.EnableStreaming),
		qx.WithShowThinking(cfg.Display.ShowThinking),
		qx.WithToolEvents(func(ev qx.StreamEvent) {
			switch ev.Type {
			case qx.EventToolCallStart:
				term.Printf("[tool] %s\n", ev.Name)
			case qx.EventToolCallResult:
				if strings.HasPrefix(ev.Content, "Error:") {
					term.Printf("[tool] %s: %s\n", ev.Name, firstLine(ev.Content))
				}
			}
		}),
	)

	repl(ctx, agent, gate, term)
}

// repl reads user turns from stdin until EOF or interrupt.
func repl(ctx context.Context, agent *qx.Agent, gate *qx.Gate, term *console.Console) {
	history := qx.NewHistory()
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	term.Printf("qx ready. /approve-all toggles auto-approval, /quit exits.\n")
	for {
		term.Printf("\n> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit" || line == "/exit":
			return
		case line == "/approve-all":
			gate.SetApproveAll(!gate.ApproveAll())
			term.Printf("approve-all: %v\n", gate.ApproveAll())
			continue
		}

		result, err := agent.Run(ctx, line, history)
		term.Printf("\n")
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			term.Printf("error: %v\n", err)
			continue
		}
		history = result.History
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

func must(err error) {
	if err != nil {
		log.Fatalf("qx: %v", err)
	}
}
