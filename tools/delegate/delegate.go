// Package delegate provides delegate_task: hand a self-contained task to
// a nested agent turn running with a reduced tool set and its own depth
// budget, and return its final answer as the tool result.
package delegate

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/qx-sh/qx"
)

const (
	defaultSoftDepth = 4
	defaultMaxDepth  = 12
)

// Config assembles the nested agent. Registry should carry a reduced
// tool set; handing the delegate its own delegate_task invites unbounded
// nesting.
type Config struct {
	Provider     qx.Provider
	Registry     *qx.Registry
	SystemPrompt string
	// SoftDepth and MaxDepth bound the nested turn independently of the
	// parent loop. Zero means the package defaults (4 and 12).
	SoftDepth int
	MaxDepth  int
	Logger    *slog.Logger
}

type input struct {
	Task string `json:"task" jsonschema:"description=Complete, self-contained description of the task to delegate"`
}

// New returns the delegate_task tool. Each invocation runs one full
// nested turn on a fresh history; the sub-agent streams nothing to the
// console and its transcript is discarded when the call returns.
func New(cfg Config) qx.Tool {
	soft := cfg.SoftDepth
	if soft <= 0 {
		soft = defaultSoftDepth
	}
	hard := cfg.MaxDepth
	if hard <= 0 {
		hard = defaultMaxDepth
	}

	opts := []qx.AgentOption{
		qx.WithStreaming(false),
		qx.WithDepthLimits(soft, hard),
	}
	if cfg.SystemPrompt != "" {
		opts = append(opts, qx.WithSystemPrompt(cfg.SystemPrompt))
	}
	if cfg.Logger != nil {
		opts = append(opts, qx.WithLogger(cfg.Logger))
	}
	sub := qx.NewAgent(cfg.Provider, cfg.Registry, opts...)

	return qx.NewTool("delegate_task",
		"Delegate a self-contained task to a sub-agent and return its final answer. The sub-agent has its own working memory and a limited tool set.",
		func(ctx context.Context, in input, sink qx.Sink) (string, error) {
			if in.Task == "" {
				return "", fmt.Errorf("task is required")
			}
			result, err := sub.Run(ctx, in.Task, qx.NewHistory())
			if err != nil {
				return "", fmt.Errorf("delegated task failed: %w", err)
			}
			if result.Output == "" {
				return "(sub-agent produced no output)", nil
			}
			return result.Output, nil
		})
}
