// Package shell provides shell_exec: run a command in the workspace
// after per-command approval, with a safety blocklist and output capture.
package shell

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/qx-sh/qx"
)

const (
	defaultTimeoutSecs = 30
	maxTimeoutSecs     = 300
	maxOutputBytes     = 4000
)

// blocked commands are rejected before the approval prompt ever appears.
var blocked = []string{"rm -rf /", "sudo ", "mkfs", "> /dev/", "dd if="}

type input struct {
	Command string `json:"command" jsonschema:"description=Shell command to execute"`
	Timeout int    `json:"timeout,omitempty" jsonschema:"description=Timeout in seconds (default 30, max 300)"`
}

// Options control output display on the console sink. Captured output
// always goes to the model; these flags only affect what the user sees
// live.
type Options struct {
	ShowStdout bool
	ShowStderr bool
}

// New returns the shell_exec tool. Commands run under `sh -c` in the
// workspace directory; every command is individually approved through
// the gate.
func New(workspace string, gate *qx.Gate, opts Options) qx.Tool {
	return qx.NewTool("shell_exec",
		"Execute a shell command in the workspace directory. Returns stdout and stderr. Use for running scripts, checking files, or system tasks.",
		func(ctx context.Context, in input, sink qx.Sink) (string, error) {
			if in.Command == "" {
				return "", fmt.Errorf("command is required")
			}

			lower := strings.ToLower(in.Command)
			for _, b := range blocked {
				if strings.Contains(lower, b) {
					return "Error: command blocked for safety: " + b, nil
				}
			}

			if denied := approve(ctx, gate, in.Command); denied != "" {
				return denied, nil
			}

			timeout := defaultTimeoutSecs
			if in.Timeout > 0 {
				timeout = in.Timeout
			}
			if timeout > maxTimeoutSecs {
				timeout = maxTimeoutSecs
			}

			cmdCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
			defer cancel()

			cmd := exec.CommandContext(cmdCtx, "sh", "-c", in.Command)
			cmd.Dir = workspace

			var stdout, stderr bytes.Buffer
			cmd.Stdout = &stdout
			cmd.Stderr = &stderr
			runErr := cmd.Run()

			if opts.ShowStdout && stdout.Len() > 0 {
				sink.Printf("%s", stdout.String())
			}
			if opts.ShowStderr && stderr.Len() > 0 {
				sink.Printf("%s", stderr.String())
			}

			output := stdout.String()
			if stderr.Len() > 0 {
				if output != "" {
					output += "\n--- stderr ---\n"
				}
				output += stderr.String()
			}
			if len(output) > maxOutputBytes {
				output = output[:maxOutputBytes] + "\n... (truncated)"
			}

			if runErr != nil {
				if cmdCtx.Err() == context.DeadlineExceeded {
					return "", fmt.Errorf("command timed out after %ds", timeout)
				}
				if output != "" {
					return fmt.Sprintf("%s\nError: exit: %v", output, runErr), nil
				}
				return "", fmt.Errorf("exit: %w", runErr)
			}

			if output == "" {
				output = "(no output)"
			}
			return output, nil
		})
}

// approve gates one command. Returns "" when execution may proceed.
func approve(ctx context.Context, gate *qx.Gate, command string) string {
	if gate == nil {
		return "Error: permission denied by user"
	}
	status, _ := gate.Request(ctx, qx.ApprovalRequest{
		Operation:      "Execute command",
		ParameterName:  "command",
		ParameterValue: command,
		Prompt:         "Run this command?",
	})
	switch status {
	case qx.Approved, qx.SessionApproved:
		return ""
	case qx.Cancelled:
		return "Error: operation cancelled by user"
	default:
		return "Error: permission denied by user"
	}
}
