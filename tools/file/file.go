// Package file provides workspace file tools: file_read and file_write.
// Reads inside the workspace are auto-approved; writes always go through
// the approval gate with a unified-diff preview.
package file

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/qx-sh/qx"
)

// maxReadBytes caps file_read output handed to the model.
const maxReadBytes = 8000

type readInput struct {
	Path string `json:"path" jsonschema:"description=File path (relative to the workspace or absolute)"`
}

type writeInput struct {
	Path    string `json:"path" jsonschema:"description=File path (relative to the workspace or absolute)"`
	Content string `json:"content" jsonschema:"description=Full content to write"`
}

// Tools returns the file_read and file_write tools rooted at workspace.
func Tools(workspace string, gate *qx.Gate) []qx.Tool {
	return []qx.Tool{ReadTool(workspace, gate), WriteTool(workspace, gate)}
}

// ReadTool returns file_read. Paths inside the workspace are read
// without prompting; anything outside asks the gate first.
func ReadTool(workspace string, gate *qx.Gate) qx.Tool {
	return qx.NewTool("file_read",
		"Read a file. Returns the file content, truncated if very large.",
		func(ctx context.Context, in readInput, sink qx.Sink) (string, error) {
			path, inside, err := resolve(workspace, in.Path)
			if err != nil {
				return "", err
			}
			if !inside {
				if denied := approve(ctx, gate, qx.ApprovalRequest{
					Operation:      "Read file outside workspace",
					ParameterName:  "path",
					ParameterValue: path,
					Prompt:         "Allow reading this file?",
				}); denied != "" {
					return denied, nil
				}
			}

			data, err := os.ReadFile(path)
			if err != nil {
				return "", fmt.Errorf("read %s: %w", in.Path, err)
			}
			content := string(data)
			if len(content) > maxReadBytes {
				content = content[:maxReadBytes] + "\n... (truncated)"
			}
			return content, nil
		})
}

// WriteTool returns file_write. Every write is approved per path, with a
// unified diff against the current file content as the preview.
func WriteTool(workspace string, gate *qx.Gate) qx.Tool {
	return qx.NewTool("file_write",
		"Write content to a file, creating parent directories if needed. Overwrites existing files.",
		func(ctx context.Context, in writeInput, sink qx.Sink) (string, error) {
			path, _, err := resolve(workspace, in.Path)
			if err != nil {
				return "", err
			}

			old, _ := os.ReadFile(path)
			if denied := approve(ctx, gate, qx.ApprovalRequest{
				Operation:      "Write file",
				ParameterName:  "path",
				ParameterValue: path,
				Prompt:         "Apply this change?",
				Preview:        unifiedDiff(in.Path, string(old), in.Content),
			}); denied != "" {
				return denied, nil
			}

			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return "", fmt.Errorf("create parent directories: %w", err)
			}
			if err := os.WriteFile(path, []byte(in.Content), 0o644); err != nil {
				return "", fmt.Errorf("write %s: %w", in.Path, err)
			}
			return fmt.Sprintf("Wrote %d bytes to %s", len(in.Content), in.Path), nil
		})
}

// resolve turns a tool-supplied path into an absolute one and reports
// whether it lies inside the workspace.
func resolve(workspace, path string) (string, bool, error) {
	if path == "" {
		return "", false, fmt.Errorf("path is required")
	}
	abs := path
	if !filepath.IsAbs(path) {
		abs = filepath.Join(workspace, path)
	}
	abs = filepath.Clean(abs)

	rel, err := filepath.Rel(workspace, abs)
	if err != nil {
		return abs, false, nil
	}
	inside := rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
	return abs, inside, nil
}

// unifiedDiff renders the approval preview for a write.
func unifiedDiff(name, old, updated string) string {
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(old),
		B:        difflib.SplitLines(updated),
		FromFile: name,
		ToFile:   name,
		Context:  3,
	})
	if err != nil {
		return ""
	}
	return diff
}

// approve runs a gate request and maps non-approving outcomes to the
// error-shaped result the model sees. Returns "" when the operation may
// proceed. A nil gate fails closed.
func approve(ctx context.Context, gate *qx.Gate, req qx.ApprovalRequest) string {
	if gate == nil {
		return "Error: permission denied by user"
	}
	status, _ := gate.Request(ctx, req)
	switch status {
	case qx.Approved, qx.SessionApproved:
		return ""
	case qx.Cancelled:
		return "Error: operation cancelled by user"
	default:
		return "Error: permission denied by user"
	}
}
