package qx

import (
	"context"
	"strings"
	"sync"
)

// ApprovalStatus is the outcome of an approval request.
type ApprovalStatus string

const (
	// Approved means the user allowed this single invocation.
	Approved ApprovalStatus = "approved"
	// Denied means the user rejected this invocation.
	Denied ApprovalStatus = "denied"
	// SessionApproved means the invocation was allowed by the
	// session-wide "approve all" flag, with or without a prompt.
	SessionApproved ApprovalStatus = "session_approved"
	// Cancelled means the user aborted the prompt (or the turn was
	// cancelled while the prompt was pending).
	Cancelled ApprovalStatus = "cancelled"
)

// ApprovalRequest describes one operation awaiting user approval.
type ApprovalRequest struct {
	ID string
	// Operation is the human-readable verb, e.g. "Execute command" or
	// "Write file".
	Operation string
	// ParameterName and ParameterValue identify the sensitive argument,
	// e.g. ("command", "rm -r build/").
	ParameterName  string
	ParameterValue string
	// Prompt is the question shown to the user.
	Prompt string
	// Preview is optional supporting detail, e.g. a unified diff for a
	// file write. Empty when the operation needs no preview.
	Preview string
}

// Prompter renders an approval request and returns the chosen key:
// "y" (yes), "n" (no), "a" (all), or "c" (cancel). First letter or full
// word, case-insensitive; normalization happens in the gate.
type Prompter interface {
	Prompt(ctx context.Context, req ApprovalRequest) (string, error)
}

// Gate mediates tool-call approval. It holds the session-wide
// "approve all" flag under a mutex and guarantees at most one prompt is
// active process-wide. The gate never touches the message history, and
// decisions are never persisted.
type Gate struct {
	prompter Prompter

	mu         sync.Mutex // guards approveAll
	approveAll bool

	promptMu sync.Mutex // at most one prompt active process-wide
}

// NewGate creates a gate with approve-all off.
func NewGate(p Prompter) *Gate {
	return &Gate{prompter: p}
}

// ApproveAll reports whether the session-wide approve-all flag is set.
func (g *Gate) ApproveAll() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.approveAll
}

// SetApproveAll toggles the session-wide flag. Wired to the application
// hotkey; cleared automatically only at process exit.
func (g *Gate) SetApproveAll(v bool) {
	g.mu.Lock()
	g.approveAll = v
	g.mu.Unlock()
}

// Request asks the user to approve one operation. When approve-all is
// active it returns (SessionApproved, "a") without prompting. Choosing
// "a" at the prompt atomically enables approve-all for the rest of the
// session and returns SessionApproved.
func (g *Gate) Request(ctx context.Context, req ApprovalRequest) (ApprovalStatus, string) {
	if g.ApproveAll() {
		return SessionApproved, "a"
	}
	if g.prompter == nil {
		// No interactive surface: fail closed.
		return Denied, "n"
	}

	g.promptMu.Lock()
	defer g.promptMu.Unlock()

	// Re-check under the prompt lock: a concurrent call may have set
	// approve-all while this one waited its turn.
	if g.ApproveAll() {
		return SessionApproved, "a"
	}
	if req.ID == "" {
		req.ID = NewID()
	}

	key, err := g.prompter.Prompt(ctx, req)
	if err != nil || ctx.Err() != nil {
		return Cancelled, "c"
	}

	switch normalizeChoice(key) {
	case "y":
		return Approved, "y"
	case "a":
		g.SetApproveAll(true)
		return SessionApproved, "a"
	case "c":
		return Cancelled, "c"
	default:
		return Denied, "n"
	}
}

// normalizeChoice maps user input to a canonical single-letter key.
// Accepts first letters and full words, case-insensitive; anything
// unrecognized is treated as "no" (safe default).
func normalizeChoice(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "y", "yes":
		return "y"
	case "a", "all":
		return "a"
	case "c", "cancel":
		return "c"
	default:
		return "n"
	}
}
