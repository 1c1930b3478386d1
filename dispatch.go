package qx

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

// defaultToolTimeout bounds a single tool invocation. A timeout surfaces
// as an error tool message; other calls in the same batch are unaffected.
const defaultToolTimeout = 120 * time.Second

// maxParallelTools caps concurrent tool goroutines so one assistant turn
// cannot overwhelm the filesystem or external services.
const maxParallelTools = 10

// Dispatcher validates tool calls against the registry and runs the
// surviving calls concurrently, appending one tool-result message per
// call to the history in the original call order.
type Dispatcher struct {
	registry *Registry
	timeout  time.Duration
	sink     Sink
	logger   *slog.Logger
	tracer   Tracer
	// OnEvent, when set, receives tool-call-start/result events for the
	// console. Called from the dispatching goroutine only.
	OnEvent func(StreamEvent)
}

// NewDispatcher creates a dispatcher over the given registry.
// toolTimeout <= 0 selects the 120 s default.
func NewDispatcher(registry *Registry, toolTimeout time.Duration, sink Sink, logger *slog.Logger) *Dispatcher {
	if toolTimeout <= 0 {
		toolTimeout = defaultToolTimeout
	}
	if sink == nil {
		sink = NopSink
	}
	if logger == nil {
		logger = nopLogger
	}
	return &Dispatcher{registry: registry, timeout: toolTimeout, sink: sink, logger: logger}
}

// Dispatch processes the tool calls of one assistant message. Every call
// produces exactly one tool message in h, in call order, whether it was
// executed, rejected by validation, or cancelled.
func (d *Dispatcher) Dispatch(ctx context.Context, calls []ToolCall, h *History) {
	results := make([]string, len(calls))

	// Validation pass, in order. Failures are recorded as tool-result
	// text the model can react to; only valid calls are queued.
	type queued struct {
		idx  int
		call ToolCall
		desc *Descriptor
	}
	var queue []queued
	for i, tc := range calls {
		desc, ok := d.registry.Resolve(tc.Name)
		if !ok {
			results[i] = fmt.Sprintf("Error: Unknown tool '%s'", tc.Name)
			continue
		}
		var decoded any
		if err := json.Unmarshal(tc.Args, &decoded); err != nil {
			results[i] = fmt.Sprintf("Error: Invalid JSON arguments for tool '%s': %v. Raw arguments: %s",
				tc.Name, err, string(tc.Args))
			continue
		}
		if err := desc.ValidateArgs(decoded); err != nil {
			results[i] = formatValidationError(tc.Name, err, desc.Required())
			continue
		}
		queue = append(queue, queued{idx: i, call: tc, desc: desc})
	}

	if d.OnEvent != nil {
		for _, q := range queue {
			d.OnEvent(StreamEvent{Type: EventToolCallStart, ID: q.call.ID, Name: q.call.Name, Args: q.call.Args})
		}
	}

	// Execution pass: bounded worker pool, per-call timeout, results
	// collected by index so completion order never reorders output.
	if len(queue) > 0 {
		type indexed struct {
			idx     int
			content string
		}
		workCh := make(chan queued, len(queue))
		for _, q := range queue {
			workCh <- q
		}
		close(workCh)
		resultCh := make(chan indexed, len(queue))

		workers := min(len(queue), maxParallelTools)
		var wg sync.WaitGroup
		wg.Add(workers)
		for range workers {
			go func() {
				defer wg.Done()
				for q := range workCh {
					if ctx.Err() != nil {
						resultCh <- indexed{q.idx, "Error: Tool execution cancelled: " + ctx.Err().Error()}
						continue
					}
					resultCh <- indexed{q.idx, d.invoke(ctx, q.call, q.desc)}
				}
			}()
		}
		go func() {
			wg.Wait()
			close(resultCh)
		}()

		done := make([]bool, len(calls))
	collect:
		for received := 0; received < len(queue); received++ {
			select {
			case r, ok := <-resultCh:
				if !ok {
					break collect
				}
				results[r.idx] = r.content
				done[r.idx] = true
			case <-ctx.Done():
				// Pending calls become cancellation errors, never
				// half-assembled successes.
				for _, q := range queue {
					if !done[q.idx] {
						results[q.idx] = "Error: Tool execution cancelled: " + ctx.Err().Error()
					}
				}
				break collect
			}
		}
		for _, q := range queue {
			if !done[q.idx] && results[q.idx] == "" {
				results[q.idx] = "Error: Tool execution cancelled"
			}
		}
	}

	for i, tc := range calls {
		if d.OnEvent != nil {
			d.OnEvent(StreamEvent{Type: EventToolCallResult, ID: tc.ID, Name: tc.Name, Content: results[i]})
		}
		h.Append(ToolResultMessage(tc.ID, results[i]))
	}
}

// invoke runs one tool call with panic recovery and the per-call timeout.
func (d *Dispatcher) invoke(ctx context.Context, tc ToolCall, desc *Descriptor) (out string) {
	defer func() {
		if p := recover(); p != nil {
			out = fmt.Sprintf("Error: Tool execution failed: panic in %q: %v", tc.Name, p)
		}
	}()

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	var span Span
	if d.tracer != nil {
		callCtx, span = d.tracer.Start(callCtx, "tool.invoke", StringAttr("tool", tc.Name))
		defer span.End()
	}

	start := time.Now()
	content, err := desc.Tool().Invoke(callCtx, tc.Args, d.sink)
	elapsed := time.Since(start)
	if span != nil {
		span.SetAttr(IntAttr("result.bytes", len(content)))
	}

	if err != nil {
		if span != nil {
			span.Error(err)
		}
		if callCtx.Err() == context.DeadlineExceeded {
			d.logger.Warn("tool timed out", "tool", tc.Name, "timeout", d.timeout)
			return fmt.Sprintf("Error: Tool execution timed out after %s", d.timeout)
		}
		d.logger.Warn("tool failed", "tool", tc.Name, "error", err, "duration", elapsed)
		return "Error: Tool execution failed: " + err.Error()
	}
	d.logger.Debug("tool completed", "tool", tc.Name, "duration", elapsed)
	return content
}

// formatValidationError renders a schema-validation failure as a
// tool-result body: one line per failing field (path, keyword, message)
// plus a trailing "Required fields:" line.
func formatValidationError(tool string, err error, required []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Error: Invalid arguments for tool '%s':\n", tool)

	if ve, ok := err.(*jsonschema.ValidationError); ok {
		for _, leaf := range leafCauses(ve) {
			path := strings.TrimPrefix(leaf.InstanceLocation, "/")
			if path == "" {
				path = "(root)"
			}
			path = strings.ReplaceAll(path, "/", ".")
			keyword := leaf.KeywordLocation
			if i := strings.LastIndex(keyword, "/"); i >= 0 {
				keyword = keyword[i+1:]
			}
			fmt.Fprintf(&b, "- %s: %s: %s\n", path, keyword, leaf.Message)
		}
	} else {
		fmt.Fprintf(&b, "- %v\n", err)
	}

	if len(required) > 0 {
		fmt.Fprintf(&b, "Required fields: %s", strings.Join(required, ", "))
	} else {
		b.WriteString("Required fields: (none)")
	}
	return b.String()
}

// leafCauses flattens a validation error tree into its leaf causes.
func leafCauses(ve *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*jsonschema.ValidationError{ve}
	}
	var leaves []*jsonschema.ValidationError
	for _, c := range ve.Causes {
		leaves = append(leaves, leafCauses(c)...)
	}
	return leaves
}
