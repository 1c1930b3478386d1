package qx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"

	invopop "github.com/invopop/jsonschema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

// Sink receives user-visible output produced while a tool runs (echoed
// stdout/stderr, progress lines). Handlers write to it instead of the
// terminal so the enclosing application controls presentation.
type Sink interface {
	Printf(format string, args ...any)
}

type nopSink struct{}

func (nopSink) Printf(string, ...any) {}

// NopSink discards all tool output.
var NopSink Sink = nopSink{}

// Tool is a named local capability the model can invoke. Schema returns
// the JSON Schema for the tool's arguments; the typed input model it is
// generated from is the source of truth.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Invoke(ctx context.Context, args json.RawMessage, sink Sink) (string, error)
}

// Descriptor pairs a registered tool with its compiled argument schema.
// Descriptors are immutable after registration.
type Descriptor struct {
	tool     Tool
	schema   json.RawMessage
	compiled *jsonschema.Schema
	required []string
}

// Tool returns the registered tool.
func (d *Descriptor) Tool() Tool { return d.tool }

// Required returns the schema's top-level required field names, sorted.
func (d *Descriptor) Required() []string { return d.required }

// ValidateArgs validates decoded argument JSON against the compiled schema.
// The returned error, when non-nil, is a *jsonschema.ValidationError.
func (d *Descriptor) ValidateArgs(decoded any) error {
	return d.compiled.Validate(decoded)
}

// Registry maps tool names to descriptors. It is populated at startup
// and read-only for the lifetime of a run.
type Registry struct {
	order []string
	tools map[string]*Descriptor
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Descriptor)}
}

// Register adds tools to the registry. Names must be unique; a duplicate
// or an uncompilable schema is a programming error and fails fast.
func (r *Registry) Register(tools ...Tool) error {
	for _, t := range tools {
		name := t.Name()
		if _, dup := r.tools[name]; dup {
			return fmt.Errorf("register tool %q: duplicate name", name)
		}
		d, err := describe(t)
		if err != nil {
			return fmt.Errorf("register tool %q: %w", name, err)
		}
		r.tools[name] = d
		r.order = append(r.order, name)
	}
	return nil
}

// Resolve looks up a descriptor by tool name.
func (r *Registry) Resolve(name string) (*Descriptor, bool) {
	d, ok := r.tools[name]
	return d, ok
}

// Manifest returns the tool definitions exported to the provider, in
// registration order.
func (r *Registry) Manifest() []ToolDefinition {
	defs := make([]ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		d := r.tools[name]
		defs = append(defs, ToolDefinition{
			Name:        name,
			Description: d.tool.Description(),
			Parameters:  d.schema,
		})
	}
	return defs
}

func describe(t Tool) (*Descriptor, error) {
	raw := t.Schema()
	if len(raw) == 0 {
		raw = json.RawMessage(`{"type":"object"}`)
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft7
	if err := c.AddResource("tool.json", bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("schema: %w", err)
	}
	compiled, err := c.Compile("tool.json")
	if err != nil {
		return nil, fmt.Errorf("schema: %w", err)
	}

	var top struct {
		Required []string `json:"required"`
	}
	_ = json.Unmarshal(raw, &top)
	sort.Strings(top.Required)

	return &Descriptor{
		tool:     t,
		schema:   raw,
		compiled: compiled,
		required: top.Required,
	}, nil
}

// --- typed tool helper ---

// funcTool adapts a typed handler function to the Tool interface,
// deriving the argument schema from the input struct.
type funcTool[In any] struct {
	name        string
	description string
	schema      json.RawMessage
	fn          func(ctx context.Context, in In, sink Sink) (string, error)
}

// NewTool builds a Tool from a typed handler. The parameter schema is
// generated from In's fields and json tags; jsonschema struct tags
// (description, required) refine it.
func NewTool[In any](name, description string, fn func(ctx context.Context, in In, sink Sink) (string, error)) Tool {
	return &funcTool[In]{
		name:        name,
		description: description,
		schema:      reflectSchema[In](),
		fn:          fn,
	}
}

func (t *funcTool[In]) Name() string            { return t.name }
func (t *funcTool[In]) Description() string     { return t.description }
func (t *funcTool[In]) Schema() json.RawMessage { return t.schema }

func (t *funcTool[In]) Invoke(ctx context.Context, args json.RawMessage, sink Sink) (string, error) {
	var in In
	if len(args) > 0 {
		if err := json.Unmarshal(args, &in); err != nil {
			return "", fmt.Errorf("decode arguments: %w", err)
		}
	}
	if sink == nil {
		sink = NopSink
	}
	return t.fn(ctx, in, sink)
}

// reflectSchema generates a self-contained JSON Schema for In. The
// $schema and $id keys are stripped so the provider manifest stays
// minimal; validation compiles the result as draft-07, which covers
// every keyword the reflector emits for flat input structs.
func reflectSchema[In any]() json.RawMessage {
	r := invopop.Reflector{
		Anonymous:      true,
		DoNotReference: true,
	}
	var in In
	s := r.Reflect(&in)
	b, err := json.Marshal(s)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return b
	}
	delete(m, "$schema")
	delete(m, "$id")
	out, err := json.Marshal(m)
	if err != nil {
		return b
	}
	return out
}
