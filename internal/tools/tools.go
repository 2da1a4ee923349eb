// Package tools implements the tool registry and argument validation the
// agent loop's tool-dispatch step depends on: resolve a tool
// by name, validate its arguments against the tool's declared JSON schema,
// execute it under the run's cancellation signal, and coerce any panic or
// error into a user-visible error string.
//
// Each tool declares a name, description, and a parameter JSON schema, with
// a single untyped map[string]any argument bag rather than generated Go
// types behind it. Schema validation uses
// github.com/santhosh-tekuri/jsonschema/v6, compiled once per registration
// the way a prepared-statement cache would be, rather than re-parsed on
// every call.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/openclaw/miniagent/internal/toolerrors"
)

// Tool is a single invocable tool implementation.
type Tool interface {
	// Name is the tool's unique identifier, matching its descriptor.
	Name() string
	// Description is advertised to the model.
	Description() string
	// Schema is the tool's JSON Schema for its argument map, as a raw
	// document (map[string]any or []byte both accepted by Register).
	Schema() any
	// Execute runs the tool with validated arguments. Implementations
	// should honor ctx cancellation.
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// Registry resolves tools by name and validates arguments before dispatch.
type Registry struct {
	tools    map[string]Tool
	compiled map[string]*jsonschema.Schema
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:    make(map[string]Tool),
		compiled: make(map[string]*jsonschema.Schema),
	}
}

// Register compiles t's schema and adds it to the registry. A tool
// registered with an empty schema skips argument validation entirely.
func (r *Registry) Register(t Tool) error {
	name := t.Name()
	if name == "" {
		return fmt.Errorf("tools: tool name is required")
	}
	schema := t.Schema()
	if m, ok := schema.(map[string]any); ok && len(m) == 0 {
		schema = nil
	}
	if b, ok := schema.([]byte); ok && len(b) == 0 {
		schema = nil
	}
	if schema != nil {
		compiled, err := compileSchema(name, schema)
		if err != nil {
			return fmt.Errorf("tools: compile schema for %s: %w", name, err)
		}
		r.compiled[name] = compiled
	}
	r.tools[name] = t
	return nil
}

func compileSchema(name string, schema any) (*jsonschema.Schema, error) {
	raw, isRaw := schema.([]byte)
	if !isRaw {
		var err error
		if raw, err = json.Marshal(schema); err != nil {
			return nil, err
		}
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	resourceURL := "mem://" + name + ".json"
	if err := c.AddResource(resourceURL, doc); err != nil {
		return nil, err
	}
	return c.Compile(resourceURL)
}

// Descriptor is a provider-agnostic view of one registered tool, used by
// callers (e.g. the orchestrator) that need to advertise the current tool
// set to a model.Client without depending on this package's Tool interface.
type Descriptor struct {
	Name        string
	Description string
	Schema      any
}

// Descriptors returns every registered tool's descriptor, sorted by name for
// deterministic output across runs.
func (r *Registry) Descriptors() []Descriptor {
	out := make([]Descriptor, 0, len(r.tools))
	for name, t := range r.tools {
		out = append(out, Descriptor{Name: name, Description: t.Description(), Schema: t.Schema()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Resolve looks up a tool by name.
func (r *Registry) Resolve(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Validate checks args against name's compiled schema, if any was
// registered. A tool with no schema always validates.
func (r *Registry) Validate(name string, args map[string]any) error {
	schema, ok := r.compiled[name]
	if !ok {
		return nil
	}
	if err := schema.Validate(args); err != nil {
		return fmt.Errorf("tools: invalid arguments for %s: %w", name, err)
	}
	return nil
}

// Invoke resolves, validates, and executes a tool call, coercing any error
// into the ToolError shape the agent loop appends as a tool_result.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (string, error) {
	t, ok := r.Resolve(name)
	if !ok {
		return "", toolerrors.Errorf("unknown tool %q", name)
	}
	if err := r.Validate(name, args); err != nil {
		return "", toolerrors.NewWithCause(fmt.Sprintf("invalid arguments for %s", name), err)
	}
	result, err := t.Execute(ctx, args)
	if err != nil {
		return "", toolerrors.FromError(err)
	}
	return result, nil
}
