// Package tools implements the functions the model can call during a run.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ashureev/datalab/internal/llm"
)

// Tool is a callable function exposed to the model.
type Tool interface {
	Spec() llm.ToolSpec
	Call(ctx context.Context, args json.RawMessage) (string, error)
}

// Result is the outcome of a tool call as fed back to the model.
type Result struct {
	Content string
	IsError bool
}

// Func is a Tool backed by a function.
type Func struct {
	spec llm.ToolSpec
	fn   func(ctx context.Context, args json.RawMessage) (string, error)
}

// New returns a Tool with the given spec and implementation.
func New(spec llm.ToolSpec, fn func(ctx context.Context, args json.RawMessage) (string, error)) *Func {
	return &Func{spec: spec, fn: fn}
}

// Spec returns the tool declaration.
func (f *Func) Spec() llm.ToolSpec { return f.spec }

// Call invokes the function.
func (f *Func) Call(ctx context.Context, args json.RawMessage) (string, error) {
	return f.fn(ctx, args)
}

// Registry dispatches calls by tool name.
type Registry struct {
	order []string
	tools map[string]Tool
}

// NewRegistry builds a registry. Later tools replace earlier ones with the same name.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		r.Add(t)
	}
	return r
}

// Add registers t.
func (r *Registry) Add(t Tool) {
	name := t.Spec().Name
	if _, ok := r.tools[name]; !ok {
		r.order = append(r.order, name)
	}
	r.tools[name] = t
}

// With returns a new registry holding r's tools followed by extra.
func (r *Registry) With(extra ...Tool) *Registry {
	out := NewRegistry()
	for _, name := range r.order {
		out.Add(r.tools[name])
	}
	for _, t := range extra {
		out.Add(t)
	}
	return out
}

// Names returns registered tool names in order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Specs returns the declarations of all tools in order.
func (r *Registry) Specs() []llm.ToolSpec {
	specs := make([]llm.ToolSpec, 0, len(r.order))
	for _, name := range r.order {
		specs = append(specs, r.tools[name].Spec())
	}
	return specs
}

// Call runs the named tool. Failures, including panics, are returned as
// error results rather than Go errors so the model can react to them.
func (r *Registry) Call(ctx context.Context, call llm.ToolCall) (res Result) {
	t, ok := r.tools[call.Name]
	if !ok {
		return Result{Content: fmt.Sprintf("Error: unknown tool %q", call.Name), IsError: true}
	}
	defer func() {
		if p := recover(); p != nil {
			slog.Error("Tool panicked", "tool", call.Name, "panic", p)
			res = Result{Content: fmt.Sprintf("Error: tool %s panicked: %v", call.Name, p), IsError: true}
		}
	}()

	out, err := t.Call(ctx, call.Arguments)
	if err != nil {
		slog.Debug("Tool call failed", "tool", call.Name, "error", err)
		return Result{Content: "Error: " + err.Error(), IsError: true}
	}
	return Result{Content: out}
}

// decode unmarshals tool arguments into v, treating empty input as {}.
func decode(args json.RawMessage, v any) error {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

// schema builds a JSON schema object with the given properties.
func schema(props map[string]any, required ...string) map[string]any {
	s := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func prop(typ, description string) map[string]any {
	return map[string]any{"type": typ, "description": description}
}
