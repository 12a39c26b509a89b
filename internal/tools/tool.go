// Package tools holds the tools a turn may call, the registry that executes
// them, and the policy deciding which calls need human approval.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/user/turnstile/pkg/llm"
)

// maxResultChars bounds what a single tool result feeds back to the model.
const maxResultChars = 32000

// Tool defines the interface for an executable tool.
type Tool interface {
	Name() string
	Description() string
	Parameters() json.RawMessage
	Execute(ctx context.Context, args json.RawMessage) (string, error)
}

// Mutator is implemented by tools that know whether they change state.
// Tools that do not implement it are treated as mutating.
type Mutator interface {
	Mutating() bool
}

// Registry holds registered tools and provides lookup.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry creates a registry holding the given tools.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	for _, t := range tools {
		r.Register(t)
	}
	return r
}

// Register adds a tool to the registry.
func (r *Registry) Register(t Tool) {
	r.tools[t.Name()] = t
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names returns registered tool names in sorted order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// AsLLMTools converts registered tools to the LLM provider format, sorted by
// name so prompts are stable.
func (r *Registry) AsLLMTools() []llm.Tool {
	out := make([]llm.Tool, 0, len(r.tools))
	for _, name := range r.Names() {
		t := r.tools[name]
		out = append(out, llm.Tool{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return out
}

// Execute runs the named tool and reports its output and whether it
// succeeded. Failures are returned as text for the model, never as errors.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) (string, bool) {
	t, ok := r.tools[name]
	if !ok {
		return fmt.Sprintf("unknown tool %q", name), false
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	out, err := t.Execute(ctx, args)
	if err != nil {
		slog.Warn("tool failed", "tool", name, "error", err)
		return truncate("Error: "+err.Error(), maxResultChars), false
	}
	return truncate(out, maxResultChars), true
}
