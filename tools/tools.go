package tools

import (
	"context"
	"sort"
)

// Param describes one argument a tool accepts, in a provider-neutral shape.
// Each LLM adapter converts these into its own schema dialect.
type Param struct {
	Name        string
	Type        string // "string" or "number"
	Description string
	Required    bool
}

// Tool defines the interface for any capability the agent can offer the model.
type Tool interface {
	Name() string
	Description() string
	Params() []Param
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// Registry holds the tools available to one agent session.
type Registry struct {
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

func (r *Registry) Register(t Tool) {
	r.tools[t.Name()] = t
}

func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// All returns every registered tool in name order.
func (r *Registry) All() []Tool {
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}
