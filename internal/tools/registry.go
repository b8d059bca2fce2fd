// Package tools implements the tool registry: dispatch of a tool
// invocation to an adapter under an external-source policy.
package tools

import (
	"context"
)

// Source describes one configured tool source the registry can dispatch
// to.
type Source struct {
	ID       string
	Type     string // "internal", "api", "mcp", "wasm", or any adapter-named type
	Enabled  bool
	BaseURL  string
	TokenEnv string
	Metadata map[string]any
}

// Invocation is one tool-call request.
type Invocation struct {
	SourceID string
	ToolName string
	Input    map[string]any
	Context  context.Context
}

// Result is the outcome of an invocation.
type Result struct {
	OK       bool
	Output   any
	Error    string
	Metadata map[string]any
}

// Adapter executes an Invocation against a concrete source kind.
type Adapter interface {
	Invoke(ctx context.Context, src Source, inv Invocation) Result
}

// PolicyGate reports whether external (non-internal) tool sources are
// currently permitted.
type PolicyGate interface {
	AllowExternalTools() bool
}

// Registry holds sources by id and adapters by name, and dispatches
// invocations between them per the registry's selection policy.
type Registry struct {
	sources  map[string]Source
	adapters map[string]Adapter
	policy   PolicyGate
}

// New constructs an empty registry gated by pol.
func New(pol PolicyGate) *Registry {
	return &Registry{
		sources:  make(map[string]Source),
		adapters: make(map[string]Adapter),
		policy:   pol,
	}
}

// RegisterSource adds or replaces a source definition.
func (r *Registry) RegisterSource(src Source) {
	r.sources[src.ID] = src
}

// Sources returns every registered source, for surfacing to the brain as
// part of a turn's context.
func (r *Registry) Sources() []Source {
	out := make([]Source, 0, len(r.sources))
	for _, src := range r.sources {
		out = append(out, src)
	}
	return out
}

// RegisterAdapter binds a named adapter, keyed either by its natural
// source-type name (e.g. "api", "mcp", "wasm") or by an explicit name
// referenced from a source's metadata.adapter.
func (r *Registry) RegisterAdapter(name string, a Adapter) {
	r.adapters[name] = a
}

// adapterNameFor implements the registry's adapter-selection policy:
// an explicit source.metadata.adapter wins; otherwise "internal" maps to
// the internal adapter, "api" maps to "readonly_api", and anything else
// is looked up by its own type name.
func adapterNameFor(src Source) string {
	if src.Metadata != nil {
		if name, ok := src.Metadata["adapter"].(string); ok && name != "" {
			return name
		}
	}
	switch src.Type {
	case "internal":
		return "internal"
	case "api":
		return "readonly_api"
	default:
		return src.Type
	}
}

// Invoke dispatches inv through the registry's selection policy.
func (r *Registry) Invoke(ctx context.Context, inv Invocation) Result {
	src, ok := r.sources[inv.SourceID]
	if !ok {
		return Result{OK: false, Error: "unknown_source"}
	}
	if !src.Enabled {
		return Result{OK: false, Error: "source_disabled"}
	}
	if src.Type != "internal" && r.policy != nil && !r.policy.AllowExternalTools() {
		return Result{OK: false, Error: "external_sources_disabled"}
	}

	adapterName := adapterNameFor(src)
	adapter, ok := r.adapters[adapterName]
	if !ok {
		return Result{OK: false, Error: "missing_adapter"}
	}
	return adapter.Invoke(ctx, src, inv)
}
