// Package registry holds the typed definitions of the capabilities this
// server exposes: tools, resources and prompts. It is populated once at boot
// by the domain layer and read-only afterwards, so no locking is required.
package registry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/firebirdmcp/firebird-mcp-go/mcp"
)

// ToolHandler executes a tool invocation with already-validated arguments.
type ToolHandler func(ctx context.Context, args json.RawMessage) (*Result, error)

// ResourceHandler materializes the contents of a resource URI.
type ResourceHandler func(ctx context.Context, uri string) ([]mcp.ResourceContents, error)

// PromptHandler renders a prompt into role-tagged messages.
type PromptHandler func(ctx context.Context, args map[string]string) ([]mcp.PromptMessage, error)

// ToolDef pairs a tool descriptor with its handler.
type ToolDef struct {
	Tool    mcp.Tool
	Handler ToolHandler
}

// ResourceDef pairs a resource descriptor with its handler.
type ResourceDef struct {
	Resource mcp.Resource
	Handler  ResourceHandler
}

// PromptDef pairs a prompt descriptor with its handler.
type PromptDef struct {
	Prompt  mcp.Prompt
	Handler PromptHandler
}

// Registry is the insertion-ordered capability catalog. Registration happens
// single-threaded at startup; duplicate names are boot failures, not runtime
// errors.
type Registry struct {
	tools    []ToolDef
	toolIdx  map[string]int
	res      []ResourceDef
	resIdx   map[string]int
	prompts  []PromptDef
	promptIx map[string]int
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		toolIdx:  make(map[string]int),
		resIdx:   make(map[string]int),
		promptIx: make(map[string]int),
	}
}

// RegisterTool adds a tool definition. Duplicate names are rejected.
func (r *Registry) RegisterTool(def ToolDef) error {
	if def.Tool.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool %q: handler is required", def.Tool.Name)
	}
	if _, exists := r.toolIdx[def.Tool.Name]; exists {
		return fmt.Errorf("duplicate tool name: %q", def.Tool.Name)
	}
	r.toolIdx[def.Tool.Name] = len(r.tools)
	r.tools = append(r.tools, def)
	return nil
}

// RegisterResource adds a resource definition keyed by URI. Duplicate URIs are rejected.
func (r *Registry) RegisterResource(def ResourceDef) error {
	if def.Resource.URI == "" {
		return fmt.Errorf("resource URI is required")
	}
	if def.Handler == nil {
		return fmt.Errorf("resource %q: handler is required", def.Resource.URI)
	}
	if _, exists := r.resIdx[def.Resource.URI]; exists {
		return fmt.Errorf("duplicate resource URI: %q", def.Resource.URI)
	}
	r.resIdx[def.Resource.URI] = len(r.res)
	r.res = append(r.res, def)
	return nil
}

// RegisterPrompt adds a prompt definition. Duplicate names are rejected.
func (r *Registry) RegisterPrompt(def PromptDef) error {
	if def.Prompt.Name == "" {
		return fmt.Errorf("prompt name is required")
	}
	if def.Handler == nil {
		return fmt.Errorf("prompt %q: handler is required", def.Prompt.Name)
	}
	if _, exists := r.promptIx[def.Prompt.Name]; exists {
		return fmt.Errorf("duplicate prompt name: %q", def.Prompt.Name)
	}
	r.promptIx[def.Prompt.Name] = len(r.prompts)
	r.prompts = append(r.prompts, def)
	return nil
}

// Tools returns tool descriptors in registration order.
func (r *Registry) Tools() []mcp.Tool {
	out := make([]mcp.Tool, len(r.tools))
	for i, d := range r.tools {
		out[i] = d.Tool
	}
	return out
}

// Tool looks up a tool definition by name.
func (r *Registry) Tool(name string) (ToolDef, bool) {
	i, ok := r.toolIdx[name]
	if !ok {
		return ToolDef{}, false
	}
	return r.tools[i], true
}

// Resources returns resource descriptors in registration order.
func (r *Registry) Resources() []mcp.Resource {
	out := make([]mcp.Resource, len(r.res))
	for i, d := range r.res {
		out[i] = d.Resource
	}
	return out
}

// Resource looks up a resource definition by URI.
func (r *Registry) Resource(uri string) (ResourceDef, bool) {
	i, ok := r.resIdx[uri]
	if !ok {
		return ResourceDef{}, false
	}
	return r.res[i], true
}

// Prompts returns prompt descriptors in registration order.
func (r *Registry) Prompts() []mcp.Prompt {
	out := make([]mcp.Prompt, len(r.prompts))
	for i, d := range r.prompts {
		out[i] = d.Prompt
	}
	return out
}

// Prompt looks up a prompt definition by name.
func (r *Registry) Prompt(name string) (PromptDef, bool) {
	i, ok := r.promptIx[name]
	if !ok {
		return PromptDef{}, false
	}
	return r.prompts[i], true
}
