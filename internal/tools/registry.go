package tools

import (
	"context"
	"sort"
	"sync"

	"github.com/shipagent/ship/internal/providers"
)

// Registry holds every tool an agent runner knows about and builds
// per-run provider tool definitions from them.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds or replaces a tool under its own Name().
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// Get returns the named tool, if registered.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns every registered tool name, sorted for determinism.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ProviderDefs returns provider tool definitions for every registered
// tool, with no gating applied.
func (r *Registry) ProviderDefs() []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]providers.ToolDefinition, 0, len(r.tools))
	for _, name := range r.sortedNamesLocked() {
		defs = append(defs, ToProviderDef(r.tools[name]))
	}
	return defs
}

func (r *Registry) sortedNamesLocked() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ExecuteWithContext looks up name and executes it with the ambient
// fields (contextId, requestId, channel, targetId) attached to ctx.
func (r *Registry) ExecuteWithContext(ctx context.Context, name string, args map[string]interface{}, contextID, channel, targetID, requestID string) *Result {
	tool, ok := r.Get(name)
	if !ok {
		return ErrorResult("unknown tool: " + name)
	}

	ctx = WithContextID(ctx, contextID)
	ctx = WithToolChannel(ctx, channel)
	ctx = WithTargetID(ctx, targetID)
	ctx = WithRequestID(ctx, requestID)

	return tool.Execute(ctx, args)
}

// ToProviderDef converts a Tool into the provider-SDK tool definition
// shape the model-facing request carries.
func ToProviderDef(t Tool) providers.ToolDefinition {
	return providers.ToolDefinition{
		Type: "function",
		Function: providers.ToolFunctionSchema{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		},
	}
}
