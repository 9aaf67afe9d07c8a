// internal/tools/registry.go
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/AGENTCORE/internal/recovery"
)

// Result is the structured outcome of a tool invocation
type Result struct {
	Success bool   `json:"success"`
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Tool is one named capability the engine can invoke
type Tool interface {
	Name() string
	Description() string
	Operations() []string
	// Dependencies names other tools this tool requires to have run first;
	// the resolver turns these into prerequisite edges.
	Dependencies() []string
	Invoke(ctx context.Context, operation string, params map[string]any) (any, error)
}

// Info describes a registered tool for listing
type Info struct {
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Operations   []string `json:"operations,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// Registry is the read-only lookup and dispatch surface for tools
type Registry interface {
	ListTools() []Info
	GetTool(name string) (Tool, bool)
	Invoke(ctx context.Context, name, operation string, params map[string]any) Result
}

// MapRegistry implements Registry over a mutex-guarded map
type MapRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry
func NewRegistry() *MapRegistry {
	return &MapRegistry{tools: make(map[string]Tool)}
}

// Register adds a tool, replacing any previous tool of the same name
func (r *MapRegistry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// ListTools returns tool descriptions sorted by name
func (r *MapRegistry) ListTools() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.tools))
	for _, tool := range r.tools {
		infos = append(infos, Info{
			Name:         tool.Name(),
			Description:  tool.Description(),
			Operations:   tool.Operations(),
			Dependencies: tool.Dependencies(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// GetTool returns a tool by name
func (r *MapRegistry) GetTool(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Invoke dispatches to a tool and wraps the outcome. Invocations never
// panic through the registry.
func (r *MapRegistry) Invoke(ctx context.Context, name, operation string, params map[string]any) (result Result) {
	tool, ok := r.GetTool(name)
	if !ok {
		return Result{Success: false, Error: fmt.Sprintf("unknown tool: %s", name)}
	}

	defer func() {
		if p := recover(); p != nil {
			result = Result{Success: false, Error: fmt.Sprintf("tool %s panicked: %v", name, p)}
		}
	}()

	value, err := tool.Invoke(ctx, operation, params)
	if err != nil {
		return Result{Success: false, Error: err.Error()}
	}
	return Result{Success: true, Result: value}
}

// Default registry: a process-wide singleton used as a safety net when a
// component was constructed without an injected registry. Explicit
// injection is preferred; this mirrors the lazy-lookup fallback.
var (
	defaultMu       sync.RWMutex
	defaultRegistry Registry
)

// SetDefault installs the shared registry instance
func SetDefault(r Registry) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultRegistry = r
}

// Default returns the shared registry, or an error when none was installed
func Default() (Registry, error) {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	if defaultRegistry == nil {
		return nil, recovery.ErrToolRegistryUnavailable
	}
	return defaultRegistry, nil
}
