// Package toolregistry holds the executable tools a task may call and the
// decorator that guards their execution. Static tools are wired at startup
// and cannot be removed; dynamic tools come and go at runtime.
package toolregistry

import (
	"fmt"
	"sync"

	"tether/internal/agent/ports"
)

// Registry implements ports.ToolRegistry with a static and a dynamic tier.
type Registry struct {
	mu      sync.RWMutex
	static  map[string]ports.ToolExecutor
	dynamic map[string]ports.ToolExecutor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		static:  make(map[string]ports.ToolExecutor),
		dynamic: make(map[string]ports.ToolExecutor),
	}
}

// RegisterStatic installs a tool that lives for the process lifetime.
// Static names are reserved: nothing may shadow or remove them.
func (r *Registry) RegisterStatic(tool ports.ToolExecutor) error {
	name, err := toolName(tool)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.static[name]; exists {
		return fmt.Errorf("tool already exists: %s", name)
	}
	r.static[name] = tool
	return nil
}

// Register installs a dynamic tool.
func (r *Registry) Register(tool ports.ToolExecutor) error {
	name, err := toolName(tool)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.static[name]; exists {
		return fmt.Errorf("tool already exists: %s", name)
	}
	if _, exists := r.dynamic[name]; exists {
		return fmt.Errorf("tool already exists: %s", name)
	}
	r.dynamic[name] = tool
	return nil
}

// Get returns the named tool, static tier first.
func (r *Registry) Get(name string) (ports.ToolExecutor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if tool, ok := r.static[name]; ok {
		return tool, nil
	}
	if tool, ok := r.dynamic[name]; ok {
		return tool, nil
	}
	return nil, fmt.Errorf("tool not found: %s", name)
}

// List returns the definitions of every registered tool.
func (r *Registry) List() []ports.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]ports.ToolDefinition, 0, len(r.static)+len(r.dynamic))
	for _, tool := range r.static {
		defs = append(defs, tool.Definition())
	}
	for _, tool := range r.dynamic {
		defs = append(defs, tool.Definition())
	}
	return defs
}

// Unregister removes a dynamic tool. Static tools cannot be unregistered.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.static[name]; ok {
		return fmt.Errorf("cannot unregister built-in tool: %s", name)
	}
	delete(r.dynamic, name)
	return nil
}

func toolName(tool ports.ToolExecutor) (string, error) {
	if tool == nil {
		return "", fmt.Errorf("nil tool")
	}
	name := tool.Metadata().Name
	if name == "" {
		name = tool.Definition().Name
	}
	if name == "" {
		return "", fmt.Errorf("tool has no name")
	}
	return name, nil
}

var _ ports.ToolRegistry = (*Registry)(nil)
