package tools

import (
	"fmt"
	"sort"
	"sync"

	"github.com/danielsimonjr/ironclaw/internal/logging"
)

// reservedNames is the protected set: once a phase registers one of
// these, later registrations (extensions, MCP discovery) cannot shadow
// it. The set covers the built-in surface area by name.
var reservedNames = map[string]bool{
	"echo": true, "time": true, "json": true, "http": true, "shell": true,
	"file_read": true, "file_write": true, "file_list": true, "file_patch": true,
	"memory_read": true, "memory_write": true, "memory_search": true, "memory_list": true,
	"job_create": true, "job_status": true, "job_cancel": true,
	"extension_install": true, "extension_remove": true, "extension_list": true,
	"routine_create": true, "routine_list": true, "routine_delete": true,
	"builder": true,
}

// Registry holds all available tools. Thread-safe; registration happens
// in phases at startup and may continue at runtime (MCP discovery).
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool. A registration that would shadow a reserved name
// already present is rejected.
func (r *Registry) Register(tool *Tool) error {
	if err := tool.Validate(); err != nil {
		return fmt.Errorf("invalid tool: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[tool.Name]; exists {
		if reservedNames[tool.Name] {
			return fmt.Errorf("%w: %s", ErrReservedName, tool.Name)
		}
		return fmt.Errorf("%w: %s", ErrToolAlreadyRegistered, tool.Name)
	}

	r.tools[tool.Name] = tool
	logging.ToolsDebug("registered tool: %s (domain=%s approval=%v)",
		tool.Name, tool.EffectiveDomain(), tool.RequiresApproval)
	return nil
}

// MustRegister registers and panics on error; used for the static
// built-in phases at startup.
func (r *Registry) MustRegister(tool *Tool) {
	if err := r.Register(tool); err != nil {
		panic(fmt.Sprintf("failed to register tool %s: %v", tool.Name, err))
	}
}

// Get returns a tool by name, or nil.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Has reports whether the name is registered.
func (r *Registry) Has(name string) bool {
	return r.Get(name) != nil
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns all registered tools sorted by name.
func (r *Registry) All() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// ValidateArgs checks required arguments against the schema.
func ValidateArgs(tool *Tool, args map[string]any) error {
	for _, required := range tool.Schema.Required {
		if _, ok := args[required]; !ok {
			return fmt.Errorf("%w: %s", ErrMissingRequiredArg, required)
		}
	}
	return nil
}
