// Package module implements discovery, ordering and lifecycle for runtime
// modules. A module ships a module.json manifest naming a registered entry
// constructor, the capabilities it provides and the capabilities it requires.
package module

import (
	"fmt"
	"log/slog"
	"sync"

	"starlinker/internal/forge/bus"
	"starlinker/internal/forge/capability"
	"starlinker/internal/forge/kvstore"
)

// Manifest is the parsed module.json.
type Manifest struct {
	Name     string   `json:"name"`
	Entry    string   `json:"entry"`
	Version  string   `json:"version,omitempty"`
	Provides []string `json:"provides,omitempty"`
	Requires []string `json:"requires,omitempty"`
}

// Context is handed to a module's OnLoad hook.
type Context struct {
	Bus          *bus.Bus
	Capabilities *capability.Registry
	Storage      *kvstore.Store
	Manifest     Manifest
	ModulePath   string
	Logger       *slog.Logger
}

// Constructor builds a fresh module instance. Instances may implement any of
// the lifecycle interfaces below; all hooks are optional.
type Constructor func() any

// Loadable is invoked once after instantiation, before capabilities are bound.
type Loadable interface {
	OnLoad(ctx *Context) error
}

// Enableable is invoked when the module is enabled.
type Enableable interface {
	OnEnable() error
}

// Disableable is invoked when the module is disabled, in reverse enable order.
type Disableable interface {
	OnDisable() error
}

// Registry maps manifest entry names to constructors. It replaces dynamic
// code loading: modules are compiled in and register themselves (or are
// registered by main) under the string their manifest references.
type Registry struct {
	mu      sync.Mutex
	entries map[string]Constructor
}

// NewRegistry creates an empty entry registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Constructor)}
}

// Register binds a constructor to an entry name. Re-registering a name
// replaces the previous constructor.
func (r *Registry) Register(entry string, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[entry] = ctor
}

// New instantiates the constructor registered under entry.
func (r *Registry) New(entry string) (any, error) {
	r.mu.Lock()
	ctor, ok := r.entries[entry]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no constructor registered for entry %q", entry)
	}
	return ctor(), nil
}
