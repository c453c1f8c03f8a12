package module

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"starlinker/internal/forge/bus"
	"starlinker/internal/forge/capability"
	"starlinker/internal/forge/kvstore"
	"starlinker/internal/logging"
)

// ErrCircularDependency reports a cycle in the module requirement graph.
var ErrCircularDependency = errors.New("circular dependency")

// ManifestFilename is the file that marks a directory as a module.
const ManifestFilename = "module.json"

// State tracks a loaded module.
type State struct {
	Name     string
	Manifest Manifest
	Path     string
	Instance any
	Enabled  bool
}

// Loader discovers modules under a directory, loads them in dependency order
// and drives their enable/disable lifecycle. Not safe for concurrent use; the
// runtime serializes lifecycle operations.
type Loader struct {
	moduleDir string
	entries   *Registry
	caps      *capability.Registry
	bus       *bus.Bus
	storage   *kvstore.Store
	logger    *slog.Logger

	modules     map[string]*State
	enableOrder []string
}

// NewLoader creates a Loader over moduleDir.
func NewLoader(moduleDir string, entries *Registry, caps *capability.Registry, b *bus.Bus, storage *kvstore.Store, logger *slog.Logger) *Loader {
	return &Loader{
		moduleDir: moduleDir,
		entries:   entries,
		caps:      caps,
		bus:       b,
		storage:   storage,
		logger:    logging.Default(logger).With("component", "loader"),
		modules:   make(map[string]*State),
	}
}

// Discover returns the names of immediate child directories containing a
// module.json, sorted for determinism.
func (l *Loader) Discover() ([]string, error) {
	entries, err := os.ReadDir(l.moduleDir)
	if err != nil {
		return nil, fmt.Errorf("read module dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(l.moduleDir, e.Name(), ManifestFilename)); err == nil {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (l *Loader) readManifest(name string) (Manifest, error) {
	path := filepath.Join(l.moduleDir, name, ManifestFilename)
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest for %s: %w", name, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest for %s: %w", name, err)
	}
	return m, nil
}

// LoadAll discovers and loads every module in dependency order. Manifests are
// all parsed before any module code runs; a load failure aborts.
func (l *Loader) LoadAll() error {
	names, err := l.Discover()
	if err != nil {
		return err
	}
	manifests := make(map[string]Manifest, len(names))
	for _, name := range names {
		m, err := l.readManifest(name)
		if err != nil {
			return err
		}
		manifests[name] = m
	}
	order, err := dependencyOrder(manifests)
	if err != nil {
		return err
	}

	for _, name := range order {
		manifest := manifests[name]
		path := filepath.Join(l.moduleDir, name)
		instance, err := l.entries.New(manifest.Entry)
		if err != nil {
			return fmt.Errorf("load module %s: %w", name, err)
		}
		ctx := &Context{
			Bus:          l.bus,
			Capabilities: l.caps,
			Storage:      l.storage,
			Manifest:     manifest,
			ModulePath:   path,
			Logger:       l.logger.With("module", name),
		}
		if hook, ok := instance.(Loadable); ok {
			if err := hook.OnLoad(ctx); err != nil {
				return fmt.Errorf("on_load of module %s: %w", name, err)
			}
		}
		l.modules[name] = &State{
			Name:     name,
			Manifest: manifest,
			Path:     path,
			Instance: instance,
		}
		for _, cap := range manifest.Provides {
			if err := l.caps.Bind(cap, instance); err != nil {
				return fmt.Errorf("bind %s for module %s: %w", cap, name, err)
			}
		}
		l.logger.Info("module loaded", "module", name, "provides", manifest.Provides)
	}
	return nil
}

// EnableAll enables every loaded module in dependency order.
func (l *Loader) EnableAll() error {
	manifests := make(map[string]Manifest, len(l.modules))
	for name, st := range l.modules {
		manifests[name] = st.Manifest
	}
	order, err := dependencyOrder(manifests)
	if err != nil {
		return err
	}
	for _, name := range order {
		if err := l.EnableModule(name); err != nil {
			return err
		}
	}
	return nil
}

// EnableModule enables one module. Enabling an enabled module is a no-op.
func (l *Loader) EnableModule(name string) error {
	st, ok := l.modules[name]
	if !ok {
		return fmt.Errorf("unknown module %q", name)
	}
	if st.Enabled {
		return nil
	}
	if hook, ok := st.Instance.(Enableable); ok {
		if err := hook.OnEnable(); err != nil {
			return fmt.Errorf("on_enable of module %s: %w", name, err)
		}
	}
	st.Enabled = true
	l.enableOrder = append(l.enableOrder, name)
	l.logger.Info("module enabled", "module", name)
	return nil
}

// DisableAll disables modules in strict reverse of the actual enable order.
// Errors are logged so that every sibling still gets its shutdown hook.
func (l *Loader) DisableAll() {
	for i := len(l.enableOrder) - 1; i >= 0; i-- {
		if err := l.DisableModule(l.enableOrder[i]); err != nil {
			l.logger.Warn("module disable failed", "module", l.enableOrder[i], "error", err)
		}
	}
	l.enableOrder = nil
}

// DisableModule disables one module. Disabling a disabled or unknown module
// is a no-op.
func (l *Loader) DisableModule(name string) error {
	st, ok := l.modules[name]
	if !ok || !st.Enabled {
		return nil
	}
	if hook, ok := st.Instance.(Disableable); ok {
		if err := hook.OnDisable(); err != nil {
			return err
		}
	}
	st.Enabled = false
	l.logger.Info("module disabled", "module", name)
	return nil
}

// Modules returns the loaded module states keyed by name.
func (l *Loader) Modules() map[string]*State {
	out := make(map[string]*State, len(l.modules))
	for name, st := range l.modules {
		out[name] = st
	}
	return out
}

// Module returns a single module state, or nil if unknown.
func (l *Loader) Module(name string) *State {
	return l.modules[name]
}

// EnableOrder returns the order modules were actually enabled in.
func (l *Loader) EnableOrder() []string {
	return append([]string(nil), l.enableOrder...)
}

// DependencyGraph maps each loaded module to the modules providing its
// required capabilities.
func (l *Loader) DependencyGraph() map[string][]string {
	providers := providerIndex(manifestsOf(l.modules))
	graph := make(map[string][]string, len(l.modules))
	for name, st := range l.modules {
		deps := []string{}
		for _, req := range st.Manifest.Requires {
			if p, ok := providers[capabilityName(req)]; ok {
				deps = append(deps, p)
			}
		}
		graph[name] = deps
	}
	return graph
}

func manifestsOf(modules map[string]*State) map[string]Manifest {
	out := make(map[string]Manifest, len(modules))
	for name, st := range modules {
		out[name] = st.Manifest
	}
	return out
}

func capabilityName(cap string) string {
	if at := strings.Index(cap, "@"); at >= 0 {
		return cap[:at]
	}
	return cap
}

// providerIndex maps a provided capability name (version stripped) to the
// module providing it. When two modules provide the same name, the
// lexicographically-last module wins; no error is raised.
func providerIndex(manifests map[string]Manifest) map[string]string {
	names := make([]string, 0, len(manifests))
	for name := range manifests {
		names = append(names, name)
	}
	sort.Strings(names)
	index := make(map[string]string)
	for _, name := range names {
		for _, cap := range manifests[name].Provides {
			index[capabilityName(cap)] = name
		}
	}
	return index
}

// dependencyOrder runs Kahn's algorithm over the requirement graph. Ready
// nodes are consumed in lexicographic order so the result is stable.
func dependencyOrder(manifests map[string]Manifest) ([]string, error) {
	providers := providerIndex(manifests)

	// deps[name] holds the providers name is still waiting on.
	deps := make(map[string]map[string]bool, len(manifests))
	for name, manifest := range manifests {
		deps[name] = make(map[string]bool)
		for _, req := range manifest.Requires {
			if p, ok := providers[capabilityName(req)]; ok && p != name {
				deps[name][p] = true
			}
		}
	}

	order := make([]string, 0, len(manifests))
	for len(deps) > 0 {
		var ready []string
		for name, waiting := range deps {
			if len(waiting) == 0 {
				ready = append(ready, name)
			}
		}
		if len(ready) == 0 {
			return nil, fmt.Errorf("%w among modules", ErrCircularDependency)
		}
		sort.Strings(ready)
		next := ready[0]
		order = append(order, next)
		delete(deps, next)
		for _, waiting := range deps {
			delete(waiting, next)
		}
	}
	return order, nil
}
