// Package runtime composes the module runtime: event bus, capability
// registry, key-value storage and the module loader.
package runtime

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"starlinker/internal/forge/bus"
	"starlinker/internal/forge/capability"
	"starlinker/internal/forge/kvstore"
	"starlinker/internal/forge/module"
	"starlinker/internal/logging"
)

// Config holds runtime construction parameters.
type Config struct {
	// ModuleDir is scanned for module.json manifests.
	ModuleDir string

	// StorageDir holds per-module key-value state. Defaults to
	// <ModuleDir>/_storage.
	StorageDir string

	// Entries maps manifest entry names to constructors.
	Entries *module.Registry

	// Logger for structured logging.
	Logger *slog.Logger
}

// Runtime owns the bus, registry, storage and loader for its lifetime.
type Runtime struct {
	Bus          *bus.Bus
	Capabilities *capability.Registry
	Storage      *kvstore.Store
	Loader       *module.Loader

	logger  *slog.Logger
	started bool
}

// New constructs a Runtime. Nothing is loaded until Start.
func New(cfg Config) (*Runtime, error) {
	logger := logging.Default(cfg.Logger)
	storageDir := cfg.StorageDir
	if storageDir == "" {
		storageDir = filepath.Join(cfg.ModuleDir, "_storage")
	}
	storage, err := kvstore.New(storageDir)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}
	entries := cfg.Entries
	if entries == nil {
		entries = module.NewRegistry()
	}
	b := bus.New(logger)
	caps := capability.NewRegistry()
	return &Runtime{
		Bus:          b,
		Capabilities: caps,
		Storage:      storage,
		Loader:       module.NewLoader(cfg.ModuleDir, entries, caps, b, storage, logger),
		logger:       logger.With("component", "runtime"),
	}, nil
}

// Start loads and enables all modules. Idempotent.
func (r *Runtime) Start() error {
	if r.started {
		return nil
	}
	if err := r.Loader.LoadAll(); err != nil {
		return err
	}
	if err := r.Loader.EnableAll(); err != nil {
		return err
	}
	r.started = true
	r.logger.Info("runtime started", "modules", len(r.Loader.Modules()))
	return nil
}

// Stop disables modules in reverse enable order. Idempotent.
func (r *Runtime) Stop() {
	if !r.started {
		return
	}
	r.Loader.DisableAll()
	r.started = false
	r.logger.Info("runtime stopped")
}

// Started reports whether Start has completed.
func (r *Runtime) Started() bool {
	return r.started
}
