// Package watch publishes module directory changes onto the event bus.
package watch

import (
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"starlinker/internal/forge/bus"
	"starlinker/internal/logging"
)

// TopicModulesChanged is published whenever anything under the module
// directory is created, written, renamed or removed. The payload is a Change.
const TopicModulesChanged = "forge.modules.changed"

// Change describes one filesystem event under the module directory.
type Change struct {
	Path string
	Op   string
}

// Watcher wraps fsnotify and forwards events to the bus. Module code is not
// hot-reloaded; subscribers decide what a change means (typically: log it and
// suggest a restart).
type Watcher struct {
	dir     string
	bus     *bus.Bus
	logger  *slog.Logger
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// New creates a Watcher over dir.
func New(dir string, b *bus.Bus, logger *slog.Logger) *Watcher {
	return &Watcher{
		dir:    dir,
		bus:    b,
		logger: logging.Default(logger).With("component", "watch"),
	}
}

// Start begins watching. Events are published from a background goroutine.
func (w *Watcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.dir); err != nil {
		fsw.Close()
		return err
	}
	w.watcher = fsw
	w.done = make(chan struct{})
	go w.loop()
	w.logger.Info("watching module dir", "dir", w.dir)
	return nil
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.bus.Publish(TopicModulesChanged, Change{
				Path: filepath.Clean(ev.Name),
				Op:   ev.Op.String(),
			})
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

// Stop closes the watcher and waits for the event loop to drain.
func (w *Watcher) Stop() {
	if w.watcher == nil {
		return
	}
	w.watcher.Close()
	<-w.done
	w.watcher = nil
}
