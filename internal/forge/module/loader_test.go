package module

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"starlinker/internal/forge/bus"
	"starlinker/internal/forge/capability"
	"starlinker/internal/forge/kvstore"
)

type recordingModule struct {
	name   string
	events *[]string
	failOn string
}

func (m *recordingModule) OnLoad(ctx *Context) error {
	*m.events = append(*m.events, "load:"+m.name)
	if m.failOn == "load" {
		return errors.New("load failure")
	}
	return nil
}

func (m *recordingModule) OnEnable() error {
	*m.events = append(*m.events, "enable:"+m.name)
	if m.failOn == "enable" {
		return errors.New("enable failure")
	}
	return nil
}

func (m *recordingModule) OnDisable() error {
	*m.events = append(*m.events, "disable:"+m.name)
	if m.failOn == "disable" {
		return errors.New("disable failure")
	}
	return nil
}

func writeManifest(t *testing.T, dir string, m Manifest) {
	t.Helper()
	path := filepath.Join(dir, m.Name)
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal manifest: %v", err)
	}
	if err := os.WriteFile(filepath.Join(path, ManifestFilename), data, 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
}

func newTestLoader(t *testing.T, dir string, events *[]string, failures map[string]string) *Loader {
	t.Helper()
	entries := NewRegistry()
	for _, name := range []string{"a", "b", "c", "svc", "app"} {
		name := name
		entries.Register("entry:"+name, func() any {
			return &recordingModule{name: name, events: events, failOn: failures[name]}
		})
	}
	storage, err := kvstore.New(filepath.Join(t.TempDir(), "storage"))
	if err != nil {
		t.Fatalf("kvstore.New: %v", err)
	}
	return NewLoader(dir, entries, capability.NewRegistry(), bus.New(nil), storage, nil)
}

func TestLoadEnableDisableOrder(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, Manifest{Name: "a", Entry: "entry:a", Provides: []string{"svc@1.0.0"}})
	writeManifest(t, dir, Manifest{Name: "b", Entry: "entry:b", Requires: []string{"svc@^1.0"}})

	var events []string
	l := newTestLoader(t, dir, &events, nil)

	if err := l.LoadAll(); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if err := l.EnableAll(); err != nil {
		t.Fatalf("EnableAll: %v", err)
	}

	order := l.EnableOrder()
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("expected enable order [a b], got %v", order)
	}

	events = nil
	l.DisableAll()
	if len(events) != 2 || events[0] != "disable:b" || events[1] != "disable:a" {
		t.Fatalf("expected disable order [b a], got %v", events)
	}
}

func TestProviderCapabilityBoundAfterLoad(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, Manifest{Name: "a", Entry: "entry:a", Provides: []string{"svc@1.0.0"}})

	var events []string
	l := newTestLoader(t, dir, &events, nil)
	if err := l.LoadAll(); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}

	obj, err := l.caps.Get("svc@^1.0")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if obj == nil {
		t.Fatal("provided capability should be resolvable after load")
	}
}

func TestLexicographicTieBreak(t *testing.T) {
	dir := t.TempDir()
	// No dependencies between them; order must be lexicographic.
	writeManifest(t, dir, Manifest{Name: "c", Entry: "entry:c"})
	writeManifest(t, dir, Manifest{Name: "a", Entry: "entry:a"})
	writeManifest(t, dir, Manifest{Name: "b", Entry: "entry:b"})

	var events []string
	l := newTestLoader(t, dir, &events, nil)
	if err := l.LoadAll(); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	want := []string{"load:a", "load:b", "load:c"}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("expected load order %v, got %v", want, events)
		}
	}
}

func TestCircularDependency(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, Manifest{Name: "a", Entry: "entry:a", Provides: []string{"one@1.0.0"}, Requires: []string{"two@1.0.0"}})
	writeManifest(t, dir, Manifest{Name: "b", Entry: "entry:b", Provides: []string{"two@1.0.0"}, Requires: []string{"one@1.0.0"}})

	var events []string
	l := newTestLoader(t, dir, &events, nil)
	if err := l.LoadAll(); !errors.Is(err, ErrCircularDependency) {
		t.Fatalf("expected ErrCircularDependency, got %v", err)
	}
}

func TestEnableIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, Manifest{Name: "a", Entry: "entry:a"})

	var events []string
	l := newTestLoader(t, dir, &events, nil)
	if err := l.LoadAll(); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if err := l.EnableModule("a"); err != nil {
		t.Fatalf("EnableModule: %v", err)
	}
	if err := l.EnableModule("a"); err != nil {
		t.Fatalf("EnableModule (second): %v", err)
	}

	count := 0
	for _, e := range events {
		if e == "enable:a" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("expected a single enable invocation, got %d", count)
	}
	if got := l.EnableOrder(); len(got) != 1 {
		t.Errorf("enable order should record the module once, got %v", got)
	}
}

func TestDisableContinuesPastErrors(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, Manifest{Name: "a", Entry: "entry:a", Provides: []string{"svc@1.0.0"}})
	writeManifest(t, dir, Manifest{Name: "b", Entry: "entry:b", Requires: []string{"svc@1.0.0"}})

	var events []string
	l := newTestLoader(t, dir, &events, map[string]string{"b": "disable"})
	if err := l.LoadAll(); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if err := l.EnableAll(); err != nil {
		t.Fatalf("EnableAll: %v", err)
	}

	events = nil
	l.DisableAll()
	// b's failure must not prevent a's shutdown hook.
	if len(events) != 2 || events[0] != "disable:b" || events[1] != "disable:a" {
		t.Fatalf("expected both disable hooks, got %v", events)
	}
}

func TestLoadErrorAborts(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, Manifest{Name: "a", Entry: "entry:a"})

	var events []string
	l := newTestLoader(t, dir, &events, map[string]string{"a": "load"})
	if err := l.LoadAll(); err == nil {
		t.Fatal("expected load error to abort")
	}
}

func TestDuplicateProviderLastWriterWins(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, Manifest{Name: "a", Entry: "entry:a", Provides: []string{"svc@1.0.0"}})
	writeManifest(t, dir, Manifest{Name: "b", Entry: "entry:b", Provides: []string{"svc@2.0.0"}})
	writeManifest(t, dir, Manifest{Name: "c", Entry: "entry:c", Requires: []string{"svc@^1.0"}})

	var events []string
	l := newTestLoader(t, dir, &events, nil)
	if err := l.LoadAll(); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	graph := l.DependencyGraph()
	// b is lexicographically last, so it owns the "svc" name in the graph.
	if len(graph["c"]) != 1 || graph["c"][0] != "b" {
		t.Errorf("expected c to depend on b, got %v", graph["c"])
	}
}

func TestDiscoverIgnoresPlainDirs(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, Manifest{Name: "a", Entry: "entry:a"})
	if err := os.MkdirAll(filepath.Join(dir, "not-a-module"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "stray.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	var events []string
	l := newTestLoader(t, dir, &events, nil)
	names, err := l.Discover()
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(names) != 1 || names[0] != "a" {
		t.Errorf("expected [a], got %v", names)
	}
}
