package kvstore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestPutThenGet(t *testing.T) {
	s := newTestStore(t)

	in := map[string]any{"count": float64(3), "label": "hello"}
	if err := s.Put("mod", "state", in); err != nil {
		t.Fatalf("Put: %v", err)
	}

	var out map[string]any
	if err := s.Get("mod", "state", &out); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if out["count"] != float64(3) || out["label"] != "hello" {
		t.Errorf("round trip mismatch: %v", out)
	}
}

func TestPutReplacesAtomically(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 50; i++ {
		if err := s.Put("mod", "k", i); err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
		var got int
		if err := s.Get("mod", "k", &got); err != nil {
			t.Fatalf("Get %d: %v", i, err)
		}
		if got != i {
			t.Fatalf("read %d after storing %d", got, i)
		}
	}
}

func TestGetMissingKey(t *testing.T) {
	s := newTestStore(t)

	var out any
	if err := s.Get("mod", "nope", &out); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	got, err := s.GetRaw("mod", "nope", "fallback")
	if err != nil {
		t.Fatalf("GetRaw: %v", err)
	}
	if got != "fallback" {
		t.Errorf("expected default value, got %v", got)
	}
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)

	if err := s.Put("mod", "k", 1); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Delete("mod", "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	var out any
	if err := s.Get("mod", "k", &out); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := s.Delete("mod", "k"); err != nil {
		t.Errorf("deleting absent key should be a no-op, got %v", err)
	}
}

func TestKeysSortedAndSweepsTemps(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for _, k := range []string{"zeta", "alpha", "mid"} {
		if err := s.Put("mod", k, k); err != nil {
			t.Fatalf("Put %s: %v", k, err)
		}
	}
	// Simulate a crash mid-write.
	stray := filepath.Join(dir, "mod", tmpPrefix+"alpha-123")
	if err := os.WriteFile(stray, []byte("partial"), 0o644); err != nil {
		t.Fatalf("write stray: %v", err)
	}

	keys, err := s.Keys("mod")
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	want := []string{"alpha", "mid", "zeta"}
	if len(keys) != len(want) {
		t.Fatalf("expected %v, got %v", want, keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("key %d: expected %s, got %s", i, want[i], keys[i])
		}
	}
	if _, err := os.Stat(stray); !errors.Is(err, os.ErrNotExist) {
		t.Error("stray temp file should have been swept")
	}
}

func TestNamespacesAreIsolated(t *testing.T) {
	s := newTestStore(t)

	if err := s.Put("a", "k", "from-a"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put("b", "k", "from-b"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	var got string
	if err := s.Get("a", "k", &got); err != nil || got != "from-a" {
		t.Errorf("namespace a: got %q, err %v", got, err)
	}
	if err := s.Get("b", "k", &got); err != nil || got != "from-b" {
		t.Errorf("namespace b: got %q, err %v", got, err)
	}
}
