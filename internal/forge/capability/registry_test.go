package capability

import (
	"errors"
	"testing"
)

type fakeProvider struct{ name string }

func mustBind(t *testing.T, r *Registry, capability string, obj any) {
	t.Helper()
	if err := r.Bind(capability, obj); err != nil {
		t.Fatalf("Bind(%s): %v", capability, err)
	}
}

func get(t *testing.T, r *Registry, query string) any {
	t.Helper()
	obj, err := r.Get(query)
	if err != nil {
		t.Fatalf("Get(%s): %v", query, err)
	}
	return obj
}

func TestGetLatest(t *testing.T) {
	r := NewRegistry()
	v1 := &fakeProvider{"v1"}
	v2 := &fakeProvider{"v2"}
	mustBind(t, r, "svc@2.0.0", v2)
	mustBind(t, r, "svc@1.0.0", v1)

	if got := get(t, r, "svc"); got != v2 {
		t.Errorf("bare name should resolve latest, got %v", got)
	}
	if got := get(t, r, "svc@"); got != v2 {
		t.Errorf("empty spec should resolve latest, got %v", got)
	}
}

func TestGetExactVersion(t *testing.T) {
	r := NewRegistry()
	v1 := &fakeProvider{"v1"}
	mustBind(t, r, "svc@1.2.3", v1)

	if got := get(t, r, "svc@1.2.3"); got != v1 {
		t.Errorf("exact version lookup failed, got %v", got)
	}
	if got := get(t, r, "svc@1.2.4"); got != nil {
		t.Errorf("missing exact version should return nil, got %v", got)
	}
}

func TestCaretRange(t *testing.T) {
	r := NewRegistry()
	v12 := &fakeProvider{"1.2"}
	v19 := &fakeProvider{"1.9"}
	v20 := &fakeProvider{"2.0"}
	mustBind(t, r, "svc@1.2.0", v12)
	mustBind(t, r, "svc@1.9.0", v19)
	mustBind(t, r, "svc@2.0.0", v20)

	if got := get(t, r, "svc@^1.2"); got != v19 {
		t.Errorf("^1.2 should resolve highest 1.x >= 1.2, got %v", got)
	}
}

func TestCaretRangeZeroMajor(t *testing.T) {
	r := NewRegistry()
	v02 := &fakeProvider{"0.2"}
	v09 := &fakeProvider{"0.9"}
	mustBind(t, r, "svc@0.2.0", v02)
	mustBind(t, r, "svc@0.9.0", v09)

	// ^0.2 spans up to (but not including) 1.0.
	if got := get(t, r, "svc@^0.2"); got != v09 {
		t.Errorf("^0.2 should admit 0.9, got %v", got)
	}
}

func TestConstraintExpression(t *testing.T) {
	r := NewRegistry()
	v1 := &fakeProvider{"1.5"}
	v2 := &fakeProvider{"2.5"}
	mustBind(t, r, "svc@1.5.0", v1)
	mustBind(t, r, "svc@2.5.0", v2)

	if got := get(t, r, "svc@>=1.0, <2.0"); got != v1 {
		t.Errorf(">=1.0,<2.0 should resolve 1.5, got %v", got)
	}
	if got := get(t, r, "svc@==2.5.0"); got != v2 {
		t.Errorf("==2.5.0 should resolve 2.5, got %v", got)
	}
	if got := get(t, r, "svc@>3.0"); got != nil {
		t.Errorf(">3.0 should have no match, got %v", got)
	}
}

func TestEqualVersionTieBreaksOnInsertionOrder(t *testing.T) {
	r := NewRegistry()
	first := &fakeProvider{"first"}
	second := &fakeProvider{"second"}
	mustBind(t, r, "svc@1.0.0", first)
	mustBind(t, r, "svc@1.0.0", second)

	if got := get(t, r, "svc@>=1.0"); got != first {
		t.Errorf("tie should go to earliest inserted provider, got %v", got)
	}
}

func TestUnbindMatchesIdentity(t *testing.T) {
	r := NewRegistry()
	keep := &fakeProvider{"same"}
	drop := &fakeProvider{"same"}
	mustBind(t, r, "svc@1.0.0", keep)
	mustBind(t, r, "svc@1.0.0", drop)

	if err := r.Unbind("svc@1.0.0", drop); err != nil {
		t.Fatalf("Unbind: %v", err)
	}
	if got := get(t, r, "svc"); got != keep {
		t.Errorf("unbind should only remove the exact provider, got %v", got)
	}
}

func TestBadVersions(t *testing.T) {
	r := NewRegistry()
	if err := r.Bind("svc@not-a-version", &fakeProvider{}); !errors.Is(err, ErrBadVersion) {
		t.Errorf("expected ErrBadVersion on bind, got %v", err)
	}
	if err := r.Bind("svc", &fakeProvider{}); !errors.Is(err, ErrBadVersion) {
		t.Errorf("expected ErrBadVersion on missing version, got %v", err)
	}
	mustBind(t, r, "svc@1.0.0", &fakeProvider{})
	if _, err := r.Get("svc@^nope"); !errors.Is(err, ErrBadVersion) {
		t.Errorf("expected ErrBadVersion on malformed caret, got %v", err)
	}
}

func TestSnapshot(t *testing.T) {
	r := NewRegistry()
	mustBind(t, r, "svc@2.0.0", &fakeProvider{})
	mustBind(t, r, "svc@1.0.0", &fakeProvider{})
	mustBind(t, r, "other@0.1.0", &fakeProvider{})

	snap := r.Snapshot()
	if len(snap["svc"]) != 2 || snap["svc"][0] != "1.0.0" || snap["svc"][1] != "2.0.0" {
		t.Errorf("svc versions should be ascending, got %v", snap["svc"])
	}
	if len(snap["other"]) != 1 {
		t.Errorf("expected one version for other, got %v", snap["other"])
	}
}
