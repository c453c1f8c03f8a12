// Package capability implements the name@version provider registry used by
// the module runtime. Capabilities are resolved by exact version, by caret
// range ("^1.2" means >=1.2 and below the next major), or by a comma-combined
// constraint expression (">=1.0, <2.0").
package capability

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/samber/lo"
)

// ErrBadVersion reports a malformed version or constraint expression.
var ErrBadVersion = errors.New("bad version")

type provider struct {
	version *semver.Version
	obj     any
	order   uint64 // insertion counter, stable tie-break
}

// Registry maps capability names to versioned providers. Safe for concurrent
// use. Provider values must be comparable (in practice, pointers): Unbind
// matches by identity, not by value equality.
type Registry struct {
	mu        sync.Mutex
	providers map[string][]provider
	counter   uint64
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string][]provider)}
}

// Bind registers obj as a provider of capability, given as "name@version".
func (r *Registry) Bind(capability string, obj any) error {
	name, ver, err := splitCapability(capability)
	if err != nil {
		return err
	}
	v, err := parseVersion(ver)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	list := append(r.providers[name], provider{version: v, obj: obj, order: r.counter})
	r.counter++
	// Ascending by version; insertion order breaks ties deterministically.
	sort.SliceStable(list, func(i, j int) bool {
		if c := list[i].version.Compare(list[j].version); c != 0 {
			return c < 0
		}
		return list[i].order < list[j].order
	})
	r.providers[name] = list
	return nil
}

// Unbind removes every binding of capability whose provider is obj. Bindings
// with an equal version but a different provider identity are kept.
func (r *Registry) Unbind(capability string, obj any) error {
	name, ver, err := splitCapability(capability)
	if err != nil {
		return err
	}
	v, err := parseVersion(ver)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.providers[name]
	kept := list[:0]
	for _, p := range list {
		if p.version.Equal(v) && p.obj == obj {
			continue
		}
		kept = append(kept, p)
	}
	r.providers[name] = kept
	return nil
}

// Get resolves query to a provider, or nil if nothing matches. Query forms:
//
//	"name"          latest version
//	"name@"         latest version
//	"name@1.2.3"    exact version
//	"name@^1.2"     at least 1.2, below 2.0
//	"name@>=1,<3"   constraint expression (==, >=, <=, >, <, comma-combined)
func (r *Registry) Get(query string) (any, error) {
	name := query
	spec := ""
	if at := strings.Index(query, "@"); at >= 0 {
		name, spec = query[:at], query[at+1:]
	}

	r.mu.Lock()
	list := make([]provider, len(r.providers[name]))
	copy(list, r.providers[name])
	r.mu.Unlock()

	if len(list) == 0 {
		return nil, nil
	}
	if spec == "" {
		return list[len(list)-1].obj, nil
	}

	if spec[0] >= '0' && spec[0] <= '9' {
		want, err := parseVersion(spec)
		if err != nil {
			return nil, err
		}
		for _, p := range list {
			if p.version.Equal(want) {
				return p.obj, nil
			}
		}
		return nil, nil
	}

	constraint, err := parseConstraint(spec)
	if err != nil {
		return nil, err
	}
	var best *provider
	for i := range list {
		p := &list[i]
		if !constraint.Check(p.version) {
			continue
		}
		if best == nil || p.version.GreaterThan(best.version) ||
			(p.version.Equal(best.version) && p.order < best.order) {
			best = p
		}
	}
	if best == nil {
		return nil, nil
	}
	return best.obj, nil
}

// Snapshot returns the bound versions per capability name, ascending.
func (r *Registry) Snapshot() map[string][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := make(map[string][]string, len(r.providers))
	for name, list := range r.providers {
		snap[name] = lo.Map(list, func(p provider, _ int) string {
			return p.version.String()
		})
	}
	return snap
}

func splitCapability(capability string) (name, version string, err error) {
	at := strings.Index(capability, "@")
	if at <= 0 || at == len(capability)-1 {
		return "", "", fmt.Errorf("%w: capability %q must be name@version", ErrBadVersion, capability)
	}
	return capability[:at], capability[at+1:], nil
}

func parseVersion(s string) (*semver.Version, error) {
	v, err := semver.NewVersion(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrBadVersion, s)
	}
	return v, nil
}

// parseConstraint builds a constraint from a range expression. A leading
// caret is expanded to the conventional ">=base, <next-major" pair so that
// "^0.2" admits 0.9 (the caret does not tighten around the minor for 0.x
// versions here).
func parseConstraint(spec string) (*semver.Constraints, error) {
	if strings.HasPrefix(spec, "^") {
		base, err := parseVersion(spec[1:])
		if err != nil {
			return nil, err
		}
		spec = fmt.Sprintf(">=%s, <%d.0", spec[1:], base.Major()+1)
	}
	spec = strings.ReplaceAll(spec, "==", "=")
	c, err := semver.NewConstraint(spec)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrBadVersion, spec)
	}
	return c, nil
}
