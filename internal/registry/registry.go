// Package registry stores versioned descriptions of the capability
// interfaces the host exports and extensions may import. Resolution follows
// semantic compatibility: a consumer asking for a version range binds to the
// highest registered version with the same major and a minor at or above the
// requested one.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/blang/semver/v4"
	cmap "github.com/orcaman/concurrent-map/v2"
)

// Registry errors.
var (
	// ErrDuplicateInterface is returned when name+version is already registered.
	ErrDuplicateInterface = errors.New("registry: interface version already registered")

	// ErrUnknownInterface is returned when no version of the name exists.
	ErrUnknownInterface = errors.New("registry: unknown interface")

	// ErrNoCompatibleVersion is returned when no registered version satisfies
	// the requested range.
	ErrNoCompatibleVersion = errors.New("registry: no compatible version")

	// ErrInvalidRequirement is returned for an unparseable version requirement.
	ErrInvalidRequirement = errors.New("registry: invalid version requirement")
)

// Schema describes one version of a capability interface: the operations an
// instance bound to it may call.
type Schema struct {
	Name       string
	Version    semver.Version
	Operations []string
}

// String returns "name@version".
func (s Schema) String() string {
	return s.Name + "@" + s.Version.String()
}

// entry holds all registered versions of one interface name.
// The entry mutex gives per-name exclusive access for registration.
type entry struct {
	mu       sync.RWMutex
	versions []Schema // sorted ascending by version
}

// Registry is the authoritative table of capability interfaces.
// Safe for concurrent use.
type Registry struct {
	ifaces cmap.ConcurrentMap[string, *entry]
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		ifaces: cmap.New[*entry](),
	}
}

// Register adds an interface schema. The version string must be valid semver.
// Returns ErrDuplicateInterface if name+version is already present.
func (r *Registry) Register(name, version string, operations []string) error {
	v, err := semver.Parse(version)
	if err != nil {
		return fmt.Errorf("registry: invalid version %q: %w", version, err)
	}

	e := r.ifaces.Upsert(name, nil, func(exist bool, valueInMap, _ *entry) *entry {
		if exist {
			return valueInMap
		}
		return &entry{}
	})

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, s := range e.versions {
		if s.Version.EQ(v) {
			return fmt.Errorf("%w: %s@%s", ErrDuplicateInterface, name, version)
		}
	}

	ops := make([]string, len(operations))
	copy(ops, operations)

	e.versions = append(e.versions, Schema{Name: name, Version: v, Operations: ops})
	sort.Slice(e.versions, func(i, j int) bool {
		return e.versions[i].Version.LT(e.versions[j].Version)
	})

	return nil
}

// Resolve returns the best-matching schema for the requirement, or
// ErrUnknownInterface / ErrNoCompatibleVersion.
func (r *Registry) Resolve(name, requirement string) (Schema, error) {
	req, err := ParseRequirement(requirement)
	if err != nil {
		return Schema{}, err
	}

	e, ok := r.ifaces.Get(name)
	if !ok {
		return Schema{}, fmt.Errorf("%w: %s", ErrUnknownInterface, name)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	// Versions are sorted ascending; walk backwards to find the highest match.
	for i := len(e.versions) - 1; i >= 0; i-- {
		if req.Matches(e.versions[i].Version) {
			return e.versions[i], nil
		}
	}

	return Schema{}, fmt.Errorf("%w: %s@%s", ErrNoCompatibleVersion, name, requirement)
}

// Has returns true if any version of the interface is registered.
func (r *Registry) Has(name string) bool {
	return r.ifaces.Has(name)
}

// Names returns all registered interface names, sorted.
func (r *Registry) Names() []string {
	names := r.ifaces.Keys()
	sort.Strings(names)
	return names
}

// Versions returns all registered versions of an interface, ascending.
func (r *Registry) Versions(name string) []Schema {
	e, ok := r.ifaces.Get(name)
	if !ok {
		return nil
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Schema, len(e.versions))
	copy(out, e.versions)
	return out
}

// Requirement is a parsed version requirement.
type Requirement struct {
	raw string

	// Exactly one of the following is set.
	min *semver.Version // minimum-version form: same major, version >= min
	rng semver.Range    // explicit range expression
}

// ParseRequirement parses a requirement string. Two forms are accepted:
//
//   - a plain semver version ("1.2.0"), interpreted as "same major,
//     minor/patch at or above the requested version"
//   - a blang/semver range expression (">=1.2.0 <2.0.0")
func ParseRequirement(s string) (Requirement, error) {
	if s == "" {
		return Requirement{}, fmt.Errorf("%w: empty", ErrInvalidRequirement)
	}

	if v, err := semver.Parse(s); err == nil {
		return Requirement{raw: s, min: &v}, nil
	}

	rng, err := semver.ParseRange(s)
	if err != nil {
		return Requirement{}, fmt.Errorf("%w: %q", ErrInvalidRequirement, s)
	}
	return Requirement{raw: s, rng: rng}, nil
}

// Matches reports whether the version satisfies the requirement.
func (r Requirement) Matches(v semver.Version) bool {
	if r.min != nil {
		return v.Major == r.min.Major && v.GE(*r.min)
	}
	if r.rng != nil {
		return r.rng(v)
	}
	return false
}

// String returns the original requirement expression.
func (r Requirement) String() string {
	return r.raw
}
