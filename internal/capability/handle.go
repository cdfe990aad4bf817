// Package capability models the narrow, revocable bindings through which an
// extension instance calls host-provided interfaces. A handle is granted at
// load time from an authorized capability grant and invalidated on unload;
// calls through a revoked handle fail rather than crash the host.
package capability

import (
	"errors"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/dshills/exthost/internal/registry"
)

// Capability errors.
var (
	// ErrRevoked is returned by any call through a handle after revocation.
	ErrRevoked = errors.New("capability: handle revoked")

	// ErrNotGranted is returned when asking for a handle outside the grant.
	ErrNotGranted = errors.New("capability: not granted")
)

// Grant is the immutable result of authorizing a manifest: exactly the set
// of interface bindings the instance may later receive handles for.
type Grant struct {
	extension string
	bindings  map[string]registry.Schema
}

// NewGrant creates a grant for an extension. The bindings map is copied.
func NewGrant(extension string, bindings map[string]registry.Schema) *Grant {
	b := make(map[string]registry.Schema, len(bindings))
	for name, schema := range bindings {
		b[name] = schema
	}
	return &Grant{extension: extension, bindings: b}
}

// Extension returns the extension name the grant was issued for.
func (g *Grant) Extension() string {
	return g.extension
}

// Has reports whether the capability is part of the grant.
func (g *Grant) Has(name string) bool {
	_, ok := g.bindings[name]
	return ok
}

// Schema returns the bound schema for a granted capability.
func (g *Grant) Schema(name string) (registry.Schema, bool) {
	s, ok := g.bindings[name]
	return s, ok
}

// Capabilities returns the granted capability names, sorted.
func (g *Grant) Capabilities() []string {
	names := make([]string, 0, len(g.bindings))
	for name := range g.bindings {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Handle is one revocable binding between an instance and a host interface.
type Handle struct {
	capability string
	schema     registry.Schema
	revoked    atomic.Bool
}

// newHandle creates a live handle for a bound schema.
func newHandle(capability string, schema registry.Schema) *Handle {
	return &Handle{capability: capability, schema: schema}
}

// Capability returns the capability name the handle is bound to.
func (h *Handle) Capability() string {
	return h.capability
}

// Schema returns the interface schema the handle was bound against.
func (h *Handle) Schema() registry.Schema {
	return h.schema
}

// Revoke invalidates the handle. Takes effect immediately for all callers.
func (h *Handle) Revoke() {
	h.revoked.Store(true)
}

// Revoked reports whether the handle has been revoked.
func (h *Handle) Revoked() bool {
	return h.revoked.Load()
}

// guard returns ErrRevoked once the handle is invalidated.
func (h *Handle) guard() error {
	if h.revoked.Load() {
		return fmt.Errorf("%w: %s", ErrRevoked, h.capability)
	}
	return nil
}
