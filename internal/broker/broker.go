// Package broker authorizes extension manifests against the interface
// registry. Authorization is a read-only resolution step: it either produces
// an immutable capability grant listing exactly the interface bindings the
// instance may receive, or it fails before any instance exists.
package broker

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/dshills/exthost/internal/capability"
	"github.com/dshills/exthost/internal/manifest"
	"github.com/dshills/exthost/internal/registry"
)

// Authorization errors.
var (
	// ErrUnknownCapability is returned when a manifest imports a capability
	// the registry has no interface for.
	ErrUnknownCapability = errors.New("broker: unknown capability")

	// ErrIncompatibleVersion is returned when the capability exists but no
	// registered version satisfies the manifest's requirement.
	ErrIncompatibleVersion = errors.New("broker: incompatible capability version")
)

// Broker resolves manifest imports into capability grants.
type Broker struct {
	registry *registry.Registry
	log      zerolog.Logger
}

// Option configures a Broker.
type Option func(*Broker)

// WithLogger sets the broker logger.
func WithLogger(log zerolog.Logger) Option {
	return func(b *Broker) {
		b.log = log
	}
}

// New creates a broker over the given registry.
func New(reg *registry.Registry, opts ...Option) *Broker {
	b := &Broker{
		registry: reg,
		log:      zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Authorize resolves every capability the manifest imports. On success it
// returns an immutable grant; on failure the error names the offending
// capability. Side effects: none beyond registry lookups.
func (b *Broker) Authorize(m *manifest.Manifest) (*capability.Grant, error) {
	if m == nil {
		return nil, errors.New("broker: manifest is nil")
	}

	bindings := make(map[string]registry.Schema, len(m.Imports))
	for _, imp := range m.Imports {
		req := imp.Version
		if req == "" {
			req = registry.HostInterfaceVersion
		}

		schema, err := b.registry.Resolve(imp.Capability, req)
		if err != nil {
			switch {
			case errors.Is(err, registry.ErrUnknownInterface):
				b.log.Warn().
					Str("extension", m.Name).
					Str("capability", imp.Capability).
					Msg("authorization denied: unknown capability")
				return nil, fmt.Errorf("%w: %s", ErrUnknownCapability, imp.Capability)
			case errors.Is(err, registry.ErrNoCompatibleVersion):
				b.log.Warn().
					Str("extension", m.Name).
					Str("capability", imp.Capability).
					Str("requirement", req).
					Msg("authorization denied: incompatible version")
				return nil, fmt.Errorf("%w: %s@%s", ErrIncompatibleVersion, imp.Capability, req)
			default:
				return nil, fmt.Errorf("broker: resolving %s: %w", imp.Capability, err)
			}
		}

		bindings[imp.Capability] = schema
	}

	grant := capability.NewGrant(m.Name, bindings)
	b.log.Debug().
		Str("extension", m.Name).
		Strs("capabilities", grant.Capabilities()).
		Msg("manifest authorized")
	return grant, nil
}
