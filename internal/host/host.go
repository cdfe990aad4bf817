// Package host assembles the extension host: interface registry, capability
// broker, sandbox instance manager, command dispatch table and event router,
// behind one facade the daemon and the admin surface talk to.
package host

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/dshills/exthost/internal/broker"
	"github.com/dshills/exthost/internal/capability"
	"github.com/dshills/exthost/internal/dispatch"
	"github.com/dshills/exthost/internal/events"
	"github.com/dshills/exthost/internal/instance"
	"github.com/dshills/exthost/internal/manifest"
	"github.com/dshills/exthost/internal/registry"
)

// Host is the assembled extension host runtime.
type Host struct {
	log    zerolog.Logger
	closed atomic.Bool

	registry *registry.Registry
	broker   *broker.Broker
	table    *dispatch.Table
	router   *events.Router
	manager  *instance.Manager
	loader   *manifest.Loader
}

// config collects everything Options may set before assembly.
type config struct {
	log           zerolog.Logger
	transport     capability.Transport
	limits        instance.Limits
	searchPaths   []string
	metrics       prometheus.Registerer
	memoryCeiling uint64
	memoryPoll    time.Duration
	poolSize      int
}

// Option configures the host.
type Option func(*config)

// WithLogger sets the host logger. Components receive scoped children.
func WithLogger(log zerolog.Logger) Option {
	return func(c *config) {
		c.log = log
	}
}

// WithNotificationWriter directs extension notifications to w as JSON lines.
func WithNotificationWriter(w io.Writer) Option {
	return func(c *config) {
		c.transport = capability.NewWriterTransport(w)
	}
}

// WithTransport sets the notification transport directly.
func WithTransport(t capability.Transport) Option {
	return func(c *config) {
		c.transport = t
	}
}

// WithLimits overrides the per-instance resource ceilings.
func WithLimits(l instance.Limits) Option {
	return func(c *config) {
		c.limits = l
	}
}

// WithSearchPaths sets the extension discovery directories.
func WithSearchPaths(paths ...string) Option {
	return func(c *config) {
		c.searchPaths = paths
	}
}

// WithMetrics registers host metrics with the given registerer.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(c *config) {
		c.metrics = reg
	}
}

// WithMemoryCeiling bounds the process's resident memory. On breach the
// newest instance is force-unloaded.
func WithMemoryCeiling(bytes uint64, poll time.Duration) Option {
	return func(c *config) {
		c.memoryCeiling = bytes
		c.memoryPoll = poll
	}
}

// WithEventPoolSize sets the broadcast drain pool size.
func WithEventPoolSize(n int) Option {
	return func(c *config) {
		c.poolSize = n
	}
}

// New assembles a host. The interface registry starts with the built-in
// host interfaces registered at their published version.
func New(opts ...Option) (*Host, error) {
	cfg := &config{
		log:       zerolog.Nop(),
		transport: capability.NewWriterTransport(os.Stdout),
		limits:    instance.DefaultLimits(),
	}

	for _, opt := range opts {
		opt(cfg)
	}

	reg := registry.Default()

	tableOpts := []dispatch.TableOption{
		dispatch.WithLogger(cfg.log.With().Str("component", "dispatch").Logger()),
	}
	if cfg.metrics != nil {
		tableOpts = append(tableOpts, dispatch.WithMetrics(cfg.metrics))
	}
	table := dispatch.NewTable(tableOpts...)

	router, err := events.NewRouter(cfg.poolSize,
		events.WithLogger(cfg.log.With().Str("component", "events").Logger()),
	)
	if err != nil {
		return nil, fmt.Errorf("host: event router: %w", err)
	}

	binder := capability.NewBinder(
		cfg.log.With().Str("component", "extension").Logger(),
		cfg.transport,
		table,
	)

	mgrOpts := []instance.ManagerOption{
		instance.WithLimits(cfg.limits),
		instance.WithLogger(cfg.log.With().Str("component", "instance").Logger()),
	}
	if cfg.metrics != nil {
		mgrOpts = append(mgrOpts, instance.WithMetrics(cfg.metrics))
	}
	if cfg.memoryCeiling > 0 {
		mgrOpts = append(mgrOpts, instance.WithMemoryCeiling(cfg.memoryCeiling, cfg.memoryPoll))
	}
	manager := instance.NewManager(binder, table, router, mgrOpts...)

	loaderOpts := []manifest.LoaderOption{}
	if len(cfg.searchPaths) > 0 {
		loaderOpts = append(loaderOpts, manifest.WithPaths(cfg.searchPaths...))
	}

	return &Host{
		log:      cfg.log,
		registry: reg,
		broker:   broker.New(reg, broker.WithLogger(cfg.log.With().Str("component", "broker").Logger())),
		table:    table,
		router:   router,
		manager:  manager,
		loader:   manifest.NewLoader(loaderOpts...),
	}, nil
}

// Registry exposes the interface registry, for hosts that publish
// additional interfaces before loading extensions.
func (h *Host) Registry() *registry.Registry {
	return h.registry
}

// Discover scans the search paths for installed extensions. Broken
// manifests are reported, not skipped silently.
func (h *Host) Discover() ([]*manifest.ExtensionInfo, error) {
	return h.loader.Discover()
}

// LoadExtension authorizes and activates the extension rooted at dir.
// The directory must contain a manifest file.
func (h *Host) LoadExtension(ctx context.Context, dir string) (*instance.Instance, error) {
	mf, err := manifest.LoadDir(dir)
	if err != nil {
		return nil, err
	}
	return h.loadManifest(ctx, mf)
}

// LoadExtensionByName discovers the named extension on the search paths and
// activates it.
func (h *Host) LoadExtensionByName(ctx context.Context, name string) (*instance.Instance, error) {
	info, ok := h.loader.Find(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", instance.ErrNotFound, name)
	}
	if info.Err != nil {
		return nil, info.Err
	}
	return h.loadManifest(ctx, info.Manifest)
}

// loadManifest runs the authorize-then-activate sequence. Authorization
// failures surface before any instance exists.
func (h *Host) loadManifest(ctx context.Context, mf *manifest.Manifest) (*instance.Instance, error) {
	grant, err := h.broker.Authorize(mf)
	if err != nil {
		return nil, err
	}
	return h.manager.Load(ctx, mf, grant)
}

// UnloadExtension deactivates and removes the named extension.
func (h *Host) UnloadExtension(ctx context.Context, name string) error {
	return h.manager.Unload(ctx, name)
}

// ExecuteCommand dispatches a command to the owning instance.
func (h *Host) ExecuteCommand(ctx context.Context, commandID string, args []any) (any, error) {
	return h.table.Dispatch(ctx, commandID, args)
}

// Commands returns every registered command definition.
func (h *Host) Commands() []dispatch.Definition {
	return h.table.List()
}

// Instances returns stats for every live instance.
func (h *Host) Instances() []instance.Stats {
	return h.manager.List()
}

// Instance returns the live instance for an extension name.
func (h *Host) Instance(name string) (*instance.Instance, error) {
	return h.manager.Get(name)
}

// BroadcastConfigChange notifies every active instance that host
// configuration changed. Delivery is at most once per instance.
func (h *Host) BroadcastConfigChange(settings map[string]any) {
	h.router.Broadcast(events.NewEvent(events.TypeConfigChanged, settings))
}

// Broadcast sends an arbitrary event to every active instance.
func (h *Host) Broadcast(t events.Type, payload map[string]any) {
	h.router.Broadcast(events.NewEvent(t, payload))
}

// Closed reports whether Close has run. A closed host accepts no more work.
func (h *Host) Closed() bool {
	return h.closed.Load()
}

// Close unloads every extension and releases the router.
func (h *Host) Close(ctx context.Context) {
	if !h.closed.CompareAndSwap(false, true) {
		return
	}
	h.manager.Close(ctx)
	h.router.Close()
	h.log.Info().Msg("extension host stopped")
}
