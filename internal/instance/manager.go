package instance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/dshills/exthost/internal/capability"
	"github.com/dshills/exthost/internal/dispatch"
	"github.com/dshills/exthost/internal/events"
	"github.com/dshills/exthost/internal/manifest"
	"github.com/dshills/exthost/internal/sandbox"
)

// Manager owns every live instance and drives the lifecycle state machine:
// Unloaded, Activating, Active, Deactivating, Unloaded. All transitions go
// through the manager so the ordering guarantees hold: handles are injected
// before the activation event, the deactivation event precedes revocation,
// and a failed activation unwinds completely.
type Manager struct {
	mu        sync.Mutex
	instances map[string]*Instance
	order     []string // load order, oldest first

	binder *capability.Binder
	table  *dispatch.Table
	router *events.Router

	limits Limits
	log    zerolog.Logger

	watchdog *Watchdog
	active   prometheus.Gauge
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLimits overrides the default resource ceilings.
func WithLimits(l Limits) ManagerOption {
	return func(m *Manager) {
		m.limits = l
	}
}

// WithLogger sets the manager logger.
func WithLogger(log zerolog.Logger) ManagerOption {
	return func(m *Manager) {
		m.log = log
	}
}

// WithMetrics registers instance gauges with the given registerer.
func WithMetrics(reg prometheus.Registerer) ManagerOption {
	return func(m *Manager) {
		m.active = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "exthost_instances_active",
			Help: "Number of loaded extension instances.",
		})
		reg.MustRegister(m.active)
	}
}

// WithMemoryCeiling starts a process-memory watchdog. When resident memory
// crosses the ceiling, the most recently loaded instance is force-unloaded
// and the breach is logged with ErrResourceLimitExceeded.
func WithMemoryCeiling(bytes uint64, interval time.Duration) ManagerOption {
	return func(m *Manager) {
		wd, err := NewWatchdog(bytes, interval, m.onMemoryBreach, m.log)
		if err != nil {
			m.log.Error().Err(err).Msg("memory watchdog unavailable")
			return
		}
		m.watchdog = wd
		wd.Start()
	}
}

// NewManager creates a manager over the shared host components.
func NewManager(binder *capability.Binder, table *dispatch.Table, router *events.Router, opts ...ManagerOption) *Manager {
	m := &Manager{
		instances: make(map[string]*Instance),
		binder:    binder,
		table:     table,
		router:    router,
		limits:    DefaultLimits(),
		log:       zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Load creates, sandboxes and activates one instance for the manifest under
// the given grant. On any failure the partial instance is torn down and
// ErrActivationFailed is returned; no handle, command or router registration
// survives a failed load.
func (m *Manager) Load(ctx context.Context, mf *manifest.Manifest, grant *capability.Grant) (*Instance, error) {
	m.mu.Lock()
	if _, exists := m.instances[mf.Name]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyLoaded, mf.Name)
	}

	inst := newInstance(mf, grant, m.limits, m.log)
	inst.onFault = func(err error) {
		go m.faultUnload(inst, err)
	}
	m.instances[mf.Name] = inst
	m.order = append(m.order, mf.Name)
	m.mu.Unlock()

	if err := m.activate(ctx, inst); err != nil {
		m.remove(mf.Name)
		inst.log.Warn().Err(err).Msg("activation failed")
		return nil, fmt.Errorf("%w: %s: %v", ErrActivationFailed, mf.Name, err)
	}

	if m.active != nil {
		m.active.Inc()
	}
	inst.log.Info().
		Str("version", mf.Version).
		Strs("capabilities", grant.Capabilities()).
		Msg("extension activated")
	return inst, nil
}

// activate drives the Unloaded to Active path. Ordering matters here:
// the VM is built and locked down, capability handles are bound and the
// host module injected, the instance becomes a router target, the entry
// script runs, the activation event is delivered, and only then does the
// instance become Active. Broadcast events cannot reach it before that.
func (m *Manager) activate(ctx context.Context, inst *Instance) error {
	if !inst.transition(StatusUnloaded, StatusActivating) {
		return fmt.Errorf("illegal transition from %s", inst.Status())
	}

	ctx, cancel := context.WithTimeout(ctx, inst.limits.ActivationTimeout)
	defer cancel()

	inst.vm = sandbox.New(
		sandbox.WithRegistryMaxSize(inst.limits.RegistryMaxSize),
		sandbox.WithCallTimeout(inst.limits.CallTimeout),
	)
	inst.exec = sandbox.NewExecutor(inst.vm, inst.limits.EventQueueSize)
	inst.caps = m.binder.Bind(inst.grant, inst)
	installHostModule(inst.vm, inst)

	m.router.Register(inst)

	err := inst.exec.Execute(ctx, func(vm *sandbox.VM) error {
		return vm.DoFile(ctx, inst.manifest.EntryPath())
	})
	if err == nil {
		ev := events.NewEvent(events.TypeActivation, nil)
		err = m.router.Deliver(ctx, inst.id, ev)
	}
	if err != nil {
		m.teardown(inst, false)
		return err
	}

	if !inst.transition(StatusActivating, StatusActive) {
		m.teardown(inst, false)
		return errors.New("instance state changed during activation")
	}
	return nil
}

// Unload deactivates and removes the named instance. Safe to call
// concurrently: every caller observes the same single teardown, and all of
// them return only after it finished.
func (m *Manager) Unload(ctx context.Context, name string) error {
	m.mu.Lock()
	inst, ok := m.instances[name]
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	m.unloadInstance(ctx, inst)
	m.remove(name)
	return nil
}

// unloadInstance runs the Deactivating path exactly once per instance.
// Concurrent callers block on the shared done channel.
func (m *Manager) unloadInstance(ctx context.Context, inst *Instance) {
	inst.teardownOnce.Do(func() {
		defer close(inst.teardownDone)

		wasActive := inst.transition(StatusActive, StatusDeactivating)
		if !wasActive {
			// Activation never completed or already unwinding; skip the
			// deactivate entry point and just reclaim resources.
			m.teardown(inst, true)
			return
		}

		// A dispatch executing in the VM right now is preempted so its
		// caller gets ErrInstanceNotActive instead of the handler's result.
		inst.cancelInFlight()

		// Deactivation event goes out before anything is revoked, so the
		// handler can still use its capabilities for cleanup. Best effort:
		// a failing or slow handler does not block the unload.
		dctx, cancel := context.WithTimeout(ctx, inst.limits.DeactivationTimeout)
		ev := events.NewEvent(events.TypeDeactivation, nil)
		if err := m.router.Deliver(dctx, inst.id, ev); err != nil {
			inst.log.Warn().Err(err).Msg("deactivate handler failed")
		}
		cancel()

		m.teardown(inst, true)

		if m.active != nil {
			m.active.Dec()
		}
		inst.log.Info().Msg("extension unloaded")
	})
	<-inst.teardownDone
}

// teardown reclaims everything the instance holds, in revocation order:
// capability handles first so no in-flight host call survives, then its
// commands, then its router registration, then the executor and VM.
func (m *Manager) teardown(inst *Instance, markUnloaded bool) {
	if inst.caps != nil {
		inst.caps.RevokeAll()
	}
	m.table.UnregisterAll(inst.id)
	m.router.Unregister(inst.id)

	if inst.exec != nil {
		inst.exec.Close()
	}
	if inst.vm != nil {
		inst.vm.Close()
	}

	if markUnloaded {
		inst.status.Store(int32(StatusUnloaded))
	}
}

// remove drops the instance from the manager's bookkeeping.
func (m *Manager) remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.instances, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// faultUnload removes an instance whose VM became unusable. The unload path
// still runs in full so commands, handles and router registration go with it.
func (m *Manager) faultUnload(inst *Instance, cause error) {
	inst.log.Warn().Err(cause).Msg("force unloading faulted extension")

	ctx, cancel := context.WithTimeout(context.Background(), inst.limits.DeactivationTimeout)
	defer cancel()
	_ = m.Unload(ctx, inst.Name())
}

// onMemoryBreach force-unloads the most recently loaded instance. The
// newest load is the most likely cause of the pressure and the cheapest to
// sacrifice.
func (m *Manager) onMemoryBreach(rss uint64) {
	m.mu.Lock()
	var victim *Instance
	if n := len(m.order); n > 0 {
		victim = m.instances[m.order[n-1]]
	}
	m.mu.Unlock()

	if victim == nil {
		return
	}

	victim.log.Error().
		Uint64("rss", rss).
		Err(ErrResourceLimitExceeded).
		Msg("force unloading extension")

	ctx, cancel := context.WithTimeout(context.Background(), victim.limits.DeactivationTimeout)
	defer cancel()
	_ = m.Unload(ctx, victim.Name())
}

// Get returns the live instance for an extension name.
func (m *Manager) Get(name string) (*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return inst, nil
}

// List returns stats for every live instance in load order.
func (m *Manager) List() []Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Stats, 0, len(m.order))
	for _, name := range m.order {
		if inst, ok := m.instances[name]; ok {
			out = append(out, inst.Stats())
		}
	}
	return out
}

// Count returns the number of live instances.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.instances)
}

// UnloadAll unloads every instance in reverse load order.
func (m *Manager) UnloadAll(ctx context.Context) {
	m.mu.Lock()
	names := make([]string, len(m.order))
	copy(names, m.order)
	m.mu.Unlock()

	for i := len(names) - 1; i >= 0; i-- {
		_ = m.Unload(ctx, names[i])
	}
}

// Close stops the watchdog and unloads everything.
func (m *Manager) Close(ctx context.Context) {
	if m.watchdog != nil {
		m.watchdog.Stop()
	}
	m.UnloadAll(ctx)
}
