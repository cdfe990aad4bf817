// Package events routes host events to extension instances. Lifecycle
// events (activation, deactivation) are delivered directly at the points the
// instance manager dictates; host-wide events are broadcast to all receptive
// instances, at most once each, with per-instance ordering preserved through
// a mailbox drained on the instance's own executor.
package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"
)

// Type identifies an event kind.
type Type string

// Event types delivered by the host.
const (
	TypeActivation       Type = "activation"
	TypeDeactivation     Type = "deactivation"
	TypeConfigChanged    Type = "configuration_changed"
	TypeExtensionsChange Type = "extensions_changed"
)

// Event is one host event. The payload crosses the sandbox boundary by
// value.
type Event struct {
	ID      string
	Type    Type
	Payload map[string]any
	Time    time.Time
}

// NewEvent creates an event with a fresh identifier.
func NewEvent(t Type, payload map[string]any) Event {
	return Event{
		ID:      uuid.NewString(),
		Type:    t,
		Payload: payload,
		Time:    time.Now(),
	}
}

// Target is the view of an instance the router needs. Receptive reports
// whether the instance may receive broadcast events right now: Active, not
// mid-activation or mid-deactivation. DeliverEvent marshals the event onto
// the instance's executor.
type Target interface {
	ID() string
	Receptive() bool
	DeliverEvent(ctx context.Context, ev Event) error
}

// ErrUnknownTarget is returned when delivering to an unregistered instance.
var ErrUnknownTarget = errors.New("events: unknown target")

// defaultPoolSize bounds concurrent mailbox drains.
const defaultPoolSize = 8

// defaultDeliveryTimeout bounds one delivery into an instance.
const defaultDeliveryTimeout = 5 * time.Second

// mailbox is the per-instance ordered event queue. A single drain job runs
// at a time per mailbox, so deliveries to one instance never reorder.
type mailbox struct {
	target   Target
	events   *queue.Queue
	draining atomic.Bool
}

// Router fans host events out to instances.
type Router struct {
	mu      sync.RWMutex
	targets map[string]*mailbox

	pool    *ants.Pool
	log     zerolog.Logger
	timeout time.Duration
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the router logger.
func WithLogger(log zerolog.Logger) Option {
	return func(r *Router) {
		r.log = log
	}
}

// WithDeliveryTimeout bounds one delivery into an instance.
func WithDeliveryTimeout(d time.Duration) Option {
	return func(r *Router) {
		r.timeout = d
	}
}

// NewRouter creates a router with a drain pool of the given size.
func NewRouter(poolSize int, opts ...Option) (*Router, error) {
	if poolSize <= 0 {
		poolSize = defaultPoolSize
	}

	pool, err := ants.NewPool(poolSize, ants.WithNonblocking(true))
	if err != nil {
		return nil, err
	}

	r := &Router{
		targets: make(map[string]*mailbox),
		pool:    pool,
		log:     zerolog.Nop(),
		timeout: defaultDeliveryTimeout,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r, nil
}

// Register adds an instance as a broadcast target.
func (r *Router) Register(t Target) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.targets[t.ID()] = &mailbox{
		target: t,
		events: queue.New(16),
	}
}

// Unregister removes an instance and discards its pending events.
// Called during unload, after the deactivation event has been delivered.
func (r *Router) Unregister(id string) {
	r.mu.Lock()
	mb, ok := r.targets[id]
	if ok {
		delete(r.targets, id)
	}
	r.mu.Unlock()

	if ok {
		mb.events.Dispose()
	}
}

// Deliver sends one event directly to a single instance, synchronously.
// The instance manager uses this for lifecycle ordering: activation after
// handle injection and before Active, deactivation before revocation.
func (r *Router) Deliver(ctx context.Context, id string, ev Event) error {
	r.mu.RLock()
	mb, ok := r.targets[id]
	r.mu.RUnlock()

	if !ok {
		return ErrUnknownTarget
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	return mb.target.DeliverEvent(ctx, ev)
}

// Broadcast queues the event for every receptive instance. Each instance
// receives the event at most once; order across instances is unspecified.
func (r *Router) Broadcast(ev Event) {
	r.mu.RLock()
	boxes := make([]*mailbox, 0, len(r.targets))
	for _, mb := range r.targets {
		if mb.target.Receptive() {
			boxes = append(boxes, mb)
		}
	}
	r.mu.RUnlock()

	for _, mb := range boxes {
		if err := mb.events.Put(ev); err != nil {
			// Disposed mailbox: the instance is unloading.
			continue
		}
		r.scheduleDrain(mb)
	}

	r.log.Debug().
		Str("event", string(ev.Type)).
		Int("targets", len(boxes)).
		Msg("event broadcast")
}

// scheduleDrain submits a drain job for the mailbox unless one is already
// running.
func (r *Router) scheduleDrain(mb *mailbox) {
	if !mb.draining.CompareAndSwap(false, true) {
		return
	}

	submit := func() {
		r.drain(mb)
	}

	if err := r.pool.Submit(submit); err != nil {
		// Pool saturated or closed; drain inline rather than drop.
		submit()
	}
}

// drain delivers queued events one at a time, preserving per-instance order.
func (r *Router) drain(mb *mailbox) {
	for {
		for mb.events.Len() > 0 {
			items, err := mb.events.Get(1)
			if err != nil {
				mb.draining.Store(false)
				return // disposed
			}

			for _, item := range items {
				ev, ok := item.(Event)
				if !ok {
					continue
				}

				ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
				err := mb.target.DeliverEvent(ctx, ev)
				cancel()

				if err != nil {
					r.log.Warn().
						Str("instance", mb.target.ID()).
						Str("event", string(ev.Type)).
						Err(err).
						Msg("event delivery failed")
				}
			}
		}

		mb.draining.Store(false)

		// A Put racing the emptiness check above sees draining still set
		// and skips scheduling. Re-check and reclaim the drain so that
		// event is not stranded in the mailbox.
		if mb.events.Len() == 0 || !mb.draining.CompareAndSwap(false, true) {
			return
		}
	}
}

// Targets returns the registered instance IDs.
func (r *Router) Targets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.targets))
	for id := range r.targets {
		ids = append(ids, id)
	}
	return ids
}

// Close releases the drain pool. Pending mailboxes are discarded.
func (r *Router) Close() {
	r.mu.Lock()
	for id, mb := range r.targets {
		mb.events.Dispose()
		delete(r.targets, id)
	}
	r.mu.Unlock()

	r.pool.Release()
}
