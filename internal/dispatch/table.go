// Package dispatch owns the process-wide command table: one authoritative
// mapping from command identifier to the extension instance that registered
// it. All ownership checks live here rather than in the instances.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Dispatch errors.
var (
	// ErrDuplicateCommand is returned when the identifier is already owned by
	// a live instance.
	ErrDuplicateCommand = errors.New("dispatch: command already registered")

	// ErrUnknownCommand is returned when no instance owns the identifier.
	ErrUnknownCommand = errors.New("dispatch: unknown command")

	// ErrInstanceNotActive is returned when the owning instance is not in the
	// Active state, including mid-deactivation.
	ErrInstanceNotActive = errors.New("dispatch: instance not active")

	// ErrTimeout is returned when a dispatch exceeds its deadline.
	ErrTimeout = errors.New("dispatch: timeout")
)

// HandlerError carries a failure message produced by an extension's command
// handler. Handler failures are always values, never panics.
type HandlerError struct {
	CommandID string
	Message   string
}

// Error implements the error interface.
func (e *HandlerError) Error() string {
	return fmt.Sprintf("command %q handler error: %s", e.CommandID, e.Message)
}

// Definition describes a registered command.
type Definition struct {
	ID       string `json:"id"`       // Globally unique per running host
	Title    string `json:"title"`    // Display title
	Category string `json:"category"` // Optional category
	Icon     string `json:"icon"`     // Optional icon reference
}

// Validate checks required fields.
func (d Definition) Validate() error {
	if d.ID == "" {
		return errors.New("dispatch: command id is required")
	}
	if d.Title == "" {
		return fmt.Errorf("dispatch: command %q title is required", d.ID)
	}
	return nil
}

// Owner is the view of an extension instance the table needs: identity,
// liveness, and a serialized entry point into its command handler.
type Owner interface {
	// ID returns the instance identifier.
	ID() string

	// Active reports whether the instance is in the Active state.
	Active() bool

	// InvokeCommand forwards a dispatch into the instance's handle_command
	// entry point. The call is serialized per instance by the implementation.
	InvokeCommand(ctx context.Context, commandID string, args []any) (any, error)
}

// registration pairs a definition with its owning instance.
type registration struct {
	def   Definition
	owner Owner
}

// Table is the process-wide command dispatch table. Safe for concurrent use;
// registrations for the same identifier are serialized per key.
type Table struct {
	commands cmap.ConcurrentMap[string, *registration]
	log      zerolog.Logger

	dispatches *prometheus.CounterVec
}

// TableOption configures a Table.
type TableOption func(*Table)

// WithLogger sets the table logger.
func WithLogger(log zerolog.Logger) TableOption {
	return func(t *Table) {
		t.log = log
	}
}

// WithMetrics registers dispatch counters with the given registerer.
func WithMetrics(reg prometheus.Registerer) TableOption {
	return func(t *Table) {
		t.dispatches = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exthost_command_dispatches_total",
			Help: "Command dispatches by outcome.",
		}, []string{"outcome"})
		reg.MustRegister(t.dispatches)
	}
}

// NewTable creates an empty dispatch table.
func NewTable(opts ...TableOption) *Table {
	t := &Table{
		commands: cmap.New[*registration](),
		log:      zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// Register records ownership of a command identifier. Returns
// ErrDuplicateCommand if the identifier is already owned by a live instance.
func (t *Table) Register(owner Owner, def Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	if owner == nil {
		return errors.New("dispatch: owner is required")
	}

	reg := &registration{def: def, owner: owner}
	if !t.commands.SetIfAbsent(def.ID, reg) {
		t.log.Warn().
			Str("command", def.ID).
			Str("instance", owner.ID()).
			Msg("rejected duplicate command registration")
		return fmt.Errorf("%w: %s", ErrDuplicateCommand, def.ID)
	}

	t.log.Debug().
		Str("command", def.ID).
		Str("instance", owner.ID()).
		Msg("command registered")
	return nil
}

// Unregister removes a single command owned by the given instance.
// Returns true if the command existed and was owned by that instance.
func (t *Table) Unregister(instanceID, commandID string) bool {
	removed := false
	t.commands.RemoveCb(commandID, func(_ string, reg *registration, exists bool) bool {
		if !exists || reg.owner.ID() != instanceID {
			return false
		}
		removed = true
		return true
	})
	return removed
}

// UnregisterAll removes every command owned by the instance and returns how
// many were removed. Used during unload.
func (t *Table) UnregisterAll(instanceID string) int {
	var ids []string
	t.commands.IterCb(func(id string, reg *registration) {
		if reg.owner.ID() == instanceID {
			ids = append(ids, id)
		}
	})

	removed := 0
	for _, id := range ids {
		if t.Unregister(instanceID, id) {
			removed++
		}
	}

	if removed > 0 {
		t.log.Debug().
			Str("instance", instanceID).
			Int("count", removed).
			Msg("commands unregistered")
	}
	return removed
}

// Dispatch looks up the owning instance and forwards the call to its
// handler. The result is the handler's return value, possibly nil.
func (t *Table) Dispatch(ctx context.Context, commandID string, args []any) (any, error) {
	reg, ok := t.commands.Get(commandID)
	if !ok {
		t.count("unknown")
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, commandID)
	}

	if !reg.owner.Active() {
		t.count("not_active")
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotActive, commandID)
	}

	result, err := reg.owner.InvokeCommand(ctx, commandID, args)
	if err != nil {
		switch {
		case errors.Is(err, ErrInstanceNotActive):
			t.count("not_active")
			return nil, err
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrTimeout):
			t.count("timeout")
			return nil, fmt.Errorf("%w: %s", ErrTimeout, commandID)
		default:
			t.count("handler_error")
			return nil, &HandlerError{CommandID: commandID, Message: err.Error()}
		}
	}

	t.count("ok")
	return result, nil
}

// Get returns the definition for a command identifier.
func (t *Table) Get(commandID string) (Definition, bool) {
	reg, ok := t.commands.Get(commandID)
	if !ok {
		return Definition{}, false
	}
	return reg.def, true
}

// OwnerOf returns the instance ID owning a command identifier.
func (t *Table) OwnerOf(commandID string) (string, bool) {
	reg, ok := t.commands.Get(commandID)
	if !ok {
		return "", false
	}
	return reg.owner.ID(), true
}

// List returns all registered definitions sorted by identifier.
func (t *Table) List() []Definition {
	defs := make([]Definition, 0, t.commands.Count())
	t.commands.IterCb(func(_ string, reg *registration) {
		defs = append(defs, reg.def)
	})
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs
}

// ListByOwner returns the definitions owned by one instance, sorted by
// identifier.
func (t *Table) ListByOwner(instanceID string) []Definition {
	var defs []Definition
	t.commands.IterCb(func(_ string, reg *registration) {
		if reg.owner.ID() == instanceID {
			defs = append(defs, reg.def)
		}
	})
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs
}

// Count returns the number of registered commands.
func (t *Table) Count() int {
	return t.commands.Count()
}

func (t *Table) count(outcome string) {
	if t.dispatches != nil {
		t.dispatches.WithLabelValues(outcome).Inc()
	}
}
