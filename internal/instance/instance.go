// Package instance owns the sandboxed extension instances: one isolated VM
// per activation, a serialized lifecycle state machine, and the cleanup path
// that guarantees no command or capability handle ever references a dead
// instance.
package instance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	lua "github.com/yuin/gopher-lua"
	"github.com/rs/zerolog"

	"github.com/dshills/exthost/internal/capability"
	"github.com/dshills/exthost/internal/dispatch"
	"github.com/dshills/exthost/internal/events"
	"github.com/dshills/exthost/internal/manifest"
	"github.com/dshills/exthost/internal/sandbox"
)

// Instance errors.
var (
	// ErrActivationFailed is returned when the activation entry point fails
	// or times out; the instance unwinds to Unloaded.
	ErrActivationFailed = errors.New("instance: activation failed")

	// ErrResourceLimitExceeded is raised when an instance breaches a resource
	// ceiling; cleanup is identical to an explicit unload.
	ErrResourceLimitExceeded = errors.New("instance: resource limit exceeded")

	// ErrNotFound is returned when no instance exists for the name.
	ErrNotFound = errors.New("instance: not found")

	// ErrAlreadyLoaded is returned when the extension already has a live
	// instance.
	ErrAlreadyLoaded = errors.New("instance: extension already loaded")
)

// Status is the lifecycle state of an instance.
type Status int32

// Lifecycle states. Unloaded is both the initial and the terminal state.
const (
	StatusUnloaded Status = iota
	StatusActivating
	StatusActive
	StatusDeactivating
)

// String returns a string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusUnloaded:
		return "unloaded"
	case StatusActivating:
		return "activating"
	case StatusActive:
		return "active"
	case StatusDeactivating:
		return "deactivating"
	default:
		return "unknown"
	}
}

// Entry point names looked up in the extension's globals.
const (
	entryActivate      = "activate"
	entryDeactivate    = "deactivate"
	entryHandleCommand = "handle_command"
	entryOnEvent       = "on_event"
)

// Instance is one loaded, isolated extension bound to a capability grant.
// Exactly one instance exists per activated extension.
type Instance struct {
	id       string
	manifest *manifest.Manifest
	grant    *capability.Grant

	vm   *sandbox.VM
	exec *sandbox.Executor
	caps *capability.Set

	status atomic.Int32

	// teardown collapses concurrent unload requests into one.
	teardownOnce sync.Once
	teardownDone chan struct{}

	// onFault is set by the manager; fired at most once when the VM becomes
	// unusable (a preempted call cannot be reentered).
	onFault   func(err error)
	faultOnce sync.Once

	// callCancel preempts the dispatch currently executing in the VM, if
	// any. Unload fires it so in-flight callers are not left waiting on a
	// handler that outlives the instance.
	callMu     sync.Mutex
	callCancel context.CancelFunc

	limits Limits
	log    zerolog.Logger
}

// newInstance allocates an instance in the Unloaded state. The manager
// drives it through the lifecycle.
func newInstance(m *manifest.Manifest, grant *capability.Grant, limits Limits, log zerolog.Logger) *Instance {
	inst := &Instance{
		id:           uuid.NewString(),
		manifest:     m,
		grant:        grant,
		limits:       limits,
		teardownDone: make(chan struct{}),
		log:          log.With().Str("extension", m.Name).Logger(),
	}
	inst.status.Store(int32(StatusUnloaded))
	return inst
}

// ID returns the instance identifier.
func (i *Instance) ID() string {
	return i.id
}

// Name returns the extension name.
func (i *Instance) Name() string {
	return i.manifest.Name
}

// Manifest returns the immutable manifest the instance was loaded from.
func (i *Instance) Manifest() *manifest.Manifest {
	return i.manifest
}

// Grant returns the capability grant the instance was authorized with.
func (i *Instance) Grant() *capability.Grant {
	return i.grant
}

// Status returns the current lifecycle state.
func (i *Instance) Status() Status {
	return Status(i.status.Load())
}

// Active reports whether the instance is in the Active state.
// Implements dispatch.Owner.
func (i *Instance) Active() bool {
	return i.Status() == StatusActive
}

// Receptive reports whether broadcast events may be delivered right now.
// Implements events.Target.
func (i *Instance) Receptive() bool {
	return i.Status() == StatusActive
}

// Capabilities returns the bound handle set. Nil before load.
func (i *Instance) Capabilities() *capability.Set {
	return i.caps
}

// InvokeCommand forwards a dispatch into the extension's handle_command
// entry point. Serialized per instance by the executor; implements
// dispatch.Owner.
//
// The handler follows the Lua convention: return a value on success, or
// (nil, message) / error(message) on failure.
func (i *Instance) InvokeCommand(ctx context.Context, commandID string, args []any) (any, error) {
	if !i.Active() {
		return nil, dispatch.ErrInstanceNotActive
	}

	var result any
	err := i.exec.Execute(ctx, func(vm *sandbox.VM) error {
		cctx, cancel := context.WithCancel(ctx)
		i.setCallCancel(cancel)
		defer func() {
			i.setCallCancel(nil)
			cancel()
		}()

		// Unload may have won the race while this task was queued. Checked
		// after the cancel hook is in place: an unload that transitioned
		// first is seen here, one that transitions later finds the hook.
		if !i.Active() {
			return dispatch.ErrInstanceNotActive
		}

		L := vm.State()
		callArgs := []lua.LValue{
			lua.LString(commandID),
			sandbox.ToLua(L, args),
		}

		results, err := vm.Call(cctx, entryHandleCommand, callArgs...)
		if err != nil {
			return err
		}

		if len(results) >= 2 {
			if msg, ok := results[1].(lua.LString); ok {
				return errors.New(string(msg))
			}
		}
		result = sandbox.FirstResult(results)
		return nil
	})
	if err != nil {
		if errors.Is(err, sandbox.ErrExecutorClosed) {
			return nil, dispatch.ErrInstanceNotActive
		}
		if errors.Is(err, sandbox.ErrPreempted) {
			if !i.Active() {
				// Unload cancelled the handler mid-call; the caller sees
				// the instance going away, not a timeout.
				return nil, dispatch.ErrInstanceNotActive
			}
			// The VM was preempted mid-call and cannot be reentered.
			i.fault(err)
		}
		return nil, err
	}

	return result, nil
}

// fault reports the instance as unusable, at most once. The manager reacts
// by force-unloading it.
func (i *Instance) fault(err error) {
	i.faultOnce.Do(func() {
		if i.onFault != nil {
			i.onFault(err)
		}
	})
}

// setCallCancel records the cancel func of the dispatch executing right now.
func (i *Instance) setCallCancel(cancel context.CancelFunc) {
	i.callMu.Lock()
	i.callCancel = cancel
	i.callMu.Unlock()
}

// cancelInFlight preempts the dispatch currently running in the VM, if any.
// Called by the manager once the instance has left Active.
func (i *Instance) cancelInFlight() {
	i.callMu.Lock()
	if i.callCancel != nil {
		i.callCancel()
	}
	i.callMu.Unlock()
}

// DeliverEvent marshals one event onto the instance's executor. Implements
// events.Target. Lifecycle events drive the entry points; other events reach
// the optional on_event handler only while the instance is Active.
func (i *Instance) DeliverEvent(ctx context.Context, ev events.Event) error {
	switch ev.Type {
	case events.TypeActivation:
		return i.callActivate(ctx, ev)
	case events.TypeDeactivation:
		return i.callDeactivate(ctx)
	default:
		return i.callOnEvent(ctx, ev)
	}
}

// callActivate invokes the activate entry point. The activation event is
// delivered after capability handles are injected and before the instance is
// marked Active, so the handler can rely on capabilities being present.
func (i *Instance) callActivate(ctx context.Context, ev events.Event) error {
	return i.exec.Execute(ctx, func(vm *sandbox.VM) error {
		if !vm.HasGlobalFunc(entryActivate) {
			return nil // activation entry point is optional
		}

		L := vm.State()
		payload := map[string]any{
			"id":        ev.ID,
			"type":      string(ev.Type),
			"extension": i.manifest.Name,
		}
		for k, v := range ev.Payload {
			payload[k] = v
		}

		results, err := vm.Call(ctx, entryActivate, sandbox.ToLua(L, payload))
		if err != nil {
			return err
		}
		// Result<(), string>: a returned string is a failure message.
		if len(results) >= 1 {
			if msg, ok := results[0].(lua.LString); ok && msg != "" {
				return errors.New(string(msg))
			}
		}
		return nil
	})
}

// callDeactivate invokes the deactivate entry point, best-effort.
func (i *Instance) callDeactivate(ctx context.Context) error {
	return i.exec.Execute(ctx, func(vm *sandbox.VM) error {
		if !vm.HasGlobalFunc(entryDeactivate) {
			return nil
		}
		_, err := vm.Call(ctx, entryDeactivate)
		return err
	})
}

// callOnEvent invokes the optional on_event handler for broadcast events.
func (i *Instance) callOnEvent(ctx context.Context, ev events.Event) error {
	if !i.Receptive() {
		return nil // dropped: never delivered while transitioning
	}

	return i.exec.Execute(ctx, func(vm *sandbox.VM) error {
		if !i.Receptive() {
			return nil
		}
		if !vm.HasGlobalFunc(entryOnEvent) {
			return nil
		}

		L := vm.State()
		_, err := vm.Call(ctx, entryOnEvent,
			lua.LString(ev.Type),
			sandbox.ToLua(L, ev.Payload),
		)
		return err
	})
}

// transition moves the state machine, enforcing legal edges.
func (i *Instance) transition(from, to Status) bool {
	return i.status.CompareAndSwap(int32(from), int32(to))
}

// Stats is a point-in-time view of an instance for the admin surface.
type Stats struct {
	ID           string   `json:"id"`
	Extension    string   `json:"extension"`
	Version      string   `json:"version"`
	Status       string   `json:"status"`
	Capabilities []string `json:"capabilities"`
}

// Stats returns runtime statistics for the instance.
func (i *Instance) Stats() Stats {
	return Stats{
		ID:           i.id,
		Extension:    i.manifest.Name,
		Version:      i.manifest.Version,
		Status:       i.Status().String(),
		Capabilities: i.grant.Capabilities(),
	}
}

// String returns a short description.
func (i *Instance) String() string {
	return fmt.Sprintf("%s (%s)", i.manifest.Name, i.Status())
}
