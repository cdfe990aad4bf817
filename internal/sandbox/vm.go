// Package sandbox provides the isolated execution context an extension
// instance runs in: a gopher-lua VM with a restricted standard library, a
// bounded registry, and context-based call deadlines. The host shares no
// mutable memory with the VM; all interaction crosses the value bridge.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// Sandbox errors.
var (
	// ErrClosed is returned when operating on a closed VM.
	ErrClosed = errors.New("sandbox: vm closed")

	// ErrNotAFunction is returned when a named entry point exists but is not
	// callable.
	ErrNotAFunction = errors.New("sandbox: not a function")

	// ErrPreempted is returned when the interpreter was stopped mid-execution
	// by its context, either a deadline or a cancellation. The state cannot be
	// safely reentered; callers must discard the VM. The context's own error
	// is wrapped alongside so callers can tell the two apart.
	ErrPreempted = errors.New("sandbox: call preempted")
)

// Default VM limits.
const (
	// DefaultRegistryMaxSize bounds the Lua registry, which caps most of the
	// memory a runaway script can allocate inside the VM.
	DefaultRegistryMaxSize = 1024 * 64

	// DefaultCallTimeout bounds any single call into the VM.
	DefaultCallTimeout = 5 * time.Second
)

// VM wraps a gopher-lua state locked down for extension code.
//
// gopher-lua's LState is not goroutine-safe. A VM must only be driven from
// one goroutine; the instance Executor provides that serialization. The
// mutex here guards against misuse from host code, not Lua concurrency.
type VM struct {
	mu     sync.Mutex
	L      *lua.LState
	closed bool

	registryMaxSize int
	callTimeout     time.Duration
}

// Option configures a VM.
type Option func(*VM)

// WithRegistryMaxSize caps the Lua registry size (the VM's memory ceiling).
func WithRegistryMaxSize(n int) Option {
	return func(vm *VM) {
		vm.registryMaxSize = n
	}
}

// WithCallTimeout bounds individual calls into the VM when the caller's
// context carries no deadline of its own.
func WithCallTimeout(d time.Duration) Option {
	return func(vm *VM) {
		vm.callTimeout = d
	}
}

// New creates a locked-down VM.
func New(opts ...Option) *VM {
	vm := &VM{
		registryMaxSize: DefaultRegistryMaxSize,
		callTimeout:     DefaultCallTimeout,
	}

	for _, opt := range opts {
		opt(vm)
	}

	vm.L = lua.NewState(lua.Options{
		SkipOpenLibs:    true, // opened selectively below
		RegistryMaxSize: vm.registryMaxSize,
	})

	openSafeLibraries(vm.L)
	lockdown(vm.L)

	return vm
}

// openSafeLibraries opens only the Lua standard libraries safe for
// untrusted extension code. io, os and debug stay closed. The package
// library is opened for require() and module preloading; lockdown strips
// its filesystem loaders afterwards.
func openSafeLibraries(L *lua.LState) {
	lua.OpenBase(L)
	lua.OpenPackage(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
}

// DoFile loads and executes the extension's entry script.
func (vm *VM) DoFile(ctx context.Context, path string) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if vm.closed {
		return ErrClosed
	}

	return vm.withDeadline(ctx, func() error {
		return vm.L.DoFile(path)
	})
}

// HasGlobalFunc reports whether a global function with the name exists.
func (vm *VM) HasGlobalFunc(name string) bool {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if vm.closed {
		return false
	}

	v := vm.L.GetGlobal(name)
	return v.Type() == lua.LTFunction
}

// Call invokes a global function by name. The context deadline (or the VM's
// call timeout when the context has none) preempts runaway Lua code; a VM
// whose call was preempted must be discarded.
func (vm *VM) Call(ctx context.Context, fn string, args ...lua.LValue) ([]lua.LValue, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if vm.closed {
		return nil, ErrClosed
	}

	fnVal := vm.L.GetGlobal(fn)
	if fnVal == lua.LNil {
		return nil, fmt.Errorf("sandbox: function %q not found", fn)
	}
	if fnVal.Type() != lua.LTFunction {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotAFunction, fn, fnVal.Type())
	}

	stackTop := vm.L.GetTop()

	var results []lua.LValue
	err := vm.withDeadline(ctx, func() error {
		vm.L.Push(fnVal)
		for _, arg := range args {
			vm.L.Push(arg)
		}
		if err := vm.L.PCall(len(args), lua.MultRet, nil); err != nil {
			return err
		}

		nRet := vm.L.GetTop() - stackTop
		results = make([]lua.LValue, 0, nRet)
		for i := 0; i < nRet; i++ {
			results = append(results, vm.L.Get(stackTop+i+1))
		}
		vm.L.Pop(nRet)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return results, nil
}

// withDeadline runs fn with the VM's context set so the Lua interpreter is
// preempted at the deadline, and recovers panics into errors.
func (vm *VM) withDeadline(ctx context.Context, fn func() error) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok && vm.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, vm.callTimeout)
		defer cancel()
	}

	vm.L.SetContext(ctx)
	defer vm.L.RemoveContext()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sandbox: lua panic: %v", r)
		}
	}()

	err = fn()
	if err != nil && ctx.Err() != nil {
		return fmt.Errorf("%w: %w", ErrPreempted, ctx.Err())
	}
	return err
}

// PreloadModule registers a module resolvable through require(name).
// Used to inject the host capability surface.
func (vm *VM) PreloadModule(name string, loader lua.LGFunction) {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if vm.closed {
		return
	}

	vm.L.PreloadModule(name, loader)
}

// SetGlobal sets a global in the VM.
func (vm *VM) SetGlobal(name string, value lua.LValue) {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if vm.closed {
		return
	}

	vm.L.SetGlobal(name, value)
}

// State returns the underlying Lua state for bridge operations.
// Callers must hold the instance's executor serialization.
func (vm *VM) State() *lua.LState {
	return vm.L
}

// Closed reports whether the VM has been closed.
func (vm *VM) Closed() bool {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.closed
}

// Close releases the Lua state. Safe to call more than once.
func (vm *VM) Close() {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if vm.closed {
		return
	}

	vm.L.Close()
	vm.closed = true
}
