package instance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/dshills/exthost/internal/broker"
	"github.com/dshills/exthost/internal/capability"
	"github.com/dshills/exthost/internal/dispatch"
	"github.com/dshills/exthost/internal/events"
	"github.com/dshills/exthost/internal/manifest"
	"github.com/dshills/exthost/internal/registry"
)

// recordingTransport collects notification frames for assertions.
type recordingTransport struct {
	mu     sync.Mutex
	frames []notificationFrame
	notify chan struct{}
}

type notificationFrame struct {
	Level   string `json:"level"`
	Source  string `json:"source"`
	Message string `json:"message"`
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{notify: make(chan struct{}, 64)}
}

func (r *recordingTransport) Send(_ context.Context, frame []byte) error {
	var f notificationFrame
	if err := json.Unmarshal(frame, &f); err != nil {
		return err
	}
	r.mu.Lock()
	r.frames = append(r.frames, f)
	r.mu.Unlock()
	r.notify <- struct{}{}
	return nil
}

func (r *recordingTransport) all() []notificationFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notificationFrame, len(r.frames))
	copy(out, r.frames)
	return out
}

func (r *recordingTransport) waitFor(t *testing.T, n int) []notificationFrame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if frames := r.all(); len(frames) >= n {
			return frames
		}
		select {
		case <-r.notify:
		case <-deadline:
			t.Fatalf("got %d notifications, want %d", len(r.all()), n)
		}
	}
}

// testHarness bundles the components a manager test needs.
type testHarness struct {
	manager   *Manager
	table     *dispatch.Table
	router    *events.Router
	broker    *broker.Broker
	transport *recordingTransport
}

func newHarness(t *testing.T, opts ...ManagerOption) *testHarness {
	t.Helper()

	transport := newRecordingTransport()
	table := dispatch.NewTable()
	router, err := events.NewRouter(4)
	if err != nil {
		t.Fatalf("NewRouter() error = %v", err)
	}
	binder := capability.NewBinder(zerolog.Nop(), transport, table)
	manager := NewManager(binder, table, router, opts...)

	t.Cleanup(func() {
		manager.Close(context.Background())
		router.Close()
	})

	return &testHarness{
		manager:   manager,
		table:     table,
		router:    router,
		broker:    broker.New(registry.Default()),
		transport: transport,
	}
}

// writeExtension creates an extension directory with a manifest and entry
// script and returns the loaded manifest.
func writeExtension(t *testing.T, name, luaCode string, caps ...string) *manifest.Manifest {
	t.Helper()

	dir := t.TempDir()

	imports := make([]map[string]string, 0, len(caps))
	for _, c := range caps {
		imports = append(imports, map[string]string{"capability": c, "version": "1.0.0"})
	}
	doc := map[string]any{
		"name":    name,
		"version": "1.0.0",
		"imports": imports,
		"exports": []string{"extension", "command-handler"},
	}
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, manifest.ManifestFile), data, 0644); err != nil {
		t.Fatalf("Failed to write manifest: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, manifest.DefaultEntry), []byte(luaCode), 0644); err != nil {
		t.Fatalf("Failed to write entry script: %v", err)
	}

	m, err := manifest.LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir() error = %v", err)
	}
	return m
}

// load authorizes and loads an extension, failing the test on error.
func (h *testHarness) load(t *testing.T, m *manifest.Manifest) *Instance {
	t.Helper()

	grant, err := h.broker.Authorize(m)
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	inst, err := h.manager.Load(context.Background(), m, grant)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return inst
}

const helloWorldLua = `
local host = require("host")

function activate(event)
	host.commands.register({id = "helloWorld.sayHello", title = "Say Hello"})
end

function handle_command(id, args)
	if id == "helloWorld.sayHello" then
		host.notify.show_info("Hello from Lua!")
		return nil
	end
	return nil, "unexpected command: " .. id
end
`

func TestLifecycle(t *testing.T) {
	h := newHarness(t)
	m := writeExtension(t, "hello-world", helloWorldLua,
		registry.IfaceNotifications, registry.IfaceCommands)

	inst := h.load(t, m)

	if inst.Status() != StatusActive {
		t.Fatalf("Status() = %s, want active", inst.Status())
	}
	if h.manager.Count() != 1 {
		t.Errorf("Count() = %d, want 1", h.manager.Count())
	}

	// Activation registered the command.
	if _, ok := h.table.Get("helloWorld.sayHello"); !ok {
		t.Fatal("activation did not register the command")
	}

	// Dispatch reaches the handler, which notifies.
	result, err := h.table.Dispatch(context.Background(), "helloWorld.sayHello", nil)
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if result != nil {
		t.Errorf("Dispatch() result = %v, want nil", result)
	}

	frames := h.transport.waitFor(t, 1)
	if frames[0].Message != "Hello from Lua!" || frames[0].Source != "hello-world" {
		t.Errorf("notification = %+v", frames[0])
	}

	// Unload removes the instance and its command.
	if err := h.manager.Unload(context.Background(), "hello-world"); err != nil {
		t.Fatalf("Unload() error = %v", err)
	}
	if inst.Status() != StatusUnloaded {
		t.Errorf("Status() after unload = %s, want unloaded", inst.Status())
	}
	if h.table.Count() != 0 {
		t.Errorf("table.Count() after unload = %d, want 0", h.table.Count())
	}

	_, err = h.table.Dispatch(context.Background(), "helloWorld.sayHello", nil)
	if !errors.Is(err, dispatch.ErrUnknownCommand) {
		t.Errorf("Dispatch() after unload = %v, want ErrUnknownCommand", err)
	}
}

func TestLoadDuplicate(t *testing.T) {
	h := newHarness(t)
	m := writeExtension(t, "dup", `function activate() end`)

	h.load(t, m)

	grant, _ := h.broker.Authorize(m)
	_, err := h.manager.Load(context.Background(), m, grant)
	if !errors.Is(err, ErrAlreadyLoaded) {
		t.Errorf("second Load() = %v, want ErrAlreadyLoaded", err)
	}
}

func TestActivationFailureUnwinds(t *testing.T) {
	h := newHarness(t)
	m := writeExtension(t, "bad-activate", `
		local host = require("host")

		function activate(event)
			host.commands.register({id = "bad.cmd", title = "Bad"})
			return "refusing to start"
		end
	`, registry.IfaceCommands)

	grant, err := h.broker.Authorize(m)
	if err != nil {
		t.Fatal(err)
	}

	_, err = h.manager.Load(context.Background(), m, grant)
	if !errors.Is(err, ErrActivationFailed) {
		t.Fatalf("Load() = %v, want ErrActivationFailed", err)
	}

	// Nothing survives the failed activation.
	if h.manager.Count() != 0 {
		t.Errorf("Count() = %d, want 0", h.manager.Count())
	}
	if h.table.Count() != 0 {
		t.Errorf("table.Count() = %d, want 0 (partial registrations must be removed)", h.table.Count())
	}
	if len(h.router.Targets()) != 0 {
		t.Errorf("router.Targets() = %v, want empty", h.router.Targets())
	}
}

func TestActivationScriptError(t *testing.T) {
	h := newHarness(t)
	m := writeExtension(t, "syntax-error", `this is not lua`)

	grant, _ := h.broker.Authorize(m)
	_, err := h.manager.Load(context.Background(), m, grant)
	if !errors.Is(err, ErrActivationFailed) {
		t.Errorf("Load() = %v, want ErrActivationFailed", err)
	}
	if h.manager.Count() != 0 {
		t.Errorf("Count() = %d, want 0", h.manager.Count())
	}
}

func TestActivationTimeout(t *testing.T) {
	limits := DefaultLimits()
	limits.ActivationTimeout = 300 * time.Millisecond
	limits.CallTimeout = 200 * time.Millisecond

	h := newHarness(t, WithLimits(limits))
	m := writeExtension(t, "spinner", `while true do end`)

	grant, _ := h.broker.Authorize(m)

	start := time.Now()
	_, err := h.manager.Load(context.Background(), m, grant)
	elapsed := time.Since(start)

	if !errors.Is(err, ErrActivationFailed) {
		t.Fatalf("Load() = %v, want ErrActivationFailed", err)
	}
	if elapsed > 3*time.Second {
		t.Errorf("Load() took %v, runaway activation was not preempted", elapsed)
	}
	if h.manager.Count() != 0 {
		t.Errorf("Count() = %d, want 0", h.manager.Count())
	}
}

func TestDeactivateRunsBeforeRevocation(t *testing.T) {
	h := newHarness(t)
	m := writeExtension(t, "graceful", `
		local host = require("host")

		function activate() end

		function deactivate()
			host.notify.show_info("goodbye")
		end
	`, registry.IfaceNotifications)

	h.load(t, m)

	if err := h.manager.Unload(context.Background(), "graceful"); err != nil {
		t.Fatalf("Unload() error = %v", err)
	}

	// The deactivate handler used its notification handle, so the handle
	// was still live when the deactivation event arrived.
	frames := h.transport.waitFor(t, 1)
	if frames[0].Message != "goodbye" {
		t.Errorf("notification = %+v, want goodbye", frames[0])
	}
}

func TestHandlerError(t *testing.T) {
	h := newHarness(t)
	m := writeExtension(t, "divider", `
		local host = require("host")

		function activate()
			host.commands.register({id = "math.div", title = "Divide"})
		end

		function handle_command(id, args)
			if args[2] == 0 then
				return nil, "division by zero"
			end
			return args[1] / args[2]
		end
	`, registry.IfaceCommands)

	h.load(t, m)

	result, err := h.table.Dispatch(context.Background(), "math.div", []any{10, 2})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if n, ok := result.(int64); !ok || n != 5 {
		t.Errorf("Dispatch() = %v (%T), want 5", result, result)
	}

	_, err = h.table.Dispatch(context.Background(), "math.div", []any{1, 0})
	var handlerErr *dispatch.HandlerError
	if !errors.As(err, &handlerErr) {
		t.Fatalf("Dispatch() = %v, want HandlerError", err)
	}
	if handlerErr.Message != "division by zero" {
		t.Errorf("HandlerError.Message = %q", handlerErr.Message)
	}

	// A handler error does not kill the instance.
	inst, _ := h.manager.Get("divider")
	if inst.Status() != StatusActive {
		t.Errorf("Status() after handler error = %s, want active", inst.Status())
	}
}

func TestCommandTimeout(t *testing.T) {
	limits := DefaultLimits()
	limits.CallTimeout = 150 * time.Millisecond

	h := newHarness(t, WithLimits(limits))
	m := writeExtension(t, "slowpoke", `
		local host = require("host")

		function activate()
			host.commands.register({id = "slow.spin", title = "Spin"})
		end

		function handle_command(id, args)
			while true do end
		end
	`, registry.IfaceCommands)

	h.load(t, m)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	_, err := h.table.Dispatch(ctx, "slow.spin", nil)
	if !errors.Is(err, dispatch.ErrTimeout) {
		t.Fatalf("Dispatch() = %v, want ErrTimeout", err)
	}

	// The preempted VM cannot be reentered; the instance is force-unloaded.
	deadline := time.After(3 * time.Second)
	for h.manager.Count() != 0 {
		select {
		case <-deadline:
			t.Fatal("faulted instance was never unloaded")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestUnloadCancelsInFlightDispatch(t *testing.T) {
	h := newHarness(t)
	m := writeExtension(t, "busy", `
		local host = require("host")

		function activate()
			host.commands.register({id = "busy.work", title = "Work"})
		end

		function handle_command(id, args)
			host.notify.show_info("working")
			while true do end
		end
	`, registry.IfaceCommands, registry.IfaceNotifications)

	h.load(t, m)

	errCh := make(chan error, 1)
	go func() {
		_, err := h.table.Dispatch(context.Background(), "busy.work", nil)
		errCh <- err
	}()

	// The notification marks the handler as executing inside the VM.
	h.transport.waitFor(t, 1)

	if err := h.manager.Unload(context.Background(), "busy"); err != nil {
		t.Fatalf("Unload() error = %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, dispatch.ErrInstanceNotActive) {
			t.Errorf("Dispatch() during unload = %v, want ErrInstanceNotActive", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("in-flight dispatch never returned")
	}

	if h.manager.Count() != 0 {
		t.Errorf("Count() = %d, want 0", h.manager.Count())
	}
}

func TestBroadcastReachesActiveOnly(t *testing.T) {
	h := newHarness(t)

	onEvent := `
		local host = require("host")

		function activate() end

		function on_event(type, payload)
			host.notify.show_info("saw " .. type)
		end
	`
	m1 := writeExtension(t, "listener-one", onEvent, registry.IfaceNotifications)
	m2 := writeExtension(t, "listener-two", onEvent, registry.IfaceNotifications)

	h.load(t, m1)
	h.load(t, m2)

	if err := h.manager.Unload(context.Background(), "listener-two"); err != nil {
		t.Fatal(err)
	}

	h.router.Broadcast(events.NewEvent(events.TypeConfigChanged, map[string]any{"k": "v"}))

	frames := h.transport.waitFor(t, 1)
	time.Sleep(50 * time.Millisecond)
	frames = h.transport.all()

	if len(frames) != 1 {
		t.Fatalf("notifications = %d, want 1 (unloaded instance must not receive)", len(frames))
	}
	if frames[0].Source != "listener-one" {
		t.Errorf("notification source = %q, want listener-one", frames[0].Source)
	}
}

func TestConcurrentUnload(t *testing.T) {
	h := newHarness(t)
	m := writeExtension(t, "contested", `function activate() end`)
	h.load(t, m)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = h.manager.Unload(context.Background(), "contested")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil && !errors.Is(err, ErrNotFound) {
			t.Errorf("Unload()[%d] = %v", i, err)
		}
	}
	if h.manager.Count() != 0 {
		t.Errorf("Count() = %d, want 0", h.manager.Count())
	}
}

func TestUnloadUnknown(t *testing.T) {
	h := newHarness(t)
	err := h.manager.Unload(context.Background(), "ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Unload() = %v, want ErrNotFound", err)
	}
}

func TestUngrantedNamespaceAbsent(t *testing.T) {
	h := newHarness(t)
	// Only logging granted; notify must be missing from the host module.
	m := writeExtension(t, "limited", `
		local host = require("host")

		function activate()
			if host.notify ~= nil then
				return "notify should not be exposed"
			end
			if host.log == nil then
				return "log should be exposed"
			end
		end
	`, registry.IfaceLogging)

	h.load(t, m)
}

func TestIsolationBetweenInstances(t *testing.T) {
	h := newHarness(t)

	m1 := writeExtension(t, "writer", `
		local host = require("host")
		shared = "owned by writer"

		function activate()
			host.commands.register({id = "writer.get", title = "Get"})
		end

		function handle_command(id, args)
			return shared
		end
	`, registry.IfaceCommands)

	m2 := writeExtension(t, "reader", `
		local host = require("host")

		function activate()
			host.commands.register({id = "reader.get", title = "Get"})
		end

		function handle_command(id, args)
			if shared == nil then
				return "isolated"
			end
			return "leaked"
		end
	`, registry.IfaceCommands)

	h.load(t, m1)
	h.load(t, m2)

	result, err := h.table.Dispatch(context.Background(), "reader.get", nil)
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if result != "isolated" {
		t.Errorf("reader sees %v, VM state leaked across instances", result)
	}
}

func TestUnloadAllReverseOrder(t *testing.T) {
	h := newHarness(t)

	deactivating := `
		local host = require("host")
		function activate() end
		function deactivate()
			host.notify.show_info("down")
		end
	`
	for i := 0; i < 3; i++ {
		m := writeExtension(t, fmt.Sprintf("ext-%c", 'a'+i), deactivating, registry.IfaceNotifications)
		h.load(t, m)
	}

	h.manager.UnloadAll(context.Background())

	frames := h.transport.waitFor(t, 3)
	if frames[0].Source != "ext-c" || frames[2].Source != "ext-a" {
		t.Errorf("unload order = %v, want newest first",
			[]string{frames[0].Source, frames[1].Source, frames[2].Source})
	}
	if h.manager.Count() != 0 {
		t.Errorf("Count() = %d, want 0", h.manager.Count())
	}
}

func TestStats(t *testing.T) {
	h := newHarness(t)
	m := writeExtension(t, "statty", `function activate() end`, registry.IfaceLogging)

	inst := h.load(t, m)
	stats := inst.Stats()

	if stats.Extension != "statty" || stats.Version != "1.0.0" {
		t.Errorf("Stats() = %+v", stats)
	}
	if stats.Status != "active" {
		t.Errorf("Stats().Status = %q, want active", stats.Status)
	}
	if len(stats.Capabilities) != 1 || stats.Capabilities[0] != registry.IfaceLogging {
		t.Errorf("Stats().Capabilities = %v", stats.Capabilities)
	}

	list := h.manager.List()
	if len(list) != 1 || list[0].ID != inst.ID() {
		t.Errorf("List() = %+v", list)
	}
}
