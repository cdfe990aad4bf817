package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/blang/semver/v4"
	"github.com/rs/zerolog"

	"github.com/dshills/exthost/internal/dispatch"
	"github.com/dshills/exthost/internal/registry"
)

func testSchema(name string) registry.Schema {
	return registry.Schema{
		Name:       name,
		Version:    semver.MustParse("1.0.0"),
		Operations: []string{"op"},
	}
}

func testGrant(caps ...string) *Grant {
	bindings := make(map[string]registry.Schema, len(caps))
	for _, c := range caps {
		bindings[c] = testSchema(c)
	}
	return NewGrant("test-ext", bindings)
}

// testOwner is a minimal dispatch.Owner for command handle tests.
type testOwner struct {
	id     string
	active bool
}

func (o *testOwner) ID() string   { return o.id }
func (o *testOwner) Active() bool { return o.active }
func (o *testOwner) InvokeCommand(context.Context, string, []any) (any, error) {
	return nil, nil
}

func TestGrant(t *testing.T) {
	g := testGrant(registry.IfaceLogging, registry.IfaceCommands)

	if g.Extension() != "test-ext" {
		t.Errorf("Extension() = %q", g.Extension())
	}
	if !g.Has(registry.IfaceLogging) {
		t.Error("Has(logging) = false, want true")
	}
	if g.Has(registry.IfaceNotifications) {
		t.Error("Has(notifications) = true, want false")
	}

	caps := g.Capabilities()
	if len(caps) != 2 || caps[0] != registry.IfaceCommands || caps[1] != registry.IfaceLogging {
		t.Errorf("Capabilities() = %v, want sorted [commands logging]", caps)
	}
}

func TestHandleRevoke(t *testing.T) {
	h := newHandle(registry.IfaceLogging, testSchema(registry.IfaceLogging))

	if h.Revoked() {
		t.Error("new handle should not be revoked")
	}
	if err := h.guard(); err != nil {
		t.Errorf("guard() on live handle = %v", err)
	}

	h.Revoke()

	if !h.Revoked() {
		t.Error("Revoked() = false after Revoke()")
	}
	if err := h.guard(); !errors.Is(err, ErrRevoked) {
		t.Errorf("guard() after revoke = %v, want ErrRevoked", err)
	}
}

func TestBindGrantedOnly(t *testing.T) {
	binder := NewBinder(zerolog.Nop(), NewWriterTransport(&bytes.Buffer{}), dispatch.NewTable())
	owner := &testOwner{id: "inst-1", active: true}

	set := binder.Bind(testGrant(registry.IfaceLogging), owner)

	if _, err := set.Logging(); err != nil {
		t.Errorf("Logging() = %v, want handle", err)
	}
	if _, err := set.Notifications(); !errors.Is(err, ErrNotGranted) {
		t.Errorf("Notifications() = %v, want ErrNotGranted", err)
	}
	if _, err := set.Commands(); !errors.Is(err, ErrNotGranted) {
		t.Errorf("Commands() = %v, want ErrNotGranted", err)
	}
	if len(set.Handles()) != 1 {
		t.Errorf("Handles() = %d, want 1", len(set.Handles()))
	}
}

func TestRevokeAll(t *testing.T) {
	binder := NewBinder(zerolog.Nop(), NewWriterTransport(&bytes.Buffer{}), dispatch.NewTable())
	owner := &testOwner{id: "inst-1", active: true}

	set := binder.Bind(testGrant(registry.IfaceLogging, registry.IfaceNotifications, registry.IfaceCommands), owner)
	set.RevokeAll()

	logging, _ := set.Logging()
	if err := logging.Info("after revoke"); !errors.Is(err, ErrRevoked) {
		t.Errorf("Info() after revoke = %v, want ErrRevoked", err)
	}

	notify, _ := set.Notifications()
	if err := notify.ShowInfo(context.Background(), "after revoke"); !errors.Is(err, ErrRevoked) {
		t.Errorf("ShowInfo() after revoke = %v, want ErrRevoked", err)
	}

	commands, _ := set.Commands()
	if err := commands.Register(dispatch.Definition{ID: "x", Title: "X"}); !errors.Is(err, ErrRevoked) {
		t.Errorf("Register() after revoke = %v, want ErrRevoked", err)
	}
}

func TestCommandsDelegateToTable(t *testing.T) {
	table := dispatch.NewTable()
	binder := NewBinder(zerolog.Nop(), NewWriterTransport(&bytes.Buffer{}), table)
	owner := &testOwner{id: "inst-1", active: true}

	set := binder.Bind(testGrant(registry.IfaceCommands), owner)
	commands, err := set.Commands()
	if err != nil {
		t.Fatalf("Commands() = %v", err)
	}

	if err := commands.Register(dispatch.Definition{ID: "greet.hello", Title: "Hello"}); err != nil {
		t.Fatalf("Register() = %v", err)
	}

	ownerID, ok := table.OwnerOf("greet.hello")
	if !ok || ownerID != "inst-1" {
		t.Errorf("OwnerOf() = %q, %v; want inst-1", ownerID, ok)
	}

	defs, err := commands.List()
	if err != nil || len(defs) != 1 {
		t.Fatalf("List() = %v, %v", defs, err)
	}

	removed, err := commands.Unregister("greet.hello")
	if err != nil || !removed {
		t.Errorf("Unregister() = %v, %v; want true, nil", removed, err)
	}
	if table.Count() != 0 {
		t.Errorf("table.Count() = %d, want 0", table.Count())
	}
}

func TestNotificationFrame(t *testing.T) {
	var buf bytes.Buffer
	transport := NewWriterTransport(&syncBuffer{buf: &buf})

	binder := NewBinder(zerolog.Nop(), transport, dispatch.NewTable())
	owner := &testOwner{id: "inst-1", active: true}
	set := binder.Bind(testGrant(registry.IfaceNotifications), owner)

	notify, err := set.Notifications()
	if err != nil {
		t.Fatalf("Notifications() = %v", err)
	}

	if err := notify.ShowWarning(context.Background(), "disk almost full"); err != nil {
		t.Fatalf("ShowWarning() = %v", err)
	}

	var f struct {
		Level   string `json:"level"`
		Source  string `json:"source"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(buf.Bytes(), &f); err != nil {
		t.Fatalf("frame is not JSON: %v (%q)", err, buf.String())
	}
	if f.Level != "warning" || f.Source != "test-ext" || f.Message != "disk almost full" {
		t.Errorf("frame = %+v", f)
	}
}

// flakyTransport fails transiently a fixed number of times before accepting.
type flakyTransport struct {
	mu       sync.Mutex
	failures int
	calls    int
	frames   [][]byte
}

func (f *flakyTransport) Send(_ context.Context, frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return &TransientError{Err: errors.New("transport busy")}
	}
	f.frames = append(f.frames, append([]byte(nil), frame...))
	return nil
}

func TestNotificationRetriesTransient(t *testing.T) {
	transport := &flakyTransport{failures: 2}

	binder := NewBinder(zerolog.Nop(), transport, dispatch.NewTable(),
		WithNotifyRetryWindow(time.Second))
	owner := &testOwner{id: "inst-1", active: true}
	set := binder.Bind(testGrant(registry.IfaceNotifications), owner)

	notify, _ := set.Notifications()
	if err := notify.ShowInfo(context.Background(), "hello"); err != nil {
		t.Fatalf("ShowInfo() = %v, want success after retries", err)
	}

	transport.mu.Lock()
	defer transport.mu.Unlock()
	if transport.calls != 3 {
		t.Errorf("calls = %d, want 3", transport.calls)
	}
	if len(transport.frames) != 1 {
		t.Errorf("frames delivered = %d, want 1", len(transport.frames))
	}
}

// permanentTransport always fails without the transient marker.
type permanentTransport struct {
	calls int
}

func (p *permanentTransport) Send(context.Context, []byte) error {
	p.calls++
	return errors.New("connection refused")
}

func TestNotificationPermanentFailure(t *testing.T) {
	transport := &permanentTransport{}

	binder := NewBinder(zerolog.Nop(), transport, dispatch.NewTable(),
		WithNotifyRetryWindow(time.Second))
	owner := &testOwner{id: "inst-1", active: true}
	set := binder.Bind(testGrant(registry.IfaceNotifications), owner)

	notify, _ := set.Notifications()
	if err := notify.ShowError(context.Background(), "boom"); err == nil {
		t.Fatal("ShowError() = nil, want transport error")
	}
	if transport.calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry on permanent failure)", transport.calls)
	}
}

// syncBuffer makes bytes.Buffer safe for the transport's writer.
type syncBuffer struct {
	mu  sync.Mutex
	buf *bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}
