package capability

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/dshills/exthost/internal/dispatch"
	"github.com/dshills/exthost/internal/registry"
)

// DefaultNotifyRetryWindow bounds how long a notification delivery may retry
// transient transport failures.
const DefaultNotifyRetryWindow = 2 * time.Second

// Binder materializes CapabilityHandles from a grant. It carries the
// host-side implementations the handles delegate to.
type Binder struct {
	log         zerolog.Logger
	transport   Transport
	table       *dispatch.Table
	retryWindow time.Duration
}

// BinderOption configures a Binder.
type BinderOption func(*Binder)

// WithNotifyRetryWindow bounds notification delivery retries.
func WithNotifyRetryWindow(d time.Duration) BinderOption {
	return func(b *Binder) {
		b.retryWindow = d
	}
}

// NewBinder creates a binder over the host-side capability implementations.
func NewBinder(log zerolog.Logger, transport Transport, table *dispatch.Table, opts ...BinderOption) *Binder {
	b := &Binder{
		log:         log,
		transport:   transport,
		table:       table,
		retryWindow: DefaultNotifyRetryWindow,
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Set holds the live handles for one instance. Only granted capabilities
// have non-nil handles; asking for anything else fails with ErrNotGranted.
type Set struct {
	extension     string
	logging       *Logging
	notifications *Notifications
	commands      *Commands
	all           []*Handle
}

// Bind constructs the handle set an instance receives: strictly the
// capabilities listed in the grant, nothing more.
func (b *Binder) Bind(grant *Grant, owner dispatch.Owner) *Set {
	set := &Set{extension: grant.Extension()}

	if schema, ok := grant.Schema(registry.IfaceLogging); ok {
		h := newHandle(registry.IfaceLogging, schema)
		set.logging = newLogging(h, b.log, grant.Extension())
		set.all = append(set.all, h)
	}

	if schema, ok := grant.Schema(registry.IfaceNotifications); ok {
		h := newHandle(registry.IfaceNotifications, schema)
		set.notifications = newNotifications(h, b.transport, grant.Extension(), b.retryWindow)
		set.all = append(set.all, h)
	}

	if schema, ok := grant.Schema(registry.IfaceCommands); ok {
		h := newHandle(registry.IfaceCommands, schema)
		set.commands = newCommands(h, b.table, owner)
		set.all = append(set.all, h)
	}

	return set
}

// Extension returns the extension name the set was bound for.
func (s *Set) Extension() string {
	return s.extension
}

// Logging returns the logging handle, or ErrNotGranted.
func (s *Set) Logging() (*Logging, error) {
	if s.logging == nil {
		return nil, ErrNotGranted
	}
	return s.logging, nil
}

// Notifications returns the notifications handle, or ErrNotGranted.
func (s *Set) Notifications() (*Notifications, error) {
	if s.notifications == nil {
		return nil, ErrNotGranted
	}
	return s.notifications, nil
}

// Commands returns the commands handle, or ErrNotGranted.
func (s *Set) Commands() (*Commands, error) {
	if s.commands == nil {
		return nil, ErrNotGranted
	}
	return s.commands, nil
}

// Handles returns all live handles in the set.
func (s *Set) Handles() []*Handle {
	return s.all
}

// RevokeAll invalidates every handle in the set. Effective immediately.
func (s *Set) RevokeAll() {
	for _, h := range s.all {
		h.Revoke()
	}
}
