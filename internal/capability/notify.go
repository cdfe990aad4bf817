package capability

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/valyala/bytebufferpool"
)

// Level classifies a notification.
type Level string

// Notification levels.
const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Transport delivers encoded notification frames to the host UI. Failures
// returned here are transport errors only; UI-level decisions (dismissal,
// display) never surface to the extension.
type Transport interface {
	Send(ctx context.Context, frame []byte) error
}

// TransientError marks a transport failure as retryable.
type TransientError struct {
	Err error
}

// Error implements the error interface.
func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }

// Unwrap returns the underlying error.
func (e *TransientError) Unwrap() error { return e.Err }

// Notifications is the host notification interface bound to one instance.
type Notifications struct {
	*Handle
	transport  Transport
	source     string
	maxElapsed time.Duration
}

// newNotifications binds the notifications capability for an extension.
func newNotifications(h *Handle, transport Transport, extension string, maxElapsed time.Duration) *Notifications {
	return &Notifications{
		Handle:     h,
		transport:  transport,
		source:     extension,
		maxElapsed: maxElapsed,
	}
}

// frame is the wire form handed to the transport.
type frame struct {
	Level   Level  `json:"level"`
	Source  string `json:"source"`
	Message string `json:"message"`
}

// ShowInfo shows an informational notification.
func (n *Notifications) ShowInfo(ctx context.Context, message string) error {
	return n.show(ctx, LevelInfo, message)
}

// ShowWarning shows a warning notification.
func (n *Notifications) ShowWarning(ctx context.Context, message string) error {
	return n.show(ctx, LevelWarning, message)
}

// ShowError shows an error notification.
func (n *Notifications) ShowError(ctx context.Context, message string) error {
	return n.show(ctx, LevelError, message)
}

func (n *Notifications) show(ctx context.Context, level Level, message string) error {
	if err := n.guard(); err != nil {
		return err
	}

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	enc := json.NewEncoder(buf)
	if err := enc.Encode(frame{Level: level, Source: n.source, Message: message}); err != nil {
		return err
	}
	payload := append([]byte(nil), buf.B...)

	send := func() error {
		// Revocation must win over an in-progress retry loop.
		if err := n.guard(); err != nil {
			return backoff.Permanent(err)
		}
		err := n.transport.Send(ctx, payload)
		if err == nil {
			return nil
		}
		var transient *TransientError
		if errors.As(err, &transient) {
			return err
		}
		return backoff.Permanent(err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxElapsedTime = n.maxElapsed

	return backoff.Retry(send, backoff.WithContext(bo, ctx))
}

// WriterTransport writes notification frames as JSON lines to a writer.
// Used by the daemon for stdout delivery and by tests.
type WriterTransport struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterTransport creates a transport over the writer.
func NewWriterTransport(w io.Writer) *WriterTransport {
	return &WriterTransport{w: w}
}

// Send implements Transport.
func (t *WriterTransport) Send(_ context.Context, frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := t.w.Write(frame)
	return err
}
