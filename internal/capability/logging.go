package capability

import (
	"github.com/rs/zerolog"
)

// Logging is the host logging interface bound to one instance. Calls are
// fire-and-forget from the extension's viewpoint; writes from the same
// instance keep their order because zerolog events are emitted synchronously
// from the instance's executor goroutine.
type Logging struct {
	*Handle
	log zerolog.Logger
}

// newLogging binds the logging capability for an extension.
func newLogging(h *Handle, base zerolog.Logger, extension string) *Logging {
	return &Logging{
		Handle: h,
		log:    base.With().Str("extension", extension).Logger(),
	}
}

// Info logs an informational message on behalf of the extension.
func (l *Logging) Info(message string) error {
	if err := l.guard(); err != nil {
		return err
	}
	l.log.Info().Msg(message)
	return nil
}

// Warn logs a warning message on behalf of the extension.
func (l *Logging) Warn(message string) error {
	if err := l.guard(); err != nil {
		return err
	}
	l.log.Warn().Msg(message)
	return nil
}

// Error logs an error message on behalf of the extension.
func (l *Logging) Error(message string) error {
	if err := l.guard(); err != nil {
		return err
	}
	l.log.Error().Msg(message)
	return nil
}
