package instance

import (
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// Limits defines the per-instance resource ceilings.
type Limits struct {
	// RegistryMaxSize caps the Lua registry, bounding VM-internal memory.
	RegistryMaxSize int

	// CallTimeout bounds any single call into the instance (dispatch,
	// event delivery).
	CallTimeout time.Duration

	// ActivationTimeout bounds the load + activate sequence.
	ActivationTimeout time.Duration

	// DeactivationTimeout bounds the best-effort deactivate call.
	DeactivationTimeout time.Duration

	// EventQueueSize bounds the executor task queue.
	EventQueueSize int
}

// DefaultLimits returns the ceilings applied when the manager is not
// configured otherwise.
func DefaultLimits() Limits {
	return Limits{
		RegistryMaxSize:     1024 * 64,
		CallTimeout:         5 * time.Second,
		ActivationTimeout:   10 * time.Second,
		DeactivationTimeout: 3 * time.Second,
		EventQueueSize:      64,
	}
}

// StrictLimits returns tighter ceilings for untrusted extensions.
func StrictLimits() Limits {
	return Limits{
		RegistryMaxSize:     1024 * 16,
		CallTimeout:         2 * time.Second,
		ActivationTimeout:   4 * time.Second,
		DeactivationTimeout: 1 * time.Second,
		EventQueueSize:      16,
	}
}

// Watchdog samples the host process's resident memory and reports a breach
// when it crosses the configured ceiling. Per-VM memory is bounded by the
// Lua registry cap; the watchdog is the backstop for everything the VM cap
// cannot see (bridge values, queued events, handler output).
type Watchdog struct {
	ceiling  uint64
	interval time.Duration
	onBreach func(rss uint64)
	log      zerolog.Logger

	proc *process.Process

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewWatchdog creates a watchdog. onBreach is called from the sampling
// goroutine each time RSS is at or above the ceiling.
func NewWatchdog(ceiling uint64, interval time.Duration, onBreach func(rss uint64), log zerolog.Logger) (*Watchdog, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}

	if interval <= 0 {
		interval = time.Second
	}

	return &Watchdog{
		ceiling:  ceiling,
		interval: interval,
		onBreach: onBreach,
		log:      log,
		proc:     proc,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start begins sampling in a background goroutine.
func (w *Watchdog) Start() {
	go w.run()
}

func (w *Watchdog) run() {
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			mem, err := w.proc.MemoryInfo()
			if err != nil {
				w.log.Debug().Err(err).Msg("memory sample failed")
				continue
			}
			if mem.RSS >= w.ceiling {
				w.log.Warn().
					Uint64("rss", mem.RSS).
					Uint64("ceiling", w.ceiling).
					Msg("memory ceiling breached")
				w.onBreach(mem.RSS)
			}
		}
	}
}

// Stop halts sampling and waits for the goroutine to exit.
func (w *Watchdog) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
	})
	<-w.done
}
