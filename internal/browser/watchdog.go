package browser

import (
	"os"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/streamsnare/streamsnare/internal/config"
)

// StatusSource is the pool surface the watchdog polls.
type StatusSource interface {
	Status() Status
}

// Watchdog polls the circuit breaker and kills the process when the circuit
// has been open past the exit threshold. A breaker stuck open means the
// host cannot launch Chromium at all; exiting hands the problem to the
// container supervisor, which restarts with a clean slate. Nothing else in
// the service is allowed to exit the process.
type Watchdog struct {
	source    StatusSource
	threshold time.Duration
	clock     clockwork.Clock
	exit      func(code int)

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// openSince is touched only by the poll goroutine.
	openSince time.Time
}

// NewWatchdog creates a watchdog over the given status source. A nil exit
// func defaults to os.Exit.
func NewWatchdog(source StatusSource, threshold time.Duration, clock clockwork.Clock, exit func(int)) *Watchdog {
	if exit == nil {
		exit = os.Exit
	}
	return &Watchdog{
		source:    source,
		threshold: threshold,
		clock:     clock,
		exit:      exit,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the poll loop.
func (w *Watchdog) Start() {
	log.Info().
		Dur("interval", config.WatchdogInterval).
		Dur("exit_threshold", w.threshold).
		Msg("Watchdog started")

	w.wg.Add(1)
	go w.run()
}

// Stop disables the watchdog and waits for the poll loop to exit. It is
// called during shutdown so a planned exit never races a forced one.
func (w *Watchdog) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
	w.wg.Wait()
}

func (w *Watchdog) run() {
	defer w.wg.Done()

	ticker := w.clock.NewTicker(config.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			log.Debug().Msg("Watchdog stopped")
			return
		case <-ticker.Chan():
			w.check()
		}
	}
}

func (w *Watchdog) check() {
	st := w.source.Status()

	if !st.CircuitOpen {
		if !w.openSince.IsZero() {
			log.Info().Msg("Circuit breaker recovered")
			w.openSince = time.Time{}
		}
		return
	}

	now := w.clock.Now()
	if w.openSince.IsZero() {
		w.openSince = now
		log.Warn().
			Int("consecutive_failures", st.ConsecutiveFailures).
			Time("reopen_at", st.ReopenAt).
			Msg("Circuit breaker open")
		return
	}

	openFor := now.Sub(w.openSince)
	if openFor < w.threshold {
		log.Warn().
			Dur("open_for", openFor).
			Dur("exit_threshold", w.threshold).
			Msg("Circuit breaker still open")
		return
	}

	log.Error().
		Dur("open_for", openFor).
		Msg("Circuit breaker open past exit threshold; exiting for supervisor restart")
	w.exit(1)
}
