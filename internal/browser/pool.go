// Package browser owns the shared Chromium lifecycle: one lazily launched
// browser serving extractions admitted through a priority queue, guarded by
// a circuit breaker, restarted when idle or past its maximum age, and
// watched by a process-level watchdog.
//
// A single browser process is deliberate. Chromium dominates the memory
// budget, so concurrency comes from incognito contexts inside one process
// rather than from a fleet; the concurrency bound caps how many extractions
// share it at a time.
package browser

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/streamsnare/streamsnare/internal/config"
	"github.com/streamsnare/streamsnare/internal/driver"
	"github.com/streamsnare/streamsnare/internal/metrics"
	"github.com/streamsnare/streamsnare/internal/types"
)

// Acquire yields a fresh browsing context on the shared browser, launching
// it on first demand. Only admitted tasks receive one.
type Acquire func(ctx context.Context, opts driver.ContextOptions) (driver.Context, error)

// Task is one admitted unit of work. It reports its outcome through its own
// closure; Submit only returns admission errors.
type Task func(ctx context.Context, acquire Acquire)

// Status is a point-in-time snapshot for health reporting and the watchdog.
type Status struct {
	CircuitOpen         bool
	ConsecutiveFailures int
	ReopenAt            time.Time
	Pending             int
	Active              int
	BrowserRunning      bool
}

// launchAttempt is the shared launch future. Concurrent acquirers await the
// same attempt and observe the same handle or error, which also guarantees
// at most one launch is in flight.
type launchAttempt struct {
	done   chan struct{}
	handle driver.Browser
	err    error
}

// Pool schedules extractions against the single shared browser.
//
// Lock ordering: mu is never held across driver calls or task execution.
// Restarts null the handle reference under mu first and close the old
// handle outside it, so the disconnect callback can tell an expected close
// (reference already gone) from a crash.
type Pool struct {
	driver  driver.Driver
	cfg     *config.Config
	clock   clockwork.Clock
	breaker *Breaker

	mu         sync.Mutex
	closed     bool
	handle     driver.Browser
	launchedAt time.Time
	launch     *launchAttempt
	active     int
	seq        uint64
	queue      waitQueue
	idleTimer  clockwork.Timer

	draining sync.WaitGroup
}

// NewPool creates a pool over the given driver. The browser is not launched
// until the first acquisition asks for it.
func NewPool(d driver.Driver, cfg *config.Config, clock clockwork.Clock) *Pool {
	log.Info().
		Int("max_concurrent", cfg.MaxConcurrent).
		Dur("idle_timeout", cfg.BrowserIdleTimeout).
		Dur("max_age", cfg.BrowserMaxAge).
		Str("chrome_path", cfg.ChromePath).
		Msg("Browser pool initialized")

	return &Pool{
		driver:  d,
		cfg:     cfg,
		clock:   clock,
		breaker: NewBreaker(clock),
	}
}

// Submit schedules task under the concurrency bound and blocks until it has
// been admitted and has returned. Higher priority is admitted first; ties
// keep submission order. A queued submission whose ctx is cancelled is
// removed from the queue and returns the ctx error.
func (p *Pool) Submit(ctx context.Context, priority int, task Task) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return types.ErrPoolClosed
	}

	// Any submission keeps the browser alive.
	p.stopIdleTimerLocked()

	if p.active < p.cfg.MaxConcurrent {
		p.admitLocked()
		p.mu.Unlock()
		p.runTask(ctx, task)
		return nil
	}

	w := &waiter{
		priority: priority,
		seq:      p.seq,
		ready:    make(chan struct{}),
	}
	p.seq++
	heap.Push(&p.queue, w)
	metrics.QueueDepth.Set(float64(p.queue.Len()))
	pending := p.queue.Len()
	p.mu.Unlock()

	log.Debug().
		Int("priority", priority).
		Int("pending", pending).
		Msg("Extraction queued")

	select {
	case <-w.ready:
		if w.rejected {
			return types.ErrPoolClosed
		}
		p.runTask(ctx, task)
		return nil

	case <-ctx.Done():
		p.mu.Lock()
		if w.index >= 0 {
			heap.Remove(&p.queue, w.index)
			metrics.QueueDepth.Set(float64(p.queue.Len()))
			p.mu.Unlock()
			return ctx.Err()
		}
		// Admission raced the cancellation. The task never ran, so give the
		// slot back and wake the next waiter.
		if !w.rejected {
			p.active--
			metrics.ActiveExtractions.Set(float64(p.active))
			p.admitWaitersLocked()
			p.rearmIdleTimerLocked()
			p.draining.Done()
		}
		p.mu.Unlock()
		return ctx.Err()
	}
}

// admitLocked counts the caller as active. Callers hold mu.
func (p *Pool) admitLocked() {
	p.active++
	metrics.ActiveExtractions.Set(float64(p.active))
	p.draining.Add(1)
}

// admitWaitersLocked wakes queued waiters while slots are free.
func (p *Pool) admitWaitersLocked() {
	for p.active < p.cfg.MaxConcurrent && p.queue.Len() > 0 {
		w := heap.Pop(&p.queue).(*waiter)
		p.admitLocked()
		close(w.ready)
	}
	metrics.QueueDepth.Set(float64(p.queue.Len()))
}

// runTask executes an admitted task and returns its slot on completion.
func (p *Pool) runTask(ctx context.Context, task Task) {
	defer func() {
		p.mu.Lock()
		p.active--
		metrics.ActiveExtractions.Set(float64(p.active))
		p.admitWaitersLocked()
		p.rearmIdleTimerLocked()
		p.mu.Unlock()
		p.draining.Done()
	}()

	task(ctx, p.acquire)
}

// acquire is the callable handed to admitted tasks.
func (p *Pool) acquire(ctx context.Context, opts driver.ContextOptions) (driver.Context, error) {
	if err := p.breaker.Allow(); err != nil {
		return nil, err
	}

	b, err := p.browser(ctx)
	if err != nil {
		return nil, err
	}

	start := p.clock.Now()
	bctx, err := b.NewContext(ctx, opts)
	if err != nil {
		return nil, types.NewContextError(err)
	}
	metrics.ContextCreation.Observe(p.clock.Since(start).Seconds())
	return bctx, nil
}

// browser returns the live shared handle, launching or restarting as the
// lifecycle demands.
func (p *Pool) browser(ctx context.Context) (driver.Browser, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, types.ErrPoolClosed
		}

		if p.handle != nil && p.handle.IsConnected() {
			age := p.clock.Since(p.launchedAt)
			// Restart on age only when the acquiring task is the sole
			// active one; other extractions keep the old browser alive.
			if age > p.cfg.BrowserMaxAge && p.active == 1 {
				old := p.handle
				p.handle = nil
				p.mu.Unlock()

				metrics.BrowserRestarts.WithLabelValues(metrics.RestartReasonMaxAge).Inc()
				log.Info().
					Dur("age", age).
					Dur("max_age", p.cfg.BrowserMaxAge).
					Msg("Browser exceeded max age, restarting")
				closeInBackground(old)
				continue
			}
			h := p.handle
			p.mu.Unlock()
			return h, nil
		}

		if p.handle != nil {
			// Dead handle whose disconnect callback has not fired yet; the
			// callback accounts for it when it arrives.
			p.handle = nil
		}

		if att := p.launch; att != nil {
			p.mu.Unlock()
			select {
			case <-att.done:
				if att.err != nil {
					return nil, att.err
				}
				return att.handle, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		att := &launchAttempt{done: make(chan struct{})}
		p.launch = att
		p.mu.Unlock()

		return p.runLaunch(att)
	}
}

// runLaunch performs the single in-flight launch and publishes its result.
// It launches detached from any caller context: the attempt is shared, so
// one caller's cancellation must not poison it for the others.
func (p *Pool) runLaunch(att *launchAttempt) (driver.Browser, error) {
	log.Info().Msg("Launching browser")

	h, err := p.driver.Launch(context.Background(), driver.LaunchOptions{
		BinPath: p.cfg.ChromePath,
	})

	if err != nil {
		p.mu.Lock()
		p.launch = nil
		p.mu.Unlock()

		p.breaker.RecordFailure()
		metrics.BrowserLaunchFailures.Inc()
		log.Error().Err(err).Msg("Browser launch failed")

		att.err = types.NewLaunchError(err)
		close(att.done)
		return nil, att.err
	}

	p.mu.Lock()
	p.launch = nil
	if p.closed {
		p.mu.Unlock()
		att.err = types.ErrPoolClosed
		close(att.done)
		_ = h.Close()
		return nil, att.err
	}
	p.handle = h
	p.launchedAt = p.clock.Now()
	p.mu.Unlock()

	p.breaker.RecordSuccess()
	metrics.BrowserLaunches.Inc()
	log.Info().Msg("Browser launched")

	p.watchHandle(h)

	att.handle = h
	close(att.done)
	return h, nil
}

// watchHandle attributes a disconnect. Restarts and shutdown null the
// reference before closing, so the callback only counts a crash when the
// dying handle is still the current one.
func (p *Pool) watchHandle(h driver.Browser) {
	h.OnDisconnect(func() {
		p.mu.Lock()
		if p.handle != h {
			p.mu.Unlock()
			return
		}
		p.handle = nil
		p.mu.Unlock()

		metrics.BrowserDisconnects.Inc()
		log.Warn().Msg("Browser disconnected unexpectedly; next acquisition relaunches")
	})
}

// stopIdleTimerLocked cancels a pending idle restart. Callers hold mu.
func (p *Pool) stopIdleTimerLocked() {
	if p.idleTimer != nil {
		p.idleTimer.Stop()
		p.idleTimer = nil
	}
}

// rearmIdleTimerLocked arms the idle restart when the pool just went
// quiet with a live browser. Callers hold mu.
func (p *Pool) rearmIdleTimerLocked() {
	if p.closed || p.active > 0 || p.handle == nil {
		return
	}
	p.stopIdleTimerLocked()
	p.idleTimer = p.clock.AfterFunc(p.cfg.BrowserIdleTimeout, p.idleRestart)
}

// idleRestart fires from the idle timer. It re-checks activity under the
// lock: a submission may have slipped in between the timer firing and the
// callback running.
func (p *Pool) idleRestart() {
	p.mu.Lock()
	if p.closed || p.active > 0 || p.handle == nil {
		p.mu.Unlock()
		return
	}
	old := p.handle
	p.handle = nil
	p.idleTimer = nil
	p.mu.Unlock()

	metrics.BrowserRestarts.WithLabelValues(metrics.RestartReasonIdle).Inc()
	log.Info().
		Dur("idle_timeout", p.cfg.BrowserIdleTimeout).
		Msg("Browser idle, closing; next submission relaunches")
	closeInBackground(old)
}

// closeInBackground closes a handle off the caller's path with errors
// swallowed; relaunch must never wait on an old browser's teardown.
func closeInBackground(h driver.Browser) {
	go func() {
		if err := h.Close(); err != nil {
			log.Debug().Err(err).Msg("Error closing old browser")
		}
	}()
}

// Status snapshots queue, activity, breaker, and browser liveness.
func (p *Pool) Status() Status {
	failures, open, reopenAt := p.breaker.State()

	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		CircuitOpen:         open,
		ConsecutiveFailures: failures,
		ReopenAt:            reopenAt,
		Pending:             p.queue.Len(),
		Active:              p.active,
		BrowserRunning:      p.handle != nil && p.handle.IsConnected(),
	}
}

// IsRunning reports whether a live, connected browser handle exists.
func (p *Pool) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handle != nil && p.handle.IsConnected()
}

// Shutdown rejects new work, fails queued waiters, drains admitted tasks
// until ctx expires, then closes the browser and releases timers. It is
// safe to call more than once.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.stopIdleTimerLocked()

	rejected := 0
	for p.queue.Len() > 0 {
		w := heap.Pop(&p.queue).(*waiter)
		w.rejected = true
		close(w.ready)
		rejected++
	}
	metrics.QueueDepth.Set(0)
	active := p.active
	p.mu.Unlock()

	log.Info().
		Int("rejected_waiters", rejected).
		Int("active", active).
		Msg("Pool shutting down")

	done := make(chan struct{})
	go func() {
		p.draining.Wait()
		close(done)
	}()

	var drainErr error
	select {
	case <-done:
		log.Debug().Msg("All extractions drained")
	case <-ctx.Done():
		drainErr = ctx.Err()
		log.Warn().Msg("Shutdown deadline reached with extractions still running")
	}

	p.mu.Lock()
	old := p.handle
	p.handle = nil
	p.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			log.Debug().Err(err).Msg("Error closing browser during shutdown")
		}
	}

	log.Info().Msg("Pool shut down")
	return drainErr
}
