package browser

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/streamsnare/streamsnare/internal/config"
	"github.com/streamsnare/streamsnare/internal/metrics"
	"github.com/streamsnare/streamsnare/internal/types"
)

// Breaker guards browser launches. Repeated launch failures usually mean the
// host is broken (no Chromium binary, cgroup memory exhausted) and every
// further attempt just burns CPU, so after a failure streak the breaker
// fails acquisitions fast until a cool-down elapses.
//
// The circuit is open iff reopenAt is in the future; no background state
// transition exists, expiry is evaluated on read.
type Breaker struct {
	clock clockwork.Clock

	mu                  sync.Mutex
	consecutiveFailures int
	reopenAt            time.Time
}

// NewBreaker creates a closed breaker.
func NewBreaker(clock clockwork.Clock) *Breaker {
	return &Breaker{clock: clock}
}

// Allow reports whether an acquisition may proceed. While the circuit is
// open it returns a *types.CircuitOpenError carrying the remaining
// cool-down. Allow never mutates the failure count.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	if b.reopenAt.After(now) {
		return types.NewCircuitOpenError(b.reopenAt.Sub(now))
	}
	return nil
}

// RecordSuccess closes the circuit and resets the failure streak.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.consecutiveFailures > 0 {
		log.Info().
			Int("cleared_failures", b.consecutiveFailures).
			Msg("Circuit breaker reset after successful launch")
	}
	b.consecutiveFailures = 0
	b.reopenAt = time.Time{}
	metrics.CircuitBreakerOpen.Set(0)
}

// RecordFailure counts one launch failure. Reaching the threshold opens the
// circuit for the reset delay; further failures while half-open re-open it.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++
	if b.consecutiveFailures < config.CircuitThreshold {
		log.Warn().
			Int("consecutive_failures", b.consecutiveFailures).
			Int("threshold", config.CircuitThreshold).
			Msg("Browser launch failure recorded")
		return
	}

	b.reopenAt = b.clock.Now().Add(config.CircuitResetDelay)
	metrics.CircuitBreakerOpen.Set(1)
	metrics.CircuitBreakerTrips.Inc()
	log.Error().
		Int("consecutive_failures", b.consecutiveFailures).
		Time("reopen_at", b.reopenAt).
		Msg("Circuit breaker opened")
}

// State returns the failure streak, whether the circuit is currently open,
// and the time it re-closes (zero when it never opened).
func (b *Breaker) State() (failures int, open bool, reopenAt time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutiveFailures, b.reopenAt.After(b.clock.Now()), b.reopenAt
}
