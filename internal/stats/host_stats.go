// Package stats tracks extraction outcomes per embed host. A host whose
// success rate collapses usually means its player markup or token scheme
// changed, and the per-host counters surface that without log archaeology.
package stats

import (
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// maxHosts caps the tracked host count before LRU eviction kicks in.
const maxHosts = 10000

// evictionBatch is how many hosts one eviction pass removes.
const evictionBatch = 100

const (
	cleanupInterval = 5 * time.Minute
	staleAfter      = 6 * time.Hour
)

// Outcome is the per-host classification of a finished extraction.
type Outcome string

const (
	// OutcomeSuccess means a manifest was captured.
	OutcomeSuccess Outcome = "success"
	// OutcomeTimeout means the deadline passed without a manifest sighting.
	OutcomeTimeout Outcome = "timeout"
	// OutcomeError covers browser and page failures during the attempt.
	OutcomeError Outcome = "error"
)

// HostStats accumulates outcomes for a single embed host.
type HostStats struct {
	mu sync.RWMutex

	attempts  int64
	successes int64
	timeouts  int64
	errors    int64

	// Successful extraction durations only; failures just reflect the
	// configured timeout.
	successDurationMs int64

	lastAttempt time.Time
	lastSuccess time.Time

	// For LRU eviction and stale cleanup.
	lastAccess time.Time
}

// HostStatsJSON is the wire form of one host's counters.
type HostStatsJSON struct {
	Attempts      int64     `json:"attempts"`
	Successes     int64     `json:"successes"`
	Timeouts      int64     `json:"timeouts"`
	Errors        int64     `json:"errors"`
	SuccessRate   float64   `json:"successRate"`
	AvgDurationMs int64     `json:"avgDurationMs"`
	LastAttempt   time.Time `json:"lastAttempt,omitzero"`
	LastSuccess   time.Time `json:"lastSuccess,omitzero"`
}

func (s *HostStats) toJSON() HostStatsJSON {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := HostStatsJSON{
		Attempts:    s.attempts,
		Successes:   s.successes,
		Timeouts:    s.timeouts,
		Errors:      s.errors,
		LastAttempt: s.lastAttempt,
		LastSuccess: s.lastSuccess,
	}
	if s.attempts > 0 {
		out.SuccessRate = float64(s.successes) / float64(s.attempts)
	}
	if s.successes > 0 {
		out.AvgDurationMs = s.successDurationMs / s.successes
	}
	return out
}

// Tracker holds per-host counters behind an RWMutex map and prunes entries
// that have not been touched for a while.
type Tracker struct {
	mu    sync.RWMutex
	hosts map[string]*HostStats

	clock  clockwork.Clock
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewTracker creates a tracker and starts its background cleanup loop.
func NewTracker(clock clockwork.Clock) *Tracker {
	t := &Tracker{
		hosts:  make(map[string]*HostStats),
		clock:  clock,
		stopCh: make(chan struct{}),
	}

	t.wg.Add(1)
	go t.cleanupLoop()

	return t
}

// Close stops the cleanup loop.
func (t *Tracker) Close() {
	close(t.stopCh)
	t.wg.Wait()
}

func (t *Tracker) cleanupLoop() {
	defer t.wg.Done()

	ticker := t.clock.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			t.removeStale(staleAfter)
		case <-t.stopCh:
			return
		}
	}
}

// removeStale drops hosts whose last access is older than maxAge.
func (t *Tracker) removeStale(maxAge time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	removed := 0

	for host, s := range t.hosts {
		s.mu.RLock()
		lastAccess := s.lastAccess
		s.mu.RUnlock()

		if now.Sub(lastAccess) > maxAge {
			delete(t.hosts, host)
			removed++
		}
	}

	if removed > 0 {
		log.Debug().
			Int("removed", removed).
			Int("remaining", len(t.hosts)).
			Msg("Dropped stale host stats")
	}
}

// HostOf reduces an embed URL to its tracking key, the lowercased hostname.
// Returns "" for unparseable URLs.
func HostOf(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(parsed.Hostname())
}

// Record adds one finished extraction for host. Durations count toward the
// host average only on success.
func (t *Tracker) Record(host string, outcome Outcome, duration time.Duration) {
	if host == "" {
		return
	}

	s := t.getOrCreate(host)
	now := t.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.attempts++
	s.lastAttempt = now
	switch outcome {
	case OutcomeSuccess:
		s.successes++
		s.successDurationMs += duration.Milliseconds()
		s.lastSuccess = now
	case OutcomeTimeout:
		s.timeouts++
	default:
		s.errors++
	}
}

// getOrCreate returns the entry for host, evicting the oldest batch first
// when the map is at capacity. The manager lock is released before the
// entry lock is taken.
func (t *Tracker) getOrCreate(host string) *HostStats {
	t.mu.Lock()

	s, ok := t.hosts[host]
	if !ok {
		if len(t.hosts) >= maxHosts {
			t.evictOldestLocked(evictionBatch)
		}
		s = &HostStats{lastAccess: t.clock.Now()}
		t.hosts[host] = s
		t.mu.Unlock()
		return s
	}
	t.mu.Unlock()

	s.mu.Lock()
	s.lastAccess = t.clock.Now()
	s.mu.Unlock()
	return s
}

// evictOldestLocked removes the count least recently accessed hosts. Caller
// holds t.mu.
func (t *Tracker) evictOldestLocked(count int) {
	if count <= 0 || len(t.hosts) == 0 {
		return
	}
	if len(t.hosts) <= count {
		for host := range t.hosts {
			delete(t.hosts, host)
		}
		return
	}

	type entry struct {
		host       string
		lastAccess time.Time
	}
	candidates := make([]entry, 0, len(t.hosts))
	for host, s := range t.hosts {
		s.mu.RLock()
		candidates = append(candidates, entry{host, s.lastAccess})
		s.mu.RUnlock()
	}

	for i := 0; i < count && i < len(candidates); i++ {
		oldest := i
		for j := i + 1; j < len(candidates); j++ {
			if candidates[j].lastAccess.Before(candidates[oldest].lastAccess) {
				oldest = j
			}
		}
		candidates[i], candidates[oldest] = candidates[oldest], candidates[i]
		delete(t.hosts, candidates[i].host)
	}
}

// Snapshot returns the wire form of every tracked host.
func (t *Tracker) Snapshot() map[string]HostStatsJSON {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]HostStatsJSON, len(t.hosts))
	for host, s := range t.hosts {
		out[host] = s.toJSON()
	}
	return out
}

// HostCount reports how many hosts are currently tracked.
func (t *Tracker) HostCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.hosts)
}
