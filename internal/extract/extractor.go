// Package extract turns embed page URLs into replayable HLS manifest
// requests. An extraction drives the shared stealth browser from the pool,
// watches the page's network traffic for the first playlist fetch, aborts it
// before any single-use token is consumed and returns the URL together with
// the headers and cookies a client needs to replay it.
package extract

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/streamsnare/streamsnare/internal/browser"
	"github.com/streamsnare/streamsnare/internal/metrics"
	"github.com/streamsnare/streamsnare/internal/rules"
	"github.com/streamsnare/streamsnare/internal/security"
	"github.com/streamsnare/streamsnare/internal/stats"
	"github.com/streamsnare/streamsnare/internal/types"
	"github.com/streamsnare/streamsnare/pkg/version"
)

// Request is one extraction order, already validated by the caller.
type Request struct {
	EmbedURL string
	Timeout  time.Duration
	Priority int
}

// Extractor submits extraction requests to the browser pool and classifies
// their outcomes.
type Extractor struct {
	pool      *browser.Pool
	rules     *rules.Manager
	stats     *stats.Tracker
	clock     clockwork.Clock
	userAgent string
}

// New creates an Extractor on top of the pool. Routing rules come from the
// manager so hot reloads apply from the next extraction on. A nil tracker
// disables per-host stats.
func New(pool *browser.Pool, mgr *rules.Manager, tracker *stats.Tracker, clock clockwork.Clock) *Extractor {
	return &Extractor{
		pool:      pool,
		rules:     mgr,
		stats:     tracker,
		clock:     clock,
		userAgent: version.UserAgent,
	}
}

// Extract runs one extraction end to end: queue, admit, drive, resolve.
// Cancelling ctx abandons the request only while it waits in the queue; an
// admitted extraction runs to its own resolution.
func (e *Extractor) Extract(ctx context.Context, req Request) (*types.ExtractionResult, error) {
	enqueued := e.clock.Now()

	log.Info().
		Str("url", security.RedactURL(req.EmbedURL)).
		Dur("timeout", req.Timeout).
		Int("priority", req.Priority).
		Msg("Extraction queued")

	var (
		result *types.ExtractionResult
		runErr error
	)
	err := e.pool.Submit(ctx, req.Priority, func(taskCtx context.Context, acquire browser.Acquire) {
		metrics.QueueWait.Observe(e.clock.Since(enqueued).Seconds())
		result, runErr = e.run(taskCtx, acquire, req)
	})
	if err != nil {
		// Never admitted: the pool rejected the request or the caller walked
		// away. No extraction ran, so no extraction metrics.
		log.Warn().
			Str("url", security.RedactURL(req.EmbedURL)).
			Err(err).
			Msg("Extraction never admitted")
		return nil, err
	}

	duration := e.clock.Since(enqueued)
	status, errorType := classify(runErr)
	metrics.RecordExtraction(status, errorType, duration)

	// A circuit-open rejection never reached the host, so it is not charged
	// to the host's record.
	if e.stats != nil && !errors.Is(runErr, types.ErrCircuitOpen) {
		e.stats.Record(stats.HostOf(req.EmbedURL), statOutcome(runErr), duration)
	}

	switch {
	case runErr == nil:
		log.Info().
			Str("url", security.RedactURL(req.EmbedURL)).
			Str("manifest", security.RedactURL(result.ManifestURL)).
			Dur("duration", duration).
			Msg("Extraction succeeded")
	case errors.Is(runErr, types.ErrExtractionTimeout):
		log.Warn().
			Str("url", security.RedactURL(req.EmbedURL)).
			Dur("timeout", req.Timeout).
			Msg("Extraction timed out without a manifest sighting")
	case errors.Is(runErr, types.ErrCircuitOpen):
		log.Warn().
			Str("url", security.RedactURL(req.EmbedURL)).
			Err(runErr).
			Msg("Extraction rejected while circuit open")
	default:
		log.Error().
			Str("url", security.RedactURL(req.EmbedURL)).
			Err(runErr).
			Dur("duration", duration).
			Msg("Extraction failed")
	}

	return result, runErr
}

// classify maps an extraction outcome onto the metric label pair.
func classify(err error) (status, errorType string) {
	switch {
	case err == nil:
		return metrics.StatusSuccess, metrics.ErrorTypeNone
	case errors.Is(err, types.ErrExtractionTimeout):
		return metrics.StatusFailure, metrics.ErrorTypeTimeout
	case errors.Is(err, types.ErrCircuitOpen):
		return metrics.StatusFailure, metrics.ErrorTypeCircuitOpen
	default:
		return metrics.StatusFailure, metrics.ErrorTypeBrowserError
	}
}

// statOutcome maps an extraction outcome onto the per-host stats bucket.
func statOutcome(err error) stats.Outcome {
	switch {
	case err == nil:
		return stats.OutcomeSuccess
	case errors.Is(err, types.ErrExtractionTimeout):
		return stats.OutcomeTimeout
	default:
		return stats.OutcomeError
	}
}

