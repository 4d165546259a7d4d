package humanize

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// ErrNotVisible is returned when an element has no rendered geometry to
// aim a gesture at.
var ErrNotVisible = errors.New("element not visible or has no bounds")

// RandomDuration returns a duration drawn uniformly from [minMs, maxMs]
// milliseconds. A degenerate range collapses to minMs.
func RandomDuration(minMs, maxMs int) time.Duration {
	if maxMs <= minMs {
		return time.Duration(minMs) * time.Millisecond
	}
	ms := minMs + rand.Intn(maxMs-minMs+1)
	return time.Duration(ms) * time.Millisecond
}

// sleepWithContext sleeps for d or until ctx is cancelled. Reports whether
// the full duration elapsed.
func sleepWithContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
