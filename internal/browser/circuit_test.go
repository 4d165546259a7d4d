package browser

import (
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/streamsnare/streamsnare/internal/config"
	"github.com/streamsnare/streamsnare/internal/types"
)

func TestBreakerClosedByDefault(t *testing.T) {
	b := NewBreaker(clockwork.NewFakeClock())

	if err := b.Allow(); err != nil {
		t.Fatalf("Allow on fresh breaker returned error: %v", err)
	}

	failures, open, reopenAt := b.State()
	if failures != 0 {
		t.Errorf("Expected 0 failures, got %d", failures)
	}
	if open {
		t.Error("Expected circuit closed")
	}
	if !reopenAt.IsZero() {
		t.Errorf("Expected zero reopenAt, got %v", reopenAt)
	}
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := NewBreaker(clock)

	// The streak below the threshold never opens the circuit.
	for i := 0; i < config.CircuitThreshold-1; i++ {
		b.RecordFailure()
		if err := b.Allow(); err != nil {
			t.Fatalf("Allow after %d failures returned error: %v", i+1, err)
		}
	}

	b.RecordFailure()

	err := b.Allow()
	if err == nil {
		t.Fatal("Expected error after threshold failures")
	}

	var coe *types.CircuitOpenError
	if !errors.As(err, &coe) {
		t.Fatalf("Expected *types.CircuitOpenError, got %T: %v", err, err)
	}
	if !errors.Is(err, types.ErrCircuitOpen) {
		t.Error("Expected error to match types.ErrCircuitOpen")
	}
	if coe.RetryAfter <= 0 || coe.RetryAfter > config.CircuitResetDelay {
		t.Errorf("RetryAfter = %v, want within (0, %v]", coe.RetryAfter, config.CircuitResetDelay)
	}
}

func TestBreakerAllowDoesNotMutate(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := NewBreaker(clock)

	for i := 0; i < config.CircuitThreshold; i++ {
		b.RecordFailure()
	}

	// Repeated rejections must not extend the cool-down or grow the streak.
	_, _, reopenAt := b.State()
	for i := 0; i < 5; i++ {
		if err := b.Allow(); err == nil {
			t.Fatal("Expected rejection while circuit open")
		}
	}

	failures, open, after := b.State()
	if failures != config.CircuitThreshold {
		t.Errorf("Expected %d failures, got %d", config.CircuitThreshold, failures)
	}
	if !open {
		t.Error("Expected circuit still open")
	}
	if !after.Equal(reopenAt) {
		t.Errorf("reopenAt moved from %v to %v", reopenAt, after)
	}
}

func TestBreakerRetryAfterCountsDown(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := NewBreaker(clock)

	for i := 0; i < config.CircuitThreshold; i++ {
		b.RecordFailure()
	}

	clock.Advance(10 * time.Second)

	var coe *types.CircuitOpenError
	if err := b.Allow(); !errors.As(err, &coe) {
		t.Fatalf("Expected circuit open error, got %v", err)
	}
	want := config.CircuitResetDelay - 10*time.Second
	if coe.RetryAfter != want {
		t.Errorf("RetryAfter = %v, want %v", coe.RetryAfter, want)
	}
}

func TestBreakerCoolDownElapses(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := NewBreaker(clock)

	for i := 0; i < config.CircuitThreshold; i++ {
		b.RecordFailure()
	}

	clock.Advance(config.CircuitResetDelay)

	if err := b.Allow(); err != nil {
		t.Fatalf("Expected Allow after cool-down, got %v", err)
	}

	// The streak survives the cool-down, so one more failure re-opens
	// immediately.
	b.RecordFailure()
	if err := b.Allow(); err == nil {
		t.Fatal("Expected circuit re-opened by failure after cool-down")
	}
}

func TestBreakerSuccessResets(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := NewBreaker(clock)

	// A success just under the threshold clears the streak without a trip.
	for i := 0; i < config.CircuitThreshold-1; i++ {
		b.RecordFailure()
	}
	b.RecordSuccess()

	failures, open, _ := b.State()
	if failures != 0 || open {
		t.Fatalf("Expected clean state after success, got failures=%d open=%v", failures, open)
	}

	// A fresh streak must need the full threshold again.
	b.RecordFailure()
	if err := b.Allow(); err != nil {
		t.Fatalf("Expected circuit closed after single failure, got %v", err)
	}
}

func TestBreakerSuccessClosesOpenCircuit(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := NewBreaker(clock)

	for i := 0; i < config.CircuitThreshold; i++ {
		b.RecordFailure()
	}
	clock.Advance(config.CircuitResetDelay)

	// Cool-down elapsed, the retry succeeded.
	b.RecordSuccess()

	failures, open, reopenAt := b.State()
	if failures != 0 || open || !reopenAt.IsZero() {
		t.Fatalf("Expected closed circuit after success, got failures=%d open=%v reopenAt=%v",
			failures, open, reopenAt)
	}
}
