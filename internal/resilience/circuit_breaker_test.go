package resilience

import (
	"testing"
	"time"
)

func TestCircuitBreakerStaysClosedBelowThreshold(t *testing.T) {
	cb := NewCircuitBreaker("test-target", time.Second, 10, 5, 0.5, time.Millisecond, 1)
	for i := 0; i < 10; i++ {
		if !cb.Allow() {
			t.Fatalf("Allow() = false at iteration %d, want true", i)
		}
		cb.RecordResult(true)
	}
	if cb.state != stateClosed {
		t.Fatalf("state = %v, want closed", cb.state)
	}
}

func TestCircuitBreakerOpensOnSustainedFailure(t *testing.T) {
	cb := NewCircuitBreaker("test-target", time.Second, 1, 4, 0.5, time.Hour, 1)
	for i := 0; i < 4; i++ {
		cb.Allow()
		cb.RecordResult(false)
	}
	if cb.state != stateOpen {
		t.Fatalf("state = %v, want open", cb.state)
	}
	if cb.Allow() {
		t.Fatal("Allow() = true while open and halfOpenAfter not elapsed")
	}
}

func TestCircuitBreakerHalfOpenRecoversOnSuccess(t *testing.T) {
	cb := NewCircuitBreaker("test-target", time.Second, 1, 2, 0.5, time.Millisecond, 1)
	cb.Allow()
	cb.RecordResult(false)
	cb.Allow()
	cb.RecordResult(false)
	if cb.state != stateOpen {
		t.Fatalf("state = %v, want open", cb.state)
	}
	time.Sleep(5 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("Allow() = false after cool-down, want true (half-open probe)")
	}
	cb.RecordResult(true)
	if cb.state != stateClosed {
		t.Fatalf("state = %v, want closed after successful probe", cb.state)
	}
}

func TestCircuitBreakerRetainsItsTarget(t *testing.T) {
	cb := NewCircuitBreaker("nats:rank=3", time.Second, 1, 4, 0.5, time.Hour, 1)
	if cb.target != "nats:rank=3" {
		t.Fatalf("target = %q, want %q", cb.target, "nats:rank=3")
	}
	// Independent breakers for different ranks must not share trip state.
	other := NewCircuitBreaker("nats:rank=4", time.Second, 1, 4, 0.5, time.Hour, 1)
	for i := 0; i < 4; i++ {
		cb.Allow()
		cb.RecordResult(false)
	}
	if cb.state != stateOpen {
		t.Fatalf("cb.state = %v, want open", cb.state)
	}
	if other.state != stateClosed {
		t.Fatalf("other.state = %v, want closed (independent of cb's target)", other.state)
	}
}

func TestCircuitBreakerHalfOpenReopensOnFailure(t *testing.T) {
	cb := NewCircuitBreaker("test-target", time.Second, 1, 2, 0.5, time.Millisecond, 1)
	cb.Allow()
	cb.RecordResult(false)
	cb.Allow()
	cb.RecordResult(false)
	time.Sleep(5 * time.Millisecond)
	cb.Allow()
	cb.RecordResult(false)
	if cb.state != stateOpen {
		t.Fatalf("state = %v, want open after failed probe", cb.state)
	}
}
