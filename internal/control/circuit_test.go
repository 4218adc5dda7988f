package control

import (
	"testing"
	"time"
)

func TestCircuitBreaker_StateTransitions(t *testing.T) {
	c := NewCircuitBreaker(2, 100*time.Millisecond)
	now := time.Now()

	if c.State() != CircuitClosed {
		t.Fatalf("expected closed, got %s", c.State())
	}

	if c.RecordFailure("telegram_api", now) {
		t.Fatal("first failure must not open the breaker")
	}
	if !c.RecordFailure("telegram_api", now) {
		t.Fatal("expected threshold failure to report opening")
	}
	if c.State() != CircuitOpen {
		t.Fatalf("expected open after threshold failures, got %s", c.State())
	}

	if allowed, _ := c.Allow(now.Add(10 * time.Millisecond)); allowed {
		t.Fatal("expected deny while cooldown not elapsed")
	}
	allowed, probing := c.Allow(now.Add(120 * time.Millisecond))
	if !allowed || !probing {
		t.Fatalf("expected probe after cooldown, got allowed=%v probing=%v", allowed, probing)
	}
	if c.State() != CircuitHalfOpen {
		t.Fatalf("expected half_open, got %s", c.State())
	}

	if !c.RecordSuccess() {
		t.Fatal("expected probe success to report recovery")
	}
	if c.State() != CircuitClosed {
		t.Fatalf("expected closed after probe success, got %s", c.State())
	}
	if c.RecordSuccess() {
		t.Fatal("success on a closed breaker is not a recovery")
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	c := NewCircuitBreaker(1, time.Second)
	now := time.Now()

	c.RecordFailure("telegram_api", now)
	if allowed, _ := c.Allow(now.Add(2 * time.Second)); !allowed {
		t.Fatal("expected probe to be allowed after cooldown")
	}
	if !c.RecordFailure("transport", now.Add(2*time.Second)) {
		t.Fatal("expected failed probe to reopen")
	}
	if c.OpenedClass() != "transport" {
		t.Fatalf("expected opened class transport, got %q", c.OpenedClass())
	}
	if allowed, _ := c.Allow(now.Add(2500 * time.Millisecond)); allowed {
		t.Fatal("expected deny during the new cooldown")
	}
	if c.RecordFailure("transport", now.Add(2600*time.Millisecond)) {
		t.Fatal("failures while open must not report a new opening")
	}
}

func TestCircuitBreaker_ClassesCountSeparately(t *testing.T) {
	c := NewCircuitBreaker(2, time.Second)
	now := time.Now()
	c.RecordFailure("telegram_api", now)
	c.RecordFailure("transport", now)
	if c.State() != CircuitClosed {
		t.Fatalf("expected closed with one failure per class, got %s", c.State())
	}
	c.RecordFailure("", now)
	c.RecordFailure("", now)
	if c.State() != CircuitOpen || c.OpenedClass() != "unknown" {
		t.Fatalf("expected open on unknown class, got %s/%s", c.State(), c.OpenedClass())
	}
}

func TestCircuitBreaker_Defaults(t *testing.T) {
	c := NewCircuitBreaker(0, 0)
	if c.Threshold != 5 || c.Cooldown != 30*time.Second {
		t.Fatalf("unexpected defaults: threshold=%d cooldown=%s", c.Threshold, c.Cooldown)
	}
}
