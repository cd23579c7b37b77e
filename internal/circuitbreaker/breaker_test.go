package circuitbreaker

import (
	"testing"
	"time"
)

func TestBreaker_AllowWhenClosed(t *testing.T) {
	b := New(3, 100*time.Millisecond)
	if !b.Allow("threatintel") {
		t.Fatal("expected closed circuit to allow")
	}
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b := New(3, 100*time.Millisecond)

	// 2 failures = still closed
	b.RecordFailure("threatintel")
	b.RecordFailure("threatintel")
	if !b.Allow("threatintel") {
		t.Fatal("should still allow before threshold")
	}

	// 3rd failure = open
	b.RecordFailure("threatintel")
	if b.Allow("threatintel") {
		t.Fatal("should be open after 3 failures")
	}
	if b.State("threatintel") != StateOpen {
		t.Fatalf("expected StateOpen, got %v", b.State("threatintel"))
	}
}

func TestBreaker_OpenToHalfOpenAfterDuration(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	b.RecordFailure("anomaly")
	b.RecordFailure("anomaly")
	if b.Allow("anomaly") {
		t.Fatal("should be open")
	}

	// Wait for open duration.
	time.Sleep(60 * time.Millisecond)

	// Should transition to half-open and allow one probe.
	if !b.Allow("anomaly") {
		t.Fatal("should allow probe in half-open")
	}
	if b.State("anomaly") != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %v", b.State("anomaly"))
	}

	// Second request while half-open should be rejected.
	if b.Allow("anomaly") {
		t.Fatal("should reject second request in half-open")
	}
}

func TestBreaker_HalfOpenSuccessCloses(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	b.RecordFailure("anomaly")
	b.RecordFailure("anomaly")
	time.Sleep(60 * time.Millisecond)
	b.Allow("anomaly") // Transitions to half-open

	b.RecordSuccess("anomaly")
	if b.State("anomaly") != StateClosed {
		t.Fatalf("expected StateClosed after success, got %v", b.State("anomaly"))
	}
	if !b.Allow("anomaly") {
		t.Fatal("should allow after recovery")
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	b.RecordFailure("anomaly")
	b.RecordFailure("anomaly")
	time.Sleep(60 * time.Millisecond)
	b.Allow("anomaly") // Transitions to half-open

	b.RecordFailure("anomaly")
	if b.State("anomaly") != StateOpen {
		t.Fatalf("expected StateOpen after half-open failure, got %v", b.State("anomaly"))
	}
}

func TestBreaker_SuccessResets(t *testing.T) {
	b := New(3, 100*time.Millisecond)

	b.RecordFailure("threatintel")
	b.RecordFailure("threatintel")
	b.RecordSuccess("threatintel")

	// Should not trip with only 1 more failure (counter was reset).
	b.RecordFailure("threatintel")
	if !b.Allow("threatintel") {
		t.Fatal("should still be closed after reset")
	}
}

func TestBreaker_IndependentDependencies(t *testing.T) {
	b := New(2, 100*time.Millisecond)

	b.RecordFailure("threatintel")
	b.RecordFailure("threatintel")

	// threatintel is open, anomaly should be unaffected.
	if b.Allow("threatintel") {
		t.Fatal("threatintel should be open")
	}
	if !b.Allow("anomaly") {
		t.Fatal("anomaly should be closed")
	}
}
