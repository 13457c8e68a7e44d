package backend

import (
	"sync"
	"testing"
	"time"
)

// TestCircuitBreakerHalfOpenSingleProbeUnderLoad checks that under
// concurrent Enrich retries racing against a half-open breaker, only one
// probe call is admitted at a time.
func TestCircuitBreakerHalfOpenSingleProbeUnderLoad(t *testing.T) {
	cb := NewCircuitBreaker(20*time.Millisecond, 50*time.Millisecond, 0.5, 2)
	if cb.State() != BreakerClosed {
		t.Fatal("expected closed")
	}
	cb.Record(false)
	cb.Record(false)
	if cb.State() != BreakerOpen {
		t.Fatal("expected open after 2 failures")
	}

	// Wait for cooldown to enter HalfOpen.
	time.Sleep(60 * time.Millisecond)

	// Concurrently call Allow; only one should be allowed.
	const N = 100
	var wg sync.WaitGroup
	wg.Add(N)
	trues := 0
	var mu sync.Mutex
	for i := 0; i < N; i++ {
		go func() {
			defer wg.Done()
			if cb.Allow() {
				mu.Lock()
				trues++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if trues != 1 {
		t.Fatalf("expected exactly 1 allowed probe, got %d", trues)
	}

	// Fail the probe to remain Open.
	cb.Record(false)
	if cb.State() != BreakerOpen {
		t.Fatalf("expected open after failed probe, got %v", cb.State())
	}

	// Wait again to HalfOpen and check single probe again.
	time.Sleep(60 * time.Millisecond)
	trues = 0
	wg.Add(N)
	for i := 0; i < N; i++ {
		go func() {
			defer wg.Done()
			if cb.Allow() {
				mu.Lock()
				trues++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if trues != 1 {
		t.Fatalf("expected exactly 1 allowed probe in second cycle, got %d", trues)
	}

	// Succeed the probe to close.
	cb.Record(true)
	if cb.State() != BreakerClosed {
		t.Fatalf("expected closed after successful probe, got %v", cb.State())
	}
}
