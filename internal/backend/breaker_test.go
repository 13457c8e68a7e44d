package backend

import (
	"testing"
	"time"
)

func TestCircuitBreakerTransitions(t *testing.T) {
	cb := NewCircuitBreaker(2*time.Second, 200*time.Millisecond, 0.5, 2)
	if cb.State() != BreakerClosed {
		t.Fatal("expected closed")
	}
	cb.Record(false)
	cb.Record(false)
	time.Sleep(10 * time.Millisecond)
	if cb.State() != BreakerOpen {
		t.Fatal("expected open")
	}
	if cb.Allow() != false {
		t.Fatal("should not allow until cooldown")
	}
	time.Sleep(250 * time.Millisecond)
	if cb.Allow() != true {
		t.Fatal("should allow probe in half-open")
	}
	cb.Record(true)
	if cb.State() != BreakerClosed {
		t.Fatal("expected closed after probe success")
	}
}
