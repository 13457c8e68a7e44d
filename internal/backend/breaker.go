package backend

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker's current posture toward the
// Enricher's upstream generative endpoint.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerHalfOpen
	BreakerOpen
)

type breakerResult struct {
	t  time.Time
	ok bool
}

// CircuitBreaker is the Enricher's sliding-window health gate: it trips
// open after a burst of upstream failures/timeouts so a flaky LLM
// endpoint can't cascade into every worker blocking on it, and probes
// with a single request once its cooldown elapses.
type CircuitBreaker struct {
	mu               sync.Mutex
	state            BreakerState
	window           time.Duration
	cooldown         time.Duration
	failureThresh    float64
	minSamples       int
	lastTransition   time.Time
	results          []breakerResult
	halfOpenInFlight bool
}

// NewCircuitBreaker builds a breaker that opens once at least minSamples
// calls land within window and the failure rate reaches failureThresh,
// staying open for cooldown before allowing a single half-open probe.
func NewCircuitBreaker(window, cooldown time.Duration, failureThresh float64, minSamples int) *CircuitBreaker {
	return &CircuitBreaker{
		state:          BreakerClosed,
		window:         window,
		cooldown:       cooldown,
		failureThresh:  failureThresh,
		minSamples:     minSamples,
		lastTransition: time.Now(),
	}
}

// State reports the breaker's current posture, for the health surface's
// gauge.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Allow reports whether the Enricher may make its next call. In Open it
// refuses until cooldown elapses, then admits exactly one half-open
// probe; in HalfOpen it admits nothing further until that probe
// resolves via Record.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case BreakerOpen:
		if time.Since(cb.lastTransition) >= cb.cooldown {
			cb.state = BreakerHalfOpen
			cb.lastTransition = time.Now()
			cb.halfOpenInFlight = true
			return true
		}
		return false
	case BreakerHalfOpen:
		if cb.halfOpenInFlight {
			return false
		}
		cb.halfOpenInFlight = true
		return true
	default:
		return true
	}
}

// Record reports the outcome of an Enrich call, purging samples older
// than window and re-evaluating the failure rate against failureThresh.
func (cb *CircuitBreaker) Record(ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	now := time.Now()
	cutoff := now.Add(-cb.window)
	filtered := cb.results[:0]
	for _, r := range cb.results {
		if r.t.After(cutoff) {
			filtered = append(filtered, r)
		}
	}
	cb.results = append(filtered, breakerResult{t: now, ok: ok})

	total := len(cb.results)
	if total < cb.minSamples {
		if cb.state == BreakerHalfOpen {
			if ok {
				cb.state = BreakerClosed
			} else {
				cb.state = BreakerOpen
			}
			cb.lastTransition = now
		}
		return
	}
	fails := 0
	for _, r := range cb.results {
		if !r.ok {
			fails++
		}
	}
	rate := float64(fails) / float64(total)
	switch cb.state {
	case BreakerClosed:
		if rate >= cb.failureThresh {
			cb.state = BreakerOpen
			cb.lastTransition = now
		}
	case BreakerHalfOpen:
		if ok {
			cb.state = BreakerClosed
		} else {
			cb.state = BreakerOpen
		}
		cb.halfOpenInFlight = false
		cb.lastTransition = now
	case BreakerOpen:
		// handled in Allow()
	}
}
