package event

import (
	"sync"
	"time"
)

// CircuitState is the state of a CircuitBreaker.
type CircuitState int

const (
	// CircuitClosed means requests flow normally.
	CircuitClosed CircuitState = iota
	// CircuitOpen means requests fail fast without touching the dependency.
	CircuitOpen
	// CircuitHalfOpen means requests are let through again to probe whether
	// the dependency has recovered: successThreshold successes close the
	// breaker and any failure reopens it. The number of requests let
	// through while half-open is not limited.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker protects a single external dependency (a store, a
// publisher) from being hammered while it is failing.
type CircuitBreaker struct {
	mu sync.RWMutex

	failureThreshold int
	successThreshold int
	timeout          time.Duration

	state         CircuitState
	failures      int
	successes     int
	lastStateTime time.Time

	totalFailures  int64
	totalSuccesses int64
}

// NewCircuitBreaker creates a breaker that opens after failureThreshold
// consecutive failures and closes again after successThreshold consecutive
// successes in the half-open state, waiting timeout before probing.
func NewCircuitBreaker(failureThreshold, successThreshold int, timeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if successThreshold <= 0 {
		successThreshold = 2
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		timeout:          timeout,
		state:            CircuitClosed,
		lastStateTime:    time.Now(),
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Allow reports whether a call to the guarded dependency should proceed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if time.Since(cb.lastStateTime) > cb.timeout {
			cb.state = CircuitHalfOpen
			cb.successes = 0
			cb.lastStateTime = time.Now()
			return true
		}
		return false
	default: // CircuitHalfOpen
		return true
	}
}

// RecordSuccess reports a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.totalSuccesses++

	if cb.state == CircuitHalfOpen {
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.state = CircuitClosed
			cb.successes = 0
			cb.lastStateTime = time.Now()
		}
	}
}

// RecordFailure reports a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.successes = 0
	cb.failures++
	cb.totalFailures++

	if cb.state == CircuitClosed && cb.failures >= cb.failureThreshold {
		cb.state = CircuitOpen
		cb.lastStateTime = time.Now()
	} else if cb.state == CircuitHalfOpen {
		cb.state = CircuitOpen
		cb.lastStateTime = time.Now()
	}
}

// Stats is a point-in-time snapshot of a CircuitBreaker, exposed on the
// operational /stats surface.
type Stats struct {
	State          string `json:"state"`
	ConsecutiveFailures int `json:"consecutive_failures"`
	TotalFailures  int64  `json:"total_failures"`
	TotalSuccesses int64  `json:"total_successes"`
}

// Stats returns a snapshot of the breaker's counters.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return Stats{
		State:               cb.state.String(),
		ConsecutiveFailures: cb.failures,
		TotalFailures:       cb.totalFailures,
		TotalSuccesses:      cb.totalSuccesses,
	}
}

// BreakerRegistry holds one CircuitBreaker per named external dependency
// (e.g. "coldstore", "hotstore", "publisher"). This generalizes the
// per-handler CircuitBreaker into a per-dependency registry with reset
// support, mirroring an error-handling registry pattern where every
// downstream dependency gets independent trip state and administrators can
// force a breaker closed after a fix ships.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker

	failureThreshold int
	successThreshold int
	timeout          time.Duration
}

// NewBreakerRegistry creates a registry that lazily creates breakers with
// the given thresholds on first use.
func NewBreakerRegistry(failureThreshold, successThreshold int, timeout time.Duration) *BreakerRegistry {
	return &BreakerRegistry{
		breakers:         make(map[string]*CircuitBreaker),
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		timeout:          timeout,
	}
}

// Get returns the breaker for name, creating it if necessary.
func (r *BreakerRegistry) Get(name string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	cb := NewCircuitBreaker(r.failureThreshold, r.successThreshold, r.timeout)
	r.breakers[name] = cb
	return cb
}

// Reset forces the named breaker back to CircuitClosed. Used by the
// operational /stats or admin surface after a known-fixed dependency.
func (r *BreakerRegistry) Reset(name string) {
	r.mu.Lock()
	cb, ok := r.breakers[name]
	r.mu.Unlock()
	if !ok {
		return
	}
	cb.mu.Lock()
	cb.state = CircuitClosed
	cb.failures = 0
	cb.successes = 0
	cb.lastStateTime = time.Now()
	cb.mu.Unlock()
}

// Allow reports whether a call to the named dependency should proceed,
// creating its breaker (closed) on first use.
func (r *BreakerRegistry) Allow(name string) bool {
	return r.Get(name).Allow()
}

// RecordSuccess reports a successful call against the named dependency.
func (r *BreakerRegistry) RecordSuccess(name string) {
	r.Get(name).RecordSuccess()
}

// RecordFailure reports a failed call against the named dependency.
func (r *BreakerRegistry) RecordFailure(name string) {
	r.Get(name).RecordFailure()
}

// Snapshot returns a Stats map keyed by dependency name.
func (r *BreakerRegistry) Snapshot() map[string]Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Stats, len(r.breakers))
	for name, cb := range r.breakers {
		out[name] = cb.Stats()
	}
	return out
}
