// Package circuitbreaker guards each upstream service with a three-state
// failure-isolation machine. Breakers are driven exclusively by real dispatch
// outcomes; the health supervisor only reads state.
package circuitbreaker

import (
	"sync"
	"sync/atomic"
	"time"
)

// State is the breaker position.
type State int

const (
	StateClosed   State = iota // normal operation
	StateOpen                  // failing, reject dispatch
	StateHalfOpen              // probing recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds breaker thresholds.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	OpenTimeout      time.Duration
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}
	return c
}

// Breaker is one upstream's state machine.
type Breaker struct {
	mu                   sync.Mutex
	state                State
	consecutiveFailures  int
	consecutiveSuccesses int
	halfOpenInflight     int
	openedAt             time.Time
	cfg                  Config

	totalRejected atomic.Int64
}

// NewBreaker creates a closed breaker.
func NewBreaker(cfg Config) *Breaker {
	return &Breaker{cfg: cfg.withDefaults()}
}

// Allow reports whether a dispatch may proceed. In half-open at most one
// probe is in flight at a time; its outcome must be reported via
// RecordSuccess or RecordFailure.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true

	case StateOpen:
		if time.Since(b.openedAt) >= b.cfg.OpenTimeout {
			b.state = StateHalfOpen
			b.consecutiveSuccesses = 0
			b.consecutiveFailures = 0
			b.halfOpenInflight = 1
			return true
		}
		b.totalRejected.Add(1)
		return false

	case StateHalfOpen:
		if b.halfOpenInflight == 0 {
			b.halfOpenInflight = 1
			return true
		}
		b.totalRejected.Add(1)
		return false
	}
	return false
}

// RecordSuccess consumes a dispatch that returned status < 500.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.consecutiveFailures = 0

	case StateHalfOpen:
		b.halfOpenInflight = 0
		b.consecutiveSuccesses++
		if b.consecutiveSuccesses >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.consecutiveFailures = 0
			b.consecutiveSuccesses = 0
		}
	}
}

// RecordFailure consumes a dispatch that ended in connection error, timeout,
// or an upstream 5xx.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.state = StateOpen
			b.openedAt = time.Now()
		}

	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = time.Now()
		b.halfOpenInflight = 0
		b.consecutiveSuccesses = 0
	}
}

// ReleaseProbe returns a half-open probe slot without recording an outcome,
// for dispatches that ended in client cancellation and count as neither
// success nor failure.
func (b *Breaker) ReleaseProbe() {
	b.mu.Lock()
	if b.state == StateHalfOpen {
		b.halfOpenInflight = 0
	}
	b.mu.Unlock()
}

// Reset forces the breaker closed and zeroes all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
	b.halfOpenInflight = 0
	b.openedAt = time.Time{}
}

// State returns the current state. It makes no transition itself: an open
// breaker whose timeout has elapsed reports half_open only after Allow has
// claimed the probe slot.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot is a point-in-time view for the management API.
type Snapshot struct {
	State                string    `json:"state"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	FailureThreshold     int       `json:"failure_threshold"`
	SuccessThreshold     int       `json:"success_threshold"`
	OpenedAt             time.Time `json:"opened_at,omitzero"`
	TotalRejected        int64     `json:"total_rejected"`
}

// Snapshot returns the breaker's current accounting.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Snapshot{
		State:                b.state.String(),
		ConsecutiveFailures:  b.consecutiveFailures,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		FailureThreshold:     b.cfg.FailureThreshold,
		SuccessThreshold:     b.cfg.SuccessThreshold,
		OpenedAt:             b.openedAt,
		TotalRejected:        b.totalRejected.Load(),
	}
}

// Registry manages one breaker per upstream service, created on first use.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      Config
}

// NewRegistry creates a registry applying cfg to every new breaker.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		cfg:      cfg.withDefaults(),
	}
}

// Get returns the breaker for a service, creating it if absent.
func (r *Registry) Get(service string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[service]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[service]; ok {
		return b
	}
	b = NewBreaker(r.cfg)
	r.breakers[service] = b
	return b
}

// Allow gates dispatch to a service.
func (r *Registry) Allow(service string) bool {
	return r.Get(service).Allow()
}

// RecordSuccess reports a successful dispatch for a service.
func (r *Registry) RecordSuccess(service string) {
	r.Get(service).RecordSuccess()
}

// RecordFailure reports a failed dispatch for a service.
func (r *Registry) RecordFailure(service string) {
	r.Get(service).RecordFailure()
}

// ReleaseProbe frees a service's half-open probe slot without an outcome.
func (r *Registry) ReleaseProbe(service string) {
	r.Get(service).ReleaseProbe()
}

// State returns a service's breaker state.
func (r *Registry) State(service string) State {
	return r.Get(service).State()
}

// Reset forces a service's breaker closed.
func (r *Registry) Reset(service string) {
	r.Get(service).Reset()
}

// Snapshots returns the accounting of every known breaker.
func (r *Registry) Snapshots() map[string]Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Snapshot, len(r.breakers))
	for svc, b := range r.breakers {
		out[svc] = b.Snapshot()
	}
	return out
}
