// Package resilience provides per-target circuit breakers that shield the
// aggregator from repeatedly failing RPC endpoints and protocol contracts.
package resilience

import (
	"errors"
	"strings"
	"sync"
	"time"

	"defiflow/internal/metrics"
	"defiflow/logger"
	"defiflow/models"
)

// ErrCircuitOpen is returned by Do when the breaker for a key is open and
// the recovery timeout has not elapsed yet.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State describes the lifecycle stage of a single breaker.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// breaker tracks consecutive failures for a single key.
type breaker struct {
	state        State
	failures     int
	firstFailure time.Time
	openedAt     time.Time
}

// Registry manages circuit breakers keyed by protocol:method:target. A key
// gets its breaker lazily on first use.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*breaker

	failureThreshold int
	failureWindow    time.Duration
	recoveryTimeout  time.Duration

	now func() time.Time
	log *logger.Entry
}

// NewRegistry creates a registry with the given thresholds. Threshold is the
// number of consecutive failures inside the failure window that opens a
// breaker; recovery is how long an open breaker waits before allowing a
// half-open probe.
func NewRegistry(threshold int, window, recovery time.Duration) *Registry {
	if threshold <= 0 {
		threshold = 3
	}
	if window <= 0 {
		window = time.Minute
	}
	if recovery <= 0 {
		recovery = 30 * time.Second
	}
	return &Registry{
		breakers:         make(map[string]*breaker),
		failureThreshold: threshold,
		failureWindow:    window,
		recoveryTimeout:  recovery,
		now:              time.Now,
		log:              logger.GetLogger().WithComponent("resilience"),
	}
}

// Do executes fn under the breaker for key. When the breaker is open and the
// recovery timeout has not elapsed, fn is not called and ErrCircuitOpen is
// returned. A success closes the breaker; a failure in half-open state
// reopens it immediately.
func (r *Registry) Do(key string, fn func() error) error {
	b, proceed := r.beforeCall(key)
	if !proceed {
		return ErrCircuitOpen
	}

	err := fn()
	r.afterCall(key, b, err)
	return err
}

// beforeCall decides whether a call for key may proceed and transitions an
// open breaker to half-open once the recovery timeout has elapsed.
func (r *Registry) beforeCall(key string) (*breaker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.breakers[key]
	if b == nil {
		b = &breaker{state: StateClosed}
		r.breakers[key] = b
	}

	switch b.state {
	case StateOpen:
		if r.now().Sub(b.openedAt) < r.recoveryTimeout {
			return b, false
		}
		b.state = StateHalfOpen
		r.log.WithFields(logger.Fields{"key": key}).Info("circuit breaker half-open, probing")
		return b, true
	default:
		return b, true
	}
}

// afterCall records the call result and applies the state transitions.
func (r *Registry) afterCall(key string, b *breaker, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err == nil {
		if b.state != StateClosed {
			r.log.WithFields(logger.Fields{"key": key}).Info("circuit breaker closed after successful probe")
		}
		b.state = StateClosed
		b.failures = 0
		return
	}

	now := r.now()

	if b.state == StateHalfOpen {
		b.state = StateOpen
		b.openedAt = now
		b.failures = r.failureThreshold
		recordTrip(key)
		r.log.WithFields(logger.Fields{"key": key}).Warn("circuit breaker reopened after failed probe")
		return
	}

	// Failures only count as consecutive when they fall inside the
	// failure window. An older streak restarts the count.
	if b.failures == 0 || now.Sub(b.firstFailure) > r.failureWindow {
		b.failures = 1
		b.firstFailure = now
	} else {
		b.failures++
	}

	if b.failures >= r.failureThreshold {
		b.state = StateOpen
		b.openedAt = now
		recordTrip(key)
		r.log.WithFields(logger.Fields{
			"key":      key,
			"failures": b.failures,
		}).Warn("circuit breaker opened")
	}
}

// recordTrip counts an open transition. Keys are protocol:method:target, so
// the protocol label is the first segment.
func recordTrip(key string) {
	logger.IncrementBreakerTrip()
	protocol := key
	if i := strings.IndexByte(key, ':'); i > 0 {
		protocol = key[:i]
	}
	metrics.IncrementCircuitOpen(protocol)
}

// State returns the current state of the breaker for key. Keys that were
// never used report closed.
func (r *Registry) State(key string) State {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.breakers[key]
	if b == nil {
		return StateClosed
	}
	if b.state == StateOpen && r.now().Sub(b.openedAt) >= r.recoveryTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker for key back to closed and reports the state
// before and after the reset.
func (r *Registry) Reset(key string) (before, after State) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.breakers[key]
	if b == nil {
		return StateClosed, StateClosed
	}
	before = b.state
	b.state = StateClosed
	b.failures = 0
	r.log.WithFields(logger.Fields{"key": key, "before": string(before)}).Info("circuit breaker reset")
	return before, StateClosed
}

// ResetReport performs a Reset and wraps the transition in the operator
// response shape.
func (r *Registry) ResetReport(key string) models.ResetResult {
	before, after := r.Reset(key)
	return models.ResetResult{
		Success:     true,
		Key:         key,
		BeforeReset: string(before),
		AfterReset:  string(after),
	}
}

// Keys returns all keys that currently have a breaker, in no particular
// order.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]string, 0, len(r.breakers))
	for k := range r.breakers {
		keys = append(keys, k)
	}
	return keys
}
