// Package breaker implements the circuit breaker used for pipeline stages
// and external dependencies.
//
// A breaker transitions Closed -> Open after N consecutive failures,
// Open -> HalfOpen once the recovery timeout elapses, and HalfOpen allows
// exactly one probe call: success closes the breaker, failure reopens it.
package breaker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/EduPipe/LeadPipe/internal/metrics"
)

// Status is the breaker state.
type Status string

const (
	// StatusClosed allows all calls.
	StatusClosed Status = "closed"
	// StatusOpen rejects all calls until the recovery timeout elapses.
	StatusOpen Status = "open"
	// StatusHalfOpen allows exactly one probe call.
	StatusHalfOpen Status = "half_open"
)

// Breaker is a per-dependency failure-tracking gate. It is safe for
// concurrent use.
type Breaker struct {
	name             string
	failureThreshold int
	recoveryTimeout  time.Duration

	mu            sync.Mutex
	status        Status
	failures      int
	lastFailure   time.Time
	probeInFlight bool
}

// New creates a breaker with the given consecutive-failure threshold and
// recovery timeout.
func New(name string, failureThreshold int, recoveryTimeout time.Duration) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = 30 * time.Second
	}
	return &Breaker{
		name:             name,
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		status:           StatusClosed,
	}
}

// Name returns the breaker identifier.
func (b *Breaker) Name() string {
	return b.name
}

// Allow reports whether a call may proceed now. When the breaker is open and
// the recovery timeout has elapsed, it transitions to half-open and admits a
// single probe call; further callers are rejected until the probe reports.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.status {
	case StatusClosed:
		return true
	case StatusOpen:
		if time.Since(b.lastFailure) >= b.recoveryTimeout {
			b.transition(StatusHalfOpen)
			b.probeInFlight = true
			slog.Debug("breaker transitioned to half-open", "breaker", b.name)
			return true
		}
		return false
	case StatusHalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	default:
		return false
	}
}

// RecordSuccess reports a successful call. In half-open state this closes
// the breaker; in closed state it resets the consecutive-failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.status {
	case StatusHalfOpen:
		b.transition(StatusClosed)
		b.failures = 0
		b.probeInFlight = false
		slog.Info("breaker closed after successful probe", "breaker", b.name)
	case StatusClosed:
		b.failures = 0
	}
}

// RecordFailure reports a failed call. After the configured number of
// consecutive failures the breaker opens; a failed half-open probe reopens
// it immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = time.Now()
	switch b.status {
	case StatusHalfOpen:
		b.transition(StatusOpen)
		b.probeInFlight = false
		slog.Warn("breaker reopened after failed probe", "breaker", b.name)
	case StatusClosed:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.transition(StatusOpen)
			slog.Warn("breaker opened", "breaker", b.name, "consecutive_failures", b.failures)
		}
	}
}

// transition moves the breaker to a new status and records it. Caller holds mu.
func (b *Breaker) transition(to Status) {
	b.status = to
	metrics.BreakerTransitions.WithLabelValues(b.name, string(to)).Inc()
}

// CancelProbe releases a half-open probe slot without recording an outcome.
// Used when an admitted call is abandoned before reaching the dependency.
func (b *Breaker) CancelProbe() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status == StatusHalfOpen {
		b.probeInFlight = false
	}
}

// Status returns the current breaker status.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// Failures returns the current consecutive-failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
