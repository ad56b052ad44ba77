package inpaint

import (
	"log/slog"
	"sync"
	"time"
)

type breakerState int

const (
	circuitClosed breakerState = iota
	circuitOpen
	circuitHalfOpen
)

// breaker is a small circuit breaker: open after N consecutive failures,
// probe again after the recovery timeout.
type breaker struct {
	mu               sync.Mutex
	failureThreshold int
	recoveryTimeout  time.Duration
	state            breakerState
	failureCount     int
	lastFailureTime  time.Time
}

func newBreaker(threshold int, recovery time.Duration) *breaker {
	return &breaker{failureThreshold: threshold, recoveryTimeout: recovery, state: circuitClosed}
}

func (b *breaker) shouldAttempt() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case circuitClosed, circuitHalfOpen:
		return true
	case circuitOpen:
		if time.Since(b.lastFailureTime) > b.recoveryTimeout {
			b.state = circuitHalfOpen
			return true
		}
		return false
	}
	return false
}

func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount = 0
	if b.state != circuitClosed {
		slog.Info("inpaint circuit closed after successful recovery")
	}
	b.state = circuitClosed
}

func (b *breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount++
	b.lastFailureTime = time.Now()
	if b.state == circuitHalfOpen || b.failureCount >= b.failureThreshold {
		if b.state != circuitOpen {
			slog.Warn("inpaint circuit opened",
				slog.Int("failure_count", b.failureCount),
				slog.Int("threshold", b.failureThreshold))
		}
		b.state = circuitOpen
	}
}
