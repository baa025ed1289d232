// Package circuit provides a consecutive-failure breaker for unreliable
// side-channel dependencies. Callers gate each attempt with Allow and
// report the outcome; while the breaker is open the dependency is skipped
// outright, so a dead backend cannot add its timeout to every call on the
// hot path.
package circuit

import (
	"sync"
	"time"
)

// State is the breaker position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

const (
	DefaultThreshold = 3
	DefaultCooldown  = 30 * time.Second
)

// Breaker trips open after a run of consecutive failures and stays open
// for a cooldown. The first Allow after the cooldown admits one probe;
// the probe's outcome either closes the breaker or restarts the cooldown.
//
// Success and Failure report state transitions so callers can log an
// outage once instead of once per skipped call.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration

	state    State
	failures int
	openedAt time.Time
	probeAt  time.Time
}

func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Breaker{threshold: threshold, cooldown: cooldown, state: StateClosed}
}

// Allow reports whether the caller should attempt the dependency. Open
// returns false until the cooldown elapses, then admits a single probe
// and holds everyone else off until the probe reports. A probe that never
// reports back forfeits its slot after another cooldown.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		if time.Since(b.probeAt) < b.cooldown {
			return false
		}
		b.probeAt = time.Now()
		return true
	default:
		if time.Since(b.openedAt) < b.cooldown {
			return false
		}
		b.state = StateHalfOpen
		b.probeAt = time.Now()
		return true
	}
}

// Success records a healthy call. It returns true when the call closed a
// tripped breaker, which is the moment to log the recovery.
func (b *Breaker) Success() (recovered bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	recovered = b.state != StateClosed
	b.state = StateClosed
	b.failures = 0
	return recovered
}

// Failure records a failed call. It returns true when this failure
// tripped the breaker open, which is the moment to log the outage. A
// failed probe re-opens silently; the outage was already reported.
func (b *Breaker) Failure() (tripped bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	switch b.state {
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = time.Now()
	case StateClosed:
		if b.failures >= b.threshold {
			b.state = StateOpen
			b.openedAt = time.Now()
			tripped = true
		}
	}
	return tripped
}

// Trip forces the breaker open, for callers that detect the outage out of
// band, such as a failed startup ping.
func (b *Breaker) Trip() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateOpen
	b.openedAt = time.Now()
	if b.failures < b.threshold {
		b.failures = b.threshold
	}
}

// State returns the current position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
