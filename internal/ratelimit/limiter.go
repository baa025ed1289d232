// Package ratelimit throttles outbound exchange requests. Each venue gets a
// token bucket that refills continuously (so a burst cannot blow through a
// minute budget in one shot) plus a semaphore bounding in-flight requests.
// Venue budgets follow published API limits and can be overridden per
// exchange row or resized at runtime from server rate hints.
package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stratoforge/quantra/internal/logging"
)

// DefaultPerMinute is the request budget for venues without a published limit.
const DefaultPerMinute = 60

// DefaultMaxConcurrent bounds simultaneous in-flight requests per venue.
const DefaultMaxConcurrent = 10

var venueBudgets = map[string]int{
	"binance":     1200,
	"bybit":       120,
	"hyperliquid": 600,
}

// PerMinuteFor returns the default request budget for a venue.
func PerMinuteFor(venue string) int {
	if b, ok := venueBudgets[strings.ToLower(venue)]; ok {
		return b
	}
	return DefaultPerMinute
}

// Limiter throttles requests for a single exchange venue. Callers block in
// Acquire until both a token and a concurrency slot are available or the
// context is cancelled.
type Limiter struct {
	venue string
	log   zerolog.Logger

	mu       sync.Mutex
	tokens   float64   // current available tokens, fractional allowed
	capacity float64   // burst size, the 10-second allowance
	rate     float64   // tokens refilled per second
	last     time.Time // last time tokens were recalculated
	waits    int64     // acquires that had to block

	sem chan struct{}
}

// New creates a limiter for the venue. perMinute <= 0 falls back to the
// venue default, maxConcurrent <= 0 to DefaultMaxConcurrent.
func New(venue string, perMinute, maxConcurrent int) *Limiter {
	if perMinute <= 0 {
		perMinute = PerMinuteFor(venue)
	}
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	burst := burstFor(perMinute)
	return &Limiter{
		venue:    venue,
		log:      logging.Component("ratelimit").With().Str("venue", venue).Logger(),
		tokens:   burst,
		capacity: burst,
		rate:     float64(perMinute) / 60,
		last:     time.Now(),
		sem:      make(chan struct{}, maxConcurrent),
	}
}

// burstFor maps a per-minute budget to a 10-second burst allowance.
func burstFor(perMinute int) float64 {
	burst := float64(perMinute) / 6
	if burst < 1 {
		burst = 1
	}
	return burst
}

// Acquire blocks until a token and a concurrency slot are available, or ctx
// is cancelled. Every successful Acquire must be paired with Release.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := l.waitToken(ctx); err != nil {
		return err
	}
	select {
	case l.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees the concurrency slot taken by Acquire.
func (l *Limiter) Release() {
	select {
	case <-l.sem:
	default:
	}
}

// Do acquires the limiter, runs fn and releases the slot. The token is
// consumed whether or not fn succeeds.
func (l *Limiter) Do(ctx context.Context, fn func() error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer l.Release()
	return fn()
}

func (l *Limiter) waitToken(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(l.last).Seconds()
		l.tokens += elapsed * l.rate
		if l.tokens > l.capacity {
			l.tokens = l.capacity
		}
		l.last = now

		if l.tokens >= 1 {
			l.tokens--
			l.mu.Unlock()
			return nil
		}

		wait := time.Duration((1 - l.tokens) / l.rate * float64(time.Second))
		l.waits++
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}

// Resize adjusts the refill rate at runtime, typically after the venue
// reports a different remaining budget than assumed. Tokens above the new
// burst capacity are discarded.
func (l *Limiter) Resize(perMinute int) {
	if perMinute <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rate = float64(perMinute) / 60
	l.capacity = burstFor(perMinute)
	if l.tokens > l.capacity {
		l.tokens = l.capacity
	}
	l.log.Info().Int("per_minute", perMinute).Msg("rate limit resized")
}

// Penalize empties the bucket and delays refill by d. Called when the venue
// answers 429 so every caller backs off together instead of hammering on.
func (l *Limiter) Penalize(d time.Duration) {
	if d <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tokens = 0
	// A last timestamp in the future makes the next refill pass compute a
	// negative elapsed, which keeps the bucket dry for the penalty window.
	l.last = time.Now().Add(d)
	l.log.Warn().Dur("penalty", d).Msg("rate limit penalty applied")
}

// Snapshot is a point-in-time view of limiter state for status endpoints.
type Snapshot struct {
	Venue       string  `json:"venue"`
	Tokens      float64 `json:"tokens"`
	Capacity    float64 `json:"capacity"`
	PerMinute   int     `json:"per_minute"`
	InFlight    int     `json:"in_flight"`
	MaxInFlight int     `json:"max_in_flight"`
	Waits       int64   `json:"waits"`
}

// Snapshot returns current limiter usage.
func (l *Limiter) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Snapshot{
		Venue:       l.venue,
		Tokens:      l.tokens,
		Capacity:    l.capacity,
		PerMinute:   int(l.rate*60 + 0.5),
		InFlight:    len(l.sem),
		MaxInFlight: cap(l.sem),
		Waits:       l.waits,
	}
}

// Registry hands out one shared limiter per venue so every client for the
// same exchange draws from the same budget.
type Registry struct {
	mu       sync.Mutex
	limiters map[string]*Limiter
}

// NewRegistry creates an empty limiter registry.
func NewRegistry() *Registry {
	return &Registry{limiters: make(map[string]*Limiter)}
}

// For returns the limiter for venue, creating it with the given budget on
// first use. Later calls return the existing limiter unchanged.
func (r *Registry) For(venue string, perMinute, maxConcurrent int) *Limiter {
	key := strings.ToLower(venue)
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[key]; ok {
		return l
	}
	l := New(key, perMinute, maxConcurrent)
	r.limiters[key] = l
	return l
}

// Snapshots reports usage for every limiter created so far.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	limiters := make([]*Limiter, 0, len(r.limiters))
	for _, l := range r.limiters {
		limiters = append(limiters, l)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(limiters))
	for _, l := range limiters {
		out = append(out, l.Snapshot())
	}
	return out
}
