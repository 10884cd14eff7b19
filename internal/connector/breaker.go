package connector

import (
	"math"
	"sync"
	"time"
)

// BreakerState is the state of a connector's circuit breaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig controls when a breaker opens and how long it stays open.
//
// The open window grows exponentially with consecutive trips:
// BaseBackoff * Multiplier^(trips-1), capped at MaxBackoff. A success in
// half-open state closes the breaker and resets the trip count.
type BreakerConfig struct {
	FailureThreshold int
	BaseBackoff      time.Duration
	MaxBackoff       time.Duration
	Multiplier       float64
}

// DefaultBreakerConfig returns the defaults used when configuration is silent.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 3,
		BaseBackoff:      5 * time.Second,
		MaxBackoff:       5 * time.Minute,
		Multiplier:       2,
	}
}

// BreakerStats is a point-in-time view for health endpoints.
type BreakerStats struct {
	State           string    `json:"state"`
	Failures        int       `json:"failures"`
	Trips           int       `json:"trips"`
	OpenUntil       time.Time `json:"openUntil,omitempty"`
	LastStateChange time.Time `json:"lastStateChange"`
}

// Breaker is per-connector, in-memory state. It is never persisted and never
// written to the audit ledger.
type Breaker struct {
	cfg BreakerConfig

	mu              sync.Mutex
	state           BreakerState
	failures        int
	trips           int
	openUntil       time.Time
	lastStateChange time.Time
	// probing is set while the single half-open trial call is outstanding.
	probing bool
}

// NewBreaker returns a closed breaker. Zero config fields take defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = cfg.BaseBackoff
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	return &Breaker{cfg: cfg}
}

// CanAttempt reports whether a call may be made at now. An open breaker whose
// backoff window has elapsed moves to half-open and admits exactly one trial
// call; other callers are refused until that call is recorded.
func (b *Breaker) CanAttempt(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if now.Before(b.openUntil) {
			return false
		}
		b.transitionTo(BreakerHalfOpen, now)
		b.probing = true
		return true
	case BreakerHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return true
	}
}

// releaseProbe frees the half-open slot when an admitted call ends without
// reaching the external system.
func (b *Breaker) releaseProbe() {
	b.mu.Lock()
	b.probing = false
	b.mu.Unlock()
}

// RecordSuccess closes the breaker and clears failure history.
func (b *Breaker) RecordSuccess(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.trips = 0
	b.probing = false
	if b.state != BreakerClosed {
		b.transitionTo(BreakerClosed, now)
	}
}

// RecordFailure counts a failed call. The breaker opens after
// FailureThreshold consecutive failures, or on any failure while half-open.
func (b *Breaker) RecordFailure(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.probing = false
	switch b.state {
	case BreakerClosed:
		if b.failures >= b.cfg.FailureThreshold {
			b.trip(now)
		}
	case BreakerHalfOpen:
		b.trip(now)
	}
}

// State returns the current state without advancing it.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns a snapshot of the breaker.
func (b *Breaker) Stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerStats{
		State:           b.state.String(),
		Failures:        b.failures,
		Trips:           b.trips,
		OpenUntil:       b.openUntil,
		LastStateChange: b.lastStateChange,
	}
}

// Backoff returns the open window for the given trip count (1-based).
func (b *Breaker) Backoff(trips int) time.Duration {
	if trips <= 1 {
		return b.cfg.BaseBackoff
	}
	d := float64(b.cfg.BaseBackoff) * math.Pow(b.cfg.Multiplier, float64(trips-1))
	if d > float64(b.cfg.MaxBackoff) {
		return b.cfg.MaxBackoff
	}
	return time.Duration(d)
}

func (b *Breaker) trip(now time.Time) {
	b.trips++
	b.openUntil = now.Add(b.Backoff(b.trips))
	b.transitionTo(BreakerOpen, now)
}

func (b *Breaker) transitionTo(s BreakerState, now time.Time) {
	b.state = s
	b.failures = 0
	b.lastStateChange = now
}
