package store

import (
	"sync"
	"time"

	"github.com/driftwire/driftwire/errs"
)

const (
	breakerFailureThreshold = 5
	breakerFailureWindow    = 60 * time.Second
	breakerOpenFor          = 60 * time.Second
	breakerHalfOpenProbes   = 3
)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// Breaker is a per-dependency circuit breaker: 5 failures in 60 s open it
// for 60 s; in half-open the first 3 attempts probe recovery.
type Breaker struct {
	mu       sync.Mutex
	state    breakerState
	failures []time.Time
	openedAt time.Time
	probes   int
	now      func() time.Time
}

// NewBreaker constructs a closed breaker.
func NewBreaker() *Breaker {
	return &Breaker{now: time.Now}
}

// Allow reports whether a call may proceed, returning a store_unavailable
// error while the breaker is open.
func (b *Breaker) Allow(op string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return nil
	case breakerOpen:
		if b.now().Sub(b.openedAt) >= breakerOpenFor {
			b.state = breakerHalfOpen
			b.probes = 0
			return nil
		}
		return errs.New(op, errs.CodeStoreUnavailable, errs.WithMessage("circuit breaker open"))
	case breakerHalfOpen:
		if b.probes < breakerHalfOpenProbes {
			b.probes++
			return nil
		}
		return errs.New(op, errs.CodeStoreUnavailable, errs.WithMessage("circuit breaker probing"))
	default:
		return nil
	}
}

// Success records a successful call and closes a half-open breaker.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = breakerClosed
	b.failures = b.failures[:0]
	b.probes = 0
}

// Failure records a failed call and opens the breaker once the threshold
// is crossed inside the window.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if b.state == breakerHalfOpen {
		b.state = breakerOpen
		b.openedAt = now
		b.failures = b.failures[:0]
		return
	}

	cutoff := now.Add(-breakerFailureWindow)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = append(kept, now)

	if len(b.failures) >= breakerFailureThreshold {
		b.state = breakerOpen
		b.openedAt = now
		b.failures = b.failures[:0]
	}
}
