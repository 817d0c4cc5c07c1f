// Package resilience shields the tenancy core from misbehaving upstream
// systems. Its breaker guards outbound checks such as tenant credential
// probes, which would otherwise hammer an unreachable database host on
// every validation request.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned while the breaker refuses calls after too many
// consecutive failures.
var ErrOpen = errors.New("breaker open: upstream checks suspended")

// Breaker is a three-state circuit breaker. After limit consecutive
// failures it refuses calls for the cooldown period, then admits a single
// trial call: success closes the breaker, failure starts a new cooldown.
type Breaker struct {
	limit    int
	cooldown time.Duration
	now      func() time.Time

	mu        sync.Mutex
	failures  int
	openUntil time.Time // zero while closed
}

// NewBreaker creates a breaker that opens after limit consecutive failures
// and cools down for the given duration before admitting a trial call.
func NewBreaker(limit int, cooldown time.Duration) *Breaker {
	return &Breaker{limit: limit, cooldown: cooldown, now: time.Now}
}

// Do runs fn unless the breaker is open. An open breaker fails fast with
// ErrOpen; fn's own error passes through and counts against the streak.
func (b *Breaker) Do(fn func() error) error {
	if !b.admit() {
		return ErrOpen
	}
	err := fn()
	b.record(err)
	return err
}

// admit reports whether a call may proceed. An expired cooldown admits
// the call as a half-open trial; the breaker stays open for everyone else
// until that trial reports back through record.
func (b *Breaker) admit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.openUntil.IsZero() {
		return true
	}
	return !b.now().Before(b.openUntil)
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.failures = 0
		b.openUntil = time.Time{}
		return
	}

	b.failures++
	if b.failures >= b.limit || !b.openUntil.IsZero() {
		b.openUntil = b.now().Add(b.cooldown)
	}
}
