// Package ratelimiter implements the token-bucket admission gate described
// in spec.md §4.2 (C2): it smooths bursts of fresh task admissions (cache
// hits bypass it entirely) so the data-loading queue doesn't thrash the
// network layer during rapid scrolls.
package ratelimiter

import (
	"sync"
	"time"
)

const (
	// DefaultRate is the default refill rate in tokens per second.
	DefaultRate = 80.0
	// DefaultBurst is the default bucket capacity.
	DefaultBurst = 25.0
)

// RateLimiter is a token bucket gating admission of try functions.
type RateLimiter struct {
	mu     sync.Mutex
	rate   float64
	burst  float64
	tokens float64
	last   time.Time

	queue []func() bool
	timer *time.Timer

	now func() time.Time
}

// New creates a RateLimiter with the given rate (tokens/sec) and burst
// (bucket capacity), starting with a full bucket.
func New(rate, burst float64) *RateLimiter {
	if rate <= 0 {
		rate = DefaultRate
	}
	if burst <= 0 {
		burst = DefaultBurst
	}
	return &RateLimiter{
		rate:   rate,
		burst:  burst,
		tokens: burst,
		last:   time.Now(),
		now:    time.Now,
	}
}

// Execute requests a token. If the bucket has one available, try is called
// immediately: a true return consumes the token, a false return leaves the
// bucket untouched (the caller decided not to consume it after all). If the
// bucket is empty, try is queued and invoked later as tokens accrue, in FIFO
// order (spec.md §4.2).
func (r *RateLimiter) Execute(try func() bool) {
	r.mu.Lock()
	r.refillLocked()

	if r.tokens >= 1 {
		if try() {
			r.tokens--
		}
		r.mu.Unlock()
		return
	}

	r.queue = append(r.queue, try)
	r.scheduleLocked()
	r.mu.Unlock()
}

func (r *RateLimiter) refillLocked() {
	now := r.now()
	elapsed := now.Sub(r.last).Seconds()
	if elapsed <= 0 {
		return
	}
	r.last = now
	r.tokens += elapsed * r.rate
	if r.tokens > r.burst {
		r.tokens = r.burst
	}
}

// scheduleLocked arms a timer to re-drive the queue once the next token
// should be available. Must be called with r.mu held.
func (r *RateLimiter) scheduleLocked() {
	if r.timer != nil {
		return
	}
	need := 1 - r.tokens
	if need <= 0 {
		need = 0
	}
	delay := time.Duration(need/r.rate*float64(time.Second)) + time.Millisecond
	r.timer = time.AfterFunc(delay, r.drain)
}

func (r *RateLimiter) drain() {
	r.mu.Lock()
	r.timer = nil
	r.refillLocked()

	for r.tokens >= 1 && len(r.queue) > 0 {
		try := r.queue[0]
		r.queue = r.queue[1:]
		if try() {
			r.tokens--
		}
	}

	if len(r.queue) > 0 {
		r.scheduleLocked()
	}
	r.mu.Unlock()
}

// Pending returns the number of try functions currently queued, for tests
// and metrics.
func (r *RateLimiter) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}
