// Package workqueue implements the priority-ordered, bounded-concurrency
// executor described in spec.md §4.1 (C1). It generalizes the teacher's
// fixed-worker channel queue (internal/queue/queue.go) into a dispatch loop
// over three FIFO priority buckets, because priority re-bucketing and
// suspend/resume can't be expressed by a plain channel.
package workqueue

import (
	"context"
	"sync"
)

// Priority buckets. Finer-grained five-level priorities (see package
// request) collapse onto these three per spec.md §4.1.
type Priority int

const (
	Low Priority = iota
	Normal
	High

	numBuckets = 3
)

// FromFineGrained maps a five-level priority (0=very-low .. 4=very-high)
// onto one of the three WorkQueue buckets.
func FromFineGrained(p int) Priority {
	switch {
	case p <= 1:
		return Low
	case p == 2:
		return Normal
	default:
		return High
	}
}

// Func is the unit of work a WorkQueue runs. It should observe ctx
// cancellation at safe points and return promptly once cancelled.
type Func func(ctx context.Context)

type item struct {
	fn       Func
	priority Priority
	seq      int64

	mu      sync.Mutex
	pending bool // still sitting in a bucket, not yet dispatched
	removed bool // cancelled while pending
	cancel  context.CancelFunc
	inFlight bool
	done    bool

	cancelRequested bool // Cancel arrived after dispatch but before cancel was set
}

// Handle is returned by Enqueue and lets the caller cancel or re-prioritize
// a pending or in-flight item.
type Handle struct {
	q    *WorkQueue
	item *item
}

// Cancel removes the item from its pending bucket, or, if it is already
// in-flight, cancels its context so the running Func observes ctx.Done().
func (h *Handle) Cancel() {
	h.q.cancel(h.item)
}

// SetPriority re-buckets a pending item. In-flight items are not preempted;
// per spec.md §4.1 priority changes only affect scheduling of pending work.
func (h *Handle) SetPriority(p int) {
	h.q.setPriority(h.item, FromFineGrained(p))
}

// WorkQueue is a single-owner, cooperatively scheduled priority executor.
type WorkQueue struct {
	mu            sync.Mutex
	maxConcurrent int
	suspended     bool
	inFlight      int
	buckets       [numBuckets][]*item
	nextSeq       int64
}

// New creates a WorkQueue allowing up to maxConcurrent items to run at
// once.
func New(maxConcurrent int) *WorkQueue {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &WorkQueue{maxConcurrent: maxConcurrent}
}

// Enqueue inserts fn into the bucket for priority. If the queue isn't
// suspended and has a free slot, fn is dispatched immediately; otherwise it
// waits, FIFO within its bucket, for a slot to free up or a higher-priority
// item to drain (spec.md §4.1).
func (q *WorkQueue) Enqueue(priority Priority, fn Func) *Handle {
	it := &item{fn: fn, priority: priority, pending: true}

	q.mu.Lock()
	it.seq = q.nextSeq
	q.nextSeq++
	q.buckets[priority] = append(q.buckets[priority], it)
	q.mu.Unlock()

	q.dispatch()

	return &Handle{q: q, item: it}
}

// SetSuspended pauses or resumes dispatch. Resuming drains pending items
// until the concurrency limit is reached again.
func (q *WorkQueue) SetSuspended(suspended bool) {
	q.mu.Lock()
	q.suspended = suspended
	q.mu.Unlock()

	if !suspended {
		q.dispatch()
	}
}

func (q *WorkQueue) cancel(it *item) {
	it.mu.Lock()
	if it.done {
		it.mu.Unlock()
		return
	}
	if it.pending {
		it.removed = true
		it.pending = false
		it.mu.Unlock()
		return
	}
	cancel := it.cancel
	if cancel == nil {
		it.cancelRequested = true
	}
	it.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (q *WorkQueue) setPriority(it *item, p Priority) {
	// Hold q.mu throughout so dispatch can't pop the item between the
	// pending check and the bucket move.
	q.mu.Lock()
	defer q.mu.Unlock()

	it.mu.Lock()
	if !it.pending || it.removed || it.priority == p {
		it.mu.Unlock()
		return
	}
	old := it.priority
	it.priority = p
	it.mu.Unlock()

	bucket := q.buckets[old]
	for i, cur := range bucket {
		if cur == it {
			q.buckets[old] = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	q.buckets[p] = append(q.buckets[p], it)
}

// dispatch runs while the queue has free concurrency slots, popping the
// highest-priority, oldest-enqueued pending item each time (spec.md §4.1's
// ordering contract: FIFO within a priority, priority-first across).
func (q *WorkQueue) dispatch() {
	for {
		q.mu.Lock()
		if q.suspended || q.inFlight >= q.maxConcurrent {
			q.mu.Unlock()
			return
		}

		var next *item
		for b := numBuckets - 1; b >= 0; b-- {
			bucket := q.buckets[b]
			for len(bucket) > 0 {
				cand := bucket[0]
				bucket = bucket[1:]
				cand.mu.Lock()
				skip := cand.removed
				if !skip {
					cand.pending = false
					cand.inFlight = true
				}
				cand.mu.Unlock()
				if !skip {
					next = cand
					break
				}
			}
			q.buckets[b] = bucket
			if next != nil {
				break
			}
		}

		if next == nil {
			q.mu.Unlock()
			return
		}

		q.inFlight++
		q.mu.Unlock()

		ctx, cancel := context.WithCancel(context.Background())
		next.mu.Lock()
		next.cancel = cancel
		requested := next.cancelRequested
		next.mu.Unlock()
		if requested {
			cancel()
		}

		go q.run(next, ctx)
	}
}

func (q *WorkQueue) run(it *item, ctx context.Context) {
	defer func() {
		it.mu.Lock()
		it.done = true
		it.inFlight = false
		it.mu.Unlock()

		q.mu.Lock()
		q.inFlight--
		q.mu.Unlock()

		q.dispatch()
	}()

	it.fn(ctx)
}
