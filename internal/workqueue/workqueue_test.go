package workqueue_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DMarby/imagepipeline/internal/workqueue"
	"github.com/stretchr/testify/require"
)

func TestWorkQueueRunsUpToConcurrencyLimit(t *testing.T) {
	q := workqueue.New(2)

	var inFlight int32
	var maxSeen int32
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(3)

	for i := 0; i < 3; i++ {
		q.Enqueue(workqueue.Normal, func(ctx context.Context) {
			defer wg.Done()
			n := atomic.AddInt32(&inFlight, 1)
			for {
				old := atomic.LoadInt32(&maxSeen)
				if n <= old || atomic.CompareAndSwapInt32(&maxSeen, old, n) {
					break
				}
			}
			<-release
			atomic.AddInt32(&inFlight, -1)
		})
	}

	time.Sleep(20 * time.Millisecond)
	require.LessOrEqual(t, atomic.LoadInt32(&maxSeen), int32(2))

	close(release)
	wg.Wait()
}

func TestWorkQueueHighPriorityRunsBeforeLowWhenSlotsFree(t *testing.T) {
	q := workqueue.New(1)

	hold := make(chan struct{})
	var order []string
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(3)

	q.Enqueue(workqueue.Normal, func(ctx context.Context) {
		defer wg.Done()
		<-hold
		mu.Lock()
		order = append(order, "blocker")
		mu.Unlock()
	})

	q.Enqueue(workqueue.Low, func(ctx context.Context) {
		defer wg.Done()
		mu.Lock()
		order = append(order, "low")
		mu.Unlock()
	})
	q.Enqueue(workqueue.High, func(ctx context.Context) {
		defer wg.Done()
		mu.Lock()
		order = append(order, "high")
		mu.Unlock()
	})

	time.Sleep(10 * time.Millisecond)
	close(hold)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"blocker", "high", "low"}, order)
}

func TestWorkQueueCancelPendingNeverRuns(t *testing.T) {
	q := workqueue.New(1)

	hold := make(chan struct{})
	q.Enqueue(workqueue.Normal, func(ctx context.Context) {
		<-hold
	})

	var ran int32
	h := q.Enqueue(workqueue.Normal, func(ctx context.Context) {
		atomic.AddInt32(&ran, 1)
	})
	h.Cancel()

	close(hold)
	time.Sleep(20 * time.Millisecond)

	require.Equal(t, int32(0), atomic.LoadInt32(&ran))
}

func TestWorkQueueCancelInFlightObservesContext(t *testing.T) {
	q := workqueue.New(1)

	started := make(chan struct{})
	cancelled := make(chan struct{})
	h := q.Enqueue(workqueue.Normal, func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		close(cancelled)
	})

	<-started
	h.Cancel()

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("in-flight item was not cancelled via context")
	}
}

func TestWorkQueueSuspendBlocksDispatch(t *testing.T) {
	q := workqueue.New(1)
	q.SetSuspended(true)

	var ran int32
	q.Enqueue(workqueue.Normal, func(ctx context.Context) {
		atomic.AddInt32(&ran, 1)
	})

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(0), atomic.LoadInt32(&ran))

	q.SetSuspended(false)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(1), atomic.LoadInt32(&ran))
}

func TestFromFineGrainedBuckets(t *testing.T) {
	require.Equal(t, workqueue.Low, workqueue.FromFineGrained(0))
	require.Equal(t, workqueue.Low, workqueue.FromFineGrained(1))
	require.Equal(t, workqueue.Normal, workqueue.FromFineGrained(2))
	require.Equal(t, workqueue.High, workqueue.FromFineGrained(3))
	require.Equal(t, workqueue.High, workqueue.FromFineGrained(4))
}
