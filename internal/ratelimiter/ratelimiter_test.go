package ratelimiter_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/DMarby/imagepipeline/internal/ratelimiter"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterExecutesImmediatelyWithinBurst(t *testing.T) {
	r := ratelimiter.New(10, 3)

	var ran int32
	for i := 0; i < 3; i++ {
		r.Execute(func() bool {
			atomic.AddInt32(&ran, 1)
			return true
		})
	}

	require.Equal(t, int32(3), atomic.LoadInt32(&ran))
	require.Equal(t, 0, r.Pending())
}

func TestRateLimiterQueuesBeyondBurstAndDrains(t *testing.T) {
	r := ratelimiter.New(200, 1)

	var first int32
	r.Execute(func() bool {
		atomic.AddInt32(&first, 1)
		return true
	})
	require.Equal(t, int32(1), atomic.LoadInt32(&first))

	done := make(chan struct{})
	var second int32
	r.Execute(func() bool {
		atomic.AddInt32(&second, 1)
		close(done)
		return true
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("queued try was never drained")
	}
	require.Equal(t, int32(1), atomic.LoadInt32(&second))
}

func TestRateLimiterDeclinedTryKeepsToken(t *testing.T) {
	r := ratelimiter.New(10, 1)

	r.Execute(func() bool {
		return false
	})

	var ran int32
	r.Execute(func() bool {
		atomic.AddInt32(&ran, 1)
		return true
	})

	require.Equal(t, int32(1), atomic.LoadInt32(&ran))
}

func TestRateLimiterDefaultsAppliedForNonPositiveArgs(t *testing.T) {
	r := ratelimiter.New(0, 0)
	require.NotNil(t, r)

	var ran int32
	r.Execute(func() bool {
		atomic.AddInt32(&ran, 1)
		return true
	})
	require.Equal(t, int32(1), atomic.LoadInt32(&ran))
}
