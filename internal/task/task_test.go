package task_test

import (
	"sync"
	"testing"

	"github.com/DMarby/imagepipeline/internal/task"
	"github.com/stretchr/testify/require"
)

func TestTaskStartsOnce(t *testing.T) {
	var starts int
	var mu sync.Mutex

	tk := task.New[int](func(t *task.Task[int]) {
		mu.Lock()
		starts++
		mu.Unlock()
	})

	for i := 0; i < 5; i++ {
		sub := tk.Subscribe(task.Priority(i), task.Callbacks[int]{})
		require.NotNil(t, sub)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, starts)
}

func TestTaskMulticastsValues(t *testing.T) {
	tk := task.New[string](func(t *task.Task[string]) {})

	var got1, got2 string
	tk.Subscribe(task.Priority(0), task.Callbacks[string]{
		OnValue: func(v string, isCompleted bool) {
			got1 = v
			require.True(t, isCompleted)
		},
	})
	tk.Subscribe(task.Priority(0), task.Callbacks[string]{
		OnValue: func(v string, isCompleted bool) {
			got2 = v
		},
	})
	tk.EmitValue("hello", true)

	require.Equal(t, "hello", got1)
	require.Equal(t, "hello", got2)
	require.True(t, tk.Disposed())
}

func TestTaskLateSubscriberReplaysPreview(t *testing.T) {
	tk := task.New[int](func(t *task.Task[int]) {
		t.EmitValue(1, false)
	})

	tk.Subscribe(task.Priority(0), task.Callbacks[int]{})

	var replayed int
	var gotPreview bool
	tk.Subscribe(task.Priority(0), task.Callbacks[int]{
		OnValue: func(v int, isCompleted bool) {
			replayed = v
			gotPreview = !isCompleted
		},
	})

	require.True(t, gotPreview)
	require.Equal(t, 1, replayed)
}

func TestTaskDisposesOnLastUnsubscribe(t *testing.T) {
	var cancelled bool
	tk := task.New[int](func(t *task.Task[int]) {})
	tk.OnCancelled(func() { cancelled = true })

	sub1 := tk.Subscribe(task.Priority(0), task.Callbacks[int]{})
	sub2 := tk.Subscribe(task.Priority(0), task.Callbacks[int]{})

	sub1.Unsubscribe()
	require.False(t, tk.Disposed())

	sub2.Unsubscribe()
	require.True(t, tk.Disposed())
	require.True(t, cancelled)
}

func TestTaskSubscribeAfterDisposalReturnsNil(t *testing.T) {
	tk := task.New[int](func(t *task.Task[int]) {
		t.EmitValue(1, true)
	})
	tk.Subscribe(task.Priority(0), task.Callbacks[int]{})
	require.True(t, tk.Disposed())

	sub := tk.Subscribe(task.Priority(0), task.Callbacks[int]{})
	require.Nil(t, sub)
}

type fakeWork struct {
	mu        sync.Mutex
	priority  int
	cancelled bool
}

func (f *fakeWork) Cancel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = true
}

func (f *fakeWork) SetPriority(p int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.priority = p
}

func TestTaskPriorityAggregatesToHighestSubscriber(t *testing.T) {
	work := &fakeWork{}
	tk := task.New[int](func(t *task.Task[int]) {
		t.SetWork(work)
	})

	tk.Subscribe(task.Priority(1), task.Callbacks[int]{})
	sub := tk.Subscribe(task.Priority(5), task.Callbacks[int]{})

	require.Equal(t, task.Priority(5), tk.Priority())

	work.mu.Lock()
	require.Equal(t, 5, work.priority)
	work.mu.Unlock()

	sub.SetPriority(task.Priority(2))
	require.Equal(t, task.Priority(2), tk.Priority())
}

func TestTaskDisposalCancelsWorkAndDependency(t *testing.T) {
	work := &fakeWork{}
	dep := task.New[int](func(t *task.Task[int]) {})
	tk := task.New[int](func(t *task.Task[int]) {
		t.SetWork(work)
		t.SetDependency(dep.Subscribe(task.Priority(0), task.Callbacks[int]{}))
	})
	sub := tk.Subscribe(task.Priority(0), task.Callbacks[int]{})
	sub.Unsubscribe()

	require.True(t, dep.Disposed())

	work.mu.Lock()
	defer work.mu.Unlock()
	require.True(t, work.cancelled)
}

func TestTaskErrorDisposesWithoutValue(t *testing.T) {
	tk := task.New[int](func(t *task.Task[int]) {
		t.EmitError(errPlaceholder)
	})

	var gotErr error
	tk.Subscribe(task.Priority(0), task.Callbacks[int]{
		OnError: func(err error) { gotErr = err },
	})

	require.Equal(t, errPlaceholder, gotErr)
	require.True(t, tk.Disposed())
}

var errPlaceholder = &placeholderErr{}

type placeholderErr struct{}

func (*placeholderErr) Error() string { return "placeholder" }
