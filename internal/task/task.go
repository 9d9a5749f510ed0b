// Package task implements the generic deduplicating task-graph node
// described in spec.md §4.6 and §9 ("arenas + stable identifiers"): a task
// starts at most once, multicasts progress/value/error events to any number
// of subscriptions, aggregates subscriber priorities, and disposes itself
// (cascading to its dependency and dispatched work item) once its last
// subscriber leaves.
package task

import "sync"

// Priority is kept as a plain int here so package task has no dependency on
// package request; callers pass request.Priority values, which convert
// directly.
type Priority int

// Cancelable is satisfied by anything a Task dispatches as its unit of work
// (typically a workqueue.Handle) so disposal can cancel it.
type Cancelable interface {
	Cancel()
}

// PrioritySetter is satisfied by dispatched work that can be re-bucketed
// when the task's aggregate subscriber priority changes.
type PrioritySetter interface {
	SetPriority(p int)
}

// DependencySubscription is satisfied by a *Subscription[U] of some other
// task; kept as a narrow interface so a Task[V] can hold a dependency on a
// Task[U] of a different value type without generic self-reference.
type DependencySubscription interface {
	Unsubscribe()
	SetPriority(p Priority)
}

// Callbacks are invoked synchronously (from whichever goroutine calls the
// Task's Emit* methods, typically the pipeline actor) for one subscription.
type Callbacks[V any] struct {
	OnProgress func(completed, total int64)
	OnValue    func(value V, isCompleted bool)
	OnError    func(err error)
}

// Subscription is a lightweight observer of a Task with a settable priority.
type Subscription[V any] struct {
	task     *Task[V]
	id       int
	priority Priority
}

// SetPriority updates this subscription's priority and re-aggregates the
// owning task's priority, propagating to its dispatched work item and its
// own dependency subscription (spec.md §4.6, §4.9).
func (s *Subscription[V]) SetPriority(p Priority) {
	s.task.mu.Lock()
	sub, ok := s.task.subs[s.id]
	if !ok {
		s.task.mu.Unlock()
		return
	}
	sub.priority = p
	s.priority = p
	s.task.recomputePriorityLocked()
	s.task.mu.Unlock()
}

// Unsubscribe removes this subscription. If it was the task's last
// subscription, the task disposes: its dependency is unsubscribed, its
// dispatched work item is cancelled, and it is marked disposed so future
// Subscribe calls are rejected.
func (s *Subscription[V]) Unsubscribe() {
	s.task.unsubscribe(s.id)
}

type subscriber[V any] struct {
	priority Priority
	cb       Callbacks[V]
}

// Task is a generic deduplicating task-graph node over value type V.
type Task[V any] struct {
	mu sync.Mutex

	starter func(t *Task[V])
	started bool

	subs   map[int]*subscriber[V]
	nextID int

	priority   Priority
	dependency DependencySubscription
	work       Cancelable
	onCancel   func()

	disposed  bool
	completed bool // terminal value or error already emitted

	hasProgress        bool
	lastCompleted      int64
	lastTotal          int64
	hasValue           bool
	lastValue          V
	lastValueCompleted bool
}

// New creates a Task whose starter is invoked exactly once, on the first
// Subscribe call.
func New[V any](starter func(t *Task[V])) *Task[V] {
	return &Task[V]{
		starter: starter,
		subs:    make(map[int]*subscriber[V]),
	}
}

// SetDependency records the subscription this task holds on another task,
// so that priority changes propagate transitively and disposal cascades.
// Must be called before the task is disposed; typically called from within
// the starter.
func (t *Task[V]) SetDependency(dep DependencySubscription) {
	t.mu.Lock()
	t.dependency = dep
	t.mu.Unlock()
}

// SetWork records the dispatched unit of work (typically a workqueue
// handle) backing this task, so disposal and priority propagation reach it.
func (t *Task[V]) SetWork(w Cancelable) {
	t.mu.Lock()
	t.work = w
	if setter, ok := w.(PrioritySetter); ok {
		setter.SetPriority(int(t.priority))
	}
	t.mu.Unlock()
}

// OnCancelled registers a callback invoked exactly once when the task
// disposes: when its last subscriber leaves, and also after it emits a
// terminal value or error.
func (t *Task[V]) OnCancelled(fn func()) {
	t.mu.Lock()
	t.onCancel = fn
	t.mu.Unlock()
}

// Subscribe adds a subscriber with the given priority. If data has already
// been emitted, the subscriber synchronously receives the last cached
// progress and last cached non-final value so it can render instantly
// (spec.md §4.6). Returns nil if the task is already disposed: new
// subscriptions to a disposed task are rejected.
func (t *Task[V]) Subscribe(priority Priority, cb Callbacks[V]) *Subscription[V] {
	t.mu.Lock()

	if t.disposed {
		t.mu.Unlock()
		return nil
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = &subscriber[V]{priority: priority, cb: cb}
	t.recomputePriorityLocked()

	hasProgress, completed, total := t.hasProgress, t.lastCompleted, t.lastTotal
	hasValue, value := t.hasValue, t.lastValue
	shouldStart := !t.started
	if shouldStart {
		t.started = true
	}
	t.mu.Unlock()

	if hasProgress && cb.OnProgress != nil {
		cb.OnProgress(completed, total)
	}
	if hasValue && !t.valueWasTerminal() && cb.OnValue != nil {
		cb.OnValue(value, false)
	}

	sub := &Subscription[V]{task: t, id: id, priority: priority}

	if shouldStart && t.starter != nil {
		t.starter(t)
	}

	return sub
}

func (t *Task[V]) valueWasTerminal() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastValueCompleted
}

func (t *Task[V]) recomputePriorityLocked() {
	maxPriority := Priority(0)
	first := true
	for _, s := range t.subs {
		if first || s.priority > maxPriority {
			maxPriority = s.priority
			first = false
		}
	}
	if first {
		// no subscribers left; keep the last known priority
		return
	}
	if maxPriority == t.priority {
		return
	}
	t.priority = maxPriority

	if t.work != nil {
		if setter, ok := t.work.(PrioritySetter); ok {
			setter.SetPriority(int(maxPriority))
		}
	}
	if t.dependency != nil {
		t.dependency.SetPriority(maxPriority)
	}
}

func (t *Task[V]) unsubscribe(id int) {
	t.mu.Lock()
	if _, ok := t.subs[id]; !ok {
		t.mu.Unlock()
		return
	}
	delete(t.subs, id)
	empty := len(t.subs) == 0
	t.recomputePriorityLocked()
	t.mu.Unlock()

	if empty {
		t.dispose()
	}
}

// dispose marks the task disposed and cascades cancellation, exactly once.
func (t *Task[V]) dispose() {
	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return
	}
	t.disposed = true
	dep := t.dependency
	work := t.work
	onCancel := t.onCancel
	t.mu.Unlock()

	if onCancel != nil {
		onCancel()
	}
	if dep != nil {
		dep.Unsubscribe()
	}
	if work != nil {
		work.Cancel()
	}
}

// EmitProgress multicasts a progress event and caches it for late joiners.
func (t *Task[V]) EmitProgress(completed, total int64) {
	t.mu.Lock()
	if t.disposed || t.completed {
		t.mu.Unlock()
		return
	}
	t.hasProgress = true
	t.lastCompleted = completed
	t.lastTotal = total
	cbs := t.snapshotCallbacksLocked()
	t.mu.Unlock()

	for _, cb := range cbs {
		if cb.OnProgress != nil {
			cb.OnProgress(completed, total)
		}
	}
}

// EmitValue multicasts a value event. A non-terminal value is a preview:
// subsequent late subscribers replay it. A terminal value (isCompleted =
// true) marks the task disposed after delivery, per the task-graph
// invariants in spec.md §3.
func (t *Task[V]) EmitValue(value V, isCompleted bool) {
	t.mu.Lock()
	if t.disposed || t.completed {
		t.mu.Unlock()
		return
	}
	t.hasValue = true
	t.lastValue = value
	t.lastValueCompleted = isCompleted
	if isCompleted {
		t.completed = true
	}
	cbs := t.snapshotCallbacksLocked()
	t.mu.Unlock()

	for _, cb := range cbs {
		if cb.OnValue != nil {
			cb.OnValue(value, isCompleted)
		}
	}

	if isCompleted {
		t.dispose()
	}
}

// EmitError multicasts a terminal error event and disposes the task.
func (t *Task[V]) EmitError(err error) {
	t.mu.Lock()
	if t.disposed || t.completed {
		t.mu.Unlock()
		return
	}
	t.completed = true
	cbs := t.snapshotCallbacksLocked()
	t.mu.Unlock()

	for _, cb := range cbs {
		if cb.OnError != nil {
			cb.OnError(err)
		}
	}

	t.dispose()
}

func (t *Task[V]) snapshotCallbacksLocked() []Callbacks[V] {
	out := make([]Callbacks[V], 0, len(t.subs))
	for _, s := range t.subs {
		out = append(out, s.cb)
	}
	return out
}

// Priority returns the task's current aggregate subscriber priority.
func (t *Task[V]) Priority() Priority {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.priority
}

// Disposed reports whether the task has disposed (terminal event emitted or
// last subscriber left).
func (t *Task[V]) Disposed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.disposed
}
