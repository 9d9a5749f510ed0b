package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/DMarby/imagepipeline/internal/container"
	"github.com/DMarby/imagepipeline/internal/request"
	"github.com/DMarby/imagepipeline/internal/task"
)

// State is the caller-visible lifecycle of an ImageTask or DataTask
// (spec.md §4.9: "created → running on submit; running ↔ running ...;
// running → completed | failed | cancelled on terminal event").
type State int

const (
	StateCreated State = iota
	StateRunning
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Hooks are the caller-supplied callbacks for LoadImage (spec.md §6).
// OnCompletion fires exactly once, with either a response or an error, and
// no further hook fires afterward.
type Hooks struct {
	OnStart      func()
	OnPreview    func(resp *container.ImageResponse)
	OnProgress   func(completed, total int64)
	OnCompletion func(resp *container.ImageResponse, err error)
}

// ImageTask is the caller-facing handle returned by LoadImage.
type ImageTask struct {
	mu    sync.Mutex
	state State
	sub   *task.Subscription[*container.ImageContainer]
}

// State returns the task's current lifecycle state.
func (it *ImageTask) State() State {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.state
}

// SetPriority re-prioritizes the task, propagating through the original and
// data tasks it depends on (spec.md §4.9).
func (it *ImageTask) SetPriority(p request.Priority) {
	it.mu.Lock()
	sub := it.sub
	it.mu.Unlock()
	if sub != nil {
		sub.SetPriority(task.Priority(p))
	}
}

// Cancel drops this task's subscription. If it was the processed-image
// task's last subscriber, cancellation cascades down the graph (spec.md
// §4.9). After Cancel returns, OnCompletion is never invoked for this task.
// OnProgress and OnPreview are not gated by Cancel: an event the task graph
// is already delivering when Cancel is called can still reach them.
func (it *ImageTask) Cancel() {
	it.mu.Lock()
	if it.state.terminal() {
		it.mu.Unlock()
		return
	}
	it.state = StateCancelled
	sub := it.sub
	it.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
}

func (it *ImageTask) setTerminal(s State) bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.state.terminal() {
		return false
	}
	it.state = s
	return true
}

// LoadImage is the primary caller entry point (spec.md §4.9). It performs a
// synchronous memory-cache probe before falling through to the
// processed-image task graph.
func (p *ImagePipeline) LoadImage(ctx context.Context, req request.Request, hooks Hooks) *ImageTask {
	ctx, span := p.tracer.Start(ctx, "ImagePipeline.LoadImage")
	defer span.End()

	it := &ImageTask{state: StateCreated}
	if req.IsZero() {
		it.setTerminal(StateFailed)
		if hooks.OnCompletion != nil {
			hooks.OnCompletion(nil, &Error{Kind: KindImageRequestMissing})
		}
		return it
	}

	if hooks.OnStart != nil {
		hooks.OnStart()
	}
	it.mu.Lock()
	it.state = StateRunning
	it.mu.Unlock()

	opts := req.Options()

	if p.cfg.ImageCache != nil && !opts.DisableMemoryCacheReads && !opts.ReloadIgnoringCachedData {
		if c, ok := p.cfg.ImageCache.Get(req.MemoryCacheKey()); ok {
			p.metrics.cacheHits.Inc()
			if !c.IsPreview {
				it.setTerminal(StateCompleted)
				if hooks.OnCompletion != nil {
					hooks.OnCompletion(&container.ImageResponse{Request: &req, Container: c, Source: container.SourceMemoryCache}, nil)
				}
				return it
			}
			if hooks.OnPreview != nil {
				hooks.OnPreview(&container.ImageResponse{Request: &req, Container: c, Source: container.SourcePreview})
			}
		} else {
			p.metrics.cacheMisses.Inc()
		}
	}

	key := req.ProcessedImageLoadKey()
	for {
		created := false
		t := p.processedTasks.getOrCreate(key, func() *task.Task[*container.ImageContainer] {
			created = true
			return p.newProcessedTask(ctx, &req)
		})
		if created {
			p.metrics.tasksCreated.Inc()
		} else {
			p.metrics.tasksCoalesced.Inc()
		}

		sub := t.Subscribe(task.Priority(req.Priority()), task.Callbacks[*container.ImageContainer]{
			OnProgress: hooks.OnProgress,
			OnValue: func(img *container.ImageContainer, isCompleted bool) {
				source := container.SourceNetwork
				if img.IsPreview {
					source = container.SourcePreview
				}
				resp := &container.ImageResponse{Request: &req, Container: img, Source: source}

				if !isCompleted {
					if hooks.OnPreview != nil {
						hooks.OnPreview(resp)
					}
					return
				}
				if it.setTerminal(StateCompleted) && hooks.OnCompletion != nil {
					hooks.OnCompletion(resp, nil)
				}
			},
			OnError: func(err error) {
				if it.setTerminal(StateFailed) && hooks.OnCompletion != nil {
					hooks.OnCompletion(nil, err)
				}
			},
		})
		if sub == nil {
			// The task disposed between lookup and Subscribe (its last
			// subscriber unsubscribed concurrently); retry against a fresh
			// one.
			continue
		}

		it.mu.Lock()
		it.sub = sub
		it.mu.Unlock()
		return it
	}
}

// DataHooks are the caller-supplied callbacks for LoadData.
type DataHooks struct {
	OnProgress   func(completed, total int64)
	OnCompletion func(data []byte, err error)
}

// DataTask is the caller-facing handle returned by LoadData.
type DataTask struct {
	mu    sync.Mutex
	state State
	sub   *task.Subscription[dataValue]
}

// State returns the task's current lifecycle state.
func (dt *DataTask) State() State {
	dt.mu.Lock()
	defer dt.mu.Unlock()
	return dt.state
}

// SetPriority re-prioritizes the underlying data fetch.
func (dt *DataTask) SetPriority(p request.Priority) {
	dt.mu.Lock()
	sub := dt.sub
	dt.mu.Unlock()
	if sub != nil {
		sub.SetPriority(task.Priority(p))
	}
}

// Cancel drops this task's subscription to the underlying data task.
func (dt *DataTask) Cancel() {
	dt.mu.Lock()
	if dt.state.terminal() {
		dt.mu.Unlock()
		return
	}
	dt.state = StateCancelled
	sub := dt.sub
	dt.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
}

func (dt *DataTask) setTerminal(s State) bool {
	dt.mu.Lock()
	defer dt.mu.Unlock()
	if dt.state.terminal() {
		return false
	}
	dt.state = s
	return true
}

// LoadData returns raw bytes for req without decoding (spec.md §6),
// deduplicated at the same original-image-load key as LoadImage's fetches.
func (p *ImagePipeline) LoadData(ctx context.Context, req request.Request, hooks DataHooks) *DataTask {
	ctx, span := p.tracer.Start(ctx, "ImagePipeline.LoadData")
	defer span.End()

	dt := &DataTask{state: StateCreated}
	if req.IsZero() {
		dt.setTerminal(StateFailed)
		if hooks.OnCompletion != nil {
			hooks.OnCompletion(nil, &Error{Kind: KindImageRequestMissing})
		}
		return dt
	}
	dt.state = StateRunning

	key := req.OriginalImageLoadKey()

	for {
		t := p.dataTasks.getOrCreate(key, func() *task.Task[dataValue] {
			return p.newDataTask(ctx, &req)
		})

		sub := t.Subscribe(task.Priority(req.Priority()), task.Callbacks[dataValue]{
			OnProgress: hooks.OnProgress,
			OnValue: func(v dataValue, isCompleted bool) {
				if !isCompleted {
					return
				}
				if dt.setTerminal(StateCompleted) && hooks.OnCompletion != nil {
					hooks.OnCompletion(v.Data, nil)
				}
			},
			OnError: func(err error) {
				if dt.setTerminal(StateFailed) && hooks.OnCompletion != nil {
					hooks.OnCompletion(nil, err)
				}
			},
		})
		if sub == nil {
			continue
		}

		dt.mu.Lock()
		dt.sub = sub
		dt.mu.Unlock()
		return dt
	}
}

// CacheAPI is the synchronous cache sub-API described in spec.md §6.
type CacheAPI struct {
	p *ImagePipeline
}

// Cache returns the pipeline's cache sub-API.
func (p *ImagePipeline) Cache() *CacheAPI {
	return &CacheAPI{p: p}
}

// Get reads req's fully-processed container directly from the memory cache.
func (c *CacheAPI) Get(req request.Request) (*container.ImageContainer, bool) {
	if c.p.cfg.ImageCache == nil {
		return nil, false
	}
	return c.p.cfg.ImageCache.Get(req.MemoryCacheKey())
}

// Put writes img to the memory cache under req's key.
func (c *CacheAPI) Put(req request.Request, img *container.ImageContainer, ttl time.Duration) bool {
	if c.p.cfg.ImageCache == nil {
		return false
	}
	return c.p.cfg.ImageCache.Put(req.MemoryCacheKey(), img, img.Cost(), ttl)
}

// Remove discards req's memory-cache entry, if any.
func (c *CacheAPI) Remove(req request.Request) {
	if c.p.cfg.ImageCache != nil {
		c.p.cfg.ImageCache.Remove(req.MemoryCacheKey())
	}
}

// ContainsDiskData reports whether req's original bytes are present on disk.
func (c *CacheAPI) ContainsDiskData(req request.Request) bool {
	if c.p.cfg.DataCache == nil {
		return false
	}
	return c.p.cfg.DataCache.ContainsData(req.DiskCacheKey(false))
}
