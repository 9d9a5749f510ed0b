// Package prefetcher implements the bulk, low-priority submission surface
// described in spec.md §4.10 (C10): it drives a shared ImagePipeline ahead
// of need, deduplicating in-flight submissions by request fingerprint and
// supporting a memory-cache or disk-cache-only destination.
package prefetcher

import (
	"context"
	"sync"

	"github.com/DMarby/imagepipeline/internal/container"
	"github.com/DMarby/imagepipeline/internal/pipeline"
	"github.com/DMarby/imagepipeline/internal/request"
	"golang.org/x/sync/errgroup"
)

// Destination controls how far a prefetched request is driven.
type Destination int

const (
	// DestinationMemoryCache decodes and processes the image, landing the
	// final container in the pipeline's memory cache.
	DestinationMemoryCache Destination = iota
	// DestinationDiskCache fetches bytes only and writes them to the disk
	// cache; no decoder is constructed (spec.md §8 scenario 6).
	DestinationDiskCache
)

type inFlight struct {
	imageTask *pipeline.ImageTask
	dataTask  *pipeline.DataTask
}

// Prefetcher fans out low-priority submissions against a shared pipeline.
type Prefetcher struct {
	pipe *pipeline.ImagePipeline

	mu       sync.Mutex
	paused   bool
	queued   []queuedRequest
	inFlight map[string]*inFlight
}

type queuedRequest struct {
	req  request.Request
	dest Destination
}

// New creates a Prefetcher driving pipe.
func New(pipe *pipeline.ImagePipeline) *Prefetcher {
	return &Prefetcher{pipe: pipe, inFlight: make(map[string]*inFlight)}
}

func fingerprint(req request.Request, dest Destination) string {
	if dest == DestinationDiskCache {
		return "disk-cache::" + req.OriginalImageLoadKey()
	}
	return "memory-cache::" + req.MemoryCacheKey()
}

// SetPaused holds (true) or releases (false) queued submissions. Releasing
// replays everything queued while paused.
func (pf *Prefetcher) SetPaused(paused bool) {
	pf.mu.Lock()
	pf.paused = paused
	var queued []queuedRequest
	if !paused {
		queued = pf.queued
		pf.queued = nil
	}
	pf.mu.Unlock()

	for _, q := range queued {
		pf.startOne(context.Background(), q.req, q.dest)
	}
}

// Prefetch submits reqs at low priority to dest, deduplicating against
// requests already in flight. It returns once every submission has been
// started (not once every fetch has completed): use the pipeline's own
// hooks if a caller needs completion notification for a specific request.
func (pf *Prefetcher) Prefetch(ctx context.Context, reqs []request.Request, dest Destination) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, r := range reqs {
		r := r
		g.Go(func() error {
			pf.startOne(ctx, r, dest)
			return nil
		})
	}
	return g.Wait()
}

func (pf *Prefetcher) startOne(ctx context.Context, req request.Request, dest Destination) {
	req = req.WithPriority(request.PriorityLow)
	key := fingerprint(req, dest)

	pf.mu.Lock()
	if _, exists := pf.inFlight[key]; exists {
		pf.mu.Unlock()
		return
	}
	if pf.paused {
		pf.queued = append(pf.queued, queuedRequest{req: req, dest: dest})
		pf.mu.Unlock()
		return
	}
	pf.inFlight[key] = &inFlight{}
	pf.mu.Unlock()

	switch dest {
	case DestinationDiskCache:
		dt := pf.pipe.LoadData(ctx, req, pipeline.DataHooks{
			OnCompletion: func(data []byte, err error) {
				pf.forget(key)
			},
		})
		pf.mu.Lock()
		if h, ok := pf.inFlight[key]; ok {
			h.dataTask = dt
		}
		pf.mu.Unlock()
	default:
		it := pf.pipe.LoadImage(ctx, req, pipeline.Hooks{
			OnCompletion: func(resp *container.ImageResponse, err error) {
				pf.forget(key)
			},
		})
		pf.mu.Lock()
		if h, ok := pf.inFlight[key]; ok {
			h.imageTask = it
		}
		pf.mu.Unlock()
	}
}

func (pf *Prefetcher) forget(key string) {
	pf.mu.Lock()
	delete(pf.inFlight, key)
	pf.mu.Unlock()
}

// Cancel cancels a specific in-flight prefetch, if one is running for req
// and dest.
func (pf *Prefetcher) Cancel(req request.Request, dest Destination) {
	key := fingerprint(req.WithPriority(request.PriorityLow), dest)

	pf.mu.Lock()
	h, ok := pf.inFlight[key]
	delete(pf.inFlight, key)
	pf.mu.Unlock()

	if !ok {
		return
	}
	cancelHandle(h)
}

func cancelHandle(h *inFlight) {
	if h.imageTask != nil {
		h.imageTask.Cancel()
	}
	if h.dataTask != nil {
		h.dataTask.Cancel()
	}
}

// Close cancels every outstanding prefetch task (spec.md §4.10: "all
// outstanding prefetch tasks are cancelled when the prefetcher is
// destroyed").
func (pf *Prefetcher) Close() {
	pf.mu.Lock()
	handles := make([]*inFlight, 0, len(pf.inFlight))
	for _, h := range pf.inFlight {
		handles = append(handles, h)
	}
	pf.inFlight = make(map[string]*inFlight)
	pf.queued = nil
	pf.mu.Unlock()

	for _, h := range handles {
		cancelHandle(h)
	}
}
