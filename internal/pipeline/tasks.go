package pipeline

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/DMarby/imagepipeline/internal/codec"
	"github.com/DMarby/imagepipeline/internal/container"
	"github.com/DMarby/imagepipeline/internal/dataloader"
	"github.com/DMarby/imagepipeline/internal/request"
	"github.com/DMarby/imagepipeline/internal/resumable"
	"github.com/DMarby/imagepipeline/internal/task"
	"github.com/DMarby/imagepipeline/internal/workqueue"
)

// newDataTask builds the bottom task-graph level (spec.md §4.9 step 4): a
// disk-cache probe, falling back to a rate-limited, queued network fetch.
func (p *ImagePipeline) newDataTask(ctx context.Context, req *request.Request) *task.Task[dataValue] {
	var t *task.Task[dataValue]
	t = task.New(func(t *task.Task[dataValue]) {
		if p.cfg.DataCache != nil && diskCacheStoresOriginals(p.cfg.DataCachePolicy) && !req.Options().DisableDiskCacheReads {
			if data, ok := p.cfg.DataCache.Get(req.DiskCacheKey(false)); ok {
				t.EmitValue(dataValue{Data: data}, true)
				return
			}
		}

		submit := func() {
			handle := p.dataLoadingQueue.Enqueue(workqueue.FromFineGrained(int(req.Priority())), func(ctx context.Context) {
				p.fetchData(ctx, req, t)
			})
			t.SetWork(handle)
		}

		if p.cfg.IsRateLimiterEnabled && p.cfg.RateLimiter != nil {
			if p.cfg.RateLimiter.Pending() > 0 {
				// Best-effort: a fresh admission arriving while others are
				// already queued will itself wait for a token.
				p.metrics.rateLimiterQueued.Inc()
			}
			p.cfg.RateLimiter.Execute(func() bool {
				submit()
				return true
			})
		} else {
			submit()
		}
	})
	return t
}

// fetchData runs on the data-loading queue: it resumes a prior partial
// transfer if one is buffered, streams the response, and on completion
// classifies 206-vs-200 byte assembly per spec.md §4.5/§6.
func (p *ImagePipeline) fetchData(ctx context.Context, req *request.Request, t *task.Task[dataValue]) {
	var prefix []byte
	var validator string
	if p.cfg.IsResumableDataEnabled && p.cfg.ResumableStore != nil {
		if entry, ok := p.cfg.ResumableStore.Get(req.OriginalImageLoadKey()); ok {
			prefix = entry.Data
			validator = entry.Validator
		}
	}

	var resume *dataloader.Resume
	if len(prefix) > 0 {
		resume = &dataloader.Resume{Offset: int64(len(prefix)), Validator: validator}
	}

	var mu sync.Mutex
	received := make([]byte, 0, 64*1024)
	done := make(chan struct{})

	cancel := p.cfg.DataLoader.Load(ctx, req, resume, dataloader.Callbacks{
		OnProgress: func(completed, total int64) {
			t.EmitProgress(int64(len(prefix))+completed, total)
		},
		OnReceive: func(chunk []byte) {
			mu.Lock()
			received = append(received, chunk...)
			snapshot := append([]byte(nil), received...)
			mu.Unlock()

			if p.cfg.IsProgressiveDecodingEnabled {
				t.EmitValue(dataValue{Data: snapshot}, false)
			}
		},
		OnComplete: func(err error, status int, header http.Header) {
			defer close(done)

			mu.Lock()
			recv := append([]byte(nil), received...)
			mu.Unlock()

			if err != nil {
				if p.cfg.IsResumableDataEnabled && p.cfg.ResumableStore != nil && len(recv) > 0 {
					// A 200 restarts the transfer, so the old prefix is dropped;
					// only a 206 continues it.
					buffered := recv
					if status == http.StatusPartialContent {
						buffered = append(append([]byte(nil), prefix...), recv...)
					}
					v := resumable.Validator(header)
					if v == "" {
						v = validator
					}
					if v != "" && resumable.IsResumable(status, header, int64(len(buffered)), declaredTotalLength(status, header)) {
						p.cfg.ResumableStore.Put(req.OriginalImageLoadKey(), resumable.Entry{Data: buffered, Validator: v})
					}
				}
				t.EmitError(&Error{Kind: KindDataLoadingFailed, Err: err})
				return
			}

			var final []byte
			if status == http.StatusPartialContent {
				final = append(append([]byte(nil), prefix...), recv...)
			} else {
				final = recv
			}

			if len(final) == 0 {
				t.EmitError(&Error{Kind: KindDataIsEmpty})
				return
			}

			if p.cfg.IsResumableDataEnabled && p.cfg.ResumableStore != nil {
				p.cfg.ResumableStore.Remove(req.OriginalImageLoadKey())
			}

			if p.cfg.DataCache != nil && diskCacheStoresOriginals(p.cfg.DataCachePolicy) && !req.Options().DisableDiskCacheWrites {
				p.enqueueDiskWrite(req.DiskCacheKey(false), final)
			}

			t.EmitValue(dataValue{Data: final}, true)
		},
	})

	select {
	case <-done:
	case <-ctx.Done():
		cancel()
		<-done
	}
}

// declaredTotalLength extracts the server-declared full resource size from
// a response so resumable.IsResumable can tell an already-complete transfer
// from one still missing data: the Content-Range total for a 206, or
// Content-Length otherwise. It returns 0 (unknown) when neither header is
// present or parseable, which IsResumable treats as "don't disable on
// length".
func declaredTotalLength(status int, header http.Header) int64 {
	if header == nil {
		return 0
	}
	if status == http.StatusPartialContent {
		cr := header.Get("Content-Range")
		idx := strings.LastIndex(cr, "/")
		if idx == -1 || idx == len(cr)-1 {
			return 0
		}
		n, err := strconv.ParseInt(cr[idx+1:], 10, 64)
		if err != nil {
			return 0
		}
		return n
	}
	n, err := strconv.ParseInt(header.Get("Content-Length"), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// newOriginalTask builds the middle task-graph level (spec.md §4.9 step 3):
// it subscribes to a data task and drives the decoder, forwarding
// progressive previews when enabled.
func (p *ImagePipeline) newOriginalTask(ctx context.Context, req *request.Request) *task.Task[*container.ImageContainer] {
	var t *task.Task[*container.ImageContainer]
	t = task.New(func(t *task.Task[*container.ImageContainer]) {
		depKey := req.OriginalImageLoadKey()
		dep := p.dataTasks.getOrCreate(depKey, func() *task.Task[dataValue] {
			return p.newDataTask(ctx, req)
		})

		var decMu sync.Mutex
		var decoder codec.Decoder
		var decodeBusy int32

		sub := dep.Subscribe(task.Priority(req.Priority()), task.Callbacks[dataValue]{
			OnProgress: func(completed, total int64) {
				t.EmitProgress(completed, total)
			},
			OnValue: func(value dataValue, isCompleted bool) {
				if !isCompleted {
					if !p.cfg.IsProgressiveDecodingEnabled {
						return
					}
					if !atomic.CompareAndSwapInt32(&decodeBusy, 0, 1) {
						return // a preview decode is already in flight; drop this snapshot
					}
					data := value.Data
					p.decodingQueue.Enqueue(workqueue.FromFineGrained(int(req.Priority())), func(ctx context.Context) {
						defer atomic.StoreInt32(&decodeBusy, 0)

						decMu.Lock()
						if decoder == nil {
							decoder = p.cfg.Decoders.Decoder(codec.DecoderContext{Request: req, Data: data, Final: false})
						}
						d := decoder
						decMu.Unlock()
						if d == nil {
							return
						}

						c, err := d.DecodePartial(data)
						if err != nil || c == nil {
							return
						}
						c.IsPreview = true
						t.EmitValue(c, false)
					})
					return
				}

				data := value.Data
				handle := p.decodingQueue.Enqueue(workqueue.FromFineGrained(int(req.Priority())), func(ctx context.Context) {
					decMu.Lock()
					d := decoder
					decMu.Unlock()
					if d == nil {
						d = p.cfg.Decoders.Decoder(codec.DecoderContext{Request: req, Data: data, Final: true})
					}
					if d == nil {
						t.EmitError(&Error{Kind: KindDecoderNotRegistered})
						return
					}

					c, err := d.Decode(data)
					if err != nil {
						t.EmitError(&Error{Kind: KindDecodingFailed, Err: err})
						return
					}
					c.IsPreview = false
					t.EmitValue(c, true)
				})
				t.SetWork(handle)
			},
			OnError: func(err error) {
				t.EmitError(err)
			},
		})
		t.SetDependency(sub)
	})
	return t
}

// newProcessedTask builds the top task-graph level (spec.md §4.9 step 2):
// it subscribes to an original-image task and runs the request's processor
// pipeline, writing the final container to the memory and (optionally) disk
// caches.
func (p *ImagePipeline) newProcessedTask(ctx context.Context, req *request.Request) *task.Task[*container.ImageContainer] {
	var t *task.Task[*container.ImageContainer]
	t = task.New(func(t *task.Task[*container.ImageContainer]) {
		depKey := req.OriginalImageLoadKey()
		dep := p.originalTasks.getOrCreate(depKey, func() *task.Task[*container.ImageContainer] {
			return p.newOriginalTask(ctx, req)
		})

		sub := dep.Subscribe(task.Priority(req.Priority()), task.Callbacks[*container.ImageContainer]{
			OnProgress: func(completed, total int64) {
				t.EmitProgress(completed, total)
			},
			OnValue: func(img *container.ImageContainer, isCompleted bool) {
				procs := req.Processors()

				if !isCompleted {
					handle := p.processingQueue.Enqueue(workqueue.FromFineGrained(int(req.Priority())), func(ctx context.Context) {
						out := img
						for _, proc := range procs {
							cp, ok := proc.(codec.Processor)
							if !ok || !cp.SupportsProgressive() {
								continue
							}
							res, err := cp.Process(ctx, out, codec.ProcessorContext{Request: req, IsFinal: false, IsProgressive: true})
							if err != nil || res == nil {
								continue
							}
							out = res
						}
						out.IsPreview = true
						t.EmitValue(out, false)
					})
					t.SetWork(handle)
					return
				}

				handle := p.processingQueue.Enqueue(workqueue.FromFineGrained(int(req.Priority())), func(ctx context.Context) {
					out := img
					for _, proc := range procs {
						cp, ok := proc.(codec.Processor)
						if !ok {
							continue
						}
						res, err := cp.Process(ctx, out, codec.ProcessorContext{Request: req, IsFinal: true})
						if err != nil {
							t.EmitError(&Error{Kind: KindProcessingFailed, Err: err})
							return
						}
						if res == nil {
							continue
						}
						out = res
					}
					out.IsPreview = false

					if p.cfg.ImageCache != nil && !req.Options().DisableMemoryCacheWrites {
						p.cfg.ImageCache.Put(req.MemoryCacheKey(), out, out.Cost(), 0)
					}

					t.EmitValue(out, true)

					if p.cfg.DataCache != nil && p.cfg.Encoder != nil && diskCacheStoresProcessed(p.cfg.DataCachePolicy) && !req.Options().DisableDiskCacheWrites {
						encodeMe := out
						p.encodingQueue.Enqueue(workqueue.FromFineGrained(int(req.Priority())), func(ctx context.Context) {
							encoded, err := p.cfg.Encoder.Encode(encodeMe)
							if err != nil || encoded == nil {
								return
							}
							p.enqueueDiskWrite(req.DiskCacheKey(true), encoded)
						})
					}
				})
				t.SetWork(handle)
			},
			OnError: func(err error) {
				t.EmitError(err)
			},
		})
		t.SetDependency(sub)
	})
	return t
}
