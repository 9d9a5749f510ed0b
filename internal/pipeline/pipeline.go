// Package pipeline implements the ImagePipeline orchestrator (spec.md §4.9,
// C9): it composes the work queue, rate limiter, memory and disk caches,
// resumable-data store, data loader and codec contracts into the
// fetch→decode→process task graph described in spec.md §3-§5.
package pipeline

import (
	"context"
	"sync"

	"github.com/DMarby/imagepipeline/internal/codec"
	"github.com/DMarby/imagepipeline/internal/container"
	"github.com/DMarby/imagepipeline/internal/dataloader"
	"github.com/DMarby/imagepipeline/internal/diskcache"
	"github.com/DMarby/imagepipeline/internal/logger"
	"github.com/DMarby/imagepipeline/internal/memorycache"
	"github.com/DMarby/imagepipeline/internal/ratelimiter"
	"github.com/DMarby/imagepipeline/internal/resumable"
	"github.com/DMarby/imagepipeline/internal/task"
	"github.com/DMarby/imagepipeline/internal/tracing"
	tracingtest "github.com/DMarby/imagepipeline/internal/tracing/test"
	"github.com/DMarby/imagepipeline/internal/workqueue"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/singleflight"
)

const zapInfoLevel = zapcore.InfoLevel

// Default work queue concurrency limits (spec.md §6).
const (
	DefaultDataLoadingQueueMaxConcurrent    = 6
	DefaultDecodingQueueMaxConcurrent       = 1
	DefaultEncodingQueueMaxConcurrent       = 1
	DefaultProcessingQueueMaxConcurrent     = 2
	DefaultDataCacheWriteQueueMaxConcurrent = 2
)

// DataCachePolicy controls what the pipeline writes to the disk cache, and
// under what key (spec.md §6). The four named values correspond to the
// spec's `original-data | stored-ids | stored-ids-and-processed |
// automatic` enum; `StoredIDs` stores only the final processed/encoded
// image, `OriginalData` only the raw fetched bytes.
type DataCachePolicy int

const (
	DataCachePolicyOriginalData DataCachePolicy = iota
	DataCachePolicyStoredIDs
	DataCachePolicyStoredIDsAndProcessed
	DataCachePolicyAutomatic
)

func diskCacheStoresOriginals(p DataCachePolicy) bool {
	switch p {
	case DataCachePolicyOriginalData, DataCachePolicyStoredIDsAndProcessed, DataCachePolicyAutomatic:
		return true
	default:
		return false
	}
}

func diskCacheStoresProcessed(p DataCachePolicy) bool {
	switch p {
	case DataCachePolicyStoredIDs, DataCachePolicyStoredIDsAndProcessed, DataCachePolicyAutomatic:
		return true
	default:
		return false
	}
}

// Configuration is captured once by New; mutating it afterward is undefined
// (spec.md §6).
type Configuration struct {
	DataLoader     dataloader.Loader
	DataCache      *diskcache.Cache // optional
	ImageCache     *memorycache.Cache
	ResumableStore *resumable.Store
	RateLimiter    *ratelimiter.RateLimiter
	Decoders       *codec.Registry
	Encoder        codec.Encoder

	DataLoadingQueueMaxConcurrent    int
	DecodingQueueMaxConcurrent       int
	EncodingQueueMaxConcurrent       int
	ProcessingQueueMaxConcurrent     int
	DataCacheWriteQueueMaxConcurrent int

	IsProgressiveDecodingEnabled bool
	IsRateLimiterEnabled         bool
	IsResumableDataEnabled       bool
	IsDecompressionEnabled       bool

	DataCachePolicy DataCachePolicy

	Tracer          tracing.Starter
	Logger          *logger.Logger
	MetricsRegistry *prometheus.Registry
}

// DefaultConfiguration returns a Configuration with every spec.md §6 default
// applied (all four `is-*-enabled` flags true, default queue concurrencies).
// Callers build on top of this rather than a zero Configuration, since a
// zero-valued bool can't be told apart from "explicitly disabled".
func DefaultConfiguration() Configuration {
	return Configuration{
		ImageCache:                       memorycache.New(memorycache.DefaultConfig()),
		ResumableStore:                   resumable.New(),
		RateLimiter:                      ratelimiter.New(ratelimiter.DefaultRate, ratelimiter.DefaultBurst),
		Decoders:                         codec.NewRegistry(),
		DataLoadingQueueMaxConcurrent:    DefaultDataLoadingQueueMaxConcurrent,
		DecodingQueueMaxConcurrent:       DefaultDecodingQueueMaxConcurrent,
		EncodingQueueMaxConcurrent:       DefaultEncodingQueueMaxConcurrent,
		ProcessingQueueMaxConcurrent:     DefaultProcessingQueueMaxConcurrent,
		DataCacheWriteQueueMaxConcurrent: DefaultDataCacheWriteQueueMaxConcurrent,
		IsProgressiveDecodingEnabled:     true,
		IsRateLimiterEnabled:             true,
		IsResumableDataEnabled:           true,
		IsDecompressionEnabled:           true,
		DataCachePolicy:                  DataCachePolicyAutomatic,
	}
}

// ImagePipeline is the per-instance orchestrator. It is safe for concurrent
// use by any number of callers (spec.md §5).
type ImagePipeline struct {
	cfg Configuration

	dataLoadingQueue    *workqueue.WorkQueue
	decodingQueue       *workqueue.WorkQueue
	encodingQueue       *workqueue.WorkQueue
	processingQueue     *workqueue.WorkQueue
	dataCacheWriteQueue *workqueue.WorkQueue

	dataTasks      *taskStore[dataValue]
	originalTasks  *taskStore[*container.ImageContainer]
	processedTasks *taskStore[*container.ImageContainer]

	metrics *pipelineMetrics
	log     *logger.Logger
	tracer  tracing.Starter
}

// dataValue is the value type flowing through the data task graph level: the
// bytes buffered so far (final or, when progressive decoding is enabled, a
// growing snapshot).
type dataValue struct {
	Data []byte
}

// New builds an ImagePipeline from cfg. Zero-valued queue concurrency
// limits and nil ImageCache, ResumableStore, RateLimiter and Decoders are
// filled in from DefaultConfiguration, and a nil Logger or Tracer gets a
// default; the boolean flags, DataCachePolicy, DataCache, Encoder and
// MetricsRegistry are used as given.
func New(cfg Configuration) *ImagePipeline {
	def := DefaultConfiguration()

	if cfg.ImageCache == nil {
		cfg.ImageCache = def.ImageCache
	}
	if cfg.ResumableStore == nil {
		cfg.ResumableStore = def.ResumableStore
	}
	if cfg.RateLimiter == nil {
		cfg.RateLimiter = def.RateLimiter
	}
	if cfg.Decoders == nil {
		cfg.Decoders = def.Decoders
	}
	if cfg.DataLoadingQueueMaxConcurrent <= 0 {
		cfg.DataLoadingQueueMaxConcurrent = def.DataLoadingQueueMaxConcurrent
	}
	if cfg.DecodingQueueMaxConcurrent <= 0 {
		cfg.DecodingQueueMaxConcurrent = def.DecodingQueueMaxConcurrent
	}
	if cfg.EncodingQueueMaxConcurrent <= 0 {
		cfg.EncodingQueueMaxConcurrent = def.EncodingQueueMaxConcurrent
	}
	if cfg.ProcessingQueueMaxConcurrent <= 0 {
		cfg.ProcessingQueueMaxConcurrent = def.ProcessingQueueMaxConcurrent
	}
	if cfg.DataCacheWriteQueueMaxConcurrent <= 0 {
		cfg.DataCacheWriteQueueMaxConcurrent = def.DataCacheWriteQueueMaxConcurrent
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.New(zapInfoLevel)
	}
	if cfg.Tracer == nil {
		cfg.Tracer = tracingtest.New(cfg.Logger)
	}

	p := &ImagePipeline{
		cfg:                 cfg,
		dataLoadingQueue:    workqueue.New(cfg.DataLoadingQueueMaxConcurrent),
		decodingQueue:       workqueue.New(cfg.DecodingQueueMaxConcurrent),
		encodingQueue:       workqueue.New(cfg.EncodingQueueMaxConcurrent),
		processingQueue:     workqueue.New(cfg.ProcessingQueueMaxConcurrent),
		dataCacheWriteQueue: workqueue.New(cfg.DataCacheWriteQueueMaxConcurrent),
		dataTasks:           newTaskStore[dataValue](),
		originalTasks:       newTaskStore[*container.ImageContainer](),
		processedTasks:      newTaskStore[*container.ImageContainer](),
		metrics:             newPipelineMetrics(cfg.MetricsRegistry),
		log:                 cfg.Logger,
		tracer:              cfg.Tracer,
	}

	return p
}

func (p *ImagePipeline) enqueueDiskWrite(key string, data []byte) {
	if p.cfg.DataCache == nil {
		return
	}
	p.dataCacheWriteQueue.Enqueue(workqueue.Normal, func(ctx context.Context) {
		p.cfg.DataCache.Put(key, data)
	})
}

// taskStore deduplicates task-graph construction for one graph level (data,
// original-image or processed-image), keyed by the relevant fingerprint
// (spec.md §3, §8's deduplication invariant). Concurrent callers requesting
// the same key observe exactly one task created: a singleflight.Group
// guards construction the way the retrieval pack's thumbnail handler
// (other_examples' singleflight-based cache-fill dedup) guards a concurrent
// cache fill, generalized from a byte-slice result to a task-graph node.
type taskStore[V any] struct {
	mu    sync.Mutex
	tasks map[string]*task.Task[V]
	sf    singleflight.Group
}

func newTaskStore[V any]() *taskStore[V] {
	return &taskStore[V]{tasks: make(map[string]*task.Task[V])}
}

// getOrCreate returns the existing task for key, creating (and registering)
// one via create if absent. create is called at most once per key even
// under concurrent callers.
func (s *taskStore[V]) getOrCreate(key string, create func() *task.Task[V]) *task.Task[V] {
	s.mu.Lock()
	if t, ok := s.tasks[key]; ok {
		s.mu.Unlock()
		return t
	}
	s.mu.Unlock()

	v, _, _ := s.sf.Do(key, func() (interface{}, error) {
		s.mu.Lock()
		if t, ok := s.tasks[key]; ok {
			s.mu.Unlock()
			return t, nil
		}
		s.mu.Unlock()

		t := create()
		t.OnCancelled(func() {
			s.mu.Lock()
			if s.tasks[key] == t {
				delete(s.tasks, key)
			}
			s.mu.Unlock()
		})

		s.mu.Lock()
		s.tasks[key] = t
		s.mu.Unlock()

		return t, nil
	})

	return v.(*task.Task[V])
}
