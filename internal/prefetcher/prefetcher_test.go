package prefetcher_test

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DMarby/imagepipeline/internal/codec"
	"github.com/DMarby/imagepipeline/internal/dataloader"
	"github.com/DMarby/imagepipeline/internal/diskcache"
	"github.com/DMarby/imagepipeline/internal/memorycache"
	"github.com/DMarby/imagepipeline/internal/pipeline"
	"github.com/DMarby/imagepipeline/internal/prefetcher"
	"github.com/DMarby/imagepipeline/internal/request"
	"github.com/stretchr/testify/require"
)

// noDecodeRegistry counts decoder-factory invocations so
// TestPrefetchDiskDestinationSkipsDecode can assert spec.md §8 scenario 6
// ("no decoder was constructed").
type noDecodeRegistry struct {
	constructed int32
}

func (r *noDecodeRegistry) factory(ctx codec.DecoderContext) codec.Decoder {
	atomic.AddInt32(&r.constructed, 1)
	return nil
}

type instantLoader struct {
	data []byte
}

func (l *instantLoader) Load(ctx context.Context, req *request.Request, resume *dataloader.Resume, cb dataloader.Callbacks) dataloader.CancelFunc {
	go func() {
		cb.OnReceive(l.data)
		cb.OnComplete(nil, http.StatusOK, http.Header{})
	}()
	return func() {}
}

func TestPrefetchDiskDestinationSkipsDecode(t *testing.T) {
	dir := t.TempDir()
	dataCache, err := diskcache.New(dir, request.DefaultFilenameGenerator)
	require.NoError(t, err)
	defer dataCache.Close()

	noDecode := &noDecodeRegistry{}
	decoders := codec.NewRegistry()
	decoders.Register(noDecode.factory)

	p := pipeline.New(pipeline.Configuration{
		DataLoader:             &instantLoader{data: []byte("bytes-on-disk")},
		ImageCache:             memorycache.New(memorycache.DefaultConfig()),
		DataCache:              dataCache,
		Decoders:               decoders,
		DataCachePolicy:        pipeline.DataCachePolicyOriginalData,
		IsRateLimiterEnabled:   false,
		IsResumableDataEnabled: false,
	})

	pf := prefetcher.New(p)
	defer pf.Close()

	u, err := url.Parse("http://example.test/disk-only.bin")
	require.NoError(t, err)
	req := request.New(u)

	require.NoError(t, pf.Prefetch(context.Background(), []request.Request{req}, prefetcher.DestinationDiskCache))

	require.Eventually(t, func() bool {
		return dataCache.ContainsData(req.DiskCacheKey(false))
	}, time.Second, 10*time.Millisecond, "bytes should land in the disk cache")

	_, memHit := p.Cache().Get(req)
	require.False(t, memHit, "disk-destination prefetch must not populate the memory cache")
	require.Equal(t, int32(0), atomic.LoadInt32(&noDecode.constructed), "disk-destination prefetch must not construct a decoder")
}

func TestPrefetchDedupesInFlightRequests(t *testing.T) {
	release := make(chan struct{})
	var calls int32
	loader := loaderFunc(func(ctx context.Context, req *request.Request, resume *dataloader.Resume, cb dataloader.Callbacks) dataloader.CancelFunc {
		atomic.AddInt32(&calls, 1)
		go func() {
			<-release
			cb.OnReceive([]byte("x"))
			cb.OnComplete(nil, http.StatusOK, http.Header{})
		}()
		return func() {}
	})

	decoders := codec.NewRegistry()
	decoders.Register(func(ctx codec.DecoderContext) codec.Decoder { return nil })

	p := pipeline.New(pipeline.Configuration{
		DataLoader:           loader,
		ImageCache:           memorycache.New(memorycache.DefaultConfig()),
		Decoders:             decoders,
		IsRateLimiterEnabled: false,
	})

	pf := prefetcher.New(p)
	defer pf.Close()

	u, err := url.Parse("http://example.test/dup.bin")
	require.NoError(t, err)
	req := request.New(u)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); pf.Prefetch(context.Background(), []request.Request{req}, prefetcher.DestinationDiskCache) }()
	go func() { defer wg.Done(); pf.Prefetch(context.Background(), []request.Request{req}, prefetcher.DestinationDiskCache) }()
	wg.Wait()

	close(release)
	time.Sleep(50 * time.Millisecond)

	require.Equal(t, int32(1), atomic.LoadInt32(&calls), "duplicate in-flight prefetch for the same request must not re-fetch")
}

type loaderFunc func(ctx context.Context, req *request.Request, resume *dataloader.Resume, cb dataloader.Callbacks) dataloader.CancelFunc

func (f loaderFunc) Load(ctx context.Context, req *request.Request, resume *dataloader.Resume, cb dataloader.Callbacks) dataloader.CancelFunc {
	return f(ctx, req, resume, cb)
}
