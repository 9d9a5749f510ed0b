package pipeline_test

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DMarby/imagepipeline/internal/codec"
	"github.com/DMarby/imagepipeline/internal/codec/stdcodec"
	"github.com/DMarby/imagepipeline/internal/container"
	"github.com/DMarby/imagepipeline/internal/dataloader"
	"github.com/DMarby/imagepipeline/internal/memorycache"
	"github.com/DMarby/imagepipeline/internal/pipeline"
	"github.com/DMarby/imagepipeline/internal/request"
	"github.com/stretchr/testify/require"
)

// onePixelPNG is a tiny, validly-encoded image usable by stdcodec.
func onePixelPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 1, 1))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// fakeLoader is a controllable dataloader.Loader: each call is recorded and
// blocks until the test explicitly completes it, so tests can assert
// dedup/cancellation without racing a real network fetch.
type fakeLoader struct {
	mu        sync.Mutex
	calls     int
	cancelled int
	release   chan struct{}
	data      []byte
	err       error
}

func newFakeLoader(data []byte) *fakeLoader {
	return &fakeLoader{release: make(chan struct{}), data: data}
}

func (f *fakeLoader) Load(ctx context.Context, req *request.Request, resume *dataloader.Resume, cb dataloader.Callbacks) dataloader.CancelFunc {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	done := make(chan struct{})
	go func() {
		select {
		case <-f.release:
		case <-ctx.Done():
			f.mu.Lock()
			f.cancelled++
			f.mu.Unlock()
			close(done)
			return
		}

		if f.err != nil {
			cb.OnComplete(f.err, 0, nil)
		} else {
			cb.OnReceive(f.data)
			cb.OnComplete(nil, http.StatusOK, http.Header{})
		}
		close(done)
	}()

	return func() {}
}

func (f *fakeLoader) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeLoader) Cancelled() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

// countingProcessor counts invocations and tags the container's UserInfo so
// tests can tell two processor pipelines' outputs apart.
type countingProcessor struct {
	name  string
	count int32
}

func (p *countingProcessor) Identifier() string { return "counting:" + p.name }

func (p *countingProcessor) SupportsProgressive() bool { return false }

func (p *countingProcessor) Process(ctx context.Context, c *container.ImageContainer, pctx codec.ProcessorContext) (*container.ImageContainer, error) {
	if !pctx.IsFinal {
		return nil, nil
	}
	atomic.AddInt32(&p.count, 1)
	out := *c
	info := make(map[string]any, len(c.UserInfo)+1)
	for k, v := range c.UserInfo {
		info[k] = v
	}
	info["processedBy"] = p.name
	out.UserInfo = info
	return &out, nil
}

func (p *countingProcessor) Calls() int32 { return atomic.LoadInt32(&p.count) }

func newTestPipeline(t *testing.T, loader dataloader.Loader) *pipeline.ImagePipeline {
	t.Helper()
	decoders := codec.NewRegistry()
	decoders.Register(stdcodec.Factory)

	return pipeline.New(pipeline.Configuration{
		DataLoader:                   loader,
		ImageCache:                   memorycache.New(memorycache.DefaultConfig()),
		Decoders:                     decoders,
		Encoder:                      stdcodec.NewEncoder(),
		IsProgressiveDecodingEnabled: false,
		IsRateLimiterEnabled:         false,
		IsResumableDataEnabled:       true,
	})
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func awaitCompletion(t *testing.T, timeout time.Duration, completed chan struct{}) {
	t.Helper()
	select {
	case <-completed:
	case <-time.After(timeout):
		t.Fatal("timed out waiting for onCompletion")
	}
}

func TestLoadImageMemoryCacheHit(t *testing.T) {
	loader := newFakeLoader(nil)
	p := newTestPipeline(t, loader)

	req := request.New(mustURL(t, "http://example.test/a.png"))
	existing := &container.ImageContainer{Image: image.NewRGBA(image.Rect(0, 0, 1, 1))}
	p.Cache().Put(req, existing, time.Hour)

	completed := make(chan struct{})
	var gotResp *container.ImageResponse
	p.LoadImage(context.Background(), req, pipeline.Hooks{
		OnCompletion: func(resp *container.ImageResponse, err error) {
			gotResp = resp
			require.NoError(t, err)
			close(completed)
		},
	})

	awaitCompletion(t, time.Second, completed)
	require.Equal(t, container.SourceMemoryCache, gotResp.Source)
	require.Equal(t, 0, loader.Calls())
}

func TestLoadImageDedupesAcrossProcessors(t *testing.T) {
	data := onePixelPNG(t)
	loader := newFakeLoader(data)
	p := newTestPipeline(t, loader)

	procA := &countingProcessor{name: "A"}
	procB := &countingProcessor{name: "B"}

	reqA := request.New(mustURL(t, "http://example.test/shared.png")).WithProcessors(procA)
	reqB := request.New(mustURL(t, "http://example.test/shared.png")).WithProcessors(procB)

	var doneA, doneB sync.WaitGroup
	doneA.Add(1)
	doneB.Add(1)

	var respA, respB *container.ImageResponse
	p.LoadImage(context.Background(), reqA, pipeline.Hooks{
		OnCompletion: func(resp *container.ImageResponse, err error) {
			require.NoError(t, err)
			respA = resp
			doneA.Done()
		},
	})
	p.LoadImage(context.Background(), reqB, pipeline.Hooks{
		OnCompletion: func(resp *container.ImageResponse, err error) {
			require.NoError(t, err)
			respB = resp
			doneB.Done()
		},
	})

	// Give both subscriptions a moment to attach to the shared data task
	// before releasing the fetch, so dedup is actually exercised.
	time.Sleep(20 * time.Millisecond)
	close(loader.release)

	waitGroupWithTimeout(t, &doneA, time.Second)
	waitGroupWithTimeout(t, &doneB, time.Second)

	require.Equal(t, 1, loader.Calls(), "fetch must be coalesced across both requests")
	require.Equal(t, int32(1), procA.Calls())
	require.Equal(t, int32(1), procB.Calls())
	require.Equal(t, "A", respA.Container.UserInfo["processedBy"])
	require.Equal(t, "B", respB.Container.UserInfo["processedBy"])
}

func TestLoadImageCancellationStopsFetch(t *testing.T) {
	loader := newFakeLoader(onePixelPNG(t))
	p := newTestPipeline(t, loader)

	req := request.New(mustURL(t, "http://example.test/cancel-me.png"))

	var completionCalled int32
	task := p.LoadImage(context.Background(), req, pipeline.Hooks{
		OnCompletion: func(resp *container.ImageResponse, err error) {
			atomic.AddInt32(&completionCalled, 1)
		},
	})

	time.Sleep(20 * time.Millisecond)
	task.Cancel()

	require.Eventually(t, func() bool {
		return loader.Cancelled() == 1
	}, time.Second, 10*time.Millisecond, "loader should observe cancellation")

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(0), atomic.LoadInt32(&completionCalled), "no onCompletion after cancel")
}

func TestLoadImageSurfacesLoaderError(t *testing.T) {
	loader := newFakeLoader(nil)
	loader.err = context.DeadlineExceeded
	p := newTestPipeline(t, loader)

	req := request.New(mustURL(t, "http://example.test/errors.png"))

	completed := make(chan struct{})
	var gotErr error
	p.LoadImage(context.Background(), req, pipeline.Hooks{
		OnCompletion: func(resp *container.ImageResponse, err error) {
			gotErr = err
			close(completed)
		},
	})

	close(loader.release)
	awaitCompletion(t, time.Second, completed)
	require.Error(t, gotErr)
}

func waitGroupWithTimeout(t *testing.T, wg *sync.WaitGroup, timeout time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal("timed out waiting for completion")
	}
}
