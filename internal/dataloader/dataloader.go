// Package dataloader defines the DataLoader contract (spec.md §4.11, §6)
// and a default implementation wrapping net/http, honoring Range/If-Range
// for resumable downloads. Client-side streaming idiom is grounded on the
// retrieval pack's downloader examples (e.g.
// other_examples/7aa6cb63_lcalzada-xor-downurl__internal-downloader-downloader.go.go),
// rewritten to this package's interface.
package dataloader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/DMarby/imagepipeline/internal/request"
	"github.com/DMarby/imagepipeline/internal/resumable"
)

// Resume carries the information needed to attach Range/If-Range headers
// to a resumed fetch (spec.md §4.5).
type Resume struct {
	Offset    int64
	Validator string
}

// Callbacks receive progress, chunks, and completion. The contract
// (spec.md §4.11) requires these be invoked serially for one Load call,
// though concurrently with callbacks from other, unrelated Load calls.
type Callbacks struct {
	OnProgress func(completed, total int64)
	OnReceive  func(chunk []byte)
	// OnComplete reports the terminal status: err is nil on success.
	// status and header let the caller (the pipeline) decide whether the
	// response is eligible to update the resumable store.
	OnComplete func(err error, status int, header http.Header)
}

// CancelFunc cancels an in-flight Load. It returns without waiting for the
// load to stop, so a callback can still run after it returns; HTTPLoader
// ends a cancelled load with an OnComplete call carrying the context error.
type CancelFunc func()

// Loader streams bytes from the network for a request.
type Loader interface {
	Load(ctx context.Context, req *request.Request, resume *Resume, cb Callbacks) CancelFunc
}

// HTTPLoader is the default Loader, wrapping a *http.Client.
type HTTPLoader struct {
	Client *http.Client
}

// NewHTTPLoader returns an HTTPLoader using http.DefaultClient if client is
// nil.
func NewHTTPLoader(client *http.Client) *HTTPLoader {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPLoader{Client: client}
}

// Load implements Loader.
func (l *HTTPLoader) Load(ctx context.Context, req *request.Request, resume *Resume, cb Callbacks) CancelFunc {
	ctx, cancel := context.WithCancel(ctx)
	if req.Timeout() > 0 {
		ctx, cancel = context.WithTimeout(ctx, req.Timeout())
	}

	var once sync.Once
	cancelFunc := CancelFunc(func() {
		once.Do(cancel)
	})

	go l.run(ctx, req, resume, cb, cancel)

	return cancelFunc
}

func (l *HTTPLoader) run(ctx context.Context, req *request.Request, resume *Resume, cb Callbacks, cancel context.CancelFunc) {
	defer cancel()

	method := req.Method()
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL().String(), nil)
	if err != nil {
		if cb.OnComplete != nil {
			cb.OnComplete(err, 0, nil)
		}
		return
	}

	if resume != nil && resume.Offset > 0 {
		rangeHeader, ifRange := resumable.RangeHeaders(resume.Offset, resume.Validator)
		httpReq.Header.Set("Range", rangeHeader)
		if ifRange != "" {
			httpReq.Header.Set("If-Range", ifRange)
		}
	}

	resp, err := l.Client.Do(httpReq)
	if err != nil {
		if cb.OnComplete != nil {
			cb.OnComplete(err, 0, nil)
		}
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		if cb.OnComplete != nil {
			cb.OnComplete(fmt.Errorf("dataloader: unexpected status %d", resp.StatusCode), resp.StatusCode, resp.Header)
		}
		return
	}

	total := resp.ContentLength
	var completed int64
	buf := make([]byte, 32*1024)

	for {
		if ctx.Err() != nil {
			if cb.OnComplete != nil {
				cb.OnComplete(ctx.Err(), resp.StatusCode, resp.Header)
			}
			return
		}

		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if cb.OnReceive != nil {
				cb.OnReceive(chunk)
			}
			completed += int64(n)
			if cb.OnProgress != nil {
				cb.OnProgress(completed, total)
			}
		}

		if readErr == io.EOF {
			if completed == 0 {
				if cb.OnComplete != nil {
					cb.OnComplete(fmt.Errorf("dataloader: empty response"), resp.StatusCode, resp.Header)
				}
				return
			}
			if cb.OnComplete != nil {
				cb.OnComplete(nil, resp.StatusCode, resp.Header)
			}
			return
		}
		if readErr != nil {
			if cb.OnComplete != nil {
				cb.OnComplete(readErr, resp.StatusCode, resp.Header)
			}
			return
		}
	}
}
