// Package demoapi is the HTTP surface for cmd/imagepipeline-demo: a single
// image-serving route fronting an ImagePipeline, wired with the same
// middleware chain (recovery, logging, tracing, metrics) the teacher's
// internal/api.API uses.
package demoapi

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/DMarby/imagepipeline/internal/cmd"
	"github.com/DMarby/imagepipeline/internal/codec"
	"github.com/DMarby/imagepipeline/internal/codec/resize"
	"github.com/DMarby/imagepipeline/internal/container"
	"github.com/DMarby/imagepipeline/internal/handler"
	"github.com/DMarby/imagepipeline/internal/logger"
	"github.com/DMarby/imagepipeline/internal/pipeline"
	"github.com/DMarby/imagepipeline/internal/request"
	"github.com/DMarby/imagepipeline/internal/tracing"
	"github.com/gorilla/mux"
)

// API wires a pipeline.ImagePipeline behind a gorilla/mux router.
type API struct {
	Pipeline *pipeline.ImagePipeline
	Encoder  codec.Encoder
	Log      *logger.Logger
	Tracer   tracing.Starter
}

// Router returns the http.Handler for the demo API, chained through
// Recovery, Logger, Tracer and Metrics middleware.
func (a *API) Router() http.Handler {
	router := mux.NewRouter()
	router.NotFoundHandler = handler.Handler(a.notFoundHandler)
	router.StrictSlash(true)

	router.Handle("/image", handler.Handler(a.imageHandler)).Methods("GET").Name("Image")

	matcher := &handler.MuxRouteMatcher{Router: router}

	var h http.Handler = router
	h = handler.Metrics(h, matcher)
	h = handler.Tracer(a.Tracer, h, matcher)
	h = handler.Logger(a.Log, h)
	h = handler.Recovery(a.Log, h)

	return h
}

func (a *API) notFoundHandler(w http.ResponseWriter, r *http.Request) *handler.Error {
	return handler.BadRequest("not found")
}

// imageHandler fetches, decodes and (optionally) resizes the image at the
// `url` query parameter, blocking the HTTP goroutine on the pipeline's
// onCompletion hook the way a synchronous reverse proxy would.
func (a *API) imageHandler(w http.ResponseWriter, r *http.Request) *handler.Error {
	q := r.URL.Query()

	raw := q.Get("url")
	if raw == "" {
		return handler.BadRequest("missing url parameter")
	}

	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return handler.BadRequest("invalid url parameter")
	}

	req := request.New(u)
	if w, h, ok := parseDimensions(q); ok {
		req = req.WithProcessors(resize.New(w, h))
	}

	// Bound how long this handler goroutine blocks on the pipeline, on top
	// of client disconnect, using the teacher's internal/cmd.HandlerTimeout.
	ctx, cancel := context.WithTimeout(r.Context(), cmd.HandlerTimeout)
	defer cancel()

	type outcome struct {
		resp *container.ImageResponse
		err  error
	}
	done := make(chan outcome, 1)

	task := a.Pipeline.LoadImage(ctx, req, pipeline.Hooks{
		OnCompletion: func(resp *container.ImageResponse, err error) {
			done <- outcome{resp: resp, err: err}
		},
	})

	select {
	case res := <-done:
		if res.err != nil {
			a.Log.Errorw("error loading image", handler.LogFields(r, "error", res.err, "url", raw)...)
			return handler.InternalServerError()
		}

		encoded, err := a.Encoder.Encode(res.resp.Container)
		if err != nil || encoded == nil {
			a.Log.Errorw("error encoding image", handler.LogFields(r, "error", err, "url", raw)...)
			return handler.InternalServerError()
		}

		w.Header().Set("Content-Type", contentType(res.resp.Container.Format))
		w.Write(encoded)
		return nil
	case <-ctx.Done():
		task.Cancel()
		return handler.ServiceUnavailable()
	}
}

func parseDimensions(q url.Values) (width, height int, ok bool) {
	w, errW := strconv.Atoi(q.Get("width"))
	h, errH := strconv.Atoi(q.Get("height"))
	if errW != nil || errH != nil || w <= 0 || h <= 0 {
		return 0, 0, false
	}
	return w, h, true
}

func contentType(f container.Format) string {
	switch f {
	case container.FormatPNG:
		return "image/png"
	case container.FormatJPEG:
		return "image/jpeg"
	case container.FormatGIF:
		return "image/gif"
	default:
		return "application/octet-stream"
	}
}
