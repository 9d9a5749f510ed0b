// Package metrics exposes the Prometheus registry and HTTP server used by
// the demo binary and, internally, by the pipeline to publish cache and
// queue gauges/counters.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/DMarby/imagepipeline/internal/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the process-wide Prometheus registry. Components register
// their collectors against it at construction time.
var Registry = prometheus.NewRegistry()

// RequestDuration is a histogram of handler request durations, labeled by
// matched route name and status code.
var RequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "imagepipeline_http_request_duration_seconds",
	Help:    "HTTP request duration in seconds.",
	Buckets: prometheus.DefBuckets,
}, []string{"route", "status"})

func init() {
	Registry.MustRegister(RequestDuration)
}

// Checker reports health for the /health endpoint. Implementations live
// alongside whatever subsystem they check (disk cache, pipeline).
type Checker interface {
	Healthy(ctx context.Context) error
}

// Serve runs the metrics/health HTTP server until ctx is cancelled.
func Serve(ctx context.Context, log *logger.Logger, checker Checker, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if checker == nil {
			w.WriteHeader(http.StatusOK)
			return
		}
		if err := checker.Healthy(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	server := &http.Server{
		Addr:        addr,
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Infow("metrics server listening", "addr", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Errorf("metrics server error: %s", err)
	}
}
