package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/DMarby/imagepipeline/internal/metrics"
	"github.com/felixge/httpsnoop"
)

// Metrics wraps next, recording request duration per matched route and
// status code into metrics.RequestDuration.
func Metrics(next http.Handler, routes RouteMatcher) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m := httpsnoop.CaptureMetricsFn(w, func(ww http.ResponseWriter) {
			next.ServeHTTP(ww, r)
		})

		name := routes.MatchedRouteName(r)
		if name == "" {
			name = "unknown-route"
		}

		metrics.RequestDuration.WithLabelValues(name, strconv.Itoa(m.Code)).Observe(time.Since(start).Seconds())
	})
}
