package handler

import (
	"net/http"

	"github.com/DMarby/imagepipeline/internal/tracing"
)

// Tracer wraps next, starting a span named after the matched route for
// every request.
func Tracer(tracer tracing.Starter, next http.Handler, routes RouteMatcher) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := routes.MatchedRouteName(r)
		if name == "" {
			name = "unknown-route"
		}

		ctx, span := tracer.Start(r.Context(), name)
		defer span.End()

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
