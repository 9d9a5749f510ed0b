package handler

import (
	"net/http"

	"github.com/gorilla/mux"
)

// RouteMatcher resolves the named route a request matched, for use as a
// low-cardinality label in tracing spans and metrics.
type RouteMatcher interface {
	MatchedRouteName(r *http.Request) string
}

// MuxRouteMatcher implements RouteMatcher against a gorilla/mux router.
type MuxRouteMatcher struct {
	Router *mux.Router
}

// MatchedRouteName returns the name of the mux route r matches, or "" if
// none matches.
func (m *MuxRouteMatcher) MatchedRouteName(r *http.Request) string {
	var match mux.RouteMatch
	if !m.Router.Match(r, &match) || match.Route == nil {
		return ""
	}
	return match.Route.GetName()
}
