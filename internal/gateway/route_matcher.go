package gateway

import (
	"net/http"

	"github.com/AlexKimmel/digestgate/internal/routing"
)

// RouteMatcher stores the matched operation in the request context and
// answers 404 for paths no operation covers.
func RouteMatcher(rr *routing.Router, skip map[string]struct{}) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			op, ok := rr.Match(r.Method, r.URL.Path)
			if !ok {
				writeJSON(w, http.StatusNotFound, "no_route", "no matching operation")
				return
			}

			next.ServeHTTP(w, routing.WithOperation(r, op))
		})
	}
}
