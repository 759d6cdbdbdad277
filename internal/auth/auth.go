package auth

import (
	"context"
	"net/http"
	"strings"
)

type ctxKey int

const keyPrincipal ctxKey = 0

// Principal is the caller behind an API key.
type Principal struct {
	ID           string
	Organization string
}

// Store is a static in-memory key store: secret -> principal.
type Store struct {
	header    string
	bySecret  map[string]Principal
	anonymous bool
}

// NewStatic creates a static key store reading secrets from header
// ("X-API-Key" when empty). With anonymous set, requests without a key pass
// through with no principal and are limited by IP only.
func NewStatic(header string, pairs map[string]Principal, anonymous bool) *Store {
	h := header
	if h == "" {
		h = "X-API-Key"
	}
	return &Store{header: h, bySecret: pairs, anonymous: anonymous}
}

func (s *Store) principalFor(secret string) (Principal, bool) {
	p, ok := s.bySecret[secret]
	return p, ok
}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, keyPrincipal, p)
}

func PrincipalFrom(ctx context.Context) (Principal, bool) {
	v := ctx.Value(keyPrincipal)
	if v == nil {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok
}

// Middleware validates the API key and writes JSON errors on failure.
// It skips authentication for any path in skipPaths.
func (s *Store) Middleware(skipPaths map[string]struct{}) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		hname := s.header

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skipPaths[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			secret := strings.TrimSpace(r.Header.Get(hname))
			if secret == "" {
				if s.anonymous {
					next.ServeHTTP(w, r)
					return
				}
				writeJSON(w, http.StatusUnauthorized, "missing_api_key", "Provide API key in "+hname)
				return
			}
			p, ok := s.principalFor(secret)
			if !ok {
				writeJSON(w, http.StatusUnauthorized, "invalid_api_key", "API key not recognized")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, errCode, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(`{"error":{"code":"` + errCode + `","message":"` + msg + `"}}`))
}
