package gateway

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/AlexKimmel/digestgate/internal/auth"
	"github.com/AlexKimmel/digestgate/internal/ratelimit"
	"github.com/AlexKimmel/digestgate/internal/routing"
)

// RateLimit runs the gate for the operation stored by RouteMatcher.
// With trustProxy the client IP is taken from X-Forwarded-For / X-Real-IP.
func RateLimit(g *Gate, skipPaths map[string]struct{}, trustProxy bool) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// allow ops endpoints without limits
			if _, ok := skipPaths[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			op, ok := routing.OperationFrom(r)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			out, err := g.Invoke(r.Context(), op, r.Method, IdentitiesFrom(r, trustProxy), func(ctx context.Context) error {
				o, _ := OutcomeFrom(ctx)
				setLimitHeaders(w, o.Decision)
				next.ServeHTTP(w, r.WithContext(ctx))
				return nil
			})
			if err != nil {
				writeJSON(w, http.StatusInternalServerError, "rate_limiter_error", "internal rate limiter error")
				return
			}

			if out.Limited {
				setLimitHeaders(w, out.Decision)
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(out.Decision.RetryAfter.Seconds()))))
				writeJSON(w, http.StatusTooManyRequests, "rate_limited", "Too many requests")
			}
		})
	}
}

func setLimitHeaders(w http.ResponseWriter, dec ratelimit.Decision) {
	if dec.Limit <= 0 {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(dec.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(max(dec.Remaining, 0)))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(dec.ResetUnixSec, 10))
}

// IdentitiesFrom derives the caller identities of r. User and organization
// are only present for authenticated callers.
func IdentitiesFrom(r *http.Request, trustProxy bool) Identities {
	ids := Identities{ratelimit.CategoryIP: ClientIP(r, trustProxy)}
	if p, ok := auth.PrincipalFrom(r.Context()); ok {
		if p.ID != "" {
			ids[ratelimit.CategoryUser] = p.ID
		}
		if p.Organization != "" {
			ids[ratelimit.CategoryOrganization] = p.Organization
		}
	}
	return ids
}

func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}

func writeJSON(w http.ResponseWriter, code int, errCode, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(`{"error":{"code":"` + errCode + `","message":"` + msg + `"}}`))
}
