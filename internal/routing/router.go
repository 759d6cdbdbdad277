// Package routing holds the registry of protected operations and matches
// requests against it.
package routing

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/AlexKimmel/digestgate/internal/ratelimit"
)

type Operation struct {
	ID      string
	Methods map[string]struct{}
	Prefix  string
	// Enforce rejects calls over the limit. Unenforced operations are
	// still counted.
	Enforce    bool
	RateLimits ratelimit.Limits
}

func (op *Operation) LimitsFor(verb string) map[ratelimit.Category]ratelimit.Limit {
	if op == nil {
		return nil
	}
	return op.RateLimits.For(strings.ToUpper(verb))
}

type Router struct {
	ops []*Operation
}

func New() *Router {
	return &Router{}
}

// Add registers op. Operations are matched in registration order.
func (r *Router) Add(op *Operation) error {
	if op.ID == "" {
		return fmt.Errorf("operation with prefix %q has no id", op.Prefix)
	}
	for _, o := range r.ops {
		if o.ID == op.ID {
			return fmt.Errorf("operation %q registered twice", op.ID)
		}
	}
	r.ops = append(r.ops, op)
	return nil
}

func (r *Router) Operations() []*Operation {
	return r.ops
}

func (r *Router) Match(method string, path string) (*Operation, bool) {
	m := strings.ToUpper(method)
	for _, op := range r.ops {
		if _, ok := op.Methods[m]; !ok {
			continue
		}
		prefix := strings.TrimSuffix(strings.TrimSpace(op.Prefix), "/")
		if prefix == "" {
			return op, true
		}
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return op, true
		}
	}
	return nil, false
}

type ctxKey int

const keyOperation ctxKey = 0

func WithOperation(r *http.Request, op *Operation) *http.Request {
	ctx := context.WithValue(r.Context(), keyOperation, op)
	return r.WithContext(ctx)
}

func OperationFrom(r *http.Request) (*Operation, bool) {
	v := r.Context().Value(keyOperation)
	if v == nil {
		return nil, false
	}
	op, ok := v.(*Operation)
	return op, ok
}
