package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AlexKimmel/digestgate/internal/clock"
	"github.com/AlexKimmel/digestgate/internal/ratelimit"
	"github.com/AlexKimmel/digestgate/internal/routing"
)

// ErrLimiter marks a failure of the rate limiter itself, as opposed to a denial.
var ErrLimiter = errors.New("rate limiter error")

// Identities holds the caller identity for each category. A missing user or
// organization is counted against the caller's IP.
type Identities map[ratelimit.Category]string

type Outcome struct {
	// Limited is set when an enforced operation was denied and not run.
	Limited  bool
	Enforced bool
	Decision ratelimit.Decision
}

// Hooks observe decisions. Any of them may be nil.
type Hooks struct {
	OnLimited func(operation string, category ratelimit.Category, enforced bool)
	OnError   func(operation string, err error)
}

type Gate struct {
	Limiter ratelimit.Limiter
	Clock   clock.Clock
	Hooks   Hooks
}

// Decide consults the limiter for every category op declares for verb.
// Unenforced operations report denials through Hooks but are never Limited,
// and a limiter failure on them is reported and otherwise ignored.
func (g *Gate) Decide(ctx context.Context, op *routing.Operation, verb string, ids Identities) (Outcome, error) {
	out := Outcome{Decision: ratelimit.Decision{Allowed: true}}
	limits := op.LimitsFor(verb)
	if len(limits) == 0 {
		return out, nil
	}
	out.Enforced = op.Enforce

	checks := make([]ratelimit.Check, 0, len(limits))
	for cat, lim := range limits {
		id := ids[cat]
		if id == "" {
			id = ids[ratelimit.CategoryIP]
		}
		if id == "" {
			continue
		}
		checks = append(checks, ratelimit.Check{
			Key:   ratelimit.Key{Operation: op.ID, Category: cat, Identity: id},
			Limit: lim,
		})
	}

	dec, err := ratelimit.Evaluate(ctx, g.Limiter, checks, g.now())
	if err != nil {
		if g.Hooks.OnError != nil {
			g.Hooks.OnError(op.ID, err)
		}
		if out.Enforced {
			return out, fmt.Errorf("%w: %s: %w", ErrLimiter, op.ID, err)
		}
		return out, nil
	}
	out.Decision = dec
	if !dec.Allowed {
		if g.Hooks.OnLimited != nil {
			g.Hooks.OnLimited(op.ID, dec.Category, out.Enforced)
		}
		out.Limited = out.Enforced
	}
	return out, nil
}

// Invoke runs fn unless an enforced limit denies the call. fn runs at most
// once, sees the outcome through OutcomeFrom, and its error is returned as is.
// The RateLimit middleware wraps each request in Invoke; callers without an
// HTTP request use it directly.
func (g *Gate) Invoke(ctx context.Context, op *routing.Operation, verb string, ids Identities, fn func(context.Context) error) (Outcome, error) {
	out, err := g.Decide(ctx, op, verb, ids)
	if err != nil || out.Limited {
		return out, err
	}
	return out, fn(context.WithValue(ctx, outcomeKey{}, out))
}

type outcomeKey struct{}

// OutcomeFrom returns the gate outcome of the call running under ctx.
func OutcomeFrom(ctx context.Context) (Outcome, bool) {
	out, ok := ctx.Value(outcomeKey{}).(Outcome)
	return out, ok
}

func (g *Gate) now() time.Time {
	if g.Clock == nil {
		return time.Now()
	}
	return g.Clock.Now()
}
