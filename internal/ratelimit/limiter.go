package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Category names whose identity a limit is counted against.
type Category string

const (
	CategoryIP           Category = "ip"
	CategoryUser         Category = "user"
	CategoryOrganization Category = "organization"
)

func ParseCategory(s string) (Category, error) {
	switch c := Category(s); c {
	case CategoryIP, CategoryUser, CategoryOrganization:
		return c, nil
	}
	return "", fmt.Errorf("unknown rate limit category %q", s)
}

// Limit admits at most Limit calls per fixed Window.
type Limit struct {
	Limit  int
	Window time.Duration
}

// Limits maps an HTTP verb to the limits declared for it. A verb with no
// entry is unlimited.
type Limits map[string]map[Category]Limit

func (l Limits) For(verb string) map[Category]Limit { return l[verb] }

// Key identifies one counter.
type Key struct {
	Operation string
	Category  Category
	Identity  string
}

func (k Key) String() string {
	return k.Operation + ":" + string(k.Category) + ":" + k.Identity
}

type Decision struct {
	Allowed      bool
	Limit        int
	Remaining    int   // calls left in the current window (min 0)
	ResetUnixSec int64 // when the current window ends
	RetryAfter   time.Duration
	Category     Category
}

// ErrRateLimited is for callers that want a denial as an error value.
var ErrRateLimited = errors.New("rate limited")

type Limiter interface {
	// Check decides every check at now and returns the decisions in order.
	// The call is counted against every counter when all of them admit it
	// and against none otherwise.
	Check(ctx context.Context, checks []Check, now time.Time) ([]Decision, error)
	Close() error
}

// Window applies the fixed-window rule to a counter. It returns the new
// state and whether the call is admitted. Denied calls leave the state as is.
func Window(start time.Time, count int, lim Limit, now time.Time) (time.Time, int, Decision) {
	if start.IsZero() || now.Sub(start) >= lim.Window {
		start, count = now, 0
	}
	reset := start.Add(lim.Window)
	d := Decision{Limit: lim.Limit, ResetUnixSec: reset.Unix()}
	if count >= lim.Limit {
		d.RetryAfter = reset.Sub(now)
		return start, count, d
	}
	count++
	d.Allowed = true
	d.Remaining = lim.Limit - count
	return start, count, d
}

type Check struct {
	Key   Key
	Limit Limit
}

// Evaluate checks every category in one Limiter call, in a stable order.
// A call denied by any category is counted by none. Among denials the one
// with the longest wait is reported, among admissions the one with the
// fewest calls left.
func Evaluate(ctx context.Context, l Limiter, checks []Check, now time.Time) (Decision, error) {
	if len(checks) == 0 {
		return Decision{Allowed: true}, nil
	}
	ordered := make([]Check, len(checks))
	copy(ordered, checks)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Key.Category < ordered[j].Key.Category })

	ds, err := l.Check(ctx, ordered, now)
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", ordered[0].Key.Operation, err)
	}
	if len(ds) != len(ordered) {
		return Decision{}, fmt.Errorf("rate limit %s: %d decisions for %d checks", ordered[0].Key.Operation, len(ds), len(ordered))
	}

	var out Decision
	for i, d := range ds {
		d.Category = ordered[i].Key.Category
		if i == 0 || moreRestrictive(d, out) {
			out = d
		}
	}
	return out, nil
}

func moreRestrictive(a, b Decision) bool {
	if a.Allowed != b.Allowed {
		return !a.Allowed
	}
	if !a.Allowed {
		return a.RetryAfter > b.RetryAfter
	}
	return a.Remaining < b.Remaining
}
