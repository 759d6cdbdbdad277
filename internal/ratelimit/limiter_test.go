package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// scripted answers each category with a fixed decision and records the calls.
type scripted struct {
	answers map[Category]Decision
	err     error
	calls   []Category
}

func (s *scripted) Check(_ context.Context, checks []Check, _ time.Time) ([]Decision, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make([]Decision, 0, len(checks))
	for _, c := range checks {
		s.calls = append(s.calls, c.Key.Category)
		out = append(out, s.answers[c.Key.Category])
	}
	return out, nil
}

func (s *scripted) Close() error { return nil }

func checks(cats ...Category) []Check {
	out := make([]Check, 0, len(cats))
	for _, c := range cats {
		out = append(out, Check{Key: Key{Operation: "op", Category: c, Identity: "x"}, Limit: Limit{Limit: 1, Window: time.Minute}})
	}
	return out
}

func TestWindow(t *testing.T) {
	lim := Limit{Limit: 2, Window: time.Minute}

	start, count, d := Window(time.Time{}, 0, lim, t0)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Remaining)

	start, count, d = Window(start, count, lim, t0.Add(time.Second))
	assert.True(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)

	s2, c2, d := Window(start, count, lim, t0.Add(2*time.Second))
	assert.False(t, d.Allowed)
	assert.Equal(t, start, s2)
	assert.Equal(t, count, c2)
	assert.Equal(t, 58*time.Second, d.RetryAfter)

	_, c3, d := Window(start, count, lim, t0.Add(time.Minute))
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, c3)
}

func TestEvaluate_DeniesIfAnyCategoryDenies(t *testing.T) {
	l := &scripted{answers: map[Category]Decision{
		CategoryIP:           {Allowed: true, Limit: 10, Remaining: 9},
		CategoryUser:         {Allowed: false, Limit: 1, RetryAfter: 30 * time.Second},
		CategoryOrganization: {Allowed: false, Limit: 5, RetryAfter: 50 * time.Second},
	}}

	d, err := Evaluate(context.Background(), l, checks(CategoryUser, CategoryOrganization, CategoryIP), t0)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, CategoryOrganization, d.Category)
	assert.Equal(t, 50*time.Second, d.RetryAfter)
	// Every category is consulted, in a stable order.
	assert.Equal(t, []Category{CategoryIP, CategoryOrganization, CategoryUser}, l.calls)
}

func TestEvaluate_ReportsFewestRemaining(t *testing.T) {
	l := &scripted{answers: map[Category]Decision{
		CategoryIP:   {Allowed: true, Limit: 10, Remaining: 9},
		CategoryUser: {Allowed: true, Limit: 3, Remaining: 1},
	}}
	d, err := Evaluate(context.Background(), l, checks(CategoryIP, CategoryUser), t0)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, CategoryUser, d.Category)
	assert.Equal(t, 1, d.Remaining)
}

func TestEvaluate_NoChecksAdmits(t *testing.T) {
	d, err := Evaluate(context.Background(), &scripted{}, nil, t0)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestEvaluate_LimiterError(t *testing.T) {
	down := errors.New("connection refused")
	_, err := Evaluate(context.Background(), &scripted{err: down}, checks(CategoryIP), t0)
	assert.ErrorIs(t, err, down)
}

// short answers fewer decisions than it was asked for.
type short struct{}

func (short) Check(context.Context, []Check, time.Time) ([]Decision, error) {
	return []Decision{{Allowed: true}}, nil
}

func (short) Close() error { return nil }

func TestEvaluate_RejectsShortReply(t *testing.T) {
	_, err := Evaluate(context.Background(), short{}, checks(CategoryIP, CategoryUser), t0)
	assert.Error(t, err)
}

func TestParseCategory(t *testing.T) {
	c, err := ParseCategory("organization")
	require.NoError(t, err)
	assert.Equal(t, CategoryOrganization, c)
	_, err = ParseCategory("team")
	assert.Error(t, err)
}

func TestKeyString(t *testing.T) {
	k := Key{Operation: "digests.add", Category: CategoryUser, Identity: "u1"}
	assert.Equal(t, "digests.add:user:u1", k.String())
}
