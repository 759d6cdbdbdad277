package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlexKimmel/digestgate/internal/ratelimit"
)

var t0 = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

var key = ratelimit.Key{Operation: "digests.add", Category: ratelimit.CategoryUser, Identity: "u1"}

func newTestLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, "test"), mr
}

func check(t *testing.T, l *Limiter, k ratelimit.Key, lim ratelimit.Limit, now time.Time) ratelimit.Decision {
	t.Helper()
	ds, err := l.Check(context.Background(), []ratelimit.Check{{Key: k, Limit: lim}}, now)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	return ds[0]
}

func TestLimiter_FixedWindow(t *testing.T) {
	l, _ := newTestLimiter(t)
	lim := ratelimit.Limit{Limit: 1, Window: 100 * time.Second}

	d := check(t, l, key, lim, t0)
	assert.True(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.Equal(t, t0.Add(100*time.Second).Unix(), d.ResetUnixSec)

	d = check(t, l, key, lim, t0.Add(time.Second))
	assert.False(t, d.Allowed)
	assert.Equal(t, 99*time.Second, d.RetryAfter)

	d = check(t, l, key, lim, t0.Add(100*time.Second))
	assert.True(t, d.Allowed)
}

func TestLimiter_DeniedCallsDoNotConsumeQuota(t *testing.T) {
	l, mr := newTestLimiter(t)
	lim := ratelimit.Limit{Limit: 2, Window: time.Minute}

	admitted := 0
	for i := 0; i < 10; i++ {
		if check(t, l, key, lim, t0.Add(time.Duration(i)*time.Second)).Allowed {
			admitted++
		}
	}
	assert.Equal(t, 2, admitted)
	assert.Equal(t, "2", mr.HGet("test:{digests.add}:user:u1", "count"))
}

func TestLimiter_SharedIPQuotaAcrossUsers(t *testing.T) {
	l, mr := newTestLimiter(t)
	ip := ratelimit.Key{Operation: key.Operation, Category: ratelimit.CategoryIP, Identity: "10.0.0.1"}
	ipLim := ratelimit.Limit{Limit: 2, Window: time.Minute}
	userLim := ratelimit.Limit{Limit: 1, Window: time.Minute}

	call := func(user string) bool {
		ds, err := l.Check(context.Background(), []ratelimit.Check{
			{Key: ip, Limit: ipLim},
			{Key: ratelimit.Key{Operation: key.Operation, Category: ratelimit.CategoryUser, Identity: user}, Limit: userLim},
		}, t0)
		require.NoError(t, err)
		require.Len(t, ds, 2)
		return ds[0].Allowed && ds[1].Allowed
	}

	got := []bool{call("alice"), call("alice"), call("bob"), call("carol")}
	assert.Equal(t, []bool{true, false, true, false}, got)
	assert.Equal(t, "2", mr.HGet("test:{digests.add}:ip:10.0.0.1", "count"))
	assert.False(t, mr.Exists("test:{digests.add}:user:carol"))
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(t)
	lim := ratelimit.Limit{Limit: 1, Window: time.Minute}
	org := ratelimit.Key{Operation: key.Operation, Category: ratelimit.CategoryOrganization, Identity: "u1"}

	assert.True(t, check(t, l, key, lim, t0).Allowed)
	assert.True(t, check(t, l, org, lim, t0).Allowed)
}

func TestLimiter_RedisDown(t *testing.T) {
	l, mr := newTestLimiter(t)
	mr.Close()
	_, err := l.Check(context.Background(), []ratelimit.Check{{Key: key, Limit: ratelimit.Limit{Limit: 1, Window: time.Minute}}}, t0)
	assert.Error(t, err)
}
