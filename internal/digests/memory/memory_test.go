package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/AlexKimmel/digestgate/internal/clock"
	"github.com/AlexKimmel/digestgate/internal/digests"
)

var t0 = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

var testDelays = digests.Delays{
	Increment: 60 * time.Second,
	Minimum:   30 * time.Second,
	Maximum:   300 * time.Second,
}

func newTestBackend(t *testing.T, cfg digests.Config) (*Backend, *clock.Frozen) {
	t.Helper()
	if len(cfg.Delays.Plugins()) == 0 {
		cfg.Delays = digests.StaticDelays(testDelays)
	}
	clk := clock.NewFrozen(t0)
	return New(cfg, clk), clk
}

func record(key string, at time.Time, value string) digests.RawRecord {
	return digests.RawRecord{Key: key, Value: []byte(`"` + value + `"`), Timestamp: digests.ToTimestamp(at)}
}

func schedule(t *testing.T, b *Backend, deadline time.Time) []digests.ScheduleEntry {
	t.Helper()
	entries, err := digests.Collect(b.Schedule(context.Background(), deadline))
	require.NoError(t, err)
	return entries
}

func TestBackend_DigestReturnsEveryRecordUntilDelete(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		b := New(digests.Config{Delays: digests.StaticDelays(testDelays)}, clock.NewFrozen(t0))
		ctx := context.Background()
		offsets := rapid.SliceOfNDistinct(rapid.IntRange(0, 100000), 1, 50, rapid.ID[int]).Draw(rt, "offsets")

		for _, off := range offsets {
			at := t0.Add(time.Duration(off) * time.Millisecond)
			if err := b.Add(ctx, "mail:p:1", record("mail:p:1", at, fmt.Sprint(off))); err != nil {
				rt.Fatalf("add: %v", err)
			}
		}

		d, err := b.Digest(ctx, "mail:p:1")
		if err != nil {
			rt.Fatalf("digest: %v", err)
		}
		if d.Count != len(offsets) {
			rt.Fatalf("expected %d records, got %d", len(offsets), d.Count)
		}
		seen := make(map[string]int)
		for _, r := range d.Records {
			seen[string(r.Value)]++
		}
		for _, off := range offsets {
			if seen[fmt.Sprintf("%q", fmt.Sprint(off))] != 1 {
				rt.Fatalf("record %d seen %d times", off, seen[fmt.Sprintf("%q", fmt.Sprint(off))])
			}
		}

		if err := b.Delete(ctx, "mail:p:1"); err != nil {
			rt.Fatalf("delete: %v", err)
		}
		d, err = b.Digest(ctx, "mail:p:1")
		if err != nil {
			rt.Fatalf("digest after delete: %v", err)
		}
		if !d.Empty() {
			rt.Fatalf("expected empty digest after delete, got %d records", d.Count)
		}
	})
}

func TestBackend_DigestIsOrderedAndSummarized(t *testing.T) {
	b, _ := newTestBackend(t, digests.Config{})
	ctx := context.Background()

	require.NoError(t, b.Add(ctx, "mail:p:1", record("mail:p:1", t0.Add(2*time.Second), "b")))
	require.NoError(t, b.Add(ctx, "mail:p:1", record("mail:p:1", t0, "a")))
	require.NoError(t, b.Add(ctx, "mail:p:1", record("", t0.Add(time.Second), "mid")))

	d, err := b.Digest(ctx, "mail:p:1")
	require.NoError(t, err)
	require.Equal(t, 3, d.Count)
	assert.Equal(t, `"a"`, string(d.Records[0].Value))
	assert.Equal(t, "mail:p:1", d.Records[1].Key)
	assert.Equal(t, digests.ToTimestamp(t0), d.Start)
	assert.Equal(t, digests.ToTimestamp(t0.Add(2*time.Second)), d.End)
	assert.False(t, d.InFlight)
}

func TestBackend_ScheduleWaitsForMinimumDelay(t *testing.T) {
	b, _ := newTestBackend(t, digests.Config{})
	ctx := context.Background()
	require.NoError(t, b.Add(ctx, "mail:p:1", record("mail:p:1", t0, "a")))

	require.Empty(t, schedule(t, b, t0.Add(29*time.Second)))

	entries := schedule(t, b, t0.Add(30*time.Second))
	require.Len(t, entries, 1)
	assert.Equal(t, "mail:p:1", entries[0].Key)
	assert.Equal(t, digests.ToTimestamp(t0.Add(30*time.Second)), entries[0].Timestamp)
}

func TestBackend_ContinuousActivityIsScheduledWithinMaximumDelay(t *testing.T) {
	b, _ := newTestBackend(t, digests.Config{})
	ctx := context.Background()

	var emittedAt time.Duration = -1
	for off := time.Duration(0); off <= 2*testDelays.Maximum; off += 10 * time.Second {
		now := t0.Add(off)
		require.NoError(t, b.Add(ctx, "mail:p:busy", record("mail:p:busy", now, "x")))
		if len(schedule(t, b, now)) > 0 {
			emittedAt = off
			break
		}
	}
	require.GreaterOrEqual(t, emittedAt, time.Duration(0), "busy key was never scheduled")
	assert.LessOrEqual(t, emittedAt, testDelays.Maximum)
}

func TestBackend_IncrementDelayAfterDelivery(t *testing.T) {
	b, _ := newTestBackend(t, digests.Config{})
	ctx := context.Background()

	require.NoError(t, b.Add(ctx, "mail:p:1", record("mail:p:1", t0, "a")))
	require.Len(t, schedule(t, b, t0.Add(30*time.Second)), 1)
	require.NoError(t, b.Delete(ctx, "mail:p:1"))

	require.NoError(t, b.Add(ctx, "mail:p:1", record("mail:p:1", t0.Add(40*time.Second), "b")))
	require.Empty(t, schedule(t, b, t0.Add(89*time.Second)))
	require.Len(t, schedule(t, b, t0.Add(90*time.Second)), 1)
}

func TestBackend_InFlightKeyIsNotEmittedTwice(t *testing.T) {
	b, _ := newTestBackend(t, digests.Config{})
	ctx := context.Background()
	require.NoError(t, b.Add(ctx, "mail:p:1", record("mail:p:1", t0, "a")))

	require.Len(t, schedule(t, b, t0.Add(time.Hour)), 1)
	require.Empty(t, schedule(t, b, t0.Add(2*time.Hour)))

	d, err := b.Digest(ctx, "mail:p:1")
	require.NoError(t, err)
	assert.True(t, d.InFlight)
}

func TestBackend_ConcurrentPassesNeverDoubleClaim(t *testing.T) {
	b, _ := newTestBackend(t, digests.Config{})
	ctx := context.Background()
	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("mail:p:%d", i)
		require.NoError(t, b.Add(ctx, key, record(key, t0, "a")))
	}

	var (
		mu     sync.Mutex
		counts = make(map[string]int)
		wg     sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for e, err := range b.Schedule(ctx, t0.Add(time.Hour)) {
				if err != nil {
					t.Errorf("schedule: %v", err)
					return
				}
				mu.Lock()
				counts[e.Key]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, counts, 200)
	for key, n := range counts {
		assert.Equal(t, 1, n, "key %s claimed %d times", key, n)
	}
}

func TestBackend_StoppedPassLeavesRemainingKeysUnclaimed(t *testing.T) {
	b, _ := newTestBackend(t, digests.Config{})
	ctx := context.Background()
	for _, key := range []string{"mail:a", "mail:b", "mail:c"} {
		require.NoError(t, b.Add(ctx, key, record(key, t0, "a")))
	}

	var first digests.ScheduleEntry
	for e, err := range b.Schedule(ctx, t0.Add(time.Hour)) {
		if err == nil {
			first = e
		}
		break
	}
	require.Equal(t, "mail:a", first.Key)

	d, err := b.Digest(ctx, "mail:b")
	require.NoError(t, err)
	assert.False(t, d.InFlight)
	assert.ElementsMatch(t, []string{"mail:b", "mail:c"}, keysOf(schedule(t, b, t0.Add(time.Hour))))
}

func TestBackend_ExpiredLeaseIsReclaimed(t *testing.T) {
	b, clk := newTestBackend(t, digests.Config{LeaseTimeout: time.Minute})
	ctx := context.Background()
	require.NoError(t, b.Add(ctx, "mail:p:1", record("mail:p:1", t0, "a")))

	deadline := t0.Add(30 * time.Second)
	require.Len(t, schedule(t, b, deadline), 1)
	require.Empty(t, schedule(t, b, deadline))

	now := clk.Advance(2 * time.Minute)
	n, err := b.Maintenance(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	entries := schedule(t, b, now)
	require.Len(t, entries, 1)
	assert.Equal(t, "mail:p:1", entries[0].Key)
}

func TestBackend_ExpiredLeaseWithoutMaintenanceStillRecovers(t *testing.T) {
	b, clk := newTestBackend(t, digests.Config{LeaseTimeout: time.Minute})
	ctx := context.Background()
	require.NoError(t, b.Add(ctx, "mail:p:1", record("mail:p:1", t0, "a")))

	require.Len(t, schedule(t, b, t0.Add(30*time.Second)), 1)
	now := clk.Advance(2 * time.Minute)
	require.Len(t, schedule(t, b, now), 1)
}

func TestBackend_DeleteIsIdempotent(t *testing.T) {
	b, _ := newTestBackend(t, digests.Config{})
	ctx := context.Background()
	require.NoError(t, b.Add(ctx, "mail:p:1", record("mail:p:1", t0, "a")))

	for i := 0; i < 2; i++ {
		require.NoError(t, b.Delete(ctx, "mail:p:1"))
		d, err := b.Digest(ctx, "mail:p:1")
		require.NoError(t, err)
		assert.True(t, d.Empty())
	}
	require.NoError(t, b.Delete(ctx, "mail:never-added"))
}

func TestBackend_CapacityTruncatesOldest(t *testing.T) {
	b, _ := newTestBackend(t, digests.Config{Capacity: 2})
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.NoError(t, b.Add(ctx, "mail:p:1", record("mail:p:1", t0.Add(time.Duration(i)*time.Second), fmt.Sprint(i))))
	}

	d, err := b.Digest(ctx, "mail:p:1")
	require.NoError(t, err)
	require.Equal(t, 2, d.Count)
	assert.Equal(t, `"2"`, string(d.Records[0].Value))
	assert.Equal(t, `"3"`, string(d.Records[1].Value))
}

func TestBackend_TTLEvictsIdleTimelines(t *testing.T) {
	b, _ := newTestBackend(t, digests.Config{TTL: time.Hour})
	ctx := context.Background()
	require.NoError(t, b.Add(ctx, "mail:p:1", record("mail:p:1", t0, "a")))
	require.NoError(t, b.Add(ctx, "mail:p:2", record("mail:p:2", t0.Add(50*time.Minute), "b")))

	// Pending records are never evicted.
	_, err := b.Maintenance(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, b.Len())

	d, err := b.Digest(ctx, "mail:p:1")
	require.NoError(t, err)
	require.NoError(t, b.Remove(ctx, d))

	_, err = b.Maintenance(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, b.Len())
}

func TestBackend_BackdatedRecordSurvivesMaintenance(t *testing.T) {
	b, _ := newTestBackend(t, digests.Config{TTL: time.Hour})
	ctx := context.Background()
	require.NoError(t, b.Add(ctx, "mail:p:1", record("mail:p:1", t0.Add(-48*time.Hour), "old")))

	_, err := b.Maintenance(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, []string{"mail:p:1"}, keysOf(schedule(t, b, t0)))

	d, err := b.Digest(ctx, "mail:p:1")
	require.NoError(t, err)
	assert.Equal(t, 1, d.Count)
}

func TestBackend_RemoveKeepsLaterArrivals(t *testing.T) {
	b, _ := newTestBackend(t, digests.Config{})
	ctx := context.Background()
	require.NoError(t, b.Add(ctx, "mail:p:1", record("mail:p:1", t0, "a")))
	require.Len(t, schedule(t, b, t0.Add(30*time.Second)), 1)

	d, err := b.Digest(ctx, "mail:p:1")
	require.NoError(t, err)
	require.Len(t, d.IDs, 1)
	require.NoError(t, b.Add(ctx, "mail:p:1", record("mail:p:1", t0.Add(40*time.Second), "b")))
	require.NoError(t, b.Remove(ctx, d))

	left, err := b.Digest(ctx, "mail:p:1")
	require.NoError(t, err)
	require.Equal(t, 1, left.Count)
	assert.Equal(t, `"b"`, string(left.Records[0].Value))
	assert.False(t, left.InFlight)

	// The increment delay runs from the delivered claim.
	require.Empty(t, schedule(t, b, t0.Add(89*time.Second)))
	require.Len(t, schedule(t, b, t0.Add(90*time.Second)), 1)

	require.NoError(t, b.Remove(ctx, digests.Digest{Key: "mail:never-added"}))
}

func TestBackend_RejectsInvalidInput(t *testing.T) {
	b, _ := newTestBackend(t, digests.Config{})
	ctx := context.Background()

	for _, key := range []string{"", "nokey", "mail:", "Mail:x", "mail:has space"} {
		err := b.Add(ctx, key, record(key, t0, "a"))
		assert.ErrorIs(t, err, digests.ErrInvalidKey, "key %q", key)
	}

	err := b.Add(ctx, "mail:p:1", record("mail:p:2", t0, "a"))
	assert.ErrorIs(t, err, digests.ErrInvalidKey)

	err = b.Add(ctx, "mail:p:1", digests.RawRecord{Timestamp: 1e300})
	assert.ErrorIs(t, err, digests.ErrInvalidRecord)

	_, err = b.Digest(ctx, "bad key")
	assert.ErrorIs(t, err, digests.ErrInvalidKey)
}

func TestBackend_UnknownPluginWithoutDefault(t *testing.T) {
	delays, err := digests.NewDelaySet(map[string]time.Duration{
		digests.OptionKey("mail", digests.MinimumDelay): time.Second,
	})
	require.NoError(t, err)
	b, _ := newTestBackend(t, digests.Config{Delays: delays})

	err = b.Add(context.Background(), "slack:p:1", record("slack:p:1", t0, "a"))
	assert.ErrorIs(t, err, digests.ErrInvalidKey)
}

func keysOf(entries []digests.ScheduleEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Key)
	}
	return out
}
