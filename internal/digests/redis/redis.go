// Package redis stores digest timelines in Redis.
//
// Layout, with every key under Prefix:
//
//	<p>:t:<key>   sorted set of record ids scored by record timestamp
//	<p>:r:<key>   hash of record id -> encoded record
//	<p>:m:<key>   hash of timeline metadata (activity, schedule and lease times)
//	<p>:waiting   sorted set of keys scored by next eligible time
//	<p>:leases    sorted set of claimed keys scored by lease expiry
//	<p>:keys      sorted set of keys scored by last activity, for retention
//
// Multi-key updates for one timeline run in WATCH/MULTI transactions, so a
// claim that loses a race is skipped instead of being made twice.
package redis

import (
	"context"
	"errors"
	"iter"
	"sort"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/AlexKimmel/digestgate/internal/clock"
	"github.com/AlexKimmel/digestgate/internal/digests"
)

const (
	fieldLastActivity  = "last_activity"
	fieldFirstPending  = "first_pending"
	fieldLastScheduled = "last_scheduled"
	fieldClaimedFrom   = "claimed_from"
	fieldLeaseExpires  = "lease_expires"

	defaultPrefix     = "digests"
	defaultBatch      = 1000
	defaultMaxRetries = 8
)

type Options struct {
	Prefix string
	// Batch bounds how many due keys one Schedule call examines.
	Batch      int
	MaxRetries int
}

type Backend struct {
	rdb   goredis.UniversalClient
	cfg   digests.Config
	opts  Options
	clock clock.Clock
}

var _ digests.Backend = (*Backend)(nil)

func New(rdb goredis.UniversalClient, cfg digests.Config, opts Options, clk clock.Clock) *Backend {
	if opts.Prefix == "" {
		opts.Prefix = defaultPrefix
	}
	if opts.Batch <= 0 {
		opts.Batch = defaultBatch
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Backend{rdb: rdb, cfg: cfg.WithDefaults(), opts: opts, clock: clk}
}

// Close leaves the client open; it is owned by whoever created it.
func (b *Backend) Close() error { return nil }

func (b *Backend) timelineKey(key string) string { return b.opts.Prefix + ":t:" + key }
func (b *Backend) recordsKey(key string) string  { return b.opts.Prefix + ":r:" + key }
func (b *Backend) metaKey(key string) string     { return b.opts.Prefix + ":m:" + key }
func (b *Backend) waitingKey() string            { return b.opts.Prefix + ":waiting" }
func (b *Backend) leasesKey() string             { return b.opts.Prefix + ":leases" }
func (b *Backend) indexKey() string              { return b.opts.Prefix + ":keys" }

type storedRecord struct {
	Key       string  `json:"key"`
	Value     []byte  `json:"value"`
	Timestamp float64 `json:"timestamp"`
}

// meta mirrors the <p>:m:<key> hash. Zero times are unset.
type meta struct {
	lastActivity  time.Time
	firstPending  time.Time
	lastScheduled time.Time
	claimedFrom   time.Time
	leaseExpires  time.Time
}

func (m meta) history() digests.History {
	return digests.History{
		LastScheduled: m.lastScheduled,
		LastActivity:  m.lastActivity,
		FirstPending:  m.firstPending,
	}
}

func (m meta) claimed() bool { return !m.leaseExpires.IsZero() }

func (m meta) leased(now time.Time) bool {
	return m.claimed() && now.Before(m.leaseExpires)
}

func parseMeta(h map[string]string) meta {
	return meta{
		lastActivity:  parseTime(h[fieldLastActivity]),
		firstPending:  parseTime(h[fieldFirstPending]),
		lastScheduled: parseTime(h[fieldLastScheduled]),
		claimedFrom:   parseTime(h[fieldClaimedFrom]),
		leaseExpires:  parseTime(h[fieldLeaseExpires]),
	}
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}
	}
	t, ok := digests.FromTimestamp(f)
	if !ok {
		return time.Time{}
	}
	return t
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return strconv.FormatFloat(digests.ToTimestamp(t), 'f', -1, 64)
}

func score(t time.Time) float64 { return digests.ToTimestamp(t) }

func fail(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return digests.Unavailable("redis "+op, err)
}

// watch runs fn in an optimistic transaction, retrying when a watched key changes.
func (b *Backend) watch(ctx context.Context, fn func(*goredis.Tx) error, keys ...string) error {
	var err error
	for i := 0; i < b.opts.MaxRetries; i++ {
		err = b.rdb.Watch(ctx, fn, keys...)
		if !errors.Is(err, goredis.TxFailedErr) {
			return err
		}
	}
	return err
}

func (b *Backend) Add(ctx context.Context, key string, record digests.RawRecord) error {
	rec, err := digests.CheckRecord(key, record)
	if err != nil {
		return err
	}
	delays, err := b.cfg.Delays.ForKey(key)
	if err != nil {
		return err
	}
	ts, _ := rec.Datetime()

	enc, err := sonic.Marshal(storedRecord{Key: rec.Key, Value: rec.Value, Timestamp: rec.Timestamp})
	if err != nil {
		return err
	}
	id := uuid.NewString()
	tk, rk, mk := b.timelineKey(key), b.recordsKey(key), b.metaKey(key)

	err = b.watch(ctx, func(tx *goredis.Tx) error {
		h, err := tx.HGetAll(ctx, mk).Result()
		if err != nil {
			return err
		}
		m := parseMeta(h)
		card, err := tx.ZCard(ctx, tk).Result()
		if err != nil {
			return err
		}

		if ts.After(m.lastActivity) {
			m.lastActivity = ts
		}
		if card == 0 || m.firstPending.IsZero() || ts.Before(m.firstPending) {
			m.firstPending = ts
		}

		var evict []goredis.Z
		if b.cfg.Capacity > 0 && int(card)+1 > b.cfg.Capacity {
			over := int(card) + 1 - b.cfg.Capacity
			oldest, err := tx.ZRangeWithScores(ctx, tk, 0, int64(over)).Result()
			if err != nil {
				return err
			}
			merged := append(oldest, goredis.Z{Score: rec.Timestamp, Member: id})
			sort.SliceStable(merged, func(i, j int) bool { return merged[i].Score < merged[j].Score })
			evict = merged[:over]
			if first, ok := digests.FromTimestamp(merged[over].Score); ok {
				m.firstPending = first
			}
		}

		next := digests.NextEligible(delays, m.history())

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.ZAdd(ctx, tk, goredis.Z{Score: rec.Timestamp, Member: id})
			pipe.HSet(ctx, rk, id, enc)
			for _, z := range evict {
				pipe.ZRem(ctx, tk, z.Member)
				pipe.HDel(ctx, rk, z.Member.(string))
			}
			pipe.HSet(ctx, mk,
				fieldLastActivity, formatTime(m.lastActivity),
				fieldFirstPending, formatTime(m.firstPending),
			)
			if !m.leased(b.clock.Now()) {
				pipe.ZAdd(ctx, b.waitingKey(), goredis.Z{Score: score(next), Member: key})
			}
			pipe.ZAdd(ctx, b.indexKey(), goredis.Z{Score: score(m.lastActivity), Member: key})
			if b.cfg.TTL > 0 {
				pipe.Expire(ctx, tk, b.cfg.TTL)
				pipe.Expire(ctx, rk, b.cfg.TTL)
				pipe.Expire(ctx, mk, b.cfg.TTL)
			}
			return nil
		})
		return err
	}, mk, tk)
	if err != nil {
		return fail("add", err)
	}
	return nil
}

func (b *Backend) Schedule(ctx context.Context, deadline time.Time) iter.Seq2[digests.ScheduleEntry, error] {
	return func(yield func(digests.ScheduleEntry, error) bool) {
		keys, err := b.rdb.ZRangeByScore(ctx, b.waitingKey(), &goredis.ZRangeBy{
			Min:   "-inf",
			Max:   strconv.FormatFloat(score(deadline), 'f', -1, 64),
			Count: int64(b.opts.Batch),
		}).Result()
		if err != nil {
			yield(digests.ScheduleEntry{}, fail("schedule", err))
			return
		}

		for _, key := range keys {
			if err := ctx.Err(); err != nil {
				yield(digests.ScheduleEntry{}, err)
				return
			}
			ok, err := b.claim(ctx, key, deadline)
			if err != nil {
				yield(digests.ScheduleEntry{}, fail("claim", err))
				return
			}
			if !ok {
				continue
			}
			if !yield(digests.ScheduleEntry{Key: key, Timestamp: score(deadline)}, nil) {
				return
			}
		}
	}
}

func (b *Backend) claim(ctx context.Context, key string, deadline time.Time) (bool, error) {
	delays, err := b.cfg.Delays.ForKey(key)
	if err != nil {
		return false, b.rdb.ZRem(ctx, b.waitingKey(), key).Err()
	}
	tk, mk := b.timelineKey(key), b.metaKey(key)
	now := b.clock.Now()

	claimed := false
	err = b.rdb.Watch(ctx, func(tx *goredis.Tx) error {
		h, err := tx.HGetAll(ctx, mk).Result()
		if err != nil {
			return err
		}
		m := parseMeta(h)
		card, err := tx.ZCard(ctx, tk).Result()
		if err != nil {
			return err
		}

		if card == 0 {
			_, err := tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
				pipe.ZRem(ctx, b.waitingKey(), key)
				return nil
			})
			return err
		}
		if m.leased(now) {
			return nil
		}
		if m.claimed() {
			m.lastScheduled = m.claimedFrom
		}
		if next := digests.NextEligible(delays, m.history()); next.After(deadline) {
			_, err := tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
				pipe.ZAdd(ctx, b.waitingKey(), goredis.Z{Score: score(next), Member: key})
				return nil
			})
			return err
		}

		expires := now.Add(b.cfg.LeaseTimeout)
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, mk,
				fieldLastScheduled, formatTime(deadline),
				fieldClaimedFrom, formatTime(m.lastScheduled),
				fieldLeaseExpires, formatTime(expires),
			)
			pipe.ZAdd(ctx, b.leasesKey(), goredis.Z{Score: score(expires), Member: key})
			pipe.ZRem(ctx, b.waitingKey(), key)
			return nil
		})
		if err == nil {
			claimed = true
		}
		return err
	}, mk, tk)

	// Someone else touched the timeline first; their pass owns it.
	if errors.Is(err, goredis.TxFailedErr) {
		return false, nil
	}
	return claimed, err
}

func (b *Backend) Digest(ctx context.Context, key string) (digests.Digest, error) {
	if err := digests.ValidateKey(key); err != nil {
		return digests.Digest{}, err
	}
	ids, err := b.rdb.ZRange(ctx, b.timelineKey(key), 0, -1).Result()
	if err != nil {
		return digests.Digest{}, fail("digest", err)
	}
	h, err := b.rdb.HGetAll(ctx, b.metaKey(key)).Result()
	if err != nil {
		return digests.Digest{}, fail("digest", err)
	}
	m := parseMeta(h)

	records := make([]digests.RawRecord, 0, len(ids))
	kept := make([]string, 0, len(ids))
	if len(ids) > 0 {
		vals, err := b.rdb.HMGet(ctx, b.recordsKey(key), ids...).Result()
		if err != nil {
			return digests.Digest{}, fail("digest", err)
		}
		for i, v := range vals {
			s, ok := v.(string)
			if !ok {
				continue
			}
			var sr storedRecord
			if err := sonic.UnmarshalString(s, &sr); err != nil {
				continue
			}
			records = append(records, digests.RawRecord{Key: sr.Key, Value: sr.Value, Timestamp: sr.Timestamp})
			kept = append(kept, ids[i])
		}
	}
	d := digests.NewDigest(key, records, m.lastScheduled, m.leased(b.clock.Now()))
	d.IDs = kept
	return d, nil
}

// Remove drops the delivered record ids and releases the lease. Anything
// added while the digest was out is put back on the waiting set.
func (b *Backend) Remove(ctx context.Context, d digests.Digest) error {
	key := d.Key
	if err := digests.ValidateKey(key); err != nil {
		return err
	}
	tk, rk, mk := b.timelineKey(key), b.recordsKey(key), b.metaKey(key)
	drop := make(map[string]struct{}, len(d.IDs))
	members := make([]any, 0, len(d.IDs))
	for _, id := range d.IDs {
		drop[id] = struct{}{}
		members = append(members, id)
	}

	err := b.watch(ctx, func(tx *goredis.Tx) error {
		h, err := tx.HGetAll(ctx, mk).Result()
		if err != nil {
			return err
		}
		m := parseMeta(h)
		all, err := tx.ZRangeWithScores(ctx, tk, 0, -1).Result()
		if err != nil {
			return err
		}

		remaining := 0
		m.firstPending = time.Time{}
		for _, z := range all {
			id, _ := z.Member.(string)
			if _, gone := drop[id]; gone {
				continue
			}
			if remaining == 0 {
				m.firstPending, _ = digests.FromTimestamp(z.Score)
			}
			remaining++
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			if len(members) > 0 {
				pipe.ZRem(ctx, tk, members...)
				pipe.HDel(ctx, rk, d.IDs...)
			}
			pipe.HDel(ctx, mk, fieldClaimedFrom, fieldLeaseExpires)
			pipe.ZRem(ctx, b.leasesKey(), key)
			if remaining == 0 {
				pipe.HDel(ctx, mk, fieldFirstPending)
				pipe.ZRem(ctx, b.waitingKey(), key)
				return nil
			}
			pipe.HSet(ctx, mk, fieldFirstPending, formatTime(m.firstPending))
			if delays, err := b.cfg.Delays.ForKey(key); err == nil {
				next := digests.NextEligible(delays, m.history())
				pipe.ZAdd(ctx, b.waitingKey(), goredis.Z{Score: score(next), Member: key})
			}
			return nil
		})
		return err
	}, mk, tk)
	if err != nil {
		return fail("remove", err)
	}
	return nil
}

// Delete keeps last_scheduled and last_activity so the increment delay
// still applies to the next batch.
func (b *Backend) Delete(ctx context.Context, key string) error {
	if err := digests.ValidateKey(key); err != nil {
		return err
	}
	_, err := b.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, b.timelineKey(key), b.recordsKey(key))
		pipe.HDel(ctx, b.metaKey(key), fieldFirstPending, fieldClaimedFrom, fieldLeaseExpires)
		pipe.ZRem(ctx, b.waitingKey(), key)
		pipe.ZRem(ctx, b.leasesKey(), key)
		return nil
	})
	if err != nil {
		return fail("delete", err)
	}
	return nil
}

func (b *Backend) Maintenance(ctx context.Context, deadline time.Time) (int, error) {
	upto := strconv.FormatFloat(score(deadline), 'f', -1, 64)
	expired, err := b.rdb.ZRangeByScore(ctx, b.leasesKey(), &goredis.ZRangeBy{Min: "-inf", Max: upto}).Result()
	if err != nil {
		return 0, fail("maintenance", err)
	}

	reclaimed := 0
	for _, key := range expired {
		ok, err := b.reclaim(ctx, key, deadline)
		if err != nil {
			return reclaimed, fail("maintenance", err)
		}
		if ok {
			reclaimed++
		}
	}

	if b.cfg.TTL > 0 {
		cutoff := strconv.FormatFloat(score(deadline.Add(-b.cfg.TTL)), 'f', -1, 64)
		idle, err := b.rdb.ZRangeByScore(ctx, b.indexKey(), &goredis.ZRangeBy{Min: "-inf", Max: cutoff}).Result()
		if err != nil {
			return reclaimed, fail("maintenance", err)
		}
		for _, key := range idle {
			if err := b.evict(ctx, key, deadline); err != nil {
				return reclaimed, fail("maintenance", err)
			}
		}
	}
	return reclaimed, nil
}

func (b *Backend) reclaim(ctx context.Context, key string, deadline time.Time) (bool, error) {
	tk, mk := b.timelineKey(key), b.metaKey(key)
	reclaimed := false
	err := b.watch(ctx, func(tx *goredis.Tx) error {
		h, err := tx.HGetAll(ctx, mk).Result()
		if err != nil {
			return err
		}
		m := parseMeta(h)
		if m.leased(deadline) {
			return nil
		}
		card, err := tx.ZCard(ctx, tk).Result()
		if err != nil {
			return err
		}
		m.lastScheduled = m.claimedFrom

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.ZRem(ctx, b.leasesKey(), key)
			if m.claimed() {
				pipe.HSet(ctx, mk, fieldLastScheduled, formatTime(m.lastScheduled))
				pipe.HDel(ctx, mk, fieldClaimedFrom, fieldLeaseExpires)
			}
			if card > 0 {
				if delays, err := b.cfg.Delays.ForKey(key); err == nil {
					next := digests.NextEligible(delays, m.history())
					pipe.ZAdd(ctx, b.waitingKey(), goredis.Z{Score: score(next), Member: key})
				}
			}
			return nil
		})
		if err == nil {
			reclaimed = m.claimed()
		}
		return err
	}, mk, tk)
	return reclaimed, err
}

// evict drops an idle timeline. One still holding records is left for the
// scheduler, whatever their timestamps.
func (b *Backend) evict(ctx context.Context, key string, deadline time.Time) error {
	tk, mk := b.timelineKey(key), b.metaKey(key)
	return b.watch(ctx, func(tx *goredis.Tx) error {
		h, err := tx.HGetAll(ctx, mk).Result()
		if err != nil {
			return err
		}
		m := parseMeta(h)
		if m.leased(deadline) || m.lastActivity.Add(b.cfg.TTL).After(deadline) {
			return nil
		}
		card, err := tx.ZCard(ctx, tk).Result()
		if err != nil || card > 0 {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Del(ctx, tk, b.recordsKey(key), mk)
			pipe.ZRem(ctx, b.waitingKey(), key)
			pipe.ZRem(ctx, b.leasesKey(), key)
			pipe.ZRem(ctx, b.indexKey(), key)
			return nil
		})
		return err
	}, mk, tk)
}
