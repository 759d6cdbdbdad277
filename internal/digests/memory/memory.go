// Package memory is the in-process digest backend. Every timeline has its own
// mutex; claims take the timeline lock and the lease together.
package memory

import (
	"context"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AlexKimmel/digestgate/internal/clock"
	"github.com/AlexKimmel/digestgate/internal/digests"
)

type entry struct {
	id  string
	rec digests.RawRecord
}

type timeline struct {
	mu            sync.Mutex
	entries       []entry
	lastActivity  time.Time
	firstPending  time.Time
	lastScheduled time.Time

	// claimed is set while a Schedule claim is outstanding; claimedFrom is
	// the lastScheduled value to restore if that claim's lease expires.
	claimed     bool
	claimedFrom time.Time

	// dead timelines were evicted from the map; writers must reload.
	dead bool
}

type Backend struct {
	cfg       digests.Config
	clock     clock.Clock
	timelines sync.Map
	leases    *digests.Leases
}

var _ digests.Backend = (*Backend)(nil)

func New(cfg digests.Config, clk clock.Clock) *Backend {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Backend{
		cfg:    cfg.WithDefaults(),
		clock:  clk,
		leases: digests.NewLeases(),
	}
}

func (b *Backend) Close() error { return nil }

func (b *Backend) load(key string) (*timeline, bool) {
	v, ok := b.timelines.Load(key)
	if !ok {
		return nil, false
	}
	return v.(*timeline), true
}

func (b *Backend) Add(ctx context.Context, key string, record digests.RawRecord) error {
	rec, err := digests.CheckRecord(key, record)
	if err != nil {
		return err
	}
	if _, err := b.cfg.Delays.ForKey(key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	ts, _ := rec.Datetime()

	for {
		v, _ := b.timelines.LoadOrStore(key, &timeline{})
		tl := v.(*timeline)

		tl.mu.Lock()
		if tl.dead {
			tl.mu.Unlock()
			continue
		}
		tl.insert(entry{id: uuid.NewString(), rec: rec}, ts)
		if b.cfg.Capacity > 0 && len(tl.entries) > b.cfg.Capacity {
			tl.entries = append([]entry(nil), tl.entries[len(tl.entries)-b.cfg.Capacity:]...)
			tl.firstPending, _ = tl.entries[0].rec.Datetime()
		}
		tl.mu.Unlock()
		return nil
	}
}

// insert keeps records ordered by timestamp; arrivals are usually in order.
func (tl *timeline) insert(e entry, ts time.Time) {
	i := sort.Search(len(tl.entries), func(i int) bool {
		return tl.entries[i].rec.Timestamp > e.rec.Timestamp
	})
	tl.entries = append(tl.entries, entry{})
	copy(tl.entries[i+1:], tl.entries[i:])
	tl.entries[i] = e

	if ts.After(tl.lastActivity) {
		tl.lastActivity = ts
	}
	if tl.firstPending.IsZero() || ts.Before(tl.firstPending) {
		tl.firstPending = ts
	}
}

func (tl *timeline) history() digests.History {
	return digests.History{
		LastScheduled: tl.lastScheduled,
		LastActivity:  tl.lastActivity,
		FirstPending:  tl.firstPending,
	}
}

// recover undoes a claim whose lease is gone without a Delete.
func (tl *timeline) recover() {
	if tl.claimed {
		tl.lastScheduled = tl.claimedFrom
		tl.claimed = false
	}
}

func (b *Backend) Schedule(ctx context.Context, deadline time.Time) iter.Seq2[digests.ScheduleEntry, error] {
	return func(yield func(digests.ScheduleEntry, error) bool) {
		var keys []string
		b.timelines.Range(func(k, _ any) bool {
			keys = append(keys, k.(string))
			return true
		})
		sort.Strings(keys)

		for _, key := range keys {
			if err := ctx.Err(); err != nil {
				yield(digests.ScheduleEntry{}, err)
				return
			}
			entry, ok := b.claim(key, deadline)
			if !ok {
				continue
			}
			if !yield(entry, nil) {
				return
			}
		}
	}
}

func (b *Backend) claim(key string, deadline time.Time) (digests.ScheduleEntry, bool) {
	tl, ok := b.load(key)
	if !ok {
		return digests.ScheduleEntry{}, false
	}
	delays, err := b.cfg.Delays.ForKey(key)
	if err != nil {
		return digests.ScheduleEntry{}, false
	}

	now := b.clock.Now()

	tl.mu.Lock()
	defer tl.mu.Unlock()

	if tl.dead || len(tl.entries) == 0 {
		return digests.ScheduleEntry{}, false
	}
	if tl.claimed && !b.leases.Held(key, now) {
		tl.recover()
	}
	if digests.NextEligible(delays, tl.history()).After(deadline) {
		return digests.ScheduleEntry{}, false
	}
	if !b.leases.Acquire(key, now, b.cfg.LeaseTimeout) {
		return digests.ScheduleEntry{}, false
	}
	tl.claimed = true
	tl.claimedFrom = tl.lastScheduled
	tl.lastScheduled = deadline
	return digests.ScheduleEntry{Key: key, Timestamp: digests.ToTimestamp(deadline)}, true
}

func (b *Backend) Digest(ctx context.Context, key string) (digests.Digest, error) {
	if err := digests.ValidateKey(key); err != nil {
		return digests.Digest{}, err
	}
	if err := ctx.Err(); err != nil {
		return digests.Digest{}, err
	}
	tl, ok := b.load(key)
	if !ok {
		return digests.Digest{Key: key}, nil
	}

	tl.mu.Lock()
	defer tl.mu.Unlock()
	records := make([]digests.RawRecord, 0, len(tl.entries))
	ids := make([]string, 0, len(tl.entries))
	for _, e := range tl.entries {
		records = append(records, e.rec)
		ids = append(ids, e.id)
	}
	d := digests.NewDigest(key, records, tl.lastScheduled, b.leases.Held(key, b.clock.Now()))
	d.IDs = ids
	return d, nil
}

func (b *Backend) Remove(ctx context.Context, d digests.Digest) error {
	if err := digests.ValidateKey(d.Key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tl, ok := b.load(d.Key)
	if !ok {
		b.leases.Release(d.Key)
		return nil
	}

	drop := make(map[string]struct{}, len(d.IDs))
	for _, id := range d.IDs {
		drop[id] = struct{}{}
	}

	tl.mu.Lock()
	defer tl.mu.Unlock()
	kept := make([]entry, 0, len(tl.entries))
	for _, e := range tl.entries {
		if _, gone := drop[e.id]; !gone {
			kept = append(kept, e)
		}
	}
	tl.entries = kept
	tl.firstPending = time.Time{}
	if len(kept) > 0 {
		tl.firstPending, _ = kept[0].rec.Datetime()
	}
	tl.claimed = false
	b.leases.Release(d.Key)
	return nil
}

func (b *Backend) Delete(ctx context.Context, key string) error {
	if err := digests.ValidateKey(key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tl, ok := b.load(key)
	if !ok {
		b.leases.Release(key)
		return nil
	}

	tl.mu.Lock()
	defer tl.mu.Unlock()
	tl.entries = nil
	tl.firstPending = time.Time{}
	tl.claimed = false
	b.leases.Release(key)
	return nil
}

func (b *Backend) Maintenance(ctx context.Context, deadline time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	reclaimed := b.leases.Sweep(deadline)
	for _, key := range reclaimed {
		if tl, ok := b.load(key); ok {
			tl.mu.Lock()
			tl.recover()
			tl.mu.Unlock()
		}
	}

	if b.cfg.TTL > 0 {
		b.timelines.Range(func(k, v any) bool {
			key, tl := k.(string), v.(*timeline)
			tl.mu.Lock()
			idle := len(tl.entries) == 0 && !tl.lastActivity.Add(b.cfg.TTL).After(deadline)
			if idle && !b.leases.Held(key, deadline) {
				tl.dead = true
				b.timelines.Delete(key)
			}
			tl.mu.Unlock()
			return true
		})
	}
	return len(reclaimed), nil
}

// Len reports the number of live timelines.
func (b *Backend) Len() int {
	n := 0
	b.timelines.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
