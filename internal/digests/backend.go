// Package digests buffers keyed, timestamped records and decides when the
// batch accumulated under a key is due for delivery.
//
// A Backend owns the record timelines. Add appends to a timeline, Schedule
// claims the keys whose delay has elapsed, Digest reads a timeline for
// rendering and Remove clears the records a delivered digest carried. Claims
// are leases: a key claimed by Schedule is not emitted again until it is
// removed or deleted, or its lease expires and Maintenance reclaims it.
package digests

import (
	"context"
	"iter"
	"time"
)

type Backend interface {
	Add(ctx context.Context, key string, record RawRecord) error
	// Schedule yields an entry for every due, unclaimed key and claims it.
	// The sequence is evaluated lazily; stopping early leaves the remaining
	// keys untouched. A yielded error ends the sequence.
	Schedule(ctx context.Context, deadline time.Time) iter.Seq2[ScheduleEntry, error]
	Digest(ctx context.Context, key string) (Digest, error)
	// Remove drops the records d was read with and releases the claim on
	// d.Key. Records added after d was read stay pending.
	Remove(ctx context.Context, d Digest) error
	// Delete clears the timeline and its lease. Deleting an absent key is a no-op.
	Delete(ctx context.Context, key string) error
	// Maintenance reclaims leases expired at deadline and evicts idle
	// timelines. It returns the number of reclaimed leases.
	Maintenance(ctx context.Context, deadline time.Time) (int, error)
	Close() error
}

// Digest is a timeline snapshot, oldest record first.
type Digest struct {
	Key     string
	Records []RawRecord
	Count   int
	// Start and End are the oldest and newest record timestamps.
	Start         float64
	End           float64
	LastScheduled float64
	InFlight      bool
	// IDs are the backend's ids for Records, index for index.
	IDs []string
}

func (d Digest) Empty() bool { return d.Count == 0 }

// Config holds settings shared by all backend implementations.
type Config struct {
	Delays DelaySet
	// Capacity bounds records per timeline; the oldest are truncated. Zero is unbounded.
	Capacity int
	// TTL evicts emptied timelines with no activity for this long. Timelines
	// holding records wait for delivery. Zero keeps them forever.
	TTL          time.Duration
	LeaseTimeout time.Duration
}

const DefaultLeaseTimeout = 5 * time.Minute

func (c Config) WithDefaults() Config {
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = DefaultLeaseTimeout
	}
	if c.Delays.plugins == nil {
		c.Delays = StaticDelays(DefaultDelays)
	}
	return c
}

// Collect drains a schedule sequence.
func Collect(seq iter.Seq2[ScheduleEntry, error]) ([]ScheduleEntry, error) {
	var out []ScheduleEntry
	for e, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, e)
	}
	return out, nil
}

func summarize(key string, records []RawRecord) Digest {
	d := Digest{Key: key, Records: records, Count: len(records)}
	if len(records) > 0 {
		d.Start = records[0].Timestamp
		d.End = records[len(records)-1].Timestamp
	}
	return d
}

// NewDigest builds a Digest from records sorted oldest first.
func NewDigest(key string, records []RawRecord, lastScheduled time.Time, inFlight bool) Digest {
	d := summarize(key, records)
	if !lastScheduled.IsZero() {
		d.LastScheduled = ToTimestamp(lastScheduled)
	}
	d.InFlight = inFlight
	return d
}
