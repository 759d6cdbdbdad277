package digests

import (
	"context"
	"iter"
	"time"
)

// Noop accepts and discards everything. It is the backend used when none is configured.
type Noop struct{}

var _ Backend = Noop{}

func (Noop) Add(_ context.Context, key string, record RawRecord) error {
	_, err := CheckRecord(key, record)
	return err
}

func (Noop) Schedule(context.Context, time.Time) iter.Seq2[ScheduleEntry, error] {
	return func(func(ScheduleEntry, error) bool) {}
}

func (Noop) Digest(_ context.Context, key string) (Digest, error) {
	if err := ValidateKey(key); err != nil {
		return Digest{}, err
	}
	return Digest{Key: key}, nil
}

func (Noop) Remove(_ context.Context, d Digest) error { return ValidateKey(d.Key) }

func (Noop) Delete(_ context.Context, key string) error { return ValidateKey(key) }

func (Noop) Maintenance(context.Context, time.Time) (int, error) { return 0, nil }

func (Noop) Close() error { return nil }
