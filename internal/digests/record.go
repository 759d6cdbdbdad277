package digests

import (
	"fmt"
	"math"
	"time"

	"github.com/bytedance/sonic"
)

// Record is one buffered value. Key names the aggregation bucket, so many
// records share a key. Timestamp is seconds since the epoch.
type Record[T any] struct {
	Key       string
	Value     T
	Timestamp float64
}

// RawRecord is what backends store: the value is already encoded.
type RawRecord = Record[[]byte]

// Datetime converts Timestamp; ok is false if it cannot be represented.
func (r Record[T]) Datetime() (time.Time, bool) {
	return FromTimestamp(r.Timestamp)
}

// ScheduleEntry reports that Key became due at Timestamp.
type ScheduleEntry struct {
	Key       string
	Timestamp float64
}

func (e ScheduleEntry) Datetime() (time.Time, bool) {
	return FromTimestamp(e.Timestamp)
}

// time.Time holds nanoseconds in an int64 for UnixNano; stay inside it.
const maxTimestamp = float64(math.MaxInt64/int64(time.Second)) - 1

func ToTimestamp(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func FromTimestamp(ts float64) (time.Time, bool) {
	if math.IsNaN(ts) || math.IsInf(ts, 0) || ts > maxTimestamp || ts < -maxTimestamp {
		return time.Time{}, false
	}
	sec := math.Floor(ts)
	nsec := math.Round((ts - sec) * float64(time.Second))
	return time.Unix(int64(sec), int64(nsec)).UTC(), true
}

// NewRecord stamps a value with t.
func NewRecord[T any](key string, value T, t time.Time) Record[T] {
	return Record[T]{Key: key, Value: value, Timestamp: ToTimestamp(t)}
}

// Encode turns a typed record into the form backends store.
func Encode[T any](r Record[T]) (RawRecord, error) {
	b, err := sonic.Marshal(r.Value)
	if err != nil {
		return RawRecord{}, fmt.Errorf("encode record %q: %w", r.Key, err)
	}
	return RawRecord{Key: r.Key, Value: b, Timestamp: r.Timestamp}, nil
}

func Decode[T any](raw RawRecord) (Record[T], error) {
	var v T
	if err := sonic.Unmarshal(raw.Value, &v); err != nil {
		return Record[T]{}, fmt.Errorf("decode record %q: %w", raw.Key, err)
	}
	return Record[T]{Key: raw.Key, Value: v, Timestamp: raw.Timestamp}, nil
}
