package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/AlexKimmel/digestgate/internal/ratelimit"
)

type counter struct {
	mu     sync.Mutex
	start  time.Time
	count  int
	window time.Duration
	dead   bool
}

type Limiter struct {
	counters sync.Map
	stop     chan struct{}
	once     sync.Once
}

// New returns a fixed-window limiter. With sweepEvery > 0 a background
// janitor drops counters whose window has passed.
func New(sweepEvery time.Duration) *Limiter {
	l := &Limiter{stop: make(chan struct{})}
	if sweepEvery > 0 {
		go l.janitor(sweepEvery)
	}
	return l
}

func (l *Limiter) Close() error {
	l.once.Do(func() { close(l.stop) })
	return nil
}

// Check locks the counters of every distinct key in key order, decides all
// checks against them and writes the new counts only if every check admits.
func (l *Limiter) Check(_ context.Context, checks []ratelimit.Check, now time.Time) ([]ratelimit.Decision, error) {
	for {
		locked, ok := l.lock(checks)
		if !ok {
			continue
		}
		out := decide(locked, checks, now)
		for _, c := range locked {
			c.mu.Unlock()
		}
		return out, nil
	}
}

// lock returns the locked counter of each key. ok is false, with nothing
// held, when a counter was swept in the meantime.
func (l *Limiter) lock(checks []ratelimit.Check) (map[ratelimit.Key]*counter, bool) {
	keys := make([]ratelimit.Key, 0, len(checks))
	seen := make(map[ratelimit.Key]*counter, len(checks))
	for _, c := range checks {
		if _, dup := seen[c.Key]; !dup {
			seen[c.Key] = nil
			keys = append(keys, c.Key)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	for i, k := range keys {
		v, _ := l.counters.LoadOrStore(k, &counter{})
		c := v.(*counter)
		c.mu.Lock()
		if c.dead {
			c.mu.Unlock()
			for _, held := range keys[:i] {
				seen[held].mu.Unlock()
			}
			return nil, false
		}
		seen[k] = c
	}
	return seen, true
}

type state struct {
	start  time.Time
	count  int
	window time.Duration
}

func decide(locked map[ratelimit.Key]*counter, checks []ratelimit.Check, now time.Time) []ratelimit.Decision {
	staged := make(map[*counter]state, len(locked))
	for _, c := range locked {
		staged[c] = state{start: c.start, count: c.count, window: c.window}
	}

	out := make([]ratelimit.Decision, len(checks))
	admitted := true
	for i, chk := range checks {
		c := locked[chk.Key]
		st := staged[c]
		start, count, d := ratelimit.Window(st.start, st.count, chk.Limit, now)
		staged[c] = state{start: start, count: count, window: chk.Limit.Window}
		out[i] = d
		admitted = admitted && d.Allowed
	}

	if !admitted {
		for i := range out {
			if out[i].Allowed {
				// not counted
				out[i].Remaining++
			}
		}
		return out
	}
	for c, st := range staged {
		c.start, c.count, c.window = st.start, st.count, st.window
	}
	return out
}

// Sweep drops counters whose window ended before now and returns how many.
func (l *Limiter) Sweep(now time.Time) int {
	n := 0
	l.counters.Range(func(k, v any) bool {
		c := v.(*counter)
		c.mu.Lock()
		if c.start.IsZero() || now.Sub(c.start) >= c.window {
			c.dead = true
			l.counters.CompareAndDelete(k, v)
			n++
		}
		c.mu.Unlock()
		return true
	})
	return n
}

func (l *Limiter) janitor(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-l.stop:
			return
		case now := <-t.C:
			l.Sweep(now)
		}
	}
}
