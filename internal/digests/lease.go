package digests

import (
	"sort"
	"sync"
	"time"
)

// Leases is the in-flight table: one expiring claim per aggregation key.
// An expired lease counts as free, so a crashed worker never strands a key.
type Leases struct {
	mu   sync.Mutex
	held map[string]time.Time
}

func NewLeases() *Leases {
	return &Leases{held: make(map[string]time.Time)}
}

// Acquire claims key until now+ttl. It fails while a live lease exists.
func (l *Leases) Acquire(key string, now time.Time, ttl time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if exp, ok := l.held[key]; ok && now.Before(exp) {
		return false
	}
	l.held[key] = now.Add(ttl)
	return true
}

func (l *Leases) Held(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	exp, ok := l.held[key]
	return ok && now.Before(exp)
}

func (l *Leases) Release(key string) {
	l.mu.Lock()
	delete(l.held, key)
	l.mu.Unlock()
}

// Sweep drops leases that expired at or before now and returns their keys.
func (l *Leases) Sweep(now time.Time) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var expired []string
	for k, exp := range l.held {
		if !now.Before(exp) {
			expired = append(expired, k)
			delete(l.held, k)
		}
	}
	sort.Strings(expired)
	return expired
}

func (l *Leases) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}
