// Package clock supplies wall-clock time to the limiter, the digest backends
// and the scheduler. Tests swap in a Frozen clock.
package clock

import (
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
}

// Real reads time.Now.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

// Func adapts a plain function.
type Func func() time.Time

func (f Func) Now() time.Time { return f() }

// Frozen returns the same instant until it is moved with Set or Advance.
type Frozen struct {
	mu  sync.Mutex
	now time.Time
}

func NewFrozen(t time.Time) *Frozen {
	return &Frozen{now: t}
}

func (f *Frozen) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Frozen) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}

func (f *Frozen) Advance(d time.Duration) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
	return f.now
}
