// Package clock abstracts wall time so lifecycle logic and the
// scheduler can be driven deterministically in tests.
package clock

import (
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
}

// System reads the real wall clock.
type System struct{}

func (System) Now() time.Time { return time.Now() }

// Fake is a settable clock for tests. Zero value starts at the zero
// time; use Set or Advance before first use.
type Fake struct {
	mu sync.Mutex
	t  time.Time
}

func NewFake(t time.Time) *Fake { return &Fake{t: t} }

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.t = t
	f.mu.Unlock()
}

func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}
