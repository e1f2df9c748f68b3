package clock

import (
	"sync"
	"time"
)

// Clock abstracts wall-clock reads so expiry decisions can be tested.
type Clock interface {
	Now() time.Time
}

// System reads the real wall clock in UTC.
type System struct{}

// Now returns the current UTC time.
func (System) Now() time.Time { return time.Now().UTC() }

// Fake is a manually advanced clock for tests and simulations.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake returns a fake clock pinned at t.
func NewFake(t time.Time) *Fake {
	return &Fake{now: t}
}

// Now returns the pinned time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// Set pins the clock at t.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}

// Offset is a clock shifted by the difference between a remote (server)
// reading and the local clock at the moment of synchronisation.
type Offset struct {
	base  Clock
	mu    sync.RWMutex
	delta time.Duration
}

// NewOffset wraps base with a zero offset.
func NewOffset(base Clock) *Offset {
	if base == nil {
		base = System{}
	}
	return &Offset{base: base}
}

// Sync records serverNow as the authoritative current time.
func (o *Offset) Sync(serverNow time.Time) {
	d := serverNow.Sub(o.base.Now())
	o.mu.Lock()
	o.delta = d
	o.mu.Unlock()
}

// Now returns the local time corrected by the last sync.
func (o *Offset) Now() time.Time {
	o.mu.RLock()
	d := o.delta
	o.mu.RUnlock()
	return o.base.Now().Add(d)
}
