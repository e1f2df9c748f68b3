// Package countdown derives a ticking display from an authoritative expiry
// time. It never decides whether a code is valid.
package countdown

import (
	"context"
	"sync"
	"time"

	"attendcode/internal/clock"
)

// TickInterval is how often Run re-evaluates the snapshot.
const TickInterval = time.Second

// Snapshot is the display state at one instant.
type Snapshot struct {
	Target           time.Time     `json:"target"`
	Remaining        time.Duration `json:"-"`
	SecondsRemaining int           `json:"secondsRemaining"`
	PercentRemaining float64       `json:"percentRemaining"`
	Expired          bool          `json:"expired"`
}

// Countdown tracks one target at a time.
type Countdown struct {
	clock    clock.Clock
	onExpire func(target time.Time)

	mu       sync.Mutex
	target   time.Time
	baseline time.Duration
	// floor is the lowest percent reported for the current target. Clock
	// resyncs can move remaining time backwards; percent never rises.
	floor   float64
	armed   bool
	changed chan struct{}
}

// New builds an idle countdown. onExpire may be nil.
func New(clk clock.Clock, onExpire func(target time.Time)) *Countdown {
	if clk == nil {
		clk = clock.System{}
	}
	return &Countdown{clock: clk, onExpire: onExpire, changed: make(chan struct{}, 1)}
}

// Retarget replaces the target and baseline together and re-arms expiry.
func (c *Countdown) Retarget(target time.Time) {
	now := c.clock.Now()
	c.mu.Lock()
	c.target = target
	c.baseline = target.Sub(now)
	if c.baseline < time.Millisecond {
		c.baseline = time.Millisecond
	}
	c.floor = 100
	c.armed = true
	c.mu.Unlock()
	select {
	case c.changed <- struct{}{}:
	default:
	}
}

// Sync corrects the clock against serverNow when the clock supports it,
// then retargets if target moved.
func (c *Countdown) Sync(serverNow, target time.Time) {
	if s, ok := c.clock.(interface{ Sync(time.Time) }); ok {
		s.Sync(serverNow)
	}
	c.mu.Lock()
	same := c.armed && c.target.Equal(target)
	c.mu.Unlock()
	if !same {
		c.Retarget(target)
	}
}

// Clear drops the target; the countdown idles as expired without firing.
func (c *Countdown) Clear() {
	c.mu.Lock()
	c.target = time.Time{}
	c.baseline = 0
	c.armed = false
	c.mu.Unlock()
}

// Snapshot returns the current display state.
func (c *Countdown) Snapshot() Snapshot {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked(now)
}

func (c *Countdown) snapshotLocked(now time.Time) Snapshot {
	if c.target.IsZero() {
		return Snapshot{Expired: true}
	}
	remaining := clock.Remaining(now, c.target)
	pct := clock.PercentRemaining(remaining, c.baseline)
	if pct > c.floor {
		pct = c.floor
	} else {
		c.floor = pct
	}
	return Snapshot{
		Target:           c.target,
		Remaining:        remaining,
		SecondsRemaining: int((remaining + time.Second - 1) / time.Second),
		PercentRemaining: pct,
		Expired:          remaining == 0,
	}
}

// Tick evaluates the countdown once and fires onExpire the first time the
// current target is reached. It reports whether the countdown is still
// running.
func (c *Countdown) Tick() (Snapshot, bool) {
	now := c.clock.Now()
	c.mu.Lock()
	snap := c.snapshotLocked(now)
	fire := c.armed && snap.Expired
	if fire {
		c.armed = false
	}
	running := c.armed
	c.mu.Unlock()
	if fire && c.onExpire != nil {
		c.onExpire(snap.Target)
	}
	return snap, running
}

// Run ticks until ctx is done. After expiry it idles until the next
// Retarget.
func (c *Countdown) Run(ctx context.Context) {
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, running := c.Tick(); !running {
				select {
				case <-ctx.Done():
					return
				case <-c.changed:
				}
			}
		case <-c.changed:
		}
	}
}
