package session

import (
	"time"

	"github.com/raiadkharal/invictus-kiosk-sub000/internal/clock"
)

// countdown is a pausable one-shot timer. It is not safe for concurrent use;
// the session mutex guards it.
//
// A fire callback may race with pause or stop on a real clock, so fire gets
// the generation it was armed with and must call expire(gen) under the same
// lock before acting.
type countdown struct {
	clk       clock.Clock
	remaining time.Duration
	resumedAt time.Time
	timer     *clock.Timer
	gen       uint64
	done      bool
	fire      func(gen uint64)
}

func newCountdown(clk clock.Clock, d time.Duration, fire func(gen uint64)) *countdown {
	return &countdown{clk: clk, remaining: d, fire: fire}
}

func (c *countdown) running() bool {
	return c != nil && c.timer != nil
}

// start arms the timer for the remaining duration. It is a no-op while
// running or after stop.
func (c *countdown) start() {
	if c == nil || c.done || c.timer != nil {
		return
	}
	c.gen++
	gen := c.gen
	c.resumedAt = c.clk.Now()
	c.timer = c.clk.AfterFunc(c.remaining, func() { c.fire(gen) })
}

// pause freezes the remaining duration.
func (c *countdown) pause() {
	if c == nil || c.timer == nil {
		return
	}
	c.timer.Stop()
	c.timer = nil
	c.remaining -= c.clk.Now().Sub(c.resumedAt)
	if c.remaining < 0 {
		c.remaining = 0
	}
}

// stop cancels the countdown for good.
func (c *countdown) stop() {
	if c == nil {
		return
	}
	c.pause()
	c.done = true
}

// expire reports whether a fire for gen is still current, and if so marks
// the countdown finished.
func (c *countdown) expire(gen uint64) bool {
	if c.done || c.timer == nil || gen != c.gen {
		return false
	}
	c.timer = nil
	c.remaining = 0
	c.done = true
	return true
}

func (c *countdown) left() time.Duration {
	if c.timer == nil {
		return c.remaining
	}
	left := c.remaining - c.clk.Now().Sub(c.resumedAt)
	if left < 0 {
		return 0
	}
	return left
}
