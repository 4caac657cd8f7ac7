package clock

import (
	"sync"
	"sync/atomic"
	"time"

	"cosmossdk.io/log"
)

// Mode selects the source of time for the whole process.
type Mode int

const (
	// Live reads the host monotonic clock.
	Live Mode = iota
	// Backtest reads a virtual timestamp advanced explicitly by the driver.
	Backtest
)

func (m Mode) String() string {
	if m == Backtest {
		return "BACKTEST"
	}
	return "LIVE"
}

// Clock is the single source of "now" for the exchange. In Live mode reads go
// straight to the host clock. In Backtest mode reads return a virtual
// millisecond timestamp that only moves via SetVirtualTime/Advance, optionally
// interpolated against real elapsed time by a speed factor.
//
// Reads use a seqlock: the version counter is odd while a writer is in the
// critical section, so a reader retries instead of observing a torn
// virtual/anchor pair.
type Clock struct {
	logger log.Logger

	mu      sync.Mutex // serializes writers
	version uint64     // seqlock version, written atomically

	mode       Mode
	virtualMS  int64   // current virtual time, ms
	speed      float64 // virtual ms per real ms while != 1.0
	anchorReal int64   // real ns at last write, used by speed interpolation
}

var (
	defaultClock *Clock
	defaultOnce  sync.Once
)

// Default returns the process-wide clock. The semantics of one clock are
// inherently global; everything else takes an explicit *Clock handle.
func Default() *Clock {
	defaultOnce.Do(func() {
		defaultClock = New(log.NewNopLogger())
	})
	return defaultClock
}

// New creates a clock in Live mode.
func New(logger log.Logger) *Clock {
	return &Clock{
		logger: logger.With("module", "clock"),
		mode:   Live,
		speed:  1.0,
	}
}

// Mode returns the current time mode.
func (c *Clock) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// SetMode switches between Live and Backtest. Entering Backtest seeds the
// virtual clock from the host clock so reads stay monotonic across the switch.
func (c *Clock) SetMode(m Mode) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mode == m {
		return
	}
	c.beginWrite()
	if m == Backtest && c.virtualMS == 0 {
		c.virtualMS = time.Now().UnixMilli()
	}
	c.mode = m
	c.speed = 1.0
	c.anchorReal = time.Now().UnixNano()
	c.endWrite()
	c.logger.Info("time mode switched", "mode", m.String())
}

// SetVirtualTime replaces the virtual timestamp. This is an explicit re-seed
// and may move time backward, which is how a replay starts at a historical
// timestamp. Backtest only; in Live mode it logs a warning and does nothing,
// so mode-agnostic callers are safe.
func (c *Clock) SetVirtualTime(ms int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mode != Backtest {
		c.logger.Warn("SetVirtualTime ignored in LIVE mode")
		return
	}
	c.beginWrite()
	c.virtualMS = ms
	c.anchorReal = time.Now().UnixNano()
	c.endWrite()
}

// Advance moves virtual time forward by d. Backtest only; warns otherwise.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mode != Backtest {
		c.logger.Warn("Advance ignored in LIVE mode")
		return
	}
	if d < 0 {
		c.logger.Warn("negative advance ignored", "delta", d)
		return
	}
	c.beginWrite()
	c.virtualMS = c.currentVirtualLocked() + d.Milliseconds()
	c.anchorReal = time.Now().UnixNano()
	c.endWrite()
}

// SetSpeed sets the virtual-per-real speed factor. While f != 1.0 in Backtest
// mode, reads interpolate: virtual = anchor + realElapsed * f.
func (c *Clock) SetSpeed(f float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mode != Backtest {
		c.logger.Warn("SetSpeed ignored in LIVE mode")
		return
	}
	if f <= 0 {
		c.logger.Warn("non-positive speed ignored", "speed", f)
		return
	}
	c.beginWrite()
	c.virtualMS = c.currentVirtualLocked()
	c.speed = f
	c.anchorReal = time.Now().UnixNano()
	c.endWrite()
}

// NowMS returns the current time in milliseconds.
func (c *Clock) NowMS() int64 {
	for {
		v1, mode, virtual, speed, anchor := c.readState()
		if mode == Live {
			return time.Now().UnixMilli()
		}
		ms := interpolate(virtual, speed, anchor)
		if c.versionStable(v1) {
			return ms
		}
	}
}

// NowNS returns the current time in nanoseconds. In Backtest mode the value is
// derived from the same millisecond state as NowMS so the two never disagree
// beyond sub-millisecond resolution.
func (c *Clock) NowNS() int64 {
	for {
		v1, mode, virtual, speed, anchor := c.readState()
		if mode == Live {
			return time.Now().UnixNano()
		}
		ms := interpolate(virtual, speed, anchor)
		if c.versionStable(v1) {
			return ms * int64(time.Millisecond)
		}
	}
}

// Now returns the current time as a time.Time.
func (c *Clock) Now() time.Time {
	for {
		v1, mode, virtual, speed, anchor := c.readState()
		if mode == Live {
			return time.Now()
		}
		ms := interpolate(virtual, speed, anchor)
		if c.versionStable(v1) {
			return time.UnixMilli(ms)
		}
	}
}

// ---- seqlock internals ----

func (c *Clock) beginWrite() {
	atomic.AddUint64(&c.version, 1) // odd: write in progress
}

func (c *Clock) endWrite() {
	atomic.AddUint64(&c.version, 1) // even: stable
}

func (c *Clock) readState() (v uint64, mode Mode, virtual int64, speed float64, anchor int64) {
	for {
		v = atomic.LoadUint64(&c.version)
		if v&1 == 0 {
			break
		}
	}
	return v, c.mode, c.virtualMS, c.speed, c.anchorReal
}

func (c *Clock) versionStable(v1 uint64) bool {
	return atomic.LoadUint64(&c.version) == v1
}

// currentVirtualLocked resolves the effective virtual ms under c.mu, folding
// any in-flight speed interpolation into a concrete value.
func (c *Clock) currentVirtualLocked() int64 {
	return interpolate(c.virtualMS, c.speed, c.anchorReal)
}

func interpolate(virtual int64, speed float64, anchorReal int64) int64 {
	if speed == 1.0 {
		return virtual
	}
	elapsedMS := float64(time.Now().UnixNano()-anchorReal) / float64(time.Millisecond)
	return virtual + int64(elapsedMS*speed)
}
