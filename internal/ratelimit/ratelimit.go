package ratelimit

import (
	"sync"
	"time"
)

// PressureSource reports host load as a percentage.
type PressureSource interface {
	Pressure() float64
}

type ControllerConfig struct {
	Initial        int
	Min            int
	Max            int
	Increment      int
	ScaleUpDelay   time.Duration
	MinSuccessRate float64
	MinSamples     int
	Window         int
	HighPressure   float64
	Headroom       float64
}

// ConcurrencyController decides how many location tasks may be in flight.
// Outcomes are recorded as they finish; Adjust is called from the dispatch loop.
type ConcurrencyController struct {
	mu         sync.Mutex
	cfg        ControllerConfig
	level      int
	lastChange time.Time
	outcomes   []bool
	next       int
	filled     int
	pressure   PressureSource
	now        func() time.Time
}

func NewConcurrencyController(cfg ControllerConfig, pressure PressureSource) *ConcurrencyController {
	if cfg.Min < 1 {
		cfg.Min = 1
	}
	if cfg.Max < cfg.Min {
		cfg.Max = cfg.Min
	}
	if cfg.Increment < 1 {
		cfg.Increment = 1
	}
	if cfg.Window < 1 {
		cfg.Window = 50
	}
	if cfg.MinSamples < 1 {
		cfg.MinSamples = 10
	}

	c := &ConcurrencyController{
		cfg:      cfg,
		outcomes: make([]bool, cfg.Window),
		pressure: pressure,
		now:      time.Now,
	}
	c.level = c.clamp(cfg.Initial)
	c.lastChange = c.now()
	return c
}

func (c *ConcurrencyController) Level() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.level
}

func (c *ConcurrencyController) RecordSuccess() {
	c.record(true)
}

func (c *ConcurrencyController) RecordError() {
	c.record(false)
}

func (c *ConcurrencyController) record(ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.outcomes[c.next] = ok
	c.next = (c.next + 1) % len(c.outcomes)
	if c.filled < len(c.outcomes) {
		c.filled++
	}
}

// SuccessRate over the recent window and the number of samples it is based on.
func (c *ConcurrencyController) SuccessRate() (float64, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.successRateLocked()
}

func (c *ConcurrencyController) successRateLocked() (float64, int) {
	if c.filled == 0 {
		return 1, 0
	}
	ok := 0
	for i := 0; i < c.filled; i++ {
		if c.outcomes[i] {
			ok++
		}
	}
	return float64(ok) / float64(c.filled), c.filled
}

// Adjust applies one control step. remaining is the fraction of the run
// budget still left, in [0, 1]. It returns the new level.
func (c *ConcurrencyController) Adjust(remaining float64) int {
	var pressure float64
	if c.pressure != nil && c.cfg.HighPressure > 0 {
		pressure = c.pressure.Pressure()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	rate, samples := c.successRateLocked()

	switch {
	case c.cfg.HighPressure > 0 && pressure >= c.cfg.HighPressure:
		c.setLocked(c.level-1, now)
	case samples >= c.cfg.MinSamples && rate < c.cfg.MinSuccessRate:
		step := c.cfg.Increment / 2
		if step < 1 {
			step = 1
		}
		c.setLocked(c.level-step, now)
		// judge the new level on fresh outcomes only
		c.filled = 0
		c.next = 0
	case now.Sub(c.lastChange) >= c.cfg.ScaleUpDelay && remaining > c.cfg.Headroom:
		c.setLocked(c.level+c.cfg.Increment, now)
	}

	return c.level
}

func (c *ConcurrencyController) setLocked(level int, now time.Time) {
	level = c.clamp(level)
	if level != c.level {
		c.level = level
		c.lastChange = now
	}
}

func (c *ConcurrencyController) clamp(level int) int {
	if level < c.cfg.Min {
		return c.cfg.Min
	}
	if level > c.cfg.Max {
		return c.cfg.Max
	}
	return level
}
