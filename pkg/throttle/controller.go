package throttle

import (
	"sync"
	"time"
)

const (
	initialRate = 1000 // items per second before the first halving
	resetDepth  = 3
)

type Config struct {
	Window    int // samples compared per decision
	Threshold int // depth considered congested
	MaxQueue  int // depth at which new work is refused
}

func DefaultConfig() Config {
	return Config{Window: 5, Threshold: 100, MaxQueue: 10_000}
}

// Controller derives a per-item processing delay from queue depth samples.
// While the queue stays congested or keeps growing over a full window the
// target rate is halved; a nearly empty queue clears throttling.
type Controller struct {
	mu      sync.Mutex
	cfg     Config
	samples []int
	rate    int // 0 means not throttled
	delay   time.Duration
}

func NewController(cfg Config) *Controller {
	def := DefaultConfig()
	if cfg.Window < 2 {
		cfg.Window = def.Window
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.MaxQueue <= 0 {
		cfg.MaxQueue = def.MaxQueue
	}
	return &Controller{cfg: cfg, samples: make([]int, 0, cfg.Window)}
}

// Observe records the current depth and returns the delay to apply after
// the item just processed.
func (c *Controller) Observe(depth int) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	if depth <= resetDepth {
		c.samples = c.samples[:0]
		c.rate = 0
		c.delay = 0
		return 0
	}

	if len(c.samples) == c.cfg.Window {
		copy(c.samples, c.samples[1:])
		c.samples = c.samples[:len(c.samples)-1]
	}
	c.samples = append(c.samples, depth)
	if len(c.samples) < c.cfg.Window {
		return c.delay
	}

	if c.congestedLocked() || c.growingLocked() {
		prev := c.rate
		if prev == 0 {
			prev = initialRate
		}
		c.rate = max(prev/2, 1)
		c.delay = time.Second / time.Duration(c.rate)
		c.samples = c.samples[:0]
	}
	return c.delay
}

func (c *Controller) congestedLocked() bool {
	for _, d := range c.samples {
		if d < c.cfg.Threshold {
			return false
		}
	}
	return true
}

func (c *Controller) growingLocked() bool {
	for i := 1; i < len(c.samples); i++ {
		if c.samples[i] < c.samples[i-1] {
			return false
		}
	}
	return true
}

// Saturated reports whether a queue of this depth must refuse new work.
func (c *Controller) Saturated(depth int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return depth >= c.cfg.MaxQueue
}

// Rate returns the current target rate in items per second, 0 when
// processing is not throttled.
func (c *Controller) Rate() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rate
}

func (c *Controller) Delay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.delay
}
