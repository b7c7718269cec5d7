package replication

import (
	"sync"

	"github.com/uhyunpark/quantaledger/pkg/quantum"
)

// Cursor is the last apex a peer acknowledged. Every Reset starts a new
// generation so a worker that read the cursor before the reset cannot
// overwrite it afterwards.
type Cursor struct {
	mu    sync.Mutex
	apex  quantum.Apex
	gen   uint64
	reset chan struct{}
}

func NewCursor(apex quantum.Apex) *Cursor {
	return &Cursor{apex: apex, reset: make(chan struct{}, 1)}
}

// Resets receives a value after every Reset.
func (c *Cursor) Resets() <-chan struct{} { return c.reset }

func (c *Cursor) Load() (quantum.Apex, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.apex, c.gen
}

func (c *Cursor) Reset(apex quantum.Apex) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apex = apex
	c.gen++
	select {
	case c.reset <- struct{}{}:
	default:
	}
}

// Advance moves the cursor to apex if no reset happened since gen was read.
func (c *Cursor) Advance(gen uint64, apex quantum.Apex) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return false
	}
	if apex > c.apex {
		c.apex = apex
	}
	return true
}
