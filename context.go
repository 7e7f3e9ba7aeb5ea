package gpustage

import (
	"fmt"
	"math"
)

// Context is the explicit configuration handle passed to every allocator,
// registry and backend constructor. It is immutable and safe for
// concurrent use.
type Context struct {
	cfg Config
}

// NewContext creates a Context from cfg, applying defaults to unset fields.
func NewContext(cfg Config) *Context {
	return &Context{cfg: cfg.normalized()}
}

// Config returns the normalized configuration.
func (c *Context) Config() Config {
	return c.cfg
}

// FramesInFlight returns the number of frames the GPU may lag behind the CPU.
func (c *Context) FramesInFlight() int {
	return c.cfg.FramesInFlight
}

// FrameSlot returns the per-frame copy index written during frame.
func (c *Context) FrameSlot(frame uint64) int {
	return int(frame % uint64(c.cfg.FramesInFlight)) //nolint:gosec // G115: bounded by FramesInFlight
}

// Retired reports whether work stamped at frame requested can no longer be
// referenced by the GPU once frame current has begun.
func (c *Context) Retired(requested, current uint64) bool {
	return current >= requested+uint64(c.cfg.FramesInFlight)
}

// GrowTo returns the capacity a pool of size n grows to when exhausted:
// ceil(n * ResourceGrowthFactor), and always at least n+1.
func (c *Context) GrowTo(n uint32) uint32 {
	grown := math.Ceil(float64(n) * c.cfg.ResourceGrowthFactor)
	if grown >= math.MaxUint32 {
		// The all-ones value is reserved as the invalid handle.
		return math.MaxUint32 - 1
	}
	if uint32(grown) <= n {
		return n + 1
	}
	return uint32(grown)
}

// String returns a short description for logs.
func (c *Context) String() string {
	return fmt.Sprintf("Context[frames=%d, growth=%.2f, initial=%d]",
		c.cfg.FramesInFlight, c.cfg.ResourceGrowthFactor, c.cfg.InitialResourceCount)
}
