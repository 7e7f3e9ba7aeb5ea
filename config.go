package gpustage

// Default configuration values.
const (
	// DefaultFramesInFlight is the number of frames the GPU may still be
	// consuming while the CPU prepares the next one.
	DefaultFramesInFlight = 3

	// DefaultResourceGrowthFactor is the multiplier applied to the bindless
	// handle pool when it runs out of free handles.
	DefaultResourceGrowthFactor = 1.5

	// DefaultInitialResourceCount is the initial size of the bindless handle pool.
	DefaultInitialResourceCount = 1024

	// DefaultScratchChunkBytes is the chunk size of the stack arenas backing
	// Immutable and SingleFrame staging (1 MiB).
	DefaultScratchChunkBytes = 1 << 20

	// DefaultUploadWarnBytes is the per-flush upload volume above which a
	// throttled warning is logged (64 MiB).
	DefaultUploadWarnBytes = 64 << 20
)

// Config holds the tunables shared by the allocator, the registry and the
// native backend. Zero values select the defaults.
type Config struct {
	// FramesInFlight is the number of frames submitted to the GPU that may
	// not have completed yet. Values below 1 select DefaultFramesInFlight.
	FramesInFlight int

	// ResourceGrowthFactor multiplies the bindless pool size on exhaustion.
	// Values <= 1 select DefaultResourceGrowthFactor.
	ResourceGrowthFactor float64

	// InitialResourceCount is the number of bindless handles available
	// before the first growth. Zero selects DefaultInitialResourceCount.
	InitialResourceCount uint32

	// ScratchChunkBytes is the chunk size of the Immutable and SingleFrame
	// stack arenas. Zero selects DefaultScratchChunkBytes.
	ScratchChunkBytes uint64

	// UploadWarnBytes is the per-flush upload volume that triggers a
	// throttled warning. Zero selects DefaultUploadWarnBytes.
	UploadWarnBytes uint64
}

// DefaultConfig returns a Config populated with the defaults.
func DefaultConfig() Config {
	return Config{}.normalized()
}

// normalized replaces unset or invalid fields with their defaults.
func (c Config) normalized() Config {
	if c.FramesInFlight < 1 {
		c.FramesInFlight = DefaultFramesInFlight
	}
	if c.ResourceGrowthFactor <= 1 {
		c.ResourceGrowthFactor = DefaultResourceGrowthFactor
	}
	if c.InitialResourceCount == 0 {
		c.InitialResourceCount = DefaultInitialResourceCount
	}
	if c.ScratchChunkBytes == 0 {
		c.ScratchChunkBytes = DefaultScratchChunkBytes
	}
	if c.UploadWarnBytes == 0 {
		c.UploadWarnBytes = DefaultUploadWarnBytes
	}
	return c
}
