package buffer

// Backend creates, updates and destroys the GPU objects behind buffers.
// The Allocator calls every method on the render goroutine.
type Backend interface {
	// Create allocates the native object(s) for b, zero-filled, and
	// stores them with b.SetNative. Mutable buffers need one copy per
	// frame in flight.
	Create(b *Buffer) error

	// Update pushes one staged range to b's GPU copy. PathCopy writes may
	// be deferred until Submit; w.Data must be copied before returning.
	Update(b *Buffer, w Write) error

	// Submit issues the writes recorded for frame.
	Submit(frame uint64) error

	// Destroy releases b's native object(s).
	Destroy(b *Buffer)
}

// Readback is implemented by backends that can map GPU copies for reading.
type Readback interface {
	// MapCPUReadback returns the content of the copy written frameLatency
	// frames ago. The slice is valid until UnmapCPUReadback.
	MapCPUReadback(b *Buffer, frameLatency int) ([]byte, error)

	// UnmapCPUReadback releases the mapping returned by MapCPUReadback.
	UnmapCPUReadback(b *Buffer)
}

// NopBackend keeps staging only. It is the default when no backend is
// configured and is useful in tests and tools that never touch a GPU.
type NopBackend struct{}

// Create implements Backend.
func (NopBackend) Create(*Buffer) error { return nil }

// Update implements Backend.
func (NopBackend) Update(*Buffer, Write) error { return nil }

// Submit implements Backend.
func (NopBackend) Submit(uint64) error { return nil }

// Destroy implements Backend.
func (NopBackend) Destroy(*Buffer) {}

var _ Backend = NopBackend{}
