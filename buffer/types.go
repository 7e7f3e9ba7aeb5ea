// Package buffer stages CPU-side buffer contents and uploads them to GPU
// buffers that may still be in use by earlier frames.
//
// An Allocator combines a staging arena (one storage strategy per Pool) with
// a commit tracker that records which byte ranges of which buffers still
// have to reach which per-frame copies. The render goroutine drives it once
// per frame with BeginFrame, BufferData and EndFrame; any goroutine may
// register buffers and commit data concurrently.
package buffer

import (
	"fmt"
	"sync/atomic"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/gpustage/internal/interval"
)

// Handle identifies a logical buffer. Handles are unique for the lifetime
// of the process and never reused.
type Handle uint64

// InvalidHandle is never issued.
const InvalidHandle Handle = 0

var lastHandle atomic.Uint64

func nextHandle() Handle {
	return Handle(lastHandle.Add(1))
}

// Pool selects the lifetime class and storage strategy of a buffer.
type Pool uint8

const (
	// PoolMutable buffers live across many frames and may be rewritten,
	// fully or partially, at any time. They own one GPU copy per frame in
	// flight.
	PoolMutable Pool = iota

	// PoolImmutable buffers are written once. The first flush after a
	// commit uploads them, and their staging bytes are released at the
	// end of that frame.
	PoolImmutable

	// PoolSingleFrame buffers are scratch data for the frame they were
	// created in and are destroyed at the end of it.
	PoolSingleFrame

	poolCount
)

// String returns the pool name.
func (p Pool) String() string {
	switch p {
	case PoolMutable:
		return "Mutable"
	case PoolImmutable:
		return "Immutable"
	case PoolSingleFrame:
		return "SingleFrame"
	default:
		return fmt.Sprintf("Pool(%d)", int(p))
	}
}

// Memory is the preferred placement of a buffer's GPU copies. It selects
// how partial writes to Mutable buffers are pushed.
type Memory uint8

const (
	// MemoryUpload places copies in CPU-visible memory; writes are copied
	// in immediately through a mapping.
	MemoryUpload Memory = iota

	// MemoryDevice places copies in GPU-local memory; writes are recorded
	// and issued as one batched copy submission per flush.
	MemoryDevice
)

// String returns the memory placement name.
func (m Memory) String() string {
	switch m {
	case MemoryUpload:
		return "Upload"
	case MemoryDevice:
		return "Device"
	default:
		return fmt.Sprintf("Memory(%d)", int(m))
	}
}

// Descriptor describes a buffer to create.
type Descriptor struct {
	// Label is an optional debug name.
	Label string

	// Size is the buffer size in bytes. It must be positive.
	Size uint64

	// Pool is the lifetime class.
	Pool Pool

	// Memory is the preferred placement of the GPU copies.
	Memory Memory

	// Usage lists how the GPU uses the buffer. Backends add the copy
	// usages they need for uploads.
	Usage gputypes.BufferUsage

	// CPURead enables ReadBack.
	CPURead bool
}

// CommitMetadata locates a buffer's staging bytes.
//
// For PoolMutable, Start is the index of the buffer's byte vector. For the
// stack-backed pools it packs a chunk index and a byte offset.
type CommitMetadata struct {
	Pool  Pool
	Start uint64
	Size  uint64
}

// PartialCommit is a pending write to a Mutable buffer: Size bytes at Base
// that still have to reach Remaining frame copies.
type PartialCommit = interval.Commit

// Path is the strategy used to push one write to the GPU.
type Path uint8

const (
	// PathMapped copies the bytes into CPU-visible memory right away.
	PathMapped Path = iota

	// PathCopy records a GPU-side copy that is issued at Submit.
	PathCopy
)

// String returns the path name.
func (p Path) String() string {
	if p == PathCopy {
		return "Copy"
	}
	return "Mapped"
}

// Write is one range pushed to a buffer's GPU copy during a flush.
//
// Data and Staging alias staging memory and are only valid for the
// duration of the Backend.Update call.
type Write struct {
	// Slot is the per-frame copy index (frame % FramesInFlight). Backends
	// that keep a single copy for a pool ignore it.
	Slot int

	// Offset is the destination byte offset.
	Offset uint64

	// Data holds the staged bytes.
	Data []byte

	// Staging is the buffer's whole staging; Data is
	// Staging[Offset:Offset+len(Data)]. Backends with copy alignment
	// rules widen the range from it.
	Staging []byte

	// Path selects mapped or batched-copy upload.
	Path Path
}
