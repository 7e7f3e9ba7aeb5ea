package buffer

import (
	"fmt"
	"sync/atomic"

	"github.com/gogpu/gpustage"
)

// Buffer owns one logical buffer: its handle, its descriptor, a reference
// count and the backend's native object.
//
// A Buffer starts with one reference held by its creator. Register it with
// an Allocator before committing data. Deallocate hands it to the deferred
// delete queue; the native object is destroyed once the GPU can no longer
// read it.
type Buffer struct {
	handle Handle
	desc   Descriptor

	alloc atomic.Pointer[Allocator]
	refs  atomic.Int32

	// native is owned by the backend and only touched on the render
	// goroutine (BufferData, EndFrame, Close).
	native any

	created   atomic.Bool
	expired   atomic.Bool
	destroyed atomic.Bool
}

// NewBuffer creates an unregistered buffer with a fresh handle.
func NewBuffer(desc Descriptor) *Buffer {
	b := &Buffer{handle: nextHandle(), desc: desc}
	b.refs.Store(1)
	return b
}

// Handle returns the buffer handle.
func (b *Buffer) Handle() Handle { return b.handle }

// Descriptor returns the descriptor the buffer was created with.
func (b *Buffer) Descriptor() Descriptor { return b.desc }

// Size returns the buffer size in bytes.
func (b *Buffer) Size() uint64 { return b.desc.Size }

// Pool returns the buffer's pool.
func (b *Buffer) Pool() Pool { return b.desc.Pool }

// Label returns the debug label.
func (b *Buffer) Label() string { return b.desc.Label }

// Native returns the backend object set with SetNative.
func (b *Buffer) Native() any { return b.native }

// SetNative stores the backend object. Backends call it from Create.
func (b *Buffer) SetNative(v any) { b.native = v }

// Retain adds a reference and returns b.
func (b *Buffer) Retain() *Buffer {
	b.refs.Add(1)
	return b
}

// Release drops a reference and returns the remaining count.
func (b *Buffer) Release() int32 {
	n := b.refs.Add(-1)
	if n < 0 {
		gpustage.Violation(gpustage.ErrLifetimeMisuse, "buffer %d released more times than retained", b.handle)
	}
	return n
}

// Refs returns the current reference count.
func (b *Buffer) Refs() int32 { return b.refs.Load() }

// Created reports whether the backend has created the native object.
func (b *Buffer) Created() bool { return b.created.Load() }

// Expired reports whether the buffer has been deallocated or, for a
// SingleFrame buffer, its frame has ended.
func (b *Buffer) Expired() bool { return b.expired.Load() }

// Destroyed reports whether the native object has been destroyed.
func (b *Buffer) Destroyed() bool { return b.destroyed.Load() }

func (b *Buffer) allocator() *Allocator {
	a := b.alloc.Load()
	if a == nil {
		gpustage.Violation(gpustage.ErrUnknownHandle, "buffer %d (%q) is not registered", b.handle, b.desc.Label)
	}
	if b.expired.Load() {
		gpustage.Violation(gpustage.ErrLifetimeMisuse, "buffer %d (%q) used after it expired", b.handle, b.desc.Label)
	}
	return a
}

// Commit replaces the whole buffer content. See Allocator.Commit.
func (b *Buffer) Commit(data []byte) {
	b.allocator().Commit(b.handle, data)
}

// CommitRange writes data at baseOffset. See Allocator.CommitRange.
func (b *Buffer) CommitRange(data []byte, baseOffset uint64) {
	b.allocator().CommitRange(b.handle, data, baseOffset)
}

// Data returns the staging bytes. See Allocator.GetData.
func (b *Buffer) Data() []byte {
	return b.allocator().GetData(b.handle)
}

// Deallocate schedules the buffer for destruction. See Allocator.Deallocate.
func (b *Buffer) Deallocate() {
	b.allocator().Deallocate(b.handle)
}

// Destroy releases the native object. The deferred delete queue calls it
// once the frame-latency window has passed; calling it twice is a no-op.
func (b *Buffer) Destroy() {
	if !b.destroyed.CompareAndSwap(false, true) {
		return
	}
	a := b.alloc.Load()
	if a != nil && b.created.Load() {
		a.backend.Destroy(b)
	}
	b.native = nil
}

// String returns a short description for logs.
func (b *Buffer) String() string {
	if b.desc.Label != "" {
		return fmt.Sprintf("Buffer[%d %q %v %d bytes]", b.handle, b.desc.Label, b.desc.Pool, b.desc.Size)
	}
	return fmt.Sprintf("Buffer[%d %v %d bytes]", b.handle, b.desc.Pool, b.desc.Size)
}
