// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package native implements the buffer and bindless backends on top of
// gogpu/wgpu's HAL.
//
// Mutable buffers own one hal.Buffer per frame in flight; Immutable and
// SingleFrame buffers own one. Mapped writes go through Queue.WriteBuffer.
// Copy writes are packed into one upload buffer per frame and issued as a
// single command buffer at Submit. Upload buffers and command buffers are
// retired once the frame-latency window has passed.
package native

import (
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpustage"
	"github.com/gogpu/gpustage/buffer"
	"github.com/gogpu/gpustage/deferred"
)

// copyAlign is the offset and size alignment of buffer writes and copies.
const copyAlign = 4

// fenceTimeout bounds every wait on the GPU.
const fenceTimeout = 5 * time.Second

// nativeBuffer is the backend object stored on a buffer.Buffer.
type nativeBuffer struct {
	copies []hal.Buffer
	size   uint64
}

// Backend implements buffer.Backend and buffer.Readback with a HAL device.
// All methods except Stats must be called from the render goroutine.
type Backend struct {
	ctx    *gpustage.Context
	device hal.Device
	queue  hal.Queue

	uploads uploadBatch
	retired *deferred.Queue[deferred.Destroyer]

	fence      hal.Fence
	fenceValue uint64
	frame      uint64
	closed     bool

	statsMu sync.Mutex
	stats   Stats
}

// NewBackend creates a backend on device and queue. The caller keeps
// ownership of both.
func NewBackend(ctx *gpustage.Context, device hal.Device, queue hal.Queue) *Backend {
	b := &Backend{
		ctx:     ctx,
		device:  device,
		queue:   queue,
		retired: deferred.New[deferred.Destroyer](ctx),
	}
	gpustage.Logger().Info("native: backend created", "framesInFlight", ctx.FramesInFlight())
	return b
}

// Device returns the HAL device.
func (b *Backend) Device() hal.Device { return b.device }

// Queue returns the HAL queue.
func (b *Backend) Queue() hal.Queue { return b.queue }

func alignUp(v uint64) uint64 {
	return (v + copyAlign - 1) &^ (copyAlign - 1)
}

func nativeOf(buf *buffer.Buffer) (*nativeBuffer, error) {
	nb, ok := buf.Native().(*nativeBuffer)
	if !ok || nb == nil {
		return nil, errors.Wrapf(ErrNotNative, "%v", buf)
	}
	return nb, nil
}

// Create implements buffer.Backend.
func (b *Backend) Create(buf *buffer.Buffer) error {
	if b.closed {
		return ErrClosed
	}
	desc := buf.Descriptor()
	n := 1
	if desc.Pool == buffer.PoolMutable {
		n = b.ctx.FramesInFlight()
	}
	usage := desc.Usage | gputypes.BufferUsageCopyDst
	if desc.CPURead {
		usage |= gputypes.BufferUsageCopySrc
	}

	nb := &nativeBuffer{copies: make([]hal.Buffer, 0, n), size: alignUp(desc.Size)}
	for i := range n {
		hb, err := b.device.CreateBuffer(&hal.BufferDescriptor{
			Label: fmt.Sprintf("%s[%d]", desc.Label, i),
			Size:  nb.size,
			Usage: usage,
		})
		if err != nil {
			for _, created := range nb.copies {
				b.device.DestroyBuffer(created)
			}
			return errors.Wrapf(err, "create %v copy %d", buf, i)
		}
		nb.copies = append(nb.copies, hb)
	}
	buf.SetNative(nb)

	b.statsMu.Lock()
	b.stats.Buffers += n
	b.stats.Bytes += nb.size * uint64(n)
	b.statsMu.Unlock()
	return nil
}

// Update implements buffer.Backend.
func (b *Backend) Update(buf *buffer.Buffer, w buffer.Write) error {
	nb, err := nativeOf(buf)
	if err != nil {
		return err
	}
	slot := 0
	if len(nb.copies) > 1 {
		slot = w.Slot
	}
	offset, data := alignedRange(w)

	if w.Path == buffer.PathCopy {
		b.uploads.add(nb, slot, offset, data)
		return nil
	}
	b.queue.WriteBuffer(nb.copies[slot], offset, data)

	b.statsMu.Lock()
	b.stats.MappedWrites++
	b.stats.MappedBytes += uint64(len(data))
	b.statsMu.Unlock()
	return nil
}

// alignedRange widens a write to the copy alignment. Bytes past the end
// of the staging are zero; the native buffer is sized to cover them.
func alignedRange(w buffer.Write) (uint64, []byte) {
	end := w.Offset + uint64(len(w.Data))
	if w.Offset%copyAlign == 0 && end%copyAlign == 0 {
		return w.Offset, w.Data
	}
	lo := w.Offset &^ (copyAlign - 1)
	hi := alignUp(end)
	out := make([]byte, hi-lo)
	if w.Staging != nil {
		copy(out, w.Staging[lo:min(hi, uint64(len(w.Staging)))])
	} else {
		copy(out[w.Offset-lo:], w.Data)
	}
	return lo, out
}

// Submit implements buffer.Backend. It issues the copies recorded since the
// last Submit and retires upload objects older than the latency window.
func (b *Backend) Submit(frame uint64) error {
	if b.closed {
		return ErrClosed
	}
	b.frame = frame
	defer deferred.ClearDeferredDeletions(b.retired, frame)

	if b.uploads.empty() {
		return nil
	}
	if err := b.submitUploads(frame); err != nil {
		return errors.Wrapf(err, "submit uploads for frame %d", frame)
	}
	return nil
}

// Destroy implements buffer.Backend.
func (b *Backend) Destroy(buf *buffer.Buffer) {
	nb, err := nativeOf(buf)
	if err != nil {
		return
	}
	for _, hb := range nb.copies {
		b.device.DestroyBuffer(hb)
	}
	buf.SetNative(nil)

	b.statsMu.Lock()
	b.stats.Buffers -= len(nb.copies)
	b.stats.Bytes -= nb.size * uint64(len(nb.copies))
	b.statsMu.Unlock()
}

// nextFenceValue returns the value the next submission signals.
func (b *Backend) nextFenceValue() (hal.Fence, uint64, error) {
	if b.fence == nil {
		f, err := b.device.CreateFence()
		if err != nil {
			return nil, 0, errors.Wrap(err, "create fence")
		}
		b.fence = f
	}
	b.fenceValue++
	return b.fence, b.fenceValue, nil
}

// waitIdle blocks until the last submission has completed.
func (b *Backend) waitIdle() error {
	if b.fence == nil || b.fenceValue == 0 {
		return nil
	}
	ok, err := b.device.Wait(b.fence, b.fenceValue, fenceTimeout)
	if err != nil {
		return errors.Wrap(err, "wait for GPU")
	}
	if !ok {
		return ErrFenceTimeout
	}
	return nil
}

// Close waits for the GPU and releases every object the backend owns.
// Buffers created through Create are released by the allocator.
func (b *Backend) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	err := b.waitIdle()
	b.retired.DrainAll(deferred.Destroyer.Destroy)
	if b.fence != nil {
		b.device.DestroyFence(b.fence)
		b.fence = nil
	}
	gpustage.Logger().Info("native: backend closed")
	return err
}

// Stats describes the native objects and traffic of a backend.
type Stats struct {
	Buffers         int
	Bytes           uint64
	MappedWrites    int
	MappedBytes     uint64
	CopyRegions     int
	CopyBytes       uint64
	CopySubmissions int
	Readbacks       int
	PendingRetires  int
}

// String returns a one-line summary.
func (s Stats) String() string {
	return fmt.Sprintf("Native[buffers=%d (%d bytes), mapped=%d/%d bytes, copies=%d/%d bytes in %d submits, readbacks=%d, retiring=%d]",
		s.Buffers, s.Bytes, s.MappedWrites, s.MappedBytes, s.CopyRegions, s.CopyBytes,
		s.CopySubmissions, s.Readbacks, s.PendingRetires)
}

// Stats returns a snapshot of the backend counters.
func (b *Backend) Stats() Stats {
	b.statsMu.Lock()
	st := b.stats
	b.statsMu.Unlock()
	st.PendingRetires = b.retired.Len()
	return st
}

var (
	_ buffer.Backend  = (*Backend)(nil)
	_ buffer.Readback = (*Backend)(nil)
)
