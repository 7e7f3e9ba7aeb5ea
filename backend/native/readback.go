package native

import (
	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpustage"
	"github.com/gogpu/gpustage/buffer"
)

// MapCPUReadback implements buffer.Readback. It copies the slot written
// frameLatency frames ago into a MapRead buffer, waits for the GPU and
// returns the bytes.
func (b *Backend) MapCPUReadback(buf *buffer.Buffer, frameLatency int) ([]byte, error) {
	if b.closed {
		return nil, ErrClosed
	}
	nb, err := nativeOf(buf)
	if err != nil {
		return nil, err
	}
	n := uint64(b.ctx.FramesInFlight())
	slot := 0
	if len(nb.copies) > 1 {
		slot = b.ctx.FrameSlot(b.frame + n - uint64(frameLatency)) //nolint:gosec // G115: latency validated by the allocator
	}

	staging, err := b.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "gpustage_readback",
		Size:  nb.size,
		Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create readback buffer")
	}
	defer b.device.DestroyBuffer(staging)

	encoder, err := b.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{
		Label: "gpustage_readback_encoder",
	})
	if err != nil {
		return nil, errors.Wrap(err, "create command encoder")
	}
	if err := encoder.BeginEncoding("gpustage_readback"); err != nil {
		return nil, errors.Wrap(err, "begin encoding")
	}
	encoder.CopyBufferToBuffer(nb.copies[slot], staging, []hal.BufferCopy{{
		SrcOffset: 0,
		DstOffset: 0,
		Size:      nb.size,
	}})
	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		return nil, errors.Wrap(err, "end encoding")
	}
	defer b.device.FreeCommandBuffer(cmdBuf)

	fence, value, err := b.nextFenceValue()
	if err != nil {
		return nil, err
	}
	if err := b.queue.Submit([]hal.CommandBuffer{cmdBuf}, fence, value); err != nil {
		return nil, errors.Wrap(err, "submit readback")
	}
	if err := b.waitIdle(); err != nil {
		return nil, err
	}

	out := make([]byte, nb.size)
	if err := b.queue.ReadBuffer(staging, 0, out); err != nil {
		return nil, errors.Wrap(err, "read back")
	}

	b.statsMu.Lock()
	b.stats.Readbacks++
	b.statsMu.Unlock()
	gpustage.Logger().Debug("native: readback", "buffer", buf.String(), "slot", slot, "latency", frameLatency)
	return out[:buf.Size()], nil
}

// UnmapCPUReadback implements buffer.Readback. MapCPUReadback already
// copied the bytes out, so there is nothing to unmap.
func (b *Backend) UnmapCPUReadback(*buffer.Buffer) {}
