package native

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpustage"
	"github.com/gogpu/gpustage/bindless"
	"github.com/gogpu/gpustage/deferred"
)

// DescriptorTable is a bindless.DescriptorTable stored in a GPU storage
// buffer. A CPU mirror keeps the records so the table can be re-uploaded
// when it grows.
type DescriptorTable struct {
	backend *Backend
	mirror  *bindless.SliceTable
	buf     hal.Buffer
	size    uint64
	resizes int
}

// NewDescriptorTable creates an empty table with stride-byte records. The
// stride is rounded up to the copy alignment.
func NewDescriptorTable(backend *Backend, stride int) *DescriptorTable {
	if stride <= 0 {
		stride = bindless.DefaultStride
	}
	stride = int(alignUp(uint64(stride))) //nolint:gosec // G115: small positive stride
	return &DescriptorTable{
		backend: backend,
		mirror:  bindless.NewSliceTable(stride),
	}
}

// Stride implements bindless.DescriptorTable.
func (t *DescriptorTable) Stride() int { return t.mirror.Stride() }

// Resize implements bindless.DescriptorTable. The old storage buffer is
// retired after the frame-latency window.
func (t *DescriptorTable) Resize(capacity uint32) error {
	if capacity <= t.mirror.Capacity() && t.buf != nil {
		return nil
	}
	if err := t.mirror.Resize(capacity); err != nil {
		return err
	}
	size := uint64(len(t.mirror.Bytes()))
	buf, err := t.backend.device.CreateBuffer(&hal.BufferDescriptor{
		Label: fmt.Sprintf("gpustage_descriptors[%d]", capacity),
		Size:  size,
		Usage: gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return errors.Wrapf(err, "create descriptor buffer of %d records", capacity)
	}
	t.backend.queue.WriteBuffer(buf, 0, t.mirror.Bytes())

	if old := t.buf; old != nil {
		device := t.backend.device
		t.backend.retired.Push(t.backend.frame, deferred.DestroyFunc(func() {
			device.DestroyBuffer(old)
		}))
	}
	t.buf = buf
	t.size = size
	t.resizes++
	gpustage.Logger().Debug("native: descriptor buffer created", "records", capacity, "bytes", size)
	return nil
}

// Write implements bindless.DescriptorTable.
func (t *DescriptorTable) Write(h bindless.Handle, r bindless.Resource) error {
	if err := t.mirror.Write(h, r); err != nil {
		return err
	}
	t.upload(h)
	return nil
}

// Clear implements bindless.DescriptorTable.
func (t *DescriptorTable) Clear(h bindless.Handle) error {
	if err := t.mirror.Clear(h); err != nil {
		return err
	}
	t.upload(h)
	return nil
}

func (t *DescriptorTable) upload(h bindless.Handle) {
	off := uint64(h) * uint64(t.mirror.Stride())
	t.backend.queue.WriteBuffer(t.buf, off, t.mirror.Descriptor(h))
}

// Binding returns the storage buffer to bind. It changes when the table
// grows, so renderers re-fetch it every frame.
func (t *DescriptorTable) Binding() hal.Buffer { return t.buf }

// Mirror returns the CPU copy of the table.
func (t *DescriptorTable) Mirror() *bindless.SliceTable { return t.mirror }

// Size returns the storage buffer size in bytes.
func (t *DescriptorTable) Size() uint64 { return t.size }

// Close destroys the current storage buffer. Retired buffers are released
// by Backend.Close.
func (t *DescriptorTable) Close() {
	if t.buf != nil {
		t.backend.device.DestroyBuffer(t.buf)
		t.buf = nil
	}
}

var _ bindless.DescriptorTable = (*DescriptorTable)(nil)
