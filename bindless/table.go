package bindless

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// DefaultStride is the descriptor record size of the default SliceTable.
const DefaultStride = 16

// Resource is anything that can be addressed through a bindless handle.
type Resource interface {
	// WriteDescriptor encodes the resource's descriptor into dst, which is
	// exactly one table stride long and zeroed.
	WriteDescriptor(dst []byte)
}

// DescriptorTable is the GPU-visible array indexed by bindless handles.
// The Registry calls it only from Update, on the render goroutine.
type DescriptorTable interface {
	// Stride returns the size in bytes of one descriptor record.
	Stride() int

	// Resize grows the table to capacity records, keeping the existing ones.
	Resize(capacity uint32) error

	// Write stores r's descriptor at h.
	Write(h Handle, r Resource) error

	// Clear resets the record at h to the null descriptor.
	Clear(h Handle) error
}

// SliceTable is a DescriptorTable kept in CPU memory. Backends mirror it
// into a GPU buffer; tests inspect it directly.
type SliceTable struct {
	stride int
	data   []byte
	writes int
	clears int
}

// NewSliceTable creates an empty table with the given record size.
func NewSliceTable(stride int) *SliceTable {
	if stride <= 0 {
		stride = DefaultStride
	}
	return &SliceTable{stride: stride}
}

// Stride implements DescriptorTable.
func (t *SliceTable) Stride() int { return t.stride }

// Capacity returns the number of records.
func (t *SliceTable) Capacity() uint32 {
	return uint32(len(t.data) / t.stride) //nolint:gosec // G115: sized from a uint32 capacity
}

// Resize implements DescriptorTable.
func (t *SliceTable) Resize(capacity uint32) error {
	n := int(capacity) * t.stride
	if n <= len(t.data) {
		return nil
	}
	grown := make([]byte, n)
	copy(grown, t.data)
	t.data = grown
	return nil
}

// Write implements DescriptorTable.
func (t *SliceTable) Write(h Handle, r Resource) error {
	rec, err := t.record(h)
	if err != nil {
		return err
	}
	clear(rec)
	r.WriteDescriptor(rec)
	t.writes++
	return nil
}

// Clear implements DescriptorTable.
func (t *SliceTable) Clear(h Handle) error {
	rec, err := t.record(h)
	if err != nil {
		return err
	}
	clear(rec)
	t.clears++
	return nil
}

// Descriptor returns the record at h. The slice aliases the table.
func (t *SliceTable) Descriptor(h Handle) []byte {
	rec, err := t.record(h)
	if err != nil {
		return nil
	}
	return rec
}

// Bytes returns the whole table. The slice aliases the table.
func (t *SliceTable) Bytes() []byte { return t.data }

// Writes returns the number of descriptor writes so far.
func (t *SliceTable) Writes() int { return t.writes }

// Clears returns the number of descriptor clears so far.
func (t *SliceTable) Clears() int { return t.clears }

func (t *SliceTable) record(h Handle) ([]byte, error) {
	off := int(h) * t.stride
	if h == InvalidHandle || off+t.stride > len(t.data) {
		return nil, errors.Newf("bindless: handle %d outside table of %d records", h, t.Capacity())
	}
	return t.data[off : off+t.stride : off+t.stride], nil
}

// String returns a short description.
func (t *SliceTable) String() string {
	return fmt.Sprintf("SliceTable[stride=%d, capacity=%d]", t.stride, t.Capacity())
}
