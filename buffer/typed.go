package buffer

import (
	"encoding/binary"

	"github.com/gogpu/gpustage"
)

// CommitValue encodes v in little-endian order and commits it as the whole
// content of h. The encoded size must equal the buffer size.
//
// T must have a fixed size in the encoding/binary sense: numbers, arrays
// and structs of those, or slices of them.
func CommitValue[T any](a *Allocator, h Handle, v T) {
	a.Commit(h, encodeValue(h, v))
}

// CommitValueAt encodes v and writes it at baseOffset into a Mutable buffer.
func CommitValueAt[T any](a *Allocator, h Handle, v T, baseOffset uint64) {
	a.CommitRange(h, encodeValue(h, v), baseOffset)
}

func encodeValue[T any](h Handle, v T) []byte {
	size := binary.Size(v)
	if size < 0 {
		gpustage.Violation(gpustage.ErrInvalidPartialRange, "value of type %T for buffer %d has no fixed size", v, h)
	}
	data, err := binary.Append(make([]byte, 0, size), binary.LittleEndian, v)
	if err != nil {
		gpustage.Violation(gpustage.ErrInvalidPartialRange, "encode %T for buffer %d: %v", v, h, err)
	}
	return data
}
