// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package native

import (
	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpustage"
	"github.com/gogpu/gpustage/deferred"
)

// uploadBatch packs the copy-path writes of one frame into a single blob.
// The allocator flushes one buffer at a time, so consecutive regions for
// the same destination are grouped into one CopyBufferToBuffer call.
type uploadBatch struct {
	blob   []byte
	groups []uploadGroup
}

type uploadGroup struct {
	owner   *nativeBuffer
	slot    int
	dst     hal.Buffer
	regions []hal.BufferCopy
}

func (u *uploadBatch) add(owner *nativeBuffer, slot int, dstOffset uint64, data []byte) {
	src := uint64(len(u.blob))
	u.blob = append(u.blob, data...)
	region := hal.BufferCopy{SrcOffset: src, DstOffset: dstOffset, Size: uint64(len(data))}

	if n := len(u.groups); n > 0 && u.groups[n-1].owner == owner && u.groups[n-1].slot == slot {
		u.groups[n-1].regions = append(u.groups[n-1].regions, region)
		return
	}
	u.groups = append(u.groups, uploadGroup{
		owner:   owner,
		slot:    slot,
		dst:     owner.copies[slot],
		regions: []hal.BufferCopy{region},
	})
}

func (u *uploadBatch) empty() bool {
	return len(u.blob) == 0
}

func (u *uploadBatch) reset() {
	u.blob = u.blob[:0]
	clear(u.groups)
	u.groups = u.groups[:0]
}

// submitUploads copies the batch into a fresh upload buffer and records one
// command buffer copying it to every destination. The upload buffer and the
// command buffer are retired after the frame-latency window.
func (b *Backend) submitUploads(frame uint64) error {
	defer b.uploads.reset()

	staging, err := b.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "gpustage_upload",
		Size:  uint64(len(b.uploads.blob)),
		Usage: gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return errors.Wrap(err, "create upload buffer")
	}
	b.queue.WriteBuffer(staging, 0, b.uploads.blob)

	encoder, err := b.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{
		Label: "gpustage_upload_encoder",
	})
	if err != nil {
		b.device.DestroyBuffer(staging)
		return errors.Wrap(err, "create command encoder")
	}
	if err := encoder.BeginEncoding("gpustage_upload"); err != nil {
		b.device.DestroyBuffer(staging)
		return errors.Wrap(err, "begin encoding")
	}

	regions := 0
	for _, g := range b.uploads.groups {
		encoder.CopyBufferToBuffer(staging, g.dst, g.regions)
		regions += len(g.regions)
	}

	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		b.device.DestroyBuffer(staging)
		return errors.Wrap(err, "end encoding")
	}

	fence, value, err := b.nextFenceValue()
	if err == nil {
		err = b.queue.Submit([]hal.CommandBuffer{cmdBuf}, fence, value)
	}
	device := b.device
	b.retired.Push(frame, deferred.DestroyFunc(func() {
		device.FreeCommandBuffer(cmdBuf)
		device.DestroyBuffer(staging)
	}))
	if err != nil {
		return errors.Wrap(err, "submit")
	}

	bytes := uint64(len(b.uploads.blob))
	b.statsMu.Lock()
	b.stats.CopyRegions += regions
	b.stats.CopyBytes += bytes
	b.stats.CopySubmissions++
	b.statsMu.Unlock()

	gpustage.Logger().Debug("native: uploads submitted",
		"frame", frame, "destinations", len(b.uploads.groups), "regions", regions, "bytes", bytes)
	return nil
}
