// Package gpustage stages CPU-written data for GPU buffers in a renderer that
// keeps several frames in flight, and hands out bindless descriptor handles.
//
// # Overview
//
// Many producers (asset loaders, per-frame update logic) write buffer contents
// from arbitrary goroutines while the GPU may still be consuming the previous
// FramesInFlight-1 frames. gpustage classifies writes by lifetime, tracks which
// byte ranges of which buffers are dirty and for how many more frames, merges
// overlapping partial writes without losing newer data, and reclaims CPU and
// GPU memory only once the GPU can no longer reference it.
//
// # Packages
//
//   - gpustage: Config, Context, error taxonomy, logger
//   - buffer: staging arena, commit tracker and the Allocator facade
//   - deferred: frame-stamped queue for deferred destruction
//   - bindless: descriptor handle registry with dense handle reuse
//   - backend/native: gogpu/wgpu HAL implementation of the backend contracts
//
// # Frame loop
//
// The render goroutine drives every component once per frame:
//
//	ctx := gpustage.NewContext(gpustage.Config{FramesInFlight: 3})
//	alloc := buffer.NewAllocator(ctx, buffer.WithBackend(backend))
//	reg := bindless.NewRegistry(ctx, bindless.WithDescriptorTable(table))
//
//	for frame := uint64(0); running; frame++ {
//	    alloc.BeginFrame(frame)
//	    // ... loaders Register/Commit concurrently ...
//	    if err := alloc.BufferData(); err != nil { ... }
//	    if err := reg.Update(frame); err != nil { ... }
//	    // ... record and submit draws ...
//	    alloc.EndFrame()
//	}
//
// # Contract violations
//
// Registering a handle twice, touching an unknown handle, writing outside a
// buffer, or using a buffer past its lifetime are programmer errors. They
// panic with an error that matches one of the Err* sentinels via errors.Is.
package gpustage
