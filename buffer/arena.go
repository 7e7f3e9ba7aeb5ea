package buffer

import (
	"fmt"
	"sync"

	"github.com/gogpu/gpustage"
)

// stackOffsetBits is the width of the byte offset packed into a stack
// arena start. Chunks are far smaller than 1 TiB.
const stackOffsetBits = 40

// stackAlign is the alignment of every stack allocation, matching the copy
// alignment required by GPU buffer-to-buffer transfers.
const stackAlign = 4

// PoolStats describes the staging memory held by one pool.
type PoolStats struct {
	// LiveBuffers is the number of registered buffers in the pool.
	LiveBuffers int

	// LiveBytes is the staging size of the live buffers.
	LiveBytes uint64

	// ReservedBytes is the memory the pool holds, including chunk slack
	// and bytes awaiting compaction.
	ReservedBytes uint64

	// PeakBytes is the highest LiveBytes observed.
	PeakBytes uint64

	// Allocations is the total number of allocations served.
	Allocations uint64
}

// String returns a one-line summary.
func (s PoolStats) String() string {
	return fmt.Sprintf("live=%d (%s), reserved=%s, peak=%s, allocs=%d",
		s.LiveBuffers, formatBytes(s.LiveBytes), formatBytes(s.ReservedBytes),
		formatBytes(s.PeakBytes), s.Allocations)
}

func (s *PoolStats) add(size uint64) {
	s.LiveBuffers++
	s.LiveBytes += size
	s.Allocations++
	if s.LiveBytes > s.PeakBytes {
		s.PeakBytes = s.LiveBytes
	}
}

func (s *PoolStats) remove(size uint64) {
	s.LiveBuffers--
	s.LiveBytes -= size
}

// ArenaStats aggregates the per-pool statistics.
type ArenaStats struct {
	Mutable     PoolStats
	Immutable   PoolStats
	SingleFrame PoolStats
}

// Pool returns the statistics of one pool.
func (s ArenaStats) Pool(p Pool) PoolStats {
	switch p {
	case PoolImmutable:
		return s.Immutable
	case PoolSingleFrame:
		return s.SingleFrame
	default:
		return s.Mutable
	}
}

// String returns a multi-line summary.
func (s ArenaStats) String() string {
	return fmt.Sprintf("Arena:\n  Mutable:     %s\n  Immutable:   %s\n  SingleFrame: %s",
		s.Mutable, s.Immutable, s.SingleFrame)
}

// staging is the operation set shared by the pool storages. Callers hold
// the storage lock.
type staging interface {
	sync.Locker
	RLock()
	RUnlock()

	allocLocked(h Handle, size uint64) uint64
	viewLocked(start, size uint64) []byte
	releaseLocked(h Handle, start, size uint64) relocation
	statsLocked() PoolStats
}

// relocation reports a handle whose staging moved during a release.
type relocation struct {
	handle Handle
	start  uint64
	moved  bool
}

// mutableStorage keeps one byte vector per Mutable buffer. Start is the
// vector index; releasing swaps the last vector into the hole.
type mutableStorage struct {
	sync.RWMutex
	slots  [][]byte
	owners []Handle
	stats  PoolStats
}

func (m *mutableStorage) allocLocked(h Handle, size uint64) uint64 {
	idx := uint64(len(m.slots))
	m.slots = append(m.slots, make([]byte, size))
	m.owners = append(m.owners, h)
	m.stats.add(size)
	m.stats.ReservedBytes += size
	return idx
}

func (m *mutableStorage) viewLocked(start, size uint64) []byte {
	return m.slots[start][:size:size]
}

func (m *mutableStorage) releaseLocked(h Handle, start, size uint64) relocation {
	if start >= uint64(len(m.slots)) || m.owners[start] != h {
		gpustage.Violation(gpustage.ErrUnknownHandle, "mutable staging slot %d is not owned by buffer %d", start, h)
	}
	m.stats.remove(size)
	m.stats.ReservedBytes -= uint64(cap(m.slots[start]))

	last := uint64(len(m.slots) - 1)
	var r relocation
	if start != last {
		m.slots[start] = m.slots[last]
		m.owners[start] = m.owners[last]
		r = relocation{handle: m.owners[start], start: start, moved: true}
	}
	m.slots[last] = nil
	m.slots = m.slots[:last]
	m.owners = m.owners[:last]
	return r
}

func (m *mutableStorage) statsLocked() PoolStats {
	return m.stats
}

// chunk is one contiguous block of a stack arena.
type chunk struct {
	buf  []byte
	used uint64
}

// stackStorage is a chunked stack allocator. Allocations are bumped into
// the current chunk; memory is only reclaimed by reset or compaction.
type stackStorage struct {
	sync.RWMutex
	chunkSize uint64
	chunks    []chunk
	cur       int
	stats     PoolStats
}

func newStackStorage(chunkSize uint64) *stackStorage {
	return &stackStorage{chunkSize: chunkSize}
}

func packStart(chunkIdx int, offset uint64) uint64 {
	return uint64(chunkIdx)<<stackOffsetBits | offset //nolint:gosec // G115: chunk index is non-negative
}

func unpackStart(start uint64) (int, uint64) {
	return int(start >> stackOffsetBits), start & (1<<stackOffsetBits - 1) //nolint:gosec // G115: fits int
}

func (s *stackStorage) allocLocked(_ Handle, size uint64) uint64 {
	start := s.bumpLocked(size)
	s.stats.add(size)
	return start
}

func (s *stackStorage) bumpLocked(size uint64) uint64 {
	for s.cur < len(s.chunks) {
		c := &s.chunks[s.cur]
		off := alignUp(c.used, stackAlign)
		if off+size <= uint64(len(c.buf)) {
			c.used = off + size
			clear(c.buf[off:c.used])
			return packStart(s.cur, off)
		}
		s.cur++
	}
	n := max(s.chunkSize, alignUp(size, stackAlign))
	s.chunks = append(s.chunks, chunk{buf: make([]byte, n), used: size})
	s.stats.ReservedBytes += n
	s.cur = len(s.chunks) - 1
	return packStart(s.cur, 0)
}

func (s *stackStorage) viewLocked(start, size uint64) []byte {
	idx, off := unpackStart(start)
	return s.chunks[idx].buf[off : off+size : off+size]
}

// releaseLocked only updates accounting; the bytes are reclaimed at the
// next reset or compaction.
func (s *stackStorage) releaseLocked(_ Handle, _, size uint64) relocation {
	s.stats.remove(size)
	return relocation{}
}

func (s *stackStorage) statsLocked() PoolStats {
	return s.stats
}

// resetLocked rewinds the stack, keeping the chunks for reuse.
func (s *stackStorage) resetLocked() {
	for i := range s.chunks {
		s.chunks[i].used = 0
	}
	s.cur = 0
	s.stats.LiveBuffers = 0
	s.stats.LiveBytes = 0
}

// compactLocked moves the given live allocations into a fresh stack and
// drops everything else. It returns the new start of each entry, in order.
func (s *stackStorage) compactLocked(keep []CommitMetadata) []uint64 {
	old := s.chunks
	s.chunks = nil
	s.cur = 0
	s.stats.ReservedBytes = 0

	starts := make([]uint64, len(keep))
	for i, meta := range keep {
		idx, off := unpackStart(meta.Start)
		src := old[idx].buf[off : off+meta.Size]
		starts[i] = s.bumpLocked(meta.Size)
		copy(s.viewLocked(starts[i], meta.Size), src)
	}
	return starts
}

// Arena owns the staging bytes of every registered buffer, one storage
// per pool.
type Arena struct {
	mutable   *mutableStorage
	immutable *stackStorage
	scratch   *stackStorage
}

// NewArena creates an empty arena sized from ctx.
func NewArena(ctx *gpustage.Context) *Arena {
	chunkSize := ctx.Config().ScratchChunkBytes
	return &Arena{
		mutable:   &mutableStorage{},
		immutable: newStackStorage(chunkSize),
		scratch:   newStackStorage(chunkSize),
	}
}

func (a *Arena) pool(p Pool) staging {
	switch p {
	case PoolMutable:
		return a.mutable
	case PoolImmutable:
		return a.immutable
	case PoolSingleFrame:
		return a.scratch
	default:
		gpustage.Violation(gpustage.ErrUnknownHandle, "unknown staging pool %v", p)
		return nil
	}
}

// alloc reserves zeroed staging bytes for h and returns its metadata.
func (a *Arena) alloc(p Pool, h Handle, size uint64) CommitMetadata {
	s := a.pool(p)
	s.Lock()
	defer s.Unlock()
	return CommitMetadata{Pool: p, Start: s.allocLocked(h, size), Size: size}
}

// write copies data into the staging bytes at offset.
func (a *Arena) write(meta CommitMetadata, offset uint64, data []byte) {
	s := a.pool(meta.Pool)
	s.Lock()
	copy(s.viewLocked(meta.Start, meta.Size)[offset:], data)
	s.Unlock()
}

// read calls fn with the staging bytes while holding the pool read lock.
func (a *Arena) read(meta CommitMetadata, fn func([]byte)) {
	s := a.pool(meta.Pool)
	s.RLock()
	defer s.RUnlock()
	fn(s.viewLocked(meta.Start, meta.Size))
}

// view returns the staging bytes without holding a lock. The slice stays
// valid until the buffer is deallocated or its staging released.
func (a *Arena) view(meta CommitMetadata) []byte {
	s := a.pool(meta.Pool)
	s.RLock()
	defer s.RUnlock()
	return s.viewLocked(meta.Start, meta.Size)
}

// release returns h's staging to its pool.
func (a *Arena) release(meta CommitMetadata, h Handle) relocation {
	s := a.pool(meta.Pool)
	s.Lock()
	defer s.Unlock()
	return s.releaseLocked(h, meta.Start, meta.Size)
}

// resetScratch rewinds the SingleFrame stack.
func (a *Arena) resetScratch() {
	a.scratch.Lock()
	a.scratch.resetLocked()
	a.scratch.Unlock()
}

// compactImmutable keeps only the given Immutable allocations.
func (a *Arena) compactImmutable(keep []CommitMetadata) []uint64 {
	a.immutable.Lock()
	defer a.immutable.Unlock()
	return a.immutable.compactLocked(keep)
}

// Stats returns a snapshot of every pool.
func (a *Arena) Stats() ArenaStats {
	var st ArenaStats
	for p := range poolCount {
		s := a.pool(p)
		s.RLock()
		ps := s.statsLocked()
		s.RUnlock()
		switch p {
		case PoolMutable:
			st.Mutable = ps
		case PoolImmutable:
			st.Immutable = ps
		case PoolSingleFrame:
			st.SingleFrame = ps
		}
	}
	return st
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

func formatBytes(n uint64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
