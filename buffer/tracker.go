package buffer

import (
	"cmp"
	"slices"
	"sync"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/cockroachdb/errors"

	"github.com/gogpu/gpustage"
	"github.com/gogpu/gpustage/internal/interval"
)

// record is the tracker's state for one registered buffer.
type record struct {
	owner *Buffer

	// meta is guarded by Tracker.mu.
	meta CommitMetadata

	// released is set once Immutable staging has been returned to the
	// arena. Guarded by Tracker.mu.
	released bool

	// commits and uploaded are guarded by Tracker.commitMu.
	commits  interval.List
	uploaded bool
}

// FlushStats describes one BufferData call.
type FlushStats struct {
	Frame       uint64
	Buffers     int
	Writes      int
	Deferred    int
	MappedBytes uint64
	CopiedBytes uint64
}

// Bytes returns the total volume pushed.
func (s FlushStats) Bytes() uint64 {
	return s.MappedBytes + s.CopiedBytes
}

func (s *FlushStats) add(p Path, n uint64) {
	s.Writes++
	if p == PathCopy {
		s.CopiedBytes += n
	} else {
		s.MappedBytes += n
	}
}

// Tracker maps handles to staging metadata and records which ranges of
// which buffers still have to reach the GPU.
//
// Lock order is mu, then commitMu, then a pool lock. Mutable commits copy
// under the pool lock and release it before taking commitMu.
type Tracker struct {
	ctx   *gpustage.Context
	arena *Arena

	mu               sync.RWMutex
	records          map[Handle]*record
	immutableGarbage bool

	commitMu sync.Mutex
	dirty    *roaring64.Bitmap
}

// NewTracker creates a tracker that stages into arena.
func NewTracker(ctx *gpustage.Context, arena *Arena) *Tracker {
	return &Tracker{
		ctx:     ctx,
		arena:   arena,
		records: make(map[Handle]*record),
		dirty:   roaring64.New(),
	}
}

// register allocates zeroed staging for b.
func (t *Tracker) register(b *Buffer) CommitMetadata {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.records[b.handle]; ok {
		gpustage.Violation(gpustage.ErrDoubleRegistration, "buffer %d is already registered", b.handle)
	}
	rec := &record{owner: b, meta: t.arena.alloc(b.desc.Pool, b.handle, b.desc.Size)}
	t.records[b.handle] = rec

	// Write-once buffers are not scheduled here: a loader may still be
	// filling them while the render goroutine flushes. Only commit marks
	// them dirty.
	return rec.meta
}

// lookupLocked returns h's record. The caller holds mu.
func (t *Tracker) lookupLocked(h Handle) *record {
	rec, ok := t.records[h]
	if !ok {
		gpustage.Violation(gpustage.ErrUnknownHandle, "buffer %d is not registered", h)
	}
	return rec
}

// commit replaces the whole content of h.
func (t *Tracker) commit(h Handle, data []byte) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec := t.lookupLocked(h)
	if uint64(len(data)) != rec.meta.Size {
		gpustage.Violation(gpustage.ErrInvalidPartialRange,
			"full commit of %d bytes to buffer %d of size %d", len(data), h, rec.meta.Size)
	}

	if rec.meta.Pool == PoolMutable {
		t.arena.write(rec.meta, 0, data)
		t.commitMu.Lock()
		rec.commits.Replace(rec.meta.Size, t.ctx.FramesInFlight())
		t.dirty.Add(uint64(h))
		t.commitMu.Unlock()
		return
	}

	// Write-once pools: the upload check and the copy must not straddle a flush.
	t.commitMu.Lock()
	defer t.commitMu.Unlock()
	if rec.uploaded {
		gpustage.Violation(gpustage.ErrLifetimeMisuse,
			"commit to %v buffer %d after its upload", rec.meta.Pool, h)
	}
	t.arena.write(rec.meta, 0, data)
	t.dirty.Add(uint64(h))
}

// commitRange writes data at base into a Mutable buffer.
func (t *Tracker) commitRange(h Handle, data []byte, base uint64) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec := t.lookupLocked(h)
	if rec.meta.Pool != PoolMutable {
		gpustage.Violation(gpustage.ErrInvalidPartialRange,
			"partial commit to %v buffer %d; only Mutable buffers accept partial commits", rec.meta.Pool, h)
	}
	size := uint64(len(data))
	if base > rec.meta.Size || size > rec.meta.Size-base {
		gpustage.Violation(gpustage.ErrInvalidPartialRange,
			"range [%d, %d) outside buffer %d of size %d", base, base+size, h, rec.meta.Size)
	}
	if size == 0 {
		return
	}

	t.arena.write(rec.meta, base, data)

	t.commitMu.Lock()
	if base == 0 && size == rec.meta.Size {
		rec.commits.Replace(size, t.ctx.FramesInFlight())
	} else {
		rec.commits.Insert(base, size, t.ctx.FramesInFlight())
	}
	t.dirty.Add(uint64(h))
	t.commitMu.Unlock()
}

// data returns h's staging bytes.
func (t *Tracker) data(h Handle) []byte {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec := t.lookupLocked(h)
	if rec.released {
		gpustage.Violation(gpustage.ErrLifetimeMisuse,
			"staging of Immutable buffer %d was released after upload", h)
	}
	return t.arena.view(rec.meta)
}

// metadata returns h's staging location.
func (t *Tracker) metadata(h Handle) CommitMetadata {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lookupLocked(h).meta
}

// remove unregisters h, returns its staging and drops its pending commits.
func (t *Tracker) remove(h Handle) *Buffer {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.lookupLocked(h)
	delete(t.records, h)

	if !rec.released {
		if r := t.arena.release(rec.meta, h); r.moved {
			t.records[r.handle].meta.Start = r.start
		}
	}
	if rec.meta.Pool == PoolImmutable {
		t.immutableGarbage = true
	}

	t.commitMu.Lock()
	t.dirty.Remove(uint64(h))
	rec.commits.Reset()
	t.commitMu.Unlock()
	return rec.owner
}

// flush pushes every pending range through backend and ages the records.
// Buffers whose native object does not exist yet stay dirty.
func (t *Tracker) flush(frame uint64, backend Backend) (FlushStats, error) {
	st := FlushStats{Frame: frame}
	slot := t.ctx.FrameSlot(frame)

	t.mu.RLock()
	defer t.mu.RUnlock()
	t.commitMu.Lock()
	defer t.commitMu.Unlock()

	for _, raw := range t.dirty.ToArray() {
		rec, ok := t.records[Handle(raw)]
		if !ok {
			t.dirty.Remove(raw)
			continue
		}
		if !rec.owner.Created() {
			st.Deferred++
			continue
		}

		var err error
		if rec.meta.Pool == PoolMutable {
			path := PathMapped
			if rec.owner.desc.Memory == MemoryDevice {
				path = PathCopy
			}
			t.arena.read(rec.meta, func(staged []byte) {
				rec.commits.Each(func(c interval.Commit) {
					if err != nil {
						return
					}
					err = backend.Update(rec.owner, Write{
						Slot:    slot,
						Offset:  c.Base,
						Data:    staged[c.Base:c.End()],
						Staging: staged,
						Path:    path,
					})
					st.add(path, c.Size)
				})
			})
			if err == nil && rec.commits.Age() {
				t.dirty.Remove(raw)
			}
		} else {
			t.arena.read(rec.meta, func(staged []byte) {
				err = backend.Update(rec.owner, Write{Slot: slot, Data: staged, Staging: staged, Path: PathMapped})
				st.add(PathMapped, rec.meta.Size)
			})
			if err == nil {
				rec.uploaded = true
				t.dirty.Remove(raw)
			}
		}
		if err != nil {
			return st, errors.Wrapf(err, "upload %v", rec.owner)
		}
		st.Buffers++
	}
	return st, nil
}

// endFrame expires the SingleFrame buffers and releases the staging of
// Immutable buffers uploaded so far. It returns the expired owners in
// handle order.
func (t *Tracker) endFrame() []*Buffer {
	t.mu.Lock()
	defer t.mu.Unlock()

	var (
		expired  []*Buffer
		keep     []CommitMetadata
		keepRecs []*record
	)
	t.commitMu.Lock()
	for h, rec := range t.records {
		switch rec.meta.Pool {
		case PoolSingleFrame:
			if refs := rec.owner.Refs(); refs > 1 {
				t.commitMu.Unlock()
				gpustage.Violation(gpustage.ErrLifetimeMisuse,
					"SingleFrame buffer %d still has %d references at the end of its frame", h, refs)
			}
			delete(t.records, h)
			t.dirty.Remove(uint64(h))
			expired = append(expired, rec.owner)
		case PoolImmutable:
			switch {
			case rec.released:
			case rec.uploaded:
				t.arena.release(rec.meta, h)
				rec.released = true
				t.immutableGarbage = true
			default:
				keep = append(keep, rec.meta)
				keepRecs = append(keepRecs, rec)
			}
		}
	}
	t.commitMu.Unlock()

	t.arena.resetScratch()
	if t.immutableGarbage {
		for i, start := range t.arena.compactImmutable(keep) {
			keepRecs[i].meta.Start = start
		}
		t.immutableGarbage = false
	}

	slices.SortFunc(expired, func(a, b *Buffer) int {
		return cmp.Compare(a.handle, b.handle)
	})
	return expired
}

// liveSingleFrame returns the number of registered SingleFrame buffers.
func (t *Tracker) liveSingleFrame() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, rec := range t.records {
		if rec.meta.Pool == PoolSingleFrame {
			n++
		}
	}
	return n
}

// owners returns every registered buffer in handle order.
func (t *Tracker) owners() []*Buffer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Buffer, 0, len(t.records))
	for _, rec := range t.records {
		out = append(out, rec.owner)
	}
	slices.SortFunc(out, func(a, b *Buffer) int {
		return cmp.Compare(a.handle, b.handle)
	})
	return out
}

// dirtyHandles returns the handles with pending uploads, ascending.
func (t *Tracker) dirtyHandles() []Handle {
	t.commitMu.Lock()
	defer t.commitMu.Unlock()
	raw := t.dirty.ToArray()
	out := make([]Handle, len(raw))
	for i, v := range raw {
		out[i] = Handle(v)
	}
	return out
}

// pendingCommits returns a copy of h's partial commit records.
func (t *Tracker) pendingCommits(h Handle) []PartialCommit {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec := t.lookupLocked(h)
	t.commitMu.Lock()
	defer t.commitMu.Unlock()
	return rec.commits.Commits()
}

// len returns the number of registered buffers.
func (t *Tracker) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}

// reset forgets every record. Staging is dropped with the arena.
func (t *Tracker) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.records)
	t.commitMu.Lock()
	t.dirty.Clear()
	t.commitMu.Unlock()
}
