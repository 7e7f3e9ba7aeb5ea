package buffer

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"

	"github.com/gogpu/gpustage"
	"github.com/gogpu/gpustage/deferred"
)

// Readback errors.
var (
	// ErrReadbackDisabled is returned by ReadBack for buffers created
	// without Descriptor.CPURead.
	ErrReadbackDisabled = errors.New("buffer: CPU readback not enabled")

	// ErrReadbackUnsupported is returned by ReadBack when the backend does
	// not implement Readback.
	ErrReadbackUnsupported = errors.New("buffer: backend does not support readback")

	// ErrInvalidLatency is returned by ReadBack for a frame latency outside
	// [0, FramesInFlight).
	ErrInvalidLatency = errors.New("buffer: readback latency out of range")
)

// Allocator stages buffer contents on the CPU and uploads them to the
// backend's GPU copies once per frame.
//
// Register, Commit, CommitRange, GetData and Deallocate are safe to call
// from any goroutine. BeginFrame, BufferData, EndFrame, ReadBack and Close
// belong to the render goroutine.
type Allocator struct {
	ctx     *gpustage.Context
	arena   *Arena
	tracker *Tracker
	backend Backend
	deletes *deferred.Queue[deferred.Destroyer]
	shared  bool

	frame   atomic.Uint64
	started atomic.Bool
	closed  atomic.Bool

	pendingMu sync.Mutex
	pending   []*Buffer

	statsMu   sync.Mutex
	flushes   uint64
	lastFlush FlushStats

	warn rate.Sometimes
}

// NewAllocator creates an allocator for ctx.
func NewAllocator(ctx *gpustage.Context, opts ...Option) *Allocator {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	arena := NewArena(ctx)
	a := &Allocator{
		ctx:     ctx,
		arena:   arena,
		tracker: NewTracker(ctx, arena),
		backend: o.backend,
		deletes: o.deletes,
		shared:  o.deletes != nil,
		warn:    rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
	if a.deletes == nil {
		a.deletes = deferred.New[deferred.Destroyer](ctx)
	}
	gpustage.Logger().Debug("buffer: allocator created",
		"framesInFlight", ctx.FramesInFlight(), "backend", fmt.Sprintf("%T", a.backend))
	return a
}

// Context returns the allocator's context.
func (a *Allocator) Context() *gpustage.Context { return a.ctx }

// Backend returns the configured backend.
func (a *Allocator) Backend() Backend { return a.backend }

// DeleteQueue returns the deferred delete queue.
func (a *Allocator) DeleteQueue() *deferred.Queue[deferred.Destroyer] { return a.deletes }

// Frame returns the current frame number.
func (a *Allocator) Frame() uint64 { return a.frame.Load() }

// Register allocates zeroed staging for b and queues its native creation
// for the next BufferData.
func (a *Allocator) Register(b *Buffer) {
	if b == nil {
		gpustage.Violation(gpustage.ErrUnknownHandle, "register of a nil buffer")
	}
	if b.desc.Size == 0 {
		gpustage.Violation(gpustage.ErrInvalidPartialRange, "buffer %d (%q) has zero size", b.handle, b.desc.Label)
	}
	if b.desc.Pool >= poolCount {
		gpustage.Violation(gpustage.ErrInvalidPartialRange, "buffer %d has unknown pool %v", b.handle, b.desc.Pool)
	}
	if !b.alloc.CompareAndSwap(nil, a) {
		gpustage.Violation(gpustage.ErrDoubleRegistration, "buffer %d is already registered", b.handle)
	}

	meta := a.tracker.register(b)

	a.pendingMu.Lock()
	a.pending = append(a.pending, b)
	a.pendingMu.Unlock()

	gpustage.Logger().Debug("buffer: registered",
		"handle", b.handle, "label", b.desc.Label, "pool", meta.Pool, "size", meta.Size)
}

// CreateBuffer creates and registers a buffer.
func (a *Allocator) CreateBuffer(desc Descriptor) *Buffer {
	b := NewBuffer(desc)
	a.Register(b)
	return b
}

// Commit replaces the whole content of h. len(data) must equal the buffer
// size. Immutable and SingleFrame buffers accept commits until their
// upload.
func (a *Allocator) Commit(h Handle, data []byte) {
	a.tracker.commit(h, data)
}

// CommitRange writes data at baseOffset into a Mutable buffer. The range
// reaches every per-frame copy over the next FramesInFlight flushes.
func (a *Allocator) CommitRange(h Handle, data []byte, baseOffset uint64) {
	a.tracker.commitRange(h, data, baseOffset)
}

// GetData returns h's staging bytes. The slice is not a copy: it is valid
// until h is deallocated (or, for Immutable buffers, until its staging is
// released) and must not be written to.
func (a *Allocator) GetData(h Handle) []byte {
	return a.tracker.data(h)
}

// GetDataAndSize returns h's staging bytes and size.
func (a *Allocator) GetDataAndSize(h Handle) ([]byte, uint64) {
	data := a.tracker.data(h)
	return data, uint64(len(data))
}

// Metadata returns where h's staging lives.
func (a *Allocator) Metadata(h Handle) CommitMetadata {
	return a.tracker.metadata(h)
}

// Deallocate unregisters h and queues its native object for destruction
// once the GPU can no longer read it.
func (a *Allocator) Deallocate(h Handle) {
	b := a.tracker.remove(h)
	b.expired.Store(true)
	frame := a.frame.Load()
	a.deletes.Push(frame, b)

	gpustage.Logger().Debug("buffer: deallocated", "handle", h, "frame", frame)
}

// BeginFrame sets the current frame. Frame numbers must not decrease.
func (a *Allocator) BeginFrame(frame uint64) {
	if a.started.Load() && frame < a.frame.Load() {
		gpustage.Violation(gpustage.ErrLifetimeMisuse,
			"frame went backwards from %d to %d", a.frame.Load(), frame)
	}
	a.frame.Store(frame)
	a.started.Store(true)
}

// BufferData creates the native objects of newly registered buffers and
// uploads every pending range for the current frame's slot.
func (a *Allocator) BufferData() error {
	frame := a.frame.Load()
	if err := a.createPending(); err != nil {
		return err
	}

	st, err := a.tracker.flush(frame, a.backend)
	a.statsMu.Lock()
	a.flushes++
	a.lastFlush = st
	a.statsMu.Unlock()
	if err != nil {
		return errors.Wrapf(err, "buffer data for frame %d", frame)
	}
	if err := a.backend.Submit(frame); err != nil {
		return errors.Wrapf(err, "submit frame %d", frame)
	}

	log := gpustage.Logger()
	if limit := a.ctx.Config().UploadWarnBytes; st.Bytes() > limit {
		a.warn.Do(func() {
			log.Warn("buffer: large upload", "frame", frame, "bytes", st.Bytes(), "limit", limit)
		})
	}
	log.Debug("buffer: flushed", "frame", frame, "buffers", st.Buffers, "writes", st.Writes,
		"mapped", st.MappedBytes, "copied", st.CopiedBytes, "deferred", st.Deferred)
	return nil
}

// createPending creates the native objects queued by Register. On failure
// the failed buffer and the ones after it stay queued.
func (a *Allocator) createPending() error {
	a.pendingMu.Lock()
	batch := a.pending
	a.pending = nil
	a.pendingMu.Unlock()

	for i, b := range batch {
		if b.expired.Load() {
			continue
		}
		if err := a.backend.Create(b); err != nil {
			a.pendingMu.Lock()
			a.pending = append(batch[i:], a.pending...)
			a.pendingMu.Unlock()
			return errors.Wrapf(err, "create %v", b)
		}
		b.created.Store(true)
	}
	return nil
}

// EndFrame expires the frame's SingleFrame buffers, releases the staging
// of uploaded Immutable buffers and destroys everything whose
// frame-latency window has passed.
func (a *Allocator) EndFrame() {
	frame := a.frame.Load()
	expired := a.tracker.endFrame()
	for _, b := range expired {
		b.expired.Store(true)
		a.deletes.Push(frame, b)
	}
	destroyed := a.ClearDeferredDeletions(frame)

	gpustage.Logger().Debug("buffer: frame ended",
		"frame", frame, "singleFrame", len(expired), "destroyed", destroyed, "pendingDeletes", a.deletes.Len())
}

// ClearDeferredDeletions destroys every queued object deallocated at least
// FramesInFlight frames before frame. It returns the number destroyed.
func (a *Allocator) ClearDeferredDeletions(frame uint64) int {
	return deferred.ClearDeferredDeletions(a.deletes, frame)
}

// ReadBack calls fn with the GPU content of b as written frameLatency
// frames ago. The slice is only valid inside fn.
func (a *Allocator) ReadBack(b *Buffer, frameLatency int, fn func(data []byte)) error {
	if !b.desc.CPURead {
		return errors.Wrapf(ErrReadbackDisabled, "%v", b)
	}
	if frameLatency < 0 || frameLatency >= a.ctx.FramesInFlight() {
		return errors.Wrapf(ErrInvalidLatency, "latency %d with %d frames in flight", frameLatency, a.ctx.FramesInFlight())
	}
	rb, ok := a.backend.(Readback)
	if !ok {
		return errors.Wrapf(ErrReadbackUnsupported, "%T", a.backend)
	}
	if !b.Created() {
		gpustage.Logger().Warn("buffer: readback of a buffer never uploaded", "buffer", b.String())
		fn(make([]byte, b.desc.Size))
		return nil
	}

	data, err := rb.MapCPUReadback(b, frameLatency)
	if err != nil {
		return errors.Wrapf(err, "map %v for readback", b)
	}
	defer rb.UnmapCPUReadback(b)
	fn(data)
	return nil
}

// DirtyHandles returns the handles that still have pending uploads.
func (a *Allocator) DirtyHandles() []Handle {
	return a.tracker.dirtyHandles()
}

// PendingCommits returns the partial commit records of h.
func (a *Allocator) PendingCommits(h Handle) []PartialCommit {
	return a.tracker.pendingCommits(h)
}

// Len returns the number of registered buffers.
func (a *Allocator) Len() int {
	return a.tracker.len()
}

// Stats describes the allocator state.
type Stats struct {
	Frame          uint64
	Buffers        int
	Dirty          int
	PendingCreates int
	PendingDeletes int
	Flushes        uint64
	LastFlush      FlushStats
	Arena          ArenaStats
}

// String returns a multi-line summary.
func (s Stats) String() string {
	return fmt.Sprintf("Allocator[frame=%d, buffers=%d, dirty=%d, pendingCreates=%d, pendingDeletes=%d, flushes=%d, lastFlush=%d writes/%s]\n%s",
		s.Frame, s.Buffers, s.Dirty, s.PendingCreates, s.PendingDeletes, s.Flushes,
		s.LastFlush.Writes, formatBytes(s.LastFlush.Bytes()), s.Arena)
}

// Stats returns a snapshot of the allocator state.
func (a *Allocator) Stats() Stats {
	a.pendingMu.Lock()
	pendingCreates := len(a.pending)
	a.pendingMu.Unlock()
	a.statsMu.Lock()
	flushes, last := a.flushes, a.lastFlush
	a.statsMu.Unlock()

	return Stats{
		Frame:          a.frame.Load(),
		Buffers:        a.tracker.len(),
		Dirty:          len(a.tracker.dirtyHandles()),
		PendingCreates: pendingCreates,
		PendingDeletes: a.deletes.Len(),
		Flushes:        flushes,
		LastFlush:      last,
		Arena:          a.arena.Stats(),
	}
}

// Close destroys every native object the allocator owns. The GPU must be
// idle. A delete queue shared through WithDeleteQueue is left to its owner.
func (a *Allocator) Close() {
	if !a.closed.CompareAndSwap(false, true) {
		return
	}
	if !a.shared {
		a.deletes.DrainAll(deferred.Destroyer.Destroy)
	}
	owners := a.tracker.owners()
	for _, b := range owners {
		b.expired.Store(true)
		b.Destroy()
	}
	a.tracker.reset()

	a.pendingMu.Lock()
	a.pending = nil
	a.pendingMu.Unlock()

	gpustage.Logger().Info("buffer: allocator closed", "destroyed", len(owners))
}
