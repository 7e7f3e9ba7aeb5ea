package buffer

import (
	"slices"
	"sync"
	"testing"

	"github.com/gogpu/gpustage"
)

// fakeBackend keeps every GPU copy as a byte slice so tests can compare
// them with staging.
type fakeBackend struct {
	ctx   *gpustage.Context
	frame func() uint64

	mu        sync.Mutex
	copies    map[Handle][][]byte
	destroyed map[Handle]uint64
	writes    map[Handle][]Write
	submits   []uint64
	createErr error
	mapped    int
}

func newFakeBackend(ctx *gpustage.Context) *fakeBackend {
	return &fakeBackend{
		ctx:       ctx,
		frame:     func() uint64 { return 0 },
		copies:    make(map[Handle][][]byte),
		destroyed: make(map[Handle]uint64),
		writes:    make(map[Handle][]Write),
	}
}

func newTestAllocator(t *testing.T, framesInFlight int) (*Allocator, *fakeBackend) {
	t.Helper()
	ctx := gpustage.NewContext(gpustage.Config{FramesInFlight: framesInFlight, ScratchChunkBytes: 256})
	fb := newFakeBackend(ctx)
	a := NewAllocator(ctx, WithBackend(fb))
	fb.frame = a.Frame
	t.Cleanup(a.Close)
	return a, fb
}

func (f *fakeBackend) Create(b *Buffer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	n := 1
	if b.Pool() == PoolMutable {
		n = f.ctx.FramesInFlight()
	}
	copies := make([][]byte, n)
	for i := range copies {
		copies[i] = make([]byte, b.Size())
	}
	f.copies[b.Handle()] = copies
	b.SetNative(copies)
	return nil
}

func (f *fakeBackend) Update(b *Buffer, w Write) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copies := f.copies[b.Handle()]
	slot := w.Slot
	if len(copies) == 1 {
		slot = 0
	}
	copy(copies[slot][w.Offset:], w.Data)
	w.Data = slices.Clone(w.Data)
	w.Staging = nil
	f.writes[b.Handle()] = append(f.writes[b.Handle()], w)
	return nil
}

func (f *fakeBackend) Submit(frame uint64) error {
	f.mu.Lock()
	f.submits = append(f.submits, frame)
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) Destroy(b *Buffer) {
	f.mu.Lock()
	f.destroyed[b.Handle()] = f.frame()
	f.mu.Unlock()
}

func (f *fakeBackend) MapCPUReadback(b *Buffer, frameLatency int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	copies := f.copies[b.Handle()]
	n := uint64(f.ctx.FramesInFlight())
	slot := 0
	if len(copies) > 1 {
		slot = f.ctx.FrameSlot(f.frame() + n - uint64(frameLatency))
	}
	f.mapped++
	return slices.Clone(copies[slot]), nil
}

func (f *fakeBackend) UnmapCPUReadback(*Buffer) {
	f.mu.Lock()
	f.mapped--
	f.mu.Unlock()
}

func (f *fakeBackend) slot(h Handle, i int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	copies := f.copies[h]
	if copies == nil {
		return nil
	}
	if len(copies) == 1 {
		i = 0
	}
	return slices.Clone(copies[i])
}

func (f *fakeBackend) writesFor(h Handle) []Write {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.writes[h])
}

func (f *fakeBackend) destroyedAt(h Handle) (uint64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	frame, ok := f.destroyed[h]
	return frame, ok
}

var (
	_ Backend  = (*fakeBackend)(nil)
	_ Readback = (*fakeBackend)(nil)
)

// requireViolation runs fn and fails unless it panics with a contract
// violation of the given kind.
func requireViolation(t *testing.T, kind error, fn func()) {
	t.Helper()
	defer func() {
		t.Helper()
		r := recover()
		if !gpustage.IsViolation(r, kind) {
			t.Fatalf("expected %v violation, recovered %v", kind, r)
		}
	}()
	fn()
}

func pattern(n int, seed byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = seed + byte(i)
	}
	return out
}
