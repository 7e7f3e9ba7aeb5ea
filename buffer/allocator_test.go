package buffer

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/gogpu/gpustage"
	"github.com/gogpu/gpustage/deferred"
)

func randomBytes(rng *rand.Rand, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(rng.UintN(256))
	}
	return out
}

// runFrame drives one render-thread frame.
func runFrame(t *testing.T, a *Allocator, frame uint64) {
	t.Helper()
	a.BeginFrame(frame)
	require.NoError(t, a.BufferData())
	a.EndFrame()
}

func TestAllocator_CommitAndGetData(t *testing.T) {
	a, _ := newTestAllocator(t, 3)
	b := a.CreateBuffer(Descriptor{Label: "uniforms", Size: 16, Pool: PoolMutable})

	assert.Equal(t, make([]byte, 16), b.Data(), "staging starts zeroed")

	a.Commit(b.Handle(), pattern(16, 1))
	data, size := a.GetDataAndSize(b.Handle())
	assert.Equal(t, pattern(16, 1), data)
	assert.Equal(t, uint64(16), size)

	b.CommitRange([]byte{0xAA, 0xBB}, 4)
	want := pattern(16, 1)
	want[4], want[5] = 0xAA, 0xBB
	assert.Equal(t, want, a.GetData(b.Handle()))

	meta := a.Metadata(b.Handle())
	assert.Equal(t, PoolMutable, meta.Pool)
	assert.Equal(t, uint64(16), meta.Size)
	assert.Equal(t, 1, a.Len())
}

// Three frames in flight, one 64-byte Mutable buffer written at frame 0.
func TestAllocator_FramesInFlightLifecycle(t *testing.T) {
	a, fb := newTestAllocator(t, 3)
	b := a.CreateBuffer(Descriptor{Label: "vertices", Size: 64, Pool: PoolMutable})
	h := b.Handle()
	data := pattern(64, 7)

	a.BeginFrame(0)
	b.Commit(data)
	require.NoError(t, a.BufferData())
	a.EndFrame()
	assert.Equal(t, data, fb.slot(h, 0))
	assert.Equal(t, make([]byte, 64), fb.slot(h, 1))

	runFrame(t, a, 1)
	runFrame(t, a, 2)
	for slot := range 3 {
		assert.Equal(t, data, fb.slot(h, slot), "slot %d", slot)
	}
	require.Len(t, fb.writesFor(h), 3)
	assert.Empty(t, a.DirtyHandles())

	// Frame 3 is clean: nothing is written.
	a.BeginFrame(3)
	require.NoError(t, a.BufferData())
	assert.Len(t, fb.writesFor(h), 3)

	a.Deallocate(h)
	assert.True(t, b.Expired())
	a.EndFrame()
	_, destroyed := fb.destroyedAt(h)
	assert.False(t, destroyed)

	runFrame(t, a, 4)
	runFrame(t, a, 5)
	_, destroyed = fb.destroyedAt(h)
	assert.False(t, destroyed, "still referenced by frames 3..5")

	runFrame(t, a, 6)
	at, destroyed := fb.destroyedAt(h)
	assert.True(t, destroyed)
	assert.Equal(t, uint64(6), at)
	assert.True(t, b.Destroyed())
}

func TestAllocator_PartialCommitsReachEverySlot(t *testing.T) {
	a, fb := newTestAllocator(t, 3)
	b := a.CreateBuffer(Descriptor{Size: 64, Pool: PoolMutable})
	h := b.Handle()

	a.BeginFrame(0)
	b.Commit(pattern(64, 0))
	require.NoError(t, a.BufferData())
	a.EndFrame()

	a.BeginFrame(1)
	b.CommitRange([]byte{1, 2, 3, 4}, 16)
	assert.Equal(t, []PartialCommit{
		{Base: 0, Size: 16, Remaining: 2},
		{Base: 16, Size: 4, Remaining: 3},
		{Base: 20, Size: 44, Remaining: 2},
	}, a.PendingCommits(h))
	require.NoError(t, a.BufferData())
	a.EndFrame()

	runFrame(t, a, 2)
	assert.Equal(t, []PartialCommit{{Base: 16, Size: 4, Remaining: 1}}, a.PendingCommits(h))

	runFrame(t, a, 3)
	assert.Empty(t, a.PendingCommits(h))
	for slot := range 3 {
		assert.Equal(t, b.Data(), fb.slot(h, slot), "slot %d", slot)
	}

	// Upload memory never takes the copy path.
	for _, w := range fb.writesFor(h) {
		assert.Equal(t, PathMapped, w.Path)
	}
}

func TestAllocator_DeviceMemoryUsesCopyPath(t *testing.T) {
	a, fb := newTestAllocator(t, 2)
	b := a.CreateBuffer(Descriptor{Size: 32, Pool: PoolMutable, Memory: MemoryDevice})
	b.CommitRange(pattern(8, 3), 8)
	runFrame(t, a, 0)

	writes := fb.writesFor(b.Handle())
	require.Len(t, writes, 1)
	assert.Equal(t, PathCopy, writes[0].Path)
	assert.Equal(t, uint64(8), writes[0].Offset)
	assert.Equal(t, pattern(8, 3), writes[0].Data)

	st := a.Stats()
	assert.Equal(t, uint64(8), st.LastFlush.CopiedBytes)
	assert.Equal(t, uint64(0), st.LastFlush.MappedBytes)
	assert.Equal(t, []uint64{0}, fb.submits)
}

// After every flush the slot the GPU reads this frame equals staging, and
// after FramesInFlight quiet frames every slot does.
func TestAllocator_SlotCopiesMatchStaging(t *testing.T) {
	const (
		size   = 96
		frames = 40
	)
	for _, n := range []int{1, 2, 3, 4} {
		for seed := range uint64(16) {
			t.Run(fmt.Sprintf("N=%d/seed=%d", n, seed), func(t *testing.T) {
				a, fb := newTestAllocator(t, n)
				rng := rand.New(rand.NewPCG(seed, uint64(n)))
				b := a.CreateBuffer(Descriptor{Size: size, Pool: PoolMutable, Memory: Memory(rng.IntN(2))})
				h := b.Handle()

				for frame := range uint64(frames) {
					a.BeginFrame(frame)
					for range rng.IntN(4) {
						if rng.IntN(6) == 0 {
							b.Commit(randomBytes(rng, size))
							continue
						}
						base := rng.Uint64N(size)
						length := 1 + rng.Uint64N(size-base)
						b.CommitRange(randomBytes(rng, int(length)), base)
					}
					require.NoError(t, a.BufferData())
					slot := a.Context().FrameSlot(frame)
					require.Equal(t, b.Data(), fb.slot(h, slot), "frame %d slot %d", frame, slot)
					a.EndFrame()
				}

				for frame := uint64(frames); frame < frames+uint64(n); frame++ {
					runFrame(t, a, frame)
				}
				for slot := range n {
					require.Equal(t, b.Data(), fb.slot(h, slot), "slot %d", slot)
				}
				assert.Empty(t, a.DirtyHandles())
			})
		}
	}
}

func TestAllocator_Violations(t *testing.T) {
	tests := []struct {
		name string
		kind error
		fn   func(a *Allocator)
	}{
		{
			name: "register twice",
			kind: gpustage.ErrDoubleRegistration,
			fn: func(a *Allocator) {
				b := a.CreateBuffer(Descriptor{Size: 4})
				a.Register(b)
			},
		},
		{
			name: "register with another allocator",
			kind: gpustage.ErrDoubleRegistration,
			fn: func(a *Allocator) {
				b := a.CreateBuffer(Descriptor{Size: 4})
				NewAllocator(a.Context()).Register(b)
			},
		},
		{
			name: "zero size",
			kind: gpustage.ErrInvalidPartialRange,
			fn:   func(a *Allocator) { a.CreateBuffer(Descriptor{}) },
		},
		{
			name: "commit unknown handle",
			kind: gpustage.ErrUnknownHandle,
			fn:   func(a *Allocator) { a.Commit(Handle(1<<62), []byte{1}) },
		},
		{
			name: "data of unknown handle",
			kind: gpustage.ErrUnknownHandle,
			fn:   func(a *Allocator) { a.GetData(Handle(1 << 62)) },
		},
		{
			name: "deallocate twice",
			kind: gpustage.ErrUnknownHandle,
			fn: func(a *Allocator) {
				b := a.CreateBuffer(Descriptor{Size: 4})
				a.Deallocate(b.Handle())
				a.Deallocate(b.Handle())
			},
		},
		{
			name: "unregistered buffer",
			kind: gpustage.ErrUnknownHandle,
			fn:   func(*Allocator) { NewBuffer(Descriptor{Size: 4}).Commit([]byte{1, 2, 3, 4}) },
		},
		{
			name: "full commit of wrong size",
			kind: gpustage.ErrInvalidPartialRange,
			fn: func(a *Allocator) {
				b := a.CreateBuffer(Descriptor{Size: 8})
				b.Commit([]byte{1, 2, 3})
			},
		},
		{
			name: "range past the end",
			kind: gpustage.ErrInvalidPartialRange,
			fn: func(a *Allocator) {
				b := a.CreateBuffer(Descriptor{Size: 8})
				b.CommitRange([]byte{1, 2, 3}, 6)
			},
		},
		{
			name: "range base overflow",
			kind: gpustage.ErrInvalidPartialRange,
			fn: func(a *Allocator) {
				b := a.CreateBuffer(Descriptor{Size: 8})
				b.CommitRange([]byte{1}, ^uint64(0))
			},
		},
		{
			name: "partial commit to Immutable",
			kind: gpustage.ErrInvalidPartialRange,
			fn: func(a *Allocator) {
				b := a.CreateBuffer(Descriptor{Size: 8, Pool: PoolImmutable})
				b.CommitRange([]byte{1}, 0)
			},
		},
		{
			name: "partial commit to SingleFrame",
			kind: gpustage.ErrInvalidPartialRange,
			fn: func(a *Allocator) {
				b := a.CreateBuffer(Descriptor{Size: 8, Pool: PoolSingleFrame})
				b.CommitRange([]byte{1}, 0)
			},
		},
		{
			name: "commit to Immutable after upload",
			kind: gpustage.ErrLifetimeMisuse,
			fn: func(a *Allocator) {
				b := a.CreateBuffer(Descriptor{Size: 4, Pool: PoolImmutable})
				b.Commit([]byte{1, 2, 3, 4})
				if err := a.BufferData(); err != nil {
					panic(err)
				}
				b.Commit([]byte{5, 6, 7, 8})
			},
		},
		{
			name: "read Immutable after release",
			kind: gpustage.ErrLifetimeMisuse,
			fn: func(a *Allocator) {
				b := a.CreateBuffer(Descriptor{Size: 4, Pool: PoolImmutable})
				b.Commit([]byte{1, 2, 3, 4})
				if err := a.BufferData(); err != nil {
					panic(err)
				}
				a.EndFrame()
				a.GetData(b.Handle())
			},
		},
		{
			name: "SingleFrame retained past its frame",
			kind: gpustage.ErrLifetimeMisuse,
			fn: func(a *Allocator) {
				b := a.CreateBuffer(Descriptor{Size: 4, Pool: PoolSingleFrame})
				b.Retain()
				a.EndFrame()
			},
		},
		{
			name: "use after deallocate",
			kind: gpustage.ErrLifetimeMisuse,
			fn: func(a *Allocator) {
				b := a.CreateBuffer(Descriptor{Size: 4})
				b.Deallocate()
				b.Commit([]byte{1, 2, 3, 4})
			},
		},
		{
			name: "release below zero",
			kind: gpustage.ErrLifetimeMisuse,
			fn: func(*Allocator) {
				b := NewBuffer(Descriptor{Size: 4})
				b.Release()
				b.Release()
			},
		},
		{
			name: "frame goes backwards",
			kind: gpustage.ErrLifetimeMisuse,
			fn: func(a *Allocator) {
				a.BeginFrame(5)
				a.BeginFrame(4)
			},
		},
		{
			name: "value without fixed size",
			kind: gpustage.ErrInvalidPartialRange,
			fn: func(a *Allocator) {
				b := a.CreateBuffer(Descriptor{Size: 8})
				CommitValue(a, b.Handle(), "not fixed")
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, _ := newTestAllocator(t, 3)
			requireViolation(t, tt.kind, func() { tt.fn(a) })
		})
	}
}

func TestAllocator_ImmutableLifecycle(t *testing.T) {
	a, fb := newTestAllocator(t, 3)

	a.BeginFrame(0)
	first := a.CreateBuffer(Descriptor{Label: "mesh", Size: 40, Pool: PoolImmutable})
	first.Commit(pattern(40, 1))
	first.Commit(pattern(40, 2)) // rewrites before the upload are fine
	require.NoError(t, a.BufferData())
	assert.Equal(t, pattern(40, 2), fb.slot(first.Handle(), 0))
	assert.Equal(t, pattern(40, 2), first.Data(), "staging is kept until the frame ends")

	// Registered after this frame's flush: its staging survives EndFrame.
	second := a.CreateBuffer(Descriptor{Label: "mesh2", Size: 40, Pool: PoolImmutable})
	second.Commit(pattern(40, 9))
	a.EndFrame()

	assert.Equal(t, pattern(40, 9), second.Data())
	st := a.Stats().Arena.Immutable
	assert.Equal(t, 1, st.LiveBuffers)
	assert.Equal(t, uint64(40), st.LiveBytes)

	runFrame(t, a, 1)
	assert.Equal(t, pattern(40, 9), fb.slot(second.Handle(), 0))
	assert.Equal(t, 0, a.Stats().Arena.Immutable.LiveBuffers)
	assert.Empty(t, a.DirtyHandles())

	// Released staging does not prevent deallocation.
	first.Deallocate()
	for frame := uint64(2); frame <= 4; frame++ {
		runFrame(t, a, frame)
	}
	at, ok := fb.destroyedAt(first.Handle())
	require.True(t, ok)
	assert.Equal(t, uint64(4), at)
}

func TestAllocator_SingleFrameLifecycle(t *testing.T) {
	a, fb := newTestAllocator(t, 2)

	a.BeginFrame(10)
	b := a.CreateBuffer(Descriptor{Label: "scratch", Size: 100, Pool: PoolSingleFrame})
	b.Commit(pattern(100, 4))
	require.NoError(t, a.BufferData())
	assert.Equal(t, pattern(100, 4), fb.slot(b.Handle(), 0))
	a.EndFrame()

	assert.True(t, b.Expired())
	assert.Equal(t, 0, a.Len())
	assert.Equal(t, 0, a.Stats().Arena.SingleFrame.LiveBuffers)
	_, destroyed := fb.destroyedAt(b.Handle())
	assert.False(t, destroyed, "the GPU may still read it")

	runFrame(t, a, 11)
	_, destroyed = fb.destroyedAt(b.Handle())
	assert.False(t, destroyed)
	runFrame(t, a, 12)
	at, destroyed := fb.destroyedAt(b.Handle())
	assert.True(t, destroyed)
	assert.Equal(t, uint64(12), at)
}

func TestAllocator_SingleFrameNeverCreated(t *testing.T) {
	a, fb := newTestAllocator(t, 1)
	b := a.CreateBuffer(Descriptor{Size: 8, Pool: PoolSingleFrame})
	a.EndFrame()
	runFrame(t, a, 1)

	assert.Nil(t, fb.slot(b.Handle(), 0), "expired before any flush")
	_, destroyed := fb.destroyedAt(b.Handle())
	assert.False(t, destroyed)
	assert.True(t, b.Destroyed())
}

func TestAllocator_DeallocateRelinksMovedBuffer(t *testing.T) {
	a, _ := newTestAllocator(t, 3)
	bufs := make([]*Buffer, 3)
	for i := range bufs {
		bufs[i] = a.CreateBuffer(Descriptor{Size: 16, Pool: PoolMutable})
		bufs[i].Commit(pattern(16, byte(i*20)))
	}
	require.Equal(t, uint64(2), a.Metadata(bufs[2].Handle()).Start)

	bufs[0].Deallocate()

	assert.Equal(t, uint64(0), a.Metadata(bufs[2].Handle()).Start)
	assert.Equal(t, pattern(16, 40), bufs[2].Data())
	assert.Equal(t, pattern(16, 20), bufs[1].Data())

	bufs[2].CommitRange([]byte{0xFF}, 0)
	assert.Equal(t, byte(0xFF), bufs[2].Data()[0])
	assert.Equal(t, byte(20), bufs[1].Data()[0])
}

func TestAllocator_CommitValue(t *testing.T) {
	type light struct {
		Position [3]float32
		Flags    uint32
	}
	a, _ := newTestAllocator(t, 3)
	b := a.CreateBuffer(Descriptor{Size: 16, Pool: PoolMutable})

	CommitValue(a, b.Handle(), light{Position: [3]float32{1, 0, 0}, Flags: 7})
	data := b.Data()
	assert.Equal(t, []byte{0x00, 0x00, 0x80, 0x3f}, data[0:4])
	assert.Equal(t, []byte{7, 0, 0, 0}, data[12:16])

	CommitValueAt(a, b.Handle(), uint32(0x01020304), 12)
	assert.Equal(t, []byte{4, 3, 2, 1}, b.Data()[12:16])

	requireViolation(t, gpustage.ErrInvalidPartialRange, func() {
		CommitValue(a, b.Handle(), uint64(1))
	})
}

func TestAllocator_ReadBack(t *testing.T) {
	a, _ := newTestAllocator(t, 3)
	b := a.CreateBuffer(Descriptor{Size: 8, Pool: PoolMutable, CPURead: true})

	var got []byte
	require.NoError(t, a.ReadBack(b, 0, func(data []byte) { got = data }))
	assert.Equal(t, make([]byte, 8), got, "never uploaded reads as zero")

	a.BeginFrame(0)
	b.Commit(pattern(8, 1))
	require.NoError(t, a.BufferData())
	a.EndFrame()

	a.BeginFrame(1)
	b.Commit(pattern(8, 50))
	require.NoError(t, a.BufferData())

	require.NoError(t, a.ReadBack(b, 0, func(data []byte) { got = data }))
	assert.Equal(t, pattern(8, 50), got)
	require.NoError(t, a.ReadBack(b, 1, func(data []byte) { got = data }))
	assert.Equal(t, pattern(8, 1), got)

	err := a.ReadBack(b, 3, func([]byte) {})
	assert.True(t, errors.Is(err, ErrInvalidLatency), "got %v", err)

	plain := a.CreateBuffer(Descriptor{Size: 8})
	err = a.ReadBack(plain, 0, func([]byte) {})
	assert.True(t, errors.Is(err, ErrReadbackDisabled), "got %v", err)
}

func TestAllocator_ReadBackUnsupported(t *testing.T) {
	a := NewAllocator(gpustage.NewContext(gpustage.Config{}))
	defer a.Close()
	b := a.CreateBuffer(Descriptor{Size: 8, CPURead: true})
	err := a.ReadBack(b, 0, func([]byte) {})
	assert.True(t, errors.Is(err, ErrReadbackUnsupported), "got %v", err)
}

func TestAllocator_CreateFailureKeepsBufferPending(t *testing.T) {
	a, fb := newTestAllocator(t, 2)
	b := a.CreateBuffer(Descriptor{Size: 8, Pool: PoolMutable})
	b.Commit(pattern(8, 3))

	fb.createErr = errors.New("out of device memory")
	err := a.BufferData()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of device memory")
	assert.False(t, b.Created())
	assert.Equal(t, 1, a.Stats().PendingCreates)

	fb.createErr = nil
	require.NoError(t, a.BufferData())
	assert.True(t, b.Created())
	assert.Equal(t, pattern(8, 3), fb.slot(b.Handle(), 0))
}

func TestAllocator_DeallocateBeforeCreation(t *testing.T) {
	a, fb := newTestAllocator(t, 2)
	b := a.CreateBuffer(Descriptor{Size: 8})
	b.Deallocate()
	require.NoError(t, a.BufferData())
	assert.False(t, b.Created())
	assert.Nil(t, fb.slot(b.Handle(), 0))
}

func TestAllocator_ImmutableFlushBeforeCommit(t *testing.T) {
	a, fb := newTestAllocator(t, 3)

	a.BeginFrame(0)
	b := a.CreateBuffer(Descriptor{Label: "late", Size: 16, Pool: PoolImmutable})

	// The render goroutine flushes before the loader has written anything.
	require.NoError(t, a.BufferData())
	assert.True(t, b.Created())
	assert.Empty(t, fb.writesFor(b.Handle()), "nothing committed, nothing uploaded")
	assert.Empty(t, a.DirtyHandles())
	a.EndFrame()

	// Staging survives the frame end and still accepts the first commit.
	assert.Equal(t, make([]byte, 16), b.Data())
	b.Commit(pattern(16, 3))
	assert.Equal(t, []Handle{b.Handle()}, a.DirtyHandles())

	runFrame(t, a, 1)
	assert.Equal(t, pattern(16, 3), fb.slot(b.Handle(), 0))
	require.Len(t, fb.writesFor(b.Handle()), 1)
	assert.Equal(t, 0, a.Stats().Arena.Immutable.LiveBuffers, "staging released after upload")
}

func TestAllocator_SharedDeleteQueue(t *testing.T) {
	ctx := gpustage.NewContext(gpustage.Config{FramesInFlight: 1})
	a := NewAllocator(ctx)
	other := NewAllocator(ctx, WithDeleteQueue(a.DeleteQueue()))

	destroyed := 0
	a.DeleteQueue().Push(0, deferred.DestroyFunc(func() { destroyed++ }))
	b := other.CreateBuffer(Descriptor{Size: 4})
	b.Deallocate()

	assert.Equal(t, 2, a.DeleteQueue().Len())
	assert.Equal(t, 2, a.ClearDeferredDeletions(1))
	assert.Equal(t, 1, destroyed)
	assert.True(t, b.Destroyed())
}

func TestAllocator_ConcurrentLoaders(t *testing.T) {
	const (
		loaders = 8
		perLoad = 25
		size    = 128
	)
	a, fb := newTestAllocator(t, 3)

	var (
		mu   sync.Mutex
		live []*Buffer
	)
	stop := make(chan struct{})
	renderDone := make(chan struct{})
	go func() {
		defer close(renderDone)
		for frame := uint64(0); ; frame++ {
			select {
			case <-stop:
				return
			default:
			}
			a.BeginFrame(frame)
			if err := a.BufferData(); err != nil {
				t.Error(err)
				return
			}
			a.EndFrame()
		}
	}()

	var g errgroup.Group
	for w := range loaders {
		g.Go(func() error {
			rng := rand.New(rand.NewPCG(uint64(w), 7))
			for i := range perLoad {
				b := a.CreateBuffer(Descriptor{Label: fmt.Sprintf("loader%d/%d", w, i), Size: size, Pool: PoolMutable})
				b.Commit(randomBytes(rng, size))
				for range 10 {
					base := rng.Uint64N(size)
					b.CommitRange(randomBytes(rng, int(1+rng.Uint64N(size-base))), base)
				}
				if i%5 == 0 {
					b.Deallocate()
					continue
				}
				mu.Lock()
				live = append(live, b)
				mu.Unlock()
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	close(stop)
	<-renderDone

	next := a.Frame() + 1
	for i := range uint64(3) {
		runFrame(t, a, next+i)
	}
	require.Len(t, live, loaders*perLoad*4/5)
	for _, b := range live {
		for slot := range 3 {
			require.Equal(t, b.Data(), fb.slot(b.Handle(), slot), "%v slot %d", b, slot)
		}
	}
	assert.Empty(t, a.DirtyHandles())
	assert.Equal(t, len(live), a.Len())
}

func TestAllocator_ConcurrentImmutableLoaders(t *testing.T) {
	const (
		loaders = 8
		perLoad = 40
	)
	a, fb := newTestAllocator(t, 3)

	type loaded struct {
		buf  *Buffer
		want []byte
	}
	var (
		mu   sync.Mutex
		done []loaded
	)
	stop := make(chan struct{})
	renderDone := make(chan struct{})
	go func() {
		defer close(renderDone)
		for frame := uint64(0); ; frame++ {
			select {
			case <-stop:
				return
			default:
			}
			a.BeginFrame(frame)
			if err := a.BufferData(); err != nil {
				t.Error(err)
				return
			}
			a.EndFrame()
		}
	}()

	var g errgroup.Group
	for w := range loaders {
		g.Go(func() error {
			rng := rand.New(rand.NewPCG(uint64(w), 11))
			for i := range perLoad {
				size := 4 * (1 + rng.IntN(16))
				b := a.CreateBuffer(Descriptor{Label: fmt.Sprintf("mesh%d/%d", w, i), Size: uint64(size), Pool: PoolImmutable})
				if i%2 == 0 {
					// Give the render goroutine a chance to flush in between.
					runtime.Gosched()
				}
				payload := randomBytes(rng, size)
				b.Commit(payload)

				mu.Lock()
				done = append(done, loaded{buf: b, want: payload})
				mu.Unlock()
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	close(stop)
	<-renderDone

	next := a.Frame() + 1
	for i := range uint64(2) {
		runFrame(t, a, next+i)
	}
	require.Len(t, done, loaders*perLoad)
	for _, l := range done {
		require.Equal(t, l.want, fb.slot(l.buf.Handle(), 0), "%v", l.buf)
		require.Len(t, fb.writesFor(l.buf.Handle()), 1, "%v uploaded once", l.buf)
	}
	assert.Empty(t, a.DirtyHandles())
	st := a.Stats().Arena.Immutable
	assert.Equal(t, 0, st.LiveBuffers)
	assert.Equal(t, uint64(0), st.LiveBytes)
}

func TestAllocator_StatsAndClose(t *testing.T) {
	ctx := gpustage.NewContext(gpustage.Config{FramesInFlight: 2})
	fb := newFakeBackend(ctx)
	a := NewAllocator(ctx, WithBackend(fb))
	fb.frame = a.Frame

	kept := a.CreateBuffer(Descriptor{Size: 32, Pool: PoolMutable})
	gone := a.CreateBuffer(Descriptor{Size: 32, Pool: PoolMutable})
	kept.Commit(pattern(32, 1))
	require.NoError(t, a.BufferData())
	gone.Deallocate()

	st := a.Stats()
	assert.Equal(t, 1, st.Buffers)
	assert.Equal(t, 1, st.Dirty)
	assert.Equal(t, 1, st.PendingDeletes)
	assert.Equal(t, uint64(1), st.Flushes)
	assert.Equal(t, 1, st.LastFlush.Writes)
	assert.Contains(t, st.String(), "buffers=1")

	a.Close()
	assert.True(t, kept.Destroyed())
	assert.True(t, gone.Destroyed())
	assert.Equal(t, 0, a.Len())
	_, ok := fb.destroyedAt(kept.Handle())
	assert.True(t, ok)

	a.Close() // second call is a no-op
}
