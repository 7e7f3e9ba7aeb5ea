// Package deferred postpones work until the GPU can no longer reference the
// objects it touches.
//
// Entries are stamped with the frame in which they were queued and released
// once FramesInFlight frames have started since. Stamps are non-decreasing,
// so releasing is a simple pop from the front.
package deferred

import (
	"sync"

	"github.com/gogpu/gpustage"
)

// Destroyer is an object whose native resources are released by Destroy.
type Destroyer interface {
	Destroy()
}

// DestroyFunc adapts a plain function to Destroyer.
type DestroyFunc func()

// Destroy calls f.
func (f DestroyFunc) Destroy() { f() }

type entry[T any] struct {
	frame uint64
	value T
}

// Queue is a FIFO of values waiting for their frame-latency window to pass.
// Queue is safe for concurrent use; callbacks run without the lock held, so
// they may push new entries.
type Queue[T any] struct {
	ctx *gpustage.Context

	mu      sync.Mutex
	entries []entry[T]
	head    int
	newest  uint64
}

// New creates an empty queue using ctx's frames-in-flight latency.
func New[T any](ctx *gpustage.Context) *Queue[T] {
	return &Queue[T]{ctx: ctx}
}

// Push queues v, stamped with frame.
//
// A stamp older than the newest one already queued is raised to it. This
// only ever delays release, and keeps the queue ordered when a producer
// read the frame counter just before it advanced.
func (q *Queue[T]) Push(frame uint64, v T) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if frame < q.newest {
		frame = q.newest
	}
	q.newest = frame
	q.entries = append(q.entries, entry[T]{frame: frame, value: v})
}

// Drain pops every entry whose window has elapsed at frame current, i.e.
// entry.frame + FramesInFlight <= current, and calls fn on each in queue
// order. It returns the number of entries released.
func (q *Queue[T]) Drain(current uint64, fn func(T)) int {
	q.mu.Lock()
	start := q.head
	for q.head < len(q.entries) && q.ctx.Retired(q.entries[q.head].frame, current) {
		q.head++
	}
	ready := make([]T, 0, q.head-start)
	for i := start; i < q.head; i++ {
		ready = append(ready, q.entries[i].value)
	}
	q.compactLocked()
	q.mu.Unlock()

	for _, v := range ready {
		fn(v)
	}
	if len(ready) > 0 {
		gpustage.Logger().Debug("deferred: released entries",
			"count", len(ready), "frame", current)
	}
	return len(ready)
}

// DrainAll pops every entry regardless of its stamp. Use it at shutdown,
// after the GPU has gone idle.
func (q *Queue[T]) DrainAll(fn func(T)) int {
	q.mu.Lock()
	ready := make([]T, 0, len(q.entries)-q.head)
	for i := q.head; i < len(q.entries); i++ {
		ready = append(ready, q.entries[i].value)
	}
	q.head = len(q.entries)
	q.compactLocked()
	q.mu.Unlock()

	for _, v := range ready {
		fn(v)
	}
	return len(ready)
}

// Len returns the number of queued entries.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries) - q.head
}

// Oldest returns the stamp of the front entry.
func (q *Queue[T]) Oldest() (uint64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.head == len(q.entries) {
		return 0, false
	}
	return q.entries[q.head].frame, true
}

// compactLocked reclaims the popped prefix. Caller must hold mu.
func (q *Queue[T]) compactLocked() {
	if q.head == len(q.entries) {
		clear(q.entries)
		q.entries = q.entries[:0]
		q.head = 0
		return
	}
	if q.head > len(q.entries)/2 {
		n := copy(q.entries, q.entries[q.head:])
		clear(q.entries[n:])
		q.entries = q.entries[:n]
		q.head = 0
	}
}

// ClearDeferredDeletions destroys every object in q whose window has elapsed
// at frame current and returns how many were destroyed.
func ClearDeferredDeletions(q *Queue[Destroyer], current uint64) int {
	return q.Drain(current, Destroyer.Destroy)
}
