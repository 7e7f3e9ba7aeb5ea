// Package bindless hands out dense integer handles into a growable
// descriptor table.
//
// RegisterResource returns the smallest free handle immediately; the
// descriptor itself is written by the next Update on the render goroutine.
// UnregisterResource is deferred: the handle is cleared and becomes free
// again only once FramesInFlight frames have started, so a draw still in
// flight never reads a repurposed slot.
package bindless

import (
	"fmt"
	"math"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/gogpu/gpustage"
	"github.com/gogpu/gpustage/deferred"
)

// Handle indexes the descriptor table.
type Handle uint32

// InvalidHandle is never issued. UnregisterResource stores it into the
// caller's handle.
const InvalidHandle Handle = math.MaxUint32

// IsValid reports whether h is not the invalid sentinel.
func (h Handle) IsValid() bool { return h != InvalidHandle }

type entry struct {
	resource Resource
	gen      uint64
}

type registration struct {
	handle   Handle
	resource Resource
	gen      uint64
}

// Registry issues and recycles bindless handles.
//
// RegisterResource and UnregisterResource are safe for concurrent use.
// Update and Close belong to the render goroutine and are the only
// methods that touch the descriptor table.
type Registry struct {
	ctx   *gpustage.Context
	table DescriptorTable

	mu       sync.Mutex
	free     freeList
	capacity uint32
	live     map[Handle]entry
	pending  []registration
	unregs   *deferred.Queue[Handle]
	gen      uint64
	growths  int

	// uncleared holds retired handles whose Clear failed. They rejoin the
	// free list only once their slot has been cleared.
	uncleared []Handle

	// tableCapacity is owned by the render goroutine.
	tableCapacity uint32
}

// NewRegistry creates a registry with ctx's initial capacity.
func NewRegistry(ctx *gpustage.Context, opts ...Option) *Registry {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.table == nil {
		o.table = NewSliceTable(DefaultStride)
	}

	initial := ctx.Config().InitialResourceCount
	r := &Registry{
		ctx:      ctx,
		table:    o.table,
		free:     newFreeList(),
		capacity: initial,
		live:     make(map[Handle]entry),
		unregs:   deferred.New[Handle](ctx),
	}
	r.free.addRange(0, initial)
	return r
}

// Table returns the descriptor table.
func (r *Registry) Table() DescriptorTable { return r.table }

// RegisterResource assigns the smallest free handle to res, growing the
// handle pool when it is exhausted. The descriptor is written by the next
// Update.
func (r *Registry) RegisterResource(res Resource) Handle {
	if res == nil {
		gpustage.Violation(gpustage.ErrUnknownHandle, "register of a nil resource")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.free.pop()
	if !ok {
		r.growLocked()
		h, _ = r.free.pop()
	}
	r.gen++
	r.live[h] = entry{resource: res, gen: r.gen}
	r.pending = append(r.pending, registration{handle: h, resource: res, gen: r.gen})
	return h
}

func (r *Registry) growLocked() {
	grown := r.ctx.GrowTo(r.capacity)
	if grown <= r.capacity {
		panic(errors.AssertionFailedf("bindless: handle space exhausted at %d", r.capacity))
	}
	r.free.addRange(r.capacity, grown)
	gpustage.Logger().Info("bindless: handle pool grown", "from", r.capacity, "to", grown)
	r.capacity = grown
	r.growths++
}

// UnregisterResource schedules *h for release at frame and overwrites *h
// with InvalidHandle. The slot is cleared and reused once FramesInFlight
// frames have started after frame.
func (r *Registry) UnregisterResource(h *Handle, frame uint64) {
	if h == nil {
		gpustage.Violation(gpustage.ErrUnknownHandle, "unregister through a nil handle pointer")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.live) == 0 {
		gpustage.Violation(gpustage.ErrHandleUnderflow, "unregister of handle %d with no active resources", *h)
	}
	if !h.IsValid() {
		gpustage.Violation(gpustage.ErrUnknownHandle, "unregister of the invalid handle")
	}
	if _, ok := r.live[*h]; !ok {
		gpustage.Violation(gpustage.ErrUnknownHandle, "handle %d is not registered", *h)
	}
	delete(r.live, *h)
	r.unregs.Push(frame, *h)
	*h = InvalidHandle
}

// Update clears the slots whose unregistration window has passed, returns
// them to the free pool and then writes the descriptors of every pending
// registration. It grows the table first if the pool has grown. A slot
// whose Clear fails stays out of the free pool until a later Update
// clears it.
func (r *Registry) Update(frame uint64) error {
	r.mu.Lock()
	freed := r.uncleared
	r.uncleared = nil
	r.unregs.Drain(frame, func(h Handle) {
		freed = append(freed, h)
	})
	regs := r.pending[:0:0]
	for _, reg := range r.pending {
		if e, ok := r.live[reg.handle]; ok && e.gen == reg.gen {
			regs = append(regs, reg)
		}
	}
	r.pending = nil
	capacity := r.capacity
	r.mu.Unlock()

	if capacity > r.tableCapacity {
		if err := r.table.Resize(capacity); err != nil {
			r.requeue(regs, freed)
			return errors.Wrapf(err, "resize descriptor table to %d", capacity)
		}
		gpustage.Logger().Info("bindless: descriptor table resized", "from", r.tableCapacity, "to", capacity)
		r.tableCapacity = capacity
	}

	for i, h := range freed {
		if err := r.table.Clear(h); err != nil {
			r.release(freed[:i])
			r.requeue(regs, freed[i:])
			return errors.Wrapf(err, "clear descriptor %d", h)
		}
	}
	r.release(freed)
	for i, reg := range regs {
		if err := r.table.Write(reg.handle, reg.resource); err != nil {
			r.requeue(regs[i:], nil)
			return errors.Wrapf(err, "write descriptor %d", reg.handle)
		}
	}

	if len(freed) > 0 || len(regs) > 0 {
		gpustage.Logger().Debug("bindless: updated", "frame", frame, "freed", len(freed), "written", len(regs))
	}
	return nil
}

// release returns cleared slots to the free pool.
func (r *Registry) release(cleared []Handle) {
	if len(cleared) == 0 {
		return
	}
	r.mu.Lock()
	for _, h := range cleared {
		r.free.push(h)
	}
	r.mu.Unlock()
}

// requeue puts back the work a failed Update did not finish.
func (r *Registry) requeue(regs []registration, uncleared []Handle) {
	if len(regs) == 0 && len(uncleared) == 0 {
		return
	}
	r.mu.Lock()
	r.pending = append(regs, r.pending...)
	r.uncleared = append(uncleared, r.uncleared...)
	r.mu.Unlock()
}

// Resource returns the resource registered at h.
func (r *Registry) Resource(h Handle) (Resource, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.live[h]
	return e.resource, ok
}

// Capacity returns the size of the handle pool.
func (r *Registry) Capacity() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.capacity
}

// Active returns the number of registered resources, excluding those
// pending unregistration.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

// Stats describes the registry state.
type Stats struct {
	Capacity               uint32
	Active                 int
	Free                   int
	PendingRegistrations   int
	PendingUnregistrations int
	Growths                int
}

// String returns a one-line summary.
func (s Stats) String() string {
	return fmt.Sprintf("Registry[capacity=%d, active=%d, free=%d, pendingReg=%d, pendingUnreg=%d, growths=%d]",
		s.Capacity, s.Active, s.Free, s.PendingRegistrations, s.PendingUnregistrations, s.Growths)
}

// Stats returns a snapshot of the registry state.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Capacity:               r.capacity,
		Active:                 len(r.live),
		Free:                   r.free.len(),
		PendingRegistrations:   len(r.pending),
		PendingUnregistrations: r.unregs.Len() + len(r.uncleared),
		Growths:                r.growths,
	}
}

// Close forgets every registration. Pending unregistrations are released
// immediately; the GPU must be idle.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unregs.DrainAll(func(h Handle) { r.free.push(h) })
	for _, h := range r.uncleared {
		r.free.push(h)
	}
	r.uncleared = nil
	for h := range r.live {
		r.free.push(h)
	}
	clear(r.live)
	r.pending = nil
}
