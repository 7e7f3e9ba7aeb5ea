package buffer

import "github.com/gogpu/gpustage/deferred"

// Option configures an Allocator.
type Option func(*allocatorOptions)

type allocatorOptions struct {
	backend Backend
	deletes *deferred.Queue[deferred.Destroyer]
}

func defaultOptions() allocatorOptions {
	return allocatorOptions{backend: NopBackend{}}
}

// WithBackend sets the backend that owns the native buffers.
// The default is NopBackend.
func WithBackend(b Backend) Option {
	return func(o *allocatorOptions) {
		if b != nil {
			o.backend = b
		}
	}
}

// WithDeleteQueue shares a deferred delete queue with other systems, so one
// ClearDeferredDeletions call per frame retires everything. By default the
// allocator owns a private queue.
func WithDeleteQueue(q *deferred.Queue[deferred.Destroyer]) Option {
	return func(o *allocatorOptions) {
		o.deletes = q
	}
}
