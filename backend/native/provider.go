package native

import (
	"github.com/cockroachdb/errors"
	"github.com/gogpu/gpucontext"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpustage"
)

// halProvider is implemented by hosts that expose their HAL objects, such
// as gogpu applications.
type halProvider interface {
	HalDevice() any
	HalQueue() any
}

// NewFromProvider creates a backend on the device shared by a host
// application. The provider must also implement HalDevice() any and
// HalQueue() any returning hal.Device and hal.Queue.
func NewFromProvider(ctx *gpustage.Context, provider gpucontext.DeviceProvider) (*Backend, error) {
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, ErrNoHALProvider
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, errors.Wrap(ErrNoHALProvider, "HalDevice is not a hal.Device")
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, errors.Wrap(ErrNoHALProvider, "HalQueue is not a hal.Queue")
	}
	return NewBackend(ctx, device, queue), nil
}
