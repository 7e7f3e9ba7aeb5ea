// Command stagedemo drives gpustage through a simulated render loop on the
// noop HAL device: loader goroutines stream mesh data into staged buffers
// and bindless handles while the main goroutine flushes frames.
package main

import (
	"encoding/binary"
	"flag"
	"log"
	"log/slog"
	"math"
	"os"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal/noop"
	"golang.org/x/sync/errgroup"

	"github.com/gogpu/gpustage"
	"github.com/gogpu/gpustage/backend/native"
	"github.com/gogpu/gpustage/bindless"
	"github.com/gogpu/gpustage/buffer"
)

// mesh is a bindless resource pointing at a vertex buffer.
type mesh struct {
	vertices *buffer.Buffer
	count    uint32
}

func (m *mesh) WriteDescriptor(dst []byte) {
	binary.LittleEndian.PutUint64(dst[0:], uint64(m.vertices.Handle()))
	binary.LittleEndian.PutUint32(dst[8:], m.count)
}

func main() {
	var (
		frames   = flag.Int("frames", 12, "number of frames to run")
		loaders  = flag.Int("loaders", 4, "concurrent loader goroutines")
		meshes   = flag.Int("meshes", 160, "meshes created per loader")
		inFlight = flag.Int("inflight", gpustage.DefaultFramesInFlight, "frames in flight")
		verbose  = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	gpustage.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	instance, err := noop.API{}.CreateInstance(nil)
	if err != nil {
		log.Fatalf("Failed to create instance: %v", err)
	}
	defer instance.Destroy()
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		log.Fatal("No adapters")
	}
	dev, err := adapters[0].Adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		log.Fatalf("Failed to open device: %v", err)
	}
	defer dev.Device.Destroy()

	ctx := gpustage.NewContext(gpustage.Config{FramesInFlight: *inFlight})
	backend := native.NewBackend(ctx, dev.Device, dev.Queue)
	alloc := buffer.NewAllocator(ctx, buffer.WithBackend(backend))
	table := native.NewDescriptorTable(backend, bindless.DefaultStride)
	registry := bindless.NewRegistry(ctx, bindless.WithDescriptorTable(table))

	// Per-frame constants, rewritten every frame.
	uniforms := alloc.CreateBuffer(buffer.Descriptor{
		Label: "frame-uniforms",
		Size:  64,
		Pool:  buffer.PoolMutable,
		Usage: gputypes.BufferUsageUniform,
	})

	var live []*mesh
	var handles []bindless.Handle
	for frame := uint64(1); frame <= uint64(*frames); frame++ {
		alloc.BeginFrame(frame)

		// Stream a batch of meshes on the first frames only.
		if frame <= 2 {
			batch, hs, err := load(alloc, registry, *loaders, *meshes)
			if err != nil {
				log.Fatalf("Load failed: %v", err)
			}
			live = append(live, batch...)
			handles = append(handles, hs...)
		}

		// Retire half of the meshes midway through.
		if frame == uint64(*frames)/2 {
			for i := 0; i < len(handles)/2; i++ {
				alloc.Deallocate(live[i].vertices.Handle())
				registry.UnregisterResource(&handles[i], frame)
			}
			live, handles = live[len(live)/2:], handles[len(handles)/2:]
		}

		buffer.CommitValue(alloc, uniforms.Handle(), frameUniforms{
			ViewProj: [12]float32{0: 1, 5: 1, 10: 1},
			Frame:    uint32(frame), //nolint:gosec // demo frame count fits
			Time:     float32(frame) / 60,
			Scale:    float32(math.Sin(float64(frame) / 4)),
		})

		// Scratch data lives for this frame only.
		scratch := alloc.CreateBuffer(buffer.Descriptor{
			Label: "scratch",
			Size:  256,
			Pool:  buffer.PoolSingleFrame,
			Usage: gputypes.BufferUsageStorage,
		})
		alloc.Commit(scratch.Handle(), make([]byte, 256))
		scratch.Release()

		if err := alloc.BufferData(); err != nil {
			log.Fatalf("BufferData failed: %v", err)
		}
		if err := registry.Update(frame); err != nil {
			log.Fatalf("Registry update failed: %v", err)
		}
		alloc.EndFrame()
	}

	log.Printf("%s\n", alloc.Stats())
	log.Printf("%s\n", registry.Stats())
	log.Printf("%s\n", backend.Stats())

	registry.Close()
	table.Close()
	alloc.Close()
	if err := backend.Close(); err != nil {
		log.Fatalf("Backend close failed: %v", err)
	}
}

// frameUniforms matches the 64-byte uniform block.
type frameUniforms struct {
	ViewProj [12]float32
	Frame    uint32
	Time     float32
	Scale    float32
	_        float32
}

// load builds meshes concurrently the way asset loaders would.
func load(alloc *buffer.Allocator, registry *bindless.Registry, loaders, perLoader int) ([]*mesh, []bindless.Handle, error) {
	out := make([][]*mesh, loaders)
	hs := make([][]bindless.Handle, loaders)

	var g errgroup.Group
	for i := range loaders {
		g.Go(func() error {
			for j := range perLoader {
				count := uint32(3 * (j%8 + 1)) //nolint:gosec // small
				data := make([]float32, count*3)
				for k := range data {
					data[k] = float32(i*perLoader+j) + float32(k)/10
				}
				vb := alloc.CreateBuffer(buffer.Descriptor{
					Label: "mesh",
					Size:  uint64(len(data) * 4),
					Pool:  buffer.PoolImmutable,
					Usage: gputypes.BufferUsageVertex,
				})
				payload := make([]byte, 0, len(data)*4)
				for _, f := range data {
					payload = binary.LittleEndian.AppendUint32(payload, math.Float32bits(f))
				}
				alloc.Commit(vb.Handle(), payload)

				m := &mesh{vertices: vb, count: count}
				out[i] = append(out[i], m)
				hs[i] = append(hs[i], registry.RegisterResource(m))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	var meshes []*mesh
	var handles []bindless.Handle
	for i := range out {
		meshes = append(meshes, out[i]...)
		handles = append(handles, hs[i]...)
	}
	return meshes, handles, nil
}
