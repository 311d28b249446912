package gpu

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/shadernn/backend"
	"github.com/gogpu/shadernn/fence"
	"github.com/gogpu/shadernn/internal/logging"
	"github.com/gogpu/shadernn/internal/progcache"
)

// ErrNoAdapter is returned by Open when the hal backend exposes no adapter.
var ErrNoAdapter = errors.New("gpu: no adapter found")

func slogger() *slog.Logger { return logging.Logger() }

type settings struct {
	api      gputypes.Backend
	device   hal.Device
	queue    hal.Queue
	capacity int
}

// Option configures Open.
type Option func(*settings)

// WithAPI selects the hal backend Open initializes.
func WithAPI(api gputypes.Backend) Option {
	return func(s *settings) { s.api = api }
}

// WithDevice runs on an existing device and queue. The backend never
// destroys them.
func WithDevice(device hal.Device, queue hal.Queue) Option {
	return func(s *settings) {
		s.device = device
		s.queue = queue
	}
}

// WithProgramCache sets the per-shard capacity of the program cache.
func WithProgramCache(capacity int) Option {
	return func(s *settings) { s.capacity = capacity }
}

// Backend owns a device, its queue and the program cache.
type Backend struct {
	cfg    backend.Config
	fences *fence.Manager

	instance hal.Instance
	device   hal.Device
	queue    hal.Queue
	external bool
	adapter  string

	programs *progcache.Cache[*program]

	// submitMu serializes queue submissions of concurrent executables.
	submitMu sync.Mutex
	closed   atomic.Bool
}

// Open initializes a device and returns a backend on it.
func Open(cfg backend.Config, opts ...Option) (*Backend, error) {
	s := settings{api: gputypes.BackendVulkan, capacity: progcache.DefaultCapacity}
	for _, o := range opts {
		o(&s)
	}
	b := &Backend{cfg: cfg, fences: cfg.FenceManager()}

	if s.device != nil {
		if s.queue == nil {
			return nil, fmt.Errorf("gpu: WithDevice needs a queue")
		}
		b.device, b.queue, b.external = s.device, s.queue, true
		b.adapter = "external"
	} else if err := b.openDevice(s.api); err != nil {
		return nil, err
	}
	b.programs = progcache.New(s.capacity, b.destroyProgram)
	slogger().Info("gpu: backend ready", "adapter", b.adapter, "policy", cfg.Policy)
	return b, nil
}

func (b *Backend) openDevice(api gputypes.Backend) error {
	hb, ok := hal.GetBackend(api)
	if !ok {
		return fmt.Errorf("%w: hal backend %v not registered", backend.ErrBackendNotAvailable, api)
	}
	instance, err := hb.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return fmt.Errorf("gpu: create instance: %w", err)
	}
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return ErrNoAdapter
	}
	selected := &adapters[0]
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}
	open, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return fmt.Errorf("gpu: open device: %w", err)
	}
	b.instance = instance
	b.device = open.Device
	b.queue = open.Queue
	b.adapter = selected.Info.Name
	return nil
}

// Factory is the backend.Factory of the GPU backend. It fails when no
// device can be opened.
func Factory(cfg backend.Config) (backend.Backend, error) {
	return Open(cfg)
}

// Register adds the GPU backend to r.
func Register(r *backend.Registry) {
	r.Register(backend.BackendGPU, Factory)
}

// Name returns the backend identifier.
func (b *Backend) Name() string { return backend.BackendGPU }

// Adapter returns the name of the adapter in use.
func (b *Backend) Adapter() string { return b.adapter }

// Fences returns the manager issuing run tickets.
func (b *Backend) Fences() *fence.Manager { return b.fences }

// ProgramStats returns the program cache counters.
func (b *Backend) ProgramStats() progcache.Stats { return b.programs.Stats() }

// Close releases cached programs and, unless external, the device.
// Executables must be closed first.
func (b *Backend) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.programs.Clear()
	if b.external {
		return
	}
	b.device.Destroy()
	if b.instance != nil {
		b.instance.Destroy()
	}
}
