package shadernn

import (
	"time"

	"github.com/gogpu/shadernn/backend"
	"github.com/gogpu/shadernn/ir"
	"github.com/gogpu/shadernn/op"
)

// Option configures a Runtime during creation.
//
// Example:
//
//	// Best available backend, full precision compute passes
//	rt, err := shadernn.New()
//
//	// Host reference backend, half precision draw passes
//	rt, err := shadernn.New(
//	    shadernn.WithBackend("software"),
//	    shadernn.WithPrecision(ir.PrecisionHalf),
//	    shadernn.WithStage(ir.StageDraw),
//	)
type Option func(*options)

// options holds the Runtime configuration.
type options struct {
	backend     string
	backends    *backend.Registry
	operators   *op.Registry
	gen         ir.GenOptions
	policy      backend.ErrorPolicy
	validate    bool
	summary     bool
	waitTimeout time.Duration
	workers     int
}

// defaultOptions returns the default runtime options.
func defaultOptions() options {
	return options{
		gen: ir.GenOptions{
			Precision: ir.PrecisionFull,
			Packing:   ir.PackSingle,
			Weights:   ir.WeightConstants,
			Stage:     ir.StageCompute,
		},
		summary: true,
	}
}

// WithBackend selects a backend by name ("gpu" or "software"). The default
// picks the first backend that starts, preferring the GPU.
func WithBackend(name string) Option {
	return func(o *options) {
		o.backend = name
	}
}

// WithBackendRegistry replaces the registry backends are created from.
// Use it to plug in a custom backend or a GPU backend on an existing
// device.
//
// Example:
//
//	r := backend.NewRegistry()
//	r.Register(backend.BackendGPU, func(cfg backend.Config) (backend.Backend, error) {
//	    return gpu.Open(cfg, gpu.WithDevice(device, queue))
//	})
//	rt, err := shadernn.New(shadernn.WithBackendRegistry(r))
func WithBackendRegistry(r *backend.Registry) Option {
	return func(o *options) {
		o.backends = r
	}
}

// WithOperatorRegistry replaces the registry model layers are built from.
func WithOperatorRegistry(r *op.Registry) Option {
	return func(o *options) {
		o.operators = r
	}
}

// WithPrecision sets the arithmetic precision of generated programs.
func WithPrecision(p ir.Precision) Option {
	return func(o *options) {
		o.gen.Precision = p
	}
}

// WithPacking sets how many channel planes a draw pass writes at once.
func WithPacking(m ir.PackingMode) Option {
	return func(o *options) {
		o.gen.Packing = m
	}
}

// WithWeightMethod sets how weights are bound to programs.
func WithWeightMethod(w ir.WeightMethod) Option {
	return func(o *options) {
		o.gen.Weights = w
	}
}

// WithStage selects compute or draw passes.
func WithStage(s ir.Stage) Option {
	return func(o *options) {
		o.gen.Stage = s
	}
}

// WithDebug binds the invocation counter to every pass.
func WithDebug(on bool) Option {
	return func(o *options) {
		o.gen.Debug = on
	}
}

// WithErrorPolicy decides whether binding and link errors abort
// compilation or skip the affected layer.
func WithErrorPolicy(p backend.ErrorPolicy) Option {
	return func(o *options) {
		o.policy = p
	}
}

// WithValidation compiles every generated program with naga before it
// reaches a backend.
func WithValidation(on bool) Option {
	return func(o *options) {
		o.validate = on
	}
}

// WithSummary controls whether the layer table is logged after
// compilation. Enabled by default.
func WithSummary(on bool) Option {
	return func(o *options) {
		o.summary = on
	}
}

// WithWorkers lets the software backend run independent layers on n
// goroutines. Zero or one (the default) keeps compiled order; a negative n
// uses GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(o *options) {
		o.workers = n
	}
}

// WithWaitTimeout bounds fence waits. Zero waits until the context ends.
func WithWaitTimeout(d time.Duration) Option {
	return func(o *options) {
		o.waitTimeout = d
	}
}
