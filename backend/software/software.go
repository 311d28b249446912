// Package software implements the reference backend: every layer runs its
// host kernel on the CPU, in compiled order. With Config.Workers above one,
// layers that do not depend on each other run concurrently instead.
// Results match the generated shaders up to floating point rounding.
package software

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/gogpu/shadernn/backend"
	"github.com/gogpu/shadernn/fence"
	"github.com/gogpu/shadernn/internal/logging"
	"github.com/gogpu/shadernn/internal/parallel"
	"github.com/gogpu/shadernn/ir"
	"github.com/gogpu/shadernn/tensor"
)

func slogger() *slog.Logger { return logging.Logger() }

// Backend is the CPU backend.
type Backend struct {
	cfg    backend.Config
	fences *fence.Manager
	pool   *parallel.Pool
	closed atomic.Bool
}

// New creates a software backend.
func New(cfg backend.Config) *Backend {
	b := &Backend{cfg: cfg, fences: cfg.FenceManager()}
	if cfg.Workers > 1 || cfg.Workers < 0 {
		b.pool = parallel.NewPool(cfg.Workers)
	}
	return b
}

// Factory is the backend.Factory of the software backend. It never fails.
func Factory(cfg backend.Config) (backend.Backend, error) {
	return New(cfg), nil
}

// Register adds the software backend to r.
func Register(r *backend.Registry) {
	r.Register(backend.BackendSoftware, Factory)
}

// Name returns the backend identifier.
func (b *Backend) Name() string { return backend.BackendSoftware }

// Fences returns the manager issuing run tickets.
func (b *Backend) Fences() *fence.Manager { return b.fences }

// Close marks the backend closed and stops its workers. Executables
// already compiled keep working, one layer at a time, until they are
// closed themselves.
func (b *Backend) Close() {
	if b.closed.CompareAndSwap(false, true) && b.pool != nil {
		b.pool.Close()
	}
}

// Compile checks every pass binding of g. A layer with a broken pass is
// skipped at run time under PolicyDegrade.
func (b *Backend) Compile(g *ir.InferenceGraph) (backend.Executable, error) {
	if b.closed.Load() {
		return nil, backend.ErrClosed
	}
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", backend.ErrBinding, err)
	}
	e := &Executable{
		b:       b,
		g:       g,
		skipped: make([]bool, len(g.Layers)),
		outputs: g.Outputs(),
	}
	if b.pool != nil {
		e.waves = waves(g)
	} else {
		e.waves = make([][]int, len(g.Layers))
		for i := range e.waves {
			e.waves[i] = []int{i}
		}
	}
	for i := range g.Layers {
		if err := checkLayer(&g.Layers[i]); err != nil {
			if err := b.cfg.Policy.Handle(&e.issues, err); err != nil {
				return nil, err
			}
			e.skipped[i] = true
		}
	}
	slogger().Debug("software: compiled",
		"layers", len(g.Layers), "waves", len(e.waves), "outputs", len(e.outputs), "issues", len(e.issues))
	return e, nil
}

func checkLayer(l *ir.Layer) error {
	if l.Kernel == nil {
		return fmt.Errorf("%w: layer %q has no kernel", backend.ErrLink, l.Name)
	}
	for j := range l.Passes {
		if err := backend.CheckPass(l, &l.Passes[j]); err != nil {
			return err
		}
	}
	return nil
}

// Executable runs a compiled graph on the CPU. Runs may proceed
// concurrently; each keeps its own intermediate tensors.
type Executable struct {
	b       *Backend
	g       *ir.InferenceGraph
	skipped []bool
	outputs []int
	waves   [][]int // nil runs layers in compiled order
	issues  []error
	closed  atomic.Bool
}

// waves groups layer indices by dependency depth. Every layer of a wave
// reads only external inputs or layers of earlier waves.
func waves(g *ir.InferenceGraph) [][]int {
	depth := make([]int, len(g.Layers))
	var out [][]int
	for i := range g.Layers {
		d := 0
		for _, r := range g.Layers[i].Refs {
			if r.Kind != ir.RefExternal && r.Index < i {
				d = max(d, depth[r.Index]+1)
			}
		}
		depth[i] = d
		for len(out) <= d {
			out = append(out, nil)
		}
		out[d] = append(out[d], i)
	}
	return out
}

// Issues returns the errors recorded by Compile under PolicyDegrade.
func (e *Executable) Issues() []error { return e.issues }

// Close releases the executable.
func (e *Executable) Close() { e.closed.Store(true) }

// Run executes the layers wave by wave; without workers every wave holds
// one layer. A skipped layer produces a zero tensor of its output shape.
func (e *Executable) Run(ctx context.Context, p backend.RunParameters) (*backend.Result, error) {
	if e.closed.Load() {
		return nil, backend.ErrClosed
	}
	if err := backend.CheckInputs(e.g, p.Inputs); err != nil {
		return nil, err
	}

	res := &backend.Result{Issues: append([]error(nil), e.issues...)}
	if p.Fence {
		res.Fence = e.b.fences.CreateCPU()
	}

	stages := make([]*tensor.Tensor, len(e.g.Layers))
	for _, wave := range e.waves {
		if err := e.runWave(ctx, wave, stages, p.Inputs); err != nil {
			e.abandon(res)
			return nil, err
		}
	}
	if e.g.Options.Debug {
		for i := range e.g.Layers {
			if !e.skipped[i] {
				res.DebugCount += invocations(&e.g.Layers[i])
			}
		}
	}

	for _, idx := range e.outputs {
		res.Outputs = append(res.Outputs, stages[idx])
	}
	if p.CaptureAll {
		res.Layers = stages
	}
	if p.Fence {
		if err := e.b.fences.SignalCPU(res.Fence); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// runWave runs the layers of one wave. Each task writes only its own
// slot of stages and reads slots of earlier waves.
func (e *Executable) runWave(ctx context.Context, wave []int, stages, inputs []*tensor.Tensor) error {
	tasks := make([]parallel.Task, len(wave))
	for j, i := range wave {
		tasks[j] = func(ctx context.Context) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			out, err := e.runLayer(&e.g.Layers[i], stages, inputs)
			if err != nil {
				return err
			}
			stages[i] = out
			return nil
		}
	}
	if e.b.pool == nil || len(tasks) == 1 {
		for _, t := range tasks {
			if err := t(ctx); err != nil {
				return err
			}
		}
		return nil
	}
	return e.b.pool.Run(ctx, tasks)
}

func (e *Executable) runLayer(l *ir.Layer, stages, inputs []*tensor.Tensor) (*tensor.Tensor, error) {
	if e.skipped[l.Index] {
		return tensor.New(l.Output.Width, l.Output.Height, l.Output.Channels), nil
	}
	in := make([]*tensor.Tensor, len(l.Refs))
	for j, r := range l.Refs {
		switch r.Kind {
		case ir.RefExternal:
			in[j] = inputs[r.Index]
		default:
			in[j] = stages[r.Index]
		}
	}
	out, err := l.Kernel.Compute(in, l.Output)
	if err != nil {
		return nil, fmt.Errorf("software: layer %d %q: %w", l.Index, l.Name, err)
	}
	if out.Width != l.Output.Width || out.Height != l.Output.Height || out.Channels != l.Output.Channels {
		return nil, fmt.Errorf("software: layer %d %q produced %v, compiled %v", l.Index, l.Name, out, l.Output)
	}
	return out, nil
}

// abandon clears the run ticket so waiters do not hang on a failed run.
func (e *Executable) abandon(res *backend.Result) {
	if !res.Fence.IsZero() {
		_ = e.b.fences.SignalCPU(res.Fence)
	}
}

// invocations is the number of shader invocations the debug counter would
// record for l: one per texel and draw pass, one per texel and plane for
// compute passes. Host passes count nothing.
func invocations(l *ir.Layer) uint32 {
	texels := uint32(l.Output.Width * l.Output.Height)
	var n uint32
	for _, p := range l.Passes {
		switch p.Dispatch.Kind {
		case ir.DispatchDraw:
			n += texels
		case ir.DispatchCompute:
			n += texels * uint32(l.Output.Depth)
		}
	}
	return n
}
