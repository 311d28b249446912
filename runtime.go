package shadernn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/gogpu/shadernn/backend"
	"github.com/gogpu/shadernn/backend/gpu"
	"github.com/gogpu/shadernn/backend/software"
	"github.com/gogpu/shadernn/compiler"
	"github.com/gogpu/shadernn/fence"
	"github.com/gogpu/shadernn/ir"
	"github.com/gogpu/shadernn/model"
	"github.com/gogpu/shadernn/tensor"
)

// Errors re-exported for callers that only import the root package.
var (
	ErrBackendNotAvailable = backend.ErrBackendNotAvailable
	ErrBinding             = backend.ErrBinding
	ErrLink                = backend.ErrLink
	ErrInput               = backend.ErrInput
	ErrCompile             = compiler.ErrCompile
	ErrModel               = model.ErrModel
	ErrTimeout             = fence.ErrTimeout

	// ErrClosed is returned when using a closed runtime or program.
	ErrClosed = backend.ErrClosed
)

// Runtime owns one backend and the fence manager its runs signal.
// Programs compiled by a Runtime share its backend; closing the Runtime
// closes them.
type Runtime struct {
	opts    options
	fences  *fence.Manager
	backend backend.Backend

	mu       sync.Mutex
	programs []*Program
	closed   bool
}

// New creates a runtime. Without WithBackend it uses the first backend
// that starts, preferring the GPU.
func New(opts ...Option) (*Runtime, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	reg := o.backends
	if reg == nil {
		reg = backend.NewRegistry()
		gpu.Register(reg)
		software.Register(reg)
	}

	var fopts []fence.Option
	if o.waitTimeout > 0 {
		fopts = append(fopts, fence.WithWaitTimeout(o.waitTimeout))
	}
	fences := fence.NewManager(fopts...)
	cfg := backend.Config{Policy: o.policy, Fences: fences, Debug: o.gen.Debug, Workers: o.workers}

	var (
		b   backend.Backend
		err error
	)
	if o.backend != "" {
		b, err = reg.Get(o.backend, cfg)
	} else {
		b, err = reg.Default(cfg)
	}
	if err != nil {
		fences.Close()
		return nil, err
	}

	Logger().Info("shadernn: runtime ready", "backend", b.Name(),
		"precision", o.gen.Precision, "stage", o.gen.Stage, "policy", o.policy)
	return &Runtime{opts: o, fences: fences, backend: b}, nil
}

// Backend returns the name of the backend in use.
func (r *Runtime) Backend() string { return r.backend.Name() }

// Fences returns the manager that issues run tickets.
func (r *Runtime) Fences() *fence.Manager { return r.fences }

// Options returns the generation options applied to every compiled model.
// InputShapes is empty; each model supplies its own.
func (r *Runtime) Options() ir.GenOptions { return r.opts.gen }

// Load reads the model at path and compiles it.
func (r *Runtime) Load(path string) (*Program, error) {
	m, err := model.Load(path, r.opts.operators)
	if err != nil {
		return nil, err
	}
	return r.Compile(m)
}

// Decode reads a model from src and compiles it.
func (r *Runtime) Decode(src io.Reader) (*Program, error) {
	m, err := model.Decode(src, r.opts.operators)
	if err != nil {
		return nil, err
	}
	return r.Compile(m)
}

// Compile lowers m into an inference graph and prepares it on the
// runtime's backend. m's graph is frozen.
func (r *Runtime) Compile(m *model.Model) (*Program, error) {
	return r.CompileContext(context.Background(), m)
}

// CompileContext is Compile with a context bounding program validation.
func (r *Runtime) CompileContext(ctx context.Context, m *model.Model) (*Program, error) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	ig, err := compiler.Compile(m.Graph, m.Root, m.Options(r.opts.gen),
		compiler.WithValidation(r.opts.validate),
		compiler.WithContext(ctx),
		compiler.WithSummary(r.opts.summary))
	if err != nil {
		return nil, err
	}
	exe, err := r.backend.Compile(ig)
	if err != nil {
		return nil, err
	}

	p := &Program{rt: r, name: m.Name, model: m, graph: ig, exe: exe}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		exe.Close()
		return nil, ErrClosed
	}
	r.programs = append(r.programs, p)
	return p, nil
}

// Close waits for outstanding work, closes every program and releases
// the backend. Close is idempotent.
func (r *Runtime) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	programs := r.programs
	r.programs = nil
	r.mu.Unlock()

	if err := r.fences.Sync(context.Background()); err != nil {
		Logger().Warn("shadernn: sync on close", "error", err)
	}
	for _, p := range programs {
		p.close()
	}
	r.backend.Close()
	r.fences.Close()
}

func (r *Runtime) forget(p *Program) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.programs = slices.DeleteFunc(r.programs, func(q *Program) bool { return q == p })
}

// Program is a model compiled for one runtime.
type Program struct {
	rt    *Runtime
	name  string
	model *model.Model
	graph *ir.InferenceGraph
	exe   backend.Executable

	once sync.Once
}

// Name returns the model name.
func (p *Program) Name() string { return p.name }

// Graph returns the compiled inference graph.
func (p *Program) Graph() *ir.InferenceGraph { return p.graph }

// Model returns the loaded model.
func (p *Program) Model() *model.Model { return p.model }

// Inputs returns the declared input shapes.
func (p *Program) Inputs() []ir.Shape { return p.model.InputShapes() }

// Issues returns the errors recorded at compile time under
// backend.PolicyDegrade.
func (p *Program) Issues() []error { return p.exe.Issues() }

// Run executes the program on inputs, one tensor per declared input, and
// returns the final output.
func (p *Program) Run(ctx context.Context, inputs ...*tensor.Tensor) (*tensor.Tensor, error) {
	res, err := p.Execute(ctx, backend.RunParameters{Inputs: inputs})
	if err != nil {
		return nil, err
	}
	out := res.Output()
	if out == nil {
		return nil, errors.New("shadernn: program produced no output")
	}
	return out, nil
}

// Execute runs the program with full control over the run parameters.
func (p *Program) Execute(ctx context.Context, params backend.RunParameters) (*backend.Result, error) {
	res, err := p.exe.Run(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("shadernn: %s: %w", p.label(), err)
	}
	return res, nil
}

// Close releases the program's backend resources. Close is idempotent.
func (p *Program) Close() {
	p.rt.forget(p)
	p.close()
}

func (p *Program) close() {
	p.once.Do(p.exe.Close)
}

func (p *Program) label() string {
	if p.name == "" {
		return "model"
	}
	return p.name
}
