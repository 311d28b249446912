// Package compiler lowers a layer graph into an ir.InferenceGraph: a
// topologically ordered list of layers, each with resolved shapes, buffer
// references and generated passes.
package compiler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gogpu/shadernn/graph"
	"github.com/gogpu/shadernn/internal/logging"
	"github.com/gogpu/shadernn/internal/wgsl"
	"github.com/gogpu/shadernn/ir"
	"github.com/gogpu/shadernn/op"
)

var (
	// ErrCompile wraps every generation failure.
	ErrCompile = errors.New("compiler: generation failed")

	// ErrNoPasses is returned when an accelerator layer generates nothing.
	ErrNoPasses = errors.New("compiler: layer produced no passes")
)

// LayerError attributes a generation failure to one layer.
type LayerError struct {
	Index int
	Name  string
	Kind  op.Kind
	Err   error
}

func (e *LayerError) Error() string {
	return fmt.Sprintf("compiler: layer %d %q (%s): %v", e.Index, e.Name, e.Kind, e.Err)
}

func (e *LayerError) Unwrap() []error { return []error{ErrCompile, e.Err} }

// Option configures Compile.
type Option func(*config)

type config struct {
	validate bool
	ctx      context.Context
	summary  bool
}

// WithValidation compiles every generated program with naga before
// returning. A program that fails to compile fails the compilation.
func WithValidation(on bool) Option {
	return func(c *config) { c.validate = on }
}

// WithContext bounds program validation.
func WithContext(ctx context.Context) Option {
	return func(c *config) { c.ctx = ctx }
}

// WithSummary controls whether the layer table is logged.
func WithSummary(on bool) Option {
	return func(c *config) { c.summary = on }
}

func slogger() *slog.Logger { return logging.Logger() }

// Compile lowers g into an inference graph. root is the primary input
// sentinel; every other op.Input node without predecessors is an
// additional root. The graph is frozen.
func Compile(g *graph.Graph[op.Operator], root int, opts ir.GenOptions, options ...Option) (*ir.InferenceGraph, error) {
	cfg := config{ctx: context.Background(), summary: true}
	for _, o := range options {
		o(&cfg)
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCompile, err)
	}
	g.Freeze()

	roots, err := inputRoots(g, root)
	if err != nil {
		return nil, err
	}
	if err := g.Validate(roots...); err != nil {
		return nil, err
	}
	order, err := graph.TopologicalSort(g, roots...)
	if err != nil {
		return nil, err
	}

	c := &compilation{
		g:    g,
		opts: opts,
		out:  &ir.InferenceGraph{Options: opts},
		refs: make(map[int]ir.BufferRef, len(order)),
	}
	for _, s := range opts.InputShapes {
		c.out.Inputs = append(c.out.Inputs, ir.InputSlot{Shape: s, Format: opts.Precision.Format()})
	}

	layers := make([]int, 0, len(order))
	for _, id := range order {
		in, ok := g.Value(id).(*op.Input)
		if !ok {
			layers = append(layers, id)
			continue
		}
		if in.Index < 0 || in.Index >= len(opts.InputShapes) {
			return nil, &LayerError{Index: -1, Name: in.Name(), Kind: op.KindInput,
				Err: fmt.Errorf("input index %d outside %d declared inputs", in.Index, len(opts.InputShapes))}
		}
		c.refs[id] = ir.BufferRef{Kind: ir.RefExternal, Index: in.Index}
	}
	if len(layers) == 0 {
		return nil, fmt.Errorf("%w: graph has no layers after its inputs", ErrCompile)
	}

	for i, id := range layers {
		if err := c.lower(i, id, i == len(layers)-1); err != nil {
			return nil, err
		}
	}

	if err := c.out.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCompile, err)
	}
	if cfg.validate {
		if err := validatePrograms(cfg.ctx, c.out); err != nil {
			return nil, err
		}
	}
	if cfg.summary {
		logSummary(c.out)
	}
	slogger().Debug("compiler: compiled graph",
		"layers", len(c.out.Layers), "passes", c.out.PassCount(),
		"precision", opts.Precision, "stage", opts.Stage, "weights", opts.Weights)
	return c.out, nil
}

// inputRoots returns root followed by every other predecessor-free input
// sentinel in index order. root must be an input sentinel.
func inputRoots(g *graph.Graph[op.Operator], root int) ([]int, error) {
	n, ok := g.Node(root)
	if !ok {
		return nil, fmt.Errorf("%w: %d not in graph", graph.ErrBadRoot, root)
	}
	if _, ok := n.Value.(*op.Input); !ok {
		return nil, fmt.Errorf("%w: root %d is %s, not an input", graph.ErrBadRoot, root, n.Value.Kind())
	}
	roots := []int{root}
	for id := 0; id < g.Len(); id++ {
		if id == root {
			continue
		}
		n, _ := g.Node(id)
		if _, ok := n.Value.(*op.Input); ok && len(n.Prev) == 0 {
			roots = append(roots, id)
		}
	}
	return roots, nil
}

type compilation struct {
	g    *graph.Graph[op.Operator]
	opts ir.GenOptions
	out  *ir.InferenceGraph
	refs map[int]ir.BufferRef
}

func (c *compilation) shape(r ir.BufferRef) ir.Shape { return c.out.RefShape(r) }

// lower compiles node id as layer index.
func (c *compilation) lower(index, id int, last bool) error {
	node, _ := c.g.Node(id)
	l := node.Value
	fail := func(err error) error {
		return &LayerError{Index: index, Name: l.Name(), Kind: l.Kind(), Err: err}
	}

	refs := make([]ir.BufferRef, len(node.Prev))
	shapes := make([]ir.Shape, len(node.Prev))
	for i, p := range node.Prev {
		r, ok := c.refs[p]
		if !ok {
			return fail(fmt.Errorf("predecessor %d not compiled", p))
		}
		refs[i] = r
		shapes[i] = c.shape(r)
	}

	out, err := l.InferOutputShape(shapes)
	if err != nil {
		return fail(err)
	}
	lo := ir.LayerOptions{
		GenOptions: c.opts,
		Index:      index,
		Name:       l.Name(),
		In:         shapes,
		Out:        out,
		First:      index == 0,
		Last:       last,
	}
	layer := ir.Layer{
		Index:       index,
		Name:        l.Name(),
		Kind:        string(l.Kind()),
		Placement:   l.Placement(),
		InputShapes: shapes,
		Output:      out,
		Refs:        refs,
		Transform:   l.OutputTransform(shapes),
		Kernel:      op.HostKernel(l, lo),
	}

	switch l.Placement() {
	case ir.PlaceHost:
		if index == 0 {
			return fail(fmt.Errorf("%w: a host layer cannot be first", op.ErrUnsupported))
		}
		prev := c.out.Layers[index-1]
		layer.Passes = []ir.Pass{hostPass(l.Name(), len(refs), prev.Placement == ir.PlaceAccelerator, last)}
	default:
		passes, err := l.GeneratePasses(lo)
		if err != nil {
			return fail(err)
		}
		if len(passes) == 0 {
			return fail(ErrNoPasses)
		}
		for i := range passes {
			if err := passes[i].CheckBindings(len(refs)); err != nil {
				return fail(err)
			}
		}
		layer.Passes = passes
	}

	c.out.Layers = append(c.out.Layers, layer)
	c.refs[id] = ir.BufferRef{Kind: ir.RefStage, Index: index}
	slogger().Debug("compiler: lowered layer",
		"index", index, "name", l.Name(), "kind", l.Kind(), "out", out.String(), "passes", len(layer.Passes))
	return nil
}

func hostPass(name string, inputs int, transition, last bool) ir.Pass {
	p := ir.Pass{
		Name:     name + "/host",
		Inputs:   make(map[string]int, inputs),
		Dispatch: ir.HostDispatch(transition, last),
	}
	for i := 0; i < inputs; i++ {
		p.Inputs[fmt.Sprintf("src%d", i)] = i
	}
	return p
}

// validatePrograms compiles every accelerator pass concurrently.
func validatePrograms(ctx context.Context, g *ir.InferenceGraph) error {
	var programs []wgsl.Program
	for _, l := range g.Layers {
		for _, p := range l.Passes {
			if p.Source != "" {
				programs = append(programs, wgsl.Program{Name: p.Name, Source: p.Source})
			}
		}
	}
	if err := wgsl.ValidateAll(ctx, programs); err != nil {
		return fmt.Errorf("%w: %w", ErrCompile, err)
	}
	return nil
}
