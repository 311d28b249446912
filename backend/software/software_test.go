package software_test

import (
	"context"
	"errors"
	"testing"

	"github.com/gogpu/shadernn/backend"
	"github.com/gogpu/shadernn/backend/software"
	"github.com/gogpu/shadernn/compiler"
	"github.com/gogpu/shadernn/fence"
	"github.com/gogpu/shadernn/graph"
	"github.com/gogpu/shadernn/ir"
	"github.com/gogpu/shadernn/op"
	"github.com/gogpu/shadernn/tensor"
)

// chain compiles input -> ops[0] -> ops[1] -> ... for one input of shape in.
func chain(t *testing.T, opts ir.GenOptions, ops ...op.Operator) *ir.InferenceGraph {
	t.Helper()
	g := graph.New[op.Operator]()
	prev := g.Add(op.NewInput("input", 0))
	for _, o := range ops {
		id := g.Add(o)
		if err := g.Connect(prev, id); err != nil {
			t.Fatal(err)
		}
		prev = id
	}
	ig, err := compiler.Compile(g, 0, opts, compiler.WithSummary(false))
	if err != nil {
		t.Fatalf("Compile() = %v", err)
	}
	return ig
}

func options(w, h, c int) ir.GenOptions {
	return ir.GenOptions{InputShapes: []ir.Shape{ir.NewShape(w, h, c)}}
}

func mustRun(t *testing.T, exe backend.Executable, p backend.RunParameters) *backend.Result {
	t.Helper()
	res, err := exe.Run(context.Background(), p)
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}
	return res
}

func compile(t *testing.T, b backend.Backend, g *ir.InferenceGraph) backend.Executable {
	t.Helper()
	exe, err := b.Compile(g)
	if err != nil {
		t.Fatalf("backend Compile() = %v", err)
	}
	t.Cleanup(exe.Close)
	return exe
}

func TestRunChain(t *testing.T) {
	g := chain(t, options(4, 4, 1),
		op.NewActivation("relu", "relu"),
		op.NewAveragePool("pool", 2, 2, op.SymbolicPadding("valid")),
	)
	b := software.New(backend.Config{})
	defer b.Close()
	exe := compile(t, b, g)

	in, _ := tensor.FromSlice(4, 4, 1, []float32{
		-1, 3, 2, 2,
		1, -3, 2, 2,
		0, 0, -4, 4,
		0, 8, 4, -4,
	})
	res := mustRun(t, exe, backend.RunParameters{Inputs: []*tensor.Tensor{in}})
	out := res.Output()
	if out.Width != 2 || out.Height != 2 {
		t.Fatalf("output %v, want 2x2x1", out)
	}
	want := []float32{1, 2, 2, 2}
	for i, v := range want {
		if out.Data[i] != v {
			t.Errorf("out[%d] = %v, want %v", i, out.Data[i], v)
		}
	}
	if res.Layers != nil {
		t.Error("Layers captured without CaptureAll")
	}
}

func TestCaptureAllAndOutputs(t *testing.T) {
	g := graph.New[op.Operator]()
	in := g.Add(op.NewInput("input", 0))
	a := g.Add(op.NewActivation("relu", "relu"))
	b := g.Add(op.NewActivation("neg", "linear"))
	for _, id := range []int{a, b} {
		if err := g.Connect(in, id); err != nil {
			t.Fatal(err)
		}
	}
	ig, err := compiler.Compile(g, in, options(2, 2, 4), compiler.WithSummary(false))
	if err != nil {
		t.Fatal(err)
	}
	exe := compile(t, software.New(backend.Config{}), ig)

	x := tensor.Filled(2, 2, 4, -2)
	res := mustRun(t, exe, backend.RunParameters{Inputs: []*tensor.Tensor{x}, CaptureAll: true})
	if len(res.Outputs) != 2 {
		t.Fatalf("got %d outputs, want 2", len(res.Outputs))
	}
	if len(res.Layers) != 2 {
		t.Fatalf("got %d captured layers, want 2", len(res.Layers))
	}
	// Siblings compile in release order, so match outputs by layer name.
	want := map[string]float32{"relu": 0, "neg": -2}
	for i, idx := range ig.Outputs() {
		name := ig.Layers[idx].Name
		if got := res.Outputs[i].Data[0]; got != want[name] {
			t.Errorf("output %d (%s) = %v, want %v", i, name, got, want[name])
		}
		if res.Layers[idx] != res.Outputs[i] {
			t.Errorf("captured layer %d (%s) differs from output %d", idx, name, i)
		}
	}
}

// diamond compiles input -> {relu, linear} -> add.
func diamond(t *testing.T) *ir.InferenceGraph {
	t.Helper()
	g := graph.New[op.Operator]()
	in := g.Add(op.NewInput("input", 0))
	a := g.Add(op.NewActivation("relu", "relu"))
	b := g.Add(op.NewActivation("identity", "linear"))
	sum := g.Add(op.NewAdd("add"))
	for _, e := range [][2]int{{in, a}, {in, b}, {a, sum}, {b, sum}} {
		if err := g.Connect(e[0], e[1]); err != nil {
			t.Fatal(err)
		}
	}
	ig, err := compiler.Compile(g, in, options(2, 2, 1), compiler.WithSummary(false))
	if err != nil {
		t.Fatal(err)
	}
	return ig
}

func TestRunWaves(t *testing.T) {
	x, _ := tensor.FromSlice(2, 2, 1, []float32{-1, 2, -3, 4})
	want := []float32{-1, 4, -3, 8}
	for _, workers := range []int{0, 1, 4, -1} {
		b := software.New(backend.Config{Workers: workers})
		exe := compile(t, b, diamond(t))
		for range 10 {
			res := mustRun(t, exe, backend.RunParameters{Inputs: []*tensor.Tensor{x}})
			for i, v := range want {
				if got := res.Output().Data[i]; got != v {
					t.Fatalf("workers %d: out[%d] = %v, want %v", workers, i, got, v)
				}
			}
		}
		b.Close()

		// Executables outlive their backend and fall back to one layer at a time.
		res := mustRun(t, exe, backend.RunParameters{Inputs: []*tensor.Tensor{x}})
		if res.Output().Data[1] != 4 {
			t.Errorf("workers %d after Close: out = %v", workers, res.Output().Data)
		}
	}
}

func TestRunCancelled(t *testing.T) {
	b := software.New(backend.Config{})
	defer b.Close()
	exe := compile(t, b, diamond(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := exe.Run(ctx, backend.RunParameters{Inputs: []*tensor.Tensor{tensor.New(2, 2, 1)}, Fence: true})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Run(cancelled) = %v, want context.Canceled", err)
	}
}

func TestRunFence(t *testing.T) {
	fences := fence.NewManager()
	b := software.New(backend.Config{Fences: fences})
	if b.Fences() != fences {
		t.Fatal("Fences() is not the configured manager")
	}
	exe := compile(t, b, chain(t, options(2, 2, 1), op.NewActivation("relu", "relu")))

	res := mustRun(t, exe, backend.RunParameters{Inputs: []*tensor.Tensor{tensor.New(2, 2, 1)}, Fence: true})
	if res.Fence.IsZero() || res.Fence.Kind != fence.CPU {
		t.Fatalf("Fence = %v, want a CPU ticket", res.Fence)
	}
	pending, err := fences.IsPending(res.Fence)
	if err != nil || pending {
		t.Errorf("IsPending = %v, %v; want false", pending, err)
	}
	if err := fences.Wait(context.Background(), res.Fence); err != nil {
		t.Errorf("Wait = %v", err)
	}

	res = mustRun(t, exe, backend.RunParameters{Inputs: []*tensor.Tensor{tensor.New(2, 2, 1)}})
	if !res.Fence.IsZero() {
		t.Errorf("Fence = %v without request", res.Fence)
	}
}

func TestRunErrors(t *testing.T) {
	exe := compile(t, software.New(backend.Config{}), chain(t, options(2, 2, 1), op.NewActivation("relu", "relu")))

	if _, err := exe.Run(context.Background(), backend.RunParameters{Inputs: []*tensor.Tensor{tensor.New(3, 2, 1)}}); !errors.Is(err, backend.ErrInput) {
		t.Errorf("Run(wrong shape) = %v, want ErrInput", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := exe.Run(ctx, backend.RunParameters{Inputs: []*tensor.Tensor{tensor.New(2, 2, 1)}}); !errors.Is(err, context.Canceled) {
		t.Errorf("Run(cancelled) = %v, want context.Canceled", err)
	}

	exe.Close()
	if _, err := exe.Run(context.Background(), backend.RunParameters{Inputs: []*tensor.Tensor{tensor.New(2, 2, 1)}}); !errors.Is(err, backend.ErrClosed) {
		t.Errorf("Run(closed) = %v, want ErrClosed", err)
	}
}

func TestCompileClosed(t *testing.T) {
	b := software.New(backend.Config{})
	b.Close()
	if _, err := b.Compile(&ir.InferenceGraph{}); !errors.Is(err, backend.ErrClosed) {
		t.Errorf("Compile() on closed backend = %v", err)
	}
}

// brokenGraph has one layer whose pass binds an undeclared input.
func brokenGraph() *ir.InferenceGraph {
	s := ir.NewShape(2, 2, 1)
	return &ir.InferenceGraph{
		Inputs: []ir.InputSlot{{Shape: s}},
		Layers: []ir.Layer{{
			Name:        "relu",
			Kind:        string(op.KindActivation),
			InputShapes: []ir.Shape{s},
			Output:      s,
			Refs:        []ir.BufferRef{{Kind: ir.RefExternal}},
			Kernel:      op.NewActivation("relu", "relu"),
			Passes: []ir.Pass{{
				Name:     "relu/cs",
				Inputs:   map[string]int{"src0": 0},
				Bindings: []ir.Binding{{Slot: 1, Kind: ir.BindingInput, Name: "src9"}},
			}},
		}},
	}
}

func TestErrorPolicy(t *testing.T) {
	if _, err := software.New(backend.Config{}).Compile(brokenGraph()); !errors.Is(err, backend.ErrBinding) {
		t.Fatalf("abort Compile() = %v, want ErrBinding", err)
	}

	exe := compile(t, software.New(backend.Config{Policy: backend.PolicyDegrade}), brokenGraph())
	if len(exe.Issues()) != 1 {
		t.Fatalf("Issues() = %v, want one", exe.Issues())
	}
	res := mustRun(t, exe, backend.RunParameters{Inputs: []*tensor.Tensor{tensor.Filled(2, 2, 1, 5)}})
	if len(res.Issues) != 1 {
		t.Errorf("Result.Issues = %v", res.Issues)
	}
	for i, v := range res.Output().Data {
		if v != 0 {
			t.Errorf("skipped layer out[%d] = %v, want 0", i, v)
		}
	}
}

func TestDebugCount(t *testing.T) {
	tests := []struct {
		name    string
		stage   ir.Stage
		packing ir.PackingMode
		want    uint32
	}{
		{"compute", ir.StageCompute, ir.PackSingle, 4 * 4 * 2},
		{"draw single", ir.StageDraw, ir.PackSingle, 4 * 4 * 2},
		{"draw quad", ir.StageDraw, ir.PackQuad, 4 * 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := options(4, 4, 8)
			opts.Debug = true
			opts.Stage = tt.stage
			opts.Packing = tt.packing
			exe := compile(t, software.New(backend.Config{}), chain(t, opts, op.NewActivation("relu", "relu")))
			res := mustRun(t, exe, backend.RunParameters{Inputs: []*tensor.Tensor{tensor.New(4, 4, 8)}})
			if res.DebugCount != tt.want {
				t.Errorf("DebugCount = %d, want %d", res.DebugCount, tt.want)
			}
		})
	}
}

func TestRegister(t *testing.T) {
	r := backend.NewRegistry()
	software.Register(r)
	b, err := r.Default(backend.Config{})
	if err != nil {
		t.Fatal(err)
	}
	if b.Name() != backend.BackendSoftware {
		t.Errorf("Default() = %q", b.Name())
	}
}
