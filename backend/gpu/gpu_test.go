package gpu_test

import (
	"context"
	"errors"
	"testing"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"

	"github.com/gogpu/shadernn/backend"
	"github.com/gogpu/shadernn/backend/gpu"
	"github.com/gogpu/shadernn/compiler"
	"github.com/gogpu/shadernn/fence"
	"github.com/gogpu/shadernn/graph"
	"github.com/gogpu/shadernn/ir"
	"github.com/gogpu/shadernn/op"
	"github.com/gogpu/shadernn/tensor"
)

// noopDevice opens a device on the noop hal backend.
func noopDevice(t *testing.T) (hal.Device, hal.Queue) {
	t.Helper()
	api := noop.API{}
	instance, err := api.CreateInstance(nil)
	if err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}
	adapters := instance.EnumerateAdapters(nil)
	openDev, err := adapters[0].Adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() {
		openDev.Device.Destroy()
		instance.Destroy()
	})
	return openDev.Device, openDev.Queue
}

func open(t *testing.T, cfg backend.Config) *gpu.Backend {
	t.Helper()
	device, queue := noopDevice(t)
	b, err := gpu.Open(cfg, gpu.WithDevice(device, queue))
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	t.Cleanup(b.Close)
	return b
}

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

func compile(t *testing.T, b *gpu.Backend, g *ir.InferenceGraph) backend.Executable {
	t.Helper()
	exe, err := b.Compile(g)
	if err != nil {
		t.Fatalf("backend Compile() = %v", err)
	}
	t.Cleanup(exe.Close)
	return exe
}

func run(t *testing.T, exe backend.Executable, p backend.RunParameters) *backend.Result {
	t.Helper()
	res, err := exe.Run(context.Background(), p)
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}
	return res
}

func checkShape(t *testing.T, got *tensor.Tensor, want ir.Shape) {
	t.Helper()
	if got == nil {
		t.Fatal("nil output")
	}
	if got.Width != want.Width || got.Height != want.Height || got.Channels != want.Channels {
		t.Errorf("output %v, want %v", got, want)
	}
}

func TestOpen(t *testing.T) {
	b := open(t, backend.Config{})
	if b.Name() != backend.BackendGPU {
		t.Errorf("Name() = %q", b.Name())
	}
	if b.Adapter() != "external" {
		t.Errorf("Adapter() = %q", b.Adapter())
	}

	device, _ := noopDevice(t)
	if _, err := gpu.Open(backend.Config{}, gpu.WithDevice(device, nil)); err == nil {
		t.Error("Open() without queue succeeded")
	}
}

func TestRegister(t *testing.T) {
	r := backend.NewRegistry()
	gpu.Register(r)
	if !r.IsRegistered(backend.BackendGPU) {
		t.Error("gpu backend not registered")
	}
}

func TestRunStages(t *testing.T) {
	tests := []struct {
		name    string
		stage   ir.Stage
		packing ir.PackingMode
		weights ir.WeightMethod
	}{
		{"compute", ir.StageCompute, ir.PackSingle, ir.WeightConstants},
		{"compute storage weights", ir.StageCompute, ir.PackSingle, ir.WeightStorage},
		{"draw single", ir.StageDraw, ir.PackSingle, ir.WeightUniform},
		{"draw quad", ir.StageDraw, ir.PackQuad, ir.WeightTexture},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := options(4, 4, 8)
			opts.Stage = tt.stage
			opts.Packing = tt.packing
			opts.Weights = tt.weights
			g := chain(t, opts,
				op.NewConv2D(op.Common{Name: "conv", Activation: "relu"}, 8, 1, 1,
					op.SymbolicPadding("same"), make([]float32, 8*8), make([]float32, 8)),
				op.NewMaxPool("pool", 2, 2, op.SymbolicPadding("valid")),
			)
			exe := compile(t, open(t, backend.Config{}), g)
			res := run(t, exe, backend.RunParameters{Inputs: []*tensor.Tensor{tensor.Filled(4, 4, 8, 1)}, CaptureAll: true})
			checkShape(t, res.Output(), ir.NewShape(2, 2, 8))
			if len(res.Layers) != 2 {
				t.Errorf("captured %d layers, want 2", len(res.Layers))
			}
		})
	}
}

func TestProgramCacheShared(t *testing.T) {
	b := open(t, backend.Config{})
	g := chain(t, options(4, 4, 4), op.NewActivation("relu", "relu"))
	compile(t, b, g)
	compile(t, b, g)
	st := b.ProgramStats()
	if st.Misses != 1 || st.Hits != 1 {
		t.Errorf("ProgramStats = %+v, want one miss and one hit", st)
	}
}

func TestHostLayers(t *testing.T) {
	g := chain(t, options(2, 2, 1),
		op.NewActivation("relu", "relu"),
		op.NewFlatten("flatten"),
		op.NewDense(op.Common{Name: "dense"}, 2, []float32{1, 1, 1, 1, 1, -1, 1, -1}, []float32{0, 10}),
	)
	exe := compile(t, open(t, backend.Config{}), g)
	x, _ := tensor.FromSlice(2, 2, 1, []float32{1, -2, 3, 4})
	res := run(t, exe, backend.RunParameters{Inputs: []*tensor.Tensor{x}})
	checkShape(t, res.Output(), g.Layers[2].Output)
}

func TestRunFence(t *testing.T) {
	fences := fence.NewManager()
	b := open(t, backend.Config{Fences: fences})
	exe := compile(t, b, chain(t, options(2, 2, 4), op.NewActivation("relu", "relu")))

	res := run(t, exe, backend.RunParameters{Inputs: []*tensor.Tensor{tensor.New(2, 2, 4)}, Fence: true})
	if res.Fence.IsZero() || res.Fence.Kind != fence.GPU {
		t.Fatalf("Fence = %v, want a GPU ticket", res.Fence)
	}
	if pending, err := fences.IsPending(res.Fence); err != nil || pending {
		t.Errorf("IsPending = %v, %v; want false", pending, err)
	}
	if gpuOut, _ := fences.Outstanding(); gpuOut != 0 {
		t.Errorf("%d GPU tickets outstanding after Run", gpuOut)
	}
}

func TestDebugCounter(t *testing.T) {
	opts := options(4, 4, 4)
	opts.Debug = true
	exe := compile(t, open(t, backend.Config{}), chain(t, opts, op.NewActivation("relu", "relu")))
	// The counter is read back; its value depends on the device.
	run(t, exe, backend.RunParameters{Inputs: []*tensor.Tensor{tensor.New(4, 4, 4)}})
}

func TestRunErrors(t *testing.T) {
	exe := compile(t, open(t, backend.Config{}), chain(t, options(2, 2, 1), op.NewActivation("relu", "relu")))

	if _, err := exe.Run(context.Background(), backend.RunParameters{}); !errors.Is(err, backend.ErrInput) {
		t.Errorf("Run(no inputs) = %v, want ErrInput", err)
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
	device, queue := noopDevice(t)
	b, err := gpu.Open(backend.Config{}, gpu.WithDevice(device, queue))
	if err != nil {
		t.Fatal(err)
	}
	b.Close()
	if _, err := b.Compile(&ir.InferenceGraph{}); !errors.Is(err, backend.ErrClosed) {
		t.Errorf("Compile() on closed backend = %v", err)
	}
}

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
				Dispatch: ir.ComputeDispatch([3]uint32{1, 1, 1}),
			}},
		}},
	}
}

func TestErrorPolicy(t *testing.T) {
	if _, err := open(t, backend.Config{}).Compile(brokenGraph()); !errors.Is(err, backend.ErrBinding) {
		t.Fatalf("abort Compile() = %v, want ErrBinding", err)
	}
	exe := compile(t, open(t, backend.Config{Policy: backend.PolicyDegrade}), brokenGraph())
	if len(exe.Issues()) != 1 {
		t.Fatalf("Issues() = %v, want one", exe.Issues())
	}
	res := run(t, exe, backend.RunParameters{Inputs: []*tensor.Tensor{tensor.Filled(2, 2, 1, 5)}})
	if len(res.Issues) != 1 {
		t.Errorf("Result.Issues = %v", res.Issues)
	}
	checkShape(t, res.Output(), ir.NewShape(2, 2, 1))
}
