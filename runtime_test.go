package shadernn_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal/noop"

	"github.com/gogpu/shadernn"
	"github.com/gogpu/shadernn/backend"
	"github.com/gogpu/shadernn/backend/gpu"
	"github.com/gogpu/shadernn/backend/software"
	"github.com/gogpu/shadernn/ir"
	"github.com/gogpu/shadernn/tensor"
)

const tinyModel = `{
  "name": "tiny",
  "inputs": [{"name": "image", "width": 2, "height": 2, "channels": 1}],
  "layers": [
    {"name": "conv", "type": "Conv2D",
     "params": {"filters": 1, "kernel_size": 1, "activation": "relu"},
     "weights": {"kernel": [2], "bias": [1]}},
    {"name": "pool", "type": "MaxPooling2D", "params": {"pool_size": [2, 2]}}
  ]
}`

func newSoftware(t *testing.T, opts ...shadernn.Option) *shadernn.Runtime {
	t.Helper()
	opts = append([]shadernn.Option{shadernn.WithBackend("software"), shadernn.WithSummary(false)}, opts...)
	rt, err := shadernn.New(opts...)
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	t.Cleanup(rt.Close)
	return rt
}

func TestRuntimeRun(t *testing.T) {
	rt := newSoftware(t)
	if rt.Backend() != backend.BackendSoftware {
		t.Fatalf("Backend() = %q", rt.Backend())
	}

	prog, err := rt.Decode(strings.NewReader(tinyModel))
	if err != nil {
		t.Fatalf("Decode() = %v", err)
	}
	if prog.Name() != "tiny" || len(prog.Graph().Layers) != 2 {
		t.Errorf("program %q with %d layers", prog.Name(), len(prog.Graph().Layers))
	}
	if got := prog.Inputs(); len(got) != 1 || got[0] != ir.NewShape(2, 2, 1) {
		t.Errorf("Inputs() = %v", got)
	}

	x, _ := tensor.FromSlice(2, 2, 1, []float32{-1, 0, 1, 0.5})
	out, err := prog.Run(context.Background(), x)
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}
	// relu(2x+1) = 0 1 3 2, max = 3.
	if out.Width != 1 || out.Height != 1 || out.Data[0] != 3 {
		t.Errorf("out = %v %v, want 1x1x1 [3]", out, out.Data)
	}
}

func TestRuntimeExecute(t *testing.T) {
	rt := newSoftware(t)
	prog, err := rt.Decode(strings.NewReader(tinyModel))
	if err != nil {
		t.Fatal(err)
	}
	res, err := prog.Execute(context.Background(), backend.RunParameters{
		Inputs:     []*tensor.Tensor{tensor.Filled(2, 2, 1, 1)},
		CaptureAll: true,
		Fence:      true,
	})
	if err != nil {
		t.Fatalf("Execute() = %v", err)
	}
	if len(res.Layers) != 2 {
		t.Errorf("captured %d layers, want 2", len(res.Layers))
	}
	if res.Fence.IsZero() {
		t.Fatal("no fence ticket")
	}
	if err := rt.Fences().Wait(context.Background(), res.Fence); err != nil {
		t.Errorf("Wait() = %v", err)
	}
}

func TestRuntimeLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiny.json")
	if err := os.WriteFile(path, []byte(tinyModel), 0o600); err != nil {
		t.Fatal(err)
	}
	rt := newSoftware(t)
	prog, err := rt.Load(path)
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	defer prog.Close()

	if _, err := rt.Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("Load(missing) succeeded")
	}
	if _, err := rt.Decode(strings.NewReader(`{"layers": []}`)); !errors.Is(err, shadernn.ErrModel) {
		t.Errorf("Decode(bad) = %v, want ErrModel", err)
	}
}

func TestRuntimeErrors(t *testing.T) {
	if _, err := shadernn.New(shadernn.WithBackend("metal")); !errors.Is(err, shadernn.ErrBackendNotAvailable) {
		t.Errorf("New(unknown backend) = %v, want ErrBackendNotAvailable", err)
	}

	rt := newSoftware(t)
	prog, err := rt.Decode(strings.NewReader(tinyModel))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := prog.Run(context.Background(), tensor.New(3, 3, 1)); !errors.Is(err, shadernn.ErrInput) {
		t.Errorf("Run(wrong shape) = %v, want ErrInput", err)
	}
	if _, err := prog.Run(context.Background()); !errors.Is(err, shadernn.ErrInput) {
		t.Errorf("Run(no inputs) = %v, want ErrInput", err)
	}
}

func TestRuntimeClose(t *testing.T) {
	rt, err := shadernn.New(shadernn.WithBackend("software"), shadernn.WithSummary(false))
	if err != nil {
		t.Fatal(err)
	}
	prog, err := rt.Decode(strings.NewReader(tinyModel))
	if err != nil {
		t.Fatal(err)
	}
	rt.Close()
	rt.Close()

	if _, err := prog.Run(context.Background(), tensor.New(2, 2, 1)); !errors.Is(err, shadernn.ErrClosed) {
		t.Errorf("Run() after Close = %v, want ErrClosed", err)
	}
	if _, err := rt.Decode(strings.NewReader(tinyModel)); !errors.Is(err, shadernn.ErrClosed) {
		t.Errorf("Decode() after Close = %v, want ErrClosed", err)
	}
	prog.Close()
}

func TestRuntimeBackendRegistry(t *testing.T) {
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

	reg := backend.NewRegistry()
	reg.Register(backend.BackendGPU, func(cfg backend.Config) (backend.Backend, error) {
		return gpu.Open(cfg, gpu.WithDevice(openDev.Device, openDev.Queue))
	})
	software.Register(reg)

	rt, err := shadernn.New(shadernn.WithBackendRegistry(reg), shadernn.WithSummary(false))
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	defer rt.Close()
	if rt.Backend() != backend.BackendGPU {
		t.Fatalf("Backend() = %q, want gpu first", rt.Backend())
	}

	prog, err := rt.Decode(strings.NewReader(tinyModel))
	if err != nil {
		t.Fatalf("Decode() = %v", err)
	}
	out, err := prog.Run(context.Background(), tensor.New(2, 2, 1))
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if out.Width != 1 || out.Height != 1 || out.Channels != 1 {
		t.Errorf("out = %v, want 1x1x1", out)
	}
}
