package op

import (
	"math"
	"testing"

	"github.com/gogpu/shadernn/ir"
	"github.com/gogpu/shadernn/tensor"
)

// run infers the output shape of l and runs its host kernel.
func run(t *testing.T, l Operator, in ...*tensor.Tensor) *tensor.Tensor {
	t.Helper()
	shapes := make([]ir.Shape, len(in))
	for i, x := range in {
		shapes[i] = ir.NewShape(x.Width, x.Height, x.Channels)
	}
	out, err := l.InferOutputShape(shapes)
	if err != nil {
		t.Fatalf("%s: InferOutputShape = %v", l.Name(), err)
	}
	res, err := l.Compute(in, out)
	if err != nil {
		t.Fatalf("%s: Compute = %v", l.Name(), err)
	}
	if res.Width != out.Width || res.Height != out.Height || res.Channels != out.Channels {
		t.Fatalf("%s: result %v does not match inferred %v", l.Name(), res, out)
	}
	return res
}

func mustTensor(t *testing.T, w, h, c int, data ...float32) *tensor.Tensor {
	t.Helper()
	x, err := tensor.FromSlice(w, h, c, data)
	if err != nil {
		t.Fatal(err)
	}
	return x
}

func near(a, b float32) bool { return math.Abs(float64(a-b)) < 1e-5 }

func TestReLUHost(t *testing.T) {
	in := mustTensor(t, 4, 4, 1,
		-1, 2, -3, 4,
		5, -6, 7, -8,
		0, 1, -1, 0.5,
		-0.5, 3, -2, 9)
	out := run(t, NewActivation("relu", "relu"), in)
	for i, v := range in.Data {
		want := max(v, 0)
		if out.Data[i] != want {
			t.Errorf("out[%d] = %v, want %v", i, out.Data[i], want)
		}
	}
}

func TestAveragePoolConstant(t *testing.T) {
	in := tensor.Filled(5, 5, 1, 0.75)
	out := run(t, NewAveragePool("pool", 3, 1, SymbolicPadding("valid")), in)
	if out.Width != 3 || out.Height != 3 {
		t.Fatalf("output %v, want 3x3", out)
	}
	for i, v := range out.Data {
		if !near(v, 0.75) {
			t.Errorf("out[%d] = %v, want 0.75", i, v)
		}
	}
}

func TestMaxPool(t *testing.T) {
	in := mustTensor(t, 4, 4, 1,
		1, 2, 3, 4,
		5, 6, 7, 8,
		-1, -2, -3, -4,
		-5, -6, -7, -8)
	out := run(t, NewMaxPool("max", 2, 2, SymbolicPadding("valid")), in)
	want := []float32{6, 8, -1, -3}
	for i, v := range want {
		if out.Data[i] != v {
			t.Errorf("out[%d] = %v, want %v", i, out.Data[i], v)
		}
	}
}

func TestConcatHost(t *testing.T) {
	a := tensor.New(2, 2, 3)
	b := tensor.New(2, 2, 5)
	for i := range a.Data {
		a.Data[i] = float32(i)
	}
	for i := range b.Data {
		b.Data[i] = float32(100 + i)
	}
	out := run(t, NewConcat("cat"), a, b)
	if out.Channels != 8 {
		t.Fatalf("channels = %d, want 8", out.Channels)
	}
	for y := 0; y < 2; y++ {
		for x := 0; x < 2; x++ {
			for c := 0; c < 3; c++ {
				if out.At(x, y, c) != a.At(x, y, c) {
					t.Errorf("(%d,%d,%d) = %v, want %v", x, y, c, out.At(x, y, c), a.At(x, y, c))
				}
			}
			for c := 0; c < 5; c++ {
				if out.At(x, y, 3+c) != b.At(x, y, c) {
					t.Errorf("(%d,%d,%d) = %v, want %v", x, y, 3+c, out.At(x, y, 3+c), b.At(x, y, c))
				}
			}
		}
	}
}

func TestConvHost(t *testing.T) {
	// 3x3 box filter with bias over a 3x3 ramp, same padding.
	in := mustTensor(t, 3, 3, 1, 1, 2, 3, 4, 5, 6, 7, 8, 9)
	w := make([]float32, 9)
	for i := range w {
		w[i] = 1
	}
	conv := NewConv2D(Common{Name: "conv"}, 1, 3, 1, SymbolicPadding("same"), w, []float32{0.5})
	out := run(t, conv, in)
	if out.Width != 3 || out.Height != 3 {
		t.Fatalf("output %v, want 3x3", out)
	}
	if got := out.At(1, 1, 0); !near(got, 45.5) {
		t.Errorf("center = %v, want 45.5", got)
	}
	if got := out.At(0, 0, 0); !near(got, 1+2+4+5+0.5) {
		t.Errorf("corner = %v, want 12.5", got)
	}
}

func TestConvReplicatePadding(t *testing.T) {
	in := tensor.Filled(2, 2, 1, 2)
	w := make([]float32, 9)
	for i := range w {
		w[i] = 1
	}
	pad := SymbolicPadding("same")
	pad.Mode = PadReplicate
	out := run(t, NewConv2D(Common{Name: "conv"}, 1, 3, 1, pad, w, nil), in)
	for i, v := range out.Data {
		if !near(v, 18) {
			t.Errorf("out[%d] = %v, want 18", i, v)
		}
	}
}

func TestConvBatchNorm(t *testing.T) {
	conv := NewConv2D(Common{Name: "conv"}, 1, 1, 1, SymbolicPadding("valid"), []float32{2}, []float32{1})
	conv.BatchNorm = &BatchNormParams{
		Gamma: []float32{1}, Beta: []float32{0.5}, Mean: []float32{1}, Variance: []float32{4}, Epsilon: 0,
	}
	out := run(t, conv, tensor.Filled(1, 1, 1, 3))
	// ((3*2 + 1) - 1) / 2 + 0.5
	if got := out.Data[0]; !near(got, 3.5) {
		t.Errorf("out = %v, want 3.5", got)
	}
}

func TestConvTransposeHost(t *testing.T) {
	in := mustTensor(t, 2, 2, 1, 1, 2, 3, 4)
	w := []float32{1, 1, 1, 1}
	conv := &Conv2DTranspose{Conv2D: *NewConv2D(Common{Name: "up"}, 1, 2, 2, SymbolicPadding("valid"), w, nil)}
	out := run(t, conv, in)
	if out.Width != 4 || out.Height != 4 {
		t.Fatalf("output %v, want 4x4", out)
	}
	// A stride-2 2x2 ones kernel replicates every input texel into a
	// 2x2 block.
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			if got, want := out.At(x, y, 0), in.At(x/2, y/2, 0); got != want {
				t.Errorf("(%d,%d) = %v, want %v", x, y, got, want)
			}
		}
	}
}

func TestDepthwiseHost(t *testing.T) {
	in := tensor.New(3, 3, 2)
	for i := range in.Data {
		in.Data[i] = float32(i % 2)
	}
	w := make([]float32, 18)
	for i := range w {
		w[i] = float32(1 + i/9)
	}
	out := run(t, NewDepthwise(Common{Name: "dw"}, 3, 1, SymbolicPadding("valid"), w, nil), in)
	if out.Width != 1 || out.Channels != 2 {
		t.Fatalf("output %v, want 1x1x2", out)
	}
	if out.Data[0] != 0 || out.Data[1] != 18 {
		t.Errorf("out = %v, want [0 18]", out.Data)
	}
}

func TestPadHost(t *testing.T) {
	in := mustTensor(t, 2, 1, 1, 1, 2)
	tests := []struct {
		mode  PadMode
		value float32
		want  []float32
	}{
		{PadConstant, 0, []float32{0, 1, 2, 0}},
		{PadConstant, -1, []float32{-1, 1, 2, -1}},
		{PadReplicate, 0, []float32{1, 1, 2, 2}},
		{PadReflect, 0, []float32{2, 1, 2, 1}},
	}
	for _, tt := range tests {
		pad := ExplicitPadding(0, 0, 1, 1)
		pad.Mode, pad.Value = tt.mode, tt.value
		out := run(t, NewPad("pad", pad), in)
		for i, v := range tt.want {
			if out.Data[i] != v {
				t.Errorf("%s: out = %v, want %v", tt.mode, out.Data, tt.want)
				break
			}
		}
	}
}

func TestBatchNormHost(t *testing.T) {
	bn := &BatchNorm{
		Common:   Common{Name: "bn", Activation: "relu"},
		Channels: 2,
		Params: BatchNormParams{
			Gamma: []float32{1, 2}, Beta: []float32{0, 1}, Mean: []float32{1, 0}, Variance: []float32{1, 1}, Epsilon: 0,
		},
	}
	out := run(t, bn, mustTensor(t, 1, 1, 2, 0, 1))
	if !near(out.Data[0], 0) || !near(out.Data[1], 3) {
		t.Errorf("out = %v, want [0 3]", out.Data)
	}
}

func TestInstanceNormHost(t *testing.T) {
	l := &InstanceNorm{Common: Common{Name: "in"}, Epsilon: 0}
	out := run(t, l, mustTensor(t, 2, 1, 1, 1, 3))
	if !near(out.Data[0], -1) || !near(out.Data[1], 1) {
		t.Errorf("out = %v, want [-1 1]", out.Data)
	}
}

func TestDenseHost(t *testing.T) {
	in := mustTensor(t, 1, 1, 3, 1, 2, 3)
	d := NewDense(Common{Name: "fc"}, 2, []float32{1, 0, 0, 1, 1, 1}, []float32{0, -1})
	out := run(t, d, in)
	if out.Width != 2 || out.Data[0] != 1 || out.Data[1] != 5 {
		t.Errorf("out = %v %v, want [1 5]", out, out.Data)
	}
}

func TestFlattenHost(t *testing.T) {
	in := mustTensor(t, 2, 1, 2, 1, 2, 3, 4)
	out := run(t, &Flatten{Common: Common{Name: "flat"}}, in)
	if out.Width != 4 || out.Height != 1 || out.Channels != 1 {
		t.Fatalf("out = %v, want 4x1x1", out)
	}
	for i, v := range in.Data {
		if out.Data[i] != v {
			t.Errorf("out[%d] = %v, want %v", i, out.Data[i], v)
		}
	}
}

func TestUpsampleNearest(t *testing.T) {
	in := mustTensor(t, 2, 1, 1, 1, 2)
	out := run(t, NewUpsample("up", 2, InterpNearest), in)
	want := []float32{1, 1, 2, 2, 1, 1, 2, 2}
	if out.Width != 4 || out.Height != 2 {
		t.Fatalf("out = %v, want 4x2", out)
	}
	for i, v := range want {
		if out.Data[i] != v {
			t.Errorf("out = %v, want %v", out.Data, want)
			break
		}
	}
}

func TestUpsampleBilinearNormalize(t *testing.T) {
	in := mustTensor(t, 2, 1, 1, 0, 1)
	up := NewUpsample("up", 2, InterpBilinear)
	up.Normalize = &[2]float32{2, -1}
	out := run(t, up, in)
	// Bilinear row: 0, 0.25, 0.75, 1, mapped by v*2 - 1.
	want := []float32{-1, -0.5, 0.5, 1}
	for i, v := range want {
		if !near(out.Data[i], v) {
			t.Errorf("out[%d] = %v, want %v", i, out.Data[i], v)
		}
	}
}

func TestAdaptivePoolHost(t *testing.T) {
	in := tensor.New(4, 4, 1)
	for i := range in.Data {
		in.Data[i] = float32(i)
	}
	out := run(t, &AdaptivePool{Common: Common{Name: "gap"}, OutWidth: 1, OutHeight: 1}, in)
	if !near(out.Data[0], 7.5) {
		t.Errorf("global average = %v, want 7.5", out.Data[0])
	}
}

func TestAddHost(t *testing.T) {
	a := tensor.Filled(2, 2, 3, 1)
	b := tensor.Filled(2, 2, 3, -3)
	out := run(t, &Add{Common: Common{Name: "add", Activation: "relu"}}, a, b)
	for i, v := range out.Data {
		if v != 0 {
			t.Errorf("out[%d] = %v, want 0", i, v)
		}
	}
}

func TestHostKernelInputRange(t *testing.T) {
	identity := func(r InputRange) []Operator {
		c := Common{Name: "l", InputRange: r}
		return []Operator{
			NewConv2D(c, 1, 1, 1, SymbolicPadding("valid"), []float32{1}, nil),
			&Conv2DTranspose{Conv2D: *NewConv2D(c, 1, 1, 1, SymbolicPadding("valid"), []float32{1}, nil)},
			&BatchNorm{Common: c, Channels: 1, Params: BatchNormParams{
				Gamma: []float32{1}, Beta: []float32{0}, Mean: []float32{0}, Variance: []float32{1},
			}},
		}
	}
	tests := []struct {
		name        string
		rng         InputRange
		first, last bool
		in, want    float32
	}{
		{"none first", RangeNone, true, true, 0, 0},
		{"01 first", Range01, true, false, 0, MinRange01Input},
		{"01 first keeps larger", Range01, true, false, 0.5, 0.5},
		{"01 last", Range01, false, true, 0, 0},
		{"signed first", RangeSigned, true, false, 0.25, -0.5},
		{"signed last", RangeSigned, false, true, 0.25, 0.625},
		{"signed both", RangeSigned, true, true, 0.25, 0.25},
		{"signed middle", RangeSigned, false, false, 0.25, 0.25},
	}
	for _, tt := range tests {
		for _, l := range identity(tt.rng) {
			t.Run(tt.name+"/"+string(l.Kind()), func(t *testing.T) {
				in := tensor.Filled(2, 2, 1, tt.in)
				shape := ir.NewShape(2, 2, 1)
				k := HostKernel(l, ir.LayerOptions{Name: "l", In: []ir.Shape{shape}, Out: shape, First: tt.first, Last: tt.last})
				out, err := k.Compute([]*tensor.Tensor{in}, shape)
				if err != nil {
					t.Fatalf("Compute = %v", err)
				}
				for i, v := range out.Data {
					if !near(v, tt.want) {
						t.Errorf("out[%d] = %v, want %v", i, v, tt.want)
					}
				}
				if in.Data[0] != tt.in {
					t.Errorf("input modified: %v", in.Data[0])
				}
			})
		}
	}
}

func TestHostKernelUnranged(t *testing.T) {
	l := NewAveragePool("pool", 2, 2, SymbolicPadding("valid"))
	if k := HostKernel(l, ir.LayerOptions{First: true, Last: true}); k != Operator(l) {
		t.Errorf("HostKernel wrapped an operator without an input range")
	}
}
