package op

import (
	"fmt"

	"github.com/gogpu/shadernn/ir"
	"github.com/gogpu/shadernn/tensor"
)

// Depthwise is a depthwise convolution with depth multiplier 1: every
// channel is filtered by its own kernel and channels never mix.
type Depthwise struct {
	Common
	convGeometry
	kind     Kind
	Channels int
	// Weights are Channels x Kernel x Kernel.
	Weights   []float32
	Bias      []float32
	BatchNorm *BatchNormParams
}

func newDepthwise(kind Kind) Factory {
	return func(s Spec) (Operator, error) {
		c, err := commonFromSpec(s)
		if err != nil {
			return nil, err
		}
		g, err := geometryFromSpec(s, "kernel_size", "valid", 1)
		if err != nil {
			return nil, err
		}
		if m, err := s.Int("depth_multiplier", 1); err != nil {
			return nil, err
		} else if m != 1 {
			return nil, fmt.Errorf("%w: layer %q: depth multiplier %d", ErrUnsupported, s.Name, m)
		}
		l := &Depthwise{Common: c, convGeometry: g, kind: kind}
		w, ok := s.Weight("kernel")
		per := g.Kernel * g.Kernel
		if !ok || len(w) == 0 || len(w)%per != 0 {
			return nil, s.errorf("kernel", "want channels*k*k values, got %d", len(w))
		}
		l.Weights = w
		l.Channels = len(w) / per
		if l.Bias, err = s.OptionalWeight("bias", l.Channels); err != nil {
			return nil, err
		}
		useBN, err := s.Bool("use_batch_norm", false)
		if err != nil {
			return nil, err
		}
		if useBN {
			if l.BatchNorm, err = batchNormFromSpec(s, l.Channels); err != nil {
				return nil, err
			}
		}
		return l, nil
	}
}

// NewDepthwise returns a depthwise convolution.
func NewDepthwise(c Common, kernel, stride int, pad Padding, weights, bias []float32) *Depthwise {
	return &Depthwise{
		Common:       c,
		convGeometry: convGeometry{Kernel: kernel, Stride: stride, Padding: pad},
		kind:         KindDepthwiseConv2D,
		Channels:     len(weights) / (kernel * kernel),
		Weights:      weights,
		Bias:         bias,
	}
}

func (l *Depthwise) Kind() Kind {
	if l.kind == "" {
		return KindDepthwiseConv2D
	}
	return l.kind
}

func (l *Depthwise) Name() string            { return l.Common.Name }
func (l *Depthwise) Placement() ir.Placement { return ir.PlaceAccelerator }

func (l *Depthwise) InferOutputShape(in []ir.Shape) (ir.Shape, error) {
	if err := expectInputs(l.Kind(), in, 1); err != nil {
		return ir.Shape{}, err
	}
	if in[0].Channels != l.Channels {
		return ir.Shape{}, fmt.Errorf("%w: %s %q expects %d channels, got %d", ErrInputs, l.Kind(), l.Common.Name, l.Channels, in[0].Channels)
	}
	return checkOutput(l.Kind(), l.Common.Name, l.transform().Apply(in, l.Channels))
}

func (l *Depthwise) OutputTransform([]ir.Shape) ir.Transform { return l.transform() }

func (l *Depthwise) affine() (scale, shift []float32) {
	scale, shift = affineFromBias(l.Bias, l.Channels)
	if l.BatchNorm != nil {
		bs, bh := l.BatchNorm.ScaleShift()
		for c := range scale {
			shift[c] = shift[c]*bs[c] + bh[c]
			scale[c] = bs[c]
		}
	}
	return scale, shift
}

// packDepthwiseWeights lays out one vec4 per (ky, kx, plane).
func packDepthwiseWeights(w []float32, channels, k int) []float32 {
	d := tensor.PlaneCount(channels)
	res := make([]float32, k*k*d*tensor.Lanes)
	for c := 0; c < channels; c++ {
		for ky := 0; ky < k; ky++ {
			for kx := 0; kx < k; kx++ {
				res[((ky*k+kx)*d)*tensor.Lanes+c] = w[(c*k+ky)*k+kx]
			}
		}
	}
	return res
}

func (l *Depthwise) GeneratePasses(o ir.LayerOptions) ([]ir.Pass, error) {
	if _, err := l.InferOutputShape(o.In); err != nil {
		return nil, err
	}
	sample, err := sampleExpr(l.Padding, 0, "x * STRIDE - PAD_L + kx", "y * STRIDE - PAD_T + ky", "p", o.Precision.ScalarType())
	if err != nil {
		return nil, err
	}
	pr := &program{inputs: o.In, act: l.Common.Activation, alpha: l.LeakyReluAlpha}
	l.decls(pr, o)
	scale, shift := l.affine()
	pr.addWeight("kernel", packDepthwiseWeights(l.Weights, l.Channels, l.Kernel))
	pr.addWeight("affine", packAffine(scale, shift, l.Channels))
	pr.body = fmt.Sprintf(`for (var ky = 0; ky < KSIZE; ky = ky + 1) {
    for (var kx = 0; kx < KSIZE; kx = kx + 1) {
        result = result + wt_kernel((ky * KSIZE + kx) * OUT_D + p) * %s;
    }
}
result = result * wt_affine(2 * p) + wt_affine(2 * p + 1);`, sample)
	return generate(l.Kind(), o, pr)
}

func (l *Depthwise) Compute(in []*tensor.Tensor, out ir.Shape) (*tensor.Tensor, error) {
	if err := expectTensors(l.Kind(), in, 1); err != nil {
		return nil, err
	}
	src := in[0]
	if src.Channels != l.Channels {
		return nil, fmt.Errorf("%w: %s %q expects %d channels, got %d", tensor.ErrShape, l.Kind(), l.Common.Name, l.Channels, src.Channels)
	}
	dst, err := hostOutput(l.Kind(), out)
	if err != nil {
		return nil, err
	}
	k, off := l.Kernel, l.offsets()
	for oy := 0; oy < dst.Height; oy++ {
		for ox := 0; ox < dst.Width; ox++ {
			for c := 0; c < dst.Channels; c++ {
				var sum float32
				for ky := 0; ky < k; ky++ {
					for kx := 0; kx < k; kx++ {
						sx := ox*l.Stride - off.Left + kx
						sy := oy*l.Stride - off.Top + ky
						sum += l.Weights[(c*k+ky)*k+kx] * samplePadded(src, sx, sy, c, l.Padding)
					}
				}
				dst.Set(ox, oy, c, sum)
			}
		}
	}
	scale, shift := l.affine()
	if err := finishHost(dst, scale, shift, l.Common); err != nil {
		return nil, err
	}
	return dst, nil
}
