package op

import (
	"fmt"
	"math"
	"strings"

	"github.com/gogpu/shadernn/internal/wgsl"
	"github.com/gogpu/shadernn/ir"
	"github.com/gogpu/shadernn/tensor"
)

// DefaultBatchNormEpsilon is added to the variance of batch normalization.
const DefaultBatchNormEpsilon = 0.001

// BatchNormParams are per-channel batch normalization statistics.
type BatchNormParams struct {
	Gamma, Beta, Mean, Variance []float32
	Epsilon                     float32
}

// ScaleShift folds the statistics into y = x*scale + shift.
func (b *BatchNormParams) ScaleShift() (scale, shift []float32) {
	n := len(b.Gamma)
	scale = make([]float32, n)
	shift = make([]float32, n)
	for c := 0; c < n; c++ {
		d := max(math.Sqrt(float64(b.Variance[c]+b.Epsilon)), 0.0001)
		scale[c] = b.Gamma[c] / float32(d)
		shift[c] = b.Beta[c] - b.Mean[c]*scale[c]
	}
	return scale, shift
}

func batchNormFromSpec(s Spec, channels int) (*BatchNormParams, error) {
	bn := &BatchNormParams{}
	var err error
	if bn.Gamma, err = s.RequireWeight("gamma", channels); err != nil {
		return nil, err
	}
	if bn.Beta, err = s.RequireWeight("beta", channels); err != nil {
		return nil, err
	}
	if bn.Mean, err = s.RequireWeight("moving_mean", channels); err != nil {
		return nil, err
	}
	if bn.Variance, err = s.RequireWeight("moving_variance", channels); err != nil {
		return nil, err
	}
	if bn.Epsilon, err = s.Float("epsilon", DefaultBatchNormEpsilon); err != nil {
		return nil, err
	}
	return bn, nil
}

// convGeometry is the window of a square-kernel convolution or pooling.
type convGeometry struct {
	Kernel  int
	Stride  int
	Padding Padding
}

func geometryFromSpec(s Spec, kernelKey string, defPadding string, strideDefault int) (convGeometry, error) {
	var g convGeometry
	var err error
	if g.Kernel, err = s.Int(kernelKey, 0); err != nil {
		return g, err
	}
	if g.Kernel <= 0 {
		return g, s.errorf(kernelKey, "want a positive kernel size, got %d", g.Kernel)
	}
	if strideDefault == 0 {
		strideDefault = g.Kernel
	}
	if g.Stride, err = s.Int("strides", strideDefault); err != nil {
		return g, err
	}
	if g.Stride <= 0 {
		return g, s.errorf("strides", "want a positive stride, got %d", g.Stride)
	}
	if g.Padding, err = paddingFromSpec(s, defPadding); err != nil {
		return g, err
	}
	if _, err := PaddingOffsets(g.Padding, g.Kernel); err != nil {
		return g, fmt.Errorf("layer %q: %w", s.Name, err)
	}
	return g, nil
}

// offsets resolves the padding. Geometry is validated at construction, so
// an error here yields zero padding.
func (g convGeometry) offsets() Offsets {
	o, err := PaddingOffsets(g.Padding, g.Kernel)
	if err != nil {
		return Offsets{}
	}
	return o
}

// transform is the window transform: scale 1/s, translation
// 1 + (padding - k)/s per axis.
func (g convGeometry) transform() ir.Transform {
	o := g.offsets()
	s := float32(g.Stride)
	k := float32(g.Kernel)
	return ir.Transform{
		ScaleW:     1 / s,
		ScaleH:     1 / s,
		TranslateW: 1 + (float32(o.Horizontal())-k)/s,
		TranslateH: 1 + (float32(o.Vertical())-k)/s,
	}
}

func (g convGeometry) decls(pr *program, o ir.LayerOptions) {
	off := g.offsets()
	pr.addDecl("%s\n%s\n%s\n%s\n%s",
		wgsl.IntConst("KSIZE", g.Kernel),
		wgsl.IntConst("STRIDE", g.Stride),
		wgsl.IntConst("PAD_T", off.Top),
		wgsl.IntConst("PAD_L", off.Left),
		wgsl.IntConst("OUT_D", o.Out.Depth))
}

func checkOutput(kind Kind, name string, out ir.Shape) (ir.Shape, error) {
	if !out.Valid() {
		return ir.Shape{}, fmt.Errorf("%w: %s %q: output shape %v is empty", ErrUnsupported, kind, name, out)
	}
	return out, nil
}

// Conv2D is a square-kernel 2-D convolution with optional bias, fused
// batch normalization and activation.
type Conv2D struct {
	Common
	convGeometry
	Filters    int
	InChannels int
	// Weights are in OIHW order: Filters x InChannels x Kernel x Kernel.
	Weights   []float32
	Bias      []float32
	BatchNorm *BatchNormParams
}

// NewConv2D returns a convolution over len(weights)/(filters*k*k) input
// channels.
func NewConv2D(c Common, filters, kernel, stride int, pad Padding, weights, bias []float32) *Conv2D {
	return &Conv2D{
		Common:       c,
		convGeometry: convGeometry{Kernel: kernel, Stride: stride, Padding: pad},
		Filters:      filters,
		InChannels:   len(weights) / (filters * kernel * kernel),
		Weights:      weights,
		Bias:         bias,
	}
}

func newConv2D(s Spec) (Operator, error) {
	l, err := convFromSpec(s)
	if err != nil {
		return nil, err
	}
	return l, nil
}

func convFromSpec(s Spec) (*Conv2D, error) {
	c, err := commonFromSpec(s)
	if err != nil {
		return nil, err
	}
	g, err := geometryFromSpec(s, "kernel_size", "valid", 1)
	if err != nil {
		return nil, err
	}
	l := &Conv2D{Common: c, convGeometry: g}
	if l.Filters, err = s.Int("filters", 0); err != nil {
		return nil, err
	}
	if l.Filters <= 0 {
		return nil, s.errorf("filters", "want a positive count, got %d", l.Filters)
	}
	kernel, ok := s.Weight("kernel")
	per := l.Filters * g.Kernel * g.Kernel
	if !ok || len(kernel) == 0 || len(kernel)%per != 0 {
		return nil, s.errorf("kernel", "want filters*in*k*k values, got %d", len(kernel))
	}
	l.Weights = kernel
	l.InChannels = len(kernel) / per
	if l.Bias, err = s.OptionalWeight("bias", l.Filters); err != nil {
		return nil, err
	}
	useBN, err := s.Bool("use_batch_norm", false)
	if err != nil {
		return nil, err
	}
	if useBN {
		if l.BatchNorm, err = batchNormFromSpec(s, l.Filters); err != nil {
			return nil, err
		}
	}
	return l, nil
}

func (l *Conv2D) Kind() Kind              { return KindConv2D }
func (l *Conv2D) Range() InputRange       { return l.InputRange }
func (l *Conv2D) Name() string            { return l.Common.Name }
func (l *Conv2D) Placement() ir.Placement { return ir.PlaceAccelerator }

func (l *Conv2D) InferOutputShape(in []ir.Shape) (ir.Shape, error) {
	if err := expectInputs(KindConv2D, in, 1); err != nil {
		return ir.Shape{}, err
	}
	if in[0].Channels != l.InChannels {
		return ir.Shape{}, fmt.Errorf("%w: %s %q expects %d channels, got %d", ErrInputs, KindConv2D, l.Common.Name, l.InChannels, in[0].Channels)
	}
	return checkOutput(KindConv2D, l.Common.Name, l.transform().Apply(in, l.Filters))
}

// OutputTransform reports the coordinate transform of the layer. For even
// kernels the translation counts one padding texel less,
// 1 + (T+B-1-k)/s, so it runs one texel short of InferOutputShape, which
// follows the window arithmetic.
func (l *Conv2D) OutputTransform([]ir.Shape) ir.Transform {
	t := l.transform()
	if l.Kernel%2 == 0 {
		t.TranslateW -= 1 / float32(l.Stride)
		t.TranslateH -= 1 / float32(l.Stride)
	}
	return t
}

func (l *Conv2D) affine() (scale, shift []float32) {
	scale, shift = affineFromBias(l.Bias, l.Filters)
	if l.BatchNorm != nil {
		bs, bh := l.BatchNorm.ScaleShift()
		for c := range scale {
			shift[c] = shift[c]*bs[c] + bh[c]
			scale[c] = bs[c]
		}
	}
	return scale, shift
}

// packConvWeights lays out OIHW weights as one 4x4 block per
// (ky, kx, output plane, input plane); row r of a block holds the weights
// of output lane r against the four input lanes.
func packConvWeights(w []float32, out, in, k int) []float32 {
	od, id := tensor.PlaneCount(out), tensor.PlaneCount(in)
	res := make([]float32, k*k*od*id*16)
	for ky := 0; ky < k; ky++ {
		for kx := 0; kx < k; kx++ {
			for o := 0; o < out; o++ {
				for i := 0; i < in; i++ {
					p, lo := o/4, o%4
					q, li := i/4, i%4
					base := (((ky*k+kx)*od+p)*id + q) * 16
					res[base+lo*4+li] = w[((o*in+i)*k+ky)*k+kx]
				}
			}
		}
	}
	return res
}

// convAccumulate multiplies the 4x4 weight block at base with the input
// vec4 v.
func convAccumulate(vec string) string {
	return "result = result + " + vec + "(dot(wt_kernel(base), v), dot(wt_kernel(base + 1), v), dot(wt_kernel(base + 2), v), dot(wt_kernel(base + 3), v));"
}

func (l *Conv2D) GeneratePasses(o ir.LayerOptions) ([]ir.Pass, error) {
	if _, err := l.InferOutputShape(o.In); err != nil {
		return nil, err
	}
	sample, err := sampleExpr(l.Padding, 0, "sx", "sy", "q", o.Precision.ScalarType())
	if err != nil {
		return nil, err
	}
	pr := &program{inputs: o.In, act: l.Common.Activation, alpha: l.LeakyReluAlpha, inRange: l.InputRange}
	l.decls(pr, o)
	pr.addWeight("kernel", packConvWeights(l.Weights, l.Filters, l.InChannels, l.Kernel))
	pr.addWeight("affine", packAffine(l.affineVectors()))

	var b strings.Builder
	fmt.Fprintf(&b, `for (var ky = 0; ky < KSIZE; ky = ky + 1) {
    for (var kx = 0; kx < KSIZE; kx = kx + 1) {
        let sx = x * STRIDE - PAD_L + kx;
        let sy = y * STRIDE - PAD_T + ky;
        for (var q = 0; q < SRC0_D; q = q + 1) {
            let v = %s;
            let base = (((ky * KSIZE + kx) * OUT_D + p) * SRC0_D + q) * 4;
            %s
        }
    }
}
result = result * wt_affine(2 * p) + wt_affine(2 * p + 1);`, sample, convAccumulate(vec4T(o)))
	pr.body = b.String()
	return generate(KindConv2D, o, pr)
}

func (l *Conv2D) affineVectors() ([]float32, []float32, int) {
	scale, shift := l.affine()
	return scale, shift, l.Filters
}

func (l *Conv2D) Compute(in []*tensor.Tensor, out ir.Shape) (*tensor.Tensor, error) {
	if err := expectTensors(KindConv2D, in, 1); err != nil {
		return nil, err
	}
	src := in[0]
	if src.Channels != l.InChannels {
		return nil, fmt.Errorf("%w: %s %q expects %d channels, got %d", tensor.ErrShape, KindConv2D, l.Common.Name, l.InChannels, src.Channels)
	}
	dst, err := hostOutput(KindConv2D, out)
	if err != nil {
		return nil, err
	}
	k, off := l.Kernel, l.offsets()
	for oy := 0; oy < dst.Height; oy++ {
		for ox := 0; ox < dst.Width; ox++ {
			for oc := 0; oc < dst.Channels; oc++ {
				var sum float32
				for ky := 0; ky < k; ky++ {
					sy := oy*l.Stride - off.Top + ky
					for kx := 0; kx < k; kx++ {
						sx := ox*l.Stride - off.Left + kx
						for ic := 0; ic < l.InChannels; ic++ {
							sum += l.Weights[((oc*l.InChannels+ic)*k+ky)*k+kx] * samplePadded(src, sx, sy, ic, l.Padding)
						}
					}
				}
				dst.Set(ox, oy, oc, sum)
			}
		}
	}
	scale, shift := l.affine()
	if err := finishHost(dst, scale, shift, l.Common); err != nil {
		return nil, err
	}
	return dst, nil
}
