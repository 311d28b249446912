package op

import (
	"fmt"
	"math"

	"github.com/gogpu/shadernn/internal/wgsl"
	"github.com/gogpu/shadernn/ir"
	"github.com/gogpu/shadernn/tensor"
)

// BatchNorm applies per-channel batch normalization with precomputed
// statistics, folded into one scale and shift per channel.
type BatchNorm struct {
	Common
	Channels int
	Params   BatchNormParams
}

func newBatchNorm(s Spec) (Operator, error) {
	c, err := commonFromSpec(s)
	if err != nil {
		return nil, err
	}
	gamma, ok := s.Weight("gamma")
	if !ok || len(gamma) == 0 {
		return nil, s.errorf("gamma", "missing weights")
	}
	bn, err := batchNormFromSpec(s, len(gamma))
	if err != nil {
		return nil, err
	}
	return &BatchNorm{Common: c, Channels: len(gamma), Params: *bn}, nil
}

func (l *BatchNorm) Kind() Kind              { return KindBatchNormalization }
func (l *BatchNorm) Range() InputRange       { return l.InputRange }
func (l *BatchNorm) Name() string            { return l.Common.Name }
func (l *BatchNorm) Placement() ir.Placement { return ir.PlaceAccelerator }

func (l *BatchNorm) InferOutputShape(in []ir.Shape) (ir.Shape, error) {
	if err := expectInputs(KindBatchNormalization, in, 1); err != nil {
		return ir.Shape{}, err
	}
	if in[0].Channels != l.Channels {
		return ir.Shape{}, fmt.Errorf("%w: %s %q expects %d channels, got %d", ErrInputs, KindBatchNormalization, l.Common.Name, l.Channels, in[0].Channels)
	}
	return in[0], nil
}

func (l *BatchNorm) OutputTransform([]ir.Shape) ir.Transform { return ir.Identity() }

func (l *BatchNorm) GeneratePasses(o ir.LayerOptions) ([]ir.Pass, error) {
	if _, err := l.InferOutputShape(o.In); err != nil {
		return nil, err
	}
	scale, shift := l.Params.ScaleShift()
	pr := &program{inputs: o.In, act: l.Common.Activation, alpha: l.LeakyReluAlpha, inRange: l.InputRange}
	pr.addWeight("affine", packAffine(scale, shift, l.Channels))
	pr.body = "result = load_src0(x, y, p) * wt_affine(2 * p) + wt_affine(2 * p + 1);"
	return generate(KindBatchNormalization, o, pr)
}

func (l *BatchNorm) Compute(in []*tensor.Tensor, _ ir.Shape) (*tensor.Tensor, error) {
	if err := expectTensors(KindBatchNormalization, in, 1); err != nil {
		return nil, err
	}
	if in[0].Channels != l.Channels {
		return nil, fmt.Errorf("%w: %s %q expects %d channels, got %d", tensor.ErrShape, KindBatchNormalization, l.Common.Name, l.Channels, in[0].Channels)
	}
	out := in[0].Clone()
	scale, shift := l.Params.ScaleShift()
	if err := finishHost(out, scale, shift, l.Common); err != nil {
		return nil, err
	}
	return out, nil
}

// DefaultInstanceNormEpsilon is added to the per-plane variance.
const DefaultInstanceNormEpsilon = 1e-5

// InstanceNorm normalizes every channel by its own spatial mean and
// variance, then applies an optional per-channel gamma and beta.
type InstanceNorm struct {
	Common
	Gamma, Beta []float32
	Epsilon     float32
}

func newInstanceNorm(s Spec) (Operator, error) {
	c, err := commonFromSpec(s)
	if err != nil {
		return nil, err
	}
	l := &InstanceNorm{Common: c}
	l.Gamma, _ = s.Weight("gamma")
	l.Beta, _ = s.Weight("beta")
	if l.Gamma != nil && l.Beta != nil && len(l.Gamma) != len(l.Beta) {
		return nil, s.errorf("beta", "want %d values, got %d", len(l.Gamma), len(l.Beta))
	}
	if l.Epsilon, err = s.Float("epsilon", DefaultInstanceNormEpsilon); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *InstanceNorm) Kind() Kind              { return KindInstanceNorm }
func (l *InstanceNorm) Name() string            { return l.Common.Name }
func (l *InstanceNorm) Placement() ir.Placement { return ir.PlaceAccelerator }

func (l *InstanceNorm) InferOutputShape(in []ir.Shape) (ir.Shape, error) {
	if err := expectInputs(KindInstanceNorm, in, 1); err != nil {
		return ir.Shape{}, err
	}
	for _, w := range [][]float32{l.Gamma, l.Beta} {
		if w != nil && len(w) != in[0].Channels {
			return ir.Shape{}, fmt.Errorf("%w: %s %q has %d affine values for %d channels", ErrInputs, KindInstanceNorm, l.Common.Name, len(w), in[0].Channels)
		}
	}
	return in[0], nil
}

func (l *InstanceNorm) OutputTransform([]ir.Shape) ir.Transform { return ir.Identity() }

func (l *InstanceNorm) affine(channels int) (scale, shift []float32) {
	scale, shift = affineFromBias(l.Beta, channels)
	if l.Gamma != nil {
		copy(scale, l.Gamma)
	}
	return scale, shift
}

const instanceNormBody = `var sum = vec4<f32>(0.0);
var sq = vec4<f32>(0.0);
for (var iy = 0; iy < SRC0_H; iy = iy + 1) {
    for (var ix = 0; ix < SRC0_W; ix = ix + 1) {
        let v = vec4<f32>(load_src0(ix, iy, p));
        sum = sum + v;
        sq = sq + v * v;
    }
}
let count = f32(SRC0_W * SRC0_H);
let mean = sum / count;
let variance = max(sq / count - mean * mean, vec4<f32>(0.0));
let norm = (vec4<f32>(load_src0(x, y, p)) - mean) / sqrt(variance + vec4<f32>(EPSILON));
result = %s(norm) * wt_affine(2 * p) + wt_affine(2 * p + 1);`

func (l *InstanceNorm) GeneratePasses(o ir.LayerOptions) ([]ir.Pass, error) {
	if _, err := l.InferOutputShape(o.In); err != nil {
		return nil, err
	}
	eps, err := wgsl.FloatConst("EPSILON", "f32", l.Epsilon)
	if err != nil {
		return nil, err
	}
	scale, shift := l.affine(o.In[0].Channels)
	pr := &program{inputs: o.In, act: l.Common.Activation, alpha: l.LeakyReluAlpha}
	pr.decls = append(pr.decls, eps)
	pr.addWeight("affine", packAffine(scale, shift, o.In[0].Channels))
	pr.body = fmt.Sprintf(instanceNormBody, vec4T(o))
	return generate(KindInstanceNorm, o, pr)
}

func (l *InstanceNorm) Compute(in []*tensor.Tensor, _ ir.Shape) (*tensor.Tensor, error) {
	if err := expectTensors(KindInstanceNorm, in, 1); err != nil {
		return nil, err
	}
	src := in[0]
	out := src.Clone()
	n := float64(src.Width * src.Height)
	scale, shift := l.affine(src.Channels)
	for c := 0; c < src.Channels; c++ {
		var sum, sq float64
		for i := c; i < len(src.Data); i += src.Channels {
			v := float64(src.Data[i])
			sum += v
			sq += v * v
		}
		mean := sum / n
		variance := max(sq/n-mean*mean, 0)
		inv := 1 / math.Sqrt(variance+float64(l.Epsilon))
		for i := c; i < len(out.Data); i += src.Channels {
			out.Data[i] = float32((float64(src.Data[i])-mean)*inv)*scale[c] + shift[c]
		}
	}
	if err := finishHost(out, nil, nil, l.Common); err != nil {
		return nil, err
	}
	return out, nil
}
