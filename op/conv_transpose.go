package op

import (
	"fmt"

	"github.com/gogpu/shadernn/ir"
	"github.com/gogpu/shadernn/tensor"
)

// Conv2DTranspose is a strided transposed convolution, computed as a
// gather: each output texel collects the input texels whose scattered
// kernel footprint covers it. Weights use the Conv2D layout.
type Conv2DTranspose struct {
	Conv2D
}

func newConv2DTranspose(s Spec) (Operator, error) {
	c, err := convFromSpec(s)
	if err != nil {
		return nil, err
	}
	return &Conv2DTranspose{Conv2D: *c}, nil
}

func (l *Conv2DTranspose) Kind() Kind { return KindConv2DTranspose }

// transform maps in to (in-1)*s + k - padding, i.e. scale s and
// translation k - s - padding.
func (l *Conv2DTranspose) transform() ir.Transform {
	o := l.offsets()
	s := float32(l.Stride)
	k := float32(l.Kernel)
	return ir.Transform{
		ScaleW:     s,
		ScaleH:     s,
		TranslateW: k - s - float32(o.Horizontal()),
		TranslateH: k - s - float32(o.Vertical()),
	}
}

func (l *Conv2DTranspose) InferOutputShape(in []ir.Shape) (ir.Shape, error) {
	if err := expectInputs(KindConv2DTranspose, in, 1); err != nil {
		return ir.Shape{}, err
	}
	if in[0].Channels != l.InChannels {
		return ir.Shape{}, fmt.Errorf("%w: %s %q expects %d channels, got %d", ErrInputs, KindConv2DTranspose, l.Common.Name, l.InChannels, in[0].Channels)
	}
	return checkOutput(KindConv2DTranspose, l.Common.Name, l.transform().Apply(in, l.Filters))
}

func (l *Conv2DTranspose) OutputTransform([]ir.Shape) ir.Transform { return l.transform() }

func (l *Conv2DTranspose) GeneratePasses(o ir.LayerOptions) ([]ir.Pass, error) {
	if _, err := l.InferOutputShape(o.In); err != nil {
		return nil, err
	}
	pr := &program{inputs: o.In, act: l.Common.Activation, alpha: l.LeakyReluAlpha, inRange: l.InputRange}
	l.decls(pr, o)
	pr.addWeight("kernel", packConvWeights(l.Weights, l.Filters, l.InChannels, l.Kernel))
	pr.addWeight("affine", packAffine(l.affineVectors()))
	pr.body = fmt.Sprintf(`for (var ky = 0; ky < KSIZE; ky = ky + 1) {
    for (var kx = 0; kx < KSIZE; kx = kx + 1) {
        let ny = y + PAD_T - ky;
        let nx = x + PAD_L - kx;
        if (ny >= 0 && nx >= 0 && ny %% STRIDE == 0 && nx %% STRIDE == 0) {
            let sy = ny / STRIDE;
            let sx = nx / STRIDE;
            for (var q = 0; q < SRC0_D; q = q + 1) {
                let v = load_src0(sx, sy, q);
                let base = (((ky * KSIZE + kx) * OUT_D + p) * SRC0_D + q) * 4;
                %s
            }
        }
    }
}
result = result * wt_affine(2 * p) + wt_affine(2 * p + 1);`, convAccumulate(vec4T(o)))
	return generate(KindConv2DTranspose, o, pr)
}

func (l *Conv2DTranspose) Compute(in []*tensor.Tensor, out ir.Shape) (*tensor.Tensor, error) {
	if err := expectTensors(KindConv2DTranspose, in, 1); err != nil {
		return nil, err
	}
	src := in[0]
	if src.Channels != l.InChannels {
		return nil, fmt.Errorf("%w: %s %q expects %d channels, got %d", tensor.ErrShape, KindConv2DTranspose, l.Common.Name, l.InChannels, src.Channels)
	}
	dst, err := hostOutput(KindConv2DTranspose, out)
	if err != nil {
		return nil, err
	}
	k, s, off := l.Kernel, l.Stride, l.offsets()
	for oy := 0; oy < dst.Height; oy++ {
		for ox := 0; ox < dst.Width; ox++ {
			for oc := 0; oc < dst.Channels; oc++ {
				var sum float32
				for ky := 0; ky < k; ky++ {
					ny := oy + off.Top - ky
					if ny < 0 || ny%s != 0 || ny/s >= src.Height {
						continue
					}
					for kx := 0; kx < k; kx++ {
						nx := ox + off.Left - kx
						if nx < 0 || nx%s != 0 || nx/s >= src.Width {
							continue
						}
						for ic := 0; ic < l.InChannels; ic++ {
							sum += l.Weights[((oc*l.InChannels+ic)*k+ky)*k+kx] * src.At(nx/s, ny/s, ic)
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
