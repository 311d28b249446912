package op

import (
	"fmt"

	"github.com/gogpu/shadernn/internal/wgsl"
	"github.com/gogpu/shadernn/ir"
	"github.com/gogpu/shadernn/tensor"
)

// Pool is a square-window average or max pooling. Average pooling divides
// by the full window area; taps outside the input read zero. Max pooling
// ignores taps outside the input.
type Pool struct {
	Common
	convGeometry
	Max bool
}

func newPool(kind Kind) Factory {
	return func(s Spec) (Operator, error) {
		c, err := commonFromSpec(s)
		if err != nil {
			return nil, err
		}
		g, err := geometryFromSpec(s, "pool_size", "valid", 0)
		if err != nil {
			return nil, err
		}
		return &Pool{Common: c, convGeometry: g, Max: kind == KindMaxPooling2D}, nil
	}
}

// NewAveragePool returns an average pooling layer.
func NewAveragePool(name string, size, stride int, pad Padding) *Pool {
	return &Pool{Common: Common{Name: name}, convGeometry: convGeometry{Kernel: size, Stride: stride, Padding: pad}}
}

// NewMaxPool returns a max pooling layer.
func NewMaxPool(name string, size, stride int, pad Padding) *Pool {
	p := NewAveragePool(name, size, stride, pad)
	p.Max = true
	return p
}

func (l *Pool) Kind() Kind {
	if l.Max {
		return KindMaxPooling2D
	}
	return KindAveragePooling2D
}

func (l *Pool) Name() string            { return l.Common.Name }
func (l *Pool) Placement() ir.Placement { return ir.PlaceAccelerator }

func (l *Pool) InferOutputShape(in []ir.Shape) (ir.Shape, error) {
	if err := expectInputs(l.Kind(), in, 1); err != nil {
		return ir.Shape{}, err
	}
	return checkOutput(l.Kind(), l.Common.Name, l.transform().Apply(in, in[0].Channels))
}

func (l *Pool) OutputTransform([]ir.Shape) ir.Transform { return l.transform() }

const avgPoolBody = `for (var ky = 0; ky < KSIZE; ky = ky + 1) {
    for (var kx = 0; kx < KSIZE; kx = kx + 1) {
        result = result + load_src0(x * STRIDE - PAD_L + kx, y * STRIDE - PAD_T + ky, p);
    }
}
result = result * INV_AREA;`

const maxPoolBody = `var found = false;
for (var ky = 0; ky < KSIZE; ky = ky + 1) {
    for (var kx = 0; kx < KSIZE; kx = kx + 1) {
        let sx = x * STRIDE - PAD_L + kx;
        let sy = y * STRIDE - PAD_T + ky;
        if (inside_src0(sx, sy)) {
            let v = fetch_src0(sx, sy, p);
            if (found) {
                result = max(result, v);
            } else {
                result = v;
                found = true;
            }
        }
    }
}`

func (l *Pool) GeneratePasses(o ir.LayerOptions) ([]ir.Pass, error) {
	if _, err := l.InferOutputShape(o.In); err != nil {
		return nil, err
	}
	pr := &program{inputs: o.In, act: l.Common.Activation, alpha: l.LeakyReluAlpha}
	l.decls(pr, o)
	if l.Max {
		pr.body = maxPoolBody
	} else {
		inv, err := wgsl.FloatConst("INV_AREA", o.Precision.ScalarType(), 1/float32(l.Kernel*l.Kernel))
		if err != nil {
			return nil, err
		}
		pr.decls = append(pr.decls, inv)
		pr.body = avgPoolBody
	}
	return generate(l.Kind(), o, pr)
}

func (l *Pool) Compute(in []*tensor.Tensor, out ir.Shape) (*tensor.Tensor, error) {
	if err := expectTensors(l.Kind(), in, 1); err != nil {
		return nil, err
	}
	src := in[0]
	dst, err := hostOutput(l.Kind(), out)
	if err != nil {
		return nil, err
	}
	if dst.Channels != src.Channels {
		return nil, fmt.Errorf("%w: %s %q: %d channels in, %d out", tensor.ErrShape, l.Kind(), l.Common.Name, src.Channels, dst.Channels)
	}
	k, off := l.Kernel, l.offsets()
	inv := 1 / float32(k*k)
	for oy := 0; oy < dst.Height; oy++ {
		for ox := 0; ox < dst.Width; ox++ {
			for c := 0; c < dst.Channels; c++ {
				var acc float32
				found := false
				for ky := 0; ky < k; ky++ {
					for kx := 0; kx < k; kx++ {
						sx := ox*l.Stride - off.Left + kx
						sy := oy*l.Stride - off.Top + ky
						if sx < 0 || sy < 0 || sx >= src.Width || sy >= src.Height {
							continue
						}
						v := src.At(sx, sy, c)
						switch {
						case !l.Max:
							acc += v
						case !found || v > acc:
							acc = v
						}
						found = true
					}
				}
				if !l.Max {
					acc *= inv
				}
				dst.Set(ox, oy, c, acc)
			}
		}
	}
	if err := finishHost(dst, nil, nil, l.Common); err != nil {
		return nil, err
	}
	return dst, nil
}

// AdaptivePool is an average pooling producing a fixed spatial size. The
// window and stride per axis are derived from the input size:
// stride = in/out and kernel = in - (out-1)*stride.
type AdaptivePool struct {
	Common
	OutWidth, OutHeight int
}

func newAdaptivePool(s Spec) (Operator, error) {
	c, err := commonFromSpec(s)
	if err != nil {
		return nil, err
	}
	size, err := s.Ints("output_size")
	if err != nil {
		return nil, err
	}
	l := &AdaptivePool{Common: c}
	switch len(size) {
	case 1:
		l.OutWidth, l.OutHeight = size[0], size[0]
	case 2:
		l.OutHeight, l.OutWidth = size[0], size[1]
	default:
		return nil, s.errorf("output_size", "want [height, width] or a single size")
	}
	if l.OutWidth <= 0 || l.OutHeight <= 0 {
		return nil, s.errorf("output_size", "want positive sizes, got %v", size)
	}
	return l, nil
}

func (l *AdaptivePool) Kind() Kind              { return KindAdaptiveAvgPool2D }
func (l *AdaptivePool) Name() string            { return l.Common.Name }
func (l *AdaptivePool) Placement() ir.Placement { return ir.PlaceAccelerator }

func (l *AdaptivePool) InferOutputShape(in []ir.Shape) (ir.Shape, error) {
	if err := expectInputs(KindAdaptiveAvgPool2D, in, 1); err != nil {
		return ir.Shape{}, err
	}
	if in[0].Width < l.OutWidth || in[0].Height < l.OutHeight {
		return ir.Shape{}, fmt.Errorf("%w: %s %q: input %v smaller than output %dx%d",
			ErrUnsupported, KindAdaptiveAvgPool2D, l.Common.Name, in[0], l.OutWidth, l.OutHeight)
	}
	return l.OutputTransform(in).Apply(in, in[0].Channels), nil
}

func (l *AdaptivePool) OutputTransform([]ir.Shape) ir.Transform {
	return ir.FixedSize(l.OutWidth, l.OutHeight, 0)
}

// window returns stride and kernel along one axis.
func adaptiveWindow(in, out int) (stride, kernel int) {
	stride = in / out
	return stride, in - (out-1)*stride
}

func (l *AdaptivePool) GeneratePasses(o ir.LayerOptions) ([]ir.Pass, error) {
	if _, err := l.InferOutputShape(o.In); err != nil {
		return nil, err
	}
	sw, kw := adaptiveWindow(o.In[0].Width, l.OutWidth)
	sh, kh := adaptiveWindow(o.In[0].Height, l.OutHeight)
	inv, err := wgsl.FloatConst("INV_AREA", o.Precision.ScalarType(), 1/float32(kw*kh))
	if err != nil {
		return nil, err
	}
	pr := &program{inputs: o.In, act: l.Common.Activation, alpha: l.LeakyReluAlpha}
	pr.addDecl("%s\n%s\n%s\n%s\n%s",
		wgsl.IntConst("KW", kw), wgsl.IntConst("KH", kh),
		wgsl.IntConst("SW", sw), wgsl.IntConst("SH", sh), inv)
	pr.body = `for (var ky = 0; ky < KH; ky = ky + 1) {
    for (var kx = 0; kx < KW; kx = kx + 1) {
        result = result + load_src0(x * SW + kx, y * SH + ky, p);
    }
}
result = result * INV_AREA;`
	return generate(KindAdaptiveAvgPool2D, o, pr)
}

func (l *AdaptivePool) Compute(in []*tensor.Tensor, out ir.Shape) (*tensor.Tensor, error) {
	if err := expectTensors(KindAdaptiveAvgPool2D, in, 1); err != nil {
		return nil, err
	}
	src := in[0]
	dst, err := hostOutput(KindAdaptiveAvgPool2D, out)
	if err != nil {
		return nil, err
	}
	sw, kw := adaptiveWindow(src.Width, dst.Width)
	sh, kh := adaptiveWindow(src.Height, dst.Height)
	inv := 1 / float32(kw*kh)
	for oy := 0; oy < dst.Height; oy++ {
		for ox := 0; ox < dst.Width; ox++ {
			for c := 0; c < dst.Channels; c++ {
				var sum float32
				for ky := 0; ky < kh; ky++ {
					for kx := 0; kx < kw; kx++ {
						sum += src.At(ox*sw+kx, oy*sh+ky, c)
					}
				}
				dst.Set(ox, oy, c, sum*inv)
			}
		}
	}
	if err := finishHost(dst, nil, nil, l.Common); err != nil {
		return nil, err
	}
	return dst, nil
}
