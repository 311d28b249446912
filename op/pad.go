package op

import (
	"fmt"

	"github.com/gogpu/shadernn/internal/wgsl"
	"github.com/gogpu/shadernn/ir"
	"github.com/gogpu/shadernn/tensor"
)

// Pad grows the input by fixed borders filled with a constant, the
// replicated edge or the reflected interior.
type Pad struct {
	Common
	Padding Padding
	// KernelSize resolves symbolic padding modes.
	KernelSize int
}

func newPad(s Spec) (Operator, error) {
	c, err := commonFromSpec(s)
	if err != nil {
		return nil, err
	}
	l := &Pad{Common: c}
	if l.Padding, err = paddingFromSpec(s, "valid"); err != nil {
		return nil, err
	}
	if l.KernelSize, err = s.Int("kernel_size", 1); err != nil {
		return nil, err
	}
	if _, err := PaddingOffsets(l.Padding, l.KernelSize); err != nil {
		return nil, fmt.Errorf("layer %q: %w", s.Name, err)
	}
	return l, nil
}

// NewPad returns a pad layer.
func NewPad(name string, pad Padding) *Pad {
	return &Pad{Common: Common{Name: name}, Padding: pad, KernelSize: 1}
}

func (l *Pad) Kind() Kind              { return KindPad }
func (l *Pad) Name() string            { return l.Common.Name }
func (l *Pad) Placement() ir.Placement { return ir.PlaceAccelerator }

func (l *Pad) offsets() Offsets {
	o, err := PaddingOffsets(l.Padding, l.KernelSize)
	if err != nil {
		return Offsets{}
	}
	return o
}

func (l *Pad) InferOutputShape(in []ir.Shape) (ir.Shape, error) {
	if err := expectInputs(KindPad, in, 1); err != nil {
		return ir.Shape{}, err
	}
	return l.OutputTransform(in).Apply(in, in[0].Channels), nil
}

func (l *Pad) OutputTransform([]ir.Shape) ir.Transform {
	o := l.offsets()
	return ir.Transform{
		ScaleW:     1,
		ScaleH:     1,
		TranslateW: float32(o.Horizontal()),
		TranslateH: float32(o.Vertical()),
	}
}

func (l *Pad) GeneratePasses(o ir.LayerOptions) ([]ir.Pass, error) {
	if err := expectInputs(KindPad, o.In, 1); err != nil {
		return nil, err
	}
	sample, err := sampleExpr(l.Padding, 0, "x - PAD_L", "y - PAD_T", "p", o.Precision.ScalarType())
	if err != nil {
		return nil, err
	}
	off := l.offsets()
	pr := &program{inputs: o.In, act: l.Common.Activation, alpha: l.LeakyReluAlpha}
	pr.addDecl("%s\n%s", wgsl.IntConst("PAD_T", off.Top), wgsl.IntConst("PAD_L", off.Left))
	pr.body = "result = " + sample + ";"
	return generate(KindPad, o, pr)
}

func (l *Pad) Compute(in []*tensor.Tensor, out ir.Shape) (*tensor.Tensor, error) {
	if err := expectTensors(KindPad, in, 1); err != nil {
		return nil, err
	}
	src := in[0]
	dst, err := hostOutput(KindPad, out)
	if err != nil {
		return nil, err
	}
	off := l.offsets()
	for y := 0; y < dst.Height; y++ {
		for x := 0; x < dst.Width; x++ {
			for c := 0; c < dst.Channels; c++ {
				dst.Set(x, y, c, samplePadded(src, x-off.Left, y-off.Top, c, l.Padding))
			}
		}
	}
	if err := finishHost(dst, nil, nil, l.Common); err != nil {
		return nil, err
	}
	return dst, nil
}
