package op

import (
	"fmt"
	"math"
	"strings"

	"github.com/gogpu/shadernn/internal/wgsl"
	"github.com/gogpu/shadernn/ir"
	"github.com/gogpu/shadernn/tensor"
)

// Interpolation selects the resampling filter of Upsample.
type Interpolation uint8

const (
	InterpNearest Interpolation = iota
	InterpBilinear
)

// String implements fmt.Stringer.
func (i Interpolation) String() string {
	if i == InterpBilinear {
		return "bilinear"
	}
	return "nearest"
}

// ParseInterpolation parses "nearest" or "bilinear".
func ParseInterpolation(s string) (Interpolation, error) {
	switch strings.ToLower(s) {
	case "nearest", "":
		return InterpNearest, nil
	case "bilinear", "linear":
		return InterpBilinear, nil
	}
	return 0, fmt.Errorf("%w: interpolation %q", ErrSpec, s)
}

// Upsample resizes the input by a possibly fractional factor per axis.
// When Normalize is set every output value v becomes v*a + b.
type Upsample struct {
	Common
	ScaleW, ScaleH float32
	Interp         Interpolation
	Normalize      *[2]float32
}

func newUpsample(s Spec) (Operator, error) {
	c, err := commonFromSpec(s)
	if err != nil {
		return nil, err
	}
	l := &Upsample{Common: c, ScaleW: 2, ScaleH: 2}
	size, err := s.Floats("size")
	if err != nil {
		return nil, err
	}
	switch len(size) {
	case 0:
	case 1:
		l.ScaleW, l.ScaleH = size[0], size[0]
	case 2:
		l.ScaleH, l.ScaleW = size[0], size[1]
	default:
		return nil, s.errorf("size", "want [height, width] or a single factor")
	}
	if l.ScaleW <= 0 || l.ScaleH <= 0 {
		return nil, s.errorf("size", "want positive factors, got %v", size)
	}
	mode, err := s.String("interpolation", "nearest")
	if err != nil {
		return nil, err
	}
	if l.Interp, err = ParseInterpolation(mode); err != nil {
		return nil, fmt.Errorf("layer %q: %w", s.Name, err)
	}
	norm, err := s.Floats("normalize")
	if err != nil {
		return nil, err
	}
	switch len(norm) {
	case 0:
	case 2:
		l.Normalize = &[2]float32{norm[0], norm[1]}
	default:
		return nil, s.errorf("normalize", "want [scale, offset], got %v", norm)
	}
	return l, nil
}

// NewUpsample returns an upsampling layer with the same factor on both
// axes.
func NewUpsample(name string, scale float32, interp Interpolation) *Upsample {
	return &Upsample{Common: Common{Name: name}, ScaleW: scale, ScaleH: scale, Interp: interp}
}

func (l *Upsample) Kind() Kind              { return KindUpSampling2D }
func (l *Upsample) Name() string            { return l.Common.Name }
func (l *Upsample) Placement() ir.Placement { return ir.PlaceAccelerator }

func (l *Upsample) InferOutputShape(in []ir.Shape) (ir.Shape, error) {
	if err := expectInputs(KindUpSampling2D, in, 1); err != nil {
		return ir.Shape{}, err
	}
	return checkOutput(KindUpSampling2D, l.Common.Name, l.OutputTransform(in).Apply(in, in[0].Channels))
}

func (l *Upsample) OutputTransform([]ir.Shape) ir.Transform {
	return ir.Transform{ScaleW: l.ScaleW, ScaleH: l.ScaleH}
}

const nearestBody = `let sx = i32(floor((f32(x) + 0.5) / SCALE_W));
let sy = i32(floor((f32(y) + 0.5) / SCALE_H));
result = fetch_src0(sx, sy, p);`

const bilinearBody = `let fx = max((f32(x) + 0.5) / SCALE_W - 0.5, 0.0);
let fy = max((f32(y) + 0.5) / SCALE_H - 0.5, 0.0);
let x0 = i32(floor(fx));
let y0 = i32(floor(fy));
let ax = %[1]s(fx - floor(fx));
let ay = %[1]s(fy - floor(fy));
let top = mix(fetch_src0(x0, y0, p), fetch_src0(x0 + 1, y0, p), ax);
let bottom = mix(fetch_src0(x0, y0 + 1, p), fetch_src0(x0 + 1, y0 + 1, p), ax);
result = mix(top, bottom, ay);`

func (l *Upsample) GeneratePasses(o ir.LayerOptions) ([]ir.Pass, error) {
	if _, err := l.InferOutputShape(o.In); err != nil {
		return nil, err
	}
	sw, err := wgsl.FloatConst("SCALE_W", "f32", l.ScaleW)
	if err != nil {
		return nil, err
	}
	sh, err := wgsl.FloatConst("SCALE_H", "f32", l.ScaleH)
	if err != nil {
		return nil, err
	}
	real := o.Precision.ScalarType()
	pr := &program{inputs: o.In, act: l.Common.Activation, alpha: l.LeakyReluAlpha}
	pr.addDecl("%s\n%s", sw, sh)
	body := nearestBody
	if l.Interp == InterpBilinear {
		body = fmt.Sprintf(bilinearBody, real)
	}
	if l.Normalize != nil {
		pr.uniforms = append(pr.uniforms, ir.FloatUniform("norm", l.Normalize[0], l.Normalize[1], 0, 0))
		body += fmt.Sprintf("\nresult = result * %[1]s(params.norm.x) + %[1]s(params.norm.y);", real)
	}
	pr.body = body
	return generate(KindUpSampling2D, o, pr)
}

// sourceCoord maps an output pixel center to the input axis.
func sourceCoord(v int, scale float32) float64 {
	return (float64(v)+0.5)/float64(scale) - 0.5
}

func (l *Upsample) Compute(in []*tensor.Tensor, out ir.Shape) (*tensor.Tensor, error) {
	if err := expectTensors(KindUpSampling2D, in, 1); err != nil {
		return nil, err
	}
	src := in[0]
	dst, err := hostOutput(KindUpSampling2D, out)
	if err != nil {
		return nil, err
	}
	if dst.Channels != src.Channels {
		return nil, fmt.Errorf("%w: %s %q: %d channels in, %d out", tensor.ErrShape, KindUpSampling2D, l.Common.Name, src.Channels, dst.Channels)
	}
	for y := 0; y < dst.Height; y++ {
		for x := 0; x < dst.Width; x++ {
			for c := 0; c < dst.Channels; c++ {
				var v float32
				if l.Interp == InterpBilinear {
					fx := max(sourceCoord(x, l.ScaleW), 0)
					fy := max(sourceCoord(y, l.ScaleH), 0)
					x0, y0 := int(math.Floor(fx)), int(math.Floor(fy))
					ax, ay := float32(fx-math.Floor(fx)), float32(fy-math.Floor(fy))
					at := func(sx, sy int) float32 {
						return src.At(clampIndex(sx, src.Width), clampIndex(sy, src.Height), c)
					}
					top := at(x0, y0)*(1-ax) + at(x0+1, y0)*ax
					bottom := at(x0, y0+1)*(1-ax) + at(x0+1, y0+1)*ax
					v = top*(1-ay) + bottom*ay
				} else {
					sx := int(math.Floor((float64(x) + 0.5) / float64(l.ScaleW)))
					sy := int(math.Floor((float64(y) + 0.5) / float64(l.ScaleH)))
					v = src.At(clampIndex(sx, src.Width), clampIndex(sy, src.Height), c)
				}
				if l.Normalize != nil {
					v = v*l.Normalize[0] + l.Normalize[1]
				}
				dst.Set(x, y, c, v)
			}
		}
	}
	if err := finishHost(dst, nil, nil, l.Common); err != nil {
		return nil, err
	}
	return dst, nil
}
