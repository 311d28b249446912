package op

import (
	"fmt"
	"strings"

	"github.com/gogpu/shadernn/ir"
	"github.com/gogpu/shadernn/tensor"
)

// Concat joins its inputs along the channel axis in edge order.
type Concat struct {
	Common
}

func newConcat(s Spec) (Operator, error) {
	c, err := commonFromSpec(s)
	if err != nil {
		return nil, err
	}
	if axis, err := s.Int("axis", -1); err != nil {
		return nil, err
	} else if axis != -1 && axis != 3 {
		return nil, fmt.Errorf("%w: layer %q: concatenation axis %d", ErrUnsupported, s.Name, axis)
	}
	return &Concat{Common: c}, nil
}

// NewConcat returns a channel concatenation.
func NewConcat(name string) *Concat { return &Concat{Common: Common{Name: name}} }

func (l *Concat) Kind() Kind              { return KindConcatenate }
func (l *Concat) Name() string            { return l.Common.Name }
func (l *Concat) Placement() ir.Placement { return ir.PlaceAccelerator }

func (l *Concat) InferOutputShape(in []ir.Shape) (ir.Shape, error) {
	if len(in) == 0 {
		return ir.Shape{}, fmt.Errorf("%w: Concatenate needs at least one input", ErrInputs)
	}
	channels := 0
	for i, s := range in {
		if s.Width != in[0].Width || s.Height != in[0].Height {
			return ir.Shape{}, fmt.Errorf("%w: Concatenate input %d is %v, want %dx%d", ErrInputs, i, s, in[0].Width, in[0].Height)
		}
		channels += s.Channels
	}
	return ir.NewShape(in[0].Width, in[0].Height, channels), nil
}

func (l *Concat) OutputTransform([]ir.Shape) ir.Transform { return ir.Identity() }

// channelSource is the origin of one output channel.
type channelSource struct {
	input, plane, lane int
}

// concatSources maps every output channel to its input, plane and lane.
func concatSources(in []ir.Shape) []channelSource {
	var out []channelSource
	for i, s := range in {
		for c := 0; c < s.Channels; c++ {
			out = append(out, channelSource{input: i, plane: c / tensor.Lanes, lane: c % tensor.Lanes})
		}
	}
	return out
}

var laneNames = [tensor.Lanes]string{"x", "y", "z", "w"}

func (l *Concat) GeneratePasses(o ir.LayerOptions) ([]ir.Pass, error) {
	if _, err := l.InferOutputShape(o.In); err != nil {
		return nil, err
	}
	sources := concatSources(o.In)
	var b strings.Builder
	b.WriteString("switch p {\n")
	for p := 0; p < o.Out.Depth; p++ {
		fmt.Fprintf(&b, "    case %d: {\n", p)
		for lane := 0; lane < tensor.Lanes; lane++ {
			c := p*tensor.Lanes + lane
			if c >= len(sources) {
				break
			}
			s := sources[c]
			fmt.Fprintf(&b, "        result.%s = load_%s(x, y, %d).%s;\n", laneNames[lane], inputName(s.input), s.plane, laneNames[s.lane])
		}
		b.WriteString("    }\n")
	}
	b.WriteString("    default: {}\n}")
	return generate(KindConcatenate, o, &program{
		inputs: o.In,
		body:   b.String(),
		act:    l.Common.Activation,
		alpha:  l.LeakyReluAlpha,
	})
}

func (l *Concat) Compute(in []*tensor.Tensor, out ir.Shape) (*tensor.Tensor, error) {
	if len(in) == 0 {
		return nil, fmt.Errorf("%w: Concatenate needs at least one input", ErrInputs)
	}
	dst, err := hostOutput(KindConcatenate, out)
	if err != nil {
		return nil, err
	}
	offset := 0
	for _, t := range in {
		if t.Width != dst.Width || t.Height != dst.Height || offset+t.Channels > dst.Channels {
			return nil, fmt.Errorf("%w: Concatenate input %v into %v", tensor.ErrShape, t, dst)
		}
		for y := 0; y < t.Height; y++ {
			for x := 0; x < t.Width; x++ {
				for c := 0; c < t.Channels; c++ {
					dst.Set(x, y, offset+c, t.At(x, y, c))
				}
			}
		}
		offset += t.Channels
	}
	if err := finishHost(dst, nil, nil, l.Common); err != nil {
		return nil, err
	}
	return dst, nil
}
