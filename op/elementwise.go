package op

import (
	"fmt"
	"strings"

	"github.com/gogpu/shadernn/ir"
	"github.com/gogpu/shadernn/tensor"
)

// Activation applies an activation function elementwise.
type Activation struct {
	Common
}

func newActivation(s Spec) (Operator, error) {
	c, err := commonFromSpec(s)
	if err != nil {
		return nil, err
	}
	return &Activation{Common: c}, nil
}

// NewActivation returns an activation layer.
func NewActivation(name, activation string) *Activation {
	return &Activation{Common: Common{Name: name, Activation: activation, LeakyReluAlpha: DefaultLeakyReluAlpha}}
}

func (l *Activation) Kind() Kind              { return KindActivation }
func (l *Activation) Name() string            { return l.Common.Name }
func (l *Activation) Placement() ir.Placement { return ir.PlaceAccelerator }

func (l *Activation) InferOutputShape(in []ir.Shape) (ir.Shape, error) {
	if err := expectInputs(KindActivation, in, 1); err != nil {
		return ir.Shape{}, err
	}
	return in[0], nil
}

func (l *Activation) OutputTransform([]ir.Shape) ir.Transform { return ir.Identity() }

func (l *Activation) GeneratePasses(o ir.LayerOptions) ([]ir.Pass, error) {
	if err := expectInputs(KindActivation, o.In, 1); err != nil {
		return nil, err
	}
	return generate(KindActivation, o, &program{
		inputs: o.In,
		body:   "result = load_src0(x, y, p);",
		act:    l.Common.Activation,
		alpha:  l.LeakyReluAlpha,
	})
}

func (l *Activation) Compute(in []*tensor.Tensor, _ ir.Shape) (*tensor.Tensor, error) {
	if err := expectTensors(KindActivation, in, 1); err != nil {
		return nil, err
	}
	out := in[0].Clone()
	if err := applyActivation(l.Common.Activation, l.LeakyReluAlpha, out.Data); err != nil {
		return nil, err
	}
	return out, nil
}

// Add sums two or more inputs of identical shape, then applies the
// activation.
type Add struct {
	Common
}

func newAdd(s Spec) (Operator, error) {
	c, err := commonFromSpec(s)
	if err != nil {
		return nil, err
	}
	return &Add{Common: c}, nil
}

// NewAdd returns an elementwise sum.
func NewAdd(name string) *Add { return &Add{Common: Common{Name: name}} }

func (l *Add) Kind() Kind              { return KindAdd }
func (l *Add) Name() string            { return l.Common.Name }
func (l *Add) Placement() ir.Placement { return ir.PlaceAccelerator }

func (l *Add) InferOutputShape(in []ir.Shape) (ir.Shape, error) {
	if len(in) < 2 {
		return ir.Shape{}, fmt.Errorf("%w: Add takes at least 2 inputs, got %d", ErrInputs, len(in))
	}
	for i, s := range in[1:] {
		if s != in[0] {
			return ir.Shape{}, fmt.Errorf("%w: Add input %d is %v, want %v", ErrInputs, i+1, s, in[0])
		}
	}
	return in[0], nil
}

func (l *Add) OutputTransform([]ir.Shape) ir.Transform { return ir.Identity() }

func (l *Add) GeneratePasses(o ir.LayerOptions) ([]ir.Pass, error) {
	if _, err := l.InferOutputShape(o.In); err != nil {
		return nil, err
	}
	terms := make([]string, len(o.In))
	for i := range o.In {
		terms[i] = fmt.Sprintf("load_%s(x, y, p)", inputName(i))
	}
	return generate(KindAdd, o, &program{
		inputs: o.In,
		body:   "result = " + strings.Join(terms, " + ") + ";",
		act:    l.Common.Activation,
		alpha:  l.LeakyReluAlpha,
	})
}

func (l *Add) Compute(in []*tensor.Tensor, _ ir.Shape) (*tensor.Tensor, error) {
	if len(in) < 2 {
		return nil, fmt.Errorf("%w: Add takes at least 2 inputs, got %d", ErrInputs, len(in))
	}
	out := in[0].Clone()
	for _, t := range in[1:] {
		if !t.SameShape(out) {
			return nil, fmt.Errorf("%w: Add of %v and %v", tensor.ErrShape, out, t)
		}
		for i, v := range t.Data {
			out.Data[i] += v
		}
	}
	if err := applyActivation(l.Common.Activation, l.LeakyReluAlpha, out.Data); err != nil {
		return nil, err
	}
	return out, nil
}
