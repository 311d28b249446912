package op

import (
	"fmt"

	"github.com/gogpu/shadernn/ir"
	"github.com/gogpu/shadernn/tensor"
)

// Dense is a fully connected layer executed on the host. The input is
// flattened in HWC order; the output is a units x 1 x 1 tensor.
type Dense struct {
	Common
	Units int
	// Weights are Units x inputs, row-major.
	Weights []float32
	Bias    []float32
}

func newDense(s Spec) (Operator, error) {
	c, err := commonFromSpec(s)
	if err != nil {
		return nil, err
	}
	l := &Dense{Common: c}
	if l.Units, err = s.Int("units", 0); err != nil {
		return nil, err
	}
	if l.Units == 0 {
		if b, ok := s.Weight("bias"); ok {
			l.Units = len(b)
		}
	}
	if l.Units <= 0 {
		return nil, s.errorf("units", "missing or not positive")
	}
	w, ok := s.Weight("kernel")
	if !ok || len(w) == 0 || len(w)%l.Units != 0 {
		return nil, s.errorf("kernel", "want units*inputs values, got %d", len(w))
	}
	l.Weights = w
	if l.Bias, err = s.OptionalWeight("bias", l.Units); err != nil {
		return nil, err
	}
	return l, nil
}

// NewDense returns a fully connected layer.
func NewDense(c Common, units int, weights, bias []float32) *Dense {
	return &Dense{Common: c, Units: units, Weights: weights, Bias: bias}
}

func (l *Dense) Kind() Kind              { return KindDense }
func (l *Dense) Name() string            { return l.Common.Name }
func (l *Dense) Placement() ir.Placement { return ir.PlaceHost }

func (l *Dense) InferOutputShape(in []ir.Shape) (ir.Shape, error) {
	if err := expectInputs(KindDense, in, 1); err != nil {
		return ir.Shape{}, err
	}
	if n := in[0].Elements(); n*l.Units != len(l.Weights) {
		return ir.Shape{}, fmt.Errorf("%w: %s %q has %d weights for %d inputs and %d units",
			ErrInputs, KindDense, l.Common.Name, len(l.Weights), n, l.Units)
	}
	return ir.NewShape(l.Units, 1, 1), nil
}

func (l *Dense) OutputTransform([]ir.Shape) ir.Transform { return ir.FixedSize(l.Units, 1, 1) }

func (l *Dense) GeneratePasses(ir.LayerOptions) ([]ir.Pass, error) {
	return nil, fmt.Errorf("%w: %s runs on the host", ErrUnsupported, KindDense)
}

func (l *Dense) Compute(in []*tensor.Tensor, _ ir.Shape) (*tensor.Tensor, error) {
	if err := expectTensors(KindDense, in, 1); err != nil {
		return nil, err
	}
	x := in[0].Data
	if len(x)*l.Units != len(l.Weights) {
		return nil, fmt.Errorf("%w: %s %q: %d inputs for %d weights", tensor.ErrShape, KindDense, l.Common.Name, len(x), len(l.Weights))
	}
	out := tensor.New(l.Units, 1, 1)
	for u := range l.Units {
		row := l.Weights[u*len(x) : (u+1)*len(x)]
		var sum float32
		for i, v := range x {
			sum += row[i] * v
		}
		if l.Bias != nil {
			sum += l.Bias[u]
		}
		out.Data[u] = sum
	}
	if err := finishHost(out, nil, nil, l.Common); err != nil {
		return nil, err
	}
	return out, nil
}

// Flatten reshapes its input to elements x 1 x 1 in HWC order. It runs on
// the host.
type Flatten struct {
	Common
}

func newFlatten(s Spec) (Operator, error) {
	c, err := commonFromSpec(s)
	if err != nil {
		return nil, err
	}
	return &Flatten{Common: c}, nil
}

// NewFlatten returns a flatten layer.
func NewFlatten(name string) *Flatten { return &Flatten{Common: Common{Name: name}} }

func (l *Flatten) Kind() Kind              { return KindFlatten }
func (l *Flatten) Name() string            { return l.Common.Name }
func (l *Flatten) Placement() ir.Placement { return ir.PlaceHost }

func (l *Flatten) InferOutputShape(in []ir.Shape) (ir.Shape, error) {
	if err := expectInputs(KindFlatten, in, 1); err != nil {
		return ir.Shape{}, err
	}
	return ir.NewShape(in[0].Elements(), 1, 1), nil
}

func (l *Flatten) OutputTransform(in []ir.Shape) ir.Transform {
	n := 0
	if len(in) > 0 {
		n = in[0].Elements()
	}
	return ir.FixedSize(n, 1, 1)
}

func (l *Flatten) GeneratePasses(ir.LayerOptions) ([]ir.Pass, error) {
	return nil, fmt.Errorf("%w: %s runs on the host", ErrUnsupported, KindFlatten)
}

func (l *Flatten) Compute(in []*tensor.Tensor, _ ir.Shape) (*tensor.Tensor, error) {
	if err := expectTensors(KindFlatten, in, 1); err != nil {
		return nil, err
	}
	out := in[0].Flatten()
	if err := finishHost(out, nil, nil, l.Common); err != nil {
		return nil, err
	}
	return out, nil
}
