package op

import (
	"fmt"

	"github.com/gogpu/shadernn/ir"
	"github.com/gogpu/shadernn/tensor"
)

// Input is the sentinel node for one declared external input. It is
// dropped from the compiled graph; layers reading it get an external
// buffer reference to slot Index.
type Input struct {
	LayerName string
	Index     int
}

// NewInput returns the sentinel for external input index.
func NewInput(name string, index int) *Input {
	return &Input{LayerName: name, Index: index}
}

func newInput(s Spec) (Operator, error) {
	idx, err := s.Int("input_index", 0)
	if err != nil {
		return nil, err
	}
	if idx < 0 {
		return nil, s.errorf("input_index", "negative index %d", idx)
	}
	return NewInput(s.Name, idx), nil
}

func (l *Input) Kind() Kind              { return KindInput }
func (l *Input) Name() string            { return l.LayerName }
func (l *Input) Placement() ir.Placement { return ir.PlaceAccelerator }

// InferOutputShape returns the declared shape, passed as the only input.
func (l *Input) InferOutputShape(in []ir.Shape) (ir.Shape, error) {
	if err := expectInputs(KindInput, in, 1); err != nil {
		return ir.Shape{}, err
	}
	return in[0], nil
}

func (l *Input) OutputTransform([]ir.Shape) ir.Transform { return ir.Identity() }

// GeneratePasses fails: input sentinels are never compiled.
func (l *Input) GeneratePasses(ir.LayerOptions) ([]ir.Pass, error) {
	return nil, fmt.Errorf("%w: input sentinel %q has no passes", ErrUnsupported, l.LayerName)
}

// Compute returns a copy of the input.
func (l *Input) Compute(in []*tensor.Tensor, _ ir.Shape) (*tensor.Tensor, error) {
	if err := expectTensors(KindInput, in, 1); err != nil {
		return nil, err
	}
	return in[0].Clone(), nil
}
