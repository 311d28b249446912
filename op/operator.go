// Package op defines the operator kinds of a shadernn model.
//
// Every operator implements Operator: it infers its output shape, reports
// its effect on the output coordinate system, generates the WGSL passes
// that compute it on the accelerator, and carries a host kernel used for
// host placement and by the software backend. Operators are built from a
// decoded Spec through an explicit Registry.
package op

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gogpu/shadernn/internal/logging"
	"github.com/gogpu/shadernn/ir"
	"github.com/gogpu/shadernn/tensor"
)

// Errors returned while building operators or generating their passes.
var (
	// ErrUnknownActivation is returned for an activation name outside the
	// supported table.
	ErrUnknownActivation = errors.New("op: unknown activation")

	// ErrUnsupported is returned when an operator cannot be generated for
	// the resolved shapes and options.
	ErrUnsupported = errors.New("op: unsupported configuration")

	// ErrSpec is returned for malformed operator parameters or weights.
	ErrSpec = errors.New("op: invalid operator spec")

	// ErrInputs is returned when an operator receives the wrong number of
	// inputs or inputs of incompatible shape.
	ErrInputs = errors.New("op: invalid inputs")

	// ErrUnknownKind is returned by Registry.Build for an unregistered kind.
	ErrUnknownKind = errors.New("op: unknown operator kind")
)

// Kind names an operator kind. The values match the layer type names of
// the model format.
type Kind string

// Built-in operator kinds.
const (
	KindInput              Kind = "InputLayer"
	KindActivation         Kind = "Activation"
	KindConv2D             Kind = "Conv2D"
	KindConv2DTranspose    Kind = "Conv2DTranspose"
	KindDepthwiseConv2D    Kind = "DepthwiseConv2D"
	KindSeparableConv2D    Kind = "SeparableConv2D"
	KindAveragePooling2D   Kind = "AveragePooling2D"
	KindMaxPooling2D       Kind = "MaxPooling2D"
	KindAdaptiveAvgPool2D  Kind = "AdaptiveAvgPool2d"
	KindPad                Kind = "Pad"
	KindConcatenate        Kind = "Concatenate"
	KindAdd                Kind = "Add"
	KindBatchNormalization Kind = "BatchNormalization"
	KindInstanceNorm       Kind = "InstanceNorm"
	KindDense              Kind = "Dense"
	KindFlatten            Kind = "Flatten"
	KindUpSampling2D       Kind = "UpSampling2D"
)

// Operator is one layer of a model.
type Operator interface {
	Kind() Kind
	Name() string
	Placement() ir.Placement

	// InferOutputShape resolves the output shape from the input shapes,
	// one per predecessor in edge order.
	InferOutputShape(in []ir.Shape) (ir.Shape, error)

	// OutputTransform maps input coordinates to output coordinates.
	OutputTransform(in []ir.Shape) ir.Transform

	// GeneratePasses emits the accelerator passes for one layer. Host
	// operators return ErrUnsupported.
	GeneratePasses(o ir.LayerOptions) ([]ir.Pass, error)

	// Compute is the host kernel.
	Compute(in []*tensor.Tensor, out ir.Shape) (*tensor.Tensor, error)
}

// Common holds the descriptor fields shared by most operators.
type Common struct {
	Name           string
	Activation     string
	LeakyReluAlpha float32
	// InputRange is the value range of the model input. Convolutions and
	// batch normalization adjust their input when they are the first layer
	// and their output when they are the last.
	InputRange     InputRange
}

// InputRange is the value range a model expects at its input.
type InputRange int

const (
	// RangeNone applies no adjustment.
	RangeNone InputRange = iota
	// Range01 inputs lie in [0, 1]. The first layer raises them to at
	// least MinRange01Input.
	Range01
	// RangeSigned models work in [-1, 1]. The first layer maps its [0, 1]
	// input to [-1, 1] and the last layer maps its output back to [0, 1].
	RangeSigned
)

// MinRange01Input is the floor the first layer of a [0, 1] model applies to
// its input texels.
const MinRange01Input = 0.001

// ParseInputRange parses "[0,1]" or "[-1,1]". The empty string is
// RangeNone.
func ParseInputRange(s string) (InputRange, error) {
	switch strings.ReplaceAll(s, " ", "") {
	case "":
		return RangeNone, nil
	case "[0,1]":
		return Range01, nil
	case "[-1,1]":
		return RangeSigned, nil
	}
	return RangeNone, fmt.Errorf("%w: input range %q", ErrSpec, s)
}

func (r InputRange) String() string {
	switch r {
	case Range01:
		return "[0,1]"
	case RangeSigned:
		return "[-1,1]"
	}
	return ""
}

// adjustInput applies the first-layer adjustment to v in place.
func (r InputRange) adjustInput(v []float32) {
	for i := range v {
		switch r {
		case Range01:
			v[i] = max(v[i], MinRange01Input)
		case RangeSigned:
			v[i] = v[i]*2 - 1
		}
	}
}

// adjustOutput applies the last-layer adjustment to v in place.
func (r InputRange) adjustOutput(v []float32) {
	if r != RangeSigned {
		return
	}
	for i := range v {
		v[i] = 0.5 * (v[i] + 1)
	}
}

func commonFromSpec(s Spec) (Common, error) {
	c := Common{Name: s.Name}
	var err error
	if s.Has("is_range01") {
		r01, err := s.Bool("is_range01", false)
		if err != nil {
			return c, err
		}
		c.InputRange = RangeSigned
		if r01 {
			c.InputRange = Range01
		}
	} else {
		rng, err := s.String("input_range", "")
		if err != nil {
			return c, err
		}
		if c.InputRange, err = ParseInputRange(rng); err != nil {
			return c, fmt.Errorf("layer %q: %w", s.Name, err)
		}
	}
	if c.Activation, err = s.String("activation", ""); err != nil {
		return c, err
	}
	if c.LeakyReluAlpha, err = s.Float("leaky_relu_alpha", DefaultLeakyReluAlpha); err != nil {
		return c, err
	}
	if _, err := ActivationExpr(c.Activation, c.LeakyReluAlpha, "f32"); err != nil {
		return c, fmt.Errorf("layer %q: %w", s.Name, err)
	}
	return c, nil
}

// expectInputs checks the number of inputs.
func expectInputs(kind Kind, in []ir.Shape, n int) error {
	if len(in) != n {
		return fmt.Errorf("%w: %s takes %d input(s), got %d", ErrInputs, kind, n, len(in))
	}
	return nil
}

// expectTensors checks the number of host kernel inputs.
func expectTensors(kind Kind, in []*tensor.Tensor, n int) error {
	if len(in) != n {
		return fmt.Errorf("%w: %s takes %d input(s), got %d", ErrInputs, kind, n, len(in))
	}
	return nil
}

func slogger() *slog.Logger { return logging.Logger() }
