package ir

import (
	"errors"
	"fmt"

	"github.com/gogpu/shadernn/tensor"
)

// ErrInvalidRef is returned by Validate when a BufferRef points forward,
// at itself, or at a missing input slot.
var ErrInvalidRef = errors.New("ir: invalid buffer reference")

// RefKind tags a BufferRef.
type RefKind uint8

const (
	// RefExternal indexes InferenceGraph.Inputs.
	RefExternal RefKind = iota
	// RefStage indexes an earlier compiled Layer.
	RefStage
)

// String implements fmt.Stringer.
func (k RefKind) String() string {
	if k == RefStage {
		return "stage"
	}
	return "external"
}

// BufferRef is a compiled layer's reference to one of its inputs.
type BufferRef struct {
	Kind  RefKind
	Index int
}

// String implements fmt.Stringer.
func (r BufferRef) String() string {
	return fmt.Sprintf("%s[%d]", r.Kind, r.Index)
}

// Kernel is the host implementation of an operator. Every layer carries
// one: host layers execute it, and reference backends use it for
// accelerator layers too.
type Kernel interface {
	Compute(in []*tensor.Tensor, out Shape) (*tensor.Tensor, error)
}

// KernelFunc adapts a function to Kernel.
type KernelFunc func(in []*tensor.Tensor, out Shape) (*tensor.Tensor, error)

// Compute implements Kernel.
func (f KernelFunc) Compute(in []*tensor.Tensor, out Shape) (*tensor.Tensor, error) {
	return f(in, out)
}

// Layer is one compiled node.
type Layer struct {
	Index       int
	Name        string
	Kind        string
	Placement   Placement
	Passes      []Pass
	InputShapes []Shape
	Output      Shape
	Refs        []BufferRef
	Transform   Transform
	Kernel      Kernel
}

// InputSlot describes one declared external input.
type InputSlot struct {
	Shape  Shape
	Format Format
}

// InferenceGraph is the compiled, ordered artifact consumed by backends.
type InferenceGraph struct {
	Layers  []Layer
	Inputs  []InputSlot
	Options GenOptions
}

// Validate checks that every stage reference points strictly backwards and
// every external reference names a declared input slot.
func (g *InferenceGraph) Validate() error {
	for i, l := range g.Layers {
		if len(l.Refs) != len(l.InputShapes) {
			return fmt.Errorf("%w: layer %d (%s) has %d refs for %d input shapes",
				ErrInvalidRef, i, l.Name, len(l.Refs), len(l.InputShapes))
		}
		for _, r := range l.Refs {
			switch r.Kind {
			case RefStage:
				if r.Index < 0 || r.Index >= i {
					return fmt.Errorf("%w: layer %d (%s) references stage %d", ErrInvalidRef, i, l.Name, r.Index)
				}
			case RefExternal:
				if r.Index < 0 || r.Index >= len(g.Inputs) {
					return fmt.Errorf("%w: layer %d (%s) references input %d of %d",
						ErrInvalidRef, i, l.Name, r.Index, len(g.Inputs))
				}
			default:
				return fmt.Errorf("%w: layer %d (%s) has unknown ref kind %d", ErrInvalidRef, i, l.Name, r.Kind)
			}
		}
	}
	return nil
}

// PassCount returns the total number of passes.
func (g *InferenceGraph) PassCount() int {
	n := 0
	for i := range g.Layers {
		n += len(g.Layers[i].Passes)
	}
	return n
}

// Outputs returns the indices of layers whose output no other layer reads,
// in compiled order. The last layer is always among them.
func (g *InferenceGraph) Outputs() []int {
	consumed := make([]bool, len(g.Layers))
	for _, l := range g.Layers {
		for _, r := range l.Refs {
			if r.Kind == RefStage && r.Index >= 0 && r.Index < len(consumed) {
				consumed[r.Index] = true
			}
		}
	}
	var out []int
	for i, c := range consumed {
		if !c {
			out = append(out, i)
		}
	}
	return out
}

// RefShape returns the shape referenced by r.
func (g *InferenceGraph) RefShape(r BufferRef) Shape {
	if r.Kind == RefExternal {
		return g.Inputs[r.Index].Shape
	}
	return g.Layers[r.Index].Output
}
