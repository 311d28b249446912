package ir

import (
	"errors"
	"fmt"
	"sort"
)

// ErrBinding is returned when a pass references an input or resource that
// cannot be resolved.
var ErrBinding = errors.New("ir: unresolved binding")

// Placement says where a layer executes.
type Placement uint8

const (
	PlaceAccelerator Placement = iota
	PlaceHost
)

// String implements fmt.Stringer.
func (p Placement) String() string {
	if p == PlaceHost {
		return "host"
	}
	return "gpu"
}

// DispatchKind tags the variant held by Dispatch.
type DispatchKind uint8

const (
	// DispatchDraw is a full-surface draw over a range of output planes,
	// one render target per plane.
	DispatchDraw DispatchKind = iota
	// DispatchCompute is a 3-D compute dispatch.
	DispatchCompute
	// DispatchHost is a degenerate pass executed by a host kernel.
	DispatchHost
)

// String implements fmt.Stringer.
func (k DispatchKind) String() string {
	switch k {
	case DispatchDraw:
		return "draw"
	case DispatchCompute:
		return "compute"
	default:
		return "host"
	}
}

// Dispatch is the geometry of a pass. Only the fields of Kind are set.
type Dispatch struct {
	Kind DispatchKind

	// Draw: planes [FirstPlane, FirstPlane+PlaneCount) of the output.
	FirstPlane int
	PlaneCount int

	// Compute: work-group counts.
	Groups [3]uint32

	// Host: Transition is set when the previous layer ran on the
	// accelerator and its output must be read back first.
	Transition bool
	Last       bool
}

// DrawDispatch returns a draw over count planes starting at first.
func DrawDispatch(first, count int) Dispatch {
	return Dispatch{Kind: DispatchDraw, FirstPlane: first, PlaneCount: count}
}

// ComputeDispatch returns a compute dispatch of the given group counts.
func ComputeDispatch(groups [3]uint32) Dispatch {
	return Dispatch{Kind: DispatchCompute, Groups: groups}
}

// HostDispatch returns a host pass.
func HostDispatch(transition, last bool) Dispatch {
	return Dispatch{Kind: DispatchHost, Transition: transition, Last: last}
}

// BindingKind classifies a resource slot of a pass.
type BindingKind uint8

const (
	// BindingUniforms is the params block built from Pass.Uniforms.
	BindingUniforms BindingKind = iota
	// BindingInput is an input tensor named through Pass.Inputs.
	BindingInput
	// BindingWeights is a weight resource named after a WeightBuffer.
	BindingWeights
	// BindingOutput is the layer output tensor (compute passes only).
	BindingOutput
	// BindingDebug is the frame-scoped debug counter buffer.
	BindingDebug
)

// String implements fmt.Stringer.
func (k BindingKind) String() string {
	switch k {
	case BindingUniforms:
		return "uniforms"
	case BindingInput:
		return "input"
	case BindingWeights:
		return "weights"
	case BindingOutput:
		return "output"
	default:
		return "debug"
	}
}

// Binding is one entry of a pass's bind group (group 0).
type Binding struct {
	Slot uint32
	Kind BindingKind
	Name string
}

// UniformType is the WGSL type of a uniform field.
type UniformType uint8

const (
	UniformVec4F UniformType = iota
	UniformVec4I
)

// Uniform is one 16-byte field of the params block. Integer values are
// stored exactly in Values and converted by the backend.
type Uniform struct {
	Name   string
	Type   UniformType
	Values [4]float32
}

// IntUniform builds a vec4<i32> uniform.
func IntUniform(name string, a, b, c, d int) Uniform {
	return Uniform{Name: name, Type: UniformVec4I, Values: [4]float32{float32(a), float32(b), float32(c), float32(d)}}
}

// FloatUniform builds a vec4<f32> uniform.
func FloatUniform(name string, a, b, c, d float32) Uniform {
	return Uniform{Name: name, Type: UniformVec4F, Values: [4]float32{a, b, c, d}}
}

// WeightBuffer is a weight resource to be materialized by the backend.
// Data is vec4-packed: len(Data) is a multiple of 4.
type WeightBuffer struct {
	Name   string
	Method WeightMethod
	Data   []float32
	// TexelWidth is the row width in texels for WeightTexture.
	TexelWidth int
}

// Vec4Count returns the number of vec4 elements in Data.
func (w WeightBuffer) Vec4Count() int { return len(w.Data) / 4 }

// Pass is one GPU program plus its binding and dispatch metadata.
type Pass struct {
	Name   string
	Source string
	// Inputs maps the symbolic input names used by Bindings to layer input
	// indices (positions in Layer.Refs).
	Inputs   map[string]int
	Bindings []Binding
	Uniforms []Uniform
	Weights  []WeightBuffer
	Dispatch Dispatch
}

// Weight returns the weight buffer with the given name.
func (p *Pass) Weight(name string) (WeightBuffer, bool) {
	for _, w := range p.Weights {
		if w.Name == name {
			return w, true
		}
	}
	return WeightBuffer{}, false
}

// InputNames returns the symbolic input names in index order.
func (p *Pass) InputNames() []string {
	names := make([]string, 0, len(p.Inputs))
	for n := range p.Inputs {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool {
		if p.Inputs[names[i]] != p.Inputs[names[j]] {
			return p.Inputs[names[i]] < p.Inputs[names[j]]
		}
		return names[i] < names[j]
	})
	return names
}

// CheckBindings verifies that every binding resolves: input names must be
// present in Inputs with an index below numInputs, weight names must match a
// WeightBuffer, slots must be unique.
func (p *Pass) CheckBindings(numInputs int) error {
	seen := make(map[uint32]bool, len(p.Bindings))
	for _, b := range p.Bindings {
		if seen[b.Slot] {
			return fmt.Errorf("%w: pass %q: slot %d bound twice", ErrBinding, p.Name, b.Slot)
		}
		seen[b.Slot] = true
		switch b.Kind {
		case BindingInput:
			idx, ok := p.Inputs[b.Name]
			if !ok {
				return fmt.Errorf("%w: pass %q: input %q not declared", ErrBinding, p.Name, b.Name)
			}
			if idx < 0 || idx >= numInputs {
				return fmt.Errorf("%w: pass %q: input %q index %d out of range [0,%d)", ErrBinding, p.Name, b.Name, idx, numInputs)
			}
		case BindingWeights:
			if _, ok := p.Weight(b.Name); !ok {
				return fmt.Errorf("%w: pass %q: weights %q not provided", ErrBinding, p.Name, b.Name)
			}
		case BindingUniforms:
			if len(p.Uniforms) == 0 {
				return fmt.Errorf("%w: pass %q: uniform block bound without uniforms", ErrBinding, p.Name)
			}
		}
	}
	return nil
}
