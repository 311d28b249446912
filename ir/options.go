package ir

import (
	"fmt"
	"strings"
)

// Precision selects the arithmetic and storage precision of generated
// programs.
type Precision uint8

const (
	// PrecisionFull uses 32-bit floats (RGBA32F storage).
	PrecisionFull Precision = iota
	// PrecisionHalf uses 16-bit floats (RGBA16F storage).
	PrecisionHalf
)

// String implements fmt.Stringer.
func (p Precision) String() string {
	if p == PrecisionHalf {
		return "half"
	}
	return "full"
}

// Format returns the storage format implied by p.
func (p Precision) Format() Format {
	if p == PrecisionHalf {
		return FormatRGBA16F
	}
	return FormatRGBA32F
}

// ScalarType returns the WGSL scalar type used for arithmetic.
func (p Precision) ScalarType() string {
	if p == PrecisionHalf {
		return "f16"
	}
	return "f32"
}

// ParsePrecision parses "full"/"fp32" or "half"/"fp16".
func ParsePrecision(s string) (Precision, error) {
	switch strings.ToLower(s) {
	case "full", "fp32", "f32", "high", "highp", "":
		return PrecisionFull, nil
	case "half", "fp16", "f16", "medium", "mediump":
		return PrecisionHalf, nil
	}
	return 0, fmt.Errorf("ir: unknown precision %q", s)
}

// PackingMode controls how many 4-channel planes one pass produces.
type PackingMode uint8

const (
	// PackSingle produces one plane (4 channels) per pass.
	PackSingle PackingMode = iota
	// PackDouble produces two planes (8 channels) per pass.
	PackDouble
	// PackQuad produces four planes (16 channels) per pass.
	PackQuad
)

// PlanesPerPass returns 1, 2 or 4.
func (m PackingMode) PlanesPerPass() int {
	switch m {
	case PackDouble:
		return 2
	case PackQuad:
		return 4
	default:
		return 1
	}
}

// ChannelsPerPass returns 4, 8 or 16.
func (m PackingMode) ChannelsPerPass() int { return m.PlanesPerPass() * 4 }

// String implements fmt.Stringer.
func (m PackingMode) String() string {
	switch m {
	case PackDouble:
		return "double"
	case PackQuad:
		return "quad"
	default:
		return "single"
	}
}

// ParsePacking parses "single", "double" or "quad" (or 1, 2, 4).
func ParsePacking(s string) (PackingMode, error) {
	switch strings.ToLower(s) {
	case "single", "1", "":
		return PackSingle, nil
	case "double", "2":
		return PackDouble, nil
	case "quad", "4":
		return PackQuad, nil
	}
	return 0, fmt.Errorf("ir: unknown packing mode %q", s)
}

// WeightMethod selects how constant weights are materialized.
type WeightMethod uint8

const (
	// WeightConstants embeds weights as literal arrays in program source.
	WeightConstants WeightMethod = iota
	// WeightUniform uploads weights to a uniform block.
	WeightUniform
	// WeightStorage uploads weights to a read-only storage buffer.
	WeightStorage
	// WeightTexture encodes weights as a texel-addressed lookup table.
	WeightTexture
)

// String implements fmt.Stringer.
func (w WeightMethod) String() string {
	switch w {
	case WeightUniform:
		return "uniform"
	case WeightStorage:
		return "storage"
	case WeightTexture:
		return "texture"
	default:
		return "constants"
	}
}

// ParseWeightMethod parses a weight method name.
func ParseWeightMethod(s string) (WeightMethod, error) {
	switch strings.ToLower(s) {
	case "constants", "constant", "inline", "":
		return WeightConstants, nil
	case "uniform", "ubo":
		return WeightUniform, nil
	case "storage", "ssbo", "buffer":
		return WeightStorage, nil
	case "texture", "texel":
		return WeightTexture, nil
	}
	return 0, fmt.Errorf("ir: unknown weight method %q", s)
}

// Stage selects draw-based or dispatch-based execution.
type Stage uint8

const (
	// StageCompute emits compute dispatches.
	StageCompute Stage = iota
	// StageDraw emits full-surface draws into render targets.
	StageDraw
)

// String implements fmt.Stringer.
func (s Stage) String() string {
	if s == StageDraw {
		return "draw"
	}
	return "compute"
}

// ParseStage parses "compute" or "draw" (also "cs"/"fs").
func ParseStage(s string) (Stage, error) {
	switch strings.ToLower(s) {
	case "compute", "cs", "":
		return StageCompute, nil
	case "draw", "fs", "fragment":
		return StageDraw, nil
	}
	return 0, fmt.Errorf("ir: unknown stage %q", s)
}

// GenOptions are the global code generation options of one compilation.
type GenOptions struct {
	// InputShapes are the declared external input shapes, one per input
	// sentinel in declaration order.
	InputShapes []Shape
	Precision   Precision
	Packing     PackingMode
	Weights     WeightMethod
	Stage       Stage
	// Debug binds a frame-scoped counter buffer to every pass; each
	// invocation increments it once.
	Debug bool
}

// Validate checks that the options describe at least one usable input.
func (o GenOptions) Validate() error {
	if len(o.InputShapes) == 0 {
		return fmt.Errorf("ir: no input shapes declared")
	}
	for i, s := range o.InputShapes {
		if !s.Valid() {
			return fmt.Errorf("ir: input %d has invalid shape %v", i, s)
		}
	}
	return nil
}

// LayerOptions is the per-node snapshot handed to a code generator.
type LayerOptions struct {
	GenOptions

	// Index is the position of the layer in the compiled sequence.
	Index int
	// Name is the layer name, used for labels.
	Name string
	// In holds the resolved input shapes, one per predecessor.
	In []Shape
	// Out is the resolved output shape.
	Out Shape
	// First and Last mark the first and last compiled layers; generators
	// use them for input/output range adjustments.
	First bool
	Last  bool
}
