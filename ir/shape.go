package ir

import (
	"fmt"
	"math"

	"github.com/gogpu/shadernn/tensor"
)

// Format is the declared storage format of a tensor.
type Format uint8

const (
	FormatRGBA32F Format = iota
	FormatRGBA16F
)

// String implements fmt.Stringer.
func (f Format) String() string {
	if f == FormatRGBA16F {
		return "rgba16f"
	}
	return "rgba32f"
}

// Shape is a fully resolved tensor shape. Depth is the number of 4-channel
// planes and is always ceil(Channels/4).
type Shape struct {
	Width    int
	Height   int
	Depth    int
	Channels int
}

// NewShape returns a shape with Depth derived from channels.
func NewShape(width, height, channels int) Shape {
	return Shape{Width: width, Height: height, Depth: tensor.PlaneCount(channels), Channels: channels}
}

// Valid reports whether every dimension is positive and Depth is consistent.
func (s Shape) Valid() bool {
	return s.Width > 0 && s.Height > 0 && s.Channels > 0 && s.Depth == tensor.PlaneCount(s.Channels)
}

// Elements returns Width*Height*Channels.
func (s Shape) Elements() int { return s.Width * s.Height * s.Channels }

// String implements fmt.Stringer.
func (s Shape) String() string {
	return fmt.Sprintf("%dx%dx%d", s.Width, s.Height, s.Channels)
}

// LocalSize is the compute work-group size used for dispatch geometry.
var LocalSize = [3]int{4, 8, 4}

// ComputeGroups returns the dispatch size covering out with LocalSize.
func ComputeGroups(out Shape) [3]uint32 {
	return [3]uint32{
		uint32(divUp(out.Width, LocalSize[0])),
		uint32(divUp(out.Height, LocalSize[1])),
		uint32(divUp(out.Depth, LocalSize[2])),
	}
}

func divUp(a, b int) int { return (a + b - 1) / b }

// PitchAlign is the row alignment, in texels, of tensor buffers. 16 RGBA32F
// texels are 256 bytes, the texture-to-buffer copy row alignment.
const PitchAlign = 16

// RowPitch returns the padded row length in texels of a tensor of the given
// width.
func RowPitch(width int) int {
	return divUp(width, PitchAlign) * PitchAlign
}

// Transform maps an operator's effect on the continuous output coordinate
// system: out = scale*in + translate per axis, unless Fixed.
type Transform struct {
	Fixed      bool
	ScaleW     float32
	ScaleH     float32
	TranslateW float32
	TranslateH float32

	FixedWidth    int
	FixedHeight   int
	FixedChannels int
}

// Identity returns the transform of a shape-preserving operator.
func Identity() Transform {
	return Transform{ScaleW: 1, ScaleH: 1}
}

// UniformTransform returns a transform with the same scale and
// translation on both axes.
func UniformTransform(scale, translate float32) Transform {
	return Transform{ScaleW: scale, ScaleH: scale, TranslateW: translate, TranslateH: translate}
}

// FixedSize returns a transform producing a fixed width x height x channels
// output regardless of input.
func FixedSize(width, height, channels int) Transform {
	return Transform{Fixed: true, FixedWidth: width, FixedHeight: height, FixedChannels: channels}
}

// Then composes t followed by next.
func (t Transform) Then(next Transform) Transform {
	if next.Fixed {
		return next
	}
	if t.Fixed {
		return FixedSize(
			floorDim(next.ScaleW*float32(t.FixedWidth)+next.TranslateW),
			floorDim(next.ScaleH*float32(t.FixedHeight)+next.TranslateH),
			t.FixedChannels,
		)
	}
	return Transform{
		ScaleW:     t.ScaleW * next.ScaleW,
		ScaleH:     t.ScaleH * next.ScaleH,
		TranslateW: next.ScaleW*t.TranslateW + next.TranslateW,
		TranslateH: next.ScaleH*t.TranslateH + next.TranslateH,
	}
}

// MapPoint maps an input coordinate to the output coordinate system.
func (t Transform) MapPoint(x, y float32) (float32, float32) {
	if t.Fixed {
		return 0, 0
	}
	return t.ScaleW*x + t.TranslateW, t.ScaleH*y + t.TranslateH
}

// Apply resolves the output spatial size for the given inputs: the scaled
// extent and translation are each accumulated as the maximum over inputs.
// channels becomes the output channel count. Fixed transforms ignore inputs.
func (t Transform) Apply(in []Shape, channels int) Shape {
	if t.Fixed {
		c := t.FixedChannels
		if c == 0 {
			c = channels
		}
		return NewShape(t.FixedWidth, t.FixedHeight, c)
	}
	var sw, sh float32
	for _, s := range in {
		sw = max(sw, t.ScaleW*float32(s.Width))
		sh = max(sh, t.ScaleH*float32(s.Height))
	}
	return NewShape(floorDim(sw+t.TranslateW), floorDim(sh+t.TranslateH), channels)
}

// floorDim truncates a continuous extent, tolerating float rounding just
// below an integer.
func floorDim(v float32) int {
	return int(math.Floor(float64(v) + 1e-4))
}
