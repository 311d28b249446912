// Package tensor provides host-side tensors and the 4-channel plane packing
// used by GPU storage.
//
// A Tensor stores float32 values in HWC order: the channels of one pixel are
// contiguous. GPU storage instead groups channels in planes of four, one
// RGBA-equivalent texel per pixel per plane. Pack and Unpack convert between
// the two layouts.
package tensor

import (
	"errors"
	"fmt"
	"math"
)

// Lanes is the number of channels packed into one plane.
const Lanes = 4

// ErrShape is returned when data does not match the declared dimensions.
var ErrShape = errors.New("tensor: shape mismatch")

// Tensor is a dense HWC float32 tensor.
type Tensor struct {
	Width    int
	Height   int
	Channels int
	Data     []float32
}

// New allocates a zeroed tensor.
func New(width, height, channels int) *Tensor {
	return &Tensor{
		Width:    width,
		Height:   height,
		Channels: channels,
		Data:     make([]float32, width*height*channels),
	}
}

// Filled allocates a tensor with every element set to v.
func Filled(width, height, channels int, v float32) *Tensor {
	t := New(width, height, channels)
	for i := range t.Data {
		t.Data[i] = v
	}
	return t
}

// FromSlice wraps data (HWC order) without copying.
func FromSlice(width, height, channels int, data []float32) (*Tensor, error) {
	if width <= 0 || height <= 0 || channels <= 0 {
		return nil, fmt.Errorf("%w: non-positive dimensions %dx%dx%d", ErrShape, width, height, channels)
	}
	if len(data) != width*height*channels {
		return nil, fmt.Errorf("%w: %dx%dx%d needs %d values, got %d",
			ErrShape, width, height, channels, width*height*channels, len(data))
	}
	return &Tensor{Width: width, Height: height, Channels: channels, Data: data}, nil
}

// PlaneCount returns ceil(channels/4).
func PlaneCount(channels int) int {
	return (channels + Lanes - 1) / Lanes
}

// Planes returns the number of 4-channel planes needed to store t.
func (t *Tensor) Planes() int { return PlaneCount(t.Channels) }

// Len returns the number of elements.
func (t *Tensor) Len() int { return len(t.Data) }

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(%dx%dx%d)", t.Width, t.Height, t.Channels)
}

func (t *Tensor) index(x, y, c int) int {
	return (y*t.Width+x)*t.Channels + c
}

// At returns the element at (x, y, c).
func (t *Tensor) At(x, y, c int) float32 {
	return t.Data[t.index(x, y, c)]
}

// Set stores v at (x, y, c).
func (t *Tensor) Set(x, y, c int, v float32) {
	t.Data[t.index(x, y, c)] = v
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	c := &Tensor{Width: t.Width, Height: t.Height, Channels: t.Channels, Data: make([]float32, len(t.Data))}
	copy(c.Data, t.Data)
	return c
}

// SameShape reports whether t and o have identical dimensions.
func (t *Tensor) SameShape(o *Tensor) bool {
	return t.Width == o.Width && t.Height == o.Height && t.Channels == o.Channels
}

// MaxAbsDiff returns the largest absolute element difference, or +Inf when
// the shapes differ.
func (t *Tensor) MaxAbsDiff(o *Tensor) float64 {
	if !t.SameShape(o) {
		return math.Inf(1)
	}
	var m float64
	for i, v := range t.Data {
		d := math.Abs(float64(v) - float64(o.Data[i]))
		if d > m {
			m = d
		}
	}
	return m
}

// Flatten returns a copy of t reshaped to (len, 1, 1) keeping HWC order.
func (t *Tensor) Flatten() *Tensor {
	f := New(t.Len(), 1, 1)
	copy(f.Data, t.Data)
	return f
}
