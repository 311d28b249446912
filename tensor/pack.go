package tensor

import "fmt"

// PackChannels packs n channel values into ceil(n/4) planes of 4 lanes.
// Unused lanes of the final plane are zero.
func PackChannels(values []float32) []float32 {
	out := make([]float32, PlaneCount(len(values))*Lanes)
	copy(out, values)
	return out
}

// UnpackChannels recovers the first n channels from packed planes.
func UnpackChannels(planes []float32, n int) ([]float32, error) {
	if n < 0 || n > len(planes) || len(planes)%Lanes != 0 {
		return nil, fmt.Errorf("%w: cannot unpack %d channels from %d lanes", ErrShape, n, len(planes))
	}
	out := make([]float32, n)
	copy(out, planes[:n])
	return out, nil
}

// Pack converts t to plane-major layout with a row pitch equal to the width.
// Element (plane p, y, x, lane l) lands at ((p*H + y)*W + x)*4 + l.
func (t *Tensor) Pack() []float32 {
	return t.PackPitch(t.Width)
}

// PackPitch is Pack with an explicit row pitch in texels. Padding texels
// are zero. Pitch must be at least the width.
func (t *Tensor) PackPitch(pitch int) []float32 {
	if pitch < t.Width {
		pitch = t.Width
	}
	planes := t.Planes()
	out := make([]float32, planes*t.Height*pitch*Lanes)
	for y := 0; y < t.Height; y++ {
		for x := 0; x < t.Width; x++ {
			src := (y*t.Width + x) * t.Channels
			for c := 0; c < t.Channels; c++ {
				p, l := c/Lanes, c%Lanes
				out[((p*t.Height+y)*pitch+x)*Lanes+l] = t.Data[src+c]
			}
		}
	}
	return out
}

// Unpack is the inverse of Pack.
func Unpack(width, height, channels int, packed []float32) (*Tensor, error) {
	return UnpackPitch(width, height, channels, width, packed)
}

// UnpackPitch is the inverse of PackPitch.
func UnpackPitch(width, height, channels, pitch int, packed []float32) (*Tensor, error) {
	if pitch < width {
		return nil, fmt.Errorf("%w: pitch %d smaller than width %d", ErrShape, pitch, width)
	}
	need := PlaneCount(channels) * height * pitch * Lanes
	if len(packed) < need {
		return nil, fmt.Errorf("%w: need %d packed values, got %d", ErrShape, need, len(packed))
	}
	t := New(width, height, channels)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			dst := (y*width + x) * channels
			for c := 0; c < channels; c++ {
				p, l := c/Lanes, c%Lanes
				t.Data[dst+c] = packed[((p*height+y)*pitch+x)*Lanes+l]
			}
		}
	}
	return t, nil
}
