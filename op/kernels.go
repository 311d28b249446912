package op

import (
	"fmt"

	"github.com/gogpu/shadernn/ir"
	"github.com/gogpu/shadernn/tensor"
)

// hostOutput allocates the result of a host kernel.
func hostOutput(kind Kind, out ir.Shape) (*tensor.Tensor, error) {
	if out.Width <= 0 || out.Height <= 0 || out.Channels <= 0 {
		return nil, fmt.Errorf("%w: %s: output shape %v", ErrInputs, kind, out)
	}
	return tensor.New(out.Width, out.Height, out.Channels), nil
}

// Ranged is implemented by operators that adjust the first layer's input
// and the last layer's output for the model's input range.
type Ranged interface {
	Range() InputRange
}

// HostKernel returns the host kernel of l compiled at the position o
// describes. Ranged operators that are the first or the last layer get the
// same range adjustments as their generated passes.
func HostKernel(l Operator, o ir.LayerOptions) ir.Kernel {
	r, ok := l.(Ranged)
	if !ok {
		return l
	}
	rng := r.Range()
	first := o.First && rng != RangeNone
	last := o.Last && rng == RangeSigned
	if !first && !last {
		return l
	}
	return ir.KernelFunc(func(in []*tensor.Tensor, out ir.Shape) (*tensor.Tensor, error) {
		if first {
			adjusted := make([]*tensor.Tensor, len(in))
			for i, t := range in {
				adjusted[i] = t.Clone()
				rng.adjustInput(adjusted[i].Data)
			}
			in = adjusted
		}
		res, err := l.Compute(in, out)
		if err != nil {
			return nil, err
		}
		if last {
			rng.adjustOutput(res.Data)
		}
		return res, nil
	})
}

// samplePadded reads channel c of t at (x, y) under the border policy of
// pad.
func samplePadded(t *tensor.Tensor, x, y, c int, pad Padding) float32 {
	inside := x >= 0 && y >= 0 && x < t.Width && y < t.Height
	switch pad.Mode {
	case PadReplicate:
		return t.At(clampIndex(x, t.Width), clampIndex(y, t.Height), c)
	case PadReflect:
		return t.At(reflectIndex(x, t.Width), reflectIndex(y, t.Height), c)
	}
	if !inside {
		return pad.Value
	}
	return t.At(x, y, c)
}

// affineFromBias returns scale 1 and shift bias (or 0) per channel.
func affineFromBias(bias []float32, channels int) (scale, shift []float32) {
	scale = make([]float32, channels)
	shift = make([]float32, channels)
	for c := range scale {
		scale[c] = 1
		if bias != nil {
			shift[c] = bias[c]
		}
	}
	return scale, shift
}

// finishHost applies the per-channel affine and the activation in place.
func finishHost(t *tensor.Tensor, scale, shift []float32, c Common) error {
	if scale != nil {
		for i := range t.Data {
			ch := i % t.Channels
			t.Data[i] = t.Data[i]*scale[ch] + shift[ch]
		}
	}
	return applyActivation(c.Activation, c.LeakyReluAlpha, t.Data)
}
