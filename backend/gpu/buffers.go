package gpu

import (
	"encoding/binary"
	"math"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/shadernn/ir"
	"github.com/gogpu/shadernn/tensor"
)

// texelBytes is the size of one RGBA32F texel.
const texelBytes = tensor.Lanes * 4

const (
	tensorUsage  = gputypes.BufferUsageStorage | gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst
	stagingUsage = gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst
)

// tensorBytes is the buffer size of a tensor of shape s.
func tensorBytes(s ir.Shape) uint64 {
	return uint64(s.Depth) * uint64(s.Height) * uint64(ir.RowPitch(s.Width)) * texelBytes
}

// planeOffset is the byte offset of plane p in a tensor buffer.
func planeOffset(s ir.Shape, p int) uint64 {
	return uint64(p) * uint64(s.Height) * uint64(ir.RowPitch(s.Width)) * texelBytes
}

func (b *Backend) newBuffer(label string, size uint64, usage gputypes.BufferUsage) (hal.Buffer, error) {
	return b.device.CreateBuffer(&hal.BufferDescriptor{Label: label, Size: size, Usage: usage})
}

// uploadTensor writes t into buf in padded plane-major layout.
func (b *Backend) uploadTensor(buf hal.Buffer, t *tensor.Tensor) {
	b.queue.WriteBuffer(buf, 0, floatBytes(t.PackPitch(ir.RowPitch(t.Width))))
}

func floatBytes(v []float32) []byte {
	out := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}

func bytesFloats(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

// uniformBytes lays out the params block: one 16-byte field per uniform,
// integers as i32.
func uniformBytes(us []ir.Uniform) []byte {
	out := make([]byte, len(us)*16)
	for i, u := range us {
		for j, v := range u.Values {
			bits := math.Float32bits(v)
			if u.Type == ir.UniformVec4I {
				bits = uint32(int32(v))
			}
			binary.LittleEndian.PutUint32(out[i*16+j*4:], bits)
		}
	}
	return out
}
