// Package gpu executes compiled inference graphs on a WebGPU device
// through the gogpu/wgpu hal layer.
//
// Every tensor lives in a storage buffer in plane-major layout with rows
// padded to ir.RowPitch texels. Compute passes write the layer buffer
// directly. Draw passes render each output plane into an RGBA32F target
// and copy it into the layer buffer, so both stages feed the next layer
// the same way.
//
// Host layers (flatten, dense) run their host kernel: pending GPU work is
// submitted, the inputs are read back, and the result is uploaded again
// for any GPU layer that follows.
//
// Programs are cached by source digest across executables of one Backend,
// so identical layers share a pipeline.
//
// # Device Selection
//
// Open creates its own instance on the requested hal backend (Vulkan by
// default) and picks a discrete or integrated adapter. WithDevice runs on
// a caller-owned device instead, which is how tests use hal/noop.
package gpu
