// Package backend defines the execution side of shadernn: a Backend turns
// a compiled ir.InferenceGraph into an Executable, and an Executable runs
// it on input tensors.
//
// # Backend Registration
//
// Backends are registered on an explicit Registry, never through package
// state:
//
//	reg := backend.NewRegistry()
//	reg.Register(backend.BackendSoftware, software.Factory)
//	reg.Register(backend.BackendGPU, gpu.Factory)
//
// # Backend Selection
//
// Use Default to get the best available backend, or Get to request one by
// name:
//
//	b, err := reg.Default(backend.Config{})
//	b, err := reg.Get("software", backend.Config{Policy: backend.PolicyDegrade})
//
// # Error Policy
//
// Binding and link failures either abort (PolicyAbort, the default) or are
// recorded in Result.Issues while the affected pass is skipped
// (PolicyDegrade). Structural and generation errors are reported by the
// compiler and never reach a backend.
//
// # Available Backends
//
//   - "gpu": WebGPU via gogpu/wgpu hal (backend/gpu)
//   - "software": host kernels, always available (backend/software)
package backend
