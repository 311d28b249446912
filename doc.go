// Package shadernn runs convolutional networks as generated GPU programs.
//
// # Overview
//
// shadernn is an inference runtime, not a training framework. A model is
// a graph of layers. Each layer lowers into one or more WGSL programs,
// which run on a gogpu/wgpu device as compute dispatches or fullscreen
// draws. A host reference backend runs the same compiled graph on the CPU.
//
// # Quick Start
//
//	import "github.com/gogpu/shadernn"
//
//	rt, err := shadernn.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer rt.Close()
//
//	prog, err := rt.Load("denoise.json")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	in, err := tensor.FromImage(img, 3)
//	out, err := prog.Run(ctx, in)
//
// # Architecture
//
// The library is organized into:
//   - Public API: Runtime, Program, Option, SetLogger
//   - Graph building: graph (layer DAG, topological sort), op (operators
//     and their program generators), model (JSON loader)
//   - Compilation: compiler (graph to ir.InferenceGraph), internal/wgsl
//     (templates and naga validation)
//   - Execution: backend/gpu (hal devices), backend/software (host
//     kernels), fence (completion tickets)
//
// # Tensor Layout
//
// Channels are grouped into planes of four. A WxHxC tensor occupies
// ceil(C/4) planes of WxH RGBA texels; the trailing channels of the last
// plane are zero.
package shadernn

// Version information
const (
	// Version is the current version of the library
	Version = "0.1.0"

	// VersionMajor is the major version
	VersionMajor = 0

	// VersionMinor is the minor version
	VersionMinor = 1

	// VersionPatch is the patch version
	VersionPatch = 0
)
