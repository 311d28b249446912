package gpu

import (
	"fmt"
	"strings"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/shadernn/backend"
	"github.com/gogpu/shadernn/internal/progcache"
	"github.com/gogpu/shadernn/ir"
)

// targetFormat is the render target format of draw passes.
const targetFormat = gputypes.TextureFormatRGBA32Float

// program is one linked pipeline with its layouts.
type program struct {
	shader     hal.ShaderModule
	bindLayout hal.BindGroupLayout
	pipeLayout hal.PipelineLayout
	compute    hal.ComputePipeline
	render     hal.RenderPipeline
}

// programKey digests everything that shapes the pipeline: the stage, the
// source and the resource type of every slot.
func programKey(p *ir.Pass) progcache.Key {
	var sig strings.Builder
	for _, bd := range p.Bindings {
		fmt.Fprintf(&sig, "%d:%v;", bd.Slot, bindingType(p, bd))
	}
	var targets string
	if p.Dispatch.Kind == ir.DispatchDraw {
		targets = fmt.Sprint(p.Dispatch.PlaneCount)
	}
	return progcache.KeyOf(p.Dispatch.Kind.String(), targets, sig.String(), p.Source)
}

func bindingType(p *ir.Pass, bd ir.Binding) gputypes.BufferBindingType {
	switch bd.Kind {
	case ir.BindingUniforms:
		return gputypes.BufferBindingTypeUniform
	case ir.BindingWeights:
		if w, ok := p.Weight(bd.Name); ok && w.Method == ir.WeightUniform {
			return gputypes.BufferBindingTypeUniform
		}
		return gputypes.BufferBindingTypeReadOnlyStorage
	case ir.BindingInput:
		return gputypes.BufferBindingTypeReadOnlyStorage
	default:
		return gputypes.BufferBindingTypeStorage
	}
}

// acquireProgram returns the cached pipeline of p, linking it on a miss.
func (b *Backend) acquireProgram(l *ir.Layer, p *ir.Pass) (*progcache.Ref[*program], error) {
	ref, err := b.programs.Acquire(programKey(p), func() (*program, error) {
		return b.link(p)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: layer %q pass %q: %w", backend.ErrLink, l.Name, p.Name, err)
	}
	return ref, nil
}

func (b *Backend) link(p *ir.Pass) (*program, error) {
	pr := &program{}
	ok := false
	defer func() {
		if !ok {
			b.destroyProgram(pr)
		}
	}()

	var err error
	pr.shader, err = b.device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  p.Name,
		Source: hal.ShaderSource{WGSL: p.Source},
	})
	if err != nil {
		return nil, fmt.Errorf("compile shader: %w", err)
	}

	visibility := gputypes.ShaderStageCompute
	if p.Dispatch.Kind == ir.DispatchDraw {
		visibility = gputypes.ShaderStageFragment
	}
	entries := make([]gputypes.BindGroupLayoutEntry, len(p.Bindings))
	for i, bd := range p.Bindings {
		entries[i] = gputypes.BindGroupLayoutEntry{
			Binding:    bd.Slot,
			Visibility: visibility,
			Buffer:     &gputypes.BufferBindingLayout{Type: bindingType(p, bd)},
		}
	}
	pr.bindLayout, err = b.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label:   p.Name + "_bind_layout",
		Entries: entries,
	})
	if err != nil {
		return nil, fmt.Errorf("create bind group layout: %w", err)
	}
	pr.pipeLayout, err = b.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            p.Name + "_pipe_layout",
		BindGroupLayouts: []hal.BindGroupLayout{pr.bindLayout},
	})
	if err != nil {
		return nil, fmt.Errorf("create pipeline layout: %w", err)
	}

	if p.Dispatch.Kind == ir.DispatchCompute {
		pr.compute, err = b.device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
			Label:   p.Name,
			Layout:  pr.pipeLayout,
			Compute: hal.ComputeState{Module: pr.shader, EntryPoint: "main"},
		})
		if err != nil {
			return nil, fmt.Errorf("create compute pipeline: %w", err)
		}
		ok = true
		return pr, nil
	}

	targets := make([]gputypes.ColorTargetState, p.Dispatch.PlaneCount)
	for i := range targets {
		targets[i] = gputypes.ColorTargetState{Format: targetFormat, WriteMask: gputypes.ColorWriteMaskAll}
	}
	pr.render, err = b.device.CreateRenderPipeline(&hal.RenderPipelineDescriptor{
		Label:  p.Name,
		Layout: pr.pipeLayout,
		Vertex: hal.VertexState{Module: pr.shader, EntryPoint: "vs_main"},
		Fragment: &hal.FragmentState{
			Module:     pr.shader,
			EntryPoint: "fs_main",
			Targets:    targets,
		},
		Primitive: gputypes.PrimitiveState{
			Topology: gputypes.PrimitiveTopologyTriangleList,
			CullMode: gputypes.CullModeNone,
		},
		Multisample: gputypes.MultisampleState{Count: 1, Mask: 0xFFFFFFFF},
	})
	if err != nil {
		return nil, fmt.Errorf("create render pipeline: %w", err)
	}
	ok = true
	return pr, nil
}

// destroyProgram is the cache release function.
func (b *Backend) destroyProgram(pr *program) {
	if pr.compute != nil {
		b.device.DestroyComputePipeline(pr.compute)
	}
	if pr.render != nil {
		b.device.DestroyRenderPipeline(pr.render)
	}
	if pr.pipeLayout != nil {
		b.device.DestroyPipelineLayout(pr.pipeLayout)
	}
	if pr.bindLayout != nil {
		b.device.DestroyBindGroupLayout(pr.bindLayout)
	}
	if pr.shader != nil {
		b.device.DestroyShaderModule(pr.shader)
	}
}
