package gpu

import (
	"context"
	"encoding/binary"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/shadernn/backend"
	"github.com/gogpu/shadernn/fence"
	"github.com/gogpu/shadernn/internal/progcache"
	"github.com/gogpu/shadernn/ir"
	"github.com/gogpu/shadernn/tensor"
)

// passState holds the resources bound to one pass.
type passState struct {
	pass      *ir.Pass
	prog      *progcache.Ref[*program]
	uniforms  hal.Buffer
	weights   map[string]hal.Buffer
	bindGroup hal.BindGroup
	// Draw passes: one target per plane.
	targets []hal.Texture
	views   []hal.TextureView
}

type layerState struct {
	l       *ir.Layer
	buf     hal.Buffer
	passes  []*passState
	skipped bool
}

// Executable is a graph compiled for one device. Runs are serialized: the
// executable owns one set of tensor buffers.
type Executable struct {
	b       *Backend
	g       *ir.InferenceGraph
	inputs  []hal.Buffer
	layers  []*layerState
	debug   hal.Buffer
	outputs []int
	issues  []error

	mu     sync.Mutex
	closed atomic.Bool
}

// Compile allocates every tensor buffer of g and links its passes. Layers
// whose passes fail to bind or link are skipped under PolicyDegrade and
// leave a zero output.
func (b *Backend) Compile(g *ir.InferenceGraph) (backend.Executable, error) {
	if b.closed.Load() {
		return nil, backend.ErrClosed
	}
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", backend.ErrBinding, err)
	}
	e := &Executable{
		b:       b,
		g:       g,
		inputs:  make([]hal.Buffer, len(g.Inputs)),
		layers:  make([]*layerState, len(g.Layers)),
		outputs: g.Outputs(),
	}
	if err := e.allocate(); err != nil {
		e.release()
		return nil, err
	}
	for _, ls := range e.layers {
		if err := e.prepareLayer(ls); err != nil {
			e.releasePasses(ls)
			if err := b.cfg.Policy.Handle(&e.issues, err); err != nil {
				e.release()
				return nil, err
			}
			ls.skipped = true
		}
	}
	slogger().Debug("gpu: compiled",
		"layers", len(g.Layers), "passes", g.PassCount(), "issues", len(e.issues),
		"programs", b.programs.Len())
	return e, nil
}

// allocate creates the input, layer and debug buffers.
func (e *Executable) allocate() error {
	var err error
	for i, in := range e.g.Inputs {
		if e.inputs[i], err = e.b.newBuffer(fmt.Sprintf("input_%d", i), tensorBytes(in.Shape), tensorUsage); err != nil {
			return fmt.Errorf("gpu: input %d buffer: %w", i, err)
		}
	}
	for i := range e.g.Layers {
		l := &e.g.Layers[i]
		ls := &layerState{l: l}
		e.layers[i] = ls
		if ls.buf, err = e.b.newBuffer(l.Name, tensorBytes(l.Output), tensorUsage); err != nil {
			return fmt.Errorf("gpu: layer %q buffer: %w", l.Name, err)
		}
	}
	if e.g.Options.Debug {
		if e.debug, err = e.b.newBuffer("debug_counter", 16, tensorUsage); err != nil {
			return fmt.Errorf("gpu: debug buffer: %w", err)
		}
	}
	return nil
}

func (e *Executable) prepareLayer(ls *layerState) error {
	l := ls.l
	if l.Placement == ir.PlaceHost {
		if l.Kernel == nil {
			return fmt.Errorf("%w: host layer %q has no kernel", backend.ErrLink, l.Name)
		}
		return nil
	}
	for j := range l.Passes {
		p := &l.Passes[j]
		if err := backend.CheckPass(l, p); err != nil {
			return err
		}
		ps := &passState{pass: p, weights: make(map[string]hal.Buffer, len(p.Weights))}
		ls.passes = append(ls.passes, ps)

		var err error
		if ps.prog, err = e.b.acquireProgram(l, p); err != nil {
			return err
		}
		if err := e.uploadConstants(ps); err != nil {
			return fmt.Errorf("gpu: layer %q: %w", l.Name, err)
		}
		if err := e.bind(ls, ps); err != nil {
			return err
		}
		if p.Dispatch.Kind == ir.DispatchDraw {
			if err := e.createTargets(ls, ps); err != nil {
				return fmt.Errorf("gpu: layer %q: %w", l.Name, err)
			}
		}
	}
	return nil
}

// uploadConstants creates the params block and weight buffers of ps.
func (e *Executable) uploadConstants(ps *passState) error {
	p := ps.pass
	if len(p.Uniforms) > 0 {
		data := uniformBytes(p.Uniforms)
		buf, err := e.b.newBuffer(p.Name+"_params", uint64(len(data)), gputypes.BufferUsageUniform|gputypes.BufferUsageCopyDst)
		if err != nil {
			return fmt.Errorf("params buffer: %w", err)
		}
		ps.uniforms = buf
		e.b.queue.WriteBuffer(buf, 0, data)
	}
	for _, w := range p.Weights {
		usage := gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst
		if w.Method == ir.WeightUniform {
			usage = gputypes.BufferUsageUniform | gputypes.BufferUsageCopyDst
		}
		data := floatBytes(w.Data)
		buf, err := e.b.newBuffer(p.Name+"_"+w.Name, uint64(len(data)), usage)
		if err != nil {
			return fmt.Errorf("weights %s: %w", w.Name, err)
		}
		ps.weights[w.Name] = buf
		e.b.queue.WriteBuffer(buf, 0, data)
	}
	return nil
}

// bind resolves every binding of ps to a buffer and creates its bind group.
func (e *Executable) bind(ls *layerState, ps *passState) error {
	p := ps.pass
	entries := make([]gputypes.BindGroupEntry, 0, len(p.Bindings))
	for _, bd := range p.Bindings {
		var (
			buf  hal.Buffer
			size uint64
		)
		switch bd.Kind {
		case ir.BindingUniforms:
			buf, size = ps.uniforms, uint64(len(p.Uniforms))*16
		case ir.BindingInput:
			buf, size = e.refBuffer(ls.l.Refs[p.Inputs[bd.Name]])
		case ir.BindingWeights:
			w, _ := p.Weight(bd.Name)
			buf, size = ps.weights[bd.Name], uint64(len(w.Data))*4
		case ir.BindingOutput:
			buf, size = ls.buf, tensorBytes(ls.l.Output)
		case ir.BindingDebug:
			buf, size = e.debug, 16
		}
		if buf == nil {
			return fmt.Errorf("%w: layer %q pass %q: slot %d (%s %q) has no resource",
				backend.ErrBinding, ls.l.Name, p.Name, bd.Slot, bd.Kind, bd.Name)
		}
		entries = append(entries, gputypes.BindGroupEntry{
			Binding:  bd.Slot,
			Resource: gputypes.BufferBinding{Buffer: buf.NativeHandle(), Offset: 0, Size: size},
		})
	}
	bg, err := e.b.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:   p.Name + "_bind",
		Layout:  ps.prog.Value.bindLayout,
		Entries: entries,
	})
	if err != nil {
		return fmt.Errorf("%w: layer %q pass %q: %w", backend.ErrBinding, ls.l.Name, p.Name, err)
	}
	ps.bindGroup = bg
	return nil
}

// refBuffer returns the buffer and size holding r.
func (e *Executable) refBuffer(r ir.BufferRef) (hal.Buffer, uint64) {
	if r.Kind == ir.RefExternal {
		return e.inputs[r.Index], tensorBytes(e.g.Inputs[r.Index].Shape)
	}
	ls := e.layers[r.Index]
	return ls.buf, tensorBytes(ls.l.Output)
}

func (e *Executable) createTargets(ls *layerState, ps *passState) error {
	out := ls.l.Output
	for k := 0; k < ps.pass.Dispatch.PlaneCount; k++ {
		tex, err := e.b.device.CreateTexture(&hal.TextureDescriptor{
			Label:         fmt.Sprintf("%s_plane%d", ps.pass.Name, k),
			Size:          hal.Extent3D{Width: uint32(out.Width), Height: uint32(out.Height), DepthOrArrayLayers: 1},
			MipLevelCount: 1,
			SampleCount:   1,
			Dimension:     gputypes.TextureDimension2D,
			Format:        targetFormat,
			Usage:         gputypes.TextureUsageRenderAttachment | gputypes.TextureUsageCopySrc,
		})
		if err != nil {
			return fmt.Errorf("render target: %w", err)
		}
		ps.targets = append(ps.targets, tex)
		view, err := e.b.device.CreateTextureView(tex, &hal.TextureViewDescriptor{
			Label: fmt.Sprintf("%s_plane%d_view", ps.pass.Name, k),
		})
		if err != nil {
			return fmt.Errorf("render target view: %w", err)
		}
		ps.views = append(ps.views, view)
	}
	return nil
}

// Issues returns the errors recorded by Compile under PolicyDegrade.
func (e *Executable) Issues() []error { return e.issues }

// Close releases the executable's buffers and program references.
func (e *Executable) Close() {
	if e.closed.Swap(true) {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.release()
}

func (e *Executable) release() {
	d := e.b.device
	for _, ls := range e.layers {
		if ls == nil {
			continue
		}
		e.releasePasses(ls)
		if ls.buf != nil {
			d.DestroyBuffer(ls.buf)
		}
	}
	for _, buf := range e.inputs {
		if buf != nil {
			d.DestroyBuffer(buf)
		}
	}
	if e.debug != nil {
		d.DestroyBuffer(e.debug)
	}
}

func (e *Executable) releasePasses(ls *layerState) {
	d := e.b.device
	for _, ps := range ls.passes {
		for _, v := range ps.views {
			d.DestroyTextureView(v)
		}
		for _, t := range ps.targets {
			d.DestroyTexture(t)
		}
		if ps.bindGroup != nil {
			d.DestroyBindGroup(ps.bindGroup)
		}
		for _, buf := range ps.weights {
			d.DestroyBuffer(buf)
		}
		if ps.uniforms != nil {
			d.DestroyBuffer(ps.uniforms)
		}
		if ps.prog != nil {
			ps.prog.Release()
		}
	}
	ls.passes = nil
}

// Run uploads the inputs, encodes every layer and reads the outputs back.
// Host layers split the run into several submissions.
func (e *Executable) Run(ctx context.Context, p backend.RunParameters) (*backend.Result, error) {
	if e.closed.Load() {
		return nil, backend.ErrClosed
	}
	if err := backend.CheckInputs(e.g, p.Inputs); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed.Load() {
		return nil, backend.ErrClosed
	}

	res := &backend.Result{Issues: slices.Clone(e.issues)}
	for i, t := range p.Inputs {
		e.b.uploadTensor(e.inputs[i], t)
	}
	if e.debug != nil {
		e.b.queue.WriteBuffer(e.debug, 0, make([]byte, 16))
	}

	// host holds layer outputs already known on the CPU.
	host := make([]*tensor.Tensor, len(e.layers))
	var enc hal.CommandEncoder
	for i, ls := range e.layers {
		if err := ctx.Err(); err != nil {
			if enc != nil {
				enc.DiscardEncoding()
			}
			return nil, err
		}
		if ls.l.Placement == ir.PlaceHost && !ls.skipped {
			out, err := e.runHost(ctx, enc, ls, host, p.Inputs)
			enc = nil
			if err != nil {
				return nil, err
			}
			host[i] = out
			continue
		}
		if ls.skipped {
			continue
		}
		if enc == nil {
			var err error
			if enc, err = e.begin(ls.l.Name); err != nil {
				return nil, err
			}
		}
		e.encodeLayer(enc, ls)
	}

	want := e.outputs
	if p.CaptureAll {
		want = make([]int, len(e.layers))
		for i := range want {
			want[i] = i
		}
	}
	var missing []int
	for _, idx := range want {
		if host[idx] == nil {
			missing = append(missing, idx)
		}
	}
	read, err := e.collect(ctx, enc, missing, e.debug != nil)
	if err != nil {
		return nil, err
	}
	for idx, t := range read.stages {
		host[idx] = t
	}
	if p.Fence {
		res.Fence = read.ticket
		if res.Fence.IsZero() {
			// Nothing was submitted: hand out an already signaled CPU ticket.
			res.Fence = e.b.fences.CreateCPU()
			if err := e.b.fences.SignalCPU(res.Fence); err != nil {
				return nil, err
			}
		}
	}
	res.DebugCount = read.debug
	for _, idx := range e.outputs {
		res.Outputs = append(res.Outputs, host[idx])
	}
	if p.CaptureAll {
		res.Layers = host
	}
	return res, nil
}

// runHost executes a host layer: pending GPU work is flushed together with
// the readback of its inputs, then the result is uploaded for later layers.
func (e *Executable) runHost(ctx context.Context, enc hal.CommandEncoder, ls *layerState, host, inputs []*tensor.Tensor) (*tensor.Tensor, error) {
	l := ls.l
	var need []int
	for _, r := range l.Refs {
		if r.Kind == ir.RefStage && host[r.Index] == nil {
			need = append(need, r.Index)
		}
	}
	read, err := e.collect(ctx, enc, need, false)
	if err != nil {
		return nil, err
	}
	for idx, t := range read.stages {
		host[idx] = t
	}

	in := make([]*tensor.Tensor, len(l.Refs))
	for j, r := range l.Refs {
		if r.Kind == ir.RefExternal {
			in[j] = inputs[r.Index]
		} else {
			in[j] = host[r.Index]
		}
	}
	out, err := l.Kernel.Compute(in, l.Output)
	if err != nil {
		return nil, fmt.Errorf("gpu: host layer %d %q: %w", l.Index, l.Name, err)
	}
	if out.Width != l.Output.Width || out.Height != l.Output.Height || out.Channels != l.Output.Channels {
		return nil, fmt.Errorf("gpu: host layer %d %q produced %v, compiled %v", l.Index, l.Name, out, l.Output)
	}
	e.b.uploadTensor(ls.buf, out)
	slogger().Debug("gpu: host layer", "layer", l.Name, "readback", len(need))
	return out, nil
}

func (e *Executable) begin(label string) (hal.CommandEncoder, error) {
	enc, err := e.b.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: label})
	if err != nil {
		return nil, fmt.Errorf("gpu: create command encoder: %w", err)
	}
	if err := enc.BeginEncoding(label); err != nil {
		return nil, fmt.Errorf("gpu: begin encoding: %w", err)
	}
	return enc, nil
}

func (e *Executable) encodeLayer(enc hal.CommandEncoder, ls *layerState) {
	for _, ps := range ls.passes {
		d := ps.pass.Dispatch
		switch d.Kind {
		case ir.DispatchCompute:
			cp := enc.BeginComputePass(&hal.ComputePassDescriptor{Label: ps.pass.Name})
			cp.SetPipeline(ps.prog.Value.compute)
			cp.SetBindGroup(0, ps.bindGroup, nil)
			cp.Dispatch(d.Groups[0], d.Groups[1], d.Groups[2])
			cp.End()
		case ir.DispatchDraw:
			e.encodeDraw(enc, ls, ps)
		}
	}
}

// encodeDraw renders the planes of ps and copies each target into its
// plane of the layer buffer.
func (e *Executable) encodeDraw(enc hal.CommandEncoder, ls *layerState, ps *passState) {
	attachments := make([]hal.RenderPassColorAttachment, len(ps.views))
	for k, v := range ps.views {
		attachments[k] = hal.RenderPassColorAttachment{
			View:       v,
			LoadOp:     gputypes.LoadOpClear,
			StoreOp:    gputypes.StoreOpStore,
			ClearValue: gputypes.Color{},
		}
	}
	rp := enc.BeginRenderPass(&hal.RenderPassDescriptor{Label: ps.pass.Name, ColorAttachments: attachments})
	rp.SetPipeline(ps.prog.Value.render)
	rp.SetBindGroup(0, ps.bindGroup, nil)
	rp.Draw(3, 1, 0, 0)
	rp.End()

	out := ls.l.Output
	for k, tex := range ps.targets {
		enc.TransitionTextures([]hal.TextureBarrier{{
			Texture: tex,
			Usage: hal.TextureUsageTransition{
				OldUsage: gputypes.TextureUsageRenderAttachment,
				NewUsage: gputypes.TextureUsageCopySrc,
			},
		}})
		enc.CopyTextureToBuffer(tex, ls.buf, []hal.BufferTextureCopy{{
			BufferLayout: hal.ImageDataLayout{
				Offset:       planeOffset(out, ps.pass.Dispatch.FirstPlane+k),
				BytesPerRow:  uint32(ir.RowPitch(out.Width) * texelBytes),
				RowsPerImage: uint32(out.Height),
			},
			TextureBase: hal.ImageCopyTexture{Texture: tex, MipLevel: 0},
			Size:        hal.Extent3D{Width: uint32(out.Width), Height: uint32(out.Height), DepthOrArrayLayers: 1},
		}})
		enc.TransitionTextures([]hal.TextureBarrier{{
			Texture: tex,
			Usage: hal.TextureUsageTransition{
				OldUsage: gputypes.TextureUsageCopySrc,
				NewUsage: gputypes.TextureUsageRenderAttachment,
			},
		}})
	}
}

type readback struct {
	stages map[int]*tensor.Tensor
	debug  uint32
	ticket fence.Fence
}

// collect appends copies of the given stages (and the debug counter) to
// enc, submits it and reads the copies back. A nil enc starts a new one.
func (e *Executable) collect(ctx context.Context, enc hal.CommandEncoder, stages []int, debug bool) (*readback, error) {
	out := &readback{stages: make(map[int]*tensor.Tensor, len(stages))}
	if enc == nil && len(stages) == 0 && !debug {
		return out, nil
	}
	if enc == nil {
		var err error
		if enc, err = e.begin("readback"); err != nil {
			return nil, err
		}
	}

	d := e.b.device
	staging := make(map[int]hal.Buffer, len(stages))
	defer func() {
		for _, buf := range staging {
			d.DestroyBuffer(buf)
		}
	}()
	for _, idx := range stages {
		if _, dup := staging[idx]; dup {
			continue
		}
		ls := e.layers[idx]
		size := tensorBytes(ls.l.Output)
		buf, err := e.b.newBuffer(ls.l.Name+"_staging", size, stagingUsage)
		if err != nil {
			enc.DiscardEncoding()
			return nil, fmt.Errorf("gpu: staging buffer: %w", err)
		}
		staging[idx] = buf
		enc.CopyBufferToBuffer(ls.buf, buf, []hal.BufferCopy{{SrcOffset: 0, DstOffset: 0, Size: size}})
	}
	var debugStaging hal.Buffer
	if debug {
		buf, err := e.b.newBuffer("debug_staging", 16, stagingUsage)
		if err != nil {
			enc.DiscardEncoding()
			return nil, fmt.Errorf("gpu: staging buffer: %w", err)
		}
		debugStaging = buf
		defer d.DestroyBuffer(buf)
		enc.CopyBufferToBuffer(e.debug, buf, []hal.BufferCopy{{SrcOffset: 0, DstOffset: 0, Size: 16}})
	}

	ticket, err := e.submit(ctx, enc)
	if err != nil {
		return nil, err
	}
	out.ticket = ticket

	for idx, buf := range staging {
		ls := e.layers[idx]
		data := make([]byte, tensorBytes(ls.l.Output))
		if err := e.b.queue.ReadBuffer(buf, 0, data); err != nil {
			return nil, fmt.Errorf("gpu: read layer %q: %w", ls.l.Name, err)
		}
		s := ls.l.Output
		t, err := tensor.UnpackPitch(s.Width, s.Height, s.Channels, ir.RowPitch(s.Width), bytesFloats(data))
		if err != nil {
			return nil, fmt.Errorf("gpu: read layer %q: %w", ls.l.Name, err)
		}
		out.stages[idx] = t
	}
	if debugStaging != nil {
		data := make([]byte, 16)
		if err := e.b.queue.ReadBuffer(debugStaging, 0, data); err != nil {
			return nil, fmt.Errorf("gpu: read debug counter: %w", err)
		}
		out.debug = binary.LittleEndian.Uint32(data)
	}
	return out, nil
}

// submit finishes enc, submits it and waits for completion through the
// fence manager. The returned ticket has completed.
func (e *Executable) submit(ctx context.Context, enc hal.CommandEncoder) (fence.Fence, error) {
	d := e.b.device
	cb, err := enc.EndEncoding()
	if err != nil {
		return fence.Fence{}, fmt.Errorf("gpu: end encoding: %w", err)
	}
	hf, err := d.CreateFence()
	if err != nil {
		d.FreeCommandBuffer(cb)
		return fence.Fence{}, fmt.Errorf("gpu: create fence: %w", err)
	}

	e.b.submitMu.Lock()
	err = e.b.queue.Submit([]hal.CommandBuffer{cb}, hf, 1)
	e.b.submitMu.Unlock()
	if err != nil {
		d.DestroyFence(hf)
		d.FreeCommandBuffer(cb)
		return fence.Fence{}, fmt.Errorf("gpu: submit: %w", err)
	}

	ticket := e.b.fences.InsertGPU(&halSignal{device: d, fence: hf, value: 1})
	if err := e.b.fences.Wait(ctx, ticket); err != nil {
		// The command buffer may still be executing; it is leaked rather
		// than freed in flight.
		return fence.Fence{}, fmt.Errorf("gpu: wait: %w", err)
	}
	d.FreeCommandBuffer(cb)
	return ticket, nil
}
