package op

import (
	"fmt"
	"strings"

	"github.com/gogpu/shadernn/internal/wgsl"
	"github.com/gogpu/shadernn/ir"
	"github.com/gogpu/shadernn/tensor"
)

// MaxUniformVec4 is the largest weight array, in vec4 elements, that may
// be materialized as a uniform block (64 KiB).
const MaxUniformVec4 = 4096

// WeightTexelWidth is the row width of texel-addressed weight tables.
const WeightTexelWidth = 256

// weightData is one named weight array, vec4-packed.
type weightData struct {
	name string
	data []float32
}

// program is the per-plane computation of one layer. The body runs inside
// compute_plane(x, y, p) and assigns the vec4 variable result; activation,
// live-channel masking and the store are added by generate.
type program struct {
	inputs   []ir.Shape
	uniforms []ir.Uniform
	weights  []weightData
	decls    []string
	body     string
	act      string
	alpha    float32
	// inRange selects the first and last layer range adjustments.
	inRange  InputRange
}

func (pr *program) addWeight(name string, data []float32) {
	if r := len(data) % tensor.Lanes; r != 0 {
		data = append(data[:len(data):len(data)], make([]float32, tensor.Lanes-r)...)
	}
	pr.weights = append(pr.weights, weightData{name: name, data: data})
}

func (pr *program) addDecl(format string, args ...any) {
	pr.decls = append(pr.decls, fmt.Sprintf(format, args...))
}

// vec4T returns the WGSL vec4 type of the arithmetic precision.
func vec4T(o ir.LayerOptions) string {
	return "vec4<" + o.Precision.ScalarType() + ">"
}

func inputName(i int) string { return fmt.Sprintf("src%d", i) }

// generate expands pr into the passes of the configured stage: one compute
// pass covering every plane, or one draw pass per group of planes.
func generate(kind Kind, o ir.LayerOptions, pr *program) ([]ir.Pass, error) {
	if !o.Out.Valid() {
		return nil, fmt.Errorf("%w: %s %q: invalid output shape %v", ErrUnsupported, kind, o.Name, o.Out)
	}
	real := o.Precision.ScalarType()
	act, err := ActivationExpr(pr.act, pr.alpha, real)
	if err != nil {
		return nil, fmt.Errorf("%s %q: %w", kind, o.Name, err)
	}
	if o.Last && pr.inRange == RangeSigned {
		act = fmt.Sprintf("(%s) * 0.5 + vec4<%s>(0.5)", act, real)
	}
	adjust := ""
	if o.First {
		adjust = inputAdjust(pr.inRange, real)
	}

	var bind, decls strings.Builder
	bindings := []ir.Binding{{Slot: 0, Kind: ir.BindingUniforms, Name: "params"}}
	bind.WriteString("struct Params {\n    out_size: vec4<i32>,\n    plane_range: vec4<i32>,\n")
	for _, u := range pr.uniforms {
		typ := "vec4<f32>"
		if u.Type == ir.UniformVec4I {
			typ = "vec4<i32>"
		}
		fmt.Fprintf(&bind, "    %s: %s,\n", u.Name, typ)
	}
	bind.WriteString("}\n\n@group(0) @binding(0) var<uniform> params: Params;\n")

	fmt.Fprintf(&decls, "%s\n", wgsl.IntConst("OUT_PITCH", ir.RowPitch(o.Out.Width)))
	decls.WriteString(reflectHelper)

	slot := uint32(1)
	inputs := make(map[string]int, len(pr.inputs))
	for i, s := range pr.inputs {
		name := inputName(i)
		inputs[name] = i
		bindings = append(bindings, ir.Binding{Slot: slot, Kind: ir.BindingInput, Name: name})
		fmt.Fprintf(&bind, "@group(0) @binding(%d) var<storage, read> %s: array<vec4<f32>>;\n", slot, name)
		slot++
		decls.WriteString(inputHelpers(i, s, real, adjust))
	}

	var weights []ir.WeightBuffer
	for _, w := range pr.weights {
		decl, buf, err := materialize(w, o.Weights, real, slot)
		if err != nil {
			return nil, fmt.Errorf("%s %q: %w", kind, o.Name, err)
		}
		decls.WriteString(decl)
		if buf != nil {
			bindings = append(bindings, ir.Binding{Slot: slot, Kind: ir.BindingWeights, Name: w.name})
			weights = append(weights, *buf)
			slot++
		}
	}
	for _, d := range pr.decls {
		decls.WriteString("\n")
		decls.WriteString(d)
		decls.WriteString("\n")
	}

	base := bind.String()
	values := map[string]string{
		"ENABLES":    "",
		"REAL":       real,
		"LIVE_MASK":  liveMask(o.Out.Channels),
		"ACTIVATION": act,
		"BODY":       wgsl.Indent(strings.TrimRight(pr.body, "\n"), 4),
		"DECLS":      decls.String(),
		"DEBUG":      "",
	}
	if o.Precision == ir.PrecisionHalf {
		values["ENABLES"] = "enable f16;"
	}

	if o.Stage == ir.StageCompute {
		tpl, err := wgsl.Load("compute")
		if err != nil {
			return nil, err
		}
		var cb strings.Builder
		cb.WriteString(base)
		cbind := append([]ir.Binding(nil), bindings...)
		fmt.Fprintf(&cb, "@group(0) @binding(%d) var<storage, read_write> dst: array<vec4<f32>>;\n", slot)
		cbind = append(cbind, ir.Binding{Slot: slot, Kind: ir.BindingOutput, Name: "dst"})
		debugBinding(o, &cb, &cbind, slot+1, values)
		values["BINDINGS"] = cb.String()
		values["LABEL"] = label(kind, o, 0, o.Out.Depth)
		values["WORKGROUP"] = fmt.Sprintf("%d, %d, %d", ir.LocalSize[0], ir.LocalSize[1], ir.LocalSize[2])
		src, err := tpl.Fill(values)
		if err != nil {
			return nil, fmt.Errorf("%s %q: %w", kind, o.Name, err)
		}
		return []ir.Pass{{
			Name:     o.Name + "/cs",
			Source:   src,
			Inputs:   inputs,
			Bindings: cbind,
			Uniforms: passUniforms(o, pr, 0, o.Out.Depth),
			Weights:  weights,
			Dispatch: ir.ComputeDispatch(ir.ComputeGroups(o.Out)),
		}}, nil
	}

	tpl, err := wgsl.Load("draw")
	if err != nil {
		return nil, err
	}
	per := o.Packing.PlanesPerPass()
	var passes []ir.Pass
	for first := 0; first < o.Out.Depth; first += per {
		count := min(per, o.Out.Depth-first)
		var db strings.Builder
		db.WriteString(base)
		dbind := append([]ir.Binding(nil), bindings...)
		debugBinding(o, &db, &dbind, slot, values)
		var outputs, store strings.Builder
		for i := 0; i < count; i++ {
			fmt.Fprintf(&outputs, "    @location(%d) plane%d: vec4<f32>,\n", i, i)
			fmt.Fprintf(&store, "    res.plane%d = finish(compute_plane(x, y, params.plane_range.x + %d), params.plane_range.x + %d);\n", i, i, i)
		}
		values["BINDINGS"] = db.String()
		values["LABEL"] = label(kind, o, first, count)
		values["OUTPUTS"] = strings.TrimRight(outputs.String(), "\n")
		values["STORE"] = strings.TrimRight(store.String(), "\n")
		src, err := tpl.Fill(values)
		if err != nil {
			return nil, fmt.Errorf("%s %q: %w", kind, o.Name, err)
		}
		passes = append(passes, ir.Pass{
			Name:     fmt.Sprintf("%s/fs%d", o.Name, len(passes)),
			Source:   src,
			Inputs:   inputs,
			Bindings: dbind,
			Uniforms: passUniforms(o, pr, first, count),
			Weights:  weights,
			Dispatch: ir.DrawDispatch(first, count),
		})
	}
	return passes, nil
}

func debugBinding(o ir.LayerOptions, b *strings.Builder, bindings *[]ir.Binding, slot uint32, values map[string]string) {
	if !o.Debug {
		values["DEBUG"] = ""
		return
	}
	fmt.Fprintf(b, "@group(0) @binding(%d) var<storage, read_write> debug_counter: array<atomic<u32>>;\n", slot)
	*bindings = append(*bindings, ir.Binding{Slot: slot, Kind: ir.BindingDebug, Name: "debug_counter"})
	values["DEBUG"] = "    atomicAdd(&debug_counter[0], 1u);"
}

func passUniforms(o ir.LayerOptions, pr *program, first, count int) []ir.Uniform {
	u := make([]ir.Uniform, 0, 2+len(pr.uniforms))
	u = append(u,
		ir.IntUniform("out_size", o.Out.Width, o.Out.Height, o.Out.Depth, o.Out.Channels),
		ir.IntUniform("plane_range", first, count, 0, 0),
	)
	return append(u, pr.uniforms...)
}

func label(kind Kind, o ir.LayerOptions, first, count int) string {
	name := strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return ' '
		}
		return r
	}, o.Name)
	return fmt.Sprintf("layer %d %q (%s) planes [%d, %d) %s %s", o.Index, name, kind, first, first+count, o.Precision, o.Stage)
}

// liveMask returns the lane mask of the last plane.
func liveMask(channels int) string {
	live := channels % tensor.Lanes
	if live == 0 {
		live = tensor.Lanes
	}
	lanes := make([]string, tensor.Lanes)
	for i := range lanes {
		lanes[i] = "0.0"
		if i < live {
			lanes[i] = "1.0"
		}
	}
	return strings.Join(lanes, ", ")
}

const reflectHelper = `
fn reflect_index(v: i32, n: i32) -> i32 {
    if (n <= 1) {
        return 0;
    }
    let period = 2 * (n - 1);
    var m = v % period;
    if (m < 0) {
        m = m + period;
    }
    return select(m, period - m, m >= n);
}
`

// inputAdjust returns the first-layer adjustment of an input texel v, or
// "" for none.
func inputAdjust(r InputRange, real string) string {
	switch r {
	case Range01:
		return fmt.Sprintf("max(v, vec4<%s>(0.001))", real)
	case RangeSigned:
		return fmt.Sprintf("v * 2.0 - vec4<%s>(1.0)", real)
	}
	return ""
}

// inputHelpers declares the size constants and accessors of input i.
// A non-empty adjust rewrites every in-bounds texel v; zero borders are
// left alone.
func inputHelpers(i int, s ir.Shape, real, adjust string) string {
	n := strings.ToUpper(inputName(i))
	src := inputName(i)
	vec := "vec4<" + real + ">"
	var b strings.Builder
	fmt.Fprintf(&b, "\n%s\n%s\n%s\n%s\n",
		wgsl.IntConst(n+"_W", s.Width),
		wgsl.IntConst(n+"_H", s.Height),
		wgsl.IntConst(n+"_D", s.Depth),
		wgsl.IntConst(n+"_PITCH", ir.RowPitch(s.Width)))
	if adjust == "" {
		adjust = "v"
	}
	fmt.Fprintf(&b, `
fn texel_%[1]s(v: %[2]s) -> %[2]s {
    return %[3]s;
}
`, src, vec, adjust)
	fmt.Fprintf(&b, `
fn inside_%[1]s(x: i32, y: i32) -> bool {
    return x >= 0 && y >= 0 && x < %[2]s_W && y < %[2]s_H;
}

fn load_%[1]s(x: i32, y: i32, p: i32) -> %[3]s {
    if (!inside_%[1]s(x, y) || p < 0 || p >= %[2]s_D) {
        return %[3]s(0.0);
    }
    return texel_%[1]s(%[3]s(%[1]s[(p * %[2]s_H + y) * %[2]s_PITCH + x]));
}

fn fetch_%[1]s(x: i32, y: i32, p: i32) -> %[3]s {
    let cx = clamp(x, 0, %[2]s_W - 1);
    let cy = clamp(y, 0, %[2]s_H - 1);
    let cp = clamp(p, 0, %[2]s_D - 1);
    return texel_%[1]s(%[3]s(%[1]s[(cp * %[2]s_H + cy) * %[2]s_PITCH + cx]));
}
`, src, n, vec)
	return b.String()
}

// sampleExpr returns the expression reading input i at (x, y, p) under the
// border policy of pad.
func sampleExpr(pad Padding, i int, x, y, p, real string) (string, error) {
	src := inputName(i)
	n := strings.ToUpper(src)
	switch pad.Mode {
	case PadReplicate:
		return fmt.Sprintf("fetch_%s(%s, %s, %s)", src, x, y, p), nil
	case PadReflect:
		return fmt.Sprintf("fetch_%s(reflect_index(%s, %s_W), reflect_index(%s, %s_H), %s)", src, x, n, y, n, p), nil
	}
	if pad.Value == 0 {
		return fmt.Sprintf("load_%s(%s, %s, %s)", src, x, y, p), nil
	}
	v, err := wgsl.Float(pad.Value)
	if err != nil {
		return "", fmt.Errorf("%w: padding value: %w", ErrSpec, err)
	}
	return fmt.Sprintf("select(vec4<%s>(%s), fetch_%s(%s, %s, %s), inside_%s(%s, %s))", real, v, src, x, y, p, src, x, y), nil
}

// materialize declares weight array w under method and returns the weight
// buffer to upload, if any.
func materialize(w weightData, method ir.WeightMethod, real string, slot uint32) (string, *ir.WeightBuffer, error) {
	vec := "vec4<" + real + ">"
	count := len(w.data) / tensor.Lanes
	accessor := func(expr string) string {
		return fmt.Sprintf("\nfn wt_%s(i: i32) -> %s {\n    return %s(%s);\n}\n", w.name, vec, vec, expr)
	}
	switch method {
	case ir.WeightConstants:
		arr, err := wgsl.Vec4Array("W_"+w.name, w.data)
		if err != nil {
			return "", nil, fmt.Errorf("%w: weights %s: %w", ErrSpec, w.name, err)
		}
		return "\n" + arr + "\n" + accessor(fmt.Sprintf("W_%s[i]", w.name)), nil, nil

	case ir.WeightUniform:
		if count > MaxUniformVec4 {
			return "", nil, fmt.Errorf("%w: weights %s: %d vec4 exceed the uniform limit of %d", ErrUnsupported, w.name, count, MaxUniformVec4)
		}
		decl := fmt.Sprintf("\n@group(0) @binding(%d) var<uniform> w_%s: array<vec4<f32>, %d>;\n", slot, w.name, count)
		return decl + accessor(fmt.Sprintf("w_%s[i]", w.name)),
			&ir.WeightBuffer{Name: w.name, Method: method, Data: w.data}, nil

	case ir.WeightStorage:
		decl := fmt.Sprintf("\n@group(0) @binding(%d) var<storage, read> w_%s: array<vec4<f32>>;\n", slot, w.name)
		return decl + accessor(fmt.Sprintf("w_%s[i]", w.name)),
			&ir.WeightBuffer{Name: w.name, Method: method, Data: w.data}, nil

	case ir.WeightTexture:
		width := min(count, WeightTexelWidth)
		rows := (count + width - 1) / width
		data := w.data
		if pad := width*rows*tensor.Lanes - len(data); pad > 0 {
			data = append(data[:len(data):len(data)], make([]float32, pad)...)
		}
		upper := strings.ToUpper(w.name)
		decl := fmt.Sprintf(`
@group(0) @binding(%[1]d) var<storage, read> w_%[2]s: array<vec4<f32>>;
const WT_%[3]s_WIDTH: i32 = %[4]d;

fn weight_texel_%[2]s(tx: i32, ty: i32) -> vec4<f32> {
    return w_%[2]s[ty * WT_%[3]s_WIDTH + tx];
}
`, slot, w.name, upper, width)
		return decl + accessor(fmt.Sprintf("weight_texel_%s(i %% WT_%s_WIDTH, i / WT_%s_WIDTH)", w.name, upper, upper)),
			&ir.WeightBuffer{Name: w.name, Method: method, Data: data, TexelWidth: width}, nil
	}
	return "", nil, fmt.Errorf("%w: weight method %v", ErrUnsupported, method)
}

// packAffine lays out per-channel scale and shift as two vec4 per plane:
// scale at 2p and shift at 2p+1. Dead lanes are zero.
func packAffine(scale, shift []float32, channels int) []float32 {
	planes := tensor.PlaneCount(channels)
	out := make([]float32, planes*2*tensor.Lanes)
	for c := 0; c < channels; c++ {
		p, l := c/tensor.Lanes, c%tensor.Lanes
		out[(2*p)*tensor.Lanes+l] = scale[c]
		out[(2*p+1)*tensor.Lanes+l] = shift[c]
	}
	return out
}
