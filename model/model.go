// Package model loads JSON model descriptions into layer graphs.
//
// A model file declares its inputs and an ordered list of layers:
//
//	{
//	  "name": "denoise",
//	  "inputs": [{"name": "image", "width": 256, "height": 256, "channels": 3}],
//	  "layers": [
//	    {"name": "conv1", "type": "Conv2D", "inputs": ["image"],
//	     "params": {"filters": 8, "kernel_size": 3, "padding": "same", "activation": "relu"},
//	     "weights": {"kernel": [...], "bias": [...]}}
//	  ]
//	}
//
// A layer without "inputs" reads the previous layer, or the first input
// when it is the first layer. Files written by the original model converter
// ("numLayers" with "Layer_N" entries) are converted on load.
package model

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/goccy/go-json"

	"github.com/gogpu/shadernn/graph"
	"github.com/gogpu/shadernn/internal/logging"
	"github.com/gogpu/shadernn/ir"
	"github.com/gogpu/shadernn/op"
)

// ErrModel is returned for malformed model files.
var ErrModel = errors.New("model: invalid model")

func slogger() *slog.Logger { return logging.Logger() }

// File is the decoded JSON document.
type File struct {
	Name       string      `json:"name,omitempty"`
	// InputRange is "[0,1]" or "[-1,1]"; layers without their own
	// "input_range" or "is_range01" parameter inherit it.
	InputRange string      `json:"input_range,omitempty"`
	Inputs     []InputDesc `json:"inputs"`
	Layers     []LayerDesc `json:"layers"`
}

// InputDesc declares one external input.
type InputDesc struct {
	Name     string `json:"name,omitempty"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Channels int    `json:"channels"`
}

// Shape returns the declared shape.
func (d InputDesc) Shape() ir.Shape { return ir.NewShape(d.Width, d.Height, d.Channels) }

// LayerDesc describes one layer.
type LayerDesc struct {
	Name    string               `json:"name"`
	Type    string               `json:"type"`
	Inputs  []string             `json:"inputs,omitempty"`
	Params  map[string]any       `json:"params,omitempty"`
	Weights map[string][]float32 `json:"weights,omitempty"`
}

// Model is a loaded model: its frozen-ready graph plus the input
// declarations needed to compile it.
type Model struct {
	Name  string
	Graph *graph.Graph[op.Operator]
	// Root is the node of the first input sentinel.
	Root   int
	Inputs []InputDesc
	// Nodes maps layer and input names to graph nodes.
	Nodes map[string]int
}

// InputShapes returns the declared input shapes in index order.
func (m *Model) InputShapes() []ir.Shape {
	shapes := make([]ir.Shape, len(m.Inputs))
	for i, in := range m.Inputs {
		shapes[i] = in.Shape()
	}
	return shapes
}

// Options returns base with the model's input shapes filled in.
func (m *Model) Options(base ir.GenOptions) ir.GenOptions {
	base.InputShapes = m.InputShapes()
	return base
}

// Load reads and builds the model at path.
func Load(path string, reg *op.Registry) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("model: %w", err)
	}
	m, err := Parse(data, reg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Decode reads a model from r.
func Decode(r io.Reader, reg *op.Registry) (*Model, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("model: %w", err)
	}
	return Parse(data, reg)
}

// Parse decodes and builds a model.
func Parse(data []byte, reg *op.Registry) (*Model, error) {
	f, err := Unmarshal(data)
	if err != nil {
		return nil, err
	}
	return f.Build(reg)
}

// Unmarshal decodes either file format without building it.
func Unmarshal(data []byte) (*File, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrModel, err)
	}
	if _, ok := probe["numLayers"]; ok {
		return convertLegacy(probe)
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrModel, err)
	}
	return &f, nil
}

// Encode writes f as indented JSON.
func (f *File) Encode(w io.Writer) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	buf.Write(data)
	buf.WriteByte('\n')
	_, err = buf.WriteTo(w)
	return err
}

// layerParams returns the parameters of l with the model input range
// filled in.
func (f *File) layerParams(l LayerDesc) map[string]any {
	if f.InputRange == "" {
		return l.Params
	}
	if _, ok := l.Params["input_range"]; ok {
		return l.Params
	}
	if _, ok := l.Params["is_range01"]; ok {
		return l.Params
	}
	params := make(map[string]any, len(l.Params)+1)
	for k, v := range l.Params {
		params[k] = v
	}
	params["input_range"] = f.InputRange
	return params
}

// Build constructs the layer graph. Operators are built through reg;
// nil uses op.DefaultRegistry.
func (f *File) Build(reg *op.Registry) (*Model, error) {
	if reg == nil {
		reg = op.DefaultRegistry()
	}
	if len(f.Inputs) == 0 {
		return nil, fmt.Errorf("%w: no inputs declared", ErrModel)
	}
	if len(f.Layers) == 0 {
		return nil, fmt.Errorf("%w: no layers", ErrModel)
	}
	if _, err := op.ParseInputRange(f.InputRange); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrModel, err)
	}

	m := &Model{
		Name:   f.Name,
		Graph:  graph.New[op.Operator](),
		Inputs: make([]InputDesc, len(f.Inputs)),
		Nodes:  make(map[string]int, len(f.Inputs)+len(f.Layers)),
	}
	for i, in := range f.Inputs {
		if in.Name == "" {
			in.Name = fmt.Sprintf("input_%d", i)
		}
		if !in.Shape().Valid() {
			return nil, fmt.Errorf("%w: input %q has invalid shape %dx%dx%d", ErrModel, in.Name, in.Width, in.Height, in.Channels)
		}
		if _, dup := m.Nodes[in.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate name %q", ErrModel, in.Name)
		}
		m.Inputs[i] = in
		m.Nodes[in.Name] = m.Graph.Add(op.NewInput(in.Name, i))
	}
	m.Root = m.Nodes[m.Inputs[0].Name]

	prev := m.Root
	for i, l := range f.Layers {
		if l.Name == "" {
			l.Name = fmt.Sprintf("layer_%d", i)
		}
		if _, dup := m.Nodes[l.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate name %q", ErrModel, l.Name)
		}
		if strings.EqualFold(l.Type, string(op.KindInput)) {
			return nil, fmt.Errorf("%w: layer %q: inputs are declared under \"inputs\"", ErrModel, l.Name)
		}
		o, err := reg.Build(op.Spec{Kind: l.Type, Name: l.Name, Params: f.layerParams(l), Weights: l.Weights})
		if err != nil {
			return nil, fmt.Errorf("%w: layer %d: %w", ErrModel, i, err)
		}
		id := m.Graph.Add(o)
		m.Nodes[l.Name] = id

		sources := []int{prev}
		if len(l.Inputs) > 0 {
			sources = sources[:0]
			for _, name := range l.Inputs {
				src, ok := m.Nodes[name]
				if !ok {
					return nil, fmt.Errorf("%w: layer %q reads unknown %q", ErrModel, l.Name, name)
				}
				sources = append(sources, src)
			}
		}
		for _, src := range sources {
			if err := m.Graph.Connect(src, id); err != nil {
				return nil, fmt.Errorf("%w: layer %q: %w", ErrModel, l.Name, err)
			}
		}
		prev = id
	}
	slogger().Debug("model: built graph", "model", f.Name, "inputs", len(f.Inputs), "layers", len(f.Layers))
	return m, nil
}
