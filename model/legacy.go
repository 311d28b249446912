package model

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/gogpu/shadernn/op"
)

// legacyCount is the "numLayers" header of converter output.
type legacyCount struct {
	Count      int    `json:"count"`
	BinaryFile string `json:"bin_file_name"`
}

// legacyKinds maps converter type names to operator kinds. Names absent
// here are passed through unchanged.
var legacyKinds = map[string]op.Kind{
	"Convolution":           op.KindConv2D,
	"Conv":                  op.KindConv2D,
	"ConvTranspose":         op.KindConv2DTranspose,
	"Depthwise":             op.KindDepthwiseConv2D,
	"MaxPool":               op.KindMaxPooling2D,
	"AveragePool":           op.KindAveragePooling2D,
	"ZeroPadding2D":         op.KindPad,
	"InstanceNormalization": op.KindInstanceNorm,
	"Gemm":                  op.KindDense,
	"Upsample":              op.KindUpSampling2D,
}

// legacyKeys renames converter parameter keys.
var legacyKeys = map[string]string{
	"stride":                "strides",
	"pool":                  "pool_size",
	"leakyReluAlpha":        "leaky_relu_alpha",
	"alpha":                 "leaky_relu_alpha",
	"scaleFactor":           "size",
	"useBatchNormalization": "use_batch_norm",
	"mode":                  "padding_mode",
	"Depthwise_Kernel":      "kernel_size",
}

// legacyDropped are bookkeeping keys with no operator meaning.
var legacyDropped = map[string]bool{
	"type": true, "name": true, "inputId": true, "numInputs": true,
	"inputPlanes": true, "useBias": true, "use_multi_inputs": true,
	"weights": true, "batchNormalization": true, "depthwise_weights": true,
}

// convertLegacy rewrites converter output ("numLayers" plus "Layer_N"
// objects linked by "inputId") into a File.
func convertLegacy(doc map[string]json.RawMessage) (*File, error) {
	var n legacyCount
	if err := json.Unmarshal(doc["numLayers"], &n); err != nil {
		return nil, fmt.Errorf("%w: numLayers: %w", ErrModel, err)
	}
	if n.BinaryFile != "" {
		return nil, fmt.Errorf("%w: external weight file %q is not supported", ErrModel, n.BinaryFile)
	}

	f := &File{}
	if raw, ok := doc["inputRange"]; ok {
		var rng string
		if err := json.Unmarshal(raw, &rng); err != nil {
			return nil, fmt.Errorf("%w: inputRange: %w", ErrModel, err)
		}
		// Anything but [0,1] is a signed model.
		f.InputRange = op.RangeSigned.String()
		if strings.ReplaceAll(rng, " ", "") == op.Range01.String() {
			f.InputRange = op.Range01.String()
		}
	}
	// names maps legacy layer ids to input or layer names.
	names := make(map[int]string, n.Count)
	for id := 0; id < n.Count; id++ {
		key := "Layer_" + strconv.Itoa(id)
		raw, ok := doc[key]
		if !ok {
			return nil, fmt.Errorf("%w: %s missing (numLayers %d)", ErrModel, key, n.Count)
		}
		var obj map[string]any
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrModel, key, err)
		}
		typ, _ := obj["type"].(string)
		name, _ := obj["name"].(string)
		if typ == "Lambda" && name != "" {
			typ = name
		}
		if name == "" {
			name = strings.ToLower(key)
		}
		names[id] = name

		if typ == string(op.KindInput) {
			in, err := legacyInput(key, name, obj)
			if err != nil {
				return nil, err
			}
			f.Inputs = append(f.Inputs, in)
			continue
		}

		l, err := legacyLayer(key, name, typ, obj, names)
		if err != nil {
			return nil, err
		}
		f.Layers = append(f.Layers, l)
	}
	slogger().Debug("model: converted legacy file", "layers", len(f.Layers), "inputs", len(f.Inputs))
	return f, nil
}

func legacyInput(key, name string, obj map[string]any) (InputDesc, error) {
	in := InputDesc{Name: name}
	var err error
	if in.Width, err = legacyInt(obj, "Input Width"); err != nil {
		return in, fmt.Errorf("%w: %s: %w", ErrModel, key, err)
	}
	if in.Height, err = legacyInt(obj, "Input Height"); err != nil {
		return in, fmt.Errorf("%w: %s: %w", ErrModel, key, err)
	}
	if in.Channels, err = legacyInt(obj, "outputPlanes"); err != nil {
		return in, fmt.Errorf("%w: %s: %w", ErrModel, key, err)
	}
	return in, nil
}

func legacyLayer(key, name, typ string, obj map[string]any, names map[int]string) (LayerDesc, error) {
	l := LayerDesc{Name: name, Type: typ, Params: map[string]any{}, Weights: map[string][]float32{}}
	if k, ok := legacyKinds[typ]; ok {
		l.Type = string(k)
	}

	if ids, ok := obj["inputId"].([]any); ok {
		for _, v := range ids {
			f, ok := v.(float64)
			if !ok {
				return l, fmt.Errorf("%w: %s: inputId %v", ErrModel, key, v)
			}
			src, ok := names[int(f)]
			if !ok {
				return l, fmt.Errorf("%w: %s reads layer %d which is not defined before it", ErrModel, key, int(f))
			}
			l.Inputs = append(l.Inputs, src)
		}
	}

	for k, v := range obj {
		if legacyDropped[k] {
			continue
		}
		switch k {
		case "outputPlanes":
			if l.Type == string(op.KindConv2D) || l.Type == string(op.KindConv2DTranspose) {
				l.Params["filters"] = v
			}
			continue
		case "padding_value":
			// Max pooling stores the border mode here.
			if s, ok := v.(string); ok {
				if _, err := op.ParsePadMode(s); err == nil {
					l.Params["padding_mode"] = s
					continue
				}
			}
		case "pads":
			p, err := onnxPads(v)
			if err != nil {
				return l, fmt.Errorf("%w: %s: %w", ErrModel, key, err)
			}
			l.Params["padding"] = p
			continue
		}
		if r, ok := legacyKeys[k]; ok {
			k = r
		}
		l.Params[k] = v
	}

	if err := legacyWeights(obj, "weights", l.Weights); err != nil {
		return l, fmt.Errorf("%w: %s: %w", ErrModel, key, err)
	}
	if err := legacyWeights(obj, "batchNormalization", l.Weights); err != nil {
		return l, fmt.Errorf("%w: %s: %w", ErrModel, key, err)
	}
	for from, to := range map[string]string{"movingMean": "moving_mean", "movingVariance": "moving_variance"} {
		if w, ok := l.Weights[from]; ok {
			l.Weights[to] = w
			delete(l.Weights, from)
		}
	}
	if w, ok := obj["depthwise_weights"].([]any); ok {
		vals, err := floats(w)
		if err != nil {
			return l, fmt.Errorf("%w: %s: depthwise_weights: %w", ErrModel, key, err)
		}
		l.Weights["kernel"] = vals
	}
	return l, nil
}

// legacyWeights copies the numeric arrays of obj[field] into dst.
func legacyWeights(obj map[string]any, field string, dst map[string][]float32) error {
	m, ok := obj[field].(map[string]any)
	if !ok {
		return nil
	}
	for name, v := range m {
		arr, ok := v.([]any)
		if !ok {
			continue
		}
		vals, err := floats(arr)
		if err != nil {
			return fmt.Errorf("%s.%s: %w", field, name, err)
		}
		dst[name] = vals
	}
	return nil
}

// floats flattens a possibly nested numeric array.
func floats(arr []any) ([]float32, error) {
	out := make([]float32, 0, len(arr))
	for _, v := range arr {
		switch x := v.(type) {
		case float64:
			out = append(out, float32(x))
		case []any:
			inner, err := floats(x)
			if err != nil {
				return nil, err
			}
			out = append(out, inner...)
		default:
			return nil, fmt.Errorf("non-numeric weight %v", v)
		}
	}
	return out, nil
}

// onnxPads converts NCHW begin/end pads to [top, bottom, left, right].
func onnxPads(v any) ([]any, error) {
	arr, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("pads: want a list, got %T", v)
	}
	switch len(arr) {
	case 8:
		return []any{arr[2], arr[6], arr[3], arr[7]}, nil
	case 4:
		return []any{arr[0], arr[2], arr[1], arr[3]}, nil
	}
	return nil, fmt.Errorf("pads: want 4 or 8 values, got %d", len(arr))
}

func legacyInt(obj map[string]any, key string) (int, error) {
	f, ok := obj[key].(float64)
	if !ok {
		return 0, fmt.Errorf("%q: want a number, got %T", key, obj[key])
	}
	return int(f), nil
}
