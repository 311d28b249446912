package op

import (
	"fmt"
	"math"
	"strings"

	"github.com/gogpu/shadernn/internal/wgsl"
)

// DefaultLeakyReluAlpha is the negative slope used when a layer does not
// give one.
const DefaultLeakyReluAlpha = 0.2

type activationFunc uint8

const (
	actIdentity activationFunc = iota
	actReLU
	actReLU6
	actTanh
	actSigmoid
	actLeakyReLU
	actSiLU
)

func lookupActivation(name string) (activationFunc, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "linear", "none", "identity":
		return actIdentity, nil
	case "relu":
		return actReLU, nil
	case "relu6":
		return actReLU6, nil
	case "tanh":
		return actTanh, nil
	case "sigmoid":
		return actSigmoid, nil
	case "leakyrelu", "leaky_relu":
		return actLeakyReLU, nil
	case "silu", "swish":
		return actSiLU, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownActivation, name)
}

// ActivationExpr returns the WGSL expression applying the named activation
// to the vec4 value s of scalar type scalar.
func ActivationExpr(name string, alpha float32, scalar string) (string, error) {
	fn, err := lookupActivation(name)
	if err != nil {
		return "", err
	}
	vec := "vec4<" + scalar + ">"
	switch fn {
	case actReLU:
		return "max(s, " + vec + "(0.0))", nil
	case actReLU6:
		return "clamp(s, " + vec + "(0.0), " + vec + "(6.0))", nil
	case actTanh:
		return "tanh(s)", nil
	case actSigmoid:
		return vec + "(1.0) / (" + vec + "(1.0) + exp(-s))", nil
	case actLeakyReLU:
		a, err := wgsl.Float(alpha)
		if err != nil {
			return "", fmt.Errorf("%w: leaky relu alpha: %w", ErrSpec, err)
		}
		return "max(s, s * " + a + ")", nil
	case actSiLU:
		return "s / (" + vec + "(1.0) + exp(-s))", nil
	}
	return "s", nil
}

// Activate applies the named activation to v. It is the host counterpart
// of ActivationExpr.
func Activate(name string, alpha float32, v float32) (float32, error) {
	fn, err := lookupActivation(name)
	if err != nil {
		return 0, err
	}
	return activate(fn, alpha, v), nil
}

func activate(fn activationFunc, alpha, v float32) float32 {
	switch fn {
	case actReLU:
		return max(v, 0)
	case actReLU6:
		return min(max(v, 0), 6)
	case actTanh:
		return float32(math.Tanh(float64(v)))
	case actSigmoid:
		return float32(1 / (1 + math.Exp(-float64(v))))
	case actLeakyReLU:
		return max(v, v*alpha)
	case actSiLU:
		return float32(float64(v) / (1 + math.Exp(-float64(v))))
	}
	return v
}

// applyActivation applies the activation in place to every element of
// data.
func applyActivation(name string, alpha float32, data []float32) error {
	fn, err := lookupActivation(name)
	if err != nil {
		return err
	}
	if fn == actIdentity {
		return nil
	}
	for i, v := range data {
		data[i] = activate(fn, alpha, v)
	}
	return nil
}
