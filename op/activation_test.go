package op

import (
	"errors"
	"math"
	"strings"
	"testing"
)

func TestActivationExpr(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"", "s"},
		{"linear", "s"},
		{"relu", "max(s, vec4<f32>(0.0))"},
		{"ReLU6", "clamp(s, vec4<f32>(0.0), vec4<f32>(6.0))"},
		{"tanh", "tanh(s)"},
		{"sigmoid", "vec4<f32>(1.0) / (vec4<f32>(1.0) + exp(-s))"},
		{"leakyrelu", "max(s, s * 0.2)"},
		{"silu", "s / (vec4<f32>(1.0) + exp(-s))"},
	}
	for _, tt := range tests {
		got, err := ActivationExpr(tt.name, DefaultLeakyReluAlpha, "f32")
		if err != nil {
			t.Fatalf("ActivationExpr(%q) = %v", tt.name, err)
		}
		if got != tt.want {
			t.Errorf("ActivationExpr(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestActivationExprHalf(t *testing.T) {
	got, err := ActivationExpr("relu", 0, "f16")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, "vec4<f16>") {
		t.Errorf("half expression %q does not use vec4<f16>", got)
	}
}

func TestActivationUnknown(t *testing.T) {
	if _, err := ActivationExpr("gelu", 0, "f32"); !errors.Is(err, ErrUnknownActivation) {
		t.Errorf("ActivationExpr(gelu) = %v, want ErrUnknownActivation", err)
	}
	if _, err := Activate("softplus", 0, 1); !errors.Is(err, ErrUnknownActivation) {
		t.Errorf("Activate(softplus) = %v, want ErrUnknownActivation", err)
	}
	_, err := DefaultRegistry().Build(Spec{Kind: "Activation", Name: "a", Params: map[string]any{"activation": "gelu"}})
	if !errors.Is(err, ErrUnknownActivation) {
		t.Errorf("Build with unknown activation = %v, want ErrUnknownActivation", err)
	}
}

func TestActivate(t *testing.T) {
	tests := []struct {
		name string
		in   float32
		want float32
	}{
		{"relu", -1, 0},
		{"relu", 2, 2},
		{"relu6", 9, 6},
		{"leaky_relu", -1, -0.2},
		{"sigmoid", 0, 0.5},
		{"tanh", 0, 0},
		{"silu", 0, 0},
		{"none", -3, -3},
	}
	for _, tt := range tests {
		got, err := Activate(tt.name, DefaultLeakyReluAlpha, tt.in)
		if err != nil {
			t.Fatal(err)
		}
		if math.Abs(float64(got-tt.want)) > 1e-6 {
			t.Errorf("Activate(%q, %v) = %v, want %v", tt.name, tt.in, got, tt.want)
		}
	}
}
