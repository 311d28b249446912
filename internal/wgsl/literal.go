package wgsl

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Float formats v as a WGSL float literal. Integral values keep a ".0"
// suffix so they are never parsed as integers.
func Float(v float32) (string, error) {
	f := float64(v)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", fmt.Errorf("wgsl: non-finite literal %v", v)
	}
	s := strconv.FormatFloat(f, 'g', -1, 32)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s, nil
}

// Vec4 formats a vec4<typ> constructor from four values.
func Vec4(typ string, v [4]float32) (string, error) {
	var b strings.Builder
	b.WriteString("vec4<")
	b.WriteString(typ)
	b.WriteString(">(")
	for i, x := range v {
		if i > 0 {
			b.WriteString(", ")
		}
		s, err := Float(x)
		if err != nil {
			return "", err
		}
		b.WriteString(s)
	}
	b.WriteString(")")
	return b.String(), nil
}

// Vec4Array formats a private module-scope array of vec4<f32> initialised
// with data, which must have a length that is a multiple of 4. Private
// storage keeps the array dynamically indexable.
func Vec4Array(name string, data []float32) (string, error) {
	if len(data) == 0 || len(data)%4 != 0 {
		return "", fmt.Errorf("wgsl: array %s: length %d is not a positive multiple of 4", name, len(data))
	}
	n := len(data) / 4
	var b strings.Builder
	fmt.Fprintf(&b, "var<private> %s: array<vec4<f32>, %d> = array<vec4<f32>, %d>(\n", name, n, n)
	for i := 0; i < n; i++ {
		var v [4]float32
		copy(v[:], data[i*4:i*4+4])
		s, err := Vec4("f32", v)
		if err != nil {
			return "", fmt.Errorf("wgsl: array %s[%d]: %w", name, i, err)
		}
		b.WriteString("    ")
		b.WriteString(s)
		if i < n-1 {
			b.WriteString(",")
		}
		b.WriteString("\n")
	}
	b.WriteString(");")
	return b.String(), nil
}

// IntConst formats a module-scope i32 constant.
func IntConst(name string, v int) string {
	return fmt.Sprintf("const %s: i32 = %d;", name, v)
}

// FloatConst formats a module-scope constant of type typ.
func FloatConst(name, typ string, v float32) (string, error) {
	s, err := Float(v)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("const %s: %s = %s;", name, typ, s), nil
}

// Indent prefixes every non-empty line of s with n spaces.
func Indent(s string, n int) string {
	pad := strings.Repeat(" ", n)
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		if l != "" {
			lines[i] = pad + l
		}
	}
	return strings.Join(lines, "\n")
}
