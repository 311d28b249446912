package op

import (
	"fmt"
	"strconv"
	"strings"
)

// PadMode selects how samples outside the input are produced.
type PadMode uint8

const (
	// PadConstant reads a constant value (zero unless Padding.Value is set).
	PadConstant PadMode = iota
	// PadReplicate repeats the nearest edge texel.
	PadReplicate
	// PadReflect mirrors about the edge texel without repeating it.
	PadReflect
)

// String implements fmt.Stringer.
func (m PadMode) String() string {
	switch m {
	case PadReplicate:
		return "replicate"
	case PadReflect:
		return "reflect"
	default:
		return "constant"
	}
}

// ParsePadMode parses a border mode name.
func ParsePadMode(s string) (PadMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "constant", "zero", "zeros":
		return PadConstant, nil
	case "replicate", "edge", "clamp":
		return PadReplicate, nil
	case "reflect", "mirror":
		return PadReflect, nil
	}
	return 0, fmt.Errorf("%w: unknown padding mode %q", ErrSpec, s)
}

// Padding is a padding descriptor. Each side is either a non-negative
// integer or a symbolic mode such as "valid" or "same"; the Top field
// decides which.
type Padding struct {
	Top, Bottom, Left, Right string
	Mode                     PadMode
	Value                    float32
}

// SymbolicPadding returns a padding with every side set to mode.
func SymbolicPadding(mode string) Padding {
	return Padding{Top: mode, Bottom: mode, Left: mode, Right: mode}
}

// ExplicitPadding returns a padding with fixed offsets.
func ExplicitPadding(top, bottom, left, right int) Padding {
	return Padding{
		Top:    strconv.Itoa(top),
		Bottom: strconv.Itoa(bottom),
		Left:   strconv.Itoa(left),
		Right:  strconv.Itoa(right),
	}
}

// Offsets are resolved padding amounts in texels.
type Offsets struct {
	Top, Bottom, Left, Right int
}

// Vertical returns Top+Bottom.
func (o Offsets) Vertical() int { return o.Top + o.Bottom }

// Horizontal returns Left+Right.
func (o Offsets) Horizontal() int { return o.Left + o.Right }

// PaddingOffsets resolves p for a square kernel of the given size.
//
// Numeric sides are used as given. "valid" and "none" pad nothing. Any
// other symbolic mode pads max(kernel/2, 1) on every side, minus one on the
// top and left for even kernels, and nothing for kernels of size 1 or less.
func PaddingOffsets(p Padding, kernel int) (Offsets, error) {
	top := strings.TrimSpace(p.Top)
	if isDigits(top) {
		bottom := orDefault(p.Bottom, top)
		left := orDefault(p.Left, top)
		right := orDefault(p.Right, left)
		var o Offsets
		for _, side := range []struct {
			name string
			text string
			dst  *int
		}{
			{"top", top, &o.Top},
			{"bottom", bottom, &o.Bottom},
			{"left", left, &o.Left},
			{"right", right, &o.Right},
		} {
			if !isDigits(side.text) {
				return Offsets{}, fmt.Errorf("%w: padding %s %q is not a non-negative integer", ErrSpec, side.name, side.text)
			}
			n, err := strconv.Atoi(side.text)
			if err != nil {
				return Offsets{}, fmt.Errorf("%w: padding %s: %w", ErrSpec, side.name, err)
			}
			*side.dst = n
		}
		return o, nil
	}

	switch strings.ToLower(top) {
	case "", "valid", "none":
		return Offsets{}, nil
	}
	if kernel <= 1 {
		return Offsets{}, nil
	}
	n := max(kernel/2, 1)
	o := Offsets{Top: n, Bottom: n, Left: n, Right: n}
	if kernel%2 == 0 {
		o.Top--
		o.Left--
	}
	return o, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func orDefault(s, def string) string {
	if s = strings.TrimSpace(s); s == "" {
		return def
	}
	return s
}

// paddingFromSpec reads "padding", "padding_mode" and "padding_value".
// "padding" may be a mode name, a single integer, a [vertical, horizontal]
// pair, a [[top, bottom], [left, right]] pair of pairs, or a flat
// [top, bottom, left, right] list.
func paddingFromSpec(s Spec, def string) (Padding, error) {
	var p Padding
	switch v := s.Params["padding"].(type) {
	case nil:
		p = SymbolicPadding(def)
	case string:
		p = SymbolicPadding(v)
	case []any:
		var flat []int
		switch {
		case len(v) == 2 && isList(v[0]) && isList(v[1]):
			vert, err := Spec{Name: s.Name, Params: map[string]any{"padding": v[0]}}.Ints("padding")
			if err != nil {
				return p, err
			}
			horiz, err := Spec{Name: s.Name, Params: map[string]any{"padding": v[1]}}.Ints("padding")
			if err != nil {
				return p, err
			}
			if len(vert) != 2 || len(horiz) != 2 {
				return p, s.errorf("padding", "want [[top, bottom], [left, right]]")
			}
			flat = []int{vert[0], vert[1], horiz[0], horiz[1]}
		default:
			ints, err := s.Ints("padding")
			if err != nil {
				return p, err
			}
			switch len(ints) {
			case 1:
				flat = []int{ints[0], ints[0], ints[0], ints[0]}
			case 2:
				flat = []int{ints[0], ints[0], ints[1], ints[1]}
			case 4:
				flat = ints
			default:
				return p, s.errorf("padding", "want 1, 2 or 4 values, got %d", len(ints))
			}
		}
		for _, n := range flat {
			if n < 0 {
				return p, s.errorf("padding", "negative padding %d", n)
			}
		}
		p = ExplicitPadding(flat[0], flat[1], flat[2], flat[3])
	default:
		n, err := s.Int("padding", 0)
		if err != nil {
			return p, err
		}
		if n < 0 {
			return p, s.errorf("padding", "negative padding %d", n)
		}
		p = ExplicitPadding(n, n, n, n)
	}

	mode, err := s.String("padding_mode", "")
	if err != nil {
		return p, err
	}
	if p.Mode, err = ParsePadMode(mode); err != nil {
		return p, fmt.Errorf("layer %q: %w", s.Name, err)
	}
	if p.Value, err = s.Float("padding_value", 0); err != nil {
		return p, err
	}
	return p, nil
}

func isList(v any) bool {
	_, ok := v.([]any)
	return ok
}

// reflectIndex mirrors v into [0, n) without repeating the edge texel.
func reflectIndex(v, n int) int {
	if n <= 1 {
		return 0
	}
	period := 2 * (n - 1)
	m := v % period
	if m < 0 {
		m += period
	}
	if m >= n {
		m = period - m
	}
	return m
}

func clampIndex(v, n int) int {
	return min(max(v, 0), n-1)
}
