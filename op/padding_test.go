package op

import (
	"errors"
	"testing"
)

func TestPaddingOffsetsSymbolic(t *testing.T) {
	tests := []struct {
		mode   string
		kernel int
		want   Offsets
	}{
		{"valid", 1, Offsets{}},
		{"valid", 3, Offsets{}},
		{"none", 5, Offsets{}},
		{"", 7, Offsets{}},
		{"same", 1, Offsets{}},
		{"same", 2, Offsets{Top: 0, Bottom: 1, Left: 0, Right: 1}},
		{"same", 3, Offsets{Top: 1, Bottom: 1, Left: 1, Right: 1}},
		{"same", 4, Offsets{Top: 1, Bottom: 2, Left: 1, Right: 2}},
		{"same", 5, Offsets{Top: 2, Bottom: 2, Left: 2, Right: 2}},
		{"same", 7, Offsets{Top: 3, Bottom: 3, Left: 3, Right: 3}},
		{"SAME", 3, Offsets{Top: 1, Bottom: 1, Left: 1, Right: 1}},
	}
	for _, tt := range tests {
		got, err := PaddingOffsets(SymbolicPadding(tt.mode), tt.kernel)
		if err != nil {
			t.Fatalf("PaddingOffsets(%q, %d) = %v", tt.mode, tt.kernel, err)
		}
		if got != tt.want {
			t.Errorf("PaddingOffsets(%q, %d) = %+v, want %+v", tt.mode, tt.kernel, got, tt.want)
		}
	}
}

func TestPaddingOffsetsNumeric(t *testing.T) {
	got, err := PaddingOffsets(ExplicitPadding(1, 2, 3, 4), 3)
	if err != nil {
		t.Fatal(err)
	}
	if want := (Offsets{1, 2, 3, 4}); got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
	// Missing sides default from top and left.
	got, err = PaddingOffsets(Padding{Top: "2", Left: "1"}, 3)
	if err != nil {
		t.Fatal(err)
	}
	if want := (Offsets{2, 2, 1, 1}); got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
	if _, err := PaddingOffsets(Padding{Top: "1", Bottom: "x"}, 3); !errors.Is(err, ErrSpec) {
		t.Errorf("bad side: err = %v, want ErrSpec", err)
	}
}

func TestPaddingFromSpec(t *testing.T) {
	tests := []struct {
		name  string
		param any
		want  Offsets
	}{
		{"absent", nil, Offsets{}},
		{"mode", "same", Offsets{1, 1, 1, 1}},
		{"int", float64(2), Offsets{2, 2, 2, 2}},
		{"pair", []any{float64(1), float64(2)}, Offsets{1, 1, 2, 2}},
		{"pairs", []any{[]any{float64(0), float64(1)}, []any{float64(2), float64(3)}}, Offsets{0, 1, 2, 3}},
		{"flat", []any{float64(4), float64(3), float64(2), float64(1)}, Offsets{4, 3, 2, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := map[string]any{}
			if tt.param != nil {
				params["padding"] = tt.param
			}
			p, err := paddingFromSpec(Spec{Name: "l", Params: params}, "valid")
			if err != nil {
				t.Fatalf("paddingFromSpec = %v", err)
			}
			got, err := PaddingOffsets(p, 3)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("offsets = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestPaddingFromSpecErrors(t *testing.T) {
	for name, params := range map[string]map[string]any{
		"negative":   {"padding": float64(-1)},
		"three":      {"padding": []any{float64(1), float64(1), float64(1)}},
		"bad mode":   {"padding_mode": "wrap"},
		"bad value":  {"padding_value": "x"},
		"bad number": {"padding": 1.5},
	} {
		if _, err := paddingFromSpec(Spec{Name: name, Params: params}, "valid"); !errors.Is(err, ErrSpec) {
			t.Errorf("%s: err = %v, want ErrSpec", name, err)
		}
	}
}

func TestReflectIndex(t *testing.T) {
	// n = 4: ... 2 1 | 0 1 2 3 | 2 1 0 ...
	tests := map[int]int{-3: 3, -2: 2, -1: 1, 0: 0, 3: 3, 4: 2, 5: 1, 6: 0, 7: 1}
	for v, want := range tests {
		if got := reflectIndex(v, 4); got != want {
			t.Errorf("reflectIndex(%d, 4) = %d, want %d", v, got, want)
		}
	}
	if got := reflectIndex(5, 1); got != 0 {
		t.Errorf("reflectIndex(5, 1) = %d, want 0", got)
	}
}

func TestParsePadMode(t *testing.T) {
	for in, want := range map[string]PadMode{"": PadConstant, "zeros": PadConstant, "edge": PadReplicate, "Reflect": PadReflect} {
		got, err := ParsePadMode(in)
		if err != nil || got != want {
			t.Errorf("ParsePadMode(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
}
