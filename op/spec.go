package op

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Spec is the decoded description of one layer: its kind, name, scalar
// parameters as decoded from JSON, and named weight arrays.
type Spec struct {
	Kind    string
	Name    string
	Params  map[string]any
	Weights map[string][]float32
}

func (s Spec) errorf(key, format string, args ...any) error {
	return fmt.Errorf("%w: layer %q: %s: %s", ErrSpec, s.Name, key, fmt.Sprintf(format, args...))
}

// Has reports whether key is present.
func (s Spec) Has(key string) bool {
	_, ok := s.Params[key]
	return ok
}

// String returns a string parameter, or def when absent.
func (s Spec) String(key, def string) (string, error) {
	v, ok := s.Params[key]
	if !ok || v == nil {
		return def, nil
	}
	str, ok := v.(string)
	if !ok {
		return "", s.errorf(key, "want string, got %T", v)
	}
	return str, nil
}

// Float returns a numeric parameter, or def when absent. Numeric strings
// are accepted.
func (s Spec) Float(key string, def float32) (float32, error) {
	v, ok := s.Params[key]
	if !ok || v == nil {
		return def, nil
	}
	f, err := toFloat(v)
	if err != nil {
		return 0, s.errorf(key, "%v", err)
	}
	return float32(f), nil
}

// Int returns an integral parameter, or def when absent. A one-element
// list is accepted, as are equal pairs such as [3, 3].
func (s Spec) Int(key string, def int) (int, error) {
	v, ok := s.Params[key]
	if !ok || v == nil {
		return def, nil
	}
	if list, ok := v.([]any); ok {
		ints, err := s.Ints(key)
		if err != nil {
			return 0, err
		}
		for _, n := range ints[1:] {
			if n != ints[0] {
				return 0, s.errorf(key, "non-square value %v", list)
			}
		}
		return ints[0], nil
	}
	f, err := toFloat(v)
	if err != nil {
		return 0, s.errorf(key, "%v", err)
	}
	if f != math.Trunc(f) {
		return 0, s.errorf(key, "want integer, got %v", f)
	}
	return int(f), nil
}

// Ints returns a list of integers. A scalar becomes a one-element list.
func (s Spec) Ints(key string) ([]int, error) {
	v, ok := s.Params[key]
	if !ok || v == nil {
		return nil, nil
	}
	list, ok := v.([]any)
	if !ok {
		list = []any{v}
	}
	if len(list) == 0 {
		return nil, s.errorf(key, "empty list")
	}
	out := make([]int, len(list))
	for i, e := range list {
		f, err := toFloat(e)
		if err != nil || f != math.Trunc(f) {
			return nil, s.errorf(key, "element %d: want integer, got %v", i, e)
		}
		out[i] = int(f)
	}
	return out, nil
}

// Floats returns a list of numbers. A scalar becomes a one-element list.
func (s Spec) Floats(key string) ([]float32, error) {
	v, ok := s.Params[key]
	if !ok || v == nil {
		return nil, nil
	}
	list, ok := v.([]any)
	if !ok {
		list = []any{v}
	}
	out := make([]float32, len(list))
	for i, e := range list {
		f, err := toFloat(e)
		if err != nil {
			return nil, s.errorf(key, "element %d: %v", i, err)
		}
		out[i] = float32(f)
	}
	return out, nil
}

// Bool returns a boolean parameter. The strings "true" and "True" are
// accepted.
func (s Spec) Bool(key string, def bool) (bool, error) {
	v, ok := s.Params[key]
	if !ok || v == nil {
		return def, nil
	}
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		r, err := strconv.ParseBool(strings.ToLower(b))
		if err != nil {
			return false, s.errorf(key, "want boolean, got %q", b)
		}
		return r, nil
	}
	return false, s.errorf(key, "want boolean, got %T", v)
}

// Weight returns the named weight array.
func (s Spec) Weight(name string) ([]float32, bool) {
	w, ok := s.Weights[name]
	return w, ok
}

// RequireWeight returns the named weight array, which must hold n values.
func (s Spec) RequireWeight(name string, n int) ([]float32, error) {
	w, ok := s.Weights[name]
	if !ok {
		return nil, s.errorf(name, "missing weights (have %s)", strings.Join(s.weightNames(), ", "))
	}
	if len(w) != n {
		return nil, s.errorf(name, "want %d values, got %d", n, len(w))
	}
	return w, nil
}

// OptionalWeight returns the named weight array if present, which must
// then hold n values.
func (s Spec) OptionalWeight(name string, n int) ([]float32, error) {
	if _, ok := s.Weights[name]; !ok {
		return nil, nil
	}
	return s.RequireWeight(name, n)
}

func (s Spec) weightNames() []string {
	names := make([]string, 0, len(s.Weights))
	for n := range s.Weights {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("want number, got %q", n)
		}
		return f, nil
	}
	return 0, fmt.Errorf("want number, got %T", v)
}
