package backend

import (
	"errors"
	"slices"
	"sync"
	"testing"

	"github.com/gogpu/shadernn/ir"
	"github.com/gogpu/shadernn/tensor"
)

type fakeBackend struct{ name string }

func (b *fakeBackend) Name() string { return b.name }
func (b *fakeBackend) Compile(*ir.InferenceGraph) (Executable, error) { return nil, ErrLink }
func (b *fakeBackend) Close() {}

func fakeFactory(name string) Factory {
	return func(Config) (Backend, error) { return &fakeBackend{name: name}, nil }
}

func failingFactory(Config) (Backend, error) { return nil, errors.New("no adapter") }

func TestParseErrorPolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    ErrorPolicy
		wantErr bool
	}{
		{"", PolicyAbort, false},
		{"abort", PolicyAbort, false},
		{"degrade", PolicyDegrade, false},
		{"ignore", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseErrorPolicy(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseErrorPolicy(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseErrorPolicy(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if PolicyDegrade.String() != "degrade" || PolicyAbort.String() != "abort" {
		t.Error("ErrorPolicy.String mismatch")
	}
}

func TestPolicyHandle(t *testing.T) {
	var issues []error
	if err := PolicyAbort.Handle(&issues, nil); err != nil {
		t.Errorf("Handle(nil) = %v", err)
	}
	if err := PolicyAbort.Handle(&issues, ErrLink); !errors.Is(err, ErrLink) {
		t.Errorf("abort Handle = %v, want ErrLink", err)
	}
	if len(issues) != 0 {
		t.Errorf("abort recorded %d issues", len(issues))
	}
	if err := PolicyDegrade.Handle(&issues, ErrBinding); err != nil {
		t.Errorf("degrade Handle = %v, want nil", err)
	}
	if len(issues) != 1 || !errors.Is(issues[0], ErrBinding) {
		t.Errorf("degrade issues = %v", issues)
	}
}

func TestConfigFenceManager(t *testing.T) {
	var c Config
	if c.FenceManager() == nil {
		t.Fatal("FenceManager() = nil")
	}
	m := c.FenceManager()
	c.Fences = m
	if c.FenceManager() != m {
		t.Error("FenceManager() did not return the configured manager")
	}
}

func TestRegistryGet(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Get("gpu", Config{}); !errors.Is(err, ErrBackendNotAvailable) {
		t.Fatalf("Get on empty registry = %v", err)
	}
	r.Register("software", fakeFactory("software"))
	b, err := r.Get("software", Config{})
	if err != nil {
		t.Fatal(err)
	}
	if b.Name() != "software" {
		t.Errorf("Name() = %q", b.Name())
	}

	r.Register("gpu", failingFactory)
	if _, err := r.Get("gpu", Config{}); !errors.Is(err, ErrBackendNotAvailable) {
		t.Errorf("Get(failing) = %v, want ErrBackendNotAvailable", err)
	}
	if got := r.Available(); !slices.Equal(got, []string{"gpu", "software"}) {
		t.Errorf("Available() = %v", got)
	}
	r.Unregister("gpu")
	if r.IsRegistered("gpu") {
		t.Error("gpu still registered")
	}
}

func TestRegistryDefault(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Default(Config{}); !errors.Is(err, ErrBackendNotAvailable) {
		t.Fatalf("Default on empty registry = %v", err)
	}

	// gpu is preferred but fails to start: software wins.
	r.Register("gpu", failingFactory)
	r.Register("software", fakeFactory("software"))
	b, err := r.Default(Config{})
	if err != nil {
		t.Fatal(err)
	}
	if b.Name() != "software" {
		t.Errorf("Default() = %q, want software", b.Name())
	}

	r.Register("gpu", fakeFactory("gpu"))
	if b, _ := r.Default(Config{}); b.Name() != "gpu" {
		t.Errorf("Default() = %q, want gpu", b.Name())
	}

	r.SetPriority("software")
	if b, _ := r.Default(Config{}); b.Name() != "software" {
		t.Errorf("Default() after SetPriority = %q, want software", b.Name())
	}

	// Backends outside the priority list are still candidates.
	r2 := NewRegistry()
	r2.Register("custom", fakeFactory("custom"))
	if b, err := r2.Default(Config{}); err != nil || b.Name() != "custom" {
		t.Errorf("Default() = %v, %v; want custom", b, err)
	}

	r3 := NewRegistry()
	r3.Register("gpu", failingFactory)
	if _, err := r3.Default(Config{}); !errors.Is(err, ErrBackendNotAvailable) {
		t.Errorf("Default() with only failing backends = %v", err)
	}
}

func TestRegistryConcurrent(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			name := string(rune('a' + i))
			r.Register(name, fakeFactory(name))
			_, _ = r.Default(Config{})
			_ = r.Available()
		}()
	}
	wg.Wait()
	if n := len(r.Available()); n != 8 {
		t.Errorf("Available() has %d entries, want 8", n)
	}
}

func TestCheckInputs(t *testing.T) {
	g := &ir.InferenceGraph{Inputs: []ir.InputSlot{{Shape: ir.NewShape(4, 4, 3)}}}
	if err := CheckInputs(g, []*tensor.Tensor{tensor.New(4, 4, 3)}); err != nil {
		t.Errorf("CheckInputs(match) = %v", err)
	}
	bad := [][]*tensor.Tensor{
		nil,
		{nil},
		{tensor.New(4, 4, 4)},
		{tensor.New(4, 4, 3), tensor.New(4, 4, 3)},
	}
	for i, in := range bad {
		if err := CheckInputs(g, in); !errors.Is(err, ErrInput) {
			t.Errorf("case %d: CheckInputs = %v, want ErrInput", i, err)
		}
	}
}

func TestCheckPass(t *testing.T) {
	l := &ir.Layer{Name: "conv", Refs: []ir.BufferRef{{Kind: ir.RefExternal}}}
	good := &ir.Pass{
		Name:     "conv",
		Inputs:   map[string]int{"src0": 0},
		Bindings: []ir.Binding{{Slot: 1, Kind: ir.BindingInput, Name: "src0"}},
	}
	if err := CheckPass(l, good); err != nil {
		t.Errorf("CheckPass(good) = %v", err)
	}

	unbound := &ir.Pass{
		Name:     "conv",
		Inputs:   map[string]int{"src0": 0},
		Bindings: []ir.Binding{{Slot: 1, Kind: ir.BindingInput, Name: "src1"}},
	}
	if err := CheckPass(l, unbound); !errors.Is(err, ErrBinding) || !errors.Is(err, ir.ErrBinding) {
		t.Errorf("CheckPass(unbound) = %v", err)
	}

	dangling := &ir.Pass{Name: "conv", Inputs: map[string]int{"src0": 0, "src1": 3}}
	if err := CheckPass(l, dangling); !errors.Is(err, ErrBinding) {
		t.Errorf("CheckPass(dangling) = %v", err)
	}
}

func TestResultOutput(t *testing.T) {
	var r Result
	if r.Output() != nil {
		t.Error("Output() of empty result != nil")
	}
	a, b := tensor.New(1, 1, 1), tensor.New(2, 2, 1)
	r.Outputs = []*tensor.Tensor{a, b}
	if r.Output() != b {
		t.Error("Output() did not return the last output")
	}
}
