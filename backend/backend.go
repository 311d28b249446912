package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gogpu/shadernn/fence"
	"github.com/gogpu/shadernn/internal/logging"
	"github.com/gogpu/shadernn/ir"
	"github.com/gogpu/shadernn/tensor"
)

// Common backend errors.
var (
	// ErrBackendNotAvailable is returned when a requested backend is not
	// registered or cannot start.
	ErrBackendNotAvailable = errors.New("backend: not available")

	// ErrBinding is returned when a pass references an input or resource
	// that cannot be resolved.
	ErrBinding = errors.New("backend: binding failed")

	// ErrLink is returned when a program or pipeline cannot be built.
	ErrLink = errors.New("backend: link failed")

	// ErrInput is returned when run inputs do not match the declared
	// input slots.
	ErrInput = errors.New("backend: invalid input")

	// ErrClosed is returned when using a closed backend or executable.
	ErrClosed = errors.New("backend: closed")
)

// Backend names.
const (
	BackendGPU      = "gpu"
	BackendSoftware = "software"
)

// ErrorPolicy decides what happens on binding and link errors.
type ErrorPolicy uint8

const (
	// PolicyAbort returns the first error.
	PolicyAbort ErrorPolicy = iota
	// PolicyDegrade records the error, skips the affected pass and keeps
	// going.
	PolicyDegrade
)

// String implements fmt.Stringer.
func (p ErrorPolicy) String() string {
	if p == PolicyDegrade {
		return "degrade"
	}
	return "abort"
}

// ParseErrorPolicy parses "abort" or "degrade".
func ParseErrorPolicy(s string) (ErrorPolicy, error) {
	switch s {
	case "abort", "":
		return PolicyAbort, nil
	case "degrade":
		return PolicyDegrade, nil
	}
	return 0, fmt.Errorf("backend: unknown error policy %q", s)
}

// Handle applies the policy to err: under PolicyAbort it returns err, under
// PolicyDegrade it appends err to issues, logs it and returns nil.
func (p ErrorPolicy) Handle(issues *[]error, err error) error {
	if err == nil {
		return nil
	}
	if p != PolicyDegrade {
		return err
	}
	*issues = append(*issues, err)
	slogger().Warn("backend: degraded", "error", err)
	return nil
}

// Config is handed to a Factory.
type Config struct {
	Policy ErrorPolicy
	// Fences receives a ticket for every run that asks for one. Nil
	// creates a private manager.
	Fences *fence.Manager
	// Debug reads back the debug counter after each run.
	Debug bool
	// Workers lets a host backend run independent layers concurrently on
	// that many goroutines. Zero or one keeps compiled order; a negative
	// value uses GOMAXPROCS.
	Workers int
}

// FenceManager returns c.Fences, or a new manager when unset.
func (c Config) FenceManager() *fence.Manager {
	if c.Fences != nil {
		return c.Fences
	}
	return fence.NewManager()
}

// Backend compiles inference graphs into executables.
type Backend interface {
	// Name returns the backend identifier ("gpu", "software").
	Name() string

	// Compile prepares g for execution. Link errors are returned or
	// recorded according to the configured policy.
	Compile(g *ir.InferenceGraph) (Executable, error)

	// Close releases all backend resources.
	Close()
}

// Executable is a compiled graph bound to one backend.
type Executable interface {
	// Run executes the graph on p.Inputs.
	Run(ctx context.Context, p RunParameters) (*Result, error)

	// Issues returns the errors recorded at compile time under
	// PolicyDegrade.
	Issues() []error

	// Close releases the executable's resources.
	Close()
}

// RunParameters are the inputs of one run.
type RunParameters struct {
	// Inputs holds one tensor per declared input slot.
	Inputs []*tensor.Tensor
	// CaptureAll keeps every layer output in Result.Layers.
	CaptureAll bool
	// Fence requests a completion ticket in Result.Fence.
	Fence bool
}

// Result is the outcome of one run.
type Result struct {
	// Outputs holds the outputs of the graph's output layers, in compiled
	// order.
	Outputs []*tensor.Tensor
	// Layers holds every layer output when CaptureAll was set.
	Layers []*tensor.Tensor
	// Fence is the completion ticket when requested.
	Fence fence.Fence
	// Issues lists the errors recorded under PolicyDegrade.
	Issues []error
	// DebugCount is the number of shader invocations counted when the
	// graph was compiled with GenOptions.Debug.
	DebugCount uint32
}

// Output returns the last output, the usual single result of a model.
func (r *Result) Output() *tensor.Tensor {
	if len(r.Outputs) == 0 {
		return nil
	}
	return r.Outputs[len(r.Outputs)-1]
}

// CheckInputs verifies that in matches the declared input slots of g.
func CheckInputs(g *ir.InferenceGraph, in []*tensor.Tensor) error {
	if len(in) != len(g.Inputs) {
		return fmt.Errorf("%w: %d tensors for %d declared inputs", ErrInput, len(in), len(g.Inputs))
	}
	for i, t := range in {
		s := g.Inputs[i].Shape
		if t == nil {
			return fmt.Errorf("%w: input %d is nil", ErrInput, i)
		}
		if t.Width != s.Width || t.Height != s.Height || t.Channels != s.Channels {
			return fmt.Errorf("%w: input %d is %v, declared %v", ErrInput, i, t, s)
		}
	}
	return nil
}

// CheckPass verifies the bindings of pass p of layer l.
func CheckPass(l *ir.Layer, p *ir.Pass) error {
	if err := p.CheckBindings(len(l.Refs)); err != nil {
		return fmt.Errorf("%w: layer %q: %w", ErrBinding, l.Name, err)
	}
	for name, idx := range p.Inputs {
		if idx < 0 || idx >= len(l.Refs) {
			return fmt.Errorf("%w: layer %q pass %q: input %q index %d out of range", ErrBinding, l.Name, p.Name, name, idx)
		}
	}
	return nil
}

func slogger() *slog.Logger { return logging.Logger() }
