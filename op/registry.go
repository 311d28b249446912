package op

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Factory builds an operator from its spec.
type Factory func(s Spec) (Operator, error)

// Registry maps layer type names to factories. Lookups are
// case-insensitive. A Registry is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	names     map[string]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		names:     make(map[string]string),
	}
}

// DefaultRegistry returns a new registry holding every built-in kind.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for kind, f := range builtins() {
		r.Register(string(kind), f)
	}
	return r
}

func builtins() map[Kind]Factory {
	return map[Kind]Factory{
		KindInput:              newInput,
		KindActivation:         newActivation,
		KindConv2D:             newConv2D,
		KindConv2DTranspose:    newConv2DTranspose,
		KindDepthwiseConv2D:    newDepthwise(KindDepthwiseConv2D),
		KindSeparableConv2D:    newDepthwise(KindSeparableConv2D),
		KindAveragePooling2D:   newPool(KindAveragePooling2D),
		KindMaxPooling2D:       newPool(KindMaxPooling2D),
		KindAdaptiveAvgPool2D:  newAdaptivePool,
		KindPad:                newPad,
		KindConcatenate:        newConcat,
		KindAdd:                newAdd,
		KindBatchNormalization: newBatchNorm,
		KindInstanceNorm:       newInstanceNorm,
		KindDense:              newDense,
		KindFlatten:            newFlatten,
		KindUpSampling2D:       newUpsample,
	}
}

// Register adds or replaces the factory for kind.
func (r *Registry) Register(kind string, f Factory) {
	key := strings.ToLower(kind)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[key] = f
	r.names[key] = kind
}

// Lookup returns the factory for kind.
func (r *Registry) Lookup(kind string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[strings.ToLower(kind)]
	return f, ok
}

// Build constructs the operator described by s.
func (r *Registry) Build(s Spec) (Operator, error) {
	f, ok := r.Lookup(s.Kind)
	if !ok {
		return nil, fmt.Errorf("%w: %q (layer %q)", ErrUnknownKind, s.Kind, s.Name)
	}
	o, err := f(s)
	if err != nil {
		return nil, err
	}
	slogger().Debug("op: built operator", "layer", s.Name, "kind", o.Kind())
	return o, nil
}

// Kinds returns the registered kind names, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.names))
	for _, n := range r.names {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
