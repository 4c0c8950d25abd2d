package tosa

import (
	"cmp"
	"slices"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// NodeVisitor lowers nodes of one operator target for one or more TOSA specifications.
type NodeVisitor interface {
	// Target is the operator identity handled, e.g. "aten.mul.Tensor".
	Target() string

	// Specs lists the specifications the visitor is registered for.
	Specs() []Specification

	// DefineNode validates the node's operands and emits its TOSA operators into the sink.
	//
	// inputs are fresh for each call: the visitor may rewrite their shapes. output is the tensor named
	// after the node, already declared in the sink. If validation fails nothing is emitted.
	DefineNode(node *Node, sink Sink, inputs []*Arg, output *Arg) error
}

// DispatchKey identifies a registered visitor.
type DispatchKey struct {
	Target string
	Spec   Specification
}

// String implements fmt.Stringer.
func (k DispatchKey) String() string {
	return k.Target + " " + k.Spec.String()
}

// Registry maps (target, specification) pairs to node visitors.
//
// Lookups are safe for concurrent use once registration is done.
type Registry struct {
	visitors map[DispatchKey]NodeVisitor
}

// NewRegistry creates a registry with the given visitors. It fails if two visitors claim the same
// (target, specification) pair.
func NewRegistry(visitors ...NodeVisitor) (*Registry, error) {
	r := &Registry{visitors: make(map[DispatchKey]NodeVisitor)}
	for _, v := range visitors {
		if err := r.Register(v); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a visitor for all its specifications.
func (r *Registry) Register(v NodeVisitor) error {
	for _, spec := range v.Specs() {
		key := DispatchKey{Target: v.Target(), Spec: spec}
		if _, found := r.visitors[key]; found {
			return errors.Errorf("duplicate node visitor registered for %s", key)
		}
	}
	for _, spec := range v.Specs() {
		r.visitors[DispatchKey{Target: v.Target(), Spec: spec}] = v
	}
	return nil
}

// Resolve returns the visitor registered for exactly this target and specification.
// It fails with *UnsupportedOperatorError if there is none.
func (r *Registry) Resolve(target string, spec Specification) (NodeVisitor, error) {
	v, found := r.visitors[DispatchKey{Target: target, Spec: spec}]
	if !found {
		return nil, &UnsupportedOperatorError{Target: target, Spec: spec}
	}
	return v, nil
}

// Targets returns all registered dispatch keys, sorted by target and then by specification.
func (r *Registry) Targets() []DispatchKey {
	keys := make([]DispatchKey, 0, len(r.visitors))
	for key := range r.visitors {
		keys = append(keys, key)
	}
	slices.SortFunc(keys, func(a, b DispatchKey) int {
		return cmp.Or(
			cmp.Compare(a.Target, b.Target),
			cmp.Compare(a.Spec.Major, b.Spec.Major),
			cmp.Compare(a.Spec.Minor, b.Spec.Minor),
			cmp.Compare(a.Spec.Profile, b.Spec.Profile))
	})
	return keys
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// builtinVisitors lists the visitors of the default registry.
func builtinVisitors() []NodeVisitor {
	var visitors []NodeVisitor
	for _, spec := range []Specification{Spec080BI, Spec080MI, Spec10INT, Spec10FP} {
		visitors = append(visitors,
			&mulVisitor{spec: spec},
			&viewVisitor{spec: spec},
			&elementwiseVisitor{target: TargetAdd, op: OpAdd, spec: spec},
			&elementwiseVisitor{target: TargetSub, op: OpSub, spec: spec},
		)
	}
	return visitors
}

// DefaultRegistry returns the registry of all built-in visitors. It is built once.
func DefaultRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		var err error
		defaultRegistry, err = NewRegistry(builtinVisitors()...)
		if err != nil {
			exceptions.Panicf("failed to build the default node visitor registry: %+v", err)
		}
	})
	return defaultRegistry
}
