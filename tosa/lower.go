// Package tosa lowers traced ATen graphs to TOSA programs.
//
// Each operator is lowered by a NodeVisitor registered for its target and for the TOSA specification
// (version and profile) being targeted. Quantized (int8) operators are lowered with the rescale
// protocol: operands are rescaled to int32, combined, and rescaled back to int8.
//
// Nodes that can't be lowered are left to the host: the Lowerer reports them as not delegated and
// their outputs become inputs of the TOSA program.
package tosa

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Lowerer converts a Graph to a Program for a TOSA specification.
//
// Create it with NewLowerer and configure it with the With* methods.
type Lowerer struct {
	spec     Specification
	registry *Registry
	strict   bool
}

// NewLowerer creates a Lowerer targeting the given specification, using the DefaultRegistry.
func NewLowerer(spec Specification) *Lowerer {
	return &Lowerer{spec: spec}
}

// WithRegistry sets the registry of node visitors to use. The default is DefaultRegistry.
func (l *Lowerer) WithRegistry(registry *Registry) *Lowerer {
	l.registry = registry
	return l
}

// WithStrict makes Lower fail on the first node that can't be lowered, instead of leaving it to the host.
func (l *Lowerer) WithStrict(strict bool) *Lowerer {
	l.strict = strict
	return l
}

// NodeReport is the outcome of lowering one node.
type NodeReport struct {
	Node, Target string
	Delegated    bool

	// NumOperators is the number of TOSA operators emitted for a delegated node.
	NumOperators int

	// Reason why a node was not delegated.
	Reason string
}

// Report describes which nodes were lowered to TOSA.
type Report struct {
	Spec  Specification
	Nodes []NodeReport
}

// Delegated returns the names of the nodes lowered to TOSA.
func (r *Report) Delegated() []string {
	var names []string
	for _, n := range r.Nodes {
		if n.Delegated {
			names = append(names, n.Node)
		}
	}
	return names
}

// NotDelegated returns the names of the nodes left to the host.
func (r *Report) NotDelegated() []string {
	var names []string
	for _, n := range r.Nodes {
		if !n.Delegated {
			names = append(names, n.Node)
		}
	}
	return names
}

// String implements fmt.Stringer.
func (r *Report) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %d node(s) delegated, %d not delegated\n", r.Spec, len(r.Delegated()), len(r.NotDelegated()))
	for _, n := range r.Nodes {
		if n.Delegated {
			fmt.Fprintf(&sb, "  + %s (%s): %d operator(s)\n", n.Node, n.Target, n.NumOperators)
		} else {
			fmt.Fprintf(&sb, "  - %s (%s): %s\n", n.Node, n.Target, n.Reason)
		}
	}
	return sb.String()
}

// isNotDelegable returns whether the error means the node can't be lowered for the specification, as
// opposed to a malformed graph.
func isNotDelegable(err error) bool {
	var (
		unsupportedOp    *UnsupportedOperatorError
		validation       *ValidationError
		unsupportedDType *UnsupportedDTypeError
		missingQParams   *MissingQuantParamsError
	)
	return errors.As(err, &unsupportedOp) || errors.As(err, &validation) ||
		errors.As(err, &unsupportedDType) || errors.As(err, &missingQParams)
}

// Lower converts the graph to a TOSA program.
//
// Nodes are lowered in order. A node that can't be lowered for the specification is rolled back and
// recorded in the report, and its output becomes a program input, unless the Lowerer is strict, in which
// case Lower fails. Values computed by the program and read by nodes left to the host are added to the
// program outputs, after the graph outputs.
func (l *Lowerer) Lower(graph *Graph) (*Program, *Report, error) {
	if l.spec.IsZero() {
		return nil, nil, errors.New("Lowerer: no TOSA specification given")
	}
	if err := graph.Validate(); err != nil {
		return nil, nil, err
	}
	registry := l.registry
	if registry == nil {
		registry = DefaultRegistry()
	}

	program := NewProgram(l.spec)
	program.Reserve(slices.Collect(maps.Keys(graph.Values))...)
	report := &Report{Spec: l.spec}
	for _, name := range graph.Inputs {
		value := graph.Values[name]
		program.AddInput(name, TosaShape(value.Shape.Dimensions, value.dimOrder()), value.Shape.DType)
	}

	for _, node := range graph.Nodes {
		value := graph.Values[node.Name]
		cp := program.checkpoint()
		err := exceptions.TryCatch[error](func() {
			if err := l.lowerNode(registry, program, graph, node); err != nil {
				panic(err)
			}
		})
		if err == nil {
			numOps := len(program.operators) - cp.numOperators
			klog.V(1).Infof("tosa: lowered %s with %s into %d operator(s)", node, l.spec, numOps)
			report.Nodes = append(report.Nodes, NodeReport{Node: node.Name, Target: node.Target, Delegated: true, NumOperators: numOps})
			continue
		}
		program.rollback(cp)
		if l.strict || !isNotDelegable(err) {
			return nil, nil, errors.WithMessagef(err, "lowering node %q to %s", node.Name, l.spec)
		}
		klog.Warningf("tosa: node %s not delegated: %v", node, err)
		report.Nodes = append(report.Nodes, NodeReport{Node: node.Name, Target: node.Target, Reason: err.Error()})
		program.AddInput(node.Name, TosaShape(value.Shape.Dimensions, value.dimOrder()), value.Shape.DType)
	}

	program.AddOutput(graph.Outputs...)
	program.AddOutput(hostReads(program, graph, report)...)
	if err := program.Validate(); err != nil {
		return nil, nil, errors.WithMessagef(err, "lowered program of graph %q is invalid", graph.Name)
	}
	return program, report, nil
}

// hostReads returns the values computed by the program that nodes left to the host read, in node order.
// They must be program outputs for the host to read them.
func hostReads(program *Program, graph *Graph, report *Report) []string {
	var names []string
	notDelegated := report.NotDelegated()
	for _, node := range graph.Nodes {
		if !slices.Contains(notDelegated, node.Name) {
			continue
		}
		for _, input := range node.Inputs {
			if input.IsLiteral() || slices.Contains(program.Outputs, input.Name) || slices.Contains(names, input.Name) {
				continue
			}
			if t, found := program.Tensor(input.Name); found && t.Kind == KindIntermediate {
				names = append(names, input.Name)
			}
		}
	}
	return names
}

// lowerNode resolves the visitor of the node, declares its output and builds fresh operands for it.
func (l *Lowerer) lowerNode(registry *Registry, program *Program, graph *Graph, node *Node) error {
	visitor, err := registry.Resolve(node.Target, l.spec)
	if err != nil {
		return err
	}
	inputs := make([]*Arg, len(node.Inputs))
	for ii, input := range node.Inputs {
		if input.IsLiteral() {
			inputs[ii] = newLiteralArg(input.Literal, l.spec)
		} else {
			inputs[ii] = newArg(graph.Values[input.Name], l.spec)
		}
	}
	value := graph.Values[node.Name]
	program.AddTensor(node.Name, TosaShape(value.Shape.Dimensions, value.dimOrder()), value.Shape.DType)
	return visitor.DefineNode(node, program, inputs, newArg(value, l.spec))
}
