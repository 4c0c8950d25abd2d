package tosa

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/pkg/errors"
)

// sliceMap executes the given function sequentially for every element on in and returns a mapped slice.
func sliceMap[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return
}

// Value describes a tensor value of the source (ATen) graph: a graph input or a node output.
type Value struct {
	Name  string
	Shape shapes.Shape

	// DimOrder is the permutation from logical axes to the physical storage order.
	// If nil, the identity is assumed.
	DimOrder []int
}

// dimOrder returns the value's dim order, or the identity if not set.
func (v *Value) dimOrder() []int {
	if v.DimOrder != nil {
		return slices.Clone(v.DimOrder)
	}
	return identityDimOrder(v.Shape.Rank())
}

// NodeInput is one input of a Node: either a reference to a Value, or a literal list of ints
// (e.g. the target shape of a view).
type NodeInput struct {
	Name    string
	Literal []int
}

// IsLiteral returns whether the input is a literal list instead of a value reference.
func (in NodeInput) IsLiteral() bool {
	return in.Name == ""
}

// String implements fmt.Stringer.
func (in NodeInput) String() string {
	if in.IsLiteral() {
		return fmt.Sprintf("%v", in.Literal)
	}
	return in.Name
}

// Meta holds a node's metadata. Quantization parameters are set on quantized nodes.
type Meta struct {
	InputQParams  map[int]QuantArgs
	OutputQParams map[int]QuantArgs
}

// Node is one operation of the source graph. Its single output is the Value with the same name as the node.
//
// Nodes are read-only to the lowering.
type Node struct {
	Name   string
	Target string
	Inputs []NodeInput
	Meta   Meta
}

// String implements fmt.Stringer.
func (n *Node) String() string {
	return fmt.Sprintf("%s = %s(%s)", n.Name, n.Target,
		strings.Join(sliceMap(n.Inputs, NodeInput.String), ", "))
}

// Graph is a traced source graph: its nodes are listed in topological order.
type Graph struct {
	Name    string
	Inputs  []string
	Outputs []string
	Values  map[string]*Value
	Nodes   []*Node
}

// NewGraph creates an empty graph.
func NewGraph(name string) *Graph {
	return &Graph{Name: name, Values: make(map[string]*Value)}
}

// AddInput declares a graph input.
func (g *Graph) AddInput(name string, shape shapes.Shape, dimOrder ...int) *Graph {
	g.Values[name] = &Value{Name: name, Shape: shape, DimOrder: dimOrderOrNil(dimOrder)}
	g.Inputs = append(g.Inputs, name)
	return g
}

// AddNode appends a node to the graph and declares its output value.
func (g *Graph) AddNode(node *Node, output shapes.Shape, dimOrder ...int) *Graph {
	g.Values[node.Name] = &Value{Name: node.Name, Shape: output, DimOrder: dimOrderOrNil(dimOrder)}
	g.Nodes = append(g.Nodes, node)
	return g
}

// AddOutput marks a value as a graph output.
func (g *Graph) AddOutput(names ...string) *Graph {
	g.Outputs = append(g.Outputs, names...)
	return g
}

func dimOrderOrNil(dimOrder []int) []int {
	if len(dimOrder) == 0 {
		return nil
	}
	return dimOrder
}

// Validate checks that every input, output and node reference is declared, that nodes are in topological
// order and that dim orders are permutations of the value's axes.
func (g *Graph) Validate() error {
	defined := sets.Make[string]()
	for _, name := range g.Inputs {
		if _, found := g.Values[name]; !found {
			return errors.Errorf("graph %q: input %q has no value declared", g.Name, name)
		}
		defined.Insert(name)
	}
	for _, value := range g.Values {
		if value.DimOrder != nil && !isPermutation(value.DimOrder, value.Shape.Rank()) {
			return errors.Errorf("graph %q: value %q has dim order %v, which is not a permutation of its rank %d",
				g.Name, value.Name, value.DimOrder, value.Shape.Rank())
		}
	}
	for _, node := range g.Nodes {
		if defined.Has(node.Name) {
			return errors.Errorf("graph %q: node %q redefines an existing value", g.Name, node.Name)
		}
		if _, found := g.Values[node.Name]; !found {
			return errors.Errorf("graph %q: node %q has no output value declared", g.Name, node.Name)
		}
		for ii, input := range node.Inputs {
			if input.IsLiteral() {
				continue
			}
			if !defined.Has(input.Name) {
				return errors.Errorf("graph %q: input #%d (%q) of node %q is not defined before it is used",
					g.Name, ii, input.Name, node.Name)
			}
		}
		defined.Insert(node.Name)
	}
	for _, name := range g.Outputs {
		if !defined.Has(name) {
			return errors.Errorf("graph %q: output %q is not defined", g.Name, name)
		}
	}
	return nil
}

func identityDimOrder(rank int) []int {
	order := make([]int, rank)
	for ii := range order {
		order[ii] = ii
	}
	return order
}

func isPermutation(order []int, rank int) bool {
	if len(order) != rank {
		return false
	}
	seen := make([]bool, rank)
	for _, axis := range order {
		if axis < 0 || axis >= rank || seen[axis] {
			return false
		}
		seen[axis] = true
	}
	return true
}
