package tosa

import (
	"fmt"
	"slices"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
)

// Arg is one input or output of a node, as seen by the node visitors.
//
// Visitors may rewrite Shape and DimOrder in place (e.g. to the TOSA storage order) before emitting
// operators: the lowering driver creates fresh Args for every node, so these changes never leak
// to the lowering of other nodes.
type Arg struct {
	Name  string
	Shape shapes.Shape

	// DimOrder is the permutation from logical axes to the physical storage order.
	DimOrder []int

	// Special holds the value of literal list arguments (Name is empty then).
	Special []int

	// Spec is the active TOSA specification.
	Spec Specification
}

// DType returns the element type of the operand.
func (a *Arg) DType() dtypes.DType {
	return a.Shape.DType
}

// Rank returns the number of axes of the operand.
func (a *Arg) Rank() int {
	return a.Shape.Rank()
}

// Dims returns the dimensions of the operand.
func (a *Arg) Dims() []int {
	return a.Shape.Dimensions
}

// IsLiteral returns whether the Arg is a literal list argument.
func (a *Arg) IsLiteral() bool {
	return a.Name == "" && a.Special != nil
}

// String implements fmt.Stringer.
func (a *Arg) String() string {
	if a.IsLiteral() {
		return fmt.Sprintf("literal%v", a.Special)
	}
	return fmt.Sprintf("%s%s", a.Name, a.Shape)
}

// newArg creates a fresh Arg for a value of the source graph.
func newArg(value *Value, spec Specification) *Arg {
	return &Arg{
		Name:     value.Name,
		Shape:    value.Shape.Clone(),
		DimOrder: value.dimOrder(),
		Spec:     spec,
	}
}

// newLiteralArg creates an Arg for a literal list input.
func newLiteralArg(literal []int, spec Specification) *Arg {
	return &Arg{Special: slices.Clone(literal), Spec: spec}
}
