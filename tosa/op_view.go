package tosa

import (
	"fmt"
	"slices"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
)

// TargetView is the ATen operator lowered by viewVisitor.
const TargetView = "aten.view_copy.default"

// viewVisitor lowers a view (the target shape given as a literal list, with at most one -1) to TOSA RESHAPE.
type viewVisitor struct {
	spec Specification
}

var _ NodeVisitor = (*viewVisitor)(nil)

// Target implements NodeVisitor.
func (v *viewVisitor) Target() string { return TargetView }

// Specs implements NodeVisitor.
func (v *viewVisitor) Specs() []Specification { return []Specification{v.spec} }

func (v *viewVisitor) validDTypes() []dtypes.DType {
	if v.spec.SupportsFloat() {
		return []dtypes.DType{dtypes.Int8, dtypes.Int32, dtypes.Float32, dtypes.Bool}
	}
	return []dtypes.DType{dtypes.Int8, dtypes.Int32, dtypes.Bool}
}

// DefineNode implements NodeVisitor.
func (v *viewVisitor) DefineNode(_ *Node, sink Sink, inputs []*Arg, output *Arg) error {
	if err := ValidateNumInputs(TargetView, inputs, 2); err != nil {
		return err
	}
	operand, shapeArg := inputs[0], inputs[1]
	if !shapeArg.IsLiteral() {
		return &ValidationError{Op: TargetView, Message: fmt.Sprintf("expected the shape (input #1) to be a literal list, got %s", shapeArg)}
	}
	all := []*Arg{operand, output}
	if err := ValidateSameDType(TargetView, all); err != nil {
		return err
	}
	if err := ValidateValidDType(TargetView, all, v.validDTypes(), v.spec); err != nil {
		return err
	}
	newShape, err := resolveViewShape(shapeArg.Special, operand.Shape.Size())
	if err != nil {
		return err
	}
	if !slices.Equal(newShape, output.Dims()) {
		return &ValidationError{Op: TargetView,
			Message: fmt.Sprintf("view shape %v (resolved to %v) doesn't match the output shape %v",
				shapeArg.Special, newShape, output.Dims())}
	}
	BuildReshape(sink, operand.Name, TosaShape(newShape, output.DimOrder), output.Name, v.spec)
	return nil
}

// resolveViewShape replaces a -1 in the view shape by the dimension that preserves the number of elements,
// and checks that the number of elements matches.
func resolveViewShape(shape []int, size int) ([]int, error) {
	resolved := slices.Clone(shape)
	inferredAxis := -1
	known := 1
	for axis, dim := range shape {
		switch {
		case dim == -1:
			if inferredAxis != -1 {
				return nil, &ValidationError{Op: TargetView, Message: fmt.Sprintf("view shape %v has more than one -1", shape)}
			}
			inferredAxis = axis
		case dim < 0:
			return nil, &ValidationError{Op: TargetView, Message: fmt.Sprintf("view shape %v has invalid dimension %d", shape, dim)}
		default:
			known *= dim
		}
	}
	if inferredAxis != -1 {
		if known == 0 || size%known != 0 {
			return nil, &ValidationError{Op: TargetView,
				Message: fmt.Sprintf("cannot infer the -1 dimension of view shape %v for %d elements", shape, size)}
		}
		resolved[inferredAxis] = size / known
		known *= resolved[inferredAxis]
	}
	if known != size {
		return nil, &ValidationError{Op: TargetView,
			Message: fmt.Sprintf("view shape %v has %d elements, but the input has %d", shape, known, size)}
	}
	return resolved, nil
}
