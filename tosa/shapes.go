package tosa

import (
	"slices"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// TosaShape permutes a logical shape into the TOSA storage order given by dimOrder.
// Dynamic (negative) dimensions are reported as -1.
//
// dimOrder must be a permutation of the axes of shape.
func TosaShape(shape []int, dimOrder []int) []int {
	return sliceMap(dimOrder, func(axis int) int {
		if shape[axis] < 0 {
			return -1
		}
		return shape[axis]
	})
}

// BroadcastShapes returns the shape resulting from broadcasting two shapes of the same rank, where
// each differing dimension must be 1 in one of the shapes.
func BroadcastShapes(shape1, shape2 []int) ([]int, error) {
	if len(shape1) != len(shape2) {
		return nil, errors.Errorf("cannot broadcast shapes %v and %v of different ranks", shape1, shape2)
	}
	result := slices.Clone(shape1)
	for axis := range shape1 {
		if shape1[axis] == shape2[axis] {
			continue
		}
		if shape1[axis] != 1 && shape2[axis] != 1 {
			return nil, errors.Errorf("cannot broadcast shapes %v and %v: axis %d has dimensions %d and %d",
				shape1, shape2, axis, shape1[axis], shape2[axis])
		}
		result[axis] = max(shape1[axis], shape2[axis])
	}
	return result, nil
}

// BuildReshape emits a RESHAPE of the named input into the named output.
//
// TOSA 0.80 carries the new shape in a ReshapeAttribute. TOSA 1.0 takes it as a constant operand
// named "<output>_shape".
func BuildReshape(sink Sink, inputName string, newShape []int, outputName string, spec Specification) {
	if spec.usesOperandEncoding() {
		shapeConst := sink.AddConst([]int{len(newShape)}, dtypes.Int64, newShape, outputName+"_shape")
		sink.AddOperator(OpReshape, []string{inputName, shapeConst.Name}, []string{outputName}, nil)
		return
	}
	sink.AddOperator(OpReshape, []string{inputName}, []string{outputName}, ReshapeAttribute{NewShape: slices.Clone(newShape)})
}

// ReshapeForBroadcast makes two operands of different ranks broadcast-compatible: it prepends unit
// dimensions to the lower-rank operand, permutes the new shape by dimOrder and emits a RESHAPE into a new
// intermediate, which replaces that operand in the returned pair.
//
// If dimOrder is nil, the higher-rank operand's dim order is used. Operands of equal rank are returned unchanged.
func ReshapeForBroadcast(sink Sink, args []*Arg, dimOrder []int) (*Arg, *Arg, error) {
	if len(args) != 2 {
		return nil, nil, errors.Errorf("ReshapeForBroadcast requires exactly 2 operands, got %d", len(args))
	}
	input1, input2 := args[0], args[1]
	if input1.Rank() == input2.Rank() {
		return input1, input2, nil
	}
	lowRank, highRank := input1, input2
	if input1.Rank() > input2.Rank() {
		lowRank, highRank = input2, input1
	}
	if dimOrder == nil {
		dimOrder = highRank.DimOrder
	}
	if !isPermutation(dimOrder, highRank.Rank()) {
		return nil, nil, errors.Errorf("ReshapeForBroadcast: dim order %v is not a permutation of rank %d",
			dimOrder, highRank.Rank())
	}

	// Prepend unit dimensions to match the higher rank.
	newShape := make([]int, 0, highRank.Rank())
	for range highRank.Rank() - lowRank.Rank() {
		newShape = append(newShape, 1)
	}
	newShape = append(newShape, lowRank.Dims()...)
	newShape = TosaShape(newShape, dimOrder)

	spec := input1.Spec
	reshaped := sink.AddIntermediate(newShape, input1.DType())
	BuildReshape(sink, lowRank.Name, newShape, reshaped.Name, spec)
	if input1.Rank() > input2.Rank() {
		return input1, reshaped, nil
	}
	return reshaped, input2, nil
}
