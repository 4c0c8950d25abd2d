package tosa

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
)

// ATen operators lowered by elementwiseVisitor.
const (
	TargetAdd = "aten.add.Tensor"
	TargetSub = "aten.sub.Tensor"
)

// elementwiseVisitor lowers element-wise binary operators whose quantized form needs the operands at a
// common scale: ADD and SUB.
//
// Quantized int8 operands are rescaled to int32 at the smallest of the input scales, combined, and the
// result rescaled back to int8 with the output's parameters.
type elementwiseVisitor struct {
	target string
	op     Op
	spec   Specification
}

var _ NodeVisitor = (*elementwiseVisitor)(nil)

// Target implements NodeVisitor.
func (v *elementwiseVisitor) Target() string { return v.target }

// Specs implements NodeVisitor.
func (v *elementwiseVisitor) Specs() []Specification { return []Specification{v.spec} }

func (v *elementwiseVisitor) validDTypes() []dtypes.DType {
	if v.spec.SupportsFloat() {
		return floatBinaryDTypes
	}
	return integerBinaryDTypes
}

// DefineNode implements NodeVisitor.
func (v *elementwiseVisitor) DefineNode(node *Node, sink Sink, inputs []*Arg, output *Arg) error {
	if err := ValidateNumInputs(v.target, inputs, 2); err != nil {
		return err
	}
	all := []*Arg{inputs[0], inputs[1], output}
	if err := ValidateSameDType(v.target, all); err != nil {
		return err
	}
	if err := ValidateValidDType(v.target, all, v.validDTypes(), v.spec); err != nil {
		return err
	}

	if inputs[0].DType() != dtypes.Int8 {
		lhs, rhs, err := ReshapeForBroadcast(sink, inputs, nil)
		if err != nil {
			return err
		}
		sink.AddOperator(v.op, []string{lhs.Name, rhs.Name}, []string{output.Name}, nil)
		return nil
	}

	dimOrder := inputs[1].DimOrder
	if inputs[0].Rank() > inputs[1].Rank() {
		dimOrder = inputs[0].DimOrder
	}
	if _, err := outputQParams(node); err != nil {
		return err
	}
	rescaled, commonScale, err := InsertRescaleOpsToInt32(sink, inputs, node, v.spec)
	if err != nil {
		return err
	}
	lhs, rhs, err := ReshapeForBroadcast(sink, rescaled, dimOrder)
	if err != nil {
		return err
	}
	result := sink.AddIntermediate(TosaShape(output.Dims(), output.DimOrder), dtypes.Int32)
	sink.AddOperator(v.op, []string{lhs.Name, rhs.Name}, []string{result.Name}, nil)
	return InsertRescaleOpToInt8(sink, result, commonScale, node, v.spec)
}
