package tosa

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
)

// TargetMul is the ATen operator lowered by mulVisitor.
const TargetMul = "aten.mul.Tensor"

var (
	integerBinaryDTypes = []dtypes.DType{dtypes.Int8, dtypes.Int32}
	floatBinaryDTypes   = []dtypes.DType{dtypes.Int8, dtypes.Int32, dtypes.Float16, dtypes.Float32}
)

// mulVisitor lowers element-wise multiplication to TOSA MUL.
//
// Quantized int8 operands are rescaled to int32 (zero point 0), multiplied, and the int32 product, whose
// scale is the product of the input scales, is rescaled back to int8 with the output's parameters.
type mulVisitor struct {
	spec Specification
}

var _ NodeVisitor = (*mulVisitor)(nil)

// Target implements NodeVisitor.
func (v *mulVisitor) Target() string { return TargetMul }

// Specs implements NodeVisitor.
func (v *mulVisitor) Specs() []Specification { return []Specification{v.spec} }

// DefineNode implements NodeVisitor.
func (v *mulVisitor) DefineNode(node *Node, sink Sink, inputs []*Arg, output *Arg) error {
	switch v.spec.Profile {
	case ProfileBI, ProfileINT:
		return v.lowerIntegerMul(node, sink, inputs, output)
	case ProfileMI, ProfileFP:
		return v.lowerFloatMul(node, sink, inputs, output)
	default:
		exceptions.Panicf("mulVisitor: unknown profile %s", v.spec.Profile)
		panic(nil) // for lint benefit.
	}
}

// lowerIntegerMul handles int8 (quantized) and int32 multiplication.
func (v *mulVisitor) lowerIntegerMul(node *Node, sink Sink, inputs []*Arg, output *Arg) error {
	if err := ValidateNumInputs(TargetMul, inputs, 2); err != nil {
		return err
	}
	all := []*Arg{inputs[0], inputs[1], output}
	if err := ValidateSameDType(TargetMul, all); err != nil {
		return err
	}
	if err := ValidateValidDType(TargetMul, all, integerBinaryDTypes, v.spec); err != nil {
		return err
	}

	dimOrder := inputs[1].DimOrder
	if inputs[0].Rank() > inputs[1].Rank() {
		dimOrder = inputs[0].DimOrder
	}

	lhs, rhs := inputs[0], inputs[1]
	var qargs []QuantArgs
	if lhs.DType() == dtypes.Int8 {
		var err error
		qargs, err = inputQParams(node, 0, 1)
		if err != nil {
			return err
		}
		if _, err = outputQParams(node); err != nil {
			return err
		}
		lhs.Shape.Dimensions = TosaShape(lhs.Dims(), lhs.DimOrder)
		rhs.Shape.Dimensions = TosaShape(rhs.Dims(), rhs.DimOrder)
		if lhs, err = BuildRescaleToInt32(sink, lhs, qargs[0].ZeroPoint, 1.0, v.spec); err != nil {
			return err
		}
		if rhs, err = BuildRescaleToInt32(sink, rhs, qargs[1].ZeroPoint, 1.0, v.spec); err != nil {
			return err
		}
	}

	mulOutput := output
	if output.DType() == dtypes.Int8 {
		mulOutput = sink.AddIntermediate(TosaShape(output.Dims(), output.DimOrder), dtypes.Int32)
	}

	lhs, rhs, err := ReshapeForBroadcast(sink, []*Arg{lhs, rhs}, dimOrder)
	if err != nil {
		return err
	}
	emitMul(sink, node, lhs, rhs, mulOutput, v.spec)

	if output.DType() == dtypes.Int8 {
		return InsertRescaleOpToInt8(sink, mulOutput, qargs[0].Scale*qargs[1].Scale, node, v.spec)
	}
	return nil
}

// lowerFloatMul handles the profiles with floating point support. Quantized operands take the integer path.
//
// TOSA 0.80 aligns the ranks of the operands for broadcasting, TOSA 1.0 passes them as they are.
func (v *mulVisitor) lowerFloatMul(node *Node, sink Sink, inputs []*Arg, output *Arg) error {
	if err := ValidateNumInputs(TargetMul, inputs, 2); err != nil {
		return err
	}
	all := []*Arg{inputs[0], inputs[1], output}
	if err := ValidateSameDType(TargetMul, all); err != nil {
		return err
	}
	if inputs[0].DType() == dtypes.Int8 {
		return v.lowerIntegerMul(node, sink, inputs, output)
	}
	if err := ValidateValidDType(TargetMul, all, floatBinaryDTypes, v.spec); err != nil {
		return err
	}

	lhs, rhs := inputs[0], inputs[1]
	if v.spec.Is080() {
		var err error
		lhs, rhs, err = ReshapeForBroadcast(sink, inputs, nil)
		if err != nil {
			return err
		}
	}
	emitMul(sink, node, lhs, rhs, output, v.spec)
	return nil
}

// emitMul emits the MUL operator with a zero shift: as an attribute for TOSA 0.80, or as the constant
// operand "<node>_shift" for TOSA 1.0.
func emitMul(sink Sink, node *Node, lhs, rhs, output *Arg, spec Specification) {
	if spec.usesOperandEncoding() {
		shift := sink.AddConst([]int{1}, dtypes.Int8, 0, node.Name+"_shift")
		sink.AddOperator(OpMul, []string{lhs.Name, rhs.Name, shift.Name}, []string{output.Name}, nil)
		return
	}
	sink.AddOperator(OpMul, []string{lhs.Name, rhs.Name}, []string{output.Name}, MulAttribute{Shift: 0})
}
