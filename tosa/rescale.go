package tosa

import (
	"math"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// This file implements the rescale protocol: the conversion of quantized integer tensors between
// scales using TOSA RESCALE operators, with a fixed-point multiplier and a right shift approximating
// each real-valued scale.

// Bounds of the right shift accepted by TOSA RESCALE.
const (
	MinRescaleShift = 2
	MaxRescaleShift = 62
)

// ComputeMultiplierAndShift approximates each scale by multiplier * 2^(-shift), where the multiplier
// is a scaleWidth-bit (16 or 32) fixed-point mantissa and shift is in [MinRescaleShift, MaxRescaleShift].
//
// Scales must be non-negative and small enough for the shift to be at least MinRescaleShift.
func ComputeMultiplierAndShift(scales []float64, scaleWidth int) (multipliers []int32, shifts []int32, err error) {
	var offset int
	switch scaleWidth {
	case 16:
		offset = 15
	case 32:
		offset = 31
	default:
		return nil, nil, errors.Errorf("unsupported rescale scale width %d, only 16 and 32 are supported", scaleWidth)
	}
	one := int64(1) << offset
	multipliers = make([]int32, len(scales))
	shifts = make([]int32, len(scales))
	for ii, scale := range scales {
		if scale < 0 || math.IsNaN(scale) || math.IsInf(scale, 0) {
			return nil, nil, errors.Errorf("invalid rescale scale %g", scale)
		}
		mantissa, exponent := math.Frexp(scale)
		multiplier := int64(math.RoundToEven(mantissa * float64(one)))
		if multiplier == one {
			multiplier /= 2
			exponent++
		}
		shift := offset - exponent
		if shift > MaxRescaleShift {
			multiplier >>= min(31, shift-MaxRescaleShift)
			shift = MaxRescaleShift
		}
		if shift < MinRescaleShift {
			return nil, nil, errors.Errorf("rescale scale %g is too large: shift %d is below the minimum of %d",
				scale, shift, MinRescaleShift)
		}
		multipliers[ii] = int32(multiplier)
		shifts[ii] = int32(shift)
	}
	return multipliers, shifts, nil
}

// resolveSpec returns spec, or if it is not set, the operand's spec, or if that is also not set, TOSA 0.80 BI.
func resolveSpec(spec Specification, arg *Arg) Specification {
	if !spec.IsZero() {
		return spec
	}
	if arg != nil && !arg.Spec.IsZero() {
		return arg.Spec
	}
	return Spec080BI
}

// BuildRescale emits a RESCALE of input into the already declared tensor outputName.
//
// For TOSA 0.80 the multipliers, shifts and zero points go into the RescaleAttribute. For TOSA 1.0 they
// are constant operands named "<outputName>_multipliers", "<outputName>_shifts", "<outputName>_input_zp"
// and "<outputName>_output_zp".
func BuildRescale(sink Sink, scales []float64, input *Arg, outputName string, outputDType dtypes.DType,
	inputZP, outputZP int, spec Specification) error {
	spec = resolveSpec(spec, input)
	multipliers, shifts, err := ComputeMultiplierAndShift(scales, 32)
	if err != nil {
		return errors.WithMessagef(err, "rescale of %q into %q", input.Name, outputName)
	}
	attr := RescaleAttribute{
		Scale32:    true,
		PerChannel: len(scales) > 1,
	}
	if !spec.usesOperandEncoding() {
		attr.InputZP, attr.OutputZP = inputZP, outputZP
		attr.Multiplier, attr.Shift = multipliers, shifts
		sink.AddOperator(OpRescale, []string{input.Name}, []string{outputName}, attr)
		return nil
	}
	numScales := []int{len(scales)}
	multipliersConst := sink.AddConst(numScales, dtypes.Int32, multipliers, outputName+"_multipliers")
	shiftsConst := sink.AddConst(numScales, dtypes.Int8, shifts, outputName+"_shifts")
	inputZPConst := sink.AddConst([]int{1}, input.DType(), inputZP, outputName+"_input_zp")
	outputZPConst := sink.AddConst([]int{1}, outputDType, outputZP, outputName+"_output_zp")
	sink.AddOperator(OpRescale,
		[]string{input.Name, multipliersConst.Name, shiftsConst.Name, inputZPConst.Name, outputZPConst.Name},
		[]string{outputName}, attr)
	return nil
}

// BuildRescaleToInt32 rescales an int8 or int16 operand with zero point zp into a new int32 intermediate,
// with zero point 0, and returns it.
//
// The intermediate has the (possibly TOSA-permuted) shape of arg.
func BuildRescaleToInt32(sink Sink, arg *Arg, zp int, scale float64, spec Specification) (*Arg, error) {
	if arg.DType() != dtypes.Int8 && arg.DType() != dtypes.Int16 {
		return nil, &UnsupportedDTypeError{Operand: arg.Name, DType: arg.DType(), Want: []dtypes.DType{dtypes.Int8, dtypes.Int16}}
	}
	spec = resolveSpec(spec, arg)
	rescaled := sink.AddIntermediate(arg.Dims(), dtypes.Int32)
	rescaled.Spec = spec
	if err := BuildRescale(sink, []float64{scale}, arg, rescaled.Name, dtypes.Int32, zp, 0, spec); err != nil {
		return nil, err
	}
	return rescaled, nil
}

// BuildRescaleFromInt32 rescales an int32 operand (zero point 0) into the already declared int8 tensor
// outputName, with zero point outputZP.
func BuildRescaleFromInt32(sink Sink, arg *Arg, outputName string, outputZP int, scale float64, spec Specification) error {
	if arg.DType() != dtypes.Int32 {
		return &UnsupportedDTypeError{Operand: arg.Name, DType: arg.DType(), Want: []dtypes.DType{dtypes.Int32}}
	}
	return BuildRescale(sink, []float64{scale}, arg, outputName, dtypes.Int8, 0, outputZP, spec)
}

// InsertRescaleOpToInt8 rescales the int32 result arg32 of a quantized node, whose real scale is scale,
// back to the node's int8 output, using the node's output quantization parameters.
//
// The RESCALE writes the tensor named after the node.
func InsertRescaleOpToInt8(sink Sink, arg32 *Arg, scale float64, node *Node, spec Specification) error {
	qargs, err := outputQParams(node)
	if err != nil {
		return err
	}
	return BuildRescaleFromInt32(sink, arg32, node.Name, qargs.ZeroPoint, scale/qargs.Scale, spec)
}

// InsertRescaleOpsToInt32 rescales the int8 inputs of a quantized node to int32 at a common scale, the
// smallest of the inputs' scales, which it returns along with the rescaled operands.
//
// The shapes of args are permuted in place to the TOSA storage order.
func InsertRescaleOpsToInt32(sink Sink, args []*Arg, node *Node, spec Specification) ([]*Arg, float64, error) {
	indices := make([]int, len(args))
	for ii := range indices {
		indices[ii] = ii
	}
	qargs, err := inputQParams(node, indices...)
	if err != nil {
		return nil, 0, err
	}
	minScale := math.Inf(1)
	for _, q := range qargs {
		if q.Scale <= 0 {
			return nil, 0, errors.Errorf("node %q: invalid input scale %g", node.Name, q.Scale)
		}
		minScale = min(minScale, q.Scale)
	}
	rescaled := make([]*Arg, len(args))
	for ii, arg := range args {
		arg.Shape.Dimensions = TosaShape(arg.Dims(), arg.DimOrder)
		rescaled[ii], err = BuildRescaleToInt32(sink, arg, qargs[ii].ZeroPoint, qargs[ii].Scale/minScale, spec)
		if err != nil {
			return nil, 0, err
		}
	}
	return rescaled, minScale, nil
}
