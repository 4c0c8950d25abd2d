package tosa

import (
	"github.com/chewxy/math32"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// QuantArgs holds the per-tensor affine quantization parameters of one operand:
//
//	real_value = Scale * (stored - ZeroPoint)
//
// Stored values are clamped to [QMin, QMax].
type QuantArgs struct {
	Scale     float64
	ZeroPoint int
	QMin      int
	QMax      int
	DType     dtypes.DType
}

// NewInt8QuantArgs returns int8 quantization parameters with the full [-128, 127] range.
func NewInt8QuantArgs(scale float64, zeroPoint int) QuantArgs {
	return QuantArgs{Scale: scale, ZeroPoint: zeroPoint, QMin: -128, QMax: 127, DType: dtypes.Int8}
}

// Quantize converts a real value to its stored integer representation, rounding half away from zero
// and clamping to [QMin, QMax].
func (q QuantArgs) Quantize(x float32) int32 {
	v := math32.Round(x/float32(q.Scale)) + float32(q.ZeroPoint)
	v = math32.Max(v, float32(q.QMin))
	v = math32.Min(v, float32(q.QMax))
	return int32(v)
}

// Dequantize converts a stored integer value back to its real value.
func (q QuantArgs) Dequantize(v int32) float32 {
	return float32(q.Scale) * float32(int(v)-q.ZeroPoint)
}

// QuantizeSlice quantizes all values of x.
func (q QuantArgs) QuantizeSlice(x []float32) []int32 {
	return sliceMap(x, q.Quantize)
}

// DequantizeSlice dequantizes all values of v.
func (q QuantArgs) DequantizeSlice(v []int32) []float32 {
	return sliceMap(v, q.Dequantize)
}

// GetInputQParams returns the input quantization parameters of the node, indexed by input position.
//
// It fails with *MissingQuantParamsError if the node carries none.
func GetInputQParams(node *Node) (map[int]QuantArgs, error) {
	if len(node.Meta.InputQParams) == 0 {
		return nil, &MissingQuantParamsError{Node: node.Name, Which: "input"}
	}
	return node.Meta.InputQParams, nil
}

// GetOutputQParams returns the output quantization parameters of the node.
//
// It fails with *MissingQuantParamsError if the node carries none.
func GetOutputQParams(node *Node) (map[int]QuantArgs, error) {
	if len(node.Meta.OutputQParams) == 0 {
		return nil, &MissingQuantParamsError{Node: node.Name, Which: "output"}
	}
	return node.Meta.OutputQParams, nil
}

// inputQParams returns the quantization parameters of the given inputs of the node.
func inputQParams(node *Node, indices ...int) ([]QuantArgs, error) {
	qparams, err := GetInputQParams(node)
	if err != nil {
		return nil, err
	}
	result := make([]QuantArgs, len(indices))
	for ii, idx := range indices {
		qargs, found := qparams[idx]
		if !found {
			return nil, &MissingQuantParamsError{Node: node.Name, Which: "input", Index: idx}
		}
		result[ii] = qargs
	}
	return result, nil
}

// outputQParams returns the quantization parameters of the single output of the node.
func outputQParams(node *Node) (QuantArgs, error) {
	qparams, err := GetOutputQParams(node)
	if err != nil {
		return QuantArgs{}, err
	}
	if len(qparams) != 1 {
		return QuantArgs{}, errors.Errorf("node %q: expected quantization parameters for exactly one output, got %d",
			node.Name, len(qparams))
	}
	qargs, found := qparams[0]
	if !found {
		return QuantArgs{}, &MissingQuantParamsError{Node: node.Name, Which: "output", Index: 0}
	}
	if qargs.Scale <= 0 {
		return QuantArgs{}, errors.Errorf("node %q: invalid output scale %g", node.Name, qargs.Scale)
	}
	return qargs, nil
}
