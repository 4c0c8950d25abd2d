package tosa

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Evaluate executes the program with GoMLX on the given backend and returns the value of each program
// output. It is a reference implementation, used to check lowered programs numerically.
//
// inputs must hold a tensor for every program input, with the declared (TOSA storage order) shape.
//
// Integer operators follow TOSA semantics: MUL and RESCALE round their right shifts to the nearest
// (half up), and RESCALE saturates to the range of its output dtype.
func (p *Program) Evaluate(backend backends.Backend, inputs map[string]*tensors.Tensor) (map[string]*tensors.Tensor, error) {
	for _, name := range p.Inputs {
		t, found := inputs[name]
		if !found {
			return nil, errors.Errorf("missing value for program input %q", name)
		}
		if !t.Shape().Equal(p.tensors[name].Shape) {
			return nil, errors.Errorf("program input %q is declared as %s, but got a value shaped %s",
				name, p.tensors[name].Shape, t.Shape())
		}
	}
	results := make(map[string]*tensors.Tensor, len(p.Outputs))
	for _, output := range p.Outputs {
		var result *tensors.Tensor
		err := exceptions.TryCatch[error](func() {
			result = graph.MustExecOnce(backend, func(g *graph.Graph) *graph.Node {
				return p.buildGraph(g, inputs)[output]
			})
		})
		if err != nil {
			return nil, errors.WithMessagef(err, "while evaluating output %q of the TOSA program", output)
		}
		results[output] = result
	}
	return results, nil
}

// buildGraph converts all the operators of the program to GoMLX ops, and returns the nodes of all tensors.
//
// It panics (throws exceptions) in case of errors, as GoMLX graph building functions do.
func (p *Program) buildGraph(g *graph.Graph, inputs map[string]*tensors.Tensor) map[string]*graph.Node {
	nodes := make(map[string]*graph.Node, len(p.tensors))
	for _, name := range p.Inputs {
		nodes[name] = graph.Const(g, inputs[name])
	}
	for _, t := range p.tensors {
		if t.Kind == KindConst {
			nodes[t.Name] = graph.Const(g, t.Value)
		}
	}
	operand := func(name string) *graph.Node {
		n, found := nodes[name]
		if !found {
			exceptions.Panicf("tensor %q used before it is defined", name)
		}
		return n
	}
	for _, o := range p.operators {
		outputT := p.tensors[o.Outputs[0]]
		var result *graph.Node
		switch o.Op {
		case OpAdd:
			lhs, rhs := broadcastPair(operand(o.Inputs[0]), operand(o.Inputs[1]))
			result = graph.Add(lhs, rhs)
		case OpSub:
			lhs, rhs := broadcastPair(operand(o.Inputs[0]), operand(o.Inputs[1]))
			result = graph.Sub(lhs, rhs)
		case OpMul:
			shift := 0
			if len(o.Inputs) > 2 {
				shift = p.constInts(o.Inputs[2])[0]
			} else if attr, ok := o.Attr.(MulAttribute); ok {
				shift = attr.Shift
			}
			result = evalMul(operand(o.Inputs[0]), operand(o.Inputs[1]), shift, outputT.Shape.DType)
		case OpReshape:
			var newShape []int
			if len(o.Inputs) > 1 {
				newShape = p.constInts(o.Inputs[1])
			} else {
				newShape = o.Attr.(ReshapeAttribute).NewShape
			}
			result = graph.Reshape(operand(o.Inputs[0]), newShape...)
		case OpRescale:
			result = p.evalRescale(o, operand(o.Inputs[0]), outputT.Shape.DType)
		default:
			exceptions.Panicf("evaluation of operator %s is not supported", o.Op)
		}
		if !result.Shape().Equal(outputT.Shape) {
			exceptions.Panicf("operator %s produced a value shaped %s, but %q is declared as %s",
				o, result.Shape(), outputT.Name, outputT.Shape)
		}
		nodes[o.Outputs[0]] = result
	}
	return nodes
}

// constInts returns the values of the named integer constant.
func (p *Program) constInts(name string) []int {
	t, found := p.tensors[name]
	if !found || t.Kind != KindConst {
		exceptions.Panicf("%q is not a constant of the program", name)
	}
	return constInts(t.Value)
}

// broadcastPair broadcasts operands of the same rank to their common shape.
func broadcastPair(lhs, rhs *graph.Node) (*graph.Node, *graph.Node) {
	if lhs.IsScalar() || rhs.IsScalar() || lhs.Shape().Equal(rhs.Shape()) {
		return lhs, rhs
	}
	dims, err := BroadcastShapes(lhs.Shape().Dimensions, rhs.Shape().Dimensions)
	if err != nil {
		panic(err)
	}
	return graph.BroadcastToDims(lhs, dims...), graph.BroadcastToDims(rhs, dims...)
}

// floorDiv divides integer numerator by the positive divisor, rounding towards negative infinity.
func floorDiv(numerator, divisor *graph.Node) *graph.Node {
	quotient := graph.Div(numerator, divisor)
	remainder := graph.Sub(numerator, graph.Mul(quotient, divisor))
	isNegative := graph.ConvertDType(graph.LessThan(remainder, graph.ZerosLike(remainder)), numerator.DType())
	return graph.Sub(quotient, isNegative)
}

// evalMul multiplies integers in int64, applying the rounding right shift, and wraps the result
// to the output dtype. Floats are simply multiplied.
func evalMul(lhs, rhs *graph.Node, shift int, dtype dtypes.DType) *graph.Node {
	lhs, rhs = broadcastPair(lhs, rhs)
	if dtype.IsFloat() {
		return graph.Mul(lhs, rhs)
	}
	g := lhs.Graph()
	product := graph.Mul(graph.ConvertDType(lhs, dtypes.Int64), graph.ConvertDType(rhs, dtypes.Int64))
	if shift > 0 {
		product = graph.Add(product, graph.Const(g, int64(1)<<(shift-1)))
		product = floorDiv(product, graph.Const(g, int64(1)<<shift))
	}
	return graph.ConvertDType(product, dtype)
}

// rescaleParams returns the multipliers, shifts and zero points of a RESCALE, from its constant operands
// (TOSA 1.0) or its attribute (TOSA 0.80).
func (p *Program) rescaleParams(o *Operator) (multipliers, shifts []int, inputZP, outputZP int) {
	if len(o.Inputs) == 5 {
		return p.constInts(o.Inputs[1]), p.constInts(o.Inputs[2]),
			p.constInts(o.Inputs[3])[0], p.constInts(o.Inputs[4])[0]
	}
	attr, ok := o.Attr.(RescaleAttribute)
	if !ok {
		exceptions.Panicf("operator %s has no RescaleAttribute", o)
	}
	toInts := func(v int32) int { return int(v) }
	return sliceMap(attr.Multiplier, toInts), sliceMap(attr.Shift, toInts), attr.InputZP, attr.OutputZP
}

// evalRescale computes, in int64:
//
//	clamp(((x - inputZP) * multiplier + 2^(shift-1)) >> shift + outputZP)
//
// With more than one multiplier, they apply per channel on the last axis.
func (p *Program) evalRescale(o *Operator, x *graph.Node, dtype dtypes.DType) *graph.Node {
	g := x.Graph()
	multipliers, shifts, inputZP, outputZP := p.rescaleParams(o)
	if len(multipliers) != len(shifts) || len(multipliers) == 0 {
		exceptions.Panicf("operator %s has %d multipliers and %d shifts", o, len(multipliers), len(shifts))
	}
	lo, hi, err := integerRange(dtype)
	if err != nil {
		panic(err)
	}

	// perChannel converts the per-channel parameters to a node broadcastable to x.
	perChannel := func(values []int64) *graph.Node {
		if len(values) == 1 {
			return graph.Const(g, values[0])
		}
		if x.Rank() == 0 || x.Shape().Dimensions[x.Rank()-1] != len(values) {
			exceptions.Panicf("operator %s: %d per-channel parameters for an operand shaped %s", o, len(values), x.Shape())
		}
		dims := make([]int, x.Rank())
		for ii := range dims {
			dims[ii] = 1
		}
		dims[x.Rank()-1] = len(values)
		return graph.BroadcastToDims(graph.Reshape(graph.Const(g, values), dims...), x.Shape().Dimensions...)
	}
	for _, shift := range shifts {
		if shift < MinRescaleShift || shift > MaxRescaleShift {
			exceptions.Panicf("operator %s: shift %d out of range [%d, %d]", o, shift, MinRescaleShift, MaxRescaleShift)
		}
	}
	multiplier := perChannel(sliceMap(multipliers, func(m int) int64 { return int64(m) }))
	rounding := perChannel(sliceMap(shifts, func(s int) int64 { return int64(1) << (s - 1) }))
	divisor := perChannel(sliceMap(shifts, func(s int) int64 { return int64(1) << s }))

	value := graph.Sub(graph.ConvertDType(x, dtypes.Int64), graph.Const(g, int64(inputZP)))
	value = floorDiv(graph.Add(graph.Mul(value, multiplier), rounding), divisor)
	value = graph.Add(value, graph.Const(g, int64(outputZP)))
	value = graph.Min(graph.Max(value, graph.Const(g, lo)), graph.Const(g, hi))
	return graph.ConvertDType(value, dtype)
}
