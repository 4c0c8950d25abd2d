package tosa

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/pkg/errors"
)

// Op is a TOSA operator opcode.
type Op int

const (
	OpInvalid Op = iota
	OpAdd
	OpSub
	OpMul
	OpReshape
	OpRescale
)

var opNames = map[Op]string{
	OpInvalid: "INVALID",
	OpAdd:     "ADD",
	OpSub:     "SUB",
	OpMul:     "MUL",
	OpReshape: "RESHAPE",
	OpRescale: "RESCALE",
}

// String implements fmt.Stringer.
func (op Op) String() string {
	if name, ok := opNames[op]; ok {
		return name
	}
	return fmt.Sprintf("Op(%d)", int(op))
}

func opFromName(name string) (Op, error) {
	for op, opName := range opNames {
		if opName == name && op != OpInvalid {
			return op, nil
		}
	}
	return OpInvalid, errors.Errorf("unknown TOSA operator %q", name)
}

// Attribute is the attribute of a TOSA operator. The concrete types are MulAttribute, RescaleAttribute
// and ReshapeAttribute.
type Attribute interface {
	attributeName() string
}

// MulAttribute is the TOSA 0.80 attribute of MUL. In TOSA 1.0 the shift is a constant operand instead.
type MulAttribute struct {
	Shift int
}

func (MulAttribute) attributeName() string { return "MulAttribute" }

// ReshapeAttribute is the TOSA 0.80 attribute of RESHAPE. In TOSA 1.0 the shape is a constant operand instead.
type ReshapeAttribute struct {
	NewShape []int
}

func (ReshapeAttribute) attributeName() string { return "ReshapeAttribute" }

// RescaleAttribute is the attribute of RESCALE.
//
// For TOSA 0.80 all fields are used. For TOSA 1.0 the zero points, multipliers and shifts are
// passed as constant operands, and only the flags are used.
type RescaleAttribute struct {
	InputZP, OutputZP int
	Multiplier        []int32
	Shift             []int32
	Scale32           bool
	DoubleRound       bool
	PerChannel        bool
	InputUnsigned     bool
	OutputUnsigned    bool
}

func (RescaleAttribute) attributeName() string { return "RescaleAttribute" }

// Sink is the instruction graph being built: the node visitors append operators, intermediate tensors
// and constants to it.
//
// Names of tensors are unique within a Sink.
type Sink interface {
	// AddOperator appends an operator reading the named inputs and writing the named outputs.
	// attr may be nil.
	AddOperator(op Op, inputs, outputs []string, attr Attribute)

	// AddIntermediate declares a new intermediate tensor with a unique name.
	AddIntermediate(shape []int, dtype dtypes.DType) *Arg

	// AddConst declares a constant tensor with the given name. The values can be a scalar, used for
	// all elements, or a flat slice with one value per element.
	AddConst(shape []int, dtype dtypes.DType, values any, name string) *Arg
}

// TensorKind distinguishes how a program tensor is defined.
type TensorKind int

const (
	KindInput TensorKind = iota
	KindIntermediate
	KindConst
)

var tensorKindNames = []string{"input", "intermediate", "const"}

// String implements fmt.Stringer.
func (k TensorKind) String() string {
	if int(k) < len(tensorKindNames) {
		return tensorKindNames[k]
	}
	return fmt.Sprintf("TensorKind(%d)", int(k))
}

// Tensor is a tensor declared in a Program.
type Tensor struct {
	Name  string
	Kind  TensorKind
	Shape shapes.Shape

	// Value is set for constants.
	Value *tensors.Tensor
}

// Operator is one TOSA operator of a Program.
type Operator struct {
	Op              Op
	Inputs, Outputs []string
	Attr            Attribute
}

// String implements fmt.Stringer.
func (o *Operator) String() string {
	s := fmt.Sprintf("%s(%s) -> (%s)", o.Op, strings.Join(o.Inputs, ", "), strings.Join(o.Outputs, ", "))
	if o.Attr != nil {
		s += fmt.Sprintf(" %s%+v", o.Attr.attributeName(), o.Attr)
	}
	return s
}

// Program is a TOSA program being built: it implements Sink.
//
// A Program is not safe for concurrent use.
type Program struct {
	Spec    Specification
	Inputs  []string
	Outputs []string

	tensors     map[string]*Tensor
	tensorOrder []string
	operators   []*Operator

	numIntermediates int

	// reserved names are never given to intermediates.
	reserved sets.Set[string]
}

var _ Sink = (*Program)(nil)

// IntermediatePrefix is the prefix of the names given to intermediate tensors.
var IntermediatePrefix = "layer"

// NewProgram creates an empty program for the given specification.
func NewProgram(spec Specification) *Program {
	return &Program{Spec: spec, tensors: make(map[string]*Tensor), reserved: sets.Make[string]()}
}

// Reserve prevents AddIntermediate from using the given names, e.g. the names of graph values that
// will only be declared later.
func (p *Program) Reserve(names ...string) {
	for _, name := range names {
		p.reserved.Insert(name)
	}
}

// declare panics with an exception if a tensor with the same name was already declared.
func (p *Program) declare(t *Tensor) *Arg {
	if _, found := p.tensors[t.Name]; found {
		exceptions.Panicf("tensor %q is already declared in the program", t.Name)
	}
	p.tensorOrder = append(p.tensorOrder, t.Name)
	p.tensors[t.Name] = t
	return &Arg{Name: t.Name, Shape: t.Shape.Clone(), DimOrder: identityDimOrder(t.Shape.Rank()), Spec: p.Spec}
}

// AddInput declares an input of the program. Like the other declarations, it panics with an exception
// if the name is already declared.
func (p *Program) AddInput(name string, shape []int, dtype dtypes.DType) *Arg {
	p.Inputs = append(p.Inputs, name)
	return p.declare(&Tensor{Name: name, Kind: KindInput, Shape: shapes.Make(dtype, shape...)})
}

// AddTensor declares a named tensor written by an operator, typically the output of a lowered node.
func (p *Program) AddTensor(name string, shape []int, dtype dtypes.DType) *Arg {
	return p.declare(&Tensor{Name: name, Kind: KindIntermediate, Shape: shapes.Make(dtype, shape...)})
}

// AddOutput marks declared tensors as program outputs.
func (p *Program) AddOutput(names ...string) {
	p.Outputs = append(p.Outputs, names...)
}

// AddIntermediate implements Sink.
func (p *Program) AddIntermediate(shape []int, dtype dtypes.DType) *Arg {
	var name string
	for {
		name = fmt.Sprintf("%s_%d", IntermediatePrefix, p.numIntermediates)
		p.numIntermediates++
		if _, found := p.tensors[name]; !found && !p.reserved.Has(name) {
			break
		}
	}
	return p.AddTensor(name, shape, dtype)
}

// AddConst implements Sink. It panics with an exception if the values don't match the shape.
func (p *Program) AddConst(shape []int, dtype dtypes.DType, values any, name string) *Arg {
	t := constTensor(dtype, shape, values)
	return p.declare(&Tensor{Name: name, Kind: KindConst, Shape: shapes.Make(dtype, shape...), Value: t})
}

// AddOperator implements Sink.
func (p *Program) AddOperator(op Op, inputs, outputs []string, attr Attribute) {
	p.operators = append(p.operators, &Operator{
		Op:      op,
		Inputs:  slices.Clone(inputs),
		Outputs: slices.Clone(outputs),
		Attr:    attr,
	})
}

// Tensor returns the declared tensor with the given name.
func (p *Program) Tensor(name string) (*Tensor, bool) {
	t, found := p.tensors[name]
	return t, found
}

// Tensors returns all declared tensors, in declaration order.
func (p *Program) Tensors() []*Tensor {
	return sliceMap(p.tensorOrder, func(name string) *Tensor { return p.tensors[name] })
}

// Operators returns the operators of the program in emission order.
func (p *Program) Operators() []*Operator {
	return p.operators
}

// CountOps returns how many operators of the given opcode the program has.
func (p *Program) CountOps(op Op) int {
	var count int
	for _, o := range p.operators {
		if o.Op == op {
			count++
		}
	}
	return count
}

// Validate checks that every operator only reads tensors that are inputs, constants or written by
// a previous operator, that every non-input tensor is written at most once, and that outputs are written.
func (p *Program) Validate() error {
	available := sets.Make[string]()
	for _, name := range p.Inputs {
		if _, found := p.tensors[name]; !found {
			return errors.Errorf("program input %q is not declared", name)
		}
		available.Insert(name)
	}
	for _, t := range p.tensors {
		if t.Kind == KindConst {
			available.Insert(t.Name)
		}
	}
	for opIdx, o := range p.operators {
		for _, name := range o.Inputs {
			if !available.Has(name) {
				return errors.Errorf("operator #%d %s reads %q, which is not available at that point", opIdx, o.Op, name)
			}
		}
		for _, name := range o.Outputs {
			if _, found := p.tensors[name]; !found {
				return errors.Errorf("operator #%d %s writes %q, which is not declared", opIdx, o.Op, name)
			}
			if available.Has(name) {
				return errors.Errorf("operator #%d %s writes %q, which was already defined", opIdx, o.Op, name)
			}
			available.Insert(name)
		}
	}
	for _, name := range p.Outputs {
		if !available.Has(name) {
			return errors.Errorf("program output %q is never written", name)
		}
	}
	return nil
}

// programCheckpoint marks a point in the construction of the program, see Program.rollback.
type programCheckpoint struct {
	numTensors, numOperators, numInputs, numIntermediates int
}

func (p *Program) checkpoint() programCheckpoint {
	return programCheckpoint{
		numTensors:       len(p.tensorOrder),
		numOperators:     len(p.operators),
		numInputs:        len(p.Inputs),
		numIntermediates: p.numIntermediates,
	}
}

// rollback removes everything added to the program after the checkpoint.
func (p *Program) rollback(cp programCheckpoint) {
	for _, name := range p.tensorOrder[cp.numTensors:] {
		delete(p.tensors, name)
	}
	p.tensorOrder = p.tensorOrder[:cp.numTensors]
	p.operators = p.operators[:cp.numOperators]
	p.Inputs = p.Inputs[:cp.numInputs]
	p.numIntermediates = cp.numIntermediates
}

// String returns a deterministic human-readable dump of the program.
func (p *Program) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "program %s\n", p.Spec)
	fmt.Fprintf(&sb, "inputs: %s\n", strings.Join(p.Inputs, ", "))
	fmt.Fprintf(&sb, "outputs: %s\n", strings.Join(p.Outputs, ", "))
	sb.WriteString("tensors:\n")
	for _, name := range p.tensorOrder {
		t := p.tensors[name]
		fmt.Fprintf(&sb, "  %s: %s %s %v", t.Name, t.Kind, TosaDTypeName(t.Shape.DType), t.Shape.Dimensions)
		if t.Value != nil {
			fmt.Fprintf(&sb, " = %v", constValues(t.Value))
		}
		sb.WriteString("\n")
	}
	sb.WriteString("operators:\n")
	for _, o := range p.operators {
		fmt.Fprintf(&sb, "  %s\n", o)
	}
	return sb.String()
}
