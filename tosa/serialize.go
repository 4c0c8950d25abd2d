package tosa

import (
	"os"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Programs are serialized as a protobuf Struct with the fields "spec", "inputs", "outputs", "tensors"
// and "operators". Constant values are stored flat, as numbers.

func toAnyList[T any](in []T) []any {
	return sliceMap(in, func(e T) any { return e })
}

func attributeToMap(attr Attribute) map[string]any {
	m := map[string]any{"type": attr.attributeName()}
	switch a := attr.(type) {
	case MulAttribute:
		m["shift"] = a.Shift
	case ReshapeAttribute:
		m["new_shape"] = toAnyList(a.NewShape)
	case RescaleAttribute:
		m["input_zp"] = a.InputZP
		m["output_zp"] = a.OutputZP
		m["multiplier"] = toAnyList(a.Multiplier)
		m["shift"] = toAnyList(a.Shift)
		m["scale32"] = a.Scale32
		m["double_round"] = a.DoubleRound
		m["per_channel"] = a.PerChannel
		m["input_unsigned"] = a.InputUnsigned
		m["output_unsigned"] = a.OutputUnsigned
	}
	return m
}

// ToStruct converts the program to a protobuf Struct.
func (p *Program) ToStruct() (*structpb.Struct, error) {
	tensorList := make([]any, 0, len(p.tensorOrder))
	for _, t := range p.Tensors() {
		m := map[string]any{
			"name":  t.Name,
			"kind":  t.Kind.String(),
			"dtype": DTypeName(t.Shape.DType),
			"shape": toAnyList(t.Shape.Dimensions),
		}
		if t.Value != nil {
			m["values"] = toAnyList(constFloat64s(t.Value))
		}
		tensorList = append(tensorList, m)
	}
	operatorList := make([]any, 0, len(p.operators))
	for _, o := range p.operators {
		m := map[string]any{
			"op":      o.Op.String(),
			"inputs":  toAnyList(o.Inputs),
			"outputs": toAnyList(o.Outputs),
		}
		if o.Attr != nil {
			m["attr"] = attributeToMap(o.Attr)
		}
		operatorList = append(operatorList, m)
	}
	st, err := structpb.NewStruct(map[string]any{
		"spec":      p.Spec.String(),
		"inputs":    toAnyList(p.Inputs),
		"outputs":   toAnyList(p.Outputs),
		"tensors":   tensorList,
		"operators": operatorList,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to convert program to protobuf")
	}
	return st, nil
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (p *Program) MarshalBinary() ([]byte, error) {
	st, err := p.ToStruct()
	if err != nil {
		return nil, err
	}
	data, err := proto.Marshal(st)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to marshal program")
	}
	return data, nil
}

// MarshalText returns the program as indented JSON.
func (p *Program) MarshalText() ([]byte, error) {
	st, err := p.ToStruct()
	if err != nil {
		return nil, err
	}
	data, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(st)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to marshal program to JSON")
	}
	return data, nil
}

// UnmarshalProgram is the inverse of Program.MarshalBinary.
func UnmarshalProgram(data []byte) (*Program, error) {
	st := &structpb.Struct{}
	if err := proto.Unmarshal(data, st); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal program")
	}
	return ProgramFromStruct(st)
}

// ReadProgramFile reads a program saved with Program.MarshalBinary.
func ReadProgramFile(path string) (*Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read program file %q", path)
	}
	program, err := UnmarshalProgram(data)
	if err != nil {
		return nil, errors.WithMessagef(err, "program file %q", path)
	}
	return program, nil
}

// structReader reads typed fields out of the generic map of a protobuf Struct, keeping the first error.
type structReader struct {
	err error
}

func (r *structReader) failf(format string, args ...any) {
	if r.err == nil {
		r.err = errors.Errorf(format, args...)
	}
}

func (r *structReader) string(m map[string]any, key string) string {
	s, ok := m[key].(string)
	if !ok {
		r.failf("field %q: expected a string, got %T", key, m[key])
	}
	return s
}

func (r *structReader) bool(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}

func (r *structReader) int(m map[string]any, key string) int {
	f, ok := m[key].(float64)
	if !ok {
		r.failf("field %q: expected a number, got %T", key, m[key])
	}
	return int(f)
}

func (r *structReader) list(m map[string]any, key string) []any {
	if m[key] == nil {
		return nil
	}
	l, ok := m[key].([]any)
	if !ok {
		r.failf("field %q: expected a list, got %T", key, m[key])
	}
	return l
}

func (r *structReader) strings(m map[string]any, key string) []string {
	return sliceMap(r.list(m, key), func(e any) string {
		s, ok := e.(string)
		if !ok {
			r.failf("field %q: expected a list of strings, got element %T", key, e)
		}
		return s
	})
}

func (r *structReader) float64s(m map[string]any, key string) []float64 {
	return sliceMap(r.list(m, key), func(e any) float64 {
		f, ok := e.(float64)
		if !ok {
			r.failf("field %q: expected a list of numbers, got element %T", key, e)
		}
		return f
	})
}

func (r *structReader) ints(m map[string]any, key string) []int {
	return sliceMap(r.float64s(m, key), func(f float64) int { return int(f) })
}

func (r *structReader) int32s(m map[string]any, key string) []int32 {
	return sliceMap(r.float64s(m, key), func(f float64) int32 { return int32(f) })
}

func (r *structReader) maps(m map[string]any, key string) []map[string]any {
	return sliceMap(r.list(m, key), func(e any) map[string]any {
		em, ok := e.(map[string]any)
		if !ok {
			r.failf("field %q: expected a list of structs, got element %T", key, e)
		}
		return em
	})
}

func (r *structReader) attribute(m map[string]any) Attribute {
	switch name := r.string(m, "type"); name {
	case MulAttribute{}.attributeName():
		return MulAttribute{Shift: r.int(m, "shift")}
	case ReshapeAttribute{}.attributeName():
		return ReshapeAttribute{NewShape: r.ints(m, "new_shape")}
	case RescaleAttribute{}.attributeName():
		return RescaleAttribute{
			InputZP:        r.int(m, "input_zp"),
			OutputZP:       r.int(m, "output_zp"),
			Multiplier:     r.int32s(m, "multiplier"),
			Shift:          r.int32s(m, "shift"),
			Scale32:        r.bool(m, "scale32"),
			DoubleRound:    r.bool(m, "double_round"),
			PerChannel:     r.bool(m, "per_channel"),
			InputUnsigned:  r.bool(m, "input_unsigned"),
			OutputUnsigned: r.bool(m, "output_unsigned"),
		}
	default:
		r.failf("unknown attribute type %q", name)
		return nil
	}
}

func tensorKindFromName(name string) (TensorKind, error) {
	for kind, kindName := range tensorKindNames {
		if kindName == name {
			return TensorKind(kind), nil
		}
	}
	return 0, errors.Errorf("unknown tensor kind %q", name)
}

// ProgramFromStruct is the inverse of Program.ToStruct.
func ProgramFromStruct(st *structpb.Struct) (*Program, error) {
	m := st.AsMap()
	r := &structReader{}
	spec, err := ParseSpecification(r.string(m, "spec"))
	if r.err != nil {
		return nil, r.err
	}
	if err != nil {
		return nil, err
	}
	p := NewProgram(spec)
	p.Inputs = r.strings(m, "inputs")
	p.Outputs = r.strings(m, "outputs")
	for _, tm := range r.maps(m, "tensors") {
		if r.err != nil {
			break
		}
		kind, err := tensorKindFromName(r.string(tm, "kind"))
		if err != nil {
			return nil, err
		}
		dtype, err := DTypeFromName(r.string(tm, "dtype"))
		if err != nil {
			return nil, err
		}
		t := &Tensor{Name: r.string(tm, "name"), Kind: kind, Shape: shapes.Make(dtype, r.ints(tm, "shape")...)}
		if kind == KindConst {
			values := r.float64s(tm, "values")
			if len(values) != t.Shape.Size() {
				return nil, errors.Errorf("constant %q has %d values, but its shape %s requires %d",
					t.Name, len(values), t.Shape, t.Shape.Size())
			}
			t.Value = constTensor(dtype, t.Shape.Dimensions, values)
		}
		if _, found := p.tensors[t.Name]; found {
			return nil, errors.Errorf("tensor %q is declared more than once", t.Name)
		}
		p.declare(t)
	}
	for _, om := range r.maps(m, "operators") {
		if r.err != nil {
			break
		}
		op, err := opFromName(r.string(om, "op"))
		if err != nil {
			return nil, err
		}
		var attr Attribute
		if am, ok := om["attr"].(map[string]any); ok {
			attr = r.attribute(am)
		}
		p.AddOperator(op, r.strings(om, "inputs"), r.strings(om, "outputs"), attr)
	}
	if r.err != nil {
		return nil, errors.WithMessage(r.err, "invalid program")
	}
	return p, nil
}
