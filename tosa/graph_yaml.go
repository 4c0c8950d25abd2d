package tosa

import (
	"bytes"
	"os"
	"slices"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// graphFile is the YAML representation of a Graph:
//
//	name: quantized_mul
//	inputs: [x, y]
//	outputs: [z]
//	values:
//	  - {name: x, dtype: int8, shape: [10, 10, 10]}
//	  - {name: y, dtype: int8, shape: [10, 10]}
//	  - {name: z, dtype: int8, shape: [10, 10, 10]}
//	nodes:
//	  - name: z
//	    target: aten.mul.Tensor
//	    inputs: [x, y]
//	    input_qparams: {0: {scale: 0.5}, 1: {scale: 0.25}}
//	    output_qparams: {0: {scale: 1.0, zero_point: -3}}
//
// Node inputs are value names, or literal lists of ints (e.g. "inputs: [x, [2, -1]]").
type graphFile struct {
	Name    string      `yaml:"name"`
	Inputs  []string    `yaml:"inputs"`
	Outputs []string    `yaml:"outputs"`
	Values  []valueFile `yaml:"values"`
	Nodes   []nodeFile  `yaml:"nodes"`
}

type valueFile struct {
	Name     string `yaml:"name"`
	DType    string `yaml:"dtype"`
	Shape    []int  `yaml:"shape,flow"`
	DimOrder []int  `yaml:"dim_order,omitempty,flow"`
}

type nodeFile struct {
	Name          string                `yaml:"name"`
	Target        string                `yaml:"target"`
	Inputs        []nodeInputFile       `yaml:"inputs,flow"`
	InputQParams  map[int]quantArgsFile `yaml:"input_qparams,omitempty"`
	OutputQParams map[int]quantArgsFile `yaml:"output_qparams,omitempty"`
}

// quantArgsFile defaults to the full int8 range.
type quantArgsFile struct {
	Scale     float64 `yaml:"scale"`
	ZeroPoint int     `yaml:"zero_point,omitempty"`
	QMin      *int    `yaml:"qmin,omitempty"`
	QMax      *int    `yaml:"qmax,omitempty"`
	DType     string  `yaml:"dtype,omitempty"`
}

// nodeInputFile is either a value name (a YAML scalar) or a literal list (a YAML sequence).
type nodeInputFile NodeInput

// UnmarshalYAML implements yaml.Unmarshaler.
func (in *nodeInputFile) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		return value.Decode(&in.Name)
	case yaml.SequenceNode:
		in.Literal = []int{}
		return value.Decode(&in.Literal)
	default:
		return errors.Errorf("line %d: node input must be a value name or a list of ints", value.Line)
	}
}

// MarshalYAML implements yaml.Marshaler.
func (in nodeInputFile) MarshalYAML() (any, error) {
	if NodeInput(in).IsLiteral() {
		return in.Literal, nil
	}
	return in.Name, nil
}

func (q quantArgsFile) toQuantArgs() (QuantArgs, error) {
	qargs := NewInt8QuantArgs(q.Scale, q.ZeroPoint)
	if q.DType != "" {
		dtype, err := DTypeFromName(q.DType)
		if err != nil {
			return QuantArgs{}, err
		}
		lo, hi, err := integerRange(dtype)
		if err != nil {
			return QuantArgs{}, errors.WithMessagef(err, "quantization dtype %q", q.DType)
		}
		qargs.DType, qargs.QMin, qargs.QMax = dtype, int(lo), int(hi)
	}
	if q.QMin != nil {
		qargs.QMin = *q.QMin
	}
	if q.QMax != nil {
		qargs.QMax = *q.QMax
	}
	if qargs.Scale <= 0 {
		return QuantArgs{}, errors.Errorf("quantization scale must be positive, got %g", qargs.Scale)
	}
	return qargs, nil
}

func quantArgsToFile(q QuantArgs) quantArgsFile {
	qmin, qmax := q.QMin, q.QMax
	return quantArgsFile{Scale: q.Scale, ZeroPoint: q.ZeroPoint, QMin: &qmin, QMax: &qmax, DType: DTypeName(q.DType)}
}

func qparamsFromFile(in map[int]quantArgsFile) (map[int]QuantArgs, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(map[int]QuantArgs, len(in))
	for idx, q := range in {
		qargs, err := q.toQuantArgs()
		if err != nil {
			return nil, errors.WithMessagef(err, "quantization parameters #%d", idx)
		}
		out[idx] = qargs
	}
	return out, nil
}

func qparamsToFile(in map[int]QuantArgs) map[int]quantArgsFile {
	if len(in) == 0 {
		return nil
	}
	out := make(map[int]quantArgsFile, len(in))
	for idx, q := range in {
		out[idx] = quantArgsToFile(q)
	}
	return out
}

// ParseGraphYAML parses a graph in YAML format, rejecting unknown fields, and validates it.
func ParseGraphYAML(data []byte) (*Graph, error) {
	var gf graphFile
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&gf); err != nil {
		return nil, errors.Wrapf(err, "failed to parse graph YAML")
	}

	g := NewGraph(gf.Name)
	g.Inputs = slices.Clone(gf.Inputs)
	g.Outputs = slices.Clone(gf.Outputs)
	for _, vf := range gf.Values {
		if _, found := g.Values[vf.Name]; found {
			return nil, errors.Errorf("graph %q: value %q declared more than once", gf.Name, vf.Name)
		}
		dtype, err := DTypeFromName(vf.DType)
		if err != nil {
			return nil, errors.WithMessagef(err, "graph %q: value %q", gf.Name, vf.Name)
		}
		g.Values[vf.Name] = &Value{Name: vf.Name, Shape: shapes.Make(dtype, vf.Shape...), DimOrder: dimOrderOrNil(vf.DimOrder)}
	}
	for _, nf := range gf.Nodes {
		node := &Node{
			Name:   nf.Name,
			Target: nf.Target,
			Inputs: sliceMap(nf.Inputs, func(in nodeInputFile) NodeInput { return NodeInput(in) }),
		}
		var err error
		if node.Meta.InputQParams, err = qparamsFromFile(nf.InputQParams); err != nil {
			return nil, errors.WithMessagef(err, "graph %q: node %q", gf.Name, nf.Name)
		}
		if node.Meta.OutputQParams, err = qparamsFromFile(nf.OutputQParams); err != nil {
			return nil, errors.WithMessagef(err, "graph %q: node %q", gf.Name, nf.Name)
		}
		g.Nodes = append(g.Nodes, node)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// ReadGraphFile reads and parses a graph YAML file.
func ReadGraphFile(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read graph file %q", path)
	}
	g, err := ParseGraphYAML(data)
	if err != nil {
		return nil, errors.WithMessagef(err, "graph file %q", path)
	}
	return g, nil
}

// MarshalYAML implements yaml.Marshaler. Values are listed in input and node order, followed by any
// other declared values sorted by name.
func (g *Graph) MarshalYAML() (any, error) {
	gf := graphFile{
		Name:    g.Name,
		Inputs:  g.Inputs,
		Outputs: g.Outputs,
	}
	var order []string
	order = append(order, g.Inputs...)
	for _, node := range g.Nodes {
		order = append(order, node.Name)
	}
	var rest []string
	for name := range g.Values {
		if !slices.Contains(order, name) {
			rest = append(rest, name)
		}
	}
	slices.Sort(rest)
	for _, name := range append(order, rest...) {
		v, found := g.Values[name]
		if !found {
			return nil, errors.Errorf("graph %q: value %q is not declared", g.Name, name)
		}
		gf.Values = append(gf.Values, valueFile{
			Name:     v.Name,
			DType:    DTypeName(v.Shape.DType),
			Shape:    v.Shape.Dimensions,
			DimOrder: v.DimOrder,
		})
	}
	for _, node := range g.Nodes {
		gf.Nodes = append(gf.Nodes, nodeFile{
			Name:          node.Name,
			Target:        node.Target,
			Inputs:        sliceMap(node.Inputs, func(in NodeInput) nodeInputFile { return nodeInputFile(in) }),
			InputQParams:  qparamsToFile(node.Meta.InputQParams),
			OutputQParams: qparamsToFile(node.Meta.OutputQParams),
		})
	}
	return gf, nil
}
