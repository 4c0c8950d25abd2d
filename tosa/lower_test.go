package tosa

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const targetAtan = "aten.atan.default"

// newChainGraph creates "a = x * y; b = atan(a); c = b + y", where atan has no visitor.
func newChainGraph() *Graph {
	f32 := func(dims ...int) shapes.Shape { return shapes.Make(dtypes.Float32, dims...) }
	return NewGraph("chain").
		AddInput("x", f32(2, 3)).
		AddInput("y", f32(3)).
		AddNode(&Node{Name: "a", Target: TargetMul, Inputs: []NodeInput{{Name: "x"}, {Name: "y"}}}, f32(2, 3)).
		AddNode(&Node{Name: "b", Target: targetAtan, Inputs: []NodeInput{{Name: "a"}}}, f32(2, 3)).
		AddNode(&Node{Name: "c", Target: TargetAdd, Inputs: []NodeInput{{Name: "b"}, {Name: "y"}}}, f32(2, 3)).
		AddOutput("c")
}

func TestLowerPartialDelegation(t *testing.T) {
	program, report, err := NewLowerer(Spec080MI).Lower(newChainGraph())
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "c"}, report.Delegated())
	assert.Equal(t, []string{"b"}, report.NotDelegated())
	require.Len(t, report.Nodes, 3)
	assert.Equal(t, 2, report.Nodes[0].NumOperators)
	assert.Contains(t, report.Nodes[1].Reason, targetAtan)
	assert.Contains(t, report.String(), "2 node(s) delegated, 1 not delegated")

	// The output of the node left to the host becomes a program input, and the value it reads
	// becomes a program output.
	assert.Equal(t, []string{"x", "y", "b"}, program.Inputs)
	assert.Equal(t, []string{"c", "a"}, program.Outputs)
	b, found := program.Tensor("b")
	require.True(t, found)
	assert.Equal(t, KindInput, b.Kind)
	assert.Equal(t, 1, program.CountOps(OpMul))
	assert.Equal(t, 1, program.CountOps(OpAdd))
	require.NoError(t, program.Validate())
}

func TestLowerHostReads(t *testing.T) {
	// "b" reads a graph input and a value that is already a graph output: no extra outputs.
	f32 := shapes.Make(dtypes.Float32, 3)
	g := NewGraph("host").
		AddInput("x", f32).
		AddNode(&Node{Name: "a", Target: TargetAdd, Inputs: []NodeInput{{Name: "x"}, {Name: "x"}}}, f32).
		AddNode(&Node{Name: "b", Target: targetAtan, Inputs: []NodeInput{{Name: "a"}, {Name: "x"}}}, f32).
		AddNode(&Node{Name: "c", Target: targetAtan, Inputs: []NodeInput{{Name: "a"}}}, f32).
		AddOutput("a", "b", "c")
	program, report, err := NewLowerer(Spec10FP).Lower(g)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, report.NotDelegated())
	assert.Equal(t, []string{"a", "b", "c"}, program.Outputs)
}

func TestLowerNameCollision(t *testing.T) {
	// A graph value named like a generated intermediate keeps its name.
	i32 := func(dims ...int) shapes.Shape { return shapes.Make(dtypes.Int32, dims...) }
	g := NewGraph("collide").
		AddInput("x", i32(2, 3)).
		AddInput("y", i32(3)).
		AddNode(&Node{Name: "m", Target: TargetMul, Inputs: []NodeInput{{Name: "x"}, {Name: "y"}}}, i32(2, 3)).
		AddNode(&Node{Name: IntermediatePrefix + "_0", Target: TargetAdd,
			Inputs: []NodeInput{{Name: "m"}, {Name: "x"}}}, i32(2, 3)).
		AddOutput(IntermediatePrefix + "_0")
	program, report, err := NewLowerer(Spec080BI).Lower(g)
	require.NoError(t, err)
	assert.Empty(t, report.NotDelegated())
	require.NoError(t, program.Validate())
	reshape := program.Operators()[0]
	require.Equal(t, OpReshape, reshape.Op)
	assert.NotEqual(t, IntermediatePrefix+"_0", reshape.Outputs[0])

	results, err := program.Evaluate(newTestBackend(t), map[string]*tensors.Tensor{
		"x": tensors.FromFlatDataAndDimensions([]int32{1, 2, 3, 4, 5, 6}, 2, 3),
		"y": tensors.FromFlatDataAndDimensions([]int32{10, 20, 30}, 3),
	})
	require.NoError(t, err)
	assert.Equal(t, []int32{11, 42, 93, 44, 105, 186}, tensors.MustCopyFlatData[int32](results[IntermediatePrefix+"_0"]))
}

func TestProgramDeclareTwice(t *testing.T) {
	program := NewProgram(Spec10INT)
	program.AddInput("x", []int{2}, dtypes.Int32)
	require.Panics(t, func() { program.AddTensor("x", []int{2}, dtypes.Int32) })
	require.Panics(t, func() { program.AddConst([]int{1}, dtypes.Int8, 0, "x") })
	assert.Equal(t, []string{"x"}, program.Inputs)
	require.Len(t, program.Tensors(), 1)

	program.Reserve(IntermediatePrefix + "_0")
	assert.Equal(t, IntermediatePrefix+"_1", program.AddIntermediate([]int{2}, dtypes.Int32).Name)
}

func TestLowerStrict(t *testing.T) {
	_, _, err := NewLowerer(Spec080MI).WithStrict(true).Lower(newChainGraph())
	var unsupported *UnsupportedOperatorError
	require.True(t, errors.As(err, &unsupported))
	assert.Equal(t, targetAtan, unsupported.Target)

	// No visitor is registered for newer specifications.
	spec := MustParseSpecification("TOSA-2.0+INT")
	g := newBinaryGraph(TargetMul, dtypes.Int32, []int{4}, []int{4}, []int{4}, false)
	_, _, err = NewLowerer(spec).WithStrict(true).Lower(g)
	require.True(t, errors.As(err, &unsupported))
	assert.Equal(t, spec, unsupported.Spec)

	_, _, err = NewLowerer(Specification{}).Lower(g)
	require.Error(t, err)
}

func TestLowerRollback(t *testing.T) {
	// The node's output tensor, declared before its visitor runs, is rolled back.
	g := newBinaryGraph(TargetMul, dtypes.Int8, []int{4}, []int{4}, []int{4}, true)
	g.Nodes[0].Meta.OutputQParams = nil
	program, report, err := NewLowerer(Spec10INT).Lower(g)
	require.NoError(t, err)
	assert.Equal(t, []string{"z"}, report.NotDelegated())
	assert.Empty(t, program.Operators())
	assert.Equal(t, []string{"x", "y", "z"}, program.Inputs)
	for _, tensor := range program.Tensors() {
		assert.Equal(t, KindInput, tensor.Kind, tensor.Name)
	}
}

func TestLowerDimOrder(t *testing.T) {
	// Channels-last input: the program declares it in storage order.
	g := NewGraph("nhwc").
		AddInput("x", shapes.Make(dtypes.Int32, 1, 2, 3, 4), 0, 2, 3, 1).
		AddInput("y", shapes.Make(dtypes.Int32, 1, 2, 3, 4), 0, 2, 3, 1).
		AddNode(&Node{Name: "z", Target: TargetSub, Inputs: []NodeInput{{Name: "x"}, {Name: "y"}}},
			shapes.Make(dtypes.Int32, 1, 2, 3, 4), 0, 2, 3, 1).
		AddOutput("z")
	program := lowerGraph(t, Spec080BI, g)
	x, _ := program.Tensor("x")
	z, _ := program.Tensor("z")
	assert.Equal(t, []int{1, 3, 4, 2}, x.Shape.Dimensions)
	assert.Equal(t, []int{1, 3, 4, 2}, z.Shape.Dimensions)
}

func TestLowerNumerics(t *testing.T) {
	backend := newTestBackend(t)
	g := newChainGraph()
	program, _, err := NewLowerer(Spec080MI).Lower(g)
	require.NoError(t, err)
	_, err = program.Evaluate(backend, map[string]*tensors.Tensor{
		"x": tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6}, 2, 3),
	})
	require.Error(t, err, "missing inputs must be reported")

	results, err := program.Evaluate(backend, map[string]*tensors.Tensor{
		"x": tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6}, 2, 3),
		"y": tensors.FromFlatDataAndDimensions([]float32{10, 20, 30}, 3),
		"b": tensors.FromFlatDataAndDimensions([]float32{0, 1, 0, 1, 0, 1}, 2, 3),
	})
	require.NoError(t, err)
	assert.Equal(t, []float32{10, 21, 30, 11, 20, 31}, tensors.MustCopyFlatData[float32](results["c"]))

	_, err = program.Evaluate(backend, map[string]*tensors.Tensor{
		"x": tensors.FromFlatDataAndDimensions([]float32{1, 2, 3}, 3),
		"y": tensors.FromFlatDataAndDimensions([]float32{10, 20, 30}, 3),
		"b": tensors.FromFlatDataAndDimensions([]float32{0, 1, 0, 1, 0, 1}, 2, 3),
	})
	require.Error(t, err, "mis-shaped inputs must be reported")
}

func TestRegistry(t *testing.T) {
	registry := DefaultRegistry()
	keys := registry.Targets()
	assert.Len(t, keys, 16)
	assert.Equal(t, DispatchKey{Target: TargetAdd, Spec: Spec080BI}, keys[0])
	assert.Equal(t, keys, registry.Targets())
	assert.Same(t, registry, DefaultRegistry())

	for _, spec := range []Specification{Spec080BI, Spec080MI, Spec10INT, Spec10FP} {
		for _, target := range []string{TargetMul, TargetView, TargetAdd, TargetSub} {
			v, err := registry.Resolve(target, spec)
			require.NoError(t, err, "%s with %s", target, spec)
			assert.Equal(t, target, v.Target())
			assert.Contains(t, v.Specs(), spec)
		}
	}

	_, err := NewRegistry(&mulVisitor{spec: Spec10INT}, &mulVisitor{spec: Spec10INT})
	require.Error(t, err)

	custom, err := NewRegistry(&mulVisitor{spec: Spec10INT})
	require.NoError(t, err)
	require.Error(t, custom.Register(&mulVisitor{spec: Spec10INT}))
	require.NoError(t, custom.Register(&viewVisitor{spec: Spec10INT}))
	assert.Len(t, custom.Targets(), 2)

	// A lowerer with the custom registry can't lower ADD.
	g := newBinaryGraph(TargetAdd, dtypes.Int32, []int{4}, []int{4}, []int{4}, false)
	_, report, err := NewLowerer(Spec10INT).WithRegistry(custom).Lower(g)
	require.NoError(t, err)
	assert.Equal(t, []string{"z"}, report.NotDelegated())
}
