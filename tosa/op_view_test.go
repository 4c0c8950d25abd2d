package tosa

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newViewGraph(dtype dtypes.DType, inDims, viewShape, outDims []int) *Graph {
	node := &Node{Name: "z", Target: TargetView, Inputs: []NodeInput{{Name: "x"}, {Literal: viewShape}}}
	return NewGraph("view").
		AddInput("x", shapes.Make(dtype, inDims...)).
		AddNode(node, shapes.Make(dtype, outDims...)).
		AddOutput("z")
}

func TestResolveViewShape(t *testing.T) {
	dims, err := resolveViewShape([]int{2, -1}, 12)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 6}, dims)

	dims, err = resolveViewShape([]int{3, 4}, 12)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4}, dims)

	for _, bad := range [][]int{{-1, -1}, {5, -1}, {3, 5}, {0, -1}, {-2, 6}} {
		_, err = resolveViewShape(bad, 12)
		requireValidationError(t, err)
	}
}

func TestView(t *testing.T) {
	t.Run("AttributeEncoding", func(t *testing.T) {
		program := lowerGraph(t, Spec080BI, newViewGraph(dtypes.Int8, []int{2, 3, 4}, []int{6, -1}, []int{6, 4}))
		require.Len(t, program.Operators(), 1)
		reshape := program.Operators()[0]
		assert.Equal(t, OpReshape, reshape.Op)
		assert.Equal(t, []string{"x"}, reshape.Inputs)
		assert.Equal(t, ReshapeAttribute{NewShape: []int{6, 4}}, reshape.Attr)
	})

	t.Run("OperandEncoding", func(t *testing.T) {
		program := lowerGraph(t, Spec10FP, newViewGraph(dtypes.Float32, []int{2, 3, 4}, []int{-1}, []int{24}))
		reshape := program.Operators()[0]
		assert.Equal(t, []string{"x", "z_shape"}, reshape.Inputs)
		shape, found := program.Tensor("z_shape")
		require.True(t, found)
		assert.Equal(t, []int{24}, constInts(shape.Value))
	})

	t.Run("FloatNeedsFloatProfile", func(t *testing.T) {
		_, _, err := NewLowerer(Spec10INT).WithStrict(true).Lower(
			newViewGraph(dtypes.Float32, []int{2, 3}, []int{3, 2}, []int{3, 2}))
		requireValidationError(t, err)
	})

	t.Run("Bool", func(t *testing.T) {
		program := lowerGraph(t, Spec10INT, newViewGraph(dtypes.Bool, []int{4}, []int{2, 2}, []int{2, 2}))
		assert.Equal(t, 1, program.CountOps(OpReshape))
	})

	t.Run("MismatchedOutput", func(t *testing.T) {
		_, _, err := NewLowerer(Spec080MI).WithStrict(true).Lower(
			newViewGraph(dtypes.Int32, []int{2, 3}, []int{6}, []int{3, 2}))
		requireValidationError(t, err)
	})

	t.Run("ShapeMustBeLiteral", func(t *testing.T) {
		g := NewGraph("view").
			AddInput("x", shapes.Make(dtypes.Int32, 4)).
			AddInput("s", shapes.Make(dtypes.Int32, 2)).
			AddNode(&Node{Name: "z", Target: TargetView, Inputs: []NodeInput{{Name: "x"}, {Name: "s"}}},
				shapes.Make(dtypes.Int32, 2, 2)).
			AddOutput("z")
		_, _, err := NewLowerer(Spec080BI).WithStrict(true).Lower(g)
		requireValidationError(t, err)
	})

	t.Run("Numerics", func(t *testing.T) {
		backend := newTestBackend(t)
		program := lowerGraph(t, Spec10INT, newViewGraph(dtypes.Int32, []int{2, 3}, []int{3, -1}, []int{3, 2}))
		results, err := program.Evaluate(backend, map[string]*tensors.Tensor{
			"x": tensors.FromFlatDataAndDimensions([]int32{1, 2, 3, 4, 5, 6}, 2, 3),
		})
		require.NoError(t, err)
		assert.Equal(t, []int{3, 2}, results["z"].Shape().Dimensions)
		assert.Equal(t, []int32{1, 2, 3, 4, 5, 6}, tensors.MustCopyFlatData[int32](results["z"]))
	})
}
