package tosa

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTosaShape(t *testing.T) {
	assert.Equal(t, []int{2, 3, 4}, TosaShape([]int{2, 3, 4}, []int{0, 1, 2}))
	assert.Equal(t, []int{1, 3, 4, 2}, TosaShape([]int{1, 2, 3, 4}, []int{0, 2, 3, 1}))
	assert.Equal(t, []int{-1, 5}, TosaShape([]int{5, -7}, []int{1, 0}))
	assert.Empty(t, TosaShape(nil, nil))
}

func TestBroadcastShapes(t *testing.T) {
	dims, err := BroadcastShapes([]int{1, 10, 10}, []int{10, 10, 1})
	require.NoError(t, err)
	assert.Equal(t, []int{10, 10, 10}, dims)

	_, err = BroadcastShapes([]int{2, 3}, []int{3, 3})
	require.Error(t, err)
	_, err = BroadcastShapes([]int{3}, []int{3, 3})
	require.Error(t, err)
}

func TestReshapeForBroadcast(t *testing.T) {
	t.Run("RankProperty", func(t *testing.T) {
		for _, tc := range []struct{ lhs, rhs []int }{
			{[]int{10, 10, 10}, []int{10, 10}},
			{[]int{10}, []int{4, 1, 10}},
			{[]int{2, 3, 4, 5}, []int{5}},
			{[]int{7, 7}, []int{7, 7}},
		} {
			program := NewProgram(Spec080BI)
			lhs := program.AddInput("lhs", tc.lhs, dtypes.Int32)
			rhs := program.AddInput("rhs", tc.rhs, dtypes.Int32)
			a, b, err := ReshapeForBroadcast(program, []*Arg{lhs, rhs}, nil)
			require.NoError(t, err)
			assert.Equal(t, a.Rank(), b.Rank(), "%v x %v", tc.lhs, tc.rhs)
			assert.Equal(t, max(len(tc.lhs), len(tc.rhs)), a.Rank())

			if len(tc.lhs) == len(tc.rhs) {
				assert.Same(t, lhs, a)
				assert.Same(t, rhs, b)
				assert.Empty(t, program.Operators())
				continue
			}
			require.Len(t, program.Operators(), 1)
			reshape := program.Operators()[0]
			assert.Equal(t, OpReshape, reshape.Op)
			newShape := reshape.Attr.(ReshapeAttribute).NewShape
			if len(tc.lhs) < len(tc.rhs) {
				assert.Equal(t, "lhs", reshape.Inputs[0])
				assert.Same(t, rhs, b)
				assert.Equal(t, newShape, a.Dims())
			} else {
				assert.Equal(t, "rhs", reshape.Inputs[0])
				assert.Same(t, lhs, a)
				assert.Equal(t, newShape, b.Dims())
			}
		}
	})

	t.Run("LeadingOnes", func(t *testing.T) {
		program := NewProgram(Spec080BI)
		lhs := program.AddInput("lhs", []int{10, 10, 10}, dtypes.Int8)
		rhs := program.AddInput("rhs", []int{10, 10}, dtypes.Int8)
		_, b, err := ReshapeForBroadcast(program, []*Arg{lhs, rhs}, nil)
		require.NoError(t, err)
		assert.Equal(t, []int{1, 10, 10}, b.Dims())
		assert.Equal(t, dtypes.Int8, b.DType())
	})

	t.Run("DimOrder", func(t *testing.T) {
		program := NewProgram(Spec080BI)
		lhs := program.AddInput("lhs", []int{2, 3, 4, 5}, dtypes.Int32)
		rhs := program.AddInput("rhs", []int{3, 4, 5}, dtypes.Int32)
		_, b, err := ReshapeForBroadcast(program, []*Arg{lhs, rhs}, []int{0, 2, 3, 1})
		require.NoError(t, err)
		assert.Equal(t, []int{1, 4, 5, 3}, b.Dims())
	})

	t.Run("OperandEncoding", func(t *testing.T) {
		program := NewProgram(Spec10INT)
		lhs := program.AddInput("lhs", []int{4, 4}, dtypes.Int32)
		rhs := program.AddInput("rhs", []int{4}, dtypes.Int32)
		_, b, err := ReshapeForBroadcast(program, []*Arg{lhs, rhs}, nil)
		require.NoError(t, err)
		reshape := program.Operators()[0]
		assert.Nil(t, reshape.Attr)
		require.Equal(t, []string{"rhs", b.Name + "_shape"}, reshape.Inputs)
		shapeConst, found := program.Tensor(b.Name + "_shape")
		require.True(t, found)
		assert.Equal(t, KindConst, shapeConst.Kind)
		assert.Equal(t, dtypes.Int64, shapeConst.Shape.DType)
		assert.Equal(t, []int{1, 4}, constInts(shapeConst.Value))
	})

	t.Run("WrongNumberOfOperands", func(t *testing.T) {
		program := NewProgram(Spec080BI)
		lhs := program.AddInput("lhs", []int{4}, dtypes.Int32)
		_, _, err := ReshapeForBroadcast(program, []*Arg{lhs}, nil)
		require.Error(t, err)
	})
}
