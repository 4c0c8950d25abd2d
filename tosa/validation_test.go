package tosa

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testArg(name string, dtype dtypes.DType, dims ...int) *Arg {
	return &Arg{Name: name, Shape: shapes.Make(dtype, dims...), DimOrder: identityDimOrder(len(dims)), Spec: Spec10INT}
}

func requireValidationError(t *testing.T, err error) *ValidationError {
	t.Helper()
	require.Error(t, err)
	var validationErr *ValidationError
	require.True(t, errors.As(err, &validationErr), "want *ValidationError, got %T: %v", err, err)
	return validationErr
}

func TestValidateNumInputs(t *testing.T) {
	a, b, c := testArg("a", dtypes.Int8, 2), testArg("b", dtypes.Int8, 2), testArg("c", dtypes.Int8, 2)
	require.NoError(t, ValidateNumInputs(TargetMul, []*Arg{a, b}, 2))
	require.NoError(t, ValidateNumInputs(TargetMul, []*Arg{a, b, c}, 2, 3))

	err := ValidateNumInputs(TargetMul, []*Arg{a, b, c}, 2)
	validationErr := requireValidationError(t, err)
	assert.Equal(t, TargetMul, validationErr.Op)
	assert.Contains(t, err.Error(), "expected number of input(s) to be [2], got 3")

	err = ValidateNumInputs(TargetMul, nil, 1, 2)
	assert.Contains(t, requireValidationError(t, err).Message, "[1, 2], got 0")
}

func TestValidateSameDType(t *testing.T) {
	require.NoError(t, ValidateSameDType(TargetMul, []*Arg{testArg("a", dtypes.Int8, 2), testArg("b", dtypes.Int8, 3)}))

	err := ValidateSameDType(TargetMul, []*Arg{testArg("a", dtypes.Int8, 2), testArg("b", dtypes.Int32, 2)})
	assert.Contains(t, requireValidationError(t, err).Message, "inconsistent dtype INT32 in \"b\"")

	err = ValidateSameDType(TargetMul, nil)
	assert.Contains(t, requireValidationError(t, err).Message, "empty")
}

func TestValidateValidDType(t *testing.T) {
	allowed := []dtypes.DType{dtypes.Int8, dtypes.Int32}
	require.NoError(t, ValidateValidDType(TargetMul, []*Arg{testArg("a", dtypes.Int32, 2)}, allowed, Spec080BI))

	err := ValidateValidDType(TargetMul, []*Arg{testArg("a", dtypes.Int8, 2), testArg("f", dtypes.Float32, 2)}, allowed, Spec080BI)
	msg := requireValidationError(t, err).Message
	assert.Contains(t, msg, "[INT8, INT32]")
	assert.Contains(t, msg, "got FP32 for TOSA-0.80+BI")

	err = ValidateValidDType(TargetMul, []*Arg{}, allowed, Spec080BI)
	requireValidationError(t, err)
}
