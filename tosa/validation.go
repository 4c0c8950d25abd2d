package tosa

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
)

// This file holds the precondition checks run by the node visitors before emitting anything.
// They all fail with *ValidationError.

// ValidateNumInputs checks that the number of inputs is one of the expected counts.
func ValidateNumInputs(op string, inputs []*Arg, expected ...int) error {
	if slices.Contains(expected, len(inputs)) {
		return nil
	}
	expectedStr := strings.Join(sliceMap(expected, func(n int) string { return fmt.Sprint(n) }), ", ")
	return &ValidationError{
		Op:      op,
		Message: fmt.Sprintf("expected number of input(s) to be [%s], got %d", expectedStr, len(inputs)),
	}
}

// ValidateSameDType checks that all args share the same dtype.
func ValidateSameDType(op string, args []*Arg) error {
	if len(args) == 0 {
		return &ValidationError{Op: op, Message: "input tensor list is empty, cannot validate dtypes"}
	}
	want := args[0].DType()
	for _, arg := range args[1:] {
		if arg.DType() != want {
			return &ValidationError{
				Op: op,
				Message: fmt.Sprintf("expected all tensors to have dtype %s, but found inconsistent dtype %s in %q",
					TosaDTypeName(want), TosaDTypeName(arg.DType()), arg.Name),
			}
		}
	}
	return nil
}

// ValidateValidDType checks that every arg's dtype is one of the allowed dtypes for the specification.
func ValidateValidDType(op string, args []*Arg, allowed []dtypes.DType, spec Specification) error {
	if len(args) == 0 {
		return &ValidationError{Op: op, Message: "input tensor list is empty, cannot validate dtypes"}
	}
	for _, arg := range args {
		if !slices.Contains(allowed, arg.DType()) {
			return &ValidationError{
				Op: op,
				Message: fmt.Sprintf("expected tensor %q to have one of the following dtypes: [%s], got %s for %s",
					arg.Name, strings.Join(sliceMap(allowed, TosaDTypeName), ", "), TosaDTypeName(arg.DType()), spec),
			}
		}
	}
	return nil
}
