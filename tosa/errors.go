package tosa

import (
	"fmt"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
)

// ParseError is returned when a specification token is malformed.
type ParseError struct {
	Token  string
	Reason string
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid TOSA specification %q: %s", e.Token, e.Reason)
}

// UnsupportedOperatorError is returned when no visitor is registered for an operator and specification.
//
// The lowering driver reports such nodes as not delegated.
type UnsupportedOperatorError struct {
	Target string
	Spec   Specification
}

// Error implements the error interface.
func (e *UnsupportedOperatorError) Error() string {
	return fmt.Sprintf("no node visitor registered for %q with %s", e.Target, e.Spec)
}

// ValidationError is returned by the precondition checks (arity, dtypes) before any emission.
type ValidationError struct {
	Op      string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return e.Op + ": " + e.Message
}

// UnsupportedDTypeError is returned by the rescale protocol when an operand's dtype has no rescale path.
type UnsupportedDTypeError struct {
	Operand string
	DType   dtypes.DType
	Want    []dtypes.DType
}

// Error implements the error interface.
func (e *UnsupportedDTypeError) Error() string {
	want := make([]string, len(e.Want))
	for ii, dtype := range e.Want {
		want[ii] = TosaDTypeName(dtype)
	}
	return fmt.Sprintf("rescale of %q: unsupported dtype %s, expected one of [%s]",
		e.Operand, TosaDTypeName(e.DType), strings.Join(want, ", "))
}

// MissingQuantParamsError is returned when a quantized node doesn't carry the quantization parameters
// of an input or output.
type MissingQuantParamsError struct {
	Node  string
	Which string // "input" or "output"
	Index int
}

// Error implements the error interface.
func (e *MissingQuantParamsError) Error() string {
	return fmt.Sprintf("node %q has no %s quantization parameters for index %d", e.Node, e.Which, e.Index)
}
