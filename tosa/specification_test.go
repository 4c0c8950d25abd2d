package tosa

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSpecification(t *testing.T) {
	t.Run("RoundTrip", func(t *testing.T) {
		for _, token := range []string{"TOSA-0.80+BI", "TOSA-0.80+MI", "TOSA-1.0+INT", "TOSA-1.0+FP", "TOSA-2.0+INT", "TOSA-10.25+FP"} {
			spec, err := ParseSpecification(token)
			require.NoError(t, err, "token %q", token)
			assert.Equal(t, token, spec.String())
		}
	})

	t.Run("Values", func(t *testing.T) {
		spec, err := ParseSpecification("TOSA-0.80+BI")
		require.NoError(t, err)
		assert.Equal(t, Spec080BI, spec)
		assert.True(t, spec.Is080())
		assert.False(t, spec.Is10())
		assert.False(t, spec.SupportsFloat())

		spec, err = ParseSpecification("TOSA-1.0+FP")
		require.NoError(t, err)
		assert.Equal(t, Spec10FP, spec)
		assert.True(t, spec.Is10())
		assert.True(t, spec.SupportsFloat())
	})

	t.Run("Malformed", func(t *testing.T) {
		for _, token := range []string{
			"", "TOSA-0.80", "tosa-0.80+BI", "TOSA-0.080+BI", "TOSA-00.80+BI", "TOSA-1+INT",
			"TOSA-1.0+XX", "TOSA-1.0+int", "TOSA-a.0+INT", "TOSA-1.-1+INT", "TOSA-1.0+",
		} {
			_, err := ParseSpecification(token)
			require.Error(t, err, "token %q", token)
			var parseErr *ParseError
			require.True(t, errors.As(err, &parseErr), "token %q: want *ParseError, got %T", token, err)
			assert.Equal(t, token, parseErr.Token)
		}
	})

	t.Run("Reasons", func(t *testing.T) {
		for token, reason := range map[string]string{
			"TOSA-0.080+BI": "invalid minor version: \"080\" has leading zeros",
			"TOSA-a.0+INT":  "invalid major version: \"a\" is not a decimal number",
			"TOSA-.0+INT":   "invalid major version: empty number",
		} {
			_, err := ParseSpecification(token)
			var parseErr *ParseError
			require.True(t, errors.As(err, &parseErr), "token %q", token)
			assert.Equal(t, reason, parseErr.Reason, "token %q", token)
		}
	})

	t.Run("Must", func(t *testing.T) {
		assert.Equal(t, Spec10INT, MustParseSpecification("TOSA-1.0+INT"))
		assert.Panics(t, func() { _ = MustParseSpecification("TOSA-1.0") })
	})
}

func TestSpecificationIsComparable(t *testing.T) {
	counts := map[Specification]int{}
	for _, token := range []string{"TOSA-1.0+INT", "TOSA-1.0+INT", "TOSA-0.80+BI"} {
		counts[MustParseSpecification(token)]++
	}
	assert.Equal(t, 2, counts[Spec10INT])
	assert.Equal(t, 1, counts[Spec080BI])
	assert.True(t, Specification{}.IsZero())
	assert.False(t, Spec080MI.IsZero())
}
