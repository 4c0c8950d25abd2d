package tosa

import (
	"strings"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// dtypeNames maps the names used in graph files to GoMLX dtypes.
var dtypeNames = map[string]dtypes.DType{
	"bool":     dtypes.Bool,
	"int8":     dtypes.Int8,
	"int16":    dtypes.Int16,
	"int32":    dtypes.Int32,
	"int64":    dtypes.Int64,
	"uint8":    dtypes.Uint8,
	"float16":  dtypes.Float16,
	"bfloat16": dtypes.BFloat16,
	"float32":  dtypes.Float32,
}

// DTypeFromName converts a dtype name as used in graph files ("int8", "float32", ...) to a GoMLX dtype.
func DTypeFromName(name string) (dtypes.DType, error) {
	dtype, found := dtypeNames[strings.ToLower(name)]
	if !found {
		return dtypes.InvalidDType, errors.Errorf("unsupported/unknown dtype name %q", name)
	}
	return dtype, nil
}

// DTypeName is the inverse of DTypeFromName.
func DTypeName(dtype dtypes.DType) string {
	for name, dt := range dtypeNames {
		if dt == dtype {
			return name
		}
	}
	return strings.ToLower(dtype.String())
}

// TosaDTypeName returns the name TOSA uses for the dtype, e.g. "INT8" or "FP32".
func TosaDTypeName(dtype dtypes.DType) string {
	switch dtype {
	case dtypes.Bool:
		return "BOOL"
	case dtypes.Int8:
		return "INT8"
	case dtypes.Int16:
		return "INT16"
	case dtypes.Int32:
		return "INT32"
	case dtypes.Int64:
		return "SHAPE"
	case dtypes.Uint8:
		return "UINT8"
	case dtypes.Float16:
		return "FP16"
	case dtypes.BFloat16:
		return "BF16"
	case dtypes.Float32:
		return "FP32"
	default:
		return "UNKNOWN(" + dtype.String() + ")"
	}
}

// integerRange returns the representable range of an integer dtype.
func integerRange(dtype dtypes.DType) (lo, hi int64, err error) {
	switch dtype {
	case dtypes.Int8:
		return -128, 127, nil
	case dtypes.Uint8:
		return 0, 255, nil
	case dtypes.Int16:
		return -32768, 32767, nil
	case dtypes.Int32:
		return -2147483648, 2147483647, nil
	default:
		return 0, 0, errors.Errorf("dtype %s has no integer range", dtype)
	}
}
