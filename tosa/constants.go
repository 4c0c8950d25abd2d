package tosa

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// This file holds the conversion of constant values to and from GoMLX tensors.

func shapeSize(shape []int) int {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return size
}

// flatFloat64s converts the values given to Sink.AddConst to a flat []float64 of the given size.
// A scalar value is repeated for every element.
func flatFloat64s(values any, size int) ([]float64, error) {
	var flat []float64
	switch v := values.(type) {
	case int:
		flat = []float64{float64(v)}
	case int8:
		flat = []float64{float64(v)}
	case int16:
		flat = []float64{float64(v)}
	case int32:
		flat = []float64{float64(v)}
	case int64:
		flat = []float64{float64(v)}
	case float32:
		flat = []float64{float64(v)}
	case float64:
		flat = []float64{v}
	case bool:
		flat = []float64{0}
		if v {
			flat[0] = 1
		}
	case []int:
		flat = sliceMap(v, func(e int) float64 { return float64(e) })
	case []int8:
		flat = sliceMap(v, func(e int8) float64 { return float64(e) })
	case []int16:
		flat = sliceMap(v, func(e int16) float64 { return float64(e) })
	case []int32:
		flat = sliceMap(v, func(e int32) float64 { return float64(e) })
	case []int64:
		flat = sliceMap(v, func(e int64) float64 { return float64(e) })
	case []float32:
		flat = sliceMap(v, func(e float32) float64 { return float64(e) })
	case []float64:
		flat = v
	case []uint8:
		flat = sliceMap(v, func(e uint8) float64 { return float64(e) })
	case []bool:
		flat = sliceMap(v, func(e bool) float64 {
			if e {
				return 1
			}
			return 0
		})
	default:
		return nil, errors.Errorf("unsupported constant value type %T", values)
	}
	if len(flat) == 1 && size != 1 {
		fill := flat[0]
		flat = make([]float64, size)
		for ii := range flat {
			flat[ii] = fill
		}
	}
	if len(flat) != size {
		return nil, errors.Errorf("constant has %d values, but its shape requires %d", len(flat), size)
	}
	return flat, nil
}

func convertFlat[T int8 | int16 | int32 | int64 | uint8 | float32 | float64](flat []float64) []T {
	return sliceMap(flat, func(v float64) T { return T(v) })
}

// constTensor creates a GoMLX tensor with the given dtype and shape from the values.
// It panics with an exception if values are not compatible.
func constTensor(dtype dtypes.DType, shape []int, values any) *tensors.Tensor {
	flat, err := flatFloat64s(values, shapeSize(shape))
	if err != nil {
		exceptions.Panicf("constant of dtype %s and shape %v: %v", dtype, shape, err)
	}
	switch dtype {
	case dtypes.Int8:
		return tensors.FromFlatDataAndDimensions(convertFlat[int8](flat), shape...)
	case dtypes.Int16:
		return tensors.FromFlatDataAndDimensions(convertFlat[int16](flat), shape...)
	case dtypes.Int32:
		return tensors.FromFlatDataAndDimensions(convertFlat[int32](flat), shape...)
	case dtypes.Int64:
		return tensors.FromFlatDataAndDimensions(convertFlat[int64](flat), shape...)
	case dtypes.Uint8:
		return tensors.FromFlatDataAndDimensions(convertFlat[uint8](flat), shape...)
	case dtypes.Float32:
		return tensors.FromFlatDataAndDimensions(convertFlat[float32](flat), shape...)
	case dtypes.Float64:
		return tensors.FromFlatDataAndDimensions(convertFlat[float64](flat), shape...)
	case dtypes.Bool:
		return tensors.FromFlatDataAndDimensions(sliceMap(flat, func(v float64) bool { return v != 0 }), shape...)
	default:
		exceptions.Panicf("constants of dtype %s are not supported", dtype)
		panic(nil) // for lint benefit.
	}
}

// constValues returns the flat values of a constant tensor, as a slice of its Go type.
func constValues(t *tensors.Tensor) any {
	switch t.Shape().DType {
	case dtypes.Int8:
		return tensors.MustCopyFlatData[int8](t)
	case dtypes.Int16:
		return tensors.MustCopyFlatData[int16](t)
	case dtypes.Int32:
		return tensors.MustCopyFlatData[int32](t)
	case dtypes.Int64:
		return tensors.MustCopyFlatData[int64](t)
	case dtypes.Uint8:
		return tensors.MustCopyFlatData[uint8](t)
	case dtypes.Float32:
		return tensors.MustCopyFlatData[float32](t)
	case dtypes.Float64:
		return tensors.MustCopyFlatData[float64](t)
	case dtypes.Bool:
		return tensors.MustCopyFlatData[bool](t)
	default:
		exceptions.Panicf("constants of dtype %s are not supported", t.Shape().DType)
		panic(nil) // for lint benefit.
	}
}

// constFloat64s returns the flat values of a constant tensor converted to float64.
func constFloat64s(t *tensors.Tensor) []float64 {
	flat, err := flatFloat64s(constValues(t), t.Shape().Size())
	if err != nil {
		exceptions.Panicf("reading constant shaped %s: %v", t.Shape(), err)
	}
	return flat
}

// constInts returns the flat values of an integer constant tensor.
func constInts(t *tensors.Tensor) []int {
	return sliceMap(constFloat64s(t), func(v float64) int { return int(v) })
}
