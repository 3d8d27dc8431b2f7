package shapes

import (
	"reflect"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// FromAnyValue attempts to convert a Go "any" value to its expected shape.
// Accepted values are ints, floats, and slices (or multiple levels of slices) of them.
//
// Example:
//
//	shape, _ := shapes.FromAnyValue([][]float32{{0, 0}}) // Returns shape (Float32)[1 2]
func FromAnyValue(v any) (shape Shape, err error) {
	shape, _, err = FlattenAnyValue(v)
	return
}

// FlattenAnyValue is like FromAnyValue, but it also returns the values in row-major order, converted to float64.
//
// It is used to build host tensors from Go literals in tests and tools.
func FlattenAnyValue(v any) (shape Shape, flat []float64, err error) {
	if v == nil {
		return Invalid(), nil, errors.New("cannot convert nil to a shape")
	}
	err = flattenRecursive(&shape, &flat, reflect.ValueOf(v), reflect.TypeOf(v))
	if err != nil {
		return Invalid(), nil, err
	}
	return shape, flat, nil
}

func flattenRecursive(shape *Shape, flat *[]float64, v reflect.Value, t reflect.Type) error {
	if t.Kind() != reflect.Slice {
		dtype := dtypes.FromGoType(t)
		if dtype == dtypes.InvalidDType || !(dtype.IsFloat() || dtype.IsInt()) {
			return errors.Errorf("cannot convert type %q to a shape, only ints and floats are supported", t)
		}
		shape.DType = dtype
		switch {
		case v.CanFloat():
			*flat = append(*flat, v.Float())
		case v.CanInt():
			*flat = append(*flat, float64(v.Int()))
		case v.CanUint():
			*flat = append(*flat, float64(v.Uint()))
		default:
			return errors.Errorf("cannot read value of type %q", t)
		}
		return nil
	}

	if v.Len() == 0 {
		return errors.Errorf("value with empty slice not valid for shape conversion: %T -- the inner dimensions "+
			"cannot be inferred", v.Interface())
	}
	elemType := t.Elem()
	var reference Shape
	for ii := 0; ii < v.Len(); ii++ {
		sub := Shape{}
		if err := flattenRecursive(&sub, flat, v.Index(ii), elemType); err != nil {
			return err
		}
		if ii == 0 {
			reference = sub
			continue
		}
		if !reference.Equal(sub) {
			return errors.Errorf("sub-slices have irregular shapes, found shapes %q, and %q", reference, sub)
		}
	}
	shape.DType = reference.DType
	shape.Dimensions = append([]int{v.Len()}, reference.Dimensions...)
	return nil
}
