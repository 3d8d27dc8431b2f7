package utils

import (
	"fmt"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// DTypeToSafetensors returns the name used in safetensors headers for the dtype.
func DTypeToSafetensors(dtype dtypes.DType) string {
	switch dtype {
	case dtypes.Float64:
		return "F64"
	case dtypes.Float32:
		return "F32"
	case dtypes.Float16:
		return "F16"
	case dtypes.BFloat16:
		return "BF16"
	case dtypes.Int64:
		return "I64"
	case dtypes.Int32:
		return "I32"
	case dtypes.Int16:
		return "I16"
	case dtypes.Int8:
		return "I8"
	case dtypes.Uint8:
		return "U8"
	case dtypes.Bool:
		return "BOOL"
	default:
		return fmt.Sprintf("unknown_dtype<%s>", dtype.String())
	}
}

// SafetensorsToDType is the inverse of DTypeToSafetensors.
func SafetensorsToDType(name string) (dtypes.DType, error) {
	switch name {
	case "F64":
		return dtypes.Float64, nil
	case "F32":
		return dtypes.Float32, nil
	case "F16":
		return dtypes.Float16, nil
	case "BF16":
		return dtypes.BFloat16, nil
	case "I64":
		return dtypes.Int64, nil
	case "I32":
		return dtypes.Int32, nil
	case "I16":
		return dtypes.Int16, nil
	case "I8":
		return dtypes.Int8, nil
	case "U8":
		return dtypes.Uint8, nil
	case "BOOL":
		return dtypes.Bool, nil
	}
	return dtypes.InvalidDType, errors.Errorf("unsupported safetensors dtype %q", name)
}
