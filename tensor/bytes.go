package tensor

import (
	"encoding/binary"
	"math"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/gomlx/shardtrain/types/shapes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Bytes encodes the values in little-endian order using the tensor's dtype, as stored in checkpoint files.
func (t *Tensor) Bytes() ([]byte, error) {
	elemSize := int(t.DType().Size())
	buf := make([]byte, elemSize*len(t.flat))
	if err := EncodeValues(t.DType(), t.flat, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// FromBytes decodes a tensor with the given shape from its little-endian encoding.
func FromBytes(shape shapes.Shape, data []byte) (*Tensor, error) {
	if int(shape.Memory()) != len(data) {
		return nil, errors.Errorf("tensor.FromBytes: shape %s requires %d bytes, got %d", shape, shape.Memory(), len(data))
	}
	t := FromShape(shape)
	if err := DecodeValues(shape.DType, data, t.flat); err != nil {
		return nil, err
	}
	return t, nil
}

// EncodeValues writes values into buf, which must have len(values)*dtype.Size() bytes.
func EncodeValues(dtype dtypes.DType, values []float32, buf []byte) error {
	le := binary.LittleEndian
	switch dtype {
	case dtypes.Float32:
		for i, v := range values {
			le.PutUint32(buf[4*i:], math.Float32bits(v))
		}
	case dtypes.Float64:
		for i, v := range values {
			le.PutUint64(buf[8*i:], math.Float64bits(float64(v)))
		}
	case dtypes.BFloat16:
		for i, v := range values {
			le.PutUint16(buf[2*i:], bfloat16.FromFloat32(v).Bits())
		}
	case dtypes.Float16:
		for i, v := range values {
			le.PutUint16(buf[2*i:], float16.Fromfloat32(v).Bits())
		}
	case dtypes.Int64:
		for i, v := range values {
			le.PutUint64(buf[8*i:], uint64(int64(v)))
		}
	case dtypes.Int32:
		for i, v := range values {
			le.PutUint32(buf[4*i:], uint32(int32(v)))
		}
	case dtypes.Int16:
		for i, v := range values {
			le.PutUint16(buf[2*i:], uint16(int16(v)))
		}
	case dtypes.Int8:
		for i, v := range values {
			buf[i] = byte(int8(v))
		}
	case dtypes.Uint8, dtypes.Bool:
		for i, v := range values {
			buf[i] = byte(v)
		}
	default:
		return errors.Errorf("encoding of dtype %s not supported", dtype)
	}
	return nil
}

// DecodeValues is the inverse of EncodeValues.
func DecodeValues(dtype dtypes.DType, buf []byte, values []float32) error {
	le := binary.LittleEndian
	switch dtype {
	case dtypes.Float32:
		for i := range values {
			values[i] = math.Float32frombits(le.Uint32(buf[4*i:]))
		}
	case dtypes.Float64:
		for i := range values {
			values[i] = float32(math.Float64frombits(le.Uint64(buf[8*i:])))
		}
	case dtypes.BFloat16:
		for i := range values {
			values[i] = bfloat16.FromBits(le.Uint16(buf[2*i:])).Float32()
		}
	case dtypes.Float16:
		for i := range values {
			values[i] = float16.Frombits(le.Uint16(buf[2*i:])).Float32()
		}
	case dtypes.Int64:
		for i := range values {
			values[i] = float32(int64(le.Uint64(buf[8*i:])))
		}
	case dtypes.Int32:
		for i := range values {
			values[i] = float32(int32(le.Uint32(buf[4*i:])))
		}
	case dtypes.Int16:
		for i := range values {
			values[i] = float32(int16(le.Uint16(buf[2*i:])))
		}
	case dtypes.Int8:
		for i := range values {
			values[i] = float32(int8(buf[i]))
		}
	case dtypes.Uint8, dtypes.Bool:
		for i := range values {
			values[i] = float32(buf[i])
		}
	default:
		return errors.Errorf("decoding of dtype %s not supported", dtype)
	}
	return nil
}
