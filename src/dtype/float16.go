package dtype

import (
	"encoding/binary"
	"strconv"

	"github.com/x448/float16"
)

// Float16 is IEEE 754 half precision: 5 exponent bits and 10 mantissa
// bits, the format Q8_0 block scales and Half checkpoint storages use.
// Conversions go through github.com/x448/float16 for correct rounding,
// subnormals and infinities.
type Float16 uint16

func (f Float16) Bits() uint16 {
	return uint16(f)
}

func (f Float16) Float32() float32 {
	return float16.Frombits(uint16(f)).Float32()
}

func (f Float16) Float64() float64 {
	return float64(f.Float32())
}

func (f Float16) String() string {
	return strconv.FormatFloat(f.Float64(), 'f', -1, 32)
}

func Float16fromFloat32(f32 float32) Float16 {
	return Float16(float16.Fromfloat32(f32).Bits())
}

func Float16frombits(b16 uint16) Float16 {
	return Float16(b16)
}

func ReadFloat16LittleEndian(b []byte) Float16 {
	return Float16(binary.LittleEndian.Uint16(b))
}

func ReadFloat16BigEndian(b []byte) Float16 {
	return Float16(binary.BigEndian.Uint16(b))
}

func WriteFloat16LittleEndian(b []byte, v Float16) {
	binary.LittleEndian.PutUint16(b, v.Bits())
}

func WriteFloat16BigEndian(b []byte, v Float16) {
	binary.BigEndian.PutUint16(b, v.Bits())
}

func Float16bitsToFloat32(b16 uint16) float32 {
	return float16.Frombits(b16).Float32()
}

func Float32ToFloat16bits(f32 float32) uint16 {
	return float16.Fromfloat32(f32).Bits()
}
