package ml

import (
	"fmt"
	"math"
	"reflect"
	"unsafe"

	"github.com/ypodo/VisualQuestionAnswering/src/dtype"
)

// DataTypeFuncSet is the per-datatype access kit of a tensor: scalar
// conversions, formatting and raw single-item reads and writes. The
// implementations are stateless values shared by every tensor of their
// datatype.
type DataTypeFuncSet interface {
	IsCompatible(val any) bool
	FromFloat32(val float32) any
	ToFloat32(val any) float32

	ToString(val any) string

	ReadItem(rawDataPtr unsafe.Pointer) any
	WriteItem(rawDataPtr unsafe.Pointer, val any) error

	ReadItem_AsFloat32(rawDataPtr unsafe.Pointer) float32
	WriteItem_FromFloat32(rawDataPtr unsafe.Pointer, val float32)
}

// scalarFuncSet adapts one fixed-size scalar representation to the
// DataTypeFuncSet interface. T is the item type callers see.
type scalarFuncSet[T any] struct {
	name    string
	fromF32 func(float32) T
	toF32   func(T) float32
	read    func(unsafe.Pointer) T
	write   func(unsafe.Pointer, T)
	format  func(T) string
}

func (s scalarFuncSet[T]) IsCompatible(val any) bool {
	_, ok := val.(T)
	return ok
}

func (s scalarFuncSet[T]) FromFloat32(val float32) any {
	return s.fromF32(val)
}

func (s scalarFuncSet[T]) ToFloat32(val any) float32 {
	return s.toF32(val.(T))
}

func (s scalarFuncSet[T]) ToString(val any) string {
	v, ok := val.(T)
	if !ok {
		return fmt.Sprintf("%v", val)
	}
	return s.format(v)
}

func (s scalarFuncSet[T]) ReadItem(rawDataPtr unsafe.Pointer) any {
	return s.read(rawDataPtr)
}

func (s scalarFuncSet[T]) WriteItem(rawDataPtr unsafe.Pointer, val any) error {
	v, ok := val.(T)
	if !ok {
		return fmt.Errorf("incompatible types %s and %v", s.name, reflect.TypeOf(val))
	}
	s.write(rawDataPtr, v)
	return nil
}

func (s scalarFuncSet[T]) ReadItem_AsFloat32(rawDataPtr unsafe.Pointer) float32 {
	return s.toF32(s.read(rawDataPtr))
}

func (s scalarFuncSet[T]) WriteItem_FromFloat32(rawDataPtr unsafe.Pointer, val float32) {
	s.write(rawDataPtr, s.fromF32(val))
}

var (
	funcSetBF16 = scalarFuncSet[dtype.BFloat16]{
		name:    "BFloat16",
		fromF32: dtype.BFloat16fromFloat32,
		toF32:   dtype.BFloat16.Float32,
		read:    func(p unsafe.Pointer) dtype.BFloat16 { return dtype.BFloat16(*(*uint16)(p)) },
		write:   func(p unsafe.Pointer, v dtype.BFloat16) { *(*dtype.BFloat16)(p) = v },
		format:  func(v dtype.BFloat16) string { return fmt.Sprintf("%.4e", v.Float32()) },
	}

	funcSetF16 = scalarFuncSet[dtype.Float16]{
		name:    "Float16",
		fromF32: dtype.Float16fromFloat32,
		toF32:   dtype.Float16.Float32,
		read:    func(p unsafe.Pointer) dtype.Float16 { return dtype.Float16(*(*uint16)(p)) },
		write:   func(p unsafe.Pointer, v dtype.Float16) { *(*dtype.Float16)(p) = v },
		format:  func(v dtype.Float16) string { return fmt.Sprintf("%.4e", v.Float32()) },
	}

	funcSetF32 = scalarFuncSet[float32]{
		name:    "float32",
		fromF32: func(val float32) float32 { return val },
		toF32:   func(val float32) float32 { return val },
		read:    func(p unsafe.Pointer) float32 { return math.Float32frombits(*(*uint32)(p)) },
		write:   func(p unsafe.Pointer, v float32) { *(*uint32)(p) = math.Float32bits(v) },
		format:  func(v float32) string { return fmt.Sprintf("%.4e", v) },
	}

	funcSetUInt16 = scalarFuncSet[uint16]{
		name:    "uint16",
		fromF32: func(val float32) uint16 { return uint16(val) },
		toF32:   func(val uint16) float32 { return float32(val) },
		read:    func(p unsafe.Pointer) uint16 { return *(*uint16)(p) },
		write:   func(p unsafe.Pointer, v uint16) { *(*uint16)(p) = v },
		format:  func(v uint16) string { return fmt.Sprintf("%d", v) },
	}

	funcSetInt32 = scalarFuncSet[int32]{
		name:    "int32",
		fromF32: func(val float32) int32 { return int32(val) },
		toF32:   func(val int32) float32 { return float32(val) },
		read:    func(p unsafe.Pointer) int32 { return int32(*(*uint32)(p)) },
		write:   func(p unsafe.Pointer, v int32) { *(*uint32)(p) = uint32(v) },
		format:  func(v int32) string { return fmt.Sprintf("%d", v) },
	}
)

// complexFuncSet handles complex64 items, stored as a float32 real part
// followed by a float32 imaginary part. The float32 channel of the
// interface carries no meaning for complex data, those methods are inert.
type complexFuncSet struct{}

func (complexFuncSet) IsCompatible(val any) bool {
	_, ok := val.(complex64)
	return ok
}

func (complexFuncSet) FromFloat32(val float32) any { return 0 }

func (complexFuncSet) ToFloat32(val any) float32 { return 0 }

func (complexFuncSet) ToString(val any) string {
	v, ok := val.(complex64)
	if !ok {
		return fmt.Sprintf("%v", val)
	}
	return fmt.Sprintf("%.4e+%.4ej", real(v), imag(v))
}

func (complexFuncSet) ReadItem(rawDataPtr unsafe.Pointer) any {
	realPart := math.Float32frombits(*(*uint32)(rawDataPtr))
	imagPart := math.Float32frombits(*(*uint32)(unsafe.Add(rawDataPtr, unsafe.Sizeof(realPart))))
	return complex(realPart, imagPart)
}

func (complexFuncSet) WriteItem(rawDataPtr unsafe.Pointer, val any) error {
	v, ok := val.(complex64)
	if !ok {
		return fmt.Errorf("incompatible types complex64 and %v", reflect.TypeOf(val))
	}
	realPartBits := math.Float32bits(real(v))
	imagPartBits := math.Float32bits(imag(v))
	*(*uint32)(rawDataPtr) = realPartBits
	*(*uint32)(unsafe.Add(rawDataPtr, unsafe.Sizeof(realPartBits))) = imagPartBits
	return nil
}

func (complexFuncSet) ReadItem_AsFloat32(rawDataPtr unsafe.Pointer) float32 { return 0 }

func (complexFuncSet) WriteItem_FromFloat32(rawDataPtr unsafe.Pointer, val float32) {}

// quantizedFuncSet is the func set of block-quantized datatypes. Single
// items exist only as raw int8 quants for debugging reads, everything
// else goes through the block helpers in quantize.go.
type quantizedFuncSet struct{}

func (quantizedFuncSet) IsCompatible(val any) bool {
	_, ok := val.(int8)
	return ok
}

func (quantizedFuncSet) FromFloat32(val float32) any { return 0 }

func (quantizedFuncSet) ToFloat32(val any) float32 { return 0 }

func (quantizedFuncSet) ToString(val any) string {
	return fmt.Sprintf("%v", val)
}

func (quantizedFuncSet) ReadItem(rawDataPtr unsafe.Pointer) any {
	return *(*int8)(rawDataPtr)
}

func (quantizedFuncSet) WriteItem(rawDataPtr unsafe.Pointer, val any) error {
	return fmt.Errorf("quantized type Q8_0 does not support item writes")
}

func (quantizedFuncSet) ReadItem_AsFloat32(rawDataPtr unsafe.Pointer) float32 { return 0 }

func (quantizedFuncSet) WriteItem_FromFloat32(rawDataPtr unsafe.Pointer, val float32) {}
