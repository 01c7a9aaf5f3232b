package ml

import (
	"fmt"
	"strings"
	"unsafe"
)

type Tensor struct {
	Name     string
	Size     []int
	Stride   []int
	DataType DataType
	RawData  []byte

	ByteStride []int
}

func NewTensor(name string, size []int, stride []int, dataType DataType, rawData []byte) *Tensor {
	return &Tensor{
		Name:       name,
		Size:       size,
		Stride:     stride,
		DataType:   dataType,
		RawData:    rawData,
		ByteStride: calculateByteStride(size, dataType),
	}
}

func NewEmptyTensorEx(name string, size []int, dataType DataType) *Tensor {
	result := NewTensor(name, size, nil, dataType, nil)
	result.RawData = make([]byte, result.GetBytesCount())
	return result
}

func NewEmptyTensor(size []int, dataType DataType) *Tensor {
	return NewEmptyTensorEx("", size, dataType)
}

func NewEmptyTensorLike(input *Tensor, keepName bool) *Tensor {
	name := ""
	if keepName {
		name = input.Name
	}
	return NewEmptyTensorEx(name, input.Size, input.DataType)
}

func DuplicateTensor(input *Tensor) *Tensor {
	result := NewEmptyTensorLike(input, true)
	copy(result.RawData, input.RawData)
	return result
}

func (t *Tensor) GetShape() []int {
	return t.Size
}

func (t *Tensor) GetElementCount() int {
	result := 1
	for _, shapeItem := range t.Size {
		result = result * shapeItem
	}
	return result
}

func (t *Tensor) GetBytesCount() int {
	if t.DataType.IsQuantized() {
		return t.GetElementCount() / t.DataType.BlockSize * t.DataType.TypeSize
	}
	return t.GetElementCount() * t.DataType.ItemSize
}

func (t *Tensor) IsVector() bool {
	return len(t.Size) == 1
}

func (t *Tensor) IsMatrix() bool {
	return len(t.Size) == 2
}

// Item returns the only element of a scalar (or one element) tensor.
func (t *Tensor) Item() any {
	return t.GetItemByOffset(0)
}

func (t *Tensor) GetItem(loc []int) (any, error) {
	if err := t.checkLocation(loc); err != nil {
		return nil, err
	}
	return t.GetItemByOffset(t.calculateByteOffset(loc)), nil
}

func (t *Tensor) SetItem(loc []int, val any) error {
	if err := t.checkLocation(loc); err != nil {
		return err
	}
	return t.SetItemByOffset(t.calculateByteOffset(loc), val)
}

func (t *Tensor) GetItem_AsFloat32(loc []int) (float32, error) {
	if err := t.checkLocation(loc); err != nil {
		return 0, err
	}
	return t.GetItemByOffset_AsFloat32(t.calculateByteOffset(loc)), nil
}

func (t *Tensor) SetItem_FromFloat32(loc []int, val float32) error {
	if err := t.checkLocation(loc); err != nil {
		return err
	}
	t.SetItemByOffset_FromFloat32(t.calculateByteOffset(loc), val)
	return nil
}

func (t *Tensor) GetItemByOffset(offset int) any {
	return t.DataType.FuncSet.ReadItem(unsafe.Pointer(&t.RawData[offset]))
}

func (t *Tensor) SetItemByOffset(offset int, val any) error {
	return t.DataType.FuncSet.WriteItem(unsafe.Pointer(&t.RawData[offset]), val)
}

func (t *Tensor) GetItemByOffset_AsFloat32(offset int) float32 {
	return t.DataType.FuncSet.ReadItem_AsFloat32(unsafe.Pointer(&t.RawData[offset]))
}

func (t *Tensor) SetItemByOffset_FromFloat32(offset int, val float32) {
	t.DataType.FuncSet.WriteItem_FromFloat32(unsafe.Pointer(&t.RawData[offset]), val)
}

func (t *Tensor) Apply(fn func(val any) any) error {
	if t.DataType.IsQuantized() {
		return fmt.Errorf("tensor \"%s\" with datatype %s is not addressable item by item", t.Name, t.DataType)
	}
	itemSize := t.DataType.ItemSize
	for offset := 0; offset < len(t.RawData); offset += itemSize {
		val := fn(t.GetItemByOffset(offset))
		if err := t.SetItemByOffset(offset, val); err != nil {
			return err
		}
	}
	return nil
}

// Reshape returns a new tensor with the given shape, sharing the original raw data.
func (t *Tensor) Reshape(size []int) (*Tensor, error) {
	newElementCount := 1
	for _, shapeItem := range size {
		newElementCount = newElementCount * shapeItem
	}
	if newElementCount != t.GetElementCount() {
		return nil, fmt.Errorf("shape %v is invalid for input of element count %d", size, t.GetElementCount())
	}
	if t.DataType.IsQuantized() && size[len(size)-1]%t.DataType.BlockSize != 0 {
		return nil, fmt.Errorf("shape %v is invalid for tensor with block size %d", size, t.DataType.BlockSize)
	}
	return NewTensor(t.Name, append([]int{}, size...), nil, t.DataType, t.RawData), nil
}

// Slice returns a view over a range of the leading dimension, sharing the
// original raw data. Writes through the view are visible in the original.
func (t *Tensor) Slice(locStart []int, locEnd []int) (*Tensor, error) {
	if len(t.Size) == 0 {
		return nil, fmt.Errorf("tensor \"%s\" is a scalar, it can not be sliced", t.Name)
	}
	if len(locStart) != 1 || len(locEnd) != 1 {
		return nil, fmt.Errorf("function Slice currently supports only slicing over the leading dimension")
	}
	start := locStart[0]
	end := locEnd[0]
	if start < 0 || end > t.Size[0] || start >= end {
		return nil, fmt.Errorf("invalid slice range [%d, %d) for tensor \"%s\" with shape %v", start, end, t.Name, t.Size)
	}
	rowStride := t.GetBytesCount() / t.Size[0]
	newSize := append([]int{end - start}, t.Size[1:]...)
	return NewTensor(t.Name, newSize, nil, t.DataType, t.RawData[start*rowStride:end*rowStride]), nil
}

// ViewAsComplex64WithReshape reinterprets consecutive float32 pairs as
// complex64 values, halving the last dimension. The raw data is shared.
func (t *Tensor) ViewAsComplex64WithReshape() (*Tensor, error) {
	if t.DataType != DT_F32 {
		return nil, fmt.Errorf("tensor \"%s\" must be in datatype %s to be viewed as %s, got %s", t.Name, DT_F32, DT_COMPLEX, t.DataType)
	}
	if len(t.Size) == 0 || t.Size[len(t.Size)-1]%2 != 0 {
		return nil, fmt.Errorf("tensor \"%s\" with shape %v can not be viewed as %s, last dimension must be even", t.Name, t.Size, DT_COMPLEX)
	}
	newSize := append([]int{}, t.Size...)
	newSize[len(newSize)-1] = newSize[len(newSize)-1] / 2
	return NewTensor(t.Name, newSize, nil, DT_COMPLEX, t.RawData), nil
}

// ViewAsFloat32WithReshape is the inverse of ViewAsComplex64WithReshape.
func (t *Tensor) ViewAsFloat32WithReshape() (*Tensor, error) {
	if t.DataType != DT_COMPLEX {
		return nil, fmt.Errorf("tensor \"%s\" must be in datatype %s to be viewed as %s, got %s", t.Name, DT_COMPLEX, DT_F32, t.DataType)
	}
	newSize := append([]int{}, t.Size...)
	newSize[len(newSize)-1] = newSize[len(newSize)-1] * 2
	return NewTensor(t.Name, newSize, nil, DT_F32, t.RawData), nil
}

func (t *Tensor) ToFloat32() (*Tensor, error) {
	switch t.DataType {
	case DT_F32:
		return t, nil
	case DT_BF16, DT_F16:
		srcItemSize := t.DataType.ItemSize
		dstItemSize := DT_F32.ItemSize
		dst := NewEmptyTensorEx(t.Name, t.Size, DT_F32)
		for i := 0; i < t.GetElementCount(); i++ {
			dst.SetItemByOffset_FromFloat32(i*dstItemSize, t.GetItemByOffset_AsFloat32(i*srcItemSize))
		}
		return dst, nil
	case DT_Q8_0:
		return Dequantize(t, DT_F32)
	default:
		return nil, fmt.Errorf("unsupported tensor datatype %s", t.DataType)
	}
}

func (t *Tensor) ToBFloat16() (*Tensor, error) {
	switch t.DataType {
	case DT_BF16:
		return t, nil
	case DT_F32, DT_F16:
		srcItemSize := t.DataType.ItemSize
		dstItemSize := DT_BF16.ItemSize
		dst := NewEmptyTensorEx(t.Name, t.Size, DT_BF16)
		for i := 0; i < t.GetElementCount(); i++ {
			dst.SetItemByOffset_FromFloat32(i*dstItemSize, t.GetItemByOffset_AsFloat32(i*srcItemSize))
		}
		return dst, nil
	case DT_Q8_0:
		return Dequantize(t, DT_BF16)
	default:
		return nil, fmt.Errorf("unsupported tensor datatype %s", t.DataType)
	}
}

func (t *Tensor) String() string {
	if t == nil {
		return "nil"
	}
	name := t.Name
	if name == "" {
		name = "unnamed"
	}
	return fmt.Sprintf("[Tensor \"%s\"](%s, shape=%v)", name, t.DataType, t.Size)
}

// StringLong prints the tensor header followed by the leading items, which is
// enough to eyeball a result in a test failure without dumping megabytes.
func (t *Tensor) StringLong() string {
	const maxItemCount = 24
	var sb strings.Builder
	sb.WriteString(t.String())
	sb.WriteString("\n")
	if t.DataType.IsQuantized() {
		sb.WriteString(fmt.Sprintf("(%d blocks of %d items)", t.GetElementCount()/t.DataType.BlockSize, t.DataType.BlockSize))
		return sb.String()
	}
	itemSize := t.DataType.ItemSize
	elementCount := t.GetElementCount()
	for i := 0; i < elementCount; i++ {
		if i == maxItemCount {
			sb.WriteString(fmt.Sprintf("... (%d items more)", elementCount-maxItemCount))
			break
		}
		sb.WriteString(fmt.Sprintf("%d: %s\n", i, t.DataType.FuncSet.ToString(t.GetItemByOffset(i*itemSize))))
	}
	return sb.String()
}

func (t *Tensor) checkLocation(loc []int) error {
	if len(loc) != len(t.Size) {
		return fmt.Errorf("location %v is not compatible with tensor \"%s\" with shape %v", loc, t.Name, t.Size)
	}
	for dimension, locItem := range loc {
		if locItem < 0 || locItem >= t.Size[dimension] {
			return fmt.Errorf("location %v is out of bounds of tensor \"%s\" with shape %v", loc, t.Name, t.Size)
		}
	}
	return nil
}

func (t *Tensor) calculateByteOffset(loc []int) int {
	result := 0
	for dimension, locItem := range loc {
		result += locItem * t.ByteStride[dimension]
	}
	return result
}

func calculateByteStride(size []int, dataType DataType) []int {
	result := make([]int, len(size))
	if len(size) == 0 {
		return result
	}
	lastDim := len(size) - 1
	if dataType.IsQuantized() {
		// Block-quantized items are not addressable one by one, strides are
		// defined down to one row of whole blocks.
		result[lastDim] = 0
		if lastDim > 0 {
			result[lastDim-1] = size[lastDim] / dataType.BlockSize * dataType.TypeSize
			for dimension := lastDim - 2; dimension >= 0; dimension-- {
				result[dimension] = result[dimension+1] * size[dimension+1]
			}
		}
		return result
	}
	result[lastDim] = dataType.ItemSize
	for dimension := lastDim - 1; dimension >= 0; dimension-- {
		result[dimension] = result[dimension+1] * size[dimension+1]
	}
	return result
}

func CheckBroadcastableOnce(refShape []int, expandingShape []int) bool {
	if len(expandingShape) > len(refShape) {
		return false
	}
	dimDiff := len(refShape) - len(expandingShape)
	for dimension := len(expandingShape) - 1; dimension >= 0; dimension-- {
		if expandingShape[dimension] == 0 {
			return false
		}
		if refShape[dimDiff+dimension]%expandingShape[dimension] != 0 {
			return false
		}
	}
	return true
}

// CheckBroadcastable returns the pair ordered as (reference, expanding). If
// allowSwap is set, the arguments are tried in both orders.
func CheckBroadcastable(input *Tensor, other *Tensor, allowSwap bool) (refTensor *Tensor, expandingTensor *Tensor, err error) {
	if CheckBroadcastableOnce(input.Size, other.Size) {
		return input, other, nil
	}
	if allowSwap && CheckBroadcastableOnce(other.Size, input.Size) {
		return other, input, nil
	}
	return nil, nil, fmt.Errorf("tensors are not broadcastable: \"%s\" is %v, \"%s\" is %v", input.Name, input.Size, other.Name, other.Size)
}
