package ml

import (
	"fmt"
	"math"
	"reflect"

	"github.com/ypodo/VisualQuestionAnswering/src/dtype"
)

// checkOperandType gates the datatypes the elementwise operations compute
// over. Float16 appears only inside quantized blocks, never as an operand.
func checkOperandType(t *Tensor) error {
	switch t.DataType {
	case DT_BF16, DT_F32:
		return nil
	}
	return fmt.Errorf("unsupported tensor datatype %s", t.DataType)
}

// itemFromFloat32 converts val to the in-memory item type of dataType.
func itemFromFloat32(dataType DataType, val float32) (any, error) {
	switch dataType {
	case DT_BF16:
		return dtype.BFloat16fromFloat32(val), nil
	case DT_F32:
		return val, nil
	}
	return nil, fmt.Errorf("unsupported tensor datatype %s", dataType)
}

func scalarToFloat32(scalar any) (float32, error) {
	switch scalar := scalar.(type) {
	case dtype.BFloat16:
		return scalar.Float32(), nil
	case float32:
		return scalar, nil
	}
	return 0, fmt.Errorf("expected scalar of type BFloat16 or float32, got %v (%v)", scalar, reflect.TypeOf(scalar))
}

// applyUnaryF32 maps fn over every item of t in place, computing in float32.
func applyUnaryF32(t *Tensor, fn func(val float32) float32) error {
	return t.Apply(func(val any) any {
		switch val := val.(type) {
		case dtype.BFloat16:
			return dtype.BFloat16fromFloat32(fn(val.Float32()))
		case float32:
			return fn(val)
		}
		return val
	})
}

func ARange(start int, end int, step int, dataType DataType) (*Tensor, error) {
	if start >= end {
		return nil, fmt.Errorf("start value %d must be less than end value %d in ARange", start, end)
	}
	itemCount := int(math.Ceil(float64(end-start) / float64(step)))
	result := NewEmptyTensor([]int{itemCount}, dataType)
	i := 0
	for val := start; val < end; val += step {
		item, err := itemFromFloat32(dataType, float32(val))
		if err != nil {
			return nil, err
		}
		if err := result.SetItem([]int{i}, item); err != nil {
			return nil, err
		}
		i++
	}
	return result, nil
}

func Outer(vec1 *Tensor, vec2 *Tensor) (*Tensor, error) {
	if err := firstError(
		checkIsVector(vec1),
		checkIsVector(vec2),
		checkSameDataType(vec1, vec2),
		checkOperandType(vec1),
	); err != nil {
		return nil, err
	}
	itemSize := vec1.DataType.ItemSize
	result := NewEmptyTensor([]int{vec1.Size[0], vec2.Size[0]}, vec1.DataType)
	for i := 0; i < vec1.Size[0]; i++ {
		rowVal := vec1.GetItemByOffset_AsFloat32(i * itemSize)
		for j := 0; j < vec2.Size[0]; j++ {
			colVal := vec2.GetItemByOffset_AsFloat32(j * itemSize)
			if err := result.SetItem_FromFloat32([]int{i, j}, rowVal*colVal); err != nil {
				return nil, err
			}
		}
	}
	return result, nil
}

func Full(size []int, dataType DataType, fillValue any) (*Tensor, error) {
	result := NewEmptyTensor(size, dataType)
	if err := result.Apply(func(val any) any {
		return fillValue
	}); err != nil {
		return nil, err
	}
	return result, nil
}

func Zeros(size []int, dataType DataType) (*Tensor, error) {
	val, err := itemFromFloat32(dataType, 0)
	if err != nil {
		return nil, err
	}
	return Full(size, dataType, val)
}

func Ones(size []int, dataType DataType) (*Tensor, error) {
	val, err := itemFromFloat32(dataType, 1)
	if err != nil {
		return nil, err
	}
	return Full(size, dataType, val)
}

func ZerosLike(input *Tensor) (*Tensor, error) {
	return Zeros(input.Size, input.DataType)
}

func OnesLike(input *Tensor) (*Tensor, error) {
	return Ones(input.Size, input.DataType)
}

// Polar builds a complex tensor from polar coordinates, item by item.
// See: https://pytorch.org/docs/stable/generated/torch.polar.html
func Polar(abs *Tensor, angle *Tensor) (*Tensor, error) {
	if err := firstError(
		checkSameShape(abs, angle),
		checkSameDataType(abs, angle),
		checkOperandType(abs),
		// Only 2D inputs, which is all the rotary precomputation needs.
		checkIsMatrix(abs),
		checkIsMatrix(angle),
	); err != nil {
		return nil, err
	}
	dst := NewEmptyTensor(abs.Size, DT_COMPLEX)
	for i := 0; i < dst.Size[0]; i++ {
		for j := 0; j < dst.Size[1]; j++ {
			loc := []int{i, j}
			absItem, err := abs.GetItem_AsFloat32(loc)
			if err != nil {
				return nil, err
			}
			angleItem, err := angle.GetItem_AsFloat32(loc)
			if err != nil {
				return nil, err
			}
			realPart := float64(absItem) * math.Cos(float64(angleItem))
			imagPart := float64(absItem) * math.Sin(float64(angleItem))
			if err := dst.SetItem(loc, complex64(complex(realPart, imagPart))); err != nil {
				return nil, err
			}
		}
	}
	return dst, nil
}

// Fwd_Get_Rows gathers one embedding row per token id, copying whole rows
// of raw bytes.
func Fwd_Get_Rows(embedding *Tensor, tokens *Tensor) (*Tensor, error) {
	if err := firstError(
		checkIsMatrix(embedding),
		checkIsVector(tokens),
	); err != nil {
		return nil, err
	}
	if tokens.DataType != DT_UINT16 && tokens.DataType != DT_INT32 {
		return nil, fmt.Errorf("tokens tensor \"%s\" must be %s or %s, got %s", tokens.Name, DT_UINT16, DT_INT32, tokens.DataType)
	}

	sequenceLength := tokens.Size[0]
	embeddingDim := embedding.Size[1]
	dst := NewEmptyTensor([]int{sequenceLength, embeddingDim}, embedding.DataType)

	for i := 0; i < sequenceLength; i++ {
		rowVal, err := tokens.GetItem([]int{i})
		if err != nil {
			return nil, err
		}
		var row int
		switch rowVal := rowVal.(type) {
		case uint16:
			row = int(rowVal)
		case int32:
			row = int(rowVal)
		}
		if row < 0 || row >= embedding.Size[0] {
			return nil, fmt.Errorf("row %d is out of bounds of embedding tensor \"%s\" with shape %v", row, embedding.Name, embedding.Size)
		}
		readStart := embedding.calculateByteOffset([]int{row, 0})
		readEnd := embedding.calculateByteOffset([]int{row + 1, 0})
		writeStart := dst.calculateByteOffset([]int{i, 0})
		copy(dst.RawData[writeStart:], embedding.RawData[readStart:readEnd])
	}
	return dst, nil
}

// TriangularUpper keeps the items on and above the given diagonal, the rest
// of the result stays zero.
// See: https://pytorch.org/docs/stable/generated/torch.triu.html
func TriangularUpper(input *Tensor, diagonal int) (*Tensor, error) {
	rowCount := input.Size[0]
	colCount := input.Size[1]

	dst := NewEmptyTensor(input.Size, input.DataType)
	for i := 0; i < rowCount; i++ {
		for j := 0; j < colCount; j++ {
			if j-i < diagonal {
				continue
			}
			loc := []int{i, j}
			val, _ := input.GetItem(loc)
			if err := dst.SetItem(loc, val); err != nil {
				return nil, err
			}
		}
	}
	return dst, nil
}

// Pow raises each item to the given power. A bfloat16 input is widened to a
// float32 result, Pow feeds the variance term of RMS normalization where
// bfloat16 resolution is not enough.
func Pow(input *Tensor, power float64) (*Tensor, error) {
	if err := checkOperandType(input); err != nil {
		return nil, err
	}
	dstDataType := input.DataType
	if dstDataType == DT_BF16 {
		dstDataType = DT_F32
	}
	inputItemSize := input.DataType.ItemSize

	dst := NewEmptyTensor(input.Size, dstDataType)
	writeOffset := 0
	for readOffset := 0; readOffset < input.GetBytesCount(); readOffset += inputItemSize {
		item := input.GetItemByOffset_AsFloat32(readOffset)
		dst.SetItemByOffset_FromFloat32(writeOffset, float32(math.Pow(float64(item), power)))
		writeOffset += dstDataType.ItemSize
	}
	return dst, nil
}

// Mean reduces the last dimension to the average of its items. The sum is
// accumulated in float32.
func Mean(input *Tensor, dim int, keepdim bool) (*Tensor, error) {
	if dim != -1 && dim != len(input.Size)-1 {
		return nil, fmt.Errorf("function Mean currently supports only the last dimension of input as dim")
	}
	if err := checkOperandType(input); err != nil {
		return nil, err
	}
	dstSize := make([]int, len(input.Size))
	copy(dstSize, input.Size)
	if keepdim {
		dstSize[len(dstSize)-1] = 1
	} else {
		dstSize = dstSize[:len(dstSize)-1]
	}
	itemSize := input.DataType.ItemSize
	dst := NewEmptyTensor(dstSize, input.DataType)
	rowLength := input.Size[len(input.Size)-1]
	rowStride := rowLength * itemSize

	dstOffset := 0
	for rowOffset := 0; rowOffset < input.GetBytesCount(); rowOffset += rowStride {
		rowSum := float32(0)
		for i := 0; i < rowLength; i++ {
			rowSum += input.GetItemByOffset_AsFloat32(rowOffset + i*itemSize)
		}
		dst.SetItemByOffset_FromFloat32(dstOffset, rowSum/float32(rowLength))
		dstOffset += itemSize
	}
	return dst, nil
}

func AddScalar(input *Tensor, scalar any) (*Tensor, error) {
	if err := checkOperandType(input); err != nil {
		return nil, err
	}
	scalarF32, err := scalarToFloat32(scalar)
	if err != nil {
		return nil, err
	}
	dst := DuplicateTensor(input)
	if err := applyUnaryF32(dst, func(val float32) float32 {
		return val + scalarF32
	}); err != nil {
		return nil, err
	}
	return dst, nil
}

func DivToScalar(input *Tensor, scalar any) (*Tensor, error) {
	if err := checkOperandType(input); err != nil {
		return nil, err
	}
	scalarF32, err := scalarToFloat32(scalar)
	if err != nil {
		return nil, err
	}
	dst := DuplicateTensor(input)
	if err := applyUnaryF32(dst, func(val float32) float32 {
		return val / scalarF32
	}); err != nil {
		return nil, err
	}
	return dst, nil
}

// RSqrt replaces each item with the reciprocal of its square root.
// See: https://pytorch.org/docs/stable/generated/torch.rsqrt.html
func RSqrt(input *Tensor) (*Tensor, error) {
	if err := checkOperandType(input); err != nil {
		return nil, err
	}
	dst := DuplicateTensor(input)
	if err := applyUnaryF32(dst, func(val float32) float32 {
		return float32(1 / math.Sqrt(float64(val)))
	}); err != nil {
		return nil, err
	}
	return dst, nil
}

func Add(input *Tensor, other *Tensor) (*Tensor, error) {
	return combineElementwise(input, other,
		func(a, b float32) float32 { return a + b },
		func(a, b complex64) complex64 { return a + b })
}

func MultiplyElementwise(input *Tensor, other *Tensor) (*Tensor, error) {
	return combineElementwise(input, other,
		func(a, b float32) float32 { return a * b },
		func(a, b complex64) complex64 { return a * b })
}

// combineElementwise walks the broadcast pair and writes one combined item
// per reference location. The float path computes in float32 whatever the
// operand datatypes are, the complex path requires both sides complex.
func combineElementwise(input *Tensor, other *Tensor, combineF32 func(a float32, b float32) float32, combineComplex func(a complex64, b complex64) complex64) (*Tensor, error) {
	refTensor, expandingTensor, err := CheckBroadcastable(input, other, true)
	if err != nil {
		return nil, err
	}
	dst := NewEmptyTensor(refTensor.Size, refTensor.DataType)

	if refTensor.DataType == DT_COMPLEX {
		if expandingTensor.DataType != DT_COMPLEX {
			return nil, fmt.Errorf("unsupported tensor datatypes %s and %s", refTensor.DataType, expandingTensor.DataType)
		}
		for iterator := IterateOverTwo(refTensor, expandingTensor, 0); iterator.HasNext(); {
			refLoc, expandingLoc := iterator.Next()
			val1, err := refTensor.GetItem(refLoc)
			if err != nil {
				return nil, err
			}
			val2, err := expandingTensor.GetItem(expandingLoc)
			if err != nil {
				return nil, err
			}
			result := combineComplex(val1.(complex64), val2.(complex64))
			if err := dst.SetItem(refLoc, result); err != nil {
				return nil, err
			}
		}
		return dst, nil
	}

	if err := firstError(
		checkOperandType(refTensor),
		checkOperandType(expandingTensor),
	); err != nil {
		return nil, err
	}
	for iterator := IterateOverTwo(refTensor, expandingTensor, 0); iterator.HasNext(); {
		refLoc, expandingLoc := iterator.Next()
		val1, err := refTensor.GetItem_AsFloat32(refLoc)
		if err != nil {
			return nil, err
		}
		val2, err := expandingTensor.GetItem_AsFloat32(expandingLoc)
		if err != nil {
			return nil, err
		}
		if err := dst.SetItem_FromFloat32(refLoc, combineF32(val1, val2)); err != nil {
			return nil, err
		}
	}
	return dst, nil
}

// LinearTransformation multiplies input by the transpose of weights, which
// are stored as [out_features, in_features] the way torch Linear keeps them.
func LinearTransformation(input *Tensor, weights *Tensor) (*Tensor, error) {
	if err := firstError(
		checkIsMatrix(input),
		checkIsMatrix(weights),
	); err != nil {
		return nil, err
	}
	colsSize := input.Size[1]
	weightsInputSize := weights.Size[1]
	if colsSize != weightsInputSize {
		return nil, fmt.Errorf("columns size %d of input tensor (%v) should be equal with %d input features count of weights tensor (%v)", colsSize, input.Size, weightsInputSize, weights.Size)
	}
	switch weights.DataType {
	case DT_BF16:
		if input.DataType != DT_BF16 {
			return nil, fmt.Errorf("unsupported input tensor datatype %s for weights datatype %s", input.DataType, weights.DataType)
		}
		return linearTransformation_BF16(input, weights)
	case DT_F32:
		if input.DataType != DT_F32 {
			return nil, fmt.Errorf("unsupported input tensor datatype %s for weights datatype %s", input.DataType, weights.DataType)
		}
		return linearTransformation_F32(input, weights)
	case DT_Q8_0:
		if input.DataType != DT_BF16 {
			return nil, fmt.Errorf("unsupported input tensor datatype %s for weights datatype %s", input.DataType, weights.DataType)
		}
		return linearTransformation_Q8_0(input, weights)
	default:
		return nil, fmt.Errorf("unsupported tensor datatype %s", weights.DataType)
	}
}

// MatMul multiplies the two last dimensions as matrices, any leading
// dimensions must match pairwise and are walked as a batch.
// See: https://pytorch.org/docs/stable/generated/torch.matmul.html
func MatMul(input *Tensor, other *Tensor) (*Tensor, error) {
	if len(input.Size) < 2 || len(other.Size) < 2 {
		return nil, fmt.Errorf("tensors must have at least 2 dimensions, got %v and %v", input.Size, other.Size)
	}
	inputColsSize := input.Size[len(input.Size)-1]
	otherRowsSize := other.Size[len(other.Size)-2]
	if inputColsSize != otherRowsSize {
		return nil, fmt.Errorf("columns size %d of input tensor (%v) should be equal with rows size %d of other tensor (%v)", inputColsSize, input.Size, otherRowsSize, other.Size)
	}

	inputBatchShape := input.Size[:len(input.Size)-2]
	otherBatchShape := other.Size[:len(other.Size)-2]
	if !reflect.DeepEqual(inputBatchShape, otherBatchShape) {
		return nil, fmt.Errorf("leading dimensions are not compatible: %v of input tensor (%v) and %v of other tensor (%v)", inputBatchShape, input.Size, otherBatchShape, other.Size)
	}

	if err := checkSameDataType(input, other); err != nil {
		return nil, err
	}
	switch input.DataType {
	case DT_BF16:
		return matMul_BF16(input, other)
	case DT_F32:
		return matMul_F32(input, other)
	default:
		return nil, fmt.Errorf("unsupported tensor datatype %s", input.DataType)
	}
}

// Softmax normalizes each row of the last dimension to a probability
// distribution. The exponent sums are accumulated in float64.
// See: https://pytorch.org/docs/stable/generated/torch.nn.Softmax.html
func Softmax(input *Tensor, dim int) (*Tensor, error) {
	if dim != len(input.Size)-1 {
		return nil, fmt.Errorf("function Softmax currently supports only the last dimension of input as dim")
	}
	if err := checkOperandType(input); err != nil {
		return nil, err
	}
	dst := NewEmptyTensorLike(input, true)
	rowShape := input.Size[:len(input.Size)-1]
	itemSize := input.DataType.ItemSize
	rowStride := input.Size[dim] * itemSize
	for iterator := IterateOverSize(rowShape, 0); iterator.HasNext(); {
		rowLoc := append(iterator.Next(), 0)
		startOffset := input.calculateByteOffset(rowLoc)
		endOffset := startOffset + rowStride

		rowExpSum := float64(0)
		for offset := startOffset; offset < endOffset; offset += itemSize {
			rowExpSum += math.Exp(float64(input.GetItemByOffset_AsFloat32(offset)))
		}
		for offset := startOffset; offset < endOffset; offset += itemSize {
			expVal := math.Exp(float64(input.GetItemByOffset_AsFloat32(offset)))
			dst.SetItemByOffset_FromFloat32(offset, float32(expVal/rowExpSum))
		}
	}
	return dst, nil
}

// Argmax reduces the last dimension to the index of its largest item, as an
// int32 tensor.
// See: https://pytorch.org/docs/stable/generated/torch.argmax.html
func Argmax(input *Tensor, dim int) (*Tensor, error) {
	if dim != len(input.Size)-1 {
		return nil, fmt.Errorf("function Argmax currently supports only the last dimension of input as dim")
	}
	switch input.DataType {
	case DT_BF16, DT_F16, DT_F32:
	default:
		return nil, fmt.Errorf("unsupported tensor datatype %s", input.DataType)
	}
	dstSize := make([]int, len(input.Size))
	copy(dstSize, input.Size)
	dstSize[len(dstSize)-1] = 1

	itemSize := input.DataType.ItemSize
	rowLength := input.Size[len(input.Size)-1]
	rowStride := rowLength * itemSize

	dst := NewEmptyTensor(dstSize, DT_INT32)
	dstOffset := 0
	for rowOffset := 0; rowOffset < input.GetBytesCount(); rowOffset += rowStride {
		maxItemIdx := 0
		maxItem := input.GetItemByOffset_AsFloat32(rowOffset)
		for i := 1; i < rowLength; i++ {
			item := input.GetItemByOffset_AsFloat32(rowOffset + i*itemSize)
			if item > maxItem {
				maxItem = item
				maxItemIdx = i
			}
		}
		if err := dst.SetItemByOffset(dstOffset, int32(maxItemIdx)); err != nil {
			return nil, err
		}
		dstOffset += DT_INT32.ItemSize
	}
	return dst, nil
}

// Transpose swaps two dimensions by copying items into their swapped
// locations.
// See: https://pytorch.org/docs/stable/generated/torch.transpose.html
func Transpose(input *Tensor, dim0 int, dim1 int) (*Tensor, error) {
	if dim0 < 0 || dim0 >= len(input.Size) || dim1 < 0 || dim1 >= len(input.Size) {
		return nil, fmt.Errorf("dimensions %d and %d are out of range for tensor with shape %v", dim0, dim1, input.Size)
	}
	if input.DataType.IsQuantized() {
		return nil, fmt.Errorf("unsupported tensor datatype %s", input.DataType)
	}
	if dim0 == dim1 {
		return DuplicateTensor(input), nil
	}
	dstSize := make([]int, len(input.Size))
	copy(dstSize, input.Size)
	dstSize[dim0], dstSize[dim1] = dstSize[dim1], dstSize[dim0]

	dst := NewEmptyTensorEx(input.Name, dstSize, input.DataType)
	dstLoc := make([]int, len(input.Size))
	for iterator := IterateOver(input, 0); iterator.HasNext(); {
		loc := iterator.Next()
		val, err := input.GetItem(loc)
		if err != nil {
			return nil, err
		}
		copy(dstLoc, loc)
		dstLoc[dim0], dstLoc[dim1] = dstLoc[dim1], dstLoc[dim0]
		if err := dst.SetItem(dstLoc, val); err != nil {
			return nil, err
		}
	}
	return dst, nil
}
