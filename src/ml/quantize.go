package ml

import (
	"encoding/binary"
	"fmt"

	"github.com/chewxy/math32"

	"github.com/ypodo/VisualQuestionAnswering/src/dtype"
)

// See: https://github.com/ggerganov/ggml/blob/master/src/ggml-quants.c (quantize_row_q8_0_ref)

// Quantize converts a BF16 or F32 tensor into a block-quantized one. Each
// block of QK8_0 items is scaled by amax/127 and stored as a float16 scale
// followed by the int8 quants.
func Quantize(input *Tensor, targetDataType DataType) (*Tensor, error) {
	if targetDataType != DT_Q8_0 {
		return nil, fmt.Errorf("unsupported target datatype %s for quantization", targetDataType)
	}
	if input.DataType != DT_BF16 && input.DataType != DT_F32 {
		return nil, fmt.Errorf("unsupported tensor datatype %s for quantization", input.DataType)
	}
	if len(input.Size) == 0 || input.Size[len(input.Size)-1]%targetDataType.BlockSize != 0 {
		return nil, fmt.Errorf("tensor \"%s\" with shape %v can not be quantized, last dimension must be a multiple of block size %d", input.Name, input.Size, targetDataType.BlockSize)
	}
	inputItemSize := input.DataType.ItemSize
	dst := NewEmptyTensorEx(input.Name, input.Size, targetDataType)
	blockCount := input.GetElementCount() / targetDataType.BlockSize
	var blockItems [QK8_0]float32
	for blockIdx := 0; blockIdx < blockCount; blockIdx++ {
		amax := float32(0)
		for itemIdx := 0; itemIdx < QK8_0; itemIdx++ {
			itemF32 := input.GetItemByOffset_AsFloat32((blockIdx*QK8_0 + itemIdx) * inputItemSize)
			blockItems[itemIdx] = itemF32
			if abs := math32.Abs(itemF32); abs > amax {
				amax = abs
			}
		}
		scale := amax / 127
		invScale := float32(0)
		if scale != 0 {
			invScale = 1 / scale
		}
		blockOffset := blockIdx * targetDataType.TypeSize
		binary.LittleEndian.PutUint16(dst.RawData[blockOffset:], dtype.Float32ToFloat16bits(scale))
		for itemIdx := 0; itemIdx < QK8_0; itemIdx++ {
			dst.RawData[blockOffset+2+itemIdx] = byte(int8(math32.Round(blockItems[itemIdx] * invScale)))
		}
	}
	return dst, nil
}

// Dequantize expands a block-quantized tensor back into BF16 or F32 items.
func Dequantize(input *Tensor, targetDataType DataType) (*Tensor, error) {
	if input.DataType != DT_Q8_0 {
		return nil, fmt.Errorf("unsupported tensor datatype %s for dequantization", input.DataType)
	}
	if targetDataType != DT_BF16 && targetDataType != DT_F32 {
		return nil, fmt.Errorf("unsupported target datatype %s for dequantization", targetDataType)
	}
	dstItemSize := targetDataType.ItemSize
	dst := NewEmptyTensorEx(input.Name, input.Size, targetDataType)
	blockCount := input.GetElementCount() / input.DataType.BlockSize
	for blockIdx := 0; blockIdx < blockCount; blockIdx++ {
		blockOffset := blockIdx * input.DataType.TypeSize
		scale := dtype.Float16bitsToFloat32(binary.LittleEndian.Uint16(input.RawData[blockOffset:]))
		for itemIdx := 0; itemIdx < QK8_0; itemIdx++ {
			itemF32 := scale * float32(int8(input.RawData[blockOffset+2+itemIdx]))
			dst.SetItemByOffset_FromFloat32((blockIdx*QK8_0+itemIdx)*dstItemSize, itemF32)
		}
	}
	return dst, nil
}
