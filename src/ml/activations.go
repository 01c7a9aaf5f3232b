package ml

import (
	"fmt"
	"math"

	"github.com/ypodo/VisualQuestionAnswering/src/dtype"
)

// siluTable holds silu(x) for every one of the 65536 bfloat16 bit
// patterns. The feed-forward path activates whole [tokens, hiddenDim]
// tensors, so a table lookup beats computing exp per item.
var siluTable [1 << 16]float32

func init() {
	for bits := 0; bits < len(siluTable); bits++ {
		x := dtype.BFloat16frombits(uint16(bits)).Float64()
		siluTable[bits] = float32(x / (1.0 + math.Exp(-x)))
	}
}

// Silu applies x*sigmoid(x) itemwise. Float32 inputs are activated at
// bfloat16 resolution, which is the precision the weights carry anyway.
func Silu(input *Tensor) (*Tensor, error) {
	itemSize := input.DataType.ItemSize
	dst := NewEmptyTensor(input.Size, input.DataType)
	for offset := 0; offset < input.GetBytesCount(); offset += itemSize {
		switch item := input.GetItemByOffset(offset).(type) {
		case dtype.BFloat16:
			dst.SetItemByOffset(offset, dtype.BFloat16fromFloat32(siluTable[item.Bits()]))
		case float32:
			dst.SetItemByOffset(offset, siluTable[dtype.BFloat16fromFloat32(item).Bits()])
		default:
			return nil, fmt.Errorf("unsupported tensor datatype %s", input.DataType)
		}
	}
	return dst, nil
}
