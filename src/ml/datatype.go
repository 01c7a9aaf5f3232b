package ml

import (
	"reflect"

	"github.com/ypodo/VisualQuestionAnswering/src/dtype"
)

// See: https://github.com/ggerganov/llama.cpp/blob/master/convert.py
// See: https://github.com/ggerganov/ggml/blob/master/src/ggml-quants.h

// Items per Q8_0 block.
const QK8_0 = 32

var (
	DT_BF16    = newDataType("BF16", dtype.BFloat16(0), funcSetBF16)
	DT_F16     = newDataType("Float16", dtype.Float16(0), funcSetF16)
	DT_F32     = newDataType("Float32", float32(0), funcSetF32)
	DT_UINT16  = newDataType("UInt16", uint16(0), funcSetUInt16)
	DT_INT32   = newDataType("Int32", int32(0), funcSetInt32)
	DT_COMPLEX = newDataType("Complex", complex64(complex(0.0, 0.0)), complexFuncSet{})

	// Q8_0 tensors store blocks of QK8_0 int8 values behind one float16 scale.
	// Items are not addressable one by one through the func set, the block
	// helpers in quantize.go and the linear transformation kernel read them.
	DT_Q8_0 = DataType{
		Name:      "Q8_0",
		GoType:    reflect.TypeOf(int8(0)),
		ItemSize:  0,
		BlockSize: QK8_0,
		TypeSize:  2 + QK8_0,
		FuncSet:   quantizedFuncSet{},
	}
)

type DataType struct {
	Name      string
	GoType    reflect.Type
	ItemSize  int // bytes per item, 0 for block-quantized types
	BlockSize int // items per block, 1 for plain types
	TypeSize  int // bytes per block, equals ItemSize for plain types
	FuncSet   DataTypeFuncSet
}

func newDataType(name string, itemSample any, funcSet DataTypeFuncSet) DataType {
	result := DataType{
		Name:      name,
		GoType:    reflect.TypeOf(itemSample),
		BlockSize: 1,
		FuncSet:   funcSet,
	}
	result.ItemSize = int(result.GoType.Size())
	result.TypeSize = result.ItemSize
	return result
}

func (dt DataType) IsQuantized() bool {
	return dt.BlockSize > 1
}

func (dt DataType) String() string {
	return dt.Name
}
