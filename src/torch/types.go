package torch

import (
	"fmt"

	"github.com/ypodo/VisualQuestionAnswering/src/ml"
	"github.com/ypodo/VisualQuestionAnswering/src/pickle"
)

// See: https://github.com/pytorch/pytorch/blob/main/torch/serialization.py

var TORCH_CLASSES = map[string]any{
	"torch._utils._rebuild_tensor_v2": rebuild_tensor_v2,

	"torch.BFloat16Storage": StorageKind{ml.DT_BF16},
	"torch.HalfStorage":     StorageKind{ml.DT_F16},
	"torch.FloatStorage":    StorageKind{ml.DT_F32},
}

type StorageKind struct {
	dataType ml.DataType
}

type StorageDescriptor struct {
	filename    string
	kind        StorageKind
	description string
}

func (sd StorageDescriptor) load(tmr *TorchModelReader, storageOffset int, elmCount int) ([]byte, error) {
	dataType := sd.kind.dataType
	byteOffset := storageOffset * dataType.ItemSize
	byteCount := elmCount * dataType.ItemSize
	return tmr.readZipFileContent(sd.filename, byteOffset, byteCount)
}

// TensorDescriptor is a lazy handle for one tensor entry of the checkpoint.
// The pickled directory only carries shapes and storage references, actual
// bytes are read when Load is called.
type TensorDescriptor struct {
	size          []int
	stride        []int
	dataType      ml.DataType
	description   string
	storageOffset int

	storage StorageDescriptor
}

func (td TensorDescriptor) GetDataType() ml.DataType {
	return td.dataType
}

func (td TensorDescriptor) GetShape() []int {
	return td.size
}

func (td TensorDescriptor) GetElementCount() int {
	result := 1
	for _, shapeItem := range td.size {
		result = result * shapeItem
	}
	return result
}

// Load materializes the described tensor. With memory mapping enabled the
// returned tensor aliases the mapped model file instead of copying.
func (td TensorDescriptor) Load(tmr *TorchModelReader) (*ml.Tensor, error) {
	if len(td.size) == 0 {
		return nil, fmt.Errorf("cannot load zero-dimensional tensor: %s", td.description)
	}
	elmCount := td.stride[0] * td.size[0]
	buf, err := td.storage.load(tmr, td.storageOffset, elmCount)
	if err != nil {
		return nil, fmt.Errorf("cannot load tensor (%s): %w", td.description, err)
	}
	return ml.NewTensor("", td.size, td.stride, td.dataType, buf), nil
}

func rebuild_tensor_v2(storage StorageDescriptor, storageOffset int, size pickle.PickleTuple, stride pickle.PickleTuple,
	requires_grad bool, backward_hooks any, metadata any) (*TensorDescriptor, error) {

	sizeInt, err := pickle.InterfaceArrToIntArr(size)
	if err != nil {
		return nil, err
	}

	strideInt, err := pickle.InterfaceArrToIntArr(stride)
	if err != nil {
		return nil, err
	}
	description := fmt.Sprintf("pickled storage_offset=%d in %s", storageOffset, storage.description)
	return &TensorDescriptor{size: sizeInt, stride: strideInt, dataType: storage.kind.dataType, description: description, storageOffset: storageOffset, storage: storage}, nil
}
