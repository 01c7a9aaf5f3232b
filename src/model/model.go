package model

import (
	"github.com/ypodo/VisualQuestionAnswering/src/common"
	"github.com/ypodo/VisualQuestionAnswering/src/ml"
	"github.com/ypodo/VisualQuestionAnswering/src/pickle"
)

// TokenId is an index into the vocabulary.
type TokenId int32

type ModelArchitecture uint8

const (
	ModelArchitectureUnknown ModelArchitecture = 0
	ModelArchitectureLlama   ModelArchitecture = 1
)

func (ma ModelArchitecture) String() string {
	switch ma {
	case ModelArchitectureLlama:
		return "Llama"
	}
	return "UNKNOWN"
}

type ModelType uint8

const (
	ModelTypeUnknown ModelType = 0
	ModelType7B      ModelType = 1
	ModelType8B      ModelType = 2
)

func (mt ModelType) String() string {
	switch mt {
	case ModelType7B:
		return "7B"
	case ModelType8B:
		return "8B"
	}
	return "UNKNOWN"
}

// Model bundles a loaded checkpoint: its tensors keyed by checkpoint name,
// the architecture hyperparameters, the vocabulary and the transformer built
// over them.
type Model struct {
	Tensors    *pickle.PickleDict[*ml.Tensor]
	ModelArgs  *ModelArgs
	Vocabulary *Vocabulary

	Transformer *LlamaTransformer

	ModelArchitecture ModelArchitecture
	ModelType         ModelType

	MemoryMapper *common.MemoryMapper
}

// Free releases the memory mapping backing the tensor data. The model must
// not be used afterwards, every memory-mapped tensor aliases the mapping.
func (m *Model) Free() error {
	if m.MemoryMapper == nil {
		return nil
	}
	return m.MemoryMapper.Unmap()
}

func (m *Model) GetElementCount() int {
	result := 0
	for _, key := range m.Tensors.GetKeys() {
		tensor, _ := m.Tensors.Get(key)
		result += tensor.GetElementCount()
	}
	return result
}

func (m *Model) GetBytesCount() int {
	result := 0
	for _, key := range m.Tensors.GetKeys() {
		tensor, _ := m.Tensors.Get(key)
		result += tensor.GetBytesCount()
	}
	return result
}
