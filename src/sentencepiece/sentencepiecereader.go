package sentencepiece

import (
	"fmt"
	"os"

	"github.com/ypodo/VisualQuestionAnswering/src/protobuf"
)

// Load decodes a sentencepiece tokenizer model file into its pieces and
// normalizer settings.
func Load(vocabFilePath string) (*ModelProto, error) {
	vocabFile, err := os.Open(vocabFilePath)
	if err != nil {
		return nil, err
	}
	defer vocabFile.Close()

	vocabReader, err := protobuf.NewProtobufReader(vocabFile, modelprotoDescriptor)
	if err != nil {
		return nil, err
	}
	modelVal, err := vocabReader.Unmarshal()
	if err != nil {
		return nil, err
	}
	model, ok := modelVal.(*ModelProto)
	if !ok {
		return nil, fmt.Errorf("cannot convert %T to ModelProto", modelVal)
	}
	return model, nil
}
