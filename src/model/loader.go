package model

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/ypodo/VisualQuestionAnswering/src/common"
	"github.com/ypodo/VisualQuestionAnswering/src/ml"
	"github.com/ypodo/VisualQuestionAnswering/src/pickle"
	"github.com/ypodo/VisualQuestionAnswering/src/sentencepiece"
	"github.com/ypodo/VisualQuestionAnswering/src/tiktoken"
	"github.com/ypodo/VisualQuestionAnswering/src/torch"
)

const (
	BYTES_MEGABYTE = 1024 * 1024
	BYTES_GIGABYTE = 1024 * 1024 * 1024
)

// Only the large linear weight matrices are worth quantizing, embeddings
// and norm weights stay in their checkpoint datatype.
var quantizableTensorNameRegexp = regexp.MustCompile(`^(output|layers\.\d+\.(attention\.w[qkvo]|feed_forward\.w[123]))\.weight$`)

type LoadOptions struct {
	// Alias tensor data directly over the checkpoint file instead of
	// copying it to the heap. Requires the zip entries to be stored
	// uncompressed, which is how PyTorch writes them.
	UseMemoryMapping bool

	// Target datatype for the linear weights, e.g. "q8_0". Empty keeps the
	// checkpoint datatype.
	Quantization string
}

func LoadModel(modelDir string) (*Model, error) {
	return LoadModelEx(modelDir, LoadOptions{UseMemoryMapping: true})
}

func LoadModelEx(modelDir string, options LoadOptions) (*Model, error) {
	modelFilePath := filepath.Join(modelDir, "consolidated.00.pth")
	torchModelReader, err := torch.NewTorchModelReader(modelFilePath, options.UseMemoryMapping)
	if err != nil {
		return nil, err
	}
	defer torchModelReader.Close()

	// Tensors alias the memory mapping, so it outlives the reader. It is
	// released by Model.Free, or right here when loading fails midway.
	loadCompleted := false
	if memoryMapper := torchModelReader.GetMemoryMapper(); memoryMapper != nil {
		defer func() {
			if !loadCompleted {
				memoryMapper.Unmap()
			}
		}()
	}

	common.GLogger.ConsolePrintf("Loading model file: \"%s\"...", modelFilePath)
	model := &Model{MemoryMapper: torchModelReader.GetMemoryMapper()}
	if err := loadTensors(torchModelReader, model); err != nil {
		return nil, err
	}
	if err := loadModelArgs(modelDir, model); err != nil {
		return nil, err
	}
	if err := loadVocab(modelDir, model); err != nil {
		return nil, err
	}

	common.GLogger.ConsolePrintf("Found %d tensors in the model.", len(model.Tensors.GetKeys()))

	if err := checkModelArgs(model); err != nil {
		return nil, err
	}

	if options.Quantization != "" {
		targetDataType, err := quantizationDataType(options.Quantization)
		if err != nil {
			return nil, err
		}
		if err := quantizeTensors(model, targetDataType); err != nil {
			return nil, err
		}
	}

	model.ModelArchitecture = ModelArchitectureLlama
	switch {
	case model.ModelArgs.VocabSize >= 128000:
		model.ModelType = ModelType8B
	case model.ModelArgs.N_Layers == 32:
		model.ModelType = ModelType7B
	}

	if model.Transformer, err = NewLlamaTransformer(model); err != nil {
		printMeta(model)
		return nil, err
	}

	printMeta(model)

	loadCompleted = true
	return model, nil
}

func loadTensors(torchModelReader *torch.TorchModelReader, model *Model) error {
	tensorDescriptors, err := torchModelReader.Load()
	if err != nil {
		return err
	}
	tensors := pickle.NewPickleDict[*ml.Tensor]()
	for _, tensorName := range tensorDescriptors.GetKeys() {
		tensorDescriptor, _ := tensorDescriptors.Get(tensorName)
		tensor, err := tensorDescriptor.Load(torchModelReader)
		if err != nil {
			return fmt.Errorf("error while loading tensor \"%s\": %w", tensorName, err)
		}
		tensor.Name = tensorName
		tensors.Set(tensorName, tensor)
	}
	model.Tensors = tensors
	return nil
}

func loadModelArgs(modelDir string, model *Model) error {
	configFilePath := filepath.Join(modelDir, "params.json")
	common.GLogger.ConsolePrintf("Loading model configuration file: \"%s\"...", configFilePath)
	modelArgs, err := loadModelArgsFromFile(configFilePath)
	if err != nil {
		return err
	}
	model.ModelArgs = modelArgs
	common.GLogger.ConsolePrintf("Model configuration: %v", *model.ModelArgs)
	return nil
}

func loadVocab(modelDir string, model *Model) error {
	vocabFilePath := filepath.Join(modelDir, "tokenizer.model")
	common.GLogger.ConsolePrintf("Loading vocabulary/tokens file: \"%s\"...", vocabFilePath)
	vocabKind, err := detectVocabularyFileKind(vocabFilePath)
	if err != nil {
		return err
	}
	switch vocabKind {
	case VocabularyKindTiktoken:
		modelData, err := tiktoken.Load(vocabFilePath)
		if err != nil {
			return err
		}
		model.Vocabulary = NewVocabularyFromTiktoken(modelData)
	default:
		vocabModelProto, err := sentencepiece.Load(vocabFilePath)
		if err != nil {
			return err
		}
		model.Vocabulary = NewVocabularyFromSentencePiece(vocabModelProto)
	}
	common.GLogger.ConsolePrintf("Found %d tokens in the model (%s).", len(model.Vocabulary.IdToToken), model.Vocabulary.Kind)
	return nil
}

// detectVocabularyFileKind distinguishes the two tokenizer model formats
// sharing the "tokenizer.model" file name: tiktoken files are text with one
// "base64Token rank" pair per line, SentencePiece files are binary protobuf.
func detectVocabularyFileKind(vocabFilePath string) (VocabularyKind, error) {
	file, err := os.Open(vocabFilePath)
	if err != nil {
		return VocabularyKindUnknown, err
	}
	defer file.Close()
	fileScanner := bufio.NewScanner(file)
	for fileScanner.Scan() {
		line := strings.TrimSpace(fileScanner.Text())
		if line == "" {
			continue
		}
		lineParts := strings.Split(line, " ")
		if len(lineParts) == 2 {
			if _, err := base64.StdEncoding.DecodeString(lineParts[0]); err == nil {
				if _, err := strconv.Atoi(lineParts[1]); err == nil {
					return VocabularyKindTiktoken, nil
				}
			}
		}
		break
	}
	// Binary content fails the line scan one way or another, which is the
	// expected outcome for a protobuf file.
	return VocabularyKindSentencePiece, nil
}

func quantizationDataType(name string) (ml.DataType, error) {
	switch strings.ToLower(name) {
	case "q8_0":
		return ml.DT_Q8_0, nil
	default:
		return ml.DataType{}, fmt.Errorf("unsupported quantization \"%s\"", name)
	}
}

func quantizeTensors(model *Model, targetDataType ml.DataType) error {
	quantizedCount := 0
	for _, tensorName := range model.Tensors.GetKeys() {
		if !quantizableTensorNameRegexp.MatchString(tensorName) {
			continue
		}
		tensor, _ := model.Tensors.Get(tensorName)
		quantizedTensor, err := ml.Quantize(tensor, targetDataType)
		if err != nil {
			return fmt.Errorf("error while quantizing tensor \"%s\": %w", tensorName, err)
		}
		quantizedTensor.Name = tensorName
		model.Tensors.Set(tensorName, quantizedTensor)
		quantizedCount++
	}
	common.GLogger.ConsolePrintf("Quantized %d tensors to %s.", quantizedCount, targetDataType.Name)
	return nil
}

func checkModelArgs(model *Model) error {
	errList := make([]string, 0)
	modelArgs := model.ModelArgs

	// Compare VocabSize vs. model.Vocabulary.IdToToken length
	if modelArgs.VocabSize < 1 {
		modelArgs.VocabSize = len(model.Vocabulary.IdToToken)
	} else {
		if modelArgs.VocabSize != len(model.Vocabulary.IdToToken) {
			errList = append(errList, fmt.Sprintf("VocabSize=%d and vocabulary model length=%d aren't equal", model.ModelArgs.VocabSize, len(model.Vocabulary.IdToToken)))
		}
	}

	if len(errList) == 0 {
		return nil
	} else {
		return fmt.Errorf("error while checking config and model: %s", errList)
	}
}

func printMeta(model *Model) {
	fmt.Print("\nTensors:\n")
	fmt.Print("=================================\n")
	for i, tensorName := range model.Tensors.GetKeys() {
		tensor, _ := model.Tensors.Get(tensorName)
		fmt.Printf("Tensor %4d: %-48s | %-6s | %v\n", i, tensorName, tensor.DataType.Name, tensor.Size)
	}

	fmt.Print("\nModel Metadata:\n")
	fmt.Print("=================================\n")

	fmt.Printf("Properties from model files:\n")
	fmt.Printf("%-60s = %s\n", "Format", "Torch model")
	fmt.Printf("%-60s = %s\n", "Architecture", model.ModelArchitecture.String())
	fmt.Printf("%-60s = %s\n", "Vocabulary type", model.Vocabulary.Kind.String())

	fmt.Printf("\nProperties from model configuration:\n")

	fmt.Printf("%-60s = %d\n", "VocabSize (tokenizer length)", model.ModelArgs.VocabSize)
	fmt.Printf("%-60s = %d\n", "MaxSequenceLength (max context length)", model.ModelArgs.MaxSequenceLength)
	fmt.Printf("%-60s = %d\n", "Dim (embedding dimension)", model.ModelArgs.Dim)
	fmt.Printf("%-60s = %d\n", "N_Heads (attention head count)", model.ModelArgs.N_Heads)
	n_KVHeadsDefaultStr := ""
	if model.ModelArgs.kvHeadsDefaulted {
		n_KVHeadsDefaultStr = " (set to default value of N_Heads)"
	}
	fmt.Printf("%-60s = %d%s\n", "N_KVHeads (attention head count KV)", model.ModelArgs.N_KVHeads, n_KVHeadsDefaultStr)
	fmt.Printf("%-60s = %d\n", "N_Layers (layer count)", model.ModelArgs.N_Layers)
	fmt.Printf("%-60s = %.1e\n", "NormEpsilon (attention layernorm epsilon)", model.ModelArgs.NormEpsilon)
	fmt.Printf("%-60s = %d\n", "MultipleOf (for feed forward SwiGLU alignment)", model.ModelArgs.MultipleOf)
	if model.ModelArgs.FFNDimMultiplier > -1 {
		fmt.Printf("%-60s = %.1e\n", "FFNDimMultiplier (custom multiplier for hidden dimension)", model.ModelArgs.FFNDimMultiplier)
	} else {
		fmt.Printf("%-60s = %s\n", "FFNDimMultiplier (custom multiplier for hidden dimension)", "None")
	}
	fmt.Printf("%-60s = %.1f\n", "RopeTheta (rotary embedding base frequency)", model.ModelArgs.RopeTheta)
	fmt.Printf("%-60s = %t\n", "UseScaledRope (llama-3.1 frequency scaling)", model.ModelArgs.UseScaledRope)

	fmt.Printf("\nProperties by calculation:\n")

	headDim := -1
	if model.Transformer != nil && len(model.Transformer.Layers) > 0 && model.Transformer.Layers[0].attention != nil {
		headDim = model.Transformer.Layers[0].attention.HeadDim
	}
	fmt.Printf("%-60s = %d\n", "HeadDim (dimension of each attention head)", headDim)

	ffnHiddenDim := -1
	if model.Transformer != nil && len(model.Transformer.Layers) > 0 && model.Transformer.Layers[0].feedForward != nil {
		ffnHiddenDim = model.Transformer.Layers[0].feedForward.FFNHiddenDim
	}

	fmt.Printf("%-60s = %d\n", "FFNHiddenDim (feed forward network hidden layer dimension)", ffnHiddenDim)

	fmt.Printf("\nModel statistics:\n")

	fmt.Printf("%-60s = %s\n", "Model type", model.ModelType.String())
	elementCount := float64(model.GetElementCount())
	fmt.Printf("%-60s = %.2f B\n", "Model element count", elementCount*1e-9)
	bytesCount := float64(model.GetBytesCount())
	bitsPerElement := 8 * bytesCount / elementCount
	if bytesCount < BYTES_GIGABYTE {
		fmt.Printf("%-60s = %.2f MB (%.2f bits per element)\n", "Model size", bytesCount/(BYTES_MEGABYTE), bitsPerElement)
	} else {
		fmt.Printf("%-60s = %.2f GB (%.2f bits per element)\n", "Model size", bytesCount/(BYTES_GIGABYTE), bitsPerElement)
	}

}

func getTensor(model *Model, name string, expectedShape []int) (*ml.Tensor, error) {
	result, ok := model.Tensors.Get(name)
	if !ok {
		return nil, fmt.Errorf("tensor \"%s\" not found", name)
	}
	if fmt.Sprintf("%v", result.Size) != fmt.Sprintf("%v", expectedShape) {
		return nil, fmt.Errorf("tensor \"%s\" has incorrect shape; expected %v, got %v", name, expectedShape, result.Size)
	}
	return result, nil
}

func getLayerTensor(model *Model, nameFormat string, layerIndex int, expectedShape []int) (*ml.Tensor, error) {
	name := fmt.Sprintf(nameFormat, layerIndex)
	return getTensor(model, name, expectedShape)
}
