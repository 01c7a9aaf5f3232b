package torch

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/ypodo/VisualQuestionAnswering/src/common"
	"github.com/ypodo/VisualQuestionAnswering/src/pickle"
)

// TorchModelReader reads a PyTorch checkpoint file: a Zip archive containing
// one pickled tensor directory (data.pkl) and one raw file per storage.
type TorchModelReader struct {
	modelFilePath  string
	inputZipReader *zip.Reader
	zipCloser      io.Closer
	memoryMapper   *common.MemoryMapper
	dataBasePath   string
}

func NewTorchModelReader(modelFilePath string, useMemoryMapping bool) (*TorchModelReader, error) {
	result := &TorchModelReader{
		modelFilePath: modelFilePath,
	}
	if useMemoryMapping {
		memoryMapper, err := common.NewMemoryMapper(modelFilePath)
		if err != nil {
			return nil, err
		}
		zipReader, err := zip.NewReader(bytes.NewReader(memoryMapper.Data), memoryMapper.Size)
		if err != nil {
			memoryMapper.Unmap()
			return nil, err
		}
		result.memoryMapper = memoryMapper
		result.inputZipReader = zipReader
	} else {
		zipReadCloser, err := zip.OpenReader(modelFilePath)
		if err != nil {
			return nil, err
		}
		result.inputZipReader = &zipReadCloser.Reader
		result.zipCloser = zipReadCloser
	}
	return result, nil
}

// Close releases the file handle of a non-mapped reader. A memory mapping is
// left intact: tensors loaded from it stay valid until the mapping owner
// unmaps it.
func (tmr *TorchModelReader) Close() error {
	if tmr.zipCloser != nil {
		err := tmr.zipCloser.Close()
		tmr.zipCloser = nil
		return err
	}
	return nil
}

func (tmr *TorchModelReader) GetMemoryMapper() *common.MemoryMapper {
	return tmr.memoryMapper
}

func (tmr *TorchModelReader) Load() (*pickle.PickleDict[*TensorDescriptor], error) {
	pklRegexp := regexp.MustCompile(`\.pkl$`)
	pklFileList := tmr.findFilesInZip(pklRegexp)
	if len(pklFileList) != 1 {
		return nil, fmt.Errorf("no .pkl file found in Torch model file \"%s\"", tmr.modelFilePath)
	}
	modelDict, err := tmr.readPickleFile(pklFileList[0])
	if err != nil {
		return nil, err
	}
	result := pickle.NewPickleDict[*TensorDescriptor]()
	for _, key := range modelDict.GetKeys() {
		val, _ := modelDict.Get(key)
		tensorDescriptor, ok := val.(*TensorDescriptor)
		if !ok {
			return nil, fmt.Errorf("entry \"%s\" in Torch model file is %T, not a tensor", key, val)
		}
		result.Set(key, tensorDescriptor)
	}
	return result, nil
}

func (tmr *TorchModelReader) findFilesInZip(fileNameRegexp *regexp.Regexp) []*zip.File {
	result := make([]*zip.File, 0)
	for _, file := range tmr.inputZipReader.File {
		if fileNameRegexp.MatchString(file.Name) {
			result = append(result, file)
		}
	}
	return result
}

func (tmr *TorchModelReader) readPickleFile(inputPickleFile *zip.File) (*pickle.PickleDict[any], error) {
	fileReader, err := inputPickleFile.Open()
	if err != nil {
		return nil, err
	}
	defer fileReader.Close()
	tmr.dataBasePath = inputPickleFile.Name[:len(inputPickleFile.Name)-4]
	pickleReader := pickle.NewPickleReader(fileReader)
	pickleReader.FindClassFn = findClassTorch
	pickleReader.PersistentLoadFn = tmr.persistentLoad
	return pickleReader.Load()
}

// readZipFileContent returns byteCount bytes of the named archive entry,
// starting at byteOffset. When the model file is memory mapped and the entry
// is stored uncompressed, which PyTorch checkpoints are, the returned slice
// aliases the mapping without copying.
func (tmr *TorchModelReader) readZipFileContent(filename string, byteOffset int, byteCount int) ([]byte, error) {
	var foundFile *zip.File
	for _, file := range tmr.inputZipReader.File {
		if file.Name == filename {
			foundFile = file
			break
		}
	}
	if foundFile == nil {
		return nil, fmt.Errorf("file \"%s\" not found in Torch model file", filename)
	}
	if uint64(byteOffset+byteCount) > foundFile.UncompressedSize64 {
		return nil, fmt.Errorf("file \"%s\" has %d bytes, cannot read %d bytes at offset %d", filename, foundFile.UncompressedSize64, byteCount, byteOffset)
	}
	if tmr.memoryMapper != nil && foundFile.Method == zip.Store {
		dataOffset, err := foundFile.DataOffset()
		if err != nil {
			return nil, err
		}
		start := dataOffset + int64(byteOffset)
		return tmr.memoryMapper.Data[start : start+int64(byteCount)], nil
	}
	fileReader, err := foundFile.Open()
	if err != nil {
		return nil, err
	}
	defer fileReader.Close()
	if byteOffset > 0 {
		if _, err := io.CopyN(io.Discard, fileReader, int64(byteOffset)); err != nil {
			return nil, err
		}
	}
	buf := make([]byte, byteCount)
	if _, err := io.ReadFull(fileReader, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func findClassTorch(module string, name string) (any, error) {
	if !strings.HasPrefix(module, "torch") {
		return nil, fmt.Errorf("unknown class \"%s.%s\" not found", module, name)
	}
	result, ok := TORCH_CLASSES[module+"."+name]
	if !ok {
		return nil, fmt.Errorf("unknown class \"%s.%s\" not found", module, name)
	}
	return result, nil
}

func (tmr *TorchModelReader) persistentLoad(pid []any) (any, error) {
	if pid[0] != "storage" {
		return nil, fmt.Errorf("pid[0] must have value \"storage\"")
	}
	kind, ok := pid[1].(StorageKind)
	if !ok {
		return nil, fmt.Errorf("pid[1] must be type of StorageKind")
	}
	filenameStem := pid[2].(string)
	filename := fmt.Sprintf("%s/%s", tmr.dataBasePath, filenameStem)

	foundFile, err := tmr.inputZipReader.Open(filename)
	if err != nil {
		return nil, err
	}
	foundFile.Close()
	description := fmt.Sprintf("storage dataType=%s path-in-zip=%s", kind.dataType.Name, filename)
	return StorageDescriptor{filename: filename, kind: kind, description: description}, nil
}
