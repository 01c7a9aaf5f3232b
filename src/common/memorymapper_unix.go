//go:build linux || darwin

package common

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// MemoryMapper maps a checkpoint file read-only into the address space,
// so tensors can slice into Data without loading the file up front.
type MemoryMapper struct {
	FilePath string
	Size     int64

	Data []byte
}

func NewMemoryMapper(filePath string) (*MemoryMapper, error) {
	result := &MemoryMapper{
		FilePath: filePath,
	}
	file, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	fileInfo, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat \"%s\": %w", filePath, err)
	}

	result.Size = fileInfo.Size()
	data, err := unix.Mmap(int(file.Fd()), 0, int(result.Size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mapping \"%s\" into memory: %w", filePath, err)
	}
	result.Data = data

	return result, nil
}

// Unmap invalidates every tensor still slicing into Data. Callers must not
// touch mapped weights after this returns.
func (mm *MemoryMapper) Unmap() error {
	if mm.Data == nil {
		return nil
	}
	data := mm.Data
	mm.Data = nil
	if err := unix.Munmap(data); err != nil {
		return fmt.Errorf("unmapping \"%s\" from memory: %w", mm.FilePath, err)
	}
	return nil
}
