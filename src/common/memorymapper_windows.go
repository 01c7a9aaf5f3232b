//go:build windows

package common

import (
	"fmt"
	"os"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

// MemoryMapper maps a checkpoint file read-only into the address space,
// so tensors can slice into Data without loading the file up front.
type MemoryMapper struct {
	FilePath      string
	Size          int64
	MappingHandle windows.Handle

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

	// CreateFileMapping splits the size into two uint32 halves. Zero for
	// both maps the whole file, which is the only form that covers
	// checkpoints beyond 4 GB.
	result.MappingHandle, err = windows.CreateFileMapping(windows.Handle(file.Fd()), nil, windows.PAGE_READONLY, 0, 0, nil)
	if err != nil {
		return nil, err
	}

	addr, err := windows.MapViewOfFile(result.MappingHandle, syscall.FILE_MAP_READ, 0, 0, uintptr(0))
	if err != nil {
		windows.CloseHandle(result.MappingHandle)
		return nil, err
	}

	result.Data = unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(result.Size))

	return result, nil
}

// Unmap invalidates every tensor still slicing into Data. Callers must not
// touch mapped weights after this returns.
func (mm *MemoryMapper) Unmap() error {
	if mm.Data == nil {
		return nil
	}
	addr := uintptr(unsafe.Pointer(&mm.Data[0]))
	mm.Data = nil
	if err := windows.UnmapViewOfFile(addr); err != nil {
		return fmt.Errorf("unmapping \"%s\" from memory: %w", mm.FilePath, err)
	}
	return windows.CloseHandle(mm.MappingHandle)
}
