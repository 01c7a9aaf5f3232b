package pickle

import (
	"bufio"
	"fmt"
	"io"
)

// PickleReader unpickles a Python pickle stream. It keeps the stack, the
// metastack and the memo the protocol's virtual machine runs on, the opcode
// handlers live in the dispatch table.
type PickleReader struct {
	r *bufio.Reader

	proto     byte
	stack     []any
	metastack []any
	memo      map[int]any

	// FindClassFn resolves a GLOBAL opcode's module.name reference. When it
	// is nil or fails, the built-in base classes are tried.
	FindClassFn func(module string, name string) (any, error)
	// PersistentLoadFn resolves a BINPERSID opcode's persistent id, which is
	// how torch checkpoints reference their out-of-band tensor storages.
	PersistentLoadFn func(pid []any) (any, error)
}

func NewPickleReader(fileReader io.Reader) *PickleReader {
	return &PickleReader{
		r:    bufio.NewReader(fileReader),
		memo: map[int]any{},
	}
}

// Load runs the opcode loop until STOP and returns the root object.
func (pr *PickleReader) Load() (*PickleDict[any], error) {
	for {
		key, err := pr.ReadByte()
		if err != nil {
			return nil, err
		}
		if err := dispatch(pr, key); err != nil {
			if stopSignal, ok := err.(*StopSignal); ok {
				return stopSignal.Value, nil
			}
			return nil, err
		}
	}
}

func (pr *PickleReader) Read(byteCount int) ([]byte, error) {
	buf := make([]byte, byteCount)
	if _, err := io.ReadFull(pr.r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (pr *PickleReader) ReadByte() (byte, error) {
	return pr.r.ReadByte()
}

// ReadLine reads up to a newline and returns the line without it.
func (pr *PickleReader) ReadLine() (string, error) {
	line, err := pr.r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return line[:len(line)-1], nil
}

func (pr *PickleReader) Append(item any) {
	pr.stack = append(pr.stack, item)
}

func (pr *PickleReader) persistentLoad(pid []any) (any, error) {
	if pr.PersistentLoadFn == nil {
		return nil, fmt.Errorf("stream contains a persistent id but no PersistentLoadFn is set")
	}
	return pr.PersistentLoadFn(pid)
}

func (pr *PickleReader) findClass(module string, name string) (any, error) {
	var hookErr error
	if pr.FindClassFn != nil {
		result, err := pr.FindClassFn(module, name)
		if err == nil {
			return result, nil
		}
		hookErr = err
	}
	if result, ok := BASE_CLASSES[module+"."+name]; ok {
		return result, nil
	}
	if hookErr != nil {
		return nil, hookErr
	}
	return nil, fmt.Errorf("unknown class \"%s.%s\" not found", module, name)
}
