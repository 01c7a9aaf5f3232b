package pickle

import (
	"fmt"
)

// BASE_CLASSES maps the pickled class names every checkpoint stream
// references to their Go constructors. FindClassFn hooks are consulted
// first and can override these.
var BASE_CLASSES = map[string]any{
	"collections.OrderedDict": NewPickleDict[any],
}

// PickleDict is a map that remembers the order its keys were first set in,
// mirroring Python's collections.OrderedDict.
type PickleDict[T any] struct {
	keys  []string
	items map[string]T
}

func NewPickleDict[T any]() *PickleDict[T] {
	result := PickleDict[T]{}
	result.items = make(map[string]T)
	return &result
}

func (pd *PickleDict[T]) Get(key string) (T, bool) {
	val, ok := pd.items[key]
	return val, ok
}

func (pd *PickleDict[T]) Set(key string, val T) {
	_, ok := pd.items[key]
	if ok {
		for i, existingKey := range pd.keys {
			if existingKey == key {
				pd.keys = append(pd.keys[:i], pd.keys[i+1:]...)
				break
			}
		}
	}
	pd.keys = append(pd.keys, key)
	pd.items[key] = val
}

func (pd *PickleDict[T]) GetKeys() []string {
	return pd.keys
}

func (pd *PickleDict[T]) Len() int {
	return len(pd.keys)
}

type PickleTuple = []any

// InterfaceToInt widens whichever integer type the unpickler produced to int.
func InterfaceToInt(val any) (int, error) {
	switch x := val.(type) {
	case int:
		return x, nil
	case uint8:
		return int(x), nil
	case uint16:
		return int(x), nil
	case uint32:
		return int(x), nil
	case uint64:
		return int(x), nil
	case int8:
		return int(x), nil
	case int16:
		return int(x), nil
	case int32:
		return int(x), nil
	case int64:
		return int(x), nil
	}
	return 0, fmt.Errorf("cannot convert value %v to int", val)
}

// InterfaceArrToIntArr converts an unpickled tuple of integers to []int.
func InterfaceArrToIntArr(arr []any) ([]int, error) {
	result := make([]int, len(arr))
	for i, val := range arr {
		intVal, err := InterfaceToInt(val)
		if err != nil {
			return nil, err
		}
		result[i] = intVal
	}
	return result, nil
}

// StopSignal carries the unpickled root object out of the dispatch loop.
type StopSignal struct {
	Value *PickleDict[any]
}

func (s *StopSignal) Error() string {
	return fmt.Sprintf("Stop signal: %v", s.Value)
}
