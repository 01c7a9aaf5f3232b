package ml

import (
	"fmt"
	"reflect"
)

// firstError collapses a run of precondition checks into one result.
func firstError(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func checkIsVector(t *Tensor) error {
	if !t.IsVector() {
		return fmt.Errorf("expected a vector, tensor \"%s\" has shape %v", t.Name, t.GetShape())
	}
	return nil
}

func checkIsMatrix(t *Tensor) error {
	if !t.IsMatrix() {
		return fmt.Errorf("expected a matrix, tensor \"%s\" has shape %v", t.Name, t.GetShape())
	}
	return nil
}

func checkSameDataType(a *Tensor, b *Tensor) error {
	if a.DataType != b.DataType {
		return fmt.Errorf("data type mismatch: \"%s\" is %s, \"%s\" is %s", a.Name, a.DataType, b.Name, b.DataType)
	}
	return nil
}

func checkSameShape(a *Tensor, b *Tensor) error {
	if !reflect.DeepEqual(a.Size, b.Size) {
		return fmt.Errorf("shape mismatch: \"%s\" is %v, \"%s\" is %v", a.Name, a.Size, b.Name, b.Size)
	}
	return nil
}
