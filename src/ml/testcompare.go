package ml

import (
	"fmt"
	"reflect"

	"github.com/ypodo/VisualQuestionAnswering/src/common"
	"github.com/ypodo/VisualQuestionAnswering/src/dtype"
)

// CompareTestTensor checks actual against nested slices of expected values,
// item by item within floatThreshold. The tests in this package and in the
// model package capture their reference outputs as nested []float32 (or
// []complex64 for complex tensors) literals and feed them here.
//
// With shorten, every dimension of length 6 or more carries only its first
// and last three entries in the expected slices, which keeps captured
// reference outputs at a manageable size. The actual tensor keeps its full
// shape, the skipped middle entries are simply not compared.
func CompareTestTensor(expected any, expectedSize []int, actual *Tensor, floatThreshold float64, shorten bool) error {
	if expected == nil {
		return fmt.Errorf("expected tensor is nil")
	}
	if actual == nil {
		return fmt.Errorf("actual tensor is nil")
	}
	if !reflect.DeepEqual(expectedSize, actual.Size) {
		return fmt.Errorf("expected size %v, but got %v", expectedSize, actual.Size)
	}
	if err := checkExpectedShape(reflect.ValueOf(expected), expectedSize, shorten); err != nil {
		return err
	}
	loc := make([]int, 0, len(actual.Size))
	return compareDimension(reflect.ValueOf(expected), actual, 0, loc, floatThreshold, shorten)
}

// checkExpectedShape validates the nesting of the expected value against
// expectedSize before any item is read, so a mis-shaped literal fails with a
// shape error instead of a panic deep in the walk.
func checkExpectedShape(expectedArr reflect.Value, expectedSize []int, shorten bool) error {
	for dim, want := range expectedSize {
		if expectedArr.Kind() != reflect.Slice {
			return fmt.Errorf("expected values have %d nested dimensions, want %d", dim, len(expectedSize))
		}
		if shorten && want > 6 {
			want = 6
		}
		if expectedArr.Len() != want {
			return fmt.Errorf("expected values have length %d at dimension %d, want %d (shorten=%v)", expectedArr.Len(), dim, want, shorten)
		}
		if expectedArr.Len() == 0 {
			return nil
		}
		expectedArr = expectedArr.Index(0)
	}
	if expectedArr.Kind() == reflect.Slice {
		return fmt.Errorf("expected values have more than %d nested dimensions", len(expectedSize))
	}
	return nil
}

// shortenedIndex maps an index of the actual tensor to the matching index of
// a shortened expected slice, -1 when the entry was left out of it.
func shortenedIndex(i int, dimSize int, shorten bool) int {
	const keep = 3
	if !shorten || dimSize < 2*keep || i < keep {
		return i
	}
	if i >= dimSize-keep {
		return 2*keep - (dimSize - i)
	}
	return -1
}

// compareDimension walks one dimension of the actual tensor, descending into
// the matching sub-slice of the expected value. loc accumulates the index
// path into the actual tensor.
func compareDimension(expected reflect.Value, actual *Tensor, dim int, loc []int, floatThreshold float64, shorten bool) error {
	if dim < len(actual.Size)-1 {
		for i := 0; i < actual.Size[dim]; i++ {
			expectedIdx := shortenedIndex(i, actual.Size[dim], shorten)
			if expectedIdx == -1 {
				continue
			}
			if err := compareDimension(expected.Index(expectedIdx), actual, dim+1, append(loc, i), floatThreshold, shorten); err != nil {
				return err
			}
		}
		return nil
	}
	if len(actual.Size) == 0 {
		return compareScalar(expected, actual, floatThreshold)
	}
	if actual.DataType == DT_COMPLEX {
		return compareComplexRow(expected, actual, loc, shorten)
	}
	return compareFloatRow(expected, actual, loc, floatThreshold, shorten)
}

func compareFloatRow(expected reflect.Value, actual *Tensor, loc []int, floatThreshold float64, shorten bool) error {
	if actual.DataType.FuncSet == nil {
		return fmt.Errorf("cannot read items of datatype %s", actual.DataType)
	}
	expectedRow, ok := expected.Interface().([]float32)
	if !ok {
		return fmt.Errorf("expected values must be []float32, got %s", expected.Type())
	}
	dim := len(actual.Size) - 1
	loc = append(loc, 0)
	for i := 0; i < actual.Size[dim]; i++ {
		expectedIdx := shortenedIndex(i, actual.Size[dim], shorten)
		if expectedIdx == -1 {
			continue
		}
		loc[dim] = i
		actualItem, err := actual.GetItem_AsFloat32(loc)
		if err != nil {
			return err
		}
		if !common.AlmostEqualFloat32(actualItem, expectedRow[expectedIdx], floatThreshold) {
			return fmt.Errorf("expected %g, but got %g at index: %v", expectedRow[expectedIdx], actualItem, loc)
		}
	}
	return nil
}

func compareComplexRow(expected reflect.Value, actual *Tensor, loc []int, shorten bool) error {
	expectedRow, ok := expected.Interface().([]complex64)
	if !ok {
		return fmt.Errorf("expected values must be []complex64, got %s", expected.Type())
	}
	dim := len(actual.Size) - 1
	loc = append(loc, 0)
	for i := 0; i < actual.Size[dim]; i++ {
		expectedIdx := shortenedIndex(i, actual.Size[dim], shorten)
		if expectedIdx == -1 {
			continue
		}
		loc[dim] = i
		actualItem, err := actual.GetItem(loc)
		if err != nil {
			return err
		}
		actualValue := actualItem.(complex64)
		expectedValue := expectedRow[expectedIdx]
		// Compared through their %.4e rendering, the parts carry rounding
		// noise beyond four digits.
		if fmt.Sprintf("%.4e", actualValue) != fmt.Sprintf("%.4e", expectedValue) {
			return fmt.Errorf("expected %g, but got %g at index: %v", expectedValue, actualValue, loc)
		}
	}
	return nil
}

func compareScalar(expected reflect.Value, actual *Tensor, floatThreshold float64) error {
	expectedValue, ok := expected.Interface().(float32)
	if !ok {
		return fmt.Errorf("expected value must be float32, got %s", expected.Type())
	}
	actualValue := actual.Item().(dtype.BFloat16)
	if !common.AlmostEqualFloat32(actualValue.Float32(), expectedValue, floatThreshold) {
		return fmt.Errorf("expected %g, but got %g", expectedValue, actualValue.Float32())
	}
	return nil
}
