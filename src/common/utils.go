package common

import (
	"fmt"
	"math"
	"sync"
)

// Comparison thresholds for the captured reference values in tests, one per
// precision the values were computed at.
const (
	THRESHOLD_EXACT = 0.0
	THRESHOLD_F32   = 1e-4
	THRESHOLD_BF16  = 2e-2
)

// InterfaceToInt converts any integer flavored value to int. Deserialized
// streams carry their integers in whichever width the writer chose.
func InterfaceToInt(val any) (int, error) {
	switch x := val.(type) {
	case int:
		return x, nil
	case int8:
		return int(x), nil
	case int16:
		return int(x), nil
	case int32:
		return int(x), nil
	case int64:
		return int(x), nil
	case uint8:
		return int(x), nil
	case uint16:
		return int(x), nil
	case uint32:
		return int(x), nil
	case uint64:
		return int(x), nil
	}
	return 0, fmt.Errorf("cannot convert value %v to int", val)
}

func InterfaceToBool(val any, defaultValue bool) bool {
	if b, ok := val.(bool); ok {
		return b
	}
	intVal, err := InterfaceToInt(val)
	if err != nil {
		return defaultValue
	}
	return intVal == 1
}

func AlmostEqualFloat32(a float32, b float32, threshold float64) bool {
	// Equal values compare true directly, which covers the infinities.
	if a == b {
		return true
	}
	return math.Abs(float64(a)-float64(b)) <= threshold
}

// WaitGroupDone bridges wg.Wait() to a channel, so completion can take part
// in a select together with context cancellation.
func WaitGroupDone(wg *sync.WaitGroup) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		wg.Wait()
	}()
	return done
}
