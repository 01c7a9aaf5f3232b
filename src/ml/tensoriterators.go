package ml

// TensorIterator walks every location of a shape in row-major order.
// Trailing ignored dimensions stay zero, so one step then visits one
// sub-tensor of that rank instead of one item. Next returns the
// iterator's own location buffer; callers that hand it to a goroutine or
// keep it across steps must copy it.
type TensorIterator struct {
	size      []int
	loc       []int
	lastDim   int
	remaining int64
}

func IterateOverSize(size []int, ignoreTrailingDimensions int) *TensorIterator {
	walked := size[:len(size)-ignoreTrailingDimensions]
	remaining := int64(1)
	for _, dimensionSize := range walked {
		remaining *= int64(dimensionSize)
	}
	// The odometer spins only up to the last dimension bigger than 1,
	// locations right of it are always zero.
	lastDim := 0
	for dimension := len(walked) - 1; dimension >= 0; dimension-- {
		if walked[dimension] > 1 {
			lastDim = dimension
			break
		}
	}
	loc := make([]int, len(size))
	if len(size) > 0 {
		loc[lastDim] = -1
	}
	return &TensorIterator{
		size:      size,
		loc:       loc,
		lastDim:   lastDim,
		remaining: remaining,
	}
}

func IterateOver(tensor *Tensor, ignoreTrailingDimensions int) *TensorIterator {
	return IterateOverSize(tensor.Size, ignoreTrailingDimensions)
}

func (it *TensorIterator) HasNext() bool {
	return it.remaining > 0
}

func (it *TensorIterator) Next() []int {
	it.remaining--
	// A rank-0 shape has exactly one location, the empty one.
	if len(it.loc) == 0 {
		return it.loc
	}
	for dimension := it.lastDim; dimension >= 0; dimension-- {
		it.loc[dimension]++
		if it.loc[dimension] < it.size[dimension] {
			return it.loc
		}
		if dimension > 0 {
			it.loc[dimension] = 0
		}
	}
	return it.loc
}

// BroadcastIterator pairs every location of a reference shape with its
// broadcast counterpart in an expanding shape: the expanding location is
// the reference location's trailing dimensions, wrapped by the expanding
// sizes. Both returned slices are reused between steps.
type BroadcastIterator struct {
	ref       *TensorIterator
	expanding []int
	loc       []int
}

func IterateOverTwoSize(refSize []int, expandingSize []int, ignoreTrailingDimensions int) *BroadcastIterator {
	return &BroadcastIterator{
		ref:       IterateOverSize(refSize, ignoreTrailingDimensions),
		expanding: expandingSize,
		loc:       make([]int, len(expandingSize)),
	}
}

func IterateOverTwo(refTensor *Tensor, expandingTensor *Tensor, ignoreTrailingDimensions int) *BroadcastIterator {
	return IterateOverTwoSize(refTensor.Size, expandingTensor.Size, ignoreTrailingDimensions)
}

func (it *BroadcastIterator) HasNext() bool {
	return it.ref.HasNext()
}

func (it *BroadcastIterator) Next() (refLoc []int, expandingLoc []int) {
	refLoc = it.ref.Next()
	offset := len(refLoc) - len(it.expanding)
	for dimension := range it.expanding {
		it.loc[dimension] = refLoc[offset+dimension] % it.expanding[dimension]
	}
	return refLoc, it.loc
}
