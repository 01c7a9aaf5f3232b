package ml

import (
	"context"
	"runtime"
	"sync"
	"unsafe"

	"github.com/ypodo/VisualQuestionAnswering/src/common"
	"github.com/ypodo/VisualQuestionAnswering/src/dtype"
)

// matMul_colDotFn accumulates the dot product of one input row with one
// column of the other matrix. The column is not contiguous in memory, so
// it is walked by otherColStride bytes per step.
type matMul_colDotFn = func(wg *sync.WaitGroup, ctx context.Context,
	inputRowPtr unsafe.Pointer, inputColsSize int,
	otherColPtr unsafe.Pointer, otherColStride int,
	offsetInRow int, cells chan<- rowCell)

func matMul_BF16_colDot(wg *sync.WaitGroup, ctx context.Context,
	inputRowPtr unsafe.Pointer, inputColsSize int,
	otherColPtr unsafe.Pointer, otherColStride int,
	offsetInRow int, cells chan<- rowCell) {
	defer wg.Done()

	if ctx.Err() != nil {
		return
	}
	itemSize := DT_BF16.ItemSize
	sum := float32(0)
	for colIdx := 0; colIdx < inputColsSize; colIdx++ {
		inputVal := dtype.BFloat16bitsToFloat32(*(*uint16)(unsafe.Add(inputRowPtr, colIdx*itemSize)))
		otherVal := dtype.BFloat16bitsToFloat32(*(*uint16)(unsafe.Add(otherColPtr, colIdx*otherColStride)))
		sum += inputVal * otherVal
	}
	cells <- rowCell{offsetInRow: offsetInRow, val: sum}
}

func matMul_F32_colDot(wg *sync.WaitGroup, ctx context.Context,
	inputRowPtr unsafe.Pointer, inputColsSize int,
	otherColPtr unsafe.Pointer, otherColStride int,
	offsetInRow int, cells chan<- rowCell) {
	defer wg.Done()

	if ctx.Err() != nil {
		return
	}
	itemSize := DT_F32.ItemSize
	sum := float32(0)
	for colIdx := 0; colIdx < inputColsSize; colIdx++ {
		inputVal := *(*float32)(unsafe.Add(inputRowPtr, colIdx*itemSize))
		otherVal := *(*float32)(unsafe.Add(otherColPtr, colIdx*otherColStride))
		sum += inputVal * otherVal
	}
	cells <- rowCell{offsetInRow: offsetInRow, val: sum}
}

// matMul_row computes one destination row. Every column of the other
// matrix gets its own goroutine, then the finished cells are assembled
// into a local buffer so the collector receives whole rows.
func matMul_row(wg *sync.WaitGroup, ctx context.Context,
	inputRowPtr unsafe.Pointer, inputItemSize int, inputColsSize int,
	otherPtr unsafe.Pointer, otherColOffset int, otherColStride int, otherColsSize int,
	dstRowOffset int, rows chan<- finishedRow, colDotFn matMul_colDotFn) {
	defer wg.Done()

	if ctx.Err() != nil {
		return
	}

	wgRow := &sync.WaitGroup{}
	cells := make(chan rowCell, otherColsSize)
	dstItemSize := DT_F32.ItemSize
	raw := make([]byte, otherColsSize*dstItemSize)
	rawPtr := unsafe.Pointer(&raw[0])
	for otherColIdx := 0; otherColIdx < otherColsSize; otherColIdx++ {
		otherColPtr := unsafe.Add(otherPtr, otherColOffset+otherColIdx*inputItemSize)
		wgRow.Add(1)
		go colDotFn(wgRow, ctx, inputRowPtr, inputColsSize,
			otherColPtr, otherColStride,
			otherColIdx*dstItemSize, cells)
	}

	runtime.Gosched()
	wgRow.Wait()
	close(cells)

	for cell := range cells {
		*(*float32)(unsafe.Add(rawPtr, cell.offsetInRow)) = cell.val
	}
	rows <- finishedRow{offset: dstRowOffset, raw: raw}
}

// matMul_batch spawns the per-row workers of one batch element. batchLoc
// addresses that element over the leading dimensions, the ones before the
// trailing matrix pair.
func matMul_batch(wg *sync.WaitGroup, ctx context.Context,
	input *Tensor, batchLoc []int,
	other *Tensor, otherColOffset int, otherColStride int, otherColsSize int,
	dstF32 *Tensor, rows chan<- finishedRow, colDotFn matMul_colDotFn) {
	defer wg.Done()

	if ctx.Err() != nil {
		return
	}

	inputItemSize := input.DataType.ItemSize
	inputRowsSize := input.Size[len(input.Size)-2]
	inputColsSize := input.Size[len(input.Size)-1]

	inputPtr := unsafe.Pointer(&input.RawData[0])
	otherPtr := unsafe.Pointer(&other.RawData[0])

	for rowIdx := 0; rowIdx < inputRowsSize; rowIdx++ {
		rowLoc := append(append([]int{}, batchLoc...), rowIdx, 0)
		inputRowPtr := unsafe.Add(inputPtr, input.calculateByteOffset(rowLoc))
		wg.Add(1)
		go matMul_row(wg, ctx,
			inputRowPtr, inputItemSize, inputColsSize,
			otherPtr, otherColOffset, otherColStride, otherColsSize,
			dstF32.calculateByteOffset(rowLoc), rows, colDotFn)
	}
}

func matMul_General(input *Tensor, other *Tensor, colDotFn matMul_colDotFn) (*Tensor, error) {
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	var wg sync.WaitGroup

	inputRowsSize := input.Size[len(input.Size)-2]
	otherColsSize := other.Size[len(other.Size)-1]

	batchShape := input.Size[0 : len(input.Size)-2]
	dstF32 := NewEmptyTensor(append(append([]int{}, batchShape...), inputRowsSize, otherColsSize), DT_F32)

	batchElementCount := 1
	for _, dim := range batchShape {
		batchElementCount *= dim
	}

	rows := make(chan finishedRow, batchElementCount*inputRowsSize)

	// One collector goroutine. The done channel guarantees every row is
	// copied into dstF32 before the result conversion starts.
	collectorDone := make(chan struct{})
	go func() {
		collectRows(dstF32, rows)
		close(collectorDone)
	}()
	for iterator := IterateOverSize(batchShape, 0); iterator.HasNext(); {
		// Copied because the iterator reuses its location buffer and the
		// goroutine below outlives this step.
		batchLoc := append([]int{}, iterator.Next()...)
		otherColOffset := other.calculateByteOffset(append(append([]int{}, batchLoc...), 0, 0))
		otherColStride := other.calculateByteOffset(append(append([]int{}, batchLoc...), 1, 0)) - otherColOffset
		wg.Add(1)
		go matMul_batch(&wg, ctx,
			input, batchLoc,
			other, otherColOffset, otherColStride, otherColsSize,
			dstF32, rows, colDotFn)
	}

	runtime.Gosched()
	select {
	case <-ctx.Done():
		close(rows)
		return nil, context.Cause(ctx)
	case <-common.WaitGroupDone(&wg):
		close(rows)
		<-collectorDone
		if input.DataType == DT_F32 {
			return dstF32, nil
		}
		return dstF32.ToBFloat16()
	}
}

func matMul_BF16(input *Tensor, other *Tensor) (*Tensor, error) {
	return matMul_General(input, other, matMul_BF16_colDot)
}

func matMul_F32(input *Tensor, other *Tensor) (*Tensor, error) {
	return matMul_General(input, other, matMul_F32_colDot)
}
