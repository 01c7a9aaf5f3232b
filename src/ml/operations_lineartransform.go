package ml

import (
	"context"
	"runtime"
	"sync"
	"unsafe"

	"github.com/ypodo/VisualQuestionAnswering/src/common"
	"github.com/ypodo/VisualQuestionAnswering/src/dtype"
)

// rowCell is one finished dot product, addressed by its byte offset
// within the destination row.
type rowCell struct {
	offsetInRow int
	val         float32
}

// finishedRow is one fully assembled destination row, addressed by its
// byte offset within the destination tensor.
type finishedRow struct {
	offset int
	raw    []byte
}

// collectRows copies finished rows into the destination tensor until the
// channel is closed. It runs as the single writer of dst.RawData.
func collectRows(dst *Tensor, rows <-chan finishedRow) {
	for row := range rows {
		copy(dst.RawData[row.offset:], row.raw)
	}
}

// linearTransformation_dotFn accumulates the dot product of one input row
// with one weights row in float32 and reports it as a rowCell. The
// implementations read raw bytes through pointers, so both tensors must
// be contiguous.
type linearTransformation_dotFn = func(wg *sync.WaitGroup, ctx context.Context, inputRowPtr unsafe.Pointer,
	weightsRowPtr unsafe.Pointer, weightsInputSize int,
	offsetInRow int, cells chan<- rowCell)

func linearTransformation_BF16_dot(wg *sync.WaitGroup, ctx context.Context, inputRowPtr unsafe.Pointer,
	weightsRowPtr unsafe.Pointer, weightsInputSize int,
	offsetInRow int, cells chan<- rowCell) {
	defer wg.Done()

	if ctx.Err() != nil {
		return
	}
	itemSize := DT_BF16.ItemSize
	sum := float32(0)
	for wInIdx := 0; wInIdx < weightsInputSize; wInIdx++ {
		inputVal := dtype.BFloat16bitsToFloat32(*(*uint16)(unsafe.Add(inputRowPtr, wInIdx*itemSize)))
		weightVal := dtype.BFloat16bitsToFloat32(*(*uint16)(unsafe.Add(weightsRowPtr, wInIdx*itemSize)))
		sum += inputVal * weightVal
	}
	cells <- rowCell{offsetInRow: offsetInRow, val: sum}
}

func linearTransformation_F32_dot(wg *sync.WaitGroup, ctx context.Context, inputRowPtr unsafe.Pointer,
	weightsRowPtr unsafe.Pointer, weightsInputSize int,
	offsetInRow int, cells chan<- rowCell) {
	defer wg.Done()

	if ctx.Err() != nil {
		return
	}
	itemSize := DT_F32.ItemSize
	sum := float32(0)
	for wInIdx := 0; wInIdx < weightsInputSize; wInIdx++ {
		inputVal := *(*float32)(unsafe.Add(inputRowPtr, wInIdx*itemSize))
		weightVal := *(*float32)(unsafe.Add(weightsRowPtr, wInIdx*itemSize))
		sum += inputVal * weightVal
	}
	cells <- rowCell{offsetInRow: offsetInRow, val: sum}
}

// Q8_0 weights rows are sequences of blocks, each a float16 scale
// followed by QK8_0 int8 quants. The input row stays bfloat16.
func linearTransformation_Q8_0_dot(wg *sync.WaitGroup, ctx context.Context, inputRowPtr unsafe.Pointer,
	weightsRowPtr unsafe.Pointer, weightsInputSize int,
	offsetInRow int, cells chan<- rowCell) {
	defer wg.Done()

	if ctx.Err() != nil {
		return
	}
	inputItemSize := DT_BF16.ItemSize
	blockCount := weightsInputSize / QK8_0
	sum := float32(0)
	for blockIdx := 0; blockIdx < blockCount; blockIdx++ {
		blockPtr := unsafe.Add(weightsRowPtr, blockIdx*DT_Q8_0.TypeSize)
		scale := dtype.Float16bitsToFloat32(*(*uint16)(blockPtr))
		blockStart := blockIdx * QK8_0
		for itemIdx := 0; itemIdx < QK8_0; itemIdx++ {
			inputVal := dtype.BFloat16bitsToFloat32(*(*uint16)(unsafe.Add(inputRowPtr, (blockStart+itemIdx)*inputItemSize)))
			weightVal := scale * float32(*(*int8)(unsafe.Add(blockPtr, 2+itemIdx)))
			sum += inputVal * weightVal
		}
	}
	cells <- rowCell{offsetInRow: offsetInRow, val: sum}
}

// linearTransformation_row computes one destination row. Every output
// feature gets its own goroutine, then the finished cells are assembled
// into a local buffer so the collector receives whole rows.
func linearTransformation_row(wg *sync.WaitGroup, ctx context.Context, inputRowPtr unsafe.Pointer,
	weightsPtr unsafe.Pointer, weightsRowStride int, weightsOutputSize int, weightsInputSize int,
	dstRowOffset int, rows chan<- finishedRow, dotFn linearTransformation_dotFn) {
	defer wg.Done()

	if ctx.Err() != nil {
		return
	}

	wgRow := &sync.WaitGroup{}
	cells := make(chan rowCell, weightsOutputSize)
	dstItemSize := DT_F32.ItemSize
	raw := make([]byte, weightsOutputSize*dstItemSize)
	rawPtr := unsafe.Pointer(&raw[0])
	for wOutIdx := 0; wOutIdx < weightsOutputSize; wOutIdx++ {
		weightsRowPtr := unsafe.Add(weightsPtr, wOutIdx*weightsRowStride)
		wgRow.Add(1)
		go dotFn(wgRow, ctx, inputRowPtr,
			weightsRowPtr, weightsInputSize, wOutIdx*dstItemSize, cells)
	}

	runtime.Gosched()
	wgRow.Wait()
	close(cells)

	for cell := range cells {
		*(*float32)(unsafe.Add(rawPtr, cell.offsetInRow)) = cell.val
	}
	rows <- finishedRow{offset: dstRowOffset, raw: raw}
}

func linearTransformation_General(input *Tensor, weights *Tensor, dotFn linearTransformation_dotFn) (*Tensor, error) {
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	var wg sync.WaitGroup

	rowsSize := input.Size[0]
	// weights layout is [out_features, in_features], the torch Linear convention.
	weightsOutputSize := weights.Size[0]
	weightsInputSize := weights.Size[1]

	dstF32 := NewEmptyTensor([]int{rowsSize, weightsOutputSize}, DT_F32)

	inputPtr := unsafe.Pointer(&input.RawData[0])
	weightsPtr := unsafe.Pointer(&weights.RawData[0])

	inputRowStride := input.calculateByteOffset([]int{1, 0})
	weightsRowStride := weights.calculateByteOffset([]int{1, 0})
	dstRowStride := dstF32.calculateByteOffset([]int{1, 0})

	rows := make(chan finishedRow, rowsSize)

	// One collector goroutine. The done channel guarantees every row is
	// copied into dstF32 before the result conversion starts.
	collectorDone := make(chan struct{})
	go func() {
		collectRows(dstF32, rows)
		close(collectorDone)
	}()

	if rowsSize > 1 {
		for rowIdx := 0; rowIdx < rowsSize; rowIdx++ {
			inputRowPtr := unsafe.Add(inputPtr, rowIdx*inputRowStride)
			wg.Add(1)
			go linearTransformation_row(&wg, ctx, inputRowPtr,
				weightsPtr, weightsRowStride, weightsOutputSize, weightsInputSize,
				rowIdx*dstRowStride, rows, dotFn)
		}
	} else {
		wg.Add(1)
		linearTransformation_row(&wg, ctx, inputPtr,
			weightsPtr, weightsRowStride, weightsOutputSize, weightsInputSize,
			0, rows, dotFn)
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

func linearTransformation_BF16(input *Tensor, weights *Tensor) (*Tensor, error) {
	return linearTransformation_General(input, weights, linearTransformation_BF16_dot)
}

func linearTransformation_F32(input *Tensor, weights *Tensor) (*Tensor, error) {
	return linearTransformation_General(input, weights, linearTransformation_F32_dot)
}

func linearTransformation_Q8_0(input *Tensor, weights *Tensor) (*Tensor, error) {
	return linearTransformation_General(input, weights, linearTransformation_Q8_0_dot)
}
