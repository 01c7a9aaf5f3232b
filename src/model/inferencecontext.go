package model

import (
	"github.com/ypodo/VisualQuestionAnswering/src/common"
	"github.com/ypodo/VisualQuestionAnswering/src/ml"
)

// InferenceContext carries the per-generation mutable state: the key/value
// cache tensors each attention layer writes its projected rows into.
// Contexts are not safe for concurrent use, batch generation allocates one
// per row.
type InferenceContext struct {
	SequenceLength int // context size used during inference

	CacheK []*ml.Tensor
	CacheV []*ml.Tensor

	logFn func(format string, v ...any)
}

func NewInferenceContext(model *Model, inferenceArgs common.InferenceArgs, logFn func(format string, v ...any)) *InferenceContext {
	context := &InferenceContext{
		SequenceLength: inferenceArgs.SequenceLength,
		logFn:          logFn,
	}
	if context.SequenceLength <= 0 {
		context.SequenceLength = model.ModelArgs.MaxSequenceLength
	}

	modelArgs := model.ModelArgs
	context.CacheK = make([]*ml.Tensor, modelArgs.N_Layers)
	context.CacheV = make([]*ml.Tensor, modelArgs.N_Layers)
	for layerIdx := 0; layerIdx < modelArgs.N_Layers; layerIdx++ {
		context.CacheK[layerIdx], _ = ml.Zeros([]int{context.SequenceLength, modelArgs.N_KVHeads, modelArgs.HeadDim}, ml.DT_BF16)
		context.CacheV[layerIdx], _ = ml.Zeros([]int{context.SequenceLength, modelArgs.N_KVHeads, modelArgs.HeadDim}, ml.DT_BF16)
	}
	common.GLogger.DebugPrintf("Inference Context created with SequenceLength: %d", context.SequenceLength)
	return context
}

func (ic *InferenceContext) Logf(format string, v ...any) {
	if ic.logFn != nil {
		ic.logFn(format, v...)
	}
}
