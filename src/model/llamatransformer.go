package model

import (
	"fmt"
	"math"

	"github.com/ypodo/VisualQuestionAnswering/src/ml"
)

type LlamaTransformer struct {
	tok_embd *ml.Tensor // Original: "tok_embeddings.weight"  |  ggml: "token_embd.weight" | shape: [32000 4096] -> [VocabSize, Dim]

	Layers []*LlamaTransformerBlock

	output_norm *RMSNorm   // Original: "norm.weight"  |  ggml: "output_norm.weight" | shape: [4096] -> [Dim]
	output      *ml.Tensor // Original: "output.weight"  |  ggml: "output.weight" | [out_features, in_features] -> shape: [32000 4096] -> [VocabSize, Dim]

	PrecomputedFreqsCis *ml.Tensor // shape: [MaxSequenceLength*2, HeadDim/2] complex64
}

type LlamaTransformerBlock struct {
	LayerIndex int

	attn_norm *RMSNorm // Original: "layers.0.attention_norm.weight"  |  ggml: "blk.0.attn_norm.weight" | shape: [4096] -> [Dim]
	ffn_norm  *RMSNorm // Original: "layers.0.ffn_norm.weight"  |  ggml: "blk.0.ffn_norm.weight" | shape: [4096] -> [Dim]

	attention   *LlamaAttention
	feedForward *LlamaFeedForward
}

type LlamaAttention struct {
	LayerIndex int

	N_Heads   int
	N_KVHeads int
	N_Rep     int
	HeadDim   int

	attn_wq *ml.Tensor // Original: "layers.0.attention.wq.weight"  |  ggml: "blk.0.attn_q.weight" | [out_features, in_features] -> shape: [4096 4096] -> [N_Heads * HeadDim, Dim]
	attn_wk *ml.Tensor // Original: "layers.0.attention.wk.weight"  |  ggml: "blk.0.attn_k.weight" | [out_features, in_features] -> shape: [4096 4096] -> [N_KVHeads * HeadDim, Dim]
	attn_wv *ml.Tensor // Original: "layers.0.attention.wv.weight"  |  ggml: "blk.0.attn_v.weight" | [out_features, in_features] -> shape: [4096 4096] -> [N_KVHeads * HeadDim, Dim]
	attn_wo *ml.Tensor // Original: "layers.0.attention.wo.weight"  |  ggml: "blk.0.attn_output.weight" | [out_features, in_features] -> shape: [4096 4096] -> [N_Heads * HeadDim, Dim]
}

type LlamaFeedForward struct {
	FFNHiddenDim int

	ffn_gate *ml.Tensor // Original: "layers.0.feed_forward.w1.weight"  |  ggml: "blk.0.ffn_gate.weight" | [out_features, in_features] -> shape: [11008 4096] -> [FFNHiddenDim, Dim] | w1
	ffn_down *ml.Tensor // Original: "layers.0.feed_forward.w2.weight"  |  ggml: "blk.0.ffn_down.weight" | [out_features, in_features] -> shape: [4096 11008] -> [Dim, FFNHiddenDim] | w2
	ffn_up   *ml.Tensor // Original: "layers.0.feed_forward.w3.weight"  |  ggml: "blk.0.ffn_up.weight" | [out_features, in_features] -> shape: [11008 4096] -> [FFNHiddenDim, Dim] | w3
}

type RMSNorm struct {
	epsilon float32
	weights *ml.Tensor
}

func NewLlamaTransformer(model *Model) (*LlamaTransformer, error) {
	result := &LlamaTransformer{}
	modelArgs := model.ModelArgs

	var err error
	// Compare (VocabSize, Dim) vs. "tok_embeddings.weight" tensor shape
	dim := modelArgs.Dim             // 4096
	vocabSize := modelArgs.VocabSize // 32000
	if result.tok_embd, err = getTensor(model, "tok_embeddings.weight", []int{vocabSize, dim}); err != nil {
		return nil, err
	}

	result.Layers = make([]*LlamaTransformerBlock, modelArgs.N_Layers)

	for i := 0; i < modelArgs.N_Layers; i++ {
		var layer *LlamaTransformerBlock
		if layer, err = NewLlamaTransformerBlock(model, i); err != nil {
			return nil, err
		}
		result.Layers[i] = layer
	}

	outputNormWeights, err := getTensor(model, "norm.weight", []int{dim})
	if err != nil {
		return nil, err
	}
	result.output_norm = NewRMSNorm(modelArgs.NormEpsilon, outputNormWeights)

	// output is a Linear unit, so weight shape is ordered reversely as [out_features, in_features]
	if result.output, err = getTensor(model, "output.weight", []int{vocabSize, dim}); err != nil {
		return nil, err
	}

	if result.PrecomputedFreqsCis, err = precomputeFreqsCis(modelArgs); err != nil {
		return nil, err
	}
	return result, nil
}

// Forward runs one step over the given token window and returns the output
// logits as a float32 tensor of shape [sequenceLength, VocabSize]. The
// attention layers write their key/value rows for positions
// [startPos, startPos+sequenceLength) into infContext's cache.
func (lt *LlamaTransformer) Forward(infContext *InferenceContext, tokens []TokenId, startPos int) (*ml.Tensor, error) {
	h, err := lt.forwardBlocks(infContext, tokens, startPos)
	if err != nil {
		return nil, err
	}
	output, err := ml.LinearTransformation(h, lt.output)
	if err != nil {
		return nil, err
	}
	return output.ToFloat32()
}

// ForwardHidden is Forward without the output projection: it returns the
// final normalized hidden states as [sequenceLength, Dim] float32. The
// retrieval side pools these rows into document embeddings.
func (lt *LlamaTransformer) ForwardHidden(infContext *InferenceContext, tokens []TokenId, startPos int) (*ml.Tensor, error) {
	h, err := lt.forwardBlocks(infContext, tokens, startPos)
	if err != nil {
		return nil, err
	}
	return h.ToFloat32()
}

func (lt *LlamaTransformer) forwardBlocks(infContext *InferenceContext, tokens []TokenId, startPos int) (*ml.Tensor, error) {
	if len(tokens) == 0 {
		return nil, fmt.Errorf("empty token array")
	}
	if startPos+len(tokens) > infContext.SequenceLength {
		return nil, fmt.Errorf("context overflow: %d tokens at position %d exceed sequence length %d", len(tokens), startPos, infContext.SequenceLength)
	}
	currentTensor, freqsCis, mask, err := lt.prepare(tokens, startPos)
	if err != nil {
		return nil, err
	}
	for i, layer := range lt.Layers {
		infContext.Logf("Transformer layer %d / %d...", i+1, len(lt.Layers))
		if currentTensor, err = layer.Forward(infContext, currentTensor, startPos, freqsCis, mask); err != nil {
			return nil, err
		}
	}
	return lt.output_norm.Forward(infContext, currentTensor)
}

// prepare looks the tokens up in the embedding table and assembles the
// step's rotary frequency slice and causal mask. The mask is nil for
// single-token steps, one query attending over every cached position needs
// no masking.
func (lt *LlamaTransformer) prepare(tokens []TokenId, startPos int) (inputTensor *ml.Tensor, freqsCis *ml.Tensor, mask *ml.Tensor, err error) {
	sequenceLength := len(tokens)

	tokensTensor := ml.NewEmptyTensor([]int{sequenceLength}, ml.DT_INT32)
	for i, token := range tokens {
		if err = tokensTensor.SetItem([]int{i}, int32(token)); err != nil {
			return
		}
	}
	if inputTensor, err = ml.Fwd_Get_Rows(lt.tok_embd, tokensTensor); err != nil {
		return
	}

	if freqsCis, err = lt.PrecomputedFreqsCis.Slice([]int{startPos}, []int{startPos + sequenceLength}); err != nil {
		return
	}

	if sequenceLength > 1 {
		// Token at row i may attend up to absolute position startPos+i,
		// columns beyond that stay -Inf.
		negativeInfinity := float32(math.Inf(-1))
		if mask, err = ml.Full([]int{sequenceLength, startPos + sequenceLength}, ml.DT_F32, negativeInfinity); err != nil {
			return
		}
		if mask, err = ml.TriangularUpper(mask, startPos+1); err != nil {
			return
		}
	}
	return
}

func NewLlamaTransformerBlock(model *Model, layerIndex int) (*LlamaTransformerBlock, error) {
	result := &LlamaTransformerBlock{
		LayerIndex: layerIndex,
	}
	modelArgs := model.ModelArgs
	dim := modelArgs.Dim // 4096
	var err error

	// attention normalization
	attnNormWeights, err := getLayerTensor(model, "layers.%d.attention_norm.weight", layerIndex, []int{dim})
	if err != nil {
		return nil, err
	}
	result.attn_norm = NewRMSNorm(modelArgs.NormEpsilon, attnNormWeights)

	if result.attention, err = NewLlamaAttention(model, layerIndex); err != nil {
		return nil, err
	}

	// feed forward normalization
	ffnNormWeights, err := getLayerTensor(model, "layers.%d.ffn_norm.weight", layerIndex, []int{dim})
	if err != nil {
		return nil, err
	}
	result.ffn_norm = NewRMSNorm(modelArgs.NormEpsilon, ffnNormWeights)

	if result.feedForward, err = NewLlamaFeedForward(model, layerIndex); err != nil {
		return nil, err
	}

	return result, nil
}

func (ltb *LlamaTransformerBlock) Forward(infContext *InferenceContext, x *ml.Tensor, startPos int, freqsCis *ml.Tensor, mask *ml.Tensor) (*ml.Tensor, error) {
	normalizedX, err := ltb.attn_norm.Forward(infContext, x)
	if err != nil {
		return nil, err
	}
	h, err := ltb.attention.Forward(infContext, normalizedX, startPos, freqsCis, mask)
	if err != nil {
		return nil, err
	}
	if h, err = ml.Add(x, h); err != nil {
		return nil, err
	}
	normalizedH, err := ltb.ffn_norm.Forward(infContext, h)
	if err != nil {
		return nil, err
	}
	ffnOutput, err := ltb.feedForward.Forward(normalizedH)
	if err != nil {
		return nil, err
	}
	return ml.Add(h, ffnOutput)
}

func NewLlamaAttention(model *Model, layerIndex int) (*LlamaAttention, error) {
	result := &LlamaAttention{
		LayerIndex: layerIndex,
	}
	modelArgs := model.ModelArgs
	dim := modelArgs.Dim // 4096
	var err error

	result.N_Heads = modelArgs.N_Heads
	result.N_KVHeads = modelArgs.N_KVHeads
	if result.N_KVHeads < 0 {
		result.N_KVHeads = modelArgs.N_Heads
	}
	result.N_Rep = result.N_Heads / result.N_KVHeads
	// Calculate dimension of each head
	result.HeadDim = int(modelArgs.Dim / modelArgs.N_Heads) // 128

	normalHeadsTotalDim := modelArgs.N_Heads * result.HeadDim // 4096
	kvHeadsTotalDim := result.N_KVHeads * result.HeadDim      // 4096

	// attn_wq, attn_wk, attn_wv, attn_wo are Linear units, so weight shapes are ordered reversely as [out_features, in_features]
	if result.attn_wq, err = getLayerTensor(model, "layers.%d.attention.wq.weight", layerIndex, []int{normalHeadsTotalDim, dim}); err != nil {
		return nil, err
	}
	if result.attn_wk, err = getLayerTensor(model, "layers.%d.attention.wk.weight", layerIndex, []int{kvHeadsTotalDim, dim}); err != nil {
		return nil, err
	}
	if result.attn_wv, err = getLayerTensor(model, "layers.%d.attention.wv.weight", layerIndex, []int{kvHeadsTotalDim, dim}); err != nil {
		return nil, err
	}
	if result.attn_wo, err = getLayerTensor(model, "layers.%d.attention.wo.weight", layerIndex, []int{normalHeadsTotalDim, dim}); err != nil {
		return nil, err
	}

	return result, nil
}

func (lat *LlamaAttention) Forward(infContext *InferenceContext, x *ml.Tensor, startPos int, freqsCis *ml.Tensor, mask *ml.Tensor) (*ml.Tensor, error) {
	sequenceLength := x.Size[0]

	// lat.attn_wq: [out_features, in_features] -> shape: [4096 4096] -> [N_Heads * HeadDim, Dim]
	xq, err := ml.LinearTransformation(x, lat.attn_wq)
	if err != nil {
		return nil, err
	}
	// lat.attn_wk: [out_features, in_features] -> shape: [4096 4096] -> [N_KVHeads * HeadDim, Dim]
	xk, err := ml.LinearTransformation(x, lat.attn_wk)
	if err != nil {
		return nil, err
	}
	// lat.attn_wv: [out_features, in_features] -> shape: [4096 4096] -> [N_KVHeads * HeadDim, Dim]
	xv, err := ml.LinearTransformation(x, lat.attn_wv)
	if err != nil {
		return nil, err
	}

	if xq, err = xq.Reshape([]int{sequenceLength, lat.N_Heads, lat.HeadDim}); err != nil {
		return nil, err
	}
	if xk, err = xk.Reshape([]int{sequenceLength, lat.N_KVHeads, lat.HeadDim}); err != nil {
		return nil, err
	}
	if xv, err = xv.Reshape([]int{sequenceLength, lat.N_KVHeads, lat.HeadDim}); err != nil {
		return nil, err
	}

	if xq, err = applyRotaryEmbeddings(xq, freqsCis); err != nil {
		return nil, err
	}
	if xk, err = applyRotaryEmbeddings(xk, freqsCis); err != nil {
		return nil, err
	}

	if err = updateKVCache(infContext, lat.LayerIndex, startPos, xk, xv); err != nil {
		return nil, err
	}

	// Attend over every position cached so far, the new rows included.
	keys, err := infContext.CacheK[lat.LayerIndex].Slice([]int{0}, []int{startPos + sequenceLength})
	if err != nil {
		return nil, err
	}
	values, err := infContext.CacheV[lat.LayerIndex].Slice([]int{0}, []int{startPos + sequenceLength})
	if err != nil {
		return nil, err
	}

	// Grouped-query attention: each key/value head serves N_Rep query heads.
	if keys, err = repeatKV(keys, lat.N_Rep); err != nil {
		return nil, err
	}
	if values, err = repeatKV(values, lat.N_Rep); err != nil {
		return nil, err
	}

	// Scores are accumulated in float32, bfloat16 loses too much of the
	// softmax tail.
	xqF32, err := xq.ToFloat32()
	if err != nil {
		return nil, err
	}
	keysF32, err := keys.ToFloat32()
	if err != nil {
		return nil, err
	}
	valuesF32, err := values.ToFloat32()
	if err != nil {
		return nil, err
	}

	if xqF32, err = ml.Transpose(xqF32, 0, 1); err != nil { // [N_Heads, sequenceLength, HeadDim]
		return nil, err
	}
	if keysF32, err = ml.Transpose(keysF32, 0, 1); err != nil { // [N_Heads, totalLength, HeadDim]
		return nil, err
	}
	if valuesF32, err = ml.Transpose(valuesF32, 0, 1); err != nil { // [N_Heads, totalLength, HeadDim]
		return nil, err
	}
	keysTransposed, err := ml.Transpose(keysF32, 1, 2) // [N_Heads, HeadDim, totalLength]
	if err != nil {
		return nil, err
	}

	scores, err := ml.MatMul(xqF32, keysTransposed) // [N_Heads, sequenceLength, totalLength]
	if err != nil {
		return nil, err
	}
	if scores, err = ml.DivToScalar(scores, float32(math.Sqrt(float64(lat.HeadDim)))); err != nil {
		return nil, err
	}
	if mask != nil {
		if scores, err = ml.Add(scores, mask); err != nil {
			return nil, err
		}
	}
	if scores, err = ml.Softmax(scores, len(scores.Size)-1); err != nil {
		return nil, err
	}

	output, err := ml.MatMul(scores, valuesF32) // [N_Heads, sequenceLength, HeadDim]
	if err != nil {
		return nil, err
	}
	if output, err = ml.Transpose(output, 0, 1); err != nil { // [sequenceLength, N_Heads, HeadDim]
		return nil, err
	}
	if output, err = output.Reshape([]int{sequenceLength, lat.N_Heads * lat.HeadDim}); err != nil {
		return nil, err
	}
	if output, err = output.ToBFloat16(); err != nil {
		return nil, err
	}
	return ml.LinearTransformation(output, lat.attn_wo)
}

func NewLlamaFeedForward(model *Model, layerIndex int) (*LlamaFeedForward, error) {
	result := &LlamaFeedForward{}
	modelArgs := model.ModelArgs
	dim := modelArgs.Dim // 4096
	var err error

	// See: https://github.com/facebookresearch/llama/blob/ef351e9cd9496c579bf9f2bb036ef11bdc5ca3d2/llama/model.py#L378
	// Set it to 4 * dim at first
	result.FFNHiddenDim = 4 * modelArgs.Dim
	// See: https://github.com/facebookresearch/llama/blob/ef351e9cd9496c579bf9f2bb036ef11bdc5ca3d2/llama/model.py#L331C4-L331C4
	// Then, do this calculation below:
	result.FFNHiddenDim = int(2 * result.FFNHiddenDim / 3)
	if modelArgs.FFNDimMultiplier > -1 {
		result.FFNHiddenDim = int(modelArgs.FFNDimMultiplier * float64(result.FFNHiddenDim))
	}
	// Ensure ffnHiddenDim is multiple of modelArgs.MultipleOf value
	result.FFNHiddenDim = int(modelArgs.MultipleOf * ((result.FFNHiddenDim + modelArgs.MultipleOf - 1) / modelArgs.MultipleOf))

	// ffn_gate, ffn_down, ffn_up are Linear units, so weight shapes are ordered reversely as [out_features, in_features]
	if result.ffn_gate, err = getLayerTensor(model, "layers.%d.feed_forward.w1.weight", layerIndex, []int{result.FFNHiddenDim, dim}); err != nil {
		return nil, err
	}
	if result.ffn_down, err = getLayerTensor(model, "layers.%d.feed_forward.w2.weight", layerIndex, []int{dim, result.FFNHiddenDim}); err != nil {
		return nil, err
	}
	if result.ffn_up, err = getLayerTensor(model, "layers.%d.feed_forward.w3.weight", layerIndex, []int{result.FFNHiddenDim, dim}); err != nil {
		return nil, err
	}

	return result, nil
}

// Forward applies the SwiGLU unit: silu(w1(x)) * w3(x), projected back down
// through w2.
func (lff *LlamaFeedForward) Forward(x *ml.Tensor) (*ml.Tensor, error) {
	h, err := ml.LinearTransformation(x, lff.ffn_gate)
	if err != nil {
		return nil, err
	}
	if h, err = ml.Silu(h); err != nil {
		return nil, err
	}
	hUp, err := ml.LinearTransformation(x, lff.ffn_up)
	if err != nil {
		return nil, err
	}
	if h, err = ml.MultiplyElementwise(h, hUp); err != nil {
		return nil, err
	}
	return ml.LinearTransformation(h, lff.ffn_down)
}

func NewRMSNorm(epsilon float32, weights *ml.Tensor) *RMSNorm {
	return &RMSNorm{
		epsilon: epsilon,
		weights: weights,
	}
}

func (rms *RMSNorm) Forward(infContext *InferenceContext, x *ml.Tensor) (*ml.Tensor, error) {
	h, err := rms.doNormalization(x)
	if err != nil {
		return nil, err
	}
	return ml.MultiplyElementwise(h, rms.weights)
}

// doNormalization scales each row by the reciprocal root mean square of its
// items. The weights are applied separately by Forward.
func (rms *RMSNorm) doNormalization(x *ml.Tensor) (*ml.Tensor, error) {
	h, err := ml.Pow(x, 2)
	if err != nil {
		return nil, err
	}
	if h, err = ml.Mean(h, -1, true); err != nil {
		return nil, err
	}
	if h, err = ml.AddScalar(h, rms.epsilon); err != nil {
		return nil, err
	}
	if h, err = ml.RSqrt(h); err != nil {
		return nil, err
	}
	return ml.MultiplyElementwise(x, h)
}

// precomputeFreqsCis builds the rotary embedding table as complex polar
// values, one row per absolute position. The table is sized to twice the
// maximum context, matching the original model code.
func precomputeFreqsCis(modelArgs *ModelArgs) (*ml.Tensor, error) {
	headDim := modelArgs.HeadDim
	contextLength := modelArgs.MaxSequenceLength * 2

	freqs, err := ml.ARange(0, headDim, 2, ml.DT_F32)
	if err != nil {
		return nil, err
	}
	err = freqs.Apply(func(val any) any {
		exponent := float64(val.(float32)) / float64(headDim)
		return float32(1.0 / math.Pow(modelArgs.RopeTheta, exponent))
	})
	if err != nil {
		return nil, err
	}
	if modelArgs.UseScaledRope {
		if err := applyRopeScaling(freqs); err != nil {
			return nil, err
		}
	}

	positions, err := ml.ARange(0, contextLength, 1, ml.DT_F32)
	if err != nil {
		return nil, err
	}
	angles, err := ml.Outer(positions, freqs)
	if err != nil {
		return nil, err
	}
	ones, err := ml.OnesLike(angles)
	if err != nil {
		return nil, err
	}
	return ml.Polar(ones, angles)
}

// applyRopeScaling stretches the rotary frequency schedule the way the
// llama-3.1 family does: low frequencies are divided by the scale factor,
// high frequencies pass through, the band between is interpolated. The
// thresholds are defined against the 8192-token context the schedule was
// originally tuned for.
func applyRopeScaling(freqs *ml.Tensor) error {
	const (
		scaleFactor      = 8.0
		lowFreqFactor    = 1.0
		highFreqFactor   = 4.0
		oldContextLength = 8192.0
	)
	lowFreqWavelength := oldContextLength / lowFreqFactor
	highFreqWavelength := oldContextLength / highFreqFactor
	return freqs.Apply(func(val any) any {
		freq := float64(val.(float32))
		wavelength := 2 * math.Pi / freq
		if wavelength < highFreqWavelength {
			return float32(freq)
		}
		if wavelength > lowFreqWavelength {
			return float32(freq / scaleFactor)
		}
		smooth := (oldContextLength/wavelength - lowFreqFactor) / (highFreqFactor - lowFreqFactor)
		return float32((1-smooth)*freq/scaleFactor + smooth*freq)
	})
}

// applyRotaryEmbeddings rotates the head vectors by the per-position complex
// frequencies: consecutive float32 pairs are treated as complex numbers and
// multiplied with the freqsCis row of their position.
func applyRotaryEmbeddings(x *ml.Tensor, freqsCis *ml.Tensor) (*ml.Tensor, error) {
	// x: [sequenceLength, headCount, HeadDim]
	xF32, err := x.ToFloat32()
	if err != nil {
		return nil, err
	}
	xComplex, err := xF32.ViewAsComplex64WithReshape() // [sequenceLength, headCount, HeadDim/2]
	if err != nil {
		return nil, err
	}
	// freqsCis: [sequenceLength, HeadDim/2], broadcast over the head dimension
	freqsReshaped, err := freqsCis.Reshape([]int{xComplex.Size[0], 1, xComplex.Size[2]})
	if err != nil {
		return nil, err
	}
	rotated, err := ml.MultiplyElementwise(xComplex, freqsReshaped)
	if err != nil {
		return nil, err
	}
	result, err := rotated.ViewAsFloat32WithReshape()
	if err != nil {
		return nil, err
	}
	return result.ToBFloat16()
}

// updateKVCache writes the step's key and value rows into the cache through
// leading-dimension slice views sharing the cache's raw data.
func updateKVCache(infContext *InferenceContext, layerIndex int, startPos int, xk *ml.Tensor, xv *ml.Tensor) error {
	sequenceLength := xk.Size[0]
	cacheKSlice, err := infContext.CacheK[layerIndex].Slice([]int{startPos}, []int{startPos + sequenceLength})
	if err != nil {
		return err
	}
	cacheVSlice, err := infContext.CacheV[layerIndex].Slice([]int{startPos}, []int{startPos + sequenceLength})
	if err != nil {
		return err
	}
	copy(cacheKSlice.RawData, xk.RawData)
	copy(cacheVSlice.RawData, xv.RawData)
	return nil
}

// repeatKV expands [sequenceLength, N_KVHeads, HeadDim] to
// [sequenceLength, N_KVHeads*repeatCount, HeadDim] by repeating each
// key/value head for the query heads it serves.
func repeatKV(x *ml.Tensor, repeatCount int) (*ml.Tensor, error) {
	if repeatCount == 1 {
		return x, nil
	}
	if len(x.Size) != 3 {
		return nil, fmt.Errorf("tensor must have 3 dimensions, got %v", x.Size)
	}
	sequenceLength, kvHeadCount, headDim := x.Size[0], x.Size[1], x.Size[2]
	dst := ml.NewEmptyTensorEx(x.Name, []int{sequenceLength, kvHeadCount * repeatCount, headDim}, x.DataType)
	rowBytes := headDim * x.DataType.ItemSize
	for position := 0; position < sequenceLength; position++ {
		for head := 0; head < kvHeadCount; head++ {
			srcOffset := (position*kvHeadCount + head) * rowBytes
			srcRow := x.RawData[srcOffset : srcOffset+rowBytes]
			for repeat := 0; repeat < repeatCount; repeat++ {
				dstOffset := ((position*kvHeadCount+head)*repeatCount + repeat) * rowBytes
				copy(dst.RawData[dstOffset:dstOffset+rowBytes], srcRow)
			}
		}
	}
	return dst, nil
}
