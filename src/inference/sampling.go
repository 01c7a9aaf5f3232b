package inference

import (
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/chewxy/math32"
	"github.com/ypodo/VisualQuestionAnswering/src/common"
	"github.com/ypodo/VisualQuestionAnswering/src/ml"
	"github.com/ypodo/VisualQuestionAnswering/src/model"
)

// tokenSampler picks the next token from a logits row. With DoSample off or
// temperature zero it degenerates to argmax, otherwise it draws from the
// temperature-scaled softmax after top-k and top-p cuts.
type tokenSampler struct {
	args common.InferenceArgs
	rng  *rand.Rand
}

func newTokenSampler(args common.InferenceArgs) *tokenSampler {
	seed := args.Seed
	if seed < 0 {
		seed = time.Now().UnixNano()
	}
	return &tokenSampler{
		args: args,
		rng:  rand.New(rand.NewSource(seed)),
	}
}

// pick takes a [1, vocabSize] float32 logits tensor and returns the chosen
// token id with the probability assigned to it. Greedy picks report 1.0,
// sampled picks report the full softmax mass of the token before any cut.
func (ts *tokenSampler) pick(logits *ml.Tensor) (model.TokenId, float32, error) {
	if !ts.args.DoSample || ts.args.Temperature == 0 {
		return ts.pickGreedy(logits)
	}
	return ts.pickSampled(logits)
}

func (ts *tokenSampler) pickGreedy(logits *ml.Tensor) (model.TokenId, float32, error) {
	nextToken, err := ml.Argmax(logits, len(logits.Size)-1) // shape=[1,1] dtype=DT_INT32
	if err != nil {
		return 0, 0, err
	}
	return model.TokenId(nextToken.Item().(int32)), 1.0, nil
}

func (ts *tokenSampler) pickSampled(logits *ml.Tensor) (model.TokenId, float32, error) {
	probs := softmaxWithTemperature(float32Row(logits), ts.args.Temperature)

	candidates := make([]tokenCandidate, len(probs))
	for i, prob := range probs {
		candidates[i] = tokenCandidate{id: model.TokenId(i), prob: prob}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].prob > candidates[j].prob
	})

	if ts.args.TopK > 0 && ts.args.TopK < len(candidates) {
		candidates = candidates[:ts.args.TopK]
	}
	if ts.args.TopP > 0 && ts.args.TopP < 1 {
		// Minimum prefix reaching TopP, the crossing token included.
		cumulative := float32(0)
		for i, candidate := range candidates {
			cumulative += candidate.prob
			if cumulative >= ts.args.TopP {
				candidates = candidates[:i+1]
				break
			}
		}
	}

	total := float32(0)
	for _, candidate := range candidates {
		total += candidate.prob
	}
	r := ts.rng.Float32() * total
	for _, candidate := range candidates {
		r -= candidate.prob
		if r <= 0 {
			return candidate.id, candidate.prob, nil
		}
	}
	last := candidates[len(candidates)-1]
	return last.id, last.prob, nil
}

type tokenCandidate struct {
	id   model.TokenId
	prob float32
}

func softmaxWithTemperature(logits []float32, temperature float32) []float32 {
	maxLogit := float32(math.Inf(-1))
	for _, logit := range logits {
		if logit > maxLogit {
			maxLogit = logit
		}
	}
	probs := make([]float32, len(logits))
	expSum := float32(0)
	for i, logit := range logits {
		probs[i] = math32.Exp((logit - maxLogit) / temperature)
		expSum += probs[i]
	}
	for i := range probs {
		probs[i] /= expSum
	}
	return probs
}

func float32Row(t *ml.Tensor) []float32 {
	itemCount := t.GetElementCount()
	result := make([]float32, itemCount)
	for i := 0; i < itemCount; i++ {
		result[i] = t.GetItemByOffset_AsFloat32(i * t.DataType.ItemSize)
	}
	return result
}
