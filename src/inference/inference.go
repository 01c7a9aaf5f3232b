package inference

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/viterin/vek/vek32"
	"github.com/ypodo/VisualQuestionAnswering/src/common"
	"github.com/ypodo/VisualQuestionAnswering/src/model"
)

// ErrRightPadding rejects batches padded on the wrong side. A decoder-only
// model continues from the last position of each row, so filler after the
// prompt would be what the model continues from. Callers branch on this
// error with errors.Is.
var ErrRightPadding = errors.New("batch is right-padded: decoder-only generation continues from the last position, so padding must be on the left")

const (
	FinishReasonStop   = "stop"   // a stop token was generated
	FinishReasonLength = "length" // MaxNewTokens or the context was exhausted
)

type InferenceEngine struct {
	model         *model.Model
	inferenceArgs common.InferenceArgs
	logFn         func(format string, v ...any)
}

// GeneratedPart is one streamed generation step. DecodedString stays empty
// while byte fallback tokens are accumulating towards a complete UTF-8 rune,
// WaitingBytes then carries the pending bytes.
type GeneratedPart struct {
	TokenId        model.TokenId
	Token          model.TokenPiece
	DecodedString  string
	WaitingBytes   []byte
	AddedToWaiting bool
	Probability    float32
}

// BatchResult is one row of a batch generation, in input order.
type BatchResult struct {
	TokenIds     []model.TokenId
	Text         string
	FinishReason string
}

func NewInferenceEngine(model *model.Model, inferenceArgs common.InferenceArgs, logFn func(format string, v ...any)) *InferenceEngine {
	return &InferenceEngine{
		model:         model,
		inferenceArgs: inferenceArgs,
		logFn:         logFn,
	}
}

func (ie *InferenceEngine) Vocabulary() *model.Vocabulary {
	return ie.model.Vocabulary
}

// Args returns a copy of the engine's default inference arguments, the
// starting point for per-call overrides.
func (ie *InferenceEngine) Args() common.InferenceArgs {
	return ie.inferenceArgs
}

func (ie *InferenceEngine) Generate(promptTokens []model.TokenId) (<-chan GeneratedPart, <-chan error) {
	return ie.GenerateWithContext(context.Background(), promptTokens)
}

func (ie *InferenceEngine) GenerateWithContext(ctx context.Context, promptTokens []model.TokenId) (<-chan GeneratedPart, <-chan error) {
	return ie.GenerateWithArgs(ctx, promptTokens, ie.inferenceArgs)
}

// GenerateWithArgs runs one generation stream with per-call arguments. The
// producer goroutine closes both channels when it is done.
// See: https://betterprogramming.pub/writing-a-stream-api-in-go-afbc3c4350e2
func (ie *InferenceEngine) GenerateWithArgs(ctx context.Context, promptTokens []model.TokenId, args common.InferenceArgs) (<-chan GeneratedPart, <-chan error) {
	generatedPartCh := make(chan GeneratedPart)
	errorCh := make(chan error)
	go func() {
		defer func() {
			close(errorCh)
			close(generatedPartCh)
		}()
		ie.generateInternal(ctx, promptTokens, args, generatedPartCh, errorCh)
	}()
	return generatedPartCh, errorCh
}

func (ie *InferenceEngine) generateInternal(ctx context.Context, promptTokens []model.TokenId, args common.InferenceArgs, generatedPartCh chan<- GeneratedPart, errorCh chan<- error) {
	infContext := ie.createInferenceContextEx(args)
	vocabulary := ie.model.Vocabulary
	// Generation resumes at the first pad slot following a real token. Pads
	// BEFORE the first real token are left padding and belong to the prompt,
	// pads after it are empty slots the sampler fills. Real prompt tokens
	// sitting beyond that point are kept, not overwritten.
	minPromptLength := len(promptTokens)
	seenRealToken := false
	for i, tokenId := range promptTokens {
		if tokenId != vocabulary.PadId {
			seenRealToken = true
			continue
		}
		if seenRealToken {
			minPromptLength = i
			break
		}
	}
	if len(promptTokens) > infContext.SequenceLength {
		errorCh <- fmt.Errorf("prompt with %d tokens does not fit into sequence length %d", len(promptTokens), infContext.SequenceLength)
		return
	}
	if minPromptLength >= infContext.SequenceLength {
		errorCh <- fmt.Errorf("prompt with %d tokens leaves no room in sequence length %d", minPromptLength, infContext.SequenceLength)
		return
	}
	sampler := newTokenSampler(args)
	decoder := NewTokenDecoder(vocabulary)

	tokens := make([]model.TokenId, infContext.SequenceLength)
	for i := range tokens {
		tokens[i] = vocabulary.PadId
	}
	copy(tokens, promptTokens)

	prevPos := 0
	generatedCount := 0
	for curPos := minPromptLength; curPos < infContext.SequenceLength; curPos++ {
		if err := ctx.Err(); err != nil {
			errorCh <- err
			return
		}
		logits, err := ie.model.Transformer.Forward(infContext, tokens[prevPos:curPos], prevPos)
		if err != nil {
			errorCh <- err
			return
		}
		if logits, err = logits.Slice([]int{logits.Size[0] - 1}, []int{logits.Size[0]}); err != nil {
			errorCh <- err
			return
		}
		nextTokenId, probability, err := sampler.pick(logits)
		if err != nil {
			errorCh <- err
			return
		}
		// Only fill empty slots, a prompt token already occupying the
		// position wins over the generated one.
		wasGenerated := true
		if existingTokenId := tokens[curPos]; existingTokenId != vocabulary.PadId {
			nextTokenId = existingTokenId
			probability = 1.0
			wasGenerated = false
		} else {
			generatedCount++
		}
		tokens[curPos] = nextTokenId

		piece, decodedString, addedToWaiting := decoder.Decode(nextTokenId)
		part := GeneratedPart{
			TokenId:        nextTokenId,
			Token:          piece,
			DecodedString:  decodedString,
			WaitingBytes:   decoder.WaitingBytes(),
			AddedToWaiting: addedToWaiting,
			Probability:    probability,
		}
		select {
		case generatedPartCh <- part:
		case <-ctx.Done():
			errorCh <- ctx.Err()
			return
		}
		prevPos = curPos
		if wasGenerated && vocabulary.IsStopToken(nextTokenId) {
			return
		}
		if args.MaxNewTokens > 0 && generatedCount >= args.MaxNewTokens {
			return
		}
	}
}

// GenerateBatch runs one generation per batch row with the engine's default
// arguments. See GenerateBatchEx.
func (ie *InferenceEngine) GenerateBatch(ctx context.Context, batch PaddedBatch) ([]BatchResult, error) {
	return ie.GenerateBatchEx(ctx, batch, ie.inferenceArgs)
}

// GenerateBatchEx validates the batch layout and generates a continuation for
// every row concurrently, each row on its own inference context. Results keep
// the input row order. A right-padded batch that actually contains filler is
// rejected with ErrRightPadding; a batch whose rows all fill the width
// carries no padding and passes either way.
func (ie *InferenceEngine) GenerateBatchEx(ctx context.Context, batch PaddedBatch, args common.InferenceArgs) ([]BatchResult, error) {
	if batch.Side == PaddingSideRight && batch.hasPadding() {
		return nil, ErrRightPadding
	}
	results := make([]BatchResult, len(batch.Tokens))
	wg, groupCtx := errgroup.WithContext(ctx)
	wg.SetLimit(runtime.GOMAXPROCS(0))
	for i, rowTokens := range batch.Tokens {
		i, rowTokens := i, rowTokens
		wg.Go(func() error {
			result, err := ie.collectGeneration(groupCtx, rowTokens, args)
			if err != nil {
				return fmt.Errorf("batch row %d: %w", i, err)
			}
			results[i] = result
			return nil
		})
	}
	if err := wg.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (ie *InferenceEngine) collectGeneration(ctx context.Context, promptTokens []model.TokenId, args common.InferenceArgs) (BatchResult, error) {
	result := BatchResult{FinishReason: FinishReasonLength}
	var text strings.Builder
	generatedPartCh, errorCh := ie.GenerateWithArgs(ctx, promptTokens, args)
	for generatedPartCh != nil || errorCh != nil {
		select {
		case part, ok := <-generatedPartCh:
			if !ok {
				generatedPartCh = nil
				continue
			}
			result.TokenIds = append(result.TokenIds, part.TokenId)
			text.WriteString(part.DecodedString)
			if ie.model.Vocabulary.IsStopToken(part.TokenId) {
				result.FinishReason = FinishReasonStop
			}
		case err, ok := <-errorCh:
			if !ok {
				errorCh = nil
				continue
			}
			if err != nil {
				return BatchResult{}, err
			}
		}
	}
	result.Text = text.String()
	return result, nil
}

// Embed returns the document embedding of a text: the mean of the final
// normalized hidden states over the sequence, L2-normalized. The context
// window is sized to the token count, long texts are truncated at the
// model's maximum sequence length.
func (ie *InferenceEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	tokens, err := ie.Tokenize(text, true)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if maxLen := ie.model.ModelArgs.MaxSequenceLength; len(tokens) > maxLen {
		tokens = tokens[:maxLen]
	}
	args := ie.inferenceArgs
	args.SequenceLength = len(tokens)
	infContext := ie.createInferenceContextEx(args)
	hidden, err := ie.model.Transformer.ForwardHidden(infContext, tokens, 0)
	if err != nil {
		return nil, err
	}
	sequenceLength, dim := hidden.Size[0], hidden.Size[1]
	result := make([]float32, dim)
	for i := 0; i < sequenceLength; i++ {
		for j := 0; j < dim; j++ {
			result[j] += hidden.GetItemByOffset_AsFloat32((i*dim + j) * hidden.DataType.ItemSize)
		}
	}
	vek32.DivNumber_Inplace(result, float32(sequenceLength))
	if norm := vek32.Norm(result); norm > 0 {
		vek32.DivNumber_Inplace(result, norm)
	}
	return result, nil
}

func (ie *InferenceEngine) CreateInferenceContext() *model.InferenceContext {
	return model.NewInferenceContext(ie.model, ie.inferenceArgs, ie.logFn)
}

func (ie *InferenceEngine) createInferenceContextEx(args common.InferenceArgs) *model.InferenceContext {
	return model.NewInferenceContext(ie.model, args, ie.logFn)
}
