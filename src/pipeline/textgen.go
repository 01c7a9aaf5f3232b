package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/ypodo/VisualQuestionAnswering/src/common"
	"github.com/ypodo/VisualQuestionAnswering/src/inference"
)

// TextGeneration is the plain prompt-to-text flow: tokenize, generate,
// join the decoded fragments. The streaming surface stays available on the
// engine for callers that render tokens as they arrive.
type TextGeneration struct {
	engine Engine
}

type GenerationResult struct {
	Text         string
	TokenCount   int
	FinishReason string
	Duration     time.Duration
}

func NewTextGeneration(engine Engine) *TextGeneration {
	return &TextGeneration{engine: engine}
}

// Run generates with the engine's default arguments.
func (tg *TextGeneration) Run(ctx context.Context, prompt string) (GenerationResult, error) {
	return tg.RunWithArgs(ctx, prompt, tg.engine.Args())
}

func (tg *TextGeneration) RunWithArgs(ctx context.Context, prompt string, args common.InferenceArgs) (GenerationResult, error) {
	startTime := time.Now()
	promptTokens, err := tg.engine.Tokenize(prompt, true)
	if err != nil {
		return GenerationResult{}, err
	}
	if args.SequenceLength > 0 && args.MaxNewTokens > 0 && args.SequenceLength < len(promptTokens)+args.MaxNewTokens {
		args.SequenceLength = len(promptTokens) + args.MaxNewTokens
	}

	result := GenerationResult{FinishReason: inference.FinishReasonLength}
	var text strings.Builder
	vocabulary := tg.engine.Vocabulary()
	generatedPartCh, errorCh := tg.engine.GenerateWithArgs(ctx, promptTokens, args)
	for generatedPartCh != nil || errorCh != nil {
		select {
		case part, ok := <-generatedPartCh:
			if !ok {
				generatedPartCh = nil
				continue
			}
			text.WriteString(part.DecodedString)
			result.TokenCount++
			if vocabulary.IsStopToken(part.TokenId) {
				result.FinishReason = inference.FinishReasonStop
			}
		case err, ok := <-errorCh:
			if !ok {
				errorCh = nil
				continue
			}
			if err != nil {
				return GenerationResult{}, err
			}
		}
	}
	result.Text = text.String()
	result.Duration = time.Since(startTime)
	return result, nil
}
