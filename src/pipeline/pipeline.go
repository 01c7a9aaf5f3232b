// Package pipeline composes the inference engine into the two user-facing
// flows: free text generation and document question answering (fetch,
// chunk, embed, retrieve, generate, locate the answer span).
package pipeline

import (
	"context"

	"github.com/ypodo/VisualQuestionAnswering/src/common"
	"github.com/ypodo/VisualQuestionAnswering/src/inference"
	"github.com/ypodo/VisualQuestionAnswering/src/model"
)

// Engine is the slice of the inference engine the pipeline consumes.
// *inference.InferenceEngine implements it.
type Engine interface {
	Vocabulary() *model.Vocabulary
	Args() common.InferenceArgs
	Tokenize(text string, addBeginOfSentence bool) ([]model.TokenId, error)
	GenerateWithArgs(ctx context.Context, promptTokens []model.TokenId, args common.InferenceArgs) (<-chan inference.GeneratedPart, <-chan error)
	Embed(ctx context.Context, text string) ([]float32, error)
}
