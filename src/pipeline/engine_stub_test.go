package pipeline

import (
	"context"
	"strings"
	"sync"

	"github.com/ypodo/VisualQuestionAnswering/src/common"
	"github.com/ypodo/VisualQuestionAnswering/src/inference"
	"github.com/ypodo/VisualQuestionAnswering/src/model"
	"github.com/ypodo/VisualQuestionAnswering/src/tiktoken"
)

// stubEngine implements Engine without a model. Tokenize counts words,
// GenerateWithArgs replays scripted parts and Embed hashes the text into a
// small deterministic vector so retrieval tests get stable geometry.
type stubEngine struct {
	vocabulary *model.Vocabulary
	args       common.InferenceArgs

	parts       []inference.GeneratedPart
	generateErr error
	embedErr    error

	mu            sync.Mutex
	prompts       []string
	embedCalls    int
	generateCalls int
	lastArgs      common.InferenceArgs
	lastPromptLen int
}

func newStubEngine() *stubEngine {
	return &stubEngine{
		vocabulary: headerVocabulary(),
		args:       common.NewInferenceArgs(),
	}
}

// headerVocabulary carries the llama-3 style header specials so the chat
// prompt takes the header-token format.
func headerVocabulary() *model.Vocabulary {
	return model.NewVocabularyFromTiktoken(&tiktoken.ModelData{
		MergeableRanks: map[string]int{"a": 0, "b": 1, "c": 2},
		SpecialTokens: map[string]int{
			"<|start_header_id|>": 3,
			"<|end_header_id|>":   4,
			"<|eot_id|>":          5,
		},
		BeginOfSentenceId: -1,
		EndOfSentenceId:   5,
		UnknownId:         -1,
		PadId:             -1,
		StopTokenIds:      []int{5},
	})
}

func (e *stubEngine) Vocabulary() *model.Vocabulary { return e.vocabulary }

func (e *stubEngine) Args() common.InferenceArgs { return e.args }

func (e *stubEngine) Tokenize(text string, addBeginOfSentence bool) ([]model.TokenId, error) {
	count := len(strings.Fields(text))
	if addBeginOfSentence {
		count++
	}
	tokens := make([]model.TokenId, count)
	for i := range tokens {
		tokens[i] = model.TokenId(i)
	}
	return tokens, nil
}

func (e *stubEngine) GenerateWithArgs(ctx context.Context, promptTokens []model.TokenId, args common.InferenceArgs) (<-chan inference.GeneratedPart, <-chan error) {
	e.mu.Lock()
	e.generateCalls++
	e.lastArgs = args
	e.lastPromptLen = len(promptTokens)
	e.mu.Unlock()
	partCh := make(chan inference.GeneratedPart)
	errCh := make(chan error)
	go func() {
		defer close(partCh)
		defer close(errCh)
		if e.generateErr != nil {
			errCh <- e.generateErr
			return
		}
		for _, part := range e.parts {
			select {
			case partCh <- part:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
	}()
	return partCh, errCh
}

func (e *stubEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.prompts = append(e.prompts, text)
	e.embedCalls++
	e.mu.Unlock()
	if e.embedErr != nil {
		return nil, e.embedErr
	}
	return embedText(text), nil
}

// embedText maps text to a unit vector on a 4-dimensional simplex keyed by
// topic words, so texts sharing words land close in cosine distance.
func embedText(text string) []float32 {
	vector := []float32{1, 0, 0, 0}
	lowered := strings.ToLower(text)
	for i, topic := range []string{"apple", "boat", "cloud"} {
		if strings.Contains(lowered, topic) {
			vector[i+1] = 2
		}
	}
	return vector
}

// textParts scripts a generation stream that spells out the given words,
// one normal-piece token per word, each with the given probability.
func textParts(probability float32, words ...string) []inference.GeneratedPart {
	parts := make([]inference.GeneratedPart, 0, len(words))
	for i, word := range words {
		decoded := word
		if i > 0 {
			decoded = " " + word
		}
		parts = append(parts, inference.GeneratedPart{
			TokenId:       model.TokenId(i),
			Token:         model.TokenPiece{Piece: word, PieceType: model.TokenPieceTypeNormal},
			DecodedString: decoded,
			Probability:   probability,
		})
	}
	return parts
}

func stopPart(vocabulary *model.Vocabulary) inference.GeneratedPart {
	stopId := vocabulary.StopTokenIds[0]
	return inference.GeneratedPart{
		TokenId:     stopId,
		Token:       vocabulary.IdToToken[stopId],
		Probability: 1.0,
	}
}

func wordRange(words []string, start int, end int) string {
	return strings.Join(words[start:end], " ")
}
