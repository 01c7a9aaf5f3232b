package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ypodo/VisualQuestionAnswering/src/common"
	"github.com/ypodo/VisualQuestionAnswering/src/model"
)

const (
	DefaultTopChunks       = 4
	DefaultMaxAnswerTokens = 48

	beginInstruction, endInstruction = "[INST]", "[/INST]"

	answerSystemPrompt = "Answer the question using only the context. Reply with the shortest exact answer."
)

// Answer is the question answering result: the generated answer text, the
// mean probability of its tokens, and the [Start, End) word range inside
// the document where the answer was located. A failed span match reports
// Start and End as -1 while keeping the generation score.
type Answer struct {
	Answer string  `json:"answer"`
	Score  float64 `json:"score"`
	Start  int     `json:"start"`
	End    int     `json:"end"`
}

type QuestionAnsweringOptions struct {
	ChunkWindowWords  int
	ChunkOverlapWords int
	TopChunks         int
	MaxAnswerTokens   int
}

// QuestionAnswering answers questions about documents: fetch, chunk, embed
// into a per-document index, retrieve the best chunks, generate against the
// instruct prompt and locate the answer in the document's word sequence.
type QuestionAnswering struct {
	engine  Engine
	fetcher *Fetcher
	options QuestionAnsweringOptions

	mu      sync.Mutex
	indexes map[string]*indexEntry
}

// indexEntry guards the index build per document: concurrent questions
// against the same document wait for one build instead of racing their own.
type indexEntry struct {
	once  sync.Once
	index *Index
	err   error
}

func NewQuestionAnswering(engine Engine, fetcher *Fetcher, options QuestionAnsweringOptions) *QuestionAnswering {
	if options.ChunkWindowWords <= 0 {
		options.ChunkWindowWords = DefaultChunkWindowWords
	}
	if options.ChunkOverlapWords <= 0 {
		options.ChunkOverlapWords = DefaultChunkOverlapWords
	}
	if options.TopChunks <= 0 {
		options.TopChunks = DefaultTopChunks
	}
	if options.MaxAnswerTokens <= 0 {
		options.MaxAnswerTokens = DefaultMaxAnswerTokens
	}
	return &QuestionAnswering{
		engine:  engine,
		fetcher: fetcher,
		options: options,
		indexes: make(map[string]*indexEntry),
	}
}

// Answer runs the pipeline with the engine's default arguments.
func (qa *QuestionAnswering) Answer(ctx context.Context, source string, question string) (Answer, error) {
	return qa.AnswerWithArgs(ctx, source, question, qa.engine.Args())
}

func (qa *QuestionAnswering) AnswerWithArgs(ctx context.Context, source string, question string, args common.InferenceArgs) (Answer, error) {
	document, err := qa.fetcher.Fetch(ctx, source)
	if err != nil {
		return Answer{}, err
	}
	index, err := qa.indexFor(ctx, document)
	if err != nil {
		return Answer{}, err
	}
	scoredChunks, err := index.Search(ctx, question, qa.options.TopChunks)
	if err != nil {
		return Answer{}, err
	}
	if len(scoredChunks) == 0 {
		return Answer{Start: -1, End: -1}, nil
	}

	prompt := qa.buildPrompt(scoredChunks, question)
	promptTokens, err := qa.engine.Tokenize(prompt, true)
	if err != nil {
		return Answer{}, err
	}
	if args.MaxNewTokens <= 0 {
		args.MaxNewTokens = qa.options.MaxAnswerTokens
	}
	if args.SequenceLength < len(promptTokens)+args.MaxNewTokens {
		args.SequenceLength = len(promptTokens) + args.MaxNewTokens
	}

	answerText, score, err := qa.collectAnswer(ctx, promptTokens, args)
	if err != nil {
		return Answer{}, err
	}
	start, end := locateSpan(document.Words, answerText)
	return Answer{
		Answer: answerText,
		Score:  score,
		Start:  start,
		End:    end,
	}, nil
}

func (qa *QuestionAnswering) indexFor(ctx context.Context, document *Document) (*Index, error) {
	qa.mu.Lock()
	entry, ok := qa.indexes[document.Id]
	if !ok {
		entry = &indexEntry{}
		qa.indexes[document.Id] = entry
	}
	qa.mu.Unlock()

	entry.once.Do(func() {
		index := NewIndex(qa.engine)
		chunks := ChunkWords(document.Words, qa.options.ChunkWindowWords, qa.options.ChunkOverlapWords)
		if err := index.AddChunks(ctx, chunks); err != nil {
			entry.err = fmt.Errorf("indexing document %s: %w", document.Source, err)
			return
		}
		entry.index = index
	})
	if entry.err != nil {
		// A failed build (a canceled context, say) must not poison the
		// document for later calls.
		qa.mu.Lock()
		if qa.indexes[document.Id] == entry {
			delete(qa.indexes, document.Id)
		}
		qa.mu.Unlock()
		return nil, entry.err
	}
	return entry.index, nil
}

func (qa *QuestionAnswering) buildPrompt(scoredChunks []ScoredChunk, question string) string {
	var user strings.Builder
	user.WriteString("Context:\n")
	for _, scored := range scoredChunks {
		user.WriteString(scored.Chunk.Text)
		user.WriteString("\n\n")
	}
	user.WriteString("Question: ")
	user.WriteString(question)
	return ChatPrompt(qa.engine.Vocabulary(), answerSystemPrompt, user.String())
}

// ChatPrompt wraps a message in the vocabulary's chat scaffolding: the
// header-token turn format when the vocabulary carries the llama-3 special
// tokens, the [INST] wrapping otherwise. The begin-of-sentence token is not
// included, Tokenize prepends it.
func ChatPrompt(vocabulary *model.Vocabulary, system string, user string) string {
	if _, ok := vocabulary.SpecialTokens["<|start_header_id|>"]; ok && vocabulary.Kind == model.VocabularyKindTiktoken {
		var sb strings.Builder
		if system != "" {
			sb.WriteString("<|start_header_id|>system<|end_header_id|>\n\n")
			sb.WriteString(system)
			sb.WriteString("<|eot_id|>")
		}
		sb.WriteString("<|start_header_id|>user<|end_header_id|>\n\n")
		sb.WriteString(user)
		sb.WriteString("<|eot_id|><|start_header_id|>assistant<|end_header_id|>\n\n")
		return sb.String()
	}
	message := user
	if system != "" {
		message = system + "\n\n" + user
	}
	return fmt.Sprintf("%s %s %s", beginInstruction, strings.TrimSpace(message), endInstruction)
}

// collectAnswer drains one generation stream into the answer text and the
// mean token probability. Control tokens (the stop marker, header tokens)
// carry no answer text and stay out of the score.
func (qa *QuestionAnswering) collectAnswer(ctx context.Context, promptTokens []model.TokenId, args common.InferenceArgs) (string, float64, error) {
	var text strings.Builder
	probabilitySum := 0.0
	scoredTokens := 0
	generatedPartCh, errorCh := qa.engine.GenerateWithArgs(ctx, promptTokens, args)
	for generatedPartCh != nil || errorCh != nil {
		select {
		case part, ok := <-generatedPartCh:
			if !ok {
				generatedPartCh = nil
				continue
			}
			text.WriteString(part.DecodedString)
			if part.Token.PieceType != model.TokenPieceTypeControl {
				probabilitySum += float64(part.Probability)
				scoredTokens++
			}
		case err, ok := <-errorCh:
			if !ok {
				errorCh = nil
				continue
			}
			if err != nil {
				return "", 0, err
			}
		}
	}
	score := 0.0
	if scoredTokens > 0 {
		score = probabilitySum / float64(scoredTokens)
	}
	return strings.TrimSpace(text.String()), score, nil
}

// locateSpan finds the document word window best matching the answer,
// case-folded and with surrounding punctuation ignored. Returns the
// [start, end) word range, or (-1, -1) when nothing overlaps.
func locateSpan(words []string, answer string) (int, int) {
	answerWords := foldWords(strings.Fields(answer))
	if len(answerWords) == 0 {
		return -1, -1
	}
	folded := foldWords(words)
	bestStart, bestOverlap := -1, 0
	for start := 0; start+len(answerWords) <= len(folded); start++ {
		overlap := 0
		for j, answerWord := range answerWords {
			if folded[start+j] == answerWord {
				overlap++
			}
		}
		if overlap > bestOverlap {
			bestOverlap, bestStart = overlap, start
		}
	}
	if bestStart < 0 {
		return -1, -1
	}
	return bestStart, bestStart + len(answerWords)
}

func foldWords(words []string) []string {
	result := make([]string, len(words))
	for i, word := range words {
		result[i] = strings.ToLower(strings.Trim(word, ".,:;!?\"'()[]{}"))
	}
	return result
}
