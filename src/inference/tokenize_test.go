package inference

import (
	"strings"
	"testing"

	"github.com/ypodo/VisualQuestionAnswering/src/common"
	"github.com/ypodo/VisualQuestionAnswering/src/model"
	"github.com/ypodo/VisualQuestionAnswering/src/sentencepiece"
	"github.com/ypodo/VisualQuestionAnswering/src/tiktoken"
)

// newVocabularyEngine wraps a bare vocabulary for the tokenizer surface,
// no tensors involved.
func newVocabularyEngine(vocabulary *model.Vocabulary) *InferenceEngine {
	return NewInferenceEngine(&model.Model{Vocabulary: vocabulary}, common.NewInferenceArgs(), nil)
}

func buildSentencePieceVocabulary() *model.Vocabulary {
	return model.NewVocabularyFromSentencePiece(&sentencepiece.ModelProto{
		Pieces: []sentencepiece.SentencePiece{
			{Piece: "<unk>", PieceType: sentencepiece.UNKNOWN},                                // 0
			{Piece: "<s>", PieceType: sentencepiece.CONTROL},                                  // 1
			{Piece: "</s>", PieceType: sentencepiece.CONTROL},                                 // 2
			{Piece: "\xe2\x96\x81", Score: -1, PieceType: sentencepiece.NORMAL},               // 3
			{Piece: "\xe2\x96\x81ab", Score: -2, PieceType: sentencepiece.NORMAL},             // 4
			{Piece: "ab", Score: -3, PieceType: sentencepiece.NORMAL},                         // 5
			{Piece: "a", Score: -4, PieceType: sentencepiece.NORMAL},                          // 6
			{Piece: "b", Score: -5, PieceType: sentencepiece.NORMAL},                          // 7
			{Piece: "c", Score: -6, PieceType: sentencepiece.NORMAL},                          // 8
			{Piece: "abc", Score: -7, PieceType: sentencepiece.NORMAL},                        // 9
			{Piece: "<0xF0>", Score: -8, PieceType: sentencepiece.BYTE, ByteFallback: 0xF0},   // 10
			{Piece: "<0x9F>", Score: -9, PieceType: sentencepiece.BYTE, ByteFallback: 0x9F},   // 11
			{Piece: "<0x99>", Score: -10, PieceType: sentencepiece.BYTE, ByteFallback: 0x99},  // 12
			{Piece: "<0x82>", Score: -11, PieceType: sentencepiece.BYTE, ByteFallback: 0x82},  // 13
		},
	})
}

func buildBytePairVocabulary() *model.Vocabulary {
	return model.NewVocabularyFromTiktoken(&tiktoken.ModelData{
		MergeableRanks: map[string]int{
			"a": 0, "b": 1, "c": 2, "bc": 3, "ab": 4, " ": 5, " a": 6, "é": 7,
		},
		SpecialTokens: map[string]int{
			"<|begin_of_text|>": 8,
			"<|end_of_text|>":   9,
		},
		BeginOfSentenceId: 8,
		EndOfSentenceId:   9,
		UnknownId:         -1,
		PadId:             -1,
		StopTokenIds:      []int{9},
	})
}

func TestTokenizeSentencePieceLongestMatch(t *testing.T) {
	engine := newVocabularyEngine(buildSentencePieceVocabulary())

	// " abc" escapes to "▁abc"; "▁ab" (3 runes) beats "▁" at position 0.
	tokens, err := engine.Tokenize("abc", true)
	if err != nil {
		t.Fatalf("expected no error, but got %v", err)
	}
	expectTokenIds(t, tokens, []model.TokenId{1, 4, 8})

	// Without the begin-of-sentence marker.
	tokens, err = engine.Tokenize("ab", false)
	if err != nil {
		t.Fatalf("expected no error, but got %v", err)
	}
	expectTokenIds(t, tokens, []model.TokenId{4})
}

func TestTokenizeSentencePieceByteFallback(t *testing.T) {
	engine := newVocabularyEngine(buildSentencePieceVocabulary())

	// No piece covers the emoji, its four UTF-8 bytes fall back one by one.
	tokens, err := engine.Tokenize("\U0001F642", false)
	if err != nil {
		t.Fatalf("expected no error, but got %v", err)
	}
	expectTokenIds(t, tokens, []model.TokenId{3, 10, 11, 12, 13})
}

func TestTokenizeSentencePieceUnknownByte(t *testing.T) {
	engine := newVocabularyEngine(buildSentencePieceVocabulary())

	// "Z" has neither a piece nor a byte fallback entry, the unknown id
	// stands in.
	tokens, err := engine.Tokenize("Z", false)
	if err != nil {
		t.Fatalf("expected no error, but got %v", err)
	}
	expectTokenIds(t, tokens, []model.TokenId{3, 0})
}

func TestTokenizeBytePairMergesLowestRankFirst(t *testing.T) {
	engine := newVocabularyEngine(buildBytePairVocabulary())

	// "abc" is not a rank itself. Both "ab" (rank 4) and "bc" (rank 3) are
	// candidate merges; the lower rank wins, leaving "a"+"bc".
	tokens, err := engine.Tokenize("abc", false)
	if err != nil {
		t.Fatalf("expected no error, but got %v", err)
	}
	expectTokenIds(t, tokens, []model.TokenId{0, 3})
}

func TestTokenizeBytePairWholeWordShortcut(t *testing.T) {
	engine := newVocabularyEngine(buildBytePairVocabulary())

	// The pre-splitter attaches the space to the following word, and both
	// "ab" and " a" resolve without any merge round.
	tokens, err := engine.Tokenize("ab a", false)
	if err != nil {
		t.Fatalf("expected no error, but got %v", err)
	}
	expectTokenIds(t, tokens, []model.TokenId{4, 6})
}

func TestTokenizeBytePairAppliesNFC(t *testing.T) {
	engine := newVocabularyEngine(buildBytePairVocabulary())

	// "e" + combining acute composes to the single rank "é".
	tokens, err := engine.Tokenize("é", false)
	if err != nil {
		t.Fatalf("expected no error, but got %v", err)
	}
	expectTokenIds(t, tokens, []model.TokenId{7})
}

func TestTokenizeBytePairSpecialTokens(t *testing.T) {
	engine := newVocabularyEngine(buildBytePairVocabulary())

	tokens, err := engine.Tokenize("a<|end_of_text|>b", true)
	if err != nil {
		t.Fatalf("expected no error, but got %v", err)
	}
	expectTokenIds(t, tokens, []model.TokenId{8, 0, 9, 1})

	// A special token literal at position 0 produces no leading segment.
	tokens, err = engine.Tokenize("<|end_of_text|>b", false)
	if err != nil {
		t.Fatalf("expected no error, but got %v", err)
	}
	expectTokenIds(t, tokens, []model.TokenId{9, 1})
}

func TestTokenizeUnsupportedVocabularyKind(t *testing.T) {
	engine := newVocabularyEngine(&model.Vocabulary{Kind: model.VocabularyKindUnknown, BeginOfSentenceId: -1})
	_, err := engine.Tokenize("a", false)
	if err == nil || !strings.Contains(err.Error(), "unsupported vocabulary kind") {
		t.Fatalf("expected an unsupported vocabulary kind error, but got %v", err)
	}
}

func TestTokenizeBatch(t *testing.T) {
	engine := newVocabularyEngine(buildBytePairVocabulary())
	rows, err := engine.TokenizeBatch([]string{"ab", "abc"}, false)
	if err != nil {
		t.Fatalf("expected no error, but got %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, but got %d", len(rows))
	}
	expectTokenIds(t, rows[0], []model.TokenId{4})
	expectTokenIds(t, rows[1], []model.TokenId{0, 3})
}

func TestPadBatchGeometry(t *testing.T) {
	engine := newVocabularyEngine(buildTinyVocabulary([]int{6}))
	rows := [][]model.TokenId{{1}, {2, 3}, {4, 5, 0}}

	left := engine.PadBatch(rows, PaddingSideLeft)
	if left.Side != PaddingSideLeft {
		t.Errorf("expected side %s, but got %s", PaddingSideLeft, left.Side)
	}
	expectTokenIds(t, left.Tokens[0], []model.TokenId{7, 7, 1})
	expectTokenIds(t, left.Tokens[1], []model.TokenId{7, 2, 3})
	expectTokenIds(t, left.Tokens[2], []model.TokenId{4, 5, 0})
	wantMask := [][]bool{{false, false, true}, {false, true, true}, {true, true, true}}
	for i, rowMask := range left.Mask {
		for j, realToken := range rowMask {
			if realToken != wantMask[i][j] {
				t.Errorf("expected mask %v at row %d, but got %v", wantMask[i], i, rowMask)
				break
			}
		}
	}
	if !left.hasPadding() {
		t.Error("expected the ragged batch to report padding")
	}

	right := engine.PadBatch(rows, PaddingSideRight)
	expectTokenIds(t, right.Tokens[0], []model.TokenId{1, 7, 7})
	expectTokenIds(t, right.Tokens[1], []model.TokenId{2, 3, 7})
	if !right.Mask[0][0] || right.Mask[0][1] || right.Mask[0][2] {
		t.Errorf("expected mask [true false false], but got %v", right.Mask[0])
	}
}

func TestPadBatchWithoutRaggedRows(t *testing.T) {
	engine := newVocabularyEngine(buildTinyVocabulary([]int{6}))
	batch := engine.PadBatch([][]model.TokenId{{1, 2}, {3, 4}}, PaddingSideRight)
	if batch.hasPadding() {
		t.Error("expected a rectangular batch to report no padding")
	}
}

// A vocabulary without a pad token falls back to the EOS id as filler.
func TestPadBatchPadIdFallback(t *testing.T) {
	engine := newVocabularyEngine(buildSentencePieceVocabulary())
	batch := engine.PadBatch([][]model.TokenId{{3}, {4, 5}}, PaddingSideLeft)
	expectTokenIds(t, batch.Tokens[0], []model.TokenId{2, 3})
	if batch.Mask[0][0] {
		t.Error("expected the filler slot to stay unmasked")
	}
}

func TestPaddingSideString(t *testing.T) {
	if PaddingSideLeft.String() != "left" || PaddingSideRight.String() != "right" {
		t.Errorf("unexpected side names: %s, %s", PaddingSideLeft, PaddingSideRight)
	}
	if PaddingSide(0).String() != "?" {
		t.Errorf("expected \"?\" for the zero side, but got %s", PaddingSide(0))
	}
}
