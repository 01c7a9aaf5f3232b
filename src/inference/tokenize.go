package inference

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/ypodo/VisualQuestionAnswering/src/common"
	"github.com/ypodo/VisualQuestionAnswering/src/model"
)

const (
	whitespaceEscapeToken = "\xe2\x96\x81"
	unknownOutputToken    = "\xe2\x96\x85"
)

// Word-level pre-splitter for BPE rank vocabularies, the llama-3 pattern
// minus its lookahead alternative (RE2 has no lookahead, the substitute
// splits trailing whitespace runs one token earlier).
var bpePreSplitRegexp = regexp.MustCompile(`(?i:'s|'t|'re|'ve|'m|'ll|'d)|[^\r\n\p{L}\p{N}]?\p{L}+|\p{N}{1,3}| ?[^\s\p{L}\p{N}]+[\r\n]*|\s*[\r\n]+|\s+`)

type PaddingSide byte

const (
	PaddingSideLeft  PaddingSide = 1
	PaddingSideRight PaddingSide = 2
)

func (ps PaddingSide) String() string {
	switch ps {
	case PaddingSideLeft:
		return "left"
	case PaddingSideRight:
		return "right"
	}
	return "?"
}

// PaddedBatch is a rectangular token id batch. Mask marks the slots holding
// real prompt tokens, filler slots stay false.
type PaddedBatch struct {
	Tokens [][]model.TokenId
	Mask   [][]bool
	Side   PaddingSide
}

func (pb PaddedBatch) hasPadding() bool {
	for _, rowMask := range pb.Mask {
		for _, realToken := range rowMask {
			if !realToken {
				return true
			}
		}
	}
	return false
}

func (ie *InferenceEngine) Tokenize(text string, addBeginOfSentence bool) ([]model.TokenId, error) {
	common.GLogger.DebugPrintf("Tokenizing prompt: \"%s\", addBeginOfSentence: %v", text, addBeginOfSentence)
	vocabulary := ie.model.Vocabulary
	result := make([]model.TokenId, 0)
	if addBeginOfSentence && vocabulary.BeginOfSentenceId != -1 {
		result = append(result, vocabulary.BeginOfSentenceId)
	}
	switch vocabulary.Kind {
	case model.VocabularyKindSentencePiece:
		result = append(result, tokenizeSentencePiece(text, vocabulary)...)
	case model.VocabularyKindTiktoken:
		result = append(result, tokenizeTiktoken(text, vocabulary)...)
	default:
		return nil, fmt.Errorf("unsupported vocabulary kind: %s", vocabulary.Kind)
	}
	common.GLogger.DebugPrintf("Prompt token ids: \"%v\"", result)
	common.GLogger.DebugPrintf("Prompt tokens: \"%s\"", ie.TokenBatchToDebugString(result))
	return result, nil
}

func (ie *InferenceEngine) TokenizeBatch(texts []string, addBeginOfSentence bool) ([][]model.TokenId, error) {
	result := make([][]model.TokenId, len(texts))
	for i, text := range texts {
		tokenIds, err := ie.Tokenize(text, addBeginOfSentence)
		if err != nil {
			return nil, err
		}
		result[i] = tokenIds
	}
	return result, nil
}

// PadBatch rectangularizes ragged token rows to the longest row's width.
// Filler slots take the vocabulary's pad id; a vocabulary without a pad
// token falls back to the EOS id, the mask still tells filler apart.
func (ie *InferenceEngine) PadBatch(rows [][]model.TokenId, side PaddingSide) PaddedBatch {
	padId := ie.model.Vocabulary.PadId
	if padId < 0 {
		padId = ie.model.Vocabulary.EndOfSentenceId
	}
	width := 0
	for _, row := range rows {
		if len(row) > width {
			width = len(row)
		}
	}
	result := PaddedBatch{
		Tokens: make([][]model.TokenId, len(rows)),
		Mask:   make([][]bool, len(rows)),
		Side:   side,
	}
	for i, row := range rows {
		paddedRow := make([]model.TokenId, width)
		rowMask := make([]bool, width)
		offset := 0
		if side == PaddingSideLeft {
			offset = width - len(row)
		}
		for j := range paddedRow {
			paddedRow[j] = padId
		}
		copy(paddedRow[offset:], row)
		for j := range row {
			rowMask[offset+j] = true
		}
		result.Tokens[i] = paddedRow
		result.Mask[i] = rowMask
	}
	return result
}

func tokenizeSentencePiece(text string, vocabulary *model.Vocabulary) []model.TokenId {
	// Dummy whitespace prefix: SentencePiece marks every word start with the
	// escape rune, the first word included.
	runes := []rune(escapeWhitespace(" " + text))
	result := make([]model.TokenId, 0, len(runes))
	maxWindow := vocabulary.LongestPieceRuneCount()
	for i := 0; i < len(runes); {
		window := maxWindow
		if remaining := len(runes) - i; window > remaining {
			window = remaining
		}
		matched := false
		for length := window; length >= 1; length-- {
			id, ok := vocabulary.TokenToId[string(runes[i:i+length])]
			if !ok {
				continue
			}
			if pieceType := vocabulary.IdToToken[id].PieceType; pieceType != model.TokenPieceTypeNormal && pieceType != model.TokenPieceTypeUserDefined {
				continue
			}
			result = append(result, id)
			i += length
			matched = true
			break
		}
		if matched {
			continue
		}
		// No piece covers this rune, fall back to its raw bytes.
		for _, b := range []byte(string(runes[i])) {
			if id, ok := vocabulary.ByteFallbackIds[b]; ok {
				result = append(result, id)
			} else {
				result = append(result, vocabulary.UnknownId)
			}
		}
		i++
	}
	return result
}

func tokenizeTiktoken(text string, vocabulary *model.Vocabulary) []model.TokenId {
	result := make([]model.TokenId, 0)
	for _, segment := range splitBySpecialTokens(text, vocabulary) {
		if segment.special {
			result = append(result, segment.tokenId)
			continue
		}
		normalized := norm.NFC.String(segment.text)
		for _, word := range bpePreSplitRegexp.FindAllString(normalized, -1) {
			result = append(result, bpeMerge(word, vocabulary)...)
		}
	}
	return result
}

type textSegment struct {
	text    string
	tokenId model.TokenId
	special bool
}

// splitBySpecialTokens cuts the text at every special token literal, so
// prompt scaffolding like "<|start_header_id|>" maps to its single id
// instead of going through byte merges.
func splitBySpecialTokens(text string, vocabulary *model.Vocabulary) []textSegment {
	segments := make([]textSegment, 0, 1)
	for len(text) > 0 {
		earliest := -1
		var earliestPiece string
		var earliestId model.TokenId
		for piece, id := range vocabulary.SpecialTokens {
			idx := strings.Index(text, piece)
			if idx < 0 {
				continue
			}
			if earliest < 0 || idx < earliest || (idx == earliest && len(piece) > len(earliestPiece)) {
				earliest, earliestPiece, earliestId = idx, piece, id
			}
		}
		if earliest < 0 {
			segments = append(segments, textSegment{text: text})
			break
		}
		if earliest > 0 {
			segments = append(segments, textSegment{text: text[:earliest]})
		}
		segments = append(segments, textSegment{tokenId: earliestId, special: true})
		text = text[earliest+len(earliestPiece):]
	}
	return segments
}

// bpeMerge encodes one pre-split word: start from its single bytes and merge
// the lowest-ranked adjacent pair until no pair is mergeable.
func bpeMerge(word string, vocabulary *model.Vocabulary) []model.TokenId {
	if id, ok := vocabulary.TokenToId[word]; ok && vocabulary.IdToToken[id].PieceType == model.TokenPieceTypeNormal {
		return []model.TokenId{id}
	}
	parts := make([]string, len(word))
	for i := 0; i < len(word); i++ {
		parts[i] = word[i : i+1]
	}
	for len(parts) > 1 {
		bestIndex := -1
		bestRank := int32(math.MaxInt32)
		for i := 0; i < len(parts)-1; i++ {
			id, ok := vocabulary.TokenToId[parts[i]+parts[i+1]]
			if !ok {
				continue
			}
			piece := vocabulary.IdToToken[id]
			if piece.PieceType != model.TokenPieceTypeNormal || piece.Rank >= bestRank {
				continue
			}
			bestRank = piece.Rank
			bestIndex = i
		}
		if bestIndex < 0 {
			break
		}
		merged := parts[bestIndex] + parts[bestIndex+1]
		parts = append(parts[:bestIndex+1], parts[bestIndex+2:]...)
		parts[bestIndex] = merged
	}
	result := make([]model.TokenId, 0, len(parts))
	for _, part := range parts {
		if id, ok := vocabulary.TokenToId[part]; ok {
			result = append(result, id)
			continue
		}
		// Unreachable for byte-level vocabularies, every single byte is a rank.
		for _, b := range []byte(part) {
			if id, ok := vocabulary.ByteFallbackIds[b]; ok {
				result = append(result, id)
			}
		}
	}
	return result
}

func escapeWhitespace(text string) string {
	return strings.ReplaceAll(text, " ", whitespaceEscapeToken)
}

func unescapeWhitespace(text string) string {
	return strings.ReplaceAll(text, whitespaceEscapeToken, " ")
}
