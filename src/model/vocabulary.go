package model

import (
	"fmt"
	"unicode/utf8"

	"github.com/ypodo/VisualQuestionAnswering/src/sentencepiece"
	"github.com/ypodo/VisualQuestionAnswering/src/tiktoken"
)

const (
	unknownToken         = "<unk>"
	beginOfSentenceToken = "<s>"
	endOfSentenceToken   = "</s>"
)

type VocabularyKind uint8

func (vk VocabularyKind) String() string {
	switch vk {
	case VocabularyKindSentencePiece:
		return "SPM (SentencePiece)"
	case VocabularyKindTiktoken:
		return "BPE (tiktoken)"
	}
	return "UNKNOWN"
}

const (
	VocabularyKindUnknown       VocabularyKind = 0
	VocabularyKindSentencePiece VocabularyKind = 1
	VocabularyKindTiktoken      VocabularyKind = 2
)

type TokenPieceType byte

const (
	TokenPieceTypeNormal      TokenPieceType = 1
	TokenPieceTypeUnknown     TokenPieceType = 2
	TokenPieceTypeControl     TokenPieceType = 3
	TokenPieceTypeUserDefined TokenPieceType = 4
	TokenPieceTypeUnused      TokenPieceType = 5
	TokenPieceTypeByte        TokenPieceType = 6
)

func (tpt TokenPieceType) String() string {
	switch tpt {
	case TokenPieceTypeNormal:
		return "NORMAL"
	case TokenPieceTypeUnknown:
		return "UNKNOWN"
	case TokenPieceTypeControl:
		return "CONTROL"
	case TokenPieceTypeUserDefined:
		return "USER_DEFINED"
	case TokenPieceTypeUnused:
		return "UNUSED"
	case TokenPieceTypeByte:
		return "BYTE"
	default:
		return "?"
	}
}

type TokenPiece struct {
	Piece string // piece must not be empty.
	Rank  int32
	Score float32

	PieceType    TokenPieceType
	ByteFallback byte
}

func (tp TokenPiece) String() string {
	if tp.PieceType == TokenPieceTypeByte {
		return fmt.Sprintf("\"<0x%02X>\" rank: %d, type: %s", tp.ByteFallback, tp.Rank, tp.PieceType)
	}
	return fmt.Sprintf("\"%s\" rank: %d, type: %s", tp.Piece, tp.Rank, tp.PieceType)
}

// Vocabulary is the common shape both tokenizer model formats are loaded
// into. Kind decides which encoding algorithm applies: SentencePiece
// vocabularies are segmented by longest-match over scored pieces, tiktoken
// vocabularies by byte-pair merges over ranks.
type Vocabulary struct {
	Kind VocabularyKind

	TokenToId map[string]TokenId
	IdToToken []TokenPiece

	// Control pieces addressable by their literal text, e.g. "<|eot_id|>".
	SpecialTokens map[string]TokenId

	// Token ids of the single-byte pieces, used as the encoding fallback
	// for text no piece covers.
	ByteFallbackIds map[byte]TokenId

	BeginOfSentenceId TokenId
	EndOfSentenceId   TokenId
	UnknownId         TokenId
	PadId             TokenId

	StopTokenIds []TokenId

	maxPieceRuneCount int
}

func NewVocabularyFromSentencePiece(vocabModelProto *sentencepiece.ModelProto) *Vocabulary {
	result := &Vocabulary{
		Kind:              VocabularyKindSentencePiece,
		TokenToId:         make(map[string]TokenId, len(vocabModelProto.Pieces)),
		IdToToken:         make([]TokenPiece, len(vocabModelProto.Pieces)),
		SpecialTokens:     make(map[string]TokenId),
		ByteFallbackIds:   make(map[byte]TokenId),
		UnknownId:         -1,
		BeginOfSentenceId: -1,
		EndOfSentenceId:   -1,
		PadId:             -1,
	}
	for i, piece := range vocabModelProto.Pieces {
		tokenId := TokenId(i)
		result.IdToToken[i] = TokenPiece{
			Piece:        piece.Piece,
			Rank:         int32(i),
			Score:        piece.Score,
			PieceType:    tokenPieceTypeFromSentencePiece(piece.PieceType),
			ByteFallback: piece.ByteFallback,
		}
		result.TokenToId[piece.Piece] = tokenId
		switch piece.PieceType {
		case sentencepiece.BYTE:
			result.ByteFallbackIds[piece.ByteFallback] = tokenId
		case sentencepiece.CONTROL, sentencepiece.UNKNOWN:
			result.SpecialTokens[piece.Piece] = tokenId
		default:
			if runeCount := utf8.RuneCountInString(piece.Piece); runeCount > result.maxPieceRuneCount {
				result.maxPieceRuneCount = runeCount
			}
		}
	}
	if id, ok := result.TokenToId[unknownToken]; ok {
		result.UnknownId = id
	}
	if id, ok := result.TokenToId[beginOfSentenceToken]; ok {
		result.BeginOfSentenceId = id
	}
	if id, ok := result.TokenToId[endOfSentenceToken]; ok {
		result.EndOfSentenceId = id
		result.StopTokenIds = append(result.StopTokenIds, id)
	}
	return result
}

func NewVocabularyFromTiktoken(modelData *tiktoken.ModelData) *Vocabulary {
	totalCount := len(modelData.MergeableRanks) + len(modelData.SpecialTokens)
	result := &Vocabulary{
		Kind:              VocabularyKindTiktoken,
		TokenToId:         make(map[string]TokenId, totalCount),
		IdToToken:         make([]TokenPiece, totalCount),
		SpecialTokens:     make(map[string]TokenId, len(modelData.SpecialTokens)),
		ByteFallbackIds:   make(map[byte]TokenId),
		UnknownId:         TokenId(modelData.UnknownId),
		BeginOfSentenceId: TokenId(modelData.BeginOfSentenceId),
		EndOfSentenceId:   TokenId(modelData.EndOfSentenceId),
		PadId:             TokenId(modelData.PadId),
	}
	for piece, rank := range modelData.MergeableRanks {
		result.IdToToken[rank] = TokenPiece{
			Piece:     piece,
			Rank:      int32(rank),
			PieceType: TokenPieceTypeNormal,
		}
		result.TokenToId[piece] = TokenId(rank)
		if len(piece) == 1 {
			result.ByteFallbackIds[piece[0]] = TokenId(rank)
		}
		if runeCount := utf8.RuneCountInString(piece); runeCount > result.maxPieceRuneCount {
			result.maxPieceRuneCount = runeCount
		}
	}
	for piece, id := range modelData.SpecialTokens {
		result.IdToToken[id] = TokenPiece{
			Piece:     piece,
			Rank:      int32(id),
			PieceType: TokenPieceTypeControl,
		}
		result.TokenToId[piece] = TokenId(id)
		result.SpecialTokens[piece] = TokenId(id)
	}
	for _, stopId := range modelData.StopTokenIds {
		result.StopTokenIds = append(result.StopTokenIds, TokenId(stopId))
	}
	return result
}

func tokenPieceTypeFromSentencePiece(t sentencepiece.Type) TokenPieceType {
	switch t {
	case sentencepiece.UNKNOWN:
		return TokenPieceTypeUnknown
	case sentencepiece.CONTROL:
		return TokenPieceTypeControl
	case sentencepiece.USER_DEFINED:
		return TokenPieceTypeUserDefined
	case sentencepiece.UNUSED:
		return TokenPieceTypeUnused
	case sentencepiece.BYTE:
		return TokenPieceTypeByte
	default:
		return TokenPieceTypeNormal
	}
}

func (v *Vocabulary) IsStopToken(tokenId TokenId) bool {
	for _, stopId := range v.StopTokenIds {
		if stopId == tokenId {
			return true
		}
	}
	return false
}

// LongestPieceRuneCount bounds the window the longest-match segmenter needs
// to look ahead. Byte and control pieces are excluded for SentencePiece
// vocabularies, they never participate in matching.
func (v *Vocabulary) LongestPieceRuneCount() int {
	return v.maxPieceRuneCount
}
