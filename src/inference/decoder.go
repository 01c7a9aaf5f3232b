package inference

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ypodo/VisualQuestionAnswering/src/model"
)

// TokenDecoder turns token ids back into text. Byte fallback pieces carry
// one raw byte each, a multi-byte rune (an emoji, say) arrives over several
// tokens; the decoder holds those bytes back until they form a complete
// rune. Not safe for concurrent use, every generation stream owns one.
type TokenDecoder struct {
	vocabulary   *model.Vocabulary
	waitingBytes []byte
}

func NewTokenDecoder(vocabulary *model.Vocabulary) *TokenDecoder {
	return &TokenDecoder{vocabulary: vocabulary}
}

// Decode returns the vocabulary piece of the token and its displayable text
// fragment. addedToWaiting reports that the token's byte went into the
// pending buffer without completing a rune yet. Control pieces decode to
// nothing.
func (td *TokenDecoder) Decode(tokenId model.TokenId) (piece model.TokenPiece, text string, addedToWaiting bool) {
	vocabulary := td.vocabulary
	if tokenId < 0 || int(tokenId) >= len(vocabulary.IdToToken) {
		return model.TokenPiece{PieceType: model.TokenPieceTypeUnknown}, unknownOutputToken, false
	}
	piece = vocabulary.IdToToken[tokenId]
	switch piece.PieceType {
	case model.TokenPieceTypeControl:
		return piece, "", false
	case model.TokenPieceTypeUnknown:
		return piece, unknownOutputToken, false
	case model.TokenPieceTypeByte:
		td.waitingBytes = append(td.waitingBytes, piece.ByteFallback)
		flushed := td.flushCompleteRunes()
		if flushed == "" {
			return piece, "", true
		}
		return piece, unescapeWhitespace(flushed), false
	default:
		return piece, unescapeWhitespace(piece.Piece), false
	}
}

func (td *TokenDecoder) flushCompleteRunes() string {
	var flushed strings.Builder
	for len(td.waitingBytes) > 0 && utf8.FullRune(td.waitingBytes) {
		r, size := utf8.DecodeRune(td.waitingBytes)
		td.waitingBytes = td.waitingBytes[size:]
		if r == utf8.RuneError && size == 1 {
			flushed.WriteString(unknownOutputToken)
		} else {
			flushed.WriteRune(r)
		}
	}
	return flushed.String()
}

// WaitingBytes returns a copy of the bytes still pending completion.
func (td *TokenDecoder) WaitingBytes() []byte {
	if len(td.waitingBytes) == 0 {
		return nil
	}
	return append([]byte(nil), td.waitingBytes...)
}

// TokenBatchToString decodes a token id sequence into its pieces and the
// concatenated text. Decoding stops at the first pad id, the filler after a
// finished row carries no text.
func (ie *InferenceEngine) TokenBatchToString(tokenIdBatch []model.TokenId) ([]model.TokenPiece, string) {
	decoder := NewTokenDecoder(ie.model.Vocabulary)
	resultTokens := make([]model.TokenPiece, 0, len(tokenIdBatch))
	var resultText strings.Builder
	for _, tokenId := range tokenIdBatch {
		if tokenId == ie.model.Vocabulary.PadId {
			break
		}
		piece, text, _ := decoder.Decode(tokenId)
		resultTokens = append(resultTokens, piece)
		resultText.WriteString(text)
	}
	return resultTokens, resultText.String()
}

func (ie *InferenceEngine) TokenBatchToDebugString(tokenIdBatch []model.TokenId) string {
	vocabulary := ie.model.Vocabulary
	resultStrArray := make([]string, 0, len(tokenIdBatch))
	for _, tokenId := range tokenIdBatch {
		if tokenId == vocabulary.PadId {
			break
		}
		if tokenId < 0 || int(tokenId) >= len(vocabulary.IdToToken) {
			resultStrArray = append(resultStrArray, fmt.Sprintf("[id: %d, UNKNOWN ID]", tokenId))
			continue
		}
		resultStrArray = append(resultStrArray, fmt.Sprintf("[id: %d, %s]", tokenId, vocabulary.IdToToken[tokenId].String()))
	}
	return strings.Join(resultStrArray, ", ")
}
