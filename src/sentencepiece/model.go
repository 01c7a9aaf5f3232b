package sentencepiece

import (
	"encoding/hex"
	"fmt"
	"regexp"

	"github.com/ypodo/VisualQuestionAnswering/src/common"
	"github.com/ypodo/VisualQuestionAnswering/src/protobuf"
)

// Field numbers and defaults follow sentencepiece_model.proto in the
// google/sentencepiece repository. Only the parts the tokenizer consumes
// are decoded.

// ModelProto is the decoded tokenizer model file.
type ModelProto struct {
	Pieces         []SentencePiece // field 1
	NormalizerSpec *NormalizerSpec // field 3
}

// SentencePiece is one vocabulary entry. Pieces of type BYTE also carry
// the byte value parsed out of their "<0xNN>" text form.
type SentencePiece struct {
	Piece     string
	Score     float32
	PieceType Type

	ByteFallback byte
}

var byteFallbackPattern = regexp.MustCompile(`<0x(\w+)>`)

func newSentencePiece(piece string, score float32, pieceType Type) SentencePiece {
	result := SentencePiece{
		Piece:     piece,
		Score:     score,
		PieceType: pieceType,
	}
	if result.PieceType == BYTE {
		match := byteFallbackPattern.FindStringSubmatch(result.Piece)
		if len(match) >= 2 {
			byteValue, err := hex.DecodeString(match[1])
			if err == nil && len(byteValue) == 1 {
				result.ByteFallback = byteValue[0]
			}
		}
	}
	return result
}

func (sp SentencePiece) String() string {
	return fmt.Sprintf("\"%s\" score: %f, type: %s", sp.Piece, sp.Score, sp.PieceType)
}

// NormalizerSpec describes the text normalization the model was trained
// with. The boolean fields default to true when absent from the file.
type NormalizerSpec struct {
	Name                   string // field 1
	PrecompiledCharsmap    []byte // field 2
	AddDummyPrefix         bool   // field 3
	RemoveExtraWhitespaces bool   // field 4
	EscapeWhitespaces      bool   // field 5
	NormalizationRuleTsv   string // field 6
}

// Type classifies a vocabulary piece.
type Type byte

const (
	NORMAL       Type = 1
	UNKNOWN      Type = 2 // the single <unk> piece
	CONTROL      Type = 3 // control pieces such as <s> and </s>
	USER_DEFINED Type = 4
	UNUSED       Type = 5
	BYTE         Type = 6 // byte fallback pieces, present when byte_fallback was trained
)

func (t Type) String() string {
	switch t {
	case NORMAL:
		return "NORMAL"
	case UNKNOWN:
		return "UNKNOWN"
	case CONTROL:
		return "CONTROL"
	case USER_DEFINED:
		return "USER_DEFINED"
	case UNUSED:
		return "UNUSED"
	case BYTE:
		return "BYTE"
	default:
		return "?"
	}
}

var modelprotoDescriptor = protobuf.ProtoDescriptor{
	MainObjectConstructorFn: func() any {
		return &ModelProto{Pieces: make([]SentencePiece, 0)}
	},
	MessageProcessorFns: map[protobuf.Number]func(any, protobuf.Message){
		1: processSentencePiece,
		2: func(any, protobuf.Message) {}, // TrainerSpec, not needed for tokenization
		3: processNormalizerSpec,
	},
}

// processSentencePiece appends one vocabulary entry: piece text (1),
// score (2) and piece type (3, NORMAL when absent).
func processSentencePiece(mainObject any, message protobuf.Message) {
	mo := mainObject.(*ModelProto)
	props, ok := message.Value.(map[protobuf.Number]any)
	if !ok {
		return
	}
	piece, _ := props[1].(string)
	score, _ := props[2].(float32)
	pieceTypeVal, err := common.InterfaceToInt(props[3])
	if err != nil {
		pieceTypeVal = int(NORMAL)
	}
	mo.Pieces = append(mo.Pieces, newSentencePiece(piece, score, Type(pieceTypeVal)))
}

func processNormalizerSpec(mainObject any, message protobuf.Message) {
	mo := mainObject.(*ModelProto)
	props, ok := message.Value.(map[protobuf.Number]any)
	if !ok {
		return
	}
	ns := NormalizerSpec{
		AddDummyPrefix:         common.InterfaceToBool(props[3], true),
		RemoveExtraWhitespaces: common.InterfaceToBool(props[4], true),
		EscapeWhitespaces:      common.InterfaceToBool(props[5], true),
	}
	ns.Name, _ = props[1].(string)
	ns.PrecompiledCharsmap, _ = props[2].([]byte)
	// A short rule file decodes as a string, a longer one arrives as bytes.
	if stringVal, ok := props[6].(string); ok {
		ns.NormalizationRuleTsv = stringVal
	} else if byteArrVal, ok := props[6].([]byte); ok {
		ns.NormalizationRuleTsv = string(byteArrVal)
	}
	mo.NormalizerSpec = &ns
}
