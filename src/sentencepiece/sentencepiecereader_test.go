package sentencepiece

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func appendVarint(buf *bytes.Buffer, val uint64) {
	for val >= 0x80 {
		buf.WriteByte(byte(val) | 0x80)
		val >>= 7
	}
	buf.WriteByte(byte(val))
}

func appendBytesField(buf *bytes.Buffer, number int, content []byte) {
	appendVarint(buf, uint64(number)<<3|2)
	appendVarint(buf, uint64(len(content)))
	buf.Write(content)
}

func appendVarintField(buf *bytes.Buffer, number int, val uint64) {
	appendVarint(buf, uint64(number)<<3|0)
	appendVarint(buf, val)
}

func appendFloat32Field(buf *bytes.Buffer, number int, val float32) {
	appendVarint(buf, uint64(number)<<3|5)
	var valBuf [4]byte
	binary.LittleEndian.PutUint32(valBuf[:], math.Float32bits(val))
	buf.Write(valBuf[:])
}

func appendPiece(buf *bytes.Buffer, piece string, score float32, pieceType Type) {
	var pieceBuf bytes.Buffer
	appendBytesField(&pieceBuf, 1, []byte(piece))
	appendFloat32Field(&pieceBuf, 2, score)
	// NORMAL is the proto default and is not serialized.
	if pieceType != NORMAL {
		appendVarintField(&pieceBuf, 3, uint64(pieceType))
	}
	appendBytesField(buf, 1, pieceBuf.Bytes())
}

func buildVocabModelFile(t *testing.T) string {
	var buf bytes.Buffer
	appendPiece(&buf, "<unk>", 0, UNKNOWN)
	appendPiece(&buf, "<s>", 0, CONTROL)
	appendPiece(&buf, "</s>", 0, CONTROL)
	appendPiece(&buf, "▁ab", -1.5, NORMAL)
	appendPiece(&buf, "er", -2.0, NORMAL)
	appendPiece(&buf, "in", -2.5, NORMAL)
	appendPiece(&buf, "<0x0A>", 0, BYTE)

	var normalizerBuf bytes.Buffer
	appendBytesField(&normalizerBuf, 1, []byte("identity"))
	appendBytesField(&normalizerBuf, 2, nil)
	appendVarintField(&normalizerBuf, 3, 1) // add_dummy_prefix
	appendVarintField(&normalizerBuf, 4, 0) // remove_extra_whitespaces
	appendVarintField(&normalizerBuf, 5, 1) // escape_whitespaces
	appendBytesField(&buf, 3, normalizerBuf.Bytes())

	vocabFilePath := filepath.Join(t.TempDir(), "tokenizer.model")
	if err := os.WriteFile(vocabFilePath, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return vocabFilePath
}

func TestLoadVocabModel(t *testing.T) {
	model, err := Load(buildVocabModelFile(t))
	if err != nil {
		t.Fatal(err)
	}
	expectedPieces := []SentencePiece{
		{Piece: "<unk>", Score: 0, PieceType: UNKNOWN},
		{Piece: "<s>", Score: 0, PieceType: CONTROL},
		{Piece: "</s>", Score: 0, PieceType: CONTROL},
		{Piece: "▁ab", Score: -1.5, PieceType: NORMAL},
		{Piece: "er", Score: -2.0, PieceType: NORMAL},
		{Piece: "in", Score: -2.5, PieceType: NORMAL},
		{Piece: "<0x0A>", Score: 0, PieceType: BYTE, ByteFallback: 0x0A},
	}
	if len(model.Pieces) != len(expectedPieces) {
		t.Fatalf("expected %d pieces, but got %d", len(expectedPieces), len(model.Pieces))
	}
	for i, expected := range expectedPieces {
		if model.Pieces[i] != expected {
			t.Errorf("expected piece %v at index %d, but got %v", expected, i, model.Pieces[i])
		}
	}

	if model.NormalizerSpec == nil {
		t.Fatal("normalizer spec expected")
	}
	if model.NormalizerSpec.Name != "identity" {
		t.Errorf("expected normalizer name \"identity\", but got \"%s\"", model.NormalizerSpec.Name)
	}
	if !model.NormalizerSpec.AddDummyPrefix {
		t.Errorf("add_dummy_prefix expected to be true")
	}
	if model.NormalizerSpec.RemoveExtraWhitespaces {
		t.Errorf("remove_extra_whitespaces expected to be false")
	}
	if !model.NormalizerSpec.EscapeWhitespaces {
		t.Errorf("escape_whitespaces expected to be true")
	}
}

func TestByteFallbackExtraction(t *testing.T) {
	piece := newSentencePiece("<0xE2>", 0, BYTE)
	if piece.ByteFallback != 0xE2 {
		t.Errorf("expected byte fallback 0xE2, but got 0x%X", piece.ByteFallback)
	}
	nonBytePiece := newSentencePiece("<0xE2>", 0, NORMAL)
	if nonBytePiece.ByteFallback != 0 {
		t.Errorf("expected no byte fallback for NORMAL piece, but got 0x%X", nonBytePiece.ByteFallback)
	}
}
