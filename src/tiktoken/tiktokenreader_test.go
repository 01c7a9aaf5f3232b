package tiktoken

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func buildVocabFile(t *testing.T, tokens []string) string {
	var builder strings.Builder
	for rank, token := range tokens {
		fmt.Fprintf(&builder, "%s %d\n", base64.StdEncoding.EncodeToString([]byte(token)), rank)
	}
	vocabFilePath := filepath.Join(t.TempDir(), "tokenizer.model")
	if err := os.WriteFile(vocabFilePath, []byte(builder.String()), 0o644); err != nil {
		t.Fatal(err)
	}
	return vocabFilePath
}

func TestLoadModelData(t *testing.T) {
	baseTokens := []string{"a", "b", "ab", " hello", "\n"}
	modelData, err := Load(buildVocabFile(t, baseTokens))
	if err != nil {
		t.Fatal(err)
	}
	if len(modelData.MergeableRanks) != len(baseTokens) {
		t.Fatalf("expected %d mergeable ranks, but got %d", len(baseTokens), len(modelData.MergeableRanks))
	}
	for rank, token := range baseTokens {
		if actualRank, ok := modelData.MergeableRanks[token]; !ok || actualRank != rank {
			t.Errorf("expected rank %d for token %q, but got %d", rank, token, actualRank)
		}
	}
	if len(modelData.SpecialTokens) != 256 {
		t.Errorf("expected 256 special tokens, but got %d", len(modelData.SpecialTokens))
	}

	baseCount := len(baseTokens)
	if modelData.BeginOfSentenceId != baseCount {
		t.Errorf("expected begin of sentence id %d, but got %d", baseCount, modelData.BeginOfSentenceId)
	}
	if modelData.EndOfSentenceId != baseCount+1 {
		t.Errorf("expected end of sentence id %d, but got %d", baseCount+1, modelData.EndOfSentenceId)
	}
	if expected := modelData.SpecialTokens["<|finetune_right_pad_id|>"]; modelData.PadId != expected {
		t.Errorf("expected pad id %d, but got %d", expected, modelData.PadId)
	}
	if modelData.UnknownId != -1 {
		t.Errorf("expected unknown id -1, but got %d", modelData.UnknownId)
	}

	expectedStops := []int{
		modelData.SpecialTokens["<|eot_id|>"],
		modelData.SpecialTokens["<|eom_id|>"],
		modelData.SpecialTokens["<|end_of_text|>"],
	}
	if len(modelData.StopTokenIds) != len(expectedStops) {
		t.Fatalf("expected %d stop token ids, but got %d", len(expectedStops), len(modelData.StopTokenIds))
	}
	for i, expected := range expectedStops {
		if modelData.StopTokenIds[i] != expected {
			t.Errorf("expected stop token id %d at index %d, but got %d", expected, i, modelData.StopTokenIds[i])
		}
	}

	if _, ok := modelData.SpecialTokens["<|reserved_special_token_246|>"]; !ok {
		t.Errorf("reserved special token fillers expected up to 246")
	}
	if _, ok := modelData.SpecialTokens["<|reserved_special_token_247|>"]; ok {
		t.Errorf("reserved special token fillers expected to stop at 246")
	}
}

func TestLoadMalformedVocabFile(t *testing.T) {
	vocabFilePath := filepath.Join(t.TempDir(), "tokenizer.model")
	if err := os.WriteFile(vocabFilePath, []byte("not-base64-!!! 0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(vocabFilePath); err == nil {
		t.Errorf("error expected for malformed vocabulary file")
	}
}
