package tiktoken

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// parseVocabLine splits one "base64piece rank" pair of a tiktoken
// vocabulary file.
func parseVocabLine(line string) (string, int, error) {
	fields := strings.Split(line, " ")
	if len(fields) != 2 {
		return "", 0, fmt.Errorf("expected a \"piece rank\" pair, got %d fields", len(fields))
	}
	piece, err := base64.StdEncoding.DecodeString(fields[0])
	if err != nil {
		return "", 0, err
	}
	rank, err := strconv.Atoi(fields[1])
	if err != nil {
		return "", 0, err
	}
	return string(piece), rank, nil
}

func loadTiktokenBpe(vocabFilePath string) (map[string]int, error) {
	vocabFile, err := os.Open(vocabFilePath)
	if err != nil {
		return nil, err
	}
	defer vocabFile.Close()

	result := make(map[string]int)

	scanner := bufio.NewScanner(vocabFile)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if line == "" {
			continue
		}
		piece, rank, err := parseVocabLine(line)
		if err != nil {
			return nil, fmt.Errorf("malformed line %d in vocabulary file \"%s\": %w", lineNum, vocabFilePath, err)
		}
		result[piece] = rank
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Load reads a tiktoken vocabulary file and appends the fixed block of
// 256 special tokens after the mergeable pieces, the same layout the
// Llama 3 tokenizer uses.
func Load(vocabFilePath string) (*ModelData, error) {
	mergeableRanks, err := loadTiktokenBpe(vocabFilePath)
	if err != nil {
		return nil, err
	}
	baseTokensCount := len(mergeableRanks)

	reservedSpecialTokensCount := 256

	specialTokensArr := []string{
		"<|begin_of_text|>",
		"<|end_of_text|>",
		"<|reserved_special_token_0|>",
		"<|reserved_special_token_1|>",
		"<|finetune_right_pad_id|>",
		"<|step_id|>",
		"<|start_header_id|>",
		"<|end_header_id|>",
		"<|eom_id|>", // end of message
		"<|eot_id|>", // end of turn
		"<|python_tag|>",
	}

	reservedTokensArr := make([]string, reservedSpecialTokensCount-len(specialTokensArr))
	for i := 0; i < len(reservedTokensArr); i++ {
		reservedTokensArr[i] = fmt.Sprintf("<|reserved_special_token_%d|>", 2+i)
	}
	specialTokensArr = append(specialTokensArr, reservedTokensArr...)

	specialTokens := make(map[string]int)
	for i, token := range specialTokensArr {
		specialTokens[token] = baseTokensCount + i
	}

	result := &ModelData{
		MergeableRanks: mergeableRanks,
		SpecialTokens:  specialTokens,

		BeginOfSentenceId: specialTokens["<|begin_of_text|>"],
		EndOfSentenceId:   specialTokens["<|end_of_text|>"],
		PadId:             specialTokens["<|finetune_right_pad_id|>"],
		UnknownId:         -1,
		StopTokenIds: []int{
			specialTokens["<|eot_id|>"],
			specialTokens["<|eom_id|>"],
			specialTokens["<|end_of_text|>"],
		},
	}

	return result, nil
}
