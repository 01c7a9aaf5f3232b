package pipeline

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func numberedWords(n int) []string {
	words := make([]string, n)
	for i := range words {
		words[i] = fmt.Sprintf("w%d", i)
	}
	return words
}

func TestChunkWordsEmptyInput(t *testing.T) {
	assert.Nil(t, ChunkWords(nil, 4, 1))
	assert.Nil(t, ChunkWords([]string{}, 4, 1))
}

func TestChunkWordsSingleShortChunk(t *testing.T) {
	words := []string{"only", "three", "words"}
	chunks := ChunkWords(words, 10, 2)
	require.Len(t, chunks, 1)
	assert.Equal(t, 0, chunks[0].Index)
	assert.Equal(t, 0, chunks[0].Start)
	assert.Equal(t, 3, chunks[0].End)
	assert.Equal(t, "only three words", chunks[0].Text)
}

func TestChunkWordsOverlappingWindows(t *testing.T) {
	words := numberedWords(10)
	chunks := ChunkWords(words, 4, 2)
	require.Len(t, chunks, 4)
	for i, chunk := range chunks {
		assert.Equal(t, i, chunk.Index)
		assert.Equal(t, strings.Join(words[chunk.Start:chunk.End], " "), chunk.Text)
	}
	assert.Equal(t, 0, chunks[0].Start)
	assert.Equal(t, 4, chunks[0].End)
	assert.Equal(t, 2, chunks[1].Start)
	assert.Equal(t, 6, chunks[1].End)
	assert.Equal(t, 6, chunks[3].Start)
	assert.Equal(t, 10, chunks[3].End, "last window must end at the word count")
}

func TestChunkWordsShorterTail(t *testing.T) {
	words := numberedWords(9)
	chunks := ChunkWords(words, 4, 0)
	require.Len(t, chunks, 3)
	assert.Equal(t, 8, chunks[2].Start)
	assert.Equal(t, 9, chunks[2].End)
	assert.Equal(t, "w8", chunks[2].Text)
}

func TestChunkWordsClampsOverlap(t *testing.T) {
	// An overlap at or above the window would make the stride nonpositive.
	chunks := ChunkWords(numberedWords(6), 3, 5)
	require.NotEmpty(t, chunks)
	assert.Equal(t, 1, chunks[1].Start-chunks[0].Start, "stride must clamp to one")
	assert.Equal(t, 6, chunks[len(chunks)-1].End)
}

func TestChunkWordsNegativeOverlap(t *testing.T) {
	chunks := ChunkWords(numberedWords(8), 4, -3)
	require.Len(t, chunks, 2)
	assert.Equal(t, 4, chunks[1].Start)
}

func TestChunkWordsDefaultWindow(t *testing.T) {
	words := numberedWords(DefaultChunkWindowWords + 1)
	chunks := ChunkWords(words, 0, 0)
	require.Len(t, chunks, 2)
	assert.Equal(t, DefaultChunkWindowWords, chunks[0].End)
}

func TestChunkWordsEveryWordCovered(t *testing.T) {
	words := numberedWords(53)
	chunks := ChunkWords(words, 7, 3)
	covered := make([]bool, len(words))
	for _, chunk := range chunks {
		for i := chunk.Start; i < chunk.End; i++ {
			covered[i] = true
		}
	}
	for i, ok := range covered {
		assert.True(t, ok, "word %d must be inside some chunk", i)
	}
}
