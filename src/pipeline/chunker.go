package pipeline

import "strings"

const (
	DefaultChunkWindowWords  = 64
	DefaultChunkOverlapWords = 16
)

// Chunk is one retrieval unit of a document: a fixed-size word window.
// Start and End are the [start, end) word range inside the document the
// chunk was cut from, in the same index space answer spans use.
type Chunk struct {
	Index int
	Text  string
	Start int
	End   int
}

// ChunkWords cuts the word list into overlapping windows. The last window
// may be shorter; consecutive windows share overlapWords words so an answer
// sitting on a window boundary is fully contained in at least one chunk.
func ChunkWords(words []string, windowWords int, overlapWords int) []Chunk {
	if len(words) == 0 {
		return nil
	}
	if windowWords <= 0 {
		windowWords = DefaultChunkWindowWords
	}
	if overlapWords < 0 {
		overlapWords = 0
	}
	if overlapWords >= windowWords {
		overlapWords = windowWords - 1
	}
	stride := windowWords - overlapWords

	var chunks []Chunk
	for start := 0; start < len(words); start += stride {
		end := start + windowWords
		if end > len(words) {
			end = len(words)
		}
		chunks = append(chunks, Chunk{
			Index: len(chunks),
			Text:  strings.Join(words[start:end], " "),
			Start: start,
			End:   end,
		})
		if end == len(words) {
			break
		}
	}
	return chunks
}
