package pipeline

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"

	"github.com/coder/hnsw"
	"github.com/viterin/vek/vek32"
	"golang.org/x/sync/errgroup"
)

// Index is an in-process vector index over document chunks. Chunks are
// embedded through the engine and inserted into an HNSW graph (cosine
// distance, the library default); search results are re-scored with exact
// cosine similarity because graph traversal order is approximate.
type Index struct {
	engine Engine

	mu      sync.RWMutex
	graph   *hnsw.Graph[int]
	chunks  []Chunk
	vectors map[int][]float32
}

// ScoredChunk is one retrieval hit with its exact cosine similarity to the
// query, descending order.
type ScoredChunk struct {
	Chunk      Chunk
	Similarity float32
}

func NewIndex(engine Engine) *Index {
	return &Index{
		engine:  engine,
		graph:   hnsw.NewGraph[int](),
		vectors: make(map[int][]float32),
	}
}

func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.graph.Len()
}

// AddChunks embeds the chunks concurrently and inserts them under a single
// write lock. Keys are assigned from the insertion position, so chunks from
// successive calls never collide.
func (ix *Index) AddChunks(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	vectors := make([][]float32, len(chunks))
	wg, groupCtx := errgroup.WithContext(ctx)
	wg.SetLimit(runtime.GOMAXPROCS(0))
	for i, chunk := range chunks {
		i, chunk := i, chunk
		wg.Go(func() error {
			vector, err := ix.engine.Embed(groupCtx, chunk.Text)
			if err != nil {
				return fmt.Errorf("embedding chunk %d: %w", chunk.Index, err)
			}
			vectors[i] = vector
			return nil
		})
	}
	if err := wg.Wait(); err != nil {
		return err
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	nodes := make([]hnsw.Node[int], len(chunks))
	for i, chunk := range chunks {
		key := len(ix.chunks)
		ix.chunks = append(ix.chunks, chunk)
		ix.vectors[key] = vectors[i]
		nodes[i] = hnsw.MakeNode(key, vectors[i])
	}
	ix.graph.Add(nodes...)
	return nil
}

// Search embeds the question and returns the k most similar chunks.
func (ix *Index) Search(ctx context.Context, question string, k int) ([]ScoredChunk, error) {
	if k <= 0 {
		return nil, nil
	}
	queryVector, err := ix.engine.Embed(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("embedding question: %w", err)
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if ix.graph.Len() == 0 {
		return nil, nil
	}
	neighbors := ix.graph.Search(queryVector, k)
	result := make([]ScoredChunk, 0, len(neighbors))
	for _, neighbor := range neighbors {
		result = append(result, ScoredChunk{
			Chunk:      ix.chunks[neighbor.Key],
			Similarity: vek32.CosineSimilarity(queryVector, ix.vectors[neighbor.Key]),
		})
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Similarity > result[j].Similarity
	})
	return result, nil
}
