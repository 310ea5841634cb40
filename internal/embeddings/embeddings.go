package embeddings

import (
	"context"
	"errors"
	"math"
)

var (
	// ErrEmptyInput indicates empty or nil input texts.
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmbeddingFailed indicates embedding generation failure, including
	// timeouts of the underlying provider call.
	ErrEmbeddingFailed = errors.New("embedding generation failed")
)

// Embedder generates unit-normalized vector embeddings from text.
type Embedder interface {
	// EmbedDocuments generates embeddings for multiple texts in one call.
	// Returns one vector per input text, in input order.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedQuery generates an embedding for a single query. Some models
	// optimize differently for queries vs documents.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Provider is an Embedder with a known output dimension and owned resources.
type Provider interface {
	Embedder

	// Dimension returns the embedding dimension for the configured model.
	Dimension() int

	// Close releases resources held by the provider.
	Close() error
}

// normalize scales v to unit length in place and returns it. Zero vectors
// are returned unchanged.
func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := 1 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
	return v
}

// normalizeAll normalizes every vector in place and returns the slice.
func normalizeAll(vectors [][]float32) [][]float32 {
	for i := range vectors {
		vectors[i] = normalize(vectors[i])
	}
	return vectors
}
