// Package index provides the in-memory similarity index owned by a session.
//
// The index is append-only: vectors are never updated or deleted
// individually, the whole index is dropped when its owning session goes
// away. Search is exact (brute-force inner product) rather than approximate;
// session indices are small and short-lived, so an ANN structure would buy
// nothing and would cost deterministic ordering.
package index

import (
	"errors"
	"fmt"
	"sort"
)

// ErrDimensionMismatch is returned when a vector does not match the index
// dimension fixed at construction.
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// Hit is a single nearest-neighbor match.
type Hit struct {
	// Position is the insertion position of the matched vector.
	Position int

	// Score is the raw inner product with the query. Vectors are
	// unit-normalized, so this equals cosine similarity.
	Score float32
}

// Flat is an append-only collection of fixed-dimension unit vectors
// supporting exact top-k search by inner product.
//
// Flat is not safe for concurrent use. Each session owns exactly one Flat
// and serializes access through its own critical section.
type Flat struct {
	dimension int
	vectors   [][]float32
}

// NewFlat creates an empty index for vectors of the given dimension.
func NewFlat(dimension int) (*Flat, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("dimension must be positive, got %d", dimension)
	}
	return &Flat{dimension: dimension}, nil
}

// Dimension returns the vector dimension fixed at construction.
func (f *Flat) Dimension() int {
	return f.dimension
}

// Size returns the number of stored vectors.
func (f *Flat) Size() int {
	return len(f.vectors)
}

// Append adds vectors in order. All vectors are validated before any is
// appended, so a dimension mismatch leaves the index unchanged.
func (f *Flat) Append(vectors [][]float32) error {
	for i, v := range vectors {
		if len(v) != f.dimension {
			return fmt.Errorf("%w: vector %d has dimension %d, index expects %d",
				ErrDimensionMismatch, i, len(v), f.dimension)
		}
	}
	f.vectors = append(f.vectors, vectors...)
	return nil
}

// Search returns the top-k stored vectors ranked by descending inner product
// with query. k is clamped to the index size. Ties in score are broken by
// ascending insertion position so results are deterministic.
func (f *Flat) Search(query []float32, k int) ([]Hit, error) {
	if len(query) != f.dimension {
		return nil, fmt.Errorf("%w: query has dimension %d, index expects %d",
			ErrDimensionMismatch, len(query), f.dimension)
	}
	if k <= 0 || len(f.vectors) == 0 {
		return []Hit{}, nil
	}
	if k > len(f.vectors) {
		k = len(f.vectors)
	}

	hits := make([]Hit, len(f.vectors))
	for i, v := range f.vectors {
		hits[i] = Hit{Position: i, Score: dot(query, v)}
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Position < hits[j].Position
	})

	return hits[:k], nil
}

// dot computes the inner product of two equal-length vectors.
func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}
