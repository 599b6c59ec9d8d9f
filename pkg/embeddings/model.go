// Package embeddings turns text into vectors for semantic transformers.
package embeddings

import (
	"context"
	"math"

	"github.com/ik-labs/textile/pkg/errors"
)

// Model encodes text into embedding vectors. Implementations must be safe
// for concurrent use.
type Model interface {
	Encode(ctx context.Context, text string) ([]float32, error)
	EncodeBatch(ctx context.Context, texts []string) ([][]float32, error)
	// Dimension returns the vector size, or 0 if it is not known yet.
	Dimension() int
}

// CosineSimilarity returns the cosine of the angle between a and b clamped
// to [0, 1]. Zero vectors have similarity 0.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, errors.Newf(errors.KindValue, "vectors must have same length, got %d and %d", len(a), len(b))
	}

	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0, nil
	}

	similarity := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	return math.Max(0, math.Min(1, similarity)), nil
}
