// Package embed turns text into the dense and sparse vectors stored by the
// vector store. Dense vectors come from an Embedder (a model served by
// Ollama, or the offline static hasher); sparse vectors come from a
// lexical term-weighting encoder that does not depend on the dense model.
package embed

import (
	"context"
	"math"
	"time"
)

const (
	// MaxBatchSize caps a single model request.
	MaxBatchSize = 256

	// DefaultBatchSize is the number of texts sent to the model per request.
	DefaultBatchSize = 32

	// DefaultTimeout bounds one embedding request.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxRetries is the number of retries after a transient failure.
	DefaultMaxRetries = 3

	// DefaultDimensions matches the deployed dense model (bge-m3).
	DefaultDimensions = 1024
)

// Embedder generates dense vector embeddings for text.
type Embedder interface {
	// Embed generates embedding for a single text
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts. It either returns
	// one vector per input or an error; never a partial result.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding dimension
	Dimensions() int

	// ModelName returns the model identifier
	ModelName() string

	// Available checks if the embedder is ready
	Available(ctx context.Context) bool

	// Close releases resources
	Close() error
}

// SparseVector maps a term index to its weight. Absent terms weigh zero.
type SparseVector map[uint32]float32

// Dot returns the inner product of two sparse vectors.
func (s SparseVector) Dot(other SparseVector) float32 {
	a, b := s, other
	if len(b) < len(a) {
		a, b = b, a
	}
	var sum float32
	for k, v := range a {
		if w, ok := b[k]; ok {
			sum += v * w
		}
	}
	return sum
}

// SparseEncoder produces lexical term-weight vectors.
type SparseEncoder interface {
	EncodeSparse(ctx context.Context, texts []string) ([]SparseVector, error)
}

// Encoding is the dense and sparse representation of one text.
type Encoding struct {
	Dense  []float32
	Sparse SparseVector
}

// normalizeVector normalizes a vector to unit length.
func normalizeVector(v []float32) []float32 {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}

	magnitude := math.Sqrt(sumSquares)
	if magnitude == 0 {
		return v
	}

	normalized := make([]float32, len(v))
	for i, val := range v {
		normalized[i] = float32(float64(val) / magnitude)
	}
	return normalized
}
