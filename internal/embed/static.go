package embed

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"unicode"
)

// StaticModelName identifies vectors produced by StaticEmbedder.
const StaticModelName = "static"

// Weights for vector generation
const (
	termWeight  = 0.7
	ngramWeight = 0.3
	ngramSize   = 3
)

// StaticEmbedder generates embeddings by feature hashing analysed terms and
// character trigrams. It needs no network or model download and is fully
// deterministic, at the cost of semantic quality. Used offline and in tests.
type StaticEmbedder struct {
	dims    int
	lexicon *LexicalEncoder

	mu     sync.RWMutex
	closed bool
}

var _ Embedder = (*StaticEmbedder)(nil)

// NewStaticEmbedder creates a static embedder producing dims-wide vectors.
func NewStaticEmbedder(dims int) (*StaticEmbedder, error) {
	if dims <= 0 {
		return nil, fmt.Errorf("static embedder: dimensions must be positive, got %d", dims)
	}
	lexicon, err := NewLexicalEncoder()
	if err != nil {
		return nil, err
	}
	return &StaticEmbedder{dims: dims, lexicon: lexicon}, nil
}

// Embed generates embedding for a single text.
// Text with no letters or digits maps to a fixed unit vector so that cosine
// distance stays defined.
func (e *StaticEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("embedder is closed")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vector := make([]float32, e.dims)
	for _, term := range e.lexicon.Terms(text) {
		vector[hashToIndex(term, e.dims)] += termWeight
	}
	for _, ng := range extractNgrams(normalizeForNgrams(text), ngramSize) {
		vector[hashToIndex(ng, e.dims)] += ngramWeight
	}

	empty := true
	for _, v := range vector {
		if v != 0 {
			empty = false
			break
		}
	}
	if empty {
		vector[0] = 1
		return vector, nil
	}
	return normalizeVector(vector), nil
}

// EmbedBatch generates embeddings for multiple texts.
func (e *StaticEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	for i, text := range texts {
		emb, err := e.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embed text %d: %w", i, err)
		}
		results[i] = emb
	}
	return results, nil
}

// Dimensions returns the embedding dimension.
func (e *StaticEmbedder) Dimensions() int { return e.dims }

// ModelName returns the model identifier.
func (e *StaticEmbedder) ModelName() string { return StaticModelName }

// Available reports whether the embedder is open.
func (e *StaticEmbedder) Available(context.Context) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return !e.closed
}

// Close marks the embedder closed. Idempotent.
func (e *StaticEmbedder) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}

// normalizeForNgrams lowercases text and keeps letters and digits only.
func normalizeForNgrams(text string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// extractNgrams returns the n-rune sliding windows of text.
func extractNgrams(text string, n int) []string {
	runes := []rune(text)
	if len(runes) < n {
		return nil
	}
	ngrams := make([]string, 0, len(runes)-n+1)
	for i := 0; i+n <= len(runes); i++ {
		ngrams = append(ngrams, string(runes[i:i+n]))
	}
	return ngrams
}

func hashToIndex(s string, size int) int {
	h := fnv.New64()
	_, _ = h.Write([]byte(s))
	return int(h.Sum64() % uint64(size))
}
