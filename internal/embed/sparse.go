package embed

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"

	"github.com/blevesearch/bleve/v2/analysis"
	"github.com/blevesearch/bleve/v2/analysis/lang/en"
	"github.com/blevesearch/bleve/v2/registry"
)

// SparseDimensions is the size of the hashed term space (2^20).
const SparseDimensions = 1 << 20

// LexicalEncoder builds sparse vectors from English text: bleve's "en"
// analyzer tokenizes, lowercases, drops stop words and stems; each term is
// hashed into SparseDimensions buckets and weighted 1+ln(tf); the vector is
// L2-normalised so that inner product behaves like cosine on term overlap.
type LexicalEncoder struct {
	analyzer analysis.Analyzer
}

var _ SparseEncoder = (*LexicalEncoder)(nil)

// NewLexicalEncoder creates an encoder using bleve's English analyzer.
func NewLexicalEncoder() (*LexicalEncoder, error) {
	analyzer, err := registry.NewCache().AnalyzerNamed(en.AnalyzerName)
	if err != nil {
		return nil, fmt.Errorf("load %q analyzer: %w", en.AnalyzerName, err)
	}
	return &LexicalEncoder{analyzer: analyzer}, nil
}

// EncodeSparse encodes each text. Text without indexable terms yields an empty vector.
func (e *LexicalEncoder) EncodeSparse(ctx context.Context, texts []string) ([]SparseVector, error) {
	out := make([]SparseVector, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = e.encode(text)
	}
	return out, nil
}

// Terms returns the analysed terms of text in order. Exposed for the static
// embedder, which shares the same normalisation.
func (e *LexicalEncoder) Terms(text string) []string {
	tokens := e.analyzer.Analyze([]byte(text))
	terms := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if len(tok.Term) > 0 {
			terms = append(terms, string(tok.Term))
		}
	}
	return terms
}

func (e *LexicalEncoder) encode(text string) SparseVector {
	tf := make(map[uint32]int)
	for _, term := range e.Terms(text) {
		tf[TermIndex(term)]++
	}

	vec := make(SparseVector, len(tf))
	var norm float64
	for idx, n := range tf {
		w := 1 + math.Log(float64(n))
		vec[idx] = float32(w)
		norm += w * w
	}
	if norm == 0 {
		return vec
	}
	norm = math.Sqrt(norm)
	for idx, w := range vec {
		vec[idx] = float32(float64(w) / norm)
	}
	return vec
}

// TermIndex hashes an analysed term into the sparse index space.
func TermIndex(term string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(term))
	return h.Sum32() % SparseDimensions
}
