package embed

import (
	"context"
	"fmt"

	rerrors "github.com/odprt-iep/hybridrag/internal/errors"
)

// Provider pairs a dense Embedder with a SparseEncoder.
// It holds no mutable state of its own and is safe for concurrent use.
type Provider struct {
	dense     Embedder
	sparse    SparseEncoder
	batchSize int
}

// NewProvider creates a provider. batchSize <= 0 uses DefaultBatchSize.
func NewProvider(dense Embedder, sparse SparseEncoder, batchSize int) *Provider {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Provider{dense: dense, sparse: sparse, batchSize: batchSize}
}

// Dimensions returns the dense vector width.
func (p *Provider) Dimensions() int { return p.dense.Dimensions() }

// ModelName returns the dense model identifier.
func (p *Provider) ModelName() string { return p.dense.ModelName() }

// Available reports whether the dense model is reachable.
func (p *Provider) Available(ctx context.Context) bool { return p.dense.Available(ctx) }

// Close releases the dense embedder.
func (p *Provider) Close() error { return p.dense.Close() }

// EncodeDense embeds texts in batches. The call is atomic: on any failure
// no vectors are returned.
func (p *Provider) EncodeDense(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	dims := p.dense.Dimensions()
	for start := 0; start < len(texts); start += p.batchSize {
		end := min(start+p.batchSize, len(texts))
		vecs, err := p.dense.EmbedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, classify(err)
		}
		if len(vecs) != end-start {
			return nil, rerrors.New(rerrors.ErrCodeMalformedOutput,
				fmt.Sprintf("embedder returned %d vectors for %d texts", len(vecs), end-start), nil)
		}
		for _, v := range vecs {
			if len(v) != dims {
				return nil, rerrors.New(rerrors.ErrCodeDimensionMismatch,
					fmt.Sprintf("embedding has %d dimensions, expected %d", len(v), dims), nil)
			}
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// EncodeSparse computes lexical vectors for texts.
func (p *Provider) EncodeSparse(ctx context.Context, texts []string) ([]SparseVector, error) {
	vecs, err := p.sparse.EncodeSparse(ctx, texts)
	if err != nil {
		return nil, classify(err)
	}
	return vecs, nil
}

// Encode returns the dense and sparse encodings of texts, or an error and
// nothing at all.
func (p *Provider) Encode(ctx context.Context, texts []string) ([]Encoding, error) {
	dense, err := p.EncodeDense(ctx, texts)
	if err != nil {
		return nil, err
	}
	sparse, err := p.EncodeSparse(ctx, texts)
	if err != nil {
		return nil, err
	}

	out := make([]Encoding, len(texts))
	for i := range texts {
		out[i] = Encoding{Dense: dense[i], Sparse: sparse[i]}
	}
	return out, nil
}

// classify keeps structured errors as they are and turns a bare deadline
// into a retryable embedding outage.
func classify(err error) error {
	if _, ok := rerrors.As(err); ok {
		return err
	}
	if rerrors.IsRetryable(err) {
		return rerrors.New(rerrors.ErrCodeEmbeddingUnavailable, "embedding model unavailable", err)
	}
	return err
}
