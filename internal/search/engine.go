// Package search turns a user query into retrieval context: it encodes the
// query once, runs a hybrid dense + sparse search over the collection, and
// formats the fused hits as the context block handed to the generator.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/odprt-iep/hybridrag/internal/embed"
	rerrors "github.com/odprt-iep/hybridrag/internal/errors"
	"github.com/odprt-iep/hybridrag/internal/store"
)

// Default search parameters.
const (
	DefaultTopKDense      = 3
	DefaultTopKSparse     = 3
	DefaultLimit          = 3
	DefaultMaxQueryLength = 4000

	// ItemSeparator joins formatted items into the context block.
	ItemSeparator = "\n\n"
)

// ErrNilDependency is returned when a required dependency is nil.
var ErrNilDependency = errors.New("nil dependency")

// Searcher produces retrieval context for a query.
type Searcher interface {
	Search(ctx context.Context, query string) (*Result, error)
}

// QueryEncoder encodes text into dense and sparse vectors.
type QueryEncoder interface {
	Encode(ctx context.Context, texts []string) ([]embed.Encoding, error)
}

// Index answers hybrid queries. *store.Collection implements it.
type Index interface {
	HybridSearch(ctx context.Context, req store.HybridRequest) ([]store.ScoredRecord, error)
}

// Result is the retrieval output. An empty collection yields an empty
// Context and no Items, which is not an error.
type Result struct {
	Context string
	Items   []string
	Hits    []store.ScoredRecord
}

// Sources returns the distinct doc sources of the hits in rank order.
func (r *Result) Sources() []string {
	seen := make(map[string]bool, len(r.Hits))
	var out []string
	for _, h := range r.Hits {
		if !seen[h.DocSource] {
			seen[h.DocSource] = true
			out = append(out, h.DocSource)
		}
	}
	return out
}

// Config holds the per-leg and fused result limits.
type Config struct {
	TopKDense      int
	TopKSparse     int
	Limit          int
	RRFConstant    int
	MaxQueryLength int
}

// DefaultConfig returns the deployed retrieval parameters.
func DefaultConfig() Config {
	return Config{
		TopKDense:      DefaultTopKDense,
		TopKSparse:     DefaultTopKSparse,
		Limit:          DefaultLimit,
		RRFConstant:    store.DefaultRRFConstant,
		MaxQueryLength: DefaultMaxQueryLength,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TopKDense <= 0 {
		c.TopKDense = d.TopKDense
	}
	if c.TopKSparse <= 0 {
		c.TopKSparse = d.TopKSparse
	}
	if c.Limit <= 0 {
		c.Limit = d.Limit
	}
	if c.RRFConstant <= 0 {
		c.RRFConstant = d.RRFConstant
	}
	if c.MaxQueryLength <= 0 {
		c.MaxQueryLength = d.MaxQueryLength
	}
	return c
}

// Engine implements Searcher over one collection.
type Engine struct {
	encoder QueryEncoder
	index   Index
	config  Config
}

var _ Searcher = (*Engine)(nil)

// NewEngine creates a search engine. Zero config fields take defaults.
func NewEngine(encoder QueryEncoder, index Index, config Config) (*Engine, error) {
	if encoder == nil {
		return nil, fmt.Errorf("%w: query encoder is required", ErrNilDependency)
	}
	if index == nil {
		return nil, fmt.Errorf("%w: index is required", ErrNilDependency)
	}
	return &Engine{encoder: encoder, index: index, config: config.withDefaults()}, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.config }

// Search encodes the query once, runs the hybrid search and formats the hits.
func (e *Engine) Search(ctx context.Context, query string) (*Result, error) {
	start := time.Now()

	if err := ValidateQuery(query, e.config.MaxQueryLength); err != nil {
		return nil, err
	}

	enc, err := e.encoder.Encode(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(enc) != 1 {
		return nil, rerrors.New(rerrors.ErrCodeMalformedOutput,
			fmt.Sprintf("encoder returned %d encodings for one query", len(enc)), nil)
	}

	hits, err := e.index.HybridSearch(ctx, store.HybridRequest{
		Dense:       enc[0].Dense,
		Sparse:      enc[0].Sparse,
		TopKDense:   e.config.TopKDense,
		TopKSparse:  e.config.TopKSparse,
		Limit:       e.config.Limit,
		RRFConstant: e.config.RRFConstant,
	})
	if err != nil {
		if _, ok := rerrors.As(err); ok {
			return nil, err
		}
		return nil, rerrors.New(rerrors.ErrCodeSearchFailed, "hybrid search failed", err)
	}

	result := Format(hits)
	slog.Debug("search_completed",
		slog.Int("hits", len(hits)),
		slog.Int("context_chars", len(result.Context)),
		slog.Duration("duration", time.Since(start)))
	return result, nil
}

// ValidateQuery rejects blank queries and queries longer than maxLen
// characters.
func ValidateQuery(query string, maxLen int) error {
	if strings.TrimSpace(query) == "" {
		return rerrors.New(rerrors.ErrCodeQueryEmpty, "query is empty", nil).
			WithSuggestion("Provide a question or search terms")
	}
	if maxLen > 0 {
		if n := utf8.RuneCountInString(query); n > maxLen {
			return rerrors.New(rerrors.ErrCodeQueryTooLong,
				fmt.Sprintf("query is %d characters, limit is %d", n, maxLen), nil).
				WithSuggestion("Shorten the query")
		}
	}
	return nil
}
