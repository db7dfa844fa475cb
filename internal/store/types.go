// Package store persists records as dense and sparse vectors and answers
// hybrid similarity queries over them.
//
// A DB owns one SQLite file holding every collection. Each open Collection
// keeps two in-memory indexes rebuilt from its rows: an HNSW graph for
// cosine search over dense vectors and an inverted index for inner-product
// search over sparse vectors.
package store

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/odprt-iep/hybridrag/internal/embed"
	rerrors "github.com/odprt-iep/hybridrag/internal/errors"
)

const (
	// MaxTextLength is the longest text a record may carry, in characters.
	MaxTextLength = 50000

	// MaxDescriptionLength is the longest image description, in characters.
	MaxDescriptionLength = 5000

	// DefaultDocSource is stored when a record has no provenance.
	DefaultDocSource = "NA"

	// DefaultInsertBatchSize is the number of records written per transaction.
	DefaultInsertBatchSize = 100

	// DefaultExactSearchThreshold is the live record count at or below which
	// dense search scans every vector instead of walking the graph. A scan of
	// this many 1024-wide vectors stays in the low milliseconds.
	DefaultExactSearchThreshold = 20000

	// DefaultRRFConstant is k in 1/(k + rank).
	DefaultRRFConstant = 60
)

// Record is one stored chunk. Records are immutable once inserted.
type Record struct {
	ID          uint64
	DocID       string
	DocSource   string
	Text        string
	Description string // image-derived records only
	Dense       []float32
	Sparse      embed.SparseVector
}

// Content returns the retrievable text: Text, or Description for image
// records without text.
func (r *Record) Content() string {
	if r.Text == "" {
		return r.Description
	}
	return r.Text
}

// Validate checks r against a collection of the given width.
func (r *Record) Validate(dims int) error {
	if len(r.Dense) != dims {
		return rerrors.New(rerrors.ErrCodeDimensionMismatch,
			fmt.Sprintf("dense vector has %d dimensions, collection expects %d", len(r.Dense), dims), nil)
	}
	if strings.TrimSpace(r.Text) == "" && strings.TrimSpace(r.Description) == "" {
		return rerrors.New(rerrors.ErrCodeRecordInvalid, "record has neither text nor description", nil)
	}
	if n := utf8.RuneCountInString(r.Text); n > MaxTextLength {
		return rerrors.New(rerrors.ErrCodeRecordInvalid,
			fmt.Sprintf("text is %d characters, limit is %d", n, MaxTextLength), nil)
	}
	if n := utf8.RuneCountInString(r.Description); n > MaxDescriptionLength {
		return rerrors.New(rerrors.ErrCodeRecordInvalid,
			fmt.Sprintf("description is %d characters, limit is %d", n, MaxDescriptionLength), nil)
	}
	return nil
}

// Schema fixes the shape and index parameters of a collection. It is stored
// on creation and must match on every later open.
type Schema struct {
	Dimensions     int     `json:"dimensions"`
	M              int     `json:"m"`
	EfConstruction int     `json:"ef_construction"`
	EfSearch       int     `json:"ef_search"`
	DropRatio      float64 `json:"drop_ratio"`
}

// DefaultSchema returns the deployed index parameters for dims-wide vectors.
func DefaultSchema(dims int) Schema {
	return Schema{
		Dimensions:     dims,
		M:              5,
		EfConstruction: 512,
		EfSearch:       64,
		DropRatio:      0.2,
	}
}

// Validate reports whether the schema can back a collection.
func (s Schema) Validate() error {
	switch {
	case s.Dimensions <= 0:
		return rerrors.ConfigError(fmt.Sprintf("dimensions must be positive, got %d", s.Dimensions), nil)
	case s.M < 2:
		return rerrors.ConfigError(fmt.Sprintf("m must be at least 2, got %d", s.M), nil)
	case s.EfConstruction <= 0 || s.EfSearch <= 0:
		return rerrors.ConfigError("ef_construction and ef_search must be positive", nil)
	case s.DropRatio < 0 || s.DropRatio >= 1:
		return rerrors.ConfigError(fmt.Sprintf("drop_ratio must be in [0, 1), got %g", s.DropRatio), nil)
	}
	return nil
}

func (s Schema) String() string {
	return fmt.Sprintf("dims=%d m=%d ef_construction=%d ef_search=%d drop_ratio=%g",
		s.Dimensions, s.M, s.EfConstruction, s.EfSearch, s.DropRatio)
}

// ScoredRecord is one fused hybrid search hit. Ranks are 1-indexed; zero
// means the record was absent from that leg.
type ScoredRecord struct {
	Record
	Score       float64
	DenseRank   int
	DenseScore  float32
	SparseRank  int
	SparseScore float32
	InBothLists bool
}

// HybridRequest is a query already encoded by the embedding provider.
type HybridRequest struct {
	Dense       []float32
	Sparse      embed.SparseVector
	TopKDense   int
	TopKSparse  int
	Limit       int
	RRFConstant int // 0 uses DefaultRRFConstant
}

// Stats describes the in-memory state of a collection.
type Stats struct {
	Name       string `json:"name"`
	Records    int    `json:"records"`
	Dimensions int    `json:"dimensions"`
	GraphNodes int    `json:"graph_nodes"`
	Orphans    int    `json:"orphans"` // lazily deleted graph nodes
	Terms      int    `json:"terms"`
	Postings   int    `json:"postings"`
}

// CollectionInfo is one row of DB.ListCollections.
type CollectionInfo struct {
	Name    string `json:"name"`
	Schema  Schema `json:"schema"`
	Records int    `json:"records"`
}

// Filterable fields for DeleteWhere.
const (
	FieldDocSource = "doc_source"
	FieldDocID     = "doc_id"
)
