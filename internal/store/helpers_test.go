package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odprt-iep/hybridrag/internal/embed"
)

const testDims = 128

func testSchema() Schema {
	s := DefaultSchema(testDims)
	s.EfConstruction = 64
	return s
}

// openTestDB opens a file-backed database in a temp dir.
func openTestDB(t *testing.T) (*DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, path
}

func openTestCollection(t *testing.T, opts ...CollectionOption) *Collection {
	t.Helper()
	db, err := Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	coll, err := db.EnsureCollection(context.Background(), "test", testSchema(), opts...)
	require.NoError(t, err)
	return coll
}

// encoder produces realistic records with the offline encoders.
type encoder struct {
	dense  *embed.StaticEmbedder
	sparse *embed.LexicalEncoder
}

func newEncoder(t *testing.T) *encoder {
	t.Helper()
	dense, err := embed.NewStaticEmbedder(testDims)
	require.NoError(t, err)
	sparse, err := embed.NewLexicalEncoder()
	require.NoError(t, err)
	return &encoder{dense: dense, sparse: sparse}
}

func (e *encoder) record(t *testing.T, source, text string) Record {
	t.Helper()
	ctx := context.Background()
	d, err := e.dense.Embed(ctx, text)
	require.NoError(t, err)
	s, err := e.sparse.EncodeSparse(ctx, []string{text})
	require.NoError(t, err)
	return Record{DocSource: source, Text: text, Dense: d, Sparse: s[0]}
}

func (e *encoder) query(t *testing.T, text string, k int) HybridRequest {
	t.Helper()
	r := e.record(t, "", text)
	return HybridRequest{Dense: r.Dense, Sparse: r.Sparse, TopKDense: k, TopKSparse: k, Limit: k}
}

// synthetic returns n records with distinct one-hot-ish vectors.
func synthetic(n int, source string) []Record {
	out := make([]Record, n)
	for i := range out {
		vec := make([]float32, testDims)
		vec[i%testDims] = 1
		vec[(i/testDims)%testDims] += 0.5
		out[i] = Record{
			DocSource: source,
			DocID:     fmt.Sprintf("doc-%d", i),
			Text:      fmt.Sprintf("synthetic record %d", i),
			Dense:     vec,
			Sparse:    embed.SparseVector{uint32(i): 1},
		}
	}
	return out
}
