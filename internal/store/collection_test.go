package store

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odprt-iep/hybridrag/internal/embed"
	rerrors "github.com/odprt-iep/hybridrag/internal/errors"
)

func TestEnsureCollection_Idempotent(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()

	first, err := db.EnsureCollection(ctx, "odprt_index", testSchema())
	require.NoError(t, err)
	_, err = first.InsertBatch(ctx, synthetic(3, "a.pdf"))
	require.NoError(t, err)

	second, err := db.EnsureCollection(ctx, "odprt_index", testSchema())
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 3, second.Count())

	infos, err := db.ListCollections(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "odprt_index", infos[0].Name)
	assert.Equal(t, 3, infos[0].Records)
	assert.Equal(t, testSchema(), infos[0].Schema)
}

func TestEnsureCollection_ConcurrentCallsCreateOnce(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	handles := make([]*Collection, 8)
	errs := make([]error, 8)
	for i := range handles {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i], errs[i] = db.EnsureCollection(ctx, "shared", testSchema())
		}(i)
	}
	wg.Wait()

	for i := range handles {
		require.NoError(t, errs[i])
		assert.Same(t, handles[0], handles[i])
	}
	infos, err := db.ListCollections(ctx)
	require.NoError(t, err)
	assert.Len(t, infos, 1)
}

func TestEnsureCollection_SchemaMismatchIsFatal(t *testing.T) {
	db, path := openTestDB(t)
	ctx := context.Background()

	_, err := db.EnsureCollection(ctx, "odprt_index", testSchema())
	require.NoError(t, err)

	other := testSchema()
	other.Dimensions = testDims * 2
	_, err = db.EnsureCollection(ctx, "odprt_index", other)
	require.Error(t, err)
	assert.Equal(t, rerrors.ErrCodeSchemaMismatch, rerrors.GetCode(err))
	assert.True(t, rerrors.IsFatal(err))

	// Also after reopening, when the schema comes from disk
	require.NoError(t, db.Close())
	reopened, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	_, err = reopened.EnsureCollection(ctx, "odprt_index", other)
	assert.Equal(t, rerrors.ErrCodeSchemaMismatch, rerrors.GetCode(err))
}

func TestEnsureCollection_InvalidSchema(t *testing.T) {
	db, _ := openTestDB(t)

	bad := testSchema()
	bad.DropRatio = 1.5
	_, err := db.EnsureCollection(context.Background(), "x", bad)
	require.Error(t, err)
	assert.Equal(t, rerrors.CategoryConfig, rerrors.GetCategory(err))

	_, err = db.EnsureCollection(context.Background(), "", testSchema())
	assert.True(t, rerrors.IsValidation(err))
}

func TestInsertBatch_SplitsIntoFixedBatches(t *testing.T) {
	coll := openTestCollection(t)

	var sizes []int
	var last BatchProgress
	report, err := coll.InsertBatch(context.Background(), synthetic(250, "bulk.pdf"),
		WithBatchSize(100),
		WithProgress(func(p BatchProgress) {
			sizes = append(sizes, p.Size)
			last = p
		}))
	require.NoError(t, err)

	assert.Equal(t, []int{100, 100, 50}, sizes)
	assert.Equal(t, 3, report.Batches)
	assert.Equal(t, 250, report.Inserted)
	assert.Empty(t, report.Failed)
	assert.Len(t, report.IDs, 250)
	assert.Equal(t, BatchProgress{Batch: 3, TotalBatches: 3, Size: 50, Inserted: 250, Total: 250}, last)
	assert.Equal(t, 250, coll.Count())

	// Every record is retrievable
	recs, err := coll.Get(context.Background(), report.IDs...)
	require.NoError(t, err)
	assert.Len(t, recs, 250)
}

func TestInsertBatch_IDsIncrease(t *testing.T) {
	coll := openTestCollection(t)

	report, err := coll.InsertBatch(context.Background(), synthetic(5, "a"))
	require.NoError(t, err)
	for i := 1; i < len(report.IDs); i++ {
		assert.Greater(t, report.IDs[i], report.IDs[i-1])
	}
}

func TestInsertBatch_ValidatesBeforeWriting(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Record)
		code   string
	}{
		{"wrong dimensions", func(r *Record) { r.Dense = r.Dense[:3] }, rerrors.ErrCodeDimensionMismatch},
		{"no text or description", func(r *Record) { r.Text = "  " }, rerrors.ErrCodeRecordInvalid},
		{"text too long", func(r *Record) { r.Text = strings.Repeat("x", MaxTextLength+1) }, rerrors.ErrCodeRecordInvalid},
		{"description too long", func(r *Record) {
			r.Description = strings.Repeat("x", MaxDescriptionLength+1)
		}, rerrors.ErrCodeRecordInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			coll := openTestCollection(t)
			recs := synthetic(150, "a")
			tt.mutate(&recs[120])

			report, err := coll.InsertBatch(context.Background(), recs, WithBatchSize(100))
			require.Error(t, err)
			assert.Equal(t, tt.code, rerrors.GetCode(err))
			assert.True(t, rerrors.IsValidation(err))
			assert.Zero(t, report.Batches)
			assert.Zero(t, coll.Count())
		})
	}
}

func TestInsertBatch_ImageRecordAndDefaultSource(t *testing.T) {
	coll := openTestCollection(t)
	ctx := context.Background()

	rec := synthetic(1, "")[0]
	rec.Text = ""
	rec.Description = "Organisation chart of the contracting hub"

	report, err := coll.InsertBatch(ctx, []Record{rec})
	require.NoError(t, err)

	got, err := coll.Get(ctx, report.IDs...)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, DefaultDocSource, got[0].DocSource)
	assert.Equal(t, rec.Description, got[0].Content())
}

func TestInsertBatch_CancelBetweenBatchesKeepsEarlierBatches(t *testing.T) {
	coll := openTestCollection(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	report, err := coll.InsertBatch(ctx, synthetic(250, "bulk"),
		WithBatchSize(100),
		WithProgress(func(p BatchProgress) {
			if p.Batch == 1 {
				cancel()
			}
		}))

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, report.Batches)
	assert.Equal(t, 100, report.Inserted)
	assert.Equal(t, 100, coll.Count())
}

func TestInsertBatch_ContinueOnError(t *testing.T) {
	db, err := Open("")
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	coll, err := db.EnsureCollection(context.Background(), "c", testSchema())
	require.NoError(t, err)

	// A dropped handle fails every batch
	_, err = db.DropCollection(context.Background(), "c")
	require.NoError(t, err)

	report, err := coll.InsertBatch(context.Background(), synthetic(30, "x"),
		WithBatchSize(10), WithContinueOnError())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Batches)
	assert.Zero(t, report.Inserted)
	require.Len(t, report.Failed, 3)
	assert.Equal(t, 10, report.Failed[0].Size)
	assert.Equal(t, rerrors.ErrCodeCollectionMissing, rerrors.GetCode(report.Failed[0].Err))

	// Default aborts on the first failure
	report, err = coll.InsertBatch(context.Background(), synthetic(30, "x"), WithBatchSize(10))
	require.Error(t, err)
	assert.Equal(t, 1, report.Batches)
	assert.Len(t, report.Failed, 1)
}

func TestHybridSearch_FindsRelevantRecord(t *testing.T) {
	coll := openTestCollection(t)
	enc := newEncoder(t)
	ctx := context.Background()

	texts := map[string]string{
		"rca.pdf":    "A Research Collaboration Agreement (RCA) governs joint research between NUS and a partner.",
		"nda.pdf":    "A Non-Disclosure Agreement protects confidential information shared during discussions.",
		"irb.pdf":    "The Institutional Review Board reviews research involving human participants.",
		"parking.md": "Staff parking permits are renewed each semester at the campus office.",
	}
	var recs []Record
	for _, src := range []string{"rca.pdf", "nda.pdf", "irb.pdf", "parking.md"} {
		recs = append(recs, enc.record(t, src, texts[src]))
	}
	_, err := coll.InsertBatch(ctx, recs)
	require.NoError(t, err)

	hits, err := coll.HybridSearch(ctx, enc.query(t, "research collaboration agreement", 3))
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "rca.pdf", hits[0].DocSource)
	assert.True(t, hits[0].InBothLists)
	assert.LessOrEqual(t, len(hits), 3)

	for i := 1; i < len(hits); i++ {
		assert.GreaterOrEqual(t, hits[i-1].Score, hits[i].Score)
	}
}

func TestHybridSearch_Deterministic(t *testing.T) {
	coll := openTestCollection(t)
	enc := newEncoder(t)
	ctx := context.Background()

	// Identical texts give identical scores; ties resolve by insertion order
	recs := []Record{
		enc.record(t, "one", "funding application deadline"),
		enc.record(t, "two", "funding application deadline"),
		enc.record(t, "three", "funding application deadline"),
	}
	_, err := coll.InsertBatch(ctx, recs)
	require.NoError(t, err)

	req := enc.query(t, "funding deadline", 3)
	first, err := coll.HybridSearch(ctx, req)
	require.NoError(t, err)
	require.Len(t, first, 3)
	assert.Equal(t, []string{"one", "two", "three"},
		[]string{first[0].DocSource, first[1].DocSource, first[2].DocSource})

	for range 5 {
		again, err := coll.HybridSearch(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestHybridSearch_EmptyCollection(t *testing.T) {
	coll := openTestCollection(t)
	enc := newEncoder(t)

	hits, err := coll.HybridSearch(context.Background(), enc.query(t, "anything", 3))
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestHybridSearch_DimensionMismatch(t *testing.T) {
	coll := openTestCollection(t)

	_, err := coll.HybridSearch(context.Background(), HybridRequest{Dense: []float32{1, 0}, TopKDense: 3})
	assert.Equal(t, rerrors.ErrCodeDimensionMismatch, rerrors.GetCode(err))
}

func TestHybridSearch_GraphPathSkipsDeleted(t *testing.T) {
	// Threshold 0 forces the HNSW path even for a small collection
	coll := openTestCollection(t, WithExactSearchThreshold(0))
	ctx := context.Background()

	recs := synthetic(40, "keep")
	for i := 0; i < 10; i++ {
		recs[i].DocSource = "drop"
	}
	_, err := coll.InsertBatch(ctx, recs)
	require.NoError(t, err)

	n, err := coll.DeleteWhere(ctx, FieldDocSource, []string{"drop"})
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	stats := coll.Stats()
	assert.Equal(t, 30, stats.Records)
	assert.Equal(t, 10, stats.Orphans)

	hits, err := coll.HybridSearch(ctx, HybridRequest{Dense: recs[0].Dense, TopKDense: 5, Limit: 5})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	for _, h := range hits {
		assert.Equal(t, "keep", h.DocSource)
	}
}

func TestDeleteWhere_ThenReingest(t *testing.T) {
	coll := openTestCollection(t)
	enc := newEncoder(t)
	ctx := context.Background()

	old := []Record{
		enc.record(t, "policy.pdf", "The old policy requires two signatures on every MOU."),
		enc.record(t, "policy.pdf", "Old policy appendix."),
		enc.record(t, "other.pdf", "Unrelated document about sponsorships."),
	}
	_, err := coll.InsertBatch(ctx, old)
	require.NoError(t, err)

	n, err := coll.DeleteWhere(ctx, FieldDocSource, []string{"policy.pdf"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, coll.Count())

	_, err = coll.InsertBatch(ctx, []Record{
		enc.record(t, "policy.pdf", "The revised policy requires one signature on every MOU."),
	})
	require.NoError(t, err)

	hits, err := coll.HybridSearch(ctx, enc.query(t, "policy signatures MOU", 3))
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	for _, h := range hits {
		assert.NotContains(t, h.Text, "old policy")
		assert.NotContains(t, h.Text, "Old policy")
	}
	assert.Contains(t, hits[0].Text, "revised")
}

func TestDeleteWhere_ByDocIDAndInvalidField(t *testing.T) {
	coll := openTestCollection(t)
	ctx := context.Background()

	_, err := coll.InsertBatch(ctx, synthetic(5, "x"))
	require.NoError(t, err)

	n, err := coll.DeleteWhere(ctx, FieldDocID, []string{"doc-1", "doc-3", "missing"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = coll.DeleteWhere(ctx, "text", []string{"x"})
	assert.True(t, rerrors.IsValidation(err))

	n, err = coll.DeleteWhere(ctx, FieldDocSource, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDeleteWhere_CompactsGraph(t *testing.T) {
	coll := openTestCollection(t)
	ctx := context.Background()

	recs := synthetic(20, "a")
	for i := 5; i < 20; i++ {
		recs[i].DocSource = "b"
	}
	_, err := coll.InsertBatch(ctx, recs)
	require.NoError(t, err)

	_, err = coll.DeleteWhere(ctx, FieldDocSource, []string{"b"})
	require.NoError(t, err)

	stats := coll.Stats()
	assert.Equal(t, 5, stats.Records)
	assert.Equal(t, 5, stats.GraphNodes)
	assert.Zero(t, stats.Orphans)
}

func TestDropCollection(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()

	coll, err := db.EnsureCollection(ctx, "gone", testSchema())
	require.NoError(t, err)
	_, err = coll.InsertBatch(ctx, synthetic(3, "x"))
	require.NoError(t, err)

	existed, err := db.DropCollection(ctx, "gone")
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = db.DropCollection(ctx, "gone")
	require.NoError(t, err)
	assert.False(t, existed)

	_, err = coll.HybridSearch(ctx, HybridRequest{Dense: make([]float32, testDims), TopKDense: 1})
	assert.Equal(t, rerrors.ErrCodeCollectionMissing, rerrors.GetCode(err))

	// The name is free for a different schema
	other := testSchema()
	other.Dimensions = 8
	fresh, err := db.EnsureCollection(ctx, "gone", other)
	require.NoError(t, err)
	assert.Zero(t, fresh.Count())
}

func TestPersistenceAcrossReopen(t *testing.T) {
	db, path := openTestDB(t)
	enc := newEncoder(t)
	ctx := context.Background()

	coll, err := db.EnsureCollection(ctx, "odprt_index", testSchema())
	require.NoError(t, err)
	_, err = coll.InsertBatch(ctx, []Record{
		enc.record(t, "cra.pdf", "Clinical research agreements are handled by the contracting hub."),
		enc.record(t, "gift.pdf", "Sponsorship and gift agreements need a signed letter."),
	})
	require.NoError(t, err)
	_, err = coll.DeleteWhere(ctx, FieldDocSource, []string{"gift.pdf"})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	coll, err = reopened.EnsureCollection(ctx, "odprt_index", testSchema())
	require.NoError(t, err)
	assert.Equal(t, 1, coll.Count())

	hits, err := coll.HybridSearch(ctx, enc.query(t, "clinical research agreement", 3))
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "cra.pdf", hits[0].DocSource)
}

// openSecondHandle opens another DB on path, as a separate process would.
func openSecondHandle(t *testing.T, path string) *DB {
	t.Helper()
	db, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestCollection_SeesWritesFromAnotherHandle(t *testing.T) {
	server, path := openTestDB(t)
	cli := openSecondHandle(t, path)
	enc := newEncoder(t)
	ctx := context.Background()

	served, err := server.EnsureCollection(ctx, "odprt_index", testSchema())
	require.NoError(t, err)
	assert.Zero(t, served.Count())
	ingest, err := cli.EnsureCollection(ctx, "odprt_index", testSchema())
	require.NoError(t, err)

	// Every batch written elsewhere becomes searchable here
	report, err := ingest.InsertBatch(ctx, synthetic(250, "bulk.pdf"))
	require.NoError(t, err)
	require.Equal(t, 250, report.Inserted)
	assert.Equal(t, 250, served.Count())

	// Delete then re-ingest elsewhere
	deleted, err := ingest.DeleteWhere(ctx, FieldDocSource, []string{"bulk.pdf"})
	require.NoError(t, err)
	require.Equal(t, 250, deleted)
	_, err = ingest.InsertBatch(ctx, []Record{
		enc.record(t, "leave.pdf", "Annual leave is approved by the line manager."),
	})
	require.NoError(t, err)

	hits, err := served.HybridSearch(ctx, enc.query(t, "who approves annual leave", 3))
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "leave.pdf", hits[0].DocSource)
	assert.Equal(t, 1, served.Count())
	assert.Equal(t, 1, ingest.Count())

	// Writes on this handle reach the other one too
	_, err = served.InsertBatch(ctx, []Record{
		enc.record(t, "travel.pdf", "Travel claims are filed within thirty days of return."),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, ingest.Count())
	assert.Equal(t, 2, served.Count())
}

func TestCollection_DroppedByAnotherHandle(t *testing.T) {
	server, path := openTestDB(t)
	cli := openSecondHandle(t, path)
	ctx := context.Background()

	served, err := server.EnsureCollection(ctx, "odprt_index", testSchema())
	require.NoError(t, err)
	_, err = served.InsertBatch(ctx, synthetic(2, "x.pdf"))
	require.NoError(t, err)

	existed, err := cli.DropCollection(ctx, "odprt_index")
	require.NoError(t, err)
	require.True(t, existed)

	_, err = served.HybridSearch(ctx, HybridRequest{Dense: make([]float32, testDims), TopKDense: 1})
	assert.Equal(t, rerrors.ErrCodeCollectionMissing, rerrors.GetCode(err))

	// Recreated elsewhere: asking again yields a fresh handle
	recreated, err := cli.EnsureCollection(ctx, "odprt_index", testSchema())
	require.NoError(t, err)
	_, err = recreated.InsertBatch(ctx, synthetic(1, "y.pdf"))
	require.NoError(t, err)

	reopened, err := server.EnsureCollection(ctx, "odprt_index", testSchema())
	require.NoError(t, err)
	assert.NotSame(t, served, reopened)
	assert.Equal(t, 1, reopened.Count())
}

func TestClosedDatabase(t *testing.T) {
	db, err := Open("")
	require.NoError(t, err)
	coll, err := db.EnsureCollection(context.Background(), "c", testSchema())
	require.NoError(t, err)

	require.NoError(t, db.Close())
	require.NoError(t, db.Close())

	_, err = db.EnsureCollection(context.Background(), "c", testSchema())
	assert.Error(t, err)
	_, err = coll.InsertBatch(context.Background(), synthetic(1, "x"))
	assert.Equal(t, rerrors.ErrCodeCollectionMissing, rerrors.GetCode(err))
}

func TestCodec(t *testing.T) {
	dense := []float32{0.5, -1, 3.25}
	got, err := decodeDense(encodeDense(dense))
	require.NoError(t, err)
	assert.Equal(t, dense, got)

	sparse := embed.SparseVector{7: 0.5, 1 << 19: 0.25}
	gotSparse, err := decodeSparse(encodeSparse(sparse))
	require.NoError(t, err)
	assert.Equal(t, sparse, gotSparse)

	_, err = decodeDense([]byte{1, 2, 3})
	assert.Error(t, err)
	_, err = decodeSparse([]byte{1, 2, 3, 4})
	assert.Error(t, err)
}
