package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/odprt-iep/hybridrag/internal/embed"
	rerrors "github.com/odprt-iep/hybridrag/internal/errors"
)

// Collection is an open handle on one named collection. Searches share a
// read lock; each insert batch and each delete holds the write lock.
//
// Other processes may write the same file, typically an ingest run next to a
// running server. Every search, write and count first compares SQLite's
// data_version with the value seen at the last sync and, when another
// connection has committed since, reconciles the indexes with the stored rows.
type Collection struct {
	db     *DB
	name   string
	schema Schema

	mu      sync.RWMutex
	dense   *denseIndex
	sparse  *sparseIndex
	version int64  // data_version at the last sync
	gone    string // non-empty once dropped or closed
}

// neverSynced marks indexes that were never loaded; data_version is positive.
const neverSynced = -1

// loadChunkSize bounds the IDs bound into one IN (...) query.
const loadChunkSize = 500

// CollectionOption configures a collection handle.
type CollectionOption func(*collectionOptions)

type collectionOptions struct {
	exactThreshold int
}

// WithExactSearchThreshold sets the live record count at or below which
// dense search is a brute-force scan. Zero always uses the graph.
func WithExactSearchThreshold(n int) CollectionOption {
	return func(o *collectionOptions) { o.exactThreshold = n }
}

func newCollection(db *DB, name string, schema Schema, opts ...CollectionOption) *Collection {
	o := collectionOptions{exactThreshold: DefaultExactSearchThreshold}
	for _, opt := range opts {
		opt(&o)
	}
	return &Collection{
		db:      db,
		name:    name,
		schema:  schema,
		dense:   newDenseIndex(schema, o.exactThreshold),
		sparse:  newSparseIndex(schema.DropRatio),
		version: neverSynced,
	}
}

// Name returns the collection name.
func (c *Collection) Name() string { return c.name }

// Schema returns the collection's fixed parameters.
func (c *Collection) Schema() Schema { return c.schema }

func (c *Collection) invalidate(reason string) {
	c.mu.Lock()
	c.goneLocked(reason)
	c.mu.Unlock()
}

func (c *Collection) goneLocked(reason string) {
	c.gone = reason
	c.version = neverSynced
	c.dense = newDenseIndex(c.schema, c.dense.exactThreshold)
	c.sparse = newSparseIndex(c.schema.DropRatio)
}

func (c *Collection) isGone() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gone != ""
}

// usable must be called with c.mu held.
func (c *Collection) usable() error {
	if c.gone != "" {
		return rerrors.New(rerrors.ErrCodeCollectionMissing,
			fmt.Sprintf("collection %q is unavailable: %s", c.name, c.gone), nil)
	}
	return nil
}

// load builds the in-memory indexes from stored rows.
func (c *Collection) load(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.syncLocked(ctx)
}

// refresh syncs the indexes if another connection has committed since the
// last sync.
func (c *Collection) refresh(ctx context.Context) error {
	c.mu.RLock()
	err := c.usable()
	seen := c.version
	c.mu.RUnlock()
	if err != nil {
		return err
	}

	version, err := c.db.dataVersion(ctx)
	if err != nil {
		return err
	}
	if version == seen {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.usable(); err != nil {
		return err
	}
	return c.syncLocked(ctx)
}

// refreshForRead is refresh for accessors without an error return. A failed
// sync leaves the last known state in place.
func (c *Collection) refreshForRead() {
	err := c.refresh(context.Background())
	if err != nil && rerrors.GetCode(err) != rerrors.ErrCodeCollectionMissing {
		slog.Warn("collection_sync_failed",
			slog.String("collection", c.name),
			slog.String("error", err.Error()))
	}
}

// syncLocked reconciles the indexes with the stored rows when data_version
// has moved. The version is read before the rows, so a commit racing the
// sync is picked up by the next one. Callers hold c.mu for writing.
func (c *Collection) syncLocked(ctx context.Context) error {
	version, err := c.db.dataVersion(ctx)
	if err != nil {
		return err
	}
	if version == c.version {
		return nil
	}
	start := time.Now()
	first := c.version == neverSynced

	if !first {
		stored, found, err := c.db.loadSchema(ctx, c.name)
		if err != nil {
			return err
		}
		if !found {
			c.goneLocked("collection was dropped by another process")
			return c.usable()
		}
		if stored != c.schema {
			c.goneLocked("collection was recreated with a different schema")
			return c.usable()
		}
	}

	stored, err := c.storedIDs(ctx)
	if err != nil {
		return err
	}
	var added, removed []uint64
	for id := range stored {
		if _, ok := c.dense.live[id]; !ok {
			added = append(added, id)
		}
	}
	for id := range c.dense.live {
		if _, ok := stored[id]; !ok {
			removed = append(removed, id)
		}
	}
	sort.Slice(added, func(i, j int) bool { return added[i] < added[j] })

	if err := c.loadRows(ctx, added); err != nil {
		return err
	}
	c.removeLocked(removed)
	c.version = version

	switch {
	case first && len(added) > 0:
		slog.Info("collection_loaded",
			slog.String("collection", c.name),
			slog.Int("records", len(added)),
			slog.Duration("duration", time.Since(start)))
	case !first && len(added)+len(removed) > 0:
		slog.Info("collection_synced",
			slog.String("collection", c.name),
			slog.Int("added", len(added)),
			slog.Int("removed", len(removed)),
			slog.Duration("duration", time.Since(start)))
	}
	return nil
}

func (c *Collection) storedIDs(ctx context.Context) (map[uint64]struct{}, error) {
	rows, err := c.db.db.QueryContext(ctx, `SELECT id FROM records WHERE collection = ?`, c.name)
	if err != nil {
		return nil, storeErr(rerrors.ErrCodeStoreRead, "failed to list record ids", err)
	}
	defer rows.Close()

	ids := make(map[uint64]struct{})
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return nil, storeErr(rerrors.ErrCodeStoreRead, "failed to scan record id", err)
		}
		ids[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(rerrors.ErrCodeStoreRead, "failed to list record ids", err)
	}
	return ids, nil
}

// loadRows decodes the vectors of ids and adds them to both indexes. Nothing
// is indexed unless every row decodes.
func (c *Collection) loadRows(ctx context.Context, ids []uint64) error {
	if len(ids) == 0 {
		return nil
	}
	vecs := make([][]float32, 0, len(ids))
	sparse := make([]embed.SparseVector, 0, len(ids))
	loaded := make([]uint64, 0, len(ids))

	for start := 0; start < len(ids); start += loadChunkSize {
		chunk := ids[start:min(start+loadChunkSize, len(ids))]
		args := make([]any, 0, len(chunk)+1)
		args = append(args, c.name)
		for _, id := range chunk {
			args = append(args, id)
		}
		rows, err := c.db.db.QueryContext(ctx, `SELECT id, dense, sparse FROM records
			WHERE collection = ? AND id IN (`+placeholders(len(chunk))+`) ORDER BY id`, args...)
		if err != nil {
			return storeErr(rerrors.ErrCodeStoreRead, "failed to load records", err)
		}
		for rows.Next() {
			var id uint64
			var denseBlob, sparseBlob []byte
			if err := rows.Scan(&id, &denseBlob, &sparseBlob); err != nil {
				rows.Close()
				return storeErr(rerrors.ErrCodeStoreRead, "failed to scan record", err)
			}
			dense, sv, err := c.decodeRow(id, denseBlob, sparseBlob)
			if err != nil {
				rows.Close()
				return err
			}
			loaded = append(loaded, id)
			vecs = append(vecs, dense)
			sparse = append(sparse, sv)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return storeErr(rerrors.ErrCodeStoreRead, "failed to load records", err)
		}
	}

	for i, id := range loaded {
		c.sparse.add(id, sparse[i])
	}
	c.dense.add(loaded, vecs)
	return nil
}

func (c *Collection) decodeRow(id uint64, denseBlob, sparseBlob []byte) ([]float32, embed.SparseVector, error) {
	dense, err := decodeDense(denseBlob)
	if err != nil {
		return nil, nil, rerrors.New(rerrors.ErrCodeCorruptIndex, fmt.Sprintf("record %d", id), err)
	}
	if len(dense) != c.schema.Dimensions {
		return nil, nil, rerrors.New(rerrors.ErrCodeCorruptIndex,
			fmt.Sprintf("record %d has %d dimensions, collection has %d", id, len(dense), c.schema.Dimensions), nil)
	}
	sparse, err := decodeSparse(sparseBlob)
	if err != nil {
		return nil, nil, rerrors.New(rerrors.ErrCodeCorruptIndex, fmt.Sprintf("record %d", id), err)
	}
	return dense, sparse, nil
}

// removeLocked drops ids from both indexes and compacts the graph once
// orphans outnumber live nodes.
func (c *Collection) removeLocked(ids []uint64) {
	if len(ids) == 0 {
		return
	}
	c.dense.remove(ids)
	c.sparse.remove(ids)

	if orphans := c.dense.orphans(); orphans > c.dense.len() {
		c.dense.rebuild(c.schema)
		slog.Debug("dense_index_compacted",
			slog.String("collection", c.name),
			slog.Int("orphans_removed", orphans))
	}
}

// BatchProgress is reported after each insert batch.
type BatchProgress struct {
	Batch        int // 1-indexed
	TotalBatches int
	Size         int // records in this batch
	Inserted     int
	Total        int
}

// BatchFailure describes one batch that did not land.
type BatchFailure struct {
	Batch int // 1-indexed
	Size  int
	Err   error
}

// InsertReport summarizes an InsertBatch call.
type InsertReport struct {
	Batches  int      // batches attempted
	Inserted int      // records stored
	IDs      []uint64 // IDs assigned, in input order of stored records
	Failed   []BatchFailure
}

// InsertOption configures InsertBatch.
type InsertOption func(*insertOptions)

type insertOptions struct {
	batchSize       int
	progress        func(BatchProgress)
	continueOnError bool
}

// WithBatchSize overrides DefaultInsertBatchSize.
func WithBatchSize(n int) InsertOption {
	return func(o *insertOptions) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

// WithProgress registers a callback invoked after each batch.
func WithProgress(fn func(BatchProgress)) InsertOption {
	return func(o *insertOptions) { o.progress = fn }
}

// WithContinueOnError records failed batches and moves on instead of
// stopping at the first failure.
func WithContinueOnError() InsertOption {
	return func(o *insertOptions) { o.continueOnError = true }
}

// InsertBatch stores records in sequential fixed-size batches. Each batch is
// one transaction: it lands completely or is reported failed. Every record
// is validated before the first batch runs. Cancellation is checked between
// batches, and batches already stored stay stored.
func (c *Collection) InsertBatch(ctx context.Context, records []Record, opts ...InsertOption) (InsertReport, error) {
	o := insertOptions{batchSize: DefaultInsertBatchSize}
	for _, opt := range opts {
		opt(&o)
	}

	var report InsertReport
	if len(records) == 0 {
		return report, nil
	}

	prepared := make([]Record, len(records))
	for i, r := range records {
		if r.DocSource == "" {
			r.DocSource = DefaultDocSource
		}
		if err := r.Validate(c.schema.Dimensions); err != nil {
			if re, ok := rerrors.As(err); ok {
				re.WithDetail("record_index", fmt.Sprint(i))
			}
			return report, err
		}
		prepared[i] = r
	}

	total := (len(prepared) + o.batchSize - 1) / o.batchSize
	for b := 0; b < total; b++ {
		if err := ctx.Err(); err != nil {
			slog.Info("insert_cancelled",
				slog.String("collection", c.name),
				slog.Int("batches_done", b),
				slog.Int("inserted", report.Inserted))
			return report, err
		}

		start := b * o.batchSize
		end := min(start+o.batchSize, len(prepared))
		batch := prepared[start:end]
		report.Batches++

		ids, err := c.insertOne(ctx, batch)
		if err != nil {
			failure := BatchFailure{Batch: b + 1, Size: len(batch), Err: err}
			report.Failed = append(report.Failed, failure)
			slog.Warn("batch_insert_failed",
				slog.String("collection", c.name),
				slog.Int("batch", b+1),
				slog.Int("size", len(batch)),
				slog.String("error", err.Error()))
			if !o.continueOnError {
				return report, err
			}
			continue
		}

		report.Inserted += len(ids)
		report.IDs = append(report.IDs, ids...)
		slog.Debug("batch_inserted",
			slog.String("collection", c.name),
			slog.Int("batch", b+1),
			slog.Int("total_batches", total),
			slog.Int("size", len(ids)))

		if o.progress != nil {
			o.progress(BatchProgress{
				Batch:        b + 1,
				TotalBatches: total,
				Size:         len(ids),
				Inserted:     report.Inserted,
				Total:        len(prepared),
			})
		}
	}
	return report, nil
}

// insertOne writes one batch in a transaction, then updates both indexes.
func (c *Collection) insertOne(ctx context.Context, batch []Record) ([]uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.usable(); err != nil {
		return nil, err
	}
	if err := c.syncLocked(ctx); err != nil {
		return nil, err
	}

	tx, err := c.db.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr(rerrors.ErrCodeStoreWrite, "failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO records (collection, doc_id, doc_source, text, description, dense, sparse)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, storeErr(rerrors.ErrCodeStoreWrite, "failed to prepare insert", err)
	}
	defer stmt.Close()

	ids := make([]uint64, len(batch))
	for i, r := range batch {
		res, err := stmt.ExecContext(ctx, c.name, r.DocID, r.DocSource, r.Text, r.Description,
			encodeDense(r.Dense), encodeSparse(r.Sparse))
		if err != nil {
			return nil, storeErr(rerrors.ErrCodeStoreWrite, "failed to insert record", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, storeErr(rerrors.ErrCodeStoreWrite, "failed to read record id", err)
		}
		ids[i] = uint64(id)
	}

	if err := tx.Commit(); err != nil {
		return nil, storeErr(rerrors.ErrCodeStoreWrite, "failed to commit batch", err)
	}

	vecs := make([][]float32, len(batch))
	for i, r := range batch {
		vecs[i] = r.Dense
		c.sparse.add(ids[i], r.Sparse)
	}
	c.dense.add(ids, vecs)
	return ids, nil
}

// storeErr maps SQLite lock contention to a retryable busy error.
func storeErr(code, msg string, err error) error {
	if err != nil && (strings.Contains(err.Error(), "SQLITE_BUSY") || strings.Contains(err.Error(), "database is locked")) {
		code = rerrors.ErrCodeStoreBusy
	}
	return rerrors.New(code, msg, err)
}

// HybridSearch runs the dense (cosine) and sparse (inner product) legs in
// parallel, each capped at its own top-k, and fuses them with Reciprocal
// Rank Fusion. Equal fused scores are ordered by ascending ID.
func (c *Collection) HybridSearch(ctx context.Context, req HybridRequest) ([]ScoredRecord, error) {
	if len(req.Dense) != c.schema.Dimensions {
		return nil, rerrors.New(rerrors.ErrCodeDimensionMismatch,
			fmt.Sprintf("query vector has %d dimensions, collection expects %d", len(req.Dense), c.schema.Dimensions), nil)
	}

	if err := c.refresh(ctx); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := c.usable(); err != nil {
		return nil, err
	}

	var denseHits, sparseHits []rankedID
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		denseHits = c.dense.search(req.Dense, req.TopKDense)
		return gctx.Err()
	})
	g.Go(func() error {
		sparseHits = c.sparse.search(req.Sparse, req.TopKSparse)
		return gctx.Err()
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := fuseRRF(denseHits, sparseHits, req.RRFConstant, req.Limit)
	if len(merged) == 0 {
		return nil, nil
	}

	ids := make([]uint64, len(merged))
	for i, f := range merged {
		ids[i] = f.ID
	}
	recs, err := c.fetch(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]ScoredRecord, 0, len(merged))
	for _, f := range merged {
		r, ok := recs[f.ID]
		if !ok {
			continue
		}
		out = append(out, ScoredRecord{
			Record:      r,
			Score:       f.Score,
			DenseRank:   f.DenseRank,
			DenseScore:  f.DenseScore,
			SparseRank:  f.SparseRank,
			SparseScore: f.SparseScore,
			InBothLists: f.DenseRank > 0 && f.SparseRank > 0,
		})
	}
	return out, nil
}

// fetch loads stored fields for ids. Vectors are not hydrated.
func (c *Collection) fetch(ctx context.Context, ids []uint64) (map[uint64]Record, error) {
	args := make([]any, 0, len(ids)+1)
	args = append(args, c.name)
	for _, id := range ids {
		args = append(args, id)
	}
	query := `SELECT id, doc_id, doc_source, text, description FROM records
		WHERE collection = ? AND id IN (` + placeholders(len(ids)) + `)`

	rows, err := c.db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr(rerrors.ErrCodeStoreRead, "failed to fetch records", err)
	}
	defer rows.Close()

	out := make(map[uint64]Record, len(ids))
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.DocID, &r.DocSource, &r.Text, &r.Description); err != nil {
			return nil, storeErr(rerrors.ErrCodeStoreRead, "failed to scan record", err)
		}
		out[r.ID] = r
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(rerrors.ErrCodeStoreRead, "failed to fetch records", err)
	}
	return out, nil
}

// Get returns stored records by ID in the order given, skipping unknown IDs.
func (c *Collection) Get(ctx context.Context, ids ...uint64) ([]Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.usable(); err != nil {
		return nil, err
	}

	byID, err := c.fetch(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		if r, ok := byID[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

// DeleteWhere removes every record whose field (doc_source or doc_id) is one
// of values, in one transaction, and returns the number deleted.
func (c *Collection) DeleteWhere(ctx context.Context, field string, values []string) (int, error) {
	if field != FieldDocSource && field != FieldDocID {
		return 0, rerrors.ValidationError(
			fmt.Sprintf("cannot delete by %q: use %s or %s", field, FieldDocSource, FieldDocID), nil)
	}
	if len(values) == 0 {
		return 0, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.usable(); err != nil {
		return 0, err
	}
	if err := c.syncLocked(ctx); err != nil {
		return 0, err
	}

	tx, err := c.db.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storeErr(rerrors.ErrCodeStoreWrite, "failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	args := make([]any, 0, len(values)+1)
	args = append(args, c.name)
	for _, v := range values {
		args = append(args, v)
	}
	// field is one of two constants checked above
	where := `collection = ? AND ` + field + ` IN (` + placeholders(len(values)) + `)`

	rows, err := tx.QueryContext(ctx, `SELECT id FROM records WHERE `+where, args...)
	if err != nil {
		return 0, storeErr(rerrors.ErrCodeStoreRead, "failed to select records", err)
	}
	var ids []uint64
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, storeErr(rerrors.ErrCodeStoreRead, "failed to scan record id", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, storeErr(rerrors.ErrCodeStoreRead, "failed to select records", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE `+where, args...); err != nil {
		return 0, storeErr(rerrors.ErrCodeStoreWrite, "failed to delete records", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, storeErr(rerrors.ErrCodeStoreWrite, "failed to commit delete", err)
	}

	c.removeLocked(ids)

	slog.Info("records_deleted",
		slog.String("collection", c.name),
		slog.String("field", field),
		slog.Int("values", len(values)),
		slog.Int("deleted", len(ids)))
	return len(ids), nil
}

// Count returns the number of live records.
func (c *Collection) Count() int {
	c.refreshForRead()
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dense.len()
}

// Stats reports index sizes, including graph nodes left by lazy deletion.
func (c *Collection) Stats() Stats {
	c.refreshForRead()
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Name:       c.name,
		Records:    c.dense.len(),
		Dimensions: c.schema.Dimensions,
		GraphNodes: c.dense.graph.Len(),
		Orphans:    c.dense.orphans(),
		Terms:      len(c.sparse.postings),
		Postings:   c.sparse.count,
	}
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}
