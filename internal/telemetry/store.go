package telemetry

import (
	"database/sql"
	"fmt"
	"time"
)

const (
	// maxStoredGaps bounds the knowledge_gaps table.
	maxStoredGaps = 500
	// recentGaps is how many gaps History returns.
	recentGaps = 20
)

// SQLiteStore implements Store on a shared SQLite handle.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates the telemetry tables if needed and returns a store.
// The handle is shared with the vector store and is not closed by Close.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if err := InitSchema(db); err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// InitSchema creates the telemetry tables if they don't exist.
func InitSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS query_classification_stats (
		date TEXT NOT NULL,
		classification TEXT NOT NULL,
		count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (date, classification)
	);

	CREATE TABLE IF NOT EXISTS query_terms (
		term TEXT PRIMARY KEY,
		count INTEGER NOT NULL DEFAULT 1,
		last_seen TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_query_terms_count ON query_terms(count DESC);

	CREATE TABLE IF NOT EXISTS knowledge_gaps (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		query TEXT NOT NULL,
		timestamp TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS query_latency_stats (
		date TEXT NOT NULL,
		bucket TEXT NOT NULL,
		count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (date, bucket)
	);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("create telemetry schema: %w", err)
	}
	return nil
}

// SaveClassificationCounts adds counts to the day's totals.
func (s *SQLiteStore) SaveClassificationCounts(date string, counts map[string]int64) error {
	return s.upsertDaily(`
		INSERT INTO query_classification_stats (date, classification, count)
		VALUES (?, ?, ?)
		ON CONFLICT(date, classification) DO UPDATE SET count = count + excluded.count
	`, date, counts)
}

// GetClassificationCounts sums counts over an inclusive date range.
func (s *SQLiteStore) GetClassificationCounts(from, to string) (map[string]int64, error) {
	return s.sumDaily(`
		SELECT classification, SUM(count)
		FROM query_classification_stats
		WHERE date >= ? AND date <= ?
		GROUP BY classification
	`, from, to)
}

// SaveLatencyCounts adds counts to the day's histogram.
func (s *SQLiteStore) SaveLatencyCounts(date string, counts map[LatencyBucket]int64) error {
	plain := make(map[string]int64, len(counts))
	for k, v := range counts {
		plain[string(k)] = v
	}
	return s.upsertDaily(`
		INSERT INTO query_latency_stats (date, bucket, count)
		VALUES (?, ?, ?)
		ON CONFLICT(date, bucket) DO UPDATE SET count = count + excluded.count
	`, date, plain)
}

// GetLatencyCounts sums the histogram over an inclusive date range.
func (s *SQLiteStore) GetLatencyCounts(from, to string) (map[LatencyBucket]int64, error) {
	plain, err := s.sumDaily(`
		SELECT bucket, SUM(count)
		FROM query_latency_stats
		WHERE date >= ? AND date <= ?
		GROUP BY bucket
	`, from, to)
	if err != nil {
		return nil, err
	}
	out := make(map[LatencyBucket]int64, len(plain))
	for k, v := range plain {
		out[LatencyBucket(k)] = v
	}
	return out, nil
}

func (s *SQLiteStore) upsertDaily(query, date string, counts map[string]int64) error {
	if len(counts) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(query)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for key, count := range counts {
		if _, err := stmt.Exec(date, key, count); err != nil {
			return fmt.Errorf("upsert daily count: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) sumDaily(query, from, to string) (map[string]int64, error) {
	rows, err := s.db.Query(query, from, to)
	if err != nil {
		return nil, fmt.Errorf("query daily counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var key string
		var count int64
		if err := rows.Scan(&key, &count); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		counts[key] = count
	}
	return counts, rows.Err()
}

// UpsertTermCounts adds to the running term frequencies.
func (s *SQLiteStore) UpsertTermCounts(terms map[string]int64) error {
	if len(terms) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`
		INSERT INTO query_terms (term, count, last_seen)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(term) DO UPDATE SET
			count = count + excluded.count,
			last_seen = CURRENT_TIMESTAMP
	`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for term, count := range terms {
		if _, err := stmt.Exec(term, count); err != nil {
			return fmt.Errorf("upsert term count: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// GetTopTerms returns the most frequent terms.
func (s *SQLiteStore) GetTopTerms(limit int) ([]TermCount, error) {
	rows, err := s.db.Query(`
		SELECT term, count
		FROM query_terms
		ORDER BY count DESC, term ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query top terms: %w", err)
	}
	defer rows.Close()

	var terms []TermCount
	for rows.Next() {
		var tc TermCount
		if err := rows.Scan(&tc.Term, &tc.Count); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		terms = append(terms, tc)
	}
	return terms, rows.Err()
}

// AddKnowledgeGap appends a gap and trims the table to the newest entries.
func (s *SQLiteStore) AddKnowledgeGap(gap KnowledgeGap) error {
	ts := gap.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	if _, err := s.db.Exec(`INSERT INTO knowledge_gaps (query, timestamp) VALUES (?, ?)`,
		gap.Query, ts.UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("insert knowledge gap: %w", err)
	}

	if _, err := s.db.Exec(`
		DELETE FROM knowledge_gaps
		WHERE id NOT IN (SELECT id FROM knowledge_gaps ORDER BY id DESC LIMIT ?)
	`, maxStoredGaps); err != nil {
		return fmt.Errorf("trim knowledge gaps: %w", err)
	}
	return nil
}

// GetKnowledgeGaps returns the newest gaps first.
func (s *SQLiteStore) GetKnowledgeGaps(limit int) ([]KnowledgeGap, error) {
	rows, err := s.db.Query(`
		SELECT query, timestamp
		FROM knowledge_gaps
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query knowledge gaps: %w", err)
	}
	defer rows.Close()

	var gaps []KnowledgeGap
	for rows.Next() {
		var g KnowledgeGap
		var ts string
		if err := rows.Scan(&g.Query, &ts); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		g.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		gaps = append(gaps, g)
	}
	return gaps, rows.Err()
}

// Close is a no-op; the handle belongs to the caller.
func (s *SQLiteStore) Close() error { return nil }

// History rebuilds a Snapshot from what store has persisted over the last
// days days, today included. FailedQueries is not persisted and stays zero;
// KnowledgeGapCount is bounded by the stored gap history.
func History(store Store, days, topTerms int) (*Snapshot, error) {
	if store == nil {
		return nil, fmt.Errorf("telemetry store is required")
	}
	if days <= 0 {
		days = 30
	}
	now := time.Now()
	y, m, d := now.AddDate(0, 0, -(days - 1)).Date()
	since := time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	from := since.Format("2006-01-02")
	to := now.Format("2006-01-02")

	classes, err := store.GetClassificationCounts(from, to)
	if err != nil {
		return nil, err
	}
	latencies, err := store.GetLatencyCounts(from, to)
	if err != nil {
		return nil, err
	}
	terms, err := store.GetTopTerms(topTerms)
	if err != nil {
		return nil, err
	}
	gaps, err := store.GetKnowledgeGaps(maxStoredGaps)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		ClassificationCounts: classes,
		LatencyDistribution:  latencies,
		TopTerms:             terms,
		KnowledgeGaps:        gaps[:min(len(gaps), recentGaps)],
		KnowledgeGapCount:    int64(len(gaps)),
		Since:                since,
	}
	for _, n := range classes {
		snap.TotalQueries += n
	}
	if snap.TopTerms == nil {
		snap.TopTerms = []TermCount{}
	}
	return snap, nil
}
