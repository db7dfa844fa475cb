package telemetry

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db")+"?_journal_mode=WAL")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(setupTestDB(t))
	require.NoError(t, err)
	return s
}

func TestNewSQLiteStore_NilDB(t *testing.T) {
	_, err := NewSQLiteStore(nil)
	assert.Error(t, err)
}

func TestSQLiteStore_ClassificationCountsAccumulate(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SaveClassificationCounts("2026-10-14", map[string]int64{"related": 4, "vague": 1}))
	require.NoError(t, s.SaveClassificationCounts("2026-10-14", map[string]int64{"related": 2}))
	require.NoError(t, s.SaveClassificationCounts("2026-10-15", map[string]int64{"unrelated": 3}))

	day, err := s.GetClassificationCounts("2026-10-14", "2026-10-14")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"related": 6, "vague": 1}, day)

	all, err := s.GetClassificationCounts("2026-10-01", "2026-10-31")
	require.NoError(t, err)
	assert.Equal(t, int64(3), all["unrelated"])
}

func TestSQLiteStore_LatencyCounts(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SaveLatencyCounts("2026-10-15", map[LatencyBucket]int64{BucketUnder1s: 2}))
	require.NoError(t, s.SaveLatencyCounts("2026-10-15", map[LatencyBucket]int64{BucketUnder1s: 1, BucketOver5s: 1}))

	got, err := s.GetLatencyCounts("2026-10-15", "2026-10-15")
	require.NoError(t, err)
	assert.Equal(t, int64(3), got[BucketUnder1s])
	assert.Equal(t, int64(1), got[BucketOver5s])
}

func TestSQLiteStore_TopTerms(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.UpsertTermCounts(map[string]int64{"rca": 3, "template": 1}))
	require.NoError(t, s.UpsertTermCounts(map[string]int64{"template": 5}))
	require.NoError(t, s.UpsertTermCounts(nil))

	terms, err := s.GetTopTerms(10)
	require.NoError(t, err)
	require.Len(t, terms, 2)
	assert.Equal(t, TermCount{Term: "template", Count: 6}, terms[0])
	assert.Equal(t, TermCount{Term: "rca", Count: 3}, terms[1])
}

func TestSQLiteStore_KnowledgeGapsNewestFirst(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)

	for i, q := range []string{"first", "second", "third"} {
		require.NoError(t, s.AddKnowledgeGap(KnowledgeGap{Query: q, Timestamp: base.Add(time.Duration(i) * time.Minute)}))
	}

	gaps, err := s.GetKnowledgeGaps(2)
	require.NoError(t, err)
	require.Len(t, gaps, 2)
	assert.Equal(t, "third", gaps[0].Query)
	assert.Equal(t, "second", gaps[1].Query)
	assert.True(t, gaps[0].Timestamp.Equal(base.Add(2*time.Minute)))
}

func TestSQLiteStore_KnowledgeGapsTrimmed(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < maxStoredGaps+5; i++ {
		require.NoError(t, s.AddKnowledgeGap(KnowledgeGap{Query: "q"}))
	}

	gaps, err := s.GetKnowledgeGaps(maxStoredGaps * 2)
	require.NoError(t, err)
	assert.Len(t, gaps, maxStoredGaps)
}

// failingStore fails every write until healed.
type failingStore struct {
	*SQLiteStore
	broken bool
}

func (f *failingStore) SaveClassificationCounts(date string, counts map[string]int64) error {
	if f.broken {
		return errors.New("disk full")
	}
	return f.SQLiteStore.SaveClassificationCounts(date, counts)
}

func TestMetrics_FlushWritesIncrementsOnce(t *testing.T) {
	s := newTestStore(t)
	m := New(s, Config{})

	m.Record(QueryEvent{Query: "Where is the RCA template?", Classification: "related", ContextCount: 2})
	m.Record(QueryEvent{Query: "What is IRC?", Classification: "related"})
	require.NoError(t, m.Flush())
	require.NoError(t, m.Flush())

	today := time.Now().Format("2006-01-02")
	counts, err := s.GetClassificationCounts(today, today)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts["related"])

	gaps, err := s.GetKnowledgeGaps(10)
	require.NoError(t, err)
	require.Len(t, gaps, 1)
	assert.Equal(t, "What is IRC?", gaps[0].Query)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}

func TestMetrics_FailedFlushIsRetried(t *testing.T) {
	fs := &failingStore{SQLiteStore: newTestStore(t), broken: true}
	m := New(fs, Config{})

	m.Record(QueryEvent{Query: "q", Classification: "vague"})
	require.Error(t, m.Flush())

	fs.broken = false
	require.NoError(t, m.Flush())

	today := time.Now().Format("2006-01-02")
	counts, err := fs.GetClassificationCounts(today, today)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts["vague"])
}

func TestHistory_RebuildsSnapshotFromStore(t *testing.T) {
	// Given: metrics flushed to a store
	s := newTestStore(t)
	m := New(s, Config{})
	m.Record(QueryEvent{Query: "registration deadline", Classification: "related", ContextCount: 2, Latency: 300 * time.Millisecond})
	m.Record(QueryEvent{Query: "registration fees", Classification: "related", ContextCount: 0, Latency: 300 * time.Millisecond})
	m.Record(QueryEvent{Query: "weather", Classification: "unrelated", Latency: 300 * time.Millisecond})
	require.NoError(t, m.Close())

	// When: rebuilding the history from the store alone
	snap, err := History(s, 7, 5)
	require.NoError(t, err)

	// Then: counts, terms and gaps survive the round trip
	assert.Equal(t, int64(3), snap.TotalQueries)
	assert.Equal(t, int64(2), snap.ClassificationCounts["related"])
	assert.Equal(t, int64(1), snap.ClassificationCounts["unrelated"])
	assert.Equal(t, int64(1), snap.KnowledgeGapCount)
	require.Len(t, snap.KnowledgeGaps, 1)
	assert.Equal(t, "registration fees", snap.KnowledgeGaps[0].Query)
	require.NotEmpty(t, snap.TopTerms)
	assert.Equal(t, "registration", snap.TopTerms[0].Term)
	assert.InDelta(t, 0.5, snap.KnowledgeGapRate(), 0.001)
}

func TestHistory_NilStore(t *testing.T) {
	_, err := History(nil, 7, 5)
	assert.Error(t, err)
}
