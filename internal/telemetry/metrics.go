// Package telemetry records query outcomes for operators: how queries were
// classified, how long answers took, and which in-scope questions found no
// context in the knowledge base. All data stays local.
package telemetry

import (
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// =============================================================================
// Latency Buckets
// =============================================================================

// LatencyBucket is a histogram bucket for end-to-end answer latency.
type LatencyBucket string

const (
	BucketUnder100ms LatencyBucket = "lt_100ms"
	BucketUnder500ms LatencyBucket = "lt_500ms"
	BucketUnder1s    LatencyBucket = "lt_1s"
	BucketUnder5s    LatencyBucket = "lt_5s"
	BucketOver5s     LatencyBucket = "ge_5s"
)

// LatencyToBucket converts a duration to its histogram bucket.
func LatencyToBucket(d time.Duration) LatencyBucket {
	switch {
	case d < 100*time.Millisecond:
		return BucketUnder100ms
	case d < 500*time.Millisecond:
		return BucketUnder500ms
	case d < time.Second:
		return BucketUnder1s
	case d < 5*time.Second:
		return BucketUnder5s
	default:
		return BucketOver5s
	}
}

// =============================================================================
// Query Event
// =============================================================================

// QueryEvent describes one answered (or declined) query.
type QueryEvent struct {
	Query          string
	Classification string
	ContextCount   int
	Latency        time.Duration
	Timestamp      time.Time
	// Failed is set when the query ended in an error.
	Failed bool
}

// IsKnowledgeGap reports whether a related query found nothing to answer
// from.
func (e QueryEvent) IsKnowledgeGap() bool {
	return e.Classification == "related" && e.ContextCount == 0 && !e.Failed
}

// KnowledgeGap is a related query that retrieved no context.
type KnowledgeGap struct {
	Query     string    `json:"query"`
	Timestamp time.Time `json:"timestamp"`
}

// =============================================================================
// Circular Buffer
// =============================================================================

// CircularBuffer is a fixed-capacity FIFO buffer.
type CircularBuffer[T any] struct {
	items    []T
	head     int
	size     int
	capacity int
	mu       sync.RWMutex
}

// NewCircularBuffer creates a buffer. capacity <= 0 means 100.
func NewCircularBuffer[T any](capacity int) *CircularBuffer[T] {
	if capacity <= 0 {
		capacity = 100
	}
	return &CircularBuffer[T]{items: make([]T, capacity), capacity: capacity}
}

// Add appends item, evicting the oldest when full.
func (b *CircularBuffer[T]) Add(item T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.items[b.head] = item
	b.head = (b.head + 1) % b.capacity
	if b.size < b.capacity {
		b.size++
	}
}

// Items returns the buffered items oldest first.
func (b *CircularBuffer[T]) Items() []T {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]T, b.size)
	if b.size < b.capacity {
		copy(out, b.items[:b.size])
		return out
	}
	n := copy(out, b.items[b.head:])
	copy(out[n:], b.items[:b.head])
	return out
}

// Size returns the number of buffered items.
func (b *CircularBuffer[T]) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// =============================================================================
// Term Extraction
// =============================================================================

// ExtractTerms lowercases the query, strips surrounding punctuation and keeps
// words of three or more characters.
func ExtractTerms(query string) []string {
	var terms []string
	for _, w := range strings.Fields(strings.ToLower(query)) {
		w = strings.Trim(w, ".,;:!?\"'()[]{}")
		if len(w) >= 3 {
			terms = append(terms, w)
		}
	}
	return terms
}

// TermCount is a term and how often it was seen.
type TermCount struct {
	Term  string `json:"term"`
	Count int64  `json:"count"`
}

// =============================================================================
// Snapshot
// =============================================================================

// Snapshot is a point-in-time copy of the collected metrics.
type Snapshot struct {
	TotalQueries         int64                   `json:"total_queries"`
	FailedQueries        int64                   `json:"failed_queries"`
	ClassificationCounts map[string]int64        `json:"classification_counts"`
	LatencyDistribution  map[LatencyBucket]int64 `json:"latency_distribution"`
	TopTerms             []TermCount             `json:"top_terms"`
	KnowledgeGaps        []KnowledgeGap          `json:"knowledge_gaps"`
	KnowledgeGapCount    int64                   `json:"knowledge_gap_count"`
	Since                time.Time               `json:"since"`
}

// KnowledgeGapRate is the share of related queries that found no context.
func (s *Snapshot) KnowledgeGapRate() float64 {
	related := s.ClassificationCounts["related"]
	if related == 0 {
		return 0
	}
	return float64(s.KnowledgeGapCount) / float64(related)
}

// =============================================================================
// Persistence
// =============================================================================

// Store persists aggregated metrics. Counts passed to the Save methods are
// increments since the previous flush.
type Store interface {
	SaveClassificationCounts(date string, counts map[string]int64) error
	GetClassificationCounts(from, to string) (map[string]int64, error)
	UpsertTermCounts(terms map[string]int64) error
	GetTopTerms(limit int) ([]TermCount, error)
	AddKnowledgeGap(gap KnowledgeGap) error
	GetKnowledgeGaps(limit int) ([]KnowledgeGap, error)
	SaveLatencyCounts(date string, counts map[LatencyBucket]int64) error
	GetLatencyCounts(from, to string) (map[LatencyBucket]int64, error)
	Close() error
}

// =============================================================================
// Metrics
// =============================================================================

// Config configures a Metrics collector.
type Config struct {
	TopTermsCapacity int           // default 100
	GapsCapacity     int           // default 100
	FlushInterval    time.Duration // 0 disables the background flush
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		TopTermsCapacity: 100,
		GapsCapacity:     100,
		FlushInterval:    time.Minute,
	}
}

// Metrics collects query telemetry. It is safe for concurrent use.
type Metrics struct {
	mu sync.Mutex

	classifications map[string]int64
	latencies       map[LatencyBucket]int64
	topTerms        *lru.Cache[string, int64]
	gaps            *CircularBuffer[KnowledgeGap]
	total           int64
	failed          int64
	gapCount        int64
	start           time.Time

	// increments not yet flushed
	pendingClass   map[string]int64
	pendingLatency map[LatencyBucket]int64
	pendingTerms   map[string]int64
	pendingGaps    []KnowledgeGap

	store  Store
	ticker *time.Ticker
	stopCh chan struct{}
	closed bool
}

// New creates a collector. A nil store keeps metrics in memory only.
func New(store Store, cfg Config) *Metrics {
	if cfg.TopTermsCapacity <= 0 {
		cfg.TopTermsCapacity = 100
	}
	if cfg.GapsCapacity <= 0 {
		cfg.GapsCapacity = 100
	}
	topTerms, _ := lru.New[string, int64](cfg.TopTermsCapacity)

	m := &Metrics{
		classifications: make(map[string]int64),
		latencies:       make(map[LatencyBucket]int64),
		topTerms:        topTerms,
		gaps:            NewCircularBuffer[KnowledgeGap](cfg.GapsCapacity),
		start:           time.Now(),
		pendingClass:    make(map[string]int64),
		pendingLatency:  make(map[LatencyBucket]int64),
		pendingTerms:    make(map[string]int64),
		store:           store,
		stopCh:          make(chan struct{}),
	}

	if cfg.FlushInterval > 0 && store != nil {
		m.ticker = time.NewTicker(cfg.FlushInterval)
		go m.flushLoop()
	}
	return m
}

func (m *Metrics) flushLoop() {
	for {
		select {
		case <-m.ticker.C:
			_ = m.Flush()
		case <-m.stopCh:
			return
		}
	}
}

// Record adds one query event. A nil receiver is a no-op.
func (m *Metrics) Record(e QueryEvent) {
	if m == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}

	m.total++
	if e.Failed {
		m.failed++
	}
	if e.Classification != "" {
		m.classifications[e.Classification]++
		m.pendingClass[e.Classification]++
	}

	bucket := LatencyToBucket(e.Latency)
	m.latencies[bucket]++
	m.pendingLatency[bucket]++

	for _, term := range ExtractTerms(e.Query) {
		count, _ := m.topTerms.Get(term)
		m.topTerms.Add(term, count+1)
		m.pendingTerms[term]++
	}

	if e.IsKnowledgeGap() {
		gap := KnowledgeGap{Query: e.Query, Timestamp: e.Timestamp}
		m.gaps.Add(gap)
		m.gapCount++
		m.pendingGaps = append(m.pendingGaps, gap)
	}
}

// Snapshot returns a copy of the current metrics.
func (m *Metrics) Snapshot() *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	classes := make(map[string]int64, len(m.classifications))
	for k, v := range m.classifications {
		classes[k] = v
	}
	latencies := make(map[LatencyBucket]int64, len(m.latencies))
	for k, v := range m.latencies {
		latencies[k] = v
	}

	terms := make([]TermCount, 0, m.topTerms.Len())
	for _, key := range m.topTerms.Keys() {
		if count, ok := m.topTerms.Peek(key); ok {
			terms = append(terms, TermCount{Term: key, Count: count})
		}
	}
	sort.Slice(terms, func(i, j int) bool {
		if terms[i].Count != terms[j].Count {
			return terms[i].Count > terms[j].Count
		}
		return terms[i].Term < terms[j].Term
	})

	return &Snapshot{
		TotalQueries:         m.total,
		FailedQueries:        m.failed,
		ClassificationCounts: classes,
		LatencyDistribution:  latencies,
		TopTerms:             terms,
		KnowledgeGaps:        m.gaps.Items(),
		KnowledgeGapCount:    m.gapCount,
		Since:                m.start,
	}
}

// Flush writes the increments recorded since the last flush to the store.
// On failure the increments are kept for the next attempt.
func (m *Metrics) Flush() error {
	if m == nil || m.store == nil {
		return nil
	}

	m.mu.Lock()
	class, latency, terms, gaps := m.pendingClass, m.pendingLatency, m.pendingTerms, m.pendingGaps
	m.pendingClass = make(map[string]int64)
	m.pendingLatency = make(map[LatencyBucket]int64)
	m.pendingTerms = make(map[string]int64)
	m.pendingGaps = nil
	m.mu.Unlock()

	err := m.flush(class, latency, terms, &gaps)
	if err != nil {
		m.mu.Lock()
		for k, v := range class {
			m.pendingClass[k] += v
		}
		for k, v := range latency {
			m.pendingLatency[k] += v
		}
		for k, v := range terms {
			m.pendingTerms[k] += v
		}
		m.pendingGaps = append(gaps, m.pendingGaps...)
		m.mu.Unlock()
	}
	return err
}

// flush clears each map and trims gaps as its contents are written, so a
// failure leaves only the unwritten part behind.
func (m *Metrics) flush(class map[string]int64, latency map[LatencyBucket]int64, terms map[string]int64, gaps *[]KnowledgeGap) error {
	today := time.Now().Format("2006-01-02")
	if len(class) > 0 {
		if err := m.store.SaveClassificationCounts(today, class); err != nil {
			return err
		}
		clear(class)
	}
	if len(latency) > 0 {
		if err := m.store.SaveLatencyCounts(today, latency); err != nil {
			return err
		}
		clear(latency)
	}
	if err := m.store.UpsertTermCounts(terms); err != nil {
		return err
	}
	clear(terms)
	for len(*gaps) > 0 {
		if err := m.store.AddKnowledgeGap((*gaps)[0]); err != nil {
			return err
		}
		*gaps = (*gaps)[1:]
	}
	return nil
}

// Close stops the background flush and writes what is pending.
func (m *Metrics) Close() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	if m.ticker != nil {
		m.ticker.Stop()
		close(m.stopCh)
	}
	return m.Flush()
}
