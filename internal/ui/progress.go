package ui

import (
	"sync"
	"time"

	"github.com/odprt-iep/hybridrag/internal/store"
)

// speedWindow is the minimum interval between throughput samples.
const speedWindow = 500 * time.Millisecond

// etaSmoothing weights a new ETA estimate against the previous one.
const etaSmoothing = 0.3

// Tracker accumulates ingestion progress across files. It is safe for
// concurrent use.
type Tracker struct {
	mu sync.Mutex

	start       time.Time
	filesTotal  int
	filesDone   int
	currentFile string

	// records inserted by finished files, and by the current one
	recordsBase int
	recordsCur  int
	batch       int
	batches     int

	errors   int
	warnings int

	lastRecords int
	lastSample  time.Time
	speed       float64
	avgSpeed    float64
	samples     int
	lastETA     time.Duration
}

// Stats is a snapshot of a Tracker.
type Stats struct {
	FilesDone   int
	FilesTotal  int
	CurrentFile string
	Records     int
	Batch       int
	Batches     int
	Progress    float64 // 0..1 over files
	Speed       float64 // records per second
	AvgSpeed    float64
	ETA         time.Duration
	Elapsed     time.Duration
	Errors      int
	Warnings    int
}

// NewTracker creates a tracker.
func NewTracker() *Tracker {
	now := time.Now()
	return &Tracker{start: now, lastSample: now}
}

// FileStarted moves the tracker to file index of total.
func (t *Tracker) FileStarted(source string, index, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.recordsBase += t.recordsCur
	t.recordsCur = 0
	t.batch, t.batches = 0, 0
	t.currentFile = source
	t.filesTotal = total
	if index > 0 {
		t.filesDone = index - 1
	}
}

// BatchWritten records a batch of the current file.
func (t *Tracker) BatchWritten(p store.BatchProgress) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.recordsCur = p.Inserted
	t.batch, t.batches = p.Batch, p.TotalBatches

	now := time.Now()
	elapsed := now.Sub(t.lastSample)
	if elapsed < speedWindow {
		return
	}
	total := t.recordsBase + t.recordsCur
	if delta := total - t.lastRecords; delta > 0 {
		t.speed = float64(delta) / elapsed.Seconds()
		t.samples++
		if t.samples == 1 {
			t.avgSpeed = t.speed
		} else {
			t.avgSpeed = 0.2*t.speed + 0.8*t.avgSpeed
		}
	}
	t.lastRecords = total
	t.lastSample = now
}

// FileFinished marks the current file as done.
func (t *Tracker) FileFinished() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.filesDone < t.filesTotal {
		t.filesDone++
	}
}

// AddError counts a failure or warning.
func (t *Tracker) AddError(event ErrorEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if event.IsWarn {
		t.warnings++
	} else {
		t.errors++
	}
}

// Stats returns the current snapshot.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	var progress float64
	if t.filesTotal > 0 {
		progress = min(float64(t.filesDone)/float64(t.filesTotal), 1)
	}
	return Stats{
		FilesDone:   t.filesDone,
		FilesTotal:  t.filesTotal,
		CurrentFile: t.currentFile,
		Records:     t.recordsBase + t.recordsCur,
		Batch:       t.batch,
		Batches:     t.batches,
		Progress:    progress,
		Speed:       t.speed,
		AvgSpeed:    t.avgSpeed,
		ETA:         t.eta(progress),
		Elapsed:     time.Since(t.start),
		Errors:      t.errors,
		Warnings:    t.warnings,
	}
}

// eta extrapolates the remaining time from file progress, smoothed so that
// one slow file does not swing the estimate. Caller holds t.mu.
func (t *Tracker) eta(progress float64) time.Duration {
	if progress <= 0 || progress >= 1 {
		return 0
	}
	elapsed := time.Since(t.start)
	remaining := time.Duration(float64(elapsed)/progress) - elapsed
	if remaining < 0 {
		return 0
	}
	if t.lastETA > 0 {
		remaining = time.Duration(etaSmoothing*float64(remaining) + (1-etaSmoothing)*float64(t.lastETA))
	}
	t.lastETA = remaining
	return remaining
}
