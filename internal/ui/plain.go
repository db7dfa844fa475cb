package ui

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/odprt-iep/hybridrag/internal/store"
)

// PlainRenderer writes one line per event, for pipes and CI.
type PlainRenderer struct {
	mu  sync.Mutex
	out io.Writer
}

// NewPlainRenderer creates a plain text renderer.
func NewPlainRenderer(cfg Config) *PlainRenderer {
	return &PlainRenderer{out: cfg.Output}
}

// Start implements Renderer.
func (r *PlainRenderer) Start(context.Context) error { return nil }

// FileStarted implements Renderer.
func (r *PlainRenderer) FileStarted(source string, index, total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, _ = fmt.Fprintf(r.out, "[FILE] %d/%d - %s\n", index, total, source)
}

// BatchWritten implements Renderer.
func (r *PlainRenderer) BatchWritten(p store.BatchProgress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, _ = fmt.Fprintf(r.out, "[WRITE] batch %d/%d - %d/%d records\n", p.Batch, p.TotalBatches, p.Inserted, p.Total)
}

// FileFinished implements Renderer.
func (r *PlainRenderer) FileFinished(source string, records int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, _ = fmt.Fprintf(r.out, "[DONE] %s - %d records\n", source, records)
}

// AddError implements Renderer.
func (r *PlainRenderer) AddError(event ErrorEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prefix := "ERROR"
	if event.IsWarn {
		prefix = "WARN"
	}
	if event.Source != "" {
		_, _ = fmt.Fprintf(r.out, "%s: %s: %v\n", prefix, event.Source, event.Err)
		return
	}
	_, _ = fmt.Fprintf(r.out, "%s: %v\n", prefix, event.Err)
}

// Complete implements Renderer.
func (r *PlainRenderer) Complete(stats CompletionStats) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, _ = fmt.Fprintf(r.out, "Complete: %d files, %d records ingested", stats.Files, stats.Records)
	if stats.Collection != "" {
		_, _ = fmt.Fprintf(r.out, " into %s", stats.Collection)
	}
	_, _ = fmt.Fprintf(r.out, " in %s", stats.Duration.Round(100*time.Millisecond))
	if stats.Deleted > 0 {
		_, _ = fmt.Fprintf(r.out, " (%d replaced)", stats.Deleted)
	}
	if stats.Errors > 0 || stats.Warnings > 0 {
		_, _ = fmt.Fprintf(r.out, " (%d errors, %d warnings)", stats.Errors, stats.Warnings)
	}
	_, _ = fmt.Fprintln(r.out)

	if stats.Encoder.Backend != "" {
		_, _ = fmt.Fprintf(r.out, "Encoder: %s (%s, %d dims)\n",
			stats.Encoder.Backend, stats.Encoder.Model, stats.Encoder.Dimensions)
	}
}

// Stop implements Renderer.
func (r *PlainRenderer) Stop() error { return nil }

var _ Renderer = (*PlainRenderer)(nil)
