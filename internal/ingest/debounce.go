package ingest

import (
	"log/slog"
	"sync"
	"time"
)

// ChangeKind is what happened to a watched file.
type ChangeKind int

const (
	// ChangeWrite means the file was created or modified.
	ChangeWrite ChangeKind = iota
	// ChangeRemove means the file was deleted or renamed away.
	ChangeRemove
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeWrite:
		return "write"
	case ChangeRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// Change is a debounced file change.
type Change struct {
	Path string
	Kind ChangeKind
	// Created is set when the file did not exist before the window opened.
	Created bool
}

// debouncer coalesces bursts of file events per path. Within one window:
//   - create then write stays a create
//   - create then remove cancels out
//   - write then remove is a remove
//   - remove then create is a write
type debouncer struct {
	window  time.Duration
	mu      sync.Mutex
	pending map[string]Change
	order   []string
	timer   *time.Timer
	out     chan []Change
	stopped bool
}

func newDebouncer(window time.Duration) *debouncer {
	if window <= 0 {
		window = 500 * time.Millisecond
	}
	return &debouncer{
		window:  window,
		pending: make(map[string]Change),
		out:     make(chan []Change, 16),
	}
}

func (d *debouncer) add(c Change) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	prev, ok := d.pending[c.Path]
	switch {
	case !ok:
		d.pending[c.Path] = c
		d.order = append(d.order, c.Path)
	case prev.Created && c.Kind == ChangeRemove:
		delete(d.pending, c.Path)
	case prev.Created:
		// still new
	case prev.Kind == ChangeRemove && c.Kind == ChangeWrite:
		d.pending[c.Path] = Change{Path: c.Path, Kind: ChangeWrite}
	default:
		d.pending[c.Path] = c
	}

	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.window, d.flush)
}

func (d *debouncer) flush() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped || len(d.pending) == 0 {
		return
	}

	batch := make([]Change, 0, len(d.pending))
	for _, p := range d.order {
		if c, ok := d.pending[p]; ok {
			batch = append(batch, c)
			delete(d.pending, p)
		}
	}
	d.order = d.order[:0]

	select {
	case d.out <- batch:
	default:
		slog.Warn("watch_batch_dropped", slog.Int("changes", len(batch)))
	}
}

func (d *debouncer) output() <-chan []Change { return d.out }

// stop discards pending changes and closes the output channel. It is safe
// to call more than once.
func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
	close(d.out)
}
