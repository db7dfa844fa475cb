package ingest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchOptions configures a Watcher.
type WatchOptions struct {
	FileOptions
	// Debounce is how long a path must stay quiet before it is re-ingested.
	Debounce time.Duration
	// SyncOnStart ingests every supported file before watching.
	SyncOnStart bool
	// OnApply, if set, is called after each change is applied.
	OnApply func(Change, error)
}

// Watcher keeps a collection in step with a directory. A written file is
// re-ingested with its path as doc_source, replacing its previous records;
// a removed file has its records deleted.
type Watcher struct {
	svc   *Service
	root  string
	opts  WatchOptions
	rules *ignoreRules
}

// NewWatcher creates a watcher for root.
func NewWatcher(svc *Service, root string, opts WatchOptions) (*Watcher, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve watch root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("watch root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("watch root %s is not a directory", abs)
	}
	rules, err := loadIgnore(abs)
	if err != nil {
		return nil, err
	}
	return &Watcher{svc: svc, root: abs, opts: opts, rules: rules}, nil
}

// Root returns the absolute directory being watched.
func (w *Watcher) Root() string { return w.root }

// Run watches until ctx is cancelled. Changes already queued when ctx ends
// are discarded.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer fsw.Close()

	if err := w.addRecursive(fsw, w.root); err != nil {
		return fmt.Errorf("watch %s: %w", w.root, err)
	}

	if w.opts.SyncOnStart {
		rep, err := w.svc.IngestDir(ctx, w.root, w.opts.FileOptions, WithReplace())
		if err != nil {
			return err
		}
		slog.Info("watch_initial_sync",
			slog.String("root", w.root),
			slog.Int("files", rep.Files),
			slog.Int("records", rep.Records),
			slog.Int("failed", len(rep.Failed)))
	}

	deb := newDebouncer(w.opts.Debounce)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for batch := range deb.output() {
			for _, c := range batch {
				if ctx.Err() != nil {
					return
				}
				w.apply(ctx, c)
			}
		}
	}()
	defer func() {
		deb.stop()
		wg.Wait()
	}()

	slog.Info("watch_started", slog.String("root", w.root))
	for {
		select {
		case <-ctx.Done():
			slog.Info("watch_stopped", slog.String("root", w.root))
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.handle(fsw, deb, ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("watch_error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) handle(fsw *fsnotify.Watcher, deb *debouncer, ev fsnotify.Event) {
	if isHidden(filepath.Base(ev.Name)) {
		return
	}
	// A removed path cannot be stat'ed, so directory-only patterns are
	// checked against the file form.
	isDir := false
	if info, err := os.Stat(ev.Name); err == nil {
		isDir = info.IsDir()
	}
	if w.rules.Ignored(ev.Name, isDir) {
		return
	}

	switch {
	case ev.Op&fsnotify.Create != 0:
		if isDir {
			// Files can land in a new directory before it is watched.
			if err := w.addRecursive(fsw, ev.Name); err != nil {
				slog.Warn("watch_add_failed", slog.String("path", ev.Name), slog.String("error", err.Error()))
			}
			w.enqueueTree(deb, ev.Name)
			return
		}
		if Supported(ev.Name, w.opts.Extensions) {
			deb.add(Change{Path: ev.Name, Kind: ChangeWrite, Created: true})
		}
	case ev.Op&fsnotify.Write != 0:
		if Supported(ev.Name, w.opts.Extensions) {
			deb.add(Change{Path: ev.Name, Kind: ChangeWrite})
		}
	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		if Supported(ev.Name, w.opts.Extensions) {
			deb.add(Change{Path: ev.Name, Kind: ChangeRemove})
		}
	}
}

func (w *Watcher) apply(ctx context.Context, c Change) {
	var err error
	kind := c.Kind
	switch kind {
	case ChangeWrite:
		_, err = w.svc.IngestFile(ctx, c.Path, w.opts.FileOptions, WithReplace())
		if errors.Is(err, fs.ErrNotExist) {
			kind = ChangeRemove
			_, err = w.svc.RemoveSource(ctx, c.Path)
		}
	case ChangeRemove:
		_, err = w.svc.RemoveSource(ctx, c.Path)
	}

	if err != nil {
		slog.Warn("watch_apply_failed",
			slog.String("path", c.Path),
			slog.String("change", kind.String()),
			slog.String("error", err.Error()))
	} else {
		slog.Info("watch_applied", slog.String("path", c.Path), slog.String("change", kind.String()))
	}
	if w.opts.OnApply != nil {
		w.opts.OnApply(Change{Path: c.Path, Kind: kind, Created: c.Created}, err)
	}
}

func (w *Watcher) addRecursive(fsw *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && (isHidden(d.Name()) || w.rules.Ignored(path, true)) {
			return filepath.SkipDir
		}
		return fsw.Add(path)
	})
}

func (w *Watcher) enqueueTree(deb *debouncer, dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != dir && (isHidden(d.Name()) || w.rules.Ignored(path, true)) {
				return filepath.SkipDir
			}
			return nil
		}
		if !isHidden(d.Name()) && Supported(path, w.opts.Extensions) && !w.rules.Ignored(path, false) {
			deb.add(Change{Path: path, Kind: ChangeWrite, Created: true})
		}
		return nil
	})
}
