package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	rerrors "github.com/odprt-iep/hybridrag/internal/errors"
	"github.com/odprt-iep/hybridrag/internal/ingest"
	"github.com/odprt-iep/hybridrag/internal/output"
	"github.com/odprt-iep/hybridrag/internal/profiling"
	"github.com/odprt-iep/hybridrag/internal/ui"
)

type ingestCmdOptions struct {
	docSource       string
	docType         string
	chunkSize       int
	extensions      []string
	replace         bool
	watch           bool
	noTUI           bool
	continueOnError bool
	jsonOutput      bool
	profile         profiling.Options
}

// ingestSummary is the --json output of ingest.
type ingestSummary struct {
	Collection string            `json:"collection"`
	Files      int               `json:"files"`
	Records    int               `json:"records"`
	Deleted    int               `json:"deleted"`
	Failed     map[string]string `json:"failed,omitempty"`
	DurationMS int64             `json:"duration_ms"`
}

func newIngestCmd() *cobra.Command {
	var opts ingestCmdOptions

	cmd := &cobra.Command{
		Use:   "ingest <path>... | -",
		Short: "Chunk, embed and store documents",
		Long: `Ingest files or directories into the collection. Text and markdown files
are chunked; JSONL files hold one record per line with "text" or
"description" and optional "doc_source" and "doc_id". A file's path is
its doc_source unless the record names one.

Pass "-" to read JSONL records from standard input; --doc-source and
--doc-type fill in records that lack them.

Directories skip hidden entries and anything matched by a .hybridragignore
file at their root, which uses gitignore syntax.

With --replace, records previously ingested from the same doc_source are
deleted first, so re-ingesting a document does not duplicate it. With
--watch, the directory is kept in sync until interrupted.`,
		Example: `  hybridrag ingest ./policies
  hybridrag ingest policies/rca.md --replace
  hybridrag ingest ./policies --watch
  cat records.jsonl | hybridrag ingest - --doc-source faq --doc-type faq`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd.Context(), cmd, args, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.docSource, "doc-source", "", "doc_source for standard input records that lack one")
	f.StringVar(&opts.docType, "doc-type", "", "doc_type for standard input records that lack one")
	f.IntVar(&opts.chunkSize, "chunk-size", 0, "Target chunk length in characters (default from config)")
	f.StringSliceVar(&opts.extensions, "ext", nil, "File extensions to ingest (default from config)")
	f.BoolVar(&opts.replace, "replace", false, "Delete earlier records from the same doc_source first")
	f.BoolVar(&opts.watch, "watch", false, "Keep watching the directory after ingesting")
	f.BoolVar(&opts.noTUI, "no-tui", false, "Plain progress output instead of the interactive display")
	f.BoolVar(&opts.continueOnError, "continue-on-error", false, "Keep inserting after a failed batch")
	f.BoolVar(&opts.jsonOutput, "json", false, "Print a JSON summary instead of progress")
	f.StringVar(&opts.profile.CPU, "cpu-profile", "", "Write a CPU profile of the run to this file")
	f.StringVar(&opts.profile.Heap, "mem-profile", "", "Write a heap profile to this file when the run ends")
	f.StringVar(&opts.profile.Trace, "trace", "", "Write an execution trace to this file")
	return cmd
}

func runIngest(ctx context.Context, cmd *cobra.Command, args []string, opts ingestCmdOptions) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if opts.chunkSize > 0 {
		cfg.Ingest.ChunkSize = opts.chunkSize
	}
	if len(opts.extensions) > 0 {
		cfg.Ingest.Extensions = opts.extensions
	}
	fo := ingest.FileOptions{ChunkSize: cfg.Ingest.ChunkSize, Extensions: cfg.Ingest.Extensions}

	files, fromStdin, watchRoot, err := resolveIngestArgs(args, fo.Extensions, opts.watch)
	if err != nil {
		return err
	}

	if opts.profile.Enabled() {
		prof, err := profiling.Start(opts.profile)
		if err != nil {
			return err
		}
		defer func() {
			if err := prof.Stop(); err != nil {
				slog.Warn("profile_write_failed", slog.String("error", err.Error()))
			}
		}()
	}

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	var iopts []ingest.IngestOption
	if opts.replace {
		iopts = append(iopts, ingest.WithReplace())
	}
	if opts.continueOnError {
		iopts = append(iopts, ingest.WithContinueOnError())
	}

	start := time.Now()
	summary := ingestSummary{Collection: a.coll.Name()}

	if fromStdin {
		rep, err := ingestStdin(ctx, cmd.InOrStdin(), a.ingester, opts, iopts)
		if err != nil {
			return err
		}
		summary.Records += rep.Inserted
		summary.Deleted += rep.Deleted
	}

	var progressOut io.Writer = cmd.OutOrStdout()
	if opts.jsonOutput {
		progressOut = io.Discard
	}
	renderer := ui.NewRenderer(ui.NewConfig(progressOut,
		ui.WithForcePlain(opts.noTUI || opts.jsonOutput),
		ui.WithNoColor(ui.DetectNoColor()),
		ui.WithTitle("Ingesting into "+a.coll.Name())))
	if len(files) > 0 {
		if err := renderer.Start(ctx); err != nil {
			return fmt.Errorf("start progress display: %w", err)
		}
		ingestFiles(ctx, a, renderer, files, fo, iopts, &summary)
		renderer.Complete(ui.CompletionStats{
			Collection: summary.Collection,
			Files:      summary.Files,
			Records:    summary.Records,
			Deleted:    summary.Deleted,
			Duration:   time.Since(start),
			Errors:     len(summary.Failed),
			Encoder:    a.encoderInfo(),
		})
		if err := renderer.Stop(); err != nil {
			slog.Warn("progress_display_stop_failed", slog.String("error", err.Error()))
		}
	}
	summary.DurationMS = time.Since(start).Milliseconds()

	if opts.jsonOutput {
		if err := writeJSON(cmd, summary); err != nil {
			return err
		}
	} else if fromStdin && len(files) == 0 {
		output.New(cmd.OutOrStdout()).Successf("Ingested %d records into %s (%d replaced)",
			summary.Records, summary.Collection, summary.Deleted)
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if watchRoot != "" {
		return watchDir(ctx, cmd, a, watchRoot, fo, cfg.Ingest.WatchDebounce)
	}
	if n := len(summary.Failed); n > 0 {
		return rerrors.New(rerrors.ErrCodeInvalidInput, fmt.Sprintf("%d of %d files failed to ingest", n, len(files)), nil).
			WithSuggestion("Re-run with --debug to see each failure")
	}
	return nil
}

// resolveIngestArgs expands directories into their supported files. Paths
// are made absolute so a later re-ingest or watch uses the same doc_source.
func resolveIngestArgs(args, exts []string, watch bool) (files []string, fromStdin bool, watchRoot string, err error) {
	for _, arg := range args {
		if arg == "-" {
			fromStdin = true
			continue
		}
		abs, err := filepath.Abs(arg)
		if err != nil {
			return nil, false, "", fmt.Errorf("resolve %s: %w", arg, err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			return nil, false, "", rerrors.ValidationError(fmt.Sprintf("cannot read %s", arg), err)
		}
		if !info.IsDir() {
			files = append(files, abs)
			continue
		}
		if watch && watchRoot == "" {
			watchRoot = abs
		}
		found, err := ingest.ListFiles(abs, exts)
		if err != nil {
			return nil, false, "", err
		}
		files = append(files, found...)
	}
	if watch && watchRoot == "" {
		return nil, false, "", rerrors.ValidationError("--watch needs a directory argument", nil)
	}
	return files, fromStdin, watchRoot, nil
}

func ingestStdin(ctx context.Context, r io.Reader, svc *ingest.Service, opts ingestCmdOptions, iopts []ingest.IngestOption) (*ingest.Report, error) {
	inputs, err := ingest.LoadJSONL(r)
	if err != nil {
		return nil, err
	}
	for i := range inputs {
		if inputs[i].DocSource == "" {
			inputs[i].DocSource = opts.docSource
		}
		if inputs[i].DocID == "" {
			inputs[i].DocID = opts.docType
		}
	}
	return svc.IngestRecords(ctx, inputs, iopts...)
}

// ingestFiles ingests each file in turn. A failed file is recorded and the
// rest still run; cancellation stops the loop.
func ingestFiles(ctx context.Context, a *app, r ui.Renderer, files []string, fo ingest.FileOptions, iopts []ingest.IngestOption, summary *ingestSummary) {
	opts := append(iopts, ingest.WithProgress(r.BatchWritten))
	for i, path := range files {
		if ctx.Err() != nil {
			return
		}
		r.FileStarted(path, i+1, len(files))
		rep, err := a.ingester.IngestFile(ctx, path, fo, opts...)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			if summary.Failed == nil {
				summary.Failed = make(map[string]string)
			}
			summary.Failed[path] = err.Error()
			r.AddError(ui.ErrorEvent{Source: path, Err: err})
			slog.Warn("ingest_file_failed", slog.String("path", path), slog.String("error", err.Error()))
			continue
		}
		summary.Files++
		summary.Records += rep.Inserted
		summary.Deleted += rep.Deleted
		r.FileFinished(path, rep.Inserted)
	}
}

// watchDir keeps the collection in step with root until ctx ends.
func watchDir(ctx context.Context, cmd *cobra.Command, a *app, root string, fo ingest.FileOptions, debounce time.Duration) error {
	out := output.New(cmd.OutOrStdout())
	w, err := ingest.NewWatcher(a.ingester, root, ingest.WatchOptions{
		FileOptions: fo,
		Debounce:    debounce,
		OnApply: func(c ingest.Change, err error) {
			if err != nil {
				out.Errorf("%s %s: %v", c.Kind, c.Path, err)
				return
			}
			out.Statusf("", "%s %s", c.Kind, c.Path)
		},
	})
	if err != nil {
		return err
	}
	out.Statusf("", "Watching %s (Ctrl+C to stop)", w.Root())
	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
