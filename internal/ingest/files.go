package ingest

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	rerrors "github.com/odprt-iep/hybridrag/internal/errors"
	"github.com/odprt-iep/hybridrag/internal/store"
)

// FileOptions controls how files are read.
type FileOptions struct {
	ChunkSize  int
	Extensions []string
}

// IngestFile loads, chunks and ingests one file. The file's path is its
// doc_source unless JSONL records carry their own.
func (s *Service) IngestFile(ctx context.Context, path string, fo FileOptions, opts ...IngestOption) (*Report, error) {
	inputs, err := LoadFile(path, fo.ChunkSize)
	if err != nil {
		return nil, err
	}
	if len(inputs) == 0 {
		slog.Debug("ingest_file_empty", slog.String("path", path))
		rep := &Report{InsertReport: store.InsertReport{IDs: []uint64{}}}
		var o ingestOptions
		for _, opt := range opts {
			opt(&o)
		}
		// An emptied file replaces its old chunks with nothing.
		if o.replace {
			n, err := s.coll.DeleteWhere(ctx, store.FieldDocSource, []string{path})
			if err != nil {
				return nil, err
			}
			rep.Deleted = n
		}
		return rep, nil
	}
	return s.IngestRecords(ctx, inputs, opts...)
}

// DirReport summarises a directory ingestion.
type DirReport struct {
	Files   int               `json:"files"`
	Records int               `json:"records"`
	Deleted int               `json:"deleted"`
	Failed  map[string]string `json:"failed,omitempty"`
}

// IngestDir ingests every supported file under root, or root itself when it
// is a file. A file that fails is recorded in the report and the rest are
// still ingested; cancellation stops it.
func (s *Service) IngestDir(ctx context.Context, root string, fo FileOptions, opts ...IngestOption) (*DirReport, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, rerrors.ValidationError(fmt.Sprintf("cannot read %s", root), err)
	}
	if !info.IsDir() {
		rep, err := s.IngestFile(ctx, root, fo, opts...)
		if err != nil {
			return nil, err
		}
		return &DirReport{Files: 1, Records: rep.Inserted, Deleted: rep.Deleted}, nil
	}

	files, err := ListFiles(root, fo.Extensions)
	if err != nil {
		return nil, err
	}

	out := &DirReport{}
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		rep, err := s.IngestFile(ctx, path, fo, opts...)
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			if out.Failed == nil {
				out.Failed = make(map[string]string)
			}
			out.Failed[path] = err.Error()
			slog.Warn("ingest_file_failed", slog.String("path", path), slog.String("error", err.Error()))
			continue
		}
		out.Files++
		out.Records += rep.Inserted
		out.Deleted += rep.Deleted
	}
	return out, nil
}

// ListFiles returns the supported files under root in lexical order,
// skipping hidden files and directories and anything excluded by root's
// .hybridragignore.
func ListFiles(root string, exts []string) ([]string, error) {
	rules, err := loadIgnore(root)
	if err != nil {
		return nil, err
	}
	var files []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			if path != root && (isHidden(d.Name()) || rules.Ignored(path, true)) {
				return filepath.SkipDir
			}
			return nil
		}
		if !isHidden(d.Name()) && Supported(path, exts) && !rules.Ignored(path, false) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", root, err)
	}
	return files, nil
}

// RemoveSource deletes every record whose doc_source is source.
func (s *Service) RemoveSource(ctx context.Context, source string) (int, error) {
	if strings.TrimSpace(source) == "" {
		return 0, rerrors.ValidationError("doc_source is required", nil)
	}
	n, err := s.coll.DeleteWhere(ctx, store.FieldDocSource, []string{source})
	if err != nil {
		return 0, err
	}
	slog.Info("doc_source_removed", slog.String("doc_source", source), slog.Int("deleted", n))
	return n, nil
}

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".") && name != "." && name != ".."
}
