// Package ingest turns documents into stored records: it chunks files,
// encodes the chunks with the embedding provider and inserts them into a
// collection in batches. A directory watcher keeps a collection in step
// with files on disk.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/odprt-iep/hybridrag/internal/embed"
	rerrors "github.com/odprt-iep/hybridrag/internal/errors"
	"github.com/odprt-iep/hybridrag/internal/store"
)

// Encoder encodes texts into dense and sparse vectors. *embed.Provider
// implements it.
type Encoder interface {
	Encode(ctx context.Context, texts []string) ([]embed.Encoding, error)
}

// Collection is the part of *store.Collection ingestion needs.
type Collection interface {
	Schema() store.Schema
	InsertBatch(ctx context.Context, records []store.Record, opts ...store.InsertOption) (store.InsertReport, error)
	DeleteWhere(ctx context.Context, field string, values []string) (int, error)
}

// Input is one record to ingest before encoding.
type Input struct {
	Text        string `json:"text"`
	Description string `json:"description,omitempty"`
	DocSource   string `json:"doc_source,omitempty"`
	DocID       string `json:"doc_id,omitempty"`
}

func (in Input) content() string {
	if in.Text != "" {
		return in.Text
	}
	return in.Description
}

// Report summarises one ingestion call.
type Report struct {
	store.InsertReport
	Deleted  int           `json:"deleted"`
	Duration time.Duration `json:"duration"`
}

// Service ingests records into one collection.
type Service struct {
	enc       Encoder
	coll      Collection
	batchSize int
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithInsertBatchSize sets the number of records per insert batch.
func WithInsertBatchSize(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// NewService creates an ingestion service.
func NewService(enc Encoder, coll Collection, opts ...ServiceOption) (*Service, error) {
	if enc == nil || coll == nil {
		return nil, rerrors.InternalError("ingest service needs an encoder and a collection", nil)
	}
	s := &Service{enc: enc, coll: coll, batchSize: store.DefaultInsertBatchSize}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// IngestOption configures a single ingestion call.
type IngestOption func(*ingestOptions)

type ingestOptions struct {
	replace         bool
	progress        func(store.BatchProgress)
	continueOnError bool
}

// WithReplace deletes existing records with the same doc_source before
// inserting, so re-ingesting a document does not leave stale duplicates.
func WithReplace() IngestOption {
	return func(o *ingestOptions) { o.replace = true }
}

// WithProgress reports each inserted batch.
func WithProgress(fn func(store.BatchProgress)) IngestOption {
	return func(o *ingestOptions) { o.progress = fn }
}

// WithContinueOnError keeps inserting after a failed batch.
func WithContinueOnError() IngestOption {
	return func(o *ingestOptions) { o.continueOnError = true }
}

// IngestTexts ingests the chunks of one document. docType is stored as the
// record's doc_id.
func (s *Service) IngestTexts(ctx context.Context, chunks []string, docSource, docType string, opts ...IngestOption) (*Report, error) {
	inputs := make([]Input, len(chunks))
	for i, c := range chunks {
		inputs[i] = Input{Text: c, DocSource: docSource, DocID: docType}
	}
	return s.IngestRecords(ctx, inputs, opts...)
}

// IngestRecords encodes and inserts inputs. All inputs are encoded before
// anything is written, so an encoding failure leaves the collection
// untouched. With WithReplace, every doc_source present in inputs is
// cleared after encoding succeeds and before the insert.
func (s *Service) IngestRecords(ctx context.Context, inputs []Input, opts ...IngestOption) (*Report, error) {
	start := time.Now()
	var o ingestOptions
	for _, opt := range opts {
		opt(&o)
	}

	if len(inputs) == 0 {
		return &Report{InsertReport: store.InsertReport{IDs: []uint64{}}}, nil
	}
	texts := make([]string, len(inputs))
	for i, in := range inputs {
		if strings.TrimSpace(in.content()) == "" {
			return nil, rerrors.New(rerrors.ErrCodeRecordInvalid, "record has neither text nor description", nil).
				WithDetail("record_index", fmt.Sprint(i)).
				WithDetail("doc_source", in.DocSource)
		}
		texts[i] = in.content()
	}

	encodings, err := s.enc.Encode(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(encodings) != len(inputs) {
		return nil, rerrors.New(rerrors.ErrCodeEmbeddingFailed,
			fmt.Sprintf("encoder returned %d encodings for %d inputs", len(encodings), len(inputs)), nil)
	}

	dims := s.coll.Schema().Dimensions
	records := make([]store.Record, len(inputs))
	for i, in := range inputs {
		records[i] = store.Record{
			DocID:       in.DocID,
			DocSource:   in.DocSource,
			Text:        in.Text,
			Description: in.Description,
			Dense:       encodings[i].Dense,
			Sparse:      encodings[i].Sparse,
		}
		// Checked here as well as in InsertBatch so that a bad record
		// cannot fail the insert after a replace has deleted the old rows.
		if err := records[i].Validate(dims); err != nil {
			if re, ok := rerrors.As(err); ok {
				re.WithDetail("record_index", fmt.Sprint(i))
			}
			return nil, err
		}
	}

	report := &Report{}
	if o.replace {
		sources := distinctSources(inputs)
		n, err := s.coll.DeleteWhere(ctx, store.FieldDocSource, sources)
		if err != nil {
			return nil, err
		}
		report.Deleted = n
		if n > 0 {
			slog.Info("replaced_doc_sources",
				slog.Int("sources", len(sources)),
				slog.Int("deleted", n))
		}
	}

	insertOpts := []store.InsertOption{store.WithBatchSize(s.batchSize)}
	if o.progress != nil {
		insertOpts = append(insertOpts, store.WithProgress(o.progress))
	}
	if o.continueOnError {
		insertOpts = append(insertOpts, store.WithContinueOnError())
	}

	ins, err := s.coll.InsertBatch(ctx, records, insertOpts...)
	report.InsertReport = ins
	report.Duration = time.Since(start)
	if err != nil {
		return report, err
	}

	slog.Info("ingest_completed",
		slog.Int("records", ins.Inserted),
		slog.Int("batches", ins.Batches),
		slog.Int("failed_batches", len(ins.Failed)),
		slog.Duration("duration", report.Duration))
	return report, nil
}

// distinctSources returns the doc sources of inputs in first-seen order.
// An empty source maps to the stored default.
func distinctSources(inputs []Input) []string {
	seen := make(map[string]bool)
	var out []string
	for _, in := range inputs {
		src := in.DocSource
		if src == "" {
			src = store.DefaultDocSource
		}
		if !seen[src] {
			seen[src] = true
			out = append(out, src)
		}
	}
	return out
}
