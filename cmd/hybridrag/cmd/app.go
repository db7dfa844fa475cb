package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/odprt-iep/hybridrag/internal/assistant"
	"github.com/odprt-iep/hybridrag/internal/config"
	"github.com/odprt-iep/hybridrag/internal/embed"
	"github.com/odprt-iep/hybridrag/internal/ingest"
	"github.com/odprt-iep/hybridrag/internal/llm"
	"github.com/odprt-iep/hybridrag/internal/router"
	"github.com/odprt-iep/hybridrag/internal/search"
	"github.com/odprt-iep/hybridrag/internal/store"
	"github.com/odprt-iep/hybridrag/internal/telemetry"
	"github.com/odprt-iep/hybridrag/internal/ui"
)

// loadConfig reads the layered configuration for --config-dir.
func loadConfig() (*config.Config, error) {
	return config.Load(configDir)
}

// app holds the components a command needs. Everything is built from the
// configuration here and injected downwards; nothing is global.
type app struct {
	cfg      *config.Config
	db       *store.DB
	coll     *store.Collection
	provider *embed.Provider
	engine   *search.Engine
	ingester *ingest.Service

	// Built by withAssistant.
	gen       *llm.Resilient
	router    router.Router
	metrics   *telemetry.Metrics
	assistant *assistant.Assistant
}

// openApp opens the store, the collection and the embedding provider.
func openApp(ctx context.Context, cfg *config.Config) (*app, error) {
	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, db: db}

	schema := store.Schema{
		Dimensions:     cfg.Store.Dimensions,
		M:              cfg.Store.M,
		EfConstruction: cfg.Store.EfConstruction,
		EfSearch:       cfg.Store.EfSearch,
		DropRatio:      cfg.Store.DropRatio,
	}
	a.coll, err = db.EnsureCollection(ctx, cfg.Store.Collection, schema,
		store.WithExactSearchThreshold(cfg.Store.ExactSearchThreshold))
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	a.provider, err = embed.New(ctx, embed.Options{
		Provider:   embed.ParseProvider(cfg.Embeddings.Provider),
		Model:      cfg.Embeddings.Model,
		Host:       cfg.Embeddings.OllamaHost,
		Dimensions: cfg.Store.Dimensions,
		BatchSize:  cfg.Embeddings.BatchSize,
		Timeout:    cfg.Embeddings.Timeout,
		MaxRetries: cfg.Embeddings.MaxRetries,
		CacheSize:  cfg.Embeddings.CacheSize,
	})
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	a.engine, err = search.NewEngine(a.provider, a.coll, search.Config{
		TopKDense:      cfg.Search.TopKDense,
		TopKSparse:     cfg.Search.TopKSparse,
		Limit:          cfg.Search.Limit,
		RRFConstant:    cfg.Search.RRFConstant,
		MaxQueryLength: cfg.Search.MaxQueryLength,
	})
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	a.ingester, err = ingest.NewService(a.provider, a.coll, ingest.WithInsertBatchSize(cfg.Store.InsertBatchSize))
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	slog.Debug("app_opened",
		slog.String("store", db.Path()),
		slog.String("collection", a.coll.Name()),
		slog.String("embedder", a.provider.ModelName()))
	return a, nil
}

// newGenerator builds the configured generation model.
func newGenerator(cfg *config.Config) (*llm.Resilient, error) {
	rc := llm.DefaultResilienceConfig()
	rc.Timeout = cfg.LLM.Timeout
	rc.MaxRetries = cfg.LLM.MaxRetries
	rc.RequestsPerSecond = cfg.LLM.RequestsPerSecond
	rc.Burst = cfg.LLM.Burst
	if cfg.LLM.CircuitMaxFailures > 0 {
		rc.CircuitMaxFailures = cfg.LLM.CircuitMaxFailures
	}
	if cfg.LLM.CircuitResetTimeout > 0 {
		rc.CircuitResetTimeout = cfg.LLM.CircuitResetTimeout
	}
	return llm.New(llm.Options{
		Provider:   cfg.LLM.Provider,
		Host:       cfg.LLM.Host,
		Model:      cfg.LLM.Model,
		APIKeyEnv:  cfg.LLM.APIKeyEnv,
		Resilience: rc,
	})
}

// newRouter builds the router for mode. The pattern mode needs no model.
func newRouter(cfg *config.Config, mode string, gen *llm.Resilient) (router.Router, error) {
	opts := router.Options{
		Mode:         mode,
		CacheSize:    cfg.Router.CacheSize,
		AnchorTerms:  cfg.Router.AnchorTerms,
		GenericTerms: cfg.Router.GenericTerms,
	}
	if gen != nil {
		opts.Generator = gen
		opts.Breaker = gen.Breaker()
	}
	return router.New(opts)
}

// withAssistant adds the generator, router and assistant. With persist set,
// query telemetry is flushed to the store's SQLite file.
func (a *app) withAssistant(persist bool) error {
	gen, err := newGenerator(a.cfg)
	if err != nil {
		return err
	}
	a.gen = gen

	a.router, err = newRouter(a.cfg, a.cfg.Router.Mode, gen)
	if err != nil {
		return err
	}

	var ts telemetry.Store
	if persist {
		sqlStore, err := telemetry.NewSQLiteStore(a.db.SQL())
		if err != nil {
			return fmt.Errorf("telemetry store: %w", err)
		}
		ts = sqlStore
	}
	tcfg := telemetry.DefaultConfig()
	if !persist {
		tcfg.FlushInterval = 0
	}
	a.metrics = telemetry.New(ts, tcfg)

	a.assistant, err = assistant.New(a.router, a.engine, gen,
		assistant.WithMetrics(a.metrics),
		assistant.WithDeclineMessage(a.cfg.Assistant.DeclineMessage),
		assistant.WithFallbackRecipients(a.cfg.Assistant.FallbackRecipients...),
		assistant.WithForcedRecipients(a.cfg.Assistant.ForceRecipients...))
	return err
}

// encoderInfo describes the embedder for status and progress output.
func (a *app) encoderInfo() ui.EncoderInfo {
	return ui.EncoderInfo{
		Backend:    a.cfg.Embeddings.Provider,
		Model:      a.provider.ModelName(),
		Dimensions: a.provider.Dimensions(),
	}
}

// Close flushes telemetry and releases the embedder and the store.
func (a *app) Close() error {
	var errs []error
	if a.metrics != nil {
		errs = append(errs, a.metrics.Close())
	}
	if a.provider != nil {
		errs = append(errs, a.provider.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	return errors.Join(errs...)
}

// commandTimeout bounds one-shot commands that call external models.
const commandTimeout = 5 * time.Minute
