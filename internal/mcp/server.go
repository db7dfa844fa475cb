package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/odprt-iep/hybridrag/internal/assistant"
	"github.com/odprt-iep/hybridrag/internal/ingest"
	"github.com/odprt-iep/hybridrag/internal/search"
	"github.com/odprt-iep/hybridrag/internal/store"
	"github.com/odprt-iep/hybridrag/internal/telemetry"
	"github.com/odprt-iep/hybridrag/pkg/version"
)

// ServerName is reported to clients during initialization.
const ServerName = "hybridrag"

// Transports accepted by Serve.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

// Answerer answers queries and drafts escalation emails.
// *assistant.Assistant implements it.
type Answerer interface {
	Query(ctx context.Context, req assistant.QueryRequest) (*assistant.Answer, error)
	GenerateEmail(ctx context.Context, chatHistory string) (*assistant.EmailDraft, error)
}

// Ingester writes text chunks into the collection. *ingest.Service
// implements it.
type Ingester interface {
	IngestTexts(ctx context.Context, chunks []string, docSource, docType string, opts ...ingest.IngestOption) (*ingest.Report, error)
}

// StatsSource reports collection statistics. *store.Collection implements it.
type StatsSource interface {
	Stats() store.Stats
}

// Deps are the components the server exposes. Metrics is optional.
type Deps struct {
	Assistant  Answerer
	Searcher   search.Searcher
	Ingester   Ingester
	Collection StatsSource
	Metrics    *telemetry.Metrics
	Logger     *slog.Logger
}

// Server is the hybridrag MCP server. It exposes the assistant, retrieval
// and ingestion as MCP tools.
type Server struct {
	mcp        *mcp.Server
	assistant  Answerer
	searcher   search.Searcher
	ingester   Ingester
	collection StatsSource
	metrics    *telemetry.Metrics
	logger     *slog.Logger

	// serializes ingest calls so replace semantics hold per doc_source
	ingestMu sync.Mutex
}

// NewServer creates a new MCP server and registers its tools.
func NewServer(deps Deps) (*Server, error) {
	switch {
	case deps.Assistant == nil:
		return nil, errors.New("assistant is required")
	case deps.Searcher == nil:
		return nil, errors.New("searcher is required")
	case deps.Ingester == nil:
		return nil, errors.New("ingester is required")
	case deps.Collection == nil:
		return nil, errors.New("collection is required")
	}

	s := &Server{
		assistant:  deps.Assistant,
		searcher:   deps.Searcher,
		ingester:   deps.Ingester,
		collection: deps.Collection,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	s.mcp = mcp.NewServer(
		&mcp.Implementation{Name: ServerName, Version: version.Version},
		nil, // capabilities are inferred from registered tools and resources
	)
	s.registerTools()
	if s.metrics != nil {
		s.registerMetricsResource()
	}
	return s, nil
}

// MCPServer returns the underlying MCP server instance.
func (s *Server) MCPServer() *mcp.Server {
	return s.mcp
}

// Info returns the server name and version.
func (s *Server) Info() (name, ver string) {
	return ServerName, version.Version
}

// Serve runs the server on the given transport until ctx is done. addr is
// only used by the http transport.
func (s *Server) Serve(ctx context.Context, transport, addr string) error {
	s.logger.Info("mcp_server_starting",
		slog.String("transport", transport),
		slog.String("addr", addr))

	switch transport {
	case "", TransportStdio:
		err := s.mcp.Run(ctx, &mcp.StdioTransport{})
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("mcp_server_failed", slog.String("error", err.Error()))
			return err
		}
		s.logger.Info("mcp_server_stopped")
		return nil
	case TransportHTTP:
		return s.serveHTTP(ctx, addr)
	default:
		return fmt.Errorf("unknown transport: %s (supported: %s, %s)", transport, TransportStdio, TransportHTTP)
	}
}

// Handler returns the HTTP handler used by the http transport. MCP is
// served at /mcp and a liveness endpoint at /healthz.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	streamable := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return s.mcp }, nil)
	r.Handle("/mcp", streamable)
	r.Handle("/mcp/*", streamable)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})
	return r
}

func (s *Server) serveHTTP(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		s.logger.Error("mcp_server_failed", slog.String("error", err.Error()))
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		s.logger.Info("mcp_server_stopped")
		return err
	}
}
