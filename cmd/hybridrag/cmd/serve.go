package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/odprt-iep/hybridrag/internal/ingest"
	"github.com/odprt-iep/hybridrag/internal/logging"
	"github.com/odprt-iep/hybridrag/internal/mcp"
	"github.com/odprt-iep/hybridrag/pkg/version"
)

type serveOptions struct {
	transport string
	addr      string
	watch     string
	logLevel  string
}

func newServeCmd() *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP server",
		Long: `Expose the assistant to MCP clients. The server offers the query,
search, ingest, escalate and collection_status tools, plus the usage
metrics resource.

With the stdio transport (the default) the client starts hybridrag as a
subprocess and logs go only to the log file. With --transport http the
server listens on --addr and serves MCP at /mcp and a health check at
/healthz.

--watch keeps a directory in sync with the collection while serving.`,
		Example: `  hybridrag serve
  hybridrag serve --transport http --addr 127.0.0.1:8765
  hybridrag serve --watch ./policies`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.transport, "transport", "", "Transport: stdio or http (default from config)")
	cmd.Flags().StringVar(&opts.addr, "addr", "", "Listen address for the http transport (default from config)")
	cmd.Flags().StringVar(&opts.watch, "watch", "", "Directory to keep in sync while serving")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "", "Log level (default from config)")
	return cmd
}

func runServe(ctx context.Context, opts serveOptions) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	transport := cfg.Server.Transport
	if opts.transport != "" {
		transport = opts.transport
	}
	addr := cfg.Server.Addr
	if opts.addr != "" {
		addr = opts.addr
	}
	level := cfg.Server.LogLevel
	if opts.logLevel != "" {
		level = opts.logLevel
	}
	if debugMode {
		level = "debug"
	}

	// Nothing may reach stdout before the stdio transport owns it.
	logger, cleanup, err := logging.Setup(logging.ServeConfig(level, transport == mcp.TransportStdio))
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer cleanup()
	slog.SetDefault(logger)
	logger.Info("server_starting",
		slog.String("version", version.Version),
		slog.String("transport", transport),
		slog.String("store", cfg.Store.Path),
		slog.String("collection", cfg.Store.Collection))

	a, err := openApp(ctx, cfg)
	if err != nil {
		logger.Error("server_init_failed", slog.String("error", err.Error()))
		return err
	}
	defer func() { _ = a.Close() }()
	if err := a.withAssistant(true); err != nil {
		logger.Error("server_init_failed", slog.String("error", err.Error()))
		return err
	}

	srv, err := mcp.NewServer(mcp.Deps{
		Assistant:  a.assistant,
		Searcher:   a.engine,
		Ingester:   a.ingester,
		Collection: a.coll,
		Metrics:    a.metrics,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(gctx, transport, addr) })

	if opts.watch != "" {
		w, err := ingest.NewWatcher(a.ingester, opts.watch, ingest.WatchOptions{
			FileOptions: ingest.FileOptions{ChunkSize: cfg.Ingest.ChunkSize, Extensions: cfg.Ingest.Extensions},
			Debounce:    cfg.Ingest.WatchDebounce,
			SyncOnStart: true,
		})
		if err != nil {
			return err
		}
		logger.Info("watch_started", slog.String("root", w.Root()))
		g.Go(func() error {
			err := w.Run(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	err = g.Wait()
	logger.Info("server_stopped")
	return err
}
