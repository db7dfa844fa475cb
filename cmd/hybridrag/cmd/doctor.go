package cmd

import (
	"context"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/odprt-iep/hybridrag/internal/config"
	"github.com/odprt-iep/hybridrag/internal/embed"
	rerrors "github.com/odprt-iep/hybridrag/internal/errors"
	"github.com/odprt-iep/hybridrag/internal/llm"
	"github.com/odprt-iep/hybridrag/internal/logging"
	"github.com/odprt-iep/hybridrag/internal/preflight"
	"github.com/odprt-iep/hybridrag/internal/router"
	"github.com/odprt-iep/hybridrag/internal/store"
)

type doctorOptions struct {
	offline    bool
	verbose    bool
	jsonOutput bool
}

// doctorReport is the --json output of doctor.
type doctorReport struct {
	Status string             `json:"status"`
	Checks []preflight.Result `json:"checks"`
}

func newDoctorCmd() *cobra.Command {
	var opts doctorOptions

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the environment before ingesting or serving",
		Long: `Check that the store and log directories are writable, that there is
free disk, that the embedding model answers with the configured width,
that the generation endpoint is reachable and that the collection on
disk matches the configuration.

The command fails when a required check fails. The generation endpoint
is required unless the router runs in pattern mode.`,
		Example: `  hybridrag doctor
  hybridrag doctor --offline
  hybridrag doctor --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDoctor(cmd.Context(), cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.offline, "offline", false, "Skip the embedder and generation endpoint checks")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "Show hints for passing checks too")
	cmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "Print results as JSON")
	return cmd
}

func runDoctor(ctx context.Context, cmd *cobra.Command, opts doctorOptions) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	checker := preflight.New(
		preflight.WithOffline(opts.offline),
		preflight.WithVerbose(opts.verbose),
		preflight.WithTimeout(cfg.Embeddings.Timeout),
		preflight.WithOutput(cmd.OutOrStdout()),
	)
	results := checker.RunAll(ctx, doctorChecks(cfg)...)

	if opts.jsonOutput {
		err = writeJSON(cmd, doctorReport{Status: checker.SummaryStatus(results), Checks: results})
	} else {
		checker.PrintResults(results)
	}
	if err != nil {
		return err
	}

	if checker.HasCriticalFailures(results) {
		return rerrors.New(rerrors.ErrCodePreflightFailed, "one or more required checks failed", nil).
			WithSuggestion("Fix the failed checks above and run 'hybridrag doctor' again")
	}
	return nil
}

func doctorChecks(cfg *config.Config) []preflight.Check {
	storeDir := filepath.Dir(cfg.Store.Path)
	return []preflight.Check{
		preflight.WritableDir("store_dir", storeDir, true),
		preflight.DiskSpace("disk_space", storeDir, preflight.MinDiskSpaceBytes),
		preflight.WritableDir("log_dir", logging.DefaultLogDir(), false),
		preflight.FileDescriptors(preflight.MinFileDescriptors),
		preflight.CollectionSchema(func(ctx context.Context) ([]store.CollectionInfo, error) {
			db, err := store.Open(cfg.Store.Path)
			if err != nil {
				return nil, err
			}
			defer func() { _ = db.Close() }()
			return db.ListCollections(ctx)
		}, cfg.Store.Collection, cfg.Store.Dimensions),
		preflight.Embedder(func(ctx context.Context) (embed.Embedder, error) {
			return embed.NewEmbedder(ctx, embed.Options{
				Provider:   embed.ParseProvider(cfg.Embeddings.Provider),
				Model:      cfg.Embeddings.Model,
				Host:       cfg.Embeddings.OllamaHost,
				Dimensions: cfg.Store.Dimensions,
				BatchSize:  cfg.Embeddings.BatchSize,
				Timeout:    cfg.Embeddings.Timeout,
				MaxRetries: 0,
				CacheSize:  -1,
			})
		}, cfg.Store.Dimensions),
		preflight.Endpoint("generator", generatorHealthURL(cfg.LLM),
			cfg.Router.Mode != router.ModePattern, &http.Client{Timeout: 10 * time.Second}),
	}
}

// generatorHealthURL is a cheap GET on the generation backend.
func generatorHealthURL(c config.LLMConfig) string {
	host := strings.TrimSuffix(strings.TrimRight(c.Host, "/"), "/v1")
	if strings.EqualFold(c.Provider, llm.ProviderOpenAI) {
		if host == "" {
			host = llm.DefaultOpenAIHost
		}
		return host + "/v1/models"
	}
	if host == "" {
		host = llm.DefaultOllamaHost
	}
	return host + "/api/tags"
}
