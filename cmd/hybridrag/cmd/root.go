// Package cmd provides the CLI commands for hybridrag.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	rerrors "github.com/odprt-iep/hybridrag/internal/errors"
	"github.com/odprt-iep/hybridrag/internal/logging"
	"github.com/odprt-iep/hybridrag/pkg/version"
)

// Persistent flags.
var (
	debugMode      bool
	configDir      string
	loggingCleanup func()
)

// NewRootCmd creates the root command for the hybridrag CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hybridrag",
		Short: "Hybrid retrieval assistant for institutional documents",
		Long: `hybridrag stores document chunks as dense and sparse vectors, retrieves
them with Reciprocal Rank Fusion, and answers questions through a
generation model. Every query is first classified as related, vague or
unrelated: only related queries trigger retrieval.

Run 'hybridrag serve' to expose the assistant to MCP clients, or use the
ingest, search and query commands directly.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate("hybridrag version {{.Version}}\n")

	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging (also mirrored to stderr)")
	cmd.PersistentFlags().StringVar(&configDir, "config-dir", ".", "Directory searched for "+".hybridrag.yaml")

	cmd.PersistentPreRunE = startLogging
	cmd.PersistentPostRunE = stopLogging

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newIngestCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newQueryCmd())
	cmd.AddCommand(newEscalateCmd())
	cmd.AddCommand(newCollectionCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newValidateCmd())
	cmd.AddCommand(newDoctorCmd())
	cmd.AddCommand(newLogsCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command. SIGINT and SIGTERM cancel the command's
// context so long operations stop between batches.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := NewRootCmd().ExecuteContext(ctx)
	if err != nil {
		fmt.Fprint(os.Stderr, rerrors.FormatForCLI(err))
	}
	return err
}

// skipsLogging lists commands that set up logging themselves or must not
// touch the log file.
var skipsLogging = map[string]bool{"serve": true, "logs": true, "version": true}

// startLogging sends logs to the rotating log file. With --debug the level
// drops to debug and lines are mirrored to stderr.
func startLogging(cmd *cobra.Command, _ []string) error {
	if skipsLogging[cmd.Name()] {
		return nil
	}

	cfg := logging.DefaultConfig()
	cfg.WriteToStderr = false
	if debugMode {
		cfg = logging.DebugConfig()
	}
	logger, cleanup, err := logging.Setup(cfg)
	if err != nil {
		// Logging is best effort for CLI commands.
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: file logging disabled: %v\n", err)
		return nil
	}
	loggingCleanup = cleanup
	slog.SetDefault(logger)
	slog.Debug("command_started", slog.String("command", cmd.CommandPath()))
	return nil
}

func stopLogging(_ *cobra.Command, _ []string) error {
	if loggingCleanup != nil {
		loggingCleanup()
		loggingCleanup = nil
	}
	return nil
}

// writeJSON prints v as indented JSON to the command's output.
func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
