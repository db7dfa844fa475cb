package cmd

import (
	"bufio"
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	rerrors "github.com/odprt-iep/hybridrag/internal/errors"
	"github.com/odprt-iep/hybridrag/internal/output"
	"github.com/odprt-iep/hybridrag/internal/store"
	"github.com/odprt-iep/hybridrag/internal/telemetry"
	"github.com/odprt-iep/hybridrag/internal/ui"
)

// usageDays is the window of persisted telemetry shown by status.
const usageDays = 30

func newCollectionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "collection",
		Short: "Inspect or drop collections",
		Long:  `Inspect the configured collection, list every collection in the store, or drop one.`,
	}
	cmd.AddCommand(newCollectionStatusCmd())
	cmd.AddCommand(newCollectionListCmd())
	cmd.AddCommand(newCollectionDropCmd())
	return cmd
}

func newCollectionStatusCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show record counts, index state and query usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCollectionStatus(cmd.Context(), cmd, jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print status as JSON")
	return cmd
}

func runCollectionStatus(ctx context.Context, cmd *cobra.Command, jsonOutput bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	info := ui.StatusInfo{
		Store:      a.db.Path(),
		Collection: a.coll.Stats(),
		Schema:     a.coll.Schema(),
		Encoder:    a.encoderInfo(),
		RouterMode: cfg.Router.Mode,
	}
	if ts, err := telemetry.NewSQLiteStore(a.db.SQL()); err == nil {
		if snap, err := telemetry.History(ts, usageDays, 10); err == nil {
			info.Usage = snap
		}
	}

	r := ui.NewStatusRenderer(cmd.OutOrStdout(), ui.DetectNoColor() || !ui.IsTTY(cmd.OutOrStdout()))
	if jsonOutput {
		return r.RenderJSON(info)
	}
	return r.Render(info)
}

func newCollectionListCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the collections in the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := store.Open(cfg.Store.Path)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			infos, err := db.ListCollections(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				if infos == nil {
					infos = []store.CollectionInfo{}
				}
				return writeJSON(cmd, infos)
			}

			out := output.New(cmd.OutOrStdout())
			if len(infos) == 0 {
				out.Warning("No collections yet. Run 'hybridrag ingest' to create one.")
				return nil
			}
			for _, c := range infos {
				marker := " "
				if c.Name == cfg.Store.Collection {
					marker = "*"
				}
				out.Statusf(marker, "%-24s %8d records  %s", c.Name, c.Records, c.Schema)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print as JSON")
	return cmd
}

func newCollectionDropCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "drop [name]",
		Short: "Delete a collection and all its records",
		Long: `Delete a collection, its records and its index. The configured
collection is dropped when no name is given. This cannot be undone.`,
		Example: `  hybridrag collection drop --yes
  hybridrag collection drop scratch`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			name := cfg.Store.Collection
			if len(args) == 1 {
				name = args[0]
			}
			return runCollectionDrop(cmd.Context(), cmd, cfg.Store.Path, name, yes)
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")
	return cmd
}

func runCollectionDrop(ctx context.Context, cmd *cobra.Command, path, name string, yes bool) error {
	out := output.New(cmd.OutOrStdout())
	if !yes && !confirm(cmd, fmt.Sprintf("Drop collection %q and all its records?", name)) {
		out.Status("", "Aborted.")
		return nil
	}

	db, err := store.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	dropped, err := db.DropCollection(ctx, name)
	if err != nil {
		return err
	}
	if !dropped {
		return rerrors.ValidationError(fmt.Sprintf("collection %q does not exist", name), nil).
			WithSuggestion("Run 'hybridrag collection list' to see existing collections")
	}
	out.Successf("Dropped collection %s", name)
	return nil
}

// confirm asks a yes/no question on the command's input.
func confirm(cmd *cobra.Command, question string) bool {
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s [y/N]: ", question)
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}
