package cmd

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/odprt-iep/hybridrag/internal/output"
)

type searchOptions struct {
	jsonOutput bool
	limit      int
}

// searchHit is one fused hit in --json output.
type searchHit struct {
	ID          uint64  `json:"id"`
	DocSource   string  `json:"doc_source"`
	DocType     string  `json:"doc_type,omitempty"`
	Score       float64 `json:"score"`
	DenseRank   int     `json:"dense_rank,omitempty"`
	SparseRank  int     `json:"sparse_rank,omitempty"`
	InBothLists bool    `json:"in_both_lists"`
	Text        string  `json:"text"`
}

type searchOutput struct {
	Query   string      `json:"query"`
	Context string      `json:"context"`
	Hits    []searchHit `json:"hits"`
}

func newSearchCmd() *cobra.Command {
	var opts searchOptions

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Retrieve context for a query without generation",
		Long: `Encode the query, run the dense and sparse searches and print the
fused records. No classification or generation model is involved, which
makes this the quickest way to check what a query retrieves.`,
		Example: `  hybridrag search "RCA template for an industry partner"
  hybridrag search "NDA approval steps" --json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(cmd.Context(), cmd, strings.Join(args, " "), opts)
		},
	}

	cmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "Print hits as JSON")
	cmd.Flags().IntVarP(&opts.limit, "limit", "n", 0, "Fused result limit (default from config)")
	return cmd
}

func runSearch(ctx context.Context, cmd *cobra.Command, query string, opts searchOptions) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if opts.limit > 0 {
		cfg.Search.Limit = opts.limit
	}

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	res, err := a.engine.Search(ctx, query)
	if err != nil {
		return err
	}
	slog.Info("search_complete", slog.Int("hits", len(res.Hits)))

	hits := make([]searchHit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hits = append(hits, searchHit{
			ID:          h.ID,
			DocSource:   h.DocSource,
			DocType:     h.DocID,
			Score:       h.Score,
			DenseRank:   h.DenseRank,
			SparseRank:  h.SparseRank,
			InBothLists: h.InBothLists,
			Text:        h.Content(),
		})
	}
	if opts.jsonOutput {
		return writeJSON(cmd, searchOutput{Query: query, Context: res.Context, Hits: hits})
	}

	out := output.New(cmd.OutOrStdout())
	if len(hits) == 0 {
		out.Warningf("No records found in collection %s", a.coll.Name())
		return nil
	}
	out.Header("Results for: " + query)
	for i, h := range hits {
		out.Newline()
		out.Statusf("", "%d. %s  (score %.4f)", i+1, h.DocSource, h.Score)
		if h.DocType != "" {
			out.KV("Type", h.DocType)
		}
		out.KV("Ranks", formatRanks(h))
		out.Block(h.Text)
	}
	return nil
}

func formatRanks(h searchHit) string {
	var parts []string
	if h.DenseRank > 0 {
		parts = append(parts, "dense #"+strconv.Itoa(h.DenseRank))
	}
	if h.SparseRank > 0 {
		parts = append(parts, "sparse #"+strconv.Itoa(h.SparseRank))
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, ", ")
}
