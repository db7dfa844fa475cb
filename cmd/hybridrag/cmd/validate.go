package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	rerrors "github.com/odprt-iep/hybridrag/internal/errors"
	"github.com/odprt-iep/hybridrag/internal/llm"
	"github.com/odprt-iep/hybridrag/internal/router"
	"github.com/odprt-iep/hybridrag/internal/validation"
)

type validateOptions struct {
	answers     bool
	queriesFile string
	routerMode  string
	concurrency int
	verbose     bool
	jsonOutput  bool
}

func newValidateCmd() *cobra.Command {
	var opts validateOptions

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Run the routing or answer-quality regression suite",
		Long: `Classify every case of a query suite and compare the result with the
expected classification. The built-in suite is used unless --queries
names a YAML file. The command fails when the pass rate is below the
suite's min_pass_rate, so it can gate a model or prompt change in CI.

With --answers, every case is instead retrieved from the collection and
answered from that context, and the generation model judges the answer
for correctness against the case's ground_truth and for contextual
precision, contextual recall and faithfulness against the context.`,
		Example: `  hybridrag validate --router pattern
  hybridrag validate --queries my-cases.yaml --verbose
  hybridrag validate --answers --queries answers.yaml
  hybridrag validate --json > report.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.answers {
				return runValidateAnswers(cmd.Context(), cmd, opts)
			}
			return runValidate(cmd.Context(), cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.answers, "answers", false, "Evaluate retrieval and answers against ground truth instead of routing")
	cmd.Flags().StringVar(&opts.queriesFile, "queries", "", "YAML suite file (default: built-in suite)")
	cmd.Flags().StringVar(&opts.routerMode, "router", "", "Router mode to test: llm, pattern or hybrid (default from config)")
	cmd.Flags().IntVar(&opts.concurrency, "concurrency", 4, "Cases classified in parallel")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "List every case, not just failures")
	cmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "Print the report as JSON")
	return cmd
}

func runValidate(ctx context.Context, cmd *cobra.Command, opts validateOptions) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	mode := cfg.Router.Mode
	if opts.routerMode != "" {
		mode = opts.routerMode
	}

	suite, err := validation.Default()
	if opts.queriesFile != "" {
		suite, err = validation.Load(opts.queriesFile)
	}
	if err != nil {
		return err
	}

	var gen *llm.Resilient
	if mode != router.ModePattern {
		if gen, err = newGenerator(cfg); err != nil {
			return err
		}
	}
	r, err := newRouter(cfg, mode, gen)
	if err != nil {
		return err
	}

	slog.Info("validation_started", slog.String("router", mode), slog.Int("cases", len(suite.Cases)))
	rep, err := validation.Run(ctx, r, suite, validation.RunOptions{
		Concurrency: opts.concurrency,
		Timeout:     cfg.LLM.Timeout,
	})
	if err != nil {
		return err
	}
	slog.Info("validation_complete", slog.Int("passed", rep.Passed), slog.Int("total", rep.Total))

	if opts.jsonOutput {
		err = writeJSON(cmd, rep)
	} else {
		err = rep.WriteText(cmd.OutOrStdout(), opts.verbose)
	}
	if err != nil {
		return err
	}

	if !rep.OK() {
		return rerrors.New(rerrors.ErrCodeSuiteFailed,
			fmt.Sprintf("pass rate %.1f%% is below the required %.1f%%", rep.PassRate()*100, rep.MinPassRate*100), nil)
	}
	return nil
}

func runValidateAnswers(ctx context.Context, cmd *cobra.Command, opts validateOptions) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	suite, err := validation.DefaultAnswers()
	if opts.queriesFile != "" {
		suite, err = validation.LoadAnswers(opts.queriesFile)
	}
	if err != nil {
		return err
	}

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()
	if err := a.withAssistant(false); err != nil {
		return err
	}

	slog.Info("answer_evaluation_started",
		slog.String("collection", cfg.Store.Collection),
		slog.Int("cases", len(suite.Cases)))
	rep, err := validation.RunAnswers(ctx, a.engine, a.assistant, a.gen, suite, validation.RunOptions{
		Concurrency: opts.concurrency,
		Timeout:     cfg.LLM.Timeout,
	})
	if err != nil {
		return err
	}
	slog.Info("answer_evaluation_complete", slog.Int("passed", rep.Passed), slog.Int("total", rep.Total))

	if opts.jsonOutput {
		err = writeJSON(cmd, rep)
	} else {
		err = rep.WriteText(cmd.OutOrStdout(), opts.verbose)
	}
	if err != nil {
		return err
	}

	if !rep.OK() {
		return rerrors.New(rerrors.ErrCodeSuiteFailed,
			fmt.Sprintf("answer pass rate %.1f%% is below the required %.1f%%", rep.PassRate()*100, rep.MinPassRate*100), nil)
	}
	return nil
}
