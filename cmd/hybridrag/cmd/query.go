package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/odprt-iep/hybridrag/internal/assistant"
	rerrors "github.com/odprt-iep/hybridrag/internal/errors"
	"github.com/odprt-iep/hybridrag/internal/output"
	"github.com/odprt-iep/hybridrag/internal/router"
)

type queryOptions struct {
	uploaded   string
	history    string
	routerMode string
	jsonOutput bool
}

func newQueryCmd() *cobra.Command {
	var opts queryOptions

	cmd := &cobra.Command{
		Use:   "query <question>",
		Short: "Classify a question and answer it from the collection",
		Long: `Run the full assistant flow for one question: classify it, retrieve
context when it is related, and generate the answer. Unrelated questions
get the fixed decline message; vague ones get a clarifying question.

--uploaded and --history take file paths, or "-" to read standard input.`,
		Example: `  hybridrag query "Where do I find the RCA template?"
  hybridrag query "What about the amendment?" --history chat.txt
  hybridrag query "Does this agreement need ethics approval?" --uploaded draft.txt --json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(cmd.Context(), cmd, strings.Join(args, " "), opts)
		},
	}

	cmd.Flags().StringVar(&opts.uploaded, "uploaded", "", "File with user-uploaded content")
	cmd.Flags().StringVar(&opts.history, "history", "", "File with the chat history so far")
	cmd.Flags().StringVar(&opts.routerMode, "router", "", "Override the router mode: llm, pattern or hybrid")
	cmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "Print the answer as JSON")
	return cmd
}

func runQuery(ctx context.Context, cmd *cobra.Command, question string, opts queryOptions) error {
	uploaded, err := readInput(cmd, opts.uploaded)
	if err != nil {
		return err
	}
	history, err := readInput(cmd, opts.history)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if opts.routerMode != "" {
		cfg.Router.Mode = opts.routerMode
	}

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()
	if err := a.withAssistant(true); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	ans, err := a.assistant.Query(ctx, assistant.QueryRequest{
		Query:           question,
		UploadedContent: uploaded,
		ChatHistory:     history,
	})
	if err != nil {
		return err
	}
	if ans.Sources == nil {
		ans.Sources = []string{}
	}
	if opts.jsonOutput {
		return writeJSON(cmd, ans)
	}

	out := output.New(cmd.OutOrStdout())
	switch ans.Classification {
	case router.Related:
		out.Header("Answer")
	case router.Vague:
		out.Header("Clarification needed")
	default:
		out.Header("Out of scope")
	}
	out.Block(ans.Text)
	out.KV("Classification", ans.Classification)
	if len(ans.Sources) > 0 {
		out.KV("Sources", strings.Join(ans.Sources, ", "))
	}
	out.Dim("request " + ans.RequestID)
	return nil
}

// readInput returns the contents of path, standard input for "-", or ""
// when path is empty.
func readInput(cmd *cobra.Command, path string) (string, error) {
	var (
		data []byte
		err  error
	)
	switch path {
	case "":
		return "", nil
	case "-":
		data, err = io.ReadAll(cmd.InOrStdin())
	default:
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", rerrors.ValidationError(fmt.Sprintf("cannot read %s", path), err)
	}
	return string(data), nil
}
