package cmd

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	rerrors "github.com/odprt-iep/hybridrag/internal/errors"
	"github.com/odprt-iep/hybridrag/internal/output"
)

func newEscalateCmd() *cobra.Command {
	var (
		history    string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "escalate",
		Short: "Draft an escalation email from a conversation",
		Long: `Draft an email that hands a conversation over to staff. The generation
model picks the subject, body and recipients; recipients that are not
valid addresses are replaced by the configured fallback recipients.`,
		Example: `  hybridrag escalate --history chat.txt
  cat chat.txt | hybridrag escalate --history - --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runEscalate(cmd.Context(), cmd, history, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&history, "history", "", "File with the chat history, or - for standard input (required)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the draft as JSON")
	_ = cmd.MarkFlagRequired("history")
	return cmd
}

func runEscalate(ctx context.Context, cmd *cobra.Command, historyPath string, jsonOutput bool) error {
	history, err := readInput(cmd, historyPath)
	if err != nil {
		return err
	}
	if strings.TrimSpace(history) == "" {
		return rerrors.ValidationError("chat history is empty", nil).
			WithSuggestion("Pass the conversation with --history")
	}

	cfg, err := loadConfig()
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

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	draft, err := a.assistant.GenerateEmail(ctx, history)
	if err != nil {
		return err
	}
	if jsonOutput {
		return writeJSON(cmd, draft)
	}

	out := output.New(cmd.OutOrStdout())
	out.Header("Escalation draft")
	out.Newline()
	out.KV("To", strings.Join(draft.Recipients, ", "))
	out.KV("Subject", draft.Subject)
	out.Block(draft.Body)
	return nil
}
