package assistant

import (
	"context"
	"log/slog"
	"net/mail"
	"strings"

	rerrors "github.com/odprt-iep/hybridrag/internal/errors"
	"github.com/odprt-iep/hybridrag/internal/llm"
)

// EmailDraft is an escalation email for the user to send.
type EmailDraft struct {
	Subject    string   `json:"subject"`
	Body       string   `json:"body"`
	Recipients []string `json:"recipients"`
}

// GenerateEmail drafts an escalation email from the conversation so far.
// It makes one generation call and does no retrieval.
func (a *Assistant) GenerateEmail(ctx context.Context, chatHistory string) (*EmailDraft, error) {
	if strings.TrimSpace(chatHistory) == "" {
		return nil, rerrors.ValidationError("chat history is empty; there is nothing to escalate", nil).
			WithSuggestion("Ask a question first, then request an escalation email")
	}

	out, err := a.gen.Complete(ctx, llm.Request{
		SystemPrompt: a.emailPrompt,
		Messages:     []llm.Message{llm.HistoryTurn(chatHistory)},
		Format:       llm.FormatJSON,
	})
	if err != nil {
		return nil, err
	}

	draft, err := llm.DecodeJSON[EmailDraft](out)
	if err != nil {
		return nil, err
	}
	draft.Subject = strings.TrimSpace(draft.Subject)
	draft.Body = strings.TrimSpace(draft.Body)
	if draft.Subject == "" || draft.Body == "" {
		return nil, rerrors.New(rerrors.ErrCodeMalformedOutput, "email draft is missing a subject or body", nil)
	}

	draft.Recipients = cleanRecipients(draft.Recipients)
	switch {
	case len(a.forcedRecipients) > 0:
		draft.Recipients = append([]string(nil), a.forcedRecipients...)
	case len(draft.Recipients) == 0:
		draft.Recipients = append([]string(nil), a.fallbackRecipients...)
	}

	slog.Info("email_drafted",
		slog.Int("recipients", len(draft.Recipients)),
		slog.Int("body_chars", len(draft.Body)))
	return &draft, nil
}

// cleanRecipients trims, lower-cases and de-duplicates addresses, dropping
// anything that is not a bare address.
func cleanRecipients(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, raw := range in {
		addr, ok := parseAddress(raw)
		if !ok || seen[addr] {
			continue
		}
		seen[addr] = true
		out = append(out, addr)
	}
	return out
}

func parseAddress(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	parsed, err := mail.ParseAddress(raw)
	if err != nil {
		return "", false
	}
	addr := strings.ToLower(parsed.Address)
	at := strings.LastIndex(addr, "@")
	if at <= 0 || !strings.Contains(addr[at+1:], ".") {
		return "", false
	}
	return addr, true
}
