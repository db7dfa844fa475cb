package router

import (
	"context"
	"log/slog"
	"strings"

	rerrors "github.com/odprt-iep/hybridrag/internal/errors"
	"github.com/odprt-iep/hybridrag/internal/llm"
)

// routingOutput is the JSON object the routing prompt asks for.
type routingOutput struct {
	Classification     string `json:"classification"`
	Reasoning          string `json:"reasoning"`
	ClarifyingQuestion string `json:"clarifying_question"`
}

// LLMRouter classifies requests with a generation model.
type LLMRouter struct {
	gen     llm.Generator
	prompt  string
	generic []string
}

var _ Router = (*LLMRouter)(nil)

// LLMOption configures an LLMRouter.
type LLMOption func(*LLMRouter)

// WithPrompt overrides the routing system prompt.
func WithPrompt(prompt string) LLMOption {
	return func(r *LLMRouter) {
		if strings.TrimSpace(prompt) != "" {
			r.prompt = prompt
		}
	}
}

// WithGenericTerms sets the terms used to phrase generated clarifying
// questions.
func WithGenericTerms(terms []string) LLMOption {
	return func(r *LLMRouter) {
		if len(terms) > 0 {
			r.generic = cleanTerms(terms)
		}
	}
}

// NewLLMRouter creates a router backed by gen.
func NewLLMRouter(gen llm.Generator, opts ...LLMOption) *LLMRouter {
	r := &LLMRouter{
		gen:     gen,
		prompt:  llm.RoutingPrompt,
		generic: cleanTerms(DefaultGenericTerms),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route asks the model for a classification and repairs outputs that break
// the decision rules. Generator failures are returned unchanged.
func (r *LLMRouter) Route(ctx context.Context, req Request) (Decision, error) {
	if r.gen == nil {
		return Decision{}, rerrors.InternalError("llm router has no generator", nil)
	}
	if normalize(req.Query) == "" {
		return mustDecision(Vague, "empty query", defaultQuestion), nil
	}

	out, err := r.gen.Complete(ctx, llm.Request{
		SystemPrompt: r.prompt,
		Messages: []llm.Message{
			llm.QueryTurn(req.Query),
			llm.UploadedTurn(req.UploadedContent),
			llm.HistoryTurn(req.ChatHistory),
		},
		Format: llm.FormatJSON,
	})
	if err != nil {
		return Decision{}, err
	}

	parsed, err := llm.DecodeJSON[routingOutput](out)
	if err != nil {
		slog.Warn("routing_output_malformed",
			slog.String("error", err.Error()))
		return mustDecision(Vague, "routing output could not be parsed",
			clarifyingQuestion(req.Query, r.generic)), nil
	}

	c, err := ParseClassification(parsed.Classification)
	if err != nil {
		slog.Warn("routing_label_unknown",
			slog.String("label", parsed.Classification))
		return mustDecision(Vague, "routing label was not recognised",
			clarifyingQuestion(req.Query, r.generic)), nil
	}

	switch c {
	case Vague:
		q := strings.TrimSpace(parsed.ClarifyingQuestion)
		if q == "" || strings.EqualFold(q, strings.TrimSpace(req.Query)) {
			q = clarifyingQuestion(req.Query, r.generic)
		}
		return mustDecision(Vague, parsed.Reasoning, q), nil
	default:
		return mustDecision(c, parsed.Reasoning, ""), nil
	}
}

// String describes the router for logs.
func (r *LLMRouter) String() string { return "llm" }
