// Package assistant answers user queries end to end: it routes the query,
// retrieves context for in-scope questions, and asks the generator for an
// answer. It also drafts escalation emails from a conversation.
package assistant

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	rerrors "github.com/odprt-iep/hybridrag/internal/errors"
	"github.com/odprt-iep/hybridrag/internal/llm"
	"github.com/odprt-iep/hybridrag/internal/router"
	"github.com/odprt-iep/hybridrag/internal/search"
	"github.com/odprt-iep/hybridrag/internal/telemetry"
)

// Fixed user-facing messages.
const (
	DeclineMessage     = "The query is unrelated to IEP's responsibilities; I am unable to provide an answer."
	UnavailableMessage = "I'm unable to answer right now. Please try again shortly."
)

// QueryRequest is one user turn.
type QueryRequest struct {
	Query           string
	UploadedContent string
	ChatHistory     string
}

// Answer is the reply to a QueryRequest.
type Answer struct {
	Text           string                `json:"answer"`
	Classification router.Classification `json:"classification"`
	Reasoning      string                `json:"reasoning,omitempty"`
	Sources        []string              `json:"sources"`
	RequestID      string                `json:"request_id"`
}

// Assistant wires a router, a searcher and a generator together.
type Assistant struct {
	router   router.Router
	searcher search.Searcher
	gen      llm.Generator
	metrics  *telemetry.Metrics

	decline            string
	answerPrompt       string
	emailPrompt        string
	fallbackRecipients []string
	forcedRecipients   []string
}

// Option configures an Assistant.
type Option func(*Assistant)

// WithMetrics records a telemetry event for every query.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(a *Assistant) { a.metrics = m }
}

// WithDeclineMessage replaces the reply for unrelated queries.
func WithDeclineMessage(msg string) Option {
	return func(a *Assistant) {
		if strings.TrimSpace(msg) != "" {
			a.decline = msg
		}
	}
}

// WithFallbackRecipients sets the addresses used when an escalation draft
// names nobody.
func WithFallbackRecipients(addrs ...string) Option {
	return func(a *Assistant) { a.fallbackRecipients = cleanRecipients(addrs) }
}

// WithForcedRecipients sends every escalation draft to addrs, replacing
// whatever the generator proposed.
func WithForcedRecipients(addrs ...string) Option {
	return func(a *Assistant) { a.forcedRecipients = cleanRecipients(addrs) }
}

// WithPrompts overrides the answer and email system prompts. Empty values
// keep the defaults.
func WithPrompts(answer, email string) Option {
	return func(a *Assistant) {
		if strings.TrimSpace(answer) != "" {
			a.answerPrompt = answer
		}
		if strings.TrimSpace(email) != "" {
			a.emailPrompt = email
		}
	}
}

// New creates an Assistant. All three dependencies are required.
func New(r router.Router, s search.Searcher, gen llm.Generator, opts ...Option) (*Assistant, error) {
	if r == nil || s == nil || gen == nil {
		return nil, rerrors.InternalError("assistant needs a router, a searcher and a generator", nil)
	}
	a := &Assistant{
		router:       r,
		searcher:     s,
		gen:          gen,
		decline:      DeclineMessage,
		answerPrompt: llm.AnswerPrompt,
		emailPrompt:  llm.EmailPrompt,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Query routes the request and answers it. Unrelated and vague queries are
// answered without retrieval or generation.
func (a *Assistant) Query(ctx context.Context, req QueryRequest) (ans *Answer, err error) {
	start := time.Now()
	requestID := uuid.NewString()
	logger := slog.With(slog.String("request_id", requestID))

	var (
		class    router.Classification
		contexts int
	)
	defer func() {
		a.metrics.Record(telemetry.QueryEvent{
			Query:          req.Query,
			Classification: string(class),
			ContextCount:   contexts,
			Latency:        time.Since(start),
			Failed:         err != nil,
		})
	}()

	decision, err := a.router.Route(ctx, router.Request{
		Query:           req.Query,
		UploadedContent: req.UploadedContent,
		ChatHistory:     req.ChatHistory,
	})
	if err != nil {
		logger.Warn("routing_failed", slog.String("error", err.Error()))
		return nil, err
	}
	class = decision.Classification()
	logger.Info("query_routed",
		slog.String("classification", string(class)),
		slog.String("reasoning", decision.Reasoning()))

	ans = &Answer{
		Classification: class,
		Reasoning:      decision.Reasoning(),
		Sources:        []string{},
		RequestID:      requestID,
	}

	switch class {
	case router.Unrelated:
		ans.Text = a.decline
		return ans, nil
	case router.Vague:
		ans.Text = decision.ClarifyingQuestion()
		return ans, nil
	}

	result, err := a.searcher.Search(ctx, req.Query)
	if err != nil {
		logger.Warn("retrieval_failed", slog.String("error", err.Error()))
		return nil, err
	}
	contexts = len(result.Items)

	text, err := a.generate(ctx, req, result)
	if err != nil {
		logger.Warn("answer_generation_failed", slog.String("error", err.Error()))
		return nil, err
	}

	ans.Text = text
	ans.Sources = result.Sources()
	logger.Info("query_answered",
		slog.Int("context_items", contexts),
		slog.Duration("latency", time.Since(start)))
	return ans, nil
}

// AnswerFrom answers query from already retrieved context, skipping routing.
// It lets an evaluation score the answer against the exact context it saw.
func (a *Assistant) AnswerFrom(ctx context.Context, query string, retrieved *search.Result) (string, error) {
	if retrieved == nil {
		retrieved = &search.Result{}
	}
	return a.generate(ctx, QueryRequest{Query: query}, retrieved)
}

func (a *Assistant) generate(ctx context.Context, req QueryRequest, retrieved *search.Result) (string, error) {
	return a.gen.Complete(ctx, llm.Request{
		SystemPrompt: a.answerPrompt,
		Messages: []llm.Message{
			llm.QueryTurn(req.Query),
			llm.UploadedTurn(req.UploadedContent),
			llm.ContextTurn(retrieved.Context),
			llm.HistoryTurn(req.ChatHistory),
		},
		Format: llm.FormatText,
	})
}

// UserMessage turns an error from Query or GenerateEmail into text that can
// be shown to the user. Input validation errors keep their message; anything
// else reads as a temporary outage.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) {
		return UnavailableMessage
	}
	if rerrors.IsValidation(err) && rerrors.GetCode(err) != rerrors.ErrCodeGenerationRejected {
		if re, ok := rerrors.As(err); ok {
			return re.Message
		}
	}
	return UnavailableMessage
}
