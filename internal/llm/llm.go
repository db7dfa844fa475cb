// Package llm is the generation capability: a Generator interface, adapters
// for Ollama and OpenAI-compatible chat APIs, and a resilience wrapper that
// adds timeouts, rate limiting, a circuit breaker and retries.
package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	rerrors "github.com/odprt-iep/hybridrag/internal/errors"
)

// Role identifies the speaker of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one chat turn.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// UserMessage is shorthand for a user turn.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// Format selects the shape of the model's output.
type Format int

const (
	// FormatText asks for free text.
	FormatText Format = iota
	// FormatJSON asks the model for a single JSON object.
	FormatJSON
)

func (f Format) String() string {
	if f == FormatJSON {
		return "json"
	}
	return "text"
}

// Request is one completion call.
type Request struct {
	SystemPrompt string
	Messages     []Message
	Format       Format
}

// messages returns the system prompt followed by the chat turns.
func (r Request) messages() []Message {
	out := make([]Message, 0, len(r.Messages)+1)
	if r.SystemPrompt != "" {
		out = append(out, Message{Role: RoleSystem, Content: r.SystemPrompt})
	}
	return append(out, r.Messages...)
}

// Generator completes a chat request. Implementations must be safe for
// concurrent use.
type Generator interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, req Request) (string, error)

// Complete calls f.
func (f GeneratorFunc) Complete(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// classifyTransport maps a failed HTTP round trip to a structured error.
// Caller cancellation is returned as is.
func classifyTransport(ctx context.Context, provider string, err error) error {
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return err
	}
	if rerrors.IsRetryable(err) {
		return rerrors.New(rerrors.ErrCodeNetworkTimeout, provider+" request timed out", err)
	}
	return rerrors.New(rerrors.ErrCodeNetworkUnavailable, provider+" unreachable", err).
		WithSuggestion("Check that the generation service is running and llm.host is correct")
}

// classifyStatus maps a non-200 response. 429 and 5xx are transient; any
// other status means the request itself was rejected.
func classifyStatus(provider string, resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	cause := fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return rerrors.New(rerrors.ErrCodeGenerationUnavailable, provider+" unavailable", cause)
	}
	return rerrors.New(rerrors.ErrCodeGenerationRejected, provider+" rejected the request", cause)
}
