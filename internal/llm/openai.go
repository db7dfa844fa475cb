package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	rerrors "github.com/odprt-iep/hybridrag/internal/errors"
	"github.com/odprt-iep/hybridrag/pkg/version"
)

// DefaultOpenAIHost is the public OpenAI API base URL.
const DefaultOpenAIHost = "https://api.openai.com"

// OpenAIConfig configures OpenAIGenerator. Host may point at any
// OpenAI-compatible server.
type OpenAIConfig struct {
	Host   string
	Model  string
	APIKey string
}

type openAIChatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

// OpenAIGenerator calls /v1/chat/completions.
type OpenAIGenerator struct {
	client *http.Client
	host   string
	model  string
	apiKey string
}

var _ Generator = (*OpenAIGenerator)(nil)

// NewOpenAIGenerator creates an OpenAI-compatible adapter.
func NewOpenAIGenerator(cfg OpenAIConfig) *OpenAIGenerator {
	host := cfg.Host
	if host == "" {
		host = DefaultOpenAIHost
	}
	return &OpenAIGenerator{
		client: &http.Client{Transport: &http.Transport{
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     30 * time.Second,
		}},
		host:   strings.TrimSuffix(strings.TrimRight(host, "/"), "/v1"),
		model:  cfg.Model,
		apiKey: cfg.APIKey,
	}
}

// Complete sends the request with temperature 0.
func (g *OpenAIGenerator) Complete(ctx context.Context, req Request) (string, error) {
	body := openAIChatRequest{
		Model:    g.model,
		Messages: req.messages(),
	}
	if req.Format == FormatJSON {
		body.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", rerrors.InternalError("marshal chat request", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.host+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", rerrors.InternalError("build chat request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", version.UserAgent())
	if g.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return "", classifyTransport(ctx, "openai", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", classifyStatus("openai", resp)
	}

	var parsed openAIChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", rerrors.New(rerrors.ErrCodeGenerationUnavailable, "decode openai response", err)
	}
	if len(parsed.Choices) == 0 {
		return "", rerrors.New(rerrors.ErrCodeMalformedOutput, "openai response has no choices", nil)
	}
	return parsed.Choices[0].Message.Content, nil
}
