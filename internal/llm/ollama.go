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

// DefaultOllamaHost is the local Ollama endpoint.
const DefaultOllamaHost = "http://localhost:11434"

// OllamaConfig configures OllamaGenerator.
type OllamaConfig struct {
	Host  string
	Model string
}

type ollamaChatRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Format   string         `json:"format,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message Message `json:"message"`
	Done    bool    `json:"done"`
	Error   string  `json:"error,omitempty"`
}

// OllamaGenerator calls Ollama's /api/chat without streaming.
type OllamaGenerator struct {
	client *http.Client
	host   string
	model  string
}

var _ Generator = (*OllamaGenerator)(nil)

// NewOllamaGenerator creates an Ollama adapter. Timeouts come from the
// caller's context.
func NewOllamaGenerator(cfg OllamaConfig) *OllamaGenerator {
	host := cfg.Host
	if host == "" {
		host = DefaultOllamaHost
	}
	return &OllamaGenerator{
		client: &http.Client{Transport: &http.Transport{
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     30 * time.Second,
		}},
		host:  strings.TrimRight(host, "/"),
		model: cfg.Model,
	}
}

// Complete sends the request with temperature 0.
func (g *OllamaGenerator) Complete(ctx context.Context, req Request) (string, error) {
	body := ollamaChatRequest{
		Model:    g.model,
		Messages: req.messages(),
		Options:  map[string]any{"temperature": 0},
	}
	if req.Format == FormatJSON {
		body.Format = "json"
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", rerrors.InternalError("marshal chat request", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.host+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return "", rerrors.InternalError("build chat request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", version.UserAgent())

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return "", classifyTransport(ctx, "ollama", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", classifyStatus("ollama", resp)
	}

	var parsed ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", rerrors.New(rerrors.ErrCodeGenerationUnavailable, "decode ollama response", err)
	}
	if parsed.Error != "" {
		return "", rerrors.New(rerrors.ErrCodeGenerationRejected, "ollama error: "+parsed.Error, nil)
	}
	return parsed.Message.Content, nil
}
