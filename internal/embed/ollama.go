package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	rerrors "github.com/odprt-iep/hybridrag/internal/errors"
	"github.com/odprt-iep/hybridrag/pkg/version"
)

// OllamaEmbedder generates embeddings using Ollama's /api/embed endpoint.
type OllamaEmbedder struct {
	client    *http.Client
	transport *http.Transport
	config    OllamaConfig

	mu       sync.RWMutex
	closed   bool
	lastCall time.Time
}

var _ Embedder = (*OllamaEmbedder)(nil)

// NewOllamaEmbedder creates an Ollama embedder. Unless SkipHealthCheck is
// set, it verifies the model is installed and produces vectors of the
// configured width.
func NewOllamaEmbedder(ctx context.Context, cfg OllamaConfig) (*OllamaEmbedder, error) {
	defaults := DefaultOllamaConfig()
	if cfg.Host == "" {
		cfg.Host = defaults.Host
	}
	cfg.Host = strings.TrimRight(cfg.Host, "/")
	if cfg.Model == "" {
		cfg.Model = defaults.Model
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = defaults.Dimensions
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.BatchSize > MaxBatchSize {
		cfg.BatchSize = MaxBatchSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaults.RetryDelay
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = defaults.PoolSize
	}

	// No client-level timeout: each attempt gets its own context deadline.
	transport := &http.Transport{
		MaxIdleConns:        cfg.PoolSize,
		MaxIdleConnsPerHost: cfg.PoolSize,
		MaxConnsPerHost:     cfg.PoolSize * 2,
		IdleConnTimeout:     30 * time.Second,
	}
	e := &OllamaEmbedder{
		client:    &http.Client{Transport: transport},
		transport: transport,
		config:    cfg,
	}

	if !cfg.SkipHealthCheck {
		if _, err := e.EmbedBatch(ctx, []string{"dimension check"}); err != nil {
			transport.CloseIdleConnections()
			return nil, fmt.Errorf("check ollama model %s: %w", cfg.Model, err)
		}
	}
	return e, nil
}

// Embed generates embedding for a single text.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in requests of BatchSize. Any failed request
// fails the whole call.
func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("embedder is closed")
	}

	results := make([][]float32, len(texts))
	var pending []int
	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			// The API rejects empty input; use a fixed unit vector.
			v := make([]float32, e.config.Dimensions)
			v[0] = 1
			results[i] = v
			continue
		}
		pending = append(pending, i)
	}

	for start := 0; start < len(pending); start += e.config.BatchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+e.config.BatchSize, len(pending))
		batch := make([]string, 0, end-start)
		for _, idx := range pending[start:end] {
			batch = append(batch, texts[idx])
		}

		vecs, err := e.embedWithRetry(ctx, batch)
		if err != nil {
			return nil, err
		}
		for j, idx := range pending[start:end] {
			results[idx] = vecs[j]
		}
	}
	return results, nil
}

func (e *OllamaEmbedder) embedWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	retry := rerrors.RetryConfig{
		MaxRetries:   e.config.MaxRetries,
		InitialDelay: e.config.RetryDelay,
		MaxDelay:     8 * e.config.RetryDelay,
		Multiplier:   2,
		Jitter:       true,
	}

	attempt := 0
	return rerrors.RetryWithResult(ctx, retry, func() ([][]float32, error) {
		attempt++
		timeout := e.attemptTimeout()
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		vecs, err := e.doEmbed(attemptCtx, texts)
		if err != nil {
			slog.Debug("embedding_attempt_failed",
				slog.Int("attempt", attempt),
				slog.Int("texts", len(texts)),
				slog.Duration("timeout", timeout),
				slog.String("error", err.Error()))
			return nil, err
		}
		e.mu.Lock()
		e.lastCall = time.Now()
		e.mu.Unlock()
		return vecs, nil
	})
}

// attemptTimeout doubles the timeout when the model is probably cold.
func (e *OllamaEmbedder) attemptTimeout() time.Duration {
	e.mu.RLock()
	last := e.lastCall
	e.mu.RUnlock()
	if last.IsZero() || time.Since(last) > modelUnloadThreshold {
		return 2 * e.config.Timeout
	}
	return e.config.Timeout
}

func (e *OllamaEmbedder) doEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(ollamaEmbedRequest{Model: e.config.Model, Input: texts})
	if err != nil {
		return nil, rerrors.New(rerrors.ErrCodeEmbeddingFailed, "marshal embed request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.config.Host+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, rerrors.New(rerrors.ErrCodeEmbeddingFailed, "build embed request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := e.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, rerrors.New(rerrors.ErrCodeEmbeddingUnavailable, "embedding model unreachable", err).
			WithSuggestion("Check that Ollama is running: ollama serve")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		cause := fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, rerrors.New(rerrors.ErrCodeEmbeddingUnavailable, "embedding model unavailable", cause)
		}
		return nil, rerrors.New(rerrors.ErrCodeEmbeddingFailed, "embedding request rejected", cause).
			WithSuggestion(fmt.Sprintf("Pull the model first: ollama pull %s", e.config.Model))
	}

	var parsed ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, rerrors.New(rerrors.ErrCodeEmbeddingUnavailable, "decode embed response", err)
	}
	if len(parsed.Embeddings) != len(texts) {
		return nil, rerrors.New(rerrors.ErrCodeMalformedOutput,
			fmt.Sprintf("embedding model returned %d vectors for %d texts", len(parsed.Embeddings), len(texts)), nil)
	}

	out := make([][]float32, len(parsed.Embeddings))
	for i, emb := range parsed.Embeddings {
		if len(emb) != e.config.Dimensions {
			return nil, rerrors.New(rerrors.ErrCodeDimensionMismatch,
				fmt.Sprintf("model %s returned %d dimensions, collection expects %d", e.config.Model, len(emb), e.config.Dimensions), nil)
		}
		v := make([]float32, len(emb))
		for j, x := range emb {
			v[j] = float32(x)
		}
		out[i] = normalizeVector(v)
	}
	return out, nil
}

// Dimensions returns the embedding dimension.
func (e *OllamaEmbedder) Dimensions() int { return e.config.Dimensions }

// ModelName returns the model identifier.
func (e *OllamaEmbedder) ModelName() string { return e.config.Model }

// Available checks that Ollama answers and lists the model.
func (e *OllamaEmbedder) Available(ctx context.Context) bool {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.config.Host+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return false
	}

	var tags ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return false
	}
	want := strings.ToLower(e.config.Model)
	for _, m := range tags.Models {
		name := strings.ToLower(m.Name)
		if name == want || strings.Split(name, ":")[0] == strings.Split(want, ":")[0] {
			return true
		}
	}
	return false
}

// Close releases pooled connections. Idempotent.
func (e *OllamaEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		e.transport.CloseIdleConnections()
	}
	return nil
}
