package embed

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ProviderType names a dense embedding backend.
type ProviderType string

const (
	// ProviderOllama uses the Ollama HTTP API.
	ProviderOllama ProviderType = "ollama"

	// ProviderStatic uses offline feature hashing.
	ProviderStatic ProviderType = "static"
)

// Options selects and tunes the dense embedder.
type Options struct {
	Provider   ProviderType
	Model      string
	Host       string
	Dimensions int
	BatchSize  int
	Timeout    time.Duration
	MaxRetries int

	// CacheSize bounds the LRU cache. Negative disables caching.
	CacheSize int

	// SkipHealthCheck skips probing the model at startup.
	SkipHealthCheck bool
}

// NewEmbedder builds the dense embedder described by opts, wrapped in an
// LRU cache. There is no silent fallback between providers: vectors from
// different models are not comparable, so an unavailable model is an error.
func NewEmbedder(ctx context.Context, opts Options) (Embedder, error) {
	var (
		embedder Embedder
		err      error
	)

	switch opts.Provider {
	case ProviderStatic:
		embedder, err = NewStaticEmbedder(opts.Dimensions)
	case ProviderOllama, "":
		embedder, err = NewOllamaEmbedder(ctx, OllamaConfig{
			Host:            opts.Host,
			Model:           opts.Model,
			Dimensions:      opts.Dimensions,
			BatchSize:       opts.BatchSize,
			Timeout:         opts.Timeout,
			MaxRetries:      opts.MaxRetries,
			SkipHealthCheck: opts.SkipHealthCheck,
		})
	default:
		return nil, fmt.Errorf("unknown embedding provider %q (valid: %s)", opts.Provider, strings.Join(ValidProviders(), ", "))
	}
	if err != nil {
		return nil, err
	}

	if opts.CacheSize >= 0 {
		embedder = NewCachedEmbedder(embedder, opts.CacheSize)
	}
	return embedder, nil
}

// New builds a Provider: the dense embedder from opts plus the lexical encoder.
func New(ctx context.Context, opts Options) (*Provider, error) {
	dense, err := NewEmbedder(ctx, opts)
	if err != nil {
		return nil, err
	}
	sparse, err := NewLexicalEncoder()
	if err != nil {
		_ = dense.Close()
		return nil, err
	}
	return NewProvider(dense, sparse, opts.BatchSize), nil
}

// ParseProvider converts a string to a ProviderType. Unknown names are returned unchanged
// so that NewEmbedder can report them.
func ParseProvider(s string) ProviderType {
	return ProviderType(strings.ToLower(strings.TrimSpace(s)))
}

// ValidProviders lists the supported provider names.
func ValidProviders() []string {
	return []string{string(ProviderOllama), string(ProviderStatic)}
}

// Info describes an embedder for status output.
type Info struct {
	Model      string `json:"model"`
	Dimensions int    `json:"dimensions"`
	Available  bool   `json:"available"`
}

// GetInfo reports the embedder's model, width and reachability.
func GetInfo(ctx context.Context, e Embedder) Info {
	return Info{
		Model:      e.ModelName(),
		Dimensions: e.Dimensions(),
		Available:  e.Available(ctx),
	}
}
