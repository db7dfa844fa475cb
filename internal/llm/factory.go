package llm

import (
	"fmt"
	"os"
	"strings"
)

// Provider names accepted by New.
const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
)

// Options selects and configures a generator.
type Options struct {
	Provider  string
	Host      string
	Model     string
	APIKeyEnv string

	Resilience ResilienceConfig
}

// New builds the configured adapter wrapped in Resilient.
func New(opts Options) (*Resilient, error) {
	var inner Generator
	switch strings.ToLower(opts.Provider) {
	case "", ProviderOllama:
		inner = NewOllamaGenerator(OllamaConfig{Host: opts.Host, Model: opts.Model})
	case ProviderOpenAI:
		key := ""
		if opts.APIKeyEnv != "" {
			key = os.Getenv(opts.APIKeyEnv)
		}
		if key == "" && (opts.Host == "" || strings.Contains(opts.Host, "api.openai.com")) {
			return nil, fmt.Errorf("openai provider needs an API key in $%s", opts.APIKeyEnv)
		}
		inner = NewOpenAIGenerator(OpenAIConfig{Host: opts.Host, Model: opts.Model, APIKey: key})
	default:
		return nil, fmt.Errorf("unknown llm provider %q (valid: %s, %s)", opts.Provider, ProviderOllama, ProviderOpenAI)
	}
	return NewResilient("llm-"+strings.ToLower(orDefault(opts.Provider, ProviderOllama)), inner, opts.Resilience), nil
}

func orDefault(s, d string) string {
	if s == "" {
		return d
	}
	return s
}
