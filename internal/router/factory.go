package router

import (
	"fmt"
	"strings"

	rerrors "github.com/odprt-iep/hybridrag/internal/errors"
	"github.com/odprt-iep/hybridrag/internal/llm"
)

// Routing modes accepted by New.
const (
	ModeLLM     = "llm"
	ModePattern = "pattern"
	ModeHybrid  = "hybrid"
)

// Options selects and configures a router.
type Options struct {
	Mode         string
	CacheSize    int
	AnchorTerms  []string
	GenericTerms []string

	// Generator is required for the llm and hybrid modes.
	Generator llm.Generator
	// Breaker, when set, short-circuits the hybrid primary while open.
	Breaker *rerrors.CircuitBreaker
}

// New builds the router for opts.Mode. An empty mode means hybrid.
func New(opts Options) (Router, error) {
	pattern := NewPatternRouter(PatternConfig{
		AnchorTerms:  opts.AnchorTerms,
		GenericTerms: opts.GenericTerms,
	})

	mode := strings.ToLower(strings.TrimSpace(opts.Mode))
	switch mode {
	case ModePattern:
		return pattern, nil
	case ModeLLM, ModeHybrid, "":
		if opts.Generator == nil {
			return nil, rerrors.ConfigError(fmt.Sprintf("router mode %q needs a generation model", orMode(mode)), nil).
				WithSuggestion("Configure llm.provider or set router.mode to 'pattern'")
		}
		primary := NewLLMRouter(opts.Generator, WithGenericTerms(opts.GenericTerms))
		if mode == ModeLLM {
			return primary, nil
		}
		var hopts []HybridOption
		if opts.Breaker != nil {
			hopts = append(hopts, WithBreaker(opts.Breaker))
		}
		return NewHybridRouter(primary, pattern, opts.CacheSize, hopts...), nil
	default:
		return nil, rerrors.ConfigError(
			fmt.Sprintf("unknown router mode %q (valid: %s, %s, %s)", opts.Mode, ModeLLM, ModePattern, ModeHybrid), nil)
	}
}

func orMode(mode string) string {
	if mode == "" {
		return ModeHybrid
	}
	return mode
}
