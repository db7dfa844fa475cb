package router

import (
	"context"
	"fmt"
	"strings"
)

// DefaultAnchorTerms mark a query as in scope on their own.
var DefaultAnchorTerms = []string{
	"rca", "cra", "nda", "mou", "irb", "irc", "va", "iep", "odprt",
	"research collaboration agreement", "contract research agreement",
	"non disclosure agreement", "memorandum of understanding",
	"variation agreement", "indirect research cost",
	"institutional review board", "contracting hub",
	"agreement", "template", "funding", "grant", "sponsorship", "sponsor",
	"ethics", "ethics approval", "ethics exemption",
	"industry engagement", "industry partner", "corporate partnership",
	"joint venture", "amendment", "extension", "termination",
	"industry", "corporate",
}

// DefaultGenericTerms are domain words too broad to answer without more
// context.
var DefaultGenericTerms = []string{
	"partnership", "collaboration", "research", "project", "engagement",
	"initiative", "innovation", "programme", "program",
}

// PatternConfig configures PatternRouter. Empty lists use the defaults.
type PatternConfig struct {
	AnchorTerms  []string
	GenericTerms []string
}

// PatternRouter is a deterministic offline router driven by term lists.
// An anchor term in the query, uploaded content or history makes the query
// related; otherwise a generic term in the query makes it vague; otherwise
// it is unrelated.
type PatternRouter struct {
	anchors []string
	generic []string
}

var _ Router = (*PatternRouter)(nil)

// NewPatternRouter creates a pattern router.
func NewPatternRouter(cfg PatternConfig) *PatternRouter {
	anchors := cfg.AnchorTerms
	if len(anchors) == 0 {
		anchors = DefaultAnchorTerms
	}
	generic := cfg.GenericTerms
	if len(generic) == 0 {
		generic = DefaultGenericTerms
	}
	return &PatternRouter{anchors: cleanTerms(anchors), generic: cleanTerms(generic)}
}

func cleanTerms(terms []string) []string {
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		if t = normalize(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// Route never returns an error.
func (p *PatternRouter) Route(_ context.Context, req Request) (Decision, error) {
	query := normalize(req.Query)
	if query == "" {
		return mustDecision(Vague, "empty query", defaultQuestion), nil
	}

	sources := []struct{ name, text string }{
		{"query", query},
		{"uploaded content", normalize(req.UploadedContent)},
		{"chat history", normalize(req.ChatHistory)},
	}
	for _, src := range sources {
		if src.text == "" {
			continue
		}
		if term, ok := p.firstMatch(src.text, p.anchors); ok {
			return mustDecision(Related, fmt.Sprintf("%s mentions %q", src.name, term), ""), nil
		}
	}

	if term, ok := p.firstMatch(query, p.generic); ok {
		return mustDecision(Vague,
			fmt.Sprintf("only the generic term %q ties the query to the domain", term),
			clarifyingQuestion(req.Query, p.generic)), nil
	}

	return mustDecision(Unrelated, "no domain terms found", ""), nil
}

func (p *PatternRouter) firstMatch(text string, terms []string) (string, bool) {
	for _, t := range terms {
		if containsTerm(text, t) {
			return t, true
		}
	}
	return "", false
}

// Terms returns copies of the configured term lists.
func (p *PatternRouter) Terms() (anchors, generic []string) {
	return append([]string(nil), p.anchors...), append([]string(nil), p.generic...)
}

// String describes the router for logs.
func (p *PatternRouter) String() string {
	return fmt.Sprintf("pattern(%d anchors, %d generic: %s)", len(p.anchors), len(p.generic), strings.Join(p.generic, ","))
}
