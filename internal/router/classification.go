// Package router decides whether a query is related to the knowledge base,
// too vague to answer, or out of scope, before any retrieval happens.
package router

import (
	"encoding/json"
	"fmt"
	"strings"

	rerrors "github.com/odprt-iep/hybridrag/internal/errors"
)

// Classification is the routing outcome.
type Classification string

const (
	Related   Classification = "related"
	Vague     Classification = "vague"
	Unrelated Classification = "unrelated"
)

// All lists every classification.
var All = []Classification{Related, Vague, Unrelated}

// Valid reports whether c is one of the three classifications.
func (c Classification) Valid() bool {
	switch c {
	case Related, Vague, Unrelated:
		return true
	}
	return false
}

// ParseClassification accepts the canonical labels and the spellings models
// and older deployments produce: upper case, NOT_RELATED, "not related",
// and surrounding quotes or whitespace.
func ParseClassification(s string) (Classification, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.Trim(norm, "\"'` .")
	norm = strings.NewReplacer("_", " ", "-", " ").Replace(norm)
	norm = strings.Join(strings.Fields(norm), " ")

	switch norm {
	case "related", "relevant":
		return Related, nil
	case "vague", "ambiguous":
		return Vague, nil
	case "unrelated", "not related", "irrelevant", "not relevant":
		return Unrelated, nil
	}
	return "", rerrors.New(rerrors.ErrCodeMalformedOutput,
		fmt.Sprintf("unknown classification %q", s), nil)
}

// Decision is a routing result. A clarifying question is present exactly
// when the classification is Vague; NewDecision is the only constructor.
type Decision struct {
	classification Classification
	reasoning      string
	question       string
}

// NewDecision builds a decision, rejecting combinations that break the
// vague-iff-question rule.
func NewDecision(c Classification, reasoning, clarifyingQuestion string) (Decision, error) {
	if !c.Valid() {
		return Decision{}, rerrors.ValidationError(fmt.Sprintf("invalid classification %q", c), nil)
	}
	q := strings.TrimSpace(clarifyingQuestion)
	if c == Vague && q == "" {
		return Decision{}, rerrors.ValidationError("vague decision needs a clarifying question", nil)
	}
	if c != Vague && q != "" {
		return Decision{}, rerrors.ValidationError(
			fmt.Sprintf("%s decision cannot carry a clarifying question", c), nil)
	}
	return Decision{classification: c, reasoning: strings.TrimSpace(reasoning), question: q}, nil
}

// mustDecision is for decisions built from inputs already known to be valid.
func mustDecision(c Classification, reasoning, question string) Decision {
	d, err := NewDecision(c, reasoning, question)
	if err != nil {
		panic(err)
	}
	return d
}

// Classification returns the routing outcome.
func (d Decision) Classification() Classification { return d.classification }

// Reasoning returns the router's explanation, possibly empty.
func (d Decision) Reasoning() string { return d.reasoning }

// ClarifyingQuestion returns the follow-up for vague queries, else "".
func (d Decision) ClarifyingQuestion() string { return d.question }

// IsZero reports whether d was never constructed.
func (d Decision) IsZero() bool { return d.classification == "" }

type decisionJSON struct {
	Classification     Classification `json:"classification"`
	Reasoning          string         `json:"reasoning,omitempty"`
	ClarifyingQuestion string         `json:"clarifying_question,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (d Decision) MarshalJSON() ([]byte, error) {
	return json.Marshal(decisionJSON{d.classification, d.reasoning, d.question})
}

// UnmarshalJSON validates through NewDecision.
func (d *Decision) UnmarshalJSON(b []byte) error {
	var raw decisionJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	parsed, err := NewDecision(raw.Classification, raw.Reasoning, raw.ClarifyingQuestion)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
