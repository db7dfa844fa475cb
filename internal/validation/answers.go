package validation

import (
	"context"
	_ "embed"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	rerrors "github.com/odprt-iep/hybridrag/internal/errors"
	"github.com/odprt-iep/hybridrag/internal/llm"
	"github.com/odprt-iep/hybridrag/internal/search"
)

//go:embed testdata/answers.yaml
var defaultAnswers []byte

// DefaultAnswerMinPassRate applies when an answer suite does not set
// min_pass_rate.
const DefaultAnswerMinPassRate = 0.7

// AnswerCase is one question with the answer a reviewer expects.
type AnswerCase struct {
	ID          string `yaml:"id" json:"id"`
	Topic       string `yaml:"topic,omitempty" json:"topic,omitempty"`
	Query       string `yaml:"query" json:"query"`
	GroundTruth string `yaml:"ground_truth" json:"ground_truth"`
	Notes       string `yaml:"notes,omitempty" json:"notes,omitempty"`
}

// AnswerSuite is a set of answer cases with the pass rate they must reach.
type AnswerSuite struct {
	MinPassRate float64      `yaml:"min_pass_rate"`
	Cases       []AnswerCase `yaml:"cases"`
}

// Metric is one judged quality of an answer. A case passes when every
// metric reaches its threshold.
type Metric struct {
	Name      string
	Criteria  string
	Threshold float64
	// WithExpected shows the judge the ground truth.
	WithExpected bool
	// WithContext shows the judge the retrieved context.
	WithContext bool
}

// Metrics are judged for every answer case, in this order.
var Metrics = []Metric{
	{
		Name:         "correctness",
		Criteria:     "Decide whether the actual output is factually correct when compared with the expected output.",
		Threshold:    0.7,
		WithExpected: true,
	},
	{
		Name:        "contextual_precision",
		Criteria:    "Assess how precisely the actual output uses the provided context, without drifting into material the context does not cover.",
		Threshold:   0.5,
		WithContext: true,
	},
	{
		Name:        "contextual_recall",
		Criteria:    "Decide how well the actual output recalls the information in the provided context that answers the input.",
		Threshold:   0.5,
		WithContext: true,
	},
	{
		Name:        "faithfulness",
		Criteria:    "Check that every factual claim in the actual output is supported by the provided context.",
		Threshold:   0.5,
		WithContext: true,
	},
}

var (
	answersOnce  sync.Once
	answersSuite *AnswerSuite
	answersErr   error
)

// DefaultAnswers returns the built-in answer suite. It is parsed once.
func DefaultAnswers() (*AnswerSuite, error) {
	answersOnce.Do(func() {
		answersSuite, answersErr = ParseAnswers(defaultAnswers)
	})
	return answersSuite, answersErr
}

// LoadAnswers reads an answer suite from a YAML file.
func LoadAnswers(path string) (*AnswerSuite, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, rerrors.ConfigError(fmt.Sprintf("cannot read answers file %s", path), err)
	}
	s, err := ParseAnswers(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// ParseAnswers decodes and checks an answer suite.
func ParseAnswers(data []byte) (*AnswerSuite, error) {
	var s AnswerSuite
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, rerrors.New(rerrors.ErrCodeConfigInvalid, "answers file is not valid YAML", err)
	}
	if len(s.Cases) == 0 {
		return nil, rerrors.New(rerrors.ErrCodeConfigInvalid, "answers file has no cases", nil)
	}
	if s.MinPassRate == 0 {
		s.MinPassRate = DefaultAnswerMinPassRate
	}
	if s.MinPassRate < 0 || s.MinPassRate > 1 {
		return nil, rerrors.New(rerrors.ErrCodeConfigInvalid,
			fmt.Sprintf("min_pass_rate must be in (0, 1], got %g", s.MinPassRate), nil)
	}

	seen := make(map[string]bool, len(s.Cases))
	for i := range s.Cases {
		c := &s.Cases[i]
		if c.ID == "" {
			c.ID = fmt.Sprintf("answer-%d", i+1)
		}
		if seen[c.ID] {
			return nil, rerrors.New(rerrors.ErrCodeConfigInvalid, fmt.Sprintf("duplicate case id %q", c.ID), nil)
		}
		seen[c.ID] = true
		c.Query = strings.TrimSpace(c.Query)
		c.GroundTruth = strings.TrimSpace(c.GroundTruth)
		if c.Query == "" || c.GroundTruth == "" {
			return nil, rerrors.New(rerrors.ErrCodeConfigInvalid,
				fmt.Sprintf("case %s needs both a query and a ground_truth", c.ID), nil)
		}
	}
	return &s, nil
}

// Answerer answers a query from context that was already retrieved.
// *assistant.Assistant implements it.
type Answerer interface {
	AnswerFrom(ctx context.Context, query string, retrieved *search.Result) (string, error)
}

// MetricScore is the judge's verdict on one metric, normalised to [0, 1].
type MetricScore struct {
	Metric string  `json:"metric"`
	Score  float64 `json:"score"`
	Reason string  `json:"reason,omitempty"`
	Passed bool    `json:"passed"`
}

// AnswerResult is the outcome of one answer case.
type AnswerResult struct {
	Case     AnswerCase    `json:"case"`
	Answer   string        `json:"answer,omitempty"`
	Context  []string      `json:"context,omitempty"`
	Sources  []string      `json:"sources,omitempty"`
	Scores   []MetricScore `json:"scores,omitempty"`
	Passed   bool          `json:"passed"`
	Duration time.Duration `json:"duration_ns"`
	Error    string        `json:"error,omitempty"`
}

// Score returns the named metric's score and whether it was judged.
func (r AnswerResult) Score(metric string) (float64, bool) {
	for _, s := range r.Scores {
		if s.Metric == metric {
			return s.Score, true
		}
	}
	return 0, false
}

// AnswerReport summarises an answer run.
type AnswerReport struct {
	Results     []AnswerResult `json:"results"`
	Passed      int            `json:"passed"`
	Total       int            `json:"total"`
	MinPassRate float64        `json:"min_pass_rate"`
	Means       []MetricScore  `json:"means"`
	Timestamp   time.Time      `json:"timestamp"`
}

// PassRate is Passed / Total.
func (r *AnswerReport) PassRate() float64 {
	if r.Total == 0 {
		return 0
	}
	return float64(r.Passed) / float64(r.Total)
}

// OK reports whether the run reached the suite's minimum pass rate.
func (r *AnswerReport) OK() bool { return r.PassRate() >= r.MinPassRate }

// Failures returns the failed results.
func (r *AnswerReport) Failures() []AnswerResult {
	var out []AnswerResult
	for _, res := range r.Results {
		if !res.Passed {
			out = append(out, res)
		}
	}
	return out
}

// RunAnswers retrieves context for every case, answers from that context and
// has judge score the answer on each of Metrics. A case fails when any step
// errors or any metric is below its threshold.
func RunAnswers(ctx context.Context, s search.Searcher, a Answerer, judge llm.Generator, suite *AnswerSuite, opts RunOptions) (*AnswerReport, error) {
	if s == nil || a == nil || judge == nil || suite == nil {
		return nil, rerrors.InternalError("answer evaluation needs a searcher, an answerer, a judge and a suite", nil)
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}

	results := make([]AnswerResult, len(suite.Cases))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for i, c := range suite.Cases {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = runAnswerCase(gctx, s, a, judge, c, opts.Timeout)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	rep := &AnswerReport{Results: results, Total: len(results), MinPassRate: suite.MinPassRate, Timestamp: time.Now()}
	for _, res := range results {
		if res.Passed {
			rep.Passed++
		}
	}
	rep.Means = meanScores(results)
	return rep, nil
}

func runAnswerCase(ctx context.Context, s search.Searcher, a Answerer, judge llm.Generator, c AnswerCase, timeout time.Duration) (res AnswerResult) {
	start := time.Now()
	res.Case = c
	defer func() { res.Duration = time.Since(start) }()

	retrieved, err := withTimeout(ctx, timeout, func(ctx context.Context) (*search.Result, error) {
		return s.Search(ctx, c.Query)
	})
	if err != nil {
		res.Error = "retrieval: " + err.Error()
		return res
	}
	res.Context = retrieved.Items
	res.Sources = retrieved.Sources()

	res.Answer, err = withTimeout(ctx, timeout, func(ctx context.Context) (string, error) {
		return a.AnswerFrom(ctx, c.Query, retrieved)
	})
	if err != nil {
		res.Error = "answer: " + err.Error()
		return res
	}

	res.Passed = true
	for _, m := range Metrics {
		score, err := withTimeout(ctx, timeout, func(ctx context.Context) (MetricScore, error) {
			return judgeMetric(ctx, judge, m, c, res.Answer, retrieved.Items)
		})
		if err != nil {
			res.Passed = false
			res.Error = fmt.Sprintf("judge %s: %v", m.Name, err)
			return res
		}
		res.Scores = append(res.Scores, score)
		res.Passed = res.Passed && score.Passed
	}
	return res
}

func withTimeout[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return fn(ctx)
}

// judgeVerdict is the judge's JSON reply; score is 0 to 10.
type judgeVerdict struct {
	Score  *float64 `json:"score"`
	Reason string   `json:"reason"`
}

func judgeMetric(ctx context.Context, judge llm.Generator, m Metric, c AnswerCase, answer string, contexts []string) (MetricScore, error) {
	msgs := []llm.Message{
		llm.UserMessage("Evaluation Criteria:\n" + m.Criteria),
		llm.UserMessage("Input:\n" + c.Query),
		llm.UserMessage("Actual Output:\n" + answer),
	}
	if m.WithExpected {
		msgs = append(msgs, llm.UserMessage("Expected Output:\n"+c.GroundTruth))
	}
	if m.WithContext {
		msgs = append(msgs, llm.UserMessage("Context:\n"+numbered(contexts)))
	}

	out, err := judge.Complete(ctx, llm.Request{SystemPrompt: llm.JudgePrompt, Messages: msgs, Format: llm.FormatJSON})
	if err != nil {
		return MetricScore{}, err
	}
	v, err := llm.DecodeJSON[judgeVerdict](out)
	if err != nil {
		return MetricScore{}, err
	}
	if v.Score == nil || *v.Score < 0 || *v.Score > 10 {
		return MetricScore{}, rerrors.New(rerrors.ErrCodeMalformedOutput, "judge score is missing or outside 0 to 10", nil)
	}

	score := *v.Score / 10
	return MetricScore{
		Metric: m.Name,
		Score:  score,
		Reason: strings.TrimSpace(v.Reason),
		Passed: score >= m.Threshold,
	}, nil
}

func numbered(items []string) string {
	if len(items) == 0 {
		return "(no context was retrieved)"
	}
	var b strings.Builder
	for i, item := range items {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%d] %s", i+1, item)
	}
	return b.String()
}

// meanScores averages each metric over the cases that were judged on it.
func meanScores(results []AnswerResult) []MetricScore {
	out := make([]MetricScore, 0, len(Metrics))
	for _, m := range Metrics {
		var sum float64
		var n int
		for _, res := range results {
			if s, ok := res.Score(m.Name); ok {
				sum += s
				n++
			}
		}
		mean := MetricScore{Metric: m.Name}
		if n > 0 {
			mean.Score = sum / float64(n)
			mean.Passed = mean.Score >= m.Threshold
		}
		out = append(out, mean)
	}
	return out
}

// WriteText prints a human-readable report.
func (r *AnswerReport) WriteText(w io.Writer, verbose bool) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, res := range r.Results {
		if res.Passed && !verbose {
			continue
		}
		status := "PASS"
		if !res.Passed {
			status = "FAIL"
		}
		detail := res.Error
		if detail == "" {
			parts := make([]string, 0, len(res.Scores))
			for _, s := range res.Scores {
				parts = append(parts, fmt.Sprintf("%s=%.2f", s.Metric, s.Score))
			}
			detail = strings.Join(parts, " ")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", status, res.Case.ID, detail, truncate(res.Case.Query, 60))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	for _, m := range r.Means {
		fmt.Fprintf(w, "  %-22s mean %.2f\n", m.Metric, m.Score)
	}

	verdict := "PASS"
	if !r.OK() {
		verdict = "FAIL"
	}
	_, err := fmt.Fprintf(w, "%s: %d/%d answers passed (%.1f%%, minimum %.1f%%)\n",
		verdict, r.Passed, r.Total, r.PassRate()*100, r.MinPassRate*100)
	return err
}
