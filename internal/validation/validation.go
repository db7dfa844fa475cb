// Package validation runs a data-driven regression suite against a query
// router. Cases live in YAML so they can be extended without a rebuild; a
// default suite is compiled in from testdata/queries.yaml.
package validation

import (
	"context"
	_ "embed"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	rerrors "github.com/odprt-iep/hybridrag/internal/errors"
	"github.com/odprt-iep/hybridrag/internal/router"
)

//go:embed testdata/queries.yaml
var defaultQueries []byte

// DefaultMinPassRate applies when a suite does not set min_pass_rate.
const DefaultMinPassRate = 0.9

// Case is one routing expectation.
type Case struct {
	ID       string `yaml:"id" json:"id"`
	Query    string `yaml:"query" json:"query"`
	Uploaded string `yaml:"uploaded,omitempty" json:"uploaded,omitempty"`
	History  string `yaml:"history,omitempty" json:"history,omitempty"`
	Expected string `yaml:"expected" json:"expected"`
	Notes    string `yaml:"notes,omitempty" json:"notes,omitempty"`
}

// Suite is a set of cases with the pass rate they must reach.
type Suite struct {
	MinPassRate float64 `yaml:"min_pass_rate"`
	Cases       []Case  `yaml:"cases"`
}

var (
	defaultOnce  sync.Once
	defaultSuite *Suite
	defaultErr   error
)

// Default returns the built-in suite. It is parsed once.
func Default() (*Suite, error) {
	defaultOnce.Do(func() {
		defaultSuite, defaultErr = Parse(defaultQueries)
	})
	return defaultSuite, defaultErr
}

// Load reads a suite from a YAML file.
func Load(path string) (*Suite, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, rerrors.ConfigError(fmt.Sprintf("cannot read queries file %s", path), err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// Parse decodes and checks a suite.
func Parse(data []byte) (*Suite, error) {
	var s Suite
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, rerrors.New(rerrors.ErrCodeConfigInvalid, "queries file is not valid YAML", err)
	}
	if len(s.Cases) == 0 {
		return nil, rerrors.New(rerrors.ErrCodeConfigInvalid, "queries file has no cases", nil)
	}
	if s.MinPassRate == 0 {
		s.MinPassRate = DefaultMinPassRate
	}
	if s.MinPassRate < 0 || s.MinPassRate > 1 {
		return nil, rerrors.New(rerrors.ErrCodeConfigInvalid,
			fmt.Sprintf("min_pass_rate must be in (0, 1], got %g", s.MinPassRate), nil)
	}

	seen := make(map[string]bool, len(s.Cases))
	for i := range s.Cases {
		c := &s.Cases[i]
		if c.ID == "" {
			c.ID = fmt.Sprintf("case-%d", i+1)
		}
		if seen[c.ID] {
			return nil, rerrors.New(rerrors.ErrCodeConfigInvalid, fmt.Sprintf("duplicate case id %q", c.ID), nil)
		}
		seen[c.ID] = true
		want, err := router.ParseClassification(c.Expected)
		if err != nil {
			return nil, rerrors.New(rerrors.ErrCodeConfigInvalid,
				fmt.Sprintf("case %s: expected %q is not related, unrelated or vague", c.ID, c.Expected), nil)
		}
		c.Expected = string(want)
	}
	return &s, nil
}

// Result is the outcome of one case.
type Result struct {
	Case     Case          `json:"case"`
	Got      string        `json:"got,omitempty"`
	Question string        `json:"question,omitempty"`
	Passed   bool          `json:"passed"`
	Duration time.Duration `json:"duration_ns"`
	Error    string        `json:"error,omitempty"`
}

// Report summarises a run.
type Report struct {
	Results     []Result  `json:"results"`
	Passed      int       `json:"passed"`
	Total       int       `json:"total"`
	MinPassRate float64   `json:"min_pass_rate"`
	Timestamp   time.Time `json:"timestamp"`
}

// PassRate is Passed / Total.
func (r *Report) PassRate() float64 {
	if r.Total == 0 {
		return 0
	}
	return float64(r.Passed) / float64(r.Total)
}

// OK reports whether the run reached the suite's minimum pass rate.
func (r *Report) OK() bool { return r.PassRate() >= r.MinPassRate }

// Failures returns the failed results.
func (r *Report) Failures() []Result {
	var out []Result
	for _, res := range r.Results {
		if !res.Passed {
			out = append(out, res)
		}
	}
	return out
}

// ByExpected returns passed and total counts per expected classification.
func (r *Report) ByExpected() map[string][2]int {
	out := make(map[string][2]int)
	for _, res := range r.Results {
		c := out[res.Case.Expected]
		c[1]++
		if res.Passed {
			c[0]++
		}
		out[res.Case.Expected] = c
	}
	return out
}

// RunOptions tunes Run.
type RunOptions struct {
	// Concurrency bounds parallel Route calls. Zero means 4.
	Concurrency int
	// Timeout bounds each Route call. Zero means none.
	Timeout time.Duration
}

// Run routes every case in the suite. A case fails when routing errors,
// when the classification differs, or when a vague decision has no
// question or merely repeats the query.
func Run(ctx context.Context, r router.Router, s *Suite, opts RunOptions) (*Report, error) {
	if r == nil || s == nil {
		return nil, rerrors.InternalError("validation needs a router and a suite", nil)
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}

	results := make([]Result, len(s.Cases))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for i, c := range s.Cases {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = runCase(gctx, r, c, opts.Timeout)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	rep := &Report{Results: results, Total: len(results), MinPassRate: s.MinPassRate, Timestamp: time.Now()}
	for _, res := range results {
		if res.Passed {
			rep.Passed++
		}
	}
	return rep, nil
}

func runCase(ctx context.Context, r router.Router, c Case, timeout time.Duration) Result {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	d, err := r.Route(ctx, router.Request{Query: c.Query, UploadedContent: c.Uploaded, ChatHistory: c.History})
	res := Result{Case: c, Duration: time.Since(start)}
	if err != nil {
		res.Error = err.Error()
		return res
	}

	res.Got = string(d.Classification())
	res.Question = d.ClarifyingQuestion()
	res.Passed = res.Got == c.Expected
	if res.Passed && d.Classification() == router.Vague {
		q := strings.TrimSpace(res.Question)
		if q == "" || strings.EqualFold(q, strings.TrimSpace(c.Query)) {
			res.Passed = false
			res.Error = "vague decision without a usable clarifying question"
		}
	}
	return res
}

// WriteText prints a human-readable report.
func (r *Report) WriteText(w io.Writer, verbose bool) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, res := range r.Results {
		if res.Passed && !verbose {
			continue
		}
		status := "PASS"
		if !res.Passed {
			status = "FAIL"
		}
		detail := res.Got
		if res.Error != "" {
			detail = res.Error
		}
		fmt.Fprintf(tw, "%s\t%s\texpected=%s\tgot=%s\t%s\n",
			status, res.Case.ID, res.Case.Expected, detail, truncate(res.Case.Query, 60))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	by := r.ByExpected()
	classes := make([]string, 0, len(by))
	for k := range by {
		classes = append(classes, k)
	}
	sort.Strings(classes)
	for _, k := range classes {
		fmt.Fprintf(w, "  %-10s %d/%d\n", k, by[k][0], by[k][1])
	}

	verdict := "PASS"
	if !r.OK() {
		verdict = "FAIL"
	}
	_, err := fmt.Fprintf(w, "%s: %d/%d passed (%.1f%%, minimum %.1f%%)\n",
		verdict, r.Passed, r.Total, r.PassRate()*100, r.MinPassRate*100)
	return err
}

func truncate(s string, n int) string {
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-3]) + "..."
}
