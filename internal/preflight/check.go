package preflight

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// Status is the outcome of a single check.
type Status int

const (
	// StatusPass indicates the check passed.
	StatusPass Status = iota
	// StatusWarn indicates a degraded but usable environment.
	StatusWarn
	// StatusFail indicates the check failed.
	StatusFail
	// StatusSkip indicates the check was not run.
	StatusSkip
)

// String returns the label printed for s.
func (s Status) String() string {
	switch s {
	case StatusPass:
		return "PASS"
	case StatusWarn:
		return "WARN"
	case StatusFail:
		return "FAIL"
	case StatusSkip:
		return "SKIP"
	default:
		return "UNKNOWN"
	}
}

// MarshalText encodes s in lower case for JSON output.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(strings.ToLower(s.String())), nil
}

// UnmarshalText parses a status label in either case.
func (s *Status) UnmarshalText(text []byte) error {
	switch strings.ToUpper(string(text)) {
	case "PASS":
		*s = StatusPass
	case "WARN":
		*s = StatusWarn
	case "FAIL":
		*s = StatusFail
	case "SKIP":
		*s = StatusSkip
	default:
		return fmt.Errorf("unknown check status %q", text)
	}
	return nil
}

// Outcome is what a check reports about itself.
type Outcome struct {
	Status  Status
	Message string
	// Hint tells the user how to fix a warning or failure.
	Hint string
}

// Check is one named test of the environment.
type Check struct {
	Name string
	// Required checks abort the run when they fail; the rest only warn.
	Required bool
	// Network checks are skipped in offline mode.
	Network bool
	Run     func(ctx context.Context) Outcome
}

// Result is a check's outcome as reported to the user.
type Result struct {
	Name     string `json:"name"`
	Status   Status `json:"status"`
	Message  string `json:"message"`
	Hint     string `json:"hint,omitempty"`
	Required bool   `json:"required"`
}

// IsCritical reports whether a required check failed.
func (r Result) IsCritical() bool {
	return r.Required && r.Status == StatusFail
}

// DefaultCheckTimeout bounds each check.
const DefaultCheckTimeout = 15 * time.Second

// Checker runs checks and reports their results.
type Checker struct {
	offline bool
	verbose bool
	timeout time.Duration
	output  io.Writer
}

// Option configures a Checker.
type Option func(*Checker)

// WithOffline skips network checks.
func WithOffline(offline bool) Option {
	return func(c *Checker) { c.offline = offline }
}

// WithVerbose prints hints for passing checks too.
func WithVerbose(verbose bool) Option {
	return func(c *Checker) { c.verbose = verbose }
}

// WithTimeout sets the per-check deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Checker) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithOutput sets where PrintResults writes.
func WithOutput(w io.Writer) Option {
	return func(c *Checker) { c.output = w }
}

// New creates a Checker.
func New(opts ...Option) *Checker {
	c := &Checker{
		timeout: DefaultCheckTimeout,
		output:  os.Stdout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RunAll runs checks in order. Cancellation marks the remaining checks as
// skipped.
func (c *Checker) RunAll(ctx context.Context, checks ...Check) []Result {
	results := make([]Result, 0, len(checks))
	for _, chk := range checks {
		res := Result{Name: chk.Name, Required: chk.Required}
		switch {
		case ctx.Err() != nil:
			res.Status, res.Message = StatusSkip, "cancelled"
		case c.offline && chk.Network:
			res.Status, res.Message = StatusSkip, "offline"
		default:
			cctx, cancel := context.WithTimeout(ctx, c.timeout)
			out := chk.Run(cctx)
			cancel()
			res.Status, res.Message, res.Hint = out.Status, out.Message, out.Hint
		}
		results = append(results, res)
	}
	return results
}

// HasCriticalFailures reports whether any required check failed.
func (c *Checker) HasCriticalFailures(results []Result) bool {
	for _, r := range results {
		if r.IsCritical() {
			return true
		}
	}
	return false
}

// SummaryStatus condenses results into ready, ready_with_warnings or failed.
func (c *Checker) SummaryStatus(results []Result) string {
	warned := false
	for _, r := range results {
		if r.IsCritical() {
			return "failed"
		}
		if r.Status == StatusWarn || r.Status == StatusFail {
			warned = true
		}
	}
	if warned {
		return "ready_with_warnings"
	}
	return "ready"
}

// PrintResults writes a report of results to the configured output.
func (c *Checker) PrintResults(results []Result) {
	w := c.output
	_, _ = fmt.Fprintln(w, "hybridrag doctor")
	_, _ = fmt.Fprintln(w, "================")
	_, _ = fmt.Fprintln(w)

	for _, r := range results {
		_, _ = fmt.Fprintf(w, "[%s] %s: %s\n", r.Status, r.Name, r.Message)
		if r.Hint != "" && (c.verbose || r.Status == StatusWarn || r.Status == StatusFail) {
			_, _ = fmt.Fprintf(w, "       %s\n", r.Hint)
		}
	}

	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintf(w, "Status: %s\n", strings.ToUpper(c.SummaryStatus(results)))

	var failed []string
	for _, r := range results {
		if r.IsCritical() {
			failed = append(failed, r.Name)
		}
	}
	if len(failed) > 0 {
		_, _ = fmt.Fprintf(w, "%d required check(s) failed: %s\n", len(failed), strings.Join(failed, ", "))
	}
}
