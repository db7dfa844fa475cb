// Package ui renders ingestion progress and collection status in the
// terminal.
package ui

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/odprt-iep/hybridrag/internal/store"
)

// ErrorEvent is a file that could not be ingested.
type ErrorEvent struct {
	Source string
	Err    error
	IsWarn bool
}

// CompletionStats summarises an ingestion run.
type CompletionStats struct {
	Collection string
	Files      int
	Records    int
	Deleted    int
	Duration   time.Duration
	Errors     int
	Warnings   int
	Encoder    EncoderInfo
}

// EncoderInfo describes the embedding backend used for a run.
type EncoderInfo struct {
	Backend    string // "ollama", "openai" or "static"
	Model      string
	Dimensions int
}

// Renderer displays ingestion progress.
type Renderer interface {
	// Start initializes the renderer.
	Start(ctx context.Context) error

	// FileStarted reports that file index (1-based) of total is being ingested.
	FileStarted(source string, index, total int)

	// BatchWritten reports an inserted batch of the current file.
	BatchWritten(p store.BatchProgress)

	// FileFinished reports that the current file was ingested.
	FileFinished(source string, records int)

	// AddError reports a file that failed.
	AddError(event ErrorEvent)

	// Complete shows the run summary.
	Complete(stats CompletionStats)

	// Stop releases the terminal.
	Stop() error
}

// Config configures the renderer.
type Config struct {
	Output     io.Writer
	ForcePlain bool
	NoColor    bool
	Title      string
}

// ConfigOption modifies a Config.
type ConfigOption func(*Config)

// WithForcePlain forces plain text output.
func WithForcePlain(force bool) ConfigOption {
	return func(c *Config) { c.ForcePlain = force }
}

// WithNoColor disables colour.
func WithNoColor(noColor bool) ConfigOption {
	return func(c *Config) { c.NoColor = noColor }
}

// WithTitle sets the header shown above the progress panel.
func WithTitle(title string) ConfigOption {
	return func(c *Config) { c.Title = title }
}

// NewConfig creates a Config writing to output.
func NewConfig(output io.Writer, opts ...ConfigOption) Config {
	cfg := Config{Output: output}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// NewRenderer returns the TUI renderer on an interactive terminal and the
// plain renderer for pipes, CI and --no-tui.
func NewRenderer(cfg Config) Renderer {
	if cfg.ForcePlain || !IsTTY(cfg.Output) || DetectCI() {
		return NewPlainRenderer(cfg)
	}
	tui, err := NewTUIRenderer(cfg)
	if err != nil {
		return NewPlainRenderer(cfg)
	}
	return tui
}

// IsTTY reports whether w is a terminal.
func IsTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok || f == nil {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// DetectNoColor reports whether NO_COLOR is set.
func DetectNoColor() bool {
	_, ok := os.LookupEnv("NO_COLOR")
	return ok
}

// DetectCI reports whether the process runs under a CI system.
func DetectCI() bool {
	for _, v := range []string{"CI", "GITHUB_ACTIONS", "GITLAB_CI", "JENKINS_URL", "BUILDKITE"} {
		if _, ok := os.LookupEnv(v); ok {
			return true
		}
	}
	return false
}
