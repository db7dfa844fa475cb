package ui

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/odprt-iep/hybridrag/internal/store"
	"github.com/odprt-iep/hybridrag/internal/telemetry"
)

// StatusInfo is what `collection status` reports.
type StatusInfo struct {
	Store      string              `json:"store"`
	Collection store.Stats         `json:"collection"`
	Schema     store.Schema        `json:"schema"`
	Encoder    EncoderInfo         `json:"encoder"`
	RouterMode string              `json:"router_mode"`
	Usage      *telemetry.Snapshot `json:"usage,omitempty"`
}

// StatusRenderer prints a StatusInfo.
type StatusRenderer struct {
	out    io.Writer
	styles Styles
}

// NewStatusRenderer creates a status renderer.
func NewStatusRenderer(out io.Writer, noColor bool) *StatusRenderer {
	return &StatusRenderer{out: out, styles: GetStyles(noColor)}
}

// Render prints info as aligned text.
func (r *StatusRenderer) Render(info StatusInfo) error {
	c := info.Collection
	p := func(format string, args ...any) { _, _ = fmt.Fprintf(r.out, format, args...) }

	p("%s\n\n", r.styles.Header.Render("Collection: "+c.Name))
	p("  Store:      %s\n", info.Store)
	p("  Records:    %d\n", c.Records)
	p("  Terms:      %d\n", c.Terms)
	p("  Graph:      %d nodes", c.GraphNodes)
	if c.Orphans > 0 {
		p(" (%s)", r.styles.Warning.Render(fmt.Sprintf("%d deleted, pending compaction", c.Orphans)))
	}
	p("\n")
	p("  Schema:     %s\n\n", info.Schema)

	p("  Encoder:    %s", info.Encoder.Backend)
	if info.Encoder.Model != "" {
		p(" (%s)", info.Encoder.Model)
	}
	p("\n")
	p("  Router:     %s\n", info.RouterMode)

	if u := info.Usage; u != nil && u.TotalQueries > 0 {
		p("\n  Queries:    %d (%d failed)\n", u.TotalQueries, u.FailedQueries)
		classes := make([]string, 0, len(u.ClassificationCounts))
		for k := range u.ClassificationCounts {
			classes = append(classes, k)
		}
		sort.Strings(classes)
		for _, k := range classes {
			p("    %-10s %d\n", k+":", u.ClassificationCounts[k])
		}
		rate := u.KnowledgeGapRate() * 100
		gap := fmt.Sprintf("%.1f%%", rate)
		if rate > 20 {
			gap = r.styles.Warning.Render(gap)
		}
		p("  Gap rate:   %s of related queries found no records\n", gap)
	}
	return nil
}

// RenderJSON prints info as indented JSON.
func (r *StatusRenderer) RenderJSON(info StatusInfo) error {
	enc := json.NewEncoder(r.out)
	enc.SetIndent("", "  ")
	return enc.Encode(info)
}
