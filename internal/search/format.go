package search

import (
	"strings"

	"github.com/odprt-iep/hybridrag/internal/store"
)

// FormatItem renders one hit as a context item. Image records without text
// contribute their description.
func FormatItem(r store.Record) string {
	return "Source: " + r.DocSource + "\nText: " + r.Content()
}

// Format builds a Result from fused hits in rank order.
func Format(hits []store.ScoredRecord) *Result {
	items := make([]string, 0, len(hits))
	for _, h := range hits {
		items = append(items, FormatItem(h.Record))
	}
	return &Result{
		Context: strings.Join(items, ItemSeparator),
		Items:   items,
		Hits:    hits,
	}
}
