package router

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Request is everything a router may look at.
type Request struct {
	Query           string
	UploadedContent string
	ChatHistory     string
}

// Router classifies a request.
type Router interface {
	Route(ctx context.Context, req Request) (Decision, error)
}

// cacheKey hashes the three inputs with separators so that moving text
// between fields changes the key.
func cacheKey(req Request) string {
	h := sha256.New()
	for _, part := range []string{req.Query, req.UploadedContent, req.ChatHistory} {
		part = strings.TrimSpace(part)
		fmt.Fprintf(h, "%d:%s\x00", len(part), part)
	}
	return hex.EncodeToString(h.Sum(nil))
}

const defaultQuestion = "Could you share more details about your request, such as the project, agreement type, or team involved?"

// clarifyingQuestion builds a follow-up for a vague query. It names the
// first generic term found, if any.
func clarifyingQuestion(query string, generic []string) string {
	text := normalize(query)
	for _, term := range generic {
		if containsTerm(text, term) {
			return fmt.Sprintf("Could you give more detail about the %s you are asking about, such as the project, agreement type, or team involved?", term)
		}
	}
	return defaultQuestion
}

// normalize lower-cases text and collapses punctuation and whitespace runs
// to single spaces.
func normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r > 127 {
			b.WriteRune(r)
		} else {
			b.WriteByte(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// containsTerm reports whether the normalized text has term as whole words,
// also accepting a plural "s".
func containsTerm(text, term string) bool {
	padded := " " + text + " "
	t := normalize(term)
	return strings.Contains(padded, " "+t+" ") || strings.Contains(padded, " "+t+"s ")
}
