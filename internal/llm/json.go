package llm

import (
	"encoding/json"
	"strings"

	rerrors "github.com/odprt-iep/hybridrag/internal/errors"
)

// DecodeJSON parses the first JSON object in model output into T. Markdown
// code fences and surrounding prose are tolerated.
func DecodeJSON[T any](output string) (T, error) {
	var zero T

	obj, ok := firstObject(output)
	if !ok {
		return zero, rerrors.New(rerrors.ErrCodeMalformedOutput, "model output contains no JSON object", nil).
			WithDetail("output", truncate(output, 200))
	}

	var v T
	if err := json.Unmarshal([]byte(obj), &v); err != nil {
		return zero, rerrors.New(rerrors.ErrCodeMalformedOutput, "model output is not valid JSON", err).
			WithDetail("output", truncate(output, 200))
	}
	return v, nil
}

// firstObject returns the first balanced {...} span, honouring strings.
func firstObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
