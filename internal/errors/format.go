package errors

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FormatForUser returns a user-friendly error message.
// If debug is true, the error code is appended.
func FormatForUser(err error, debug bool) string {
	if err == nil {
		return ""
	}

	re, ok := As(err)
	if !ok {
		return err.Error()
	}

	var sb strings.Builder
	sb.WriteString(re.Message)

	if re.Suggestion != "" {
		sb.WriteString(" ")
		sb.WriteString(re.Suggestion)
	}

	if debug {
		sb.WriteString(fmt.Sprintf(" [%s]", re.Code))
	}

	return sb.String()
}

// FormatForCLI formats an error for CLI output.
func FormatForCLI(err error) string {
	if err == nil {
		return ""
	}

	re, ok := As(err)
	if !ok {
		re = Wrap(ErrCodeInternal, err)
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Error: %s\n", re.Message))
	if re.Cause != nil && re.Cause.Error() != re.Message {
		sb.WriteString(fmt.Sprintf("  Cause: %v\n", re.Cause))
	}
	if re.Suggestion != "" {
		sb.WriteString(fmt.Sprintf("  Hint: %s\n", re.Suggestion))
	}
	if re.Retryable {
		sb.WriteString("  This failure is transient; retrying may succeed.\n")
	}
	sb.WriteString(fmt.Sprintf("  Code: %s\n", re.Code))

	return sb.String()
}

// jsonError is the JSON representation of an error.
type jsonError struct {
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Category   string            `json:"category"`
	Severity   string            `json:"severity"`
	Details    map[string]string `json:"details,omitempty"`
	Suggestion string            `json:"suggestion,omitempty"`
	Cause      string            `json:"cause,omitempty"`
	Retryable  bool              `json:"retryable"`
}

// FormatJSON returns a JSON representation of the error.
func FormatJSON(err error) ([]byte, error) {
	if err == nil {
		return json.Marshal(nil)
	}

	re, ok := As(err)
	if !ok {
		re = Wrap(ErrCodeInternal, err)
	}

	je := jsonError{
		Code:       re.Code,
		Message:    re.Message,
		Category:   string(re.Category),
		Severity:   string(re.Severity),
		Details:    re.Details,
		Suggestion: re.Suggestion,
		Retryable:  re.Retryable,
	}
	if re.Cause != nil {
		je.Cause = re.Cause.Error()
	}

	return json.Marshal(je)
}

// LogAttrs returns key-value pairs suitable for slog.With or slog attributes.
func LogAttrs(err error) []any {
	if err == nil {
		return nil
	}

	re, ok := As(err)
	if !ok {
		return []any{"error", err.Error()}
	}

	attrs := []any{
		"error", re.Error(),
		"error_code", re.Code,
		"category", string(re.Category),
		"retryable", re.Retryable,
	}
	for k, v := range re.Details {
		attrs = append(attrs, "detail_"+k, v)
	}
	return attrs
}
