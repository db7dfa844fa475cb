package errors

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatForUser(t *testing.T) {
	err := New(ErrCodeQueryEmpty, "query is empty", nil).WithSuggestion("Type a question.")

	assert.Equal(t, "query is empty Type a question.", FormatForUser(err, false))
	assert.Equal(t, "query is empty Type a question. [ERR_404_QUERY_EMPTY]", FormatForUser(err, true))
	assert.Equal(t, "plain", FormatForUser(errors.New("plain"), false))
	assert.Empty(t, FormatForUser(nil, false))
}

func TestFormatForCLI_MarksTransientFailures(t *testing.T) {
	out := FormatForCLI(NetworkError("ollama timed out", nil))

	assert.Contains(t, out, "Error: ollama timed out")
	assert.Contains(t, out, "transient")
	assert.Contains(t, out, "Code: ERR_301_NETWORK_TIMEOUT")
}

func TestFormatForCLI_WrapsPlainErrors(t *testing.T) {
	out := FormatForCLI(errors.New("boom"))
	assert.Contains(t, out, "Code: ERR_501_INTERNAL")
}

func TestFormatJSON(t *testing.T) {
	err := New(ErrCodeDimensionMismatch, "expected 8, got 4", errors.New("cause")).
		WithDetail("collection", "docs")

	data, jerr := FormatJSON(err)
	require.NoError(t, jerr)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "ERR_402_DIMENSION_MISMATCH", decoded["code"])
	assert.Equal(t, "VALIDATION", decoded["category"])
	assert.Equal(t, "cause", decoded["cause"])
	assert.Equal(t, false, decoded["retryable"])
}

func TestLogAttrs(t *testing.T) {
	attrs := LogAttrs(New(ErrCodeStoreBusy, "database is locked", nil))

	assert.Contains(t, attrs, "error_code")
	assert.Contains(t, attrs, ErrCodeStoreBusy)
	assert.Nil(t, LogAttrs(nil))
	assert.Equal(t, []any{"error", "x"}, LogAttrs(errors.New("x")))
}
