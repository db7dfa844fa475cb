package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRAGError_Unwrap_PreservesOriginalError(t *testing.T) {
	originalErr := errors.New("connection refused")

	ragErr := New(ErrCodeEmbeddingUnavailable, "embedding model unavailable", originalErr)

	require.NotNil(t, ragErr)
	assert.Equal(t, originalErr, errors.Unwrap(ragErr))
	assert.True(t, errors.Is(ragErr, originalErr))
}

func TestRAGError_Error_ReturnsFormattedMessage(t *testing.T) {
	tests := []struct {
		name     string
		code     string
		message  string
		expected string
	}{
		{
			name:     "config error",
			code:     ErrCodeConfigNotFound,
			message:  "config file not found",
			expected: "[ERR_101_CONFIG_NOT_FOUND] config file not found",
		},
		{
			name:     "validation error",
			code:     ErrCodeQueryEmpty,
			message:  "query is empty",
			expected: "[ERR_404_QUERY_EMPTY] query is empty",
		},
		{
			name:     "upstream error",
			code:     ErrCodeNetworkTimeout,
			message:  "request timed out",
			expected: "[ERR_301_NETWORK_TIMEOUT] request timed out",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.code, tt.message, nil)
			assert.Equal(t, tt.expected, err.Error())
		})
	}
}

func TestRAGError_Error_IncludesDistinctCause(t *testing.T) {
	err := New(ErrCodeStoreWrite, "insert batch 2", errors.New("disk I/O error"))
	assert.Equal(t, "[ERR_202_STORE_WRITE] insert batch 2: disk I/O error", err.Error())
}

func TestRAGError_Is_MatchesByCode(t *testing.T) {
	err1 := New(ErrCodeDimensionMismatch, "expected 8, got 4", nil)
	err2 := New(ErrCodeDimensionMismatch, "expected 1024, got 768", nil)
	err3 := New(ErrCodeQueryEmpty, "query is empty", nil)

	assert.True(t, errors.Is(err1, err2))
	assert.False(t, errors.Is(err1, err3))
}

func TestNew_DerivesCategoryAndRetryable(t *testing.T) {
	tests := []struct {
		code      string
		category  Category
		retryable bool
		severity  Severity
	}{
		{ErrCodeSchemaMismatch, CategoryConfig, false, SeverityFatal},
		{ErrCodeStoreBusy, CategoryStorage, true, SeverityWarning},
		{ErrCodeStoreWrite, CategoryStorage, false, SeverityError},
		{ErrCodeNetworkTimeout, CategoryUpstream, true, SeverityWarning},
		{ErrCodeEmbeddingUnavailable, CategoryUpstream, true, SeverityWarning},
		{ErrCodeGenerationUnavailable, CategoryUpstream, true, SeverityWarning},
		{ErrCodeGenerationRejected, CategoryValidation, false, SeverityError},
		{ErrCodeRecordInvalid, CategoryValidation, false, SeverityError},
		{ErrCodeMalformedOutput, CategoryInternal, false, SeverityError},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := New(tt.code, "msg", nil)
			assert.Equal(t, tt.category, err.Category)
			assert.Equal(t, tt.retryable, err.Retryable)
			assert.Equal(t, tt.severity, err.Severity)
		})
	}
}

func TestIsRetryable_SeesThroughWrapping(t *testing.T) {
	transient := NetworkError("ollama did not answer", nil)
	wrapped := fmt.Errorf("encode query: %w", transient)

	assert.True(t, IsRetryable(wrapped))
	assert.False(t, IsRetryable(fmt.Errorf("x: %w", ValidationError("bad", nil))))
	assert.False(t, IsRetryable(errors.New("plain")))
	assert.False(t, IsRetryable(nil))
}

func TestIsRetryable_DeadlineExceeded(t *testing.T) {
	assert.True(t, IsRetryable(fmt.Errorf("call: %w", context.DeadlineExceeded)))
	assert.False(t, IsRetryable(context.Canceled))
}

func TestIsValidation(t *testing.T) {
	assert.True(t, IsValidation(New(ErrCodeQueryTooLong, "too long", nil)))
	assert.True(t, IsValidation(fmt.Errorf("wrap: %w", New(ErrCodeDimensionMismatch, "dims", nil))))
	assert.False(t, IsValidation(New(ErrCodeStoreBusy, "busy", nil)))
	assert.False(t, IsValidation(errors.New("plain")))
}

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(New(ErrCodeSchemaMismatch, "schema", nil)))
	assert.False(t, IsFatal(New(ErrCodeQueryEmpty, "empty", nil)))
}

func TestGetCodeAndCategory(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(ErrCodeSearchFailed, "search failed", nil))

	assert.Equal(t, ErrCodeSearchFailed, GetCode(err))
	assert.Equal(t, CategoryInternal, GetCategory(err))
	assert.Empty(t, GetCode(errors.New("plain")))
	assert.Empty(t, GetCategory(errors.New("plain")))
}

func TestWrap_NilReturnsNil(t *testing.T) {
	assert.Nil(t, Wrap(ErrCodeInternal, nil))
}

func TestRAGError_WithDetailAndSuggestion(t *testing.T) {
	err := New(ErrCodeCollectionMissing, "collection not found", nil).
		WithDetail("collection", "odprt_index").
		WithSuggestion("Run 'hybridrag ingest' first.")

	assert.Equal(t, "odprt_index", err.Details["collection"])
	assert.Equal(t, "Run 'hybridrag ingest' first.", err.Suggestion)
}
