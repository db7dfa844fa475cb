// Package errors provides structured error handling for hybridrag.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: Storage errors (database, index files)
//   - 3XX: Upstream errors (network, embedding model, generation model)
//   - 4XX: Validation errors
//   - 5XX: Internal errors
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryStorage indicates database and index persistence errors.
	CategoryStorage Category = "STORAGE"
	// CategoryUpstream indicates failures of remote models and services.
	CategoryUpstream Category = "UPSTREAM"
	// CategoryValidation indicates input validation errors.
	CategoryValidation Category = "VALIDATION"
	// CategoryInternal indicates unexpected internal errors.
	CategoryInternal Category = "INTERNAL"
)

// Severity defines error severity levels.
type Severity string

const (
	// SeverityFatal indicates unrecoverable error, must abort.
	SeverityFatal Severity = "FATAL"
	// SeverityError indicates operation failed but can continue.
	SeverityError Severity = "ERROR"
	// SeverityWarning indicates degraded operation, continuing.
	SeverityWarning Severity = "WARNING"
)

// Error codes organized by category.
const (
	// Config errors (100-199)
	ErrCodeConfigNotFound = "ERR_101_CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid  = "ERR_102_CONFIG_INVALID"
	ErrCodeSchemaMismatch = "ERR_104_SCHEMA_MISMATCH"

	// Storage errors (200-299)
	ErrCodeStoreOpen         = "ERR_201_STORE_OPEN"
	ErrCodeStoreWrite        = "ERR_202_STORE_WRITE"
	ErrCodeStoreRead         = "ERR_203_STORE_READ"
	ErrCodeCorruptIndex      = "ERR_205_CORRUPT_INDEX"
	ErrCodeCollectionMissing = "ERR_206_COLLECTION_MISSING"
	ErrCodeStoreBusy         = "ERR_207_STORE_BUSY"

	// Upstream errors (300-399)
	ErrCodeNetworkTimeout        = "ERR_301_NETWORK_TIMEOUT"
	ErrCodeNetworkUnavailable    = "ERR_302_NETWORK_UNAVAILABLE"
	ErrCodeEmbeddingUnavailable  = "ERR_304_EMBEDDING_UNAVAILABLE"
	ErrCodeGenerationUnavailable = "ERR_305_GENERATION_UNAVAILABLE"

	// Validation errors (400-499)
	ErrCodeInvalidInput       = "ERR_401_INVALID_INPUT"
	ErrCodeDimensionMismatch  = "ERR_402_DIMENSION_MISMATCH"
	ErrCodeInvalidQuery       = "ERR_403_INVALID_QUERY"
	ErrCodeQueryEmpty         = "ERR_404_QUERY_EMPTY"
	ErrCodeQueryTooLong       = "ERR_405_QUERY_TOO_LONG"
	ErrCodeRecordInvalid      = "ERR_406_RECORD_INVALID"
	ErrCodeGenerationRejected = "ERR_407_GENERATION_REJECTED"
	ErrCodeSuiteFailed        = "ERR_408_SUITE_FAILED"
	ErrCodePreflightFailed    = "ERR_409_PREFLIGHT_FAILED"

	// Internal errors (500-599)
	ErrCodeInternal        = "ERR_501_INTERNAL"
	ErrCodeEmbeddingFailed = "ERR_502_EMBEDDING_FAILED"
	ErrCodeSearchFailed    = "ERR_503_SEARCH_FAILED"
	ErrCodeMalformedOutput = "ERR_504_MALFORMED_OUTPUT"
	ErrCodeIndexFailed     = "ERR_505_INDEX_FAILED"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}

	// Numeric portion, e.g. "101" from "ERR_101_CONFIG_NOT_FOUND"
	switch code[4] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryStorage
	case '3':
		return CategoryUpstream
	case '4':
		return CategoryValidation
	default:
		return CategoryInternal
	}
}

// severityFromCode determines severity based on error code.
func severityFromCode(code string) Severity {
	switch code {
	case ErrCodeCorruptIndex, ErrCodeSchemaMismatch, ErrCodeConfigInvalid:
		return SeverityFatal
	}

	if isRetryableCode(code) {
		return SeverityWarning
	}

	return SeverityError
}

// isRetryableCode checks if an error code represents a transient failure.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeNetworkTimeout, ErrCodeNetworkUnavailable,
		ErrCodeEmbeddingUnavailable, ErrCodeGenerationUnavailable,
		ErrCodeStoreBusy:
		return true
	default:
		return false
	}
}
