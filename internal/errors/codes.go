// Package errors provides structured error handling for Fathom.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: IO errors (archive, trace log)
//   - 3XX: Network/model-backend errors
//   - 4XX: Validation errors
//   - 5XX: Internal errors
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryIO indicates file and disk I/O errors.
	CategoryIO Category = "IO"
	// CategoryNetwork indicates network and model-backend errors.
	CategoryNetwork Category = "NETWORK"
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

	// IO errors (200-299)
	ErrCodeArchiveOpen  = "ERR_201_ARCHIVE_OPEN"
	ErrCodeArchiveRead  = "ERR_202_ARCHIVE_READ"
	ErrCodeArchiveWrite = "ERR_203_ARCHIVE_WRITE"
	ErrCodeTraceWrite   = "ERR_204_TRACE_WRITE"
	ErrCodeCorpusRead   = "ERR_205_CORPUS_READ"

	// Network / model backend errors (300-399)
	ErrCodeEmbedBackend   = "ERR_301_EMBED_BACKEND"
	ErrCodeContextBackend = "ERR_302_CONTEXT_BACKEND"
	ErrCodeRerankBackend  = "ERR_303_RERANK_BACKEND"

	// Validation errors (400-499)
	ErrCodeInvalidInput      = "ERR_401_INVALID_INPUT"
	ErrCodeDimensionMismatch = "ERR_402_DIMENSION_MISMATCH"
	ErrCodeQueryEmpty        = "ERR_403_QUERY_EMPTY"

	// Internal errors (500-599)
	ErrCodeInternal         = "ERR_501_INTERNAL"
	ErrCodeEmbeddingFailed  = "ERR_502_EMBEDDING_FAILED"
	ErrCodeSearchFailed     = "ERR_503_SEARCH_FAILED"
	ErrCodeIndexUnavailable = "ERR_504_INDEX_UNAVAILABLE"
	ErrCodePrepareFailed    = "ERR_505_PREPARE_FAILED"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}

	switch code[4] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryIO
	case '3':
		return CategoryNetwork
	case '4':
		return CategoryValidation
	default:
		return CategoryInternal
	}
}

// severityFromCode derives severity from error code.
// Config and validation errors are fatal to the calling operation;
// backend errors degrade gracefully per the recovery policy.
func severityFromCode(code string) Severity {
	switch categoryFromCode(code) {
	case CategoryConfig, CategoryValidation:
		return SeverityFatal
	case CategoryNetwork:
		return SeverityWarning
	default:
		return SeverityError
	}
}

// isRetryableCode reports whether operations failing with this code
// are worth retrying. Only transient backend failures qualify.
func isRetryableCode(code string) bool {
	return categoryFromCode(code) == CategoryNetwork
}
