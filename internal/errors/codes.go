// Package errors provides structured error handling for imgscout.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration and startup errors
//   - 2XX: Per-file errors (stat, extraction, thumbnailing)
//   - 3XX: Embedding worker errors
//   - 4XX: Validation errors
//   - 5XX: Store errors
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration or startup errors.
	CategoryConfig Category = "CONFIG"
	// CategoryFile indicates an error scoped to a single crawled file.
	CategoryFile Category = "FILE"
	// CategoryWorker indicates an embedding worker failure.
	CategoryWorker Category = "WORKER"
	// CategoryValidation indicates input validation errors.
	CategoryValidation Category = "VALIDATION"
	// CategoryStore indicates a metadata or vector store failure.
	CategoryStore Category = "STORE"
)

// Severity defines error severity levels.
type Severity string

const (
	// SeverityFatal indicates unrecoverable error, must abort.
	SeverityFatal Severity = "FATAL"
	// SeverityError indicates operation failed but the crawl can continue.
	SeverityError Severity = "ERROR"
	// SeverityWarning indicates degraded operation, continuing.
	SeverityWarning Severity = "WARNING"
)

// Error codes organized by category.
const (
	// Config errors (100-199)
	ErrCodeConfigInvalid        = "ERR_101_CONFIG_INVALID"
	ErrCodeDataDirUnavailable   = "ERR_102_DATADIR_UNAVAILABLE"
	ErrCodeConcurrencyDirective = "ERR_103_CONCURRENCY_DIRECTIVE"

	// Per-file errors (200-299)
	ErrCodeFileStat        = "ERR_201_FILE_STAT"
	ErrCodeExtractFailed   = "ERR_202_EXTRACT_FAILED"
	ErrCodeThumbnailFailed = "ERR_203_THUMBNAIL_FAILED"

	// Worker errors (300-399)
	ErrCodeWorkerCrashed     = "ERR_301_WORKER_CRASHED"
	ErrCodeWorkerJobFailed   = "ERR_302_WORKER_JOB_FAILED"
	ErrCodeWorkerUnavailable = "ERR_303_WORKER_UNAVAILABLE"
	ErrCodeWorkerProtocol    = "ERR_304_WORKER_PROTOCOL"

	// Validation errors (400-499)
	ErrCodeInvalidRecord     = "ERR_401_INVALID_RECORD"
	ErrCodeInvalidVector     = "ERR_402_INVALID_VECTOR"
	ErrCodeDimensionMismatch = "ERR_403_DIMENSION_MISMATCH"

	// Store errors (500-599)
	ErrCodeStoreFailed = "ERR_501_STORE_FAILED"
	ErrCodeCorruptFile = "ERR_502_CORRUPT_FILE"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryStore
	}

	switch code[4] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryFile
	case '3':
		return CategoryWorker
	case '4':
		return CategoryValidation
	default:
		return CategoryStore
	}
}

// severityFromCode determines severity based on error code.
func severityFromCode(code string) Severity {
	switch categoryFromCode(code) {
	case CategoryConfig:
		return SeverityFatal
	case CategoryFile:
		return SeverityWarning
	}
	if code == ErrCodeCorruptFile {
		return SeverityFatal
	}
	return SeverityError
}

// isRetryableCode reports whether a later attempt may succeed without
// operator intervention.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeWorkerCrashed, ErrCodeWorkerUnavailable, ErrCodeFileStat:
		return true
	default:
		return false
	}
}
