// Package errors provides structured error handling for Lodestone.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: IO errors (file, disk)
//   - 3XX: Not-found errors (missing blob, missing document)
//   - 4XX: Validation errors
//   - 5XX: State errors (wrong session mode, closed handle)
//   - 6XX: Integrity errors (corrupt container, offset mismatch)
//   - 7XX: Transaction errors
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryIO indicates file and disk I/O errors.
	CategoryIO Category = "IO"
	// CategoryNotFound indicates a missing blob or document reference.
	CategoryNotFound Category = "NOTFOUND"
	// CategoryValidation indicates input validation errors.
	CategoryValidation Category = "VALIDATION"
	// CategoryState indicates an operation attempted in the wrong state,
	// such as a write on a read-only session.
	CategoryState Category = "STATE"
	// CategoryIntegrity indicates corrupt or inconsistent stored data.
	CategoryIntegrity Category = "INTEGRITY"
	// CategoryTransaction indicates a failed metadata/index commit.
	CategoryTransaction Category = "TRANSACTION"
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
	ErrCodeFileAccess     = "ERR_201_FILE_ACCESS"
	ErrCodeFilePermission = "ERR_202_FILE_PERMISSION"
	ErrCodeContainerOpen  = "ERR_203_CONTAINER_OPEN"

	// Not-found errors (300-399)
	ErrCodeBlobNotFound      = "ERR_301_BLOB_NOT_FOUND"
	ErrCodeDirectoryNotFound = "ERR_302_DIRECTORY_NOT_FOUND"
	ErrCodeBatchNotFound     = "ERR_303_BATCH_NOT_FOUND"

	// Validation errors (400-499)
	ErrCodeInvalidInput = "ERR_401_INVALID_INPUT"
	ErrCodeInvalidQuery = "ERR_402_INVALID_QUERY"
	ErrCodeInvalidRule  = "ERR_403_INVALID_RULE"
	ErrCodeInvalidPath  = "ERR_404_INVALID_PATH"

	// State errors (500-599)
	ErrCodeSessionReadOnly  = "ERR_501_SESSION_READ_ONLY"
	ErrCodeSessionWriteOnly = "ERR_502_SESSION_WRITE_ONLY"
	ErrCodeClosed           = "ERR_503_CLOSED"

	// Integrity errors (600-699)
	ErrCodeChecksumMismatch = "ERR_601_CHECKSUM_MISMATCH"
	ErrCodeOffsetOutOfRange = "ERR_602_OFFSET_OUT_OF_RANGE"
	ErrCodeCorruptContainer = "ERR_603_CORRUPT_CONTAINER"
	ErrCodeCrossReference   = "ERR_604_CROSS_REFERENCE"

	// Transaction errors (700-799)
	ErrCodeCommitFailed   = "ERR_701_COMMIT_FAILED"
	ErrCodeRollbackFailed = "ERR_702_ROLLBACK_FAILED"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if len(code) < 5 {
		return CategoryState
	}
	switch code[4] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryIO
	case '3':
		return CategoryNotFound
	case '4':
		return CategoryValidation
	case '5':
		return CategoryState
	case '6':
		return CategoryIntegrity
	case '7':
		return CategoryTransaction
	default:
		return CategoryState
	}
}

// severityFromCode derives severity from error code.
// Per-file IO failures are warnings: the scan counts them and continues.
// Integrity and transaction errors are fatal to the running operation.
func severityFromCode(code string) Severity {
	switch categoryFromCode(code) {
	case CategoryIO:
		return SeverityWarning
	case CategoryIntegrity, CategoryTransaction:
		return SeverityFatal
	default:
		return SeverityError
	}
}
