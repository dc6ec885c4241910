// Package errors provides structured error types for ESLite.
// All errors include a category, code, message, and retryable flag so that
// hosts can decide whether to re-snapshot, re-request, or abort.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by component.
type ErrorCategory string

const (
	ErrCategorySchema    ErrorCategory = "SCHEMA"
	ErrCategoryMigration ErrorCategory = "MIGRATION"
	ErrCategorySync      ErrorCategory = "SYNC"
	ErrCategoryStorage   ErrorCategory = "STORAGE"
	ErrCategoryQuery     ErrorCategory = "QUERY"
	ErrCategoryConfig    ErrorCategory = "CONFIG"
	ErrCategoryInternal  ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Schema codes
	CodeEmptyName           = "EMPTY_NAME"
	CodeInvalidColumnName   = "INVALID_COLUMN_NAME"
	CodeDuplicateColumn     = "DUPLICATE_COLUMN"
	CodeDanglingTTL         = "DANGLING_TTL"
	CodeMultiplePrimaryKeys = "MULTIPLE_PRIMARY_KEYS"
	CodeInvalidTTLInterval  = "INVALID_TTL_INTERVAL"
	CodeUnknownColumnType   = "UNKNOWN_COLUMN_TYPE"

	// Migration codes
	CodeUnsortedMigrations = "UNSORTED_MIGRATIONS"
	CodeOperationFailed    = "OPERATION_FAILED"
	CodeInvalidOperation   = "INVALID_OPERATION"

	// Sync codes
	CodeNotSynced      = "NOT_SYNCED"
	CodeSequenceGap    = "SEQUENCE_GAP"
	CodeInvalidDelta   = "INVALID_DELTA"
	CodeApplyFailed    = "APPLY_FAILED"
	CodeSchemaNotReady = "SCHEMA_NOT_READY"

	// Storage codes
	CodeUploadFailed     = "UPLOAD_FAILED"
	CodeDownloadFailed   = "DOWNLOAD_FAILED"
	CodeObjectNotFound   = "OBJECT_NOT_FOUND"
	CodeChecksumMismatch = "CHECKSUM_MISMATCH"

	// Query codes
	CodeTableNotReady   = "TABLE_NOT_READY"
	CodeInvalidQuery    = "INVALID_QUERY"
	CodeExecutionFailed = "EXECUTION_FAILED"

	// Config codes
	CodeInvalidConfig = "INVALID_CONFIG"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// Error is the structured error type used throughout ESLite.
type Error struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new Error.
func New(category ErrorCategory, code, message string) *Error {
	return &Error{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new Error wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *Error {
	return &Error{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not an *Error.
func GetCategory(err error) ErrorCategory {
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not an *Error.
func GetCode(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// isRetryable determines if an error code is worth retrying unchanged.
// A sequence gap is: the transport may re-deliver the missing delta.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategorySync && code == CodeSequenceGap:
		return true
	case category == ErrCategoryStorage && code == CodeUploadFailed:
		return true
	case category == ErrCategoryStorage && code == CodeDownloadFailed:
		return true
	default:
		return false
	}
}

// Sentinels for errors.Is checks. Only category and code are compared.
var (
	ErrNotSynced      = New(ErrCategorySync, CodeNotSynced, "table not synced")
	ErrSequenceGap    = New(ErrCategorySync, CodeSequenceGap, "sequence gap")
	ErrSchemaNotReady = New(ErrCategorySync, CodeSchemaNotReady, "schema not ready")
	ErrObjectNotFound = New(ErrCategoryStorage, CodeObjectNotFound, "object not found")
	ErrTableNotReady  = New(ErrCategoryQuery, CodeTableNotReady, "table not ready")
)

// Convenience constructors for common errors.

func NewSchemaError(code, message string) *Error {
	return New(ErrCategorySchema, code, message)
}

func NewMigrationError(code, message string, cause error) *Error {
	return Wrap(ErrCategoryMigration, code, message, cause)
}

func NewSyncError(code, message string) *Error {
	return New(ErrCategorySync, code, message)
}

func NewStorageError(code, message string, cause error) *Error {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewQueryError(code, message string) *Error {
	return New(ErrCategoryQuery, code, message)
}

func NewInternalError(message string, cause error) *Error {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}

// NotSynced reports a delta or pause against a table that is not in the
// required state.
func NotSynced(table, state string) *Error {
	return NewSyncError(CodeNotSynced, fmt.Sprintf("table %s not synced (state %s)", table, state)).
		WithDetails(map[string]interface{}{"table": table, "state": state})
}

// SequenceGap reports a delta whose sequence is not last+1.
func SequenceGap(table string, expected, got uint64) *Error {
	return NewSyncError(CodeSequenceGap, fmt.Sprintf("sequence gap on %s: expected %d, got %d", table, expected, got)).
		WithDetails(map[string]interface{}{"table": table, "expected": expected, "got": got})
}

// GapDetails extracts expected/got from a sequence gap error.
func GapDetails(err error) (expected, got uint64, ok bool) {
	var e *Error
	if !errors.As(err, &e) || e.Category != ErrCategorySync || e.Code != CodeSequenceGap {
		return 0, 0, false
	}
	expected, ok1 := e.Details["expected"].(uint64)
	got, ok2 := e.Details["got"].(uint64)
	return expected, got, ok1 && ok2
}

// Payload is the JSON form of an error handed back to a host.
type Payload struct {
	Category  ErrorCategory          `json:"category"`
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Retryable bool                   `json:"retryable"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// ToPayload converts err for the wire. Errors outside this package are
// reported as INTERNAL/UNEXPECTED.
func ToPayload(err error) Payload {
	var e *Error
	if !errors.As(err, &e) {
		return Payload{Category: ErrCategoryInternal, Code: CodeUnexpected, Message: err.Error()}
	}
	msg := e.Message
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return Payload{
		Category:  e.Category,
		Code:      e.Code,
		Message:   msg,
		Retryable: e.Retryable,
		Details:   e.Details,
	}
}
