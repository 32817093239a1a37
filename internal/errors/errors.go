// Package errors provides structured error types for the telemetry pipeline.
// All errors include a category, code and message so that every stage fails
// with one descriptive line and the CLI can map failures consistently.
package errors

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
)

// ErrorCategory classifies errors by failure kind.
type ErrorCategory string

const (
	ErrCategorySchema    ErrorCategory = "SCHEMA"
	ErrCategoryParse     ErrorCategory = "PARSE"
	ErrCategoryIntegrity ErrorCategory = "INTEGRITY"
	ErrCategoryResource  ErrorCategory = "RESOURCE"
	ErrCategoryParameter ErrorCategory = "PARAMETER"
	ErrCategoryStorage   ErrorCategory = "STORAGE"
	ErrCategoryInternal  ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Schema codes
	CodeMissingColumns = "MISSING_COLUMNS"
	CodeColumnType     = "COLUMN_TYPE"

	// Parse codes
	CodeBadTimestamp  = "BAD_TIMESTAMP"
	CodeMalformedCSV  = "MALFORMED_CSV"
	CodeUnknownFormat = "UNKNOWN_FORMAT"

	// Integrity codes
	CodeEmptyIdentifier = "EMPTY_IDENTIFIER"

	// Resource codes
	CodeNotFound = "NOT_FOUND"

	// Parameter codes
	CodeInvalidWindow = "INVALID_WINDOW"
	CodeInvalidOption = "INVALID_OPTION"

	// Storage codes
	CodeUploadFailed   = "UPLOAD_FAILED"
	CodeDownloadFailed = "DOWNLOAD_FAILED"
	CodeWriteFailed    = "WRITE_FAILED"
	CodeReadFailed     = "READ_FAILED"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// TelemetryError is the structured error type used throughout the pipeline.
// Stages return it for every failure the user can act on; the CLI prints
// UserMessage and logs LogAttrs.
type TelemetryError struct {
	Category ErrorCategory
	Code     string
	Message  string
	// Details carries machine-readable context such as the missing columns
	Details map[string]interface{}
	Cause   error
}

// Error renders "[CATEGORY:CODE] message" followed by ": cause" when wrapped.
func (e *TelemetryError) Error() string {
	msg := "[" + string(e.Category) + ":" + e.Code + "] " + e.Message
	if e.Cause == nil {
		return msg
	}
	return msg + ": " + e.Cause.Error()
}

func (e *TelemetryError) Unwrap() error { return e.Cause }

// Is matches a target with the same code. A target without a category
// matches that code in any category.
func (e *TelemetryError) Is(target error) bool {
	t, ok := target.(*TelemetryError)
	if !ok || t.Code != e.Code {
		return false
	}
	return t.Category == "" || t.Category == e.Category
}

// New creates an unwrapped error.
func New(category ErrorCategory, code, message string) *TelemetryError {
	return &TelemetryError{Category: category, Code: code, Message: message}
}

// Wrap creates an error with an underlying cause.
func Wrap(category ErrorCategory, code, message string, cause error) *TelemetryError {
	e := New(category, code, message)
	e.Cause = cause
	return e
}

// With returns a copy of e with key set in Details. e is not modified.
func (e *TelemetryError) With(key string, value interface{}) *TelemetryError {
	cp := *e
	cp.Details = make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

// LogAttrs returns the category, code and details of the first
// TelemetryError in err's chain as slog attributes.
func LogAttrs(err error) []slog.Attr {
	var te *TelemetryError
	if !errors.As(err, &te) {
		return nil
	}
	attrs := []slog.Attr{
		slog.String("category", string(te.Category)),
		slog.String("code", te.Code),
	}
	keys := make([]string, 0, len(te.Details))
	for k := range te.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, slog.Any(k, te.Details[k]))
	}
	return attrs
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a TelemetryError.
func GetCategory(err error) ErrorCategory {
	var te *TelemetryError
	if errors.As(err, &te) {
		return te.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a TelemetryError.
func GetCode(err error) string {
	var te *TelemetryError
	if errors.As(err, &te) {
		return te.Code
	}
	return ""
}

// UserMessage renders err as a single line without the category prefix.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var te *TelemetryError
	if !errors.As(err, &te) {
		return err.Error()
	}
	if te.Cause != nil {
		return fmt.Sprintf("%s: %s", te.Message, UserMessage(te.Cause))
	}
	return te.Message
}

// Convenience constructors for common errors.

func NewSchemaError(code, message string) *TelemetryError {
	return New(ErrCategorySchema, code, message)
}

func NewParseError(code, message string) *TelemetryError {
	return New(ErrCategoryParse, code, message)
}

func NewIntegrityError(message string) *TelemetryError {
	return New(ErrCategoryIntegrity, CodeEmptyIdentifier, message)
}

func NewParameterError(code, message string) *TelemetryError {
	return New(ErrCategoryParameter, code, message)
}

func NewStorageError(code, message string, cause error) *TelemetryError {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewInternalError(message string, cause error) *TelemetryError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}

// NotFound reports that path does not exist.
func NotFound(path string) *TelemetryError {
	return New(ErrCategoryResource, CodeNotFound, "file not found: "+path).With("path", path)
}

// IsNotFound reports whether err is a resource not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, &TelemetryError{Code: CodeNotFound})
}
