package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestTelemetryError_Error(t *testing.T) {
	err := New(ErrCategorySchema, CodeMissingColumns, "missing required columns: [feature_id]")
	expected := "[SCHEMA:MISSING_COLUMNS] missing required columns: [feature_id]"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestTelemetryError_ErrorWithCause(t *testing.T) {
	cause := fmt.Errorf("disk full")
	err := Wrap(ErrCategoryStorage, CodeWriteFailed, "write failed", cause)
	expected := "[STORAGE:WRITE_FAILED] write failed: disk full"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestTelemetryError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("root cause")
	err := Wrap(ErrCategoryStorage, CodeUploadFailed, "upload", cause)
	if !errors.Is(err, cause) {
		t.Error("Unwrap should allow errors.Is to find the cause")
	}
}

func TestTelemetryError_Is(t *testing.T) {
	err1 := NewParseError(CodeBadTimestamp, "first")
	err2 := NewParseError(CodeBadTimestamp, "second")
	err3 := NewParseError(CodeMalformedCSV, "different code")

	if !errors.Is(err1, err2) {
		t.Error("errors with same category+code should match via Is")
	}
	if errors.Is(err1, err3) {
		t.Error("errors with different codes should not match via Is")
	}
	if !errors.Is(err1, &TelemetryError{Code: CodeBadTimestamp}) {
		t.Error("a target without category should match on code alone")
	}
	if errors.Is(err1, &TelemetryError{Category: ErrCategorySchema, Code: CodeBadTimestamp}) {
		t.Error("a target with a different category should not match")
	}
}

func TestGetCategoryAndCode(t *testing.T) {
	wrapped := fmt.Errorf("stage: %w", NewParameterError(CodeInvalidWindow, "bad window"))

	if got := GetCategory(wrapped); got != ErrCategoryParameter {
		t.Errorf("GetCategory = %q, want %q", got, ErrCategoryParameter)
	}
	if got := GetCode(wrapped); got != CodeInvalidWindow {
		t.Errorf("GetCode = %q, want %q", got, CodeInvalidWindow)
	}
	if got := GetCategory(fmt.Errorf("plain")); got != "" {
		t.Errorf("GetCategory of plain error = %q, want empty", got)
	}
}

func TestUserMessage(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"plain", fmt.Errorf("boom"), "boom"},
		{"structured", NewIntegrityError(`column "user_id" contains null/empty values`), `column "user_id" contains null/empty values`},
		{"with cause", NewStorageError(CodeWriteFailed, "write table", fmt.Errorf("permission denied")), "write table: permission denied"},
		{"nested", Wrap(ErrCategoryInternal, CodeUnexpected, "outer", NotFound("x.csv")), "outer: file not found: x.csv"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := UserMessage(tt.err); got != tt.want {
				t.Errorf("UserMessage = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNotFound(t *testing.T) {
	err := fmt.Errorf("open: %w", NotFound("/tmp/missing.csv"))
	if !IsNotFound(err) {
		t.Error("expected IsNotFound to match wrapped not-found error")
	}
	if IsNotFound(NewParseError(CodeBadTimestamp, "x")) {
		t.Error("parse error should not be reported as not-found")
	}

	var te *TelemetryError
	if !errors.As(err, &te) {
		t.Fatal("expected TelemetryError in chain")
	}
	if te.Details["path"] != "/tmp/missing.csv" {
		t.Errorf("expected path detail, got %v", te.Details)
	}
}

func TestWith_CopiesDetails(t *testing.T) {
	orig := NewSchemaError(CodeMissingColumns, "missing").With("missing", []string{"a"})
	more := orig.With("path", "events.csv")

	if _, ok := orig.Details["path"]; ok {
		t.Error("With should not modify the original error")
	}
	if len(more.Details) != 2 || more.Details["path"] != "events.csv" {
		t.Errorf("expected both details on the copy, got %v", more.Details)
	}
}

func TestLogAttrs(t *testing.T) {
	err := fmt.Errorf("stage: %w", NotFound("in.csv"))
	got := LogAttrs(err)
	want := []string{"category=RESOURCE", "code=NOT_FOUND", "path=in.csv"}
	if len(got) != len(want) {
		t.Fatalf("LogAttrs = %v, want %v", got, want)
	}
	for i, a := range got {
		if a.String() != want[i] {
			t.Errorf("attr %d = %s, want %s", i, a, want[i])
		}
	}
	if LogAttrs(fmt.Errorf("plain")) != nil {
		t.Error("plain errors have no attributes")
	}
}
