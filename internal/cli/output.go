package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/roach88/runname/internal/counter"
	"github.com/roach88/runname/internal/lockfile"
	"github.com/roach88/runname/internal/naming"
	"github.com/roach88/runname/internal/record"
	"github.com/roach88/runname/internal/runindex"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Operation refused (missing reservation, index conflict, not found)
	ExitCommandError = 2 // Command error (bad flags, unreadable config, I/O failure)
	ExitUnavailable  = 3 // Retryable: lock contention outlasted the timeout
)

// Error codes reported in JSON output.
const (
	ErrCodeGeneric             = "E001" // Generic/unknown error
	ErrCodeConfig              = "E002" // Config unreadable or invalid
	ErrCodeLockTimeout         = "E101" // Lock not acquired in time
	ErrCodeUnavailable         = "E102" // Naming retry budget exhausted
	ErrCodeReservationNotFound = "E201" // Commit without a matching reservation
	ErrCodeSchemaVersion       = "E202" // Record written by a newer version
	ErrCodeIndexConflict       = "E301" // Two records for one lookup key
	ErrCodeNotFound            = "E302" // No record for the lookup key
)

// ExitError represents an error with a specific exit code.
// Use this to return errors with meaningful exit codes from CLI commands.
type ExitError struct {
	Code    int    // Exit code
	ErrCode string // E-code for JSON output (optional)
	Message string // Error message
	Err     error  // Underlying error (optional)
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// WrapDomainError wraps err with the exit code and E-code its type calls for.
func WrapDomainError(message string, err error) *ExitError {
	code, errCode := classify(err)
	return &ExitError{Code: code, ErrCode: errCode, Message: message, Err: err}
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, naming.ErrNamingUnavailable):
		return ExitUnavailable, ErrCodeUnavailable
	case lockfile.IsLockTimeout(err):
		return ExitUnavailable, ErrCodeLockTimeout
	case counter.IsReservationNotFound(err):
		return ExitFailure, ErrCodeReservationNotFound
	case runindex.IsIndexConflict(err):
		return ExitFailure, ErrCodeIndexConflict
	case errors.Is(err, runindex.ErrNotFound), errors.Is(err, counter.ErrNotFound):
		return ExitFailure, ErrCodeNotFound
	case record.IsSchemaVersion(err):
		return ExitCommandError, ErrCodeSchemaVersion
	default:
		return ExitCommandError, ErrCodeGeneric
	}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format string
	Writer io.Writer
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status string    `json:"status"`          // "ok" or "error"
	Data   any       `json:"data,omitempty"`  // success payload
	Error  *CLIError `json:"error,omitempty"` // error details
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`              // "E001", "E101", etc.
	Message string `json:"message"`           // human-readable message
	Details any    `json:"details,omitempty"` // additional context
}

// Success outputs a successful result in the configured format.
func (f *OutputFormatter) Success(data any) error {
	return f.Emit(data, fmt.Sprint(data))
}

// Emit writes data as JSON, or text verbatim in text mode.
func (f *OutputFormatter) Emit(data any, text string) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "ok",
			Data:   data,
		})
	}
	_, err := fmt.Fprintln(f.Writer, text)
	return err
}

// Error outputs an error in the configured format.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error: &CLIError{
				Code:    code,
				Message: message,
				Details: details,
			},
		})
	}

	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// ReportError writes err through the formatter and returns its exit code.
func (f *OutputFormatter) ReportError(err error) int {
	code, errCode := ExitFailure, ErrCodeGeneric
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.Code
		if exitErr.ErrCode != "" {
			errCode = exitErr.ErrCode
		}
	}
	_ = f.Error(errCode, err.Error(), nil)
	return code
}
