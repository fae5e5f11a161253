// Package hosterr defines the error codes that cross the IPC boundary and a
// structured error type carrying them. Components keep their own sentinel
// errors; this package is how those conditions are named to the UI.
package hosterr

import (
	"errors"
	"fmt"
)

// Code is a stable, UI-visible error code.
type Code string

const (
	// Manifest & trust
	CodeManifestParse      Code = "ManifestParse"
	CodeManifestInvariant  Code = "ManifestInvariant"
	CodeIntegrityMismatch  Code = "IntegrityMismatch"
	CodeMissingSignature   Code = "MissingSignature"
	CodeUnknownKeyID       Code = "UnknownKeyId"
	CodeBadSignature       Code = "BadSignature"
	CodeSignatureUntrusted Code = "SignatureUntrusted"

	// Filesystem & extraction
	CodePathTraversal      Code = "PathTraversal"
	CodeSymlinkRejected    Code = "SymlinkRejected"
	CodeEntryTooLarge      Code = "EntryTooLarge"
	CodeArchiveTooLarge    Code = "ArchiveTooLarge"
	CodeTooManyEntries     Code = "TooManyEntries"
	CodeForbiddenExtension Code = "ForbiddenExtension"

	// Runtime
	CodeTimeout       Code = "Timeout"
	CodeOutOfMemory   Code = "OutOfMemory"
	CodeStackOverflow Code = "StackOverflow"
	CodeJsException   Code = "JsException"
	CodeRuntimeInit   Code = "RuntimeInit"
	CodeCancelled     Code = "Cancelled"
	CodeTaskPanic     Code = "TaskPanic"

	// Capabilities
	CodePermissionDenied       Code = "PermissionDenied"
	CodeUnsupportedAPI         Code = "UnsupportedApi"
	CodeIncompatibleAPIVersion Code = "IncompatibleApiVersion"
	CodeCallDepthExceeded      Code = "CallDepthExceeded"

	// Retry / rate
	CodeRetryConfig Code = "RetryConfigError"
	CodeWouldExceed Code = "WouldExceed"

	// Concurrency
	CodeLockContention Code = "LockContention"

	// Fallback
	CodeInternal Code = "Internal"
	CodeNotFound Code = "NotFound"
)

// Error is a structured error with a UI-visible code.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error with a code.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an underlying error.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf returns the code carried by err, or CodeInternal.
func CodeOf(err error) Code {
	var he *Error
	if errors.As(err, &he) {
		return he.Code
	}
	return CodeInternal
}
