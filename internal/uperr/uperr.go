// Package uperr defines the error taxonomy shared by the upload coordinator
// and the client chunk scheduler. Errors carry a stable code so callers can
// branch on the failure class instead of matching message strings.
package uperr

import (
	"context"
	"errors"
	"fmt"
)

// Code identifies a class of upload failure.
type Code string

const (
	// CodeInvalidRequest indicates malformed init parameters.
	CodeInvalidRequest Code = "INVALID_REQUEST"

	// CodeSessionNotFound indicates an unknown or expired session id.
	CodeSessionNotFound Code = "SESSION_NOT_FOUND"

	// CodeIncompleteUpload indicates a merge was attempted before all chunks
	// were staged. The error carries the missing index list.
	CodeIncompleteUpload Code = "INCOMPLETE_UPLOAD"

	// CodeChunkMissing indicates a chunk disappeared between the merge
	// precheck and the merge read. Fatal for that merge attempt only.
	CodeChunkMissing Code = "CHUNK_MISSING"

	// CodeTransferFailed indicates a network or write failure for one chunk.
	CodeTransferFailed Code = "TRANSFER_FAILED"

	// CodeMergeInFlight indicates a merge is already running for the session.
	CodeMergeInFlight Code = "MERGE_IN_FLIGHT"

	// CodeInternal indicates an unclassified server-side failure.
	CodeInternal Code = "INTERNAL"
)

// Error is a tagged upload error.
type Error struct {
	Code    Code
	Message string
	Missing []int // set for CodeIncompleteUpload
	Index   int   // set for CodeChunkMissing
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// InvalidRequest reports malformed request parameters.
func InvalidRequest(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidRequest, Message: fmt.Sprintf(format, args...)}
}

// SessionNotFound reports an unknown session id.
func SessionNotFound(id string) *Error {
	return &Error{Code: CodeSessionNotFound, Message: fmt.Sprintf("upload session %q not found", id)}
}

// Incomplete reports a merge attempted with chunks still missing.
func Incomplete(missing []int) *Error {
	return &Error{
		Code:    CodeIncompleteUpload,
		Message: fmt.Sprintf("%d chunks missing", len(missing)),
		Missing: missing,
	}
}

// ChunkMissing reports a chunk that vanished mid-merge.
func ChunkMissing(index int) *Error {
	return &Error{
		Code:    CodeChunkMissing,
		Message: fmt.Sprintf("chunk %d disappeared before merge read", index),
		Index:   index,
	}
}

// TransferFailed wraps a network or write failure for one chunk.
func TransferFailed(err error) *Error {
	return &Error{Code: CodeTransferFailed, Message: "chunk transfer failed", Err: err}
}

// MergeInFlight reports a concurrent merge attempt for the same session.
func MergeInFlight(id string) *Error {
	return &Error{Code: CodeMergeInFlight, Message: fmt.Sprintf("merge already running for session %q", id)}
}

// Internal wraps an unclassified failure.
func Internal(msg string, err error) *Error {
	return &Error{Code: CodeInternal, Message: msg, Err: err}
}

// CodeOf extracts the code from err, or CodeInternal if err is not tagged.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// MissingOf extracts the missing-index list from an IncompleteUpload error.
func MissingOf(err error) []int {
	var e *Error
	if errors.As(err, &e) && e.Code == CodeIncompleteUpload {
		return e.Missing
	}
	return nil
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

// IsCancelled reports whether err stems from context cancellation. Cancelled
// transfers are expected during pause and are never reported as failures.
// Deadline expiry is deliberately excluded: a timed-out transfer is an
// ordinary transfer failure.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled)
}
