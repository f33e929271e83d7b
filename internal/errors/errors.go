// Package errors provides the error taxonomy for release file generation.
package errors

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"syscall"
)

// Sentinel errors for known conditions.
var (
	// ErrNotFound indicates a referenced file (previous release, input) does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnrecognized indicates a filename that does not follow the RF2 naming convention.
	ErrUnrecognized = errors.New("unrecognized file")

	// ErrTimeout indicates the identifier service did not finish a job in time.
	ErrTimeout = errors.New("client timeout")

	// ErrNoDeltaFiles indicates a build produced no transformed Delta files at all.
	ErrNoDeltaFiles = errors.New("no transformed delta files")

	// ErrMaxRetries indicates a retryable operation exhausted its attempts.
	ErrMaxRetries = errors.New("maximum retries exceeded")
)

// Kind classifies how a failure should be handled by the caller.
type Kind int

const (
	// KindFatal aborts the current unit of work (a file, or a build).
	KindFatal Kind = iota
	// KindSkip is logged and processing continues.
	KindSkip
	// KindRetryable may succeed if attempted again.
	KindRetryable
)

func (k Kind) String() string {
	switch k {
	case KindSkip:
		return "skip"
	case KindRetryable:
		return "retryable"
	default:
		return "fatal"
	}
}

// Error carries a classification plus the operation and file it happened in.
type Error struct {
	Kind Kind
	// Op is the operation that failed, e.g. "export" or "populate".
	Op string
	// File is the release file being processed (optional).
	File string
	Err  error
}

func (e *Error) Error() string {
	if e.File != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.File, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Skip marks err as a structural skip.
func Skip(op, file string, err error) error {
	return &Error{Kind: KindSkip, Op: op, File: file, Err: err}
}

// Retryable marks err as transient.
func Retryable(op, file string, err error) error {
	return &Error{Kind: KindRetryable, Op: op, File: file, Err: err}
}

// Fatal marks err as non-recoverable for the current unit of work.
func Fatal(op, file string, err error) error {
	return &Error{Kind: KindFatal, Op: op, File: file, Err: err}
}

// KindOf reports the classification of err. Unclassified errors are
// retryable when they look transient and fatal otherwise.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if IsTransient(err) {
		return KindRetryable
	}
	return KindFatal
}

// IsTransient reports whether err was caused by I/O or the network.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED)
}

// TransformationError fails a single file's pipeline without touching siblings.
type TransformationError struct {
	Cause string
	Err   error
}

func (e *TransformationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transformation failed: %s: %v", e.Cause, e.Err)
	}
	return "transformation failed: " + e.Cause
}

func (e *TransformationError) Unwrap() error {
	return e.Err
}

// NewTransformationError creates a TransformationError with a formatted cause.
func NewTransformationError(err error, format string, args ...any) error {
	return &TransformationError{Cause: fmt.Sprintf(format, args...), Err: err}
}

// PopulationError reports input that could not be loaded into a scratch table.
type PopulationError struct {
	Table string
	Err   error
}

func (e *PopulationError) Error() string {
	return fmt.Sprintf("populate table %s: %v", e.Table, e.Err)
}

func (e *PopulationError) Unwrap() error {
	return e.Err
}

// ReleaseFileGenerationError reports a failed export of one release file.
type ReleaseFileGenerationError struct {
	File     string
	Attempts int
	Err      error
}

func (e *ReleaseFileGenerationError) Error() string {
	return fmt.Sprintf("generate release file %s after %d attempt(s): %v", e.File, e.Attempts, e.Err)
}

func (e *ReleaseFileGenerationError) Unwrap() error {
	return e.Err
}

// ClientTimeoutError reports an identifier service job that did not reach a
// terminal state before the configured timeout.
type ClientTimeoutError struct {
	JobID   string
	Elapsed string
}

func (e *ClientTimeoutError) Error() string {
	return fmt.Sprintf("identifier job %s did not complete after %s", e.JobID, e.Elapsed)
}

func (e *ClientTimeoutError) Unwrap() error {
	return ErrTimeout
}

// NotFound wraps ErrNotFound with the missing file name.
func NotFound(what string) error {
	return fmt.Errorf("%s: %w", what, ErrNotFound)
}

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
