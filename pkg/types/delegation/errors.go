package delegation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ErrorKind is the stable name of an error class, persisted on usage records
// and used to pick CLI exit codes
type ErrorKind string

const (
	KindUnknownService   ErrorKind = "unknown_service"
	KindAuthentication   ErrorKind = "authentication"
	KindQuotaExceeded    ErrorKind = "quota_exceeded"
	KindInvalidOption    ErrorKind = "invalid_option"
	KindProcessExecution ErrorKind = "process_execution"
	KindTimeout          ErrorKind = "timeout"
	KindCancelled        ErrorKind = "cancelled"
	KindStorage          ErrorKind = "storage"
	KindInvalidRecord    ErrorKind = "invalid_record"
	KindInternal         ErrorKind = "internal"
)

// UnknownServiceError is returned when no descriptor is registered for a service id
type UnknownServiceError struct {
	ServiceID string
}

func (e *UnknownServiceError) Error() string {
	return fmt.Sprintf("unknown service: %s", e.ServiceID)
}

// AuthenticationError is returned when the credential check of a service fails
type AuthenticationError struct {
	ServiceID string
	Issues    []string
}

func (e *AuthenticationError) Error() string {
	if len(e.Issues) == 0 {
		return fmt.Sprintf("service %s is not authenticated", e.ServiceID)
	}
	return fmt.Sprintf("service %s is not authenticated: %s", e.ServiceID, strings.Join(e.Issues, "; "))
}

// QuotaExceededError is returned when admission is denied. RetryAfter is the
// time until enough of the oldest records leave the exceeded dimension's
// rolling window. Day dimensions roll over 24h too, so a per-day rejection
// is not told to wait until local midnight.
type QuotaExceededError struct {
	Status     QuotaStatus
	Dimension  Dimension
	RetryAfter time.Duration
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for %s on %s (%d/%d), retry after %s",
		e.Status.ServiceID, e.Dimension, e.Status.Used(e.Dimension), e.Status.Limits.Limit(e.Dimension),
		e.RetryAfter.Round(time.Second))
}

// InvalidOptionError is returned for a recognized option with a malformed value
type InvalidOptionError struct {
	Option string
	Value  any
	Reason string
}

func (e *InvalidOptionError) Error() string {
	return fmt.Sprintf("invalid value %v for option %q: %s", e.Value, e.Option, e.Reason)
}

// ProcessExecutionError is returned when the external process exits non-zero
// or produces no usable output
type ProcessExecutionError struct {
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ProcessExecutionError) Error() string {
	msg := fmt.Sprintf("process exited with code %d", e.ExitCode)
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		msg += ": " + stderr
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProcessExecutionError) Unwrap() error { return e.Err }

// TimeoutError is returned when the external process exceeded its allotted duration
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("process timed out after %s", e.Timeout)
}

// CancelledError is returned when the caller cancelled the dispatch
type CancelledError struct {
	Cause error
}

func (e *CancelledError) Error() string {
	if e.Cause != nil {
		return "dispatch cancelled: " + e.Cause.Error()
	}
	return "dispatch cancelled"
}

func (e *CancelledError) Unwrap() error { return e.Cause }

// StorageError is returned when the usage store cannot be read or written
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("usage store %s failed: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// InvalidRecordError is returned when a record violates its invariants
type InvalidRecordError struct {
	Reason string
}

func (e *InvalidRecordError) Error() string {
	return "invalid usage record: " + e.Reason
}

// KindOf classifies any error into the taxonomy. Wrapped errors are unwrapped.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var (
		unknown   *UnknownServiceError
		auth      *AuthenticationError
		quota     *QuotaExceededError
		option    *InvalidOptionError
		process   *ProcessExecutionError
		timeout   *TimeoutError
		cancelled *CancelledError
		storage   *StorageError
		record    *InvalidRecordError
	)

	switch {
	case errors.As(err, &unknown):
		return KindUnknownService
	case errors.As(err, &auth):
		return KindAuthentication
	case errors.As(err, &quota):
		return KindQuotaExceeded
	case errors.As(err, &option):
		return KindInvalidOption
	case errors.As(err, &timeout):
		return KindTimeout
	case errors.As(err, &cancelled):
		return KindCancelled
	case errors.As(err, &process):
		return KindProcessExecution
	case errors.As(err, &storage):
		return KindStorage
	case errors.As(err, &record):
		return KindInvalidRecord
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}
	return KindInternal
}

// Retryable reports whether the caller may retry after this error
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindProcessExecution, KindTimeout, KindQuotaExceeded, KindStorage:
		return true
	}
	return false
}
