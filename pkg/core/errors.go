package core

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode classifies caller-visible failures.
type ErrorCode string

const (
	CodeValidation        ErrorCode = "VALIDATION"
	CodeEntityNotFound    ErrorCode = "ENTITY_NOT_FOUND"
	CodeExecutionTimeout  ErrorCode = "EXECUTION_TIMEOUT"
	CodeJobRemovalFailure ErrorCode = "JOB_REMOVAL_FAILURE"
	CodeTaskQuotaExceeded ErrorCode = "TASK_QUOTA_EXCEEDED"
	CodeAuthorization     ErrorCode = "AUTHORIZATION"
)

// Error is a typed failure carrying an ErrorCode.
// Two Errors match under errors.Is when their codes are equal, so the
// sentinels below can be used to test for a whole class of failures.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return "flows: " + msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Taxonomy sentinels.
var (
	ErrValidation        = &Error{Code: CodeValidation}
	ErrEntityNotFound    = &Error{Code: CodeEntityNotFound}
	ErrExecutionTimeout  = &Error{Code: CodeExecutionTimeout}
	ErrJobRemovalFailure = &Error{Code: CodeJobRemovalFailure}
	ErrTaskQuotaExceeded = &Error{Code: CodeTaskQuotaExceeded}
	ErrAuthorization     = &Error{Code: CodeAuthorization}
)

// Errorf builds a typed error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a typed error around an underlying cause.
func Wrap(code ErrorCode, err error, message string) error {
	return &Error{Code: code, Message: message, Err: err}
}

// NotFound is shorthand for an ENTITY_NOT_FOUND error naming the entity.
func NotFound(entity, id string) error {
	return Errorf(CodeEntityNotFound, "%s %q not found", entity, id)
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Validation errors
var (
	ErrInvalidJobID       = errors.New("flows: invalid job id")
	ErrJobIDTooLong       = errors.New("flows: job id too long")
	ErrInvalidQueueName   = errors.New("flows: invalid queue name")
	ErrJobPayloadTooLarge = errors.New("flows: job payload exceeds size limit")
	ErrJobNotOwned        = errors.New("flows: job not owned by this worker")
	ErrDuplicateJob       = errors.New("flows: duplicate job id")
	ErrInvalidCron        = errors.New("flows: invalid cron expression")
	ErrInvalidTimezone    = errors.New("flows: invalid timezone")
)

// NoRetryError indicates an error that should not be retried.
type NoRetryError struct {
	Err error
}

func (e *NoRetryError) Error() string {
	return fmt.Sprintf("no retry: %v", e.Err)
}

func (e *NoRetryError) Unwrap() error {
	return e.Err
}

// NoRetry wraps an error to indicate it should not be retried.
func NoRetry(err error) error {
	return &NoRetryError{Err: err}
}

// RetryAfterError indicates an error that should be retried after a delay.
type RetryAfterError struct {
	Err   error
	Delay time.Duration
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("retry after %v: %v", e.Delay, e.Err)
}

func (e *RetryAfterError) Unwrap() error {
	return e.Err
}

// RetryAfter wraps an error to indicate it should be retried after a delay.
func RetryAfter(d time.Duration, err error) error {
	return &RetryAfterError{Err: err, Delay: d}
}
