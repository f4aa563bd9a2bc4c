package chat

import (
	"errors"
	"fmt"
)

// Code classifies an error for callers that decide between retrying,
// surfacing, or redirecting.
type Code string

const (
	CodePermissionDenied Code = "permission_denied"
	CodeNetworkFailure   Code = "network_failure"
	CodeNotFound         Code = "not_found"
	CodePartialWrite     Code = "partial_write"
	CodeInvalidArgument  Code = "invalid_argument"
	CodeMalformed        Code = "malformed"
	CodeTimeout          Code = "timeout"
	CodeRateLimited      Code = "rate_limited"
	CodeInternal         Code = "internal"
)

// Error is a classified messaging error. Two errors match under errors.Is
// when their codes are equal, so wrapped sentinels compare naturally.
type Error struct {
	Code    Code
	Message string
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

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

var (
	ErrPermissionDenied = &Error{Code: CodePermissionDenied, Message: "permission denied"}
	ErrNetworkFailure   = &Error{Code: CodeNetworkFailure, Message: "network failure"}
	ErrNotFound         = &Error{Code: CodeNotFound, Message: "not found"}
	ErrPartialWrite     = &Error{Code: CodePartialWrite, Message: "partial write divergence"}
	ErrInvalidArgument  = &Error{Code: CodeInvalidArgument, Message: "invalid argument"}
	ErrMalformed        = &Error{Code: CodeMalformed, Message: "malformed document"}
	ErrTimeout          = &Error{Code: CodeTimeout, Message: "timed out"}
	ErrRateLimited      = &Error{Code: CodeRateLimited, Message: "rate limited"}
)

// NewError returns a classified error with its own message.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap classifies err under code. A nil err yields nil.
func Wrap(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf returns the code of the first classified error in err's chain,
// or CodeInternal when none is present.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// Retryable reports whether a failed send is worth the automatic retry.
func Retryable(err error) bool {
	return CodeOf(err) == CodeNetworkFailure
}
