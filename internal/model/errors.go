package model

import (
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"
)

type Code string

const (
	CodeNotFound          Code = "not_found"
	CodeForbidden         Code = "forbidden"
	CodeGymInactive       Code = "gym_inactive"
	CodeCapacityExceeded  Code = "capacity_exceeded"
	CodeDuplicateSession  Code = "duplicate_session"
	CodeAlreadyCheckedOut Code = "already_checked_out"
	CodeConnection        Code = "connection_error"
	CodeInvalidArgument   Code = "invalid_argument"
	CodeConflict          Code = "conflict"
	CodeInternal          Code = "internal"
)

// Error is the domain error surfaced to callers. Message is safe to show at a kiosk.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func WrapError(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Sentinels for errors.Is checks.
var (
	ErrNotFound          = NewError(CodeNotFound, "not found")
	ErrForbidden         = NewError(CodeForbidden, "forbidden")
	ErrGymInactive       = NewError(CodeGymInactive, "gym is not active")
	ErrCapacityExceeded  = NewError(CodeCapacityExceeded, "gym is at maximum capacity")
	ErrDuplicateSession  = NewError(CodeDuplicateSession, "user already has an active check-in at this gym")
	ErrAlreadyCheckedOut = NewError(CodeAlreadyCheckedOut, "check-in already closed")
	ErrConnection        = NewError(CodeConnection, "store unavailable")
	ErrInvalidArgument   = NewError(CodeInvalidArgument, "invalid argument")
	ErrConflict          = NewError(CodeConflict, "conflict")
)

// CodeOf extracts the domain code, defaulting to internal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var domainErr *Error
	if errors.As(err, &domainErr) {
		return domainErr.Code
	}
	return CodeInternal
}

func (c Code) HTTPStatus() int {
	switch c {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeForbidden:
		return http.StatusForbidden
	case CodeGymInactive, CodeCapacityExceeded, CodeDuplicateSession, CodeAlreadyCheckedOut, CodeConflict:
		return http.StatusConflict
	case CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeConnection:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (c Code) GRPCCode() codes.Code {
	switch c {
	case CodeNotFound:
		return codes.NotFound
	case CodeForbidden:
		return codes.PermissionDenied
	case CodeGymInactive, CodeCapacityExceeded, CodeAlreadyCheckedOut:
		return codes.FailedPrecondition
	case CodeDuplicateSession, CodeConflict:
		return codes.AlreadyExists
	case CodeInvalidArgument:
		return codes.InvalidArgument
	case CodeConnection:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}
