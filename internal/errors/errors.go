package errors

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type Code string

const (
	CodeInvalidArgument         Code = "INVALID_ARGUMENT"
	CodeUnauthorized            Code = "UNAUTHORIZED"
	CodePermissionDenied        Code = "PERMISSION_DENIED"
	CodeNotFound                Code = "NOT_FOUND"
	CodeInvalidState            Code = "INVALID_STATE"
	CodeConflict                Code = "CONFLICT"
	CodeExpired                 Code = "EXPIRED"
	CodePreconditionFailed      Code = "PRECONDITION_FAILED"
	CodeCodeGenerationExhausted Code = "CODE_GENERATION_EXHAUSTED"
	CodeRateLimited             Code = "RATE_LIMITED"
	CodeInternal                Code = "INTERNAL"
)

// Reasons refine a code so clients can render a specific message.
const (
	ReasonNotJoinable           = "NOT_JOINABLE"
	ReasonAlreadyJoined         = "ALREADY_JOINED"
	ReasonFull                  = "FULL"
	ReasonAlreadyAnswered       = "ALREADY_ANSWERED"
	ReasonInvalidChoice         = "INVALID_CHOICE"
	ReasonNotEnoughParticipants = "NOT_ENOUGH_PARTICIPANTS"
	ReasonParticipantsNotReady  = "PARTICIPANTS_NOT_READY"
	ReasonInsufficientContent   = "INSUFFICIENT_CONTENT"
	ReasonMembershipFrozen      = "MEMBERSHIP_FROZEN"
)

var code2grpc = map[Code]codes.Code{
	CodeInvalidArgument:         codes.InvalidArgument,
	CodeUnauthorized:            codes.Unauthenticated,
	CodePermissionDenied:        codes.PermissionDenied,
	CodeNotFound:                codes.NotFound,
	CodeInvalidState:            codes.FailedPrecondition,
	CodeConflict:                codes.AlreadyExists,
	CodeExpired:                 codes.DeadlineExceeded,
	CodePreconditionFailed:      codes.FailedPrecondition,
	CodeCodeGenerationExhausted: codes.ResourceExhausted,
	CodeRateLimited:             codes.ResourceExhausted,
	CodeInternal:                codes.Internal,
}

var code2http = map[Code]int{
	CodeInvalidArgument:         http.StatusBadRequest,
	CodeUnauthorized:            http.StatusUnauthorized,
	CodePermissionDenied:        http.StatusForbidden,
	CodeNotFound:                http.StatusNotFound,
	CodeInvalidState:            http.StatusConflict,
	CodeConflict:                http.StatusConflict,
	CodeExpired:                 http.StatusGone,
	CodePreconditionFailed:      http.StatusPreconditionFailed,
	CodeCodeGenerationExhausted: http.StatusServiceUnavailable,
	CodeRateLimited:             http.StatusTooManyRequests,
	CodeInternal:                http.StatusInternalServerError,
}

type Error struct {
	Code    Code   `json:"code"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message"`
	err     error
}

func New(code Code, opts ...Option) *Error {
	e := &Error{
		Code:    code,
		Message: string(code),
	}

	for _, opt := range opts {
		opt.apply(e)
	}

	return e
}

func (e *Error) Error() string {
	s := fmt.Sprintf("code: %s, message: %s", e.Code, e.Message)
	if e.Reason != "" {
		s += fmt.Sprintf(", reason: %s", e.Reason)
	}
	if e.err != nil {
		s += fmt.Sprintf(", err: %s", e.err)
	}

	return s
}

func (e *Error) Unwrap() error {
	return e.err
}

func (e *Error) GRPCStatus() *status.Status {
	c, ok := code2grpc[e.Code]
	if !ok {
		c = codes.Unknown
	}
	return status.New(c, e.Message)
}

func (e *Error) HTTPStatusCode() int {
	if c, ok := code2http[e.Code]; ok {
		return c
	}

	return http.StatusInternalServerError
}

// Convert returns err as *Error, wrapping anything unknown as an internal error.
func Convert(err error) *Error {
	var e *Error
	if !errors.As(err, &e) {
		return Internal(err)
	}

	return e
}

// Is reports whether err carries the code and, when given, one of the reasons.
func Is(err error, code Code, reasons ...string) bool {
	var e *Error
	if !errors.As(err, &e) || e.Code != code {
		return false
	}
	if len(reasons) == 0 {
		return true
	}
	for _, r := range reasons {
		if e.Reason == r {
			return true
		}
	}
	return false
}

func Internal(err error) *Error {
	return New(CodeInternal, WithCause(err))
}

type Option interface {
	apply(*Error)
}

type optionFunc func(*Error)

func (f optionFunc) apply(e *Error) {
	f(e)
}

func WithCause(err error) Option {
	return optionFunc(func(e *Error) {
		e.err = err
	})
}

func WithMessagef(format string, args ...any) Option {
	return optionFunc(func(e *Error) {
		e.Message = fmt.Sprintf(format, args...)
	})
}

func WithReason(reason string) Option {
	return optionFunc(func(e *Error) {
		e.Reason = reason
	})
}
