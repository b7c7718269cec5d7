package quantum

import (
	"errors"
	"fmt"
)

type StatusCode int

const (
	StatusSuccess StatusCode = iota
	StatusBadRequest
	StatusUnauthorized
	StatusInvalidState
	StatusTooManyRequests
	StatusInternalError
	StatusUnexpectedMessage
)

func (c StatusCode) String() string {
	switch c {
	case StatusSuccess:
		return "success"
	case StatusBadRequest:
		return "bad_request"
	case StatusUnauthorized:
		return "unauthorized"
	case StatusInvalidState:
		return "invalid_state"
	case StatusTooManyRequests:
		return "too_many_requests"
	case StatusInternalError:
		return "internal_error"
	case StatusUnexpectedMessage:
		return "unexpected_message"
	default:
		return fmt.Sprintf("status(%d)", int(c))
	}
}

// Error is a validation failure that maps onto a result status.
type Error struct {
	Code StatusCode
	Msg  string
}

func (e *Error) Error() string { return e.Code.String() + ": " + e.Msg }

func Errorf(code StatusCode, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// StatusOf extracts the status carried by err. Untyped errors are internal errors.
func StatusOf(err error) StatusCode {
	if err == nil {
		return StatusSuccess
	}
	var qe *Error
	if errors.As(err, &qe) {
		return qe.Code
	}
	return StatusInternalError
}
