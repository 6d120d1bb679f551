// Package apperror is the error taxonomy shared by services and handlers.
// Services return *Error values; handlers translate Kind into an HTTP status
// and surface Code verbatim so operators can tell failures apart.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindValidation   Kind = "validation"
	KindNotFound     Kind = "not_found"
	KindUnauthorized Kind = "unauthorized"
	KindConflict     Kind = "conflict"
	KindGateway      Kind = "gateway"
	KindIntegrity    Kind = "integrity"
	KindInternal     Kind = "internal"
)

// Stable failure codes returned to API callers.
const (
	CodeInvalidRequest     = "INVALID_REQUEST"
	CodeNotFound           = "NOT_FOUND"
	CodeForbidden          = "FORBIDDEN"
	CodeMalformedQR        = "MALFORMED_QR"
	CodeExpiredQR          = "EXPIRED_QR"
	CodeInvalidSignature   = "INVALID_SIGNATURE"
	CodeNotEntitled        = "NOT_ENTITLED"
	CodeNotPaid            = "NOT_PAID"
	CodeAlreadyCheckedIn   = "ALREADY_CHECKED_IN"
	CodeTargetNotActive    = "TARGET_NOT_ACTIVE"
	CodeCapacityReached    = "CAPACITY_REACHED"
	CodeInvalidTransition  = "INVALID_TRANSITION"
	CodeDuplicate          = "DUPLICATE"
	CodeConcurrentUpdate   = "CONCURRENT_UPDATE"
	CodeGatewayUnavailable = "GATEWAY_UNAVAILABLE"
	CodeGatewayResponse    = "GATEWAY_BAD_RESPONSE"
	CodeInternal           = "INTERNAL"
)

type Error struct {
	Kind      Kind
	Code      string
	Message   string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by Code, so errors.Is(err, &Error{Code: X}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code != "" && t.Code == e.Code
}

func (e *Error) StatusCode() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindUnauthorized:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	case KindIntegrity:
		return http.StatusUnprocessableEntity
	case KindGateway:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func newf(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

func Validation(code, format string, args ...any) *Error {
	return newf(KindValidation, code, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return newf(KindNotFound, CodeNotFound, format, args...)
}

func Unauthorized(format string, args ...any) *Error {
	return newf(KindUnauthorized, CodeForbidden, format, args...)
}

func Conflict(code, format string, args ...any) *Error {
	return newf(KindConflict, code, format, args...)
}

func Integrity(code, format string, args ...any) *Error {
	return newf(KindIntegrity, code, format, args...)
}

func Gateway(code string, err error, format string, args ...any) *Error {
	e := newf(KindGateway, code, format, args...)
	e.Retryable = true
	e.Err = err
	return e
}

func Internal(err error, format string, args ...any) *Error {
	e := newf(KindInternal, CodeInternal, format, args...)
	e.Err = err
	return e
}

func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the taxonomy code of err, or CodeInternal for foreign errors.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	if e, ok := As(err); ok {
		return e.Code
	}
	return CodeInternal
}

func StatusOf(err error) int {
	if e, ok := As(err); ok {
		return e.StatusCode()
	}
	return http.StatusInternalServerError
}

// PublicMessage never exposes the wrapped cause of internal errors.
func PublicMessage(err error) string {
	e, ok := As(err)
	if !ok || e.Kind == KindInternal {
		return "internal error"
	}
	return e.Message
}
