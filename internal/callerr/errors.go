// Package callerr defines the error taxonomy shared by the call engine.
package callerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a class of engine failure.
type Code string

const (
	CodeMediaAcquisition    Code = "MEDIA_ACQUISITION"
	CodeNoSuchCall          Code = "NO_SUCH_CALL"
	CodeTransport           Code = "TRANSPORT"
	CodeInvalidTone         Code = "INVALID_TONE"
	CodeNoSupportedEncoding Code = "NO_SUPPORTED_ENCODING"
	CodeNoActiveRecording   Code = "NO_ACTIVE_RECORDING"
	CodeNoActiveCall        Code = "NO_ACTIVE_CALL"
	CodeAlreadySharing      Code = "ALREADY_SHARING"
	CodeInvalidState        Code = "INVALID_STATE"
	CodeNoSuchGroupCall     Code = "NO_SUCH_GROUP_CALL"
	CodeNotOwner            Code = "NOT_OWNER"
	CodeSignaling           Code = "SIGNALING"
)

// Error is a coded engine error. Two Errors match under errors.Is when their
// codes are equal, so callers compare against the sentinels below.
type Error struct {
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrMediaAcquisition    = &Error{Code: CodeMediaAcquisition}
	ErrNoSuchCall          = &Error{Code: CodeNoSuchCall}
	ErrTransport           = &Error{Code: CodeTransport}
	ErrInvalidTone         = &Error{Code: CodeInvalidTone}
	ErrNoSupportedEncoding = &Error{Code: CodeNoSupportedEncoding}
	ErrNoActiveRecording   = &Error{Code: CodeNoActiveRecording}
	ErrNoActiveCall        = &Error{Code: CodeNoActiveCall}
	ErrAlreadySharing      = &Error{Code: CodeAlreadySharing}
	ErrInvalidState        = &Error{Code: CodeInvalidState}
	ErrNoSuchGroupCall     = &Error{Code: CodeNoSuchGroupCall}
	ErrNotOwner            = &Error{Code: CodeNotOwner}
	ErrSignaling           = &Error{Code: CodeSignaling}
)

// New returns an Error with code c raised by op.
func New(c Code, op string, err error) *Error {
	return &Error{Code: c, Op: op, Err: err}
}

// Wrap is New with a formatted cause.
func Wrap(c Code, op, format string, args ...any) *Error {
	return &Error{Code: c, Op: op, Err: fmt.Errorf(format, args...)}
}

// CodeOf returns the code of the first Error in err's chain, or "" if none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HTTPStatus maps an error to the status the control API answers with.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeNoSuchCall, CodeNoActiveCall, CodeNoSuchGroupCall:
		return http.StatusNotFound
	case CodeInvalidTone:
		return http.StatusBadRequest
	case CodeAlreadySharing, CodeInvalidState, CodeNoActiveRecording:
		return http.StatusConflict
	case CodeNotOwner:
		return http.StatusForbidden
	case CodeNoSupportedEncoding:
		return http.StatusUnprocessableEntity
	case CodeMediaAcquisition, CodeTransport, CodeSignaling:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
