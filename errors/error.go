package errors

import stderrors "errors"

// Codes for the failure classes surfaced in job status and gateway frames.
const (
	CodeTransient int64 = 1000 + iota
	CodeValidation
	CodePartialBatch
	CodeCapacity
	CodeHandler
	CodeNotFound
	CodeStalled
)

type Error struct {
	Code       int64  `json:"code"`
	Message    string `json:"message"`
	Cause      error  `json:"-"`
	Details    any    `json:"details,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
}

func NewError(code int64, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

func (e *Error) WithDetails(details any) *Error {
	e.Details = details
	return e
}

func (e *Error) WithStatusCode(statusCode int) *Error {
	e.StatusCode = statusCode
	return e
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) GetCode() int64 {
	return e.Code
}

func (e *Error) GetMessage() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) GetDetails() any {
	return e.Details
}

func (e *Error) GetStatusCode() int {
	return e.StatusCode
}

// CodeOf returns the code of the first *Error in err's chain, or fallback.
func CodeOf(err error, fallback int64) int64 {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return fallback
}
