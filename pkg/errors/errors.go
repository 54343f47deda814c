package errors

import "fmt"

// AppError is the error type surfaced across module boundaries. Code is a
// stable machine-readable identifier; Cause carries the underlying error for
// logging and errors.Is/As chains.
type AppError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Cause }

// Is matches two AppErrors by code, so sentinel errors compare correctly even
// when one side wraps a cause.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Constructors
func New(code Code, message string) error {
	return &AppError{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) error {
	return &AppError{Code: code, Message: message, Cause: cause}
}

// CodeOf returns the code of err if it is (or wraps) an AppError, CodeUnknown
// otherwise.
func CodeOf(err error) Code {
	for err != nil {
		if ae, ok := err.(*AppError); ok {
			return ae.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return CodeUnknown
		}
		err = u.Unwrap()
	}
	return CodeUnknown
}
