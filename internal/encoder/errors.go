package encoder

import (
	"errors"
	"fmt"
)

// Error is the single error type returned by sessions and delivered to
// packet handlers. Sequence is set when the error concerns one frame.
type Error struct {
	Code     string
	Message  string
	Sequence uint64
	HasFrame bool
	Cause    error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.HasFrame {
		msg = fmt.Sprintf("%s (frame %d)", msg, e.Sequence)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error carrying the same code, so the Err* values below
// work as errors.Is targets.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Error codes.
const (
	ErrCodeUnsupportedFormat = "UNSUPPORTED_FORMAT"
	ErrCodeFormatMismatch    = "FORMAT_MISMATCH"
	ErrCodeDeviceInit        = "DEVICE_INIT"
	ErrCodeDeviceIO          = "DEVICE_IO"
	ErrCodeSessionClosed     = "SESSION_CLOSED"
	ErrCodeDrainTimeout      = "DRAIN_TIMEOUT"
	ErrCodeFrameDropped      = "FRAME_DROPPED"
	ErrCodeInvalidParams     = "INVALID_PARAMS"
)

// Targets for errors.Is.
var (
	ErrUnsupportedFormat = &Error{Code: ErrCodeUnsupportedFormat}
	ErrFormatMismatch    = &Error{Code: ErrCodeFormatMismatch}
	ErrDeviceInit        = &Error{Code: ErrCodeDeviceInit}
	ErrDeviceIO          = &Error{Code: ErrCodeDeviceIO}
	ErrSessionClosed     = &Error{Code: ErrCodeSessionClosed}
	ErrDrainTimeout      = &Error{Code: ErrCodeDrainTimeout}
	ErrFrameDropped      = &Error{Code: ErrCodeFrameDropped}
	ErrInvalidParams     = &Error{Code: ErrCodeInvalidParams}
)

// NewError creates a new encoder error.
func NewError(code, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// frameError creates an error attributed to one submitted frame.
func frameError(code, message string, seq uint64, cause error) *Error {
	return &Error{
		Code:     code,
		Message:  message,
		Sequence: seq,
		HasFrame: true,
		Cause:    cause,
	}
}

// Code returns the code of err, or "" if err is not an *Error.
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
