package trackfile

import (
	"fmt"

	ferrors "github.com/obarthel/trackfile/errors"
)

// DriverError is a wrapper around one of the fixed codes in the errors
// package, with an optional custom message. Request.Err and the
// control-plane functions carry the errors package's codes directly, not
// DriverError values; Unwrap lets a DriverError match those codes.
type DriverError struct {
	Code    ferrors.TrackfileError
	message string
}

// Error implements the `error` interface.
func (e DriverError) Error() string {
	if e.message != "" {
		return e.message
	}
	return e.Code.Error()
}

// Unwrap lets callers use errors.Is(err, ferrors.ErrDuplicateDisk) instead of
// comparing strings.
func (e DriverError) Unwrap() error {
	return e.Code
}

// NewDriverError creates a DriverError with the code's default message.
func NewDriverError(code ferrors.TrackfileError) *DriverError {
	return &DriverError{Code: code, message: code.Error()}
}

// NewDriverErrorWithMessage creates a DriverError with a custom message
// appended to the code's description.
func NewDriverErrorWithMessage(code ferrors.TrackfileError, message string) *DriverError {
	return &DriverError{
		Code:    code,
		message: fmt.Sprintf("%s: %s", code.Error(), message),
	}
}
