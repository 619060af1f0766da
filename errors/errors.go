package errors

import "fmt"

// DriverError is anything a TrackfileError can be turned into: a fixed
// error code decorated with a custom message or a wrapped underlying
// cause. WithMessage keeps the code it started from reachable via
// errors.Is; WrapError unwraps to the wrapped cause only, so errors.Is
// matches that cause and not the code.
type DriverError interface {
	error
	WithMessage(message string) DriverError
	WrapError(err error) DriverError
}

type wrappedTrackfileError struct {
	message       string
	originalError error
}

func (e wrappedTrackfileError) Error() string {
	return e.message
}

func (e wrappedTrackfileError) WithMessage(message string) DriverError {
	return wrappedTrackfileError{
		message:       fmt.Sprintf("%s: %s", e.message, message),
		originalError: e,
	}
}

func (e wrappedTrackfileError) WrapError(err error) DriverError {
	return wrappedTrackfileError{
		message:       fmt.Sprintf("%s: %s", e.Error(), err.Error()),
		originalError: err,
	}
}

func (e wrappedTrackfileError) Unwrap() error {
	return e.originalError
}
