package errs

import (
	"errors"
	"fmt"
)

var (
	ErrMediaAcquisition       = errors.New("media acquisition failed")
	ErrSignalingUnavailable   = errors.New("signaling unavailable")
	ErrCallFailed             = errors.New("call failed")
	ErrScreenShareUnavailable = errors.New("screen share unavailable")
	ErrInvalidState           = errors.New("invalid state")
	ErrMalformedPayload       = errors.New("malformed payload")
)

// Error attaches the failing operation to one of the sentinel errors above.
type Error struct {
	Op      string
	Err     error
	Details string
}

func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %v (%s)", e.Op, e.Err, e.Details)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err as the failure of op.
func New(op string, err error) *Error {
	return &Error{Op: op, Err: err}
}

// Wrap is New with details appended to the message.
func Wrap(op string, err error, details string) *Error {
	return &Error{Op: op, Err: err, Details: details}
}

// Cause wraps err under sentinel so both match errors.Is.
func Cause(op string, sentinel, err error) *Error {
	return &Error{Op: op, Err: fmt.Errorf("%w: %w", sentinel, err)}
}

// CallFailed is reported when a session reaches the failed state.
type CallFailed struct {
	SessionID  string
	Originator string
	Cause      string
}

func (e *CallFailed) Error() string {
	return fmt.Sprintf("call %s failed: %s (%s)", e.SessionID, e.Cause, e.Originator)
}

// Is lets errors.Is match ErrCallFailed.
func (e *CallFailed) Is(target error) bool {
	return target == ErrCallFailed
}
