package models

import "errors"

var (
	ErrInvalid  = errors.New("invalid request")
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// RideError carries a caller-facing message and unwraps to one of the
// error kinds above.
type RideError struct {
	kind error
	msg  string
}

func (e *RideError) Error() string { return e.msg }
func (e *RideError) Unwrap() error { return e.kind }

func Invalid(msg string) error  { return &RideError{kind: ErrInvalid, msg: msg} }
func NotFound(msg string) error { return &RideError{kind: ErrNotFound, msg: msg} }
func Conflict(msg string) error { return &RideError{kind: ErrConflict, msg: msg} }
