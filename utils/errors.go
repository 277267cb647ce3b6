package utils

import (
	"errors"
	"fmt"
)

type PermError string

func (e PermError) Error() string {
	return string(e)
}

func (e PermError) IsPermanent() bool {
	return true
}

// InternalError marks a coordination bug rather than bad input. It aborts the
// whole operation and is never reported to the user verbatim.
type InternalError struct {
	Err error
}

func (e *InternalError) Error() string {
	return "internal error: " + e.Err.Error()
}

func (e *InternalError) Unwrap() error {
	return e.Err
}

func NewInternalError(err error, format string, args ...any) error {
	return &InternalError{Err: fmt.Errorf(format+": %w", append(args, err)...)}
}

func IsInternal(err error) bool {
	var ie *InternalError
	return errors.As(err, &ie)
}

// UserError is an input error that rejects the statement before anything
// destructive happens.
type UserError struct {
	Err error
}

func (e *UserError) Error() string {
	return e.Err.Error()
}

func (e *UserError) Unwrap() error {
	return e.Err
}

func NewUserError(err error, format string, args ...any) error {
	return &UserError{Err: fmt.Errorf(format+": %w", append(args, err)...)}
}

func IsUser(err error) bool {
	var ue *UserError
	return errors.As(err, &ue)
}
