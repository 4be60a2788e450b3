package task

import "errors"

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrInvalidField      = errors.New("invalid field")
	ErrMissingField      = errors.New("missing required field")
	ErrInvalidStatus     = errors.New("invalid status")
	ErrIllegalTransition = errors.New("illegal status transition")
	ErrTerminal          = errors.New("task is in a terminal status")
)
